package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-tracking/internal/models"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestMemoryLocationUpsertCreatesThenOverwrites(t *testing.T) {
	s := NewMemoryLocationStore()
	ctx := context.Background()

	loc, err := s.Upsert(ctx, "d1", models.LocationUpdate{Latitude: 1, Longitude: 2, Status: models.StatusOnline}, t0)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !loc.CreatedAt.Equal(t0) || !loc.LastUpdate.Equal(t0) {
		t.Fatalf("unexpected timestamps: %+v", loc)
	}

	later := t0.Add(time.Minute)
	loc, err = s.Upsert(ctx, "d1", models.LocationUpdate{Latitude: 3, Longitude: 4, Status: models.StatusOnRide, CurrentRideID: "r1"}, later)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if loc.Latitude != 3 || loc.CurrentRideID != "r1" {
		t.Fatalf("fields not overwritten: %+v", loc)
	}
	if !loc.CreatedAt.Equal(t0) {
		t.Fatalf("createdAt moved: %v", loc.CreatedAt)
	}
	if !loc.LastUpdate.Equal(later) {
		t.Fatalf("lastUpdate = %v, want %v", loc.LastUpdate, later)
	}
}

func TestMemoryLocationSetStatusKeepsLastUpdate(t *testing.T) {
	s := NewMemoryLocationStore()
	ctx := context.Background()
	if _, err := s.Upsert(ctx, "d1", models.LocationUpdate{Status: models.StatusOnline}, t0); err != nil {
		t.Fatal(err)
	}
	loc, err := s.SetStatus(ctx, "d1", models.StatusBreak, "", t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if !loc.LastUpdate.Equal(t0) {
		t.Fatalf("lastUpdate advanced to %v", loc.LastUpdate)
	}
	if _, err := s.SetStatus(ctx, "missing", models.StatusOnline, "", t0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryLocationListActiveHonoursWindow(t *testing.T) {
	s := NewMemoryLocationStore()
	ctx := context.Background()
	_, _ = s.Upsert(ctx, "fresh", models.LocationUpdate{Status: models.StatusOnline}, t0)
	_, _ = s.Upsert(ctx, "old", models.LocationUpdate{Status: models.StatusOnline}, t0.Add(-10*time.Minute))
	_, _ = s.Upsert(ctx, "break", models.LocationUpdate{Status: models.StatusBreak}, t0)
	_, _ = s.Upsert(ctx, "riding", models.LocationUpdate{Status: models.StatusOnRide, CurrentRideID: "r"}, t0)

	got, err := s.ListActive(ctx, t0.Add(-5*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].DriverID != "fresh" || got[1].DriverID != "riding" {
		t.Fatalf("unexpected active set: %+v", got)
	}

	onRide, _ := s.ListOnRide(ctx)
	if len(onRide) != 1 || onRide[0].DriverID != "riding" {
		t.Fatalf("unexpected on-ride set: %+v", onRide)
	}
}

func TestMemoryLocationMarkStaleOffline(t *testing.T) {
	s := NewMemoryLocationStore()
	ctx := context.Background()
	_, _ = s.Upsert(ctx, "stale", models.LocationUpdate{Status: models.StatusOnRide, CurrentRideID: "r9"}, t0.Add(-11*time.Minute))
	_, _ = s.Upsert(ctx, "gone", models.LocationUpdate{Status: models.StatusOffline}, t0.Add(-time.Hour))
	_, _ = s.Upsert(ctx, "live", models.LocationUpdate{Status: models.StatusOnline}, t0)

	n, err := s.MarkStaleOffline(ctx, t0.Add(-10*time.Minute), t0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("affected = %d, want 1", n)
	}
	loc, _ := s.Get(ctx, "stale")
	if loc.Status != models.StatusOffline || loc.CurrentRideID != "" {
		t.Fatalf("stale record not demoted: %+v", loc)
	}
	live, _ := s.Get(ctx, "live")
	if live.Status != models.StatusOnline {
		t.Fatalf("live record touched: %+v", live)
	}
}

func TestMemoryLocationDelete(t *testing.T) {
	s := NewMemoryLocationStore()
	ctx := context.Background()
	_, _ = s.Upsert(ctx, "d1", models.LocationUpdate{Status: models.StatusOnline}, t0)
	if err := s.Delete(ctx, "d1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "d1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, "d1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestMemoryLocationUpsertIfNewerRejectsOlderWrites(t *testing.T) {
	s := NewMemoryLocationStore()
	ctx := context.Background()

	if _, err := s.UpsertIfNewer(ctx, "d1", models.LocationUpdate{Latitude: 1, Status: models.StatusOnline}, t0); err != nil {
		t.Fatalf("first write must create the record: %v", err)
	}
	if _, err := s.SetStatus(ctx, "d1", models.StatusOffline, "", t0.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpsertIfNewer(ctx, "d1", models.LocationUpdate{Latitude: 2, Status: models.StatusOnline}, t0); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("replayed write: got %v, want ErrOutOfOrder", err)
	}
	loc, _ := s.Get(ctx, "d1")
	if loc.Status != models.StatusOffline || loc.Latitude != 1 {
		t.Fatalf("replayed write changed the record: %+v", loc)
	}

	later := t0.Add(time.Minute)
	loc, err := s.UpsertIfNewer(ctx, "d1", models.LocationUpdate{Latitude: 3, Status: models.StatusOnline}, later)
	if err != nil {
		t.Fatal(err)
	}
	if !loc.LastUpdate.Equal(later) || loc.Latitude != 3 {
		t.Fatalf("newer write not applied: %+v", loc)
	}
}
