package location

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-tracking/internal/apperr"
	"github.com/example/ride-tracking/internal/logging"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/storage"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakePublisher struct {
	events []models.LocationEvent
	err    error
}

func (f *fakePublisher) PublishLocation(_ context.Context, ev models.LocationEvent) error {
	f.events = append(f.events, ev)
	return f.err
}

type fakeDirectory struct {
	drivers map[string]models.DriverSummary
	rides   map[string]models.RideSummary
	err     error
}

func (f *fakeDirectory) Drivers(context.Context, []string) (map[string]models.DriverSummary, error) {
	return f.drivers, f.err
}

func (f *fakeDirectory) Rides(context.Context, []string) (map[string]models.RideSummary, error) {
	return f.rides, f.err
}

func newTestService(opts Options) (*Service, *clock) {
	c := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	opts.Now = c.Now
	opts.Logger = logging.Discard()
	return NewService(storage.NewMemoryLocationStore(), opts), c
}

func ptr[T any](v T) *T { return &v }

func online(lat, lon float64) models.LocationUpdate {
	return models.LocationUpdate{Latitude: lat, Longitude: lon, Status: models.StatusOnline}
}

func TestUpsertThenGetReturnsWrittenFields(t *testing.T) {
	s, c := newTestService(Options{})
	ctx := context.Background()
	battery := 80.0
	u := models.LocationUpdate{Latitude: 48.85, Longitude: 2.35, Heading: 90, Speed: 30, Accuracy: 5,
		Status: models.StatusOnline, City: "Paris", BatteryLevel: &battery, IsMoving: true}

	if _, err := s.UpsertLocation(ctx, "d1", SourceHTTP, u); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := s.GetLocation(ctx, "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Latitude != 48.85 || got.Heading != 90 || got.City != "Paris" || !got.IsMoving || *got.BatteryLevel != 80 {
		t.Fatalf("fields not round-tripped: %+v", got)
	}
	if !got.LastUpdate.Equal(c.Now()) {
		t.Fatalf("lastUpdate = %v, want %v", got.LastUpdate, c.Now())
	}
}

func TestUpsertRejectsOutOfRangeFields(t *testing.T) {
	s, _ := newTestService(Options{})
	ctx := context.Background()
	bad := []models.LocationUpdate{
		{Latitude: 91, Status: models.StatusOnline},
		{Longitude: -181, Status: models.StatusOnline},
		{Heading: 360, Status: models.StatusOnline},
		{Heading: -1, Status: models.StatusOnline},
		{Speed: -1, Status: models.StatusOnline},
		{Status: "parked"},
		{Status: models.StatusOnRide},
	}
	for i, u := range bad {
		if _, err := s.UpsertLocation(ctx, "d1", SourceHTTP, u); !apperr.Is(err, apperr.CodeInvalidArgument) {
			t.Errorf("case %d: expected INVALID_ARGUMENT, got %v", i, err)
		}
	}
	if _, err := s.GetLocation(ctx, "d1"); !apperr.Is(err, apperr.CodeNotFound) {
		t.Fatalf("rejected updates must not create a record, got %v", err)
	}
}

func TestUpsertPublishesAndSwallowsPublishErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	s, _ := newTestService(Options{Publisher: pub})
	ctx := context.Background()

	if _, err := s.UpsertLocation(ctx, "d1", SourceWS, online(1, 1)); err != nil {
		t.Fatalf("publish failure must not fail the write: %v", err)
	}
	if _, err := s.UpsertLocation(ctx, "d1", SourceKafka, online(1, 2)); err != nil {
		t.Fatal(err)
	}
	if len(pub.events) != 1 || pub.events[0].DriverID != "d1" {
		t.Fatalf("expected exactly one published event, got %+v", pub.events)
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	s, _ := newTestService(Options{})
	if _, err := s.GetLocation(context.Background(), "nobody"); !apperr.Is(err, apperr.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestSetStatusRideIDInvariant(t *testing.T) {
	s, c := newTestService(Options{})
	ctx := context.Background()
	if _, err := s.UpsertLocation(ctx, "d1", SourceHTTP, online(1, 1)); err != nil {
		t.Fatal(err)
	}
	written := c.Now()
	c.Advance(time.Minute)

	loc, err := s.SetStatus(ctx, "d1", models.StatusOnRide, "ride-7")
	if err != nil {
		t.Fatalf("set on_ride: %v", err)
	}
	if loc.CurrentRideID != "ride-7" {
		t.Fatalf("ride id not stored: %+v", loc)
	}
	if !loc.LastUpdate.Equal(written) {
		t.Fatalf("setStatus must not advance lastUpdate")
	}

	loc, err = s.SetStatus(ctx, "d1", models.StatusOnline, "ride-7")
	if err != nil {
		t.Fatal(err)
	}
	if loc.CurrentRideID != "" {
		t.Fatalf("ride id must be cleared when leaving on_ride, got %q", loc.CurrentRideID)
	}

	if _, err := s.SetStatus(ctx, "d1", models.StatusOnRide, ""); !apperr.Is(err, apperr.CodeInvalidArgument) {
		t.Fatalf("on_ride without ride id: %v", err)
	}
	if _, err := s.SetStatus(ctx, "ghost", models.StatusOffline, ""); !apperr.Is(err, apperr.CodeNotFound) {
		t.Fatalf("missing driver: %v", err)
	}
}

func TestFindNearbyFiltersSortsAndTruncates(t *testing.T) {
	s, c := newTestService(Options{})
	ctx := context.Background()
	// ~1.1 km per 0.01 deg of latitude
	_, _ = s.UpsertLocation(ctx, "far", SourceHTTP, online(0.04, 0))
	_, _ = s.UpsertLocation(ctx, "near", SourceHTTP, online(0.01, 0))
	_, _ = s.UpsertLocation(ctx, "mid", SourceHTTP, online(0.02, 0))
	_, _ = s.UpsertLocation(ctx, "outside", SourceHTTP, online(1, 0))
	_, _ = s.UpsertLocation(ctx, "resting", SourceHTTP, models.LocationUpdate{Latitude: 0, Longitude: 0, Status: models.StatusBreak})
	_, _ = s.UpsertLocation(ctx, "signedoff", SourceHTTP, models.LocationUpdate{Latitude: 0.001, Longitude: 0, Status: models.StatusOffline})
	_, _ = s.UpsertLocation(ctx, "riding", SourceHTTP, models.LocationUpdate{Latitude: 0.03, Status: models.StatusOnRide, CurrentRideID: "r"})

	got, err := s.FindNearby(ctx, NearbyQuery{Latitude: 0, Longitude: 0})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"near", "mid", "riding", "far"}
	if len(got) != len(want) {
		t.Fatalf("got %d drivers, want %d: %+v", len(got), len(want), got)
	}
	for i, id := range want {
		if got[i].DriverID != id {
			t.Fatalf("position %d = %s, want %s", i, got[i].DriverID, id)
		}
		if got[i].DistanceKm > DefaultRadiusKm {
			t.Fatalf("%s beyond radius: %f", id, got[i].DistanceKm)
		}
	}

	top, err := s.FindNearby(ctx, NearbyQuery{Latitude: 0, Longitude: 0, Limit: ptr(2)})
	if err != nil {
		t.Fatal(err)
	}
	if len(top) != 2 || top[0].DriverID != "near" {
		t.Fatalf("limit not applied: %+v", top)
	}

	c.Advance(6 * time.Minute)
	_, _ = s.UpsertLocation(ctx, "fresh", SourceHTTP, online(0.005, 0))
	got, _ = s.FindNearby(ctx, NearbyQuery{Latitude: 0, Longitude: 0})
	if len(got) != 1 || got[0].DriverID != "fresh" {
		t.Fatalf("stale drivers must be excluded: %+v", got)
	}
}

func TestFindNearbyBounds(t *testing.T) {
	s, _ := newTestService(Options{})
	ctx := context.Background()
	bad := []NearbyQuery{
		{RadiusKm: ptr(0.05)},
		{RadiusKm: ptr(51.0)},
		{RadiusKm: ptr(-1.0)},
		{RadiusKm: ptr(0.0)},
		{Limit: ptr(51)},
		{Limit: ptr(-2)},
		{Limit: ptr(0)},
		{Latitude: 100},
	}
	for i, q := range bad {
		if _, err := s.FindNearby(ctx, q); !apperr.Is(err, apperr.CodeInvalidArgument) {
			t.Errorf("case %d: expected INVALID_ARGUMENT, got %v", i, err)
		}
	}
	ok := []NearbyQuery{{RadiusKm: ptr(0.1)}, {RadiusKm: ptr(50.0), Limit: ptr(50)}, {Limit: ptr(1)}, {}}
	for _, q := range ok {
		if _, err := s.FindNearby(ctx, q); err != nil {
			t.Errorf("%+v should be accepted: %v", q, err)
		}
	}
}

func TestCleanupStaleDemotesAndClearsRide(t *testing.T) {
	s, c := newTestService(Options{})
	ctx := context.Background()
	_, _ = s.UpsertLocation(ctx, "quiet", SourceHTTP, models.LocationUpdate{Status: models.StatusOnRide, CurrentRideID: "r1"})
	c.Advance(11 * time.Minute)
	_, _ = s.UpsertLocation(ctx, "chatty", SourceHTTP, online(0, 0))

	n, err := s.CleanupStale(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("affected = %d, want 1", n)
	}
	loc, _ := s.GetLocation(ctx, "quiet")
	if loc.Status != models.StatusOffline || loc.CurrentRideID != "" {
		t.Fatalf("quiet driver not demoted: %+v", loc)
	}

	n, _ = s.CleanupStale(ctx)
	if n != 0 {
		t.Fatalf("second sweep affected %d, want 0", n)
	}
}

func TestListOnlineAndOnRideResolveDirectory(t *testing.T) {
	dir := &fakeDirectory{
		drivers: map[string]models.DriverSummary{"d1": {ID: "d1", Firstname: "Ada"}, "d2": {ID: "d2", Firstname: "Bo"}},
		rides:   map[string]models.RideSummary{"r1": {ID: "r1", Status: "in_progress"}},
	}
	s, _ := newTestService(Options{Directory: dir})
	ctx := context.Background()
	_, _ = s.UpsertLocation(ctx, "d1", SourceHTTP, online(0, 0))
	_, _ = s.UpsertLocation(ctx, "d2", SourceHTTP, models.LocationUpdate{Status: models.StatusOnRide, CurrentRideID: "r1"})
	_, _ = s.UpsertLocation(ctx, "d3", SourceHTTP, models.LocationUpdate{Status: models.StatusOffline})

	on, err := s.ListOnline(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(on) != 2 || on[0].Driver == nil || on[0].Driver.Firstname != "Ada" {
		t.Fatalf("unexpected online list: %+v", on)
	}

	riding, err := s.ListOnRide(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(riding) != 1 || riding[0].Ride == nil || riding[0].Ride.ID != "r1" || riding[0].Driver.Firstname != "Bo" {
		t.Fatalf("unexpected on-ride list: %+v", riding)
	}
}

func TestListOnlineSurvivesDirectoryFailure(t *testing.T) {
	s, _ := newTestService(Options{Directory: &fakeDirectory{err: errors.New("db gone")}})
	ctx := context.Background()
	_, _ = s.UpsertLocation(ctx, "d1", SourceHTTP, online(0, 0))
	on, err := s.ListOnline(ctx)
	if err != nil || len(on) != 1 || on[0].Driver != nil {
		t.Fatalf("expected bare location, got %+v err=%v", on, err)
	}
}

func TestRemove(t *testing.T) {
	s, _ := newTestService(Options{})
	ctx := context.Background()
	_, _ = s.UpsertLocation(ctx, "d1", SourceHTTP, online(0, 0))
	if err := s.Remove(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(ctx, "d1"); !apperr.Is(err, apperr.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestDistance(t *testing.T) {
	s, _ := newTestService(Options{})
	d, err := s.Distance(48.8566, 2.3522, 45.764, 4.8357)
	if err != nil {
		t.Fatal(err)
	}
	if d < 387 || d > 397 {
		t.Fatalf("Paris-Lyon = %f", d)
	}
	if _, err := s.Distance(91, 0, 0, 0); !apperr.Is(err, apperr.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestIngestEventSkipsReplayedEvents(t *testing.T) {
	pub := &fakePublisher{}
	s, c := newTestService(Options{Publisher: pub})
	ctx := context.Background()

	if _, err := s.UpsertLocation(ctx, "d1", SourceWS, online(1, 1)); err != nil {
		t.Fatal(err)
	}
	replayed := pub.events[0]
	c.Advance(time.Second)
	if _, err := s.SetStatus(ctx, "d1", models.StatusOffline, ""); err != nil {
		t.Fatal(err)
	}

	applied, err := s.IngestEvent(ctx, replayed)
	if err != nil || applied {
		t.Fatalf("replayed event: applied=%v err=%v", applied, err)
	}
	loc, _ := s.GetLocation(ctx, "d1")
	if loc.Status != models.StatusOffline {
		t.Fatalf("replay revived the driver: %+v", loc)
	}

	newer := models.LocationEvent{DriverID: "d1", Update: online(2, 2), SentAt: c.Now()}
	applied, err = s.IngestEvent(ctx, newer)
	if err != nil || !applied {
		t.Fatalf("newer event: applied=%v err=%v", applied, err)
	}
	loc, _ = s.GetLocation(ctx, "d1")
	if loc.Latitude != 2 || !loc.LastUpdate.Equal(newer.SentAt) {
		t.Fatalf("newer event not stored with its own time: %+v", loc)
	}
	if len(pub.events) != 1 {
		t.Fatalf("ingested events must not be re-published, got %d", len(pub.events))
	}
}

func TestIngestEventCapsFutureAndFillsMissingTime(t *testing.T) {
	s, c := newTestService(Options{})
	ctx := context.Background()

	if _, err := s.IngestEvent(ctx, models.LocationEvent{DriverID: "d1", Update: online(1, 1), SentAt: c.Now().Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	loc, _ := s.GetLocation(ctx, "d1")
	if !loc.LastUpdate.Equal(c.Now()) {
		t.Fatalf("future event time not capped: %v", loc.LastUpdate)
	}

	c.Advance(time.Second)
	applied, err := s.IngestEvent(ctx, models.LocationEvent{DriverID: "d1", Update: online(2, 2)})
	if err != nil || !applied {
		t.Fatalf("event without time: applied=%v err=%v", applied, err)
	}

	if _, err := s.IngestEvent(ctx, models.LocationEvent{Update: online(1, 1)}); !apperr.Is(err, apperr.CodeInvalidArgument) {
		t.Fatalf("missing driver id: %v", err)
	}
}
