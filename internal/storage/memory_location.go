package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-tracking/internal/models"
)

// MemoryLocationStore keeps driver locations in process memory. It backs
// local runs and tests.
type MemoryLocationStore struct {
	mu        sync.RWMutex
	locations map[string]models.Location
}

func NewMemoryLocationStore() *MemoryLocationStore {
	return &MemoryLocationStore{locations: make(map[string]models.Location)}
}

func (m *MemoryLocationStore) Upsert(_ context.Context, driverID string, u models.LocationUpdate, now time.Time) (*models.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.put(driverID, u, now), nil
}

func (m *MemoryLocationStore) UpsertIfNewer(_ context.Context, driverID string, u models.LocationUpdate, at time.Time) (*models.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.locations[driverID]; ok && !at.After(cur.LastUpdate) {
		return nil, ErrOutOfOrder
	}
	return m.put(driverID, u, at), nil
}

// put requires m.mu held for writing.
func (m *MemoryLocationStore) put(driverID string, u models.LocationUpdate, now time.Time) *models.Location {
	loc, ok := m.locations[driverID]
	if !ok {
		loc = models.Location{DriverID: driverID, Status: models.StatusOffline, CreatedAt: now}
	}
	loc.Apply(u)
	loc.LastUpdate = now
	loc.UpdatedAt = now
	m.locations[driverID] = loc
	return &loc
}

func (m *MemoryLocationStore) Get(_ context.Context, driverID string) (*models.Location, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loc, ok := m.locations[driverID]
	if !ok {
		return nil, ErrNotFound
	}
	return &loc, nil
}

func (m *MemoryLocationStore) SetStatus(_ context.Context, driverID string, status models.LocationStatus, rideID string, now time.Time) (*models.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, ok := m.locations[driverID]
	if !ok {
		return nil, ErrNotFound
	}
	loc.Status = status
	loc.CurrentRideID = rideID
	loc.UpdatedAt = now
	m.locations[driverID] = loc
	return &loc, nil
}

func (m *MemoryLocationStore) ListActive(_ context.Context, since time.Time) ([]models.Location, error) {
	return m.filter(func(l models.Location) bool {
		return l.Status.Active() && !l.LastUpdate.Before(since)
	}), nil
}

func (m *MemoryLocationStore) ListOnRide(_ context.Context) ([]models.Location, error) {
	return m.filter(func(l models.Location) bool {
		return l.Status == models.StatusOnRide && l.CurrentRideID != ""
	}), nil
}

func (m *MemoryLocationStore) MarkStaleOffline(_ context.Context, before, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, loc := range m.locations {
		if loc.Status == models.StatusOffline || !loc.LastUpdate.Before(before) {
			continue
		}
		loc.Status = models.StatusOffline
		loc.CurrentRideID = ""
		loc.UpdatedAt = now
		m.locations[id] = loc
		n++
	}
	return n, nil
}

func (m *MemoryLocationStore) Delete(_ context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.locations[driverID]; !ok {
		return ErrNotFound
	}
	delete(m.locations, driverID)
	return nil
}

func (m *MemoryLocationStore) filter(keep func(models.Location) bool) []models.Location {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Location, 0, len(m.locations))
	for _, l := range m.locations {
		if keep(l) {
			out = append(out, l)
		}
	}
	// map iteration is random; keep listings stable for callers
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out
}
