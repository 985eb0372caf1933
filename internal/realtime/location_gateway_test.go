package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-tracking/internal/location"
	"github.com/example/ride-tracking/internal/logging"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/storage"
)

// countingLocations records the writes the gateway issues.
type countingLocations struct {
	*location.Service

	mu       sync.Mutex
	upserts  int
	statuses []models.LocationStatus
}

func (c *countingLocations) UpsertLocation(ctx context.Context, driverID, source string, u models.LocationUpdate) (*models.Location, error) {
	c.mu.Lock()
	c.upserts++
	c.mu.Unlock()
	return c.Service.UpsertLocation(ctx, driverID, source, u)
}

func (c *countingLocations) SetStatus(ctx context.Context, driverID string, status models.LocationStatus, rideID string) (*models.Location, error) {
	c.mu.Lock()
	c.statuses = append(c.statuses, status)
	c.mu.Unlock()
	return c.Service.SetStatus(ctx, driverID, status, rideID)
}

func newLocationGateway(t *testing.T) (*LocationGateway, *countingLocations) {
	t.Helper()
	svc := location.NewService(storage.NewMemoryLocationStore(), location.Options{Logger: logging.Discard()})
	locs := &countingLocations{Service: svc}
	return NewLocationGateway(newTestHub(ChannelLocation), locs, logging.Discard()), locs
}

func frame(t *testing.T, event string, data any) Frame {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return Frame{Event: event, ID: "1", Data: raw}
}

func update(lat, lon float64) models.LocationUpdate {
	return models.LocationUpdate{Latitude: lat, Longitude: lon, Heading: 90, Speed: 30, Status: models.StatusOnline}
}

func TestLocationUpdateRequiresIdentity(t *testing.T) {
	g, locs := newLocationGateway(t)
	c := attach(t, g.Hub())

	g.HandleEvent(context.Background(), c, frame(t, EventLocationUpdate, update(40.7, -74)))

	ack := ackOf(t, drain(c))
	assert.Equal(t, false, ack["success"])
	assert.Equal(t, "UNIDENTIFIED", ack["code"])
	assert.Zero(t, locs.upserts)
}

func TestLocationUpdateFansOut(t *testing.T) {
	ctx := context.Background()
	g, _ := newLocationGateway(t)
	driver, tracker, rider, bystander := attach(t, g.Hub()), attach(t, g.Hub()), attach(t, g.Hub()), attach(t, g.Hub())

	g.HandleEvent(ctx, driver, frame(t, EventDriverConnect, map[string]string{"driverId": "d1"}))
	assert.Equal(t, true, ackOf(t, drain(driver))["success"])
	assert.Equal(t, 1, g.Hub().RoomSize(driverRoom("d1")))

	g.HandleEvent(ctx, tracker, frame(t, EventLocationTrack, map[string]string{"targetDriverId": "d1"}))
	g.HandleEvent(ctx, rider, frame(t, EventRideJoin, map[string]string{"rideId": "r1"}))
	drain(tracker)
	drain(rider)

	u := update(40.7, -74)
	u.Status = models.StatusOnRide
	u.CurrentRideID = "r1"
	g.HandleEvent(ctx, driver, frame(t, EventLocationUpdate, u))

	ack := ackOf(t, drain(driver))
	assert.Equal(t, true, ack["success"])
	assert.Contains(t, ack, "location")

	assert.ElementsMatch(t, []string{EventLocationUpdated, EventTrackedLocation}, events(drain(tracker)))
	assert.ElementsMatch(t, []string{EventLocationUpdated, EventRideLocation}, events(drain(rider)))
	assert.Equal(t, []string{EventLocationUpdated}, events(drain(bystander)))
}

func TestLocationUntrackStopsDelivery(t *testing.T) {
	ctx := context.Background()
	g, _ := newLocationGateway(t)
	tracker := attach(t, g.Hub())

	g.HandleEvent(ctx, tracker, frame(t, EventLocationTrack, map[string]string{"targetDriverId": "d1"}))
	g.HandleEvent(ctx, tracker, frame(t, EventLocationUntrack, map[string]string{"targetDriverId": "d1"}))
	drain(tracker)

	g.EmitLocationUpdate(&models.Location{DriverID: "d1", Status: models.StatusOnline})
	assert.Equal(t, []string{EventLocationUpdated}, events(drain(tracker)))
}

func TestLocationStatusBroadcast(t *testing.T) {
	ctx := context.Background()
	g, _ := newLocationGateway(t)
	driver, watcher := attach(t, g.Hub()), attach(t, g.Hub())

	g.HandleEvent(ctx, driver, frame(t, EventDriverConnect, map[string]string{"driverId": "d1"}))
	g.HandleEvent(ctx, driver, frame(t, EventLocationUpdate, update(1, 1)))
	drain(driver)
	drain(watcher)

	g.HandleEvent(ctx, driver, frame(t, EventDriverStatus, map[string]string{"status": "break"}))
	assert.Equal(t, true, ackOf(t, drain(driver))["success"])
	assert.Equal(t, []string{EventDriverStatusChanged}, events(drain(watcher)))

	g.HandleEvent(ctx, driver, frame(t, EventDriverStatus, map[string]string{"status": "on_ride"}))
	ack := ackOf(t, drain(driver))
	assert.Equal(t, false, ack["success"])
	assert.Equal(t, "INVALID_ARGUMENT", ack["code"])
	assert.Empty(t, drain(watcher))
}

func TestLocationDisconnectMarksOfflineOnce(t *testing.T) {
	ctx := context.Background()
	g, locs := newLocationGateway(t)
	driver, watcher := attach(t, g.Hub()), attach(t, g.Hub())

	g.HandleEvent(ctx, driver, frame(t, EventDriverConnect, map[string]string{"driverId": "d1"}))
	g.HandleEvent(ctx, driver, frame(t, EventLocationUpdate, update(1, 1)))
	drain(watcher)

	g.HandleDisconnect(driver)
	g.Hub().unregister(driver)
	// the connection is already unidentified, so nothing more happens
	g.HandleDisconnect(driver)

	assert.Equal(t, []models.LocationStatus{models.StatusOffline}, locs.statuses)
	frames := drain(watcher)
	require.Equal(t, []string{EventDriverOffline}, events(frames))
	assert.JSONEq(t, `{"driverId":"d1"}`, string(frames[0].Data))

	loc, err := locs.GetLocation(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, loc.Status)
}

func TestLocationReidentifyMarksPreviousDriverOffline(t *testing.T) {
	ctx := context.Background()
	g, locs := newLocationGateway(t)
	shared, other, watcher := attach(t, g.Hub()), attach(t, g.Hub()), attach(t, g.Hub())

	g.HandleEvent(ctx, shared, frame(t, EventDriverConnect, map[string]string{"driverId": "d1"}))
	g.HandleEvent(ctx, shared, frame(t, EventLocationUpdate, update(1, 1)))
	g.HandleEvent(ctx, other, frame(t, EventDriverConnect, map[string]string{"driverId": "d2"}))
	g.HandleEvent(ctx, other, frame(t, EventLocationUpdate, update(2, 2)))
	drain(watcher)

	// d2 keeps another connection, so only d1 goes offline
	g.HandleEvent(ctx, shared, frame(t, EventDriverConnect, map[string]string{"driverId": "d2"}))
	g.HandleEvent(ctx, other, frame(t, EventDriverConnect, map[string]string{"driverId": "d2"}))

	assert.Equal(t, []models.LocationStatus{models.StatusOffline}, locs.statuses)
	frames := drain(watcher)
	require.Equal(t, []string{EventDriverOffline}, events(frames))
	assert.JSONEq(t, `{"driverId":"d1"}`, string(frames[0].Data))

	loc, err := locs.GetLocation(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, loc.Status)
	assert.Equal(t, 0, g.Hub().RoomSize(driverRoom("d1")))
}

func TestLocationDisconnectWithoutRecordDoesNotBroadcast(t *testing.T) {
	ctx := context.Background()
	g, locs := newLocationGateway(t)
	driver, watcher := attach(t, g.Hub()), attach(t, g.Hub())

	g.HandleEvent(ctx, driver, frame(t, EventDriverConnect, map[string]string{"driverId": "ghost"}))
	g.HandleDisconnect(driver)

	assert.Len(t, locs.statuses, 1)
	assert.Empty(t, drain(watcher))
}

func TestLocationUpdateRateLimited(t *testing.T) {
	ctx := context.Background()
	svc := location.NewService(storage.NewMemoryLocationStore(), location.Options{Logger: logging.Discard()})
	locs := &countingLocations{Service: svc}
	hub := NewHub(ChannelLocation, HubOptions{Rate: 0.001, Burst: 1, Logger: logging.Discard()})
	g := NewLocationGateway(hub, locs, logging.Discard())
	driver := attach(t, hub)

	g.HandleEvent(ctx, driver, frame(t, EventDriverConnect, map[string]string{"driverId": "d1"}))
	g.HandleEvent(ctx, driver, frame(t, EventLocationUpdate, update(1, 1)))
	assert.Equal(t, true, ackOf(t, drain(driver))["success"])

	g.HandleEvent(ctx, driver, frame(t, EventLocationUpdate, update(1, 2)))
	assert.Equal(t, "RATE_LIMITED", ackOf(t, drain(driver))["code"])
	assert.Equal(t, 1, locs.upserts)
}

func TestLocationUnknownEvent(t *testing.T) {
	g, _ := newLocationGateway(t)
	c := attach(t, g.Hub())
	g.HandleEvent(context.Background(), c, Frame{Event: "bogus", ID: "7"})

	frames := drain(c)
	require.Len(t, frames, 1)
	assert.Equal(t, "7", frames[0].ID)
	assert.Equal(t, "INVALID_ARGUMENT", ackOf(t, frames)["code"])
}
