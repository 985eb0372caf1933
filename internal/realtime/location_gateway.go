package realtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-tracking/internal/apperr"
	"github.com/example/ride-tracking/internal/location"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/observability"
)

const (
	ChannelLocation = "location"

	EventDriverConnect       = "driver:connect"
	EventLocationUpdate      = "location:update"
	EventDriverStatus        = "driver:status"
	EventLocationTrack       = "location:track"
	EventLocationUntrack     = "location:untrack"
	EventRideJoin            = "ride:join"
	EventRideLeave           = "ride:leave"
	EventLocationUpdated     = "location:updated"
	EventTrackedLocation     = "tracked:location:updated"
	EventDriverStatusChanged = "driver:status:changed"
	EventDriverOffline       = "driver:offline"
	EventRideLocation        = "ride:location:updated"

	offlineWriteTimeout = 5 * time.Second
)

func driverRoom(id string) string { return "driver:" + id }
func trackRoom(id string) string  { return "track:" + id }
func rideRoom(id string) string   { return "ride:" + id }

// Locations is the slice of the location service the gateway drives.
type Locations interface {
	UpsertLocation(ctx context.Context, driverID, source string, u models.LocationUpdate) (*models.Location, error)
	SetStatus(ctx context.Context, driverID string, status models.LocationStatus, rideID string) (*models.Location, error)
}

// Snapshot is the broadcast view of a driver position.
type Snapshot struct {
	Latitude   float64               `json:"latitude"`
	Longitude  float64               `json:"longitude"`
	Heading    float64               `json:"heading"`
	Speed      float64               `json:"speed"`
	Status     models.LocationStatus `json:"status"`
	LastUpdate time.Time             `json:"lastUpdate"`
}

func snapshotOf(l *models.Location) Snapshot {
	return Snapshot{
		Latitude: l.Latitude, Longitude: l.Longitude, Heading: l.Heading, Speed: l.Speed,
		Status: l.Status, LastUpdate: l.LastUpdate,
	}
}

type driverConnectMsg struct {
	DriverID string `json:"driverId"`
}

type statusMsg struct {
	Status        models.LocationStatus `json:"status"`
	CurrentRideID string                `json:"currentRideId,omitempty"`
}

type trackMsg struct {
	TargetDriverID string `json:"targetDriverId"`
}

type rideMsg struct {
	RideID string `json:"rideId"`
}

// LocationGateway serves the driver location channel.
type LocationGateway struct {
	hub       *Hub
	presence  *Presence
	locations Locations
	log       *slog.Logger
}

func NewLocationGateway(hub *Hub, locations Locations, log *slog.Logger) *LocationGateway {
	if log == nil {
		log = slog.Default()
	}
	return &LocationGateway{hub: hub, presence: NewPresence(), locations: locations, log: log}
}

func (g *LocationGateway) Hub() *Hub { return g.hub }

func (g *LocationGateway) Presence() *Presence { return g.presence }

func (g *LocationGateway) HandleEvent(ctx context.Context, c *Conn, f Frame) {
	var ack Ack
	switch f.Event {
	case EventDriverConnect:
		ack = g.onConnect(c, f)
	case EventLocationUpdate:
		ack = g.onUpdate(ctx, c, f)
	case EventDriverStatus:
		ack = g.onStatus(ctx, c, f)
	case EventLocationTrack, EventLocationUntrack:
		ack = g.onTrack(c, f)
	case EventRideJoin, EventRideLeave:
		ack = g.onRide(c, f)
	default:
		ack = ackErr(apperr.Newf(apperr.CodeInvalidArgument, "unknown event %q", f.Event))
	}
	outcome := "ok"
	if ok, _ := ack["success"].(bool); !ok {
		outcome = "error"
	}
	observability.RealtimeEvents.WithLabelValues(ChannelLocation, f.Event, outcome).Inc()
	c.Reply(f.ID, ack)
}

func (g *LocationGateway) onConnect(c *Conn, f Frame) Ack {
	var msg driverConnectMsg
	if err := decode(f, &msg); err != nil {
		return ackErr(err)
	}
	if msg.DriverID == "" {
		return ackErr(apperr.New(apperr.CodeInvalidArgument, "driverId is required"))
	}
	if prev := g.presence.Identify(c.ID(), msg.DriverID); prev != "" && prev != msg.DriverID {
		g.hub.Leave(c, driverRoom(prev))
		// the previous identity lost its last connection
		if g.presence.Connections(prev) == 0 {
			g.markOffline(prev, c.ID())
		}
	}
	g.hub.Join(c, driverRoom(msg.DriverID))
	g.log.Info("driver_connected", "driver_id", msg.DriverID, "conn_id", c.ID())
	return ackOK("connected").with("driverId", msg.DriverID)
}

func (g *LocationGateway) onUpdate(ctx context.Context, c *Conn, f Frame) Ack {
	driverID, ok := g.presence.Lookup(c.ID())
	if !ok {
		return ackErr(apperr.New(apperr.CodeUnidentified, "driver not identified"))
	}
	if !c.Allow() {
		return ackErr(apperr.New(apperr.CodeRateLimited, "too many location updates"))
	}
	var u models.LocationUpdate
	if err := decode(f, &u); err != nil {
		return ackErr(err)
	}
	loc, err := g.locations.UpsertLocation(ctx, driverID, location.SourceWS, u)
	if err != nil {
		g.log.Warn("ws_location_update_failed", "driver_id", driverID, "error", err)
		return ackErr(err)
	}
	g.EmitLocationUpdate(loc)
	return ackOK("").with("location", loc)
}

func (g *LocationGateway) onStatus(ctx context.Context, c *Conn, f Frame) Ack {
	driverID, ok := g.presence.Lookup(c.ID())
	if !ok {
		return ackErr(apperr.New(apperr.CodeUnidentified, "driver not identified"))
	}
	var msg statusMsg
	if err := decode(f, &msg); err != nil {
		return ackErr(err)
	}
	loc, err := g.locations.SetStatus(ctx, driverID, msg.Status, msg.CurrentRideID)
	if err != nil {
		g.log.Warn("ws_status_update_failed", "driver_id", driverID, "error", err)
		return ackErr(err)
	}
	g.EmitDriverStatusChange(loc)
	return ackOK("").with("location", loc)
}

func (g *LocationGateway) onTrack(c *Conn, f Frame) Ack {
	var msg trackMsg
	if err := decode(f, &msg); err != nil {
		return ackErr(err)
	}
	if msg.TargetDriverID == "" {
		return ackErr(apperr.New(apperr.CodeInvalidArgument, "targetDriverId is required"))
	}
	if f.Event == EventLocationTrack {
		g.hub.Join(c, trackRoom(msg.TargetDriverID))
		return ackOK("tracking driver " + msg.TargetDriverID)
	}
	g.hub.Leave(c, trackRoom(msg.TargetDriverID))
	return ackOK("stopped tracking driver " + msg.TargetDriverID)
}

func (g *LocationGateway) onRide(c *Conn, f Frame) Ack {
	var msg rideMsg
	if err := decode(f, &msg); err != nil {
		return ackErr(err)
	}
	if msg.RideID == "" {
		return ackErr(apperr.New(apperr.CodeInvalidArgument, "rideId is required"))
	}
	if f.Event == EventRideJoin {
		g.hub.Join(c, rideRoom(msg.RideID))
		return ackOK("joined ride " + msg.RideID)
	}
	g.hub.Leave(c, rideRoom(msg.RideID))
	return ackOK("left ride " + msg.RideID)
}

// HandleDisconnect marks an identified driver offline. The connection is
// already gone, so a failed write is only logged.
func (g *LocationGateway) HandleDisconnect(c *Conn) {
	driverID, ok := g.presence.Remove(c.ID())
	if !ok {
		return
	}
	g.markOffline(driverID, c.ID())
}

// markOffline writes status=offline and broadcasts driver:offline once the
// write succeeded. Failures are logged only.
func (g *LocationGateway) markOffline(driverID, connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), offlineWriteTimeout)
	defer cancel()
	if _, err := g.locations.SetStatus(ctx, driverID, models.StatusOffline, ""); err != nil {
		g.log.Error("driver_offline_write_failed", "driver_id", driverID, "error", err)
		return
	}
	g.hub.Broadcast(EventDriverOffline, map[string]string{"driverId": driverID})
	g.log.Info("driver_disconnected", "driver_id", driverID, "conn_id", connID)
}

// EmitLocationUpdate fans a stored location out to every subscriber, the
// driver's trackers and, while on a ride, the ride audience.
func (g *LocationGateway) EmitLocationUpdate(loc *models.Location) {
	snap := snapshotOf(loc)
	payload := map[string]any{"driverId": loc.DriverID, "location": snap}
	g.hub.Broadcast(EventLocationUpdated, payload)
	g.hub.EmitTo(trackRoom(loc.DriverID), EventTrackedLocation, payload)
	if loc.Status == models.StatusOnRide && loc.CurrentRideID != "" {
		g.hub.EmitTo(rideRoom(loc.CurrentRideID), EventRideLocation, map[string]any{
			"rideId": loc.CurrentRideID, "driverId": loc.DriverID, "location": snap,
		})
	}
}

func (g *LocationGateway) EmitDriverStatusChange(loc *models.Location) {
	g.hub.Broadcast(EventDriverStatusChanged, map[string]any{
		"driverId": loc.DriverID, "status": loc.Status, "currentRideId": loc.CurrentRideID,
	})
}
