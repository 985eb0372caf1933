package location

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/example/ride-tracking/internal/apperr"
	"github.com/example/ride-tracking/internal/geo"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/observability"
	"github.com/example/ride-tracking/internal/storage"
	"github.com/example/ride-tracking/internal/validation"
)

const (
	DefaultRadiusKm = 5.0
	DefaultLimit    = 10

	DefaultOnlineWindow = 5 * time.Minute
	DefaultStaleAfter   = 10 * time.Minute
)

// Write sources, used as metric labels.
const (
	SourceHTTP  = "http"
	SourceWS    = "ws"
	SourceKafka = "kafka"
)

// Publisher fans confirmed location writes out to downstream consumers.
type Publisher interface {
	PublishLocation(ctx context.Context, ev models.LocationEvent) error
}

// Directory resolves driver and ride summaries owned by other services.
// Missing ids are simply absent from the returned maps.
type Directory interface {
	Drivers(ctx context.Context, ids []string) (map[string]models.DriverSummary, error)
	Rides(ctx context.Context, ids []string) (map[string]models.RideSummary, error)
}

// NearbyQuery is the input of FindNearby. Absent Radius/Limit take the
// defaults; explicit values, zero included, are validated.
type NearbyQuery struct {
	Latitude  float64  `json:"latitude" validate:"min=-90,max=90"`
	Longitude float64  `json:"longitude" validate:"min=-180,max=180"`
	RadiusKm  *float64 `json:"radius,omitempty" validate:"omitempty,min=0.1,max=50"`
	Limit     *int     `json:"limit,omitempty" validate:"omitempty,min=1,max=50"`
}

type Options struct {
	OnlineWindow time.Duration
	StaleAfter   time.Duration
	Publisher    Publisher
	Directory    Directory
	Logger       *slog.Logger
	Now          func() time.Time
}

// Service owns the driver location lifecycle on top of a LocationStore.
type Service struct {
	store        storage.LocationStore
	publisher    Publisher
	directory    Directory
	onlineWindow time.Duration
	staleAfter   time.Duration
	log          *slog.Logger
	now          func() time.Time
}

func NewService(store storage.LocationStore, opts Options) *Service {
	s := &Service{
		store:        store,
		publisher:    opts.Publisher,
		directory:    opts.Directory,
		onlineWindow: opts.OnlineWindow,
		staleAfter:   opts.StaleAfter,
		log:          opts.Logger,
		now:          opts.Now,
	}
	if s.onlineWindow <= 0 {
		s.onlineWindow = DefaultOnlineWindow
	}
	if s.staleAfter <= 0 {
		s.staleAfter = DefaultStaleAfter
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// UpsertLocation creates or overwrites the driver's record and returns the
// stored state. source labels the write for metrics (http, ws, kafka).
func (s *Service) UpsertLocation(ctx context.Context, driverID, source string, u models.LocationUpdate) (*models.Location, error) {
	if err := s.validateUpdate(driverID, u); err != nil {
		return nil, err
	}
	now := s.now()
	loc, err := s.store.Upsert(ctx, driverID, u, now)
	if err != nil {
		return nil, storeErr(err, "upsert location")
	}
	observability.LocationUpserts.WithLabelValues(source).Inc()

	if s.publisher != nil && source != SourceKafka {
		if err := s.publisher.PublishLocation(ctx, models.LocationEvent{DriverID: driverID, Update: u, SentAt: now}); err != nil {
			s.log.Warn("location_publish_failed", "driver_id", driverID, "error", err)
		}
	}
	return loc, nil
}

// IngestEvent applies an event read from the ingest topic. The write only
// lands when the event is newer than the stored lastUpdate, so replays and
// lagging partitions never roll a driver back; applied reports which. The
// event time becomes lastUpdate and is capped at the current time.
func (s *Service) IngestEvent(ctx context.Context, ev models.LocationEvent) (applied bool, err error) {
	if err := s.validateUpdate(ev.DriverID, ev.Update); err != nil {
		return false, err
	}
	at := ev.SentAt
	if now := s.now(); at.IsZero() || at.After(now) {
		at = now
	}
	if _, err := s.store.UpsertIfNewer(ctx, ev.DriverID, ev.Update, at); err != nil {
		if errors.Is(err, storage.ErrOutOfOrder) {
			return false, nil
		}
		return false, storeErr(err, "ingest location")
	}
	observability.LocationUpserts.WithLabelValues(SourceKafka).Inc()
	return true, nil
}

func (s *Service) validateUpdate(driverID string, u models.LocationUpdate) error {
	if driverID == "" {
		return apperr.New(apperr.CodeInvalidArgument, "driverId is required")
	}
	if err := validation.Struct(u); err != nil {
		return err
	}
	if u.Status == models.StatusOnRide && u.CurrentRideID == "" {
		return apperr.New(apperr.CodeInvalidArgument, "currentRideId is required when status is on_ride")
	}
	return nil
}

func (s *Service) GetLocation(ctx context.Context, driverID string) (*models.Location, error) {
	loc, err := s.store.Get(ctx, driverID)
	if err != nil {
		return nil, storeErr(err, "location for driver "+driverID)
	}
	return loc, nil
}

// SetStatus changes the driver's availability. on_ride requires a ride id;
// every other status clears it. lastUpdate is left untouched.
func (s *Service) SetStatus(ctx context.Context, driverID string, status models.LocationStatus, rideID string) (*models.Location, error) {
	if !status.Valid() {
		return nil, apperr.Newf(apperr.CodeInvalidArgument, "unknown status %q", status)
	}
	if status == models.StatusOnRide {
		if rideID == "" {
			return nil, apperr.New(apperr.CodeInvalidArgument, "currentRideId is required when status is on_ride")
		}
	} else {
		rideID = ""
	}
	loc, err := s.store.SetStatus(ctx, driverID, status, rideID, s.now())
	if err != nil {
		return nil, storeErr(err, "location for driver "+driverID)
	}
	return loc, nil
}

// FindNearby returns active, fresh drivers within the radius, nearest first.
func (s *Service) FindNearby(ctx context.Context, q NearbyQuery) ([]models.NearbyDriver, error) {
	start := time.Now()
	defer func() { observability.NearbyLatency.Observe(time.Since(start).Seconds()) }()

	if err := validation.Struct(q); err != nil {
		return nil, err
	}
	radius, limit := DefaultRadiusKm, DefaultLimit
	if q.RadiusKm != nil {
		radius = *q.RadiusKm
	}
	if q.Limit != nil {
		limit = *q.Limit
	}

	since := s.now().Add(-s.onlineWindow)
	var (
		candidates []models.Location
		err        error
	)
	if ns, ok := s.store.(storage.NearbySearcher); ok {
		candidates, err = ns.NearbyCandidates(ctx, q.Latitude, q.Longitude, radius, since)
	} else {
		candidates, err = s.store.ListActive(ctx, since)
	}
	if err != nil {
		return nil, storeErr(err, "nearby candidates")
	}

	out := make([]models.NearbyDriver, 0, len(candidates))
	for _, c := range candidates {
		if !c.Status.Active() || c.LastUpdate.Before(since) {
			continue
		}
		d := geo.HaversineKm(q.Latitude, q.Longitude, c.Latitude, c.Longitude)
		if math.IsNaN(d) || d > radius {
			continue
		}
		out = append(out, models.NearbyDriver{Location: c, DistanceKm: d})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	if len(out) > limit {
		out = out[:limit]
	}
	observability.NearbyResults.Observe(float64(len(out)))
	return out, nil
}

// ListOnline returns active drivers seen within the online window, resolved
// with their driver summary.
func (s *Service) ListOnline(ctx context.Context) ([]models.DriverView, error) {
	locs, err := s.store.ListActive(ctx, s.now().Add(-s.onlineWindow))
	if err != nil {
		return nil, storeErr(err, "online drivers")
	}
	observability.DriversOnline.Set(float64(len(locs)))
	return s.resolve(ctx, locs, false), nil
}

// ListOnRide returns drivers currently on a ride with driver and ride summaries.
func (s *Service) ListOnRide(ctx context.Context) ([]models.DriverView, error) {
	locs, err := s.store.ListOnRide(ctx)
	if err != nil {
		return nil, storeErr(err, "on-ride drivers")
	}
	return s.resolve(ctx, locs, true), nil
}

// CleanupStale demotes drivers silent for longer than StaleAfter to offline.
func (s *Service) CleanupStale(ctx context.Context) (int64, error) {
	now := s.now()
	n, err := s.store.MarkStaleOffline(ctx, now.Add(-s.staleAfter), now)
	if err != nil {
		return 0, storeErr(err, "stale sweep")
	}
	if n > 0 {
		observability.StaleDemotions.Add(float64(n))
		s.log.Info("stale_drivers_offline", "count", n)
	}
	return n, nil
}

func (s *Service) Remove(ctx context.Context, driverID string) error {
	if err := s.store.Delete(ctx, driverID); err != nil {
		return storeErr(err, "location for driver "+driverID)
	}
	return nil
}

// Distance validates both points and returns the great-circle distance in km.
func (s *Service) Distance(lat1, lon1, lat2, lon2 float64) (float64, error) {
	if !geo.ValidCoord(lat1, lon1) || !geo.ValidCoord(lat2, lon2) {
		return 0, apperr.New(apperr.CodeInvalidArgument, "coordinates out of range")
	}
	return geo.HaversineKm(lat1, lon1, lat2, lon2), nil
}

// resolve attaches directory data. Lookup failures degrade to bare locations.
func (s *Service) resolve(ctx context.Context, locs []models.Location, withRide bool) []models.DriverView {
	out := make([]models.DriverView, len(locs))
	for i, l := range locs {
		out[i] = models.DriverView{Location: l}
	}
	if s.directory == nil || len(locs) == 0 {
		return out
	}

	ids := make([]string, len(locs))
	rideIDs := make([]string, 0, len(locs))
	for i, l := range locs {
		ids[i] = l.DriverID
		if withRide && l.CurrentRideID != "" {
			rideIDs = append(rideIDs, l.CurrentRideID)
		}
	}
	drivers, err := s.directory.Drivers(ctx, ids)
	if err != nil {
		s.log.Warn("driver_lookup_failed", "error", err)
	}
	var rides map[string]models.RideSummary
	if len(rideIDs) > 0 {
		if rides, err = s.directory.Rides(ctx, rideIDs); err != nil {
			s.log.Warn("ride_lookup_failed", "error", err)
		}
	}
	for i := range out {
		if d, ok := drivers[out[i].DriverID]; ok {
			d := d
			out[i].Driver = &d
		}
		if r, ok := rides[out[i].CurrentRideID]; ok {
			r := r
			out[i].Ride = &r
		}
	}
	return out
}

func storeErr(err error, what string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.Wrap(apperr.CodeNotFound, err, what+" not found")
	}
	return apperr.Wrap(apperr.CodeUpstream, err, what)
}
