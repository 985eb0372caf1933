package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-tracking/internal/models"
)

var (
	// ErrNotFound is returned when the addressed record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrStale is returned by conditional writes when the record changed underneath the caller.
	ErrStale = errors.New("storage: record changed concurrently")
	// ErrOutOfOrder is returned by UpsertIfNewer when the stored record is at least as recent.
	ErrOutOfOrder = errors.New("storage: write older than stored record")
)

// LocationStore persists one location record per driver. Every method is
// atomic at the granularity of a single driver record.
type LocationStore interface {
	Upsert(ctx context.Context, driverID string, u models.LocationUpdate, now time.Time) (*models.Location, error)
	// UpsertIfNewer applies u with lastUpdate=at only when at is strictly after
	// the stored lastUpdate, else ErrOutOfOrder. A missing record is created.
	UpsertIfNewer(ctx context.Context, driverID string, u models.LocationUpdate, at time.Time) (*models.Location, error)
	Get(ctx context.Context, driverID string) (*models.Location, error)
	// SetStatus stores status and rideID verbatim; an empty rideID clears it.
	SetStatus(ctx context.Context, driverID string, status models.LocationStatus, rideID string, now time.Time) (*models.Location, error)
	// ListActive returns online/on-ride records updated at or after since.
	ListActive(ctx context.Context, since time.Time) ([]models.Location, error)
	ListOnRide(ctx context.Context) ([]models.Location, error)
	// MarkStaleOffline demotes every non-offline record last updated before
	// the cutoff to offline and clears its ride reference.
	MarkStaleOffline(ctx context.Context, before, now time.Time) (int64, error)
	Delete(ctx context.Context, driverID string) error
}

// NearbySearcher is implemented by stores with a native geospatial index.
// Candidates are a superset prefilter; callers still apply exact distance.
// Implementations pad the radius to cover differences in Earth models.
type NearbySearcher interface {
	NearbyCandidates(ctx context.Context, lat, lon, radiusKm float64, since time.Time) ([]models.Location, error)
}

// NotificationFilter selects notifications for listing. Zero fields match all.
type NotificationFilter struct {
	UserID string
	Type   models.NotificationType
	Offset int
	Limit  int
}

// NotificationStore persists notification records, newest first on listing.
type NotificationStore interface {
	Create(ctx context.Context, n *models.Notification) error
	CreateMany(ctx context.Context, ns []*models.Notification) error
	Get(ctx context.Context, id string) (*models.Notification, error)
	List(ctx context.Context, f NotificationFilter) ([]models.Notification, error)
	Count(ctx context.Context, userID string, unreadOnly bool) (int64, error)
	// Replace overwrites n if its stored status still equals prev, else ErrStale.
	Replace(ctx context.Context, n *models.Notification, prev models.NotificationStatus) error
	MarkAllRead(ctx context.Context, userID string, now time.Time) (int64, error)
	Delete(ctx context.Context, id string) error
	DeleteByUser(ctx context.Context, userID string) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	DeleteReadBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
