package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-tracking/internal/geo"
	"github.com/example/ride-tracking/internal/models"
)

// Runs against a live server only when REDIS_TEST_ADDR is set.
func newRedisTestStore(t *testing.T) *RedisLocationStore {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	ctx := context.Background()
	c, err := OpenRedis(ctx, addr, "", 0)
	require.NoError(t, err)
	key := "test:drivers:" + uuid.NewString()
	t.Cleanup(func() {
		_ = c.Del(ctx, key, key+":seen").Err()
		_ = c.Close()
	})
	return NewRedisLocationStore(c, key)
}

func TestRedisLocationRoundTripAndNearby(t *testing.T) {
	s := newRedisTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	near := "near-" + uuid.NewString()
	far := "far-" + uuid.NewString()
	t.Cleanup(func() {
		_ = s.Delete(ctx, near)
		_ = s.Delete(ctx, far)
	})

	_, err := s.Upsert(ctx, near, models.LocationUpdate{Latitude: 48.8566, Longitude: 2.3522, Status: models.StatusOnline}, now)
	require.NoError(t, err)
	_, err = s.Upsert(ctx, far, models.LocationUpdate{Latitude: 45.764, Longitude: 4.8357, Status: models.StatusOnline}, now)
	require.NoError(t, err)

	got, err := s.NearbyCandidates(ctx, 48.86, 2.35, 5, now.Add(-5*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, near, got[0].DriverID)

	loc, err := s.SetStatus(ctx, near, models.StatusOnRide, "ride-1", now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, loc.LastUpdate.Equal(now))

	n, err := s.MarkStaleOffline(ctx, now.Add(time.Second), now.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	loc, err = s.Get(ctx, near)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, loc.Status)
	assert.Empty(t, loc.CurrentRideID)

	require.NoError(t, s.Delete(ctx, far))
	assert.True(t, errors.Is(s.Delete(ctx, far), ErrNotFound))
}

func TestGeoRadiusPadCoversRedisEarthModel(t *testing.T) {
	const redisEarthRadiusKm = 6372.797560856
	for _, radius := range []float64{0.1, 5, 50} {
		// a driver just inside the radius by our model
		ours := radius * (1 - 1e-5)
		theirs := ours * redisEarthRadiusKm / geo.EarthRadiusKm
		assert.Greater(t, theirs, radius, "edge driver would be cut by the unpadded radius")
		assert.LessOrEqual(t, theirs, geoRadiusPad(radius), "radius %v", radius)
	}
}

func TestGeoLatitudeClampsToRedisLimit(t *testing.T) {
	assert.Equal(t, maxGeoLatitude, geoLatitude(86))
	assert.Equal(t, -maxGeoLatitude, geoLatitude(-90))
	assert.Equal(t, 48.85, geoLatitude(48.85))
}

func TestRedisLocationPolarUpsertIsWhole(t *testing.T) {
	s := newRedisTestStore(t)
	ctx := context.Background()
	id := "polar-" + uuid.NewString()
	t.Cleanup(func() { _ = s.Delete(ctx, id) })

	now := time.Now().UTC().Truncate(time.Millisecond)
	_, err := s.Upsert(ctx, id, models.LocationUpdate{Latitude: 86, Longitude: 10, Status: models.StatusOnline}, now)
	require.NoError(t, err)
	loc, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 86.0, loc.Latitude)
}

func TestRedisLocationUpsertIfNewer(t *testing.T) {
	s := newRedisTestStore(t)
	ctx := context.Background()
	id := "ordered-" + uuid.NewString()
	t.Cleanup(func() { _ = s.Delete(ctx, id) })

	t0 := time.Now().UTC().Truncate(time.Millisecond)
	_, err := s.UpsertIfNewer(ctx, id, models.LocationUpdate{Latitude: 1, Status: models.StatusOnline}, t0)
	require.NoError(t, err)
	_, err = s.SetStatus(ctx, id, models.StatusOffline, "", t0.Add(time.Second))
	require.NoError(t, err)

	_, err = s.UpsertIfNewer(ctx, id, models.LocationUpdate{Latitude: 2, Status: models.StatusOnline}, t0)
	assert.ErrorIs(t, err, ErrOutOfOrder)
	loc, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, loc.Status)
	assert.Equal(t, 1.0, loc.Latitude)

	loc, err = s.UpsertIfNewer(ctx, id, models.LocationUpdate{Latitude: 3, Status: models.StatusOnline}, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, loc.LastUpdate.Equal(t0.Add(2*time.Second)))
}
