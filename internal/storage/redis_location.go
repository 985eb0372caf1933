package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/example/ride-tracking/internal/models"
	"github.com/redis/go-redis/v9"
)

const maxWatchRetries = 5

// Redis GEO rejects latitudes beyond the Web Mercator limit.
const maxGeoLatitude = 85.05112878

// geoRadiusPad widens GEOSEARCH to cover the gap between Redis' Earth radius
// (6372.797 km) and geo.EarthRadiusKm; FindNearby applies the exact cut.
func geoRadiusPad(radiusKm float64) float64 {
	return radiusKm*1.001 + 0.01
}

func geoLatitude(lat float64) float64 {
	return math.Max(-maxGeoLatitude, math.Min(maxGeoLatitude, lat))
}

// RedisLocationStore keeps each driver record as a JSON value, its position
// in a GEO set and its last update time in a sorted set.
type RedisLocationStore struct {
	client  *redis.Client
	geoKey  string
	seenKey string
}

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return c, nil
}

func NewRedisLocationStore(client *redis.Client, geoKey string) *RedisLocationStore {
	return &RedisLocationStore{client: client, geoKey: geoKey, seenKey: geoKey + ":seen"}
}

func locKey(driverID string) string { return "driver:loc:" + driverID }

func (r *RedisLocationStore) Upsert(ctx context.Context, driverID string, u models.LocationUpdate, now time.Time) (*models.Location, error) {
	var out models.Location
	err := r.update(ctx, driverID, func(cur *models.Location) (*models.Location, error) {
		loc := models.Location{DriverID: driverID, Status: models.StatusOffline, CreatedAt: now}
		if cur != nil {
			loc = *cur
		}
		loc.Apply(u)
		loc.LastUpdate = now
		loc.UpdatedAt = now
		out = loc
		return &loc, nil
	})
	if err != nil {
		return nil, fmt.Errorf("upsert location %s: %w", driverID, err)
	}
	return &out, nil
}

func (r *RedisLocationStore) UpsertIfNewer(ctx context.Context, driverID string, u models.LocationUpdate, at time.Time) (*models.Location, error) {
	var out models.Location
	err := r.update(ctx, driverID, func(cur *models.Location) (*models.Location, error) {
		loc := models.Location{DriverID: driverID, Status: models.StatusOffline, CreatedAt: at}
		if cur != nil {
			if !at.After(cur.LastUpdate) {
				return nil, ErrOutOfOrder
			}
			loc = *cur
		}
		loc.Apply(u)
		loc.LastUpdate = at
		loc.UpdatedAt = at
		out = loc
		return &loc, nil
	})
	if errors.Is(err, ErrOutOfOrder) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("upsert location %s: %w", driverID, err)
	}
	return &out, nil
}

func (r *RedisLocationStore) Get(ctx context.Context, driverID string) (*models.Location, error) {
	b, err := r.client.Get(ctx, locKey(driverID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get location %s: %w", driverID, err)
	}
	var loc models.Location
	if err := json.Unmarshal(b, &loc); err != nil {
		return nil, fmt.Errorf("decode location %s: %w", driverID, err)
	}
	return &loc, nil
}

func (r *RedisLocationStore) SetStatus(ctx context.Context, driverID string, status models.LocationStatus, rideID string, now time.Time) (*models.Location, error) {
	var out models.Location
	err := r.update(ctx, driverID, func(cur *models.Location) (*models.Location, error) {
		if cur == nil {
			return nil, ErrNotFound
		}
		cur.Status = status
		cur.CurrentRideID = rideID
		cur.UpdatedAt = now
		out = *cur
		return cur, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *RedisLocationStore) ListActive(ctx context.Context, since time.Time) ([]models.Location, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.seenKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}
	return r.load(ctx, ids, func(l models.Location) bool {
		return l.Status.Active() && !l.LastUpdate.Before(since)
	})
}

func (r *RedisLocationStore) ListOnRide(ctx context.Context) ([]models.Location, error) {
	ids, err := r.client.ZRange(ctx, r.seenKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list on ride: %w", err)
	}
	return r.load(ctx, ids, func(l models.Location) bool {
		return l.Status == models.StatusOnRide && l.CurrentRideID != ""
	})
}

func (r *RedisLocationStore) MarkStaleOffline(ctx context.Context, before, now time.Time) (int64, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.seenKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan stale: %w", err)
	}
	var n int64
	for _, id := range ids {
		changed := false
		err := r.update(ctx, id, func(cur *models.Location) (*models.Location, error) {
			// re-checked under WATCH: a concurrent upsert may have refreshed it
			if cur == nil || cur.Status == models.StatusOffline || !cur.LastUpdate.Before(before) {
				return nil, nil
			}
			cur.Status = models.StatusOffline
			cur.CurrentRideID = ""
			cur.UpdatedAt = now
			changed = true
			return cur, nil
		})
		if err != nil {
			return n, fmt.Errorf("mark %s offline: %w", id, err)
		}
		if changed {
			n++
		}
	}
	return n, nil
}

func (r *RedisLocationStore) Delete(ctx context.Context, driverID string) error {
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, locKey(driverID))
		pipe.ZRem(ctx, r.geoKey, driverID)
		pipe.ZRem(ctx, r.seenKey, driverID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete location %s: %w", driverID, err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// NearbyCandidates uses GEOSEARCH as a coarse prefilter; freshness and status
// are applied on the decoded records. Points past the GEO latitude limit are
// indexed at the limit, so polar drivers are matched approximately.
func (r *RedisLocationStore) NearbyCandidates(ctx context.Context, lat, lon, radiusKm float64, since time.Time) ([]models.Location, error) {
	ids, err := r.client.GeoSearch(ctx, r.geoKey, &redis.GeoSearchQuery{
		Longitude:  lon,
		Latitude:   lat,
		Radius:     geoRadiusPad(radiusKm),
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch: %w", err)
	}
	return r.load(ctx, ids, func(l models.Location) bool {
		return l.Status.Active() && !l.LastUpdate.Before(since)
	})
}

// update runs fn against the current record inside a WATCH transaction and
// writes whatever it returns. A nil result with a nil error skips the write.
func (r *RedisLocationStore) update(ctx context.Context, driverID string, fn func(cur *models.Location) (*models.Location, error)) error {
	key := locKey(driverID)
	txf := func(tx *redis.Tx) error {
		var cur *models.Location
		b, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			cur = &models.Location{}
			if err := json.Unmarshal(b, cur); err != nil {
				return fmt.Errorf("decode location %s: %w", driverID, err)
			}
		}
		next, err := fn(cur)
		if err != nil || next == nil {
			return err
		}
		payload, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{Name: driverID, Longitude: next.Longitude, Latitude: geoLatitude(next.Latitude)})
			pipe.ZAdd(ctx, r.seenKey, redis.Z{Score: float64(next.LastUpdate.UnixMilli()), Member: driverID})
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrStale
}

func (r *RedisLocationStore) load(ctx context.Context, ids []string, keep func(models.Location) bool) ([]models.Location, error) {
	out := make([]models.Location, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = locKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget locations: %w", err)
	}
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var loc models.Location
		if err := json.Unmarshal([]byte(s), &loc); err != nil {
			return nil, fmt.Errorf("decode location: %w", err)
		}
		if keep(loc) {
			out = append(out, loc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out, nil
}
