package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-tracking/internal/models"
)

const locationColumns = `driver_id, latitude, longitude, heading, speed, accuracy, status, current_ride_id,
	last_update, address, city, country, battery_level, is_moving, created_at, updated_at`

type PostgresLocationStore struct {
	db *sql.DB
}

func NewPostgresLocationStore(db *sql.DB) *PostgresLocationStore {
	return &PostgresLocationStore{db: db}
}

func (p *PostgresLocationStore) Upsert(ctx context.Context, driverID string, u models.LocationUpdate, now time.Time) (*models.Location, error) {
	return p.upsert(ctx, driverID, u, now, "")
}

func (p *PostgresLocationStore) UpsertIfNewer(ctx context.Context, driverID string, u models.LocationUpdate, at time.Time) (*models.Location, error) {
	loc, err := p.upsert(ctx, driverID, u, at, "WHERE driver_locations.last_update < EXCLUDED.last_update")
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOutOfOrder
	}
	return loc, err
}

// upsert writes u with last_update=now. guard restricts the conflict update;
// when it rejects the row the error wraps sql.ErrNoRows.
func (p *PostgresLocationStore) upsert(ctx context.Context, driverID string, u models.LocationUpdate, now time.Time, guard string) (*models.Location, error) {
	var loc models.Location
	loc.Apply(u)
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO driver_locations (driver_id, latitude, longitude, heading, speed, accuracy, status, current_ride_id,
			last_update, address, city, country, battery_level, is_moving, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$9,$9)
		ON CONFLICT (driver_id) DO UPDATE SET
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			heading = EXCLUDED.heading,
			speed = EXCLUDED.speed,
			accuracy = EXCLUDED.accuracy,
			status = EXCLUDED.status,
			current_ride_id = EXCLUDED.current_ride_id,
			last_update = EXCLUDED.last_update,
			address = EXCLUDED.address,
			city = EXCLUDED.city,
			country = EXCLUDED.country,
			battery_level = EXCLUDED.battery_level,
			is_moving = EXCLUDED.is_moving,
			updated_at = EXCLUDED.updated_at
		`+guard+`
		RETURNING `+locationColumns,
		driverID, loc.Latitude, loc.Longitude, loc.Heading, loc.Speed, loc.Accuracy, string(loc.Status),
		nullString(loc.CurrentRideID), now, nullString(loc.Address), nullString(loc.City), nullString(loc.Country),
		nullFloat(loc.BatteryLevel), loc.IsMoving)
	out, err := scanLocation(row)
	if err != nil {
		return nil, fmt.Errorf("upsert location %s: %w", driverID, err)
	}
	return out, nil
}

func (p *PostgresLocationStore) Get(ctx context.Context, driverID string) (*models.Location, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+locationColumns+` FROM driver_locations WHERE driver_id = $1`, driverID)
	loc, err := scanLocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get location %s: %w", driverID, err)
	}
	return loc, nil
}

func (p *PostgresLocationStore) SetStatus(ctx context.Context, driverID string, status models.LocationStatus, rideID string, now time.Time) (*models.Location, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE driver_locations SET status = $2, current_ride_id = $3, updated_at = $4
		WHERE driver_id = $1
		RETURNING `+locationColumns,
		driverID, string(status), nullString(rideID), now)
	loc, err := scanLocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("set status %s: %w", driverID, err)
	}
	return loc, nil
}

func (p *PostgresLocationStore) ListActive(ctx context.Context, since time.Time) ([]models.Location, error) {
	return p.query(ctx, `SELECT `+locationColumns+` FROM driver_locations
		WHERE status IN ('online', 'on_ride') AND last_update >= $1 ORDER BY driver_id`, since)
}

func (p *PostgresLocationStore) ListOnRide(ctx context.Context) ([]models.Location, error) {
	return p.query(ctx, `SELECT `+locationColumns+` FROM driver_locations
		WHERE status = 'on_ride' AND current_ride_id IS NOT NULL ORDER BY driver_id`)
}

func (p *PostgresLocationStore) MarkStaleOffline(ctx context.Context, before, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE driver_locations SET status = 'offline', current_ride_id = NULL, updated_at = $2
		WHERE last_update < $1 AND status <> 'offline'`, before, now)
	if err != nil {
		return 0, fmt.Errorf("mark stale offline: %w", err)
	}
	return res.RowsAffected()
}

func (p *PostgresLocationStore) Delete(ctx context.Context, driverID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM driver_locations WHERE driver_id = $1`, driverID)
	if err != nil {
		return fmt.Errorf("delete location %s: %w", driverID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresLocationStore) query(ctx context.Context, q string, args ...any) ([]models.Location, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query locations: %w", err)
	}
	defer rows.Close()
	out := make([]models.Location, 0)
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *loc)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLocation(s rowScanner) (*models.Location, error) {
	var (
		loc                    models.Location
		status                 string
		ride, addr, city, ctry sql.NullString
		battery                sql.NullFloat64
	)
	if err := s.Scan(&loc.DriverID, &loc.Latitude, &loc.Longitude, &loc.Heading, &loc.Speed, &loc.Accuracy,
		&status, &ride, &loc.LastUpdate, &addr, &city, &ctry, &battery, &loc.IsMoving,
		&loc.CreatedAt, &loc.UpdatedAt); err != nil {
		return nil, err
	}
	loc.Status = models.LocationStatus(status)
	loc.CurrentRideID = ride.String
	loc.Address = addr.String
	loc.City = city.String
	loc.Country = ctry.String
	if battery.Valid {
		b := battery.Float64
		loc.BatteryLevel = &b
	}
	return &loc, nil
}
