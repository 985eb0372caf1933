// Package directory resolves driver and ride ids against the user and ride
// tables owned by the account and ride services.
package directory

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/example/ride-tracking/internal/models"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Drivers implements location.Directory. Unknown ids are absent from the map.
func (p *Postgres) Drivers(ctx context.Context, ids []string) (map[string]models.DriverSummary, error) {
	out := make(map[string]models.DriverSummary, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, firstname, lastname, email
		FROM users
		WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("lookup drivers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d models.DriverSummary
		if err := rows.Scan(&d.ID, &d.Firstname, &d.Lastname, &d.Email); err != nil {
			return nil, fmt.Errorf("scan driver: %w", err)
		}
		out[d.ID] = d
	}
	return out, rows.Err()
}

func (p *Postgres) Rides(ctx context.Context, ids []string) (map[string]models.RideSummary, error) {
	out := make(map[string]models.RideSummary, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, customer_id, status, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, created_at
		FROM rides
		WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("lookup rides: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r models.RideSummary
		if err := rows.Scan(&r.ID, &r.CustomerID, &r.Status,
			&r.Origin.Lat, &r.Origin.Lon, &r.Destination.Lat, &r.Destination.Lon, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ride: %w", err)
		}
		out[r.ID] = r
	}
	return out, rows.Err()
}
