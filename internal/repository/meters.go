package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/septivank/utility-billing/internal/db"
)

const meterColumns = `id, tenant_id, property_id, serial_number, type, supports_zones, reading_structure, created_at`

func scanMeter(row pgx.Row) (*db.Meter, error) {
	var (
		m         db.Meter
		structure []byte
	)
	if err := row.Scan(
		&m.ID,
		&m.TenantID,
		&m.PropertyID,
		&m.SerialNumber,
		&m.Type,
		&m.SupportsZones,
		&structure,
		&m.CreatedAt,
	); err != nil {
		return nil, err
	}
	if len(structure) > 0 {
		m.ReadingStructure = &db.ReadingStructure{}
		if err := decodeJSON(structure, m.ReadingStructure); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// Meter retrieves a meter by id
func (r *Repository) Meter(ctx context.Context, id int64) (*db.Meter, error) {
	query := `SELECT ` + meterColumns + ` FROM meters WHERE id = $1`

	m, err := scanMeter(r.q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFoundOr(err, "meter", id, "query meter")
	}
	return m, nil
}

// LockMeter retrieves a meter and locks its row until the transaction ends.
// Reading writes for the same meter queue behind the lock.
func (r *Repository) LockMeter(ctx context.Context, id int64) (*db.Meter, error) {
	query := `SELECT ` + meterColumns + ` FROM meters WHERE id = $1 FOR UPDATE`

	m, err := scanMeter(r.q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFoundOr(err, "meter", id, "lock meter")
	}
	return m, nil
}

// MetersForTenant lists all meters of a tenant
func (r *Repository) MetersForTenant(ctx context.Context, tenantID int64) ([]db.Meter, error) {
	query := `SELECT ` + meterColumns + ` FROM meters WHERE tenant_id = $1 ORDER BY id`

	rows, err := r.q.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query meters: %w", err)
	}
	defer rows.Close()

	var meters []db.Meter
	for rows.Next() {
		m, err := scanMeter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan meter: %w", err)
		}
		meters = append(meters, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return meters, nil
}
