package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/septivank/utility-billing/internal/apperr"
	"github.com/septivank/utility-billing/internal/db"
	"github.com/shopspring/decimal"
)

const readingColumns = `id, tenant_id, meter_id, reading_date, value, zone, reading_values, input_method,
	validation_status, entered_by, validated_by, gps_location, photo_path, notes, anomaly_reason,
	created_at, updated_at`

func scanReading(row pgx.Row) (*db.MeterReading, error) {
	var (
		rd          db.MeterReading
		values, gps []byte
	)
	if err := row.Scan(
		&rd.ID,
		&rd.TenantID,
		&rd.MeterID,
		&rd.ReadingDate,
		&rd.Value,
		&rd.Zone,
		&values,
		&rd.InputMethod,
		&rd.ValidationStatus,
		&rd.EnteredBy,
		&rd.ValidatedBy,
		&gps,
		&rd.PhotoPath,
		&rd.Notes,
		&rd.AnomalyReason,
		&rd.CreatedAt,
		&rd.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(values) > 0 {
		rd.ReadingValues = map[string]decimal.Decimal{}
		if err := decodeJSON(values, &rd.ReadingValues); err != nil {
			return nil, err
		}
	}
	if len(gps) > 0 {
		rd.GPSLocation = &db.GeoPoint{}
		if err := decodeJSON(gps, rd.GPSLocation); err != nil {
			return nil, err
		}
	}
	return &rd, nil
}

func collectReadings(rows pgx.Rows) ([]db.MeterReading, error) {
	defer rows.Close()

	var readings []db.MeterReading
	for rows.Next() {
		rd, err := scanReading(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		readings = append(readings, *rd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return readings, nil
}

// Reading retrieves a reading by id
func (r *Repository) Reading(ctx context.Context, id int64) (*db.MeterReading, error) {
	query := `SELECT ` + readingColumns + ` FROM meter_readings WHERE id = $1`

	rd, err := scanReading(r.q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFoundOr(err, "meter reading", id, "query meter reading")
	}
	return rd, nil
}

// ReadingsByIDs retrieves the readings among ids that exist
func (r *Repository) ReadingsByIDs(ctx context.Context, ids []int64) ([]db.MeterReading, error) {
	query := `SELECT ` + readingColumns + ` FROM meter_readings WHERE id = ANY($1) ORDER BY id`

	rows, err := r.q.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings by id: %w", err)
	}
	return collectReadings(rows)
}

// PreviousReading returns the latest non-rejected reading of the same meter
// and zone that sorts before (at, excludeID) in (reading_date, id) order. A
// new reading (excludeID 0) sorts after every reading of its date.
func (r *Repository) PreviousReading(ctx context.Context, meterID int64, zone *string, at time.Time, excludeID int64) (*db.MeterReading, error) {
	query := `SELECT ` + readingColumns + `
		FROM meter_readings
		WHERE meter_id = $1 AND zone IS NOT DISTINCT FROM $2 AND id <> $4
		  AND (reading_date < $3 OR (reading_date = $3 AND ($4 = 0 OR id < $4)))
		  AND validation_status <> 'rejected'
		ORDER BY reading_date DESC, id DESC
		LIMIT 1`

	return r.neighbour(ctx, query, meterID, zone, at, excludeID)
}

// NextReading returns the earliest non-rejected reading of the same meter
// and zone that sorts after (at, excludeID) in (reading_date, id) order.
func (r *Repository) NextReading(ctx context.Context, meterID int64, zone *string, at time.Time, excludeID int64) (*db.MeterReading, error) {
	query := `SELECT ` + readingColumns + `
		FROM meter_readings
		WHERE meter_id = $1 AND zone IS NOT DISTINCT FROM $2 AND id <> $4
		  AND (reading_date > $3 OR (reading_date = $3 AND $4 <> 0 AND id > $4))
		  AND validation_status <> 'rejected'
		ORDER BY reading_date ASC, id ASC
		LIMIT 1`

	return r.neighbour(ctx, query, meterID, zone, at, excludeID)
}

func (r *Repository) neighbour(ctx context.Context, query string, args ...any) (*db.MeterReading, error) {
	rd, err := scanReading(r.q.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query neighbouring reading: %w", err)
	}
	return rd, nil
}

// RecentValidatedReadings gets the most recent validated readings, newest first
func (r *Repository) RecentValidatedReadings(ctx context.Context, meterID int64, zone *string, limit int) ([]db.MeterReading, error) {
	query := `SELECT ` + readingColumns + `
		FROM meter_readings
		WHERE meter_id = $1 AND zone IS NOT DISTINCT FROM $2 AND validation_status = 'validated'
		ORDER BY reading_date DESC, id DESC
		LIMIT $3`

	rows, err := r.q.Query(ctx, query, meterID, zone, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent readings: %w", err)
	}
	return collectReadings(rows)
}

// ReadingsForMeter lists non-rejected readings of a meter dated within [from, to]
func (r *Repository) ReadingsForMeter(ctx context.Context, meterID int64, from, to time.Time) ([]db.MeterReading, error) {
	query := `SELECT ` + readingColumns + `
		FROM meter_readings
		WHERE meter_id = $1 AND reading_date BETWEEN $2 AND $3 AND validation_status <> 'rejected'
		ORDER BY reading_date ASC, id ASC`

	rows, err := r.q.Query(ctx, query, meterID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query meter readings: %w", err)
	}
	return collectReadings(rows)
}

// ReadingsForTenant lists every reading of a tenant created within [from, to]
func (r *Repository) ReadingsForTenant(ctx context.Context, tenantID int64, from, to time.Time) ([]db.MeterReading, error) {
	query := `SELECT ` + readingColumns + `
		FROM meter_readings
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at ASC, id ASC`

	rows, err := r.q.Query(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenant readings: %w", err)
	}
	return collectReadings(rows)
}

// InsertReading inserts a reading and fills its id and timestamps
func (r *Repository) InsertReading(ctx context.Context, rd *db.MeterReading) error {
	values, err := readingValuesJSON(rd)
	if err != nil {
		return err
	}
	gps, err := jsonOrNil(rd.GPSLocation)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO meter_readings (
			tenant_id, meter_id, reading_date, value, zone, reading_values, input_method,
			validation_status, entered_by, validated_by, gps_location, photo_path, notes, anomaly_reason
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at
	`

	err = r.q.QueryRow(ctx, query,
		rd.TenantID,
		rd.MeterID,
		rd.ReadingDate,
		rd.Value,
		rd.Zone,
		values,
		rd.InputMethod,
		rd.ValidationStatus,
		rd.EnteredBy,
		rd.ValidatedBy,
		gps,
		rd.PhotoPath,
		rd.Notes,
		rd.AnomalyReason,
	).Scan(&rd.ID, &rd.CreatedAt, &rd.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert meter reading: %w", err)
	}
	return nil
}

// UpdateReading writes the mutable attributes of a reading
func (r *Repository) UpdateReading(ctx context.Context, rd *db.MeterReading) error {
	values, err := readingValuesJSON(rd)
	if err != nil {
		return err
	}

	query := `
		UPDATE meter_readings
		SET reading_date = $2, value = $3, zone = $4, reading_values = $5, validation_status = $6,
		    validated_by = $7, notes = $8, anomaly_reason = $9, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err = r.q.QueryRow(ctx, query,
		rd.ID,
		rd.ReadingDate,
		rd.Value,
		rd.Zone,
		values,
		rd.ValidationStatus,
		rd.ValidatedBy,
		rd.Notes,
		rd.AnomalyReason,
	).Scan(&rd.UpdatedAt)
	if err != nil {
		return notFoundOr(err, "meter reading", rd.ID, "update meter reading")
	}
	return nil
}

// UpdateReadingStatus moves a reading to a new validation status
func (r *Repository) UpdateReadingStatus(ctx context.Context, id int64, status db.ValidationStatus, validatedBy *int64) error {
	query := `
		UPDATE meter_readings
		SET validation_status = $2, validated_by = $3, updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.q.Exec(ctx, query, id, status, validatedBy)
	if err != nil {
		return fmt.Errorf("failed to update reading status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("meter reading", id)
	}
	return nil
}

func readingValuesJSON(rd *db.MeterReading) ([]byte, error) {
	if len(rd.ReadingValues) == 0 {
		return nil, nil
	}
	return jsonOrNil(rd.ReadingValues)
}
