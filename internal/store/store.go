// Package store defines the persistence port shared by the billing, reading
// and audit services. The PostgreSQL implementation lives in
// internal/repository; memstore provides an in-process one.
package store

import (
	"context"
	"time"

	"github.com/septivank/utility-billing/internal/db"
	"github.com/septivank/utility-billing/internal/tariff"
)

// Queries are the reads and writes available both inside and outside a transaction.
// Lookups of a single missing row return an apperr NOT_FOUND error; Previous/Next
// reading lookups return nil, nil when there is no neighbour.
type Queries interface {
	Meter(ctx context.Context, id int64) (*db.Meter, error)
	// LockMeter loads the meter and holds a row lock for the rest of the transaction
	LockMeter(ctx context.Context, id int64) (*db.Meter, error)
	MetersForTenant(ctx context.Context, tenantID int64) ([]db.Meter, error)

	Reading(ctx context.Context, id int64) (*db.MeterReading, error)
	ReadingsByIDs(ctx context.Context, ids []int64) ([]db.MeterReading, error)
	PreviousReading(ctx context.Context, meterID int64, zone *string, at time.Time, excludeID int64) (*db.MeterReading, error)
	NextReading(ctx context.Context, meterID int64, zone *string, at time.Time, excludeID int64) (*db.MeterReading, error)
	RecentValidatedReadings(ctx context.Context, meterID int64, zone *string, limit int) ([]db.MeterReading, error)
	ReadingsForMeter(ctx context.Context, meterID int64, from, to time.Time) ([]db.MeterReading, error)
	ReadingsForTenant(ctx context.Context, tenantID int64, from, to time.Time) ([]db.MeterReading, error)
	InsertReading(ctx context.Context, r *db.MeterReading) error
	UpdateReading(ctx context.Context, r *db.MeterReading) error
	UpdateReadingStatus(ctx context.Context, id int64, status db.ValidationStatus, validatedBy *int64) error

	ProviderExists(ctx context.Context, id int64) (bool, error)
	Tariff(ctx context.Context, id int64) (*tariff.Tariff, error)
	InsertTariff(ctx context.Context, t *tariff.Tariff) error
	// UpdateTariff writes t if its Version still matches and bumps Version,
	// otherwise returns apperr.ErrConcurrencyConflict.
	UpdateTariff(ctx context.Context, t *tariff.Tariff) error

	ServiceConfiguration(ctx context.Context, id int64) (*db.ServiceConfiguration, error)
	ActiveServiceConfigurations(ctx context.Context, tenantID int64) ([]db.ServiceConfiguration, error)
	// UpdateServiceConfiguration follows the same optimistic version check as UpdateTariff
	UpdateServiceConfiguration(ctx context.Context, c *db.ServiceConfiguration) error

	AuditLog(ctx context.Context, id int64) (*db.AuditLog, error)
	AuditLogsForTenant(ctx context.Context, tenantID int64, from, to time.Time) ([]db.AuditLog, error)
	AuditLogsForEntity(ctx context.Context, auditableType string, auditableID int64) ([]db.AuditLog, error)
	InsertAuditLog(ctx context.Context, a *db.AuditLog) error

	InsertSecurityViolation(ctx context.Context, v *db.SecurityViolation) error
	SecurityViolationsForTenant(ctx context.Context, tenantID int64, from, to time.Time) ([]db.SecurityViolation, error)
}

// Store is the persistence port. InTx runs fn atomically: any error rolls back
// every write fn made.
type Store interface {
	Queries
	InTx(ctx context.Context, fn func(q Queries) error) error
}
