package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/septivank/utility-billing/internal/apperr"
	"github.com/septivank/utility-billing/internal/db"
)

const serviceConfigurationColumns = `sc.id, sc.tenant_id, sc.property_id, sc.utility_service_id, sc.meter_id, sc.tariff_id,
	sc.unit_of_measurement, sc.effective_from, sc.effective_until, sc.is_active, sc.version, sc.created_at, sc.updated_at`

func scanServiceConfiguration(row pgx.Row) (*db.ServiceConfiguration, error) {
	var c db.ServiceConfiguration
	if err := row.Scan(
		&c.ID,
		&c.TenantID,
		&c.PropertyID,
		&c.UtilityServiceID,
		&c.MeterID,
		&c.TariffID,
		&c.UnitOfMeasurement,
		&c.EffectiveFrom,
		&c.EffectiveUntil,
		&c.IsActive,
		&c.Version,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &c, nil
}

// attachTariff loads the referenced tariff; a dangling reference leaves Tariff nil
func (r *Repository) attachTariff(ctx context.Context, c *db.ServiceConfiguration) error {
	if c.TariffID == nil {
		return nil
	}
	t, err := r.Tariff(ctx, *c.TariffID)
	if apperr.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	c.Tariff = t
	return nil
}

// ServiceConfiguration retrieves a service configuration with its tariff
func (r *Repository) ServiceConfiguration(ctx context.Context, id int64) (*db.ServiceConfiguration, error) {
	query := `SELECT ` + serviceConfigurationColumns + ` FROM service_configurations sc WHERE sc.id = $1`

	c, err := scanServiceConfiguration(r.q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFoundOr(err, "service configuration", id, "query service configuration")
	}
	if err := r.attachTariff(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ActiveServiceConfigurations lists the active configurations of a tenant with their tariffs
func (r *Repository) ActiveServiceConfigurations(ctx context.Context, tenantID int64) ([]db.ServiceConfiguration, error) {
	query := `SELECT ` + serviceConfigurationColumns + `
		FROM service_configurations sc
		WHERE sc.tenant_id = $1 AND sc.is_active
		ORDER BY sc.id`

	rows, err := r.q.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query service configurations: %w", err)
	}

	var configs []db.ServiceConfiguration
	for rows.Next() {
		c, err := scanServiceConfiguration(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan service configuration: %w", err)
		}
		configs = append(configs, *c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	// tariffs are loaded after the cursor is closed; a transaction allows one active query
	for i := range configs {
		if err := r.attachTariff(ctx, &configs[i]); err != nil {
			return nil, err
		}
	}
	return configs, nil
}

// UpdateServiceConfiguration writes c when the stored version still equals c.Version
func (r *Repository) UpdateServiceConfiguration(ctx context.Context, c *db.ServiceConfiguration) error {
	query := `
		UPDATE service_configurations
		SET meter_id = $3, tariff_id = $4, unit_of_measurement = $5, effective_from = $6,
		    effective_until = $7, is_active = $8, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`

	err := r.q.QueryRow(ctx, query,
		c.ID,
		c.Version,
		c.MeterID,
		c.TariffID,
		c.UnitOfMeasurement,
		c.EffectiveFrom,
		c.EffectiveUntil,
		c.IsActive,
	).Scan(&c.Version, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, lookupErr := r.ServiceConfiguration(ctx, c.ID); lookupErr != nil {
			return lookupErr
		}
		return apperr.ErrConcurrencyConflict
	}
	if err != nil {
		return fmt.Errorf("failed to update service configuration: %w", err)
	}
	return nil
}
