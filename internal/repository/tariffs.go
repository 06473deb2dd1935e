package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/septivank/utility-billing/internal/apperr"
	"github.com/septivank/utility-billing/internal/tariff"
)

const tariffColumns = `id, tenant_id, provider_id, name, configuration, active_from, active_until, version, created_at, updated_at`

func scanTariff(row pgx.Row) (*tariff.Tariff, error) {
	var (
		t   tariff.Tariff
		cfg []byte
	)
	if err := row.Scan(
		&t.ID,
		&t.TenantID,
		&t.ProviderID,
		&t.Name,
		&cfg,
		&t.ActiveFrom,
		&t.ActiveUntil,
		&t.Version,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	parsed, err := tariff.Parse(cfg)
	if err != nil {
		return nil, fmt.Errorf("tariff %d has an invalid configuration: %w", t.ID, err)
	}
	t.Configuration = parsed
	return &t, nil
}

// ProviderExists reports whether a provider row exists
func (r *Repository) ProviderExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM providers WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query provider: %w", err)
	}
	return exists, nil
}

// Tariff retrieves a tariff by id
func (r *Repository) Tariff(ctx context.Context, id int64) (*tariff.Tariff, error) {
	query := `SELECT ` + tariffColumns + ` FROM tariffs WHERE id = $1`

	t, err := scanTariff(r.q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFoundOr(err, "tariff", id, "query tariff")
	}
	return t, nil
}

// InsertTariff inserts a tariff at version 1
func (r *Repository) InsertTariff(ctx context.Context, t *tariff.Tariff) error {
	cfg, err := json.Marshal(t.Configuration)
	if err != nil {
		return fmt.Errorf("failed to encode tariff configuration: %w", err)
	}

	query := `
		INSERT INTO tariffs (tenant_id, provider_id, name, configuration, active_from, active_until, version)
		VALUES ($1, $2, $3, $4, $5, $6, 1)
		RETURNING id, version, created_at, updated_at
	`

	err = r.q.QueryRow(ctx, query,
		t.TenantID,
		t.ProviderID,
		t.Name,
		cfg,
		t.ActiveFrom,
		t.ActiveUntil,
	).Scan(&t.ID, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert tariff: %w", err)
	}
	return nil
}

// UpdateTariff writes t when the stored version still equals t.Version
func (r *Repository) UpdateTariff(ctx context.Context, t *tariff.Tariff) error {
	cfg, err := json.Marshal(t.Configuration)
	if err != nil {
		return fmt.Errorf("failed to encode tariff configuration: %w", err)
	}

	query := `
		UPDATE tariffs
		SET name = $3, configuration = $4, active_from = $5, active_until = $6,
		    version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`

	err = r.q.QueryRow(ctx, query,
		t.ID,
		t.Version,
		t.Name,
		cfg,
		t.ActiveFrom,
		t.ActiveUntil,
	).Scan(&t.Version, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, lookupErr := r.Tariff(ctx, t.ID); lookupErr != nil {
			return lookupErr
		}
		return apperr.ErrConcurrencyConflict
	}
	if err != nil {
		return fmt.Errorf("failed to update tariff: %w", err)
	}
	return nil
}
