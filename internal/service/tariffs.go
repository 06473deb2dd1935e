package service

import (
	"context"
	"fmt"
	"time"

	"github.com/septivank/utility-billing/internal/apperr"
	"github.com/septivank/utility-billing/internal/audit"
	"github.com/septivank/utility-billing/internal/store"
	"github.com/septivank/utility-billing/internal/tariff"
	"go.uber.org/zap"
)

// CreateTariffInput describes a new tariff
type CreateTariffInput struct {
	TenantID      int64
	ProviderID    int64
	Name          string
	Configuration tariff.Configuration
	ActiveFrom    time.Time
	ActiveUntil   *time.Time
	UserID        *int64
}

// UpdateTariffInput revises a tariff. With CreateNewVersion the current row is
// closed and a new row carries the revision; otherwise the row is edited in
// place. Version, when set, must match the stored version.
type UpdateTariffInput struct {
	Revision         tariff.Revision
	CreateNewVersion bool
	Version          *int
	UserID           *int64
}

// TariffService manages tariffs and records every change in the audit log
type TariffService struct {
	store  store.Store
	logger *zap.Logger
}

// NewTariffService creates a tariff service
func NewTariffService(s store.Store, logger *zap.Logger) *TariffService {
	return &TariffService{store: s, logger: logger}
}

// Create validates and stores a tariff
func (s *TariffService) Create(ctx context.Context, in CreateTariffInput) (*tariff.Tariff, error) {
	t := tariff.Tariff{
		TenantID:      in.TenantID,
		ProviderID:    in.ProviderID,
		Name:          in.Name,
		Configuration: in.Configuration,
		ActiveFrom:    in.ActiveFrom,
		ActiveUntil:   in.ActiveUntil,
	}
	if err := t.Validate().Err(); err != nil {
		return nil, err
	}

	err := s.store.InTx(ctx, func(q store.Queries) error {
		if err := checkProvider(ctx, q, t.ProviderID); err != nil {
			return err
		}
		if err := q.InsertTariff(ctx, &t); err != nil {
			return fmt.Errorf("failed to insert tariff: %w", err)
		}
		entry := audit.Created(t.TenantID, tariff.AuditableType, t.ID, t.AuditValues(), in.UserID)
		return audit.Record(ctx, q, &entry)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("tariff created",
		zap.Int64("tariff_id", t.ID),
		zap.Int64("tenant_id", t.TenantID),
		zap.String("type", string(t.Configuration.Type())),
	)
	return &t, nil
}

// Update revises tariff id and returns the row now carrying the revision
func (s *TariffService) Update(ctx context.Context, id int64, in UpdateTariffInput) (*tariff.Tariff, error) {
	var result tariff.Tariff

	err := s.store.InTx(ctx, func(q store.Queries) error {
		current, err := q.Tariff(ctx, id)
		if err != nil {
			return err
		}
		if in.Version != nil && *in.Version != current.Version {
			return apperr.ErrConcurrencyConflict
		}
		if in.CreateNewVersion {
			result, err = s.supersede(ctx, q, *current, in)
			return err
		}

		next := current.Apply(in.Revision)
		if err := next.Validate().Err(); err != nil {
			return err
		}
		if err := q.UpdateTariff(ctx, &next); err != nil {
			return err
		}
		if entry, ok := audit.Updated(next.TenantID, tariff.AuditableType, next.ID, current.AuditValues(), next.AuditValues(), in.UserID); ok {
			if err := audit.Record(ctx, q, &entry); err != nil {
				return err
			}
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("tariff updated",
		zap.Int64("tariff_id", result.ID),
		zap.Int64("replaced_tariff_id", id),
		zap.Bool("new_version", in.CreateNewVersion),
		zap.Int("version", result.Version),
	)
	return &result, nil
}

func (s *TariffService) supersede(ctx context.Context, q store.Queries, current tariff.Tariff, in UpdateTariffInput) (tariff.Tariff, error) {
	closed, next, err := current.Supersede(in.Revision)
	if err != nil {
		return tariff.Tariff{}, err
	}
	if err := next.Validate().Err(); err != nil {
		return tariff.Tariff{}, err
	}

	if err := q.UpdateTariff(ctx, &closed); err != nil {
		return tariff.Tariff{}, err
	}
	if entry, ok := audit.Updated(closed.TenantID, tariff.AuditableType, closed.ID, current.AuditValues(), closed.AuditValues(), in.UserID); ok {
		entry.Metadata = map[string]any{"superseded": true}
		if err := audit.Record(ctx, q, &entry); err != nil {
			return tariff.Tariff{}, err
		}
	}

	if err := q.InsertTariff(ctx, &next); err != nil {
		return tariff.Tariff{}, fmt.Errorf("failed to insert tariff version: %w", err)
	}
	entry := audit.Created(next.TenantID, tariff.AuditableType, next.ID, next.AuditValues(), in.UserID)
	entry.Metadata = map[string]any{"previous_version_id": closed.ID}
	if err := audit.Record(ctx, q, &entry); err != nil {
		return tariff.Tariff{}, err
	}
	return next, nil
}

func checkProvider(ctx context.Context, q store.Queries, providerID int64) error {
	ok, err := q.ProviderExists(ctx, providerID)
	if err != nil {
		return fmt.Errorf("failed to look up provider: %w", err)
	}
	if !ok {
		verrs := apperr.ValidationErrors{}
		verrs.Add("provider_id", "does not exist")
		return verrs
	}
	return nil
}
