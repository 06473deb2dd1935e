package service

import (
	"context"
	"testing"
	"time"

	"github.com/septivank/utility-billing/internal/apperr"
	"github.com/septivank/utility-billing/internal/db"
	"github.com/septivank/utility-billing/internal/store/memstore"
	"github.com/septivank/utility-billing/internal/tariff"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func day(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func newTariffService(t *testing.T) (*TariffService, *memstore.Store) {
	t.Helper()
	s := memstore.New()
	s.AddProvider(1)
	return NewTariffService(s, zap.NewNop()), s
}

func createFlat(t *testing.T, svc *TariffService, rate string) *tariff.Tariff {
	t.Helper()
	created, err := svc.Create(context.Background(), CreateTariffInput{
		TenantID:      1,
		ProviderID:    1,
		Name:          "Standard",
		Configuration: tariff.Flat(decimal.RequireFromString(rate), decimal.Zero),
		ActiveFrom:    day("2025-01-01"),
	})
	require.NoError(t, err)
	return created
}

func TestTariffService_Create(t *testing.T) {
	svc, s := newTariffService(t)

	created := createFlat(t, svc, "0.25")

	assert.Equal(t, 1, created.Version)
	logs, err := s.AuditLogsForEntity(context.Background(), tariff.AuditableType, created.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, db.EventCreated, logs[0].Event)
	assert.Equal(t, "Standard", logs[0].NewValues["name"])
}

func TestTariffService_CreateRejections(t *testing.T) {
	svc, s := newTariffService(t)

	_, err := svc.Create(context.Background(), CreateTariffInput{
		TenantID:      1,
		ProviderID:    99,
		Name:          "Orphan",
		Configuration: tariff.Flat(decimal.RequireFromString("0.25"), decimal.Zero),
		ActiveFrom:    day("2025-01-01"),
	})
	verrs, ok := apperr.AsValidation(err)
	require.True(t, ok)
	assert.True(t, verrs.Has("provider_id"))

	_, err = svc.Create(context.Background(), CreateTariffInput{
		TenantID:      1,
		ProviderID:    1,
		Configuration: tariff.Flat(decimal.RequireFromString("-1"), decimal.Zero),
		ActiveFrom:    day("2025-01-01"),
	})
	verrs, ok = apperr.AsValidation(err)
	require.True(t, ok)
	assert.True(t, verrs.Has("name"))
	assert.True(t, verrs.Has("configuration.rate"))
	assert.Zero(t, s.AuditCount())
}

func TestTariffService_UpdateInPlace(t *testing.T) {
	svc, s := newTariffService(t)
	created := createFlat(t, svc, "0.25")

	updated, err := svc.Update(context.Background(), created.ID, UpdateTariffInput{
		Revision: tariff.Revision{
			Name:          "Standard 2025",
			Configuration: created.Configuration,
			ActiveFrom:    created.ActiveFrom,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, 2, updated.Version)
	logs, err := s.AuditLogsForEntity(context.Background(), tariff.AuditableType, created.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, db.EventUpdated, logs[1].Event)
	assert.Equal(t, map[string]any{"name": "Standard"}, logs[1].OldValues)
	assert.Equal(t, map[string]any{"name": "Standard 2025"}, logs[1].NewValues)
}

func TestTariffService_UpdateNewVersion(t *testing.T) {
	svc, s := newTariffService(t)
	created := createFlat(t, svc, "0.25")

	next, err := svc.Update(context.Background(), created.ID, UpdateTariffInput{
		CreateNewVersion: true,
		Revision: tariff.Revision{
			Name:          "Standard",
			Configuration: tariff.Flat(decimal.RequireFromString("0.30"), decimal.Zero),
			ActiveFrom:    day("2025-06-01"),
		},
	})
	require.NoError(t, err)

	assert.NotEqual(t, created.ID, next.ID)
	closed, err := s.Tariff(context.Background(), created.ID)
	require.NoError(t, err)
	require.NotNil(t, closed.ActiveUntil)
	assert.Equal(t, day("2025-05-31"), *closed.ActiveUntil)
	assert.True(t, closed.Configuration.Pricing.(tariff.FlatRate).Rate.Equal(decimal.RequireFromString("0.25")), "closed version keeps its pricing")

	logs, err := s.AuditLogsForEntity(context.Background(), tariff.AuditableType, next.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, float64(created.ID), logs[0].Metadata["previous_version_id"])
}

func TestTariffService_UpdateRejections(t *testing.T) {
	svc, _ := newTariffService(t)
	created := createFlat(t, svc, "0.25")
	stale := 7

	_, err := svc.Update(context.Background(), created.ID, UpdateTariffInput{
		Version:  &stale,
		Revision: tariff.Revision{Name: "x", Configuration: created.Configuration, ActiveFrom: created.ActiveFrom},
	})
	assert.ErrorIs(t, err, apperr.ErrConcurrencyConflict)

	_, err = svc.Update(context.Background(), created.ID, UpdateTariffInput{
		CreateNewVersion: true,
		Revision:         tariff.Revision{Name: "x", Configuration: created.Configuration, ActiveFrom: day("2024-12-01")},
	})
	verrs, ok := apperr.AsValidation(err)
	require.True(t, ok)
	assert.True(t, verrs.Has("active_from"))

	_, err = svc.Update(context.Background(), 404, UpdateTariffInput{})
	assert.True(t, apperr.IsNotFound(err))
}
