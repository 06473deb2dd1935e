package audit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/septivank/utility-billing/internal/apperr"
	"github.com/septivank/utility-billing/internal/audit"
	"github.com/septivank/utility-billing/internal/db"
	"github.com/septivank/utility-billing/internal/mq"
	"github.com/septivank/utility-billing/internal/store/memstore"
	"github.com/septivank/utility-billing/internal/tariff"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const tenantID = int64(1)

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (p *recordingPublisher) Publish(ctx context.Context, routingKey string, event mq.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, routingKey)
	return nil
}

func date(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func user(id int64) *int64 { return &id }

type fixture struct {
	ctx     context.Context
	store   *memstore.Store
	events  *recordingPublisher
	service *audit.RollbackService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memstore.New()
	events := &recordingPublisher{}
	tracker := audit.NewTracker(s, nil, 0, zap.NewNop())
	return &fixture{
		ctx:     context.Background(),
		store:   s,
		events:  events,
		service: audit.NewRollbackService(s, tracker, events, zap.NewNop()),
	}
}

func (f *fixture) createTariff(t *testing.T, name, rate string) (*tariff.Tariff, db.AuditLog) {
	t.Helper()
	tr := &tariff.Tariff{
		TenantID:      tenantID,
		ProviderID:    1,
		Name:          name,
		Configuration: tariff.Flat(decimal.RequireFromString(rate), decimal.Zero),
		ActiveFrom:    date("2025-01-01"),
	}
	require.NoError(t, f.store.InsertTariff(f.ctx, tr))
	entry := audit.Created(tenantID, tariff.AuditableType, tr.ID, tr.AuditValues(), user(1))
	require.NoError(t, audit.Record(f.ctx, f.store, &entry))
	return tr, entry
}

func (f *fixture) updateTariff(t *testing.T, id int64, mutate func(*tariff.Tariff)) db.AuditLog {
	t.Helper()
	current, err := f.store.Tariff(f.ctx, id)
	require.NoError(t, err)
	next := *current
	mutate(&next)
	require.NoError(t, f.store.UpdateTariff(f.ctx, &next))

	entry, ok := audit.Updated(tenantID, tariff.AuditableType, id, current.AuditValues(), next.AuditValues(), user(2))
	require.True(t, ok)
	require.NoError(t, audit.Record(f.ctx, f.store, &entry))
	return entry
}

func reprice(name, rate string) func(*tariff.Tariff) {
	return func(t *tariff.Tariff) {
		t.Name = name
		t.Configuration = tariff.Flat(decimal.RequireFromString(rate), decimal.Zero)
	}
}

func (f *fixture) rollback(id int64) audit.RollbackResult {
	return f.service.PerformRollback(f.ctx, audit.RollbackRequest{AuditLogID: id, UserID: user(7), Reason: "wrong rate"})
}

func TestPerformRollback_RestoresOldValues(t *testing.T) {
	f := newFixture(t)
	tr, _ := f.createTariff(t, "Standard", "0.15")
	update := f.updateTariff(t, tr.ID, reprice("Premium", "0.18"))
	countBefore := f.store.AuditCount()

	result := f.rollback(update.ID)
	require.True(t, result.Success, "errors: %v", result.Errors)

	assert.Equal(t, countBefore+1, f.store.AuditCount())

	restored, err := f.store.Tariff(f.ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, update.OldValues, audit.Subset(audit.Normalize(restored.AuditValues()), update.OldValues))
	assert.Equal(t, "Standard", restored.Name)
	assert.Equal(t, 3, restored.Version)

	logs, err := f.store.AuditLogsForEntity(f.ctx, tariff.AuditableType, tr.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, update.OldValues, logs[1].OldValues, "earlier entries are not mutated")
	assert.Equal(t, update.NewValues, logs[1].NewValues)

	rb := logs[2]
	assert.Equal(t, result.RollbackAuditID, rb.ID)
	assert.Equal(t, db.EventRollback, rb.Event)
	assert.Equal(t, update.OldValues, rb.NewValues)
	assert.Equal(t, update.NewValues, rb.OldValues)
	assert.Equal(t, float64(update.ID), rb.Metadata["original_audit_id"])
	assert.Equal(t, "wrong rate", rb.Metadata["rollback_reason"])
	assert.Equal(t, int64(7), *rb.UserID)

	assert.Equal(t, []string{mq.RoutingRollbackPerformed}, f.events.keys)
}

func TestPerformRollback_Rejections(t *testing.T) {
	f := newFixture(t)
	tr, created := f.createTariff(t, "Standard", "0.15")
	update := f.updateTariff(t, tr.ID, reprice("Premium", "0.18"))
	first := f.rollback(update.ID)
	require.True(t, first.Success, "errors: %v", first.Errors)

	deleted := f.store.AddAuditLog(db.AuditLog{
		TenantID: tenantID, AuditableType: tariff.AuditableType, AuditableID: tr.ID,
		Event: db.EventDeleted, OldValues: map[string]any{"name": "Standard"},
	})
	invalid := f.store.AddAuditLog(db.AuditLog{
		TenantID: tenantID, AuditableType: tariff.AuditableType, AuditableID: tr.ID,
		Event: db.EventUpdated, OldValues: map[string]any{"name": ""}, NewValues: map[string]any{"name": "Standard"},
	})
	gone := f.store.AddAuditLog(db.AuditLog{
		TenantID: tenantID, AuditableType: tariff.AuditableType, AuditableID: 4242,
		Event: db.EventUpdated, OldValues: map[string]any{"name": "Old"}, NewValues: map[string]any{"name": "New"},
	})
	reading := f.store.AddAuditLog(db.AuditLog{
		TenantID: tenantID, AuditableType: db.MeterReadingAuditableType, AuditableID: 5,
		Event: db.EventUpdated, OldValues: map[string]any{"value": "1"}, NewValues: map[string]any{"value": "2"},
	})

	tests := []struct {
		name    string
		auditID int64
		code    string
		message string
	}{
		{"created entry has no old values", created.ID, apperr.CodeRollbackNotAllowed, "no previous values"},
		{"rollback of a rollback", first.RollbackAuditID, apperr.CodeRollbackNotAllowed, "revert the rollback"},
		{"deleted entity", deleted.ID, apperr.CodeRollbackNotAllowed, "deleted"},
		{"invalid reconstructed values", invalid.ID, apperr.CodeRollbackNotAllowed, "name: is required"},
		{"entity gone", gone.ID, apperr.CodeRollbackNotAllowed, "no longer exists"},
		{"unsupported model", reading.ID, apperr.CodeRollbackNotAllowed, "not supported"},
		{"unknown audit entry", 99999, apperr.CodeNotFound, "not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			count := f.store.AuditCount()

			result := f.rollback(tt.auditID)

			assert.False(t, result.Success)
			assert.True(t, apperr.HasCode(result.Err, tt.code), "got %v", result.Err)
			require.NotEmpty(t, result.Errors)
			assert.Contains(t, result.Errors[0], tt.message)
			assert.Equal(t, count, f.store.AuditCount())
		})
	}

	t.Run("reason is required", func(t *testing.T) {
		result := f.service.PerformRollback(f.ctx, audit.RollbackRequest{AuditLogID: update.ID})
		assert.False(t, result.Success)
		verrs, ok := apperr.AsValidation(result.Err)
		require.True(t, ok)
		assert.True(t, verrs.Has("reason"))
	})
}

func TestPerformRollback_Notifications(t *testing.T) {
	t.Run("stakeholders notified", func(t *testing.T) {
		f := newFixture(t)
		tr, _ := f.createTariff(t, "Standard", "0.15")
		update := f.updateTariff(t, tr.ID, reprice("Premium", "0.18"))

		result := f.service.PerformRollback(f.ctx, audit.RollbackRequest{
			AuditLogID: update.ID, Reason: "typo", NotifyStakeholders: true,
		})

		require.True(t, result.Success)
		assert.Equal(t, []string{mq.RoutingRollbackPerformed, mq.RoutingRollbackNotify}, f.events.keys)
	})

	t.Run("delivery failure is a warning", func(t *testing.T) {
		f := newFixture(t)
		f.events.err = errors.New("broker unavailable")
		tr, _ := f.createTariff(t, "Standard", "0.15")
		update := f.updateTariff(t, tr.ID, reprice("Premium", "0.18"))

		result := f.service.PerformRollback(f.ctx, audit.RollbackRequest{
			AuditLogID: update.ID, Reason: "typo", NotifyStakeholders: true,
		})

		require.True(t, result.Success)
		assert.Contains(t, result.Warnings, "stakeholders were not notified: "+mq.RoutingRollbackNotify+" event could not be published")
		restored, err := f.store.Tariff(f.ctx, tr.ID)
		require.NoError(t, err)
		assert.Equal(t, "Standard", restored.Name)
	})
}

func TestRevertRollback(t *testing.T) {
	f := newFixture(t)
	tr, created := f.createTariff(t, "Standard", "0.15")
	update := f.updateTariff(t, tr.ID, reprice("Premium", "0.18"))
	rb := f.rollback(update.ID)
	require.True(t, rb.Success)

	result := f.service.RevertRollback(f.ctx, rb.RollbackAuditID, user(3), "rollback was a mistake")
	require.True(t, result.Success, "errors: %v", result.Errors)

	current, err := f.store.Tariff(f.ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, "Premium", current.Name)
	assert.Equal(t, update.NewValues, audit.Subset(audit.Normalize(current.AuditValues()), update.NewValues))

	entry, err := f.store.AuditLog(f.ctx, result.RollbackAuditID)
	require.NoError(t, err)
	assert.Equal(t, db.EventRollbackReverted, entry.Event)
	assert.Equal(t, float64(rb.RollbackAuditID), entry.Metadata["reverted_rollback_id"])
	assert.Contains(t, f.events.keys, mq.RoutingRollbackReverted)

	again := f.service.RevertRollback(f.ctx, rb.RollbackAuditID, user(3), "again")
	assert.False(t, again.Success)
	assert.True(t, errors.Is(again.Err, apperr.ErrRollbackNotAllowed))

	notRollback := f.service.RevertRollback(f.ctx, created.ID, user(3), "nope")
	assert.False(t, notRollback.Success)
	assert.True(t, apperr.HasCode(notRollback.Err, apperr.CodeRollbackNotAllowed))
}

func TestBulkRollback_PartialFailure(t *testing.T) {
	f := newFixture(t)
	a, createdA := f.createTariff(t, "A", "0.10")
	b, _ := f.createTariff(t, "B", "0.20")
	updateA := f.updateTariff(t, a.ID, reprice("A2", "0.11"))
	updateB := f.updateTariff(t, b.ID, reprice("B2", "0.21"))
	updateA2 := f.updateTariff(t, a.ID, reprice("A3", "0.12"))
	done := f.rollback(updateA2.ID)
	require.True(t, done.Success)
	deleted := f.store.AddAuditLog(db.AuditLog{
		TenantID: tenantID, AuditableType: tariff.AuditableType, AuditableID: b.ID,
		Event: db.EventDeleted, OldValues: map[string]any{"name": "B2"},
	})

	ids := []int64{updateB.ID, done.RollbackAuditID, createdA.ID, updateA.ID, deleted.ID}
	result, err := f.service.BulkRollback(f.ctx, audit.BulkRollbackRequest{AuditLogIDs: ids, UserID: user(9), Reason: "cleanup"})
	require.NoError(t, err)

	assert.Equal(t, 2, result.SuccessCount)
	assert.Equal(t, 3, result.FailedCount)
	assert.Len(t, result.RollbackAuditIDs, 2)
	require.Len(t, result.Errors, 3)
	failed := []int64{result.Errors[0].AuditLogID, result.Errors[1].AuditLogID, result.Errors[2].AuditLogID}
	assert.ElementsMatch(t, []int64{done.RollbackAuditID, createdA.ID, deleted.ID}, failed)

	restoredB, err := f.store.Tariff(f.ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "B", restoredB.Name)
	restoredA, err := f.store.Tariff(f.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "A", restoredA.Name)
}

func TestBulkRollback_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.BulkRollback(f.ctx, audit.BulkRollbackRequest{})
	verrs, ok := apperr.AsValidation(err)
	require.True(t, ok)
	assert.True(t, verrs.Has("audit_log_ids"))
	assert.True(t, verrs.Has("reason"))

	_, err = f.service.BulkRollback(f.ctx, audit.BulkRollbackRequest{AuditLogIDs: make([]int64, audit.MaxBulkRollback+1), Reason: "x"})
	verrs, ok = apperr.AsValidation(err)
	require.True(t, ok)
	assert.True(t, verrs.Has("audit_log_ids"))
}

func TestServiceConfigurationRollback(t *testing.T) {
	f := newFixture(t)
	a, _ := f.createTariff(t, "A", "0.10")
	b, _ := f.createTariff(t, "B", "0.20")

	sc := f.store.AddServiceConfiguration(db.ServiceConfiguration{
		TenantID: tenantID, PropertyID: 1, UtilityServiceID: 1, TariffID: &a.ID,
		UnitOfMeasurement: "kWh", EffectiveFrom: date("2025-01-01"), IsActive: true,
	})
	next := sc
	next.TariffID = &b.ID
	require.NoError(t, f.store.UpdateServiceConfiguration(f.ctx, &next))
	update, ok := audit.Updated(tenantID, db.ServiceConfigurationAuditableType, sc.ID, sc.AuditValues(), next.AuditValues(), user(2))
	require.True(t, ok)
	require.NoError(t, audit.Record(f.ctx, f.store, &update))

	validation, err := f.service.ValidateRollback(f.ctx, update.ID)
	require.NoError(t, err)
	assert.True(t, validation.Valid, "errors: %v", validation.Errors)
	assert.True(t, validation.Impact.HasCriticalImpact)
	assert.Contains(t, validation.Warnings, "tariff assignment will be reverted, affecting billing calculations")

	result := f.rollback(update.ID)
	require.True(t, result.Success, "errors: %v", result.Errors)

	restored, err := f.store.ServiceConfiguration(f.ctx, sc.ID)
	require.NoError(t, err)
	require.NotNil(t, restored.TariffID)
	assert.Equal(t, a.ID, *restored.TariffID)
}

func TestRollbackHistory(t *testing.T) {
	f := newFixture(t)
	tr, _ := f.createTariff(t, "Standard", "0.15")
	update := f.updateTariff(t, tr.ID, reprice("Premium", "0.18"))
	rb := f.rollback(update.ID)
	require.True(t, rb.Success)
	require.True(t, f.service.RevertRollback(f.ctx, rb.RollbackAuditID, nil, "undo").Success)

	history, err := f.service.RollbackHistory(f.ctx, tariff.AuditableType, tr.ID)
	require.NoError(t, err)

	require.Len(t, history, 1)
	rec := history[0]
	assert.Equal(t, rb.RollbackAuditID, rec.RollbackID)
	assert.Equal(t, "wrong rate", rec.Reason)
	assert.True(t, rec.Reverted)
	require.NotNil(t, rec.OriginalChange)
	assert.Equal(t, update.ID, rec.OriginalChange.ID)
	assert.Equal(t, []string{"configuration", "name"}, rec.FieldsRolledBack)
}

func TestRollbackCandidates(t *testing.T) {
	f := newFixture(t)
	tr, _ := f.createTariff(t, "Standard", "0.15")
	update := f.updateTariff(t, tr.ID, reprice("Premium", "0.18"))
	f.store.AddAuditLog(db.AuditLog{
		TenantID: tenantID, AuditableType: db.MeterReadingAuditableType, AuditableID: 5,
		Event: db.EventUpdated, OldValues: map[string]any{"value": "1"}, NewValues: map[string]any{"value": "2"},
	})

	candidates, err := f.service.RollbackCandidates(f.ctx, tenantID)
	require.NoError(t, err)

	require.Len(t, candidates, 1)
	assert.Equal(t, update.ID, candidates[0].AuditLogID)
	assert.True(t, candidates[0].CanRollback)
	assert.Equal(t, []string{"configuration", "name"}, candidates[0].ChangedFields)
}
