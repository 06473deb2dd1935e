package audit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/septivank/utility-billing/internal/apperr"
	"github.com/septivank/utility-billing/internal/db"
	"github.com/septivank/utility-billing/internal/mq"
	"github.com/septivank/utility-billing/internal/store"
	"github.com/septivank/utility-billing/internal/tariff"
	"go.uber.org/zap"
)

const (
	// MaxBulkRollback bounds the number of audit entries in one bulk rollback
	MaxBulkRollback     = 100
	maxReasonLength     = 1000
	candidateLookback   = 30 * 24 * time.Hour
	candidateLimit      = 50
	recentReadingWindow = 7 * 24 * time.Hour
)

// Impact describes what else a rollback touches
type Impact struct {
	Warnings          []string `json:"warnings"`
	HasCriticalImpact bool     `json:"has_critical_impact"`
	AffectedSystems   []string `json:"affected_systems"`
	MitigationSteps   []string `json:"mitigation_steps"`
}

// Validation is the outcome of ValidateRollback
type Validation struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
	Impact   Impact   `json:"impact_analysis"`
}

// RollbackRequest asks to restore the state recorded before an audited change
type RollbackRequest struct {
	AuditLogID         int64  `json:"audit_log_id" validate:"required,gt=0"`
	UserID             *int64 `json:"user_id,omitempty"`
	Reason             string `json:"reason" validate:"required,max=1000"`
	NotifyStakeholders bool   `json:"notify_stakeholders"`
}

// RollbackResult reports a rollback or revert. Err carries the typed cause of a failure.
type RollbackResult struct {
	Success         bool           `json:"success"`
	Message         string         `json:"message"`
	RollbackAuditID int64          `json:"rollback_audit_id,omitempty"`
	Values          map[string]any `json:"values,omitempty"`
	Errors          []string       `json:"errors,omitempty"`
	Warnings        []string       `json:"warnings,omitempty"`
	Err             error          `json:"-"`
}

func rollbackFailed(message string, err error) RollbackResult {
	result := RollbackResult{Message: message, Err: err}
	if verrs, ok := apperr.AsValidation(err); ok {
		result.Errors = verrs.Messages()
	} else {
		result.Errors = []string{err.Error()}
	}
	return result
}

// RollbackEvent is published after a rollback or a revert is committed
type RollbackEvent struct {
	RollbackAuditID int64    `json:"rollback_audit_id"`
	OriginalAuditID int64    `json:"original_audit_id"`
	ModelType       string   `json:"model_type"`
	ModelID         int64    `json:"model_id"`
	UserID          *int64   `json:"user_id,omitempty"`
	Reason          string   `json:"reason"`
	Fields          []string `json:"fields"`
}

// RollbackService restores audited entities to earlier states. Every rollback
// and revert is itself appended to the audit log.
type RollbackService struct {
	store   store.Store
	tracker *Tracker
	events  mq.EventPublisher
	logger  *zap.Logger
	now     func() time.Time
}

// NewRollbackService creates a rollback service
func NewRollbackService(s store.Store, tracker *Tracker, events mq.EventPublisher, logger *zap.Logger) *RollbackService {
	return &RollbackService{
		store:   s,
		tracker: tracker,
		events:  events,
		logger:  logger,
		now:     time.Now,
	}
}

// ValidateRollback checks whether the audit entry can be rolled back and
// analyzes the impact. Only a missing audit entry is returned as an error.
func (s *RollbackService) ValidateRollback(ctx context.Context, auditID int64) (Validation, error) {
	data, err := s.tracker.RollbackData(ctx, auditID)
	if err != nil {
		return Validation{}, err
	}
	return s.validate(ctx, s.store, data)
}

func (s *RollbackService) validate(ctx context.Context, q store.Queries, data *RollbackData) (Validation, error) {
	v := Validation{Errors: []string{}, Warnings: []string{}}
	v.Errors = append(v.Errors, data.Reasons...)

	if data.CanRollback {
		rec := reconstructors[data.ModelType]
		err := rec.restore(ctx, q, data.ModelID, data.RollbackValues, true)
		if verrs, ok := apperr.AsValidation(err); ok {
			v.Errors = append(v.Errors, verrs.Messages()...)
		} else if err != nil {
			return Validation{}, err
		}

		impact, err := s.analyzeImpact(ctx, q, data)
		if err != nil {
			return Validation{}, err
		}
		v.Impact = impact
		v.Warnings = append(v.Warnings, impact.Warnings...)
	}

	v.Warnings = append(v.Warnings, data.Warnings...)
	v.Valid = len(v.Errors) == 0
	return v, nil
}

// analyzeImpact flags critical impact when the rollback reprices billing:
// a tariff configuration change or a change of the tariff a configuration uses.
func (s *RollbackService) analyzeImpact(ctx context.Context, q store.Queries, data *RollbackData) (Impact, error) {
	impact := Impact{Warnings: []string{}, AffectedSystems: []string{}, MitigationSteps: []string{}}
	_, changesConfiguration := data.RollbackValues["configuration"]
	_, changesTariff := data.RollbackValues["tariff_id"]

	switch data.ModelType {
	case tariff.AuditableType:
		configs, err := q.ActiveServiceConfigurations(ctx, data.TenantID)
		if err != nil {
			return impact, err
		}
		users := 0
		for _, c := range configs {
			if c.TariffID != nil && *c.TariffID == data.ModelID {
				users++
			}
		}
		if users > 0 {
			impact.Warnings = append(impact.Warnings, fmt.Sprintf("rollback will affect %d active service configuration(s)", users))
			impact.AffectedSystems = append(impact.AffectedSystems, "service configurations")
		}
		if changesConfiguration && !equalValues(data.RollbackValues["configuration"], data.CurrentValues["configuration"]) {
			impact.Warnings = append(impact.Warnings, "tariff pricing will be reverted, affecting billing calculations")
			impact.AffectedSystems = append(impact.AffectedSystems, "billing")
			impact.HasCriticalImpact = true
		}
		impact.MitigationSteps = []string{
			"review all active configurations after rollback",
			"recalculate any pending invoices",
			"notify affected tenants of changes",
		}

	case db.ServiceConfigurationAuditableType:
		sc, err := q.ServiceConfiguration(ctx, data.ModelID)
		if err != nil {
			return impact, err
		}
		if sc.MeterID != nil {
			now := s.now()
			recent, err := q.ReadingsForMeter(ctx, *sc.MeterID, now.Add(-recentReadingWindow), now)
			if err != nil {
				return impact, err
			}
			if len(recent) > 0 {
				impact.Warnings = append(impact.Warnings, fmt.Sprintf("configuration meter has %d reading(s) from the last 7 days", len(recent)))
				impact.AffectedSystems = append(impact.AffectedSystems, "meter readings")
			}
		}
		if changesTariff && !equalValues(data.RollbackValues["tariff_id"], data.CurrentValues["tariff_id"]) {
			impact.Warnings = append(impact.Warnings, "tariff assignment will be reverted, affecting billing calculations")
			impact.AffectedSystems = append(impact.AffectedSystems, "billing")
			impact.HasCriticalImpact = true
		}
		impact.MitigationSteps = []string{
			"verify meter readings after rollback",
			"recalculate affected invoices",
			"update tenant notifications",
		}
	}
	return impact, nil
}

func checkReason(reason string) error {
	verrs := apperr.ValidationErrors{}
	if strings.TrimSpace(reason) == "" {
		verrs.Add("reason", "is required")
	} else if len(reason) > maxReasonLength {
		verrs.Addf("reason", "must be at most %d characters", maxReasonLength)
	}
	return verrs.Err()
}

// PerformRollback re-applies the old values of an audit entry as the current
// state of its entity and appends a rollback entry referencing the original.
// The entity write is guarded by its version, so a concurrent change makes
// the rollback fail with a concurrency conflict instead of being lost.
func (s *RollbackService) PerformRollback(ctx context.Context, req RollbackRequest) RollbackResult {
	if err := checkReason(req.Reason); err != nil {
		return rollbackFailed("rollback validation failed", err)
	}
	logger := s.logger.With(zap.Int64("audit_log_id", req.AuditLogID))

	var (
		entry    db.AuditLog
		data     *RollbackData
		impact   Impact
		warnings []string
	)
	err := s.store.InTx(ctx, func(q store.Queries) error {
		var err error
		data, err = rollbackData(ctx, q, req.AuditLogID)
		if err != nil {
			return err
		}
		v, err := s.validate(ctx, q, data)
		if err != nil {
			return err
		}
		if !v.Valid {
			return apperr.New(apperr.CodeRollbackNotAllowed, strings.Join(v.Errors, "; "))
		}
		impact, warnings = v.Impact, v.Warnings

		rec := reconstructors[data.ModelType]
		if err := rec.restore(ctx, q, data.ModelID, data.RollbackValues, false); err != nil {
			return err
		}
		after, err := rec.load(ctx, q, data.ModelID)
		if err != nil {
			return err
		}

		entry = db.AuditLog{
			TenantID:      data.TenantID,
			AuditableType: data.ModelType,
			AuditableID:   data.ModelID,
			Event:         db.EventRollback,
			OldValues:     Subset(data.CurrentValues, data.RollbackValues),
			NewValues:     Subset(after, data.RollbackValues),
			UserID:        req.UserID,
			Metadata: map[string]any{
				"original_audit_id":  data.AuditLogID,
				"rollback_reason":    req.Reason,
				"rollback_timestamp": s.now().UTC().Format(time.RFC3339),
				"rollback_user_id":   req.UserID,
				"impact_analysis":    impact,
			},
		}
		return Record(ctx, q, &entry)
	})
	if err != nil {
		if apperr.HasCode(err, apperr.CodeRollbackNotAllowed) || apperr.IsNotFound(err) {
			logger.Warn("configuration rollback rejected", zap.Error(err))
		} else {
			logger.Error("configuration rollback failed", zap.Error(err))
		}
		return rollbackFailed("rollback failed", err)
	}

	logger.Info("configuration rollback performed",
		zap.Int64("rollback_audit_id", entry.ID),
		zap.String("model_type", entry.AuditableType),
		zap.Int64("model_id", entry.AuditableID),
	)

	event := RollbackEvent{
		RollbackAuditID: entry.ID,
		OriginalAuditID: data.AuditLogID,
		ModelType:       entry.AuditableType,
		ModelID:         entry.AuditableID,
		UserID:          req.UserID,
		Reason:          req.Reason,
		Fields:          sortedKeys(entry.NewValues),
	}
	if w := s.publish(ctx, mq.RoutingRollbackPerformed, entry.TenantID, event); w != "" {
		warnings = append(warnings, w)
	}
	if req.NotifyStakeholders {
		if w := s.publish(ctx, mq.RoutingRollbackNotify, entry.TenantID, event); w != "" {
			warnings = append(warnings, "stakeholders were not notified: "+w)
		}
	}

	return RollbackResult{
		Success:         true,
		Message:         "configuration successfully rolled back",
		RollbackAuditID: entry.ID,
		Values:          entry.NewValues,
		Warnings:        warnings,
	}
}

// RevertRollback undoes a rollback by restoring the state it replaced. The
// revert is audited as a separate rollback_reverted event; a rollback can be
// reverted once.
func (s *RollbackService) RevertRollback(ctx context.Context, rollbackAuditID int64, userID *int64, reason string) RollbackResult {
	if err := checkReason(reason); err != nil {
		return rollbackFailed("revert validation failed", err)
	}
	logger := s.logger.With(zap.Int64("rollback_audit_id", rollbackAuditID))

	var entry db.AuditLog
	err := s.store.InTx(ctx, func(q store.Queries) error {
		rollback, err := q.AuditLog(ctx, rollbackAuditID)
		if err != nil {
			return err
		}
		if rollback.Event != db.EventRollback {
			return apperr.Newf(apperr.CodeRollbackNotAllowed, "audit entry %d is not a rollback", rollbackAuditID)
		}
		if len(rollback.OldValues) == 0 {
			return apperr.Newf(apperr.CodeRollbackNotAllowed, "rollback %d recorded no previous values", rollbackAuditID)
		}

		history, err := q.AuditLogsForEntity(ctx, rollback.AuditableType, rollback.AuditableID)
		if err != nil {
			return err
		}
		for _, h := range history {
			if h.Event == db.EventRollbackReverted && metadataID(h.Metadata, "reverted_rollback_id") == rollbackAuditID {
				return apperr.Newf(apperr.CodeRollbackNotAllowed, "rollback %d was already reverted by audit entry %d", rollbackAuditID, h.ID)
			}
		}

		rec, ok := reconstructors[rollback.AuditableType]
		if !ok {
			return apperr.Newf(apperr.CodeRollbackNotAllowed, "rollback is not supported for %s", rollback.AuditableType)
		}
		before, err := rec.load(ctx, q, rollback.AuditableID)
		if err != nil {
			return err
		}
		if err := rec.restore(ctx, q, rollback.AuditableID, rollback.OldValues, false); err != nil {
			return err
		}
		after, err := rec.load(ctx, q, rollback.AuditableID)
		if err != nil {
			return err
		}

		entry = db.AuditLog{
			TenantID:      rollback.TenantID,
			AuditableType: rollback.AuditableType,
			AuditableID:   rollback.AuditableID,
			Event:         db.EventRollbackReverted,
			OldValues:     Subset(before, rollback.OldValues),
			NewValues:     Subset(after, rollback.OldValues),
			UserID:        userID,
			Metadata: map[string]any{
				"reverted_rollback_id": rollback.ID,
				"original_audit_id":    rollback.Metadata["original_audit_id"],
				"revert_reason":        reason,
			},
		}
		return Record(ctx, q, &entry)
	})
	if err != nil {
		logger.Warn("rollback revert failed", zap.Error(err))
		return rollbackFailed("revert failed", err)
	}

	logger.Info("rollback reverted", zap.Int64("revert_audit_id", entry.ID))

	var warnings []string
	event := RollbackEvent{
		RollbackAuditID: entry.ID,
		OriginalAuditID: rollbackAuditID,
		ModelType:       entry.AuditableType,
		ModelID:         entry.AuditableID,
		UserID:          userID,
		Reason:          reason,
		Fields:          sortedKeys(entry.NewValues),
	}
	if w := s.publish(ctx, mq.RoutingRollbackReverted, entry.TenantID, event); w != "" {
		warnings = append(warnings, w)
	}
	return RollbackResult{
		Success:         true,
		Message:         "rollback successfully reverted",
		RollbackAuditID: entry.ID,
		Values:          entry.NewValues,
		Warnings:        warnings,
	}
}

func (s *RollbackService) publish(ctx context.Context, routingKey string, tenantID int64, payload RollbackEvent) string {
	if s.events == nil {
		return ""
	}
	event := mq.NewEvent(routingKey, tenantID, payload)
	if err := s.events.Publish(ctx, routingKey, event); err != nil {
		s.logger.Warn("failed to publish rollback event",
			zap.String("routing_key", routingKey),
			zap.Int64("rollback_audit_id", payload.RollbackAuditID),
			zap.Error(err),
		)
		return fmt.Sprintf("%s event could not be published", routingKey)
	}
	return ""
}

func metadataID(metadata map[string]any, key string) int64 {
	id, _ := asInt64(metadata[key])
	return id
}

// OriginalChange identifies the change a rollback undid
type OriginalChange struct {
	ID        int64         `json:"id"`
	Event     db.AuditEvent `json:"event"`
	ChangedAt time.Time     `json:"changed_at"`
	ChangedBy *int64        `json:"changed_by,omitempty"`
}

// RollbackRecord is one entry of an entity's rollback history
type RollbackRecord struct {
	RollbackID       int64           `json:"rollback_id"`
	PerformedAt      time.Time       `json:"performed_at"`
	PerformedBy      *int64          `json:"performed_by,omitempty"`
	Reason           string          `json:"reason"`
	OriginalChange   *OriginalChange `json:"original_change,omitempty"`
	FieldsRolledBack []string        `json:"fields_rolled_back"`
	Reverted         bool            `json:"reverted"`
}

// RollbackHistory lists the rollbacks of one entity, newest first
func (s *RollbackService) RollbackHistory(ctx context.Context, modelType string, modelID int64) ([]RollbackRecord, error) {
	history, err := s.store.AuditLogsForEntity(ctx, modelType, modelID)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]db.AuditLog, len(history))
	reverted := map[int64]bool{}
	for _, h := range history {
		byID[h.ID] = h
		if h.Event == db.EventRollbackReverted {
			reverted[metadataID(h.Metadata, "reverted_rollback_id")] = true
		}
	}

	records := []RollbackRecord{}
	for i := len(history) - 1; i >= 0; i-- {
		h := history[i]
		if h.Event != db.EventRollback {
			continue
		}
		rec := RollbackRecord{
			RollbackID:       h.ID,
			PerformedAt:      h.CreatedAt,
			PerformedBy:      h.UserID,
			Reason:           "no reason provided",
			FieldsRolledBack: sortedKeys(h.NewValues),
			Reverted:         reverted[h.ID],
		}
		if reason, ok := h.Metadata["rollback_reason"].(string); ok && reason != "" {
			rec.Reason = reason
		}
		if original, ok := byID[metadataID(h.Metadata, "original_audit_id")]; ok {
			rec.OriginalChange = &OriginalChange{
				ID:        original.ID,
				Event:     original.Event,
				ChangedAt: original.CreatedAt,
				ChangedBy: original.UserID,
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// Candidate is a recent configuration change offered for rollback
type Candidate struct {
	AuditLogID    int64         `json:"audit_log_id"`
	ModelType     string        `json:"model_type"`
	ModelID       int64         `json:"model_id"`
	Event         db.AuditEvent `json:"event"`
	ChangedAt     time.Time     `json:"changed_at"`
	ChangedBy     *int64        `json:"changed_by,omitempty"`
	ChangedFields []string      `json:"changed_fields"`
	CanRollback   bool          `json:"can_rollback"`
}

// RollbackCandidates lists the tenant's configuration updates of the last 30
// days, newest first, each flagged with whether it can be rolled back.
func (s *RollbackService) RollbackCandidates(ctx context.Context, tenantID int64) ([]Candidate, error) {
	now := s.now()
	logs, err := s.store.AuditLogsForTenant(ctx, tenantID, now.Add(-candidateLookback), now)
	if err != nil {
		return nil, err
	}

	candidates := []Candidate{}
	for i := len(logs) - 1; i >= 0 && len(candidates) < candidateLimit; i-- {
		entry := logs[i]
		if !isConfigurationType(entry.AuditableType) || entry.Event != db.EventUpdated {
			continue
		}
		data, err := rollbackData(ctx, s.store, entry.ID)
		if err != nil {
			s.logger.Warn("failed to evaluate rollback candidate", zap.Int64("audit_log_id", entry.ID), zap.Error(err))
			continue
		}
		candidates = append(candidates, Candidate{
			AuditLogID:    entry.ID,
			ModelType:     entry.AuditableType,
			ModelID:       entry.AuditableID,
			Event:         entry.Event,
			ChangedAt:     entry.CreatedAt,
			ChangedBy:     entry.UserID,
			ChangedFields: data.ChangedFields,
			CanRollback:   data.CanRollback,
		})
	}
	return candidates, nil
}

// BulkItemError reports the failure of one audit entry in a bulk rollback
type BulkItemError struct {
	AuditLogID int64  `json:"audit_log_id"`
	Error      string `json:"error"`
}

// BulkResult reports partial success of a bulk rollback
type BulkResult struct {
	SuccessCount     int             `json:"success_count"`
	FailedCount      int             `json:"failed_count"`
	RollbackAuditIDs []int64         `json:"rollback_audit_ids"`
	Errors           []BulkItemError `json:"errors"`
}

// BulkRollbackRequest rolls back several audit entries with one reason
type BulkRollbackRequest struct {
	AuditLogIDs        []int64 `json:"audit_log_ids" validate:"required,min=1,max=100,dive,gt=0"`
	UserID             *int64  `json:"user_id,omitempty"`
	Reason             string  `json:"reason" validate:"required,max=1000"`
	NotifyStakeholders bool    `json:"notify_stakeholders"`
}

// BulkRollback performs each rollback on its own, in ascending id order, and
// reports every failure without stopping.
func (s *RollbackService) BulkRollback(ctx context.Context, req BulkRollbackRequest) (BulkResult, error) {
	verrs := apperr.ValidationErrors{}
	if len(req.AuditLogIDs) == 0 {
		verrs.Add("audit_log_ids", "is required")
	} else if len(req.AuditLogIDs) > MaxBulkRollback {
		verrs.Addf("audit_log_ids", "must contain at most %d items", MaxBulkRollback)
	}
	if err := checkReason(req.Reason); err != nil {
		reasonErrs, _ := apperr.AsValidation(err)
		verrs.Merge("", reasonErrs)
	}
	if err := verrs.Err(); err != nil {
		return BulkResult{}, err
	}

	ids := append([]int64(nil), req.AuditLogIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	result := BulkResult{RollbackAuditIDs: []int64{}, Errors: []BulkItemError{}}
	for _, id := range ids {
		outcome := s.PerformRollback(ctx, RollbackRequest{
			AuditLogID:         id,
			UserID:             req.UserID,
			Reason:             req.Reason,
			NotifyStakeholders: req.NotifyStakeholders,
		})
		if !outcome.Success {
			result.FailedCount++
			result.Errors = append(result.Errors, BulkItemError{AuditLogID: id, Error: strings.Join(outcome.Errors, "; ")})
			continue
		}
		result.SuccessCount++
		result.RollbackAuditIDs = append(result.RollbackAuditIDs, outcome.RollbackAuditID)
	}

	s.logger.Info("bulk rollback completed",
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failed_count", result.FailedCount),
	)
	return result, nil
}
