// Package reading collects meter readings from every input channel, validates
// them against the stored series and records them with an audit trail.
package reading

import (
	"context"
	"errors"
	"time"

	"github.com/septivank/utility-billing/internal/anomaly"
	"github.com/septivank/utility-billing/internal/apperr"
	"github.com/septivank/utility-billing/internal/audit"
	"github.com/septivank/utility-billing/internal/db"
	"github.com/septivank/utility-billing/internal/mq"
	"github.com/septivank/utility-billing/internal/store"
	"github.com/septivank/utility-billing/internal/validator"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	maxNotesLength = 1000
	historyWindow  = 10
)

// Input is a reading submission
type Input struct {
	MeterID       int64                      `json:"meter_id"`
	ReadingDate   time.Time                  `json:"reading_date"`
	Value         *decimal.Decimal           `json:"value,omitempty"`
	Zone          *string                    `json:"zone,omitempty"`
	ReadingValues map[string]decimal.Decimal `json:"reading_values,omitempty"`
	InputMethod   db.InputMethod             `json:"input_method"`
	EnteredBy     *int64                     `json:"entered_by,omitempty"`
	GPSLocation   *db.GeoPoint               `json:"gps_location,omitempty"`
	PhotoPath     *string                    `json:"photo_path,omitempty"`
	Notes         *string                    `json:"notes,omitempty"`
}

// Outcome is the structured result of a create or update. Err carries the
// typed cause of a failure for callers that map it to a status code.
type Outcome struct {
	Success  bool                    `json:"success"`
	Reading  *db.MeterReading        `json:"reading,omitempty"`
	Errors   apperr.ValidationErrors `json:"errors,omitempty"`
	Warnings []string                `json:"warnings,omitempty"`
	Err      error                   `json:"-"`
}

func failed(err error) Outcome {
	out := Outcome{Errors: apperr.ValidationErrors{}, Err: err}
	if verrs, ok := apperr.AsValidation(err); ok {
		out.Errors = verrs
		return out
	}
	var de *apperr.DomainError
	if errors.As(err, &de) && de.Field != "" {
		out.Errors.Add(de.Field, de.Message)
		return out
	}
	out.Errors.Add("reading", err.Error())
	return out
}

// Collector creates and updates meter readings
type Collector struct {
	store     store.Store
	validator *validator.Validator
	detector  *anomaly.Detector
	events    mq.EventPublisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewCollector creates a collector
func NewCollector(s store.Store, v *validator.Validator, detector *anomaly.Detector, events mq.EventPublisher, logger *zap.Logger) *Collector {
	return &Collector{
		store:     s,
		validator: v,
		detector:  detector,
		events:    events,
		logger:    logger,
		now:       time.Now,
	}
}

// ReadingCreatedEvent is published after a reading is stored
type ReadingCreatedEvent struct {
	ReadingID        int64               `json:"reading_id"`
	MeterID          int64               `json:"meter_id"`
	ReadingDate      string              `json:"reading_date"`
	Value            decimal.Decimal     `json:"value"`
	Zone             *string             `json:"zone,omitempty"`
	InputMethod      db.InputMethod      `json:"input_method"`
	ValidationStatus db.ValidationStatus `json:"validation_status"`
}

func checkInput(in Input) apperr.ValidationErrors {
	verrs := apperr.ValidationErrors{}
	if in.MeterID <= 0 {
		verrs.Add("meter_id", "is required")
	}
	if in.ReadingDate.IsZero() {
		verrs.Add("reading_date", "is required")
	}
	if in.InputMethod != "" && !in.InputMethod.Valid() {
		verrs.Add("input_method", "is invalid")
	}
	if in.Notes != nil && len(*in.Notes) > maxNotesLength {
		verrs.Addf("notes", "must be at most %d characters", maxNotesLength)
	}
	if g := in.GPSLocation; g != nil {
		if g.Lat < -90 || g.Lat > 90 {
			verrs.Add("gps_location.lat", "must be between -90 and 90")
		}
		if g.Lng < -180 || g.Lng > 180 {
			verrs.Add("gps_location.lng", "must be between -180 and 180")
		}
	}
	return verrs
}

// initialStatus derives the starting review state from the input method
func initialStatus(method db.InputMethod) db.ValidationStatus {
	switch method {
	case db.InputManual:
		return db.StatusValidated
	case db.InputEstimated:
		return db.StatusRequiresReview
	default:
		return db.StatusPending
	}
}

// CreateReading validates and stores a new reading. Nothing is written unless
// every check passes; the meter row stays locked from the neighbour lookup to
// the insert so concurrent submissions for a meter are serialized.
func (c *Collector) CreateReading(ctx context.Context, in Input) Outcome {
	if in.InputMethod == "" {
		in.InputMethod = db.InputManual
	}
	if verrs := checkInput(in); !verrs.Empty() {
		return failed(verrs)
	}

	logger := c.logger.With(zap.Int64("meter_id", in.MeterID))

	meter, err := c.store.Meter(ctx, in.MeterID)
	if err != nil {
		if apperr.IsNotFound(err) {
			return failed(apperr.Newf(apperr.CodeNotFound, "meter %d not found", in.MeterID).OnField("meter_id"))
		}
		logger.Error("failed to load meter", zap.Error(err))
		return failed(err)
	}

	candidate := validator.Candidate{
		ReadingDate:   in.ReadingDate,
		Value:         in.Value,
		Zone:          validator.NormalizeZone(in.Zone),
		ReadingValues: in.ReadingValues,
	}
	shape := c.validator.ValidateShape(*meter, candidate)
	if !shape.IsValid() {
		// report series problems alongside the shape errors; nothing is
		// written, so the lookup does not need the meter lock
		if shape.ValueUsable() {
			n, err := neighbours(ctx, c.store, meter.ID, candidate.Zone, in.ReadingDate, 0)
			if err != nil {
				logger.Error("failed to load neighbouring readings", zap.Error(err))
				return failed(err)
			}
			c.validator.ValidateMonotonicity(shape.Value, n, &shape)
		}
		return failed(violation(shape))
	}

	reading := &db.MeterReading{
		TenantID:         meter.TenantID,
		MeterID:          meter.ID,
		ReadingDate:      in.ReadingDate,
		Value:            shape.Value,
		Zone:             candidate.Zone,
		ReadingValues:    in.ReadingValues,
		InputMethod:      in.InputMethod,
		ValidationStatus: initialStatus(in.InputMethod),
		EnteredBy:        in.EnteredBy,
		GPSLocation:      in.GPSLocation,
		PhotoPath:        in.PhotoPath,
		Notes:            in.Notes,
	}
	if reading.ValidationStatus == db.StatusValidated {
		reading.ValidatedBy = in.EnteredBy
	}

	var warnings []string
	err = c.store.InTx(ctx, func(q store.Queries) error {
		if _, err := q.LockMeter(ctx, meter.ID); err != nil {
			return err
		}

		n, err := neighbours(ctx, q, meter.ID, candidate.Zone, in.ReadingDate, 0)
		if err != nil {
			return err
		}
		result := validator.ValidationResult{Value: shape.Value, Errors: apperr.ValidationErrors{}}
		c.validator.ValidateMonotonicity(shape.Value, n, &result)
		if !result.IsValid() {
			return violation(result)
		}

		if warning := c.checkSpike(ctx, q, reading, n.Previous, logger); warning != "" {
			warnings = append(warnings, warning)
		}

		if err := q.InsertReading(ctx, reading); err != nil {
			return err
		}
		entry := audit.Created(reading.TenantID, db.MeterReadingAuditableType, reading.ID, reading.AuditValues(), in.EnteredBy)
		return audit.Record(ctx, q, &entry)
	})
	if err != nil {
		if _, ok := apperr.AsValidation(err); !ok {
			logger.Error("failed to create reading", zap.Error(err))
		}
		return failed(err)
	}

	logger.Info("reading created",
		zap.Int64("reading_id", reading.ID),
		zap.String("input_method", string(reading.InputMethod)),
		zap.String("validation_status", string(reading.ValidationStatus)),
	)

	if warning := c.publishCreated(ctx, reading); warning != "" {
		warnings = append(warnings, warning)
	}

	return Outcome{Success: true, Reading: reading, Errors: apperr.ValidationErrors{}, Warnings: warnings}
}

// UpdateInput changes an existing reading. Nil fields keep their stored value.
type UpdateInput struct {
	ReadingDate   *time.Time                 `json:"reading_date,omitempty"`
	Value         *decimal.Decimal           `json:"value,omitempty"`
	Zone          *string                    `json:"zone,omitempty"`
	ReadingValues map[string]decimal.Decimal `json:"reading_values,omitempty"`
	Notes         *string                    `json:"notes,omitempty"`
	UserID        *int64                     `json:"user_id,omitempty"`
}

// UpdateReading applies a change after checking it against both the previous
// and the next reading of the series.
func (c *Collector) UpdateReading(ctx context.Context, id int64, in UpdateInput) Outcome {
	if in.Notes != nil && len(*in.Notes) > maxNotesLength {
		verrs := apperr.ValidationErrors{}
		verrs.Addf("notes", "must be at most %d characters", maxNotesLength)
		return failed(verrs)
	}

	logger := c.logger.With(zap.Int64("reading_id", id))

	var updated db.MeterReading
	err := c.store.InTx(ctx, func(q store.Queries) error {
		current, err := q.Reading(ctx, id)
		if err != nil {
			return err
		}
		meter, err := q.LockMeter(ctx, current.MeterID)
		if err != nil {
			return err
		}

		next := *current
		if in.ReadingDate != nil {
			next.ReadingDate = *in.ReadingDate
		}
		if in.Zone != nil {
			next.Zone = validator.NormalizeZone(in.Zone)
		}
		if in.Notes != nil {
			next.Notes = in.Notes
		}
		candidate := validator.Candidate{
			ID:            id,
			ReadingDate:   next.ReadingDate,
			Value:         &current.Value,
			Zone:          next.Zone,
			ReadingValues: current.ReadingValues,
		}
		if in.Value != nil {
			candidate.Value = in.Value
		}
		if in.ReadingValues != nil {
			candidate.ReadingValues = in.ReadingValues
		}

		n, err := neighbours(ctx, q, meter.ID, next.Zone, next.ReadingDate, id)
		if err != nil {
			return err
		}
		result := c.validator.ValidateReading(*meter, candidate, n)
		if !result.IsValid() {
			return violation(result)
		}

		next.Value = result.Value
		next.ReadingValues = candidate.ReadingValues
		if err := q.UpdateReading(ctx, &next); err != nil {
			return err
		}

		if entry, ok := audit.Updated(next.TenantID, db.MeterReadingAuditableType, id, current.AuditValues(), next.AuditValues(), in.UserID); ok {
			if err := audit.Record(ctx, q, &entry); err != nil {
				return err
			}
		}
		updated = next
		return nil
	})
	if err != nil {
		if _, ok := apperr.AsValidation(err); !ok && !apperr.IsNotFound(err) {
			logger.Error("failed to update reading", zap.Error(err))
		}
		return failed(err)
	}

	logger.Info("reading updated", zap.Int64("meter_id", updated.MeterID))
	return Outcome{Success: true, Reading: &updated, Errors: apperr.ValidationErrors{}}
}

func neighbours(ctx context.Context, q store.Queries, meterID int64, zone *string, at time.Time, excludeID int64) (validator.Neighbours, error) {
	prev, err := q.PreviousReading(ctx, meterID, zone, at, excludeID)
	if err != nil {
		return validator.Neighbours{}, err
	}
	next, err := q.NextReading(ctx, meterID, zone, at, excludeID)
	if err != nil {
		return validator.Neighbours{}, err
	}
	return validator.Neighbours{Previous: prev, Next: next}, nil
}

// validationFailure keeps both the field map and the typed violations
type validationFailure struct {
	apperr.ValidationErrors
	violations []*apperr.DomainError
}

func (f validationFailure) Unwrap() []error {
	errs := []error{f.ValidationErrors}
	for _, v := range f.violations {
		errs = append(errs, v)
	}
	return errs
}

func violation(result validator.ValidationResult) error {
	if len(result.Violations) == 0 {
		return result.Errors
	}
	return validationFailure{ValidationErrors: result.Errors, violations: result.Violations}
}

// checkSpike flags a reading whose consumption since the previous reading is
// far above recent consumption. It only downgrades the status to review.
func (c *Collector) checkSpike(ctx context.Context, q store.Queries, r *db.MeterReading, prev *db.MeterReading, logger *zap.Logger) string {
	if c.detector == nil || prev == nil || r.ValidationStatus == db.StatusRequiresReview {
		return ""
	}

	recent, err := q.RecentValidatedReadings(ctx, r.MeterID, r.Zone, historyWindow+1)
	if err != nil {
		logger.Warn("failed to get historical readings for anomaly detection", zap.Error(err))
		return ""
	}

	consumption, _ := r.Value.Sub(prev.Value).Float64()
	anomalous, reason := c.detector.DetectAnomaly(consumption, Consumptions(recent))
	if !anomalous {
		return ""
	}

	logger.Debug("anomaly detected", zap.Float64("consumption", consumption), zap.String("reason", reason))
	r.ValidationStatus = db.StatusRequiresReview
	r.ValidatedBy = nil
	r.AnomalyReason = &reason
	return "reading flagged for review: " + reason
}

// Consumptions turns readings ordered newest first into the non-zero
// differences between consecutive readings.
func Consumptions(newestFirst []db.MeterReading) []float64 {
	diffs := consumptionDiffs(newestFirst)
	out := make([]float64, len(diffs))
	for i, d := range diffs {
		out[i], _ = d.Float64()
	}
	return out
}

func consumptionDiffs(newestFirst []db.MeterReading) []decimal.Decimal {
	var out []decimal.Decimal
	for i := 0; i+1 < len(newestFirst); i++ {
		if diff := newestFirst[i].Value.Sub(newestFirst[i+1].Value); diff.IsPositive() {
			out = append(out, diff)
		}
	}
	return out
}

func (c *Collector) publishCreated(ctx context.Context, r *db.MeterReading) string {
	if c.events == nil {
		return ""
	}
	event := mq.NewEvent(mq.RoutingReadingCreated, r.TenantID, ReadingCreatedEvent{
		ReadingID:        r.ID,
		MeterID:          r.MeterID,
		ReadingDate:      r.ReadingDate.Format(time.DateOnly),
		Value:            r.Value,
		Zone:             r.Zone,
		InputMethod:      r.InputMethod,
		ValidationStatus: r.ValidationStatus,
	})
	if err := c.events.Publish(ctx, mq.RoutingReadingCreated, event); err != nil {
		c.logger.Error("failed to publish event",
			zap.Error(err),
			zap.Int64("reading_id", r.ID),
			zap.String("event_id", event.ID),
		)
		return "reading stored but the created event could not be published"
	}
	return ""
}
