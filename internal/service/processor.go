package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/utility-billing/internal/apperr"
	"github.com/septivank/utility-billing/internal/cache"
	"github.com/septivank/utility-billing/internal/db"
	"github.com/septivank/utility-billing/internal/logging"
	"github.com/septivank/utility-billing/internal/mq"
	"github.com/septivank/utility-billing/internal/reading"
	"github.com/septivank/utility-billing/internal/validator"
	"github.com/septivank/utility-billing/tools/timeparser"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultIdempotencyTTL is how long a processed reading is remembered
const DefaultIdempotencyTTL = 24 * time.Hour

// Submission is the body of a reading.submitted message
type Submission struct {
	RequestID  string             `json:"request_id"`
	TenantID   int64              `json:"tenant_id" validate:"required,gt=0"`
	Source     string             `json:"source"`
	ReceivedAt time.Time          `json:"received_at"`
	Readings   []SubmittedReading `json:"readings" validate:"required,min=1,max=500,dive"`
}

// SubmittedReading is one meter reading of a submission
type SubmittedReading struct {
	MeterID       int64                      `json:"meter_id" validate:"required,gt=0"`
	ReadingDate   string                     `json:"reading_date" validate:"required"`
	Value         *decimal.Decimal           `json:"value,omitempty"`
	Zone          *string                    `json:"zone,omitempty"`
	ReadingValues map[string]decimal.Decimal `json:"reading_values,omitempty"`
	InputMethod   db.InputMethod             `json:"input_method,omitempty" validate:"omitempty,oneof=manual photo_ocr csv_import api_integration estimated"`
	EnteredBy     *int64                     `json:"entered_by,omitempty"`
	Notes         *string                    `json:"notes,omitempty"`
}

// ProcessorService stores submitted readings through the collector
type ProcessorService struct {
	collector *reading.Collector
	requests  *validator.RequestValidator
	cache     cache.Cache
	ttl       time.Duration
	logger    *zap.Logger
}

// NewProcessorService creates a new processor service. Without a cache,
// redelivered messages are not deduplicated.
func NewProcessorService(collector *reading.Collector, requests *validator.RequestValidator, c cache.Cache, ttl time.Duration, logger *zap.Logger) *ProcessorService {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &ProcessorService{
		collector: collector,
		requests:  requests,
		cache:     c,
		ttl:       ttl,
		logger:    logger,
	}
}

// ProcessMessage handles one reading.submitted message. Every reading is
// stored on its own. Rejected readings send the message to the DLQ; readings
// that failed for transient reasons make it retryable. Readings stored
// earlier are skipped when the message comes back.
func (s *ProcessorService) ProcessMessage(ctx context.Context, msg mq.Message) error {
	var sub Submission
	if err := json.Unmarshal(msg.Body, &sub); err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if sub.RequestID == "" {
		sub.RequestID = msg.ID
	}
	if sub.RequestID == "" {
		sub.RequestID = uuid.NewString()
	}

	reqLogger := logging.WithTenantID(logging.WithRequestID(s.logger, sub.RequestID), sub.TenantID)
	if verrs := s.requests.Struct(sub); !verrs.Empty() {
		reqLogger.Warn("rejecting invalid submission", zap.Strings("errors", verrs.Messages()))
		return fmt.Errorf("invalid submission: %w", verrs)
	}
	reqLogger.Info("processing submission",
		zap.String("source", sub.Source),
		zap.Int("readings_count", len(sub.Readings)),
	)

	var stored, skipped, rejected, transient int
	for i, sr := range sub.Readings {
		logger := reqLogger.With(zap.Int("index", i), zap.Int64("meter_id", sr.MeterID))
		key := cache.Key("ingest", sub.RequestID, i)

		claimed, err := s.claim(ctx, key, logger)
		if err != nil {
			transient++
			continue
		}
		if !claimed {
			logger.Info("reading already processed, skipping")
			skipped++
			continue
		}

		err = s.store(ctx, sub, sr)
		if err == nil {
			stored++
			continue
		}
		s.release(ctx, key, logger)
		if retryable(err) {
			logger.Warn("reading failed, will retry", zap.Error(err))
			transient++
		} else {
			logger.Warn("reading rejected", zap.Error(err))
			rejected++
		}
	}

	reqLogger.Info("submission processed",
		zap.Int("stored", stored),
		zap.Int("skipped", skipped),
		zap.Int("rejected", rejected),
		zap.Int("transient_failures", transient),
	)

	switch {
	case transient > 0:
		return mq.Retryable(fmt.Errorf("%d of %d readings failed transiently", transient, len(sub.Readings)))
	case rejected > 0:
		return fmt.Errorf("%d of %d readings were rejected", rejected, len(sub.Readings))
	}
	return nil
}

func (s *ProcessorService) store(ctx context.Context, sub Submission, sr SubmittedReading) error {
	date, err := timeparser.ParseReadingDate(sr.ReadingDate)
	if err != nil {
		return apperr.New(apperr.CodeInvalidInput, err.Error()).OnField("reading_date")
	}
	method := sr.InputMethod
	if method == "" {
		method = db.InputAPIIntegration
	}

	outcome := s.collector.CreateReading(ctx, reading.Input{
		MeterID:       sr.MeterID,
		ReadingDate:   date,
		Value:         sr.Value,
		Zone:          sr.Zone,
		ReadingValues: sr.ReadingValues,
		InputMethod:   method,
		EnteredBy:     sr.EnteredBy,
		Notes:         sr.Notes,
	})
	if outcome.Success {
		return nil
	}
	if outcome.Err != nil {
		return outcome.Err
	}
	return outcome.Errors
}

// retryable separates infrastructure failures and version conflicts from
// readings the domain refused
func retryable(err error) bool {
	if errors.Is(err, apperr.ErrConcurrencyConflict) {
		return true
	}
	if _, ok := apperr.AsValidation(err); ok {
		return false
	}
	return apperr.CodeOf(err) == ""
}

func (s *ProcessorService) claim(ctx context.Context, key string, logger *zap.Logger) (bool, error) {
	if s.cache == nil {
		return true, nil
	}
	claimed, err := s.cache.SetNX(ctx, key, []byte(time.Now().UTC().Format(time.RFC3339)), s.ttl)
	if err != nil {
		logger.Error("failed to claim idempotency key", zap.String("key", key), zap.Error(err))
		return false, err
	}
	return claimed, nil
}

func (s *ProcessorService) release(ctx context.Context, key string, logger *zap.Logger) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, key); err != nil {
		logger.Warn("failed to release idempotency key", zap.String("key", key), zap.Error(err))
	}
}
