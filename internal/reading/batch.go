package reading

import (
	"context"

	"github.com/septivank/utility-billing/internal/apperr"
	"github.com/septivank/utility-billing/internal/audit"
	"github.com/septivank/utility-billing/internal/db"
	"github.com/septivank/utility-billing/internal/store"
	"github.com/septivank/utility-billing/internal/validator"
	"go.uber.org/zap"
)

// MaxBatchSize bounds the number of readings in one status change
const MaxBatchSize = 100

// ItemError reports the failure of one id in a batch
type ItemError struct {
	ID    int64  `json:"id"`
	Error string `json:"error"`
}

// BatchResult reports partial success of a batch status change
type BatchResult struct {
	Updated      []int64     `json:"updated"`
	SuccessCount int         `json:"success_count"`
	FailedCount  int         `json:"failed_count"`
	Errors       []ItemError `json:"errors"`
}

// BatchUpdateStatus moves each reading to status in its own transaction, so
// one failing id does not undo the others.
func (c *Collector) BatchUpdateStatus(ctx context.Context, ids []int64, status db.ValidationStatus, userID *int64) (BatchResult, error) {
	verrs := apperr.ValidationErrors{}
	if len(ids) == 0 {
		verrs.Add("reading_ids", "is required")
	} else if len(ids) > MaxBatchSize {
		verrs.Addf("reading_ids", "must contain at most %d items", MaxBatchSize)
	}
	if !status.Valid() {
		verrs.Add("new_status", "is invalid")
	}
	if err := verrs.Err(); err != nil {
		return BatchResult{}, err
	}

	result := BatchResult{Updated: []int64{}, Errors: []ItemError{}}
	for _, id := range ids {
		err := c.store.InTx(ctx, func(q store.Queries) error {
			current, err := q.Reading(ctx, id)
			if err != nil {
				return err
			}
			if current.ValidationStatus == status {
				return nil
			}
			if current.ValidationStatus == db.StatusRejected {
				if err := c.checkRestore(ctx, q, current); err != nil {
					return err
				}
			}

			var validatedBy *int64
			if status == db.StatusValidated {
				validatedBy = userID
			}
			if err := q.UpdateReadingStatus(ctx, id, status, validatedBy); err != nil {
				return err
			}

			next := *current
			next.ValidationStatus = status
			entry, ok := audit.Updated(current.TenantID, db.MeterReadingAuditableType, id, current.AuditValues(), next.AuditValues(), userID)
			if !ok {
				return nil
			}
			entry.Metadata = map[string]any{"batch": true}
			return audit.Record(ctx, q, &entry)
		})
		if err != nil {
			c.logger.Warn("batch status update failed for reading",
				zap.Int64("reading_id", id),
				zap.String("new_status", string(status)),
				zap.Error(err),
			)
			result.FailedCount++
			result.Errors = append(result.Errors, ItemError{ID: id, Error: err.Error()})
			continue
		}
		result.SuccessCount++
		result.Updated = append(result.Updated, id)
	}

	c.logger.Info("batch status update completed",
		zap.String("new_status", string(status)),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failed_count", result.FailedCount),
	)
	return result, nil
}

// checkRestore makes sure a rejected reading can rejoin its series. Rejected
// readings are invisible to monotonicity checks, so restoring one must not
// place an out-of-order value between its neighbours.
func (c *Collector) checkRestore(ctx context.Context, q store.Queries, r *db.MeterReading) error {
	if _, err := q.LockMeter(ctx, r.MeterID); err != nil {
		return err
	}
	n, err := neighbours(ctx, q, r.MeterID, r.Zone, r.ReadingDate, r.ID)
	if err != nil {
		return err
	}
	result := validator.ValidationResult{Value: r.Value, Errors: apperr.ValidationErrors{}}
	c.validator.ValidateMonotonicity(r.Value, n, &result)
	if !result.IsValid() {
		return violation(result)
	}
	return nil
}
