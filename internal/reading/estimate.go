package reading

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/septivank/utility-billing/internal/apperr"
	"github.com/septivank/utility-billing/internal/db"
	"github.com/septivank/utility-billing/tools/timeparser"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	minEstimationReadings = 3
	estimationHistory     = 12
	estimationNote        = "Automatically estimated based on historical consumption patterns"
)

// EstimateInput requests an estimated reading. Zone is required for zoned meters.
type EstimateInput struct {
	MeterID     int64     `json:"meter_id"`
	ReadingDate time.Time `json:"reading_date"`
	Zone        *string   `json:"zone,omitempty"`
	EnteredBy   *int64    `json:"entered_by,omitempty"`
}

// CreateEstimatedReading stores the last validated value plus the average
// consumption of up to twelve validated readings from the preceding year. The
// reading always starts in review.
func (c *Collector) CreateEstimatedReading(ctx context.Context, in EstimateInput) Outcome {
	meter, err := c.store.Meter(ctx, in.MeterID)
	if err != nil {
		if apperr.IsNotFound(err) {
			return failed(apperr.Newf(apperr.CodeNotFound, "meter %d not found", in.MeterID).OnField("meter_id"))
		}
		return failed(err)
	}

	value, err := c.estimate(ctx, *meter, in.Zone, in.ReadingDate)
	if err != nil {
		c.logger.Warn("estimated reading creation failed",
			zap.Int64("meter_id", in.MeterID),
			zap.String("reading_date", in.ReadingDate.Format(time.DateOnly)),
			zap.Error(err),
		)
		return failed(err)
	}

	notes := estimationNote
	create := Input{
		MeterID:     meter.ID,
		ReadingDate: in.ReadingDate,
		Zone:        in.Zone,
		InputMethod: db.InputEstimated,
		EnteredBy:   in.EnteredBy,
		Notes:       &notes,
	}
	if meter.ReadingStructure.IsMultiValue() {
		create.ReadingValues = splitEvenly(value, meter.ReadingStructure.Fields)
	} else {
		create.Value = &value
	}

	outcome := c.CreateReading(ctx, create)
	if outcome.Success {
		c.logger.Info("estimated reading created",
			zap.Int64("reading_id", outcome.Reading.ID),
			zap.Int64("meter_id", meter.ID),
			zap.String("estimated_value", value.String()),
		)
	}
	return outcome
}

func (c *Collector) estimate(ctx context.Context, meter db.Meter, zone *string, date time.Time) (decimal.Decimal, error) {
	recent, err := c.store.RecentValidatedReadings(ctx, meter.ID, zone, estimationHistory*2)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load historical readings: %w", err)
	}

	cutoff := date.AddDate(-1, 0, 0)
	history := make([]db.MeterReading, 0, estimationHistory)
	for _, r := range recent {
		if r.ReadingDate.After(date) || r.ReadingDate.Before(cutoff) {
			continue
		}
		history = append(history, r)
		if len(history) == estimationHistory {
			break
		}
	}

	if len(history) < minEstimationReadings {
		verrs := apperr.ValidationErrors{}
		verrs.Add("meter_id", "insufficient historical data for estimation")
		return decimal.Zero, verrs
	}

	diffs := consumptionDiffs(history)
	if len(diffs) == 0 {
		verrs := apperr.ValidationErrors{}
		verrs.Add("meter_id", "no consumption data available for estimation")
		return decimal.Zero, verrs
	}

	average := decimal.Avg(diffs[0], diffs[1:]...)
	return history[0].Value.Add(average).Round(3), nil
}

// splitEvenly divides total across fields; the last field takes the rounding remainder
func splitEvenly(total decimal.Decimal, fields []db.ReadingField) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(fields))
	share := total.Div(decimal.NewFromInt(int64(len(fields)))).Round(3)
	allocated := decimal.Zero
	for i, f := range fields {
		v := share
		if i == len(fields)-1 {
			v = total.Sub(allocated)
		}
		out[f.Name] = v
		allocated = allocated.Add(v)
	}
	return out
}

// CollectionResult summarizes an automated collection run
type CollectionResult struct {
	SuccessCount int      `json:"success_count"`
	FailureCount int      `json:"failure_count"`
	Errors       []string `json:"errors"`
	Warnings     []string `json:"warnings"`
}

// CollectOptions tunes CollectReadingsForPeriod
type CollectOptions struct {
	RegenerateExisting bool
	EnteredBy          *int64
}

// CollectReadingsForPeriod estimates a reading at the end of the period for
// every tenant meter bound to an active service configuration. Meters that
// already have a reading in the period are skipped with a warning.
func (c *Collector) CollectReadingsForPeriod(ctx context.Context, tenantID int64, start, end time.Time, opts CollectOptions) CollectionResult {
	result := CollectionResult{Errors: []string{}, Warnings: []string{}}
	logger := c.logger.With(zap.Int64("tenant_id", tenantID))

	meters, err := c.billableMeters(ctx, tenantID)
	if err != nil {
		logger.Error("reading collection process failed", zap.Error(err))
		result.Errors = append(result.Errors, "reading collection process failed: "+err.Error())
		return result
	}

	readingDate := timeparser.StartOfDay(end)
	if today := timeparser.StartOfDay(c.now()); readingDate.After(today) {
		readingDate = today
	}

	for _, meter := range meters {
		existing, err := c.store.ReadingsForMeter(ctx, meter.ID, start, end)
		if err != nil {
			result.FailureCount++
			result.Errors = append(result.Errors, fmt.Sprintf("failed to collect reading for meter %d: %v", meter.ID, err))
			continue
		}
		if len(existing) > 0 && !opts.RegenerateExisting {
			result.Warnings = append(result.Warnings, fmt.Sprintf("reading already exists for meter %d in period %s to %s",
				meter.ID, start.Format(time.DateOnly), end.Format(time.DateOnly)))
			continue
		}

		zones, err := c.meterZones(ctx, meter, end)
		if err != nil {
			result.FailureCount++
			result.Errors = append(result.Errors, fmt.Sprintf("failed to collect reading for meter %d: %v", meter.ID, err))
			continue
		}

		var meterErrors []string
		for _, zone := range zones {
			outcome := c.CreateEstimatedReading(ctx, EstimateInput{
				MeterID:     meter.ID,
				ReadingDate: readingDate,
				Zone:        zone,
				EnteredBy:   opts.EnteredBy,
			})
			if !outcome.Success {
				for _, msg := range outcome.Errors.Messages() {
					meterErrors = append(meterErrors, fmt.Sprintf("meter %d: %s", meter.ID, msg))
				}
			}
		}
		if len(meterErrors) > 0 {
			logger.Warn("reading collection failed for meter", zap.Int64("meter_id", meter.ID), zap.Strings("errors", meterErrors))
			result.FailureCount++
			result.Errors = append(result.Errors, meterErrors...)
			continue
		}
		result.SuccessCount++
	}

	logger.Info("reading collection completed",
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Int("total_meters", len(meters)),
	)
	return result
}

func (c *Collector) billableMeters(ctx context.Context, tenantID int64) ([]db.Meter, error) {
	configs, err := c.store.ActiveServiceConfigurations(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	bound := map[int64]bool{}
	for _, sc := range configs {
		if sc.MeterID != nil {
			bound[*sc.MeterID] = true
		}
	}

	meters, err := c.store.MetersForTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]db.Meter, 0, len(meters))
	for _, m := range meters {
		if bound[m.ID] {
			out = append(out, m)
		}
	}
	return out, nil
}

// meterZones lists the zone series to estimate: nil for plain meters, every
// zone seen so far for zoned meters.
func (c *Collector) meterZones(ctx context.Context, meter db.Meter, until time.Time) ([]*string, error) {
	if !meter.SupportsZones {
		return []*string{nil}, nil
	}
	readings, err := c.store.ReadingsForMeter(ctx, meter.ID, time.Time{}, until)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var names []string
	for _, r := range readings {
		if r.Zone != nil && !seen[*r.Zone] {
			seen[*r.Zone] = true
			names = append(names, *r.Zone)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("meter %d has no zoned readings to estimate from", meter.ID)
	}
	sort.Strings(names)
	zones := make([]*string, len(names))
	for i := range names {
		zones[i] = &names[i]
	}
	return zones, nil
}
