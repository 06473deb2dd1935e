package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/septivank/utility-billing/internal/db"
	"github.com/septivank/utility-billing/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrNoMeter is reported for a service configuration that has no meter bound
var ErrNoMeter = errors.New("service configuration has no meter")

// Period is an inclusive billing date range
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// UnitResult is the outcome for one service configuration of a run
type UnitResult struct {
	ServiceConfigurationID int64   `json:"service_configuration_id"`
	MeterID                *int64  `json:"meter_id,omitempty"`
	Result                 *Result `json:"result,omitempty"`
	Error                  string  `json:"error,omitempty"`
}

// RunSummary aggregates a tenant billing run. Totals are per currency and
// include only units that priced successfully.
type RunSummary struct {
	TenantID  int64                      `json:"tenant_id"`
	Period    Period                     `json:"period"`
	Units     []UnitResult               `json:"units"`
	Totals    map[string]decimal.Decimal `json:"totals"`
	Succeeded int                        `json:"succeeded"`
	Failed    int                        `json:"failed"`
}

// Run prices every active service configuration of a tenant
type Run struct {
	store      store.Queries
	calculator *Calculator
	logger     *zap.Logger
}

// NewRun creates a billing run
func NewRun(q store.Queries, calculator *Calculator, logger *zap.Logger) *Run {
	return &Run{store: q, calculator: calculator, logger: logger}
}

// Run bills tenantID for period. A failing unit is logged and excluded; only
// failures to list the tenant's configurations abort the run.
func (r *Run) Run(ctx context.Context, tenantID int64, period Period) (RunSummary, error) {
	configs, err := r.store.ActiveServiceConfigurations(ctx, tenantID)
	if err != nil {
		return RunSummary{}, fmt.Errorf("failed to list service configurations: %w", err)
	}

	summary := RunSummary{
		TenantID: tenantID,
		Period:   period,
		Units:    make([]UnitResult, 0, len(configs)),
		Totals:   map[string]decimal.Decimal{},
	}

	for _, sc := range configs {
		unit := UnitResult{ServiceConfigurationID: sc.ID, MeterID: sc.MeterID}

		result, err := r.bill(ctx, sc, period)
		if err != nil {
			fields := []zap.Field{
				zap.Int64("tenant_id", tenantID),
				zap.Int64("service_configuration_id", sc.ID),
				zap.Error(err),
			}
			if sc.MeterID != nil {
				fields = append(fields, zap.Int64("meter_id", *sc.MeterID))
			}
			r.logger.Warn("Skipping service configuration in billing run", fields...)

			unit.Error = err.Error()
			summary.Failed++
			summary.Units = append(summary.Units, unit)
			continue
		}

		unit.Result = &result
		summary.Succeeded++
		summary.Totals[result.Currency] = summary.Totals[result.Currency].Add(result.Cost)
		summary.Units = append(summary.Units, unit)
	}

	r.logger.Info("Billing run completed",
		zap.Int64("tenant_id", tenantID),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}

func (r *Run) bill(ctx context.Context, sc db.ServiceConfiguration, period Period) (Result, error) {
	if sc.MeterID == nil {
		return Result{}, &CalculationError{ServiceConfigurationID: sc.ID, Err: ErrNoMeter}
	}
	meter, err := r.store.Meter(ctx, *sc.MeterID)
	if err != nil {
		return Result{}, err
	}
	consumption, err := MeteredConsumption(ctx, r.store, *meter, period)
	if err != nil {
		return Result{}, err
	}
	return r.calculator.CalculateCost(ctx, consumption, sc, period.Start, period.End)
}

// MeteredConsumption derives the consumption of a meter over period from its
// stored readings. Each zone series is measured from the last reading before
// the period (or the first one inside it) to the last reading inside it.
func MeteredConsumption(ctx context.Context, q store.Queries, meter db.Meter, period Period) (Consumption, error) {
	readings, err := q.ReadingsForMeter(ctx, meter.ID, period.Start, period.End)
	if err != nil {
		return Consumption{}, fmt.Errorf("failed to load readings for meter %d: %w", meter.ID, err)
	}

	series := map[string][]db.MeterReading{}
	zones := map[string]*string{}
	for _, rd := range readings {
		key := rd.ZoneKey()
		series[key] = append(series[key], rd)
		zones[key] = rd.Zone
	}

	keys := make([]string, 0, len(series))
	for k := range series {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := Consumption{Total: decimal.Zero}
	if meter.SupportsZones {
		result.ByZone = map[string]decimal.Decimal{}
	}

	for _, key := range keys {
		rs := series[key]
		baseline := rs[0].Value
		prev, err := q.PreviousReading(ctx, meter.ID, zones[key], period.Start.Add(-time.Nanosecond), 0)
		if err != nil {
			return Consumption{}, fmt.Errorf("failed to load baseline reading for meter %d: %w", meter.ID, err)
		}
		if prev != nil {
			baseline = prev.Value
		}

		used := rs[len(rs)-1].Value.Sub(baseline)
		if used.IsNegative() {
			return Consumption{}, fmt.Errorf("meter %d zone %q: readings decrease over the period", meter.ID, key)
		}
		result.Total = result.Total.Add(used)
		if meter.SupportsZones {
			result.ByZone[key] = used
		}
	}
	return result, nil
}
