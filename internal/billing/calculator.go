package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/septivank/utility-billing/internal/cache"
	"github.com/septivank/utility-billing/internal/db"
	"github.com/septivank/utility-billing/internal/tariff"
	"github.com/septivank/utility-billing/tools/timeparser"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	moneyPrecision       = 2
	consumptionPrecision = 3
)

// Calculation failures. Wrapped in *CalculationError.
var (
	ErrMissingTariff      = errors.New("service configuration has no tariff")
	ErrUnknownTariffType  = errors.New("unrecognized tariff type")
	ErrMissingPricing     = errors.New("tariff configuration is missing required fields")
	ErrInvalidConsumption = errors.New("consumption is out of range")
	ErrInvalidPeriod      = errors.New("billing period end is before its start")
	ErrUnknownZone        = errors.New("consumption references a zone the tariff does not define")
)

// CalculationError is returned for any failure to price one service configuration
type CalculationError struct {
	ServiceConfigurationID int64
	Err                    error
}

func (e *CalculationError) Error() string {
	return fmt.Sprintf("failed to calculate cost for service configuration %d: %v", e.ServiceConfigurationID, e.Err)
}

func (e *CalculationError) Unwrap() error {
	return e.Err
}

// Consumption is the quantity to price. ByZone optionally carries metered
// per-zone quantities for time-of-use tariffs.
type Consumption struct {
	Total  decimal.Decimal            `json:"total"`
	ByZone map[string]decimal.Decimal `json:"by_zone,omitempty"`
}

// Line is one priced component of a result
type Line struct {
	Label    string          `json:"label"`
	Quantity decimal.Decimal `json:"quantity"`
	Rate     decimal.Decimal `json:"rate"`
	Amount   decimal.Decimal `json:"amount"`
}

// Adjustment is a change applied to the consumption charges after pricing
type Adjustment struct {
	Type        string          `json:"type"`
	Description string          `json:"description"`
	Multiplier  decimal.Decimal `json:"multiplier"`
	Amount      decimal.Decimal `json:"amount"`
}

// AdjustmentSeasonal is the type of a seasonal rate adjustment
const AdjustmentSeasonal = "seasonal_adjustment"

// Result is the priced outcome for one service configuration and period
type Result struct {
	ServiceConfigurationID int64           `json:"service_configuration_id"`
	TariffID               int64           `json:"tariff_id"`
	TariffVersion          int             `json:"tariff_version"`
	TariffType             tariff.Type     `json:"tariff_type"`
	Currency               string          `json:"currency"`
	Consumption            decimal.Decimal `json:"consumption"`
	Lines                  []Line          `json:"lines"`
	Adjustments            []Adjustment    `json:"adjustments"`
	FixedFee               decimal.Decimal `json:"fixed_fee"`
	Cost                   decimal.Decimal `json:"cost"`
	PeriodStart            time.Time       `json:"period_start"`
	PeriodEnd              time.Time       `json:"period_end"`
	TariffSnapshot         json.RawMessage `json:"tariff_snapshot,omitempty"`
}

// Options tunes the calculator
type Options struct {
	MaxConsumption decimal.Decimal
	CacheTTL       time.Duration
}

// Calculator prices consumption against a service configuration's tariff
type Calculator struct {
	cache  cache.Cache
	opts   Options
	logger *zap.Logger
}

// NewCalculator creates a calculator. c may be nil to disable memoization.
func NewCalculator(c cache.Cache, opts Options, logger *zap.Logger) *Calculator {
	return &Calculator{cache: c, opts: opts, logger: logger}
}

// CalculateCost prices consumption for [periodStart, periodEnd]. The fixed fee
// is charged once for the period; seasonal multipliers follow the month the
// period starts in and never scale the fixed fee.
func (c *Calculator) CalculateCost(ctx context.Context, consumption Consumption, sc db.ServiceConfiguration, periodStart, periodEnd time.Time) (Result, error) {
	fail := func(err error) (Result, error) {
		return Result{}, &CalculationError{ServiceConfigurationID: sc.ID, Err: err}
	}

	if sc.Tariff == nil {
		return fail(ErrMissingTariff)
	}
	if periodEnd.Before(periodStart) {
		return fail(ErrInvalidPeriod)
	}
	if err := c.checkConsumption(consumption); err != nil {
		return fail(err)
	}

	compute := func(ctx context.Context) (Result, error) {
		priced, err := Price(sc.Tariff.Configuration, consumption, periodStart, periodEnd)
		if err != nil {
			return Result{}, err
		}
		priced.ServiceConfigurationID = sc.ID
		priced.TariffID = sc.Tariff.ID
		priced.TariffVersion = sc.Tariff.Version
		if snapshot, err := json.Marshal(sc.Tariff.AuditValues()); err == nil {
			priced.TariffSnapshot = snapshot
		}
		return priced, nil
	}

	var (
		result Result
		err    error
	)
	if sc.Tariff.ID == 0 {
		result, err = compute(ctx)
	} else {
		result, err = cache.Remember(ctx, c.cache, c.logger, cacheKey(sc, consumption, periodStart, periodEnd), c.opts.CacheTTL, compute)
	}
	if err != nil {
		return fail(err)
	}
	return result, nil
}

func (c *Calculator) checkConsumption(consumption Consumption) error {
	check := func(q decimal.Decimal) error {
		if q.IsNegative() {
			return fmt.Errorf("%w: %s is negative", ErrInvalidConsumption, q.String())
		}
		if !c.opts.MaxConsumption.IsZero() && q.GreaterThan(c.opts.MaxConsumption) {
			return fmt.Errorf("%w: %s exceeds %s", ErrInvalidConsumption, q.String(), c.opts.MaxConsumption.String())
		}
		return nil
	}
	if err := check(consumption.Total); err != nil {
		return err
	}
	for _, q := range consumption.ByZone {
		if err := check(q); err != nil {
			return err
		}
	}
	return nil
}

func cacheKey(sc db.ServiceConfiguration, consumption Consumption, start, end time.Time) string {
	zones := make([]string, 0, len(consumption.ByZone))
	for id, q := range consumption.ByZone {
		zones = append(zones, id+"="+q.String())
	}
	sort.Strings(zones)
	return cache.Key("billing:cost", sc.ID, sc.Tariff.ID, sc.Tariff.Version,
		consumption.Total.String(), strings.Join(zones, ","),
		start.Format(time.DateOnly), end.Format(time.DateOnly))
}

// Price computes the cost of consumption under cfg without any caching
func Price(cfg tariff.Configuration, consumption Consumption, periodStart, periodEnd time.Time) (Result, error) {
	total := consumption.Total
	result := Result{
		TariffType:  cfg.Type(),
		Currency:    cfg.Currency,
		FixedFee:    cfg.FixedFee,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
	}

	var (
		lines []Line
		err   error
	)
	switch p := cfg.Pricing.(type) {
	case tariff.FlatRate:
		lines = []Line{line("flat", total, p.Rate)}
	case tariff.TimeOfUse:
		lines, total, err = priceTimeOfUse(p, consumption, total, periodStart, periodEnd)
	case tariff.Tiered:
		lines, err = priceTiered(p, total)
	case nil:
		err = ErrMissingPricing
	default:
		err = fmt.Errorf("%w: %T", ErrUnknownTariffType, p)
	}
	if err != nil {
		return Result{}, err
	}

	energy := decimal.Zero
	for i := range lines {
		energy = energy.Add(lines[i].Amount)
		lines[i].Quantity = lines[i].Quantity.Round(consumptionPrecision)
		lines[i].Amount = lines[i].Amount.Round(moneyPrecision)
	}

	result.Adjustments = []Adjustment{}
	if m, season, ok := cfg.Seasonal.Multiplier(periodStart); ok && !m.Equal(decimal.NewFromInt(1)) {
		adjusted := energy.Mul(m)
		result.Adjustments = append(result.Adjustments, Adjustment{
			Type:        AdjustmentSeasonal,
			Description: fmt.Sprintf("%s rate adjustment", season),
			Multiplier:  m,
			Amount:      adjusted.Sub(energy).Round(moneyPrecision),
		})
		energy = adjusted
	}

	result.Consumption = total
	result.Lines = lines
	result.Cost = energy.Add(cfg.FixedFee).Round(moneyPrecision)
	return result, nil
}

func line(label string, qty, rate decimal.Decimal) Line {
	return Line{Label: label, Quantity: qty, Rate: rate, Amount: qty.Mul(rate)}
}

// priceTiered walks ascending cumulative limits; the last tier absorbs the rest
func priceTiered(p tariff.Tiered, total decimal.Decimal) ([]Line, error) {
	if len(p.Tiers) == 0 {
		return nil, ErrMissingPricing
	}

	var lines []Line
	remaining := total
	lower := decimal.Zero
	for i, t := range p.Tiers {
		if !remaining.IsPositive() {
			break
		}
		qty := remaining
		last := i == len(p.Tiers)-1
		label := fmt.Sprintf("tier %d (%s+)", i+1, lower.String())
		if !last && t.Limit.Valid {
			band := t.Limit.Decimal.Sub(lower)
			qty = decimal.Min(remaining, band)
			label = fmt.Sprintf("tier %d (%s-%s)", i+1, lower.String(), t.Limit.Decimal.String())
			lower = t.Limit.Decimal
		}
		lines = append(lines, line(label, qty, t.Rate))
		remaining = remaining.Sub(qty)
	}
	return lines, nil
}

// priceTimeOfUse prices metered zone quantities when given, otherwise
// apportions the total across zones by duration, with weekend days priced by
// the weekend logic.
func priceTimeOfUse(p tariff.TimeOfUse, consumption Consumption, total decimal.Decimal, start, end time.Time) ([]Line, decimal.Decimal, error) {
	if len(p.Zones) == 0 {
		return nil, total, ErrMissingPricing
	}

	if len(consumption.ByZone) > 0 {
		ids := make([]string, 0, len(consumption.ByZone))
		for id := range consumption.ByZone {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		var lines []Line
		sum := decimal.Zero
		for _, id := range ids {
			z, ok := p.ZoneByID(id)
			if !ok {
				return nil, total, fmt.Errorf("%w: %q", ErrUnknownZone, id)
			}
			qty := consumption.ByZone[id]
			lines = append(lines, line(id, qty, z.Rate))
			sum = sum.Add(qty)
		}
		return lines, sum, nil
	}

	var lines []Line
	weekdayQty := total

	if weekendZone, ok := p.WeekendZone(); ok {
		days, weekendDays := timeparser.CountDays(start, end)
		if weekendDays > 0 {
			weekendQty := total.Mul(decimal.NewFromInt(int64(weekendDays))).
				Div(decimal.NewFromInt(int64(days))).Round(consumptionPrecision)
			weekdayQty = total.Sub(weekendQty)
			lines = append(lines, line(weekendZone.ID+" (weekend)", weekendQty, weekendZone.Rate))
		}
	}

	if !weekdayQty.IsPositive() {
		return lines, total, nil
	}

	zones := p.WeekdayZones()
	if len(zones) == 0 {
		return nil, total, ErrMissingPricing
	}
	weights := p.DurationWeights()
	allocated := decimal.Zero
	for i, z := range zones {
		qty := weekdayQty.Sub(allocated)
		if i < len(zones)-1 {
			qty = weekdayQty.Mul(weights[z.ID]).Round(consumptionPrecision)
		}
		allocated = allocated.Add(qty)
		lines = append(lines, line(z.ID, qty, z.Rate))
	}
	return lines, total, nil
}
