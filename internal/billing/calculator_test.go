package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/septivank/utility-billing/internal/billing"
	"github.com/septivank/utility-billing/internal/cache"
	"github.com/septivank/utility-billing/internal/db"
	"github.com/septivank/utility-billing/internal/tariff"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	marchStart = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	marchEnd   = time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func limit(s string) decimal.NullDecimal { return decimal.NewNullDecimal(d(s)) }

func consumption(s string) billing.Consumption { return billing.Consumption{Total: d(s)} }

func newCalculator(c cache.Cache) *billing.Calculator {
	return billing.NewCalculator(c, billing.Options{
		MaxConsumption: d("999999.99"),
		CacheTTL:       time.Hour,
	}, zap.NewNop())
}

func withTariff(cfg tariff.Configuration) db.ServiceConfiguration {
	return db.ServiceConfiguration{
		ID:     10,
		Tariff: &tariff.Tariff{Name: "test", Configuration: cfg},
	}
}

func dayNight(logic tariff.WeekendLogic) tariff.Configuration {
	return tariff.Configuration{
		Currency: "EUR",
		Pricing: tariff.TimeOfUse{
			WeekendLogic: logic,
			Zones: []tariff.Zone{
				{ID: "day", Start: 7 * 60, End: 23 * 60, Rate: d("0.20")},
				{ID: "night", Start: 23 * 60, End: 7 * 60, Rate: d("0.10")},
			},
		},
	}
}

func tiered() tariff.Configuration {
	return tariff.Configuration{
		Currency: "EUR",
		Pricing: tariff.Tiered{Tiers: []tariff.Tier{
			{Limit: limit("100"), Rate: d("0.10")},
			{Limit: limit("300"), Rate: d("0.15")},
			{Rate: d("0.20")},
		}},
	}
}

func TestCalculateCost_Flat(t *testing.T) {
	calc := newCalculator(nil)

	t.Run("rate times consumption", func(t *testing.T) {
		result, err := calc.CalculateCost(context.Background(), consumption("120"),
			withTariff(tariff.Flat(d("0.15"), decimal.Zero)), marchStart, marchEnd)
		require.NoError(t, err)

		assert.Equal(t, "18.00", result.Cost.StringFixed(2))
		assert.Equal(t, tariff.TypeFlat, result.TariffType)
		assert.Equal(t, "EUR", result.Currency)
		require.Len(t, result.Lines, 1)
	})

	t.Run("fixed fee charged once", func(t *testing.T) {
		result, err := calc.CalculateCost(context.Background(), consumption("120"),
			withTariff(tariff.Flat(d("0.15"), d("5"))), marchStart, marchEnd)
		require.NoError(t, err)

		assert.Equal(t, "23.00", result.Cost.StringFixed(2))
	})

	t.Run("rounds half up at the end", func(t *testing.T) {
		result, err := calc.CalculateCost(context.Background(), consumption("1"),
			withTariff(tariff.Flat(d("0.125"), decimal.Zero)), marchStart, marchEnd)
		require.NoError(t, err)

		assert.Equal(t, "0.13", result.Cost.StringFixed(2))
	})

	t.Run("prices consumption below metering precision", func(t *testing.T) {
		result, err := calc.CalculateCost(context.Background(), consumption("0.0004"),
			withTariff(tariff.Flat(d("1000"), decimal.Zero)), marchStart, marchEnd)
		require.NoError(t, err)

		assert.Equal(t, "0.40", result.Cost.StringFixed(2))
		assert.True(t, result.Consumption.Equal(d("0.0004")))
	})

	t.Run("cost equals consumption times rate plus fee", func(t *testing.T) {
		for _, q := range []string{"0.0001", "12.3456789", "999.9999"} {
			result, err := calc.CalculateCost(context.Background(), consumption(q),
				withTariff(tariff.Flat(d("0.237"), d("3.5"))), marchStart, marchEnd)
			require.NoError(t, err)

			want := d(q).Mul(d("0.237")).Add(d("3.5")).Round(2)
			assert.True(t, want.Equal(result.Cost), "consumption %s: want %s, got %s", q, want, result.Cost)
		}
	})
}

func TestCalculateCost_SeasonalAdjustments(t *testing.T) {
	calc := newCalculator(nil)
	cfg := tariff.Flat(d("0.20"), d("5"))
	cfg.Seasonal = &tariff.SeasonalAdjustments{
		SummerMultiplier: limit("0.9"),
		WinterMultiplier: limit("1.25"),
	}
	july := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		start, end  time.Time
		cost        string
		adjustment  string
		description string
	}{
		{"winter", marchStart, marchEnd, "30.00", "5.00", "winter rate adjustment"},
		{"summer", july, july.AddDate(0, 1, -1), "23.00", "-2.00", "summer rate adjustment"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := calc.CalculateCost(context.Background(), consumption("100"), withTariff(cfg), tt.start, tt.end)
			require.NoError(t, err)

			assert.Equal(t, tt.cost, result.Cost.StringFixed(2))
			require.Len(t, result.Adjustments, 1)
			adj := result.Adjustments[0]
			assert.Equal(t, billing.AdjustmentSeasonal, adj.Type)
			assert.Equal(t, tt.description, adj.Description)
			assert.Equal(t, tt.adjustment, adj.Amount.StringFixed(2))
		})
	}

	t.Run("season without multiplier is unchanged", func(t *testing.T) {
		cfg := tariff.Flat(d("0.20"), decimal.Zero)
		cfg.Seasonal = &tariff.SeasonalAdjustments{WinterMultiplier: limit("2")}

		result, err := calc.CalculateCost(context.Background(), consumption("100"), withTariff(cfg), july, july.AddDate(0, 0, 30))
		require.NoError(t, err)

		assert.Equal(t, "20.00", result.Cost.StringFixed(2))
		assert.Empty(t, result.Adjustments)
	})
}

func TestCalculateCost_Tiered(t *testing.T) {
	calc := newCalculator(nil)

	tests := []struct {
		consumption string
		cost        string
		lines       int
	}{
		{"0", "0.00", 0},
		{"50", "5.00", 1},
		{"100", "10.00", 1},
		{"350", "50.00", 3},
	}

	for _, tt := range tests {
		t.Run(tt.consumption, func(t *testing.T) {
			result, err := calc.CalculateCost(context.Background(), consumption(tt.consumption),
				withTariff(tiered()), marchStart, marchEnd)
			require.NoError(t, err)

			assert.Equal(t, tt.cost, result.Cost.StringFixed(2))
			assert.Len(t, result.Lines, tt.lines)
		})
	}
}

func TestCalculateCost_NonDecreasingInConsumption(t *testing.T) {
	calc := newCalculator(nil)
	configs := map[string]tariff.Configuration{
		"flat":   tariff.Flat(d("0.15"), d("2")),
		"tiered": tiered(),
		"tou":    dayNight(tariff.WeekendNightRate),
	}

	for name, cfg := range configs {
		t.Run(name, func(t *testing.T) {
			previous := decimal.Zero
			for q := int64(0); q <= 1000; q += 7 {
				result, err := calc.CalculateCost(context.Background(),
					billing.Consumption{Total: decimal.NewFromInt(q)}, withTariff(cfg), marchStart, marchEnd)
				require.NoError(t, err)
				assert.False(t, result.Cost.LessThan(previous), "cost dropped at consumption %d", q)
				previous = result.Cost
			}
		})
	}
}

func TestCalculateCost_Deterministic(t *testing.T) {
	calc := newCalculator(nil)
	sc := withTariff(dayNight(tariff.WeekendNightRate))

	first, err := calc.CalculateCost(context.Background(), consumption("731.5"), sc, marchStart, marchEnd)
	require.NoError(t, err)
	second, err := calc.CalculateCost(context.Background(), consumption("731.5"), sc, marchStart, marchEnd)
	require.NoError(t, err)

	assert.True(t, first.Cost.Equal(second.Cost))
	assert.Equal(t, len(first.Lines), len(second.Lines))
}

func TestCalculateCost_TimeOfUse(t *testing.T) {
	calc := newCalculator(nil)
	monday := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	friday := time.Date(2025, 3, 7, 0, 0, 0, 0, time.UTC)
	sunday := time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC)

	t.Run("explicit zone quantities", func(t *testing.T) {
		result, err := calc.CalculateCost(context.Background(), billing.Consumption{
			ByZone: map[string]decimal.Decimal{"day": d("100"), "night": d("50")},
		}, withTariff(dayNight(tariff.WeekendNightRate)), monday, sunday)
		require.NoError(t, err)

		assert.Equal(t, "25.00", result.Cost.StringFixed(2))
		assert.Equal(t, "150", result.Consumption.String())
	})

	t.Run("unknown zone", func(t *testing.T) {
		_, err := calc.CalculateCost(context.Background(), billing.Consumption{
			ByZone: map[string]decimal.Decimal{"peak": d("1")},
		}, withTariff(dayNight(tariff.WeekendNightRate)), monday, sunday)
		assert.ErrorIs(t, err, billing.ErrUnknownZone)
	})

	t.Run("weekdays apportioned by zone duration", func(t *testing.T) {
		result, err := calc.CalculateCost(context.Background(), consumption("240"),
			withTariff(dayNight(tariff.WeekendNightRate)), monday, friday)
		require.NoError(t, err)

		require.Len(t, result.Lines, 2)
		assert.Equal(t, "160", result.Lines[0].Quantity.String())
		assert.Equal(t, "80", result.Lines[1].Quantity.String())
		assert.Equal(t, "40.00", result.Cost.StringFixed(2))
	})

	t.Run("weekend days priced at night rate", func(t *testing.T) {
		result, err := calc.CalculateCost(context.Background(), consumption("700"),
			withTariff(dayNight(tariff.WeekendNightRate)), monday, sunday)
		require.NoError(t, err)

		require.Len(t, result.Lines, 3)
		assert.Equal(t, "night (weekend)", result.Lines[0].Label)
		assert.Equal(t, "200", result.Lines[0].Quantity.String())
		assert.Equal(t, "103.33", result.Cost.StringFixed(2))

		sum := decimal.Zero
		for _, l := range result.Lines {
			sum = sum.Add(l.Quantity)
		}
		assert.True(t, sum.Equal(d("700")), "quantities sum to %s", sum)
	})

	t.Run("dedicated weekend zone", func(t *testing.T) {
		cfg := dayNight(tariff.WeekendOwnRate)
		tou := cfg.Pricing.(tariff.TimeOfUse)
		tou.Zones = append(tou.Zones, tariff.Zone{ID: "weekend", Start: 0, End: 0, Rate: d("0.05")})
		cfg.Pricing = tou

		result, err := calc.CalculateCost(context.Background(), consumption("700"), withTariff(cfg), monday, sunday)
		require.NoError(t, err)

		assert.Equal(t, "weekend (weekend)", result.Lines[0].Label)
		// 200 x 0.05 + 333.333 x 0.20 + 166.667 x 0.10
		assert.Equal(t, "93.33", result.Cost.StringFixed(2))
	})
}

func TestCalculateCost_Errors(t *testing.T) {
	calc := newCalculator(nil)

	tests := []struct {
		name   string
		sc     db.ServiceConfiguration
		amount string
		want   error
	}{
		{"missing tariff", db.ServiceConfiguration{ID: 3}, "1", billing.ErrMissingTariff},
		{"missing pricing", withTariff(tariff.Configuration{Currency: "EUR"}), "1", billing.ErrMissingPricing},
		{"empty tiers", withTariff(tariff.Configuration{Pricing: tariff.Tiered{}}), "1", billing.ErrMissingPricing},
		{"negative consumption", withTariff(tiered()), "-1", billing.ErrInvalidConsumption},
		{"consumption above maximum", withTariff(tiered()), "1000000", billing.ErrInvalidConsumption},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := calc.CalculateCost(context.Background(), consumption(tt.amount), tt.sc, marchStart, marchEnd)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var calcErr *billing.CalculationError
			require.True(t, errors.As(err, &calcErr))
			assert.Equal(t, tt.sc.ID, calcErr.ServiceConfigurationID)
		})
	}

	t.Run("period end before start", func(t *testing.T) {
		_, err := calc.CalculateCost(context.Background(), consumption("1"), withTariff(tiered()), marchEnd, marchStart)
		assert.ErrorIs(t, err, billing.ErrInvalidPeriod)
	})
}

func TestCalculateCost_Memoized(t *testing.T) {
	mem := cache.NewMemory()
	calc := newCalculator(mem)
	sc := withTariff(tariff.Flat(d("0.15"), decimal.Zero))
	sc.Tariff.ID = 4
	sc.Tariff.Version = 1

	_, err := calc.CalculateCost(context.Background(), consumption("120"), sc, marchStart, marchEnd)
	require.NoError(t, err)
	cached, err := calc.CalculateCost(context.Background(), consumption("120"), sc, marchStart, marchEnd)
	require.NoError(t, err)

	assert.Equal(t, 1, mem.Len())
	assert.Equal(t, "18.00", cached.Cost.StringFixed(2))
	assert.NotEmpty(t, cached.TariffSnapshot)

	sc.Tariff.Version = 2
	sc.Tariff.Configuration = tariff.Flat(d("0.20"), decimal.Zero)
	repriced, err := calc.CalculateCost(context.Background(), consumption("120"), sc, marchStart, marchEnd)
	require.NoError(t, err)

	assert.Equal(t, 2, mem.Len())
	assert.Equal(t, "24.00", repriced.Cost.StringFixed(2))
}
