package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/septivank/utility-billing/internal/billing"
	"github.com/septivank/utility-billing/internal/db"
	"github.com/septivank/utility-billing/internal/store/memstore"
	"github.com/septivank/utility-billing/internal/tariff"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const tenantID = int64(1)

func date(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func zone(s string) *string { return &s }

func seedTariff(t *testing.T, s *memstore.Store, cfg tariff.Configuration) int64 {
	t.Helper()
	tr := &tariff.Tariff{TenantID: tenantID, ProviderID: 1, Name: "seed", Configuration: cfg, ActiveFrom: date("2025-01-01")}
	require.NoError(t, s.InsertTariff(context.Background(), tr))
	return tr.ID
}

func seedReading(s *memstore.Store, meterID int64, day string, value string, z *string) {
	s.AddReading(db.MeterReading{
		TenantID:         tenantID,
		MeterID:          meterID,
		ReadingDate:      date(day),
		Value:            d(value),
		Zone:             z,
		InputMethod:      db.InputManual,
		ValidationStatus: db.StatusValidated,
	})
}

func TestRun_PerMeterResultsAndFailures(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	flatID := seedTariff(t, s, tariff.Flat(d("0.15"), decimal.Zero))
	touID := seedTariff(t, s, dayNight(tariff.WeekendNightRate))

	plain := s.AddMeter(db.Meter{TenantID: tenantID, SerialNumber: "E-1", Type: "electricity"})
	seedReading(s, plain.ID, "2025-02-28", "1000", nil)
	seedReading(s, plain.ID, "2025-03-15", "1060", nil)
	seedReading(s, plain.ID, "2025-03-31", "1120", nil)
	s.AddReading(db.MeterReading{
		TenantID: tenantID, MeterID: plain.ID, ReadingDate: date("2025-03-20"),
		Value: d("5000"), ValidationStatus: db.StatusRejected,
	})

	zoned := s.AddMeter(db.Meter{TenantID: tenantID, SerialNumber: "E-2", Type: "electricity", SupportsZones: true})
	seedReading(s, zoned.ID, "2025-02-28", "500", zone("day"))
	seedReading(s, zoned.ID, "2025-03-31", "600", zone("day"))
	seedReading(s, zoned.ID, "2025-02-28", "200", zone("night"))
	seedReading(s, zoned.ID, "2025-03-31", "250", zone("night"))

	flat := s.AddServiceConfiguration(db.ServiceConfiguration{TenantID: tenantID, MeterID: &plain.ID, TariffID: &flatID, IsActive: true})
	tou := s.AddServiceConfiguration(db.ServiceConfiguration{TenantID: tenantID, MeterID: &zoned.ID, TariffID: &touID, IsActive: true})
	noMeter := s.AddServiceConfiguration(db.ServiceConfiguration{TenantID: tenantID, TariffID: &flatID, IsActive: true})
	noTariff := s.AddServiceConfiguration(db.ServiceConfiguration{TenantID: tenantID, MeterID: &plain.ID, IsActive: true})
	s.AddServiceConfiguration(db.ServiceConfiguration{TenantID: 2, MeterID: &plain.ID, TariffID: &flatID, IsActive: true})

	run := billing.NewRun(s, newCalculator(nil), zap.NewNop())
	summary, err := run.Run(ctx, tenantID, billing.Period{Start: marchStart, End: marchEnd})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 2, summary.Failed)
	require.Len(t, summary.Units, 4)

	byConfig := map[int64]billing.UnitResult{}
	for _, u := range summary.Units {
		byConfig[u.ServiceConfigurationID] = u
	}

	require.NotNil(t, byConfig[flat.ID].Result)
	assert.Equal(t, "120", byConfig[flat.ID].Result.Consumption.String())
	assert.Equal(t, "18.00", byConfig[flat.ID].Result.Cost.StringFixed(2))

	require.NotNil(t, byConfig[tou.ID].Result)
	assert.Equal(t, "25.00", byConfig[tou.ID].Result.Cost.StringFixed(2))

	assert.Nil(t, byConfig[noMeter.ID].Result)
	assert.Contains(t, byConfig[noMeter.ID].Error, "no meter")
	assert.Contains(t, byConfig[noTariff.ID].Error, "no tariff")

	assert.Equal(t, "43.00", summary.Totals["EUR"].StringFixed(2))
}

func TestMeteredConsumption_NoBaselineUsesFirstReadingInPeriod(t *testing.T) {
	s := memstore.New()
	meter := s.AddMeter(db.Meter{TenantID: tenantID, SerialNumber: "W-1", Type: "water"})
	seedReading(s, meter.ID, "2025-03-02", "10", nil)
	seedReading(s, meter.ID, "2025-03-30", "17.5", nil)

	got, err := billing.MeteredConsumption(context.Background(), s, meter, billing.Period{Start: marchStart, End: marchEnd})
	require.NoError(t, err)

	assert.Equal(t, "7.5", got.Total.String())
	assert.Nil(t, got.ByZone)
}
