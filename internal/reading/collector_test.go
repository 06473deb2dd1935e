package reading

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/septivank/utility-billing/internal/anomaly"
	"github.com/septivank/utility-billing/internal/apperr"
	"github.com/septivank/utility-billing/internal/db"
	"github.com/septivank/utility-billing/internal/mq"
	"github.com/septivank/utility-billing/internal/store/memstore"
	"github.com/septivank/utility-billing/internal/validator"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	keys   []string
	events []mq.Event
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, routingKey string, event mq.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, routingKey)
	p.events = append(p.events, event)
	return nil
}

type fixture struct {
	store     *memstore.Store
	events    *recordingPublisher
	collector *Collector
	meter     db.Meter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memstore.New()
	s.SetClock(func() time.Time { return testNow })
	events := &recordingPublisher{}
	v := validator.NewValidator(5).WithClock(func() time.Time { return testNow })
	c := NewCollector(s, v, anomaly.NewDetector(3.0, 3), events, zap.NewNop())
	c.now = func() time.Time { return testNow }

	meter := s.AddMeter(db.Meter{TenantID: 1, SerialNumber: "E-100", Type: "electricity"})
	return &fixture{store: s, events: events, collector: c, meter: meter}
}

func date(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func userID(id int64) *int64 { return &id }

func (f *fixture) seed(meterID int64, day, value string, status db.ValidationStatus) db.MeterReading {
	return f.store.AddReading(db.MeterReading{
		TenantID:         1,
		MeterID:          meterID,
		ReadingDate:      date(day),
		Value:            decimal.RequireFromString(value),
		InputMethod:      db.InputManual,
		ValidationStatus: status,
	})
}

func TestCreateReading_Manual(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outcome := f.collector.CreateReading(ctx, Input{
		MeterID:     f.meter.ID,
		ReadingDate: date("2025-03-09"),
		Value:       dec("1250.5"),
		EnteredBy:   userID(7),
	})

	require.True(t, outcome.Success, "errors: %v", outcome.Errors)
	assert.NotZero(t, outcome.Reading.ID)
	assert.Equal(t, db.StatusValidated, outcome.Reading.ValidationStatus)
	assert.Equal(t, int64(7), *outcome.Reading.ValidatedBy)
	assert.Equal(t, 1, f.store.AuditCount())

	logs, err := f.store.AuditLogsForEntity(ctx, db.MeterReadingAuditableType, outcome.Reading.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, db.EventCreated, logs[0].Event)
	assert.Equal(t, "1250.5", logs[0].NewValues["value"])

	require.Len(t, f.events.keys, 1)
	assert.Equal(t, mq.RoutingReadingCreated, f.events.keys[0])
	assert.NotEmpty(t, f.events.events[0].ID)
}

func TestCreateReading_InitialStatusByInputMethod(t *testing.T) {
	tests := []struct {
		method db.InputMethod
		want   db.ValidationStatus
	}{
		{db.InputManual, db.StatusValidated},
		{db.InputPhotoOCR, db.StatusPending},
		{db.InputAPIIntegration, db.StatusPending},
		{db.InputCSVImport, db.StatusPending},
		{db.InputEstimated, db.StatusRequiresReview},
	}

	for _, tt := range tests {
		t.Run(string(tt.method), func(t *testing.T) {
			f := newFixture(t)
			outcome := f.collector.CreateReading(context.Background(), Input{
				MeterID:     f.meter.ID,
				ReadingDate: date("2025-03-09"),
				Value:       dec("10"),
				InputMethod: tt.method,
			})
			require.True(t, outcome.Success, "errors: %v", outcome.Errors)
			assert.Equal(t, tt.want, outcome.Reading.ValidationStatus)
		})
	}
}

func TestCreateReading_RequiredFields(t *testing.T) {
	f := newFixture(t)

	outcome := f.collector.CreateReading(context.Background(), Input{Value: dec("1")})

	assert.False(t, outcome.Success)
	assert.True(t, outcome.Errors.Has("meter_id"))
	assert.True(t, outcome.Errors.Has("reading_date"))
	assert.Equal(t, 0, f.store.AuditCount())
}

func TestCreateReading_MeterNotFound(t *testing.T) {
	f := newFixture(t)

	outcome := f.collector.CreateReading(context.Background(), Input{
		MeterID:     999,
		ReadingDate: date("2025-03-09"),
		Value:       dec("1"),
	})

	assert.False(t, outcome.Success)
	assert.True(t, apperr.IsNotFound(outcome.Err))
	assert.True(t, outcome.Errors.Has("meter_id"))
}

func TestCreateReading_RejectsDecreasingValue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(f.meter.ID, "2025-03-01", "1000", db.StatusValidated)

	outcome := f.collector.CreateReading(ctx, Input{
		MeterID:     f.meter.ID,
		ReadingDate: date("2025-03-05"),
		Value:       dec("990"),
	})

	assert.False(t, outcome.Success)
	assert.True(t, outcome.Errors.Has("value"))
	assert.True(t, apperr.HasCode(outcome.Err, apperr.CodeMonotonicity))
	assert.Equal(t, 0, f.store.AuditCount())

	readings, err := f.store.ReadingsForMeter(ctx, f.meter.ID, date("2025-01-01"), date("2025-12-31"))
	require.NoError(t, err)
	assert.Len(t, readings, 1)
	assert.Empty(t, f.events.keys)
}

func TestCreateReading_ReportsMonotonicityWithShapeErrors(t *testing.T) {
	f := newFixture(t)
	f.seed(f.meter.ID, "2025-03-01", "1000", db.StatusValidated)

	outcome := f.collector.CreateReading(context.Background(), Input{
		MeterID:     f.meter.ID,
		ReadingDate: date("2025-04-01"),
		Value:       dec("900"),
	})

	assert.False(t, outcome.Success)
	assert.Equal(t, []string{"must not be in the future"}, outcome.Errors["reading_date"])
	require.True(t, outcome.Errors.Has("value"))
	assert.Contains(t, outcome.Errors["value"][0], "previous reading")
	assert.True(t, apperr.HasCode(outcome.Err, apperr.CodeMonotonicity))
	assert.Equal(t, 0, f.store.AuditCount())
}

func TestCreateReading_IgnoresRejectedNeighbours(t *testing.T) {
	f := newFixture(t)
	f.seed(f.meter.ID, "2025-03-01", "1000", db.StatusValidated)
	f.seed(f.meter.ID, "2025-03-03", "50000", db.StatusRejected)

	outcome := f.collector.CreateReading(context.Background(), Input{
		MeterID:     f.meter.ID,
		ReadingDate: date("2025-03-05"),
		Value:       dec("1010"),
	})

	assert.True(t, outcome.Success, "errors: %v", outcome.Errors)
}

func TestCreateReading_ZoneMismatch(t *testing.T) {
	f := newFixture(t)
	zoned := f.store.AddMeter(db.Meter{TenantID: 1, SerialNumber: "E-200", Type: "electricity", SupportsZones: true})

	outcome := f.collector.CreateReading(context.Background(), Input{
		MeterID:     zoned.ID,
		ReadingDate: date("2025-03-05"),
		Value:       dec("10"),
	})

	assert.False(t, outcome.Success)
	assert.True(t, outcome.Errors.Has("zone"))
	assert.True(t, apperr.HasCode(outcome.Err, apperr.CodeZoneMismatch))
}

func TestCreateReading_ZonesAreSeparateSeries(t *testing.T) {
	f := newFixture(t)
	zoned := f.store.AddMeter(db.Meter{TenantID: 1, SerialNumber: "E-200", Type: "electricity", SupportsZones: true})
	day, night := "day", "night"
	f.store.AddReading(db.MeterReading{TenantID: 1, MeterID: zoned.ID, ReadingDate: date("2025-03-01"), Value: decimal.NewFromInt(900), Zone: &day, ValidationStatus: db.StatusValidated})

	outcome := f.collector.CreateReading(context.Background(), Input{
		MeterID:     zoned.ID,
		ReadingDate: date("2025-03-05"),
		Value:       dec("100"),
		Zone:        &night,
	})

	assert.True(t, outcome.Success, "errors: %v", outcome.Errors)
}

func TestCreateReading_SpikeRequiresReview(t *testing.T) {
	f := newFixture(t)
	f.seed(f.meter.ID, "2025-02-01", "100", db.StatusValidated)
	f.seed(f.meter.ID, "2025-02-08", "110", db.StatusValidated)
	f.seed(f.meter.ID, "2025-02-15", "120", db.StatusValidated)
	f.seed(f.meter.ID, "2025-02-22", "130", db.StatusValidated)

	outcome := f.collector.CreateReading(context.Background(), Input{
		MeterID:     f.meter.ID,
		ReadingDate: date("2025-03-01"),
		Value:       dec("200"),
		EnteredBy:   userID(3),
	})

	require.True(t, outcome.Success, "errors: %v", outcome.Errors)
	assert.Equal(t, db.StatusRequiresReview, outcome.Reading.ValidationStatus)
	assert.Nil(t, outcome.Reading.ValidatedBy)
	require.NotNil(t, outcome.Reading.AnomalyReason)
	assert.Contains(t, *outcome.Reading.AnomalyReason, "sudden spike")
	assert.NotEmpty(t, outcome.Warnings)
}

func TestCreateReading_PublishFailureIsAWarning(t *testing.T) {
	f := newFixture(t)
	f.events.err = errors.New("broker unavailable")

	outcome := f.collector.CreateReading(context.Background(), Input{
		MeterID:     f.meter.ID,
		ReadingDate: date("2025-03-09"),
		Value:       dec("10"),
	})

	assert.True(t, outcome.Success)
	require.Len(t, outcome.Warnings, 1)
	assert.Contains(t, outcome.Warnings[0], "could not be published")
}

func TestCreateReading_MultiValue(t *testing.T) {
	f := newFixture(t)
	meter := f.store.AddMeter(db.Meter{
		TenantID:     1,
		SerialNumber: "H-1",
		Type:         "heating",
		ReadingStructure: &db.ReadingStructure{Fields: []db.ReadingField{
			{Name: "supply", Required: true},
			{Name: "return", Required: true},
		}},
	})

	outcome := f.collector.CreateReading(context.Background(), Input{
		MeterID:     meter.ID,
		ReadingDate: date("2025-03-09"),
		ReadingValues: map[string]decimal.Decimal{
			"supply": decimal.RequireFromString("12.5"),
			"return": decimal.RequireFromString("7.25"),
		},
	})

	require.True(t, outcome.Success, "errors: %v", outcome.Errors)
	assert.Equal(t, "19.75", outcome.Reading.Value.String())
}

func TestUpdateReading(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(f.meter.ID, "2025-03-01", "1000", db.StatusValidated)
	target := f.seed(f.meter.ID, "2025-03-04", "1050", db.StatusValidated)
	f.seed(f.meter.ID, "2025-03-08", "1100", db.StatusValidated)

	t.Run("above next reading", func(t *testing.T) {
		outcome := f.collector.UpdateReading(ctx, target.ID, UpdateInput{Value: dec("1100.001")})

		assert.False(t, outcome.Success)
		assert.Contains(t, outcome.Errors["value"][0], "next reading")
	})

	t.Run("below previous reading", func(t *testing.T) {
		outcome := f.collector.UpdateReading(ctx, target.ID, UpdateInput{Value: dec("999")})

		assert.False(t, outcome.Success)
		assert.True(t, apperr.HasCode(outcome.Err, apperr.CodeMonotonicity))
	})

	t.Run("within neighbours", func(t *testing.T) {
		outcome := f.collector.UpdateReading(ctx, target.ID, UpdateInput{Value: dec("1080"), UserID: userID(9)})
		require.True(t, outcome.Success, "errors: %v", outcome.Errors)

		logs, err := f.store.AuditLogsForEntity(ctx, db.MeterReadingAuditableType, target.ID)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, db.EventUpdated, logs[0].Event)
		assert.Equal(t, map[string]any{"value": "1050"}, logs[0].OldValues)
		assert.Equal(t, map[string]any{"value": "1080"}, logs[0].NewValues)
	})

	t.Run("unknown reading", func(t *testing.T) {
		outcome := f.collector.UpdateReading(ctx, 4242, UpdateInput{Value: dec("1")})
		assert.True(t, apperr.IsNotFound(outcome.Err))
	})
}

func TestUpdateReading_SameDateOrderedByID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.seed(f.meter.ID, "2025-03-05", "1000", db.StatusValidated)
	second := f.seed(f.meter.ID, "2025-03-05", "1010", db.StatusValidated)

	t.Run("earlier id above later same-day reading", func(t *testing.T) {
		outcome := f.collector.UpdateReading(ctx, first.ID, UpdateInput{Value: dec("1020")})

		assert.False(t, outcome.Success)
		assert.Contains(t, outcome.Errors["value"][0], "next reading")
	})

	t.Run("later id below earlier same-day reading", func(t *testing.T) {
		outcome := f.collector.UpdateReading(ctx, second.ID, UpdateInput{Value: dec("990")})

		assert.False(t, outcome.Success)
		assert.Contains(t, outcome.Errors["value"][0], "previous reading")
	})

	t.Run("new reading sorts after the same day", func(t *testing.T) {
		outcome := f.collector.CreateReading(ctx, Input{
			MeterID:     f.meter.ID,
			ReadingDate: date("2025-03-05"),
			Value:       dec("1005"),
		})

		assert.False(t, outcome.Success)
		assert.True(t, apperr.HasCode(outcome.Err, apperr.CodeMonotonicity))
	})
}

func TestBatchUpdateStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r1 := f.seed(f.meter.ID, "2025-03-01", "1000", db.StatusPending)
	r2 := f.seed(f.meter.ID, "2025-03-02", "1010", db.StatusPending)

	result, err := f.collector.BatchUpdateStatus(ctx, []int64{r1.ID, 9999, r2.ID}, db.StatusValidated, userID(5))
	require.NoError(t, err)

	assert.Equal(t, 2, result.SuccessCount)
	assert.Equal(t, 1, result.FailedCount)
	assert.Equal(t, []int64{r1.ID, r2.ID}, result.Updated)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, int64(9999), result.Errors[0].ID)

	stored, err := f.store.Reading(ctx, r1.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusValidated, stored.ValidationStatus)
	assert.Equal(t, int64(5), *stored.ValidatedBy)
	assert.Equal(t, 2, f.store.AuditCount())
}

func TestBatchUpdateStatus_RestoringRejectedReadingKeepsSeriesMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(f.meter.ID, "2025-03-01", "1000", db.StatusValidated)
	bad := f.seed(f.meter.ID, "2025-03-03", "50000", db.StatusRejected)
	fine := f.seed(f.meter.ID, "2025-03-04", "1005", db.StatusRejected)
	f.seed(f.meter.ID, "2025-03-05", "1010", db.StatusValidated)

	result, err := f.collector.BatchUpdateStatus(ctx, []int64{bad.ID, fine.ID}, db.StatusValidated, userID(5))
	require.NoError(t, err)

	assert.Equal(t, 1, result.SuccessCount)
	assert.Equal(t, []int64{fine.ID}, result.Updated)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, bad.ID, result.Errors[0].ID)
	assert.Contains(t, result.Errors[0].Error, "next reading")

	stored, err := f.store.Reading(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusRejected, stored.ValidationStatus)

	readings, err := f.store.ReadingsForMeter(ctx, f.meter.ID, date("2025-03-01"), date("2025-03-31"))
	require.NoError(t, err)
	for i := 1; i < len(readings); i++ {
		assert.False(t, readings[i].Value.LessThan(readings[i-1].Value), "series decreases at %s", readings[i].ReadingDate)
	}
}

func TestBatchUpdateStatus_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.collector.BatchUpdateStatus(context.Background(), nil, db.StatusValidated, nil)
	verrs, ok := apperr.AsValidation(err)
	require.True(t, ok)
	assert.True(t, verrs.Has("reading_ids"))

	ids := make([]int64, MaxBatchSize+1)
	_, err = f.collector.BatchUpdateStatus(context.Background(), ids, "approved", nil)
	verrs, ok = apperr.AsValidation(err)
	require.True(t, ok)
	assert.True(t, verrs.Has("reading_ids"))
	assert.True(t, verrs.Has("new_status"))
}

func TestImportCSV(t *testing.T) {
	f := newFixture(t)
	f.seed(f.meter.ID, "2025-03-01", "1000", db.StatusValidated)

	csv := fmt.Sprintf("meter_id,reading_date,value\n%[1]d,2025-03-05,1010\n%[1]d,2025-03-06,abc\n%[1]d,07/03/2025,900\n", f.meter.ID)
	result := f.collector.ImportCSV(context.Background(), strings.NewReader(csv), DefaultImportOptions())

	assert.NotEmpty(t, result.BatchID)
	assert.Equal(t, 3, result.TotalRows)
	assert.Equal(t, 1, result.SuccessfulImports)
	assert.Equal(t, 2, result.FailedImports)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, 2, result.Errors[0].Row)
	assert.Contains(t, result.Errors[0].Error, "not a number")
	assert.Equal(t, 3, result.Errors[1].Row)
	assert.Contains(t, result.Errors[1].Error, "previous reading")
}

func TestImportCSV_MappingWithoutHeaders(t *testing.T) {
	f := newFixture(t)

	positional := fmt.Sprintf("%d,2025-03-05,10\n", f.meter.ID)
	result := f.collector.ImportCSV(context.Background(), strings.NewReader(positional), ImportOptions{})
	assert.Equal(t, 1, result.SuccessfulImports, "errors: %v", result.Errors)

	mapped := fmt.Sprintf("Meter,Date,Reading\n%d,2025-03-06,12\n", f.meter.ID)
	result = f.collector.ImportCSV(context.Background(), strings.NewReader(mapped), ImportOptions{
		HasHeaders:   true,
		FieldMapping: map[string]string{"meter_id": "Meter", "reading_date": "Date", "value": "Reading"},
	})
	assert.Equal(t, 1, result.SuccessfulImports, "errors: %v", result.Errors)

	readings, err := f.store.ReadingsForMeter(context.Background(), f.meter.ID, date("2025-01-01"), date("2025-12-31"))
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, db.InputCSVImport, readings[1].InputMethod)
	assert.Equal(t, db.StatusPending, readings[1].ValidationStatus)
}

func TestImportCSV_EmptyFile(t *testing.T) {
	f := newFixture(t)

	result := f.collector.ImportCSV(context.Background(), strings.NewReader(""), DefaultImportOptions())

	require.Len(t, result.Errors, 1)
	assert.Equal(t, 0, result.Errors[0].Row)
	assert.Equal(t, 0, result.TotalRows)
}

func TestCreateEstimatedReading(t *testing.T) {
	f := newFixture(t)
	f.seed(f.meter.ID, "2025-01-01", "100", db.StatusValidated)
	f.seed(f.meter.ID, "2025-02-01", "110", db.StatusValidated)
	f.seed(f.meter.ID, "2025-03-01", "125", db.StatusValidated)

	outcome := f.collector.CreateEstimatedReading(context.Background(), EstimateInput{
		MeterID:     f.meter.ID,
		ReadingDate: date("2025-03-10"),
	})

	require.True(t, outcome.Success, "errors: %v", outcome.Errors)
	assert.Equal(t, "137.5", outcome.Reading.Value.String())
	assert.Equal(t, db.InputEstimated, outcome.Reading.InputMethod)
	assert.Equal(t, db.StatusRequiresReview, outcome.Reading.ValidationStatus)
}

func TestCreateEstimatedReading_InsufficientHistory(t *testing.T) {
	f := newFixture(t)
	f.seed(f.meter.ID, "2025-02-01", "110", db.StatusValidated)
	f.seed(f.meter.ID, "2025-03-01", "125", db.StatusValidated)
	f.seed(f.meter.ID, "2025-03-02", "130", db.StatusPending)

	outcome := f.collector.CreateEstimatedReading(context.Background(), EstimateInput{
		MeterID:     f.meter.ID,
		ReadingDate: date("2025-03-10"),
	})

	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Errors["meter_id"][0], "insufficient historical data")
}

func TestSplitEvenly(t *testing.T) {
	fields := []db.ReadingField{{Name: "a"}, {Name: "b"}, {Name: "c"}}

	got := splitEvenly(decimal.NewFromInt(10), fields)

	assert.Equal(t, "3.333", got["a"].String())
	assert.Equal(t, "3.333", got["b"].String())
	assert.Equal(t, "3.334", got["c"].String())
}

func TestCollectReadingsForPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(f.meter.ID, "2025-01-01", "100", db.StatusValidated)
	f.seed(f.meter.ID, "2025-02-01", "110", db.StatusValidated)
	f.seed(f.meter.ID, "2025-03-01", "125", db.StatusValidated)

	alreadyRead := f.store.AddMeter(db.Meter{TenantID: 1, SerialNumber: "E-101", Type: "electricity"})
	f.seed(alreadyRead.ID, "2025-03-05", "10", db.StatusValidated)

	unbound := f.store.AddMeter(db.Meter{TenantID: 1, SerialNumber: "E-102", Type: "electricity"})
	f.seed(unbound.ID, "2025-01-01", "1", db.StatusValidated)

	f.store.AddServiceConfiguration(db.ServiceConfiguration{TenantID: 1, MeterID: &f.meter.ID, IsActive: true})
	f.store.AddServiceConfiguration(db.ServiceConfiguration{TenantID: 1, MeterID: &alreadyRead.ID, IsActive: true})

	result := f.collector.CollectReadingsForPeriod(ctx, 1, date("2025-03-02"), date("2025-03-31"), CollectOptions{})

	assert.Equal(t, 1, result.SuccessCount)
	assert.Equal(t, 0, result.FailureCount, "errors: %v", result.Errors)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], fmt.Sprintf("meter %d", alreadyRead.ID))

	prev, err := f.store.PreviousReading(ctx, f.meter.ID, nil, testNow, 0)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, date("2025-03-10"), prev.ReadingDate)
	assert.Equal(t, db.InputEstimated, prev.InputMethod)
}
