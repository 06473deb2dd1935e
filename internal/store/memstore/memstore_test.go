package memstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/septivank/utility-billing/internal/db"
	"github.com/septivank/utility-billing/internal/store/memstore"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(s *memstore.Store, meterID int64, day time.Time, value string, status db.ValidationStatus) db.MeterReading {
	return s.AddReading(db.MeterReading{
		TenantID:         1,
		MeterID:          meterID,
		ReadingDate:      day,
		Value:            decimal.RequireFromString(value),
		ValidationStatus: status,
	})
}

func TestNeighbours_OrderedByDateThenID(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	meter := s.AddMeter(db.Meter{TenantID: 1, SerialNumber: "E-1"})
	day := time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC)

	before := seed(s, meter.ID, day.AddDate(0, 0, -1), "990", db.StatusValidated)
	first := seed(s, meter.ID, day, "1000", db.StatusValidated)
	second := seed(s, meter.ID, day, "1010", db.StatusValidated)
	seed(s, meter.ID, day, "5000", db.StatusRejected)
	after := seed(s, meter.ID, day.AddDate(0, 0, 1), "1020", db.StatusValidated)

	t.Run("existing reading", func(t *testing.T) {
		prev, err := s.PreviousReading(ctx, meter.ID, nil, day, first.ID)
		require.NoError(t, err)
		require.NotNil(t, prev)
		assert.Equal(t, before.ID, prev.ID)

		next, err := s.NextReading(ctx, meter.ID, nil, day, first.ID)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, second.ID, next.ID)

		prev, err = s.PreviousReading(ctx, meter.ID, nil, day, second.ID)
		require.NoError(t, err)
		require.NotNil(t, prev)
		assert.Equal(t, first.ID, prev.ID)

		next, err = s.NextReading(ctx, meter.ID, nil, day, second.ID)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, after.ID, next.ID)
	})

	t.Run("new reading", func(t *testing.T) {
		prev, err := s.PreviousReading(ctx, meter.ID, nil, day, 0)
		require.NoError(t, err)
		require.NotNil(t, prev)
		assert.Equal(t, second.ID, prev.ID)

		next, err := s.NextReading(ctx, meter.ID, nil, day, 0)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, after.ID, next.ID)
	})

	t.Run("end of series", func(t *testing.T) {
		next, err := s.NextReading(ctx, meter.ID, nil, day.AddDate(0, 0, 1), after.ID)
		require.NoError(t, err)
		assert.Nil(t, next)
	})
}
