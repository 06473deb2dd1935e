package timeparser_test

import (
	"testing"
	"time"

	"github.com/septivank/utility-billing/tools/timeparser"
)

func TestParseReadingDate_Formats(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Time
	}{
		{"2025-12-29", time.Date(2025, 12, 29, 0, 0, 0, 0, time.UTC)},
		{"2025-12-29T10:30:45Z", time.Date(2025, 12, 29, 10, 30, 45, 0, time.UTC)},
		{"2025-12-29 10:30:45", time.Date(2025, 12, 29, 10, 30, 45, 0, time.UTC)},
		{"29/12/2025", time.Date(2025, 12, 29, 0, 0, 0, 0, time.UTC)},
		{"29/12/2025 10:30:45", time.Date(2025, 12, 29, 10, 30, 45, 0, time.UTC)},
	}

	for _, tt := range tests {
		result, err := timeparser.ParseReadingDate(tt.input)
		if err != nil {
			t.Fatalf("Failed to parse %q: %v", tt.input, err)
		}
		if !result.Equal(tt.expected) {
			t.Errorf("%q: expected %v, got %v", tt.input, tt.expected, result)
		}
	}
}

func TestParseReadingDate_Invalid(t *testing.T) {
	for _, input := range []string{"", "invalid-date-string", "2025-13-01", "31/02/2025"} {
		if _, err := timeparser.ParseReadingDate(input); err == nil {
			t.Errorf("Expected error for %q", input)
		}
	}
}

func TestParseClock(t *testing.T) {
	minute, err := timeparser.ParseClock("07:30")
	if err != nil {
		t.Fatalf("Failed to parse clock: %v", err)
	}
	if minute != 450 {
		t.Errorf("Expected 450, got %d", minute)
	}

	for _, input := range []string{"24:00", "7:30", "07:60", "0730", ""} {
		if _, err := timeparser.ParseClock(input); err == nil {
			t.Errorf("Expected error for %q", input)
		}
	}
}

func TestFormatClock_Wraps(t *testing.T) {
	if got := timeparser.FormatClock(0); got != "00:00" {
		t.Errorf("Expected 00:00, got %s", got)
	}
	if got := timeparser.FormatClock(timeparser.MinutesPerDay + 61); got != "01:01" {
		t.Errorf("Expected 01:01, got %s", got)
	}
	if got := timeparser.FormatClock(-1); got != "23:59" {
		t.Errorf("Expected 23:59, got %s", got)
	}
}

func TestIsFutureDate(t *testing.T) {
	now := time.Date(2025, 6, 15, 23, 58, 0, 0, time.UTC)

	if timeparser.IsFutureDate(time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC), now, 0) {
		t.Error("Today must not be a future date")
	}
	if !timeparser.IsFutureDate(time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC), now, 0) {
		t.Error("Tomorrow must be a future date")
	}
	// five minutes of skew pushes "now" past midnight
	if timeparser.IsFutureDate(time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC), now, 5) {
		t.Error("Tomorrow must be tolerated with clock skew past midnight")
	}
}

func TestCountDays(t *testing.T) {
	// Friday 2025-06-13 through Monday 2025-06-16
	total, weekend := timeparser.CountDays(
		time.Date(2025, 6, 13, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 16, 12, 0, 0, 0, time.UTC),
	)
	if total != 4 {
		t.Errorf("Expected 4 days, got %d", total)
	}
	if weekend != 2 {
		t.Errorf("Expected 2 weekend days, got %d", weekend)
	}
}

func TestCountDays_LongPeriod(t *testing.T) {
	total, weekend := timeparser.CountDays(
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2124, 12, 31, 0, 0, 0, 0, time.UTC),
	)
	if total != 36524 {
		t.Errorf("Expected 36524 days, got %d", total)
	}
	if weekend != 10436 {
		t.Errorf("Expected 10436 weekend days, got %d", weekend)
	}
}

func TestCountDays_AcrossDSTAndReversed(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// Saturday 2025-03-29 through Monday 2025-03-31, clocks change on Sunday
	total, weekend := timeparser.CountDays(
		time.Date(2025, 3, 29, 0, 0, 0, 0, berlin),
		time.Date(2025, 3, 31, 0, 0, 0, 0, berlin),
	)
	if total != 3 || weekend != 2 {
		t.Errorf("Expected 3 days with 2 weekend days, got %d and %d", total, weekend)
	}

	total, weekend = timeparser.CountDays(
		time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 13, 0, 0, 0, 0, time.UTC),
	)
	if total != 0 || weekend != 0 {
		t.Errorf("Expected no days for a reversed period, got %d and %d", total, weekend)
	}
}
