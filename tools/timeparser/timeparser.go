package timeparser

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// MinutesPerDay is the length of the 24h clock in minutes
const MinutesPerDay = 24 * 60

var clockPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):([0-5][0-9])$`)

// ParseReadingDate attempts to parse a reading date with multiple formats
func ParseReadingDate(dateStr string) (time.Time, error) {
	formats := []string{
		"2006-01-02",          // YYYY-MM-DD
		time.RFC3339,          // Standard RFC3339
		"2006-01-02 15:04:05", // YYYY-MM-DD HH:mm:ss
		"02/01/2006",          // DD/MM/YYYY
		"02/01/2006 15:04:05", // DD/MM/YYYY HH:mm:ss
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, dateStr)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse date '%s': %w", dateStr, lastErr)
}

// ParseClock parses an HH:MM 24h clock string into minutes since midnight
func ParseClock(s string) (int, error) {
	m := clockPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid time '%s': expected HH:MM", s)
	}
	hours, _ := strconv.Atoi(m[1])
	minutes, _ := strconv.Atoi(m[2])
	return hours*60 + minutes, nil
}

// FormatClock renders minutes since midnight as HH:MM
func FormatClock(minute int) string {
	minute = ((minute % MinutesPerDay) + MinutesPerDay) % MinutesPerDay
	return fmt.Sprintf("%02d:%02d", minute/60, minute%60)
}

// MinuteOfDay returns the minutes elapsed since midnight of t
func MinuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// IsFutureDate reports whether date falls on a calendar day after now,
// allowing toleranceMinutes of clock skew between client and server.
func IsFutureDate(date, now time.Time, toleranceMinutes int) bool {
	limit := StartOfDay(now.Add(time.Duration(toleranceMinutes) * time.Minute)).AddDate(0, 0, 1)
	return !date.Before(limit)
}

// StartOfDay truncates t to midnight in its own location
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// IsWeekend reports whether t falls on Saturday or Sunday
func IsWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// CountDays returns the number of calendar days in [start, end] and how many of them are weekend days.
// Whole weeks are counted arithmetically, so the cost does not grow with the period.
func CountDays(start, end time.Time) (total int, weekend int) {
	first, last := calendarDay(start), calendarDay(end)
	if last.Before(first) {
		return 0, 0
	}
	total = int(last.Sub(first)/(24*time.Hour)) + 1

	weeks := total / 7
	weekend = 2 * weeks
	day := first.AddDate(0, 0, 7*weeks)
	for i := 0; i < total%7; i++ {
		if IsWeekend(day) {
			weekend++
		}
		day = day.AddDate(0, 0, 1)
	}
	return total, weekend
}

// calendarDay maps t's local date onto UTC midnight, where every day is 24h long
func calendarDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
