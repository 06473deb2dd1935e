package tariff

import (
	"time"

	"github.com/shopspring/decimal"
)

// SummerMonths are the months priced with the summer multiplier
var SummerMonths = map[time.Month]bool{
	time.May:       true,
	time.June:      true,
	time.July:      true,
	time.August:    true,
	time.September: true,
}

// Season names the half of the year a billing period falls in
type Season string

const (
	SeasonSummer Season = "summer"
	SeasonWinter Season = "winter"
)

// SeasonOf returns the season of the month t falls in
func SeasonOf(t time.Time) Season {
	if SummerMonths[t.Month()] {
		return SeasonSummer
	}
	return SeasonWinter
}

// SeasonalAdjustments scales consumption charges by season. A missing
// multiplier leaves that season's rates unchanged.
type SeasonalAdjustments struct {
	SummerMultiplier decimal.NullDecimal
	WinterMultiplier decimal.NullDecimal
}

// Multiplier returns the factor for a period starting at start. ok is false
// when no multiplier is configured for that season.
func (s *SeasonalAdjustments) Multiplier(start time.Time) (m decimal.Decimal, season Season, ok bool) {
	season = SeasonOf(start)
	if s == nil {
		return decimal.Decimal{}, season, false
	}
	nd := s.WinterMultiplier
	if season == SeasonSummer {
		nd = s.SummerMultiplier
	}
	if !nd.Valid {
		return decimal.Decimal{}, season, false
	}
	return nd.Decimal, season, true
}

type wireSeasonal struct {
	SummerMultiplier *decimal.Decimal `json:"summer_multiplier,omitempty"`
	WinterMultiplier *decimal.Decimal `json:"winter_multiplier,omitempty"`
}

func (s *SeasonalAdjustments) toWire() *wireSeasonal {
	if s == nil || (!s.SummerMultiplier.Valid && !s.WinterMultiplier.Valid) {
		return nil
	}
	w := &wireSeasonal{}
	if s.SummerMultiplier.Valid {
		m := s.SummerMultiplier.Decimal
		w.SummerMultiplier = &m
	}
	if s.WinterMultiplier.Valid {
		m := s.WinterMultiplier.Decimal
		w.WinterMultiplier = &m
	}
	return w
}
