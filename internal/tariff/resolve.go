package tariff

import (
	"time"

	"github.com/septivank/utility-billing/tools/timeparser"
	"github.com/shopspring/decimal"
)

const (
	midnight = 0
	noon     = 12 * 60
)

// ZoneByID returns the zone with the given id
func (t TimeOfUse) ZoneByID(id string) (Zone, bool) {
	for _, z := range t.Zones {
		if z.ID == id {
			return z, true
		}
	}
	return Zone{}, false
}

// WeekdayZones returns every zone except the dedicated weekend zone
func (t TimeOfUse) WeekdayZones() []Zone {
	out := make([]Zone, 0, len(t.Zones))
	for _, z := range t.Zones {
		if z.ID != WeekendZoneID {
			out = append(out, z)
		}
	}
	return out
}

// zoneAtMinute finds the weekday zone covering minute-of-day m.
// Falls back to the first zone so a schedule with gaps still prices every minute.
func (t TimeOfUse) zoneAtMinute(m int) (Zone, bool) {
	weekday := t.WeekdayZones()
	for _, z := range weekday {
		if z.Contains(m) {
			return z, true
		}
	}
	if len(weekday) > 0 {
		return weekday[0], true
	}
	if len(t.Zones) > 0 {
		return t.Zones[0], true
	}
	return Zone{}, false
}

// WeekendZone returns the zone that prices the whole of a weekend day
// under the configured weekend logic. ok is false when no weekend logic applies.
func (t TimeOfUse) WeekendZone() (Zone, bool) {
	switch t.WeekendLogic {
	case WeekendOwnRate:
		if z, ok := t.ZoneByID(WeekendZoneID); ok {
			return z, true
		}
	case WeekendNightRate:
		if z, ok := t.ZoneByID(NightZoneID); ok {
			return z, true
		}
		return t.zoneAtMinute(midnight)
	case WeekendDayRate:
		if z, ok := t.ZoneByID(DayZoneID); ok {
			return z, true
		}
		return t.zoneAtMinute(noon)
	}
	return Zone{}, false
}

// ZoneAt resolves the zone that prices consumption at instant at
func (t TimeOfUse) ZoneAt(at time.Time) (Zone, bool) {
	if timeparser.IsWeekend(at) {
		if z, ok := t.WeekendZone(); ok {
			return z, true
		}
	}
	return t.zoneAtMinute(timeparser.MinuteOfDay(at))
}

// DurationWeights returns each weekday zone's share of the day, keyed by zone id.
// Weights sum to one.
func (t TimeOfUse) DurationWeights() map[string]decimal.Decimal {
	zones := t.WeekdayZones()
	total := 0
	for _, z := range zones {
		total += z.Minutes()
	}

	weights := make(map[string]decimal.Decimal, len(zones))
	if total == 0 {
		return weights
	}
	denominator := decimal.NewFromInt(int64(total))
	for _, z := range zones {
		weights[z.ID] = weights[z.ID].Add(decimal.NewFromInt(int64(z.Minutes())).Div(denominator))
	}
	return weights
}
