package tariff

import (
	"fmt"
	"regexp"

	"github.com/septivank/utility-billing/internal/apperr"
	"github.com/septivank/utility-billing/tools/timeparser"
	"github.com/shopspring/decimal"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

func fromWire(w wireConfig) (Configuration, apperr.ValidationErrors) {
	verrs := apperr.ValidationErrors{}
	cfg := Configuration{Currency: w.Currency}

	if cfg.Currency == "" {
		cfg.Currency = DefaultCurrency
	}
	if !currencyPattern.MatchString(cfg.Currency) {
		verrs.Add("currency", "must be a 3-letter ISO currency code")
	}

	if w.FixedFee != nil {
		if w.FixedFee.IsNegative() {
			verrs.Add("fixed_fee", "must be greater than or equal to 0")
		}
		cfg.FixedFee = *w.FixedFee
	}

	if w.Seasonal != nil {
		cfg.Seasonal = &SeasonalAdjustments{}
		for _, m := range []struct {
			field string
			value *decimal.Decimal
			dst   *decimal.NullDecimal
		}{
			{"seasonal_adjustments.summer_multiplier", w.Seasonal.SummerMultiplier, &cfg.Seasonal.SummerMultiplier},
			{"seasonal_adjustments.winter_multiplier", w.Seasonal.WinterMultiplier, &cfg.Seasonal.WinterMultiplier},
		} {
			if m.value == nil {
				continue
			}
			if m.value.IsNegative() {
				verrs.Add(m.field, "must be greater than or equal to 0")
			}
			*m.dst = decimal.NewNullDecimal(*m.value)
		}
	}

	if w.WeekendLogic != "" && Type(w.Type) != TypeTimeOfUse {
		verrs.Add("weekend_logic", "is only allowed for time_of_use tariffs")
	}

	switch Type(w.Type) {
	case TypeFlat:
		if w.Rate == nil {
			verrs.Add("rate", "is required for flat tariffs")
		} else if w.Rate.IsNegative() {
			verrs.Add("rate", "must be greater than or equal to 0")
		}
		if len(w.Zones) > 0 {
			verrs.Add("zones", "is not allowed for flat tariffs")
		}
		if len(w.Tiers) > 0 {
			verrs.Add("tiers", "is not allowed for flat tariffs")
		}
		if w.Rate != nil {
			cfg.Pricing = FlatRate{Rate: *w.Rate}
		}

	case TypeTimeOfUse:
		if w.Rate != nil {
			verrs.Add("rate", "is not allowed for time_of_use tariffs")
		}
		if len(w.Tiers) > 0 {
			verrs.Add("tiers", "is not allowed for time_of_use tariffs")
		}
		tou, zoneErrs := zonesFromWire(w)
		verrs.Merge("", zoneErrs)
		cfg.Pricing = tou

	case TypeTiered:
		if w.Rate != nil {
			verrs.Add("rate", "is not allowed for tiered tariffs")
		}
		if len(w.Zones) > 0 {
			verrs.Add("zones", "is not allowed for tiered tariffs")
		}
		tiered, tierErrs := tiersFromWire(w.Tiers)
		verrs.Merge("", tierErrs)
		cfg.Pricing = tiered

	case "":
		verrs.Add("type", "is required")
	default:
		verrs.Addf("type", "must be one of: flat, time_of_use, tiered (got %q)", w.Type)
	}

	return cfg, verrs
}

func zonesFromWire(w wireConfig) (TimeOfUse, apperr.ValidationErrors) {
	verrs := apperr.ValidationErrors{}
	tou := TimeOfUse{WeekendLogic: WeekendLogic(w.WeekendLogic)}

	switch tou.WeekendLogic {
	case "", WeekendNightRate, WeekendDayRate, WeekendOwnRate:
	default:
		verrs.Add("weekend_logic", "must be one of: apply_night_rate, apply_day_rate, apply_weekend_rate")
	}

	if len(w.Zones) == 0 {
		verrs.Add("zones", "at least one time zone is required for time_of_use tariffs")
		return tou, verrs
	}

	slots := make([]Slot, 0, len(w.Zones))
	wellFormed := true
	hasWeekendZone := false

	for i, wz := range w.Zones {
		prefix := fmt.Sprintf("zones.%d", i)
		if wz.ID == "" {
			verrs.Add(prefix+".id", "is required")
		}
		if wz.ID == WeekendZoneID {
			hasWeekendZone = true
		}
		start, err := timeparser.ParseClock(wz.Start)
		if err != nil {
			verrs.Add(prefix+".start", "must be in HH:MM format")
			wellFormed = false
		}
		end, err := timeparser.ParseClock(wz.End)
		if err != nil {
			verrs.Add(prefix+".end", "must be in HH:MM format")
			wellFormed = false
		}
		rate := decimal.Zero
		if wz.Rate == nil {
			verrs.Add(prefix+".rate", "is required")
		} else {
			if wz.Rate.IsNegative() {
				verrs.Add(prefix+".rate", "must be greater than or equal to 0")
			}
			rate = *wz.Rate
		}
		tou.Zones = append(tou.Zones, Zone{ID: wz.ID, Start: start, End: end, Rate: rate})
		slots = append(slots, Slot{ID: wz.ID, Start: wz.Start, End: wz.End})
	}

	if tou.WeekendLogic == WeekendOwnRate && !hasWeekendZone {
		verrs.Add("weekend_logic", "apply_weekend_rate requires a zone with id \"weekend\"")
	}

	if wellFormed {
		for _, msg := range NewTimeRangeValidator().Validate(slots) {
			verrs.Add("zones", msg)
		}
	}

	return tou, verrs
}

func tiersFromWire(wts []wireTier) (Tiered, apperr.ValidationErrors) {
	verrs := apperr.ValidationErrors{}
	tiered := Tiered{}

	if len(wts) == 0 {
		verrs.Add("tiers", "at least one tier is required for tiered tariffs")
		return tiered, verrs
	}

	var previous *decimal.Decimal
	for i, wt := range wts {
		prefix := fmt.Sprintf("tiers.%d", i)
		tier := Tier{}

		if wt.Rate == nil {
			verrs.Add(prefix+".rate", "is required")
		} else {
			if wt.Rate.IsNegative() {
				verrs.Add(prefix+".rate", "must be greater than or equal to 0")
			}
			tier.Rate = *wt.Rate
		}

		last := i == len(wts)-1
		if wt.Limit == nil {
			if !last {
				verrs.Add(prefix+".limit", "is required for every tier except the last")
			}
		} else {
			if !wt.Limit.IsPositive() {
				verrs.Add(prefix+".limit", "must be greater than 0")
			}
			if previous != nil && !wt.Limit.GreaterThan(*previous) {
				verrs.Add(prefix+".limit", "must be greater than the previous tier limit")
			}
			limit := *wt.Limit
			previous = &limit
			tier.Limit = decimal.NewNullDecimal(limit)
		}

		tiered.Tiers = append(tiered.Tiers, tier)
	}

	return tiered, verrs
}

// Validate re-checks a configuration built in code rather than parsed from JSON
func (c Configuration) Validate() apperr.ValidationErrors {
	if c.Pricing == nil {
		verrs := apperr.ValidationErrors{}
		verrs.Add("type", "is required")
		return verrs
	}
	data, err := c.MarshalJSON()
	if err != nil {
		verrs := apperr.ValidationErrors{}
		verrs.Add("configuration", err.Error())
		return verrs
	}
	_, err = Parse(data)
	if v, ok := apperr.AsValidation(err); ok {
		return v
	}
	return apperr.ValidationErrors{}
}
