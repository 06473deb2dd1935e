package tariff

import (
	"encoding/json"
	"fmt"

	"github.com/septivank/utility-billing/tools/timeparser"
	"github.com/shopspring/decimal"
)

// Type identifies the pricing scheme of a tariff
type Type string

const (
	TypeFlat      Type = "flat"
	TypeTimeOfUse Type = "time_of_use"
	TypeTiered    Type = "tiered"
)

// WeekendLogic selects which rate applies on Saturdays and Sundays
type WeekendLogic string

const (
	WeekendNightRate WeekendLogic = "apply_night_rate"
	WeekendDayRate   WeekendLogic = "apply_day_rate"
	WeekendOwnRate   WeekendLogic = "apply_weekend_rate"
)

const (
	// DefaultCurrency is used when a configuration omits currency
	DefaultCurrency = "EUR"

	// WeekendZoneID marks a zone that only applies on weekend days
	WeekendZoneID = "weekend"
	DayZoneID     = "day"
	NightZoneID   = "night"
)

// Pricing is the variant payload of a Configuration.
// Exactly one of FlatRate, TimeOfUse or Tiered.
type Pricing interface {
	Type() Type
	isPricing()
}

// FlatRate charges a single rate per unit
type FlatRate struct {
	Rate decimal.Decimal
}

// TimeOfUse charges by time-of-day zone
type TimeOfUse struct {
	Zones        []Zone
	WeekendLogic WeekendLogic
}

// Tiered charges ascending bands of cumulative consumption
type Tiered struct {
	Tiers []Tier
}

func (FlatRate) Type() Type  { return TypeFlat }
func (TimeOfUse) Type() Type { return TypeTimeOfUse }
func (Tiered) Type() Type    { return TypeTiered }

func (FlatRate) isPricing()  {}
func (TimeOfUse) isPricing() {}
func (Tiered) isPricing()    {}

// Zone is a time-of-day interval [Start, End) with its own rate.
// Start > End means the interval crosses midnight.
type Zone struct {
	ID    string
	Start int
	End   int
	Rate  decimal.Decimal
}

// Tier is a consumption band. Limit is the cumulative upper bound;
// an invalid Limit marks the open-ended last tier.
type Tier struct {
	Limit decimal.NullDecimal
	Rate  decimal.Decimal
}

// Configuration describes how consumption is priced
type Configuration struct {
	Currency string
	FixedFee decimal.Decimal
	Pricing  Pricing
	Seasonal *SeasonalAdjustments
}

// Type returns the pricing type, or empty when no pricing is set
func (c Configuration) Type() Type {
	if c.Pricing == nil {
		return ""
	}
	return c.Pricing.Type()
}

// Flat builds a flat-rate configuration
func Flat(rate decimal.Decimal, fixedFee decimal.Decimal) Configuration {
	return Configuration{Currency: DefaultCurrency, FixedFee: fixedFee, Pricing: FlatRate{Rate: rate}}
}

// wireConfig is the JSON document stored in tariffs.configuration
type wireConfig struct {
	Type         string           `json:"type"`
	Currency     string           `json:"currency,omitempty"`
	Rate         *decimal.Decimal `json:"rate,omitempty"`
	Zones        []wireZone       `json:"zones,omitempty"`
	Tiers        []wireTier       `json:"tiers,omitempty"`
	FixedFee     *decimal.Decimal `json:"fixed_fee,omitempty"`
	WeekendLogic string           `json:"weekend_logic,omitempty"`
	Seasonal     *wireSeasonal    `json:"seasonal_adjustments,omitempty"`
}

type wireZone struct {
	ID    string           `json:"id"`
	Start string           `json:"start"`
	End   string           `json:"end"`
	Rate  *decimal.Decimal `json:"rate"`
}

type wireTier struct {
	Limit *decimal.Decimal `json:"limit"`
	Rate  *decimal.Decimal `json:"rate"`
}

// MarshalJSON renders the configuration in its stored document shape
func (c Configuration) MarshalJSON() ([]byte, error) {
	w := wireConfig{
		Type:     string(c.Type()),
		Currency: c.Currency,
		Seasonal: c.Seasonal.toWire(),
	}
	if !c.FixedFee.IsZero() {
		fee := c.FixedFee
		w.FixedFee = &fee
	}

	switch p := c.Pricing.(type) {
	case FlatRate:
		rate := p.Rate
		w.Rate = &rate
	case TimeOfUse:
		w.WeekendLogic = string(p.WeekendLogic)
		for _, z := range p.Zones {
			rate := z.Rate
			w.Zones = append(w.Zones, wireZone{
				ID:    z.ID,
				Start: timeparser.FormatClock(z.Start),
				End:   timeparser.FormatClock(z.End),
				Rate:  &rate,
			})
		}
	case Tiered:
		for _, t := range p.Tiers {
			rate := t.Rate
			wt := wireTier{Rate: &rate}
			if t.Limit.Valid {
				limit := t.Limit.Decimal
				wt.Limit = &limit
			}
			w.Tiers = append(w.Tiers, wt)
		}
	case nil:
		return nil, fmt.Errorf("failed to marshal configuration: pricing not set")
	}

	return json.Marshal(w)
}

// UnmarshalJSON parses and validates a stored configuration document.
// Shape problems are returned as apperr.ValidationErrors.
func (c *Configuration) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Parse decodes a configuration document and validates its shape
func Parse(data []byte) (Configuration, error) {
	var w wireConfig
	if err := json.Unmarshal(data, &w); err != nil {
		return Configuration{}, fmt.Errorf("failed to decode tariff configuration: %w", err)
	}
	cfg, verrs := fromWire(w)
	if err := verrs.Err(); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}

// ParseMap converts a loosely typed configuration (as kept in audit values) into a Configuration
func ParseMap(m map[string]any) (Configuration, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return Configuration{}, fmt.Errorf("failed to encode tariff configuration: %w", err)
	}
	return Parse(data)
}

// ToMap converts the configuration into a generic document for audit storage
func (c Configuration) ToMap() (map[string]any, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
