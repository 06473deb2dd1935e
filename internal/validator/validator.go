package validator

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/septivank/utility-billing/internal/apperr"
	"github.com/septivank/utility-billing/internal/db"
	"github.com/septivank/utility-billing/tools/timeparser"
	"github.com/shopspring/decimal"
)

const (
	maxZoneLength  = 50
	valuePrecision = 3
)

// Candidate is a reading about to be created or updated
type Candidate struct {
	ID            int64
	ReadingDate   time.Time
	Value         *decimal.Decimal
	Zone          *string
	ReadingValues map[string]decimal.Decimal
}

// Neighbours are the stored readings adjacent to a candidate in the same meter/zone series
type Neighbours struct {
	Previous *db.MeterReading
	Next     *db.MeterReading
}

// ValidationResult holds validation outcome
type ValidationResult struct {
	// Value is the scalar reading; for multi-value meters it is the sum of the fields
	Value      decimal.Decimal
	Errors     apperr.ValidationErrors
	Violations []*apperr.DomainError

	dateMissing bool
}

// IsValid reports whether no problem was found
func (r ValidationResult) IsValid() bool {
	return r.Errors.Empty()
}

func (r *ValidationResult) violate(code, field, message string) {
	r.Errors.Add(field, message)
	r.Violations = append(r.Violations, apperr.New(code, message).OnField(field))
}

// Validator checks meter readings against the meter definition and the
// readings already stored around them.
type Validator struct {
	timestampToleranceMinutes int
	now                       func() time.Time
}

// NewValidator creates a new validator with the specified clock-skew tolerance
func NewValidator(timestampToleranceMinutes int) *Validator {
	return &Validator{
		timestampToleranceMinutes: timestampToleranceMinutes,
		now:                       time.Now,
	}
}

// WithClock returns a copy of v using now as the current time
func (v *Validator) WithClock(now func() time.Time) *Validator {
	c := *v
	c.now = now
	return &c
}

// NormalizeZone trims an empty zone to nil
func NormalizeZone(zone *string) *string {
	if zone == nil || *zone == "" {
		return nil
	}
	return zone
}

// ValidateShape checks a candidate against the meter alone: required value,
// sign, date, zone support and multi-value structure. It does not need stored
// readings, so it runs before any lock is taken.
func (v *Validator) ValidateShape(meter db.Meter, c Candidate) ValidationResult {
	result := ValidationResult{Errors: apperr.ValidationErrors{}}

	if c.ReadingDate.IsZero() {
		result.Errors.Add("reading_date", "is required")
		result.dateMissing = true
	} else if timeparser.IsFutureDate(c.ReadingDate, v.now(), v.timestampToleranceMinutes) {
		result.Errors.Add("reading_date", "must not be in the future")
	}

	zone := NormalizeZone(c.Zone)
	switch {
	case zone != nil && !meter.SupportsZones:
		result.violate(apperr.CodeZoneMismatch, "zone", "meter does not support zones")
	case zone == nil && meter.SupportsZones:
		result.violate(apperr.CodeZoneMismatch, "zone", "is required for meters that support zones")
	case zone != nil && len(*zone) > maxZoneLength:
		result.Errors.Addf("zone", "must be at most %d characters", maxZoneLength)
	}

	if meter.ReadingStructure.IsMultiValue() {
		result.Value = v.validateStructure(meter.ReadingStructure, c.ReadingValues, result.Errors)
		return result
	}

	if len(c.ReadingValues) > 0 {
		result.Errors.Add("reading_values", "meter does not support multi-value readings")
	}
	switch {
	case c.Value == nil:
		result.Errors.Add("value", "is required")
	case c.Value.IsNegative():
		result.Errors.Add("value", "must be greater than or equal to 0")
	default:
		result.Value = c.Value.Round(valuePrecision)
	}
	return result
}

// validateStructure checks each field independently and returns the sum of numeric fields
func (v *Validator) validateStructure(structure *db.ReadingStructure, values map[string]decimal.Decimal, verrs apperr.ValidationErrors) decimal.Decimal {
	sum := decimal.Zero
	known := make(map[string]bool, len(structure.Fields))

	if len(values) == 0 {
		verrs.Add("reading_values", "is required for multi-value meters")
	}

	for _, f := range structure.Fields {
		known[f.Name] = true
		field := "reading_values." + f.Name
		val, ok := values[f.Name]
		if !ok {
			if f.Required {
				verrs.Add(field, "is required")
			}
			continue
		}
		if val.IsNegative() {
			verrs.Add(field, "must be greater than or equal to 0")
		}
		if f.Min != nil && val.LessThan(*f.Min) {
			verrs.Addf(field, "must be at least %s", f.Min.String())
		}
		if f.Max != nil && val.GreaterThan(*f.Max) {
			verrs.Addf(field, "must be at most %s", f.Max.String())
		}
		sum = sum.Add(val)
	}

	unknown := make([]string, 0)
	for name := range values {
		if !known[name] {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		verrs.Add("reading_values."+name, "is not defined for this meter")
	}

	return sum.Round(valuePrecision)
}

// ValidateMonotonicity rejects a value below the previous reading or above the
// next one in the same meter and zone series.
func (v *Validator) ValidateMonotonicity(value decimal.Decimal, n Neighbours, result *ValidationResult) {
	if n.Previous != nil && value.LessThan(n.Previous.Value) {
		result.violate(apperr.CodeMonotonicity, "value", fmt.Sprintf(
			"must be greater than or equal to the previous reading (%s on %s)",
			n.Previous.Value.String(), n.Previous.ReadingDate.Format(time.DateOnly),
		))
	}
	if n.Next != nil && value.GreaterThan(n.Next.Value) {
		result.violate(apperr.CodeMonotonicity, "value", fmt.Sprintf(
			"must be less than or equal to the next reading (%s on %s)",
			n.Next.Value.String(), n.Next.ReadingDate.Format(time.DateOnly),
		))
	}
}

// ValidateReading runs the shape checks and, whenever the value itself is
// usable, the monotonicity checks. All failures are collected.
func (v *Validator) ValidateReading(meter db.Meter, c Candidate, n Neighbours) ValidationResult {
	result := v.ValidateShape(meter, c)
	if !result.ValueUsable() {
		return result
	}
	v.ValidateMonotonicity(result.Value, n, &result)
	return result
}

// ValueUsable reports whether Value can be compared against the series: the
// value, zone and date passed their own checks even if other fields failed.
func (r ValidationResult) ValueUsable() bool {
	for field := range r.Errors {
		switch {
		case field == "value", field == "zone", field == "reading_date" && r.dateMissing,
			strings.HasPrefix(field, "reading_values"):
			return false
		}
	}
	return true
}
