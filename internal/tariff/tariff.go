package tariff

import (
	"time"

	"github.com/septivank/utility-billing/internal/apperr"
	"github.com/septivank/utility-billing/tools/timeparser"
)

// AuditableType is the audit log model type for tariffs
const AuditableType = "tariff"

const maxNameLength = 255

// Tariff is a versioned pricing rule set offered by a provider
type Tariff struct {
	ID            int64
	TenantID      int64
	ProviderID    int64
	Name          string
	Configuration Configuration
	ActiveFrom    time.Time
	ActiveUntil   *time.Time
	Version       int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsActiveOn reports whether the tariff applies on day d
func (t Tariff) IsActiveOn(d time.Time) bool {
	day := timeparser.StartOfDay(d)
	if day.Before(timeparser.StartOfDay(t.ActiveFrom)) {
		return false
	}
	return t.ActiveUntil == nil || !day.After(timeparser.StartOfDay(*t.ActiveUntil))
}

// Validate checks the tariff attributes and its configuration.
// Configuration problems are keyed under "configuration.".
func (t Tariff) Validate() apperr.ValidationErrors {
	verrs := apperr.ValidationErrors{}

	if t.ProviderID <= 0 {
		verrs.Add("provider_id", "is required")
	}
	if t.Name == "" {
		verrs.Add("name", "is required")
	} else if len(t.Name) > maxNameLength {
		verrs.Addf("name", "must be at most %d characters", maxNameLength)
	}
	if t.ActiveFrom.IsZero() {
		verrs.Add("active_from", "is required")
	}
	if t.ActiveUntil != nil && !t.ActiveUntil.After(t.ActiveFrom) {
		verrs.Add("active_until", "must be after active_from")
	}
	verrs.Merge("configuration", t.Configuration.Validate())

	return verrs
}

// Revision holds the attributes a tariff update may change
type Revision struct {
	Name          string
	Configuration Configuration
	ActiveFrom    time.Time
	ActiveUntil   *time.Time
}

// Apply returns a copy of t with the revision applied in place
func (t Tariff) Apply(r Revision) Tariff {
	next := t
	next.Name = r.Name
	next.Configuration = r.Configuration
	next.ActiveFrom = r.ActiveFrom
	next.ActiveUntil = r.ActiveUntil
	return next
}

// Supersede closes t the day before the revision starts and returns the new
// tariff row carrying the revision. Historical bills keep pricing against the
// closed row.
func (t Tariff) Supersede(r Revision) (closed Tariff, next Tariff, err error) {
	if !r.ActiveFrom.After(t.ActiveFrom) {
		verrs := apperr.ValidationErrors{}
		verrs.Add("active_from", "must be after the active_from of the version being replaced")
		return Tariff{}, Tariff{}, verrs
	}

	closed = t
	until := timeparser.StartOfDay(r.ActiveFrom).AddDate(0, 0, -1)
	closed.ActiveUntil = &until

	next = Tariff{
		TenantID:      t.TenantID,
		ProviderID:    t.ProviderID,
		Name:          r.Name,
		Configuration: r.Configuration,
		ActiveFrom:    r.ActiveFrom,
		ActiveUntil:   r.ActiveUntil,
		Version:       1,
	}
	return closed, next, nil
}

// AuditValues renders the audited attributes of the tariff
func (t Tariff) AuditValues() map[string]any {
	values := map[string]any{
		"provider_id": t.ProviderID,
		"name":        t.Name,
		"active_from": t.ActiveFrom.Format(time.DateOnly),
	}
	if t.ActiveUntil != nil {
		values["active_until"] = t.ActiveUntil.Format(time.DateOnly)
	} else {
		values["active_until"] = nil
	}
	if cfg, err := t.Configuration.ToMap(); err == nil {
		values["configuration"] = cfg
	}
	return values
}
