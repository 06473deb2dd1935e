package db

import (
	"time"

	"github.com/septivank/utility-billing/internal/tariff"
	"github.com/shopspring/decimal"
)

// ValidationStatus is the review state of a meter reading
type ValidationStatus string

const (
	StatusPending        ValidationStatus = "pending"
	StatusValidated      ValidationStatus = "validated"
	StatusRejected       ValidationStatus = "rejected"
	StatusRequiresReview ValidationStatus = "requires_review"
)

// Valid reports whether s is a known status
func (s ValidationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusValidated, StatusRejected, StatusRequiresReview:
		return true
	}
	return false
}

// InputMethod records how a reading entered the system
type InputMethod string

const (
	InputManual         InputMethod = "manual"
	InputPhotoOCR       InputMethod = "photo_ocr"
	InputCSVImport      InputMethod = "csv_import"
	InputAPIIntegration InputMethod = "api_integration"
	InputEstimated      InputMethod = "estimated"
)

// Valid reports whether m is a known input method
func (m InputMethod) Valid() bool {
	switch m {
	case InputManual, InputPhotoOCR, InputCSVImport, InputAPIIntegration, InputEstimated:
		return true
	}
	return false
}

// ReadingField describes one named value of a multi-value meter
type ReadingField struct {
	Name     string           `json:"name"`
	Label    string           `json:"label,omitempty"`
	Unit     string           `json:"unit,omitempty"`
	Required bool             `json:"required"`
	Min      *decimal.Decimal `json:"min,omitempty"`
	Max      *decimal.Decimal `json:"max,omitempty"`
}

// ReadingStructure lists the fields a multi-value meter reports
type ReadingStructure struct {
	Fields []ReadingField `json:"fields"`
}

// IsMultiValue reports whether the structure declares named fields
func (s *ReadingStructure) IsMultiValue() bool {
	return s != nil && len(s.Fields) > 0
}

// Meter represents a physical or virtual meter
type Meter struct {
	ID               int64
	TenantID         int64
	PropertyID       int64
	SerialNumber     string
	Type             string
	SupportsZones    bool
	ReadingStructure *ReadingStructure
	CreatedAt        time.Time
}

// GeoPoint is the location a reading was captured at
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// MeterReading represents a meter reading in the database
type MeterReading struct {
	ID               int64
	TenantID         int64
	MeterID          int64
	ReadingDate      time.Time
	Value            decimal.Decimal
	Zone             *string
	ReadingValues    map[string]decimal.Decimal
	InputMethod      InputMethod
	ValidationStatus ValidationStatus
	EnteredBy        *int64
	ValidatedBy      *int64
	GPSLocation      *GeoPoint
	PhotoPath        *string
	Notes            *string
	AnomalyReason    *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ZoneKey returns the zone or empty string for unzoned readings
func (r MeterReading) ZoneKey() string {
	if r.Zone == nil {
		return ""
	}
	return *r.Zone
}

// AuditValues renders the audited attributes of the reading
func (r MeterReading) AuditValues() map[string]any {
	values := map[string]any{
		"meter_id":          r.MeterID,
		"reading_date":      r.ReadingDate.Format(time.DateOnly),
		"value":             r.Value.String(),
		"zone":              r.Zone,
		"input_method":      string(r.InputMethod),
		"validation_status": string(r.ValidationStatus),
	}
	if len(r.ReadingValues) > 0 {
		rv := make(map[string]any, len(r.ReadingValues))
		for k, v := range r.ReadingValues {
			rv[k] = v.String()
		}
		values["reading_values"] = rv
	}
	return values
}

// ServiceConfiguration binds a property (and optionally a meter) to a utility
// service and the tariff that prices it.
type ServiceConfiguration struct {
	ID                int64
	TenantID          int64
	PropertyID        int64
	UtilityServiceID  int64
	MeterID           *int64
	TariffID          *int64
	Tariff            *tariff.Tariff
	UnitOfMeasurement string
	EffectiveFrom     time.Time
	EffectiveUntil    *time.Time
	IsActive          bool
	Version           int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ServiceConfigurationAuditableType is the audit log model type for service configurations
const ServiceConfigurationAuditableType = "service_configuration"

// MeterReadingAuditableType is the audit log model type for meter readings
const MeterReadingAuditableType = "meter_reading"

// AuditValues renders the audited attributes of the service configuration
func (c ServiceConfiguration) AuditValues() map[string]any {
	values := map[string]any{
		"property_id":         c.PropertyID,
		"utility_service_id":  c.UtilityServiceID,
		"meter_id":            c.MeterID,
		"tariff_id":           c.TariffID,
		"unit_of_measurement": c.UnitOfMeasurement,
		"effective_from":      c.EffectiveFrom.Format(time.DateOnly),
		"is_active":           c.IsActive,
	}
	if c.EffectiveUntil != nil {
		values["effective_until"] = c.EffectiveUntil.Format(time.DateOnly)
	} else {
		values["effective_until"] = nil
	}
	return values
}

// AuditEvent is the kind of change an audit entry records
type AuditEvent string

const (
	EventCreated          AuditEvent = "created"
	EventUpdated          AuditEvent = "updated"
	EventDeleted          AuditEvent = "deleted"
	EventRollback         AuditEvent = "rollback"
	EventRollbackReverted AuditEvent = "rollback_reverted"
)

// AuditLog is an append-only record of a change to an audited entity
type AuditLog struct {
	ID            int64
	TenantID      int64
	AuditableType string
	AuditableID   int64
	Event         AuditEvent
	OldValues     map[string]any
	NewValues     map[string]any
	UserID        *int64
	Metadata      map[string]any
	CreatedAt     time.Time
}

// IsSystem reports whether the change was made without a user
func (a AuditLog) IsSystem() bool {
	return a.UserID == nil
}

// SecurityViolation is a CSP/XSS violation report with sensitive fields protected at rest
type SecurityViolation struct {
	ID                   int64
	TenantID             *int64
	ViolationType        string
	Directive            string
	DocumentURI          string
	BlockedURIEncrypted  []byte
	UserAgentHash        string
	SourceFile           *string
	LineNumber           *int
	Severity             string
	ThreatClassification string
	Metadata             map[string]any
	CreatedAt            time.Time
}
