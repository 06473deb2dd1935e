package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error codes
const (
	CodeNotFound            = "NOT_FOUND"
	CodeValidation          = "VALIDATION_FAILED"
	CodeMonotonicity        = "MONOTONICITY_VIOLATION"
	CodeZoneMismatch        = "ZONE_MISMATCH"
	CodeTariffShape         = "TARIFF_SHAPE"
	CodeRollbackNotAllowed  = "ROLLBACK_NOT_ALLOWED"
	CodeConcurrencyConflict = "CONCURRENCY_CONFLICT"
	CodeCalculationFailed   = "CALCULATION_FAILED"
	CodeInvalidInput        = "INVALID_INPUT"
)

// DomainError represents a domain-level error
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// Error implements the error interface
func (e *DomainError) Error() string {
	return e.Message
}

// Is matches domain errors by code so wrapped sentinels compare equal
func (e *DomainError) Is(target error) bool {
	var t *DomainError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New creates a new domain error
func New(code, message string) *DomainError {
	return &DomainError{Code: code, Message: message}
}

// Newf creates a new domain error with a formatted message
func Newf(code, format string, args ...any) *DomainError {
	return &DomainError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// OnField attaches the offending field name
func (e *DomainError) OnField(field string) *DomainError {
	return &DomainError{Code: e.Code, Message: e.Message, Field: field}
}

// Common domain errors
var (
	ErrNotFound            = New(CodeNotFound, "resource not found")
	ErrConcurrencyConflict = New(CodeConcurrencyConflict, "resource was modified by another process")
	ErrRollbackNotAllowed  = New(CodeRollbackNotAllowed, "rollback not allowed")
)

// NotFound builds a NOT_FOUND error for an entity kind and id
func NotFound(kind string, id int64) *DomainError {
	return Newf(CodeNotFound, "%s %d not found", kind, id)
}

// IsNotFound reports whether err is a NOT_FOUND domain error
func IsNotFound(err error) bool {
	return HasCode(err, CodeNotFound)
}

// HasCode reports whether err carries the given domain code
func HasCode(err error, code string) bool {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// CodeOf returns the domain code of err, or empty string
func CodeOf(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// ValidationErrors is a field-keyed collection of validation messages.
// It is collected, not short-circuited, so callers see every problem at once.
type ValidationErrors map[string][]string

// Add appends a message for field
func (v ValidationErrors) Add(field, message string) {
	v[field] = append(v[field], message)
}

// Addf appends a formatted message for field
func (v ValidationErrors) Addf(field, format string, args ...any) {
	v.Add(field, fmt.Sprintf(format, args...))
}

// Merge copies all messages from other, prefixing field names when prefix is set
func (v ValidationErrors) Merge(prefix string, other ValidationErrors) {
	for field, msgs := range other {
		key := field
		if prefix != "" {
			key = prefix + "." + field
		}
		v[key] = append(v[key], msgs...)
	}
}

// Has reports whether any message was recorded for field
func (v ValidationErrors) Has(field string) bool {
	return len(v[field]) > 0
}

// Empty reports whether no messages were recorded
func (v ValidationErrors) Empty() bool {
	return len(v) == 0
}

// Messages flattens the map into "field: message" strings in field order
func (v ValidationErrors) Messages() []string {
	fields := make([]string, 0, len(v))
	for f := range v {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var out []string
	for _, f := range fields {
		for _, m := range v[f] {
			out = append(out, f+": "+m)
		}
	}
	return out
}

// Error implements the error interface
func (v ValidationErrors) Error() string {
	return "validation failed: " + strings.Join(v.Messages(), "; ")
}

// Err returns v as an error, or nil when empty
func (v ValidationErrors) Err() error {
	if v.Empty() {
		return nil
	}
	return v
}

// AsValidation extracts ValidationErrors from err
func AsValidation(err error) (ValidationErrors, bool) {
	var v ValidationErrors
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}
