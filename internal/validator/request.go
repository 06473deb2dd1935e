package validator

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	playground "github.com/go-playground/validator/v10"
	"github.com/septivank/utility-billing/internal/apperr"
)

var clockTagPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// RequestValidator validates inbound request DTOs using struct tags
type RequestValidator struct {
	v *playground.Validate
}

// NewRequestValidator creates a validator that reports fields by their JSON names
func NewRequestValidator() *RequestValidator {
	v := playground.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("hhmm", func(fl playground.FieldLevel) bool {
		return clockTagPattern.MatchString(fl.Field().String())
	})
	return &RequestValidator{v: v}
}

// Struct validates s and returns field-keyed messages
func (r *RequestValidator) Struct(s any) apperr.ValidationErrors {
	verrs := apperr.ValidationErrors{}

	err := r.v.Struct(s)
	if err == nil {
		return verrs
	}

	var fieldErrs playground.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		verrs.Add("request", err.Error())
		return verrs
	}
	for _, fe := range fieldErrs {
		verrs.Add(fieldPath(fe), message(fe))
	}
	return verrs
}

// fieldPath drops the top-level struct name: "CreateReadingRequest.meter_id" -> "meter_id"
func fieldPath(fe playground.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		ns = ns[i+1:]
	}
	ns = strings.ReplaceAll(ns, "[", ".")
	return strings.ReplaceAll(ns, "]", "")
}

func message(e playground.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "min":
		if e.Kind() == reflect.String {
			return "must be at least " + e.Param() + " characters"
		}
		if e.Kind() == reflect.Slice {
			return "must contain at least " + e.Param() + " items"
		}
		return "must be at least " + e.Param()
	case "max":
		if e.Kind() == reflect.String {
			return "must be at most " + e.Param() + " characters"
		}
		if e.Kind() == reflect.Slice {
			return "must contain at most " + e.Param() + " items"
		}
		return "must be at most " + e.Param()
	case "oneof":
		return "must be one of: " + e.Param()
	case "gte":
		return "must be greater than or equal to " + e.Param()
	case "gt":
		return "must be greater than " + e.Param()
	case "len":
		return "must be exactly " + e.Param() + " characters"
	case "hhmm":
		return "must be in HH:MM format"
	case "gtfield":
		return "must be after " + e.Param()
	case "uri", "url":
		return "must be a valid URI"
	default:
		return "is invalid"
	}
}
