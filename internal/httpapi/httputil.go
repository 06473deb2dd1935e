package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/septivank/utility-billing/internal/apperr"
	"github.com/septivank/utility-billing/internal/billing"
	"github.com/septivank/utility-billing/tools/timeparser"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// errorResponse is the body of every non-2xx response
type errorResponse struct {
	Error   string                  `json:"error"`
	Code    string                  `json:"code"`
	Details apperr.ValidationErrors `json:"details,omitempty"`
}

// writeJSON marshals v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a structured JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

func writeValidation(w http.ResponseWriter, verrs apperr.ValidationErrors) {
	writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
		Error:   "validation failed",
		Code:    apperr.CodeValidation,
		Details: verrs,
	})
}

// decodeJSON decodes the request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

// errorStatus maps an error to its HTTP status and error code
func errorStatus(err error) (int, string) {
	if _, ok := apperr.AsValidation(err); ok {
		return http.StatusUnprocessableEntity, apperr.CodeValidation
	}
	var de *apperr.DomainError
	if errors.As(err, &de) {
		switch de.Code {
		case apperr.CodeNotFound:
			return http.StatusNotFound, de.Code
		case apperr.CodeConcurrencyConflict:
			return http.StatusConflict, de.Code
		case apperr.CodeInvalidInput:
			return http.StatusBadRequest, de.Code
		default:
			return http.StatusUnprocessableEntity, de.Code
		}
	}
	var ce *billing.CalculationError
	if errors.As(err, &ce) {
		return http.StatusUnprocessableEntity, apperr.CodeCalculationFailed
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}

// fail writes err as an error response. Internal errors are logged and their
// message is not exposed.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	if verrs, ok := apperr.AsValidation(err); ok {
		writeValidation(w, verrs)
		return
	}
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, status, code, "internal server error")
		return
	}
	message := err.Error()
	var de *apperr.DomainError
	if errors.As(err, &de) {
		message = de.Message
	}
	writeError(w, status, code, message)
}

// parseID extracts a positive int64 path parameter.
func parseID(w http.ResponseWriter, r *http.Request, paramName string) (int64, bool) {
	raw := chi.URLParam(r, paramName)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "invalid id: "+raw)
		return 0, false
	}
	return id, true
}

func parseDate(verrs apperr.ValidationErrors, field, value string) time.Time {
	d, err := timeparser.ParseReadingDate(value)
	if err != nil {
		verrs.Add(field, "must be a date (YYYY-MM-DD)")
	}
	return d
}

func parseOptionalDate(verrs apperr.ValidationErrors, field string, value *string) *time.Time {
	if value == nil || *value == "" {
		return nil
	}
	d := parseDate(verrs, field, *value)
	return &d
}

// queryPeriod reads the required start and end query parameters
func queryPeriod(r *http.Request) (time.Time, time.Time, error) {
	verrs := apperr.ValidationErrors{}
	q := r.URL.Query()
	var start, end time.Time
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"start", &start}, {"end", &end}} {
		v := q.Get(p.name)
		if v == "" {
			verrs.Add(p.name, "is required")
			continue
		}
		*p.dst = parseDate(verrs, p.name, v)
	}
	if verrs.Empty() && end.Before(start) {
		verrs.Add("end", "must not be before start")
	}
	return start, end, verrs.Err()
}

func queryInt64(r *http.Request, name string) (*int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("%s must be a positive integer", name)
	}
	return &n, nil
}
