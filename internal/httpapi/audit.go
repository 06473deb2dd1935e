package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/septivank/utility-billing/internal/apperr"
	"github.com/septivank/utility-billing/internal/audit"
)

type revertRequest struct {
	UserID *int64 `json:"user_id,omitempty"`
	Reason string `json:"reason" validate:"required,max=1000"`
}

// writeRollbackResult writes a rollback or revert result with the status of
// its failure cause
func writeRollbackResult(w http.ResponseWriter, result audit.RollbackResult) {
	if result.Success {
		writeJSON(w, http.StatusOK, result)
		return
	}
	status := http.StatusUnprocessableEntity
	if result.Err != nil {
		status, _ = errorStatus(result.Err)
	}
	writeJSON(w, status, result)
}

func (a *API) performRollback(w http.ResponseWriter, r *http.Request) {
	var req audit.RollbackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body: "+err.Error())
		return
	}
	if verrs := a.requests.Struct(req); !verrs.Empty() {
		writeValidation(w, verrs)
		return
	}
	writeRollbackResult(w, a.rollbacks.PerformRollback(r.Context(), req))
}

func (a *API) bulkRollback(w http.ResponseWriter, r *http.Request) {
	var req audit.BulkRollbackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body: "+err.Error())
		return
	}
	if verrs := a.requests.Struct(req); !verrs.Empty() {
		writeValidation(w, verrs)
		return
	}

	result, err := a.rollbacks.BulkRollback(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) revertRollback(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	var req revertRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body: "+err.Error())
		return
	}
	if verrs := a.requests.Struct(req); !verrs.Empty() {
		writeValidation(w, verrs)
		return
	}
	writeRollbackResult(w, a.rollbacks.RevertRollback(r.Context(), id, req.UserID, req.Reason))
}

func (a *API) validateRollback(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	v, err := a.rollbacks.ValidateRollback(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *API) rollbackHistory(w http.ResponseWriter, r *http.Request) {
	verrs := apperr.ValidationErrors{}
	modelType := r.URL.Query().Get("model_type")
	if modelType == "" {
		verrs.Add("model_type", "is required")
	}
	modelID, err := queryInt64(r, "model_id")
	if err != nil {
		verrs.Add("model_id", err.Error())
	} else if modelID == nil {
		verrs.Add("model_id", "is required")
	}
	if !verrs.Empty() {
		writeValidation(w, verrs)
		return
	}

	history, err := a.rollbacks.RollbackHistory(r.Context(), modelType, *modelID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rollbacks": history})
}

func (a *API) rollbackCandidates(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := parseID(w, r, "tenantID")
	if !ok {
		return
	}
	candidates, err := a.rollbacks.RollbackCandidates(r.Context(), tenantID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": candidates})
}

// optionalPeriod reads start and end query parameters when given; the
// services default missing bounds.
func optionalPeriod(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	if q.Get("start") == "" && q.Get("end") == "" {
		return time.Time{}, time.Time{}, nil
	}
	verrs := apperr.ValidationErrors{}
	var start, end time.Time
	if v := q.Get("start"); v != "" {
		start = parseDate(verrs, "start", v)
	}
	if v := q.Get("end"); v != "" {
		end = parseDate(verrs, "end", v)
	}
	if verrs.Empty() && !start.IsZero() && !end.IsZero() && end.Before(start) {
		verrs.Add("end", "must not be before start")
	}
	return start, end, verrs.Err()
}

func (a *API) tenantChanges(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := parseID(w, r, "tenantID")
	if !ok {
		return
	}
	start, end, err := optionalPeriod(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var types []string
	if v := r.URL.Query().Get("types"); v != "" {
		types = strings.Split(v, ",")
	}
	if !end.IsZero() {
		end = end.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}

	changes, err := a.tracker.TenantChanges(r.Context(), tenantID, start, end, types...)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": changes})
}

func (a *API) changePatterns(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := parseID(w, r, "tenantID")
	if !ok {
		return
	}
	start, end, err := optionalPeriod(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if !end.IsZero() {
		end = end.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}

	patterns, err := a.tracker.AnalyzeChangePatterns(r.Context(), tenantID, start, end)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, patterns)
}

func (a *API) auditReport(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := parseID(w, r, "tenantID")
	if !ok {
		return
	}
	start, end, err := optionalPeriod(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	report, err := a.reporter.GenerateReport(r.Context(), tenantID, start, end)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
