package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/septivank/utility-billing/internal/security"
	"go.uber.org/zap"
)

const maxReportBytes = 10 << 10

// cspReport receives browser CSP violation reports. The tenant is taken from
// the tenant_id query parameter of the report-uri, when present.
func (a *API) cspReport(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var env security.Envelope
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReportBytes)).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REPORT", "invalid CSP report")
		return
	}
	if verrs := a.requests.Struct(env); !verrs.Empty() {
		writeValidation(w, verrs)
		return
	}
	tenantID, err := queryInt64(r, "tenant_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ID", err.Error())
		return
	}

	v, err := a.security.Record(r.Context(), security.Source{
		TenantID:  tenantID,
		UserAgent: r.UserAgent(),
		RemoteIP:  r.RemoteAddr,
		RequestID: middleware.GetReqID(r.Context()),
	}, env.Report)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.logger.Debug("csp violation recorded",
		zap.Int64("violation_id", v.ID),
		zap.String("severity", v.Severity),
	)
	w.WriteHeader(http.StatusNoContent)
}
