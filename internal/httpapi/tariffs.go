package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/septivank/utility-billing/internal/apperr"
	"github.com/septivank/utility-billing/internal/billing"
	"github.com/septivank/utility-billing/internal/service"
	"github.com/septivank/utility-billing/internal/tariff"
)

type createTariffRequest struct {
	TenantID      int64           `json:"tenant_id" validate:"required,gt=0"`
	ProviderID    int64           `json:"provider_id" validate:"required,gt=0"`
	Name          string          `json:"name" validate:"required,max=255"`
	Configuration json.RawMessage `json:"configuration" validate:"required"`
	ActiveFrom    string          `json:"active_from" validate:"required"`
	ActiveUntil   *string         `json:"active_until,omitempty"`
	UserID        *int64          `json:"user_id,omitempty"`
}

type updateTariffRequest struct {
	Name             string          `json:"name" validate:"required,max=255"`
	Configuration    json.RawMessage `json:"configuration" validate:"required"`
	ActiveFrom       string          `json:"active_from" validate:"required"`
	ActiveUntil      *string         `json:"active_until,omitempty"`
	CreateNewVersion bool            `json:"create_new_version"`
	Version          *int            `json:"version,omitempty" validate:"omitempty,gt=0"`
	UserID           *int64          `json:"user_id,omitempty"`
}

type validateTariffRequest struct {
	Configuration       json.RawMessage `json:"configuration" validate:"required"`
	RequireFullCoverage bool            `json:"require_full_coverage"`
}

type tariffResponse struct {
	ID            int64                `json:"id"`
	TenantID      int64                `json:"tenant_id"`
	ProviderID    int64                `json:"provider_id"`
	Name          string               `json:"name"`
	Configuration tariff.Configuration `json:"configuration"`
	ActiveFrom    string               `json:"active_from"`
	ActiveUntil   *string              `json:"active_until"`
	Version       int                  `json:"version"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

func newTariffResponse(t *tariff.Tariff) tariffResponse {
	resp := tariffResponse{
		ID:            t.ID,
		TenantID:      t.TenantID,
		ProviderID:    t.ProviderID,
		Name:          t.Name,
		Configuration: t.Configuration,
		ActiveFrom:    t.ActiveFrom.Format(time.DateOnly),
		Version:       t.Version,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
	if t.ActiveUntil != nil {
		until := t.ActiveUntil.Format(time.DateOnly)
		resp.ActiveUntil = &until
	}
	return resp
}

// parseConfiguration parses a configuration document, adding its problems to
// verrs under "configuration."
func parseConfiguration(verrs apperr.ValidationErrors, raw json.RawMessage) tariff.Configuration {
	cfg, err := tariff.Parse(raw)
	if err == nil {
		return cfg
	}
	if v, ok := apperr.AsValidation(err); ok {
		verrs.Merge("configuration", v)
	} else {
		verrs.Add("configuration", err.Error())
	}
	return cfg
}

func (a *API) createTariff(w http.ResponseWriter, r *http.Request) {
	var req createTariffRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body: "+err.Error())
		return
	}
	verrs := a.requests.Struct(req)
	if !verrs.Empty() {
		writeValidation(w, verrs)
		return
	}
	cfg := parseConfiguration(verrs, req.Configuration)
	from := parseDate(verrs, "active_from", req.ActiveFrom)
	until := parseOptionalDate(verrs, "active_until", req.ActiveUntil)
	if !verrs.Empty() {
		writeValidation(w, verrs)
		return
	}

	created, err := a.tariffs.Create(r.Context(), service.CreateTariffInput{
		TenantID:      req.TenantID,
		ProviderID:    req.ProviderID,
		Name:          req.Name,
		Configuration: cfg,
		ActiveFrom:    from,
		ActiveUntil:   until,
		UserID:        req.UserID,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTariffResponse(created))
}

func (a *API) updateTariff(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	var req updateTariffRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body: "+err.Error())
		return
	}
	verrs := a.requests.Struct(req)
	if !verrs.Empty() {
		writeValidation(w, verrs)
		return
	}
	cfg := parseConfiguration(verrs, req.Configuration)
	from := parseDate(verrs, "active_from", req.ActiveFrom)
	until := parseOptionalDate(verrs, "active_until", req.ActiveUntil)
	if !verrs.Empty() {
		writeValidation(w, verrs)
		return
	}

	updated, err := a.tariffs.Update(r.Context(), id, service.UpdateTariffInput{
		Revision: tariff.Revision{
			Name:          req.Name,
			Configuration: cfg,
			ActiveFrom:    from,
			ActiveUntil:   until,
		},
		CreateNewVersion: req.CreateNewVersion,
		Version:          req.Version,
		UserID:           req.UserID,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if req.CreateNewVersion {
		status = http.StatusCreated
	}
	writeJSON(w, status, newTariffResponse(updated))
}

// validateTariff checks a configuration without storing it
func (a *API) validateTariff(w http.ResponseWriter, r *http.Request) {
	var req validateTariffRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body: "+err.Error())
		return
	}
	verrs := a.requests.Struct(req)
	if !verrs.Empty() {
		writeValidation(w, verrs)
		return
	}

	cfg := parseConfiguration(verrs, req.Configuration)
	if tou, ok := cfg.Pricing.(tariff.TimeOfUse); ok && verrs.Empty() && req.RequireFullCoverage {
		slots := make([]tariff.Slot, 0, len(tou.Zones))
		for _, z := range tou.WeekdayZones() {
			slots = append(slots, z.Slot())
		}
		v := tariff.TimeRangeValidator{RequireFullCoverage: true}
		for _, msg := range v.Validate(slots) {
			verrs.Add("configuration.zones", msg)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid":  verrs.Empty(),
		"type":   cfg.Type(),
		"errors": verrs,
	})
}

type calculateRequest struct {
	ServiceConfigurationID int64               `json:"service_configuration_id" validate:"required,gt=0"`
	Consumption            billing.Consumption `json:"consumption"`
	PeriodStart            string              `json:"period_start" validate:"required"`
	PeriodEnd              string              `json:"period_end" validate:"required"`
}

func (a *API) calculateCost(w http.ResponseWriter, r *http.Request) {
	var req calculateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body: "+err.Error())
		return
	}
	verrs := a.requests.Struct(req)
	start := parseDate(verrs, "period_start", req.PeriodStart)
	end := parseDate(verrs, "period_end", req.PeriodEnd)
	if !verrs.Empty() {
		writeValidation(w, verrs)
		return
	}

	sc, err := a.store.ServiceConfiguration(r.Context(), req.ServiceConfigurationID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	result, err := a.calculator.CalculateCost(r.Context(), req.Consumption, *sc, start, end)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) tenantBilling(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := parseID(w, r, "tenantID")
	if !ok {
		return
	}
	start, end, err := queryPeriod(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	summary, err := a.billing.Run(r.Context(), tenantID, billing.Period{Start: start, End: end})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
