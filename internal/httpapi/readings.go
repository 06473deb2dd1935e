package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/septivank/utility-billing/internal/apperr"
	"github.com/septivank/utility-billing/internal/db"
	"github.com/septivank/utility-billing/internal/reading"
	"github.com/shopspring/decimal"
)

type createReadingRequest struct {
	MeterID       int64                      `json:"meter_id" validate:"required,gt=0"`
	ReadingDate   string                     `json:"reading_date" validate:"required"`
	Value         *decimal.Decimal           `json:"value,omitempty"`
	Zone          *string                    `json:"zone,omitempty" validate:"omitempty,max=50"`
	ReadingValues map[string]decimal.Decimal `json:"reading_values,omitempty"`
	InputMethod   db.InputMethod             `json:"input_method,omitempty" validate:"omitempty,oneof=manual photo_ocr csv_import api_integration estimated"`
	EnteredBy     *int64                     `json:"entered_by,omitempty"`
	GPSLocation   *db.GeoPoint               `json:"gps_location,omitempty"`
	PhotoPath     *string                    `json:"photo_path,omitempty" validate:"omitempty,max=512"`
	Notes         *string                    `json:"notes,omitempty" validate:"omitempty,max=1000"`
}

type updateReadingRequest struct {
	ReadingDate   *string                    `json:"reading_date,omitempty"`
	Value         *decimal.Decimal           `json:"value,omitempty"`
	Zone          *string                    `json:"zone,omitempty" validate:"omitempty,max=50"`
	ReadingValues map[string]decimal.Decimal `json:"reading_values,omitempty"`
	Notes         *string                    `json:"notes,omitempty" validate:"omitempty,max=1000"`
	UserID        *int64                     `json:"user_id,omitempty"`
}

type batchStatusRequest struct {
	ReadingIDs []int64             `json:"reading_ids" validate:"required,min=1,max=100,dive,gt=0"`
	NewStatus  db.ValidationStatus `json:"new_status" validate:"required,oneof=pending validated rejected requires_review"`
	UserID     *int64              `json:"user_id,omitempty"`
}

type estimateRequest struct {
	MeterID     int64   `json:"meter_id" validate:"required,gt=0"`
	ReadingDate string  `json:"reading_date" validate:"required"`
	Zone        *string `json:"zone,omitempty"`
	EnteredBy   *int64  `json:"entered_by,omitempty"`
}

type collectRequest struct {
	PeriodStart        string `json:"period_start" validate:"required"`
	PeriodEnd          string `json:"period_end" validate:"required"`
	RegenerateExisting bool   `json:"regenerate_existing"`
	EnteredBy          *int64 `json:"entered_by,omitempty"`
}

type readingResponse struct {
	ID               int64                      `json:"id"`
	TenantID         int64                      `json:"tenant_id"`
	MeterID          int64                      `json:"meter_id"`
	ReadingDate      time.Time                  `json:"reading_date"`
	Value            decimal.Decimal            `json:"value"`
	Zone             *string                    `json:"zone,omitempty"`
	ReadingValues    map[string]decimal.Decimal `json:"reading_values,omitempty"`
	InputMethod      db.InputMethod             `json:"input_method"`
	ValidationStatus db.ValidationStatus        `json:"validation_status"`
	EnteredBy        *int64                     `json:"entered_by,omitempty"`
	ValidatedBy      *int64                     `json:"validated_by,omitempty"`
	GPSLocation      *db.GeoPoint               `json:"gps_location,omitempty"`
	PhotoPath        *string                    `json:"photo_path,omitempty"`
	Notes            *string                    `json:"notes,omitempty"`
	AnomalyReason    *string                    `json:"anomaly_reason,omitempty"`
	CreatedAt        time.Time                  `json:"created_at"`
	UpdatedAt        time.Time                  `json:"updated_at"`
}

func newReadingResponse(r *db.MeterReading) *readingResponse {
	if r == nil {
		return nil
	}
	return &readingResponse{
		ID:               r.ID,
		TenantID:         r.TenantID,
		MeterID:          r.MeterID,
		ReadingDate:      r.ReadingDate,
		Value:            r.Value,
		Zone:             r.Zone,
		ReadingValues:    r.ReadingValues,
		InputMethod:      r.InputMethod,
		ValidationStatus: r.ValidationStatus,
		EnteredBy:        r.EnteredBy,
		ValidatedBy:      r.ValidatedBy,
		GPSLocation:      r.GPSLocation,
		PhotoPath:        r.PhotoPath,
		Notes:            r.Notes,
		AnomalyReason:    r.AnomalyReason,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

type outcomeResponse struct {
	Success  bool                    `json:"success"`
	Reading  *readingResponse        `json:"reading,omitempty"`
	Errors   apperr.ValidationErrors `json:"errors"`
	Warnings []string                `json:"warnings"`
}

// writeOutcome writes a collector outcome: successStatus on success, otherwise
// the status of the failure cause with the field errors in the body.
func writeOutcome(w http.ResponseWriter, out reading.Outcome, successStatus int) {
	resp := outcomeResponse{
		Success:  out.Success,
		Reading:  newReadingResponse(out.Reading),
		Errors:   out.Errors,
		Warnings: out.Warnings,
	}
	if resp.Errors == nil {
		resp.Errors = apperr.ValidationErrors{}
	}
	if resp.Warnings == nil {
		resp.Warnings = []string{}
	}
	if out.Success {
		writeJSON(w, successStatus, resp)
		return
	}
	status := http.StatusUnprocessableEntity
	if out.Err != nil {
		status, _ = errorStatus(out.Err)
	}
	writeJSON(w, status, resp)
}

func (a *API) createReading(w http.ResponseWriter, r *http.Request) {
	var req createReadingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body: "+err.Error())
		return
	}
	verrs := a.requests.Struct(req)
	date := parseDate(verrs, "reading_date", req.ReadingDate)
	if !verrs.Empty() {
		writeValidation(w, verrs)
		return
	}

	method := req.InputMethod
	if method == "" {
		method = db.InputManual
	}
	out := a.collector.CreateReading(r.Context(), reading.Input{
		MeterID:       req.MeterID,
		ReadingDate:   date,
		Value:         req.Value,
		Zone:          req.Zone,
		ReadingValues: req.ReadingValues,
		InputMethod:   method,
		EnteredBy:     req.EnteredBy,
		GPSLocation:   req.GPSLocation,
		PhotoPath:     req.PhotoPath,
		Notes:         req.Notes,
	})
	writeOutcome(w, out, http.StatusCreated)
}

func (a *API) updateReading(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	var req updateReadingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body: "+err.Error())
		return
	}
	verrs := a.requests.Struct(req)
	date := parseOptionalDate(verrs, "reading_date", req.ReadingDate)
	if !verrs.Empty() {
		writeValidation(w, verrs)
		return
	}

	out := a.collector.UpdateReading(r.Context(), id, reading.UpdateInput{
		ReadingDate:   date,
		Value:         req.Value,
		Zone:          req.Zone,
		ReadingValues: req.ReadingValues,
		Notes:         req.Notes,
		UserID:        req.UserID,
	})
	writeOutcome(w, out, http.StatusOK)
}

func (a *API) batchUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req batchStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body: "+err.Error())
		return
	}
	if verrs := a.requests.Struct(req); !verrs.Empty() {
		writeValidation(w, verrs)
		return
	}

	result, err := a.collector.BatchUpdateStatus(r.Context(), req.ReadingIDs, req.NewStatus, req.UserID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// importReadings accepts either a multipart upload with the CSV in the "file"
// part or a raw text/csv body. Options come from form or query values:
// has_headers (default true), field_mapping (JSON object) and entered_by.
func (a *API) importReadings(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, reading.MaxImportBytes)

	body := r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(reading.MaxImportBytes); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_UPLOAD", "invalid multipart upload: "+err.Error())
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			verrs := apperr.ValidationErrors{}
			verrs.Add("file", "is required")
			writeValidation(w, verrs)
			return
		}
		defer file.Close()
		body = file
	}

	opts, verrs := importOptions(r)
	if !verrs.Empty() {
		writeValidation(w, verrs)
		return
	}

	result := a.collector.ImportCSV(r.Context(), body, opts)
	status := http.StatusOK
	if result.TotalRows == 0 && len(result.Errors) > 0 {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

func importOptions(r *http.Request) (reading.ImportOptions, apperr.ValidationErrors) {
	verrs := apperr.ValidationErrors{}
	opts := reading.DefaultImportOptions()

	if v := r.FormValue("has_headers"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			verrs.Add("has_headers", "must be true or false")
		}
		opts.HasHeaders = b
	}
	if v := r.FormValue("field_mapping"); v != "" {
		if err := json.Unmarshal([]byte(v), &opts.FieldMapping); err != nil {
			verrs.Add("field_mapping", "must be a JSON object of field to column name")
		}
	}
	if v := r.FormValue("entered_by"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			verrs.Add("entered_by", "must be a positive integer")
		} else {
			opts.EnteredBy = &id
		}
	}
	return opts, verrs
}

func (a *API) estimateReading(w http.ResponseWriter, r *http.Request) {
	var req estimateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body: "+err.Error())
		return
	}
	verrs := a.requests.Struct(req)
	date := parseDate(verrs, "reading_date", req.ReadingDate)
	if !verrs.Empty() {
		writeValidation(w, verrs)
		return
	}

	out := a.collector.CreateEstimatedReading(r.Context(), reading.EstimateInput{
		MeterID:     req.MeterID,
		ReadingDate: date,
		Zone:        req.Zone,
		EnteredBy:   req.EnteredBy,
	})
	writeOutcome(w, out, http.StatusCreated)
}

func (a *API) collectReadings(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := parseID(w, r, "tenantID")
	if !ok {
		return
	}
	var req collectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body: "+err.Error())
		return
	}
	verrs := a.requests.Struct(req)
	start := parseDate(verrs, "period_start", req.PeriodStart)
	end := parseDate(verrs, "period_end", req.PeriodEnd)
	if verrs.Empty() && end.Before(start) {
		verrs.Add("period_end", "must not be before period_start")
	}
	if !verrs.Empty() {
		writeValidation(w, verrs)
		return
	}

	result := a.collector.CollectReadingsForPeriod(r.Context(), tenantID, start, end, reading.CollectOptions{
		RegenerateExisting: req.RegenerateExisting,
		EnteredBy:          req.EnteredBy,
	})
	writeJSON(w, http.StatusOK, result)
}
