package reading

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/septivank/utility-billing/internal/db"
	"github.com/septivank/utility-billing/tools/timeparser"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MaxImportBytes bounds the size of an imported file
const MaxImportBytes = 10 << 20

// readingValuePrefix marks CSV columns holding one field of a multi-value reading
const readingValuePrefix = "reading_values."

var defaultColumns = []string{"meter_id", "reading_date", "value", "zone"}

// ImportOptions controls CSV parsing. FieldMapping maps reading fields to CSV
// column names; unmapped fields use their own name.
type ImportOptions struct {
	HasHeaders   bool              `json:"has_headers"`
	FieldMapping map[string]string `json:"field_mapping,omitempty"`
	EnteredBy    *int64            `json:"entered_by,omitempty"`
}

// DefaultImportOptions expects a header row with the standard column names
func DefaultImportOptions() ImportOptions {
	return ImportOptions{HasHeaders: true}
}

// RowError reports a rejected row. Row is 1-based over data rows; 0 marks a
// failure of the whole file.
type RowError struct {
	Row   int               `json:"row"`
	Error string            `json:"error"`
	Data  map[string]string `json:"data,omitempty"`
}

// ImportResult summarizes a CSV import
type ImportResult struct {
	BatchID           string     `json:"batch_id"`
	TotalRows         int        `json:"total_rows"`
	SuccessfulImports int        `json:"successful_imports"`
	FailedImports     int        `json:"failed_imports"`
	Errors            []RowError `json:"errors"`
	Warnings          []string   `json:"warnings"`
}

// ImportCSV creates one reading per row. Each row is validated and stored on
// its own; failing rows are reported and the import continues.
func (c *Collector) ImportCSV(ctx context.Context, r io.Reader, opts ImportOptions) ImportResult {
	result := ImportResult{BatchID: uuid.NewString(), Errors: []RowError{}, Warnings: []string{}}
	logger := c.logger.With(zap.String("batch_id", result.BatchID))

	rows, err := parseCSV(r, opts)
	if err != nil {
		logger.Error("CSV import failed", zap.Error(err))
		result.Errors = append(result.Errors, RowError{Row: 0, Error: err.Error()})
		return result
	}
	result.TotalRows = len(rows)

	notes := "Imported from CSV batch " + result.BatchID
	for i, row := range rows {
		in, err := mapRow(row, opts)
		if err != nil {
			result.FailedImports++
			result.Errors = append(result.Errors, RowError{Row: i + 1, Error: err.Error(), Data: row})
			continue
		}
		in.InputMethod = db.InputCSVImport
		in.EnteredBy = opts.EnteredBy
		if in.Notes == nil {
			in.Notes = &notes
		}

		outcome := c.CreateReading(ctx, in)
		if !outcome.Success {
			result.FailedImports++
			result.Errors = append(result.Errors, RowError{
				Row:   i + 1,
				Error: strings.Join(outcome.Errors.Messages(), "; "),
				Data:  row,
			})
			continue
		}
		result.SuccessfulImports++
		result.Warnings = append(result.Warnings, outcome.Warnings...)
	}

	logger.Info("CSV import completed",
		zap.Int("total_rows", result.TotalRows),
		zap.Int("successful", result.SuccessfulImports),
		zap.Int("failed", result.FailedImports),
	)
	return result
}

func parseCSV(r io.Reader, opts ImportOptions) ([]map[string]string, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxImportBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV: %w", err)
	}
	if len(data) > MaxImportBytes {
		return nil, errors.New("file size exceeds 10MB limit")
	}

	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, errors.New("CSV file is empty")
	}

	headers := defaultColumns
	if opts.HasHeaders {
		headers = make([]string, len(records[0]))
		for i, h := range records[0] {
			headers[i] = strings.TrimSpace(h)
		}
		records = records[1:]
	}

	rows := make([]map[string]string, 0, len(records))
	for _, rec := range records {
		row := make(map[string]string, len(headers))
		for i, h := range headers {
			if i < len(rec) {
				row[h] = strings.TrimSpace(rec[i])
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func column(field string, opts ImportOptions) string {
	if name, ok := opts.FieldMapping[field]; ok {
		return name
	}
	return field
}

func mapRow(row map[string]string, opts ImportOptions) (Input, error) {
	var in Input

	if raw := row[column("meter_id", opts)]; raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return in, fmt.Errorf("meter_id: %q is not a number", raw)
		}
		in.MeterID = id
	}

	if raw := row[column("reading_date", opts)]; raw != "" {
		date, err := timeparser.ParseReadingDate(raw)
		if err != nil {
			return in, fmt.Errorf("reading_date: %w", err)
		}
		in.ReadingDate = date
	}

	if raw := row[column("value", opts)]; raw != "" {
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return in, fmt.Errorf("value: %q is not a number", raw)
		}
		in.Value = &v
	}

	if raw := row[column("zone", opts)]; raw != "" {
		zone := raw
		in.Zone = &zone
	}

	if raw := row[column("notes", opts)]; raw != "" {
		notes := raw
		in.Notes = &notes
	}

	for name, raw := range row {
		field, ok := strings.CutPrefix(name, readingValuePrefix)
		if !ok || raw == "" {
			continue
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return in, fmt.Errorf("%s: %q is not a number", name, raw)
		}
		if in.ReadingValues == nil {
			in.ReadingValues = map[string]decimal.Decimal{}
		}
		in.ReadingValues[field] = v
	}

	return in, nil
}
