package audit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/septivank/utility-billing/internal/anomaly"
	"github.com/septivank/utility-billing/internal/cache"
	"github.com/septivank/utility-billing/internal/db"
	"github.com/septivank/utility-billing/internal/store"
	"github.com/septivank/utility-billing/tools/timeparser"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Severity grades an anomaly
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// ComplianceStatus is the verdict for a compliance score
type ComplianceStatus string

const (
	StatusCompliant    ComplianceStatus = "compliant"
	StatusWarning      ComplianceStatus = "warning"
	StatusNonCompliant ComplianceStatus = "non_compliant"
)

// Compliance categories
const (
	CategoryAuditTrail    = "audit_trail_completeness"
	CategoryDataRetention = "data_retention"
	CategoryRegulatory    = "regulatory"
	CategorySecurity      = "security"
	CategoryDataQuality   = "data_quality"
)

const rollbackPatternMatch = 0.8

// keyFields are compared when looking for a change that restores an earlier state
var keyFields = []string{"name", "configuration", "tariff_id", "unit_of_measurement", "is_active"}

var (
	hundred          = decimal.NewFromInt(100)
	compliantScore   = decimal.NewFromInt(95)
	warningScore     = decimal.NewFromInt(80)
	billingAccuracy  = decimal.NewFromInt(98)
	maxSystemChanges = decimal.NewFromInt(5)
)

// Summary counts the changes of the report period
type Summary struct {
	TotalChanges   int                   `json:"total_changes"`
	UserChanges    int                   `json:"user_changes"`
	SystemChanges  int                   `json:"system_changes"`
	EventBreakdown map[db.AuditEvent]int `json:"event_breakdown"`
	ModelBreakdown map[string]int        `json:"model_breakdown"`
}

// Anomaly is a suspicious pattern in the audit log
type Anomaly struct {
	Type        string         `json:"type"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description"`
	Details     map[string]any `json:"details,omitempty"`
	DetectedAt  time.Time      `json:"detected_at"`
}

// CategoryScore is the compliance score of one category
type CategoryScore struct {
	Score   decimal.Decimal  `json:"score"`
	Status  ComplianceStatus `json:"status"`
	Issues  []string         `json:"issues"`
	Details map[string]any   `json:"details,omitempty"`
}

// Compliance aggregates the category scores
type Compliance struct {
	OverallScore decimal.Decimal          `json:"overall_score"`
	Status       ComplianceStatus         `json:"status"`
	Categories   map[string]CategoryScore `json:"categories"`
}

// PerformanceMetrics describes reading throughput and quality in the period
type PerformanceMetrics struct {
	ReadingsProcessed     int             `json:"readings_processed"`
	ValidatedReadings     int             `json:"validated_readings"`
	RejectedReadings      int             `json:"rejected_readings"`
	ReadingsInReview      int             `json:"readings_in_review"`
	EstimatedReadings     int             `json:"estimated_readings"`
	ValidationSuccessRate decimal.Decimal `json:"validation_success_rate"`
	EstimationRate        decimal.Decimal `json:"estimation_rate"`
	RejectionRate         decimal.Decimal `json:"rejection_rate"`
	AuditEntriesPerHour   decimal.Decimal `json:"audit_entries_per_hour"`
}

// Report is the audit report of a tenant for a period
type Report struct {
	TenantID           int64              `json:"tenant_id"`
	PeriodStart        time.Time          `json:"period_start"`
	PeriodEnd          time.Time          `json:"period_end"`
	Summary            Summary            `json:"summary"`
	ComplianceStatus   Compliance         `json:"compliance_status"`
	PerformanceMetrics PerformanceMetrics `json:"performance_metrics"`
	Anomalies          []Anomaly          `json:"anomalies"`
	GeneratedAt        time.Time          `json:"generated_at"`
}

// ReporterOptions tunes the reporter
type ReporterOptions struct {
	CacheTTL time.Duration
	// BulkChangeThreshold is the number of changes by one user within an hour above which they are flagged
	BulkChangeThreshold int
	RetentionDays       int
}

// Reporter builds read-only audit reports
type Reporter struct {
	store    store.Queries
	detector *anomaly.Detector
	cache    cache.Cache
	opts     ReporterOptions
	logger   *zap.Logger
	now      func() time.Time
}

// NewReporter creates a reporter
func NewReporter(q store.Queries, detector *anomaly.Detector, c cache.Cache, opts ReporterOptions, logger *zap.Logger) *Reporter {
	if opts.BulkChangeThreshold <= 0 {
		opts.BulkChangeThreshold = 10
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 90
	}
	return &Reporter{
		store:    q,
		detector: detector,
		cache:    c,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// GenerateReport covers the days from start through end. Zero dates default
// to the last 30 days. Reports are memoized for the configured TTL.
func (r *Reporter) GenerateReport(ctx context.Context, tenantID int64, start, end time.Time) (*Report, error) {
	if end.IsZero() {
		end = r.now()
	}
	if start.IsZero() {
		start = end.AddDate(0, 0, -30)
	}
	from := timeparser.StartOfDay(start)
	to := timeparser.StartOfDay(end).AddDate(0, 0, 1).Add(-time.Nanosecond)

	key := cache.Key("audit_report", tenantID, from.Format(time.DateOnly), to.Format(time.DateOnly))
	return cache.Remember(ctx, r.cache, r.logger, key, r.opts.CacheTTL, func(ctx context.Context) (*Report, error) {
		return r.build(ctx, tenantID, from, to)
	})
}

func (r *Reporter) build(ctx context.Context, tenantID int64, from, to time.Time) (*Report, error) {
	logs, err := r.store.AuditLogsForTenant(ctx, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit logs: %w", err)
	}
	readings, err := r.store.ReadingsForTenant(ctx, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load readings: %w", err)
	}

	compliance, err := r.compliance(ctx, tenantID, from, to, logs, readings)
	if err != nil {
		return nil, err
	}

	report := &Report{
		TenantID:           tenantID,
		PeriodStart:        from,
		PeriodEnd:          to,
		Summary:            summarize(logs),
		ComplianceStatus:   compliance,
		PerformanceMetrics: performance(logs, readings, from, to),
		Anomalies:          r.detectAnomalies(logs),
		GeneratedAt:        r.now(),
	}

	r.logger.Info("audit report generated",
		zap.Int64("tenant_id", tenantID),
		zap.Int("total_changes", report.Summary.TotalChanges),
		zap.Int("anomalies", len(report.Anomalies)),
		zap.String("compliance_status", string(compliance.Status)),
	)
	return report, nil
}

func summarize(logs []db.AuditLog) Summary {
	s := Summary{
		TotalChanges:   len(logs),
		EventBreakdown: map[db.AuditEvent]int{},
		ModelBreakdown: map[string]int{},
	}
	for _, l := range logs {
		if l.IsSystem() {
			s.SystemChanges++
		} else {
			s.UserChanges++
		}
		s.EventBreakdown[l.Event]++
		s.ModelBreakdown[l.AuditableType]++
	}
	return s
}

func configurationChanges(logs []db.AuditLog) []db.AuditLog {
	var out []db.AuditLog
	for _, l := range logs {
		if isConfigurationType(l.AuditableType) {
			out = append(out, l)
		}
	}
	return out
}

// detectAnomalies inspects configuration changes only
func (r *Reporter) detectAnomalies(logs []db.AuditLog) []Anomaly {
	changes := configurationChanges(logs)
	anomalies := []Anomaly{}
	if len(changes) == 0 {
		return anomalies
	}
	now := r.now()

	if a, ok := r.changeFrequency(changes); ok {
		a.DetectedAt = now
		anomalies = append(anomalies, a)
	}
	if windows := r.bulkChanges(changes); len(windows) > 0 {
		anomalies = append(anomalies, Anomaly{
			Type:        "bulk_changes",
			Severity:    SeverityHigh,
			Description: "multiple rapid changes detected from a single user",
			Details:     map[string]any{"windows": windows},
			DetectedAt:  now,
		})
	}
	if patterns := restoredStates(changes); len(patterns) > 0 {
		anomalies = append(anomalies, Anomaly{
			Type:        "configuration_rollbacks",
			Severity:    SeverityMedium,
			Description: "configurations were changed and then changed back",
			Details:     map[string]any{"patterns": patterns},
			DetectedAt:  now,
		})
	}

	rollbacks, system := 0, 0
	for _, c := range changes {
		if c.Event == db.EventRollback {
			rollbacks++
		}
		if c.IsSystem() {
			system++
		}
	}
	if rollbacks*2 > len(changes) {
		anomalies = append(anomalies, Anomaly{
			Type:        "rollback_spike",
			Severity:    SeverityCritical,
			Description: "rollbacks make up more than half of all configuration changes",
			Details:     map[string]any{"rollbacks": rollbacks, "total_changes": len(changes)},
			DetectedAt:  now,
		})
	}
	if system > 0 {
		anomalies = append(anomalies, Anomaly{
			Type:        "system_changes",
			Severity:    SeverityLow,
			Description: fmt.Sprintf("%d configuration change(s) were made without a user", system),
			Details:     map[string]any{"count": system},
			DetectedAt:  now,
		})
	}
	return anomalies
}

func (r *Reporter) changeFrequency(changes []db.AuditLog) (Anomaly, bool) {
	if r.detector == nil {
		return Anomaly{}, false
	}
	byDay := map[string]int{}
	for _, c := range changes {
		byDay[c.CreatedAt.Format(time.DateOnly)]++
	}
	days := make([]string, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Strings(days)
	series := make([]float64, len(days))
	for i, day := range days {
		series[i] = float64(byDay[day])
	}

	peak, anomalous := r.detector.PeakOverAverage(series)
	if !anomalous {
		return Anomaly{}, false
	}
	return Anomaly{
		Type:        "high_change_frequency",
		Severity:    SeverityMedium,
		Description: "unusually high number of configuration changes detected",
		Details: map[string]any{
			"peak_day":     days[peak.Index],
			"peak":         peak.Value,
			"average":      round2(peak.Average),
			"threshold":    round2(peak.Average * r.detector.Threshold()),
			"daily_counts": byDay,
		},
	}, true
}

// BulkWindow is an hour in which one user changed more than the threshold
type BulkWindow struct {
	UserID      int64     `json:"user_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	ChangeCount int       `json:"change_count"`
}

// bulkChanges reports, per user, the busiest hour-long window that exceeds the threshold
func (r *Reporter) bulkChanges(changes []db.AuditLog) []BulkWindow {
	byUser := map[int64][]time.Time{}
	for _, c := range changes {
		if c.UserID != nil {
			byUser[*c.UserID] = append(byUser[*c.UserID], c.CreatedAt)
		}
	}

	var windows []BulkWindow
	for user, times := range byUser {
		sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
		best := BulkWindow{UserID: user}
		for i, start := range times {
			end := start.Add(time.Hour)
			n := 0
			for _, t := range times[i:] {
				if t.After(end) {
					break
				}
				n++
			}
			if n > best.ChangeCount {
				best.WindowStart, best.WindowEnd, best.ChangeCount = start, end, n
			}
		}
		if best.ChangeCount > r.opts.BulkChangeThreshold {
			windows = append(windows, best)
		}
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].UserID < windows[j].UserID })
	return windows
}

// RestoredState is an A to B to A sequence of updates on one entity
type RestoredState struct {
	ModelType      string `json:"model_type"`
	ModelID        int64  `json:"model_id"`
	OriginalChange int64  `json:"original_change"`
	RevertedChange int64  `json:"reverted_change"`
	RestoreChange  int64  `json:"rollback_change"`
}

func restoredStates(changes []db.AuditLog) []RestoredState {
	type entity struct {
		typ string
		id  int64
	}
	history := map[entity][]db.AuditLog{}
	var order []entity
	for _, c := range changes {
		if c.Event != db.EventUpdated {
			continue
		}
		e := entity{c.AuditableType, c.AuditableID}
		if _, seen := history[e]; !seen {
			order = append(order, e)
		}
		history[e] = append(history[e], c)
	}

	var out []RestoredState
	for _, e := range order {
		h := history[e]
		sort.SliceStable(h, func(i, j int) bool { return h[i].ID < h[j].ID })
		for i := 0; i+2 < len(h); i++ {
			if restores(h[i], h[i+1], h[i+2]) {
				out = append(out, RestoredState{
					ModelType:      e.typ,
					ModelID:        e.id,
					OriginalChange: h[i].ID,
					RevertedChange: h[i+1].ID,
					RestoreChange:  h[i+2].ID,
				})
			}
		}
	}
	return out
}

// restores reports whether potential brings the key fields back to what original set
func restores(original, intermediate, potential db.AuditLog) bool {
	if len(original.NewValues) == 0 || len(intermediate.NewValues) == 0 || len(potential.NewValues) == 0 {
		return false
	}
	matches, total := 0, 0
	for _, field := range keyFields {
		a, okA := original.NewValues[field]
		b, okB := potential.NewValues[field]
		if !okA || !okB {
			continue
		}
		total++
		if equalValues(a, b) {
			matches++
		}
	}
	return total > 0 && float64(matches)/float64(total) >= rollbackPatternMatch
}

func percent(part, total int) decimal.Decimal {
	if total == 0 {
		return hundred
	}
	return decimal.NewFromInt(int64(part)).Mul(hundred).Div(decimal.NewFromInt(int64(total))).Round(2)
}

func statusFor(score decimal.Decimal) ComplianceStatus {
	switch {
	case score.GreaterThanOrEqual(compliantScore):
		return StatusCompliant
	case score.GreaterThanOrEqual(warningScore):
		return StatusWarning
	default:
		return StatusNonCompliant
	}
}

func category(score decimal.Decimal, issues []string, details map[string]any) CategoryScore {
	if score.IsNegative() {
		score = decimal.Zero
	}
	if issues == nil {
		issues = []string{}
	}
	return CategoryScore{Score: score, Status: statusFor(score), Issues: issues, Details: details}
}

// complete reports whether an entry names its user and carries the values its event implies
func complete(l db.AuditLog) bool {
	if l.IsSystem() {
		return false
	}
	switch l.Event {
	case db.EventCreated:
		return len(l.NewValues) > 0
	case db.EventDeleted:
		return len(l.OldValues) > 0
	default:
		return len(l.OldValues) > 0 && len(l.NewValues) > 0
	}
}

func (r *Reporter) compliance(ctx context.Context, tenantID int64, from, to time.Time, logs []db.AuditLog, readings []db.MeterReading) (Compliance, error) {
	categories := map[string]CategoryScore{}

	completeCount := 0
	for _, l := range logs {
		if complete(l) {
			completeCount++
		}
	}
	score := percent(completeCount, len(logs))
	var issues []string
	if score.LessThan(compliantScore) {
		issues = append(issues, "incomplete audit trail entries detected")
	}
	categories[CategoryAuditTrail] = category(score, issues, map[string]any{
		"total_audits":    len(logs),
		"complete_audits": completeCount,
	})

	retention, err := r.retention(ctx, tenantID)
	if err != nil {
		return Compliance{}, err
	}
	categories[CategoryDataRetention] = retention

	regulatory, err := r.regulatory(ctx, tenantID, from, to, readings)
	if err != nil {
		return Compliance{}, err
	}
	categories[CategoryRegulatory] = regulatory

	security, err := r.security(ctx, tenantID, from, to, logs)
	if err != nil {
		return Compliance{}, err
	}
	categories[CategorySecurity] = security

	validated := 0
	for _, rd := range readings {
		if rd.ValidationStatus == db.StatusValidated {
			validated++
		}
	}
	score = percent(validated, len(readings))
	issues = nil
	if score.LessThan(compliantScore) {
		issues = append(issues, "data quality below regulatory threshold")
	}
	categories[CategoryDataQuality] = category(score, issues, map[string]any{
		"total_readings":     len(readings),
		"validated_readings": validated,
	})

	sum := decimal.Zero
	for _, c := range categories {
		sum = sum.Add(c.Score)
	}
	overall := sum.Div(decimal.NewFromInt(int64(len(categories)))).Round(2)
	return Compliance{OverallScore: overall, Status: statusFor(overall), Categories: categories}, nil
}

// retention checks that entries past the retention period still hold their values
func (r *Reporter) retention(ctx context.Context, tenantID int64) (CategoryScore, error) {
	cutoff := r.now().AddDate(0, 0, -r.opts.RetentionDays)
	old, err := r.store.AuditLogsForTenant(ctx, tenantID, time.Time{}, cutoff)
	if err != nil {
		return CategoryScore{}, fmt.Errorf("failed to load retained audit logs: %w", err)
	}
	intact := 0
	for _, l := range old {
		if len(l.OldValues) > 0 || len(l.NewValues) > 0 {
			intact++
		}
	}
	score := percent(intact, len(old))
	var issues []string
	if score.LessThan(compliantScore) {
		issues = append(issues, "audit entries past the retention period lost their values")
	}
	return category(score, issues, map[string]any{
		"retention_period_days": r.opts.RetentionDays,
		"old_audits_count":      len(old),
		"properly_retained":     intact,
	}), nil
}

func (r *Reporter) regulatory(ctx context.Context, tenantID int64, from, to time.Time, readings []db.MeterReading) (CategoryScore, error) {
	configs, err := r.store.ActiveServiceConfigurations(ctx, tenantID)
	if err != nil {
		return CategoryScore{}, fmt.Errorf("failed to load service configurations: %w", err)
	}

	score := hundred
	var issues []string

	read := map[int64]bool{}
	for _, rd := range readings {
		read[rd.MeterID] = true
	}
	unread, untariffed := 0, 0
	for _, c := range configs {
		if c.MeterID != nil && !read[*c.MeterID] {
			unread++
		}
		if c.TariffID == nil {
			untariffed++
		}
	}
	if unread > 0 {
		issues = append(issues, fmt.Sprintf("%d billed meter(s) have no reading in the period", unread))
		score = score.Sub(decimal.NewFromInt(20))
	}

	rejected := 0
	for _, rd := range readings {
		if rd.ValidationStatus == db.StatusRejected {
			rejected++
		}
	}
	accuracy := percent(len(readings)-rejected, len(readings))
	if accuracy.LessThan(billingAccuracy) {
		issues = append(issues, "billing accuracy below regulatory threshold")
		score = score.Sub(decimal.NewFromInt(25))
	}

	if untariffed > 0 {
		issues = append(issues, fmt.Sprintf("%d active configuration(s) have no tariff", untariffed))
		score = score.Sub(decimal.NewFromInt(15))
	}

	return category(score, issues, map[string]any{
		"meters_without_readings":       unread,
		"billing_accuracy":              accuracy,
		"configurations_without_tariff": untariffed,
	}), nil
}

func (r *Reporter) security(ctx context.Context, tenantID int64, from, to time.Time, logs []db.AuditLog) (CategoryScore, error) {
	violations, err := r.store.SecurityViolationsForTenant(ctx, tenantID, from, to)
	if err != nil {
		return CategoryScore{}, fmt.Errorf("failed to load security violations: %w", err)
	}

	score := hundred
	var issues []string

	bySeverity := map[string]int{}
	for _, v := range violations {
		bySeverity[v.Severity]++
	}
	if n := bySeverity[string(SeverityCritical)]; n > 0 {
		issues = append(issues, fmt.Sprintf("%d critical security violation(s) reported", n))
		score = score.Sub(decimal.NewFromInt(30))
	}
	if n := bySeverity[string(SeverityHigh)]; n > 0 {
		issues = append(issues, fmt.Sprintf("%d high severity security violation(s) reported", n))
		score = score.Sub(decimal.NewFromInt(20))
	}

	changes := configurationChanges(logs)
	system := 0
	for _, c := range changes {
		if c.IsSystem() {
			system++
		}
	}
	systemShare := hundred.Sub(percent(len(changes)-system, len(changes)))
	if systemShare.GreaterThan(maxSystemChanges) {
		issues = append(issues, "configuration changes without an accountable user")
		score = score.Sub(decimal.NewFromInt(20))
	}

	return category(score, issues, map[string]any{
		"violations":          len(violations),
		"violations_severity": bySeverity,
		"system_change_share": systemShare,
	}), nil
}

func performance(logs []db.AuditLog, readings []db.MeterReading, from, to time.Time) PerformanceMetrics {
	m := PerformanceMetrics{ReadingsProcessed: len(readings)}
	for _, rd := range readings {
		switch rd.ValidationStatus {
		case db.StatusValidated:
			m.ValidatedReadings++
		case db.StatusRejected:
			m.RejectedReadings++
		case db.StatusRequiresReview:
			m.ReadingsInReview++
		}
		if rd.InputMethod == db.InputEstimated {
			m.EstimatedReadings++
		}
	}

	if len(readings) > 0 {
		m.ValidationSuccessRate = percent(m.ValidatedReadings, len(readings))
		m.EstimationRate = percent(m.EstimatedReadings, len(readings))
		m.RejectionRate = percent(m.RejectedReadings, len(readings))
	}
	if hours := to.Sub(from).Hours(); hours > 0 {
		m.AuditEntriesPerHour = decimal.NewFromInt(int64(len(logs))).Div(decimal.NewFromFloat(hours)).Round(2)
	}
	return m
}
