package audit

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/septivank/utility-billing/internal/apperr"
	"github.com/septivank/utility-billing/internal/cache"
	"github.com/septivank/utility-billing/internal/db"
	"github.com/septivank/utility-billing/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultLookback    = 30 * 24 * time.Hour
	mostChangedLimit   = 10
	mostRolledBackSize = 5
	systemUser         = "system"
)

// Change is an audit entry as presented to callers
type Change struct {
	AuditID   int64          `json:"audit_id"`
	ModelType string         `json:"model_type"`
	ModelID   int64          `json:"model_id"`
	TenantID  int64          `json:"tenant_id"`
	UserID    *int64         `json:"user_id,omitempty"`
	Event     db.AuditEvent  `json:"event"`
	OldValues map[string]any `json:"old_values"`
	NewValues map[string]any `json:"new_values"`
	ChangedAt time.Time      `json:"changed_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func changeFrom(a db.AuditLog) Change {
	return Change{
		AuditID:   a.ID,
		ModelType: a.AuditableType,
		ModelID:   a.AuditableID,
		TenantID:  a.TenantID,
		UserID:    a.UserID,
		Event:     a.Event,
		OldValues: a.OldValues,
		NewValues: a.NewValues,
		ChangedAt: a.CreatedAt,
		Metadata:  a.Metadata,
	}
}

func userKey(userID *int64) string {
	if userID == nil {
		return systemUser
	}
	return strconv.FormatInt(*userID, 10)
}

// Tracker reads the audit log of a tenant and analyzes how its configuration changes
type Tracker struct {
	store  store.Queries
	cache  cache.Cache
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewTracker creates a tracker. Tenant change lists are memoized for ttl.
func NewTracker(q store.Queries, c cache.Cache, ttl time.Duration, logger *zap.Logger) *Tracker {
	return &Tracker{
		store:  q,
		cache:  c,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

func (t *Tracker) window(start, end time.Time) (time.Time, time.Time) {
	if end.IsZero() {
		end = t.now()
	}
	if start.IsZero() {
		start = end.Add(-defaultLookback)
	}
	return start, end
}

// TenantChanges lists the changes of a tenant between start and end, newest
// first. A zero start looks back 30 days; a zero end means now. When types is
// empty only configuration changes are returned.
func (t *Tracker) TenantChanges(ctx context.Context, tenantID int64, start, end time.Time, types ...string) ([]Change, error) {
	start, end = t.window(start, end)
	if len(types) == 0 {
		types = ConfigurationTypes
	}

	key := cache.Key("tenant_changes", tenantID, start.Format(time.RFC3339), end.Format(time.RFC3339), strings.Join(types, ","))
	return cache.Remember(ctx, t.cache, t.logger, key, t.ttl, func(ctx context.Context) ([]Change, error) {
		logs, err := t.store.AuditLogsForTenant(ctx, tenantID, start, end)
		if err != nil {
			return nil, fmt.Errorf("failed to load tenant changes: %w", err)
		}
		wanted := make(map[string]bool, len(types))
		for _, typ := range types {
			wanted[typ] = true
		}
		changes := make([]Change, 0, len(logs))
		for i := len(logs) - 1; i >= 0; i-- {
			if wanted[logs[i].AuditableType] {
				changes = append(changes, changeFrom(logs[i]))
			}
		}
		return changes, nil
	})
}

// EntityChangeCount counts the changes of one audited entity
type EntityChangeCount struct {
	ModelType   string `json:"model_type"`
	ModelID     int64  `json:"model_id"`
	ChangeCount int    `json:"change_count"`
}

// FrequencyAnalysis describes how changes spread over the days that had any
type FrequencyAnalysis struct {
	AveragePerDay float64  `json:"average_per_day"`
	PeakDay       string   `json:"peak_day,omitempty"`
	PeakCount     int      `json:"peak_count"`
	QuietDays     []string `json:"quiet_periods"`
	BusyDays      []string `json:"busy_periods"`
	DaysAnalyzed  int      `json:"total_days_analyzed"`
}

// RollbackAnalysis summarizes rollbacks among the changes
type RollbackAnalysis struct {
	Total          int                 `json:"total_rollbacks"`
	Rate           float64             `json:"rollback_rate"`
	MostRolledBack []EntityChangeCount `json:"most_rolled_back"`
	ByUser         map[string]int      `json:"rollbacks_by_user"`
}

// ChangePatterns is the result of AnalyzeChangePatterns
type ChangePatterns struct {
	TotalChanges int                   `json:"total_changes"`
	ByEvent      map[db.AuditEvent]int `json:"changes_by_type"`
	ByUser       map[string]int        `json:"changes_by_user"`
	ByDay        map[string]int        `json:"changes_by_day"`
	ByHour       map[string]int        `json:"changes_by_hour"`
	MostChanged  []EntityChangeCount   `json:"most_changed"`
	Frequency    FrequencyAnalysis     `json:"change_frequency_analysis"`
	Rollbacks    RollbackAnalysis      `json:"rollback_analysis"`
}

// AnalyzeChangePatterns groups the configuration changes of a tenant by event,
// user, day and hour and looks at their frequency and rollback rate.
func (t *Tracker) AnalyzeChangePatterns(ctx context.Context, tenantID int64, start, end time.Time) (ChangePatterns, error) {
	changes, err := t.TenantChanges(ctx, tenantID, start, end)
	if err != nil {
		return ChangePatterns{}, err
	}

	p := ChangePatterns{
		TotalChanges: len(changes),
		ByEvent:      map[db.AuditEvent]int{},
		ByUser:       map[string]int{},
		ByDay:        map[string]int{},
		ByHour:       map[string]int{},
	}
	for _, c := range changes {
		p.ByEvent[c.Event]++
		p.ByUser[userKey(c.UserID)]++
		p.ByDay[c.ChangedAt.Format(time.DateOnly)]++
		p.ByHour[c.ChangedAt.Format("15")]++
	}
	p.MostChanged = countByEntity(changes, mostChangedLimit)
	p.Frequency = analyzeFrequency(p.ByDay)
	p.Rollbacks = analyzeRollbacks(changes)
	return p, nil
}

func countByEntity(changes []Change, limit int) []EntityChangeCount {
	type entity struct {
		typ string
		id  int64
	}
	counts := map[entity]int{}
	for _, c := range changes {
		counts[entity{c.ModelType, c.ModelID}]++
	}
	out := make([]EntityChangeCount, 0, len(counts))
	for e, n := range counts {
		out = append(out, EntityChangeCount{ModelType: e.typ, ModelID: e.id, ChangeCount: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChangeCount != out[j].ChangeCount {
			return out[i].ChangeCount > out[j].ChangeCount
		}
		if out[i].ModelType != out[j].ModelType {
			return out[i].ModelType < out[j].ModelType
		}
		return out[i].ModelID < out[j].ModelID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// analyzeFrequency marks days under half the average as quiet and days over
// one and a half times the average as busy
func analyzeFrequency(byDay map[string]int) FrequencyAnalysis {
	fa := FrequencyAnalysis{QuietDays: []string{}, BusyDays: []string{}}
	if len(byDay) == 0 {
		return fa
	}

	days := make([]string, 0, len(byDay))
	total := 0
	for day, n := range byDay {
		days = append(days, day)
		total += n
	}
	sort.Strings(days)

	average := float64(total) / float64(len(days))
	for _, day := range days {
		n := byDay[day]
		if n > fa.PeakCount {
			fa.PeakDay, fa.PeakCount = day, n
		}
		switch {
		case float64(n) < average*0.5:
			fa.QuietDays = append(fa.QuietDays, day)
		case float64(n) > average*1.5:
			fa.BusyDays = append(fa.BusyDays, day)
		}
	}
	fa.AveragePerDay = round2(average)
	fa.DaysAnalyzed = len(days)
	return fa
}

func analyzeRollbacks(changes []Change) RollbackAnalysis {
	ra := RollbackAnalysis{MostRolledBack: []EntityChangeCount{}, ByUser: map[string]int{}}
	var rollbacks []Change
	for _, c := range changes {
		if c.Event == db.EventRollback {
			rollbacks = append(rollbacks, c)
			ra.ByUser[userKey(c.UserID)]++
		}
	}
	if len(rollbacks) == 0 {
		return ra
	}
	ra.Total = len(rollbacks)
	ra.Rate = round2(float64(len(rollbacks)) / float64(len(changes)) * 100)
	ra.MostRolledBack = countByEntity(rollbacks, mostRolledBackSize)
	return ra
}

// FieldChange describes how one field moves between two states
type FieldChange struct {
	From any    `json:"from"`
	To   any    `json:"to"`
	Type string `json:"type"`
}

// RollbackData describes what rolling back an audit entry would restore
type RollbackData struct {
	AuditLogID     int64                  `json:"audit_log_id"`
	TenantID       int64                  `json:"tenant_id"`
	ModelType      string                 `json:"model_type"`
	ModelID        int64                  `json:"model_id"`
	Event          db.AuditEvent          `json:"event"`
	CurrentValues  map[string]any         `json:"current_values"`
	RollbackValues map[string]any         `json:"rollback_values"`
	ChangedFields  []string               `json:"changed_fields"`
	ChangeSummary  map[string]FieldChange `json:"change_summary"`
	LaterChanges   int                    `json:"later_changes"`
	CanRollback    bool                   `json:"can_rollback"`
	Reasons        []string               `json:"reasons,omitempty"`
	Warnings       []string               `json:"rollback_warnings"`
}

// RollbackData loads the audit entry and the current state of its entity
func (t *Tracker) RollbackData(ctx context.Context, auditID int64) (*RollbackData, error) {
	return rollbackData(ctx, t.store, auditID)
}

func rollbackData(ctx context.Context, q store.Queries, auditID int64) (*RollbackData, error) {
	entry, err := q.AuditLog(ctx, auditID)
	if err != nil {
		return nil, err
	}

	data := &RollbackData{
		AuditLogID:     entry.ID,
		TenantID:       entry.TenantID,
		ModelType:      entry.AuditableType,
		ModelID:        entry.AuditableID,
		Event:          entry.Event,
		RollbackValues: entry.OldValues,
		ChangedFields:  sortedKeys(entry.OldValues),
		ChangeSummary:  Summarize(entry.OldValues, entry.NewValues),
		Warnings:       []string{},
	}

	switch entry.Event {
	case db.EventDeleted:
		data.Reasons = append(data.Reasons, "the entity was deleted by this change")
	case db.EventRollback, db.EventRollbackReverted:
		data.Reasons = append(data.Reasons, "this change is itself a rollback; revert the rollback instead")
	}
	if len(entry.OldValues) == 0 {
		data.Reasons = append(data.Reasons, "no previous values were recorded for this change")
	}

	rec, ok := reconstructors[entry.AuditableType]
	if !ok {
		data.Reasons = append(data.Reasons, fmt.Sprintf("rollback is not supported for %s", entry.AuditableType))
		return data, nil
	}

	current, err := rec.load(ctx, q, entry.AuditableID)
	switch {
	case apperr.IsNotFound(err):
		data.Reasons = append(data.Reasons, "the entity no longer exists")
		return data, nil
	case err != nil:
		return nil, err
	}
	data.CurrentValues = current

	history, err := q.AuditLogsForEntity(ctx, entry.AuditableType, entry.AuditableID)
	if err != nil {
		return nil, err
	}
	for _, h := range history {
		if h.ID > entry.ID {
			data.LaterChanges++
		}
	}
	if data.LaterChanges > 0 {
		data.Warnings = append(data.Warnings, fmt.Sprintf("%d later change(s) to this %s will be overwritten", data.LaterChanges, entry.AuditableType))
	}
	if isConfigurationType(entry.AuditableType) {
		data.Warnings = append(data.Warnings, "rolling back this configuration may affect billing calculations")
	}

	data.CanRollback = len(data.Reasons) == 0
	return data, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Summarize lists every field whose value differs between from and to
func Summarize(from, to map[string]any) map[string]FieldChange {
	summary := map[string]FieldChange{}
	if len(from) == 0 || len(to) == 0 {
		return summary
	}
	for field, newValue := range to {
		oldValue := from[field]
		if equalValues(oldValue, newValue) {
			continue
		}
		summary[field] = FieldChange{From: oldValue, To: newValue, Type: changeType(oldValue, newValue)}
	}
	return summary
}

func equalValues(a, b any) bool {
	return reflect.DeepEqual(Normalize(map[string]any{"v": a}), Normalize(map[string]any{"v": b}))
}

func changeType(from, to any) string {
	switch {
	case from == nil && to != nil:
		return "added"
	case from != nil && to == nil:
		return "removed"
	}
	a, okA := numeric(from)
	b, okB := numeric(to)
	if okA && okB {
		if b.GreaterThan(a) {
			return "increased"
		}
		return "decreased"
	}
	return "modified"
}

func numeric(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), true
	case int64:
		return decimal.NewFromInt(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case string:
		d, err := decimal.NewFromString(n)
		return d, err == nil
	}
	return decimal.Zero, false
}
