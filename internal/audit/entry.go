// Package audit records changes to audited entities, reconstructs earlier
// states from the log and reports on change activity.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/septivank/utility-billing/internal/db"
	"github.com/septivank/utility-billing/internal/store"
	"github.com/septivank/utility-billing/internal/tariff"
)

// ConfigurationTypes are the audited models whose changes affect billing
var ConfigurationTypes = []string{tariff.AuditableType, db.ServiceConfigurationAuditableType}

func isConfigurationType(t string) bool {
	for _, ct := range ConfigurationTypes {
		if ct == t {
			return true
		}
	}
	return false
}

// Record appends entry to the log. Entries are never updated or removed.
func Record(ctx context.Context, q store.Queries, entry *db.AuditLog) error {
	if entry.AuditableType == "" || entry.AuditableID <= 0 || entry.Event == "" {
		return fmt.Errorf("incomplete audit entry: type=%q id=%d event=%q", entry.AuditableType, entry.AuditableID, entry.Event)
	}
	entry.OldValues = Normalize(entry.OldValues)
	entry.NewValues = Normalize(entry.NewValues)
	entry.Metadata = Normalize(entry.Metadata)
	if err := q.InsertAuditLog(ctx, entry); err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

// Normalize returns values as they read back from a JSON column, so that
// freshly built and stored maps compare equal.
func Normalize(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return values
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return values
	}
	return out
}

// Diff returns the before and after values of every key that changed
func Diff(before, after map[string]any) (oldValues, newValues map[string]any) {
	b, a := Normalize(before), Normalize(after)
	oldValues, newValues = map[string]any{}, map[string]any{}
	for _, k := range unionKeys(b, a) {
		bv, inBefore := b[k]
		av, inAfter := a[k]
		if inBefore == inAfter && reflect.DeepEqual(bv, av) {
			continue
		}
		if inBefore {
			oldValues[k] = bv
		}
		if inAfter {
			newValues[k] = av
		}
	}
	return oldValues, newValues
}

// Subset returns the entries of values whose keys appear in keys
func Subset(values, keys map[string]any) map[string]any {
	out := make(map[string]any, len(keys))
	for k := range keys {
		if v, ok := values[k]; ok {
			out[k] = v
		}
	}
	return out
}

func unionKeys(maps ...map[string]any) []string {
	seen := map[string]bool{}
	var keys []string
	for _, m := range maps {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

// Created builds the entry for a newly created entity
func Created(tenantID int64, auditableType string, auditableID int64, values map[string]any, userID *int64) db.AuditLog {
	return db.AuditLog{
		TenantID:      tenantID,
		AuditableType: auditableType,
		AuditableID:   auditableID,
		Event:         db.EventCreated,
		NewValues:     Normalize(values),
		UserID:        userID,
	}
}

// Updated builds the entry for a change. ok is false when nothing changed.
func Updated(tenantID int64, auditableType string, auditableID int64, before, after map[string]any, userID *int64) (entry db.AuditLog, ok bool) {
	oldValues, newValues := Diff(before, after)
	if len(oldValues) == 0 && len(newValues) == 0 {
		return db.AuditLog{}, false
	}
	return db.AuditLog{
		TenantID:      tenantID,
		AuditableType: auditableType,
		AuditableID:   auditableID,
		Event:         db.EventUpdated,
		OldValues:     oldValues,
		NewValues:     newValues,
		UserID:        userID,
	}, true
}
