package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/septivank/utility-billing/internal/db"
)

const auditLogColumns = `id, tenant_id, auditable_type, auditable_id, event, old_values, new_values, user_id, metadata, created_at`

func scanAuditLog(row pgx.Row) (*db.AuditLog, error) {
	var (
		a                       db.AuditLog
		oldValues, newValues, m []byte
	)
	if err := row.Scan(
		&a.ID,
		&a.TenantID,
		&a.AuditableType,
		&a.AuditableID,
		&a.Event,
		&oldValues,
		&newValues,
		&a.UserID,
		&m,
		&a.CreatedAt,
	); err != nil {
		return nil, err
	}
	if err := decodeJSON(oldValues, &a.OldValues); err != nil {
		return nil, err
	}
	if err := decodeJSON(newValues, &a.NewValues); err != nil {
		return nil, err
	}
	if err := decodeJSON(m, &a.Metadata); err != nil {
		return nil, err
	}
	return &a, nil
}

func collectAuditLogs(rows pgx.Rows) ([]db.AuditLog, error) {
	defer rows.Close()

	var logs []db.AuditLog
	for rows.Next() {
		a, err := scanAuditLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		logs = append(logs, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return logs, nil
}

// AuditLog retrieves an audit entry by id
func (r *Repository) AuditLog(ctx context.Context, id int64) (*db.AuditLog, error) {
	query := `SELECT ` + auditLogColumns + ` FROM audit_logs WHERE id = $1`

	a, err := scanAuditLog(r.q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFoundOr(err, "audit log", id, "query audit log")
	}
	return a, nil
}

// AuditLogsForTenant lists a tenant's audit entries created within [from, to], oldest first
func (r *Repository) AuditLogsForTenant(ctx context.Context, tenantID int64, from, to time.Time) ([]db.AuditLog, error) {
	query := `SELECT ` + auditLogColumns + `
		FROM audit_logs
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at ASC, id ASC`

	rows, err := r.q.Query(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	return collectAuditLogs(rows)
}

// AuditLogsForEntity lists the full history of one entity, oldest first
func (r *Repository) AuditLogsForEntity(ctx context.Context, auditableType string, auditableID int64) ([]db.AuditLog, error) {
	query := `SELECT ` + auditLogColumns + `
		FROM audit_logs
		WHERE auditable_type = $1 AND auditable_id = $2
		ORDER BY id ASC`

	rows, err := r.q.Query(ctx, query, auditableType, auditableID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entity audit logs: %w", err)
	}
	return collectAuditLogs(rows)
}

// InsertAuditLog appends an audit entry
func (r *Repository) InsertAuditLog(ctx context.Context, a *db.AuditLog) error {
	oldValues, err := jsonOrNil(a.OldValues)
	if err != nil {
		return err
	}
	newValues, err := jsonOrNil(a.NewValues)
	if err != nil {
		return err
	}
	metadata, err := jsonOrNil(a.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO audit_logs (tenant_id, auditable_type, auditable_id, event, old_values, new_values, user_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`

	err = r.q.QueryRow(ctx, query,
		a.TenantID,
		a.AuditableType,
		a.AuditableID,
		a.Event,
		oldValues,
		newValues,
		a.UserID,
		metadata,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}
