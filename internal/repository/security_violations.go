package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/septivank/utility-billing/internal/db"
)

// InsertSecurityViolation stores an already-protected violation report
func (r *Repository) InsertSecurityViolation(ctx context.Context, v *db.SecurityViolation) error {
	metadata, err := jsonOrNil(v.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO security_violations (
			tenant_id, violation_type, directive, document_uri, blocked_uri_encrypted, user_agent_hash,
			source_file, line_number, severity, threat_classification, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at
	`

	err = r.q.QueryRow(ctx, query,
		v.TenantID,
		v.ViolationType,
		v.Directive,
		v.DocumentURI,
		v.BlockedURIEncrypted,
		v.UserAgentHash,
		v.SourceFile,
		v.LineNumber,
		v.Severity,
		v.ThreatClassification,
		metadata,
	).Scan(&v.ID, &v.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert security violation: %w", err)
	}
	return nil
}

// SecurityViolationsForTenant lists violations reported for a tenant within [from, to]
func (r *Repository) SecurityViolationsForTenant(ctx context.Context, tenantID int64, from, to time.Time) ([]db.SecurityViolation, error) {
	query := `
		SELECT id, tenant_id, violation_type, directive, document_uri, blocked_uri_encrypted, user_agent_hash,
		       source_file, line_number, severity, threat_classification, metadata, created_at
		FROM security_violations
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at ASC
	`

	rows, err := r.q.Query(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query security violations: %w", err)
	}
	defer rows.Close()

	var violations []db.SecurityViolation
	for rows.Next() {
		var (
			v        db.SecurityViolation
			uaHash   *string
			metadata []byte
		)
		if err := rows.Scan(
			&v.ID,
			&v.TenantID,
			&v.ViolationType,
			&v.Directive,
			&v.DocumentURI,
			&v.BlockedURIEncrypted,
			&uaHash,
			&v.SourceFile,
			&v.LineNumber,
			&v.Severity,
			&v.ThreatClassification,
			&metadata,
			&v.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan security violation: %w", err)
		}
		if uaHash != nil {
			v.UserAgentHash = *uaHash
		}
		if err := decodeJSON(metadata, &v.Metadata); err != nil {
			return nil, err
		}
		violations = append(violations, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return violations, nil
}
