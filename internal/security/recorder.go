package security

import (
	"context"
	"fmt"
	"time"

	"github.com/septivank/utility-billing/internal/db"
	"go.uber.org/zap"
)

// ViolationTypeCSP is the violation type of CSP reports
const ViolationTypeCSP = "csp"

// ViolationStore persists violations
type ViolationStore interface {
	InsertSecurityViolation(ctx context.Context, v *db.SecurityViolation) error
}

// Source describes the request a report arrived with
type Source struct {
	TenantID  *int64
	UserAgent string
	RemoteIP  string
	RequestID string
}

// Recorder stores CSP violation reports. The blocked URI is stored encrypted
// and the user agent and client address only as keyed hashes.
type Recorder struct {
	store  ViolationStore
	sealer *Sealer
	logger *zap.Logger
	now    func() time.Time
}

// NewRecorder creates a recorder
func NewRecorder(store ViolationStore, sealer *Sealer, logger *zap.Logger) *Recorder {
	return &Recorder{store: store, sealer: sealer, logger: logger, now: time.Now}
}

// Record sanitizes, classifies and stores one report
func (r *Recorder) Record(ctx context.Context, src Source, report Report) (*db.SecurityViolation, error) {
	report = Report{
		DocumentURI:        sanitize(report.DocumentURI),
		Referrer:           sanitize(report.Referrer),
		ViolatedDirective:  sanitize(report.ViolatedDirective),
		EffectiveDirective: sanitize(report.EffectiveDirective),
		OriginalPolicy:     sanitize(report.OriginalPolicy),
		BlockedURI:         sanitize(report.BlockedURI),
		SourceFile:         sanitize(report.SourceFile),
		LineNumber:         report.LineNumber,
	}

	class := Classify(report)
	severity := DetermineSeverity(report, class)

	v := &db.SecurityViolation{
		TenantID:             src.TenantID,
		ViolationType:        ViolationTypeCSP,
		Directive:            directive(report),
		DocumentURI:          report.DocumentURI,
		LineNumber:           report.LineNumber,
		Severity:             string(severity),
		ThreatClassification: string(class),
		Metadata: map[string]any{
			"processed_at": r.now().UTC().Format(time.RFC3339),
		},
	}
	if report.BlockedURI != "" {
		sealed, err := r.sealer.Seal([]byte(report.BlockedURI))
		if err != nil {
			return nil, err
		}
		v.BlockedURIEncrypted = sealed
	}
	if src.UserAgent != "" {
		v.UserAgentHash = r.sealer.Hash(src.UserAgent)
	}
	if report.SourceFile != "" {
		v.SourceFile = &report.SourceFile
	}
	if src.RemoteIP != "" {
		v.Metadata["ip_hash"] = r.sealer.Hash(src.RemoteIP)
	}
	if src.RequestID != "" {
		v.Metadata["request_id"] = src.RequestID
	}
	if report.EffectiveDirective != "" {
		v.Metadata["effective_directive"] = report.EffectiveDirective
	}
	if report.Referrer != "" {
		v.Metadata["referrer"] = report.Referrer
	}
	if report.OriginalPolicy != "" {
		sealed, err := r.sealer.Seal([]byte(report.OriginalPolicy))
		if err != nil {
			return nil, err
		}
		v.Metadata["original_policy_encrypted"] = sealed
	}

	logger := r.logger.With(
		zap.String("severity", v.Severity),
		zap.String("classification", v.ThreatClassification),
		zap.String("directive", v.Directive),
	)
	if class == ClassXSS {
		logger.Warn("potential CSP attack detected", zap.String("document_uri", v.DocumentURI))
	}

	if err := r.store.InsertSecurityViolation(ctx, v); err != nil {
		return nil, fmt.Errorf("failed to record security violation: %w", err)
	}
	logger.Info("CSP violation recorded", zap.Int64("violation_id", v.ID))
	return v, nil
}

// BlockedURI decrypts the blocked URI of a stored violation
func (r *Recorder) BlockedURI(v *db.SecurityViolation) (string, error) {
	if len(v.BlockedURIEncrypted) == 0 {
		return "", nil
	}
	plain, err := r.sealer.Open(v.BlockedURIEncrypted)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
