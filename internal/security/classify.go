// Package security records Content-Security-Policy violation reports with
// their sensitive fields protected.
package security

import (
	"net/url"
	"strings"
)

// Severity grades a violation
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Classification names the threat a violation most likely indicates
type Classification string

const (
	ClassXSS              Classification = "xss"
	ClassDataExfiltration Classification = "data_exfiltration"
	ClassMixedContent     Classification = "mixed_content"
	ClassInlineScript     Classification = "inline_script"
	ClassUnknown          Classification = "unknown"
)

const maxFieldLength = 2048

var knownDirectives = map[string]bool{
	"default-src":     true,
	"script-src":      true,
	"script-src-elem": true,
	"script-src-attr": true,
	"style-src":       true,
	"img-src":         true,
	"font-src":        true,
	"connect-src":     true,
	"frame-src":       true,
	"object-src":      true,
	"media-src":       true,
	"child-src":       true,
	"frame-ancestors": true,
	"base-uri":        true,
	"form-action":     true,
}

var maliciousPatterns = []string{
	"javascript:",
	"data:text/html",
	"eval(",
	"function(",
	"<script",
	"onload=",
	"onerror=",
}

// Report is the body of a browser CSP report ("csp-report" member)
type Report struct {
	DocumentURI        string `json:"document-uri" validate:"required,max=2048"`
	Referrer           string `json:"referrer,omitempty" validate:"max=2048"`
	ViolatedDirective  string `json:"violated-directive" validate:"required,max=256"`
	EffectiveDirective string `json:"effective-directive,omitempty" validate:"max=256"`
	OriginalPolicy     string `json:"original-policy,omitempty"`
	BlockedURI         string `json:"blocked-uri,omitempty"`
	SourceFile         string `json:"source-file,omitempty"`
	LineNumber         *int   `json:"line-number,omitempty" validate:"omitempty,min=0,max=999999"`
}

// Envelope is the JSON document browsers POST to a report-uri endpoint
type Envelope struct {
	Report Report `json:"csp-report" validate:"required"`
}

func sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	if len(s) > maxFieldLength {
		s = s[:maxFieldLength]
	}
	return strings.TrimSpace(s)
}

// directive returns the bare directive name, or "unknown" when it is not a
// fetch or navigation directive we recognize
func directive(r Report) string {
	d := r.EffectiveDirective
	if d == "" {
		d = r.ViolatedDirective
	}
	fields := strings.Fields(strings.ToLower(d))
	if len(fields) == 0 || !knownDirectives[fields[0]] {
		return "unknown"
	}
	return fields[0]
}

// Malicious reports whether the blocked or source location carries an injection pattern
func Malicious(r Report) bool {
	for _, field := range []string{r.BlockedURI, r.SourceFile, r.DocumentURI} {
		lower := strings.ToLower(field)
		for _, p := range maliciousPatterns {
			if strings.Contains(lower, p) {
				return true
			}
		}
	}
	return false
}

func isScriptDirective(d string) bool {
	return strings.HasPrefix(d, "script-src") || d == "default-src"
}

// Classify derives the threat classification from the directive and URIs
func Classify(r Report) Classification {
	d := directive(r)
	blocked := strings.ToLower(r.BlockedURI)

	if Malicious(r) {
		return ClassXSS
	}
	if isScriptDirective(d) && (blocked == "inline" || blocked == "eval" || blocked == "") {
		return ClassInlineScript
	}
	if d == "connect-src" || d == "form-action" {
		if external(r.BlockedURI, r.DocumentURI) {
			return ClassDataExfiltration
		}
	}
	if strings.HasPrefix(blocked, "http://") && strings.HasPrefix(strings.ToLower(r.DocumentURI), "https://") {
		return ClassMixedContent
	}
	return ClassUnknown
}

// external reports whether blocked points at a different host than the document
func external(blocked, document string) bool {
	b, err := url.Parse(blocked)
	if err != nil || b.Host == "" {
		return false
	}
	d, err := url.Parse(document)
	if err != nil {
		return true
	}
	return !strings.EqualFold(b.Hostname(), d.Hostname())
}

// DetermineSeverity grades a violation given its classification
func DetermineSeverity(r Report, class Classification) Severity {
	d := directive(r)
	blocked := strings.ToLower(r.BlockedURI)

	switch {
	case class == ClassXSS:
		return SeverityCritical
	case strings.Contains(blocked, "eval") || (class == ClassInlineScript && blocked == "inline"):
		return SeverityCritical
	case class == ClassDataExfiltration, isScriptDirective(d):
		return SeverityHigh
	case d == "img-src" || d == "font-src" || d == "media-src":
		return SeverityLow
	default:
		return SeverityMedium
	}
}
