package mnemo

import (
	"log/slog"
	"regexp"
	"strings"
)

// RedactionPattern is one named sensitive-data matcher. Category derives
// the replacement token for a concrete match; when nil, the uppercased
// pattern name is used. Validate, when set, filters candidate matches (the
// credit-card pattern uses it for the Luhn check).
type RedactionPattern struct {
	Name     string
	Regex    *regexp.Regexp
	Category func(match string) string
	Validate func(match string) bool
}

var (
	redactKeyValue = regexp.MustCompile(`(?i)\b(password|passwd|secret|token|api[_-]?key)\b\s*[=:]\s*[^\s,;"']+`)
	redactKeyName  = regexp.MustCompile(`(?i)^(password|passwd|secret|token|api[_-]?key)`)
	redactBearer   = regexp.MustCompile(`\b(?:Bearer\s+[A-Za-z0-9._~+/=-]{8,}|sk-[A-Za-z0-9_-]{8,}|ghp_[A-Za-z0-9]{20,}|gho_[A-Za-z0-9]{20,}|xox[bap]-[A-Za-z0-9-]{10,}|AKIA[0-9A-Z]{16})`)
	redactEmail    = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	redactSSN      = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	redactPhone    = regexp.MustCompile(`\+[1-9]\d{7,14}\b`)
	redactCard     = regexp.MustCompile(`\b\d(?:[ -]?\d){12,18}\b`)
)

// DefaultRedactionPatterns returns the built-in pattern set, in application
// order. Key/value secrets run first so a "token=sk-..." pair redacts as a
// whole; the Luhn-checked card pattern runs last so formatted ids already
// replaced cannot shadow it.
func DefaultRedactionPatterns() []RedactionPattern {
	return []RedactionPattern{
		{
			Name:  "secret_pair",
			Regex: redactKeyValue,
			Category: func(match string) string {
				key := redactKeyName.FindString(match)
				key = strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
				if key == "PASSWD" {
					key = "PASSWORD"
				}
				if key == "APIKEY" {
					key = "API_KEY"
				}
				return key
			},
		},
		{Name: "token", Regex: redactBearer},
		{Name: "email", Regex: redactEmail},
		{Name: "ssn", Regex: redactSSN},
		{Name: "phone", Regex: redactPhone},
		{Name: "card", Regex: redactCard, Validate: luhnValid},
	}
}

// Redactor scrubs sensitive spans from text, replacing each whole match
// with a [REDACTED_<CATEGORY>] token. Redaction is idempotent: replacement
// tokens match none of the built-in patterns, so re-running is a no-op.
// Safe for concurrent use.
type Redactor struct {
	patterns []RedactionPattern
	logger   *slog.Logger
}

// RedactorOption configures a Redactor.
type RedactorOption func(*Redactor)

// RedactionPatterns replaces the built-in pattern set. Patterns apply in
// the given order.
func RedactionPatterns(patterns ...RedactionPattern) RedactorOption {
	return func(r *Redactor) { r.patterns = patterns }
}

// ExtraRedactionPatterns appends patterns after the built-in set.
func ExtraRedactionPatterns(patterns ...RedactionPattern) RedactorOption {
	return func(r *Redactor) { r.patterns = append(r.patterns, patterns...) }
}

// RedactorLogger sets the structured logger. When set, each call logs the
// number of spans redacted at DEBUG (never the spans themselves).
func RedactorLogger(l *slog.Logger) RedactorOption {
	return func(r *Redactor) { r.logger = l }
}

// NewRedactor creates a Redactor with the default pattern set.
func NewRedactor(opts ...RedactorOption) *Redactor {
	r := &Redactor{patterns: DefaultRedactionPatterns(), logger: nopLogger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Redact replaces every sensitive span in text with its category token.
func (r *Redactor) Redact(text string) string {
	if text == "" {
		return ""
	}
	hits := 0
	for _, p := range r.patterns {
		text = p.Regex.ReplaceAllStringFunc(text, func(match string) string {
			if p.Validate != nil && !p.Validate(match) {
				return match
			}
			hits++
			cat := strings.ToUpper(p.Name)
			if p.Category != nil {
				cat = p.Category(match)
			}
			return "[REDACTED_" + cat + "]"
		})
	}
	if hits > 0 {
		r.logger.Debug("redacted sensitive spans", "count", hits)
	}
	return text
}

// luhnValid reports whether the digits of s (ignoring spaces and dashes)
// form a 13-19 digit sequence passing the Luhn check.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
