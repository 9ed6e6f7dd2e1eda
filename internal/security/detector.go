package security

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// SensitivePattern is a pattern that marks a string as carrying a secret.
type SensitivePattern struct {
	Name     string
	Pattern  *regexp.Regexp
	Severity string // "error" or "warning"
}

// DefaultPatterns returns the built-in sensitive data patterns.
func DefaultPatterns() []SensitivePattern {
	return []SensitivePattern{
		{Name: "API Key", Pattern: regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*['"]?[a-zA-Z0-9_\-]{16,}`), Severity: "warning"},
		{Name: "AWS Access Key", Pattern: regexp.MustCompile(`AKIA[A-Z0-9]{16}`), Severity: "error"},
		{Name: "GitHub Token", Pattern: regexp.MustCompile(`gh[pousr]_[a-zA-Z0-9]{36,}`), Severity: "error"},
		{Name: "Private Key", Pattern: regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`), Severity: "error"},
		{Name: "Bearer Token", Pattern: regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]{20,}`), Severity: "warning"},
		{Name: "Connection String", Pattern: regexp.MustCompile(`(?i)(postgres|mysql|mongodb|redis)://[^:\s]+:[^@\s]+@`), Severity: "error"},
	}
}

// Detector scans decrypted payloads for secrets before they leave the
// engine in plaintext.
type Detector struct {
	patterns []SensitivePattern
}

// NewDetector creates a detector with the given patterns, or the defaults
// when patterns is empty.
func NewDetector(patterns []SensitivePattern) *Detector {
	if len(patterns) == 0 {
		patterns = DefaultPatterns()
	}
	return &Detector{patterns: patterns}
}

// Detection is a single pattern match inside a payload.
type Detection struct {
	Pattern  string
	Field    string
	Severity string
}

func (d Detection) String() string {
	return fmt.Sprintf("%s in %s (%s)", d.Pattern, d.Field, d.Severity)
}

// Scan walks every string value in payload and reports pattern matches,
// ordered by field path.
func (d *Detector) Scan(payload map[string]any) []Detection {
	var found []Detection
	d.walk("", payload, &found)
	sort.SliceStable(found, func(i, j int) bool { return found[i].Field < found[j].Field })
	return found
}

// Sensitive reports whether payload holds any error-severity match.
func (d *Detector) Sensitive(payload map[string]any) bool {
	for _, det := range d.Scan(payload) {
		if det.Severity == "error" {
			return true
		}
	}
	return false
}

func (d *Detector) walk(path string, v any, found *[]Detection) {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			d.walk(join(path, k), e, found)
		}
	case []any:
		for i, e := range t {
			d.walk(fmt.Sprintf("%s[%d]", path, i), e, found)
		}
	case string:
		if isPlaceholder(t) {
			return
		}
		for _, p := range d.patterns {
			if p.Pattern.MatchString(t) {
				*found = append(*found, Detection{Pattern: p.Name, Field: path, Severity: p.Severity})
			}
		}
	}
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// isPlaceholder skips documentation-style sample values.
func isPlaceholder(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(lower, "your_") ||
		strings.Contains(lower, "<your") ||
		strings.Contains(lower, "placeholder") ||
		strings.Contains(lower, "example_")
}
