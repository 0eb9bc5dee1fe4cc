// Package security provides inbound message validation and response
// sanitization for the orchestrator.
package security

import (
	"regexp"
	"strings"
)

// injectionPatterns is the denylist of injection-style patterns applied to
// inbound text. A match rejects the message outright; no attempt is made to
// strip or repair the input.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<script.*?>`),     // XSS
	regexp.MustCompile(`(?i)javascript:`),     // XSS
	regexp.MustCompile(`(?i)union.*select`),   // SQL injection
	regexp.MustCompile(`(?i)drop\s+table`),    // SQL injection
	regexp.MustCompile(`(?i)exec\s*\(`),       // command injection
	regexp.MustCompile(`(?i)eval\s*\(`),       // code injection
}

// sensitiveFields are response keys stripped by Sanitize before any payload
// is serialized back to a caller.
var sensitiveFields = map[string]bool{
	"password":      true,
	"token":         true,
	"secret":        true,
	"key":           true,
	"authorization": true,
	"jwt":           true,
}

// Validator rejects messages matching the injection denylist.
type Validator struct{}

// NewValidator creates a security validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateInput reports whether the given text is free of denylisted
// injection patterns.
func (v *Validator) ValidateInput(text string) bool {
	for _, re := range injectionPatterns {
		if re.MatchString(text) {
			return false
		}
	}
	return true
}

// Sanitize returns a deep copy of the payload with any field whose key is in
// the sensitive set removed, recursing through nested maps and slices.
func Sanitize(payload map[string]any) map[string]any {
	out, _ := sanitizeValue(payload).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if sensitiveFields[strings.ToLower(k)] {
				continue
			}
			out[k] = sanitizeValue(inner)
		}
		return out
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			out = append(out, sanitizeValue(item))
		}
		return out
	default:
		return v
	}
}
