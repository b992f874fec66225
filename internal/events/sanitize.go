package events

import (
	"regexp"
	"strings"
)

// Redacted replaces the value of any sensitive field.
const Redacted = "[REDACTED]"

var sensitiveField = regexp.MustCompile(
	`password|passwd|passcode|pwd|ssn|social.?security|credit.?card|card.?num|cc.?num|cvv|cvc|card.?exp|expiry|phone|^tel(ephone)?$|mobile`,
)

// IsSensitiveField reports whether a field name is on the denylist.
func IsSensitiveField(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	return sensitiveField.MatchString(n)
}

// SanitizeFields returns a copy of fields with sensitive values replaced by
// Redacted. The input map is never modified.
func SanitizeFields(fields map[string]string) map[string]string {
	if fields == nil {
		return nil
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		if IsSensitiveField(k) {
			out[k] = Redacted
			continue
		}
		out[k] = v
	}
	return out
}
