package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// Keys that must never appear in clear text: signing material and API secrets.
var redactedKeys = map[string]struct{}{
	"signer_key":  {},
	"private_key": {},
	"api_secret":  {},
	"secret":      {},
	"dsn":         {},
}

// IsRedacted reports whether the provided key carries sensitive material.
func IsRedacted(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := redactedKeys[normalized]
	return ok
}

// Sanitize replaces sensitive attribute values with the redaction placeholder so
// handlers can log configuration structs without leaking credentials.
func Sanitize(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		if IsRedacted(attr.Key) {
			out = append(out, slog.String(attr.Key, RedactedValue))
			continue
		}
		out = append(out, attr)
	}
	return out
}
