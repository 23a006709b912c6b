package apilog

import (
	"net/http"
	"strings"
)

// Redacted replaces sensitive header values before logging.
const Redacted = "[REDACTED]"

// sensitiveHeaders is a fixed denylist; matching is case-insensitive.
var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
	"x-api-key":           true,
	"api-key":             true,
	"x-auth-token":        true,
	"x-csrf-token":        true,
	"x-xsrf-token":        true,
	"x-session-id":        true,
	"x-project-key":       true,
}

// SanitizeHeaders returns a flattened copy safe for logging: denylisted
// headers carry the redaction marker, everything else passes through.
func SanitizeHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for name, values := range h {
		if sensitiveHeaders[strings.ToLower(name)] {
			out[name] = Redacted
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}

// TruncateBody bounds a serialized payload; nothing beyond max bytes is
// ever logged.
func TruncateBody(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
