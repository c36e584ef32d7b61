package logging

import (
	"log/slog"
	"strings"

	"chainwatch/internal/redact"
)

const masked = "[REDACTED]"

// sensitiveKeys are attribute key fragments whose values never reach the
// log output.
var sensitiveKeys = []string{
	"password",
	"secret",
	"token",
	"api_key",
	"private_key",
	"authorization",
	"webhook",
}

func sensitive(key string) bool {
	key = strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}

// scrub masks credential attributes and strips secrets from URL-valued
// attributes such as rpc_url.
func scrub(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindString {
		return a
	}
	v := a.Value.String()
	switch {
	case v == "":
	case sensitive(a.Key):
		a.Value = slog.StringValue(masked)
	case strings.HasSuffix(strings.ToLower(a.Key), "url"):
		a.Value = slog.StringValue(redact.URL(v))
	}
	return a
}
