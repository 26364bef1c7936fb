package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// safeKeys are emitted verbatim. Anything else that reaches MaskField is
// assumed to carry credentials, such as forwarded private headers.
var safeKeys = map[string]bool{
	"accept":       true,
	"content-type": true,
	"user-agent":   true,
	"fid":          true,
	"casthash":     true,
	"requestid":    true,
}

// IsAllowlisted reports whether key may be logged unmasked.
func IsAllowlisted(key string) bool {
	return safeKeys[strings.ToLower(strings.TrimSpace(key))]
}

// RedactionAllowlist lists the keys that bypass masking in sorted order.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(safeKeys))
	for key := range safeKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskField keeps key and masks value unless the key is allowlisted or the
// value is blank.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskHeaders groups a header map under name with every value passed through
// MaskField.
func MaskHeaders(name string, headers map[string]string) slog.Attr {
	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	attrs := make([]any, 0, len(keys))
	for _, key := range keys {
		attrs = append(attrs, MaskField(key, headers[key]))
	}
	return slog.Group(name, attrs...)
}
