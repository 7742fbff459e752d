package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// Ledger addresses and identifiers are public, so they pass through as-is.
var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"component": {},
	"signer":    {},
	"rpc":       {},
}

// IsAllowlisted reports whether the provided key is exempt from redaction.
func IsAllowlisted(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := redactionAllowlist[normalized]
	return ok
}

// MaskField returns a slog.Attr that redacts value unless key is allowlisted.
// Used for signer key material and RPC credentials.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskURL hides userinfo and query strings, which commonly carry provider API
// keys, in an RPC endpoint.
func MaskURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if scheme, rest, ok := strings.Cut(raw, "://"); ok {
		if at := strings.LastIndex(rest, "@"); at >= 0 {
			rest = RedactedValue + rest[at:]
		}
		if q := strings.IndexByte(rest, '?'); q >= 0 {
			rest = rest[:q] + "?" + RedactedValue
		}
		return scheme + "://" + rest
	}
	return raw
}
