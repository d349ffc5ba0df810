package logging

import (
	"log/slog"
	"slices"
	"strings"
)

// RedactedValue replaces the value of every log key outside plainKeys.
const RedactedValue = "[REDACTED]"

// plainKeys are logged verbatim. Peer and node addresses are deliberately
// absent: onion addresses identify operators. Kept sorted.
var plainKeys = []string{
	"component",
	"env",
	"error",
	"kind",
	"message",
	"network",
	"reason",
	"service",
	"severity",
	"timestamp",
	"uid",
}

// IsAllowlisted reports whether key is logged without redaction. Case and
// surrounding space are ignored.
func IsAllowlisted(key string) bool {
	_, found := slices.BinarySearch(plainKeys, strings.ToLower(strings.TrimSpace(key)))
	return found
}

// RedactionAllowlist returns a sorted copy of the plain keys.
func RedactionAllowlist() []string {
	return slices.Clone(plainKeys)
}

// MaskField builds the attribute for key, replacing a non-blank value with
// RedactedValue unless key is allowlisted.
func MaskField(key, value string) slog.Attr {
	if IsAllowlisted(key) || strings.TrimSpace(value) == "" {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
