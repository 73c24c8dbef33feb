// Package redact masks sensitive values before they reach the structured
// log stream. Adapted directly from observability/logging/redact.go in the
// teacher repo, with the allowlist extended for settld's own identifiers
// (gateId, agentId, tenantId, decisionId, receiptId — opaque references,
// never secrets) so routine gate/settlement logging doesn't get masked.
package redact

import (
	"log/slog"
	"sort"
	"strings"
)

// Value is the canonical placeholder used for sensitive fields in logs.
const Value = "[REDACTED]"

var allowlist = map[string]struct{}{
	"service":    {},
	"env":        {},
	"message":    {},
	"severity":   {},
	"timestamp":  {},
	"error":      {},
	"reason":     {},
	"component":  {},
	"tenantId":   {},
	"gateId":     {},
	"agentId":    {},
	"streamId":   {},
	"decisionId": {},
	"receiptId":  {},
	"caseId":     {},
	"grantId":    {},
	"keyId":      {},
	"eventId":    {},
	"chainHash":  {},
}

// IsAllowlisted reports whether key is exempt from automatic redaction.
func IsAllowlisted(key string) bool {
	_, ok := allowlist[key]
	return ok
}

// Allowlist returns a sorted copy of the keys exempt from redaction.
func Allowlist() []string {
	keys := make([]string, 0, len(allowlist))
	for k := range allowlist {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue returns the canonical redacted placeholder for non-empty
// values. Empty values pass through unchanged to avoid log noise.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return Value
}

// MaskField returns a slog.Attr that redacts value unless key is
// allowlisted.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, Value)
}
