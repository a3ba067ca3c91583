// Package status canonicalizes task status vocabulary. Every status string
// that crosses a boundary (task ingress, DB write, JSON response, SSE frame)
// passes through Normalize or Canon so clients only ever see the canonical
// set {queued, running, done, error, canceled}.
package status

import (
	"fmt"
	"strings"
)

// Canonical status values.
const (
	Queued   = "queued"
	Running  = "running"
	Done     = "done"
	Error    = "error"
	Canceled = "canceled"
)

var canonical = map[string]struct{}{
	Queued:   {},
	Running:  {},
	Done:     {},
	Error:    {},
	Canceled: {},
}

var synonyms = map[string]string{
	"succeeded": Done,
	"success":   Done,
	"completed": Done,
	"complete":  Done,
	"failed":    Error,
	"failure":   Error,
	"fail":      Error,
	"cancelled": Canceled,
}

// Normalize lowercases s and maps known synonyms onto the canonical set.
// Unknown values pass through unchanged; Normalize is idempotent.
func Normalize(s string) string {
	v := strings.ToLower(strings.TrimSpace(s))
	if mapped, ok := synonyms[v]; ok {
		return mapped
	}
	return v
}

// IsCanonical reports whether s is already a canonical status value.
func IsCanonical(s string) bool {
	_, ok := canonical[s]
	return ok
}

// IsTerminal reports whether s is a terminal status.
func IsTerminal(s string) bool {
	switch s {
	case Done, Error, Canceled:
		return true
	}
	return false
}

// Canon normalizes s and rejects anything outside the canonical set.
func Canon(s string) (string, error) {
	v := Normalize(s)
	if !IsCanonical(v) {
		return "", fmt.Errorf("invalid status %q (use one of queued, running, done, error, canceled)", s)
	}
	return v, nil
}

// NormalizePayload rewrites any "status" value found anywhere inside a
// decoded JSON object so responses and SSE frames stay canonical.
func NormalizePayload(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if k == "status" {
				if s, ok := val.(string); ok {
					out[k] = Normalize(s)
					continue
				}
			}
			out[k] = NormalizePayload(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = NormalizePayload(val)
		}
		return out
	default:
		return v
	}
}
