package status

import (
	"fmt"
	"log/slog"
	"strings"
)

// GuardMode controls what happens when a non-canonical status reaches a
// database write.
type GuardMode string

const (
	// GuardError rejects the write.
	GuardError GuardMode = "error"
	// GuardWarn logs and lets the raw value through.
	GuardWarn GuardMode = "warn"
	// GuardFix rewrites the value to its canonical form.
	GuardFix GuardMode = "fix"
	// GuardOff disables the guard.
	GuardOff GuardMode = "off"
)

// ParseGuardMode parses a guard mode string, defaulting to fix.
func ParseGuardMode(s string) GuardMode {
	switch GuardMode(strings.ToLower(strings.TrimSpace(s))) {
	case GuardError:
		return GuardError
	case GuardWarn:
		return GuardWarn
	case GuardOff:
		return GuardOff
	default:
		return GuardFix
	}
}

// Guard wraps status writes headed for the tasks table.
type Guard struct {
	mode   GuardMode
	logger *slog.Logger
}

// NewGuard creates a Guard with the given mode.
func NewGuard(mode GuardMode, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{mode: mode, logger: logger}
}

// Apply validates a status about to be written. In fix mode the returned
// value is canonical; in error mode a non-canonical input fails the write.
func (g *Guard) Apply(s string) (string, error) {
	if g == nil || g.mode == GuardOff {
		return s, nil
	}
	norm := Normalize(s)
	if IsCanonical(norm) && norm == s {
		return s, nil
	}
	switch g.mode {
	case GuardError:
		if !IsCanonical(norm) {
			return "", fmt.Errorf("status guard: refusing non-canonical status %q", s)
		}
		if norm != s {
			return "", fmt.Errorf("status guard: refusing synonym %q (canonical: %q)", s, norm)
		}
		return s, nil
	case GuardWarn:
		g.logger.Warn("non-canonical status written", "status", s, "canonical", norm)
		return s, nil
	default: // GuardFix
		if !IsCanonical(norm) {
			return "", fmt.Errorf("status guard: cannot fix unknown status %q", s)
		}
		if norm != s {
			g.logger.Info("status rewritten", "from", s, "to", norm)
		}
		return norm, nil
	}
}
