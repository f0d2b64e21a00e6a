// Package strategy defines the named timeout/evasion profiles used when solving challenges.
package strategy

import (
	"fmt"
	"strings"
	"time"
)

// Strategy is a named solve profile.
type Strategy string

const (
	// Default is the balanced baseline.
	Default Strategy = "DEFAULT"
	// Fast shortens the solve timeout and skips extra evasions.
	Fast Strategy = "FAST"
	// Aggressive lengthens the solve timeout and enables extra evasion scripts.
	Aggressive Strategy = "AGGRESSIVE"

	// Adaptive is not a profile. It asks the caller to derive one from host history.
	Adaptive Strategy = "adaptive"
)

// Timeout returns the solver timeout for the strategy.
func (s Strategy) Timeout() time.Duration {
	switch s {
	case Fast:
		return 15 * time.Second
	case Aggressive:
		return 45 * time.Second
	default:
		return 30 * time.Second
	}
}

// ExtraEvasions reports whether the strategy enables the extra evasion scripts.
func (s Strategy) ExtraEvasions() bool {
	return s == Aggressive
}

// IsAdaptive reports whether s defers the choice to the host monitor.
func (s Strategy) IsAdaptive() bool {
	return s == Adaptive
}

func (s Strategy) String() string {
	return string(s)
}

// Parse converts a user-supplied name into a Strategy.
// Accepted values are default, fast, aggressive and adaptive in any case.
func Parse(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "default":
		return Default, nil
	case "fast":
		return Fast, nil
	case "aggressive":
		return Aggressive, nil
	case "adaptive", "":
		return Adaptive, nil
	default:
		return "", fmt.Errorf("unknown strategy %q", name)
	}
}
