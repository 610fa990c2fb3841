package billing

import (
	"fmt"
	"strings"
)

// Mode selects how the task orchestrator treats billable work.
type Mode string

const (
	// ModeOff performs no billing at all.
	ModeOff Mode = "OFF"
	// ModeShadow computes and audits costs without touching funds.
	ModeShadow Mode = "SHADOW"
	// ModeEnforce reserves funds before work starts and settles after.
	ModeEnforce Mode = "ENFORCE"
)

// ParseMode normalizes a configured mode string.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(raw))) {
	case ModeOff:
		return ModeOff, nil
	case ModeShadow:
		return ModeShadow, nil
	case ModeEnforce:
		return ModeEnforce, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidBillingMode, raw)
}

// ModeResolver reads the active mode. It is evaluated on every
// orchestrator call so concurrent callers and tests never observe a
// stale cached mode.
type ModeResolver func() Mode

// StaticMode returns a resolver pinned to one mode.
func StaticMode(mode Mode) ModeResolver {
	return func() Mode { return mode }
}

// ModeFromLookup builds a resolver over a configuration lookup.
// Unset or unrecognized values resolve to OFF.
func ModeFromLookup(lookup func(key string) string, key string) ModeResolver {
	return func() Mode {
		mode, err := ParseMode(lookup(key))
		if err != nil {
			return ModeOff
		}
		return mode
	}
}
