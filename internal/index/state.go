package index

import (
	"fmt"
	"strings"
)

// State is the operator-visible state of an index.
//
//	Normal --(fatal error)--> Error --(reset)--> Normal
//	Normal <--(pause/resume)--> Paused
//	any --(disable)--> Disabled --(enable)--> Normal
type State int

const (
	// StateNormal indexes on every wake-up.
	StateNormal State = iota
	// StateError stopped after a fatal error; needs a reset or rebuild.
	StateError
	// StatePaused was stopped by an operator.
	StatePaused
	// StateDisabled is stopped until re-enabled.
	StateDisabled
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateError:
		return "error"
	case StatePaused:
		return "paused"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// ParseState converts a state name.
func ParseState(s string) (State, error) {
	switch strings.ToLower(s) {
	case "normal", "":
		return StateNormal, nil
	case "error":
		return StateError, nil
	case "paused":
		return StatePaused, nil
	case "disabled":
		return StateDisabled, nil
	default:
		return StateNormal, fmt.Errorf("unknown index state %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
