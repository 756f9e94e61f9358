// Package trust provides the persistent trust store that decides which
// peers are allowed to participate in status exchanges.
package trust

import (
	"encoding/json"
	"errors"
)

// Level represents the trust level assigned to a peer identity.
type Level int

const (
	// Unknown - never vouched for; not admitted
	Unknown Level = iota
	// Provisional - admitted, pending manual promotion
	Provisional
	// Trusted - fully admitted
	Trusted
	// Revoked - terminal; retained for audit, never admitted again
	Revoked
)

// String returns the string representation of a Level.
func (l Level) String() string {
	switch l {
	case Unknown:
		return "unknown"
	case Provisional:
		return "provisional"
	case Trusted:
		return "trusted"
	case Revoked:
		return "revoked"
	default:
		return "invalid"
	}
}

// ParseLevel converts a string to a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "unknown":
		return Unknown, nil
	case "provisional":
		return Provisional, nil
	case "trusted":
		return Trusted, nil
	case "revoked":
		return Revoked, nil
	default:
		return Unknown, errors.New("invalid trust level")
	}
}

// MarshalJSON implements json.Marshaler for Level.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON implements json.Unmarshaler for Level.
func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	level, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = level
	return nil
}

func (l Level) valid() bool {
	return l >= Unknown && l <= Revoked
}

// Admitted reports whether a peer at this level may participate in
// status exchanges.
func (l Level) Admitted() bool {
	return l == Provisional || l == Trusted
}

// CanTransition reports whether a record at level `from` may legally move
// to level `to`. The ladder is monotonic: levels only ever increase, and
// Revoked is terminal. Same-to-same moves are allowed so that upserts can
// update a label without changing the level.
func CanTransition(from, to Level) bool {
	if !from.valid() || !to.valid() {
		return false
	}
	if from == to {
		return true
	}
	switch from {
	case Unknown:
		return to == Provisional || to == Trusted || to == Revoked
	case Provisional:
		return to == Trusted || to == Revoked
	case Trusted:
		return to == Revoked
	case Revoked:
		return false
	}
	return false
}
