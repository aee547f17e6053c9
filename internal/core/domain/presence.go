package domain

import (
	apperrors "github.com/lorrc/collab-relay/internal/core/errors"
)

// PresenceState represents where an identity is in its room lifecycle.
type PresenceState string

const (
	PresenceJoined PresenceState = "joined"
	PresenceActive PresenceState = "active"
	PresenceLeft   PresenceState = "left"
)

// IsValid reports whether s is one of the known presence states
func (s PresenceState) IsValid() bool {
	switch s {
	case PresenceJoined, PresenceActive, PresenceLeft:
		return true
	default:
		return false
	}
}

// IsPresent reports whether an identity in state s counts as present in the room.
func (s PresenceState) IsPresent() bool {
	return s == PresenceJoined || s == PresenceActive
}

// ParsePresenceState validates a raw state string
func ParsePresenceState(raw string) (PresenceState, error) {
	s := PresenceState(raw)
	if !s.IsValid() {
		return "", apperrors.NewValidationError("state", apperrors.ErrInvalidPresence)
	}
	return s, nil
}

// Transition applies next to current following joined -> active* -> left, with
// left terminal until a new joined. An empty current means the identity is not
// yet known. changed is false when next leaves the state as it was.
func Transition(current, next PresenceState) (result PresenceState, changed bool) {
	switch next {
	case PresenceJoined:
		if current == "" || current == PresenceLeft {
			return PresenceJoined, true
		}
		return current, false

	case PresenceActive:
		if current == PresenceJoined {
			return PresenceActive, true
		}
		// Heartbeats for an unknown or departed identity are ignored.
		return current, false

	case PresenceLeft:
		if current.IsPresent() {
			return PresenceLeft, true
		}
		return current, false

	default:
		return current, false
	}
}
