package domain

import (
	"bytes"
	"encoding/json"
	"time"

	apperrors "github.com/lorrc/collab-relay/internal/core/errors"
)

// MessageType defines the type of a collaboration message.
type MessageType string

const (
	TypeJoin             MessageType = "join"
	TypeLeave            MessageType = "leave"
	TypeEdit             MessageType = "edit"
	TypePresence         MessageType = "presence"
	TypePresenceSnapshot MessageType = "presence-snapshot"
	TypeError            MessageType = "error"
)

// Envelope is the JSON frame exchanged between clients and the relay. Which
// fields are set depends on Type.
type Envelope struct {
	Type   MessageType `json:"type"`
	RoomID string      `json:"roomId,omitempty"`

	// join, presence (relay -> client)
	Identity *Identity `json:"identity,omitempty"`

	// edit
	Payload         json.RawMessage `json:"payload,omitempty"`
	OriginUserID    string          `json:"originUserId,omitempty"`
	OriginSessionID string          `json:"originSessionId,omitempty"`
	Timestamp       int64           `json:"timestamp,omitempty"` // unix milliseconds, relay clock

	// presence
	State PresenceState `json:"state,omitempty"`

	// presence-snapshot
	Members []Identity `json:"members,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// MarshalJSON always emits members on a presence snapshot, so an empty room
// encodes as "members": [].
func (e Envelope) MarshalJSON() ([]byte, error) {
	type plain Envelope
	if e.Type != TypePresenceSnapshot {
		return json.Marshal(plain(e))
	}
	members := e.Members
	if members == nil {
		members = []Identity{}
	}
	return json.Marshal(struct {
		plain
		Members []Identity `json:"members"`
	}{plain: plain(e), Members: members})
}

// DecodeEnvelope parses a raw frame. Malformed frames yield a ProtocolError.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, apperrors.NewProtocolError("malformed frame", err)
	}
	switch env.Type {
	case TypeJoin, TypeLeave, TypeEdit, TypePresence, TypePresenceSnapshot, TypeError:
		return env, nil
	case "":
		return Envelope{}, apperrors.NewProtocolError("missing type", nil)
	default:
		return Envelope{}, apperrors.NewProtocolError(string(env.Type), apperrors.ErrUnknownType)
	}
}

// ValidatePayload checks an edit payload is present, well-formed JSON and no
// larger than maxBytes (0 disables the size check).
func ValidatePayload(payload json.RawMessage, maxBytes int) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return apperrors.NewValidationError("payload", apperrors.ErrPayloadRequired)
	}
	if maxBytes > 0 && len(payload) > maxBytes {
		return apperrors.NewValidationError("payload", apperrors.ErrPayloadTooLarge)
	}
	if !json.Valid(trimmed) {
		return apperrors.NewValidationError("payload", apperrors.ErrPayloadMalformed)
	}
	return nil
}

// NewJoin builds the join handshake a client sends on every (re)connect.
func NewJoin(roomID string, identity Identity) Envelope {
	id := identity
	return Envelope{Type: TypeJoin, RoomID: roomID, Identity: &id}
}

// NewLeave builds an explicit leave notification.
func NewLeave(roomID string) Envelope {
	return Envelope{Type: TypeLeave, RoomID: roomID}
}

// NewEdit builds a client edit.
func NewEdit(roomID string, payload json.RawMessage) Envelope {
	return Envelope{Type: TypeEdit, RoomID: roomID, Payload: payload}
}

// NewPresenceUpdate builds a client presence update.
func NewPresenceUpdate(roomID string, state PresenceState) Envelope {
	return Envelope{Type: TypePresence, RoomID: roomID, State: state}
}

// NewRelayedEdit builds the edit the relay fans out to the origin's peers.
func NewRelayedEdit(roomID string, payload json.RawMessage, origin Identity, originSessionID string, at time.Time) Envelope {
	return Envelope{
		Type:            TypeEdit,
		RoomID:          roomID,
		Payload:         payload,
		OriginUserID:    origin.UserID,
		OriginSessionID: originSessionID,
		Timestamp:       at.UnixMilli(),
	}
}

// NewPresenceEvent builds the presence fan-out for identity.
func NewPresenceEvent(roomID string, identity Identity, state PresenceState) Envelope {
	id := identity
	return Envelope{Type: TypePresence, RoomID: roomID, Identity: &id, State: state}
}

// NewPresenceSnapshot builds the reply sent to a joiner.
func NewPresenceSnapshot(roomID string, members []Identity) Envelope {
	if members == nil {
		members = []Identity{}
	}
	return Envelope{Type: TypePresenceSnapshot, RoomID: roomID, Members: members}
}

// NewError builds an error reply with a reason code.
func NewError(roomID, code, message string) Envelope {
	return Envelope{Type: TypeError, RoomID: roomID, Code: code, Message: message}
}
