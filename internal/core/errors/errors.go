package errors

import (
	"errors"
	"fmt"
)

// Domain errors - these represent the failure classes of the collaboration layer
var (
	// Transport
	ErrTransport      = errors.New("transport error")
	ErrConnectionLost = errors.New("connection lost")
	ErrNotConnected   = errors.New("not connected")
	ErrSendBufferFull = errors.New("send buffer full")

	// Protocol
	ErrProtocol        = errors.New("protocol error")
	ErrUnknownType     = errors.New("unknown message type")
	ErrNotJoined       = errors.New("session has not joined the room")
	ErrAlreadyStarted  = errors.New("session already started")
	ErrIdentityChanged = errors.New("identity is immutable for the session")

	// Validation
	ErrValidation         = errors.New("validation error")
	ErrRoomIDRequired     = errors.New("room id is required")
	ErrRoomIDInvalid      = errors.New("room id is invalid")
	ErrUserIDRequired     = errors.New("user id is required")
	ErrDisplayNameTooLong = errors.New("display name exceeds maximum length")
	ErrPayloadRequired    = errors.New("payload is required")
	ErrPayloadTooLarge    = errors.New("payload exceeds maximum size")
	ErrPayloadMalformed   = errors.New("payload is not valid JSON")
	ErrInvalidPresence    = errors.New("invalid presence state")

	// Capacity & access
	ErrCapacity     = errors.New("capacity exceeded")
	ErrForbidden    = errors.New("action forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	ErrUnavailable  = errors.New("service unavailable")

	// Generic
	ErrNotFound    = errors.New("resource not found")
	ErrInternal    = errors.New("internal server error")
	ErrBadRequest  = errors.New("bad request")
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Wire reason codes carried by error envelopes
const (
	CodeRoomFull      = "ROOM_FULL"
	CodeRegistryFull  = "REGISTRY_FULL"
	CodeForbidden     = "FORBIDDEN"
	CodeUnavailable   = "UNAVAILABLE"
	CodeProtocol      = "PROTOCOL_ERROR"
	CodeValidation    = "VALIDATION_ERROR"
	CodeRateLimited   = "RATE_LIMITED"
	CodeInternalError = "INTERNAL_ERROR"
)

// TransportError reports a connect, reconnect or write failure on a session link.
type TransportError struct {
	Op       string // dial, read, write
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("transport %s %s: %v", e.Op, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// ProtocolError reports a malformed or out-of-sequence message.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return "protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// NewProtocolError wraps err as a protocol error with a short reason.
func NewProtocolError(reason string, err error) *ProtocolError {
	return &ProtocolError{Reason: reason, Err: err}
}

// ValidationError reports a payload or field that failed local checks.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation: %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("validation: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NewValidationError wraps err as a validation failure on field.
func NewValidationError(field string, err error) *ValidationError {
	return &ValidationError{Field: field, Err: err}
}

// CapacityError reports a rejected join because a room or registry limit was hit.
type CapacityError struct {
	Code   string
	RoomID string
	Limit  int
}

func (e *CapacityError) Error() string {
	switch e.Code {
	case CodeRoomFull:
		return fmt.Sprintf("room %q is full (limit %d)", e.RoomID, e.Limit)
	case CodeRegistryFull:
		return fmt.Sprintf("room registry is full (limit %d)", e.Limit)
	default:
		return "capacity exceeded"
	}
}

func (e *CapacityError) Is(target error) bool { return target == ErrCapacity }

// RejectCode maps an error to the reason code sent to the client. ok is false
// for errors that are not surfaced on the wire.
func RejectCode(err error) (code string, ok bool) {
	var capErr *CapacityError
	switch {
	case err == nil:
		return "", false
	case errors.As(err, &capErr):
		return capErr.Code, true
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrUnauthorized), errors.Is(err, ErrIdentityChanged):
		return CodeForbidden, true
	case errors.Is(err, ErrUnavailable):
		return CodeUnavailable, true
	case errors.Is(err, ErrValidation):
		return CodeValidation, true
	case errors.Is(err, ErrProtocol):
		return CodeProtocol, true
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited, true
	default:
		return CodeInternalError, true
	}
}

// IsTerminalRejection reports whether a reason code means the client must stop
// retrying the join.
func IsTerminalRejection(code string) bool {
	switch code {
	case CodeRoomFull, CodeRegistryFull, CodeForbidden, CodeUnavailable:
		return true
	default:
		return false
	}
}

// AppError wraps errors with additional context for HTTP responses
type AppError struct {
	Err        error  // The underlying error
	Message    string // User-friendly message
	Code       string // Machine-readable error code
	StatusCode int    // HTTP status code
	Details    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Error constructors for common cases
func NewBadRequestError(err error, message string) *AppError {
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "BAD_REQUEST",
		StatusCode: 400,
	}
}

func NewNotFoundError(err error, message string) *AppError {
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "NOT_FOUND",
		StatusCode: 404,
	}
}

func NewInternalError(err error) *AppError {
	return &AppError{
		Err:        err,
		Message:    "An unexpected error occurred",
		Code:       CodeInternalError,
		StatusCode: 500,
	}
}

// ValidationErrors holds multiple field validation errors
type ValidationErrors struct {
	Errors map[string][]string `json:"errors"`
}

func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{
		Errors: make(map[string][]string),
	}
}

func (v *ValidationErrors) Add(field, message string) {
	v.Errors[field] = append(v.Errors[field], message)
}

func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

func (v *ValidationErrors) Error() string {
	return fmt.Sprintf("validation failed: %d field(s) have errors", len(v.Errors))
}

func (v *ValidationErrors) Is(target error) bool { return target == ErrValidation }
