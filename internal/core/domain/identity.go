package domain

import (
	"strings"
	"unicode"
	"unicode/utf8"

	apperrors "github.com/lorrc/collab-relay/internal/core/errors"
)

// Identity validation constants
const (
	MaxRoomIDLength      = 128
	MaxUserIDLength      = 128
	MaxDisplayNameLength = 255
)

// Identity is the client identity supplied by the auth collaborator at join
// time. It does not change for the lifetime of a session.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

// Validate checks the identity fields
func (i Identity) Validate() error {
	errs := apperrors.NewValidationErrors()

	if strings.TrimSpace(i.UserID) == "" {
		errs.Add("userId", apperrors.ErrUserIDRequired.Error())
	} else if len(i.UserID) > MaxUserIDLength || hasControl(i.UserID) {
		errs.Add("userId", "User id must be 128 printable bytes or less")
	}

	if utf8.RuneCountInString(i.DisplayName) > MaxDisplayNameLength {
		errs.Add("displayName", apperrors.ErrDisplayNameTooLong.Error())
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// SameUser reports whether both identities refer to the same user
func (i Identity) SameUser(other Identity) bool {
	return i.UserID == other.UserID
}

// ValidateRoomID checks that a room id is usable as a registry key
func ValidateRoomID(roomID string) error {
	if roomID == "" {
		return apperrors.NewValidationError("roomId", apperrors.ErrRoomIDRequired)
	}
	if len(roomID) > MaxRoomIDLength || strings.TrimSpace(roomID) != roomID || hasControl(roomID) {
		return apperrors.NewValidationError("roomId", apperrors.ErrRoomIDInvalid)
	}
	return nil
}

func hasControl(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}
