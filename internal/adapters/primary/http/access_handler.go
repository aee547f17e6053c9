package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/lorrc/collab-relay/internal/adapters/primary/http/middleware"
	"github.com/lorrc/collab-relay/internal/adapters/primary/validation"
	"github.com/lorrc/collab-relay/internal/auth"
	"github.com/lorrc/collab-relay/internal/core/domain"
	apperrors "github.com/lorrc/collab-relay/internal/core/errors"
	"github.com/lorrc/collab-relay/internal/core/ports"
)

const maxAccessListSize = 1000

// AccessHandler manages room allow lists. Only a user who may join a room can
// read or change its list.
type AccessHandler struct {
	store        ports.AccessStore
	errorHandler *ErrorHandler
	logger       *slog.Logger
}

// NewAccessHandler creates a new access handler
func NewAccessHandler(store ports.AccessStore, errorHandler *ErrorHandler, logger *slog.Logger) *AccessHandler {
	return &AccessHandler{
		store:        store,
		errorHandler: errorHandler,
		logger:       logger.With("handler", "access"),
	}
}

// RegisterRoutes mounts the access routes under a /rooms router.
func (h *AccessHandler) RegisterRoutes(r chi.Router) {
	r.Route("/{roomID}/access", func(r chi.Router) {
		r.Get("/", h.HandleGetAccess)
		r.Put("/", h.HandleReplaceAccess)
		r.Put("/{userID}", h.HandleGrantAccess)
		r.Delete("/{userID}", h.HandleRevokeAccess)
	})
}

// AccessListDTO is a room's allow list. Open is true when the list is empty.
type AccessListDTO struct {
	RoomID  string   `json:"roomId"`
	UserIDs []string `json:"userIds"`
	Open    bool     `json:"open"`
}

type ReplaceAccessRequest struct {
	UserIDs []string `json:"userIds"`
}

// Validate checks every user id and keeps the caller on a non-empty list so
// nobody locks themselves out by accident.
func (r *ReplaceAccessRequest) Validate(callerID string) error {
	v := validation.NewValidator()

	v.Custom("userIds", len(r.UserIDs) <= maxAccessListSize, "Must list at most 1000 users")
	includesCaller := len(r.UserIDs) == 0
	for _, userID := range r.UserIDs {
		v.Custom("userIds", domain.Identity{UserID: userID}.Validate() == nil, "Every user id must be 128 printable bytes or less")
		if userID == callerID {
			includesCaller = true
		}
	}
	v.Custom("userIds", includesCaller, "Must include the caller")

	if v.HasErrors() {
		return v.Errors()
	}
	return nil
}

// HandleGetAccess handles GET /rooms/{roomID}/access
func (h *AccessHandler) HandleGetAccess(w http.ResponseWriter, r *http.Request) {
	roomID, claims, ok := h.authorize(w, r)
	if !ok {
		return
	}

	users, err := h.store.Members(r.Context(), roomID)
	if err != nil {
		h.errorHandler.Handle(w, r, apperrors.NewInternalError(err))
		return
	}
	if users == nil {
		users = []string{}
	}

	h.logger.DebugContext(r.Context(), "access list read",
		"room_id", roomID,
		"user_id", claims.UserID,
		"entries", len(users),
	)
	WriteJSON(w, http.StatusOK, AccessListDTO{RoomID: roomID, UserIDs: users, Open: len(users) == 0})
}

// HandleReplaceAccess handles PUT /rooms/{roomID}/access
func (h *AccessHandler) HandleReplaceAccess(w http.ResponseWriter, r *http.Request) {
	roomID, claims, ok := h.authorize(w, r)
	if !ok {
		return
	}

	req, err := validation.DecodeAndValidate[ReplaceAccessRequest](r)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	if err := req.Validate(claims.UserID); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	if err := h.store.Replace(r.Context(), roomID, req.UserIDs, claims.UserID); err != nil {
		h.errorHandler.Handle(w, r, apperrors.NewInternalError(err))
		return
	}

	h.logger.InfoContext(r.Context(), "access list replaced",
		"room_id", roomID,
		"user_id", claims.UserID,
		"entries", len(req.UserIDs),
	)
	w.WriteHeader(http.StatusNoContent)
}

// HandleGrantAccess handles PUT /rooms/{roomID}/access/{userID}
func (h *AccessHandler) HandleGrantAccess(w http.ResponseWriter, r *http.Request) {
	roomID, claims, ok := h.authorize(w, r)
	if !ok {
		return
	}
	userID, ok := h.targetUser(w, r)
	if !ok {
		return
	}

	if err := h.store.Grant(r.Context(), roomID, userID, claims.UserID); err != nil {
		h.errorHandler.Handle(w, r, apperrors.NewInternalError(err))
		return
	}

	h.logger.InfoContext(r.Context(), "access granted",
		"room_id", roomID,
		"user_id", claims.UserID,
		"target_user_id", userID,
	)
	w.WriteHeader(http.StatusNoContent)
}

// HandleRevokeAccess handles DELETE /rooms/{roomID}/access/{userID}
func (h *AccessHandler) HandleRevokeAccess(w http.ResponseWriter, r *http.Request) {
	roomID, claims, ok := h.authorize(w, r)
	if !ok {
		return
	}
	userID, ok := h.targetUser(w, r)
	if !ok {
		return
	}

	if err := h.store.Revoke(r.Context(), roomID, userID); err != nil {
		h.errorHandler.Handle(w, r, apperrors.NewInternalError(err))
		return
	}

	h.logger.InfoContext(r.Context(), "access revoked",
		"room_id", roomID,
		"user_id", claims.UserID,
		"target_user_id", userID,
	)
	w.WriteHeader(http.StatusNoContent)
}

// authorize resolves the room and the caller, and checks the caller may join
// the room. It writes the error response itself.
func (h *AccessHandler) authorize(w http.ResponseWriter, r *http.Request) (string, *auth.Claims, bool) {
	claims, ok := mw.ClaimsFromContext(r.Context())
	if !ok {
		h.errorHandler.Handle(w, r, apperrors.ErrUnauthorized)
		return "", nil, false
	}

	roomID := chi.URLParam(r, "roomID")
	if err := domain.ValidateRoomID(roomID); err != nil {
		h.errorHandler.Handle(w, r, err)
		return "", nil, false
	}
	mw.Annotate(r.Context(), "room_id", roomID, "user_id", claims.UserID)

	allowed, err := h.store.CanJoin(r.Context(), roomID, claims.UserID)
	if err != nil {
		h.errorHandler.Handle(w, r, apperrors.NewInternalError(err))
		return "", nil, false
	}
	if !allowed {
		h.errorHandler.Handle(w, r, apperrors.ErrForbidden)
		return "", nil, false
	}

	return roomID, claims, true
}

func (h *AccessHandler) targetUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := chi.URLParam(r, "userID")
	if err := (domain.Identity{UserID: userID}).Validate(); err != nil {
		h.errorHandler.Handle(w, r, err)
		return "", false
	}
	return userID, true
}
