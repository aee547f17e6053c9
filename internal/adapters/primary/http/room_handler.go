package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/lorrc/collab-relay/internal/adapters/primary/http/middleware"
	"github.com/lorrc/collab-relay/internal/adapters/primary/validation"
	"github.com/lorrc/collab-relay/internal/core/domain"
	apperrors "github.com/lorrc/collab-relay/internal/core/errors"
	"github.com/lorrc/collab-relay/internal/core/ports"
)

const maxRoomsPerPage = 100

// RoomHandler exposes read-only room inspection
type RoomHandler struct {
	registry     ports.RoomRegistry
	errorHandler *ErrorHandler
	logger       *slog.Logger
}

// NewRoomHandler creates a new room handler
func NewRoomHandler(registry ports.RoomRegistry, errorHandler *ErrorHandler, logger *slog.Logger) *RoomHandler {
	return &RoomHandler{
		registry:     registry,
		errorHandler: errorHandler,
		logger:       logger.With("handler", "room"),
	}
}

// RegisterRoutes sets up the routing for all room endpoints.
func (h *RoomHandler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.HandleListRooms)
	r.Get("/{roomID}", h.HandleGetRoom)
}

// HandleListRooms lists active rooms, sorted by room id
func (h *RoomHandler) HandleListRooms(w http.ResponseWriter, r *http.Request) {
	page := validation.ParsePagination(r, maxRoomsPerPage)
	rooms := h.registry.Rooms()

	WritePaginated(w, validation.Page(rooms, page), page.Limit, page.Offset, int64(len(rooms)))
}

// HandleGetRoom returns one room's sessions and present members
func (h *RoomHandler) HandleGetRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if err := domain.ValidateRoomID(roomID); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	mw.Annotate(r.Context(), "room_id", roomID)

	info, ok := h.registry.Room(roomID)
	if !ok {
		h.errorHandler.Handle(w, r, apperrors.NewNotFoundError(apperrors.ErrNotFound, "Room not found"))
		return
	}

	WriteJSON(w, http.StatusOK, info)
}
