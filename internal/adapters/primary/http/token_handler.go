package http

import (
	"log/slog"
	"net/http"
	"strings"
	"unicode"

	"github.com/go-chi/chi/v5"

	"github.com/lorrc/collab-relay/internal/adapters/primary/validation"
	"github.com/lorrc/collab-relay/internal/auth"
	"github.com/lorrc/collab-relay/internal/core/domain"
)

// TokenHandler issues relay tokens. It is only mounted in development, where
// no external identity provider is available.
type TokenHandler struct {
	tm           *auth.TokenManager
	errorHandler *ErrorHandler
	logger       *slog.Logger
}

// NewTokenHandler creates a new token handler
func NewTokenHandler(tm *auth.TokenManager, errorHandler *ErrorHandler, logger *slog.Logger) *TokenHandler {
	return &TokenHandler{
		tm:           tm,
		errorHandler: errorHandler,
		logger:       logger.With("handler", "token"),
	}
}

// IssueTokenRequest is the body of POST /tokens
type IssueTokenRequest struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// IssueTokenResponse carries a signed token
type IssueTokenResponse struct {
	Token string `json:"token"`
}

// RegisterRoutes sets up the routing for token endpoints.
func (h *TokenHandler) RegisterRoutes(r chi.Router) {
	r.Post("/", h.HandleIssueToken)
}

// HandleIssueToken signs a token for the requested identity
func (h *TokenHandler) HandleIssueToken(w http.ResponseWriter, r *http.Request) {
	req, err := validation.DecodeAndValidate[IssueTokenRequest](r)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	v := validation.NewValidator().
		Required("userId", req.UserID).
		MaxLength("userId", req.UserID, domain.MaxUserIDLength).
		Custom("userId", !strings.ContainsFunc(req.UserID, unicode.IsControl), "User id must be printable").
		MaxLength("displayName", req.DisplayName, domain.MaxDisplayNameLength)
	if v.HasErrors() {
		h.errorHandler.Handle(w, r, v.Errors())
		return
	}

	token, err := h.tm.GenerateToken(domain.Identity{UserID: req.UserID, DisplayName: req.DisplayName})
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	h.logger.Info("issued development token", "user_id", req.UserID)
	WriteJSON(w, http.StatusCreated, IssueTokenResponse{Token: token})
}
