package http

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	mw "github.com/lorrc/collab-relay/internal/adapters/primary/http/middleware"
	wsAdapter "github.com/lorrc/collab-relay/internal/adapters/primary/websocket"
	"github.com/lorrc/collab-relay/internal/auth"
	"github.com/lorrc/collab-relay/internal/config"
	"github.com/lorrc/collab-relay/internal/core/domain"
	"github.com/lorrc/collab-relay/internal/core/ports"
	"github.com/lorrc/collab-relay/internal/infrastructure/logging"
)

// WebSocketHandler handles WebSocket connection upgrades
type WebSocketHandler struct {
	baseCtx     context.Context
	hub         *wsAdapter.Hub
	router      ports.EventRouter
	tm          *auth.TokenManager
	authRequire bool
	sessionCfg  wsAdapter.SessionConfig
	upgrader    websocket.Upgrader
	logger      *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler. Sessions live under
// baseCtx rather than the upgrade request's context. tm may be nil when
// tokens are not configured.
func NewWebSocketHandler(
	baseCtx context.Context,
	hub *wsAdapter.Hub,
	router ports.EventRouter,
	tm *auth.TokenManager,
	cfg *config.Config,
	logger *slog.Logger,
) *WebSocketHandler {
	handler := &WebSocketHandler{
		baseCtx:     baseCtx,
		hub:         hub,
		router:      router,
		tm:          tm,
		authRequire: cfg.JWT.Required,
		sessionCfg:  SessionConfigFrom(cfg),
		logger:      logger,
	}

	handler.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		CheckOrigin:     handler.makeOriginChecker(cfg),
	}

	return handler
}

// makeOriginChecker creates an origin checking function based on configuration
func (h *WebSocketHandler) makeOriginChecker(cfg *config.Config) func(r *http.Request) bool {
	allowedOrigins := cfg.WebSocket.AllowedOrigins

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")

		// In development mode, allow all origins (but log a warning)
		if cfg.IsDevelopment() {
			if origin != "" {
				h.logger.Warn("allowing websocket connection in development mode",
					"origin", origin,
					"remote_addr", r.RemoteAddr,
				)
			}
			return true
		}

		// No origin header (same-origin request or non-browser client)
		if origin == "" {
			return true
		}

		// Check against allowed origins
		parsedOrigin, err := url.Parse(origin)
		if err != nil {
			h.logger.Warn("failed to parse websocket origin",
				"origin", origin,
				"error", err,
			)
			return false
		}

		originHost := parsedOrigin.Host

		for _, allowed := range allowedOrigins {
			// Support wildcard subdomains like "*.example.com"
			if strings.HasPrefix(allowed, "*.") {
				suffix := allowed[1:] // Remove the "*", keep ".example.com"
				if strings.HasSuffix(originHost, suffix) || originHost == allowed[2:] {
					return true
				}
			} else if originHost == allowed {
				return true
			}
		}

		h.logger.Warn("websocket connection rejected due to origin",
			"origin", origin,
			"remote_addr", r.RemoteAddr,
			"allowed_origins", allowedOrigins,
		)
		return false
	}
}

// SessionConfigFrom maps relay configuration onto per-session limits
func SessionConfigFrom(cfg *config.Config) wsAdapter.SessionConfig {
	sc := wsAdapter.SessionConfig{
		WriteWait:      cfg.WebSocket.WriteWait,
		PongWait:       cfg.WebSocket.PongWait,
		PingPeriod:     cfg.WebSocket.PingInterval,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		SendBuffer:     cfg.WebSocket.SendBufferSize,
	}
	if cfg.RateLimit.Enabled && cfg.RateLimit.SessionRPS > 0 {
		sc.RateLimit = rate.Limit(cfg.RateLimit.SessionRPS)
		sc.RateBurst = cfg.RateLimit.SessionBurst
		sc.MaxViolations = cfg.RateLimit.MaxViolations
	}
	return sc
}

// ServeHTTP handles WebSocket connection requests
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := mw.GetRequestID(r.Context())

	// 1. Authenticate the connection via query parameter or bearer header
	identity, ok := h.authenticate(w, r, requestID)
	if !ok {
		return
	}

	// 2. Upgrade the connection
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket connection",
			"request_id", requestID,
			"error", err,
		)
		return
	}

	// 3. Create and run the new session
	ctx := logging.WithRequestID(h.baseCtx, requestID)
	session := wsAdapter.NewSession(h.hub, conn, h.router, identity, h.sessionCfg, h.logger)
	if err := session.Run(ctx); err != nil {
		h.logger.Warn("websocket session refused",
			"request_id", requestID,
			"error", err,
		)
		return
	}

	attrs := []any{"session_id", session.ID()}
	if identity != nil {
		attrs = append(attrs, "user_id", identity.UserID)
	}
	mw.Annotate(r.Context(), attrs...)
	h.logger.Debug("websocket connection established",
		append(attrs, "request_id", requestID, "remote_addr", r.RemoteAddr)...)
}

// authenticate resolves the token identity. Without a token the session is
// anonymous until its join, unless tokens are required.
func (h *WebSocketHandler) authenticate(w http.ResponseWriter, r *http.Request, requestID string) (*domain.Identity, bool) {
	tokenString := r.URL.Query().Get("token")
	if tokenString == "" {
		tokenString, _ = mw.BearerToken(r)
	}

	if tokenString == "" {
		if !h.authRequire {
			return nil, true
		}
		h.logger.Warn("websocket connection rejected: missing token",
			"request_id", requestID,
			"remote_addr", r.RemoteAddr,
		)
		http.Error(w, "Missing authentication token", http.StatusUnauthorized)
		return nil, false
	}

	if h.tm == nil {
		h.logger.Warn("websocket connection rejected: tokens not configured",
			"request_id", requestID,
			"remote_addr", r.RemoteAddr,
		)
		http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
		return nil, false
	}

	claims, err := h.tm.ValidateToken(tokenString)
	if err != nil {
		h.logger.Warn("websocket connection rejected: invalid token",
			"request_id", requestID,
			"remote_addr", r.RemoteAddr,
			"error", err,
		)
		http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
		return nil, false
	}

	identity := claims.Identity()
	return &identity, true
}
