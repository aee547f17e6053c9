package websocket

import (
	"context"
	"log/slog"
	"sync"

	apperrors "github.com/lorrc/collab-relay/internal/core/errors"
	"github.com/lorrc/collab-relay/internal/core/ports"
)

// Hub maintains the set of open sessions. Room membership lives in the room
// registry; the hub only owns connection lifetime.
type Hub struct {
	// sessions maps session IDs to open sessions
	sessions map[string]*Session

	// closing is set once Shutdown starts; new sessions are refused
	closing bool

	// mu protects sessions and closing
	mu sync.RWMutex
	wg sync.WaitGroup

	metrics ports.Metrics

	// logger for the hub
	logger *slog.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(metrics ports.Metrics, logger *slog.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]*Session),
		metrics:  metrics,
		logger:   logger.With("component", "websocket_hub"),
	}
}

// Register adds a session to the hub
func (h *Hub) Register(s *Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closing {
		return apperrors.ErrUnavailable
	}
	h.sessions[s.ID()] = s
	h.wg.Add(1)
	if h.metrics != nil {
		h.metrics.SessionConnected()
	}

	h.logger.Info("session registered",
		"session_id", s.ID(),
		"total_sessions", len(h.sessions),
	)
	return nil
}

// Unregister removes a session from the hub
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessions[s.ID()]; !ok {
		return
	}
	delete(h.sessions, s.ID())
	h.wg.Done()
	if h.metrics != nil {
		h.metrics.SessionDisconnected()
	}

	h.logger.Info("session unregistered",
		"session_id", s.ID(),
		"total_sessions", len(h.sessions),
	)
}

// SessionCount returns the number of open sessions
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Shutdown closes every session and waits for their pumps to unregister them,
// or for ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	h.logger.Info("closing sessions", "count", len(sessions))
	for _, s := range sessions {
		s.Close()
	}

	drained := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
