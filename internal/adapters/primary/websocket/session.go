package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/lorrc/collab-relay/internal/core/domain"
	apperrors "github.com/lorrc/collab-relay/internal/core/errors"
	"github.com/lorrc/collab-relay/internal/core/ports"
	"github.com/lorrc/collab-relay/internal/infrastructure/logging"
)

const (
	// Time allowed to write a message to the peer.
	defaultWriteWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	defaultPongWait = 60 * time.Second

	// Maximum message size allowed from peer.
	defaultMaxMessageSize = 512 * 1024

	defaultSendBuffer = 256
)

// SessionConfig holds per-connection limits
type SessionConfig struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration // must be less than PongWait
	MaxMessageSize int64
	SendBuffer     int

	// Inbound rate limit; a zero RateLimit disables it.
	RateLimit     rate.Limit
	RateBurst     int
	MaxViolations int
}

// DefaultSessionConfig returns the limits used when none are configured
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		WriteWait:      defaultWriteWait,
		PongWait:       defaultPongWait,
		PingPeriod:     (defaultPongWait * 9) / 10,
		MaxMessageSize: defaultMaxMessageSize,
		SendBuffer:     defaultSendBuffer,
	}
}

func (c SessionConfig) withDefaults() SessionConfig {
	d := DefaultSessionConfig()
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = (c.PongWait * 9) / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	return c
}

// Session is a middleman between one websocket connection and the event
// router. It is the registry's ports.Member for that connection.
type Session struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	router ports.EventRouter
	cfg    SessionConfig

	// Buffered channel of outbound messages. It is never closed; done
	// signals shutdown to both pumps.
	send      chan domain.Envelope
	done      chan struct{}
	closeOnce sync.Once

	// mu protects identity
	mu       sync.RWMutex
	identity *domain.Identity

	// limiter state is only touched by ReadPump
	limiter       *rate.Limiter
	refill        time.Duration // time for an empty bucket to fill up again
	violations    int           // rejected frames in the current streak
	lastViolation time.Time
	now           func() time.Time

	logger *slog.Logger
}

var _ ports.Member = (*Session)(nil)

// NewSession creates a session for an upgraded connection. identity is the
// token identity, if the upgrade was authenticated.
func NewSession(
	hub *Hub,
	conn *websocket.Conn,
	router ports.EventRouter,
	identity *domain.Identity,
	cfg SessionConfig,
	logger *slog.Logger,
) *Session {
	cfg = cfg.withDefaults()
	id := uuid.NewString()

	s := &Session{
		id:     id,
		hub:    hub,
		conn:   conn,
		router: router,
		cfg:    cfg,
		send:   make(chan domain.Envelope, cfg.SendBuffer),
		done:   make(chan struct{}),
		now:    time.Now,
		logger: logger.With("session_id", id),
	}
	if identity != nil {
		bound := *identity
		s.identity = &bound
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(cfg.RateLimit, cfg.RateBurst)
		burst := max(cfg.RateBurst, 1)
		s.refill = time.Duration(float64(burst) / float64(cfg.RateLimit) * float64(time.Second))
	}
	return s
}

// ID returns the session id
func (s *Session) ID() string { return s.id }

// Identity returns the identity bound to the session
func (s *Session) Identity() (domain.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return domain.Identity{}, false
	}
	return *s.identity, true
}

// Bind fixes the session identity on first join. A token identity always
// wins over the display name a client announces; a different user id fails.
func (s *Session) Bind(identity domain.Identity) (domain.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity != nil {
		if !s.identity.SameUser(identity) {
			return *s.identity, apperrors.ErrIdentityChanged
		}
		return *s.identity, nil
	}
	bound := identity
	s.identity = &bound
	return bound, nil
}

// Deliver queues env without blocking
func (s *Session) Deliver(env domain.Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- env:
		return true
	default:
		return false
	}
}

// Close stops both pumps; safe to call more than once
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// Done is closed once the session is closing
func (s *Session) Done() <-chan struct{} { return s.done }

// Run registers the session and starts its pumps. ctx is the relay's base
// context, not the upgrade request's.
func (s *Session) Run(ctx context.Context) error {
	if err := s.hub.Register(s); err != nil {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "relay shutting down"),
			time.Now().Add(s.cfg.WriteWait))
		_ = s.conn.Close()
		return err
	}

	ctx = logging.WithSessionID(ctx, s.id)
	go s.WritePump()
	go s.ReadPump(ctx)
	return nil
}

// ReadPump pumps messages from the websocket connection to the router.
// This method runs in its own goroutine.
func (s *Session) ReadPump(ctx context.Context) {
	defer func() {
		s.router.Disconnect(ctx, s)
		s.hub.Unregister(s)
		s.Close()
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait)); err != nil {
		s.logger.Error("failed to set read deadline", "error", err)
		return
	}

	s.conn.SetPongHandler(func(string) error {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait)); err != nil {
			s.logger.Error("failed to set read deadline in pong handler", "error", err)
		}
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		if !s.allow() {
			if s.violations > s.cfg.MaxViolations {
				s.logger.Warn("closing session after repeated rate limit violations",
					"violations", s.violations,
				)
				return
			}
			continue
		}

		s.router.HandleMessage(ctx, s, message)
	}
}

// allow applies the inbound rate limit. Rejected frames closer together than
// one bucket refill form a streak; each streak is told RATE_LIMITED once and
// ReadPump closes the session when a streak outgrows MaxViolations.
func (s *Session) allow() bool {
	if s.limiter == nil {
		return true
	}
	now := s.now()
	if s.limiter.AllowN(now, 1) {
		return true
	}

	if s.violations > 0 && now.Sub(s.lastViolation) > s.refill {
		s.violations = 0
	}
	s.lastViolation = now
	s.violations++
	if s.violations == 1 {
		s.Deliver(domain.NewError("", apperrors.CodeRateLimited, apperrors.ErrRateLimited.Error()))
	}
	return false
}

// WritePump pumps messages from the send buffer to the websocket connection.
// This method runs in its own goroutine.
func (s *Session) WritePump() {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case env := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait)); err != nil {
				s.logger.Error("failed to set write deadline", "error", err)
				return
			}

			if err := s.writeJSON(env); err != nil {
				s.logger.Debug("failed to write message", "error", err)
				s.Close()
				return
			}

		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait)); err != nil {
				s.logger.Error("failed to set write deadline for ping", "error", err)
				return
			}

			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debug("failed to send ping", "error", err)
				s.Close()
				return
			}

		case <-s.done:
			s.flush()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteWait)); err != nil {
				s.logger.Debug("failed to send close message", "error", err)
			}
			return
		}
	}
}

// flush writes whatever is still buffered, without blocking on new messages
func (s *Session) flush() {
	for {
		select {
		case env := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait)); err != nil {
				return
			}
			if err := s.writeJSON(env); err != nil {
				return
			}
		default:
			return
		}
	}
}

// writeJSON writes a JSON message to the websocket connection
func (s *Session) writeJSON(env domain.Envelope) error {
	w, err := s.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}

	if err := json.NewEncoder(w).Encode(env); err != nil {
		_ = w.Close()
		return err
	}

	return w.Close()
}
