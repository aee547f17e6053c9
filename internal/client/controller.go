// Package client is the client side of a collaboration session: a transport
// that keeps one link to the relay alive and a controller that joins a room,
// sends local edits and presence, and applies remote events to a View.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lorrc/collab-relay/internal/core/domain"
	apperrors "github.com/lorrc/collab-relay/internal/core/errors"
	"github.com/lorrc/collab-relay/internal/core/presence"
	"github.com/lorrc/collab-relay/internal/infrastructure/logging"
)

// State is the controller's position in the session lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateJoining      State = "joining"
	StateJoined       State = "joined"
	StateReconnecting State = "reconnecting"
	StateLeft         State = "left"
	StateLost         State = "lost"     // reconnect attempts exhausted
	StateRejected     State = "rejected" // the relay refused the join
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateLeft || s == StateLost || s == StateRejected
}

// RemoteEdit is an edit made by another session in the room.
type RemoteEdit struct {
	RoomID          string
	Payload         json.RawMessage
	OriginUserID    string
	OriginSessionID string
	Timestamp       time.Time // relay clock
}

// View is the editor the controller drives. Both methods are called from the
// controller's goroutine, in arrival order.
type View interface {
	// ApplyRemoteEdit applies a peer's edit. A returned error means the
	// payload was rejected by the view; it is logged and discarded.
	ApplyRemoteEdit(edit RemoteEdit) error
	// RenderPresence receives the room's presence after every change.
	RenderPresence(snapshot presence.Snapshot)
}

// Options configures a Controller.
type Options struct {
	Endpoint  string // ws:// or wss:// URL of the relay's websocket route
	Transport TransportOptions

	// Validate checks remote payloads before they reach the view.
	Validate func(payload json.RawMessage) error

	// OnStateChange is called from the controller goroutine after every
	// transition.
	OnStateChange func(from, to State)

	Logger *slog.Logger
}

// Controller runs one client session in one room.
type Controller struct {
	opts   Options
	view   View
	logger *slog.Logger

	tracker *presence.Tracker
	started atomic.Bool

	mu              sync.Mutex
	state           State
	conn            ConnState
	err             error
	rejectCode      string
	roomID          string
	identity        domain.Identity
	transport       *Transport
	pendingPresence domain.PresenceState // latest presence set while not joined
	changed         chan struct{}        // closed and replaced on every transition

	done      chan struct{}
	closeDone sync.Once
}

// NewController creates a controller that renders into view.
func NewController(view View, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Transport.Logger == nil {
		opts.Transport.Logger = logger
	}
	return &Controller{
		opts:    opts,
		view:    view,
		logger:  logger.With("component", "session_controller"),
		tracker: presence.NewTracker(),
		state:   StateDisconnected,
		conn:    ConnClosed,
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Join starts the session. It validates its arguments and returns without
// waiting for the network; progress is observable through State and
// AwaitState. Cancelling ctx ends the session as if Leave were called.
func (c *Controller) Join(ctx context.Context, roomID string, identity domain.Identity) error {
	if err := domain.ValidateRoomID(roomID); err != nil {
		return err
	}
	if err := identity.Validate(); err != nil {
		return err
	}
	if !c.started.CompareAndSwap(false, true) {
		return apperrors.ErrAlreadyStarted
	}

	t, err := NewTransport(c.opts.Endpoint, domain.NewJoin(roomID, identity), c.opts.Transport)
	if err != nil {
		c.finish(StateLost, err)
		return err
	}

	c.mu.Lock()
	c.roomID = roomID
	c.identity = identity
	c.transport = t
	c.mu.Unlock()

	c.logger = c.logger.With("room_id", roomID, "user_id", identity.UserID)
	c.transition(StateJoining, nil)

	// The transport outlives ctx so a cancelled join can still say leave.
	if err := t.Start(context.WithoutCancel(ctx)); err != nil {
		c.finish(StateLost, err)
		return err
	}
	go c.loop(t)
	go c.leaveOnCancel(ctx)
	return nil
}

func (c *Controller) leaveOnCancel(ctx context.Context) {
	select {
	case <-ctx.Done():
		c.logger.Debug("join context done, leaving room", "error", ctx.Err())
		_ = c.Leave(context.Background())
	case <-c.done:
	}
}

// SendEdit sends a local edit to the room's other members. Edits are only
// sent while joined and are never buffered.
func (c *Controller) SendEdit(payload json.RawMessage) error {
	if err := domain.ValidatePayload(payload, 0); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateJoined {
		return apperrors.ErrNotJoined
	}
	return c.transport.Send(domain.NewEdit(c.roomID, payload))
}

// SetPresence publishes the local presence state. While the session is
// joining or reconnecting only the latest state is kept; it is sent once the
// room's snapshot arrives.
func (c *Controller) SetPresence(state domain.PresenceState) error {
	if state != domain.PresenceActive {
		return apperrors.NewValidationError("state", apperrors.ErrInvalidPresence)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateJoined:
		return c.transport.Send(domain.NewPresenceUpdate(c.roomID, state))
	case StateJoining, StateReconnecting:
		c.pendingPresence = state
		return nil
	default:
		return apperrors.ErrNotJoined
	}
}

// Leave ends the session. The relay is told best-effort and any pending
// reconnect is cancelled. Leave waits for the transport to be released until
// ctx is done; the session is left either way.
func (c *Controller) Leave(ctx context.Context) error {
	c.mu.Lock()
	t := c.transport
	roomID := c.roomID
	wasJoined := c.state == StateJoined
	c.mu.Unlock()

	if t == nil {
		if c.started.CompareAndSwap(false, true) {
			c.finish(StateLeft, nil)
		}
		return nil
	}

	c.transition(StateLeft, nil)

	var final *domain.Envelope
	if wasJoined {
		leave := domain.NewLeave(roomID)
		final = &leave
	}
	t.Close(final)

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnState returns the transport's link state.
func (c *Controller) ConnState() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Err returns the error that ended the session, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// RejectCode returns the relay's reason code once the join was rejected.
func (c *Controller) RejectCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejectCode
}

// Presence returns a read-only view of the room's presence.
func (c *Controller) Presence() presence.Snapshot {
	return c.tracker.Snapshot()
}

// Done is closed once the session has ended and its transport is released.
func (c *Controller) Done() <-chan struct{} { return c.done }

// AwaitState blocks until the controller is in one of states or ctx is done.
// It returns early with the terminal state if the session ends elsewhere.
func (c *Controller) AwaitState(ctx context.Context, states ...State) (State, error) {
	for {
		c.mu.Lock()
		current, changed := c.state, c.changed
		c.mu.Unlock()

		if slices.Contains(states, current) {
			return current, nil
		}
		if current.Terminal() {
			return current, &unexpectedStateError{want: states, got: current}
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return current, ctx.Err()
		}
	}
}

type unexpectedStateError struct {
	want []State
	got  State
}

func (e *unexpectedStateError) Error() string {
	return fmt.Sprintf("session ended in state %s while waiting for %v", e.got, e.want)
}

func (c *Controller) loop(t *Transport) {
	for ev := range t.Events() {
		c.handle(ev)
	}
	// The transport is finished. Terminal states set along the way win.
	c.finish(StateLeft, nil)
}

func (c *Controller) handle(ev Event) {
	switch ev.Kind {
	case EventConnecting:
		c.setConn(ConnConnecting)
		if ev.Attempt > 1 {
			c.logger.Debug("reconnecting to relay", "attempt", ev.Attempt)
		}

	case EventOpen:
		c.setConn(ConnOpen)

	case EventClosed:
		c.setConn(ConnClosed)
		if ev.Err == nil {
			return
		}
		switch c.State() {
		case StateJoined, StateJoining:
			c.logger.Info("relay link lost", "error", ev.Err)
			c.transition(StateReconnecting, nil)
		}

	case EventLost:
		c.setConn(ConnClosed)
		if errors.Is(ev.Err, apperrors.ErrUnauthorized) {
			c.reject(apperrors.CodeForbidden, ev.Err)
			return
		}
		c.logger.Warn("relay connection lost", "error", ev.Err)
		c.transition(StateLost, ev.Err)

	case EventMessage:
		c.dispatch(ev.Envelope)
	}
}

func (c *Controller) dispatch(env domain.Envelope) {
	c.mu.Lock()
	roomID := c.roomID
	c.mu.Unlock()

	if env.RoomID != "" && env.RoomID != roomID {
		c.logger.Warn("dropping event for another room", "type", env.Type, "event_room_id", env.RoomID)
		return
	}

	switch env.Type {
	case domain.TypePresenceSnapshot:
		c.onSnapshot(env.Members)
	case domain.TypeEdit:
		c.onEdit(env)
	case domain.TypePresence:
		c.onPresence(env)
	case domain.TypeError:
		c.onError(env)
	default:
		c.logger.Warn("dropping unexpected event", "type", env.Type)
	}
}

func (c *Controller) onSnapshot(members []domain.Identity) {
	if c.State().Terminal() {
		return
	}
	c.tracker.Reset(members)
	c.render()

	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	pending := c.pendingPresence
	c.pendingPresence = ""
	if pending != "" {
		if err := c.transport.Send(domain.NewPresenceUpdate(c.roomID, pending)); err != nil {
			c.logger.Warn("failed to flush presence", "error", err)
		}
	}
	c.mu.Unlock()

	c.transition(StateJoined, nil)
}

func (c *Controller) onEdit(env domain.Envelope) {
	if c.State() != StateJoined {
		return
	}
	if err := domain.ValidatePayload(env.Payload, 0); err != nil {
		c.logger.Warn("discarding remote edit", "origin_user_id", env.OriginUserID, "error", err)
		return
	}
	if c.opts.Validate != nil {
		if err := c.opts.Validate(env.Payload); err != nil {
			c.logger.Warn("discarding remote edit", "origin_user_id", env.OriginUserID, "error", err)
			return
		}
	}

	edit := RemoteEdit{
		RoomID:          env.RoomID,
		Payload:         env.Payload,
		OriginUserID:    env.OriginUserID,
		OriginSessionID: env.OriginSessionID,
	}
	if env.Timestamp != 0 {
		edit.Timestamp = time.UnixMilli(env.Timestamp)
	}

	c.safely("apply remote edit", func() {
		if err := c.view.ApplyRemoteEdit(edit); err != nil {
			c.logger.Warn("view rejected remote edit", "origin_user_id", env.OriginUserID, "error", err)
		}
	})
}

func (c *Controller) onPresence(env domain.Envelope) {
	if env.Identity == nil || !env.State.IsValid() {
		c.logger.Warn("dropping malformed presence event")
		return
	}
	if c.State().Terminal() {
		return
	}
	if c.tracker.Apply(*env.Identity, env.State) {
		c.render()
	}
}

func (c *Controller) onError(env domain.Envelope) {
	state := c.State()
	awaitingSnapshot := state == StateJoining || state == StateReconnecting

	if apperrors.IsTerminalRejection(env.Code) || (awaitingSnapshot && env.Code != apperrors.CodeRateLimited) {
		c.reject(env.Code, errors.New(env.Message))
		return
	}
	c.logger.Warn("relay reported an error", "code", env.Code, "message", env.Message)
}

func (c *Controller) reject(code string, err error) {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.rejectCode = code
	t := c.transport
	c.mu.Unlock()

	c.logger.Warn("join rejected by relay", "code", code, "error", err)
	c.transition(StateRejected, err)
	t.Close(nil)
}

func (c *Controller) render() {
	snapshot := c.tracker.Snapshot()
	c.safely("render presence", func() { c.view.RenderPresence(snapshot) })
}

// safely runs a view callback; a panic is logged and the session carries on.
func (c *Controller) safely(op string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			logging.LogPanic(c.logger.With("op", op), p)
		}
	}()
	fn()
}

func (c *Controller) setConn(s ConnState) {
	c.mu.Lock()
	c.conn = s
	c.mu.Unlock()
}

// transition moves to next. Terminal states are final.
func (c *Controller) transition(next State, err error) {
	c.mu.Lock()
	from := c.state
	if from == next || from.Terminal() {
		c.mu.Unlock()
		return
	}
	c.state = next
	if err != nil {
		c.err = err
	}
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()

	c.logger.Debug("session state changed", "from", from, "to", next)
	if c.opts.OnStateChange != nil {
		c.safely("state change hook", func() { c.opts.OnStateChange(from, next) })
	}
}

// finish sets a terminal state, unless one is already set, and closes Done.
func (c *Controller) finish(state State, err error) {
	c.transition(state, err)
	c.closeDone.Do(func() { close(c.done) })
}
