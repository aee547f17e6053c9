package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/lorrc/collab-relay/internal/core/domain"
	apperrors "github.com/lorrc/collab-relay/internal/core/errors"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 512 * 1024
	defaultSendBuffer     = 64
	eventBuffer           = 64
)

// Dialer opens websocket connections. *websocket.Dialer implements it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// ConnState is the link state reported for UI feedback.
type ConnState string

const (
	ConnConnecting ConnState = "connecting"
	ConnOpen       ConnState = "open"
	ConnClosed     ConnState = "closed"
)

// EventKind tags transport events.
type EventKind int

const (
	// EventConnecting is emitted before every dial attempt.
	EventConnecting EventKind = iota
	// EventOpen follows a successful dial and handshake write.
	EventOpen
	// EventMessage carries one decoded inbound envelope.
	EventMessage
	// EventClosed reports a link closure. Err is nil after Close.
	EventClosed
	// EventLost is terminal: reconnect attempts were exhausted.
	EventLost
)

func (k EventKind) String() string {
	switch k {
	case EventConnecting:
		return "connecting"
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventClosed:
		return "closed"
	case EventLost:
		return "lost"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is emitted by the transport in order on Events().
type Event struct {
	Kind     EventKind
	Envelope domain.Envelope // EventMessage
	Attempt  int             // EventConnecting, 1-based within an outage
	Err      error
}

// TransportOptions configures a Transport. Zero values select defaults.
type TransportOptions struct {
	Token          string // sent as ?token= and as a bearer header
	Dialer         Dialer
	Backoff        BackoffConfig
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	Logger         *slog.Logger
}

// Transport is a persistent duplex link to a relay. It reconnects on
// unexpected closure and writes the join handshake first on every link.
type Transport struct {
	endpoint  string
	handshake domain.Envelope
	opts      TransportOptions
	logger    *slog.Logger

	events chan Event

	mu      sync.Mutex
	link    *link
	started bool
	closing bool
	final   *domain.Envelope

	done      chan struct{} // closed by Close
	closeOnce sync.Once
	finished  chan struct{} // closed when the supervisor exits
}

type link struct {
	conn   *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

func (l *link) shutdown() {
	l.once.Do(func() { close(l.closed) })
}

// NewTransport creates a transport for endpoint, a ws:// or wss:// URL.
func NewTransport(endpoint string, handshake domain.Envelope, opts TransportOptions) (*Transport, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, &apperrors.TransportError{Op: "dial", Endpoint: endpoint, Err: err}
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, &apperrors.TransportError{Op: "dial", Endpoint: endpoint,
			Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
	if handshake.Type != domain.TypeJoin {
		return nil, apperrors.NewProtocolError("handshake must be a join", nil)
	}

	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	opts.Backoff = opts.Backoff.withDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Transport{
		endpoint:  endpoint,
		handshake: handshake,
		opts:      opts,
		logger:    logger.With("component", "session_transport", "room_id", handshake.RoomID),
		events:    make(chan Event, eventBuffer),
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
	}, nil
}

// Events returns the event stream. It is closed once the transport finishes.
func (t *Transport) Events() <-chan Event { return t.events }

// Done is closed once the transport has released its connection.
func (t *Transport) Done() <-chan struct{} { return t.finished }

// Start connects in the background. It never blocks on the network.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return apperrors.ErrAlreadyStarted
	}
	if t.closing {
		return apperrors.ErrNotConnected
	}
	t.started = true

	go t.supervise(ctx)
	return nil
}

// Send queues env on the open link. It never blocks.
func (t *Transport) Send(env domain.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return apperrors.NewProtocolError("encode "+string(env.Type), err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.link == nil || t.closing {
		return apperrors.ErrNotConnected
	}
	select {
	case t.link.send <- raw:
		return nil
	default:
		return apperrors.ErrSendBufferFull
	}
}

// Close releases the transport and cancels any pending reconnect. When final
// is non-nil and a link is open, final is written after the queued messages
// and before the close frame. Close does not wait; use Done.
func (t *Transport) Close(final *domain.Envelope) {
	t.mu.Lock()
	first := !t.closing
	if first {
		t.closing = true
		t.final = final
	}
	neverStarted := first && !t.started
	if neverStarted {
		t.started = true
	}
	t.mu.Unlock()

	t.closeOnce.Do(func() { close(t.done) })
	if neverStarted {
		close(t.events)
		close(t.finished)
	}
}

func (t *Transport) supervise(parent context.Context) {
	defer close(t.finished)
	defer close(t.events)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		select {
		case <-t.done:
		case <-ctx.Done():
			// parent cancelled, or the supervisor is exiting
			t.Close(nil)
		}
		cancel()
	}()

	o := &outage{policy: t.opts.Backoff.newBackOff(ctx)}
	for {
		conn, err := t.connect(ctx, o)
		if err != nil {
			if ctx.Err() != nil || t.isClosing() {
				t.emit(Event{Kind: EventClosed})
				return
			}
			t.logger.Warn("relay unreachable, giving up", "error", err)
			t.emit(Event{Kind: EventLost, Err: errors.Join(apperrors.ErrConnectionLost, err)})
			return
		}

		var dropErr error
		l, err := t.open(conn)
		if err != nil {
			// The handshake could not be written; treat it as a dropped link.
			dropErr = err
		} else {
			t.emit(Event{Kind: EventOpen})
			dropErr = t.read(ctx, l, o)
			t.dropLink(l)
		}

		if ctx.Err() != nil || t.isClosing() {
			t.emit(Event{Kind: EventClosed})
			return
		}
		t.logger.Info("relay link closed, reconnecting", "error", dropErr)
		t.emit(Event{Kind: EventClosed, Err: dropErr})

		if err := t.wait(ctx, o, dropErr); err != nil {
			if ctx.Err() != nil || t.isClosing() {
				t.emit(Event{Kind: EventClosed})
				return
			}
			t.logger.Warn("relay keeps dropping the link, giving up", "error", err)
			t.emit(Event{Kind: EventLost, Err: errors.Join(apperrors.ErrConnectionLost, err)})
			return
		}
	}
}

// outage is the reconnect budget spent by every dial and every dropped link
// until a link proves healthy by delivering the presence snapshot.
type outage struct {
	policy  backoff.BackOff
	attempt int
}

func (o *outage) recovered() {
	o.policy.Reset()
	o.attempt = 0
}

// connect dials until a link opens, the outage budget is spent, or ctx is
// done.
func (t *Transport) connect(ctx context.Context, o *outage) (*websocket.Conn, error) {
	target, header := t.target()

	for {
		o.attempt++
		t.emit(Event{Kind: EventConnecting, Attempt: o.attempt})

		conn, err := t.dial(ctx, target, header)
		if err == nil {
			// Close may have raced with a successful dial.
			if t.isClosing() {
				_ = conn.Close()
				return nil, context.Canceled
			}
			return conn, nil
		}

		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return nil, permanent.Err
		}
		if err := t.wait(ctx, o, err); err != nil {
			return nil, err
		}
	}
}

func (t *Transport) dial(ctx context.Context, target string, header http.Header) (*websocket.Conn, error) {
	c, resp, err := t.opts.Dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		return c, nil
	}
	terr := &apperrors.TransportError{Op: "dial", Endpoint: t.endpoint, Err: err}
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		// Retrying a refused token cannot succeed.
		terr.Err = fmt.Errorf("%w: handshake status %d", apperrors.ErrUnauthorized, resp.StatusCode)
		return nil, backoff.Permanent(terr)
	}
	return nil, terr
}

// wait sleeps for the outage's next delay. It returns cause once the budget
// is spent and ctx.Err() if ctx ends first.
func (t *Transport) wait(ctx context.Context, o *outage, cause error) error {
	next := o.policy.NextBackOff()
	if next == backoff.Stop {
		if err := ctx.Err(); err != nil {
			return err
		}
		return cause
	}
	t.logger.Debug("backing off before redial",
		"attempt", o.attempt,
		"retry_in", next,
		"error", cause,
	)

	timer := time.NewTimer(next)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (t *Transport) target() (string, http.Header) {
	header := http.Header{}
	if t.opts.Token == "" {
		return t.endpoint, header
	}
	header.Set("Authorization", "Bearer "+t.opts.Token)

	u, _ := url.Parse(t.endpoint)
	q := u.Query()
	q.Set("token", t.opts.Token)
	u.RawQuery = q.Encode()
	return u.String(), header
}

// open writes the join handshake and starts the writer.
func (t *Transport) open(conn *websocket.Conn) (*link, error) {
	raw, err := json.Marshal(t.handshake)
	if err != nil {
		_ = conn.Close()
		return nil, apperrors.NewProtocolError("encode handshake", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(t.opts.WriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		_ = conn.Close()
		return nil, &apperrors.TransportError{Op: "write", Endpoint: t.endpoint, Err: err}
	}

	l := &link{
		conn:   conn,
		send:   make(chan []byte, t.opts.SendBuffer),
		closed: make(chan struct{}),
	}

	t.mu.Lock()
	t.link = l
	t.mu.Unlock()

	go t.write(l)
	return l, nil
}

func (t *Transport) dropLink(l *link) {
	t.mu.Lock()
	if t.link == l {
		t.link = nil
	}
	t.mu.Unlock()
	l.shutdown()
	_ = l.conn.Close()
}

func (t *Transport) isClosing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closing
}

// read pumps inbound frames until the link fails. The presence snapshot
// marks the link healthy and refills the outage budget.
func (t *Transport) read(ctx context.Context, l *link, o *outage) error {
	conn := l.conn
	conn.SetReadLimit(t.opts.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(t.opts.PongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(t.opts.PongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(t.opts.WriteWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &apperrors.TransportError{Op: "read", Endpoint: t.endpoint, Err: err}
		}
		_ = conn.SetReadDeadline(time.Now().Add(t.opts.PongWait))

		env, err := domain.DecodeEnvelope(raw)
		if err != nil {
			t.logger.Warn("dropping malformed frame from relay", "error", err)
			continue
		}
		if env.Type == domain.TypePresenceSnapshot {
			o.recovered()
		}
		t.emit(Event{Kind: EventMessage, Envelope: env})
	}
}

// write drains the link's queue. On Close it flushes, writes the final
// envelope and a close frame.
func (t *Transport) write(l *link) {
	conn := l.conn
	for {
		select {
		case raw := <-l.send:
			if err := t.writeFrame(conn, raw); err != nil {
				_ = conn.Close()
				return
			}

		case <-l.closed:
			return

		case <-t.done:
			t.flush(l)
			_ = conn.Close()
			return
		}
	}
}

func (t *Transport) flush(l *link) {
	conn := l.conn
	for drained := false; !drained; {
		select {
		case raw := <-l.send:
			if err := t.writeFrame(conn, raw); err != nil {
				return
			}
		default:
			drained = true
		}
	}

	t.mu.Lock()
	final := t.final
	t.mu.Unlock()
	if final != nil {
		if raw, err := json.Marshal(final); err == nil {
			if err := t.writeFrame(conn, raw); err != nil {
				return
			}
		}
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(t.opts.WriteWait))
}

func (t *Transport) writeFrame(conn *websocket.Conn, raw []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(t.opts.WriteWait))
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// emit hands ev to the consumer. Once the transport is closing, only the
// final closed event is guaranteed to be delivered.
func (t *Transport) emit(ev Event) {
	if ev.Kind == EventClosed || ev.Kind == EventLost {
		select {
		case t.events <- ev:
		case <-time.After(t.opts.WriteWait):
			t.logger.Warn("event consumer stalled, dropping event", "kind", ev.Kind.String())
		}
		return
	}
	select {
	case t.events <- ev:
	case <-t.done:
	}
}
