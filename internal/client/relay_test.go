package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	httpAdapter "github.com/lorrc/collab-relay/internal/adapters/primary/http"
	wsAdapter "github.com/lorrc/collab-relay/internal/adapters/primary/websocket"
	"github.com/lorrc/collab-relay/internal/config"
	"github.com/lorrc/collab-relay/internal/core/presence"
	"github.com/lorrc/collab-relay/internal/core/services"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type testRelay struct {
	endpoint string
	registry *services.RoomRegistry
}

// startRelay runs a complete relay behind an httptest server.
func startRelay(t *testing.T, maxMembers int) *testRelay {
	t.Helper()

	cfg := config.FromEnv()
	cfg.App.Environment = "development"
	cfg.RateLimit.Enabled = false
	cfg.JWT.Required = false

	registry := services.NewRoomRegistry(services.RegistryConfig{MaxMembersPerRoom: maxMembers}, nil, quietLogger)
	router := services.NewRouter(registry, nil, nil, nil, quietLogger, services.RouterConfig{InstanceID: "test"})
	hub := wsAdapter.NewHub(nil, quietLogger)

	ctx, cancel := context.WithCancel(context.Background())
	handler := httpAdapter.NewRouter(httpAdapter.RouterDeps{
		Config:    cfg,
		Logger:    quietLogger,
		Registry:  registry,
		WebSocket: httpAdapter.NewWebSocketHandler(ctx, hub, router, nil, cfg, quietLogger),
	})
	srv := httptest.NewServer(handler)

	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = hub.Shutdown(shutdownCtx)
		cancel()
		srv.Close()
	})

	return &testRelay{
		endpoint: "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws",
		registry: registry,
	}
}

// testDialer records connections so tests can cut them, and can refuse dials.
type testDialer struct {
	inner *websocket.Dialer

	mu     sync.Mutex
	conns  []*websocket.Conn
	refuse bool
	dials  int
}

func newTestDialer() *testDialer {
	return &testDialer{inner: &websocket.Dialer{HandshakeTimeout: 2 * time.Second}}
}

func (d *testDialer) DialContext(ctx context.Context, urlStr string, h http.Header) (*websocket.Conn, *http.Response, error) {
	d.mu.Lock()
	d.dials++
	refuse := d.refuse
	d.mu.Unlock()

	if refuse {
		return nil, nil, errors.New("connection refused")
	}
	conn, resp, err := d.inner.DialContext(ctx, urlStr, h)
	if err == nil {
		d.mu.Lock()
		d.conns = append(d.conns, conn)
		d.mu.Unlock()
	}
	return conn, resp, err
}

func (d *testDialer) setRefuse(refuse bool) {
	d.mu.Lock()
	d.refuse = refuse
	d.mu.Unlock()
}

func (d *testDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// cut drops every open connection without a close handshake.
func (d *testDialer) cut() {
	d.mu.Lock()
	conns := d.conns
	d.conns = nil
	d.mu.Unlock()
	for _, c := range conns {
		_ = c.UnderlyingConn().Close()
	}
}

// recordingView collects everything the controller renders.
type recordingView struct {
	mu       sync.Mutex
	edits    []RemoteEdit
	snapshot presence.Snapshot
	renders  int

	onEdit func(RemoteEdit) error
}

func (v *recordingView) ApplyRemoteEdit(edit RemoteEdit) error {
	v.mu.Lock()
	hook := v.onEdit
	v.mu.Unlock()
	if hook != nil {
		if err := hook(edit); err != nil {
			return err
		}
	}

	v.mu.Lock()
	v.edits = append(v.edits, edit)
	v.mu.Unlock()
	return nil
}

func (v *recordingView) RenderPresence(snapshot presence.Snapshot) {
	v.mu.Lock()
	v.snapshot = snapshot
	v.renders++
	v.mu.Unlock()
}

func (v *recordingView) Edits() []RemoteEdit {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]RemoteEdit, len(v.edits))
	copy(out, v.edits)
	return out
}

func (v *recordingView) Snapshot() presence.Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshot
}

func fastBackoff(attempts int) BackoffConfig {
	return BackoffConfig{Base: time.Millisecond, Cap: 20 * time.Millisecond, MaxAttempts: attempts}
}

func newTestController(t *testing.T, endpoint string, dialer *testDialer, view View) *Controller {
	t.Helper()
	c := NewController(view, Options{
		Endpoint: endpoint,
		Transport: TransportOptions{
			Dialer:  dialer,
			Backoff: fastBackoff(50),
		},
		Logger: quietLogger,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Leave(ctx)
	})
	return c
}

func awaitState(t *testing.T, c *Controller, states ...State) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := c.AwaitState(ctx, states...)
	require.NoError(t, err)
	return got
}
