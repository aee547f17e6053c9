package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorrc/collab-relay/internal/core/domain"
	apperrors "github.com/lorrc/collab-relay/internal/core/errors"
)

var (
	alice = domain.Identity{UserID: "alice", DisplayName: "Alice"}
	bob   = domain.Identity{UserID: "bob", DisplayName: "Bob"}
)

func presenceOf(c *Controller, userID string) domain.PresenceState {
	e, ok := c.Presence().Get(userID)
	if !ok {
		return ""
	}
	return e.State
}

func TestControllerDocScenario(t *testing.T) {
	relay := startRelay(t, 0)

	viewA, viewB := &recordingView{}, &recordingView{}
	dialerB := newTestDialer()
	a := newTestController(t, relay.endpoint, newTestDialer(), viewA)
	b := NewController(viewB, Options{
		Endpoint:  relay.endpoint,
		Transport: TransportOptions{Dialer: dialerB, Backoff: fastBackoff(2)},
		Logger:    quietLogger,
	})

	// A joins an empty room
	require.NoError(t, a.Join(context.Background(), "doc-1", alice))
	awaitState(t, a, StateJoined)
	assert.Zero(t, a.Presence().Len())

	// B joins and sees A; A learns about B
	require.NoError(t, b.Join(context.Background(), "doc-1", bob))
	awaitState(t, b, StateJoined)
	assert.Equal(t, []domain.Identity{alice}, b.Presence().Present())
	require.Eventually(t, func() bool {
		return presenceOf(a, "bob") == domain.PresenceJoined
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, relay.registry.MemberCount("doc-1"))

	// A's edit is applied by B exactly once and never echoed to A
	require.NoError(t, a.SendEdit(json.RawMessage(`{"cell":"B2","value":42}`)))
	require.Eventually(t, func() bool { return len(viewB.Edits()) == 1 }, 2*time.Second, 10*time.Millisecond)
	edit := viewB.Edits()[0]
	assert.JSONEq(t, `{"cell":"B2","value":42}`, string(edit.Payload))
	assert.Equal(t, "alice", edit.OriginUserID)
	assert.False(t, edit.Timestamp.IsZero())
	assert.Never(t, func() bool {
		return len(viewA.Edits()) > 0 || len(viewB.Edits()) > 1
	}, 200*time.Millisecond, 20*time.Millisecond)

	// B drops abruptly and cannot come back
	dialerB.setRefuse(true)
	dialerB.cut()

	require.Eventually(t, func() bool {
		return presenceOf(a, "bob") == domain.PresenceLeft
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, relay.registry.MemberCount("doc-1"))

	entry, ok := viewA.Snapshot().Get("bob")
	require.True(t, ok)
	assert.Equal(t, domain.PresenceLeft, entry.State)

	assert.Equal(t, StateLost, awaitState(t, b, StateLost))
	assert.ErrorIs(t, b.Err(), apperrors.ErrConnectionLost)
	<-b.Done()
}

func TestControllerFIFOPerOrigin(t *testing.T) {
	relay := startRelay(t, 0)

	viewB := &recordingView{}
	a := newTestController(t, relay.endpoint, newTestDialer(), &recordingView{})
	b := newTestController(t, relay.endpoint, newTestDialer(), viewB)

	require.NoError(t, a.Join(context.Background(), "doc-1", alice))
	awaitState(t, a, StateJoined)
	require.NoError(t, b.Join(context.Background(), "doc-1", bob))
	awaitState(t, b, StateJoined)

	const n = 40
	for i := 0; i < n; i++ {
		require.NoError(t, a.SendEdit(json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i))))
	}

	require.Eventually(t, func() bool { return len(viewB.Edits()) == n }, 3*time.Second, 10*time.Millisecond)
	for i, edit := range viewB.Edits() {
		var body struct {
			Seq int `json:"seq"`
		}
		require.NoError(t, json.Unmarshal(edit.Payload, &body))
		assert.Equal(t, i, body.Seq)
	}
}

func TestControllerReconnectRejoins(t *testing.T) {
	relay := startRelay(t, 0)

	var mu sync.Mutex
	var transitions []State

	dialerA := newTestDialer()
	a := NewController(&recordingView{}, Options{
		Endpoint:  relay.endpoint,
		Transport: TransportOptions{Dialer: dialerA, Backoff: fastBackoff(200)},
		OnStateChange: func(_, to State) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
		},
		Logger: quietLogger,
	})
	defer a.Leave(context.Background())
	b := newTestController(t, relay.endpoint, newTestDialer(), &recordingView{})

	require.NoError(t, b.Join(context.Background(), "doc-1", bob))
	awaitState(t, b, StateJoined)
	require.NoError(t, a.Join(context.Background(), "doc-1", alice))
	awaitState(t, a, StateJoined)

	// Drop A's link and hold it down so the outage is observable
	dialerA.setRefuse(true)
	dialerA.cut()
	awaitState(t, a, StateReconnecting)

	assert.ErrorIs(t, a.SendEdit(json.RawMessage(`{"x":1}`)), apperrors.ErrNotJoined)
	require.NoError(t, a.SetPresence(domain.PresenceActive))

	dialerA.setRefuse(false)
	awaitState(t, a, StateJoined)

	// Fresh snapshot, no duplicate membership, buffered presence flushed
	assert.Equal(t, []domain.Identity{bob}, a.Presence().Present())
	require.Eventually(t, func() bool {
		return relay.registry.MemberCount("doc-1") == 2
	}, 2*time.Second, 10*time.Millisecond)
	info, ok := relay.registry.Room("doc-1")
	require.True(t, ok)
	assert.Equal(t, 2, info.Sessions)

	require.Eventually(t, func() bool {
		return presenceOf(b, "alice") == domain.PresenceActive
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateJoining, StateJoined, StateReconnecting, StateJoined}, transitions)
}

func TestControllerLeaveCancelsReconnect(t *testing.T) {
	relay := startRelay(t, 0)

	dialer := newTestDialer()
	a := newTestController(t, relay.endpoint, dialer, &recordingView{})

	require.NoError(t, a.Join(context.Background(), "doc-1", alice))
	awaitState(t, a, StateJoined)

	dialer.setRefuse(true)
	dialer.cut()
	awaitState(t, a, StateReconnecting)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Leave(ctx))
	assert.Equal(t, StateLeft, a.State())

	dials := dialer.dialCount()
	dialer.setRefuse(false)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, dials, dialer.dialCount(), "no dial after leave")
	assert.Equal(t, StateLeft, a.State())
	require.Eventually(t, func() bool {
		return relay.registry.MemberCount("doc-1") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestControllerLeaveNotifiesRelay(t *testing.T) {
	relay := startRelay(t, 0)

	a := newTestController(t, relay.endpoint, newTestDialer(), &recordingView{})
	b := newTestController(t, relay.endpoint, newTestDialer(), &recordingView{})

	require.NoError(t, a.Join(context.Background(), "doc-1", alice))
	awaitState(t, a, StateJoined)
	require.NoError(t, b.Join(context.Background(), "doc-1", bob))
	awaitState(t, b, StateJoined)

	require.NoError(t, b.Leave(context.Background()))
	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("transport not released")
	}

	require.Eventually(t, func() bool {
		return presenceOf(a, "bob") == domain.PresenceLeft
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, relay.registry.MemberCount("doc-1"))

	// leaving twice is harmless
	assert.NoError(t, b.Leave(context.Background()))
	assert.ErrorIs(t, b.SendEdit(json.RawMessage(`{}`)), apperrors.ErrNotJoined)
}

func TestControllerUnreachableRelay(t *testing.T) {
	c := NewController(&recordingView{}, Options{
		Endpoint:  "ws://127.0.0.1:1/api/v1/ws",
		Transport: TransportOptions{Backoff: fastBackoff(2)},
		Logger:    quietLogger,
	})

	// Join never fails synchronously on the network
	require.NoError(t, c.Join(context.Background(), "doc-1", alice))

	assert.Equal(t, StateLost, awaitState(t, c, StateLost))
	assert.ErrorIs(t, c.Err(), apperrors.ErrConnectionLost)
	assert.ErrorIs(t, c.Err(), apperrors.ErrTransport)
	assert.Equal(t, ConnClosed, c.ConnState())
	<-c.Done()
}

func TestControllerRejectedWhenRoomFull(t *testing.T) {
	relay := startRelay(t, 1)

	a := newTestController(t, relay.endpoint, newTestDialer(), &recordingView{})
	dialer := newTestDialer()
	b := newTestController(t, relay.endpoint, dialer, &recordingView{})

	require.NoError(t, a.Join(context.Background(), "doc-1", alice))
	awaitState(t, a, StateJoined)

	require.NoError(t, b.Join(context.Background(), "doc-1", bob))
	assert.Equal(t, StateRejected, awaitState(t, b, StateRejected))
	assert.Equal(t, apperrors.CodeRoomFull, b.RejectCode())

	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("rejected session did not finish")
	}
	assert.Equal(t, 1, dialer.dialCount(), "a rejection is not retried")
	assert.Equal(t, 1, relay.registry.MemberCount("doc-1"))
}

func TestControllerDiscardsBadRemoteEdits(t *testing.T) {
	relay := startRelay(t, 0)

	var calls int
	viewB := &recordingView{}
	viewB.onEdit = func(edit RemoteEdit) error {
		calls++
		switch calls {
		case 1:
			panic("view bug")
		case 2:
			return errors.New("view rejected edit")
		}
		return nil
	}

	a := newTestController(t, relay.endpoint, newTestDialer(), &recordingView{})
	b := NewController(viewB, Options{
		Endpoint:  relay.endpoint,
		Transport: TransportOptions{Dialer: newTestDialer()},
		Validate: func(payload json.RawMessage) error {
			var body struct {
				Bad bool `json:"bad"`
			}
			_ = json.Unmarshal(payload, &body)
			if body.Bad {
				return errors.New("schema mismatch")
			}
			return nil
		},
		Logger: quietLogger,
	})
	defer b.Leave(context.Background())

	require.NoError(t, a.Join(context.Background(), "doc-1", alice))
	awaitState(t, a, StateJoined)
	require.NoError(t, b.Join(context.Background(), "doc-1", bob))
	awaitState(t, b, StateJoined)

	for _, p := range []string{`{"n":1}`, `{"n":2}`, `{"bad":true}`, `{"n":3}`} {
		require.NoError(t, a.SendEdit(json.RawMessage(p)))
	}

	require.Eventually(t, func() bool { return len(viewB.Edits()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"n":3}`, string(viewB.Edits()[0].Payload))
	assert.Equal(t, StateJoined, b.State())
	assert.Equal(t, domain.PresenceJoined, presenceOf(b, "alice"))
}

func TestControllerInputValidation(t *testing.T) {
	c := NewController(&recordingView{}, Options{Endpoint: "ws://127.0.0.1:1/ws", Logger: quietLogger})

	assert.ErrorIs(t, c.Join(context.Background(), "", alice), apperrors.ErrValidation)
	assert.ErrorIs(t, c.Join(context.Background(), "doc-1", domain.Identity{}), apperrors.ErrValidation)
	assert.Equal(t, StateDisconnected, c.State())

	assert.ErrorIs(t, c.SendEdit(json.RawMessage(`{}`)), apperrors.ErrNotJoined)
	assert.ErrorIs(t, c.SendEdit(nil), apperrors.ErrValidation)
	assert.ErrorIs(t, c.SetPresence(domain.PresenceLeft), apperrors.ErrValidation)
	assert.ErrorIs(t, c.SetPresence(domain.PresenceActive), apperrors.ErrNotJoined)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Join(ctx, "doc-1", alice))
	assert.ErrorIs(t, c.Join(ctx, "doc-1", alice), apperrors.ErrAlreadyStarted)

	// cancelling the join context ends the session
	cancel()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after cancellation")
	}
	assert.True(t, c.State().Terminal())
}

func TestControllerLeaveBeforeJoin(t *testing.T) {
	c := NewController(&recordingView{}, Options{Endpoint: "ws://127.0.0.1:1/ws", Logger: quietLogger})

	require.NoError(t, c.Leave(context.Background()))
	assert.Equal(t, StateLeft, c.State())
	<-c.Done()

	assert.ErrorIs(t, c.Join(context.Background(), "doc-1", alice), apperrors.ErrAlreadyStarted)
}

func TestControllerJoinCancelSendsLeave(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan domain.Envelope, 8)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var env domain.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				close(received)
				return
			}
			received <- env
			if env.Type == domain.TypeJoin {
				_ = conn.WriteJSON(domain.NewPresenceSnapshot(env.RoomID, nil))
			}
		}
	}))
	defer srv.Close()

	c := NewController(&recordingView{}, Options{Endpoint: wsURL(srv), Logger: quietLogger})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Join(ctx, "doc-1", alice))
	awaitState(t, c, StateJoined)

	cancel()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after cancellation")
	}
	assert.Equal(t, StateLeft, c.State())

	var types []domain.MessageType
	for env := range received {
		types = append(types, env.Type)
	}
	assert.Equal(t, []domain.MessageType{domain.TypeJoin, domain.TypeLeave}, types)
}
