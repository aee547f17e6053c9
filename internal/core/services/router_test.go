package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lorrc/collab-relay/internal/core/domain"
	apperrors "github.com/lorrc/collab-relay/internal/core/errors"
	"github.com/lorrc/collab-relay/internal/core/mocks"
	"github.com/lorrc/collab-relay/internal/core/ports"
	"github.com/lorrc/collab-relay/internal/core/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type routerFixture struct {
	registry *services.RoomRegistry
	access   *mocks.MockAccessChecker
	router   *services.Router
}

func newRouterFixture(t *testing.T, cfg services.RegistryConfig, bus ports.EventBus) *routerFixture {
	t.Helper()
	access := mocks.NewMockAccessChecker()
	access.On("CanJoin", mock.Anything, mock.Anything, mock.Anything).Return(true, nil).Maybe()

	registry := services.NewRoomRegistry(cfg, nil, nil)
	router := services.NewRouter(registry, access, bus, nil, nil, services.RouterConfig{
		InstanceID:      "relay-1",
		MaxPayloadBytes: 64,
	})
	return &routerFixture{registry: registry, access: access, router: router}
}

func send(t *testing.T, r *services.Router, m ports.Member, env domain.Envelope) {
	t.Helper()
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	r.HandleMessage(context.Background(), m, raw)
}

func TestRouter_Join(t *testing.T) {
	t.Run("joiner gets a snapshot and peers see joined", func(t *testing.T) {
		f := newRouterFixture(t, services.RegistryConfig{}, nil)
		a := mocks.NewFakeMember("s-a")
		b := mocks.NewFakeMember("s-b")

		send(t, f.router, a, domain.NewJoin("doc-1", alice))
		send(t, f.router, b, domain.NewJoin("doc-1", bob))

		aSnaps := a.ReceivedOfType(domain.TypePresenceSnapshot)
		require.Len(t, aSnaps, 1)
		assert.Empty(t, aSnaps[0].Members)

		bSnaps := b.ReceivedOfType(domain.TypePresenceSnapshot)
		require.Len(t, bSnaps, 1)
		assert.Equal(t, []domain.Identity{alice}, bSnaps[0].Members)

		joined := a.ReceivedOfType(domain.TypePresence)
		require.Len(t, joined, 1)
		assert.Equal(t, domain.PresenceJoined, joined[0].State)
		assert.Equal(t, bob, *joined[0].Identity)
		assert.Empty(t, b.ReceivedOfType(domain.TypePresence), "joiner must not see its own join")
	})

	t.Run("second session of a user is not announced", func(t *testing.T) {
		f := newRouterFixture(t, services.RegistryConfig{}, nil)
		a1 := mocks.NewFakeMember("s-a1")
		a2 := mocks.NewFakeMember("s-a2")
		b := mocks.NewFakeMember("s-b")

		send(t, f.router, b, domain.NewJoin("doc-1", bob))
		send(t, f.router, a1, domain.NewJoin("doc-1", alice))
		send(t, f.router, a2, domain.NewJoin("doc-1", alice))

		assert.Len(t, b.ReceivedOfType(domain.TypePresence), 1)
	})

	t.Run("identity change is forbidden", func(t *testing.T) {
		f := newRouterFixture(t, services.RegistryConfig{}, nil)
		a := mocks.NewBoundMember("s-a", alice)

		send(t, f.router, a, domain.NewJoin("doc-1", bob))

		errs := a.ReceivedOfType(domain.TypeError)
		require.Len(t, errs, 1)
		assert.Equal(t, apperrors.CodeForbidden, errs[0].Code)
		assert.Equal(t, 0, f.registry.MemberCount("doc-1"))
	})

	t.Run("join without identity uses the bound one", func(t *testing.T) {
		f := newRouterFixture(t, services.RegistryConfig{}, nil)
		a := mocks.NewBoundMember("s-a", alice)

		send(t, f.router, a, domain.Envelope{Type: domain.TypeJoin, RoomID: "doc-1"})

		assert.Equal(t, 1, f.registry.MemberCount("doc-1"))
	})

	t.Run("invalid room id", func(t *testing.T) {
		f := newRouterFixture(t, services.RegistryConfig{}, nil)
		a := mocks.NewFakeMember("s-a")

		send(t, f.router, a, domain.NewJoin("", alice))

		errs := a.ReceivedOfType(domain.TypeError)
		require.Len(t, errs, 1)
		assert.Equal(t, apperrors.CodeValidation, errs[0].Code)
	})

	t.Run("room full", func(t *testing.T) {
		f := newRouterFixture(t, services.RegistryConfig{MaxMembersPerRoom: 1}, nil)
		a := mocks.NewFakeMember("s-a")
		b := mocks.NewFakeMember("s-b")

		send(t, f.router, a, domain.NewJoin("doc-1", alice))
		send(t, f.router, b, domain.NewJoin("doc-1", bob))

		errs := b.ReceivedOfType(domain.TypeError)
		require.Len(t, errs, 1)
		assert.Equal(t, apperrors.CodeRoomFull, errs[0].Code)
		assert.Empty(t, a.ReceivedOfType(domain.TypePresence))
	})
}

func TestRouter_JoinAccess(t *testing.T) {
	newRouter := func(allowed bool, err error) (*services.Router, *mocks.MockAccessChecker) {
		access := mocks.NewMockAccessChecker()
		access.On("CanJoin", mock.Anything, "secret", "alice").Return(allowed, err).Once()
		registry := services.NewRoomRegistry(services.RegistryConfig{}, nil, nil)
		return services.NewRouter(registry, access, nil, nil, nil, services.RouterConfig{}), access
	}

	t.Run("denied", func(t *testing.T) {
		router, access := newRouter(false, nil)
		a := mocks.NewFakeMember("s-a")

		send(t, router, a, domain.NewJoin("secret", alice))

		errs := a.ReceivedOfType(domain.TypeError)
		require.Len(t, errs, 1)
		assert.Equal(t, apperrors.CodeForbidden, errs[0].Code)
		assert.Empty(t, a.ReceivedOfType(domain.TypePresenceSnapshot))
		access.AssertExpectations(t)
	})

	t.Run("store failure", func(t *testing.T) {
		router, access := newRouter(false, errors.New("connection refused"))
		a := mocks.NewFakeMember("s-a")

		send(t, router, a, domain.NewJoin("secret", alice))

		errs := a.ReceivedOfType(domain.TypeError)
		require.Len(t, errs, 1)
		assert.Equal(t, apperrors.CodeUnavailable, errs[0].Code)
		assert.NotContains(t, errs[0].Message, "connection refused")
		access.AssertExpectations(t)
	})
}

func TestRouter_Edit(t *testing.T) {
	setup := func(t *testing.T) (*routerFixture, *mocks.FakeMember, *mocks.FakeMember) {
		f := newRouterFixture(t, services.RegistryConfig{}, nil)
		a := mocks.NewFakeMember("s-a")
		b := mocks.NewFakeMember("s-b")
		send(t, f.router, a, domain.NewJoin("doc-1", alice))
		send(t, f.router, b, domain.NewJoin("doc-1", bob))
		a.Reset()
		b.Reset()
		return f, a, b
	}

	t.Run("relayed to peers with origin, never echoed", func(t *testing.T) {
		f, a, b := setup(t)

		send(t, f.router, a, domain.NewEdit("doc-1", json.RawMessage(`{"op":"x"}`)))

		assert.Empty(t, a.Received())
		edits := b.ReceivedOfType(domain.TypeEdit)
		require.Len(t, edits, 1)
		assert.JSONEq(t, `{"op":"x"}`, string(edits[0].Payload))
		assert.Equal(t, "alice", edits[0].OriginUserID)
		assert.Equal(t, "s-a", edits[0].OriginSessionID)
		assert.NotZero(t, edits[0].Timestamp)
	})

	t.Run("FIFO per origin", func(t *testing.T) {
		f, a, b := setup(t)

		for _, p := range []string{`1`, `2`, `3`} {
			send(t, f.router, a, domain.NewEdit("doc-1", json.RawMessage(p)))
		}

		edits := b.ReceivedOfType(domain.TypeEdit)
		require.Len(t, edits, 3)
		for i, want := range []string{`1`, `2`, `3`} {
			assert.Equal(t, want, string(edits[i].Payload))
		}
	})

	t.Run("edit for a room not joined is dropped", func(t *testing.T) {
		f, a, b := setup(t)

		n := f.router.Route(context.Background(), "doc-2", domain.NewEdit("doc-2", json.RawMessage(`1`)), a)

		assert.Zero(t, n)
		assert.Empty(t, b.Received())
	})

	t.Run("sessions that never joined cannot edit", func(t *testing.T) {
		f, _, b := setup(t)
		stranger := mocks.NewBoundMember("s-x", carol)

		send(t, f.router, stranger, domain.NewEdit("doc-1", json.RawMessage(`1`)))

		assert.Empty(t, b.Received())
	})

	t.Run("invalid payloads are dropped", func(t *testing.T) {
		f, a, b := setup(t)

		send(t, f.router, a, domain.Envelope{Type: domain.TypeEdit, RoomID: "doc-1"})
		send(t, f.router, a, domain.NewEdit("doc-1", json.RawMessage(`"`+strings.Repeat("x", 80)+`"`)))
		f.router.HandleMessage(context.Background(), a, []byte(`{"type":"edit","roomId":"doc-1","payload":{`))
		f.router.HandleMessage(context.Background(), a, []byte(`{"type":"teleport"}`))
		f.router.HandleMessage(context.Background(), a, []byte(`not json`))

		assert.Empty(t, b.Received())
		assert.Empty(t, a.Received())
	})
}

func TestRouter_Presence(t *testing.T) {
	f := newRouterFixture(t, services.RegistryConfig{}, nil)
	a := mocks.NewFakeMember("s-a")
	b := mocks.NewFakeMember("s-b")
	send(t, f.router, a, domain.NewJoin("doc-1", alice))
	send(t, f.router, b, domain.NewJoin("doc-1", bob))
	a.Reset()
	b.Reset()

	t.Run("active is fanned out", func(t *testing.T) {
		send(t, f.router, a, domain.NewPresenceUpdate("doc-1", domain.PresenceActive))

		got := b.ReceivedOfType(domain.TypePresence)
		require.Len(t, got, 1)
		assert.Equal(t, domain.PresenceActive, got[0].State)
		assert.Equal(t, alice, *got[0].Identity)
		assert.Empty(t, a.Received())
	})

	t.Run("joined from a client is rejected", func(t *testing.T) {
		b.Reset()
		send(t, f.router, a, domain.NewPresenceUpdate("doc-1", domain.PresenceJoined))
		assert.Empty(t, b.Received())
	})

	t.Run("left acts as leave", func(t *testing.T) {
		b.Reset()
		send(t, f.router, a, domain.NewPresenceUpdate("doc-1", domain.PresenceLeft))

		got := b.ReceivedOfType(domain.TypePresence)
		require.Len(t, got, 1)
		assert.Equal(t, domain.PresenceLeft, got[0].State)
		assert.Equal(t, 1, f.registry.MemberCount("doc-1"))
	})
}

func TestRouter_LeaveAndDisconnect(t *testing.T) {
	t.Run("explicit leave announces left once", func(t *testing.T) {
		f := newRouterFixture(t, services.RegistryConfig{}, nil)
		a := mocks.NewFakeMember("s-a")
		b := mocks.NewFakeMember("s-b")
		send(t, f.router, a, domain.NewJoin("doc-1", alice))
		send(t, f.router, b, domain.NewJoin("doc-1", bob))
		a.Reset()

		send(t, f.router, b, domain.NewLeave("doc-1"))
		send(t, f.router, b, domain.NewLeave("doc-1"))
		f.router.Disconnect(context.Background(), b)

		got := a.ReceivedOfType(domain.TypePresence)
		require.Len(t, got, 1)
		assert.Equal(t, domain.PresenceLeft, got[0].State)
		assert.Equal(t, bob, *got[0].Identity)
	})

	t.Run("disconnect of the last member closes the room", func(t *testing.T) {
		f := newRouterFixture(t, services.RegistryConfig{}, nil)
		a := mocks.NewFakeMember("s-a")
		send(t, f.router, a, domain.NewJoin("doc-1", alice))

		f.router.Disconnect(context.Background(), a)

		assert.Equal(t, 0, f.registry.RoomCount())
	})

	t.Run("disconnect of one of two sessions keeps the user present", func(t *testing.T) {
		f := newRouterFixture(t, services.RegistryConfig{}, nil)
		a1 := mocks.NewFakeMember("s-a1")
		a2 := mocks.NewFakeMember("s-a2")
		b := mocks.NewFakeMember("s-b")
		send(t, f.router, b, domain.NewJoin("doc-1", bob))
		send(t, f.router, a1, domain.NewJoin("doc-1", alice))
		send(t, f.router, a2, domain.NewJoin("doc-1", alice))
		b.Reset()

		f.router.Disconnect(context.Background(), a1)

		assert.Empty(t, b.ReceivedOfType(domain.TypePresence))
	})
}

func TestRouter_EventBus(t *testing.T) {
	t.Run("routed events are published with the instance id", func(t *testing.T) {
		bus := mocks.NewMockEventBus()
		bus.On("Publish", mock.Anything, mock.MatchedBy(func(msg ports.BusMessage) bool {
			return msg.InstanceID == "relay-1" && msg.RoomID == "doc-1"
		})).Return(nil)

		f := newRouterFixture(t, services.RegistryConfig{}, bus)
		a := mocks.NewFakeMember("s-a")
		send(t, f.router, a, domain.NewJoin("doc-1", alice))
		send(t, f.router, a, domain.NewEdit("doc-1", json.RawMessage(`1`)))

		var kinds []domain.MessageType
		for _, call := range bus.Calls {
			kinds = append(kinds, call.Arguments.Get(1).(ports.BusMessage).Envelope.Type)
		}
		assert.Equal(t, []domain.MessageType{domain.TypePresence, domain.TypeEdit}, kinds)
	})

	t.Run("publish failure does not block local fan-out", func(t *testing.T) {
		bus := mocks.NewMockEventBus()
		bus.On("Publish", mock.Anything, mock.Anything).Return(errors.New("redis down"))

		f := newRouterFixture(t, services.RegistryConfig{}, bus)
		a := mocks.NewFakeMember("s-a")
		b := mocks.NewFakeMember("s-b")
		send(t, f.router, a, domain.NewJoin("doc-1", alice))
		send(t, f.router, b, domain.NewJoin("doc-1", bob))
		send(t, f.router, a, domain.NewEdit("doc-1", json.RawMessage(`1`)))

		assert.Len(t, b.ReceivedOfType(domain.TypeEdit), 1)
	})

	t.Run("remote events reach local members", func(t *testing.T) {
		f := newRouterFixture(t, services.RegistryConfig{}, nil)
		a := mocks.NewFakeMember("s-a")
		send(t, f.router, a, domain.NewJoin("doc-1", alice))
		a.Reset()

		edit := domain.NewRelayedEdit("doc-1", json.RawMessage(`1`), carol, "s-remote", time.Now())
		f.router.HandleRemote(ports.BusMessage{InstanceID: "relay-2", RoomID: "doc-1", Envelope: edit})
		f.router.HandleRemote(ports.BusMessage{InstanceID: "relay-1", RoomID: "doc-1", Envelope: edit})
		f.router.HandleRemote(ports.BusMessage{InstanceID: "relay-2", RoomID: "doc-1",
			Envelope: domain.NewPresenceSnapshot("doc-1", nil)})

		got := a.Received()
		require.Len(t, got, 1)
		assert.Equal(t, "carol", got[0].OriginUserID)
	})

	t.Run("start subscribes", func(t *testing.T) {
		bus := mocks.NewMockEventBus()
		bus.On("Subscribe", mock.Anything, mock.Anything).Return(nil).Once()
		f := newRouterFixture(t, services.RegistryConfig{}, bus)

		require.NoError(t, f.router.Start(context.Background()))
		bus.AssertExpectations(t)

		noBus := newRouterFixture(t, services.RegistryConfig{}, nil)
		assert.NoError(t, noBus.router.Start(context.Background()))
	})
}
