package mocks

import (
	"context"
	"sync"

	"github.com/lorrc/collab-relay/internal/core/domain"
	apperrors "github.com/lorrc/collab-relay/internal/core/errors"
	"github.com/lorrc/collab-relay/internal/core/ports"
	"github.com/stretchr/testify/mock"
)

// MockAccessChecker is a mock implementation of ports.AccessChecker
type MockAccessChecker struct {
	mock.Mock
}

func NewMockAccessChecker() *MockAccessChecker {
	return &MockAccessChecker{}
}

func (m *MockAccessChecker) CanJoin(ctx context.Context, roomID, userID string) (bool, error) {
	args := m.Called(ctx, roomID, userID)
	return args.Bool(0), args.Error(1)
}

// MockEventBus is a mock implementation of ports.EventBus
type MockEventBus struct {
	mock.Mock
}

func NewMockEventBus() *MockEventBus {
	return &MockEventBus{}
}

func (m *MockEventBus) Publish(ctx context.Context, msg ports.BusMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockEventBus) Subscribe(ctx context.Context, fn func(ports.BusMessage)) error {
	args := m.Called(ctx, fn)
	return args.Error(0)
}

func (m *MockEventBus) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockMetrics is a mock implementation of ports.Metrics
type MockMetrics struct {
	mock.Mock
}

func NewMockMetrics() *MockMetrics {
	return &MockMetrics{}
}

func (m *MockMetrics) RoomOpened()          { m.Called() }
func (m *MockMetrics) RoomClosed()          { m.Called() }
func (m *MockMetrics) SessionConnected()    { m.Called() }
func (m *MockMetrics) SessionDisconnected() { m.Called() }

func (m *MockMetrics) EventRouted(kind domain.MessageType, recipients int) {
	m.Called(kind, recipients)
}

func (m *MockMetrics) EventDropped(reason string) { m.Called(reason) }

func (m *MockMetrics) JoinRejected(code string) { m.Called(code) }

// FakeMember is an in-memory ports.Member that records delivered envelopes.
type FakeMember struct {
	id string

	mu       sync.Mutex
	identity *domain.Identity
	received []domain.Envelope
	capacity int // 0 = unbounded
	closed   bool
}

var _ ports.Member = (*FakeMember)(nil)

// NewFakeMember creates a member with no identity bound.
func NewFakeMember(id string) *FakeMember {
	return &FakeMember{id: id}
}

// NewBoundMember creates a member already bound to identity.
func NewBoundMember(id string, identity domain.Identity) *FakeMember {
	m := NewFakeMember(id)
	m.identity = &identity
	return m
}

// WithCapacity limits how many envelopes the member accepts before Deliver
// reports a full buffer.
func (m *FakeMember) WithCapacity(n int) *FakeMember {
	m.capacity = n
	return m
}

func (m *FakeMember) ID() string { return m.id }

func (m *FakeMember) Identity() (domain.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return domain.Identity{}, false
	}
	return *m.identity, true
}

func (m *FakeMember) Bind(identity domain.Identity) (domain.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity != nil {
		if !m.identity.SameUser(identity) {
			return *m.identity, apperrors.ErrIdentityChanged
		}
		return *m.identity, nil
	}
	m.identity = &identity
	return identity, nil
}

func (m *FakeMember) Deliver(env domain.Envelope) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	if m.capacity > 0 && len(m.received) >= m.capacity {
		return false
	}
	m.received = append(m.received, env)
	return true
}

func (m *FakeMember) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// Closed reports whether Close was called.
func (m *FakeMember) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Received returns a copy of every delivered envelope.
func (m *FakeMember) Received() []domain.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Envelope, len(m.received))
	copy(out, m.received)
	return out
}

// ReceivedOfType returns the delivered envelopes of one type.
func (m *FakeMember) ReceivedOfType(t domain.MessageType) []domain.Envelope {
	var out []domain.Envelope
	for _, env := range m.Received() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

// Reset forgets delivered envelopes.
func (m *FakeMember) Reset() {
	m.mu.Lock()
	m.received = nil
	m.mu.Unlock()
}
