package ports

import (
	"context"

	"github.com/lorrc/collab-relay/internal/core/domain"
)

// Member is the registry's non-owning handle on one relay session. The
// session adapter owns the underlying connection.
type Member interface {
	// ID returns the session id, unique per connection.
	ID() string

	// Identity returns the identity bound to the session, if any.
	Identity() (domain.Identity, bool)

	// Bind fixes the session identity. Binding a different user id than the
	// one already bound fails.
	Bind(identity domain.Identity) (domain.Identity, error)

	// Deliver queues env for the client without blocking. It returns false when
	// the session is closed or its send buffer is full.
	Deliver(env domain.Envelope) bool

	// Close terminates the session and disconnects the client.
	Close()
}

// JoinResult describes the outcome of a registry join.
type JoinResult struct {
	RoomID string

	// Snapshot lists identities present in the room, excluding the joiner.
	Snapshot []domain.Identity

	// FirstSession is true when the joiner's user had no other session in the room.
	FirstSession bool

	// Duplicate is true when the session was already a member of the room.
	Duplicate bool

	// Moved is set when the session had to leave another room first.
	Moved *LeaveResult

	// Announcement is the presence{joined} event queued to the other local
	// members before the room lock was released; nil for a later session of
	// an already present user. Announced counts its local recipients.
	Announcement *domain.Envelope
	Announced    int
}

// LeaveResult describes the outcome of a registry leave.
type LeaveResult struct {
	RoomID   string
	Identity domain.Identity

	// LastSession is true when no other session of the same user remains.
	LastSession bool

	// RoomClosed is true when the room became empty and was deleted.
	RoomClosed bool

	// Announcement is the presence{left} event queued to the remaining local
	// members under the room lock; set only when LastSession is true.
	Announcement *domain.Envelope
	Announced    int
}

// RoomInfo summarizes a room for inspection.
type RoomInfo struct {
	RoomID   string            `json:"roomId"`
	Sessions int               `json:"sessions"`
	Members  []domain.Identity `json:"members"`
}

// RoomRegistry maps room ids to the sessions currently connected to them.
type RoomRegistry interface {
	Join(roomID string, member Member) (JoinResult, error)
	Leave(roomID, sessionID string) (LeaveResult, bool)
	LeaveSession(sessionID string) (LeaveResult, bool)
	Touch(roomID, sessionID string) (domain.Identity, bool)
	Fanout(roomID, excludeSessionID string, env domain.Envelope) (delivered int, ok bool)
	RoomOf(sessionID string) (string, bool)
	RoomCount() int
	MemberCount(roomID string) int
	Room(roomID string) (RoomInfo, bool)
	Rooms() []RoomInfo
}

// EventRouter relays messages between the sessions of a room.
type EventRouter interface {
	HandleMessage(ctx context.Context, member Member, raw []byte)
	Route(ctx context.Context, roomID string, env domain.Envelope, origin Member) int
	Disconnect(ctx context.Context, member Member)
}

// AccessChecker decides whether a user may join a room.
type AccessChecker interface {
	CanJoin(ctx context.Context, roomID, userID string) (bool, error)
}

// AccessStore maintains the per-room allow lists AccessChecker reads. An
// empty list leaves the room open.
type AccessStore interface {
	AccessChecker
	Members(ctx context.Context, roomID string) ([]string, error)
	Grant(ctx context.Context, roomID, userID, grantedBy string) error
	Revoke(ctx context.Context, roomID, userID string) error
	Replace(ctx context.Context, roomID string, userIDs []string, grantedBy string) error
}

// BusMessage is an envelope relayed between relay instances.
type BusMessage struct {
	InstanceID string          `json:"instanceId"`
	RoomID     string          `json:"roomId"`
	Envelope   domain.Envelope `json:"envelope"`
}

// EventBus carries fan-out between relay instances.
type EventBus interface {
	Publish(ctx context.Context, msg BusMessage) error
	Subscribe(ctx context.Context, fn func(BusMessage)) error
	Close() error
}

// Metrics receives relay instrumentation.
type Metrics interface {
	RoomOpened()
	RoomClosed()
	SessionConnected()
	SessionDisconnected()
	EventRouted(kind domain.MessageType, recipients int)
	EventDropped(reason string)
	JoinRejected(code string)
}
