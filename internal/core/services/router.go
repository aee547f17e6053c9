package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lorrc/collab-relay/internal/core/domain"
	apperrors "github.com/lorrc/collab-relay/internal/core/errors"
	"github.com/lorrc/collab-relay/internal/core/ports"
)

// RouterConfig holds event router settings
type RouterConfig struct {
	InstanceID      string // identifies this relay on the event bus
	MaxPayloadBytes int    // 0 = unlimited
}

// Router handles inbound session messages: join and leave go to the registry,
// edits and presence changes are fanned out to the origin's peers.
type Router struct {
	registry ports.RoomRegistry
	access   ports.AccessChecker
	bus      ports.EventBus
	metrics  ports.Metrics
	logger   *slog.Logger
	cfg      RouterConfig

	now func() time.Time
}

var _ ports.EventRouter = (*Router)(nil)

// NewRouter creates an event router. access, bus and metrics may be nil.
func NewRouter(
	registry ports.RoomRegistry,
	access ports.AccessChecker,
	bus ports.EventBus,
	metrics ports.Metrics,
	logger *slog.Logger,
	cfg RouterConfig,
) *Router {
	if access == nil {
		access = AllowAll{}
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry: registry,
		access:   access,
		bus:      bus,
		metrics:  metrics,
		logger:   logger.With("component", "event_router"),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Start subscribes to the event bus so events published by other relay
// instances reach local members. It is a no-op without a bus.
func (r *Router) Start(ctx context.Context) error {
	if r.bus == nil {
		return nil
	}
	return r.bus.Subscribe(ctx, r.HandleRemote)
}

// HandleMessage decodes one inbound frame and dispatches it.
func (r *Router) HandleMessage(ctx context.Context, member ports.Member, raw []byte) {
	env, err := domain.DecodeEnvelope(raw)
	if err != nil {
		r.drop(ctx, member, "protocol", err)
		return
	}

	switch env.Type {
	case domain.TypeJoin:
		r.join(ctx, member, env)
	case domain.TypeLeave:
		r.leave(ctx, member, env.RoomID)
	case domain.TypeEdit, domain.TypePresence:
		r.Route(ctx, env.RoomID, env, member)
	default:
		// presence-snapshot and error only travel relay -> client
		r.drop(ctx, member, "protocol",
			apperrors.NewProtocolError("unexpected "+string(env.Type)+" from client", nil))
	}
}

// Route fans an edit or presence update out to every member of roomID except
// origin. Events from sessions that are not members of roomID are dropped.
// It returns the number of local recipients.
func (r *Router) Route(ctx context.Context, roomID string, env domain.Envelope, origin ports.Member) int {
	current, joined := r.registry.RoomOf(origin.ID())
	if !joined || current != roomID {
		r.drop(ctx, origin, "not_joined", apperrors.NewProtocolError(
			string(env.Type)+" for room "+roomID, apperrors.ErrNotJoined))
		return 0
	}
	identity, _ := origin.Identity()

	var out domain.Envelope
	switch env.Type {
	case domain.TypeEdit:
		if err := domain.ValidatePayload(env.Payload, r.cfg.MaxPayloadBytes); err != nil {
			r.drop(ctx, origin, "validation", err)
			return 0
		}
		out = domain.NewRelayedEdit(roomID, env.Payload, identity, origin.ID(), r.now())

	case domain.TypePresence:
		switch env.State {
		case domain.PresenceActive:
			if _, ok := r.registry.Touch(roomID, origin.ID()); !ok {
				return 0
			}
			out = domain.NewPresenceEvent(roomID, identity, domain.PresenceActive)
		case domain.PresenceLeft:
			r.leave(ctx, origin, roomID)
			return 0
		case domain.PresenceJoined:
			r.drop(ctx, origin, "protocol",
				apperrors.NewProtocolError("presence joined is announced by join", nil))
			return 0
		default:
			r.drop(ctx, origin, "validation",
				apperrors.NewValidationError("state", apperrors.ErrInvalidPresence))
			return 0
		}

	default:
		r.drop(ctx, origin, "protocol", apperrors.NewProtocolError(string(env.Type), apperrors.ErrUnknownType))
		return 0
	}

	return r.fanout(ctx, roomID, origin.ID(), out)
}

// Disconnect removes a closed session from its room and announces the user's
// departure when it was their last session.
func (r *Router) Disconnect(ctx context.Context, member ports.Member) {
	res, ok := r.registry.LeaveSession(member.ID())
	if !ok {
		return
	}
	r.announceLeft(ctx, res)
}

// HandleRemote delivers an event published by another relay instance to the
// local members of its room.
func (r *Router) HandleRemote(msg ports.BusMessage) {
	if msg.InstanceID == r.cfg.InstanceID {
		return
	}
	switch msg.Envelope.Type {
	case domain.TypeEdit, domain.TypePresence:
	default:
		r.metrics.EventDropped("bus_protocol")
		return
	}

	n, ok := r.registry.Fanout(msg.RoomID, "", msg.Envelope)
	if !ok {
		// no local members
		return
	}
	r.metrics.EventRouted(msg.Envelope.Type, n)
}

func (r *Router) join(ctx context.Context, member ports.Member, env domain.Envelope) {
	roomID := env.RoomID
	if err := domain.ValidateRoomID(roomID); err != nil {
		r.reject(ctx, member, roomID, err)
		return
	}

	var identity domain.Identity
	switch {
	case env.Identity != nil:
		identity = *env.Identity
	default:
		bound, ok := member.Identity()
		if !ok {
			r.reject(ctx, member, roomID, apperrors.NewValidationError("identity", apperrors.ErrUserIDRequired))
			return
		}
		identity = bound
	}
	if err := identity.Validate(); err != nil {
		r.reject(ctx, member, roomID, err)
		return
	}

	identity, err := member.Bind(identity)
	if err != nil {
		r.reject(ctx, member, roomID, err)
		return
	}

	allowed, err := r.access.CanJoin(ctx, roomID, identity.UserID)
	if err != nil {
		r.logger.ErrorContext(ctx, "access check failed",
			"room_id", roomID,
			"user_id", identity.UserID,
			"error", err,
		)
		r.reject(ctx, member, roomID, errors.Join(apperrors.ErrUnavailable, err))
		return
	}
	if !allowed {
		r.reject(ctx, member, roomID, apperrors.ErrForbidden)
		return
	}

	res, err := r.registry.Join(roomID, member)
	if res.Moved != nil {
		r.announceLeft(ctx, *res.Moved)
	}
	if err != nil {
		r.reject(ctx, member, roomID, err)
		return
	}

	if res.Announcement != nil {
		r.announced(ctx, roomID, *res.Announcement, res.Announced)
	}

	r.logger.InfoContext(ctx, "joined room",
		"room_id", roomID,
		"user_id", identity.UserID,
		"peers", len(res.Snapshot),
		"duplicate", res.Duplicate,
	)
}

func (r *Router) leave(ctx context.Context, member ports.Member, roomID string) {
	if roomID == "" {
		var ok bool
		if roomID, ok = r.registry.RoomOf(member.ID()); !ok {
			return
		}
	}
	res, ok := r.registry.Leave(roomID, member.ID())
	if !ok {
		r.logger.DebugContext(ctx, "leave for room not joined",
			"room_id", roomID,
		)
		return
	}
	r.announceLeft(ctx, res)
}

// announceLeft accounts for the left announcement of a user's last session.
// An empty room had nobody local to tell, but other instances may.
func (r *Router) announceLeft(ctx context.Context, res ports.LeaveResult) {
	if res.Announcement == nil {
		return
	}
	r.announced(ctx, res.RoomID, *res.Announcement, res.Announced)
}

// announced records and publishes a presence change the registry already
// delivered to local members while holding the room lock.
func (r *Router) announced(ctx context.Context, roomID string, env domain.Envelope, recipients int) {
	r.metrics.EventRouted(env.Type, recipients)
	r.publish(ctx, roomID, env)
}

func (r *Router) fanout(ctx context.Context, roomID, excludeSessionID string, env domain.Envelope) int {
	n, ok := r.registry.Fanout(roomID, excludeSessionID, env)
	if !ok {
		r.metrics.EventDropped("room_closed")
		return 0
	}
	r.metrics.EventRouted(env.Type, n)
	r.publish(ctx, roomID, env)
	return n
}

func (r *Router) publish(ctx context.Context, roomID string, env domain.Envelope) {
	if r.bus == nil {
		return
	}
	msg := ports.BusMessage{InstanceID: r.cfg.InstanceID, RoomID: roomID, Envelope: env}
	if err := r.bus.Publish(ctx, msg); err != nil {
		r.logger.WarnContext(ctx, "event bus publish failed",
			"room_id", roomID,
			"type", env.Type,
			"error", err,
		)
	}
}

// reject answers a failed join with an error envelope carrying a reason code.
func (r *Router) reject(ctx context.Context, member ports.Member, roomID string, err error) {
	code, _ := apperrors.RejectCode(err)
	r.metrics.JoinRejected(code)
	r.logger.WarnContext(ctx, "join rejected",
		"room_id", roomID,
		"code", code,
		"error", err,
	)

	message := err.Error()
	if code == apperrors.CodeInternalError || code == apperrors.CodeUnavailable {
		message = "room is temporarily unavailable"
	}
	member.Deliver(domain.NewError(roomID, code, message))
}

// drop discards an invalid message. Errors never reach the origin's peers.
func (r *Router) drop(ctx context.Context, member ports.Member, reason string, err error) {
	r.metrics.EventDropped(reason)
	r.logger.WarnContext(ctx, "message dropped",
		"reason", reason,
		"error", err,
	)
}
