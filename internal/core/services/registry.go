package services

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/lorrc/collab-relay/internal/core/domain"
	apperrors "github.com/lorrc/collab-relay/internal/core/errors"
	"github.com/lorrc/collab-relay/internal/core/ports"
	"github.com/lorrc/collab-relay/internal/core/presence"
)

// DefaultShards is used when RegistryConfig.Shards is not positive.
const DefaultShards = 32

// RegistryConfig holds room registry limits
type RegistryConfig struct {
	Shards            int // number of independent room map shards
	MaxRooms          int // 0 = unlimited
	MaxMembersPerRoom int // 0 = unlimited
}

// RoomRegistry maps room ids to connected sessions. Room lookup is sharded by
// room id; membership of one room is mutated under that room's own lock, so
// different rooms never contend on a shared lock for join, leave or fan-out.
type RoomRegistry struct {
	cfg      RegistryConfig
	rooms    []*roomShard
	sessions []*sessionShard
	count    atomic.Int64

	metrics ports.Metrics
	logger  *slog.Logger
}

// Ensure RoomRegistry implements the ports.RoomRegistry interface.
var _ ports.RoomRegistry = (*RoomRegistry)(nil)

type roomShard struct {
	mu    sync.Mutex
	rooms map[string]*room
}

// sessionShard indexes session id -> room id
type sessionShard struct {
	mu    sync.Mutex
	index map[string]string
}

type room struct {
	id string

	mu       sync.Mutex
	members  map[string]membership // by session id
	refs     map[string]int        // sessions per user id
	presence *presence.Tracker

	// closed is set under mu once the last member left; a closed room is
	// never reused.
	closed atomic.Bool
}

type membership struct {
	member   ports.Member
	identity domain.Identity
}

// NewRoomRegistry creates an empty registry
func NewRoomRegistry(cfg RegistryConfig, metrics ports.Metrics, logger *slog.Logger) *RoomRegistry {
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &RoomRegistry{
		cfg:      cfg,
		rooms:    make([]*roomShard, cfg.Shards),
		sessions: make([]*sessionShard, cfg.Shards),
		metrics:  metrics,
		logger:   logger.With("component", "room_registry"),
	}
	for i := range r.rooms {
		r.rooms[i] = &roomShard{rooms: make(map[string]*room)}
		r.sessions[i] = &sessionShard{index: make(map[string]string)}
	}
	return r
}

// Join adds member to the room and returns the presence snapshot excluding the
// joiner. The snapshot is queued to the member, and the joined announcement to
// the other members, before the room lock is released, so presence changes of
// one room reach every receiver in the order they were applied. A
// session already in another room leaves that room first; a session already in
// this room is not added twice.
func (r *RoomRegistry) Join(roomID string, member ports.Member) (ports.JoinResult, error) {
	res := ports.JoinResult{RoomID: roomID}

	identity, ok := member.Identity()
	if !ok {
		return res, apperrors.NewValidationError("identity", apperrors.ErrUserIDRequired)
	}

	if current, ok := r.RoomOf(member.ID()); ok && current != roomID {
		if left, ok := r.Leave(current, member.ID()); ok {
			res.Moved = &left
		}
	}

	for {
		rm, err := r.getOrCreate(roomID)
		if err != nil {
			return res, err
		}

		rm.mu.Lock()
		if rm.closed.Load() {
			// Lost a race with the last leave; the next lookup replaces it.
			rm.mu.Unlock()
			continue
		}

		if _, exists := rm.members[member.ID()]; exists {
			res.Duplicate = true
			res.Snapshot = rm.snapshotExcluding(identity.UserID)
			member.Deliver(domain.NewPresenceSnapshot(roomID, res.Snapshot))
			rm.mu.Unlock()
			return res, nil
		}

		if r.cfg.MaxMembersPerRoom > 0 && len(rm.members) >= r.cfg.MaxMembersPerRoom {
			rm.mu.Unlock()
			return res, &apperrors.CapacityError{
				Code:   apperrors.CodeRoomFull,
				RoomID: roomID,
				Limit:  r.cfg.MaxMembersPerRoom,
			}
		}

		rm.members[member.ID()] = membership{member: member, identity: identity}
		rm.refs[identity.UserID]++
		res.FirstSession = rm.refs[identity.UserID] == 1
		if res.FirstSession {
			rm.presence.Apply(identity, domain.PresenceJoined)
		}
		r.indexSet(member.ID(), roomID)

		res.Snapshot = rm.snapshotExcluding(identity.UserID)
		member.Deliver(domain.NewPresenceSnapshot(roomID, res.Snapshot))

		var slow []ports.Member
		if res.FirstSession {
			env := domain.NewPresenceEvent(roomID, identity, domain.PresenceJoined)
			res.Announcement = &env
			res.Announced, slow = rm.broadcastLocked(member.ID(), env)
		}
		size := len(rm.members)
		rm.mu.Unlock()

		r.evict(roomID, slow)

		r.logger.Debug("session joined room",
			"room_id", roomID,
			"session_id", member.ID(),
			"user_id", identity.UserID,
			"room_sessions", size,
		)
		return res, nil
	}
}

// Leave removes the session from the room. When it was the user's last
// session the left announcement is queued to the remaining members under the
// room lock. The room is deleted once empty. ok is false when the session was
// not a member.
func (r *RoomRegistry) Leave(roomID, sessionID string) (ports.LeaveResult, bool) {
	rm := r.lookup(roomID)
	if rm == nil {
		return ports.LeaveResult{}, false
	}

	rm.mu.Lock()
	ms, ok := rm.members[sessionID]
	if !ok {
		rm.mu.Unlock()
		return ports.LeaveResult{}, false
	}

	delete(rm.members, sessionID)
	r.indexDelete(sessionID, roomID)

	res := ports.LeaveResult{RoomID: roomID, Identity: ms.identity}
	userID := ms.identity.UserID
	rm.refs[userID]--
	if rm.refs[userID] <= 0 {
		delete(rm.refs, userID)
		res.LastSession = true
		rm.presence.Apply(ms.identity, domain.PresenceLeft)
		rm.presence.Forget()

		env := domain.NewPresenceEvent(roomID, ms.identity, domain.PresenceLeft)
		res.Announcement = &env
	}

	var slow []ports.Member
	if len(rm.members) == 0 {
		rm.closed.Store(true)
		res.RoomClosed = true
	} else if res.Announcement != nil {
		res.Announced, slow = rm.broadcastLocked("", *res.Announcement)
	}
	size := len(rm.members)
	rm.mu.Unlock()

	if res.RoomClosed {
		r.remove(rm)
	}
	r.evict(roomID, slow)

	r.logger.Debug("session left room",
		"room_id", roomID,
		"session_id", sessionID,
		"user_id", userID,
		"room_sessions", size,
	)
	return res, true
}

// LeaveSession removes the session from whatever room it is in.
func (r *RoomRegistry) LeaveSession(sessionID string) (ports.LeaveResult, bool) {
	roomID, ok := r.RoomOf(sessionID)
	if !ok {
		return ports.LeaveResult{}, false
	}
	return r.Leave(roomID, sessionID)
}

// Touch records an active heartbeat for the session's identity.
func (r *RoomRegistry) Touch(roomID, sessionID string) (domain.Identity, bool) {
	rm := r.lookup(roomID)
	if rm == nil {
		return domain.Identity{}, false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	ms, ok := rm.members[sessionID]
	if !ok {
		return domain.Identity{}, false
	}
	rm.presence.Apply(ms.identity, domain.PresenceActive)
	return ms.identity, true
}

// Fanout delivers env to every member of the room except excludeSessionID.
// Delivery happens under the room lock: concurrent fan-outs to one room are
// serialized, so every receiver observes the same order. Members whose send
// buffer is full are closed once the lock is released. ok is false when the
// room does not exist.
func (r *RoomRegistry) Fanout(roomID, excludeSessionID string, env domain.Envelope) (int, bool) {
	rm := r.lookup(roomID)
	if rm == nil {
		return 0, false
	}

	rm.mu.Lock()
	if rm.closed.Load() {
		rm.mu.Unlock()
		return 0, false
	}
	delivered, slow := rm.broadcastLocked(excludeSessionID, env)
	rm.mu.Unlock()

	r.evict(roomID, slow)
	return delivered, true
}

// evict closes members whose send buffer overflowed. It must be called
// without the room lock; closing leads back into Leave.
func (r *RoomRegistry) evict(roomID string, slow []ports.Member) {
	for _, m := range slow {
		r.logger.Warn("session send buffer full, evicting",
			"room_id", roomID,
			"session_id", m.ID(),
		)
		r.metrics.EventDropped("slow_consumer")
		m.Close()
	}
}

// RoomOf returns the room the session is currently in.
func (r *RoomRegistry) RoomOf(sessionID string) (string, bool) {
	s := r.sessionShard(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	roomID, ok := s.index[sessionID]
	return roomID, ok
}

// RoomCount returns the number of active rooms
func (r *RoomRegistry) RoomCount() int {
	return int(r.count.Load())
}

// MemberCount returns the number of sessions in a room
func (r *RoomRegistry) MemberCount(roomID string) int {
	rm := r.lookup(roomID)
	if rm == nil {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.members)
}

// Room returns a summary of one room
func (r *RoomRegistry) Room(roomID string) (ports.RoomInfo, bool) {
	rm := r.lookup(roomID)
	if rm == nil {
		return ports.RoomInfo{}, false
	}
	return rm.info()
}

// Rooms returns summaries of all active rooms, sorted by room id
func (r *RoomRegistry) Rooms() []ports.RoomInfo {
	var all []*room
	for _, shard := range r.rooms {
		shard.mu.Lock()
		for _, rm := range shard.rooms {
			all = append(all, rm)
		}
		shard.mu.Unlock()
	}

	out := make([]ports.RoomInfo, 0, len(all))
	for _, rm := range all {
		if info, ok := rm.info(); ok {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

func (r *RoomRegistry) roomShard(roomID string) *roomShard {
	return r.rooms[xxhash.Sum64String(roomID)%uint64(len(r.rooms))]
}

func (r *RoomRegistry) sessionShard(sessionID string) *sessionShard {
	return r.sessions[xxhash.Sum64String(sessionID)%uint64(len(r.sessions))]
}

func (r *RoomRegistry) lookup(roomID string) *room {
	shard := r.roomShard(roomID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	return shard.rooms[roomID]
}

// getOrCreate returns the live room for roomID, creating it on first join.
// A closed room still in the map is replaced.
func (r *RoomRegistry) getOrCreate(roomID string) (*room, error) {
	shard := r.roomShard(roomID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if rm, ok := shard.rooms[roomID]; ok {
		if !rm.closed.Load() {
			return rm, nil
		}
		delete(shard.rooms, roomID)
		r.count.Add(-1)
		r.metrics.RoomClosed()
	}

	if !r.reserveRoom() {
		return nil, &apperrors.CapacityError{
			Code:   apperrors.CodeRegistryFull,
			RoomID: roomID,
			Limit:  r.cfg.MaxRooms,
		}
	}

	rm := &room{
		id:       roomID,
		members:  make(map[string]membership),
		refs:     make(map[string]int),
		presence: presence.NewTracker(),
	}
	shard.rooms[roomID] = rm
	r.metrics.RoomOpened()
	r.logger.Info("room opened", "room_id", roomID)
	return rm, nil
}

func (r *RoomRegistry) reserveRoom() bool {
	for {
		n := r.count.Load()
		if r.cfg.MaxRooms > 0 && n >= int64(r.cfg.MaxRooms) {
			return false
		}
		if r.count.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// remove deletes a closed room unless it was already replaced
func (r *RoomRegistry) remove(rm *room) {
	shard := r.roomShard(rm.id)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if shard.rooms[rm.id] != rm {
		return
	}
	delete(shard.rooms, rm.id)
	r.count.Add(-1)
	r.metrics.RoomClosed()
	r.logger.Info("room closed (empty)", "room_id", rm.id)
}

func (r *RoomRegistry) indexSet(sessionID, roomID string) {
	s := r.sessionShard(sessionID)
	s.mu.Lock()
	s.index[sessionID] = roomID
	s.mu.Unlock()
}

func (r *RoomRegistry) indexDelete(sessionID, roomID string) {
	s := r.sessionShard(sessionID)
	s.mu.Lock()
	if s.index[sessionID] == roomID {
		delete(s.index, sessionID)
	}
	s.mu.Unlock()
}

// broadcastLocked queues env to every member except excludeSessionID and
// returns the members that could not take it. rm.mu must be held.
func (rm *room) broadcastLocked(excludeSessionID string, env domain.Envelope) (int, []ports.Member) {
	var slow []ports.Member
	delivered := 0
	for sessionID, ms := range rm.members {
		if sessionID == excludeSessionID {
			continue
		}
		if ms.member.Deliver(env) {
			delivered++
		} else {
			slow = append(slow, ms.member)
		}
	}
	return delivered, slow
}

// snapshotExcluding must be called with rm.mu held
func (rm *room) snapshotExcluding(userID string) []domain.Identity {
	present := rm.presence.Present()
	out := make([]domain.Identity, 0, len(present))
	for _, id := range present {
		if id.UserID != userID {
			out = append(out, id)
		}
	}
	return out
}

func (rm *room) info() (ports.RoomInfo, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed.Load() {
		return ports.RoomInfo{}, false
	}
	return ports.RoomInfo{
		RoomID:   rm.id,
		Sessions: len(rm.members),
		Members:  rm.presence.Present(),
	}, true
}
