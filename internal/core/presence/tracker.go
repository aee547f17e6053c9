// Package presence tracks which identities are present in a room. The relay
// keeps one Tracker per room; each client keeps one for the room it is in.
package presence

import (
	"sort"
	"sync"

	"github.com/lorrc/collab-relay/internal/core/domain"
)

// Entry is the last known presence of one identity.
type Entry struct {
	Identity domain.Identity
	State    domain.PresenceState
}

// Tracker maintains identity -> state for a single room. It is safe for
// concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]Entry // keyed by user id
	version uint64

	// cached is rebuilt on the first read after a mutation
	cached *Snapshot
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{entries: make(map[string]Entry)}
}

// Reset initializes the map from a join-time snapshot. Listed identities become
// joined (an already active identity stays active); identities previously
// present but missing from the snapshot are marked left. It reports whether
// anything changed.
func (t *Tracker) Reset(members []domain.Identity) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	listed := make(map[string]struct{}, len(members))
	changed := false

	for _, id := range members {
		if id.UserID == "" {
			continue
		}
		listed[id.UserID] = struct{}{}

		cur, ok := t.entries[id.UserID]
		if ok && cur.State.IsPresent() {
			if cur.Identity != id {
				cur.Identity = id
				t.entries[id.UserID] = cur
				changed = true
			}
			continue
		}
		t.entries[id.UserID] = Entry{Identity: id, State: domain.PresenceJoined}
		changed = true
	}

	for userID, cur := range t.entries {
		if _, ok := listed[userID]; ok || !cur.State.IsPresent() {
			continue
		}
		cur.State = domain.PresenceLeft
		t.entries[userID] = cur
		changed = true
	}

	if changed {
		t.version++
	}
	return changed
}

// Apply applies one presence event using domain.Transition. Events that do not
// change the state (a second left, a heartbeat from a departed identity) are
// no-ops and report false.
func (t *Tracker) Apply(identity domain.Identity, state domain.PresenceState) bool {
	if identity.UserID == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cur, known := t.entries[identity.UserID]
	next, changed := domain.Transition(cur.State, state)
	if !changed {
		return false
	}

	entry := Entry{Identity: identity, State: next}
	if known && next != domain.PresenceJoined {
		// The identity announced at join time is kept for later events.
		entry.Identity = cur.Identity
	}
	t.entries[identity.UserID] = entry
	t.version++
	return true
}

// Forget drops every entry for identities that are no longer present.
func (t *Tracker) Forget() {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := false
	for userID, e := range t.entries {
		if !e.State.IsPresent() {
			delete(t.entries, userID)
			removed = true
		}
	}
	if removed {
		t.version++
	}
}

// Snapshot returns a read-only view. It is recomputed lazily: repeated reads
// without an intervening mutation return the same snapshot.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	if t.cached != nil && t.cached.version == t.version {
		s := *t.cached
		t.mu.RUnlock()
		return s
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cached == nil || t.cached.version != t.version {
		entries := make(map[string]Entry, len(t.entries))
		for k, v := range t.entries {
			entries[k] = v
		}
		t.cached = &Snapshot{entries: entries, version: t.version}
	}
	return *t.cached
}

// Present returns identities currently joined or active, sorted by user id.
func (t *Tracker) Present() []domain.Identity {
	return t.Snapshot().Present()
}

// State returns the current state for userID.
func (t *Tracker) State(userID string) (domain.PresenceState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[userID]
	return e.State, ok
}

// Snapshot is an immutable copy of a tracker's map.
type Snapshot struct {
	entries map[string]Entry
	version uint64
}

// Len returns the number of tracked identities, including those that left.
func (s Snapshot) Len() int { return len(s.entries) }

// Version increases with every mutation of the tracker.
func (s Snapshot) Version() uint64 { return s.version }

// Get returns the entry for userID.
func (s Snapshot) Get(userID string) (Entry, bool) {
	e, ok := s.entries[userID]
	return e, ok
}

// Entries returns all entries sorted by user id.
func (s Snapshot) Entries() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.UserID < out[j].Identity.UserID })
	return out
}

// Present returns the identities currently joined or active, sorted by user id.
func (s Snapshot) Present() []domain.Identity {
	out := make([]domain.Identity, 0, len(s.entries))
	for _, e := range s.entries {
		if e.State.IsPresent() {
			out = append(out, e.Identity)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// States returns a userID -> state map copy, the shape renderPresence expects.
func (s Snapshot) States() map[string]domain.PresenceState {
	out := make(map[string]domain.PresenceState, len(s.entries))
	for k, e := range s.entries {
		out[k] = e.State
	}
	return out
}
