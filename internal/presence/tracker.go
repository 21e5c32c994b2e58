// Package presence maps logical identities (username scoped to a room) to
// live transport connections.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/opalchat/call-relay/internal/protocol"
)

// Conn is the slice of a transport connection the tracker and relay need.
// It is implemented by the WebSocket layer and by test fakes.
type Conn interface {
	// Send enqueues an event for delivery. It must not block; delivery is
	// best-effort and failure is reported so callers can queue for retry.
	Send(ev protocol.ServerEvent) error

	// Alive reports whether the underlying transport is still connected.
	Alive() bool
}

type entry struct {
	conn       Conn
	lastActive time.Time
}

// Tracker is the authoritative identity -> connection registry.
//
// Entries are created on room join, refreshed on activity, and evicted when
// the transport disconnects or the liveness window expires. Reconcile runs on
// every relay maintenance tick.
type Tracker struct {
	window time.Duration

	mu    sync.RWMutex
	rooms map[string]map[string]*entry
}

func NewTracker(livenessWindow time.Duration) *Tracker {
	return &Tracker{
		window: livenessWindow,
		rooms:  make(map[string]map[string]*entry),
	}
}

// Register binds user to conn in room, replacing any previous binding for the
// same identity. It reports whether an earlier live binding was displaced.
func (t *Tracker) Register(room, user string, conn Conn, now time.Time) (displaced bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	peers, ok := t.rooms[room]
	if !ok {
		peers = make(map[string]*entry)
		t.rooms[room] = peers
	}
	if prev, ok := peers[user]; ok && prev.conn.Alive() {
		displaced = true
	}
	peers[user] = &entry{conn: conn, lastActive: now}
	return displaced
}

// Touch refreshes the liveness timestamp for an identity.
func (t *Tracker) Touch(room, user string, now time.Time) {
	t.mu.Lock()
	if e, ok := t.rooms[room][user]; ok {
		e.lastActive = now
	}
	t.mu.Unlock()
}

// Resolve answers the point query: is this identity connected, and through
// which transport handle.
func (t *Tracker) Resolve(room, user string) (Conn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.rooms[room][user]
	if !ok || !e.conn.Alive() {
		return nil, false
	}
	return e.conn, true
}

// Snapshot returns the live identities in a room, sorted.
func (t *Tracker) Snapshot(room string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	peers := t.rooms[room]
	out := make([]string, 0, len(peers))
	for user, e := range peers {
		if e.conn.Alive() {
			out = append(out, user)
		}
	}
	sort.Strings(out)
	return out
}

// Remove drops the binding for user in room if it is held by conn (or by any
// connection when conn is nil). A stale Remove from an already-displaced
// connection must not evict the replacement.
func (t *Tracker) Remove(room, user string, conn Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	peers, ok := t.rooms[room]
	if !ok {
		return
	}
	if e, ok := peers[user]; ok && (conn == nil || e.conn == conn) {
		delete(peers, user)
	}
	if len(peers) == 0 {
		delete(t.rooms, room)
	}
}

// Reconcile evicts entries whose transport is disconnected or whose last
// activity exceeds the liveness window. It returns the evicted identities
// per room.
func (t *Tracker) Reconcile(now time.Time) map[string][]string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted map[string][]string
	for room, peers := range t.rooms {
		for user, e := range peers {
			if e.conn.Alive() && now.Sub(e.lastActive) <= t.window {
				continue
			}
			delete(peers, user)
			if evicted == nil {
				evicted = make(map[string][]string)
			}
			evicted[room] = append(evicted[room], user)
		}
		if len(peers) == 0 {
			delete(t.rooms, room)
		}
	}
	return evicted
}
