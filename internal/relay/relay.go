// Package relay implements the server-side signaling relay: the
// authoritative registry of call sessions and participants. It validates,
// forwards, or queues signaling payloads, debounces call termination, and
// reaps stale state on a fixed maintenance tick.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opalchat/call-relay/internal/metrics"
	"github.com/opalchat/call-relay/internal/presence"
	"github.com/opalchat/call-relay/internal/protocol"
	"github.com/opalchat/call-relay/internal/ratelimit"
)

// Config carries the relay's timing windows and budgets.
type Config struct {
	// TickInterval is the maintenance tick period.
	TickInterval time.Duration
	// SignalStaleAfter drops queued signaling messages older than this.
	SignalStaleAfter time.Duration
	// SignalMaxRetries drops queued signaling messages after this many
	// failed delivery attempts.
	SignalMaxRetries int
	// EndCallDebounce collapses repeated end-call requests for the same
	// call arriving within this window into a single broadcast+cleanup.
	EndCallDebounce time.Duration
	// IdleCallReapAfter is the idle age beyond which other sessions in a
	// room are opportunistically reaped when a new call starts.
	IdleCallReapAfter time.Duration
}

func (c Config) WithDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 500 * time.Millisecond
	}
	if c.SignalStaleAfter <= 0 {
		c.SignalStaleAfter = 30 * time.Second
	}
	if c.SignalMaxRetries <= 0 {
		c.SignalMaxRetries = 5
	}
	if c.EndCallDebounce <= 0 {
		c.EndCallDebounce = 500 * time.Millisecond
	}
	if c.IdleCallReapAfter <= 0 {
		c.IdleCallReapAfter = time.Hour
	}
	return c
}

// Peer identifies the authenticated origin of a request: the username and
// room bound to the requesting connection.
type Peer struct {
	User string
	Room string
}

type room struct {
	sessions map[string]*CallSession
	queues   map[queueKey][]*queuedSignal

	// ended records recently cleaned calls so that late end/reject requests
	// within the debounce window are absorbed silently instead of erroring.
	ended map[string]time.Time
}

func (r *room) empty() bool {
	return len(r.sessions) == 0 && len(r.queues) == 0 && len(r.ended) == 0
}

// Relay owns all call state. Every mutation of a session or retry queue is
// serialized under mu, including the maintenance tick; all operations are
// short and non-blocking, so coarse synchronization is sufficient.
type Relay struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	pres    *presence.Tracker
	clock   ratelimit.Clock

	mu    sync.Mutex
	rooms map[string]*room
}

func New(cfg Config, log *slog.Logger, m *metrics.Metrics, pres *presence.Tracker, clock ratelimit.Clock) *Relay {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	return &Relay{
		cfg:     cfg.WithDefaults(),
		log:     log,
		metrics: m,
		pres:    pres,
		clock:   clock,
		rooms:   make(map[string]*room),
	}
}

// Presence exposes the tracker for the transport layer (join/leave binding).
func (r *Relay) Presence() *presence.Tracker { return r.pres }

// Run drives the maintenance tick until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.clock.Now())
		}
	}
}

func (r *Relay) roomLocked(name string) *room {
	rm, ok := r.rooms[name]
	if !ok {
		rm = &room{
			sessions: make(map[string]*CallSession),
			queues:   make(map[queueKey][]*queuedSignal),
			ended:    make(map[string]time.Time),
		}
		r.rooms[name] = rm
	}
	return rm
}

func (r *Relay) dropRoomIfEmptyLocked(name string) {
	if rm, ok := r.rooms[name]; ok && rm.empty() {
		delete(r.rooms, name)
	}
}

// InitiateCall creates a session for a new call and announces it to the room.
func (r *Relay) InitiateCall(from Peer, ev protocol.ClientEvent) *Error {
	if ev.CallID == "" || ev.Caller == "" || ev.Room == "" || !ev.CallType.Valid() {
		return invalidRequestf("call-initiate is missing required fields")
	}
	if ev.Caller != from.User || ev.Room != from.Room {
		return invalidRequestf("caller %q does not match connection identity %q", ev.Caller, from.User)
	}

	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.roomLocked(from.Room)
	if _, exists := rm.sessions[ev.CallID]; exists {
		return invalidRequestf("call %q already exists", ev.CallID)
	}

	// A new call is a good moment to reap sessions nobody has touched in a
	// long time (abandoned calls whose participants all vanished).
	for id, s := range rm.sessions {
		if s.status == statusActive && s.idleSince(now) > r.cfg.IdleCallReapAfter {
			r.log.Info("reaping idle call", "room", from.Room, "call_id", id)
			r.endCallLocked(from.Room, rm, s, now)
		}
	}

	s := newCallSession(ev.CallID, ev.CallType, from.User, now)
	rm.sessions[ev.CallID] = s
	r.metrics.Inc(metrics.CallsInitiated)
	r.log.Info("call initiated", "room", from.Room, "call_id", ev.CallID, "call_type", ev.CallType, "caller", from.User)

	r.broadcastLocked(from.Room, protocol.ServerEvent{
		Type:     protocol.EventIncomingCall,
		CallID:   s.ID,
		CallType: s.Type,
		Caller:   from.User,
	}, from.User)
	r.broadcastLocked(from.Room, s.rosterEvent(), "")
	return nil
}

// AcceptCall idempotently adds the user to the call and announces the join.
func (r *Relay) AcceptCall(from Peer, callID string) *Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[from.Room]
	if !ok {
		return notFoundf("no call %q in room %q", callID, from.Room)
	}
	s, ok := rm.sessions[callID]
	if !ok {
		return notFoundf("no call %q in room %q", callID, from.Room)
	}

	now := r.clock.Now()
	s.touch(now)

	if s.addParticipant(from.User) {
		r.metrics.Inc(metrics.CallsAccepted)
		r.log.Info("call accepted", "room", from.Room, "call_id", callID, "user", from.User)
	}

	joined := protocol.ServerEvent{
		Type:   protocol.EventUserJoinedCall,
		CallID: callID,
		UserID: from.User,
	}
	r.broadcastLocked(from.Room, joined, from.User)
	r.broadcastLocked(from.Room, s.rosterEvent(), "")

	// The initiator may not be receiving room broadcasts yet (it could be
	// mid-reconnect); notify it directly as well. Duplicate delivery is
	// harmless, the join is idempotent client-side.
	if init := s.initiator(); init != from.User {
		if conn, ok := r.pres.Resolve(from.Room, init); ok {
			_ = conn.Send(protocol.ServerEvent{
				Type:   protocol.EventCallAccepted,
				CallID: callID,
				UserID: from.User,
			})
		}
	}
	return nil
}

// RelaySignal forwards an offer/answer/ice-candidate to its target, queueing
// it when the target is not currently reachable.
func (r *Relay) RelaySignal(from Peer, ev protocol.ClientEvent) *Error {
	if !protocol.IsSignal(ev.Type) {
		return invalidRequestf("%q is not a signaling payload kind", ev.Type)
	}
	if ev.CallID == "" || ev.TargetUser == "" || from.User == "" {
		return invalidRequestf("%s is missing required fields", ev.Type)
	}
	if ev.TargetUser == from.User {
		return invalidRequestf("cannot signal self")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[from.Room]
	if !ok {
		return notFoundf("no call %q in room %q", ev.CallID, from.Room)
	}
	s, ok := rm.sessions[ev.CallID]
	if !ok {
		return notFoundf("no call %q in room %q", ev.CallID, from.Room)
	}
	if !s.hasParticipant(ev.TargetUser) {
		return notFoundf("user %q is not in call %q", ev.TargetUser, ev.CallID)
	}
	if !s.hasParticipant(from.User) {
		return unauthorizedf("user %q is not in call %q", from.User, ev.CallID)
	}

	now := r.clock.Now()
	s.touch(now)

	inbound := protocol.ServerEvent{
		Type:    ev.Type,
		CallID:  ev.CallID,
		UserID:  from.User,
		Payload: ev.Payload,
	}
	if conn, ok := r.pres.Resolve(from.Room, ev.TargetUser); ok {
		if err := conn.Send(inbound); err == nil {
			r.metrics.Inc(metrics.SignalsRelayed)
			return nil
		}
	}

	// Target unreachable: never drop at send time, queue for the tick.
	key := queueKey{callID: ev.CallID, target: ev.TargetUser}
	rm.queues[key] = append(rm.queues[key], &queuedSignal{
		kind:       ev.Type,
		sender:     from.User,
		payload:    ev.Payload,
		enqueuedAt: now,
	})
	r.metrics.Inc(metrics.SignalsQueued)
	r.log.Debug("queued signal for unreachable target",
		"room", from.Room, "call_id", ev.CallID, "target", ev.TargetUser, "kind", ev.Type)
	return nil
}

// RejectCall broadcasts the rejection and tears the call down.
func (r *Relay) RejectCall(from Peer, callID, reason string) *Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[from.Room]
	if !ok {
		return notFoundf("no call %q in room %q", callID, from.Room)
	}
	s, ok := rm.sessions[callID]
	if !ok {
		if _, ended := rm.ended[callID]; ended {
			return nil
		}
		return notFoundf("no call %q in room %q", callID, from.Room)
	}
	if s.status != statusActive {
		return nil
	}

	r.metrics.Inc(metrics.CallsRejected)
	r.log.Info("call rejected", "room", from.Room, "call_id", callID, "user", from.User, "reason", reason)

	r.broadcastLocked(from.Room, protocol.ServerEvent{
		Type:   protocol.EventRejectCall,
		CallID: callID,
		UserID: from.User,
		Reason: reason,
	}, from.User)
	r.cleanupCallLocked(from.Room, rm, callID)
	return nil
}

// EndCall broadcasts call-ended and cleans the session up. Repeated requests
// for the same call within the debounce window are absorbed silently: the
// first request wins.
func (r *Relay) EndCall(from Peer, callID string) *Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[from.Room]
	if !ok {
		return nil
	}
	s, ok := rm.sessions[callID]
	if !ok || s.status != statusActive {
		// Already ended (or being cleaned): absorbed.
		return nil
	}

	r.log.Info("call ended", "room", from.Room, "call_id", callID, "user", from.User)
	r.endCallLocked(from.Room, rm, s, r.clock.Now())
	return nil
}

// endCallLocked is the single broadcast+cleanup path shared by EndCall, idle
// reaping, and terminal delivery failure.
func (r *Relay) endCallLocked(roomName string, rm *room, s *CallSession, now time.Time) {
	if s.status != statusActive {
		return
	}
	r.metrics.Inc(metrics.CallsEnded)
	r.broadcastLocked(roomName, protocol.ServerEvent{
		Type:   protocol.EventCallEnded,
		CallID: s.ID,
	}, "")
	r.cleanupCallLocked(roomName, rm, s.ID)
}

// cleanupCallLocked removes the session and its retry queues at most once.
// Concurrent or repeated invocations are no-ops.
func (r *Relay) cleanupCallLocked(roomName string, rm *room, callID string) {
	s, ok := rm.sessions[callID]
	if !ok || s.status != statusActive {
		return
	}
	s.status = statusCleaning

	for key := range rm.queues {
		if key.callID == callID {
			delete(rm.queues, key)
		}
	}
	delete(rm.sessions, callID)
	rm.ended[callID] = r.clock.Now()
	s.status = statusCleaned

	r.dropRoomIfEmptyLocked(roomName)
}

// RelayState forwards a mute-state or video-state toggle to the other call
// participants. The sender never receives its own toggle back.
func (r *Relay) RelayState(from Peer, ev protocol.ClientEvent) *Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[from.Room]
	if !ok {
		return notFoundf("no call %q in room %q", ev.CallID, from.Room)
	}
	s, ok := rm.sessions[ev.CallID]
	if !ok {
		return notFoundf("no call %q in room %q", ev.CallID, from.Room)
	}
	if !s.hasParticipant(from.User) {
		return unauthorizedf("user %q is not in call %q", from.User, ev.CallID)
	}

	s.touch(r.clock.Now())

	out := protocol.ServerEvent{
		Type:         ev.Type,
		CallID:       ev.CallID,
		UserID:       from.User,
		IsAudioMuted: ev.IsAudioMuted,
		IsVideoOff:   ev.IsVideoOff,
	}
	for _, p := range s.Participants {
		if p == from.User {
			continue
		}
		if conn, ok := r.pres.Resolve(from.Room, p); ok {
			_ = conn.Send(out)
		}
	}
	return nil
}

// CheckPresence answers the point query whether a user is reachable in a room.
func (r *Relay) CheckPresence(roomName, user string) bool {
	_, ok := r.pres.Resolve(roomName, user)
	return ok
}

// DisconnectUser removes the user from every call in the room: announced with
// user-left-call, and the call is ended once fewer than two participants
// remain.
func (r *Relay) DisconnectUser(roomName, user string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnectUserLocked(roomName, user)
}

func (r *Relay) disconnectUserLocked(roomName, user string) {
	rm, ok := r.rooms[roomName]
	if !ok {
		return
	}
	now := r.clock.Now()

	for _, s := range sessionsSnapshot(rm) {
		if s.status != statusActive || !s.removeParticipant(user) {
			continue
		}

		// Pending signals for a departed participant will never deliver.
		key := queueKey{callID: s.ID, target: user}
		delete(rm.queues, key)

		r.broadcastLocked(roomName, protocol.ServerEvent{
			Type:   protocol.EventUserLeftCall,
			CallID: s.ID,
			UserID: user,
		}, user)

		if len(s.Participants) < 2 {
			r.log.Info("ending call after participant loss", "room", roomName, "call_id", s.ID, "left", user)
			r.endCallLocked(roomName, rm, s, now)
			continue
		}
		r.broadcastLocked(roomName, s.rosterEvent(), "")
	}
	r.dropRoomIfEmptyLocked(roomName)
}

func sessionsSnapshot(rm *room) []*CallSession {
	out := make([]*CallSession, 0, len(rm.sessions))
	for _, s := range rm.sessions {
		out = append(out, s)
	}
	return out
}

// broadcastLocked fans an event out to every live identity in the room,
// optionally excluding one user.
func (r *Relay) broadcastLocked(roomName string, ev protocol.ServerEvent, except string) {
	for _, user := range r.pres.Snapshot(roomName) {
		if user == except {
			continue
		}
		if conn, ok := r.pres.Resolve(roomName, user); ok {
			_ = conn.Send(ev)
		}
	}
}

// Sweep is one maintenance pass: presence reconciliation followed by the
// retry-queue sweep. Run calls it on every tick; tests call it directly.
func (r *Relay) Sweep(now time.Time) {
	// Presence eviction only removes the identity->connection binding. Call
	// membership survives transient unreachability: queued signals keep
	// retrying, and a terminally undeliverable offer ends the call instead.
	for roomName, users := range r.pres.Reconcile(now) {
		for _, user := range users {
			r.metrics.Inc(metrics.PresenceEvictions)
			r.log.Info("evicted stale presence entry", "room", roomName, "user", user)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for roomName, rm := range r.rooms {
		r.sweepQueuesLocked(roomName, rm, now)

		for callID, endedAt := range rm.ended {
			if now.Sub(endedAt) > r.cfg.EndCallDebounce {
				delete(rm.ended, callID)
			}
		}
		r.dropRoomIfEmptyLocked(roomName)
	}
}

func (r *Relay) sweepQueuesLocked(roomName string, rm *room, now time.Time) {
	for key, queue := range rm.queues {
		s, ok := rm.sessions[key.callID]
		if !ok {
			delete(rm.queues, key)
			continue
		}

		conn, present := r.pres.Resolve(roomName, key.target)

		kept := queue[:0]
		for _, msg := range queue {
			if now.Sub(msg.enqueuedAt) > r.cfg.SignalStaleAfter || msg.retryCount >= r.cfg.SignalMaxRetries {
				r.dropSignalLocked(roomName, rm, s, key, msg, now)
				continue
			}

			delivered := false
			if present {
				err := conn.Send(protocol.ServerEvent{
					Type:    msg.kind,
					CallID:  key.callID,
					UserID:  msg.sender,
					Payload: msg.payload,
				})
				delivered = err == nil
			}
			if delivered {
				r.metrics.Inc(metrics.SignalsRelayed)
				continue
			}

			msg.retryCount++
			if msg.retryCount >= r.cfg.SignalMaxRetries {
				r.dropSignalLocked(roomName, rm, s, key, msg, now)
				continue
			}
			kept = append(kept, msg)
		}

		if len(kept) == 0 {
			delete(rm.queues, key)
		} else {
			rm.queues[key] = kept
		}

		// dropSignalLocked may have ended the call and removed the queue.
		if _, stillThere := rm.sessions[key.callID]; !stillThere {
			delete(rm.queues, key)
		}
	}
}

// dropSignalLocked discards a queued message that is stale or out of
// retries. Losing an offer is terminal for the call: the two sides can never
// converge, so the relay force-ends the call and tells the sender why.
func (r *Relay) dropSignalLocked(roomName string, rm *room, s *CallSession, key queueKey, msg *queuedSignal, now time.Time) {
	if msg.retryCount >= r.cfg.SignalMaxRetries {
		r.metrics.Inc(metrics.DropReasonRetryExceeded)
	} else {
		r.metrics.Inc(metrics.DropReasonStale)
	}
	r.log.Warn("dropping undeliverable signal",
		"room", roomName, "call_id", key.callID, "target", key.target,
		"kind", msg.kind, "retries", msg.retryCount)

	if msg.kind != protocol.EventOffer {
		return
	}

	r.metrics.Inc(metrics.DeliveryFailures)
	if conn, ok := r.pres.Resolve(roomName, msg.sender); ok {
		_ = conn.Send(protocol.ServerEvent{
			Type:    protocol.EventError,
			CallID:  key.callID,
			Code:    string(CodeDeliveryFailed),
			Message: "offer could not be delivered to " + key.target,
		})
	}
	r.endCallLocked(roomName, rm, s, now)
}
