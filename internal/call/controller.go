package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opalchat/call-relay/internal/protocol"
)

// State is the controller's call lifecycle state.
type State int

const (
	StateIdle State = iota
	StateCalling
	StateRinging
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalling:
		return "calling"
	case StateRinging:
		return "ringing"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// End reasons surfaced to the application.
const (
	ReasonNoAnswer         = "no answer"
	ReasonRejected         = "rejected"
	ReasonBusy             = "busy"
	ReasonMediaFailure     = "media-failure"
	ReasonConnectionFailed = "connection failed"
	ReasonReconnected      = "reconnected, call ended"
	ReasonHangup           = "hangup"
	ReasonRemoteEnded      = "call ended"
	ReasonDeliveryFailed   = "signaling delivery failed"
)

var ErrBusy = errors.New("call already in progress")

// Config wires a Controller to its collaborators.
type Config struct {
	User string
	Room string

	Signaler Signaler
	Devices  MediaDevices
	// NewSession constructs one MediaSession per remote participant.
	NewSession func() (MediaSession, error)

	// Confirm asks the user whether to accept an incoming call. Nil means
	// auto-accept.
	Confirm func(callID string, callType protocol.CallType, caller string) bool
	// Notify surfaces a dismissible notice ("reconnected, call ended", ...).
	Notify func(msg string)
	// OnEnded observes every transition out of a call with its reason.
	OnEnded func(callID, reason string)

	RingTimeout time.Duration

	Logger *slog.Logger
}

// Controller orchestrates one user's call lifecycle: media acquisition,
// initiation/accept/reject/end, timeouts, and fan-out to the per-participant
// PeerLinks.
//
// Every asynchronous completion (timers, link callbacks) carries the epoch it
// was started under and becomes a no-op if the call changed underneath it, so
// stale completions can never resurrect state.
type Controller struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	state     State
	epoch     uint64
	callID    string
	callType  protocol.CallType
	initiator bool
	roster    []string
	links     map[string]*PeerLink
	tracks    []Track
	connected bool
	muted     bool
	videoOff  bool
	ringTimer *time.Timer
	endReason string
}

func NewController(cfg Config) *Controller {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 60 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		cfg:   cfg,
		log:   log.With("user", cfg.User, "room", cfg.Room),
		links: make(map[string]*PeerLink),
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) CallID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callID
}

// LastEndReason reports why the previous call ended.
func (c *Controller) LastEndReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endReason
}

// StartCall begins an outgoing call: acquires media, registers the call with
// the relay, and arms the no-answer timeout.
func (c *Controller) StartCall(ctx context.Context, callType protocol.CallType) (string, error) {
	c.mu.Lock()
	if c.state == StateActive || c.state == StateCalling || c.state == StateRinging {
		c.mu.Unlock()
		return "", ErrBusy
	}
	epoch := c.epoch
	c.mu.Unlock()

	tracks, err := c.cfg.Devices.Acquire(ctx, callType)
	if err != nil {
		return "", fmt.Errorf("acquire media: %w", err)
	}

	c.mu.Lock()
	if c.epoch != epoch || (c.state != StateIdle && c.state != StateEnded) {
		c.mu.Unlock()
		stopTracks(tracks)
		return "", ErrBusy
	}

	callID := uuid.NewString()
	c.state = StateCalling
	c.callID = callID
	c.callType = callType
	c.initiator = true
	c.tracks = tracks
	c.connected = false
	c.armRingTimerLocked()
	c.mu.Unlock()

	c.log.Info("starting call", "call_id", callID, "call_type", callType)
	err = c.cfg.Signaler.Send(protocol.ClientEvent{
		Type:     protocol.EventCallInitiate,
		Room:     c.cfg.Room,
		CallID:   callID,
		CallType: callType,
		Caller:   c.cfg.User,
	})
	if err != nil {
		c.endLocal(ReasonConnectionFailed, false)
		return "", fmt.Errorf("send call-initiate: %w", err)
	}
	return callID, nil
}

// HandleIncomingCall reacts to an incoming-call announcement. A second call
// while one is in progress is answered with a busy rejection and leaves the
// current call untouched.
func (c *Controller) HandleIncomingCall(callID string, callType protocol.CallType, caller string) {
	c.mu.Lock()
	if c.state == StateActive || c.state == StateCalling || c.state == StateRinging {
		if c.callID == callID {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		c.sendReject(callID, ReasonBusy)
		return
	}
	c.state = StateRinging
	c.callID = callID
	c.callType = callType
	c.initiator = false
	epoch := c.epoch
	c.mu.Unlock()

	if c.cfg.Confirm != nil && !c.cfg.Confirm(callID, callType, caller) {
		c.abortRinging(epoch, callID, ReasonRejected)
		return
	}

	tracks, err := c.cfg.Devices.Acquire(context.Background(), callType)
	if err != nil {
		c.log.Warn("media acquisition failed", "call_id", callID, "err", err)
		c.abortRinging(epoch, callID, ReasonMediaFailure)
		return
	}

	c.mu.Lock()
	if c.epoch != epoch || c.state != StateRinging || c.callID != callID {
		c.mu.Unlock()
		stopTracks(tracks)
		return
	}
	c.state = StateActive
	c.tracks = tracks
	c.connected = false
	c.armRingTimerLocked()
	c.mu.Unlock()

	c.log.Info("accepting call", "call_id", callID, "caller", caller)
	_ = c.cfg.Signaler.Send(protocol.ClientEvent{
		Type:   protocol.EventCallAccepted,
		Room:   c.cfg.Room,
		CallID: callID,
	})
}

// abortRinging declines an incoming call that is still in the Ringing state
// for this epoch.
func (c *Controller) abortRinging(epoch uint64, callID, reason string) {
	c.mu.Lock()
	if c.epoch != epoch || c.state != StateRinging || c.callID != callID {
		c.mu.Unlock()
		return
	}
	c.resetLocked(reason)
	c.mu.Unlock()
	c.sendReject(callID, reason)
}

func (c *Controller) sendReject(callID, reason string) {
	_ = c.cfg.Signaler.Send(protocol.ClientEvent{
		Type:   protocol.EventRejectCall,
		Room:   c.cfg.Room,
		CallID: callID,
		Reason: reason,
	})
}

// EndCall hangs up the current call. It is an idempotent no-op when no call
// is in progress.
func (c *Controller) EndCall() {
	c.endLocal(ReasonHangup, true)
}

// HandleTransportReconnected implements the reconnection policy: relay-side
// state may have diverged, so an active call is unconditionally ended rather
// than resumed.
func (c *Controller) HandleTransportReconnected() {
	c.mu.Lock()
	inCall := c.state == StateActive || c.state == StateCalling || c.state == StateRinging
	c.mu.Unlock()
	if !inCall {
		return
	}
	c.log.Info("transport reconnected during call, ending")
	c.endLocal(ReasonReconnected, false)
	if c.cfg.Notify != nil {
		c.cfg.Notify(ReasonReconnected)
	}
}

// endLocal tears down all call state. notifyRelay controls whether an
// end-call event is sent (not wanted when the relay already ended it).
func (c *Controller) endLocal(reason string, notifyRelay bool) {
	c.mu.Lock()
	if c.state == StateIdle || c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	callID := c.callID
	links := c.links
	tracks := c.tracks
	c.state = StateEnded
	c.resetLocked(reason)
	c.mu.Unlock()

	for _, pl := range links {
		pl.detach()
		pl.Close()
	}
	stopTracks(tracks)

	if notifyRelay {
		_ = c.cfg.Signaler.Send(protocol.ClientEvent{
			Type:   protocol.EventEndCall,
			Room:   c.cfg.Room,
			CallID: callID,
		})
	}
	c.log.Info("call ended", "call_id", callID, "reason", reason)
	if c.cfg.OnEnded != nil {
		c.cfg.OnEnded(callID, reason)
	}
}

// resetLocked clears all call-scoped state and invalidates outstanding async
// completions by bumping the epoch.
func (c *Controller) resetLocked(reason string) {
	c.epoch++
	c.state = StateIdle
	c.endReason = reason
	c.callID = ""
	c.callType = ""
	c.initiator = false
	c.roster = nil
	c.links = make(map[string]*PeerLink)
	c.tracks = nil
	c.connected = false
	c.muted = false
	c.videoOff = false
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
}

func (c *Controller) armRingTimerLocked() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
	}
	epoch := c.epoch
	c.ringTimer = time.AfterFunc(c.cfg.RingTimeout, func() {
		c.onRingTimeout(epoch)
	})
}

// onRingTimeout fires the 60s no-answer/no-connection guard.
func (c *Controller) onRingTimeout(epoch uint64) {
	c.mu.Lock()
	expired := c.epoch == epoch && !c.connected &&
		(c.state == StateCalling || c.state == StateActive)
	c.mu.Unlock()
	if !expired {
		return
	}
	c.log.Info("call timed out without connection")
	c.endLocal(ReasonNoAnswer, true)
}

// HandleEvent dispatches a relay event into the call engine.
func (c *Controller) HandleEvent(ev protocol.ServerEvent) {
	switch ev.Type {
	case protocol.EventIncomingCall:
		c.HandleIncomingCall(ev.CallID, ev.CallType, ev.Caller)
	case protocol.EventCallParticipants:
		c.handleRoster(ev)
	case protocol.EventCallAccepted, protocol.EventUserJoinedCall:
		c.handleUserJoined(ev)
	case protocol.EventUserLeftCall:
		c.handleUserLeft(ev)
	case protocol.EventOffer, protocol.EventAnswer:
		c.handleDescription(ev)
	case protocol.EventICECandidate:
		c.handleCandidate(ev)
	case protocol.EventRejectCall:
		c.handleRemoteEnd(ev.CallID, ev.Reason)
	case protocol.EventCallEnded:
		c.handleRemoteEnd(ev.CallID, ReasonRemoteEnded)
	case protocol.EventError:
		if ev.Code == "delivery_failed" && ev.CallID != "" {
			c.handleRemoteEnd(ev.CallID, ReasonDeliveryFailed)
		}
	}
}

func (c *Controller) handleRoster(ev protocol.ServerEvent) {
	c.mu.Lock()
	if ev.CallID != c.callID || (c.state != StateActive && c.state != StateCalling) {
		c.mu.Unlock()
		return
	}
	c.roster = append([]string(nil), ev.Participants...)

	// Transitioning Calling -> Active once someone else appears on the
	// roster: the relay accepted our call into a live session.
	if c.state == StateCalling && len(c.roster) > 1 {
		c.state = StateActive
	}
	c.mu.Unlock()

	for _, p := range ev.Participants {
		if p == c.cfg.User {
			continue
		}
		c.ensureLink(ev.CallID, p, true)
	}
}

func (c *Controller) handleUserJoined(ev protocol.ServerEvent) {
	c.mu.Lock()
	match := ev.CallID == c.callID && (c.state == StateActive || c.state == StateCalling)
	if match && c.state == StateCalling {
		c.state = StateActive
	}
	if match && ev.UserID != "" && !contains(c.roster, ev.UserID) {
		c.roster = append(c.roster, ev.UserID)
	}
	c.mu.Unlock()
	if !match || ev.UserID == "" || ev.UserID == c.cfg.User {
		return
	}

	pl := c.ensureLink(ev.CallID, ev.UserID, true)
	if pl == nil {
		return
	}
	// The side that wins glare starts the negotiation round.
	if pl.Role() == RoleImpolite {
		if err := pl.Negotiate(); err != nil {
			c.log.Warn("negotiation failed", "remote", ev.UserID, "err", err)
		}
	}
}

func (c *Controller) handleUserLeft(ev protocol.ServerEvent) {
	c.mu.Lock()
	if ev.CallID != c.callID {
		c.mu.Unlock()
		return
	}
	pl := c.links[ev.UserID]
	delete(c.links, ev.UserID)
	c.roster = remove(c.roster, ev.UserID)
	c.mu.Unlock()
	if pl != nil {
		pl.detach()
		pl.Close()
	}
}

func (c *Controller) handleDescription(ev protocol.ServerEvent) {
	pl := c.linkForInbound(ev)
	if pl == nil {
		return
	}
	if err := pl.HandleRemoteDescription(ev.Payload); err != nil {
		c.log.Warn("remote description rejected", "remote", ev.UserID, "err", err)
	}
}

func (c *Controller) handleCandidate(ev protocol.ServerEvent) {
	pl := c.linkForInbound(ev)
	if pl == nil {
		return
	}
	if err := pl.HandleRemoteCandidate(ev.Payload); err != nil {
		c.log.Warn("remote candidate rejected", "remote", ev.UserID, "err", err)
	}
}

// linkForInbound resolves (or creates) the PeerLink an inbound signal
// belongs to. A signal from an unknown participant implies they are present.
func (c *Controller) linkForInbound(ev protocol.ServerEvent) *PeerLink {
	c.mu.Lock()
	wrongCall := ev.CallID != c.callID || (c.state != StateActive && c.state != StateCalling)
	c.mu.Unlock()
	if wrongCall || ev.UserID == "" || ev.UserID == c.cfg.User {
		return nil
	}
	return c.ensureLink(ev.CallID, ev.UserID, true)
}

func (c *Controller) handleRemoteEnd(callID, reason string) {
	c.mu.Lock()
	match := callID == c.callID && c.state != StateIdle && c.state != StateEnded
	c.mu.Unlock()
	if !match {
		return
	}
	c.endLocal(reason, false)
	if c.cfg.Notify != nil {
		c.cfg.Notify(reason)
	}
}

// ensureLink returns the PeerLink for remote, creating it with the proper
// role if needed and adding the local tracks to its media session.
func (c *Controller) ensureLink(callID, remote string, present bool) *PeerLink {
	c.mu.Lock()
	if callID != c.callID {
		c.mu.Unlock()
		return nil
	}
	if pl, ok := c.links[remote]; ok {
		c.mu.Unlock()
		if present {
			pl.SetTargetPresent(true)
		}
		return pl
	}
	role := c.roleForLocked(remote)
	epoch := c.epoch
	tracks := c.tracks
	c.mu.Unlock()

	sess, err := c.cfg.NewSession()
	if err != nil {
		c.log.Error("media session creation failed", "remote", remote, "err", err)
		return nil
	}

	pl := newPeerLink(c.log, c.cfg.Room, callID, remote, role, sess, c.cfg.Signaler)
	pl.bind(
		func(string) { c.markConnected(epoch) },
		func(remote string, failed bool) { c.handleLinkClosed(epoch, remote, failed) },
	)

	for _, t := range tracks {
		if err := sess.AddTrack(t); err != nil {
			c.log.Warn("add track failed", "remote", remote, "err", err)
		}
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		pl.detach()
		pl.Close()
		return nil
	}
	c.links[remote] = pl
	c.mu.Unlock()

	if present {
		pl.SetTargetPresent(true)
	}
	return pl
}

// roleForLocked decides the fixed negotiation role toward remote: the
// initiator is impolite toward everyone; otherwise the participant that
// appears earlier on the roster wins collisions. Anyone joining through an
// existing session is polite toward those already in it.
func (c *Controller) roleForLocked(remote string) Role {
	if c.initiator {
		return RoleImpolite
	}
	self, remoteIdx := indexOf(c.roster, c.cfg.User), indexOf(c.roster, remote)
	if self >= 0 && remoteIdx >= 0 && self < remoteIdx {
		return RoleImpolite
	}
	return RolePolite
}

func (c *Controller) markConnected(epoch uint64) {
	c.mu.Lock()
	if c.epoch == epoch {
		c.connected = true
	}
	c.mu.Unlock()
}

// handleLinkClosed ends the call when the last remaining link fails while
// the call is still active.
func (c *Controller) handleLinkClosed(epoch uint64, remote string, failed bool) {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	delete(c.links, remote)
	lastGone := failed && len(c.links) == 0 && c.state == StateActive
	c.mu.Unlock()
	if lastGone {
		c.endLocal(ReasonConnectionFailed, true)
		if c.cfg.Notify != nil {
			c.cfg.Notify(ReasonConnectionFailed)
		}
	}
}

// SetMuted toggles the microphone state and announces it to the call.
func (c *Controller) SetMuted(muted bool) {
	c.mu.Lock()
	if c.state != StateActive && c.state != StateCalling {
		c.mu.Unlock()
		return
	}
	c.muted = muted
	callID := c.callID
	c.mu.Unlock()

	_ = c.cfg.Signaler.Send(protocol.ClientEvent{
		Type:         protocol.EventMuteState,
		Room:         c.cfg.Room,
		CallID:       callID,
		IsAudioMuted: &muted,
	})
}

// SetVideoOff toggles the camera state and announces it to the call.
func (c *Controller) SetVideoOff(off bool) {
	c.mu.Lock()
	if c.state != StateActive && c.state != StateCalling {
		c.mu.Unlock()
		return
	}
	c.videoOff = off
	callID := c.callID
	c.mu.Unlock()

	_ = c.cfg.Signaler.Send(protocol.ClientEvent{
		Type:       protocol.EventVideoState,
		Room:       c.cfg.Room,
		CallID:     callID,
		IsVideoOff: &off,
	})
}

// ReplaceTrack swaps the outbound track of its kind on every PeerLink in
// place, without renegotiation, and retires the replaced capture track.
func (c *Controller) ReplaceTrack(t Track) error {
	c.mu.Lock()
	links := make([]*PeerLink, 0, len(c.links))
	for _, pl := range c.links {
		links = append(links, pl)
	}
	var old Track
	for i, existing := range c.tracks {
		if existing.Kind() == t.Kind() {
			old = existing
			c.tracks[i] = t
			break
		}
	}
	if old == nil {
		c.tracks = append(c.tracks, t)
	}
	c.mu.Unlock()

	var firstErr error
	for _, pl := range links {
		if err := pl.ReplaceTrack(t); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if old != nil {
		old.Stop()
	}
	return firstErr
}

func stopTracks(tracks []Track) {
	for _, t := range tracks {
		t.Stop()
	}
}

func contains(list []string, s string) bool {
	return indexOf(list, s) >= 0
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func remove(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
