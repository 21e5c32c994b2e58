package call

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opalchat/call-relay/internal/protocol"
)

// Role is the fixed negotiation role of a PeerLink. The impolite side's
// offer always wins a glare collision; the polite side always yields.
type Role int

const (
	RolePolite Role = iota
	RoleImpolite
)

func (r Role) String() string {
	if r == RoleImpolite {
		return "impolite"
	}
	return "polite"
}

// PeerLink runs perfect negotiation against one remote participant.
//
// The role never changes after creation. makingOffer serializes local offer
// creation; remote candidates arriving before a remote description are
// buffered FIFO and drained after every successful description application;
// outbound signaling is buffered until the target is known to be present.
type PeerLink struct {
	log    *slog.Logger
	room   string
	callID string
	remote string
	role   Role
	sess   MediaSession
	sig    Signaler

	mu            sync.Mutex
	closed        bool
	makingOffer   bool
	ignoreOffer   bool
	needsRestart  bool
	restartTried  bool
	targetPresent bool
	pendingRemote []Candidate
	pendingOut    []protocol.ClientEvent

	// onClosed reports teardown back to the controller; failed is true when
	// the underlying session failed rather than being closed deliberately.
	onClosed  func(remote string, failed bool)
	onConnect func(remote string)
}

func newPeerLink(log *slog.Logger, room, callID, remote string, role Role, sess MediaSession, sig Signaler) *PeerLink {
	pl := &PeerLink{
		log:    log.With("call_id", callID, "remote", remote, "role", role.String()),
		room:   room,
		callID: callID,
		remote: remote,
		role:   role,
		sess:   sess,
		sig:    sig,
	}

	sess.OnICECandidate(func(c Candidate) {
		payload, err := json.Marshal(c)
		if err != nil {
			return
		}
		pl.send(protocol.ClientEvent{
			Type:       protocol.EventICECandidate,
			Room:       room,
			CallID:     callID,
			TargetUser: remote,
			Payload:    payload,
		})
	})
	sess.OnNegotiationNeeded(func() {
		if err := pl.Negotiate(); err != nil {
			pl.log.Warn("negotiation failed", "err", err)
		}
	})
	sess.OnConnectionStateChange(pl.handleConnectionState)
	return pl
}

func (pl *PeerLink) Remote() string { return pl.remote }
func (pl *PeerLink) Role() Role     { return pl.role }

// bind installs the controller callbacks. Must be called before any remote
// signaling reaches the link.
func (pl *PeerLink) bind(onConnect func(remote string), onClosed func(remote string, failed bool)) {
	pl.mu.Lock()
	pl.onConnect = onConnect
	pl.onClosed = onClosed
	pl.mu.Unlock()
}

// detach silences teardown notifications, used when the controller is
// already unwinding the whole call.
func (pl *PeerLink) detach() {
	pl.mu.Lock()
	pl.onConnect = nil
	pl.onClosed = nil
	pl.mu.Unlock()
}

func (pl *PeerLink) handleConnectionState(st ConnectionState) {
	switch st {
	case StateConnected:
		pl.mu.Lock()
		pl.restartTried = false
		onConnect := pl.onConnect
		pl.mu.Unlock()
		if onConnect != nil {
			onConnect(pl.remote)
		}
	case StateFailed:
		pl.mu.Lock()
		tried := pl.restartTried
		pl.restartTried = true
		pl.needsRestart = true
		pl.mu.Unlock()
		if tried {
			pl.teardown(true)
			return
		}
		pl.log.Info("ice failed, restarting")
		if err := pl.Negotiate(); err != nil {
			pl.log.Warn("ice restart failed", "err", err)
			pl.teardown(true)
		}
	case StateClosed:
		pl.teardown(true)
	}
}

// Negotiate creates and sends a local offer unless one is already being made
// or the session is mid-negotiation, in which case it is a no-op.
func (pl *PeerLink) Negotiate() error {
	pl.mu.Lock()
	if pl.closed || pl.makingOffer || !pl.sess.SignalingStable() {
		pl.mu.Unlock()
		return nil
	}
	pl.makingOffer = true
	restart := pl.needsRestart
	pl.needsRestart = false
	pl.mu.Unlock()

	defer func() {
		pl.mu.Lock()
		pl.makingOffer = false
		pl.mu.Unlock()
	}()

	offer, err := pl.sess.CreateOffer(restart)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pl.sess.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}

	payload, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	pl.send(protocol.ClientEvent{
		Type:       protocol.EventOffer,
		Room:       pl.room,
		CallID:     pl.callID,
		TargetUser: pl.remote,
		Payload:    payload,
	})
	return nil
}

// HandleRemoteDescription applies an incoming offer or answer, resolving
// glare by role: the impolite side drops a colliding offer, the polite side
// yields its own offer in favor of the incoming one.
func (pl *PeerLink) HandleRemoteDescription(payload json.RawMessage) error {
	var desc Description
	if err := json.Unmarshal(payload, &desc); err != nil {
		return fmt.Errorf("decode description: %w", err)
	}
	isOffer := desc.Type == "offer"

	pl.mu.Lock()
	if pl.closed {
		pl.mu.Unlock()
		return nil
	}
	collision := isOffer && (pl.makingOffer || !pl.sess.SignalingStable())
	if collision && pl.role == RoleImpolite {
		pl.ignoreOffer = true
		pl.mu.Unlock()
		pl.log.Debug("glare: dropping colliding offer")
		return nil
	}
	// The polite side must discard its own outstanding offer before the
	// remote one can apply: there is no implicit rollback.
	rollback := collision && !pl.sess.SignalingStable()
	pl.mu.Unlock()

	if rollback {
		pl.log.Debug("glare: rolling back local offer")
		if err := pl.sess.SetLocalDescription(Description{Type: "rollback"}); err != nil {
			return fmt.Errorf("rollback local offer: %w", err)
		}
	}

	if err := pl.sess.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}

	pl.mu.Lock()
	pl.ignoreOffer = false
	pl.mu.Unlock()

	if isOffer {
		answer, err := pl.sess.CreateAnswer()
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := pl.sess.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local answer: %w", err)
		}
		out, err := json.Marshal(answer)
		if err != nil {
			return err
		}
		pl.send(protocol.ClientEvent{
			Type:       protocol.EventAnswer,
			Room:       pl.room,
			CallID:     pl.callID,
			TargetUser: pl.remote,
			Payload:    out,
		})
	}

	return pl.drainPendingCandidates()
}

// HandleRemoteCandidate applies a remote ICE candidate, buffering it while
// no remote description is set. Buffered candidates are never dropped until
// the link closes.
func (pl *PeerLink) HandleRemoteCandidate(payload json.RawMessage) error {
	var cand Candidate
	if err := json.Unmarshal(payload, &cand); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}

	pl.mu.Lock()
	if pl.closed {
		pl.mu.Unlock()
		return nil
	}
	if !pl.sess.HasRemoteDescription() {
		pl.pendingRemote = append(pl.pendingRemote, cand)
		pl.mu.Unlock()
		return nil
	}
	ignoring := pl.ignoreOffer
	pl.mu.Unlock()

	if err := pl.sess.AddICECandidate(cand); err != nil {
		if ignoring {
			// Candidate belonged to the offer we dropped in the collision.
			return nil
		}
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (pl *PeerLink) drainPendingCandidates() error {
	pl.mu.Lock()
	pending := pl.pendingRemote
	pl.pendingRemote = nil
	pl.mu.Unlock()

	for _, cand := range pending {
		if err := pl.sess.AddICECandidate(cand); err != nil {
			pl.mu.Lock()
			ignoring := pl.ignoreOffer
			pl.mu.Unlock()
			if !ignoring {
				return fmt.Errorf("add buffered candidate: %w", err)
			}
		}
	}
	return nil
}

// SetTargetPresent flushes buffered outbound signaling once the remote side
// is known to be reachable.
func (pl *PeerLink) SetTargetPresent(present bool) {
	pl.mu.Lock()
	pl.targetPresent = present
	var flush []protocol.ClientEvent
	if present {
		flush = pl.pendingOut
		pl.pendingOut = nil
	}
	pl.mu.Unlock()

	for _, ev := range flush {
		_ = pl.sig.Send(ev)
	}
}

func (pl *PeerLink) send(ev protocol.ClientEvent) {
	pl.mu.Lock()
	if pl.closed {
		pl.mu.Unlock()
		return
	}
	if !pl.targetPresent {
		pl.pendingOut = append(pl.pendingOut, ev)
		pl.mu.Unlock()
		return
	}
	pl.mu.Unlock()
	_ = pl.sig.Send(ev)
}

// ReplaceTrack swaps the outbound track of the same kind in place.
func (pl *PeerLink) ReplaceTrack(t Track) error {
	return pl.sess.ReplaceTrack(t)
}

// Close tears the link down deliberately (controller-driven).
func (pl *PeerLink) Close() {
	pl.teardown(false)
}

func (pl *PeerLink) teardown(failed bool) {
	pl.mu.Lock()
	if pl.closed {
		pl.mu.Unlock()
		return
	}
	pl.closed = true
	pl.pendingRemote = nil
	pl.pendingOut = nil
	onClosed := pl.onClosed
	pl.mu.Unlock()

	_ = pl.sess.Close()
	if onClosed != nil {
		onClosed(pl.remote, failed)
	}
}
