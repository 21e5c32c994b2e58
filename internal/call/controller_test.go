package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opalchat/call-relay/internal/protocol"
)

type ctrlRig struct {
	ctrl  *Controller
	sig   *fakeSignaler
	dev   *fakeDevices
	sess  []*fakeSession
	ended chan string
}

func newCtrlRig(t *testing.T, mutate func(*Config)) *ctrlRig {
	t.Helper()
	rig := &ctrlRig{
		sig:   &fakeSignaler{},
		dev:   &fakeDevices{},
		ended: make(chan string, 4),
	}
	cfg := Config{
		User:     "alice",
		Room:     "lobby",
		Signaler: rig.sig,
		Devices:  rig.dev,
		NewSession: func() (MediaSession, error) {
			s := newFakeSession()
			rig.sess = append(rig.sess, s)
			return s, nil
		},
		OnEnded:     func(_, reason string) { rig.ended <- reason },
		RingTimeout: time.Minute,
		Logger:      testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	rig.ctrl = NewController(cfg)
	return rig
}

func (r *ctrlRig) waitEnded(t *testing.T) string {
	t.Helper()
	select {
	case reason := <-r.ended:
		return reason
	case <-time.After(2 * time.Second):
		t.Fatal("call did not end")
		return ""
	}
}

func TestStartCallSendsInitiate(t *testing.T) {
	rig := newCtrlRig(t, nil)

	callID, err := rig.ctrl.StartCall(context.Background(), protocol.CallTypeVideo)
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	if rig.ctrl.State() != StateCalling {
		t.Fatalf("state = %v, want calling", rig.ctrl.State())
	}
	inits := rig.sig.ofType(protocol.EventCallInitiate)
	if len(inits) != 1 {
		t.Fatalf("got %d call-initiate events, want 1", len(inits))
	}
	ev := inits[0]
	if ev.CallID != callID || ev.Room != "lobby" || ev.Caller != "alice" || ev.CallType != protocol.CallTypeVideo {
		t.Fatalf("call-initiate fields: %+v", ev)
	}
}

func TestStartCallWhileBusy(t *testing.T) {
	rig := newCtrlRig(t, nil)

	if _, err := rig.ctrl.StartCall(context.Background(), protocol.CallTypeAudio); err != nil {
		t.Fatalf("start call: %v", err)
	}
	if _, err := rig.ctrl.StartCall(context.Background(), protocol.CallTypeAudio); !errors.Is(err, ErrBusy) {
		t.Fatalf("second start: err = %v, want ErrBusy", err)
	}
}

func TestIncomingCallWhileBusyRejectedWithBusy(t *testing.T) {
	rig := newCtrlRig(t, nil)
	callID, err := rig.ctrl.StartCall(context.Background(), protocol.CallTypeAudio)
	if err != nil {
		t.Fatalf("start call: %v", err)
	}

	rig.ctrl.HandleIncomingCall("other-call", protocol.CallTypeAudio, "bob")

	rejects := rig.sig.ofType(protocol.EventRejectCall)
	if len(rejects) != 1 {
		t.Fatalf("got %d reject-call events, want 1", len(rejects))
	}
	if rejects[0].CallID != "other-call" || rejects[0].Reason != ReasonBusy {
		t.Fatalf("reject fields: %+v", rejects[0])
	}
	if rig.ctrl.CallID() != callID || rig.ctrl.State() != StateCalling {
		t.Fatal("original call disturbed by busy rejection")
	}
}

func TestIncomingCallAccepted(t *testing.T) {
	rig := newCtrlRig(t, nil)

	rig.ctrl.HandleIncomingCall("call-1", protocol.CallTypeAudio, "bob")

	if rig.ctrl.State() != StateActive {
		t.Fatalf("state = %v, want active", rig.ctrl.State())
	}
	accepts := rig.sig.ofType(protocol.EventCallAccepted)
	if len(accepts) != 1 || accepts[0].CallID != "call-1" {
		t.Fatalf("call-accepted events: %+v", accepts)
	}
	if len(rig.dev.acquired) != 1 {
		t.Fatalf("acquired %d track sets, want 1", len(rig.dev.acquired))
	}
}

func TestIncomingCallDeclined(t *testing.T) {
	rig := newCtrlRig(t, func(cfg *Config) {
		cfg.Confirm = func(string, protocol.CallType, string) bool { return false }
	})

	rig.ctrl.HandleIncomingCall("call-1", protocol.CallTypeAudio, "bob")

	if rig.ctrl.State() != StateIdle {
		t.Fatalf("state = %v, want idle", rig.ctrl.State())
	}
	rejects := rig.sig.ofType(protocol.EventRejectCall)
	if len(rejects) != 1 || rejects[0].Reason != ReasonRejected {
		t.Fatalf("reject events: %+v", rejects)
	}
	if len(rig.dev.acquired) != 0 {
		t.Fatal("media acquired for a declined call")
	}
}

func TestIncomingCallMediaFailureRejects(t *testing.T) {
	rig := newCtrlRig(t, nil)
	rig.dev.err = errors.New("no microphone")

	rig.ctrl.HandleIncomingCall("call-1", protocol.CallTypeAudio, "bob")

	rejects := rig.sig.ofType(protocol.EventRejectCall)
	if len(rejects) != 1 || rejects[0].Reason != ReasonMediaFailure {
		t.Fatalf("reject events: %+v", rejects)
	}
	if rig.ctrl.State() != StateIdle {
		t.Fatalf("state = %v, want idle", rig.ctrl.State())
	}
}

func TestEndCallIdempotent(t *testing.T) {
	rig := newCtrlRig(t, nil)
	if _, err := rig.ctrl.StartCall(context.Background(), protocol.CallTypeAudio); err != nil {
		t.Fatalf("start call: %v", err)
	}

	rig.ctrl.EndCall()
	rig.ctrl.EndCall()
	rig.ctrl.EndCall()

	if got := len(rig.sig.ofType(protocol.EventEndCall)); got != 1 {
		t.Fatalf("got %d end-call events, want 1", got)
	}
	if got := rig.waitEnded(t); got != ReasonHangup {
		t.Fatalf("end reason = %q, want %q", got, ReasonHangup)
	}
	select {
	case reason := <-rig.ended:
		t.Fatalf("call ended twice (second reason %q)", reason)
	default:
	}
	if !rig.dev.acquired[0].isStopped() {
		t.Fatal("capture track still running after hangup")
	}
}

func TestRingTimeoutEndsUnansweredCall(t *testing.T) {
	rig := newCtrlRig(t, func(cfg *Config) { cfg.RingTimeout = 20 * time.Millisecond })
	if _, err := rig.ctrl.StartCall(context.Background(), protocol.CallTypeAudio); err != nil {
		t.Fatalf("start call: %v", err)
	}

	if got := rig.waitEnded(t); got != ReasonNoAnswer {
		t.Fatalf("end reason = %q, want %q", got, ReasonNoAnswer)
	}
	if got := len(rig.sig.ofType(protocol.EventEndCall)); got != 1 {
		t.Fatalf("got %d end-call events, want 1", got)
	}
	if rig.ctrl.State() != StateIdle {
		t.Fatalf("state = %v, want idle", rig.ctrl.State())
	}
}

func TestRingTimeoutStaleAfterEnd(t *testing.T) {
	rig := newCtrlRig(t, func(cfg *Config) { cfg.RingTimeout = 20 * time.Millisecond })
	if _, err := rig.ctrl.StartCall(context.Background(), protocol.CallTypeAudio); err != nil {
		t.Fatalf("start call: %v", err)
	}
	rig.ctrl.EndCall()
	if got := rig.waitEnded(t); got != ReasonHangup {
		t.Fatalf("end reason = %q, want %q", got, ReasonHangup)
	}

	time.Sleep(60 * time.Millisecond)
	select {
	case reason := <-rig.ended:
		t.Fatalf("stale timer ended again with %q", reason)
	default:
	}
}

func TestStaleMediaAcquisitionDiscarded(t *testing.T) {
	rig := newCtrlRig(t, nil)
	rig.dev.gate = make(chan struct{})

	done := make(chan struct{})
	go func() {
		rig.ctrl.HandleIncomingCall("call-1", protocol.CallTypeAudio, "bob")
		close(done)
	}()

	// The relay ends the call while the devices are still being acquired.
	waitForState(t, rig.ctrl, StateRinging)
	rig.ctrl.HandleEvent(protocol.ServerEvent{Type: protocol.EventCallEnded, CallID: "call-1"})
	close(rig.dev.gate)
	<-done

	if got := len(rig.sig.ofType(protocol.EventCallAccepted)); got != 0 {
		t.Fatalf("accepted a call that already ended (%d events)", got)
	}
	if len(rig.dev.acquired) != 1 || !rig.dev.acquired[0].isStopped() {
		t.Fatal("late-acquired track not released")
	}
	if rig.ctrl.State() != StateIdle {
		t.Fatalf("state = %v, want idle", rig.ctrl.State())
	}
}

func waitForState(t *testing.T, c *Controller, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state never reached %v", want)
}

func TestRosterCreatesLinksWithRoles(t *testing.T) {
	rig := newCtrlRig(t, nil)
	rig.ctrl.HandleIncomingCall("call-1", protocol.CallTypeAudio, "bob")

	rig.ctrl.HandleEvent(protocol.ServerEvent{
		Type:         protocol.EventCallParticipants,
		CallID:       "call-1",
		Participants: []string{"bob", "alice", "carol"},
	})

	rig.ctrl.mu.Lock()
	bob, carol := rig.ctrl.links["bob"], rig.ctrl.links["carol"]
	rig.ctrl.mu.Unlock()
	if bob == nil || carol == nil {
		t.Fatal("links not created from roster")
	}
	if bob.Role() != RolePolite {
		t.Fatalf("role toward earlier participant = %v, want polite", bob.Role())
	}
	if carol.Role() != RoleImpolite {
		t.Fatalf("role toward later participant = %v, want impolite", carol.Role())
	}
}

func TestCallAcceptedStartsNegotiation(t *testing.T) {
	rig := newCtrlRig(t, nil)
	callID, err := rig.ctrl.StartCall(context.Background(), protocol.CallTypeAudio)
	if err != nil {
		t.Fatalf("start call: %v", err)
	}

	rig.ctrl.HandleEvent(protocol.ServerEvent{
		Type:   protocol.EventCallAccepted,
		CallID: callID,
		UserID: "bob",
	})

	if rig.ctrl.State() != StateActive {
		t.Fatalf("state = %v, want active", rig.ctrl.State())
	}
	// The caller is impolite toward everyone and opens the negotiation.
	offers := rig.sig.ofType(protocol.EventOffer)
	if len(offers) != 1 || offers[0].TargetUser != "bob" {
		t.Fatalf("offers after accept: %+v", offers)
	}
	if len(rig.sess) != 1 || len(rig.sess[0].tracks) != 1 {
		t.Fatal("local track not added to the new session")
	}
}

func TestInboundSignalRoutedToLink(t *testing.T) {
	rig := newCtrlRig(t, nil)
	callID, _ := rig.ctrl.StartCall(context.Background(), protocol.CallTypeAudio)
	rig.ctrl.HandleEvent(protocol.ServerEvent{Type: protocol.EventCallAccepted, CallID: callID, UserID: "bob"})

	rig.ctrl.HandleEvent(protocol.ServerEvent{
		Type:    protocol.EventAnswer,
		CallID:  callID,
		UserID:  "bob",
		Payload: mustJSON(t, Description{Type: "answer", SDP: "v=0"}),
	})
	if rig.sess[0].remoteCount() != 1 {
		t.Fatal("answer not applied to bob's session")
	}

	rig.ctrl.HandleEvent(protocol.ServerEvent{
		Type:    protocol.EventICECandidate,
		CallID:  callID,
		UserID:  "bob",
		Payload: mustJSON(t, Candidate{Candidate: "cand-1"}),
	})
	if got := len(rig.sess[0].candidateSDPs()); got != 1 {
		t.Fatalf("got %d candidates applied, want 1", got)
	}

	// Signals for another call are dropped.
	rig.ctrl.HandleEvent(protocol.ServerEvent{
		Type:    protocol.EventAnswer,
		CallID:  "other-call",
		UserID:  "bob",
		Payload: mustJSON(t, Description{Type: "answer", SDP: "v=0"}),
	})
	if rig.sess[0].remoteCount() != 1 {
		t.Fatal("signal for another call reached the session")
	}
}

func TestRemoteEndTearsDownWithoutEcho(t *testing.T) {
	notices := make(chan string, 1)
	rig := newCtrlRig(t, func(cfg *Config) {
		cfg.Notify = func(msg string) { notices <- msg }
	})
	callID, _ := rig.ctrl.StartCall(context.Background(), protocol.CallTypeAudio)
	rig.ctrl.HandleEvent(protocol.ServerEvent{Type: protocol.EventCallAccepted, CallID: callID, UserID: "bob"})

	rig.ctrl.HandleEvent(protocol.ServerEvent{Type: protocol.EventCallEnded, CallID: callID})

	if got := rig.waitEnded(t); got != ReasonRemoteEnded {
		t.Fatalf("end reason = %q, want %q", got, ReasonRemoteEnded)
	}
	if got := len(rig.sig.ofType(protocol.EventEndCall)); got != 0 {
		t.Fatalf("echoed %d end-call events back to the relay, want 0", got)
	}
	if !rig.sess[0].isClosed() {
		t.Fatal("session left open after remote end")
	}
	if got := <-notices; got != ReasonRemoteEnded {
		t.Fatalf("notice = %q", got)
	}
}

func TestDeliveryFailedErrorEndsCall(t *testing.T) {
	rig := newCtrlRig(t, nil)
	callID, _ := rig.ctrl.StartCall(context.Background(), protocol.CallTypeAudio)

	rig.ctrl.HandleEvent(protocol.ServerEvent{
		Type:   protocol.EventError,
		Code:   "delivery_failed",
		CallID: callID,
	})

	if got := rig.waitEnded(t); got != ReasonDeliveryFailed {
		t.Fatalf("end reason = %q, want %q", got, ReasonDeliveryFailed)
	}
}

func TestTransportReconnectedEndsActiveCall(t *testing.T) {
	notices := make(chan string, 1)
	rig := newCtrlRig(t, func(cfg *Config) {
		cfg.Notify = func(msg string) { notices <- msg }
	})
	callID, _ := rig.ctrl.StartCall(context.Background(), protocol.CallTypeAudio)
	rig.ctrl.HandleEvent(protocol.ServerEvent{Type: protocol.EventCallAccepted, CallID: callID, UserID: "bob"})

	rig.ctrl.HandleTransportReconnected()

	if got := rig.waitEnded(t); got != ReasonReconnected {
		t.Fatalf("end reason = %q, want %q", got, ReasonReconnected)
	}
	if got := len(rig.sig.ofType(protocol.EventEndCall)); got != 0 {
		t.Fatalf("sent %d end-call events over a fresh transport, want 0", got)
	}
	if got := <-notices; got != ReasonReconnected {
		t.Fatalf("notice = %q", got)
	}

	// Reconnecting while idle is a no-op.
	rig.ctrl.HandleTransportReconnected()
	select {
	case reason := <-rig.ended:
		t.Fatalf("idle reconnect ended a call with %q", reason)
	default:
	}
}

func TestLastLinkFailureEndsCall(t *testing.T) {
	rig := newCtrlRig(t, nil)
	callID, _ := rig.ctrl.StartCall(context.Background(), protocol.CallTypeAudio)
	rig.ctrl.HandleEvent(protocol.ServerEvent{Type: protocol.EventCallAccepted, CallID: callID, UserID: "bob"})

	sess := rig.sess[0]
	sess.onState(StateConnected)
	sess.onState(StateFailed) // restart attempt
	sess.onState(StateFailed) // restart already tried, link fails for good

	if got := rig.waitEnded(t); got != ReasonConnectionFailed {
		t.Fatalf("end reason = %q, want %q", got, ReasonConnectionFailed)
	}
	if got := len(rig.sig.ofType(protocol.EventEndCall)); got != 1 {
		t.Fatalf("got %d end-call events, want 1", got)
	}
}

func TestUserLeftClosesOnlyTheirLink(t *testing.T) {
	rig := newCtrlRig(t, nil)
	callID, _ := rig.ctrl.StartCall(context.Background(), protocol.CallTypeAudio)
	rig.ctrl.HandleEvent(protocol.ServerEvent{Type: protocol.EventCallAccepted, CallID: callID, UserID: "bob"})
	rig.ctrl.HandleEvent(protocol.ServerEvent{Type: protocol.EventUserJoinedCall, CallID: callID, UserID: "carol"})

	rig.ctrl.HandleEvent(protocol.ServerEvent{Type: protocol.EventUserLeftCall, CallID: callID, UserID: "bob"})

	if !rig.sess[0].isClosed() {
		t.Fatal("departed participant's session left open")
	}
	if rig.sess[1].isClosed() {
		t.Fatal("remaining participant's session closed")
	}
	if rig.ctrl.State() != StateActive {
		t.Fatalf("state = %v, want active", rig.ctrl.State())
	}
	select {
	case reason := <-rig.ended:
		t.Fatalf("call ended with %q when a participant remained", reason)
	default:
	}
}

func TestMuteAndVideoStateAnnounced(t *testing.T) {
	rig := newCtrlRig(t, nil)
	callID, _ := rig.ctrl.StartCall(context.Background(), protocol.CallTypeAudio)

	rig.ctrl.SetMuted(true)
	rig.ctrl.SetVideoOff(true)

	mutes := rig.sig.ofType(protocol.EventMuteState)
	if len(mutes) != 1 || mutes[0].CallID != callID || mutes[0].IsAudioMuted == nil || !*mutes[0].IsAudioMuted {
		t.Fatalf("mute events: %+v", mutes)
	}
	vids := rig.sig.ofType(protocol.EventVideoState)
	if len(vids) != 1 || vids[0].IsVideoOff == nil || !*vids[0].IsVideoOff {
		t.Fatalf("video events: %+v", vids)
	}

	// Toggles outside a call are dropped.
	rig.ctrl.EndCall()
	rig.ctrl.SetMuted(false)
	if got := len(rig.sig.ofType(protocol.EventMuteState)); got != 1 {
		t.Fatalf("got %d mute events after hangup, want 1", got)
	}
}

func TestReplaceTrackFansOutAndRetiresOld(t *testing.T) {
	rig := newCtrlRig(t, nil)
	callID, _ := rig.ctrl.StartCall(context.Background(), protocol.CallTypeAudio)
	rig.ctrl.HandleEvent(protocol.ServerEvent{Type: protocol.EventCallAccepted, CallID: callID, UserID: "bob"})
	rig.ctrl.HandleEvent(protocol.ServerEvent{Type: protocol.EventUserJoinedCall, CallID: callID, UserID: "carol"})

	old := rig.dev.acquired[0]
	repl := &fakeTrack{kind: "audio"}
	if err := rig.ctrl.ReplaceTrack(repl); err != nil {
		t.Fatalf("replace track: %v", err)
	}

	for i, sess := range rig.sess {
		sess.mu.Lock()
		n := len(sess.replaced)
		sess.mu.Unlock()
		if n != 1 {
			t.Fatalf("session %d saw %d replacements, want 1", i, n)
		}
	}
	if !old.isStopped() {
		t.Fatal("replaced track not stopped")
	}
	if repl.isStopped() {
		t.Fatal("replacement track stopped")
	}
}
