package call

import (
	"testing"

	"github.com/opalchat/call-relay/internal/protocol"
)

func newTestLink(t *testing.T, role Role) (*PeerLink, *fakeSession, *fakeSignaler) {
	t.Helper()
	sess := newFakeSession()
	sig := &fakeSignaler{}
	pl := newPeerLink(testLogger(), "lobby", "call-1", "bob", role, sess, sig)
	pl.SetTargetPresent(true)
	return pl, sess, sig
}

func TestPeerLinkNegotiateSendsOffer(t *testing.T) {
	pl, sess, sig := newTestLink(t, RoleImpolite)

	if err := pl.Negotiate(); err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	offers := sig.ofType(protocol.EventOffer)
	if len(offers) != 1 {
		t.Fatalf("got %d offers, want 1", len(offers))
	}
	if offers[0].TargetUser != "bob" || offers[0].CallID != "call-1" {
		t.Fatalf("offer misaddressed: %+v", offers[0])
	}
	if sess.SignalingStable() {
		t.Fatal("session still stable after local offer")
	}

	// A second negotiate while the offer is outstanding is a no-op.
	if err := pl.Negotiate(); err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if got := len(sig.ofType(protocol.EventOffer)); got != 1 {
		t.Fatalf("got %d offers after repeat negotiate, want 1", got)
	}
}

func TestPeerLinkGlareImpoliteDropsCollidingOffer(t *testing.T) {
	pl, sess, sig := newTestLink(t, RoleImpolite)

	if err := pl.Negotiate(); err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	err := pl.HandleRemoteDescription(mustJSON(t, Description{Type: "offer", SDP: "v=0 remote"}))
	if err != nil {
		t.Fatalf("handle remote offer: %v", err)
	}
	if sess.remoteCount() != 0 {
		t.Fatal("impolite side applied a colliding offer")
	}
	if got := len(sig.ofType(protocol.EventAnswer)); got != 0 {
		t.Fatalf("impolite side answered a dropped offer (%d answers)", got)
	}
}

func TestPeerLinkGlarePoliteYieldsAndAnswers(t *testing.T) {
	pl, sess, sig := newTestLink(t, RolePolite)

	if err := pl.Negotiate(); err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	err := pl.HandleRemoteDescription(mustJSON(t, Description{Type: "offer", SDP: "v=0 remote"}))
	if err != nil {
		t.Fatalf("handle remote offer: %v", err)
	}
	if sess.remoteCount() != 1 {
		t.Fatalf("polite side applied %d remote descriptions, want 1", sess.remoteCount())
	}
	// The outstanding local offer must have been rolled back before the
	// remote offer applied; the transport rejects the transition otherwise.
	var sawRollback bool
	sess.mu.Lock()
	for _, d := range sess.localDescs {
		if d.Type == "rollback" {
			sawRollback = true
		}
	}
	sess.mu.Unlock()
	if !sawRollback {
		t.Fatal("polite side applied the remote offer without rolling back its own")
	}
	if got := len(sig.ofType(protocol.EventAnswer)); got != 1 {
		t.Fatalf("got %d answers, want 1", got)
	}
	if !sess.SignalingStable() {
		t.Fatal("session not stable after answering")
	}
}

func TestPeerLinkBuffersCandidatesUntilRemoteDescription(t *testing.T) {
	pl, sess, _ := newTestLink(t, RolePolite)

	for _, c := range []string{"cand-1", "cand-2", "cand-3"} {
		err := pl.HandleRemoteCandidate(mustJSON(t, Candidate{Candidate: c}))
		if err != nil {
			t.Fatalf("handle candidate %s: %v", c, err)
		}
	}
	if got := len(sess.candidateSDPs()); got != 0 {
		t.Fatalf("%d candidates applied before remote description", got)
	}

	err := pl.HandleRemoteDescription(mustJSON(t, Description{Type: "offer", SDP: "v=0"}))
	if err != nil {
		t.Fatalf("handle remote offer: %v", err)
	}
	got := sess.candidateSDPs()
	want := []string{"cand-1", "cand-2", "cand-3"}
	if len(got) != len(want) {
		t.Fatalf("got %d applied candidates, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidate order: got %v, want %v", got, want)
		}
	}

	// Candidates arriving after the description apply immediately.
	if err := pl.HandleRemoteCandidate(mustJSON(t, Candidate{Candidate: "cand-4"})); err != nil {
		t.Fatalf("handle candidate: %v", err)
	}
	if got := len(sess.candidateSDPs()); got != 4 {
		t.Fatalf("got %d applied candidates, want 4", got)
	}
}

func TestPeerLinkBuffersOutboundUntilTargetPresent(t *testing.T) {
	sess := newFakeSession()
	sig := &fakeSignaler{}
	pl := newPeerLink(testLogger(), "lobby", "call-1", "bob", RoleImpolite, sess, sig)

	if err := pl.Negotiate(); err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if got := len(sig.ofType(protocol.EventOffer)); got != 0 {
		t.Fatalf("offer sent while target absent (%d)", got)
	}

	pl.SetTargetPresent(true)
	if got := len(sig.ofType(protocol.EventOffer)); got != 1 {
		t.Fatalf("got %d offers after target became present, want 1", got)
	}
}

func TestPeerLinkICERestartOnceThenTeardown(t *testing.T) {
	pl, sess, sig := newTestLink(t, RoleImpolite)
	var closedFailed bool
	var closedCalls int
	pl.bind(nil, func(remote string, failed bool) {
		closedCalls++
		closedFailed = failed
	})

	sess.onState(StateFailed)
	offers := sig.ofType(protocol.EventOffer)
	if len(offers) != 1 {
		t.Fatalf("got %d offers after first failure, want 1 restart offer", len(offers))
	}
	sess.mu.Lock()
	restart := sess.lastOfferRestart
	sess.mu.Unlock()
	if !restart {
		t.Fatal("restart offer did not request ice restart")
	}

	// Restart succeeded and then failed again later.
	sess.SetRemoteDescription(Description{Type: "answer", SDP: "v=0"})
	sess.onState(StateConnected)
	sess.onState(StateFailed)
	if got := len(sig.ofType(protocol.EventOffer)); got != 2 {
		t.Fatalf("got %d offers after recovered failure, want 2", got)
	}

	// A failure with a restart already outstanding tears the link down.
	sess.onState(StateFailed)
	if closedCalls != 1 || !closedFailed {
		t.Fatalf("closedCalls=%d failed=%v, want 1/true", closedCalls, closedFailed)
	}
	if !sess.isClosed() {
		t.Fatal("session left open after teardown")
	}
}

func TestPeerLinkCloseIsIdempotent(t *testing.T) {
	pl, sess, _ := newTestLink(t, RolePolite)
	var closedCalls int
	pl.bind(nil, func(string, bool) { closedCalls++ })

	pl.Close()
	pl.Close()
	if closedCalls != 1 {
		t.Fatalf("onClosed called %d times, want 1", closedCalls)
	}
	if !sess.isClosed() {
		t.Fatal("session left open")
	}
	if err := pl.Negotiate(); err != nil {
		t.Fatalf("negotiate after close: %v", err)
	}
}
