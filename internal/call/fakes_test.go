package call

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/opalchat/call-relay/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

// fakeSignaler records every event the engine emits.
type fakeSignaler struct {
	mu     sync.Mutex
	events []protocol.ClientEvent
	err    error
}

func (s *fakeSignaler) Send(ev protocol.ClientEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeSignaler) ofType(t protocol.EventType) []protocol.ClientEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.ClientEvent
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fakeTrack struct {
	kind string

	mu      sync.Mutex
	stopped bool
}

func (t *fakeTrack) Kind() string { return t.kind }

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// fakeDevices hands out one audio track per acquisition, optionally blocking
// until released so tests can interleave other work mid-acquire.
type fakeDevices struct {
	mu       sync.Mutex
	err      error
	acquired []*fakeTrack
	gate     chan struct{}
}

func (d *fakeDevices) Acquire(ctx context.Context, callType protocol.CallType) ([]Track, error) {
	if d.gate != nil {
		<-d.gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	tr := &fakeTrack{kind: "audio"}
	d.acquired = append(d.acquired, tr)
	return []Track{tr}, nil
}

// fakeSession models the signaling-state half of a media session. The
// signaling state follows the standard machine: a local offer or remote
// offer leaves stable, an answer on either side returns to it.
type fakeSession struct {
	mu          sync.Mutex
	sigState    string // "stable", "have-local-offer", "have-remote-offer"
	remoteDescs []Description
	localDescs  []Description
	candidates  []Candidate
	tracks      []Track
	replaced    []Track
	closed      bool
	offerErr    error
	candErr     error

	lastOfferRestart bool

	onICE   func(Candidate)
	onState func(ConnectionState)
	onNeg   func()
}

func newFakeSession() *fakeSession {
	return &fakeSession{sigState: "stable"}
}

func (s *fakeSession) CreateOffer(iceRestart bool) (Description, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offerErr != nil {
		return Description{}, s.offerErr
	}
	s.lastOfferRestart = iceRestart
	return Description{Type: "offer", SDP: fmt.Sprintf("v=0 offer restart=%v", iceRestart)}, nil
}

func (s *fakeSession) CreateAnswer() (Description, error) {
	return Description{Type: "answer", SDP: "v=0 answer"}, nil
}

func (s *fakeSession) SetLocalDescription(d Description) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch d.Type {
	case "offer":
		if s.sigState == "have-remote-offer" {
			return fmt.Errorf("invalid signaling state transition: %s->SetLocal(offer)", s.sigState)
		}
		s.sigState = "have-local-offer"
	case "answer":
		if s.sigState != "have-remote-offer" {
			return fmt.Errorf("invalid signaling state transition: %s->SetLocal(answer)", s.sigState)
		}
		s.sigState = "stable"
	case "rollback":
		if s.sigState == "stable" {
			return fmt.Errorf("invalid signaling state transition: stable->SetLocal(rollback)")
		}
		s.sigState = "stable"
	default:
		return fmt.Errorf("unsupported local description type %q", d.Type)
	}
	s.localDescs = append(s.localDescs, d)
	return nil
}

// SetRemoteDescription enforces the signaling state machine the way the real
// transport does: a remote offer on top of an outstanding local offer is an
// invalid transition and must be rolled back first.
func (s *fakeSession) SetRemoteDescription(d Description) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch d.Type {
	case "offer":
		if s.sigState == "have-local-offer" {
			return fmt.Errorf("invalid signaling state transition: %s->SetRemote(offer)", s.sigState)
		}
		s.sigState = "have-remote-offer"
	case "answer":
		if s.sigState != "have-local-offer" {
			return fmt.Errorf("invalid signaling state transition: %s->SetRemote(answer)", s.sigState)
		}
		s.sigState = "stable"
	default:
		return fmt.Errorf("unsupported remote description type %q", d.Type)
	}
	s.remoteDescs = append(s.remoteDescs, d)
	return nil
}

func (s *fakeSession) AddICECandidate(c Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.candErr != nil {
		return s.candErr
	}
	s.candidates = append(s.candidates, c)
	return nil
}

func (s *fakeSession) AddTrack(t Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
	return nil
}

func (s *fakeSession) ReplaceTrack(t Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaced = append(s.replaced, t)
	return nil
}

func (s *fakeSession) SignalingStable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sigState == "stable"
}

func (s *fakeSession) HasRemoteDescription() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.remoteDescs) > 0
}

func (s *fakeSession) OnICECandidate(fn func(Candidate)) { s.onICE = fn }

func (s *fakeSession) OnConnectionStateChange(fn func(ConnectionState)) { s.onState = fn }

func (s *fakeSession) OnNegotiationNeeded(fn func()) { s.onNeg = fn }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) remoteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.remoteDescs)
}

func (s *fakeSession) candidateSDPs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.candidates {
		out = append(out, c.Candidate)
	}
	return out
}
