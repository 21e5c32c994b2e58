package webrtcmedia

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/opalchat/call-relay/internal/call"
)

// Session implements call.MediaSession on a pion PeerConnection.
type Session struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	senders map[string]*webrtc.RTPSender
}

func NewSession(api *webrtc.API, cfg Config) (*Session, error) {
	if api == nil {
		var err error
		api, err = NewAPI(cfg)
		if err != nil {
			return nil, err
		}
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, err
	}
	return &Session{
		pc:      pc,
		senders: make(map[string]*webrtc.RTPSender),
	}, nil
}

func (s *Session) CreateOffer(iceRestart bool) (call.Description, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := s.pc.CreateOffer(opts)
	if err != nil {
		return call.Description{}, err
	}
	return fromSessionDescription(offer), nil
}

func (s *Session) CreateAnswer() (call.Description, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return call.Description{}, err
	}
	return fromSessionDescription(answer), nil
}

func (s *Session) SetLocalDescription(d call.Description) error {
	sd, err := toSessionDescription(d)
	if err != nil {
		return err
	}
	return s.pc.SetLocalDescription(sd)
}

func (s *Session) SetRemoteDescription(d call.Description) error {
	sd, err := toSessionDescription(d)
	if err != nil {
		return err
	}
	return s.pc.SetRemoteDescription(sd)
}

func (s *Session) AddICECandidate(c call.Candidate) error {
	return s.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (s *Session) AddTrack(t call.Track) error {
	lt, ok := t.(*LocalTrack)
	if !ok {
		return fmt.Errorf("track %T is not a webrtc local track", t)
	}
	sender, err := s.pc.AddTrack(lt.Local())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.senders[t.Kind()] = sender
	s.mu.Unlock()
	return nil
}

func (s *Session) ReplaceTrack(t call.Track) error {
	lt, ok := t.(*LocalTrack)
	if !ok {
		return fmt.Errorf("track %T is not a webrtc local track", t)
	}
	s.mu.Lock()
	sender := s.senders[t.Kind()]
	s.mu.Unlock()
	if sender == nil {
		return fmt.Errorf("no sender for track kind %q", t.Kind())
	}
	return sender.ReplaceTrack(lt.Local())
}

func (s *Session) SignalingStable() bool {
	return s.pc.SignalingState() == webrtc.SignalingStateStable
}

func (s *Session) HasRemoteDescription() bool {
	return s.pc.RemoteDescription() != nil
}

func (s *Session) OnICECandidate(fn func(call.Candidate)) {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		fn(call.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (s *Session) OnConnectionStateChange(fn func(call.ConnectionState)) {
	s.pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		mapped, ok := mapConnectionState(st)
		if !ok {
			return
		}
		fn(mapped)
	})
}

func (s *Session) OnNegotiationNeeded(fn func()) {
	s.pc.OnNegotiationNeeded(fn)
}

// OnRemoteTrack exposes inbound media to the application layer. Not part of
// the call engine's capability surface.
func (s *Session) OnRemoteTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	s.pc.OnTrack(fn)
}

func (s *Session) Close() error {
	return s.pc.Close()
}

func mapConnectionState(st webrtc.PeerConnectionState) (call.ConnectionState, bool) {
	switch st {
	case webrtc.PeerConnectionStateConnecting:
		return call.StateConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return call.StateConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return call.StateDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return call.StateFailed, true
	case webrtc.PeerConnectionStateClosed:
		return call.StateClosed, true
	default:
		return 0, false
	}
}

func fromSessionDescription(sd webrtc.SessionDescription) call.Description {
	return call.Description{Type: sd.Type.String(), SDP: sd.SDP}
}

func toSessionDescription(d call.Description) (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch d.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	case "pranswer":
		t = webrtc.SDPTypePranswer
	case "rollback":
		t = webrtc.SDPTypeRollback
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unknown description type %q", d.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: d.SDP}, nil
}
