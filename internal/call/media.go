// Package call implements the client-side call engine: a controller per
// active call and a negotiation state machine (PeerLink) per remote
// participant, speaking to the relay through a Signaler and to the real-time
// media transport through the MediaSession capability.
package call

import (
	"context"

	"github.com/opalchat/call-relay/internal/protocol"
)

// Description is a local or remote session description in wire form.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is a connectivity-path descriptor in wire form.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// ConnectionState mirrors the media transport's connection lifecycle.
type ConnectionState int

const (
	StateConnecting ConnectionState = iota
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Track is one outbound capture track (microphone or camera).
type Track interface {
	// Kind is "audio" or "video".
	Kind() string
	// Stop releases the capture resource.
	Stop()
}

// MediaSession is the provided media-transport capability, one per remote
// participant. It is used, never reimplemented; the pion-backed
// implementation lives in internal/webrtcmedia, and tests supply fakes.
type MediaSession interface {
	CreateOffer(iceRestart bool) (Description, error)
	CreateAnswer() (Description, error)
	SetLocalDescription(Description) error
	SetRemoteDescription(Description) error
	AddICECandidate(Candidate) error

	AddTrack(t Track) error
	// ReplaceTrack swaps the outbound track of the same kind in place,
	// without renegotiation.
	ReplaceTrack(t Track) error

	// SignalingStable reports whether the negotiation state machine is
	// stable (no local or remote offer outstanding).
	SignalingStable() bool
	HasRemoteDescription() bool

	OnICECandidate(fn func(Candidate))
	OnConnectionStateChange(fn func(ConnectionState))
	OnNegotiationNeeded(fn func())

	Close() error
}

// MediaDevices acquires local capture tracks for a call.
type MediaDevices interface {
	Acquire(ctx context.Context, callType protocol.CallType) ([]Track, error)
}

// Signaler delivers client events to the relay. The WebSocket client
// implements it; tests capture the events instead.
type Signaler interface {
	Send(ev protocol.ClientEvent) error
}
