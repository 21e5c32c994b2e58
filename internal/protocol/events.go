// Package protocol models the wire surface between chat clients and the
// signaling relay.
//
// Every event is a single JSON object with a `type` tag. Parsing is strict:
// unknown fields and trailing data are rejected, and each event kind
// validates its mandatory fields before any relay state is touched.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type EventType string

const (
	// Connection / room lifecycle.
	EventAuth  EventType = "auth"
	EventJoin  EventType = "join"
	EventLeave EventType = "leave"

	// Call lifecycle.
	EventCallInitiate     EventType = "call-initiate"
	EventIncomingCall     EventType = "incoming-call"
	EventCallAccepted     EventType = "call-accepted"
	EventCallParticipants EventType = "call-participants"
	EventRejectCall       EventType = "reject-call"
	EventEndCall          EventType = "end-call"
	EventCallEnded        EventType = "call-ended"
	EventUserJoinedCall   EventType = "user-joined-call"
	EventUserLeftCall     EventType = "user-left-call"

	// Peer negotiation payloads, forwarded opaquely.
	EventOffer        EventType = "offer"
	EventAnswer       EventType = "answer"
	EventICECandidate EventType = "ice-candidate"

	// In-call state toggles.
	EventMuteState  EventType = "mute-state"
	EventVideoState EventType = "video-state"

	// Presence point query.
	EventCheckPresence  EventType = "check-user-presence"
	EventPresenceStatus EventType = "presence-status"

	EventError EventType = "error"
)

type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// IsSignal reports whether t is a forwarded negotiation payload kind.
func IsSignal(t EventType) bool {
	return t == EventOffer || t == EventAnswer || t == EventICECandidate
}

// ClientEvent is an event sent by a client to the relay. The sender identity
// is implicit in the connection; Caller/UserID fields are cross-checked
// against it at the boundary.
type ClientEvent struct {
	Type EventType `json:"type"`

	Room     string   `json:"room,omitempty"`
	Username string   `json:"username,omitempty"`
	CallID   string   `json:"callId,omitempty"`
	CallType CallType `json:"callType,omitempty"`
	Caller   string   `json:"caller,omitempty"`

	TargetUser string          `json:"targetUser,omitempty"`
	UserID     string          `json:"userId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	Reason string `json:"reason,omitempty"`

	IsAudioMuted *bool `json:"isAudioMuted,omitempty"`
	IsVideoOff   *bool `json:"isVideoOff,omitempty"`

	Token string `json:"token,omitempty"`
}

// ServerEvent is an event sent by the relay to a client.
type ServerEvent struct {
	Type EventType `json:"type"`

	CallID       string   `json:"callId,omitempty"`
	CallType     CallType `json:"callType,omitempty"`
	Caller       string   `json:"caller,omitempty"`
	UserID       string   `json:"userId,omitempty"`
	Participants []string `json:"participants,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`

	Reason string `json:"reason,omitempty"`

	IsAudioMuted *bool `json:"isAudioMuted,omitempty"`
	IsVideoOff   *bool `json:"isVideoOff,omitempty"`
	IsPresent    *bool `json:"isPresent,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorEvent builds the error event sent in response to a rejected request.
func ErrorEvent(code, message string) ServerEvent {
	return ServerEvent{Type: EventError, Code: code, Message: message}
}

// ParseClientEvent decodes and validates a single client event.
func ParseClientEvent(data []byte) (ClientEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var ev ClientEvent
	if err := dec.Decode(&ev); err != nil {
		return ClientEvent{}, err
	}
	if err := ev.Validate(); err != nil {
		return ClientEvent{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return ClientEvent{}, fmt.Errorf("unexpected trailing data")
	}
	return ev, nil
}

func (ev ClientEvent) Validate() error {
	switch ev.Type {
	case EventAuth:
		if ev.Token == "" {
			return fmt.Errorf("auth event missing token")
		}
	case EventJoin:
		if ev.Room == "" || ev.Username == "" {
			return fmt.Errorf("join event missing room/username")
		}
	case EventLeave:
		// No required fields; the connection's room binding is dropped.
	case EventCallInitiate:
		if ev.Room == "" || ev.CallID == "" || ev.Caller == "" {
			return fmt.Errorf("call-initiate event missing room/callId/caller")
		}
		if !ev.CallType.Valid() {
			return fmt.Errorf("call-initiate event has callType %q", ev.CallType)
		}
	case EventCallAccepted:
		if ev.Room == "" || ev.CallID == "" {
			return fmt.Errorf("call-accepted event missing room/callId")
		}
	case EventOffer, EventAnswer, EventICECandidate:
		if ev.Room == "" || ev.CallID == "" || ev.TargetUser == "" {
			return fmt.Errorf("%s event missing room/callId/targetUser", ev.Type)
		}
		if len(ev.Payload) == 0 {
			return fmt.Errorf("%s event missing payload", ev.Type)
		}
	case EventRejectCall:
		if ev.CallID == "" {
			return fmt.Errorf("reject-call event missing callId")
		}
	case EventEndCall:
		if ev.CallID == "" {
			return fmt.Errorf("end-call event missing callId")
		}
	case EventMuteState:
		if ev.Room == "" || ev.CallID == "" || ev.IsAudioMuted == nil {
			return fmt.Errorf("mute-state event missing room/callId/isAudioMuted")
		}
	case EventVideoState:
		if ev.Room == "" || ev.CallID == "" || ev.IsVideoOff == nil {
			return fmt.Errorf("video-state event missing room/callId/isVideoOff")
		}
	case EventCheckPresence:
		if ev.Room == "" || ev.UserID == "" {
			return fmt.Errorf("check-user-presence event missing room/userId")
		}
	default:
		return fmt.Errorf("unsupported event type %q", ev.Type)
	}
	return nil
}
