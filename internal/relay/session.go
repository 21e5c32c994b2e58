package relay

import (
	"encoding/json"
	"time"

	"github.com/opalchat/call-relay/internal/protocol"
)

type sessionStatus int

const (
	statusActive sessionStatus = iota
	statusCleaning
	statusCleaned
)

// CallSession is the relay's record of one call. It is owned exclusively by
// the Relay and mutated only under its lock.
type CallSession struct {
	ID   string
	Type protocol.CallType

	// Participants is ordered, without duplicates; the first entry is the
	// initiator.
	Participants []string

	CreatedAt    time.Time
	lastActivity time.Time

	// status implements the being-cleaned guard: cleanup transitions
	// active -> cleaning -> cleaned exactly once.
	status sessionStatus
}

func newCallSession(id string, typ protocol.CallType, initiator string, now time.Time) *CallSession {
	return &CallSession{
		ID:           id,
		Type:         typ,
		Participants: []string{initiator},
		CreatedAt:    now,
		lastActivity: now,
	}
}

func (s *CallSession) initiator() string {
	return s.Participants[0]
}

func (s *CallSession) hasParticipant(user string) bool {
	for _, p := range s.Participants {
		if p == user {
			return true
		}
	}
	return false
}

// addParticipant appends user if not already present and reports whether the
// roster changed.
func (s *CallSession) addParticipant(user string) bool {
	if s.hasParticipant(user) {
		return false
	}
	s.Participants = append(s.Participants, user)
	return true
}

func (s *CallSession) removeParticipant(user string) bool {
	for i, p := range s.Participants {
		if p == user {
			s.Participants = append(s.Participants[:i], s.Participants[i+1:]...)
			return true
		}
	}
	return false
}

func (s *CallSession) touch(now time.Time) {
	s.lastActivity = now
}

func (s *CallSession) idleSince(now time.Time) time.Duration {
	return now.Sub(s.lastActivity)
}

// rosterEvent builds the call-participants broadcast for the current roster.
func (s *CallSession) rosterEvent() protocol.ServerEvent {
	roster := make([]string, len(s.Participants))
	copy(roster, s.Participants)
	return protocol.ServerEvent{
		Type:         protocol.EventCallParticipants,
		CallID:       s.ID,
		Participants: roster,
	}
}

// queuedSignal is one signaling payload awaiting delivery to an unreachable
// target. It lives in a per-(callID,target) FIFO queue.
type queuedSignal struct {
	kind       protocol.EventType
	sender     string
	payload    json.RawMessage
	enqueuedAt time.Time
	retryCount int
}

type queueKey struct {
	callID string
	target string
}
