package collab

import (
	"time"

	"github.com/google/uuid"
)

// State is a session's position in its lifecycle. Transitions move forward
// only; a rejected or disconnected session is never reused.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateDisconnected
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Session is one authenticated client's attachment to a note's room. Two
// sessions for the same user on the same note are independent: each carries
// its own grant and lifecycle.
type Session struct {
	ID         string
	UserID     string
	NoteID     string
	Permission Permission
	JoinedAt   time.Time

	state State
	sink  Sink
}

// Sink receives the messages a room pushes at a session. Implemented by the
// websocket connection.
type Sink interface {
	Send(msg Message)
}

func newSession(grant Grant, sink Sink) *Session {
	return &Session{
		ID:         uuid.NewString(),
		UserID:     grant.UserID,
		NoteID:     grant.NoteID,
		Permission: grant.Permission,
		JoinedAt:   time.Now(),
		state:      StateAuthenticated,
		sink:       sink,
	}
}

func (s *Session) send(msg Message) {
	if s.sink != nil {
		s.sink.Send(msg)
	}
}
