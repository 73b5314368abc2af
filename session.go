package meridian

import (
	"github.com/google/uuid"
)

// SessionID identifies a client session.
type SessionID string

// NewSessionID returns a new random SessionID.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

func (s SessionID) String() string {
	return string(s)
}

// PeekID identifies one dispatched read so its result, or a cancel, can
// find its way back to the waiting session.
type PeekID string

// NewPeekID returns a new random PeekID.
func NewPeekID() PeekID {
	return PeekID(uuid.NewString())
}

func (p PeekID) String() string {
	return string(p)
}
