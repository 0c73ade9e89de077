// Package session models anonymous user sessions: the explicit status state
// machine, declared match preferences, and the preference store. None of the
// types here lock; they are owned by the signaling state store, which
// serializes every access.
package session

import (
	"fmt"
	"time"
)

// State is the lifecycle stage of a session.
type State int

const (
	StateIdle State = iota
	StateWaiting
	StatePaired
	StateRemoved
)

// String returns the lowercase state name used in logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StatePaired:
		return "paired"
	case StateRemoved:
		return "removed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is the tagged session status. PartnerID is set only when State is
// StatePaired.
type Status struct {
	State     State
	PartnerID string
}

// Idle returns the status of a connected session that is neither queued nor
// paired.
func Idle() Status { return Status{State: StateIdle} }

// Waiting returns the status of a queued session.
func Waiting() Status { return Status{State: StateWaiting} }

// Paired returns the status of a session linked to partnerID.
func Paired(partnerID string) Status { return Status{State: StatePaired, PartnerID: partnerID} }

// Removed returns the terminal status of a torn-down session.
func Removed() Status { return Status{State: StateRemoved} }

func (s Status) String() string {
	if s.State == StatePaired {
		return "paired(" + s.PartnerID + ")"
	}
	return s.State.String()
}

// Session is one live client connection and its ephemeral server-side state.
type Session struct {
	ID          string    // server-assigned opaque id
	Addr        string    // originating network address, the ban key
	Status      Status    // current lifecycle status
	ConnectedAt time.Time // admission time
}

// New returns an idle session.
func New(id, addr string, now time.Time) *Session {
	return &Session{
		ID:          id,
		Addr:        addr,
		Status:      Idle(),
		ConnectedAt: now,
	}
}
