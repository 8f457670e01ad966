// Package session implements single-owner control arbitration: who may drive
// the actuator, when their claim lapses, and which replies they receive.
package session

import (
	"net/netip"
	"time"
)

// State is the lock state of the control session.
type State string

const (
	StateIdle   State = "idle"
	StateLocked State = "locked"
)

// Session is the exclusive-control record. Owner, OwnerLabel, ID, LockedAt
// and LastSeen are only meaningful while State is StateLocked; release clears
// them.
//
// A Session is owned by one Arbitrator and is not safe for concurrent use.
type Session struct {
	State      State
	Owner      netip.AddrPort
	OwnerLabel string
	ID         string
	LockedAt   time.Time
	LastSeen   time.Time
}

// IsOwner reports whether from holds the lock. Identity is the address and
// port tuple; there is no token, so a spoofed tuple is indistinguishable from
// the owner.
func (s *Session) IsOwner(from netip.AddrPort) bool {
	return s.State == StateLocked && s.Owner == from
}

func (s *Session) lock(from netip.AddrPort, label, id string, now time.Time) {
	s.State = StateLocked
	s.Owner = from
	s.OwnerLabel = label
	s.ID = id
	s.LockedAt = now
	s.LastSeen = now
}

func (s *Session) release() {
	*s = Session{State: StateIdle}
}

// Status is a copy of the session suitable for publishing to other
// goroutines.
type Status struct {
	State     State     `json:"state"`
	Owner     string    `json:"owner,omitempty"`
	Device    string    `json:"device,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	LockedAt  time.Time `json:"locked_at,omitzero"`
	LastSeen  time.Time `json:"last_seen,omitzero"`
}

func (s *Session) status() Status {
	if s.State != StateLocked {
		return Status{State: StateIdle}
	}
	return Status{
		State:     StateLocked,
		Owner:     s.Owner.String(),
		Device:    s.OwnerLabel,
		SessionID: s.ID,
		LockedAt:  s.LockedAt,
		LastSeen:  s.LastSeen,
	}
}
