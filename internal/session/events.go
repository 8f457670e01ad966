package session

import "time"

// EventKind names a session transition worth recording.
type EventKind string

const (
	EventLocked   EventKind = "locked"
	EventRejected EventKind = "rejected"
	EventReleased EventKind = "released"
	EventEvicted  EventKind = "evicted"
)

// Event is one recorded transition. Rejected events carry the requester in
// Remote and Device, and the current owner's session in SessionID.
type Event struct {
	SessionID string    `json:"session_id"`
	Kind      EventKind `json:"kind"`
	Remote    string    `json:"remote"`
	Device    string    `json:"device"`
	At        time.Time `json:"at"`
}

// EventSink receives session events. Implementations must not block: the
// arbitrator calls RecordEvent from the receive loop.
type EventSink interface {
	RecordEvent(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) RecordEvent(e Event) { f(e) }

type discardEvents struct{}

func (discardEvents) RecordEvent(Event) {}
