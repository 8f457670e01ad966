package session

import (
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/teleop.link/internal/mailbox"
	"github.com/banshee-data/teleop.link/internal/metrics"
	"github.com/banshee-data/teleop.link/internal/monitoring"
	"github.com/banshee-data/teleop.link/internal/protocol"
	"github.com/banshee-data/teleop.link/internal/timeutil"
)

// DefaultTimeout is how long an owner may stay silent before eviction.
const DefaultTimeout = 3000 * time.Millisecond

// Config wires an Arbitrator to its collaborators. Only Controls is
// required.
type Config struct {
	// Controls receives every accepted control snapshot, and the neutral
	// snapshot on an owner's disconnect.
	Controls mailbox.Fanout[protocol.Snapshot]
	// Status, if set, receives a copy of the session after every change.
	Status *mailbox.Mailbox[Status]
	// Events, if set, receives lock/reject/release/evict events.
	Events EventSink
	// Metrics may be nil.
	Metrics *metrics.Metrics
	// Clock defaults to timeutil.RealClock.
	Clock timeutil.Clock
	// Timeout defaults to DefaultTimeout.
	Timeout time.Duration
	// NewID generates session identifiers; defaults to random UUIDs.
	NewID func() string
}

// Arbitrator owns the Session and applies commands to it. It is the only
// writer to the control mailboxes. Handle and CheckTimeout must be called
// from a single goroutine.
type Arbitrator struct {
	session  Session
	controls mailbox.Fanout[protocol.Snapshot]
	status   *mailbox.Mailbox[Status]
	events   EventSink
	metrics  *metrics.Metrics
	clock    timeutil.Clock
	timeout  time.Duration
	newID    func() string
}

// NewArbitrator returns an Arbitrator with an idle session.
func NewArbitrator(cfg Config) *Arbitrator {
	a := &Arbitrator{
		session:  Session{State: StateIdle},
		controls: cfg.Controls,
		status:   cfg.Status,
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		clock:    cfg.Clock,
		timeout:  cfg.Timeout,
		newID:    cfg.NewID,
	}
	if a.events == nil {
		a.events = discardEvents{}
	}
	if a.clock == nil {
		a.clock = timeutil.RealClock{}
	}
	if a.timeout <= 0 {
		a.timeout = DefaultTimeout
	}
	if a.newID == nil {
		a.newID = func() string { return uuid.NewString() }
	}
	a.publishStatus()
	return a
}

// Session returns a copy of the current session.
func (a *Arbitrator) Session() Session {
	return a.session
}

// Timeout is the configured eviction threshold.
func (a *Arbitrator) Timeout() time.Duration {
	return a.timeout
}

// Handle applies cmd from sender and returns the reply to send back, or nil
// when the command gets no reply. Only connect commands are ever answered.
func (a *Arbitrator) Handle(cmd protocol.Command, from netip.AddrPort) *protocol.Reply {
	switch cmd.Kind {
	case protocol.KindConnect:
		return a.connect(cmd.Label, from)
	case protocol.KindControl:
		a.control(cmd, from)
	case protocol.KindDisconnect:
		a.disconnect(from)
	default:
		// Malformed input is dropped; the listener has already logged it.
	}
	return nil
}

func (a *Arbitrator) connect(label string, from netip.AddrPort) *protocol.Reply {
	now := a.clock.Now()

	switch {
	case a.session.State == StateIdle:
		a.session.lock(from, label, a.newID(), now)
		a.metrics.RecordLocked()
		a.emit(EventLocked, from, label, now)
		a.publishStatus()
		monitoring.Logf("session %s: locked by %q at %s", a.session.ID, label, from)
		reply := protocol.OK()
		return &reply

	case a.session.IsOwner(from):
		// Keepalive. The label from the first connect stands.
		a.session.LastSeen = now
		a.publishStatus()
		reply := protocol.OK()
		return &reply

	default:
		a.metrics.RecordRejected()
		a.emit(EventRejected, from, label, now)
		monitoring.Debugf("session %s: busy reply to %q at %s", a.session.ID, label, from)
		reply := protocol.Busy(a.session.OwnerLabel)
		return &reply
	}
}

func (a *Arbitrator) control(cmd protocol.Command, from netip.AddrPort) {
	if !a.session.IsOwner(from) {
		a.metrics.RecordUnauthorized(protocol.CmdControl)
		monitoring.Debugf("session: dropped ctrl from non-owner %s", from)
		return
	}
	if cmd.Fields == 0 {
		monitoring.Debugf("session %s: ctrl carried no fields, treating as neutral", a.session.ID)
	}
	a.session.LastSeen = a.clock.Now()
	a.controls.Publish(cmd.Snapshot)
	a.publishStatus()
}

func (a *Arbitrator) disconnect(from netip.AddrPort) {
	if !a.session.IsOwner(from) {
		if a.session.State == StateLocked {
			a.metrics.RecordUnauthorized(protocol.CmdDisconnect)
		}
		monitoring.Debugf("session: ignored disconnect from %s", from)
		return
	}
	now := a.clock.Now()
	ended := a.session
	a.controls.Publish(protocol.Neutral())
	a.session.release()

	a.metrics.RecordReleased(now.Sub(ended.LockedAt).Seconds())
	a.events.RecordEvent(Event{
		SessionID: ended.ID,
		Kind:      EventReleased,
		Remote:    ended.Owner.String(),
		Device:    ended.OwnerLabel,
		At:        now,
	})
	a.publishStatus()
	monitoring.Logf("session %s: released by %q", ended.ID, ended.OwnerLabel)
}

func (a *Arbitrator) emit(kind EventKind, from netip.AddrPort, label string, at time.Time) {
	a.events.RecordEvent(Event{
		SessionID: a.session.ID,
		Kind:      kind,
		Remote:    from.String(),
		Device:    label,
		At:        at,
	})
}

func (a *Arbitrator) publishStatus() {
	if a.status != nil {
		a.status.Publish(a.session.status())
	}
}
