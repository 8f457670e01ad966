package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/teleop.link/internal/mailbox"
	"github.com/banshee-data/teleop.link/internal/metrics"
	"github.com/banshee-data/teleop.link/internal/network"
	"github.com/banshee-data/teleop.link/internal/protocol"
	"github.com/banshee-data/teleop.link/internal/relay"
	"github.com/banshee-data/teleop.link/internal/session"
	"github.com/banshee-data/teleop.link/internal/timeutil"
)

// RecordKind classifies a replay output line.
type RecordKind string

const (
	RecordReply    RecordKind = "reply"
	RecordFrame    RecordKind = "frame"
	RecordFailsafe RecordKind = "failsafe"
	RecordSession  RecordKind = "session"
)

// Record is one observable outcome at a point in capture time.
type Record struct {
	At     time.Time
	Kind   RecordKind
	Remote string
	Text   string
}

func (r Record) String() string {
	return fmt.Sprintf("%s  %-8s  %-21s  %s", r.At.UTC().Format("15:04:05.000"), r.Kind, r.Remote, r.Text)
}

// Summary totals a replay.
type Summary struct {
	Datagrams      int
	Replies        int
	ControlFrames  int
	FailsafeFrames int
	Evictions      int
	Start, End     time.Time
}

// Config tunes a Replayer. Zero values take the live defaults.
type Config struct {
	SessionTimeout time.Duration
	Failsafe       time.Duration
	PollInterval   time.Duration
	MaxDatagram    int
}

// Replayer drives the listener's datagram path, the watchdog and the relay
// against capture timestamps. Time only moves when a datagram is fed or the
// replay is finished, so output is deterministic.
type Replayer struct {
	clock    *timeutil.MockClock
	arb      *session.Arbitrator
	listener *network.Listener
	actuator *mailbox.Mailbox[protocol.Snapshot]
	relay    *relay.Relay
	metrics  *metrics.Metrics
	poll     time.Duration

	started     bool
	now         time.Time
	lastFrame   time.Time
	failsafeRun bool

	records []Record
	summary Summary
	emit    func(Record)
}

// New creates a Replayer. emit, if not nil, sees each record as it happens.
func New(cfg Config, emit func(Record)) *Replayer {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = network.DefaultPollInterval
	}
	clock := timeutil.NewMockClock(time.Time{})
	actuator := mailbox.New[protocol.Snapshot](clock)
	m := metrics.New()

	r := &Replayer{
		clock:    clock,
		actuator: actuator,
		metrics:  m,
		poll:     poll,
		emit:     emit,
	}
	r.arb = session.NewArbitrator(session.Config{
		Controls: mailbox.Fanout[protocol.Snapshot]{actuator},
		Events:   session.EventSinkFunc(r.sessionEvent),
		Metrics:  m,
		Clock:    clock,
		Timeout:  cfg.SessionTimeout,
	})
	r.listener = network.NewListener(network.ListenerConfig{
		MaxDatagram: cfg.MaxDatagram,
		Handler:     r.arb,
		Metrics:     m,
	})
	r.relay = relay.New(relay.Config{
		Source:   actuator,
		Sink:     &relay.RecordingSink{},
		Failsafe: cfg.Failsafe,
		Metrics:  m,
		Clock:    clock,
	})
	return r
}

// Feed applies one datagram at its capture time. Datagrams must be fed in
// time order; one stamped earlier than the previous is treated as
// simultaneous with it.
func (r *Replayer) Feed(d Datagram) {
	if !r.started {
		r.started = true
		r.now = d.At
		r.lastFrame = d.At
		r.clock.Set(d.At)
		r.summary.Start = d.At
	}
	r.advanceTo(d.At)
	r.summary.Datagrams++

	r.arb.CheckTimeout()
	reply := r.listener.HandleDatagram(d.Payload, d.Src)
	if reply != nil {
		r.summary.Replies++
		r.record(RecordReply, d.Src.String(), string(reply.Encode()))
	}

	if snap, ok := r.actuator.Take(0); ok {
		frame := r.relay.Emit(snap, true)
		r.lastFrame = r.now
		r.failsafeRun = false
		r.summary.ControlFrames++
		r.record(RecordFrame, d.Src.String(), string(frame))
	}
}

// Finish runs the clock on past the last datagram for long enough that any
// pending eviction and failsafe fire.
func (r *Replayer) Finish() {
	if !r.started {
		return
	}
	r.advanceTo(r.now.Add(r.arb.Timeout() + r.relay.Failsafe() + r.poll))
}

// advanceTo walks the clock forward in listener poll steps, firing relay
// deadlines and running the watchdog as the live loops would.
func (r *Replayer) advanceTo(t time.Time) {
	for r.now.Before(t) {
		next := r.now.Add(r.poll)
		if next.After(t) {
			next = t
		}
		for deadline := r.lastFrame.Add(r.relay.Failsafe()); !deadline.After(next); deadline = r.lastFrame.Add(r.relay.Failsafe()) {
			r.now = deadline
			r.clock.Set(deadline)
			r.relay.Emit(protocol.Snapshot{}, false)
			r.lastFrame = deadline
			r.summary.FailsafeFrames++
			// Repeats are counted but only the first of a run is reported.
			if !r.failsafeRun {
				r.failsafeRun = true
				r.record(RecordFailsafe, "", protocol.FailsafeFrame)
			}
		}
		r.now = next
		r.clock.Set(next)
		r.arb.CheckTimeout()
	}
	r.summary.End = r.now
}

func (r *Replayer) sessionEvent(e session.Event) {
	if e.Kind == session.EventEvicted {
		r.summary.Evictions++
	}
	text := fmt.Sprintf("%s device=%q session=%s", e.Kind, e.Device, e.SessionID)
	r.record(RecordSession, e.Remote, text)
}

func (r *Replayer) record(kind RecordKind, remote, text string) {
	rec := Record{At: r.clock.Now(), Kind: kind, Remote: remote, Text: text}
	r.records = append(r.records, rec)
	if r.emit != nil {
		r.emit(rec)
	}
}

// Records returns everything recorded so far.
func (r *Replayer) Records() []Record {
	return append([]Record(nil), r.records...)
}

// Summary returns the running totals.
func (r *Replayer) Summary() Summary {
	return r.summary
}

// Metrics exposes the counters the replay accumulated.
func (r *Replayer) Metrics() *metrics.Metrics {
	return r.metrics
}

// Run feeds every datagram from src, writing records to out as they occur.
func Run(ctx context.Context, src Source, cfg Config, out io.Writer) (Summary, error) {
	r := New(cfg, func(rec Record) {
		fmt.Fprintln(out, rec)
	})
	for {
		if err := ctx.Err(); err != nil {
			return r.Summary(), err
		}
		d, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return r.Summary(), err
		}
		r.Feed(d)
	}
	r.Finish()
	return r.Summary(), nil
}
