// Package relay drains the actuator mailbox and keeps the actuator fed with
// frames, falling back to the failsafe frame whenever control goes quiet.
package relay

import (
	"context"
	"log"
	"time"

	"github.com/banshee-data/teleop.link/internal/mailbox"
	"github.com/banshee-data/teleop.link/internal/metrics"
	"github.com/banshee-data/teleop.link/internal/protocol"
	"github.com/banshee-data/teleop.link/internal/timeutil"
)

// DefaultFailsafe is the longest the actuator goes without a fresh frame.
const DefaultFailsafe = 500 * time.Millisecond

// errorLogInterval rate-limits write failure logs.
const errorLogInterval = 10 * time.Second

// FrameWriter delivers one frame downstream. serialmux.SerialMux implements
// it for the UART link.
type FrameWriter interface {
	WriteFrame(frame []byte) error
}

// Config configures a Relay.
type Config struct {
	Source *mailbox.Mailbox[protocol.Snapshot]
	Sink   FrameWriter
	// Failsafe defaults to DefaultFailsafe.
	Failsafe time.Duration
	Metrics  *metrics.Metrics
	// Clock defaults to timeutil.RealClock. It should be the clock the
	// Source mailbox was built with.
	Clock timeutil.Clock
}

// Relay is the actuator-side consumer loop. It never blocks longer than the
// failsafe window, so the actuator sees a frame at least that often.
type Relay struct {
	source   *mailbox.Mailbox[protocol.Snapshot]
	sink     FrameWriter
	failsafe time.Duration
	metrics  *metrics.Metrics
	clock    timeutil.Clock

	failures   int
	lastErr    error
	lastErrLog time.Time
}

// New creates a Relay.
func New(cfg Config) *Relay {
	r := &Relay{
		source:   cfg.Source,
		sink:     cfg.Sink,
		failsafe: cfg.Failsafe,
		metrics:  cfg.Metrics,
		clock:    cfg.Clock,
	}
	if r.failsafe <= 0 {
		r.failsafe = DefaultFailsafe
	}
	if r.clock == nil {
		r.clock = timeutil.RealClock{}
	}
	return r
}

// Failsafe returns the take window.
func (r *Relay) Failsafe() time.Duration {
	return r.failsafe
}

// Run relays frames until ctx is cancelled. Cancellation is noticed between
// cycles, so shutdown takes at most one failsafe window.
func (r *Relay) Run(ctx context.Context) error {
	log.Printf("Actuator relay started (failsafe %s)", r.failsafe)
	for {
		select {
		case <-ctx.Done():
			r.flushErrors()
			return ctx.Err()
		default:
		}
		r.Cycle()
	}
}

// Cycle waits up to the failsafe window for a snapshot, writes the frame for
// it (or the failsafe frame on timeout) and returns what was written.
func (r *Relay) Cycle() []byte {
	snap, ok := r.source.Take(r.failsafe)
	return r.Emit(snap, ok)
}

// Emit writes the frame for snap, or the failsafe frame when ok is false.
// Callers that schedule frames themselves (the replay tool) use it in place
// of Cycle.
func (r *Relay) Emit(snap protocol.Snapshot, ok bool) []byte {
	frame, frameType := []byte(protocol.FailsafeFrame), "failsafe"
	if ok {
		frame, frameType = protocol.FormatFrame(snap), "control"
	}

	start := r.clock.Now()
	err := r.sink.WriteFrame(frame)
	r.metrics.RecordFrame(frameType, r.clock.Since(start).Seconds(), err)
	if err != nil {
		r.noteError(err)
	}
	return frame
}

func (r *Relay) noteError(err error) {
	r.failures++
	r.lastErr = err
	now := r.clock.Now()
	if r.lastErrLog.IsZero() || now.Sub(r.lastErrLog) >= errorLogInterval {
		r.flushErrors()
		r.lastErrLog = now
	}
}

func (r *Relay) flushErrors() {
	if r.failures == 0 {
		return
	}
	log.Printf("\033[93mFailed to write %d actuator frames (latest: %v)\033[0m", r.failures, r.lastErr)
	r.failures = 0
	r.lastErr = nil
}
