package api

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/teleop.link/internal/mailbox"
	"github.com/banshee-data/teleop.link/internal/protocol"
	"github.com/banshee-data/teleop.link/internal/timeutil"
)

// ControlsStatus is what the controls view last saw.
type ControlsStatus struct {
	Snapshot protocol.Snapshot `json:"snapshot"`
	// UpdatedAt is when Snapshot was taken from the mailbox; zero if nothing
	// has arrived yet.
	UpdatedAt time.Time `json:"updated_at,omitzero"`
	// Stale is set once a take window passes with nothing new.
	Stale    bool   `json:"stale"`
	Received uint64 `json:"received"`
}

// ControlsView is the display-facing consumer of accepted control input. It
// takes from its own mailbox so it never competes with the actuator relay.
type ControlsView struct {
	source  *mailbox.Mailbox[protocol.Snapshot]
	timeout time.Duration
	clock   timeutil.Clock

	mu     sync.Mutex
	status ControlsStatus
}

// NewControlsView creates a view over source. A nil clock uses the real one.
func NewControlsView(source *mailbox.Mailbox[protocol.Snapshot], timeout time.Duration, clock timeutil.Clock) *ControlsView {
	if timeout <= 0 {
		timeout = time.Second
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &ControlsView{
		source:  source,
		timeout: timeout,
		clock:   clock,
		status:  ControlsStatus{Stale: true},
	}
}

// Run consumes the mailbox until ctx is done.
func (v *ControlsView) Run(ctx context.Context) {
	for ctx.Err() == nil {
		v.Cycle()
	}
}

// Cycle performs one bounded take.
func (v *ControlsView) Cycle() {
	snap, ok := v.source.Take(v.timeout)

	v.mu.Lock()
	defer v.mu.Unlock()
	if !ok {
		v.status.Stale = true
		return
	}
	v.status.Snapshot = snap
	v.status.UpdatedAt = v.clock.Now()
	v.status.Stale = false
	v.status.Received++
}

// Status returns a copy of the current view.
func (v *ControlsView) Status() ControlsStatus {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.status
}
