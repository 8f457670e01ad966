// Package mailbox provides a single-slot, last-value-wins container for
// handing values between independently scheduled goroutines.
//
// A Mailbox is not a queue. Publish overwrites whatever is in the slot and
// never blocks; Take returns the most recent unread value or gives up after a
// bounded wait. Values published between two takes are skipped.
package mailbox

import (
	"sync"
	"time"

	"github.com/banshee-data/teleop.link/internal/timeutil"
)

// Mailbox is a single-slot container safe for concurrent Publish and Take.
type Mailbox[T any] struct {
	clock timeutil.Clock

	mu        sync.Mutex
	value     T
	published bool
	unread    bool

	// notify holds at most one wake-up token. A token may be stale (the value
	// was already taken without it), so takers always re-check the slot.
	notify chan struct{}
}

// New returns an empty Mailbox. A nil clock uses the wall clock.
func New[T any](clock timeutil.Clock) *Mailbox[T] {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Mailbox[T]{
		clock:  clock,
		notify: make(chan struct{}, 1),
	}
}

// Publish stores v, replacing any unread value.
func (m *Mailbox[T]) Publish(v T) {
	m.mu.Lock()
	m.value = v
	m.published = true
	m.unread = true
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Take returns the latest unread value, waiting up to timeout for one to be
// published. The boolean is false when the wait timed out.
func (m *Mailbox[T]) Take(timeout time.Duration) (T, bool) {
	if v, ok := m.tryTake(); ok {
		return v, true
	}

	timer := m.clock.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-m.notify:
			if v, ok := m.tryTake(); ok {
				return v, true
			}
		case <-timer.C():
			return m.tryTake()
		}
	}
}

// Peek returns the most recently published value without consuming it. The
// boolean is false if nothing has ever been published.
func (m *Mailbox[T]) Peek() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value, m.published
}

func (m *Mailbox[T]) tryTake() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.unread {
		var zero T
		return zero, false
	}
	m.unread = false
	return m.value, true
}

// Fanout publishes one value to several mailboxes so each consumer keeps its
// own slot and a slow consumer never holds up the others.
type Fanout[T any] []*Mailbox[T]

// Publish copies v into every mailbox.
func (f Fanout[T]) Publish(v T) {
	for _, m := range f {
		m.Publish(v)
	}
}
