package db

import (
	"context"
	"log"

	"github.com/banshee-data/teleop.link/internal/metrics"
	"github.com/banshee-data/teleop.link/internal/session"
)

// DefaultEventQueue is the writer's buffer size.
const DefaultEventQueue = 256

// EventStore is where an EventWriter sends events.
type EventStore interface {
	RecordSessionEvent(session.Event) error
}

// EventWriter moves session events off the receive loop and into the
// store. RecordEvent never blocks: when the queue is full the event is
// dropped and counted.
type EventWriter struct {
	store   EventStore
	queue   chan session.Event
	metrics *metrics.Metrics
}

// NewEventWriter creates a writer with a queue of size entries (zero means
// DefaultEventQueue).
func NewEventWriter(store EventStore, size int, m *metrics.Metrics) *EventWriter {
	if size <= 0 {
		size = DefaultEventQueue
	}
	return &EventWriter{
		store:   store,
		queue:   make(chan session.Event, size),
		metrics: m,
	}
}

// RecordEvent implements session.EventSink.
func (w *EventWriter) RecordEvent(e session.Event) {
	select {
	case w.queue <- e:
	default:
		w.metrics.RecordEventDropped()
	}
}

// Run writes queued events until ctx is cancelled, then drains whatever is
// already queued.
func (w *EventWriter) Run(ctx context.Context) {
	for {
		select {
		case e := <-w.queue:
			w.write(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-w.queue:
					w.write(e)
				default:
					return
				}
			}
		}
	}
}

func (w *EventWriter) write(e session.Event) {
	if err := w.store.RecordSessionEvent(e); err != nil {
		log.Printf("Failed to store %s event for session %s: %v", e.Kind, e.SessionID, err)
	}
}
