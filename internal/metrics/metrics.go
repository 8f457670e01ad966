// Package metrics holds the Prometheus instruments for the control plane.
//
// Every method is safe to call on a nil *Metrics, so components can be built
// without instrumentation in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "teleop"

// Metrics contains all Prometheus metrics for the control plane.
type Metrics struct {
	registry *prometheus.Registry

	// Listener
	DatagramsReceived prometheus.Counter
	CommandsDecoded   *prometheus.CounterVec
	RepliesSent       *prometheus.CounterVec
	ReplyErrors       prometheus.Counter

	// Session
	SessionLocked     prometheus.Gauge
	SessionsStarted   prometheus.Counter
	SessionsRejected  prometheus.Counter
	SessionsReleased  prometheus.Counter
	SessionsEvicted   prometheus.Counter
	UnauthorizedDrops *prometheus.CounterVec
	SessionDuration   prometheus.Histogram

	// Relay
	FramesSent     *prometheus.CounterVec
	FrameErrors    prometheus.Counter
	FrameWriteTime prometheus.Histogram

	// Event log
	EventsDropped prometheus.Counter
}

// New creates a Metrics bound to its own registry. The registry also carries
// the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		DatagramsReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Total number of control datagrams received",
		}),
		CommandsDecoded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_decoded_total",
			Help:      "Decoded control commands by kind",
		}, []string{"kind"}),
		RepliesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_sent_total",
			Help:      "Connect replies sent by status",
		}, []string{"status"}),
		ReplyErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reply_errors_total",
			Help:      "Connect replies that failed to send",
		}),

		SessionLocked: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_locked",
			Help:      "1 while a client holds the control session",
		}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Sessions granted to a new owner",
		}),
		SessionsRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_rejected_total",
			Help:      "Connect requests answered busy",
		}),
		SessionsReleased: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_released_total",
			Help:      "Sessions ended by the owner's disconnect",
		}),
		SessionsEvicted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_evicted_total",
			Help:      "Sessions ended by the watchdog",
		}),
		UnauthorizedDrops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unauthorized_commands_total",
			Help:      "Commands dropped because the sender does not own the session",
		}, []string{"kind"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Length of completed sessions",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
		}),

		FramesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames written to the actuator by type",
		}, []string{"type"}),
		FrameErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_errors_total",
			Help:      "Actuator frame writes that failed",
		}),
		FrameWriteTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_write_duration_seconds",
			Help:      "Time spent writing one frame to the actuator",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12), // 100us to ~200ms
		}),

		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_dropped_total",
			Help:      "Session events discarded because the writer queue was full",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordDatagram counts one received datagram.
func (m *Metrics) RecordDatagram() {
	if m == nil {
		return
	}
	m.DatagramsReceived.Inc()
}

// RecordCommand counts a decoded command by kind ("connect", "ctrl",
// "disconnect" or "malformed").
func (m *Metrics) RecordCommand(kind string) {
	if m == nil {
		return
	}
	m.CommandsDecoded.WithLabelValues(kind).Inc()
}

// RecordReply counts a reply by status, or a send failure.
func (m *Metrics) RecordReply(status string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.ReplyErrors.Inc()
		return
	}
	m.RepliesSent.WithLabelValues(status).Inc()
}

// RecordLocked marks a new session.
func (m *Metrics) RecordLocked() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.SessionLocked.Set(1)
}

// RecordRejected counts a busy reply.
func (m *Metrics) RecordRejected() {
	if m == nil {
		return
	}
	m.SessionsRejected.Inc()
}

// RecordReleased counts an owner disconnect and its session length.
func (m *Metrics) RecordReleased(durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsReleased.Inc()
	m.SessionDuration.Observe(durationSeconds)
	m.SessionLocked.Set(0)
}

// RecordEvicted counts a watchdog eviction and its session length.
func (m *Metrics) RecordEvicted(durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsEvicted.Inc()
	m.SessionDuration.Observe(durationSeconds)
	m.SessionLocked.Set(0)
}

// RecordUnauthorized counts a command dropped because of its sender.
func (m *Metrics) RecordUnauthorized(kind string) {
	if m == nil {
		return
	}
	m.UnauthorizedDrops.WithLabelValues(kind).Inc()
}

// RecordFrame counts a frame write. frameType is "control" or "failsafe".
func (m *Metrics) RecordFrame(frameType string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.FrameWriteTime.Observe(seconds)
	if err != nil {
		m.FrameErrors.Inc()
		return
	}
	m.FramesSent.WithLabelValues(frameType).Inc()
}

// RecordEventDropped counts a session event lost to a full queue.
func (m *Metrics) RecordEventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}
