// Package api serves the read-only admin and status endpoints.
package api

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/teleop.link/internal/db"
	"github.com/banshee-data/teleop.link/internal/httputil"
	"github.com/banshee-data/teleop.link/internal/mailbox"
	"github.com/banshee-data/teleop.link/internal/metrics"
	"github.com/banshee-data/teleop.link/internal/session"
	"github.com/banshee-data/teleop.link/internal/version"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// EventQuery reads the session event log. *db.DB implements it.
type EventQuery interface {
	RecentSessionEvents(limit int) ([]session.Event, error)
	SessionSummaries(limit int) ([]db.SessionSummary, error)
}

// Config wires a Server. Only Status is required.
type Config struct {
	DeviceLabel string
	Status      *mailbox.Mailbox[session.Status]
	Controls    *ControlsView
	// Events is nil when the event database is disabled.
	Events  EventQuery
	Metrics *metrics.Metrics
	// Settings is the effective runtime configuration, served as-is.
	Settings any
}

type Server struct {
	cfg Config
}

func NewServer(cfg Config) *Server {
	return &Server{cfg: cfg}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE handlers behind the middleware streaming.
func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/session", s.showSession)
	mux.HandleFunc("/api/controls", s.showControls)
	mux.HandleFunc("/api/events", s.listEvents)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/version", s.showVersion)
	if s.cfg.Metrics != nil {
		mux.Handle("/metrics", s.cfg.Metrics.Handler())
	}
	return mux
}

// getOnly rejects anything but GET and reports whether the handler should
// continue.
func getOnly(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return false
	}
	return true
}

// SessionResponse is the body of /api/session.
type SessionResponse struct {
	DeviceLabel string `json:"device_label"`
	session.Status
}

func (s *Server) showSession(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	st := session.Status{State: session.StateIdle}
	if s.cfg.Status != nil {
		if v, ok := s.cfg.Status.Peek(); ok {
			st = v
		}
	}
	httputil.WriteJSONOK(w, SessionResponse{DeviceLabel: s.cfg.DeviceLabel, Status: st})
}

func (s *Server) showControls(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	if s.cfg.Controls == nil {
		httputil.ServiceUnavailable(w, "controls view disabled")
		return
	}
	httputil.WriteJSONOK(w, s.cfg.Controls.Status())
}

// parseLimit reads ?limit=N. Zero means the store's default.
func parseLimit(r *http.Request) (int, bool) {
	l := r.URL.Query().Get("limit")
	if l == "" {
		return 0, true
	}
	n, err := strconv.Atoi(l)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	if s.cfg.Events == nil {
		httputil.ServiceUnavailable(w, "event database disabled")
		return
	}
	limit, ok := parseLimit(r)
	if !ok {
		httputil.BadRequest(w, "Invalid 'limit' parameter")
		return
	}
	events, err := s.cfg.Events.RecentSessionEvents(limit)
	if err != nil {
		log.Printf("failed to read session events: %v", err)
		httputil.InternalServerError(w, "Failed to retrieve session events")
		return
	}
	httputil.WriteJSONOK(w, events)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	if s.cfg.Events == nil {
		httputil.ServiceUnavailable(w, "event database disabled")
		return
	}
	limit, ok := parseLimit(r)
	if !ok {
		httputil.BadRequest(w, "Invalid 'limit' parameter")
		return
	}
	sessions, err := s.cfg.Events.SessionSummaries(limit)
	if err != nil {
		log.Printf("failed to read session summaries: %v", err)
		httputil.InternalServerError(w, "Failed to retrieve sessions")
		return
	}
	httputil.WriteJSONOK(w, sessions)
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	if s.cfg.Settings == nil {
		httputil.WriteJSONOK(w, map[string]any{})
		return
	}
	httputil.WriteJSONOK(w, s.cfg.Settings)
}

// VersionResponse is the body of /api/version.
type VersionResponse struct {
	Version   string `json:"version"`
	GitSHA    string `json:"git_sha"`
	BuildTime string `json:"build_time"`
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	httputil.WriteJSONOK(w, VersionResponse{
		Version:   version.Version,
		GitSHA:    version.GitSHA,
		BuildTime: version.BuildTime,
	})
}
