package db

import (
	"fmt"
	"time"

	"github.com/banshee-data/teleop.link/internal/session"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 1000
)

// RecordSessionEvent inserts one event.
func (db *DB) RecordSessionEvent(e session.Event) error {
	_, err := db.Exec(
		`INSERT INTO session_events (session_id, kind, remote, device, at_unix_ms)
		 VALUES (?, ?, ?, ?, ?)`,
		e.SessionID, string(e.Kind), e.Remote, e.Device, e.At.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record session event: %w", err)
	}
	return nil
}

// RecentSessionEvents returns up to limit events, newest first. A
// non-positive limit means 50; limits above 1000 are clamped.
func (db *DB) RecentSessionEvents(limit int) ([]session.Event, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	rows, err := db.Query(
		`SELECT session_id, kind, remote, device, at_unix_ms
		 FROM session_events
		 ORDER BY at_unix_ms DESC, event_id DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []session.Event{}
	for rows.Next() {
		var e session.Event
		var kind string
		var atMs int64
		if err := rows.Scan(&e.SessionID, &kind, &e.Remote, &e.Device, &atMs); err != nil {
			return nil, err
		}
		e.Kind = session.EventKind(kind)
		e.At = time.UnixMilli(atMs).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// SessionSummary is one row of the session_summary view.
type SessionSummary struct {
	SessionID        string     `json:"session_id"`
	Device           string     `json:"device"`
	Remote           string     `json:"remote"`
	Started          time.Time  `json:"started"`
	Ended            *time.Time `json:"ended,omitempty"`
	EndReason        string     `json:"end_reason,omitempty"`
	RejectedConnects int        `json:"rejected_connects"`
}

// SessionSummaries lists sessions, most recently started first. Sessions
// still in progress have no Ended time.
func (db *DB) SessionSummaries(limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	rows, err := db.Query(
		`SELECT session_id, device, remote, started_unix_ms, ended_unix_ms, end_reason, rejected_connects
		 FROM session_summary
		 ORDER BY started_unix_ms DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []SessionSummary{}
	for rows.Next() {
		var s SessionSummary
		var startedMs int64
		var endedMs *int64
		var reason *string
		if err := rows.Scan(&s.SessionID, &s.Device, &s.Remote, &startedMs, &endedMs, &reason, &s.RejectedConnects); err != nil {
			return nil, err
		}
		s.Started = time.UnixMilli(startedMs).UTC()
		if endedMs != nil {
			ended := time.UnixMilli(*endedMs).UTC()
			s.Ended = &ended
		}
		if reason != nil {
			s.EndReason = *reason
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
