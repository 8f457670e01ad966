package session

import "github.com/banshee-data/teleop.link/internal/monitoring"

// CheckTimeout evicts the owner if they have been silent for longer than the
// timeout and reports whether it did. The listener calls it once per receive
// cycle, whether or not a datagram arrived.
//
// Eviction does not publish a neutral snapshot. The relay already falls back
// to the failsafe frame once the mailbox runs dry, well inside the timeout.
func (a *Arbitrator) CheckTimeout() bool {
	if a.session.State != StateLocked {
		return false
	}
	now := a.clock.Now()
	silent := now.Sub(a.session.LastSeen)
	if silent <= a.timeout {
		return false
	}

	ended := a.session
	a.session.release()

	a.metrics.RecordEvicted(now.Sub(ended.LockedAt).Seconds())
	a.events.RecordEvent(Event{
		SessionID: ended.ID,
		Kind:      EventEvicted,
		Remote:    ended.Owner.String(),
		Device:    ended.OwnerLabel,
		At:        now,
	})
	a.publishStatus()
	monitoring.Logf("session %s: evicted %q after %s of silence", ended.ID, ended.OwnerLabel, silent)
	return true
}
