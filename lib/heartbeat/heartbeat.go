// Package heartbeat tracks liveness of the command channel to the
// exposure-control server.
package heartbeat

import (
	"sync"
	"time"
)

// Monitor records liveness signals and answers whether the channel is alive
// within a timeout window. It is passive: it never triggers reconnection
// itself; the session owning it decides what to do when liveness is lost.
type Monitor struct {
	mu         sync.RWMutex
	window     time.Duration
	anchoredAt time.Time
	lastSeen   time.Time
}

// NewMonitor creates a monitor with the given timeout window.
func NewMonitor(window time.Duration) *Monitor {
	return &Monitor{window: window}
}

// Anchor marks the connection time. Before any heartbeat arrives the channel
// is treated as alive only until one window elapses from this anchor, so a
// server that never sends a single heartbeat is still detected.
func (m *Monitor) Anchor(connectedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anchoredAt = connectedAt
	m.lastSeen = time.Time{}
}

// Record updates the last-seen time. A heartbeat older than the last
// recorded one is ignored, guarding against reordered delivery.
// It reports whether the heartbeat was accepted.
func (m *Monitor) Record(ts time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.lastSeen.IsZero() && ts.Before(m.lastSeen) {
		log.WithField("stale", ts).WithField("lastSeen", m.lastSeen).Debug("ignoring out-of-order heartbeat")
		return false
	}
	m.lastSeen = ts
	return true
}

// Alive reports whether the channel is live at the given instant.
func (m *Monitor) Alive(now time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ref := m.lastSeen
	if ref.IsZero() {
		ref = m.anchoredAt
	}
	if ref.IsZero() {
		return false
	}
	return now.Sub(ref) <= m.window
}

// LastSeen returns the most recent accepted heartbeat time, or the zero
// time if none has been recorded since the last Anchor.
func (m *Monitor) LastSeen() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSeen
}

// Window returns the configured timeout window.
func (m *Monitor) Window() time.Duration {
	return m.window
}
