package heartbeat

import (
	"testing"
	"time"
)

func TestMonitorAliveAfterHeartbeat(t *testing.T) {
	m := NewMonitor(time.Second)

	now := time.Now()
	m.Anchor(now)
	if !m.Record(now.Add(100 * time.Millisecond)) {
		t.Fatal("heartbeat should be accepted")
	}

	if !m.Alive(now.Add(500 * time.Millisecond)) {
		t.Error("expected alive within the window")
	}
	if m.Alive(now.Add(2 * time.Second)) {
		t.Error("expected dead after the window elapses")
	}
}

func TestMonitorGracePeriod(t *testing.T) {
	m := NewMonitor(time.Second)

	connected := time.Now()
	m.Anchor(connected)

	// No heartbeat yet: alive only until one window from connection time.
	if !m.Alive(connected.Add(500 * time.Millisecond)) {
		t.Error("expected alive during the grace period")
	}
	if m.Alive(connected.Add(1500 * time.Millisecond)) {
		t.Error("expected dead once the grace period elapses without a heartbeat")
	}
}

func TestMonitorUnanchored(t *testing.T) {
	m := NewMonitor(time.Second)
	if m.Alive(time.Now()) {
		t.Error("an unanchored monitor should not report alive")
	}
}

func TestMonitorIgnoresStaleHeartbeat(t *testing.T) {
	m := NewMonitor(time.Second)

	now := time.Now()
	m.Anchor(now)
	m.Record(now.Add(time.Second))

	if m.Record(now.Add(500 * time.Millisecond)) {
		t.Error("older heartbeat should be rejected")
	}
	if got := m.LastSeen(); !got.Equal(now.Add(time.Second)) {
		t.Errorf("last seen moved backwards: %v", got)
	}
}

func TestMonitorEqualTimestampAccepted(t *testing.T) {
	m := NewMonitor(time.Second)

	now := time.Now()
	m.Anchor(now)
	m.Record(now.Add(time.Second))
	if !m.Record(now.Add(time.Second)) {
		t.Error("heartbeat equal to last seen should be accepted")
	}
}

func TestMonitorAnchorResetsLastSeen(t *testing.T) {
	m := NewMonitor(time.Second)

	first := time.Now()
	m.Anchor(first)
	m.Record(first.Add(time.Second))

	// Reconnect: a fresh anchor discards the previous channel's heartbeats.
	second := first.Add(time.Minute)
	m.Anchor(second)
	if !m.LastSeen().IsZero() {
		t.Error("anchor should clear last seen")
	}
	if !m.Alive(second.Add(500 * time.Millisecond)) {
		t.Error("expected alive in the fresh grace period")
	}
}

func TestMonitorConcurrentRecording(t *testing.T) {
	m := NewMonitor(time.Second)
	now := time.Now()
	m.Anchor(now)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			m.Record(now.Add(time.Duration(i) * time.Millisecond))
		}
	}()
	for i := 0; i < 1000; i++ {
		m.Alive(now)
	}
	<-done

	if m.LastSeen().IsZero() {
		t.Error("expected heartbeats recorded")
	}
}
