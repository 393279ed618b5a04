package backoff

import (
	"testing"
	"time"
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()

	if p.BaseDelay != time.Second {
		t.Errorf("expected BaseDelay 1s, got %v", p.BaseDelay)
	}
	if p.MaxDelay != 30*time.Second {
		t.Errorf("expected MaxDelay 30s, got %v", p.MaxDelay)
	}
	if p.Multiplier != 2.0 {
		t.Errorf("expected Multiplier 2.0, got %v", p.Multiplier)
	}
	if p.MaxAttempts != 5 {
		t.Errorf("expected MaxAttempts 5, got %d", p.MaxAttempts)
	}
	if p.JitterFraction != 0 {
		t.Errorf("expected no jitter by default, got %v", p.JitterFraction)
	}
}

func TestNextDelayDoubles(t *testing.T) {
	p := Policy{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
	}

	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
	}

	for attempt, want := range expected {
		if got := p.NextDelay(attempt); got != want {
			t.Errorf("NextDelay(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestNextDelayCapped(t *testing.T) {
	p := Policy{
		BaseDelay:  time.Second,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
	}

	if got := p.NextDelay(10); got != 5*time.Second {
		t.Errorf("NextDelay(10) = %v, want cap of 5s", got)
	}
}

func TestNextDelayMonotonic(t *testing.T) {
	p := Policy{
		BaseDelay:  50 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		Multiplier: 2.0,
	}

	prev := time.Duration(0)
	for attempt := 0; attempt < 20; attempt++ {
		d := p.NextDelay(attempt)
		if d < prev {
			t.Fatalf("NextDelay(%d) = %v decreased from %v", attempt, d, prev)
		}
		prev = d
	}
}

func TestNextDelayJitterBounds(t *testing.T) {
	p := Policy{
		BaseDelay:      time.Second,
		MaxDelay:       time.Minute,
		Multiplier:     2.0,
		JitterFraction: 0.2,
	}

	for i := 0; i < 100; i++ {
		d := p.NextDelay(2) // nominal 4s
		if d < time.Second {
			t.Fatalf("jittered delay %v fell below base delay", d)
		}
		if d > 4800*time.Millisecond {
			t.Fatalf("jittered delay %v exceeds nominal + 20%%", d)
		}
	}
}

func TestNextDelayNegativeAttempt(t *testing.T) {
	p := DefaultPolicy()
	if got := p.NextDelay(-3); got != p.BaseDelay {
		t.Errorf("NextDelay(-3) = %v, want base delay", got)
	}
}

func TestGiveUpBoundary(t *testing.T) {
	p := Policy{MaxAttempts: 5}

	for attempt := 0; attempt < 5; attempt++ {
		if p.GiveUp(attempt) {
			t.Errorf("GiveUp(%d) should be false with 5 max attempts", attempt)
		}
	}
	if !p.GiveUp(5) {
		t.Error("GiveUp(5) should be true with 5 max attempts")
	}
	if !p.GiveUp(6) {
		t.Error("GiveUp(6) should be true with 5 max attempts")
	}
}

func TestGiveUpUnlimited(t *testing.T) {
	p := Policy{MaxAttempts: 0}
	if p.GiveUp(1000000) {
		t.Error("zero MaxAttempts should never give up")
	}
}
