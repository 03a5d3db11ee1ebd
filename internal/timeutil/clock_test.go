package timeutil

import (
	"testing"
	"time"
)

func TestRealClockNow(t *testing.T) {
	c := RealClock{}
	before := time.Now()
	got := c.Now()
	after := time.Now()
	if got.Before(before) || got.After(after) {
		t.Errorf("RealClock.Now() = %v, want between %v and %v", got, before, after)
	}
}

func TestMockClockAdvance(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	if got := c.Now(); !got.Equal(start) {
		t.Fatalf("Now() = %v, want %v", got, start)
	}

	c.Advance(90 * time.Second)
	want := start.Add(90 * time.Second)
	if got := c.Now(); !got.Equal(want) {
		t.Fatalf("after Advance, Now() = %v, want %v", got, want)
	}

	if got := c.Since(start); got != 90*time.Second {
		t.Errorf("Since(start) = %v, want 90s", got)
	}
}

func TestMockTickerFiresPerPeriod(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	c := NewMockClock(start)
	ticker := c.NewTicker(time.Minute)
	defer ticker.Stop()

	// Advancing three minutes delivers three ticks.
	c.Advance(3 * time.Minute)

	for i := 0; i < 3; i++ {
		select {
		case <-ticker.C():
		default:
			t.Fatalf("expected tick %d to be buffered", i+1)
		}
	}
	select {
	case extra := <-ticker.C():
		t.Fatalf("unexpected extra tick at %v", extra)
	default:
	}
}

func TestMockTickerStop(t *testing.T) {
	c := NewMockClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	ticker := c.NewTicker(time.Second)
	ticker.Stop()
	c.Advance(5 * time.Second)

	select {
	case <-ticker.C():
		t.Fatal("stopped ticker should not fire")
	default:
	}
}
