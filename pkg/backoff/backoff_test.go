package backoff

import (
	"testing"
	"time"
)

func TestExponentialJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	max := 2 * time.Second
	for attempt := 0; attempt < 10; attempt++ {
		d := ExponentialJitter(base, max, attempt)
		raw := base << uint(attempt)
		if raw > max {
			raw = max
		}
		lo := raw / 2
		hi := raw + raw/2
		if d < lo || d > hi {
			t.Fatalf("attempt %d: delay %v outside [%v,%v]", attempt, d, lo, hi)
		}
	}
}

func TestExponentialJitterZeroBase(t *testing.T) {
	if d := ExponentialJitter(0, time.Second, 3); d != 0 {
		t.Fatalf("expected 0, got %v", d)
	}
}

func TestExponentialJitterNegativeAttempt(t *testing.T) {
	d := ExponentialJitter(100*time.Millisecond, time.Second, -1)
	if d < 50*time.Millisecond || d > 150*time.Millisecond {
		t.Fatalf("negative attempt should clamp to 0: got %v", d)
	}
}
