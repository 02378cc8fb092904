package sync

import (
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 500 * time.Millisecond, Max: 5 * time.Second, MaxRetries: 4}
	tests := []struct {
		attempt int
		hint    time.Duration
		want    time.Duration
	}{
		{0, 0, 500 * time.Millisecond},
		{1, 0, time.Second},
		{2, 0, 2 * time.Second},
		{3, 0, 4 * time.Second},
		{4, 0, 5 * time.Second},
		{40, 0, 5 * time.Second},
		{0, 3 * time.Second, 3 * time.Second},
		{3, time.Second, 4 * time.Second},
		{0, time.Hour, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt, tt.hint); got != tt.want {
			t.Errorf("Delay(%d, %s) = %s, want %s", tt.attempt, tt.hint, got, tt.want)
		}
	}
}

func TestBackoffStrictlyIncreasesUntilCeiling(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: 3 * time.Second, MaxRetries: 10}
	prev := time.Duration(0)
	reached := false
	for i := range 10 {
		d := b.Delay(i, 0)
		switch {
		case d == b.Max:
			reached = true
		case reached:
			t.Fatalf("Delay(%d) = %s dropped below the ceiling", i, d)
		case d <= prev:
			t.Fatalf("Delay(%d) = %s, not above %s", i, d, prev)
		}
		prev = d
	}
	if !reached {
		t.Error("ceiling never reached")
	}
}

func TestBackoffExhausted(t *testing.T) {
	b := Backoff{MaxRetries: 2}
	if b.Exhausted(1) {
		t.Error("Exhausted(1) = true with 2 retries")
	}
	if !b.Exhausted(2) {
		t.Error("Exhausted(2) = false with 2 retries")
	}
}
