package sync

import (
	"context"
	"time"
)

// Backoff is an exponential retry policy with a ceiling.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	MaxRetries int
}

// Delay returns the wait before retry number attempt (zero based).
// A server hint raises the delay but never above Max.
func (b Backoff) Delay(attempt int, hint time.Duration) time.Duration {
	d := b.Base
	if d <= 0 {
		d = time.Second
	}
	for i := 0; i < attempt && (b.Max <= 0 || d < b.Max); i++ {
		d *= 2
	}
	if hint > d {
		d = hint
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Exhausted reports whether attempt retries use up the budget.
func (b Backoff) Exhausted(attempt int) bool {
	return attempt >= b.MaxRetries
}

// sleepFunc waits for d. Tests replace it to record delays.
type sleepFunc func(ctx context.Context, d time.Duration)

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
