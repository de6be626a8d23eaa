package dispatch

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy is the retry policy for engine calls.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BackoffBase is the delay before the first retry; it doubles per retry.
	BackoffBase time.Duration
	// MaxBackoff caps a single delay. Zero means uncapped.
	MaxBackoff time.Duration
	// Jitter spreads each delay uniformly over [d/2, d].
	Jitter bool
	// Timeout bounds each attempt.
	Timeout time.Duration
}

// Attempts returns the total number of engine calls the policy allows.
func (p Policy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Delay returns how long to wait after failed attempt n (0-based):
// BackoffBase * 2^n, capped at MaxBackoff.
func (p Policy) Delay(n int) time.Duration {
	if p.BackoffBase <= 0 || n < 0 {
		return 0
	}
	d := p.BackoffBase
	for i := 0; i < n; i++ {
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			break
		}
		if d > time.Duration(1<<62)/2 {
			break
		}
		d *= 2
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	if p.Jitter && d > 1 {
		half := d / 2
		d = half + time.Duration(rand.Int64N(int64(half)+1))
	}
	return d
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the wall-clock SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Budget is the worst-case wall-clock time of one dispatch: every attempt
// timing out plus every backoff at its largest.
func (p Policy) Budget() time.Duration {
	worst := p
	worst.Jitter = false
	total := p.Timeout * time.Duration(p.Attempts())
	for n := 0; n < p.Attempts()-1; n++ {
		total += worst.Delay(n)
	}
	return total
}
