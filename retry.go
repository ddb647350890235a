package mutuelle

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds how often a queue entry is re-sent.
type RetryPolicy struct {
	// MaxAttempts is the number of failed attempts after which an entry
	// becomes failed. Zero means retry forever.
	MaxAttempts int

	// BaseDelay is the wait after the first failure; it doubles per attempt.
	BaseDelay time.Duration

	// MaxDelay caps the wait between attempts.
	MaxDelay time.Duration

	// JitterPercent spreads each wait by up to this share of itself, so
	// devices that failed together do not retry in lockstep.
	JitterPercent uint64
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   8,
		BaseDelay:     5 * time.Second,
		MaxDelay:      30 * time.Minute,
		JitterPercent: 10,
	}
}

// Exhausted reports whether an entry with retryCount failures has used its budget.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return p.MaxAttempts > 0 && retryCount >= p.MaxAttempts
}

// Delay returns the wait before the attempt following the given failure count.
func (p RetryPolicy) Delay(failures int) time.Duration {
	if p.BaseDelay <= 0 || failures <= 0 {
		return 0
	}
	b := p.backoff()
	var d time.Duration
	for i := 0; i < failures; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
	}
	return d
}

func (p RetryPolicy) backoff() retry.Backoff {
	return p.shape(retry.NewExponential(p.BaseDelay))
}

// shape applies jitter, then the cap, so a jittered wait never exceeds MaxDelay.
func (p RetryPolicy) shape(b retry.Backoff) retry.Backoff {
	if p.JitterPercent > 0 {
		b = retry.WithJitterPercent(p.JitterPercent, b)
	}
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	return b
}

// do runs fn, retrying transient failures up to attempts times in total.
func (p RetryPolicy) do(ctx context.Context, attempts int, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Millisecond
	}
	b := retry.WithMaxRetries(uint64(attempts-1), p.shape(retry.NewExponential(base)))

	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			if IsPermanent(err) {
				return err
			}
			return retry.RetryableError(err)
		}
		return nil
	})
}
