// Package retry re-runs database writes that failed on a transient
// conflict such as a lock timeout, a deadlock or a serialization failure.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines how often and how fast a failed write is retried.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	// Values below 1 are treated as 1.
	MaxAttempts int

	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration

	// MaxInterval caps the delay between retries.
	MaxInterval time.Duration

	// Multiplier is the factor by which the interval increases.
	Multiplier float64

	// RandomizationFactor adds jitter to the delay.
	// A value of 0.5 means the actual delay will be within [delay * 0.5, delay * 1.5].
	RandomizationFactor float64

	// Retryable decides whether an error is worth another attempt. A nil
	// Retryable retries nothing.
	Retryable func(error) bool
}

// DefaultPolicy returns the policy used for engine writes: three attempts
// with a short exponential backoff. Retryable must still be set.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:         3,
		InitialInterval:     20 * time.Millisecond,
		MaxInterval:         500 * time.Millisecond,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// NoRetry returns a policy that never retries.
func NoRetry() *Policy {
	return &Policy{
		MaxAttempts: 1,
	}
}

// Fixed returns a policy with fixed delay between retries.
func Fixed(maxAttempts int, interval time.Duration, retryable func(error) bool) *Policy {
	return &Policy{
		MaxAttempts:     maxAttempts,
		InitialInterval: interval,
		MaxInterval:     interval,
		Multiplier:      1.0,
		Retryable:       retryable,
	}
}

// ShouldRetry reports whether another attempt may follow attempts failed
// ones ending in err.
func (p *Policy) ShouldRetry(attempts int, err error) bool {
	if err == nil || p.Retryable == nil {
		return false
	}
	if attempts >= max(p.MaxAttempts, 1) {
		return false
	}
	return p.Retryable(err)
}

// Delay calculates the wait before attempt number attempts+1.
func (p *Policy) Delay(attempts int) time.Duration {
	if attempts <= 1 {
		return p.addJitter(p.InitialInterval)
	}

	delay := float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(attempts-1))
	if p.MaxInterval > 0 && delay > float64(p.MaxInterval) {
		delay = float64(p.MaxInterval)
	}
	return p.addJitter(time.Duration(delay))
}

func (p *Policy) addJitter(delay time.Duration) time.Duration {
	if p.RandomizationFactor == 0 {
		return delay
	}
	factor := 1.0 + p.RandomizationFactor*(2*rand.Float64()-1)
	return time.Duration(float64(delay) * factor)
}

// Do runs fn until it succeeds, the policy gives up, or ctx is done. The
// error of the last attempt is returned. onRetry, if set, is called before
// each wait.
func Do(ctx context.Context, p *Policy, fn func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	if p == nil {
		p = NoRetry()
	}
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if !p.ShouldRetry(attempt, err) {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
