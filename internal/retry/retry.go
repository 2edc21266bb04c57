package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy configures the retry loop's attempt budget and backoff shape.
type Policy struct {
	MaxAttempts     int // total retryable failures tolerated before giving up
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool
	RetryableKinds  map[Kind]bool
}

// DefaultPolicy mirrors the source system's defaults: 3 retries (4 total
// tries), 1s initial delay doubling up to 10s, with jitter enabled.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialDelay:    time.Second,
		MaxDelay:        10 * time.Second,
		ExponentialBase: 2,
		Jitter:          true,
		RetryableKinds:  map[Kind]bool{RateLimited: true, TransientUpstream: true},
	}
}

// Delay computes the backoff delay for attempt k (0-indexed), before
// jitter is applied: min(initial * base^k, max).
func (p Policy) Delay(attempt int) time.Duration {
	raw := float64(p.InitialDelay) * math.Pow(p.ExponentialBase, float64(attempt))
	bounded := math.Min(raw, float64(p.MaxDelay))
	return time.Duration(bounded)
}

// Sleep returns the duration to actually wait for attempt k, applying
// jitter (uniform random in [0, delay]) when enabled.
func (p Policy) Sleep(attempt int) time.Duration {
	delay := p.Delay(attempt)
	if !p.Jitter || delay <= 0 {
		return delay
	}
	return time.Duration(rand.Int63n(int64(delay) + 1))
}

func (p Policy) isRetryable(k Kind) bool {
	if p.RetryableKinds == nil {
		return k.Retryable()
	}
	return p.RetryableKinds[k]
}

// Do runs fn, retrying while the classified error kind is retryable under
// the policy, up to MaxAttempts additional tries. Non-retryable and unknown
// errors short-circuit immediately. ctx cancellation is observed between
// attempts.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		classified := Classify(err)

		if !p.isRetryable(classified.Kind) {
			return classified
		}
		if attempt >= p.MaxAttempts {
			return classified
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Sleep(attempt)):
		}
	}
}
