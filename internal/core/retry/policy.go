// Package retry provides the single retry policy applied at every pipeline
// stage boundary.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/artpar/fleetrunner/internal/core/domain"
	"github.com/cenkalti/backoff/v4"
)

// Policy is an exponential retry policy. MaxAttempts counts the first try.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// DefaultPolicy returns the default stage retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		Multiplier:  2.0,
		MaxDelay:    30 * time.Second,
	}
}

// Normalize fills zero fields with defaults.
func (p Policy) Normalize() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Delay returns the wait before retry number attempt (1-based):
// BaseDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.Normalize()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Budget returns the total time spent waiting between attempts when every
// attempt fails.
func (p Policy) Budget() time.Duration {
	p = p.Normalize()
	var total time.Duration
	for attempt := 1; attempt < p.MaxAttempts; attempt++ {
		total += p.Delay(attempt)
	}
	return total
}

// NewBackOff returns a backoff.BackOff following the policy without an
// attempt limit.
func (p Policy) NewBackOff() *backoff.ExponentialBackOff {
	p = p.Normalize()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Operation is one attempt. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

// Notify is called before each retry with the failed attempt's error.
type Notify func(attempt int, err error, wait time.Duration)

// Do runs op until it succeeds, returns a non-transient error, the attempts
// are exhausted or ctx is done. Only errors classified transient by
// domain.IsTransient are retried. The last error is returned.
func (p Policy) Do(ctx context.Context, op Operation, notify Notify) error {
	return p.DoIf(ctx, domain.IsTransient, op, notify)
}

// DoIf is Do with a caller supplied retry predicate.
func (p Policy) DoIf(ctx context.Context, retryable func(error) bool, op Operation, notify Notify) error {
	p = p.Normalize()

	var b backoff.BackOff = p.NewBackOff()
	b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var onRetry backoff.Notify
	if notify != nil {
		onRetry = func(err error, wait time.Duration) {
			notify(attempt, err, wait)
		}
	}

	return backoff.RetryNotify(operation, b, onRetry)
}
