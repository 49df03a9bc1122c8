package connector

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/speedwagon-io/garden/internal/config"
)

// Retry bounds the connect phase only. Nothing that has reached the controller is ever retried.
type Retry struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
}

func NewRetry(cfg *config.RetryConfig) *Retry {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Retry{
		maxAttempts:  attempts,
		initialDelay: cfg.InitialDelay,
		maxDelay:     cfg.MaxDelay,
	}
}

func (r *Retry) MaxAttempts() int {
	return r.maxAttempts
}

func (r *Retry) backOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	if r.initialDelay > 0 {
		bo.InitialInterval = r.initialDelay
	}
	if r.maxDelay > 0 {
		bo.MaxInterval = r.maxDelay
	}
	bo.RandomizationFactor = 0.1
	bo.MaxElapsedTime = 0
	bo.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(r.maxAttempts-1)), ctx)
}

// Do calls fn until it succeeds, the attempts run out or ctx is done.
func (r *Retry) Do(ctx context.Context, fn func(attempt int) error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return fn(attempt)
	}, r.backOff(ctx))
}
