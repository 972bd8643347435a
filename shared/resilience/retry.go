package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type RetryConfig struct {
	MaxAttempts        uint
	InitialDelay       time.Duration
	MaxDelay           time.Duration
	UseProviderBackoff bool
	BackoffMultiplier  float64
}

func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:        5,
		InitialDelay:       1 * time.Second,
		MaxDelay:           10 * time.Second,
		UseProviderBackoff: true,
		BackoffMultiplier:  2,
	}
}

type RetryHook interface {
	OnRetryAttempt(ctx context.Context, attempt uint, err error, nextDelay time.Duration)
	OnRetrySuccess(ctx context.Context, attempts uint, totalDuration time.Duration)
	OnRetryFailure(ctx context.Context, err error, attempts uint, totalDuration time.Duration)
}

// Classification tells Retry how to treat an error returned by an operation.
type Classification struct {
	Retryable  bool
	RetryAfter time.Duration
}

type Classifier func(err error) Classification

var ErrCircuitOpen = errors.New("circuit breaker is open")

// Retry runs op until it succeeds, the classifier marks the error as
// permanent, the attempts are exhausted or ctx is done. A nil breaker
// disables circuit breaking.
func Retry[T any](ctx context.Context, cfg *RetryConfig, breaker *CircuitBreaker, classify Classifier, op func(ctx context.Context) (T, error), hooks ...RetryHook) (T, error) {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}

	if breaker != nil && !breaker.Allow() {
		var zero T
		return zero, ErrCircuitOpen
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = cfg.InitialDelay
	expBackoff.MaxInterval = cfg.MaxDelay
	if cfg.BackoffMultiplier > 0 {
		expBackoff.Multiplier = cfg.BackoffMultiplier
	}

	start := time.Now()
	var attempts uint
	var lastErr error

	operation := func() (T, error) {
		attempts++
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		c := Classification{Retryable: true}
		if classify != nil {
			c = classify(err)
		}
		if !c.Retryable {
			return result, backoff.Permanent(err)
		}
		if cfg.UseProviderBackoff && c.RetryAfter > 0 {
			delay := c.RetryAfter
			if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
			return result, &backoff.RetryAfterError{Duration: delay}
		}
		return result, err
	}

	notify := func(_ error, next time.Duration) {
		slog.WarnContext(ctx, "retrying provider call", "attempt", attempts, "error", lastErr, "next_retry", next)
		for _, hook := range hooks {
			hook.OnRetryAttempt(ctx, attempts, lastErr, next)
		}
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 1
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(maxAttempts),
		backoff.WithNotify(notify),
	)
	if err != nil && lastErr != nil && ctx.Err() == nil {
		err = lastErr
	}

	if breaker != nil {
		breaker.RecordResult(err)
	}

	elapsed := time.Since(start)
	for _, hook := range hooks {
		if err != nil {
			hook.OnRetryFailure(ctx, err, attempts, elapsed)
		} else {
			hook.OnRetrySuccess(ctx, attempts, elapsed)
		}
	}

	return result, err
}
