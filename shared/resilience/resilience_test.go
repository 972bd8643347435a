package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient")

func fastRetryConfig(attempts uint) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       attempts,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func TestRetry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		failures      int
		permanent     bool
		attempts      uint
		expectErr     error
		expectedCalls int
	}{
		{name: "succeeds first time", failures: 0, attempts: 3, expectedCalls: 1},
		{name: "succeeds after retries", failures: 2, attempts: 3, expectedCalls: 3},
		{name: "exhausts attempts", failures: 5, attempts: 3, expectErr: errTransient, expectedCalls: 3},
		{name: "permanent error stops immediately", failures: 5, permanent: true, attempts: 3, expectErr: errTransient, expectedCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			calls := 0
			classify := func(err error) Classification {
				return Classification{Retryable: !tt.permanent}
			}

			result, err := Retry(context.Background(), fastRetryConfig(tt.attempts), nil, classify, func(ctx context.Context) (string, error) {
				calls++
				if calls <= tt.failures {
					return "", errTransient
				}
				return "ok", nil
			})

			if calls != tt.expectedCalls {
				t.Errorf("expected %d calls, got %d", tt.expectedCalls, calls)
			}
			if tt.expectErr != nil {
				if !errors.Is(err, tt.expectErr) {
					t.Fatalf("expected error %v, got %v", tt.expectErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result != "ok" {
				t.Errorf("expected result ok, got %q", result)
			}
		})
	}
}

func TestRetry_ProviderDirectedDelay(t *testing.T) {
	t.Parallel()

	cfg := fastRetryConfig(2)
	cfg.UseProviderBackoff = true

	calls := 0
	classify := func(err error) Classification {
		return Classification{Retryable: true, RetryAfter: time.Hour}
	}

	start := time.Now()
	_, err := Retry(context.Background(), cfg, nil, classify, func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errTransient
		}
		return 1, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("provider delay was not capped by max delay, took %s", elapsed)
	}
}

func TestRetry_CircuitOpen(t *testing.T) {
	t.Parallel()

	breaker := NewCircuitBreaker("test", 1, time.Hour)
	breaker.RecordResult(errTransient)

	calls := 0
	_, err := Retry(context.Background(), fastRetryConfig(3), breaker, nil, func(ctx context.Context) (int, error) {
		calls++
		return 1, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 0 {
		t.Errorf("expected no calls while the circuit is open, got %d", calls)
	}
}

func TestCircuitBreaker_Transitions(t *testing.T) {
	t.Parallel()

	now := time.Unix(0, 0)
	breaker := NewCircuitBreaker("test", 2, time.Minute)
	breaker.now = func() time.Time { return now }

	breaker.RecordResult(errTransient)
	if breaker.State() != CircuitClosed {
		t.Fatalf("expected closed after one failure, got %s", breaker.State())
	}

	breaker.RecordResult(errTransient)
	if breaker.State() != CircuitOpen {
		t.Fatalf("expected open after threshold, got %s", breaker.State())
	}
	if breaker.Allow() {
		t.Fatal("expected open breaker to reject calls")
	}

	now = now.Add(2 * time.Minute)
	if !breaker.Allow() {
		t.Fatal("expected breaker to allow a probe after reset timeout")
	}
	if breaker.State() != CircuitHalfOpen {
		t.Fatalf("expected half open, got %s", breaker.State())
	}

	breaker.RecordResult(nil)
	if breaker.State() != CircuitClosed {
		t.Fatalf("expected closed after successful probe, got %s", breaker.State())
	}
}
