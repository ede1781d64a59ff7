// Package deadline runs blocking work under a per-attempt time limit with a
// bounded number of attempts and exponential backoff between them.
package deadline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"
)

// ErrTimeout is returned (wrapped) when an attempt exceeds Policy.Timeout.
var ErrTimeout = errors.New("deadline exceeded")

type Policy struct {
	Timeout   time.Duration // per attempt; zero = no limit
	Attempts  int           // total attempts, values < 1 mean 1
	BaseDelay time.Duration // backoff before the second attempt; zero = retry immediately
	MaxDelay  time.Duration
}

// Once is a single attempt bounded by timeout.
func Once(timeout time.Duration) Policy {
	return Policy{Timeout: timeout, Attempts: 1}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsTimeout reports whether err came from an attempt running out of time.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// Run calls fn until it succeeds, returns a Permanent error, the parent
// context ends, or the attempt budget is spent. Each call gets its own
// context derived from ctx and bounded by p.Timeout.
func Run(ctx context.Context, label string, p Policy, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, label, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call is Run for functions that produce a value.
func Call[T any](ctx context.Context, label string, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := p.retryDelay(attempt)
			log.Printf("[Deadline] %s retry %d/%d (waiting %v): %v", label, attempt, attempts-1, delay, lastErr)

			select {
			case <-ctx.Done():
				return zero, fmt.Errorf("%s cancelled: %w", label, ctx.Err())
			case <-time.After(delay):
			}
		}

		v, err := callOnce(ctx, p.Timeout, fn)
		if err == nil {
			if attempt > 0 {
				log.Printf("[Deadline] %s succeeded on attempt %d", label, attempt+1)
			}
			return v, nil
		}

		if ctx.Err() != nil {
			return zero, fmt.Errorf("%s cancelled: %w", label, ctx.Err())
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, fmt.Errorf("%s: %w", label, perm.err)
		}
		lastErr = err
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", label, attempts, lastErr)
}

func callOnce[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v, err := fn(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		var zero T
		return zero, fmt.Errorf("timed out after %v: %w (%v)", timeout, ErrTimeout, err)
	}
	return v, err
}

// retryDelay is exponential backoff with 0-25% jitter.
func (p Policy) retryDelay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}
