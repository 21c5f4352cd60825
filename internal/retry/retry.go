// Package retry wraps fallible operations with bounded attempts and
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrExhausted is returned (wrapping the last error) once all attempts failed.
	ErrExhausted = errors.New("retry attempts exhausted")

	// ErrBroadcastRejected marks a definitive on-chain rejection. Never retried.
	ErrBroadcastRejected = errors.New("broadcast rejected")
)

// Policy bounds how an operation is retried.
//
// The delay after failed attempt n (1-based) is Base * 2^n.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
}

const defaultBase = time.Second

// Presets. CLI execution is expensive and delegated proving runs its own
// multi-step protocol, hence the lower ceilings.
var (
	Generic   = Policy{MaxAttempts: 5, Base: defaultBase}
	CLI       = Policy{MaxAttempts: 3, Base: defaultBase}
	Delegated = Policy{MaxAttempts: 1, Base: defaultBase}
)

func (p Policy) normalize() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Base <= 0 {
		p.Base = defaultBase
	}
	return p
}

// Delay returns the wait after failed attempt n (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalize()
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	return p.Base * time.Duration(1<<uint(attempt))
}

// Op is a single attempt. attempt is 1-based.
type Op func(ctx context.Context, attempt int) error

// Do runs op until it succeeds, returns a non-retriable error, the context
// is canceled or the attempt ceiling is reached.
func Do(ctx context.Context, p Policy, op Op) error {
	p = p.normalize()

	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		if IsNoRetry(err) {
			return err
		}
		last = err
		if attempt == p.MaxAttempts {
			break
		}

		t := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w: %w", ctx.Err(), last)
		case <-t.C:
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.MaxAttempts, last)
}

// NoRetry marks err as non-retriable.
//
//	return retry.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err was wrapped with NoRetry or is a broadcast rejection.
func IsNoRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBroadcastRejected) {
		return true
	}
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
