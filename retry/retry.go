// Package retry provides an explicit retry policy that fallible operations
// receive as a value instead of wrapping themselves.
package retry

import (
	"context"
	"errors"
	"time"
)

// SleepFunc suspends the caller for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// BackoffFunc returns the wait before the given retry attempt (1-based).
type BackoffFunc func(attempt int) time.Duration

// Policy bounds the attempts of an operation and spaces them out.
type Policy struct {
	MaxAttempts int
	Backoff     BackoffFunc
	Sleep       SleepFunc
	// OnRetry is called before each wait with the attempt that just failed.
	OnRetry func(attempt int, err error)
}

// Exponential returns base * 2^(attempt-1), capped at max when max > 0.
func Exponential(base, max time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt <= 0 {
			attempt = 1
		}
		if base <= 0 {
			base = 100 * time.Millisecond
		}
		delay := base * time.Duration(1<<(attempt-1))
		if max > 0 && (delay > max || delay <= 0) {
			delay = max
		}
		return delay
	}
}

// Constant always waits d.
func Constant(d time.Duration) BackoffFunc {
	return func(int) time.Duration { return d }
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }

func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Do runs op until it succeeds, returns a permanent error, the context is
// cancelled, or MaxAttempts is reached. The last error is returned.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}
		err = op(ctx, attempt)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		if p.Backoff != nil {
			if sleepErr := sleep(ctx, p.Backoff(attempt)); sleepErr != nil {
				return err
			}
		}
	}
	return err
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
