// Package backoff provides exponential backoff and retry helpers.
package backoff

import (
	"context"
	"errors"
	"math"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
}

// Exponential calculates exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, etc.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := 100 * time.Millisecond
	maxBackoff := 5 * time.Second
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxBackoff = cfg.Max
		}
	}

	if attempt < 1 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2.0, float64(attempt-1))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	return time.Duration(backoff)
}

// Sleep waits for the backoff of attempt, returning early with ctx's error
// if ctx is done first.
func Sleep(ctx context.Context, attempt int, cfg *Config) error {
	timer := time.NewTimer(Exponential(attempt, cfg))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Permanent marks err as not worth retrying. Retry returns it unwrapped
// right away. Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Retry calls fn up to attempts times, sleeping between failures. It returns
// nil on the first success, or the last error once attempts run out.
func Retry(ctx context.Context, attempts int, cfg *Config, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == attempts {
			break
		}
		if serr := Sleep(ctx, attempt, cfg); serr != nil {
			return errors.Join(err, serr)
		}
	}
	return err
}
