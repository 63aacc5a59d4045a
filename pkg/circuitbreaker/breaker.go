// Package circuitbreaker implements the circuit breaker pattern.
//
// A breaker tracks consecutive failures against a shared resource and, once
// they reach a threshold, fails calls fast until a cooldown has passed.
//
// States:
//   - Closed: calls allowed
//   - Open: too many failures, calls rejected
//   - HalfOpen: cooldown passed, a single probe call allowed
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Do while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the state of a circuit breaker.
type State int

const (
	Closed   State = iota // Normal operation, calls allowed
	Open                  // Failing, calls rejected
	HalfOpen              // Probing whether the resource recovered
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker guards a single resource.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int  // consecutive failures
	probing     bool // a half-open probe is in flight
	lastFailure time.Time
	threshold   int
	cooldown    time.Duration
	now         func() time.Time
}

// Config holds configuration for a circuit breaker.
type Config struct {
	Threshold int              // Failures before the breaker opens (default: 5)
	Cooldown  time.Duration    // Time before a probe is allowed (default: 30s)
	Now       func() time.Time // Clock; nil uses time.Now
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Cooldown:  30 * time.Second,
	}
}

// New creates a new circuit breaker.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		state:     Closed,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		now:       cfg.Now,
	}
}

// Allow reports whether a call should be attempted. In the half-open state
// only the first caller is admitted until its outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.lastFailure) < b.cooldown {
			return false
		}
		b.state = HalfOpen
		b.probing = true
		return true

	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true

	default:
		return true
	}
}

// RecordSuccess records a successful call and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	b.state = Closed
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()
	b.probing = false

	if b.state == HalfOpen || b.failures >= b.threshold {
		b.state = Open
	}
}

// Do runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Do(fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
