// Package testutil holds helpers for tests that coordinate with goroutines.
package testutil

import (
	"sync"
	"testing"
	"time"
)

// DefaultTimeout bounds every wait that is not given its own deadline.
const DefaultTimeout = 5 * time.Second

// WaitOptions configures the polling helpers.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitOption is a functional option for the polling helpers.
type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait time.
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Timeout = d
	}
}

// WithInterval sets the polling interval (default: 5ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Interval = d
	}
}

func options(opts []WaitOption) WaitOptions {
	o := WaitOptions{Timeout: DefaultTimeout, Interval: 5 * time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Eventually polls condition until it holds, failing the test on timeout.
func Eventually(tb testing.TB, what string, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	o := options(opts)

	deadline := time.Now().Add(o.Timeout)
	for !condition() {
		if time.Now().After(deadline) {
			tb.Fatalf("timed out after %s waiting for %s", o.Timeout, what)
			return
		}
		time.Sleep(o.Interval)
	}
}

// Receive returns the next value from ch, failing the test if none
// arrives within timeout.
func Receive[T any](tb testing.TB, ch <-chan T, timeout time.Duration) T {
	tb.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		tb.Fatalf("nothing received within %s", timeout)
		var zero T
		return zero
	}
}

// Gauge counts operations in flight and remembers the highest count seen.
type Gauge struct {
	mu      sync.Mutex
	current int
	peak    int
}

// Enter marks one operation started and returns the func marking it done.
func (g *Gauge) Enter() (leave func()) {
	g.mu.Lock()
	g.current++
	if g.current > g.peak {
		g.peak = g.current
	}
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.current--
			g.mu.Unlock()
		})
	}
}

// Current returns how many operations are in flight.
func (g *Gauge) Current() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// Peak returns the highest number of operations ever in flight at once.
func (g *Gauge) Peak() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

// WaitFor blocks until n operations are in flight at once.
func (g *Gauge) WaitFor(tb testing.TB, n int, opts ...WaitOption) {
	tb.Helper()
	Eventually(tb, "operations in flight", func() bool { return g.Current() >= n }, opts...)
}
