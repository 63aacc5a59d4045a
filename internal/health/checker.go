// Package health runs preflight readiness checks against the services a run
// depends on.
package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ReadinessChecker is implemented by every dependency that can be probed.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// CheckFunc adapts a function to ReadinessChecker.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Ready(ctx context.Context) error { return f(ctx) }

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of one check.
type CheckResult struct {
	Status   Status `yaml:"status"`
	Required bool   `yaml:"required"`
	Message  string `yaml:"message,omitempty"`
}

// Response is the outcome of all checks.
type Response struct {
	Status Status                 `yaml:"status"`
	Checks map[string]CheckResult `yaml:"checks,omitempty"`
}

type namedCheck struct {
	name     string
	checker  ReadinessChecker
	required bool
}

// Checker runs named readiness checks.
type Checker struct {
	timeout time.Duration
	checks  []namedCheck
}

// NewChecker creates a checker giving each check timeout to answer.
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{timeout: timeout}
}

// Require adds a check whose failure makes the response unhealthy.
func (c *Checker) Require(name string, checker ReadinessChecker) {
	c.checks = append(c.checks, namedCheck{name: name, checker: checker, required: true})
}

// Optional adds a check whose failure only degrades the response.
func (c *Checker) Optional(name string, checker ReadinessChecker) {
	c.checks = append(c.checks, namedCheck{name: name, checker: checker})
}

// Readiness runs every check concurrently.
func (c *Checker) Readiness(ctx context.Context) *Response {
	results := make([]CheckResult, len(c.checks))

	var wg sync.WaitGroup
	for i, check := range c.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.run(ctx, check)
		}()
	}
	wg.Wait()

	response := &Response{Status: StatusHealthy, Checks: make(map[string]CheckResult, len(c.checks))}
	for i, check := range c.checks {
		res := results[i]
		response.Checks[check.name] = res
		switch {
		case res.Status == StatusHealthy:
		case check.required:
			response.Status = StatusUnhealthy
		case response.Status == StatusHealthy:
			response.Status = StatusDegraded
		}
	}
	return response
}

func (c *Checker) run(ctx context.Context, check namedCheck) CheckResult {
	if check.checker == nil {
		return CheckResult{Status: StatusUnhealthy, Required: check.required, Message: "not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := check.checker.Ready(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Required: check.required, Message: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Required: check.required}
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// Failed returns the names of failed checks in order.
func (r *Response) Failed() []string {
	var names []string
	for name, res := range r.Checks {
		if res.Status != StatusHealthy {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
