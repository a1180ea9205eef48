// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health provides health check and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is the result of one health check.
type Check struct {
	Name     string  `json:"name"`
	Status   Status  `json:"status"`
	Message  string  `json:"message,omitempty"`
	Critical bool    `json:"critical"`
	Duration float64 `json:"duration_ms"`
}

// CheckFunc reports a failed check with an error.
type CheckFunc func(ctx context.Context) error

type check struct {
	fn       CheckFunc
	critical bool
}

// Checker runs the registered checks on every request. A failing critical
// check makes the endpoint unhealthy, any other failing check degraded.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]check
}

// NewChecker creates a new health checker.
func NewChecker() *Checker {
	return &Checker{checks: make(map[string]check)}
}

// Register adds a health check.
func (c *Checker) Register(name string, critical bool, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check{fn: fn, critical: critical}
}

// Health runs all checks and returns the overall status with the results
// sorted by name.
func (c *Checker) Health(ctx context.Context) (Status, []Check) {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	checks := make(map[string]check, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()
	sort.Strings(names)

	overall := StatusHealthy
	results := make([]Check, 0, len(names))
	for _, name := range names {
		ch := checks[name]
		start := time.Now()
		err := ch.fn(ctx)

		res := Check{
			Name:     name,
			Status:   StatusHealthy,
			Critical: ch.critical,
			Duration: float64(time.Since(start).Microseconds()) / 1000,
		}
		if err != nil {
			res.Message = err.Error()
			res.Status = StatusDegraded
			if ch.critical {
				res.Status = StatusUnhealthy
			}
		}
		overall = worst(overall, res.Status)
		results = append(results, res)
	}

	return overall, results
}

func worst(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// HTTPHandler reports all checks. Only an unhealthy endpoint answers 503.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return c.handler(func(s Status) bool { return s != StatusUnhealthy })
}

// ReadinessHandler answers 200 only when every check passes.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return c.handler(func(s Status) bool { return s == StatusHealthy })
}

func (c *Checker) handler(ok func(Status) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, checks := c.Health(ctx)

		w.Header().Set("Content-Type", "application/json")
		if ok(status) {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": status,
			"checks": checks,
		})
	}
}

// LivenessHandler returns a simple liveness probe.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	}
}

// Mux serves /health, /live and /ready.
func (c *Checker) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/health", c.HTTPHandler())
	mux.Handle("/live", LivenessHandler())
	mux.Handle("/ready", c.ReadinessHandler())
	return mux
}
