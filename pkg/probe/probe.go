// Package probe provides HTTP and TCP health checkers plus the
// consecutive-threshold Status hysteresis the blue-green promoter
// applies to production instances.
package probe

import (
	"context"
	"time"
)

// CheckType represents the type of health probe
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
)

// Result represents the outcome of a single probe
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all health probes must implement
type Checker interface {
	// Check performs the probe and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of probe
	Type() CheckType
}

// Config contains common configuration for probe evaluation
type Config struct {
	// Interval is the time between probes
	Interval time.Duration

	// Timeout is the maximum time to wait for a probe to complete
	Timeout time.Duration

	// FailureThreshold is the number of consecutive failures before
	// flipping to unhealthy
	FailureThreshold int

	// SuccessThreshold is the number of consecutive successes before
	// flipping back to healthy
	SuccessThreshold int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval:         10 * time.Second,
		Timeout:          5 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 3,
	}
}

// Status tracks probe history for one target and applies hysteresis:
// exactly FailureThreshold consecutive failures flip it unhealthy, exactly
// SuccessThreshold consecutive successes flip it healthy again. Fewer do
// not change state.
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result
	Healthy              bool
	StartedAt            time.Time
}

// NewStatus creates a new Status. Targets start healthy so a fresh
// deployment is not replaced before its first probe lands.
func NewStatus() *Status {
	return &Status{
		Healthy:   true,
		StartedAt: time.Now(),
	}
}

// Update updates the status based on a new probe result
func (s *Status) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0

		if s.ConsecutiveSuccesses >= config.SuccessThreshold {
			s.Healthy = true
		}
	} else {
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0

		if s.ConsecutiveFailures >= config.FailureThreshold {
			s.Healthy = false
		}
	}
}
