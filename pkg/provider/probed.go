package provider

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/tradeops/helmsman/pkg/probe"
	"github.com/tradeops/helmsman/pkg/types"
)

const probeTimeout = 5 * time.Second

// ProbedMetrics decorates a MetricsProvider, answering EndpointHealth
// with live probes instead of delegating to the inner provider. A
// tcp:// endpoint gets a TCP connect probe, anything else an HTTP GET.
// Metric snapshots and error rates still come from the inner provider.
// Probe hysteresis is applied by the callers (canary health checks,
// slot monitor), so each call here is a single probe.
type ProbedMetrics struct {
	inner MetricsProvider

	mu       sync.Mutex
	checkers map[string]probe.Checker
}

// NewProbedMetrics wraps a MetricsProvider with live endpoint probing
func NewProbedMetrics(inner MetricsProvider) *ProbedMetrics {
	return &ProbedMetrics{
		inner:    inner,
		checkers: make(map[string]probe.Checker),
	}
}

func (p *ProbedMetrics) DeploymentMetrics(ctx context.Context, deploymentID string) (*types.MetricsSnapshot, error) {
	return p.inner.DeploymentMetrics(ctx, deploymentID)
}

func (p *ProbedMetrics) EnvironmentErrorRate(ctx context.Context, env types.EnvironmentName) (float64, error) {
	return p.inner.EnvironmentErrorRate(ctx, env)
}

func (p *ProbedMetrics) EndpointHealth(ctx context.Context, endpoint string) (bool, error) {
	p.mu.Lock()
	checker, ok := p.checkers[endpoint]
	if !ok {
		if strings.HasPrefix(endpoint, "tcp://") {
			checker = probe.NewTCPChecker(strings.TrimPrefix(endpoint, "tcp://")).WithTimeout(probeTimeout)
		} else {
			checker = probe.NewHTTPChecker(endpoint).WithTimeout(probeTimeout)
		}
		p.checkers[endpoint] = checker
	}
	p.mu.Unlock()

	result := checker.Check(ctx)
	return result.Healthy, nil
}
