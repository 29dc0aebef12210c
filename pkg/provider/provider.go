// Package provider defines the interfaces to the trading runtime:
// metrics, strategy state capture and restore, trading control, the
// load balancer and the instance runtime. In-memory fakes back tests
// and local development.
package provider

import (
	"context"

	"github.com/tradeops/helmsman/pkg/types"
)

// MetricsProvider supplies point-in-time metric and health samples.
// Implementations wrap whatever telemetry backend the deployment runs on.
type MetricsProvider interface {
	// DeploymentMetrics returns the current metric snapshot for a deployment
	DeploymentMetrics(ctx context.Context, deploymentID string) (*types.MetricsSnapshot, error)

	// EndpointHealth reports whether an endpoint is up
	EndpointHealth(ctx context.Context, endpoint string) (bool, error)

	// EnvironmentErrorRate returns the sampled error rate for a production slot
	EnvironmentErrorRate(ctx context.Context, env types.EnvironmentName) (float64, error)
}

// StateProvider captures and restores strategy state. Captured payloads
// feed snapshots; restore operations are invoked during rollback.
type StateProvider interface {
	CapturePositions(ctx context.Context, strategyID string) ([]*types.Position, error)
	CaptureOrders(ctx context.Context, strategyID string) ([]*types.Order, error)
	CaptureBalances(ctx context.Context, strategyID string) (map[string]float64, error)
	CaptureConfiguration(ctx context.Context, strategyID string) (map[string]string, error)
	CaptureModelWeights(ctx context.Context, strategyID string) (map[string]float64, error)

	RestorePositions(ctx context.Context, strategyID string, positions []*types.Position) error
	RestoreBalances(ctx context.Context, strategyID string, balances map[string]float64) error
	RestoreConfiguration(ctx context.Context, strategyID string, config map[string]string) error
	RestoreModelWeights(ctx context.Context, strategyID string, weights map[string]float64) error
}

// TradingControl starts, stops and interrogates the strategy execution
// runtime and its dependencies
type TradingControl interface {
	PauseTrading(ctx context.Context, strategyID string) error
	ResumeTrading(ctx context.Context, strategyID string) error
	IsPaused(ctx context.Context, strategyID string) (bool, error)

	CancelPendingOrders(ctx context.Context, strategyID string) error
	PendingOrders(ctx context.Context, strategyID string) ([]*types.Order, error)

	ActiveVersion(ctx context.Context, strategyID string) (string, error)
	SetActiveVersion(ctx context.Context, strategyID, version string) error

	RollbackDependency(ctx context.Context, dep *types.Dependency) error
	RestoreDependency(ctx context.Context, dep *types.Dependency) error
	DependencyVersion(ctx context.Context, name string) (string, error)

	ReverseTransaction(ctx context.Context, txID string) error
}

// LoadBalancer shifts traffic between the two production slots.
// Blue and green weights must always sum to 100.
type LoadBalancer interface {
	SetWeights(ctx context.Context, blue, green int) error
}

// InstanceRuntime starts, stops and probes individual strategy instances
type InstanceRuntime interface {
	StartInstance(ctx context.Context, inst *types.Instance, version string) error
	StopInstance(ctx context.Context, inst *types.Instance) error
	ProbeInstance(ctx context.Context, inst *types.Instance) (bool, error)
}
