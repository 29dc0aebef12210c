package canary

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeops/helmsman/pkg/events"
	"github.com/tradeops/helmsman/pkg/provider"
	"github.com/tradeops/helmsman/pkg/storage"
	"github.com/tradeops/helmsman/pkg/types"
)

func newTestController(t *testing.T) (*Controller, *provider.FakeMetricsProvider) {
	t.Helper()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	metricsProvider := provider.NewFakeMetricsProvider()
	ctrl := NewController(storage.NewMemoryStore(), metricsProvider, broker).
		WithMonitorInterval(time.Hour) // Ticks driven manually in tests
	t.Cleanup(ctrl.Stop)
	return ctrl, metricsProvider
}

func launchParams() *types.CanaryParams {
	return &types.CanaryParams{
		StrategyID:     "momentum-v2",
		Version:        "2.1.0",
		InitialTraffic: 5,
		TargetTraffic:  50,
		RampDuration:   time.Hour, // Keep the background ramp out of the way
	}
}

// TestLaunchValidation tests canary launch parameter validation
func TestLaunchValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*types.CanaryParams)
	}{
		{
			name:   "missing strategy id",
			mutate: func(p *types.CanaryParams) { p.StrategyID = "" },
		},
		{
			name:   "missing version",
			mutate: func(p *types.CanaryParams) { p.Version = "" },
		},
		{
			name:   "negative initial traffic",
			mutate: func(p *types.CanaryParams) { p.InitialTraffic = -1 },
		},
		{
			name:   "initial traffic above 100",
			mutate: func(p *types.CanaryParams) { p.InitialTraffic = 101 },
		},
		{
			name:   "target below initial",
			mutate: func(p *types.CanaryParams) { p.TargetTraffic = 3 },
		},
		{
			name: "target above 100",
			mutate: func(p *types.CanaryParams) {
				p.TargetTraffic = 120
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl, _ := newTestController(t)
			params := launchParams()
			tt.mutate(params)

			_, err := ctrl.Launch(params)
			assert.Error(t, err)
			assert.Empty(t, ctrl.List())
		})
	}
}

// TestRampProgression verifies the ramp advances in 5 equal monotonic
// steps and lands exactly on the target
func TestRampProgression(t *testing.T) {
	ctrl, _ := newTestController(t)

	dep, err := ctrl.Launch(launchParams())
	require.NoError(t, err)
	assert.Equal(t, 5, dep.TrafficAllocation)

	expected := []int{14, 23, 32, 41, 50}
	for i, want := range expected {
		more := ctrl.RampTick(dep.ID)
		got, _ := ctrl.Get(dep.ID)
		assert.Equal(t, want, got.TrafficAllocation, "step %d", i+1)
		if i < len(expected)-1 {
			assert.True(t, more)
		} else {
			assert.False(t, more, "ramp should report done at the target")
		}
	}

	// Further ticks never move the allocation
	assert.False(t, ctrl.RampTick(dep.ID))
	got, _ := ctrl.Get(dep.ID)
	assert.Equal(t, 50, got.TrafficAllocation)
}

// TestRampStopsOnTerminalState verifies a rolled-back canary stops ramping
func TestRampStopsOnTerminalState(t *testing.T) {
	ctrl, _ := newTestController(t)

	dep, err := ctrl.Launch(launchParams())
	require.NoError(t, err)

	require.NoError(t, ctrl.Rollback(dep.ID, "operator request"))
	assert.False(t, ctrl.RampTick(dep.ID))

	got, _ := ctrl.Get(dep.ID)
	assert.Equal(t, 0, got.TrafficAllocation)
}

// TestDefaultTriggerRollback verifies a critical error-rate breach rolls
// the canary back on a single monitor sample
func TestDefaultTriggerRollback(t *testing.T) {
	ctrl, metricsProvider := newTestController(t)

	dep, err := ctrl.Launch(launchParams())
	require.NoError(t, err)

	metricsProvider.SetMetric(dep.ID, types.MetricErrorRate, 0.08)
	ctrl.Tick()

	got, _ := ctrl.Get(dep.ID)
	assert.Equal(t, types.CanaryStatusRolledBack, got.Status)
	assert.Equal(t, 0, got.TrafficAllocation)
	assert.Contains(t, got.Reason, types.MetricErrorRate)

	// Traffic rules follow the deployment to zero
	for _, rule := range ctrl.Rules() {
		if rule.DeploymentID == dep.ID {
			assert.Equal(t, 0, rule.Percentage)
		}
	}
}

// TestDrawdownTriggerRollback verifies the max drawdown default trigger
func TestDrawdownTriggerRollback(t *testing.T) {
	ctrl, metricsProvider := newTestController(t)

	dep, err := ctrl.Launch(launchParams())
	require.NoError(t, err)

	metricsProvider.SetMetric(dep.ID, types.MetricDrawdown, 0.20)
	ctrl.Tick()

	got, _ := ctrl.Get(dep.ID)
	assert.Equal(t, types.CanaryStatusRolledBack, got.Status)
	assert.Contains(t, got.Reason, types.MetricDrawdown)
}

// TestSustainedTrigger verifies a trigger with Sustained > 1 needs that
// many consecutive breaching samples before firing
func TestSustainedTrigger(t *testing.T) {
	ctrl, metricsProvider := newTestController(t)

	dep, err := ctrl.Launch(launchParams())
	require.NoError(t, err)

	ctrl.AddTrigger(&types.RollbackTrigger{
		Metric:    types.MetricLatencyP50,
		Operator:  types.OperatorGreaterThan,
		Threshold: 100,
		Sustained: 2,
		Severity:  types.SeverityCritical,
	})

	metricsProvider.SetMetric(dep.ID, types.MetricLatencyP50, 150)
	ctrl.Tick()
	got, _ := ctrl.Get(dep.ID)
	assert.Equal(t, types.CanaryStatusActive, got.Status, "one breach should not fire a sustained=2 trigger")

	ctrl.Tick()
	got, _ = ctrl.Get(dep.ID)
	assert.Equal(t, types.CanaryStatusRolledBack, got.Status)
}

// TestSustainedTriggerResets verifies a recovery sample resets the breach
// counter
func TestSustainedTriggerResets(t *testing.T) {
	ctrl, metricsProvider := newTestController(t)

	dep, err := ctrl.Launch(launchParams())
	require.NoError(t, err)

	ctrl.AddTrigger(&types.RollbackTrigger{
		Metric:    types.MetricLatencyP50,
		Operator:  types.OperatorGreaterThan,
		Threshold: 100,
		Sustained: 2,
		Severity:  types.SeverityCritical,
	})

	metricsProvider.SetMetric(dep.ID, types.MetricLatencyP50, 150)
	ctrl.Tick()
	metricsProvider.SetMetric(dep.ID, types.MetricLatencyP50, 50)
	ctrl.Tick()
	metricsProvider.SetMetric(dep.ID, types.MetricLatencyP50, 150)
	ctrl.Tick()

	got, _ := ctrl.Get(dep.ID)
	assert.Equal(t, types.CanaryStatusActive, got.Status)
}

// TestWarningTriggerDoesNotRollBack verifies warning-severity breaches
// never trigger an automatic rollback
func TestWarningTriggerDoesNotRollBack(t *testing.T) {
	ctrl, metricsProvider := newTestController(t)

	dep, err := ctrl.Launch(launchParams())
	require.NoError(t, err)

	metricsProvider.SetMetric(dep.ID, types.MetricLatencyP99, 2000)
	for i := 0; i < 5; i++ {
		ctrl.Tick()
	}

	got, _ := ctrl.Get(dep.ID)
	assert.Equal(t, types.CanaryStatusActive, got.Status)
}

// TestAbsentMetricSkipsTrigger verifies triggers referencing metrics the
// provider never reported are skipped
func TestAbsentMetricSkipsTrigger(t *testing.T) {
	ctrl, metricsProvider := newTestController(t)

	dep, err := ctrl.Launch(launchParams())
	require.NoError(t, err)

	// Only throughput reported; error rate, drawdown etc. absent
	metricsProvider.SetMetric(dep.ID, types.MetricThroughput, 120)
	ctrl.Tick()

	got, _ := ctrl.Get(dep.ID)
	assert.Equal(t, types.CanaryStatusActive, got.Status)
}

// TestHealthCheckHysteresis verifies 3 consecutive failures flip a check
// to unhealthy and one success resets it
func TestHealthCheckHysteresis(t *testing.T) {
	ctrl, metricsProvider := newTestController(t)

	params := launchParams()
	params.HealthChecks = []*types.HealthCheck{
		{Name: "orders", Endpoint: "http://canary:9000/health"},
	}
	dep, err := ctrl.Launch(params)
	require.NoError(t, err)

	metricsProvider.SetEndpointHealth("http://canary:9000/health", false)

	ctrl.Tick()
	assert.Equal(t, types.HealthStateDegraded, dep.HealthChecks[0].Status)
	ctrl.Tick()
	assert.Equal(t, types.HealthStateDegraded, dep.HealthChecks[0].Status)
	ctrl.Tick()
	assert.Equal(t, types.HealthStateUnhealthy, dep.HealthChecks[0].Status)
	assert.Equal(t, 3, dep.HealthChecks[0].ConsecutiveFailures)

	metricsProvider.SetEndpointHealth("http://canary:9000/health", true)
	ctrl.Tick()
	assert.Equal(t, types.HealthStateHealthy, dep.HealthChecks[0].Status)
	assert.Equal(t, 0, dep.HealthChecks[0].ConsecutiveFailures)
}

// TestSignificanceGrowsWithSamples verifies the significance estimate
// approaches 1.0 as samples accumulate
func TestSignificanceGrowsWithSamples(t *testing.T) {
	ctrl, metricsProvider := newTestController(t)

	dep, err := ctrl.Launch(launchParams())
	require.NoError(t, err)
	metricsProvider.SetMetric(dep.ID, types.MetricThroughput, 100)

	for i := 0; i < 20; i++ {
		ctrl.Tick()
	}

	got, _ := ctrl.Get(dep.ID)
	assert.Equal(t, 20, got.SampleCount)
	assert.InDelta(t, 0.5, got.Significance, 1e-9)
	assert.Less(t, got.Significance, 1.0)
}

// TestTerminalTransitionsIdempotent verifies promote/rollback/fail are
// no-ops once a canary is terminal
func TestTerminalTransitionsIdempotent(t *testing.T) {
	ctrl, _ := newTestController(t)

	dep, err := ctrl.Launch(launchParams())
	require.NoError(t, err)

	require.NoError(t, ctrl.Promote(dep.ID))
	got, _ := ctrl.Get(dep.ID)
	assert.Equal(t, types.CanaryStatusCompleted, got.Status)
	assert.Equal(t, 100, got.TrafficAllocation)

	// Later transitions must not disturb the terminal state
	require.NoError(t, ctrl.Rollback(dep.ID, "too late"))
	require.NoError(t, ctrl.Fail(dep.ID, "too late"))
	got, _ = ctrl.Get(dep.ID)
	assert.Equal(t, types.CanaryStatusCompleted, got.Status)
	assert.Equal(t, 100, got.TrafficAllocation)
	assert.Empty(t, got.Reason)
}

// TestUnknownDeployment verifies operations on unknown ids fail
func TestUnknownDeployment(t *testing.T) {
	ctrl, _ := newTestController(t)

	_, err := ctrl.Get("nope")
	assert.Error(t, err)
	assert.Error(t, ctrl.Promote("nope"))
	assert.Error(t, ctrl.Rollback("nope", "x"))
}

// marshalingStore encodes records on every write the way the persistent
// store does, so the race detector catches any record handed to the store
// while the controller keeps mutating it.
type marshalingStore struct {
	*storage.MemoryStore
}

func (s *marshalingStore) CreateCanary(dep *types.CanaryDeployment) error {
	if _, err := json.Marshal(dep); err != nil {
		return err
	}
	return s.MemoryStore.CreateCanary(dep)
}

func (s *marshalingStore) UpdateCanary(dep *types.CanaryDeployment) error {
	if _, err := json.Marshal(dep); err != nil {
		return err
	}
	return s.MemoryStore.UpdateCanary(dep)
}

// TestConcurrentTickPersistence drives monitor and ramp ticks from several
// goroutines against an encoding store; the records handed to the store
// must be copies, never the live deployment
func TestConcurrentTickPersistence(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	metricsProvider := provider.NewFakeMetricsProvider()
	store := &marshalingStore{MemoryStore: storage.NewMemoryStore()}
	ctrl := NewController(store, metricsProvider, broker).
		WithMonitorInterval(time.Hour)
	t.Cleanup(ctrl.Stop)

	dep, err := ctrl.Launch(launchParams())
	require.NoError(t, err)
	metricsProvider.SetMetric(dep.ID, types.MetricThroughput, 100)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				ctrl.Tick()
				ctrl.RampTick(dep.ID)
			}
		}()
	}
	wg.Wait()

	got, _ := ctrl.Get(dep.ID)
	assert.Equal(t, types.CanaryStatusActive, got.Status)
	assert.Equal(t, 50, got.TrafficAllocation, "ramp lands on the target under concurrent ticks")
}

// TestConcurrentCanaries verifies a rollback of one canary leaves others
// untouched
func TestConcurrentCanaries(t *testing.T) {
	ctrl, metricsProvider := newTestController(t)

	first, err := ctrl.Launch(launchParams())
	require.NoError(t, err)

	params := launchParams()
	params.StrategyID = "meanrev-v1"
	second, err := ctrl.Launch(params)
	require.NoError(t, err)

	metricsProvider.SetMetric(first.ID, types.MetricErrorRate, 0.10)
	ctrl.Tick()

	got1, _ := ctrl.Get(first.ID)
	got2, _ := ctrl.Get(second.ID)
	assert.Equal(t, types.CanaryStatusRolledBack, got1.Status)
	assert.Equal(t, types.CanaryStatusActive, got2.Status)
}
