package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tradeops/helmsman/pkg/types"
)

// FakeMetricsProvider is an in-memory MetricsProvider for tests and local
// development. All values are settable and reads are concurrency-safe.
type FakeMetricsProvider struct {
	mu         sync.RWMutex
	metrics    map[string]map[string]float64 // deploymentID -> metric values
	endpoints  map[string]bool               // endpoint -> up
	errorRates map[types.EnvironmentName]float64
}

// NewFakeMetricsProvider creates an empty fake provider
func NewFakeMetricsProvider() *FakeMetricsProvider {
	return &FakeMetricsProvider{
		metrics:    make(map[string]map[string]float64),
		endpoints:  make(map[string]bool),
		errorRates: make(map[types.EnvironmentName]float64),
	}
}

// SetMetric sets a single metric value for a deployment
func (f *FakeMetricsProvider) SetMetric(deploymentID, name string, value float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.metrics[deploymentID] == nil {
		f.metrics[deploymentID] = make(map[string]float64)
	}
	f.metrics[deploymentID][name] = value
}

// SetEndpointHealth sets the up/down state of an endpoint
func (f *FakeMetricsProvider) SetEndpointHealth(endpoint string, up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoints[endpoint] = up
}

// SetEnvironmentErrorRate sets the sampled error rate for a slot
func (f *FakeMetricsProvider) SetEnvironmentErrorRate(env types.EnvironmentName, rate float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errorRates[env] = rate
}

func (f *FakeMetricsProvider) DeploymentMetrics(ctx context.Context, deploymentID string) (*types.MetricsSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	values := make(map[string]float64, len(f.metrics[deploymentID]))
	for k, v := range f.metrics[deploymentID] {
		values[k] = v
	}
	return &types.MetricsSnapshot{Values: values, CollectedAt: time.Now()}, nil
}

func (f *FakeMetricsProvider) EndpointHealth(ctx context.Context, endpoint string) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	up, ok := f.endpoints[endpoint]
	if !ok {
		return true, nil // Unknown endpoints default to up
	}
	return up, nil
}

func (f *FakeMetricsProvider) EnvironmentErrorRate(ctx context.Context, env types.EnvironmentName) (float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.errorRates[env], nil
}

// FakeStateProvider holds one StatePayload per strategy. Restore calls
// overwrite the held state, so a capture after restore round-trips.
type FakeStateProvider struct {
	mu    sync.RWMutex
	state map[string]*types.StatePayload
}

// NewFakeStateProvider creates an empty fake state provider
func NewFakeStateProvider() *FakeStateProvider {
	return &FakeStateProvider{state: make(map[string]*types.StatePayload)}
}

// SetState seeds the current state for a strategy
func (f *FakeStateProvider) SetState(strategyID string, payload *types.StatePayload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[strategyID] = payload
}

// State returns the current payload for a strategy (nil if unseeded)
func (f *FakeStateProvider) State(strategyID string) *types.StatePayload {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state[strategyID]
}

func (f *FakeStateProvider) payload(strategyID string) *types.StatePayload {
	if f.state[strategyID] == nil {
		f.state[strategyID] = &types.StatePayload{
			Balances:      make(map[string]float64),
			Configuration: make(map[string]string),
		}
	}
	return f.state[strategyID]
}

func (f *FakeStateProvider) CapturePositions(ctx context.Context, strategyID string) ([]*types.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src := f.payload(strategyID).Positions
	out := make([]*types.Position, len(src))
	for i, p := range src {
		cp := *p
		out[i] = &cp
	}
	return out, nil
}

func (f *FakeStateProvider) CaptureOrders(ctx context.Context, strategyID string) ([]*types.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src := f.payload(strategyID).OpenOrders
	out := make([]*types.Order, len(src))
	for i, o := range src {
		cp := *o
		out[i] = &cp
	}
	return out, nil
}

func (f *FakeStateProvider) CaptureBalances(ctx context.Context, strategyID string) (map[string]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]float64)
	for k, v := range f.payload(strategyID).Balances {
		out[k] = v
	}
	return out, nil
}

func (f *FakeStateProvider) CaptureConfiguration(ctx context.Context, strategyID string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for k, v := range f.payload(strategyID).Configuration {
		out[k] = v
	}
	return out, nil
}

func (f *FakeStateProvider) CaptureModelWeights(ctx context.Context, strategyID string) (map[string]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.payload(strategyID).ModelWeights == nil {
		return nil, nil
	}
	out := make(map[string]float64)
	for k, v := range f.payload(strategyID).ModelWeights {
		out[k] = v
	}
	return out, nil
}

func (f *FakeStateProvider) RestorePositions(ctx context.Context, strategyID string, positions []*types.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payload(strategyID).Positions = positions
	return nil
}

func (f *FakeStateProvider) RestoreBalances(ctx context.Context, strategyID string, balances map[string]float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payload(strategyID).Balances = balances
	return nil
}

func (f *FakeStateProvider) RestoreConfiguration(ctx context.Context, strategyID string, config map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payload(strategyID).Configuration = config
	return nil
}

func (f *FakeStateProvider) RestoreModelWeights(ctx context.Context, strategyID string, weights map[string]float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payload(strategyID).ModelWeights = weights
	return nil
}

// FakeTradingControl is an in-memory TradingControl. Error injection per
// operation lets tests drive step failures.
type FakeTradingControl struct {
	mu           sync.RWMutex
	paused       map[string]bool
	versions     map[string]string
	pending      map[string][]*types.Order
	depVersions  map[string]string
	reversed     []string
	failOps      map[string]error
	opDelays     map[string]time.Duration
}

// NewFakeTradingControl creates an empty fake trading control
func NewFakeTradingControl() *FakeTradingControl {
	return &FakeTradingControl{
		paused:      make(map[string]bool),
		versions:    make(map[string]string),
		pending:     make(map[string][]*types.Order),
		depVersions: make(map[string]string),
		failOps:     make(map[string]error),
		opDelays:    make(map[string]time.Duration),
	}
}

// FailOp makes the named operation return the given error.
// Operation names match the interface method names.
func (f *FakeTradingControl) FailOp(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOps[op] = err
}

// DelayOp makes the named operation sleep before returning, for timeout tests
func (f *FakeTradingControl) DelayOp(op string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opDelays[op] = d
}

// SetPendingOrders seeds the pending order book for a strategy
func (f *FakeTradingControl) SetPendingOrders(strategyID string, orders []*types.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[strategyID] = orders
}

// SetDependencyVersion seeds the active version of a dependency
func (f *FakeTradingControl) SetDependencyVersion(name, version string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.depVersions[name] = version
}

// ReversedTransactions returns the transaction ids reversed so far, in order
func (f *FakeTradingControl) ReversedTransactions() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, len(f.reversed))
	copy(out, f.reversed)
	return out
}

func (f *FakeTradingControl) gate(ctx context.Context, op string) error {
	f.mu.RLock()
	err := f.failOps[op]
	delay := f.opDelays[op]
	f.mu.RUnlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *FakeTradingControl) PauseTrading(ctx context.Context, strategyID string) error {
	if err := f.gate(ctx, "PauseTrading"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused[strategyID] = true
	return nil
}

func (f *FakeTradingControl) ResumeTrading(ctx context.Context, strategyID string) error {
	if err := f.gate(ctx, "ResumeTrading"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused[strategyID] = false
	return nil
}

func (f *FakeTradingControl) IsPaused(ctx context.Context, strategyID string) (bool, error) {
	if err := f.gate(ctx, "IsPaused"); err != nil {
		return false, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.paused[strategyID], nil
}

func (f *FakeTradingControl) CancelPendingOrders(ctx context.Context, strategyID string) error {
	if err := f.gate(ctx, "CancelPendingOrders"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[strategyID] = nil
	return nil
}

func (f *FakeTradingControl) PendingOrders(ctx context.Context, strategyID string) ([]*types.Order, error) {
	if err := f.gate(ctx, "PendingOrders"); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.pending[strategyID], nil
}

func (f *FakeTradingControl) ActiveVersion(ctx context.Context, strategyID string) (string, error) {
	if err := f.gate(ctx, "ActiveVersion"); err != nil {
		return "", err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.versions[strategyID], nil
}

func (f *FakeTradingControl) SetActiveVersion(ctx context.Context, strategyID, version string) error {
	if err := f.gate(ctx, "SetActiveVersion"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[strategyID] = version
	return nil
}

func (f *FakeTradingControl) RollbackDependency(ctx context.Context, dep *types.Dependency) error {
	if err := f.gate(ctx, "RollbackDependency"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.depVersions[dep.Name] = dep.TargetVersion
	return nil
}

func (f *FakeTradingControl) RestoreDependency(ctx context.Context, dep *types.Dependency) error {
	if err := f.gate(ctx, "RestoreDependency"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.depVersions[dep.Name] = dep.CurrentVersion
	return nil
}

func (f *FakeTradingControl) DependencyVersion(ctx context.Context, name string) (string, error) {
	if err := f.gate(ctx, "DependencyVersion"); err != nil {
		return "", err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.depVersions[name]
	if !ok {
		return "", fmt.Errorf("unknown dependency: %s", name)
	}
	return v, nil
}

func (f *FakeTradingControl) ReverseTransaction(ctx context.Context, txID string) error {
	if err := f.gate(ctx, "ReverseTransaction"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reversed = append(f.reversed, txID)
	return nil
}

// FakeLoadBalancer records every weight update it receives
type FakeLoadBalancer struct {
	mu      sync.RWMutex
	blue    int
	green   int
	history [][2]int
}

// NewFakeLoadBalancer creates a load balancer with all traffic on blue
func NewFakeLoadBalancer() *FakeLoadBalancer {
	return &FakeLoadBalancer{blue: 100, green: 0}
}

func (f *FakeLoadBalancer) SetWeights(ctx context.Context, blue, green int) error {
	if blue+green != 100 {
		return fmt.Errorf("weights must sum to 100, got %d+%d", blue, green)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blue, f.green = blue, green
	f.history = append(f.history, [2]int{blue, green})
	return nil
}

// Weights returns the current blue and green weights
func (f *FakeLoadBalancer) Weights() (int, int) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.blue, f.green
}

// History returns every [blue, green] pair applied, in order
func (f *FakeLoadBalancer) History() [][2]int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([][2]int, len(f.history))
	copy(out, f.history)
	return out
}

// FakeInstanceRuntime starts and stops instances in memory and answers
// probes from a settable health map
type FakeInstanceRuntime struct {
	mu       sync.RWMutex
	healthy  map[string]bool
	startErr error
	stopErr  error
}

// NewFakeInstanceRuntime creates a runtime where every instance probes healthy
func NewFakeInstanceRuntime() *FakeInstanceRuntime {
	return &FakeInstanceRuntime{healthy: make(map[string]bool)}
}

// SetInstanceHealth sets the probe answer for one instance
func (f *FakeInstanceRuntime) SetInstanceHealth(instanceID string, healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy[instanceID] = healthy
}

// FailStart makes StartInstance return the given error
func (f *FakeInstanceRuntime) FailStart(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = err
}

func (f *FakeInstanceRuntime) StartInstance(ctx context.Context, inst *types.Instance, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	inst.Status = types.InstanceStatusRunning
	return nil
}

func (f *FakeInstanceRuntime) StopInstance(ctx context.Context, inst *types.Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	inst.Status = types.InstanceStatusStopped
	return nil
}

func (f *FakeInstanceRuntime) ProbeInstance(ctx context.Context, inst *types.Instance) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	up, ok := f.healthy[inst.ID]
	if !ok {
		return true, nil
	}
	return up, nil
}
