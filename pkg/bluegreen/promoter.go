package bluegreen

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/tradeops/helmsman/pkg/events"
	"github.com/tradeops/helmsman/pkg/log"
	"github.com/tradeops/helmsman/pkg/metrics"
	"github.com/tradeops/helmsman/pkg/probe"
	"github.com/tradeops/helmsman/pkg/provider"
	"github.com/tradeops/helmsman/pkg/storage"
	"github.com/tradeops/helmsman/pkg/types"
)

const (
	// cutoverSteps is the fixed number of equal traffic steps in a cutover
	cutoverSteps = 10

	// maxErrorRate is the error-rate ceiling for both promotion validation
	// and the per-step cutover watch
	maxErrorRate = 0.01

	// minApprovals required before a promotion is accepted
	minApprovals = 2
)

// Config tunes the promoter's timing. Zero values fall back to defaults.
type Config struct {
	InstancesPerEnv int
	DeployTimeout   time.Duration // Wait for all instances healthy after deploy
	HealthInterval  time.Duration // Continuous slot health monitor cadence
	CutoverDuration time.Duration // Default total cutover duration
	DrainTimeout    time.Duration // Hold time before a drained slot is reusable
	MaxP99LatencyMs float64       // Synthetic performance check ceiling
	MinThroughput   float64       // Synthetic performance check floor
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		InstancesPerEnv: 2,
		DeployTimeout:   5 * time.Minute,
		HealthInterval:  5 * time.Second,
		CutoverDuration: 10 * time.Minute,
		DrainTimeout:    30 * time.Second,
		MaxP99LatencyMs: 500,
		MinThroughput:   1,
	}
}

// smokePaths is the fixed battery of endpoint checks run during the
// verification stage, relative to each instance
var smokePaths = []string{"/health", "/ready", "/api/v1/positions", "/api/v1/orders"}

// instanceProbe governs instance hysteresis: 3 consecutive failures flip
// an instance unhealthy, 3 consecutive successes flip it back
var instanceProbe = probe.Config{
	FailureThreshold: 3,
	SuccessThreshold: 3,
}

func instanceHealth(healthy bool) *probe.Status {
	h := probe.NewStatus()
	h.Healthy = healthy
	return h
}

// Promoter owns the two fixed production slots and executes validated,
// gradually monitored cutovers between them.
type Promoter struct {
	mu   sync.RWMutex
	envs map[types.EnvironmentName]*types.ProductionEnvironment

	store    storage.Store
	broker   *events.Broker
	lb       provider.LoadBalancer
	runtime  provider.InstanceRuntime
	provider provider.MetricsProvider

	cfg            Config
	cron           *cron.Cron
	monitorStarted bool
	promoting      bool

	logger zerolog.Logger
}

// NewPromoter creates the promoter with BLUE active at the given version
// and GREEN standing by
func NewPromoter(store storage.Store, lb provider.LoadBalancer, runtime provider.InstanceRuntime, metricsProvider provider.MetricsProvider, broker *events.Broker, initialVersion string, cfg Config) *Promoter {
	def := DefaultConfig()
	if cfg.InstancesPerEnv <= 0 {
		cfg.InstancesPerEnv = def.InstancesPerEnv
	}
	if cfg.DeployTimeout <= 0 {
		cfg.DeployTimeout = def.DeployTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.CutoverDuration <= 0 {
		cfg.CutoverDuration = def.CutoverDuration
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.MaxP99LatencyMs <= 0 {
		cfg.MaxP99LatencyMs = def.MaxP99LatencyMs
	}
	if cfg.MinThroughput <= 0 {
		cfg.MinThroughput = def.MinThroughput
	}

	p := &Promoter{
		envs:     make(map[types.EnvironmentName]*types.ProductionEnvironment),
		store:    store,
		broker:   broker,
		lb:       lb,
		runtime:  runtime,
		provider: metricsProvider,
		cfg:      cfg,
		cron:     cron.New(),
		logger:   log.WithComponent("bluegreen-promoter"),
	}
	p.envs[types.EnvironmentBlue] = newEnvironment(types.EnvironmentBlue, types.EnvStateActive, initialVersion, 100, cfg.InstancesPerEnv)
	p.envs[types.EnvironmentGreen] = newEnvironment(types.EnvironmentGreen, types.EnvStateStandby, "", 0, cfg.InstancesPerEnv)
	return p
}

func newEnvironment(name types.EnvironmentName, state types.EnvironmentState, version string, weight, instances int) *types.ProductionEnvironment {
	env := &types.ProductionEnvironment{
		Name:               name,
		State:              state,
		Version:            version,
		LoadBalancerWeight: weight,
		HealthStatus:       types.HealthStateHealthy,
	}
	basePort := 9100
	if name == types.EnvironmentGreen {
		basePort = 9200
	}
	status := types.InstanceStatusStopped
	if state == types.EnvStateActive {
		status = types.InstanceStatusRunning
	}
	for i := 0; i < instances; i++ {
		env.Instances = append(env.Instances, &types.Instance{
			ID:      fmt.Sprintf("%s-%d", name, i),
			Host:    "127.0.0.1",
			Port:    basePort + i,
			Status:  status,
			Health:  instanceHealth(state == types.EnvStateActive),
			Metrics: &types.InstanceMetrics{},
		})
	}
	return env
}

// Active returns the currently active slot
func (p *Promoter) Active() *types.ProductionEnvironment {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, env := range p.envs {
		if env.State == types.EnvStateActive {
			return env
		}
	}
	return nil
}

// Inactive returns the slot not currently serving as active
func (p *Promoter) Inactive() *types.ProductionEnvironment {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.inactiveLocked()
}

func (p *Promoter) inactiveLocked() *types.ProductionEnvironment {
	for _, env := range p.envs {
		if env.State != types.EnvStateActive {
			return env
		}
	}
	return nil
}

// Environment returns one slot by name
func (p *Promoter) Environment(name types.EnvironmentName) *types.ProductionEnvironment {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.envs[name]
}

// PromoteToProduction deploys the requested version into the inactive slot,
// verifies it, and cuts traffic over to it in monitored steps. Validation
// failures return an error before any environment mutation. Any stage
// failure records a Failed promotion and propagates the error; traffic
// weights hold at the last applied split.
func (p *Promoter) PromoteToProduction(ctx context.Context, req *types.PromotionRequest) (*types.PromotionRecord, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.promoting {
		p.mu.Unlock()
		return nil, fmt.Errorf("promotion already in progress")
	}
	p.promoting = true
	source := p.activeLocked()
	target := p.inactiveLocked()
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.promoting = false
		p.mu.Unlock()
	}()

	record := &types.PromotionRecord{
		ID:         uuid.New().String(),
		StrategyID: req.StrategyID,
		Version:    req.Version,
		SourceEnv:  source.Name,
		TargetEnv:  target.Name,
		StartedAt:  time.Now(),
	}

	p.broker.Emit(events.EventPromotionStarted, fmt.Sprintf("promoting %s to %s", req.Version, target.Name), map[string]string{
		"promotion_id": record.ID,
		"version":      req.Version,
		"target":       string(target.Name),
	})
	p.logger.Info().
		Str("promotion_id", record.ID).
		Str("version", req.Version).
		Str("target", string(target.Name)).
		Msg("promotion started")

	err := p.runPromotion(ctx, source, target, req)

	record.CompletedAt = time.Now()
	record.SourceWeight = source.LoadBalancerWeight
	record.TargetWeight = target.LoadBalancerWeight

	if err != nil {
		record.Status = types.PromotionFailed
		record.Error = err.Error()
		metrics.PromotionsTotal.WithLabelValues(string(types.PromotionFailed)).Inc()
		p.broker.Emit(events.EventPromotionFailed, fmt.Sprintf("promotion %s failed: %v", record.ID, err), map[string]string{
			"promotion_id":  record.ID,
			"source_weight": fmt.Sprintf("%d", record.SourceWeight),
			"target_weight": fmt.Sprintf("%d", record.TargetWeight),
		})
		p.logger.Error().Err(err).Str("promotion_id", record.ID).Msg("promotion failed")
	} else {
		record.Status = types.PromotionCompleted
		metrics.PromotionsTotal.WithLabelValues(string(types.PromotionCompleted)).Inc()
		p.broker.Emit(events.EventPromotionCompleted, fmt.Sprintf("promotion %s completed, %s active at %s", record.ID, target.Name, req.Version), map[string]string{
			"promotion_id": record.ID,
			"environment":  string(target.Name),
			"version":      req.Version,
		})
		p.logger.Info().Str("promotion_id", record.ID).Msg("promotion completed")
	}

	if storeErr := p.store.AppendPromotion(record); storeErr != nil {
		p.logger.Error().Err(storeErr).Str("promotion_id", record.ID).Msg("failed to persist promotion record")
	}

	return record, err
}

func (p *Promoter) activeLocked() *types.ProductionEnvironment {
	for _, env := range p.envs {
		if env.State == types.EnvStateActive {
			return env
		}
	}
	return nil
}

func validateRequest(req *types.PromotionRequest) error {
	if req == nil || req.StrategyID == "" || req.Version == "" {
		return fmt.Errorf("strategy id and version are required")
	}
	if len(req.Approvals) < minApprovals {
		return fmt.Errorf("insufficient approvals: need %d, got %d", minApprovals, len(req.Approvals))
	}
	if req.Report == nil || req.Report.Baseline == nil {
		return fmt.Errorf("validation report with performance baseline is required")
	}
	if req.Report.Baseline.ErrorRate > maxErrorRate {
		return fmt.Errorf("error rate %.4f exceeds %.2f%% limit", req.Report.Baseline.ErrorRate, maxErrorRate*100)
	}
	if req.Report.SecurityScan == nil || !req.Report.SecurityScan.Passed {
		return fmt.Errorf("security scan did not pass")
	}
	for _, dep := range req.Report.Dependencies {
		if !dep.Verified {
			return fmt.Errorf("dependency %s is not verified", dep.Name)
		}
	}
	return nil
}

// runPromotion executes the traffic-neutral stages then the cutover. The
// cutover is the only traffic-affecting stage, so a failure anywhere
// earlier leaves the source slot fully active.
func (p *Promoter) runPromotion(ctx context.Context, source, target *types.ProductionEnvironment, req *types.PromotionRequest) error {
	if err := p.prepare(ctx, target, req.Version); err != nil {
		return fmt.Errorf("prepare failed: %w", err)
	}
	if err := p.deploy(ctx, target); err != nil {
		return fmt.Errorf("deploy failed: %w", err)
	}
	if err := p.verify(ctx, target); err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}

	duration := req.CutoverDuration
	if duration < 0 {
		duration = 0
	} else if duration == 0 {
		duration = p.cfg.CutoverDuration
	}
	if err := p.cutover(ctx, source, target, duration); err != nil {
		return fmt.Errorf("cutover aborted: %w", err)
	}

	p.drain(source)
	return nil
}

// prepare transitions the target slot to Deploying, gracefully stops its
// existing instances one at a time, and stamps the new version
func (p *Promoter) prepare(ctx context.Context, target *types.ProductionEnvironment, version string) error {
	p.mu.Lock()
	target.State = types.EnvStateDeploying
	instances := target.Instances
	p.mu.Unlock()

	for _, inst := range instances {
		if inst.Status != types.InstanceStatusRunning {
			continue
		}
		p.setInstanceStatus(inst, types.InstanceStatusStopping)
		if err := p.runtime.StopInstance(ctx, inst); err != nil {
			return fmt.Errorf("failed to stop instance %s: %w", inst.ID, err)
		}
		p.setInstanceStatus(inst, types.InstanceStatusStopped)
	}

	p.mu.Lock()
	target.Version = version
	p.mu.Unlock()
	return nil
}

func (p *Promoter) setInstanceStatus(inst *types.Instance, status types.InstanceStatus) {
	p.mu.Lock()
	inst.Status = status
	p.mu.Unlock()
}

// deploy starts the target slot's instances with reset health counters and
// blocks until every instance reports healthy or the deploy timeout lapses.
// On success the slot becomes Standby, ready for verification.
func (p *Promoter) deploy(ctx context.Context, target *types.ProductionEnvironment) error {
	p.mu.Lock()
	instances := target.Instances
	version := target.Version
	p.mu.Unlock()

	for _, inst := range instances {
		p.setInstanceStatus(inst, types.InstanceStatusStarting)
		if err := p.runtime.StartInstance(ctx, inst, version); err != nil {
			return fmt.Errorf("failed to start instance %s: %w", inst.ID, err)
		}
		p.mu.Lock()
		inst.Status = types.InstanceStatusRunning
		inst.Health = instanceHealth(false)
		p.mu.Unlock()
	}

	deadline := time.Now().Add(p.cfg.DeployTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.checkEnvironment(ctx, target)
		if p.allHealthy(target) {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("instances not healthy within %s", p.cfg.DeployTimeout)
		}
		select {
		case <-time.After(p.cfg.HealthInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.mu.Lock()
	target.State = types.EnvStateStandby
	p.mu.Unlock()
	return nil
}

func (p *Promoter) allHealthy(env *types.ProductionEnvironment) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, inst := range env.Instances {
		if inst.Status == types.InstanceStatusRunning && !inst.Health.Healthy {
			return false
		}
	}
	return true
}

// verify runs the smoke battery and the synthetic performance check
// against the target slot. Any failure aborts the promotion before any
// traffic moves.
func (p *Promoter) verify(ctx context.Context, target *types.ProductionEnvironment) error {
	p.mu.RLock()
	instances := target.Instances
	name := target.Name
	p.mu.RUnlock()

	for _, inst := range instances {
		for _, path := range smokePaths {
			endpoint := fmt.Sprintf("http://%s:%d%s", inst.Host, inst.Port, path)
			up, err := p.provider.EndpointHealth(ctx, endpoint)
			if err != nil {
				return fmt.Errorf("smoke test %s errored: %w", endpoint, err)
			}
			if !up {
				return fmt.Errorf("smoke test failed: %s", endpoint)
			}
		}
	}

	snap, err := p.provider.DeploymentMetrics(ctx, string(name))
	if err != nil {
		return fmt.Errorf("performance check errored: %w", err)
	}
	if p99, ok := snap.Values[types.MetricLatencyP99]; ok && p99 > p.cfg.MaxP99LatencyMs {
		return fmt.Errorf("performance check failed: p99 latency %.1fms exceeds %.1fms", p99, p.cfg.MaxP99LatencyMs)
	}
	if tput, ok := snap.Values[types.MetricThroughput]; ok && tput < p.cfg.MinThroughput {
		return fmt.Errorf("performance check failed: throughput %.1f below %.1f", tput, p.cfg.MinThroughput)
	}
	return nil
}

// cutover shifts traffic from source to target in cutoverSteps equal
// steps over the total duration, watching the target after each step. An
// unhealthy target instance or an error rate above the limit aborts the
// cutover; already-shifted weight is left in place for the operator.
func (p *Promoter) cutover(ctx context.Context, source, target *types.ProductionEnvironment, duration time.Duration) error {
	stepInterval := duration / cutoverSteps

	for step := 1; step <= cutoverSteps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !p.cutoverStatesValid(source, target) {
			return fmt.Errorf("environment state changed during cutover")
		}

		stepStart := time.Now()
		targetWeight := step * (100 / cutoverSteps)
		sourceWeight := 100 - targetWeight

		if err := p.applyWeights(ctx, source, sourceWeight, target, targetWeight); err != nil {
			return fmt.Errorf("load balancer update failed at step %d: %w", step, err)
		}

		p.broker.Emit(events.EventPromotionTrafficShift, fmt.Sprintf("cutover step %d/%d: %s=%d%% %s=%d%%", step, cutoverSteps, source.Name, sourceWeight, target.Name, targetWeight), map[string]string{
			"step":          fmt.Sprintf("%d", step),
			"source_weight": fmt.Sprintf("%d", sourceWeight),
			"target_weight": fmt.Sprintf("%d", targetWeight),
		})
		p.logger.Info().
			Int("step", step).
			Int("source_weight", sourceWeight).
			Int("target_weight", targetWeight).
			Msg("cutover traffic shifted")

		if err := p.watchTarget(ctx, target, stepInterval); err != nil {
			return err
		}
		metrics.CutoverStepDuration.Observe(time.Since(stepStart).Seconds())
	}

	p.mu.Lock()
	source.State = types.EnvStateStandby
	target.State = types.EnvStateActive
	p.mu.Unlock()
	return nil
}

func (p *Promoter) cutoverStatesValid(source, target *types.ProductionEnvironment) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return source.State == types.EnvStateActive &&
		(target.State == types.EnvStateStandby || target.State == types.EnvStateDeploying)
}

func (p *Promoter) applyWeights(ctx context.Context, source *types.ProductionEnvironment, sourceWeight int, target *types.ProductionEnvironment, targetWeight int) error {
	blue, green := sourceWeight, targetWeight
	if source.Name == types.EnvironmentGreen {
		blue, green = targetWeight, sourceWeight
	}
	if err := p.lb.SetWeights(ctx, blue, green); err != nil {
		return err
	}

	p.mu.Lock()
	source.LoadBalancerWeight = sourceWeight
	target.LoadBalancerWeight = targetWeight
	p.mu.Unlock()

	metrics.EnvironmentWeight.WithLabelValues(string(types.EnvironmentBlue)).Set(float64(blue))
	metrics.EnvironmentWeight.WithLabelValues(string(types.EnvironmentGreen)).Set(float64(green))
	return nil
}

// watchTarget holds for the step's watch window then samples target
// health and error rate once
func (p *Promoter) watchTarget(ctx context.Context, target *types.ProductionEnvironment, window time.Duration) error {
	if window > 0 {
		select {
		case <-time.After(window):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.checkEnvironment(ctx, target)

	p.mu.RLock()
	var unhealthy string
	for _, inst := range target.Instances {
		if inst.Status == types.InstanceStatusRunning && !inst.Health.Healthy {
			unhealthy = inst.ID
			break
		}
	}
	name := target.Name
	p.mu.RUnlock()

	if unhealthy != "" {
		p.broker.Emit(events.EventPromotionInstanceUnhealthy, fmt.Sprintf("instance %s unhealthy during cutover", unhealthy), map[string]string{
			"instance_id": unhealthy,
			"environment": string(name),
		})
		return fmt.Errorf("instance %s became unhealthy", unhealthy)
	}

	rate, err := p.provider.EnvironmentErrorRate(ctx, name)
	if err != nil {
		return fmt.Errorf("error rate sample failed: %w", err)
	}
	if rate > maxErrorRate {
		return fmt.Errorf("error rate %.4f exceeds %.2f%% during cutover", rate, maxErrorRate*100)
	}
	return nil
}

// drain holds the deactivated slot so in-flight connections complete, then
// resets its connection metrics and returns it to Standby
func (p *Promoter) drain(env *types.ProductionEnvironment) {
	p.mu.Lock()
	env.State = types.EnvStateDraining
	p.mu.Unlock()

	logger := log.WithEnvironment(string(env.Name))
	logger.Info().Dur("timeout", p.cfg.DrainTimeout).Msg("draining environment")
	time.Sleep(p.cfg.DrainTimeout)

	p.mu.Lock()
	for _, inst := range env.Instances {
		inst.Metrics.ActiveConnections = 0
		inst.Metrics.RequestsPerSec = 0
	}
	env.State = types.EnvStateStandby
	p.mu.Unlock()
}

// RollbackProduction cuts traffic back to the inactive slot, which must
// already carry the target version; production rollback never redeploys.
// The full monitored cutover runs even for a rollback.
func (p *Promoter) RollbackProduction(ctx context.Context, targetVersion string) (*types.PromotionRecord, error) {
	p.mu.Lock()
	if p.promoting {
		p.mu.Unlock()
		return nil, fmt.Errorf("promotion already in progress")
	}
	source := p.activeLocked()
	target := p.inactiveLocked()
	if target == nil || target.Version != targetVersion {
		current := "<none>"
		if target != nil {
			current = target.Version
		}
		p.mu.Unlock()
		return nil, fmt.Errorf("inactive environment carries %s, not %s: rollback requires the target version to be standing by", current, targetVersion)
	}
	p.promoting = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.promoting = false
		p.mu.Unlock()
	}()

	record := &types.PromotionRecord{
		ID:        uuid.New().String(),
		Version:   targetVersion,
		SourceEnv: source.Name,
		TargetEnv: target.Name,
		StartedAt: time.Now(),
	}

	p.logger.Warn().
		Str("version", targetVersion).
		Str("target", string(target.Name)).
		Msg("production rollback started")

	err := p.cutover(ctx, source, target, p.cfg.CutoverDuration)

	record.CompletedAt = time.Now()
	record.SourceWeight = source.LoadBalancerWeight
	record.TargetWeight = target.LoadBalancerWeight

	if err != nil {
		record.Status = types.PromotionFailed
		record.Error = err.Error()
		p.broker.Emit(events.EventPromotionFailed, fmt.Sprintf("production rollback failed: %v", err), map[string]string{
			"version": targetVersion,
		})
	} else {
		p.drain(source)
		record.Status = types.PromotionCompleted
		p.broker.Emit(events.EventProductionRolledBack, fmt.Sprintf("production rolled back to %s on %s", targetVersion, target.Name), map[string]string{
			"version":     targetVersion,
			"environment": string(target.Name),
		})
	}

	if storeErr := p.store.AppendPromotion(record); storeErr != nil {
		p.logger.Error().Err(storeErr).Msg("failed to persist rollback record")
	}

	return record, err
}

// StartHealthMonitor starts the continuous slot health monitor. Idempotent.
func (p *Promoter) StartHealthMonitor() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.monitorStarted {
		return
	}
	spec := fmt.Sprintf("@every %s", p.cfg.HealthInterval)
	if _, err := p.cron.AddFunc(spec, p.HealthTick); err != nil {
		p.logger.Error().Err(err).Msg("failed to schedule health monitor")
		return
	}
	p.cron.Start()
	p.monitorStarted = true
	p.logger.Info().Dur("interval", p.cfg.HealthInterval).Msg("health monitor started")
}

// Stop stops the health monitor
func (p *Promoter) Stop() {
	ctx := p.cron.Stop()
	<-ctx.Done()
}

// HealthTick samples health for every running instance in both slots and
// recomputes slot health from the healthy-instance ratio
func (p *Promoter) HealthTick() {
	for _, name := range []types.EnvironmentName{types.EnvironmentBlue, types.EnvironmentGreen} {
		p.mu.RLock()
		env := p.envs[name]
		p.mu.RUnlock()
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HealthInterval)
		p.checkEnvironment(ctx, env)
		cancel()
	}
}

// checkEnvironment probes each running instance once, applies the
// 3-consecutive-success / 3-consecutive-failure hysteresis, and derives
// the slot health state: all healthy is Healthy, at least half is
// Degraded, below half is Unhealthy.
func (p *Promoter) checkEnvironment(ctx context.Context, env *types.ProductionEnvironment) {
	p.mu.RLock()
	instances := env.Instances
	p.mu.RUnlock()

	for _, inst := range instances {
		if inst.Status != types.InstanceStatusRunning {
			continue
		}
		up, err := p.runtime.ProbeInstance(ctx, inst)
		res := probe.Result{Healthy: err == nil && up, CheckedAt: time.Now()}
		if err != nil {
			res.Message = err.Error()
		}

		p.mu.Lock()
		h := inst.Health
		wasHealthy := h.Healthy
		h.Update(res, instanceProbe)
		flippedDown := wasHealthy && !h.Healthy
		p.mu.Unlock()

		if flippedDown {
			p.broker.Emit(events.EventPromotionInstanceUnhealthy, fmt.Sprintf("instance %s is unhealthy", inst.ID), map[string]string{
				"instance_id": inst.ID,
				"environment": string(env.Name),
			})
			p.logger.Warn().Str("instance_id", inst.ID).Str("environment", string(env.Name)).Msg("instance unhealthy")
		}
	}

	p.mu.Lock()
	running, healthy := 0, 0
	for _, inst := range env.Instances {
		if inst.Status != types.InstanceStatusRunning {
			continue
		}
		running++
		if inst.Health.Healthy {
			healthy++
		}
	}
	switch {
	case running == 0 || healthy == running:
		env.HealthStatus = types.HealthStateHealthy
	case healthy*2 >= running:
		env.HealthStatus = types.HealthStateDegraded
	default:
		env.HealthStatus = types.HealthStateUnhealthy
	}
	p.mu.Unlock()

	metrics.EnvironmentHealthyInstances.WithLabelValues(string(env.Name)).Set(float64(healthy))
}
