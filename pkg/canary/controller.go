package canary

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/tradeops/helmsman/pkg/events"
	"github.com/tradeops/helmsman/pkg/log"
	"github.com/tradeops/helmsman/pkg/metrics"
	"github.com/tradeops/helmsman/pkg/provider"
	"github.com/tradeops/helmsman/pkg/storage"
	"github.com/tradeops/helmsman/pkg/types"
)

const (
	// rampSteps is the fixed number of equal traffic steps in a ramp
	rampSteps = 5

	// defaultMonitorInterval is the cadence of the shared monitor loop
	defaultMonitorInterval = 10 * time.Second

	// callTimeout bounds every external provider call made by the monitor
	callTimeout = 5 * time.Second
)

// rampState tracks an in-flight traffic ramp for one canary
type rampState struct {
	initial int
	target  int
	done    int
}

// Controller runs zero or more concurrent canary deployments, each ramping
// traffic toward a target while a shared monitor loop checks health and
// rollback triggers.
type Controller struct {
	mu          sync.RWMutex
	deployments map[string]*types.CanaryDeployment
	ramps       map[string]*rampState
	rules       map[string]*types.TrafficRule
	triggers    []*types.RollbackTrigger
	breaches    map[string]map[int]int // deployment id -> trigger index -> consecutive breaches

	store    storage.Store
	provider provider.MetricsProvider
	broker   *events.Broker

	cron           *cron.Cron
	monitorStarted bool
	interval       time.Duration

	logger zerolog.Logger
}

// NewController creates a canary controller with the default global
// trigger set installed
func NewController(store storage.Store, metricsProvider provider.MetricsProvider, broker *events.Broker) *Controller {
	return &Controller{
		deployments: make(map[string]*types.CanaryDeployment),
		ramps:       make(map[string]*rampState),
		rules:       make(map[string]*types.TrafficRule),
		triggers:    DefaultTriggers(),
		breaches:    make(map[string]map[int]int),
		store:       store,
		provider:    metricsProvider,
		broker:      broker,
		cron:        cron.New(),
		interval:    defaultMonitorInterval,
		logger:      log.WithComponent("canary-controller"),
	}
}

// WithMonitorInterval overrides the monitor loop cadence
func (c *Controller) WithMonitorInterval(interval time.Duration) *Controller {
	c.interval = interval
	return c
}

// DefaultTriggers returns the global trigger set every controller starts
// with. Critical triggers trip on a single breaching sample.
func DefaultTriggers() []*types.RollbackTrigger {
	return []*types.RollbackTrigger{
		{Metric: types.MetricErrorRate, Operator: types.OperatorGreaterThan, Threshold: 0.05, Sustained: 1, Severity: types.SeverityCritical},
		{Metric: types.MetricDrawdown, Operator: types.OperatorGreaterThan, Threshold: 0.15, Sustained: 1, Severity: types.SeverityCritical},
		{Metric: types.MetricLatencyP99, Operator: types.OperatorGreaterThan, Threshold: 1000, Sustained: 3, Severity: types.SeverityWarning},
		{Metric: types.MetricSuccessRate, Operator: types.OperatorLessThan, Threshold: 0.90, Sustained: 3, Severity: types.SeverityWarning},
	}
}

// Launch creates a new canary deployment at the initial traffic allocation,
// installs its default traffic rules, schedules the traffic ramp and starts
// the shared monitor loop.
func (c *Controller) Launch(params *types.CanaryParams) (*types.CanaryDeployment, error) {
	if params.StrategyID == "" || params.Version == "" {
		return nil, fmt.Errorf("strategy id and version are required")
	}
	if params.InitialTraffic < 0 || params.InitialTraffic > 100 {
		return nil, fmt.Errorf("initial traffic must be 0-100, got %d", params.InitialTraffic)
	}
	if params.TargetTraffic < params.InitialTraffic || params.TargetTraffic > 100 {
		return nil, fmt.Errorf("target traffic must be %d-100, got %d", params.InitialTraffic, params.TargetTraffic)
	}

	dep := &types.CanaryDeployment{
		ID:                uuid.New().String(),
		StrategyID:        params.StrategyID,
		Version:           params.Version,
		Status:            types.CanaryStatusActive,
		TrafficAllocation: params.InitialTraffic,
		TargetTraffic:     params.TargetTraffic,
		HealthChecks:      params.HealthChecks,
		FeatureFlags:      params.FeatureFlags,
		ConfigFingerprint: params.ConfigFingerprint,
		StartedAt:         time.Now(),
	}

	c.mu.Lock()
	c.deployments[dep.ID] = dep
	c.ramps[dep.ID] = &rampState{initial: params.InitialTraffic, target: params.TargetTraffic}
	c.installDefaultRules(dep)
	c.triggers = append(c.triggers, params.Triggers...)
	rec := persistable(dep)
	c.mu.Unlock()

	if err := c.store.CreateCanary(rec); err != nil {
		return nil, fmt.Errorf("failed to persist canary: %w", err)
	}

	metrics.CanariesTotal.WithLabelValues(string(types.CanaryStatusActive)).Inc()
	metrics.CanaryTrafficAllocation.WithLabelValues(dep.ID).Set(float64(dep.TrafficAllocation))

	c.broker.Emit(events.EventCanaryLaunched, fmt.Sprintf("canary %s launched at %d%% traffic", dep.ID, dep.TrafficAllocation), map[string]string{
		"deployment_id": dep.ID,
		"strategy_id":   dep.StrategyID,
		"version":       dep.Version,
	})
	c.logger.Info().
		Str("deployment_id", dep.ID).
		Str("version", dep.Version).
		Int("initial_traffic", params.InitialTraffic).
		Int("target_traffic", params.TargetTraffic).
		Msg("canary launched")

	go c.runRamp(dep.ID, params.RampDuration)
	c.StartMonitor()

	return dep, nil
}

// installDefaultRules adds the percentage rule and the conservative
// risk-segment rule for a new deployment. Caller holds the lock.
func (c *Controller) installDefaultRules(dep *types.CanaryDeployment) {
	pct := &types.TrafficRule{
		ID:           uuid.New().String(),
		DeploymentID: dep.ID,
		Type:         types.TrafficRulePercentage,
		Percentage:   dep.TrafficAllocation,
		UpdatedAt:    time.Now(),
	}
	seg := &types.TrafficRule{
		ID:           uuid.New().String(),
		DeploymentID: dep.ID,
		Type:         types.TrafficRuleRiskSegment,
		Percentage:   dep.TrafficAllocation,
		Segment:      "low-notional",
		UpdatedAt:    time.Now(),
	}
	c.rules[pct.ID] = pct
	c.rules[seg.ID] = seg
}

// runRamp drives the traffic ramp for one deployment. The delta to the
// target is divided into rampSteps equal steps executed at
// rampDuration/rampSteps intervals.
func (c *Controller) runRamp(id string, rampDuration time.Duration) {
	if rampDuration <= 0 {
		rampDuration = rampSteps * time.Second
	}
	ticker := time.NewTicker(rampDuration / rampSteps)
	defer ticker.Stop()

	for range ticker.C {
		if !c.RampTick(id) {
			return
		}
	}
}

// RampTick advances the ramp for a deployment by one step. It returns
// false once the ramp is complete or the deployment is no longer Active.
// Allocation never decreases and never overshoots the target.
func (c *Controller) RampTick(id string) bool {
	c.mu.Lock()
	dep, ok := c.deployments[id]
	rs := c.ramps[id]
	if !ok || rs == nil || dep.Status != types.CanaryStatusActive {
		c.mu.Unlock()
		return false
	}

	rs.done++
	if rs.done > rampSteps {
		c.mu.Unlock()
		return false
	}

	alloc := rs.initial + (rs.target-rs.initial)*rs.done/rampSteps
	if alloc > rs.target {
		alloc = rs.target
	}
	if alloc > dep.TrafficAllocation {
		dep.TrafficAllocation = alloc
	}
	c.updateRules(id, dep.TrafficAllocation)
	allocation := dep.TrafficAllocation
	rec := persistable(dep)
	c.mu.Unlock()

	if err := c.store.UpdateCanary(rec); err != nil {
		c.logger.Error().Err(err).Str("deployment_id", id).Msg("failed to persist ramp step")
	}

	metrics.CanaryTrafficAllocation.WithLabelValues(id).Set(float64(allocation))
	c.broker.Emit(events.EventCanaryTrafficAdjusted, fmt.Sprintf("canary %s traffic at %d%%", id, allocation), map[string]string{
		"deployment_id": id,
		"allocation":    fmt.Sprintf("%d", allocation),
	})
	c.logger.Debug().Str("deployment_id", id).Int("allocation", allocation).Msg("ramp step applied")

	return rs.done < rampSteps
}

// updateRules sets every rule of a deployment to the given percentage.
// Caller holds the lock.
func (c *Controller) updateRules(deploymentID string, percentage int) {
	for _, rule := range c.rules {
		if rule.DeploymentID == deploymentID {
			rule.Percentage = percentage
			rule.UpdatedAt = time.Now()
		}
	}
}

// StartMonitor starts the shared monitor loop. Idempotent: only one loop
// runs regardless of how many canaries are active.
func (c *Controller) StartMonitor() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.monitorStarted {
		return
	}
	spec := fmt.Sprintf("@every %s", c.interval)
	if _, err := c.cron.AddFunc(spec, c.Tick); err != nil {
		c.logger.Error().Err(err).Msg("failed to schedule monitor loop")
		return
	}
	c.cron.Start()
	c.monitorStarted = true
	c.logger.Info().Dur("interval", c.interval).Msg("monitor loop started")
}

// Stop stops the monitor loop and waits for an in-flight tick to finish
func (c *Controller) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
}

// Tick performs one monitor pass over every active canary
func (c *Controller) Tick() {
	c.mu.RLock()
	active := make([]string, 0, len(c.deployments))
	for id, dep := range c.deployments {
		if dep.Status == types.CanaryStatusActive {
			active = append(active, id)
		}
	}
	c.mu.RUnlock()

	for _, id := range active {
		c.monitorOne(id)
	}
}

// monitorOne refreshes metrics, runs health checks and evaluates rollback
// triggers for a single deployment
func (c *Controller) monitorOne(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	snap, err := c.provider.DeploymentMetrics(ctx, id)
	cancel()
	if err != nil {
		c.logger.Warn().Err(err).Str("deployment_id", id).Msg("metrics refresh failed")
		snap = nil
	}

	c.mu.Lock()
	dep, ok := c.deployments[id]
	if !ok || dep.Status != types.CanaryStatusActive {
		c.mu.Unlock()
		return
	}
	if snap != nil {
		dep.Metrics = snap
		dep.SampleCount++
		// Paired-sample significance approaches 1.0 asymptotically
		dep.Significance = float64(dep.SampleCount) / float64(dep.SampleCount+20)
	}
	checks := dep.HealthChecks
	c.mu.Unlock()

	if snap != nil {
		c.broker.Emit(events.EventCanaryMetricsUpdated, fmt.Sprintf("canary %s metrics refreshed", id), map[string]string{
			"deployment_id": id,
		})
	}

	c.runHealthChecks(id, checks)

	if snap != nil {
		if fired := c.evaluateTriggers(id, snap); len(fired) > 0 {
			reason := fmt.Sprintf("critical triggers fired: %s", strings.Join(fired, "; "))
			if err := c.Rollback(id, reason); err != nil {
				c.logger.Error().Err(err).Str("deployment_id", id).Msg("automatic rollback failed")
			}
		}
	}

	c.mu.RLock()
	rec := persistable(dep)
	c.mu.RUnlock()
	if err := c.store.UpdateCanary(rec); err != nil {
		c.logger.Error().Err(err).Str("deployment_id", id).Msg("failed to persist monitor update")
	}
}

// persistable returns a deep copy of a deployment safe to hand to the
// store while monitor and ramp goroutines keep mutating the original.
// Caller holds c.mu.
func persistable(dep *types.CanaryDeployment) *types.CanaryDeployment {
	cp := *dep
	if dep.Metrics != nil {
		m := *dep.Metrics
		m.Values = make(map[string]float64, len(dep.Metrics.Values))
		for k, v := range dep.Metrics.Values {
			m.Values[k] = v
		}
		cp.Metrics = &m
	}
	if dep.HealthChecks != nil {
		cp.HealthChecks = make([]*types.HealthCheck, len(dep.HealthChecks))
		for i, hc := range dep.HealthChecks {
			h := *hc
			cp.HealthChecks[i] = &h
		}
	}
	if dep.FeatureFlags != nil {
		cp.FeatureFlags = make(map[string]bool, len(dep.FeatureFlags))
		for k, v := range dep.FeatureFlags {
			cp.FeatureFlags[k] = v
		}
	}
	return &cp
}

// runHealthChecks executes every health check for a deployment. Check
// execution errors count as a failure for that check and never abort the
// monitor pass. Unhealthy requires 3 consecutive failures; any success
// resets the counter.
func (c *Controller) runHealthChecks(id string, checks []*types.HealthCheck) {
	for _, hc := range checks {
		timeout := hc.Timeout
		if timeout <= 0 {
			timeout = callTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		up, err := c.provider.EndpointHealth(ctx, hc.Endpoint)
		cancel()

		failed := err != nil || !up

		c.mu.Lock()
		if failed {
			hc.ConsecutiveFailures++
			if hc.ConsecutiveFailures >= 3 {
				hc.Status = types.HealthStateUnhealthy
			} else {
				hc.Status = types.HealthStateDegraded
			}
		} else {
			hc.ConsecutiveFailures = 0
			hc.Status = types.HealthStateHealthy
		}
		c.mu.Unlock()

		if failed {
			metrics.HealthCheckFailuresTotal.WithLabelValues(hc.Name).Inc()
			c.broker.Emit(events.EventCanaryHealthCheckFailed, fmt.Sprintf("health check %s failed for canary %s", hc.Name, id), map[string]string{
				"deployment_id": id,
				"check":         hc.Name,
			})
			c.logger.Warn().
				Str("deployment_id", id).
				Str("check", hc.Name).
				Int("consecutive_failures", hc.ConsecutiveFailures).
				Err(err).
				Msg("health check failed")
		}
	}
}

// evaluateTriggers checks every rollback trigger against the snapshot and
// returns descriptions of the Critical triggers that fired. Triggers
// referencing metrics absent from the snapshot are skipped. A trigger with
// Sustained > 1 requires that many consecutive breaching samples.
func (c *Controller) evaluateTriggers(id string, snap *types.MetricsSnapshot) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.breaches[id] == nil {
		c.breaches[id] = make(map[int]int)
	}

	var fired []string
	for i, t := range c.triggers {
		value, ok := snap.Values[t.Metric]
		if !ok {
			continue
		}
		if !t.Breached(value) {
			c.breaches[id][i] = 0
			continue
		}

		c.breaches[id][i]++
		metrics.TriggerTripsTotal.WithLabelValues(t.Metric, string(t.Severity)).Inc()

		sustained := t.Sustained
		if sustained < 1 {
			sustained = 1
		}
		if c.breaches[id][i] < sustained {
			continue
		}

		desc := fmt.Sprintf("%s %s %g (value %g)", t.Metric, t.Operator, t.Threshold, value)
		if t.Severity == types.SeverityCritical {
			fired = append(fired, desc)
		} else {
			c.logger.Warn().Str("deployment_id", id).Str("trigger", desc).Msg("warning trigger fired")
		}
	}
	sort.Strings(fired)
	return fired
}

// Rollback marks a canary as rolled back and zeroes its traffic. No-op
// when the deployment has already reached a terminal state.
func (c *Controller) Rollback(id, reason string) error {
	c.mu.Lock()
	dep, ok := c.deployments[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("canary not found: %s", id)
	}
	if dep.Status != types.CanaryStatusActive {
		c.mu.Unlock()
		return nil
	}
	dep.Status = types.CanaryStatusRolledBack
	dep.TrafficAllocation = 0
	dep.Reason = reason
	dep.EndedAt = time.Now()
	c.updateRules(id, 0)
	delete(c.ramps, id)
	rec := persistable(dep)
	c.mu.Unlock()

	if err := c.store.UpdateCanary(rec); err != nil {
		return fmt.Errorf("failed to persist rollback: %w", err)
	}

	metrics.CanariesTotal.WithLabelValues(string(types.CanaryStatusActive)).Dec()
	metrics.CanariesTotal.WithLabelValues(string(types.CanaryStatusRolledBack)).Inc()
	metrics.CanaryTrafficAllocation.WithLabelValues(id).Set(0)

	c.broker.Emit(events.EventCanaryRolledBack, fmt.Sprintf("canary %s rolled back: %s", id, reason), map[string]string{
		"deployment_id": id,
		"reason":        reason,
	})
	c.logger.Warn().Str("deployment_id", id).Str("reason", reason).Msg("canary rolled back")
	return nil
}

// Promote marks a canary as completed at full traffic. No-op when the
// deployment has already reached a terminal state.
func (c *Controller) Promote(id string) error {
	c.mu.Lock()
	dep, ok := c.deployments[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("canary not found: %s", id)
	}
	if dep.Status != types.CanaryStatusActive {
		c.mu.Unlock()
		return nil
	}
	dep.Status = types.CanaryStatusCompleted
	dep.TrafficAllocation = 100
	dep.EndedAt = time.Now()
	c.updateRules(id, 100)
	delete(c.ramps, id)
	rec := persistable(dep)
	c.mu.Unlock()

	if err := c.store.UpdateCanary(rec); err != nil {
		return fmt.Errorf("failed to persist promotion: %w", err)
	}

	metrics.CanariesTotal.WithLabelValues(string(types.CanaryStatusActive)).Dec()
	metrics.CanariesTotal.WithLabelValues(string(types.CanaryStatusCompleted)).Inc()
	metrics.CanaryTrafficAllocation.WithLabelValues(id).Set(100)

	c.broker.Emit(events.EventCanaryPromoted, fmt.Sprintf("canary %s promoted to full traffic", id), map[string]string{
		"deployment_id": id,
	})
	c.logger.Info().Str("deployment_id", id).Msg("canary promoted")
	return nil
}

// Fail marks a canary as failed and zeroes its traffic. Used by operators
// when a canary must be terminated without the rollback semantics.
func (c *Controller) Fail(id, reason string) error {
	c.mu.Lock()
	dep, ok := c.deployments[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("canary not found: %s", id)
	}
	if dep.Status != types.CanaryStatusActive {
		c.mu.Unlock()
		return nil
	}
	dep.Status = types.CanaryStatusFailed
	dep.TrafficAllocation = 0
	dep.Reason = reason
	dep.EndedAt = time.Now()
	c.updateRules(id, 0)
	delete(c.ramps, id)
	rec := persistable(dep)
	c.mu.Unlock()

	if err := c.store.UpdateCanary(rec); err != nil {
		return fmt.Errorf("failed to persist failure: %w", err)
	}

	metrics.CanariesTotal.WithLabelValues(string(types.CanaryStatusActive)).Dec()
	metrics.CanariesTotal.WithLabelValues(string(types.CanaryStatusFailed)).Inc()
	metrics.CanaryTrafficAllocation.WithLabelValues(id).Set(0)
	c.logger.Warn().Str("deployment_id", id).Str("reason", reason).Msg("canary failed")
	return nil
}

// Get returns a deployment by id
func (c *Controller) Get(id string) (*types.CanaryDeployment, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dep, ok := c.deployments[id]
	if !ok {
		return nil, fmt.Errorf("canary not found: %s", id)
	}
	return dep, nil
}

// List returns all deployments ordered by start time
func (c *Controller) List() []*types.CanaryDeployment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.CanaryDeployment, 0, len(c.deployments))
	for _, dep := range c.deployments {
		out = append(out, dep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Rules returns a copy of the current traffic rule table
func (c *Controller) Rules() []*types.TrafficRule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.TrafficRule, 0, len(c.rules))
	for _, rule := range c.rules {
		cp := *rule
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddTrigger appends a trigger to the global trigger set
func (c *Controller) AddTrigger(t *types.RollbackTrigger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.triggers = append(c.triggers, t)
}
