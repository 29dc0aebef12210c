package rollback

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/tradeops/helmsman/pkg/approval"
	"github.com/tradeops/helmsman/pkg/events"
	"github.com/tradeops/helmsman/pkg/log"
	"github.com/tradeops/helmsman/pkg/metrics"
	"github.com/tradeops/helmsman/pkg/provider"
	"github.com/tradeops/helmsman/pkg/storage"
	"github.com/tradeops/helmsman/pkg/types"
)

// balanceTolerance is the maximum absolute drift allowed per balance when
// verifying restored state against the snapshot
const balanceTolerance = 1e-4

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	ApprovalTimeout  time.Duration // Wait for operator approval on high-risk plans
	TxRetention      time.Duration // Transaction ledger retention window
	SkipVerification bool          // Skip the final state integrity check
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		ApprovalTimeout: 5 * time.Minute,
		TxRetention:     7 * 24 * time.Hour,
	}
}

// Engine plans and executes ordered, compensable rollbacks of strategy
// deployments
type Engine struct {
	mu    sync.Mutex
	plans map[string]*types.RollbackPlan

	store   storage.Store
	state   provider.StateProvider
	trading provider.TradingControl
	broker  *events.Broker
	gate    *approval.Gate

	cfg           Config
	cron          *cron.Cron
	prunerStarted bool

	logger zerolog.Logger
}

// NewEngine creates a rollback engine
func NewEngine(store storage.Store, state provider.StateProvider, trading provider.TradingControl, gate *approval.Gate, broker *events.Broker, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = def.ApprovalTimeout
	}
	if cfg.TxRetention <= 0 {
		cfg.TxRetention = def.TxRetention
	}
	return &Engine{
		plans:   make(map[string]*types.RollbackPlan),
		store:   store,
		state:   state,
		trading: trading,
		broker:  broker,
		gate:    gate,
		cfg:     cfg,
		cron:    cron.New(),
		logger:  log.WithComponent("rollback-engine"),
	}
}

// AssessRisk classifies how dangerous a rollback is. Production rollbacks
// that revert a model dependency are critical; any other production
// rollback is high; canary rollbacks are medium; everything else is low.
func AssessRisk(target *types.RollbackTarget) types.RiskLevel {
	switch target.Environment {
	case types.EnvKindProduction:
		for _, dep := range target.Dependencies {
			if dep.Type == types.DependencyModel && dep.RollbackRequired {
				return types.RiskCritical
			}
		}
		return types.RiskHigh
	case types.EnvKindCanary:
		return types.RiskMedium
	default:
		return types.RiskLow
	}
}

// stepExec pairs a plan step with its executable action and an optional
// compensation run when a later critical failure aborts the plan
type stepExec struct {
	def        *types.RollbackStep
	run        func(ctx context.Context) error
	compensate func(ctx context.Context)
}

// PlanRollback derives the ordered recovery plan for a target and
// registers it. Approval is required iff the assessed risk is high or
// critical.
func (e *Engine) PlanRollback(target *types.RollbackTarget) (*types.RollbackPlan, error) {
	if target == nil || target.DeploymentID == "" || target.StrategyID == "" {
		return nil, fmt.Errorf("rollback target requires deployment and strategy ids")
	}

	risk := AssessRisk(target)
	plan := &types.RollbackPlan{
		ID:               uuid.New().String(),
		Target:           target,
		RiskLevel:        risk,
		ApprovalRequired: risk == types.RiskHigh || risk == types.RiskCritical,
		Status:           types.PlanStatusPlanned,
		CreatedAt:        time.Now(),
	}
	for _, step := range e.buildSteps(plan, nil) {
		plan.Steps = append(plan.Steps, step.def)
		plan.EstimatedDuration += step.def.Timeout
	}

	e.mu.Lock()
	e.plans[plan.ID] = plan
	e.mu.Unlock()

	e.logger.Info().
		Str("plan_id", plan.ID).
		Str("deployment_id", target.DeploymentID).
		Str("risk_level", string(risk)).
		Bool("approval_required", plan.ApprovalRequired).
		Msg("rollback plan created")
	return plan, nil
}

// Plan returns a registered plan by id
func (e *Engine) Plan(id string) (*types.RollbackPlan, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	plan, ok := e.plans[id]
	if !ok {
		return nil, fmt.Errorf("rollback plan not found: %s", id)
	}
	return plan, nil
}

// Simulation is a dry-run description of what a rollback would do
type Simulation struct {
	Plan      *types.RollbackPlan
	Narrative []string
}

// SimulateRollback builds the plan for a target without registering or
// executing it and narrates each step
func (e *Engine) SimulateRollback(target *types.RollbackTarget) (*Simulation, error) {
	if target == nil || target.DeploymentID == "" || target.StrategyID == "" {
		return nil, fmt.Errorf("rollback target requires deployment and strategy ids")
	}

	risk := AssessRisk(target)
	plan := &types.RollbackPlan{
		ID:               uuid.New().String(),
		Target:           target,
		RiskLevel:        risk,
		ApprovalRequired: risk == types.RiskHigh || risk == types.RiskCritical,
		Status:           types.PlanStatusPlanned,
		CreatedAt:        time.Now(),
	}

	sim := &Simulation{Plan: plan}
	sim.Narrative = append(sim.Narrative, fmt.Sprintf("risk level: %s", risk))
	if plan.ApprovalRequired {
		sim.Narrative = append(sim.Narrative, "operator approval required before execution")
	}
	for i, step := range e.buildSteps(plan, nil) {
		plan.Steps = append(plan.Steps, step.def)
		plan.EstimatedDuration += step.def.Timeout
		criticality := "non-critical"
		if step.def.Critical {
			criticality = "critical"
		}
		sim.Narrative = append(sim.Narrative, fmt.Sprintf("step %d: %s (%s, timeout %s)", i+1, step.def.Name, criticality, step.def.Timeout))
	}
	sim.Narrative = append(sim.Narrative, fmt.Sprintf("estimated duration: %s", plan.EstimatedDuration))
	return sim, nil
}

// ExecuteRollback runs the full recovery procedure for a target. High-risk
// plans block on operator approval first; a rejected or expired approval
// fails the rollback before any step runs. Steps execute strictly in
// order, each under its own timeout. A critical step failure compensates
// what it can and aborts; non-critical failures are recorded and skipped.
func (e *Engine) ExecuteRollback(ctx context.Context, target *types.RollbackTarget) (*types.RollbackResult, error) {
	plan, err := e.PlanRollback(target)
	if err != nil {
		return nil, err
	}

	snapshot := target.Snapshot
	if snapshot == nil {
		snapshot, err = e.store.GetSnapshot(target.DeploymentID)
		if err != nil {
			return nil, fmt.Errorf("no state snapshot for deployment %s: %w", target.DeploymentID, err)
		}
	}

	result := &types.RollbackResult{
		PlanID:       plan.ID,
		DeploymentID: target.DeploymentID,
		StartedAt:    time.Now(),
	}

	if plan.ApprovalRequired {
		if err := e.awaitApproval(ctx, plan); err != nil {
			plan.Status = types.PlanStatusFailed
			result.Status = types.RollbackFailed
			result.CompletedAt = time.Now()
			result.Errors = append(result.Errors, err.Error())
			e.finish(result)
			return result, err
		}
	}

	plan.Status = types.PlanStatusExecuting
	steps := e.buildSteps(plan, snapshot)
	result.StepsTotal = len(steps)

	logger := log.WithDeploymentID(target.DeploymentID)
	logger.Info().
		Str("plan_id", plan.ID).
		Int("steps", len(steps)).
		Msg("rollback executing")

	aborted := false
	for i, step := range steps {
		name := step.def.Name
		e.broker.Emit(events.EventRollbackProgress, fmt.Sprintf("rollback step %d/%d: %s", i+1, len(steps), name), map[string]string{
			"plan_id": plan.ID,
			"step":    name,
		})

		if err := runStep(ctx, step.def.Timeout, step.run); err != nil {
			metrics.RollbackStepsTotal.WithLabelValues(name, "failure").Inc()
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", name, err))
			if step.def.Critical {
				logger.Error().Err(err).Str("step", name).Msg("critical rollback step failed, aborting")
				if step.compensate != nil {
					step.compensate(ctx)
				}
				aborted = true
				break
			}
			logger.Warn().Err(err).Str("step", name).Msg("non-critical rollback step failed, continuing")
			continue
		}

		metrics.RollbackStepsTotal.WithLabelValues(name, "success").Inc()
		result.StepsCompleted++
	}

	result.CompletedAt = time.Now()
	switch {
	case aborted:
		plan.Status = types.PlanStatusFailed
		result.Status = types.RollbackFailed
	default:
		verified, verifyErr := e.verifyIntegrity(ctx, target.StrategyID, snapshot)
		result.StateVerified = verified
		if verifyErr != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("integrity verification: %v", verifyErr))
		}
		if !verified || len(result.Errors) > 0 {
			plan.Status = types.PlanStatusFailed
			result.Status = types.RollbackPartial
		} else {
			plan.Status = types.PlanStatusSucceeded
			result.Status = types.RollbackSuccess
		}
	}

	e.finish(result)
	if result.Status == types.RollbackFailed {
		return result, fmt.Errorf("rollback failed after %d/%d steps", result.StepsCompleted, result.StepsTotal)
	}
	return result, nil
}

func (e *Engine) awaitApproval(ctx context.Context, plan *types.RollbackPlan) error {
	plan.Status = types.PlanStatusAwaitingApproval
	subject := fmt.Sprintf("rollback of %s to version %s", plan.Target.DeploymentID, plan.Target.TargetVersion)
	ch := e.gate.Submit(plan.ID, subject, plan.RiskLevel, e.cfg.ApprovalTimeout)

	select {
	case decision := <-ch:
		if !decision.Approved {
			reason := decision.Reason
			if reason == "" {
				reason = "rejected by " + decision.Actor
			}
			return fmt.Errorf("rollback not approved: %s", reason)
		}
		e.logger.Info().Str("plan_id", plan.ID).Str("actor", decision.Actor).Msg("rollback approved")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) finish(result *types.RollbackResult) {
	metrics.RollbacksTotal.WithLabelValues(string(result.Status)).Inc()

	if result.Status == types.RollbackSuccess {
		e.broker.Emit(events.EventRollbackCompleted, fmt.Sprintf("rollback %s succeeded, state verified: %t", result.PlanID, result.StateVerified), map[string]string{
			"plan_id":       result.PlanID,
			"deployment_id": result.DeploymentID,
		})
	} else {
		e.broker.Emit(events.EventRollbackFailed, fmt.Sprintf("rollback %s finished %s after %d/%d steps", result.PlanID, result.Status, result.StepsCompleted, result.StepsTotal), map[string]string{
			"plan_id":       result.PlanID,
			"deployment_id": result.DeploymentID,
			"status":        string(result.Status),
		})
	}

	if err := e.store.AppendRollback(result); err != nil {
		e.logger.Error().Err(err).Str("plan_id", result.PlanID).Msg("failed to persist rollback result")
	}
}

// runStep executes fn under its own timeout. The timeout holds even when
// the provider ignores context cancellation.
func runStep(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(sctx) }()

	select {
	case err := <-done:
		return err
	case <-sctx.Done():
		return fmt.Errorf("timed out after %s: %w", timeout, sctx.Err())
	}
}

// buildSteps assembles the ordered recovery procedure. The snapshot may be
// nil when only step metadata is needed (planning, simulation).
func (e *Engine) buildSteps(plan *types.RollbackPlan, snapshot *types.StateSnapshot) []*stepExec {
	target := plan.Target
	strategyID := target.StrategyID

	// Dependencies rolled back so far, for compensation on abort
	var rolledBack []*types.Dependency

	return []*stepExec{
		{
			def: &types.RollbackStep{Name: "pause-trading", Critical: true, Timeout: 10 * time.Second},
			run: func(ctx context.Context) error {
				if err := e.trading.PauseTrading(ctx, strategyID); err != nil {
					return err
				}
				paused, err := e.trading.IsPaused(ctx, strategyID)
				if err != nil {
					return fmt.Errorf("pause verification errored: %w", err)
				}
				if !paused {
					return fmt.Errorf("strategy still trading after pause")
				}
				return nil
			},
		},
		{
			def: &types.RollbackStep{Name: "capture-safety-snapshot", Critical: false, Timeout: 30 * time.Second},
			run: func(ctx context.Context) error {
				// Keyed separately so it never replaces the restore source
				_, err := e.CreateSnapshot(ctx, target.DeploymentID+"/pre-rollback", strategyID)
				return err
			},
		},
		{
			def: &types.RollbackStep{Name: "cancel-pending-orders", Critical: true, Timeout: 30 * time.Second},
			run: func(ctx context.Context) error {
				if err := e.trading.CancelPendingOrders(ctx, strategyID); err != nil {
					return err
				}
				pending, err := e.trading.PendingOrders(ctx, strategyID)
				if err != nil {
					return fmt.Errorf("pending order verification errored: %w", err)
				}
				if len(pending) > 0 {
					return fmt.Errorf("%d orders still pending after cancellation", len(pending))
				}
				return nil
			},
		},
		{
			def: &types.RollbackStep{Name: "rollback-dependencies", Critical: true, Timeout: 60 * time.Second},
			run: func(ctx context.Context) error {
				for _, dep := range target.Dependencies {
					if !dep.RollbackRequired {
						continue
					}
					if err := e.trading.RollbackDependency(ctx, dep); err != nil {
						return fmt.Errorf("dependency %s: %w", dep.Name, err)
					}
					rolledBack = append(rolledBack, dep)
					version, err := e.trading.DependencyVersion(ctx, dep.Name)
					if err != nil {
						return fmt.Errorf("dependency %s verification errored: %w", dep.Name, err)
					}
					if version != dep.TargetVersion {
						return fmt.Errorf("dependency %s at %s, expected %s", dep.Name, version, dep.TargetVersion)
					}
				}
				return nil
			},
			compensate: func(ctx context.Context) {
				for i := len(rolledBack) - 1; i >= 0; i-- {
					dep := rolledBack[i]
					if err := e.trading.RestoreDependency(ctx, dep); err != nil {
						e.logger.Error().Err(err).Str("dependency", dep.Name).Msg("dependency compensation failed")
					}
				}
			},
		},
		{
			def: &types.RollbackStep{Name: "rollback-strategy-version", Critical: true, Timeout: 30 * time.Second},
			run: func(ctx context.Context) error {
				if err := e.trading.SetActiveVersion(ctx, strategyID, target.TargetVersion); err != nil {
					return err
				}
				active, err := e.trading.ActiveVersion(ctx, strategyID)
				if err != nil {
					return fmt.Errorf("version verification errored: %w", err)
				}
				if active != target.TargetVersion {
					return fmt.Errorf("active version is %s, expected %s", active, target.TargetVersion)
				}
				return nil
			},
		},
		{
			def: &types.RollbackStep{Name: "restore-state", Critical: true, Timeout: 60 * time.Second},
			run: func(ctx context.Context) error {
				if err := VerifySnapshot(snapshot); err != nil {
					return err
				}
				payload := snapshot.Payload
				if err := e.state.RestorePositions(ctx, strategyID, payload.Positions); err != nil {
					return fmt.Errorf("failed to restore positions: %w", err)
				}
				if err := e.state.RestoreBalances(ctx, strategyID, payload.Balances); err != nil {
					return fmt.Errorf("failed to restore balances: %w", err)
				}
				if err := e.state.RestoreConfiguration(ctx, strategyID, payload.Configuration); err != nil {
					return fmt.Errorf("failed to restore configuration: %w", err)
				}
				if len(payload.ModelWeights) > 0 {
					if err := e.state.RestoreModelWeights(ctx, strategyID, payload.ModelWeights); err != nil {
						return fmt.Errorf("failed to restore model weights: %w", err)
					}
				}
				return nil
			},
		},
		{
			def: &types.RollbackStep{Name: "reverse-transactions", Critical: false, Timeout: 60 * time.Second},
			run: func(ctx context.Context) error {
				return e.reverseTransactions(ctx, snapshot)
			},
		},
		{
			def: &types.RollbackStep{Name: "resume-trading", Critical: true, Timeout: 10 * time.Second},
			run: func(ctx context.Context) error {
				if err := e.trading.ResumeTrading(ctx, strategyID); err != nil {
					return err
				}
				paused, err := e.trading.IsPaused(ctx, strategyID)
				if err != nil {
					return fmt.Errorf("resume verification errored: %w", err)
				}
				if paused {
					return fmt.Errorf("strategy still paused after resume")
				}
				return nil
			},
		},
	}
}

// reverseTransactions unwinds reversible ledger entries recorded after the
// snapshot, newest first. Individual failures are logged and skipped so
// one stuck transaction does not block the rest.
func (e *Engine) reverseTransactions(ctx context.Context, snapshot *types.StateSnapshot) error {
	all, err := e.store.ListTransactions()
	if err != nil {
		return fmt.Errorf("failed to read transaction ledger: %w", err)
	}

	var candidates []*types.TransactionRecord
	for _, tx := range all {
		if tx.Reversible && !tx.Reversed && tx.Timestamp.After(snapshot.Timestamp) {
			candidates = append(candidates, tx)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Timestamp.After(candidates[j].Timestamp) })

	failed := 0
	for _, tx := range candidates {
		if err := e.trading.ReverseTransaction(ctx, tx.ID); err != nil {
			failed++
			e.logger.Warn().Err(err).Str("tx_id", tx.ID).Str("kind", tx.Kind).Msg("failed to reverse transaction")
			continue
		}
		tx.Reversed = true
		if err := e.store.UpdateTransaction(tx); err != nil {
			e.logger.Error().Err(err).Str("tx_id", tx.ID).Msg("failed to mark transaction reversed")
		}
	}

	e.logger.Info().Int("reversed", len(candidates)-failed).Int("failed", failed).Msg("transaction reversal complete")
	if failed > 0 {
		return fmt.Errorf("%d of %d transactions could not be reversed", failed, len(candidates))
	}
	return nil
}

// verifyIntegrity compares live positions and balances against the
// snapshot. Balances may drift up to balanceTolerance. Returns true when
// verification is disabled.
func (e *Engine) verifyIntegrity(ctx context.Context, strategyID string, snapshot *types.StateSnapshot) (bool, error) {
	if e.cfg.SkipVerification {
		return true, nil
	}

	positions, err := e.state.CapturePositions(ctx, strategyID)
	if err != nil {
		return false, fmt.Errorf("failed to read positions: %w", err)
	}
	if len(positions) != len(snapshot.Payload.Positions) {
		return false, fmt.Errorf("position count %d does not match snapshot %d", len(positions), len(snapshot.Payload.Positions))
	}
	bySymbol := make(map[string]*types.Position, len(positions))
	for _, pos := range positions {
		bySymbol[pos.Symbol] = pos
	}
	for _, want := range snapshot.Payload.Positions {
		got, ok := bySymbol[want.Symbol]
		if !ok {
			return false, fmt.Errorf("position %s missing after restore", want.Symbol)
		}
		if got.Quantity != want.Quantity {
			return false, fmt.Errorf("position %s quantity %f does not match snapshot %f", want.Symbol, got.Quantity, want.Quantity)
		}
	}

	balances, err := e.state.CaptureBalances(ctx, strategyID)
	if err != nil {
		return false, fmt.Errorf("failed to read balances: %w", err)
	}
	for currency, want := range snapshot.Payload.Balances {
		got, ok := balances[currency]
		if !ok {
			return false, fmt.Errorf("balance %s missing after restore", currency)
		}
		if math.Abs(got-want) > balanceTolerance {
			return false, fmt.Errorf("balance %s drifted: %f vs snapshot %f", currency, got, want)
		}
	}

	return true, nil
}

// RecordTransaction appends a record to the bounded transaction ledger,
// assigning id and timestamp when absent
func (e *Engine) RecordTransaction(record *types.TransactionRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	return e.store.AppendTransaction(record)
}

// PruneLedger drops transactions older than the retention window
func (e *Engine) PruneLedger() (int, error) {
	pruned, err := e.store.PruneTransactions(time.Now().Add(-e.cfg.TxRetention))
	if err != nil {
		return 0, err
	}
	if pruned > 0 {
		e.logger.Info().Int("pruned", pruned).Dur("retention", e.cfg.TxRetention).Msg("transaction ledger pruned")
	}
	return pruned, nil
}

// StartPruner schedules hourly ledger pruning. Idempotent.
func (e *Engine) StartPruner() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.prunerStarted {
		return
	}
	if _, err := e.cron.AddFunc("@every 1h", func() {
		if _, err := e.PruneLedger(); err != nil {
			e.logger.Error().Err(err).Msg("ledger pruning failed")
		}
	}); err != nil {
		e.logger.Error().Err(err).Msg("failed to schedule ledger pruner")
		return
	}
	e.cron.Start()
	e.prunerStarted = true
}

// Stop stops background work
func (e *Engine) Stop() {
	ctx := e.cron.Stop()
	<-ctx.Done()
}

// History returns the append-only rollback history
func (e *Engine) History() ([]*types.RollbackResult, error) {
	return e.store.ListRollbacks()
}
