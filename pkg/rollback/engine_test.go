package rollback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeops/helmsman/pkg/approval"
	"github.com/tradeops/helmsman/pkg/events"
	"github.com/tradeops/helmsman/pkg/provider"
	"github.com/tradeops/helmsman/pkg/storage"
	"github.com/tradeops/helmsman/pkg/types"
)

type engineFixture struct {
	engine  *Engine
	store   *storage.MemoryStore
	state   *provider.FakeStateProvider
	trading *provider.FakeTradingControl
	gate    *approval.Gate
}

func newTestEngine(t *testing.T, cfg Config) *engineFixture {
	t.Helper()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	f := &engineFixture{
		store:   storage.NewMemoryStore(),
		state:   provider.NewFakeStateProvider(),
		trading: provider.NewFakeTradingControl(),
		gate:    approval.NewGate(broker),
	}
	f.engine = NewEngine(f.store, f.state, f.trading, f.gate, broker, cfg)
	t.Cleanup(f.engine.Stop)

	f.state.SetState("strat-1", &types.StatePayload{
		Positions: []*types.Position{
			{Symbol: "AAPL", Quantity: 100, EntryPrice: 187.5},
			{Symbol: "MSFT", Quantity: -50, EntryPrice: 402.1},
		},
		OpenOrders: []*types.Order{
			{ID: "ord-1", Symbol: "AAPL", Side: "buy", Quantity: 10, Price: 186.0},
		},
		Balances:      map[string]float64{"USD": 250000.0, "EUR": 10000.0},
		Configuration: map[string]string{"max_position": "500"},
		ModelWeights:  map[string]float64{"momentum": 0.6, "meanrev": 0.4},
	})
	return f
}

func canaryTarget() *types.RollbackTarget {
	return &types.RollbackTarget{
		DeploymentID:   "dep-1",
		StrategyID:     "strat-1",
		CurrentVersion: "2.1.0",
		TargetVersion:  "2.0.0",
		Environment:    types.EnvKindCanary,
	}
}

// TestChecksumRoundTrip verifies a captured snapshot passes verification
// and any payload tampering is detected
func TestChecksumRoundTrip(t *testing.T) {
	f := newTestEngine(t, Config{})

	snapshot, err := f.engine.CreateSnapshot(context.Background(), "dep-1", "strat-1")
	require.NoError(t, err)
	assert.Len(t, snapshot.Checksum, 64)
	assert.NoError(t, VerifySnapshot(snapshot))

	snapshot.Payload.Balances["USD"] += 0.01
	assert.Error(t, VerifySnapshot(snapshot))
}

// TestSnapshotPersistence verifies snapshots are stored keyed by
// deployment and replaced by later captures
func TestSnapshotPersistence(t *testing.T) {
	f := newTestEngine(t, Config{})

	first, err := f.engine.CreateSnapshot(context.Background(), "dep-1", "strat-1")
	require.NoError(t, err)

	second, err := f.engine.CreateSnapshot(context.Background(), "dep-1", "strat-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	stored, err := f.store.GetSnapshot("dep-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, stored.ID)
}

// TestAssessRisk tests the risk classification matrix
func TestAssessRisk(t *testing.T) {
	tests := []struct {
		name     string
		target   *types.RollbackTarget
		expected types.RiskLevel
	}{
		{
			name: "production with model dependency rollback",
			target: &types.RollbackTarget{
				Environment: types.EnvKindProduction,
				Dependencies: []*types.Dependency{
					{Name: "pricing-model", Type: types.DependencyModel, RollbackRequired: true},
				},
			},
			expected: types.RiskCritical,
		},
		{
			name: "production with service dependency rollback",
			target: &types.RollbackTarget{
				Environment: types.EnvKindProduction,
				Dependencies: []*types.Dependency{
					{Name: "feed", Type: types.DependencyService, RollbackRequired: true},
				},
			},
			expected: types.RiskHigh,
		},
		{
			name: "production with model dependency not rolled back",
			target: &types.RollbackTarget{
				Environment: types.EnvKindProduction,
				Dependencies: []*types.Dependency{
					{Name: "pricing-model", Type: types.DependencyModel, RollbackRequired: false},
				},
			},
			expected: types.RiskHigh,
		},
		{
			name:     "canary",
			target:   &types.RollbackTarget{Environment: types.EnvKindCanary},
			expected: types.RiskMedium,
		},
		{
			name:     "staging",
			target:   &types.RollbackTarget{Environment: types.EnvKindStaging},
			expected: types.RiskLow,
		},
		{
			name:     "development",
			target:   &types.RollbackTarget{Environment: types.EnvKindDevelopment},
			expected: types.RiskLow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, AssessRisk(tt.target))
		})
	}
}

// TestPlanRollback verifies the derived plan shape
func TestPlanRollback(t *testing.T) {
	f := newTestEngine(t, Config{})

	plan, err := f.engine.PlanRollback(canaryTarget())
	require.NoError(t, err)
	assert.Len(t, plan.Steps, 8)
	assert.Equal(t, types.RiskMedium, plan.RiskLevel)
	assert.False(t, plan.ApprovalRequired)
	assert.Equal(t, types.PlanStatusPlanned, plan.Status)
	assert.Equal(t, 290*time.Second, plan.EstimatedDuration)

	names := make([]string, len(plan.Steps))
	for i, step := range plan.Steps {
		names[i] = step.Name
	}
	assert.Equal(t, []string{
		"pause-trading",
		"capture-safety-snapshot",
		"cancel-pending-orders",
		"rollback-dependencies",
		"rollback-strategy-version",
		"restore-state",
		"reverse-transactions",
		"resume-trading",
	}, names)
}

// TestExecuteRollbackSuccess runs the full eight-step recovery and checks
// every side effect
func TestExecuteRollbackSuccess(t *testing.T) {
	f := newTestEngine(t, Config{})
	ctx := context.Background()

	snapshot, err := f.engine.CreateSnapshot(ctx, "dep-1", "strat-1")
	require.NoError(t, err)

	// Ledger: one entry before the snapshot, two reversible after
	before := &types.TransactionRecord{ID: "tx-old", Timestamp: snapshot.Timestamp.Add(-time.Hour), Kind: "order", Reversible: true}
	mid := &types.TransactionRecord{ID: "tx-mid", Timestamp: snapshot.Timestamp.Add(time.Minute), Kind: "order", Reversible: true}
	newest := &types.TransactionRecord{ID: "tx-new", Timestamp: snapshot.Timestamp.Add(2 * time.Minute), Kind: "transfer", Reversible: true}
	fixed := &types.TransactionRecord{ID: "tx-fixed", Timestamp: snapshot.Timestamp.Add(time.Minute), Kind: "config-change", Reversible: false}
	for _, tx := range []*types.TransactionRecord{before, mid, newest, fixed} {
		require.NoError(t, f.engine.RecordTransaction(tx))
	}

	f.trading.SetPendingOrders("strat-1", []*types.Order{{ID: "ord-9", Symbol: "AAPL"}})

	target := canaryTarget()
	target.Dependencies = []*types.Dependency{
		{Name: "pricing-model", Type: types.DependencyModel, CurrentVersion: "5.1", TargetVersion: "5.0", RollbackRequired: true},
	}

	result, err := f.engine.ExecuteRollback(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, types.RollbackSuccess, result.Status)
	assert.Equal(t, 8, result.StepsCompleted)
	assert.Equal(t, 8, result.StepsTotal)
	assert.True(t, result.StateVerified)
	assert.Empty(t, result.Errors)

	// Trading resumed, orders cancelled, version and dependency reverted
	paused, _ := f.trading.IsPaused(ctx, "strat-1")
	assert.False(t, paused)
	pending, _ := f.trading.PendingOrders(ctx, "strat-1")
	assert.Empty(t, pending)
	version, _ := f.trading.ActiveVersion(ctx, "strat-1")
	assert.Equal(t, "2.0.0", version)
	depVersion, _ := f.trading.DependencyVersion(ctx, "pricing-model")
	assert.Equal(t, "5.0", depVersion)

	// Reversible post-snapshot transactions unwound newest first
	assert.Equal(t, []string{"tx-new", "tx-mid"}, f.trading.ReversedTransactions())
	all, _ := f.store.ListTransactions()
	reversed := map[string]bool{}
	for _, tx := range all {
		reversed[tx.ID] = tx.Reversed
	}
	assert.True(t, reversed["tx-new"])
	assert.True(t, reversed["tx-mid"])
	assert.False(t, reversed["tx-old"])
	assert.False(t, reversed["tx-fixed"])

	// Restored state matches the snapshot
	balances, _ := f.state.CaptureBalances(ctx, "strat-1")
	assert.InDelta(t, 250000.0, balances["USD"], 1e-9)

	history, err := f.engine.History()
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, types.RollbackSuccess, history[0].Status)
}

// TestExecuteRollbackCriticalStepAborts verifies a failing critical step
// stops the procedure: the failed cancel step leaves later steps unrun
func TestExecuteRollbackCriticalStepAborts(t *testing.T) {
	f := newTestEngine(t, Config{})
	ctx := context.Background()

	_, err := f.engine.CreateSnapshot(ctx, "dep-1", "strat-1")
	require.NoError(t, err)

	f.trading.FailOp("CancelPendingOrders", errors.New("venue unreachable"))

	result, err := f.engine.ExecuteRollback(ctx, canaryTarget())
	require.Error(t, err)
	assert.Equal(t, types.RollbackFailed, result.Status)
	assert.Equal(t, 2, result.StepsCompleted)
	assert.Equal(t, 8, result.StepsTotal)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "cancel-pending-orders")

	// Step 4+ never ran: the strategy version was never touched
	version, _ := f.trading.ActiveVersion(ctx, "strat-1")
	assert.Empty(t, version)
	// Trading is still paused from step 1; a failed rollback never resumes
	paused, _ := f.trading.IsPaused(ctx, "strat-1")
	assert.True(t, paused)
}

// TestRunStepTimeout verifies a step is cut off at its timeout even when
// the provider ignores cancellation
func TestRunStepTimeout(t *testing.T) {
	start := time.Now()
	err := runStep(context.Background(), 20*time.Millisecond, func(ctx context.Context) error {
		time.Sleep(500 * time.Millisecond)
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

// TestExecuteRollbackPartialOnReversalFailure verifies a non-critical
// failure completes the procedure with a partial outcome
func TestExecuteRollbackPartialOnReversalFailure(t *testing.T) {
	f := newTestEngine(t, Config{})
	ctx := context.Background()

	snapshot, err := f.engine.CreateSnapshot(ctx, "dep-1", "strat-1")
	require.NoError(t, err)
	require.NoError(t, f.engine.RecordTransaction(&types.TransactionRecord{
		ID: "tx-stuck", Timestamp: snapshot.Timestamp.Add(time.Minute), Kind: "order", Reversible: true,
	}))
	f.trading.FailOp("ReverseTransaction", errors.New("exchange rejected"))

	result, err := f.engine.ExecuteRollback(ctx, canaryTarget())
	require.NoError(t, err)
	assert.Equal(t, types.RollbackPartial, result.Status)
	assert.Equal(t, 7, result.StepsCompleted)
	assert.True(t, result.StateVerified)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "reverse-transactions")

	// Trading still resumed: the final critical step ran
	paused, _ := f.trading.IsPaused(ctx, "strat-1")
	assert.False(t, paused)
}

// TestDependencyCompensation verifies dependencies already reverted are
// restored when the dependency step aborts midway
func TestDependencyCompensation(t *testing.T) {
	f := newTestEngine(t, Config{})
	ctx := context.Background()

	_, err := f.engine.CreateSnapshot(ctx, "dep-1", "strat-1")
	require.NoError(t, err)

	target := canaryTarget()
	target.Dependencies = []*types.Dependency{
		{Name: "pricing-model", Type: types.DependencyModel, CurrentVersion: "5.1", TargetVersion: "5.0", RollbackRequired: true},
	}

	// Version readback diverges, failing verification after the revert
	f.trading.SetDependencyVersion("pricing-model", "5.1")
	f.trading.FailOp("DependencyVersion", errors.New("registry timeout"))

	result, err := f.engine.ExecuteRollback(ctx, target)
	require.Error(t, err)
	assert.Equal(t, types.RollbackFailed, result.Status)
	assert.Equal(t, 3, result.StepsCompleted)

	// Compensation restored the dependency to its pre-rollback version
	f.trading.FailOp("DependencyVersion", nil)
	version, _ := f.trading.DependencyVersion(ctx, "pricing-model")
	assert.Equal(t, "5.1", version)
}

// TestExecuteRollbackRequiresSnapshot verifies execution refuses to start
// without a restore source
func TestExecuteRollbackRequiresSnapshot(t *testing.T) {
	f := newTestEngine(t, Config{})

	_, err := f.engine.ExecuteRollback(context.Background(), canaryTarget())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no state snapshot")

	// Nothing ran
	paused, _ := f.trading.IsPaused(context.Background(), "strat-1")
	assert.False(t, paused)
}

// TestApprovalTimeoutFailsBeforeExecution verifies a high-risk rollback
// that nobody approves fails without running a single step
func TestApprovalTimeoutFailsBeforeExecution(t *testing.T) {
	f := newTestEngine(t, Config{ApprovalTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	_, err := f.engine.CreateSnapshot(ctx, "dep-1", "strat-1")
	require.NoError(t, err)

	target := canaryTarget()
	target.Environment = types.EnvKindProduction

	result, err := f.engine.ExecuteRollback(ctx, target)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not approved")
	assert.Equal(t, types.RollbackFailed, result.Status)
	assert.Zero(t, result.StepsCompleted)

	paused, _ := f.trading.IsPaused(ctx, "strat-1")
	assert.False(t, paused, "no step may run before approval")
}

// TestApprovedRollbackExecutes verifies an operator approval unblocks a
// high-risk rollback
func TestApprovedRollbackExecutes(t *testing.T) {
	f := newTestEngine(t, Config{ApprovalTimeout: 5 * time.Second})
	ctx := context.Background()

	_, err := f.engine.CreateSnapshot(ctx, "dep-1", "strat-1")
	require.NoError(t, err)

	target := canaryTarget()
	target.Environment = types.EnvKindProduction

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			pending := f.gate.Pending()
			if len(pending) > 0 {
				_ = f.gate.Approve(pending[0].ID, "alice")
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	result, err := f.engine.ExecuteRollback(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, types.RollbackSuccess, result.Status)
	assert.Equal(t, 8, result.StepsCompleted)
}

// TestSimulateRollback verifies the dry run narrates the plan without
// executing anything
func TestSimulateRollback(t *testing.T) {
	f := newTestEngine(t, Config{})

	target := canaryTarget()
	target.Environment = types.EnvKindProduction
	sim, err := f.engine.SimulateRollback(target)
	require.NoError(t, err)

	assert.Equal(t, types.RiskHigh, sim.Plan.RiskLevel)
	assert.True(t, sim.Plan.ApprovalRequired)
	assert.Len(t, sim.Plan.Steps, 8)
	assert.Contains(t, sim.Narrative[0], "risk level: high")
	assert.Contains(t, sim.Narrative[1], "approval required")
	assert.Contains(t, sim.Narrative[len(sim.Narrative)-1], "estimated duration")

	// Dry run: nothing touched
	paused, _ := f.trading.IsPaused(context.Background(), "strat-1")
	assert.False(t, paused)
	history, _ := f.engine.History()
	assert.Empty(t, history)
}

// TestLedgerPruning verifies retention-based ledger pruning
func TestLedgerPruning(t *testing.T) {
	f := newTestEngine(t, Config{TxRetention: 24 * time.Hour})

	require.NoError(t, f.engine.RecordTransaction(&types.TransactionRecord{
		ID: "tx-ancient", Timestamp: time.Now().Add(-48 * time.Hour), Kind: "order",
	}))
	require.NoError(t, f.engine.RecordTransaction(&types.TransactionRecord{
		ID: "tx-recent", Timestamp: time.Now().Add(-time.Hour), Kind: "order",
	}))

	pruned, err := f.engine.PruneLedger()
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	remaining, err := f.store.ListTransactions()
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "tx-recent", remaining[0].ID)
}

// TestRecordTransactionDefaults verifies id and timestamp defaulting
func TestRecordTransactionDefaults(t *testing.T) {
	f := newTestEngine(t, Config{})

	record := &types.TransactionRecord{Kind: "order", Reversible: true}
	require.NoError(t, f.engine.RecordTransaction(record))
	assert.NotEmpty(t, record.ID)
	assert.False(t, record.Timestamp.IsZero())
}
