package rollback

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tradeops/helmsman/pkg/log"
	"github.com/tradeops/helmsman/pkg/metrics"
	"github.com/tradeops/helmsman/pkg/types"
)

// Checksum computes the integrity checksum of a snapshot payload. The
// payload is serialized to canonical JSON (struct field order is fixed,
// map keys are sorted by the encoder) and hashed with SHA-256.
func Checksum(payload *types.StatePayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to serialize state payload: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifySnapshot recomputes the payload checksum and compares it against
// the one recorded at capture time
func VerifySnapshot(snapshot *types.StateSnapshot) error {
	if snapshot == nil || snapshot.Payload == nil {
		return fmt.Errorf("snapshot has no payload")
	}
	sum, err := Checksum(snapshot.Payload)
	if err != nil {
		return err
	}
	if sum != snapshot.Checksum {
		return fmt.Errorf("snapshot %s checksum mismatch: stored %s, computed %s", snapshot.ID, snapshot.Checksum, sum)
	}
	return nil
}

// CreateSnapshot captures the full strategy state through the state
// provider, stamps it with an integrity checksum, and persists it keyed by
// deployment id. A later snapshot for the same deployment replaces the
// earlier one.
func (e *Engine) CreateSnapshot(ctx context.Context, deploymentID, strategyID string) (*types.StateSnapshot, error) {
	payload, err := e.capturePayload(ctx, strategyID)
	if err != nil {
		return nil, err
	}

	sum, err := Checksum(payload)
	if err != nil {
		return nil, err
	}

	snapshot := &types.StateSnapshot{
		ID:           uuid.New().String(),
		DeploymentID: deploymentID,
		Timestamp:    time.Now(),
		Payload:      payload,
		Checksum:     sum,
	}

	if err := e.store.SaveSnapshot(snapshot); err != nil {
		return nil, fmt.Errorf("failed to persist snapshot: %w", err)
	}

	metrics.SnapshotsTotal.Inc()
	logger := log.WithStrategyID(strategyID)
	logger.Info().
		Str("snapshot_id", snapshot.ID).
		Str("deployment_id", deploymentID).
		Str("checksum", sum[:12]).
		Int("positions", len(payload.Positions)).
		Int("open_orders", len(payload.OpenOrders)).
		Msg("state snapshot captured")

	return snapshot, nil
}

func (e *Engine) capturePayload(ctx context.Context, strategyID string) (*types.StatePayload, error) {
	positions, err := e.state.CapturePositions(ctx, strategyID)
	if err != nil {
		return nil, fmt.Errorf("failed to capture positions: %w", err)
	}
	orders, err := e.state.CaptureOrders(ctx, strategyID)
	if err != nil {
		return nil, fmt.Errorf("failed to capture open orders: %w", err)
	}
	balances, err := e.state.CaptureBalances(ctx, strategyID)
	if err != nil {
		return nil, fmt.Errorf("failed to capture balances: %w", err)
	}
	config, err := e.state.CaptureConfiguration(ctx, strategyID)
	if err != nil {
		return nil, fmt.Errorf("failed to capture configuration: %w", err)
	}
	weights, err := e.state.CaptureModelWeights(ctx, strategyID)
	if err != nil {
		return nil, fmt.Errorf("failed to capture model weights: %w", err)
	}

	return &types.StatePayload{
		Positions:     positions,
		OpenOrders:    orders,
		Balances:      balances,
		Configuration: config,
		ModelWeights:  weights,
	}, nil
}
