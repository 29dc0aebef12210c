// Package storage persists deployments, snapshots, histories and the
// transaction ledger, backed by bbolt on disk or by memory for tests.
package storage

import (
	"time"

	"github.com/tradeops/helmsman/pkg/types"
)

// Store defines the interface for orchestrator state persistence.
// Implemented by BoltStore for production and MemoryStore for tests.
type Store interface {
	// Canaries
	CreateCanary(canary *types.CanaryDeployment) error
	GetCanary(id string) (*types.CanaryDeployment, error)
	ListCanaries() ([]*types.CanaryDeployment, error)
	UpdateCanary(canary *types.CanaryDeployment) error

	// Snapshots (immutable; keyed by deployment id, latest wins)
	SaveSnapshot(snapshot *types.StateSnapshot) error
	GetSnapshot(deploymentID string) (*types.StateSnapshot, error)
	ListSnapshots() ([]*types.StateSnapshot, error)

	// Promotion history (append-only)
	AppendPromotion(record *types.PromotionRecord) error
	ListPromotions() ([]*types.PromotionRecord, error)

	// Rollback history (append-only)
	AppendRollback(result *types.RollbackResult) error
	ListRollbacks() ([]*types.RollbackResult, error)

	// Transaction ledger (bounded, append-only)
	AppendTransaction(record *types.TransactionRecord) error
	ListTransactions() ([]*types.TransactionRecord, error)
	UpdateTransaction(record *types.TransactionRecord) error
	PruneTransactions(olderThan time.Time) (int, error)

	// Utility
	Close() error
}
