package storage

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tradeops/helmsman/pkg/types"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store implementation. It is suitable for
// testing or scenarios where persistence is not required.
type MemoryStore struct {
	mu           sync.RWMutex
	canaries     map[string]*types.CanaryDeployment
	snapshots    map[string]*types.StateSnapshot
	promotions   []*types.PromotionRecord
	rollbacks    []*types.RollbackResult
	transactions map[string]*types.TransactionRecord
}

// NewMemoryStore creates a new MemoryStore instance
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		canaries:     make(map[string]*types.CanaryDeployment),
		snapshots:    make(map[string]*types.StateSnapshot),
		transactions: make(map[string]*types.TransactionRecord),
	}
}

func (s *MemoryStore) CreateCanary(canary *types.CanaryDeployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canaries[canary.ID] = canary
	return nil
}

func (s *MemoryStore) GetCanary(id string) (*types.CanaryDeployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	canary, ok := s.canaries[id]
	if !ok {
		return nil, fmt.Errorf("canary not found: %s", id)
	}
	return canary, nil
}

func (s *MemoryStore) ListCanaries() ([]*types.CanaryDeployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.CanaryDeployment, 0, len(s.canaries))
	for _, c := range s.canaries {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateCanary(canary *types.CanaryDeployment) error {
	return s.CreateCanary(canary)
}

func (s *MemoryStore) SaveSnapshot(snapshot *types.StateSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snapshot.DeploymentID] = snapshot
	return nil
}

func (s *MemoryStore) GetSnapshot(deploymentID string) (*types.StateSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot, ok := s.snapshots[deploymentID]
	if !ok {
		return nil, fmt.Errorf("snapshot not found for deployment: %s", deploymentID)
	}
	return snapshot, nil
}

func (s *MemoryStore) ListSnapshots() ([]*types.StateSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.StateSnapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) AppendPromotion(record *types.PromotionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promotions = append(s.promotions, record)
	return nil
}

func (s *MemoryStore) ListPromotions() ([]*types.PromotionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.PromotionRecord, len(s.promotions))
	copy(out, s.promotions)
	return out, nil
}

func (s *MemoryStore) AppendRollback(result *types.RollbackResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbacks = append(s.rollbacks, result)
	return nil
}

func (s *MemoryStore) ListRollbacks() ([]*types.RollbackResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.RollbackResult, len(s.rollbacks))
	copy(out, s.rollbacks)
	return out, nil
}

func (s *MemoryStore) AppendTransaction(record *types.TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions[record.ID] = record
	return nil
}

func (s *MemoryStore) ListTransactions() ([]*types.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.TransactionRecord, 0, len(s.transactions))
	for _, tx := range s.transactions {
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) UpdateTransaction(record *types.TransactionRecord) error {
	return s.AppendTransaction(record)
}

func (s *MemoryStore) PruneTransactions(olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for id, tx := range s.transactions {
		if tx.Timestamp.Before(olderThan) {
			delete(s.transactions, id)
			pruned++
		}
	}
	return pruned, nil
}

// Close is a no-op; memory stores hold no external resources
func (s *MemoryStore) Close() error {
	return nil
}
