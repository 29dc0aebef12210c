package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/tradeops/helmsman/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketCanaries     = []byte("canaries")
	bucketSnapshots    = []byte("snapshots")
	bucketPromotions   = []byte("promotions")
	bucketRollbacks    = []byte("rollbacks")
	bucketTransactions = []byte("transactions")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "helmsman.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketCanaries,
			bucketSnapshots,
			bucketPromotions,
			bucketRollbacks,
			bucketTransactions,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) put(bucket []byte, key string, v interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// Canary operations
func (s *BoltStore) CreateCanary(canary *types.CanaryDeployment) error {
	return s.put(bucketCanaries, canary.ID, canary)
}

func (s *BoltStore) GetCanary(id string) (*types.CanaryDeployment, error) {
	var canary types.CanaryDeployment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCanaries)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("canary not found: %s", id)
		}
		return json.Unmarshal(data, &canary)
	})
	if err != nil {
		return nil, err
	}
	return &canary, nil
}

func (s *BoltStore) ListCanaries() ([]*types.CanaryDeployment, error) {
	var canaries []*types.CanaryDeployment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCanaries)
		return b.ForEach(func(k, v []byte) error {
			var canary types.CanaryDeployment
			if err := json.Unmarshal(v, &canary); err != nil {
				return err
			}
			canaries = append(canaries, &canary)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(canaries, func(i, j int) bool {
		return canaries[i].StartedAt.Before(canaries[j].StartedAt)
	})
	return canaries, nil
}

func (s *BoltStore) UpdateCanary(canary *types.CanaryDeployment) error {
	return s.CreateCanary(canary) // Same as create (upsert)
}

// Snapshot operations
func (s *BoltStore) SaveSnapshot(snapshot *types.StateSnapshot) error {
	return s.put(bucketSnapshots, snapshot.DeploymentID, snapshot)
}

func (s *BoltStore) GetSnapshot(deploymentID string) (*types.StateSnapshot, error) {
	var snapshot types.StateSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		data := b.Get([]byte(deploymentID))
		if data == nil {
			return fmt.Errorf("snapshot not found for deployment: %s", deploymentID)
		}
		return json.Unmarshal(data, &snapshot)
	})
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (s *BoltStore) ListSnapshots() ([]*types.StateSnapshot, error) {
	var snapshots []*types.StateSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		return b.ForEach(func(k, v []byte) error {
			var snapshot types.StateSnapshot
			if err := json.Unmarshal(v, &snapshot); err != nil {
				return err
			}
			snapshots = append(snapshots, &snapshot)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Timestamp.Before(snapshots[j].Timestamp)
	})
	return snapshots, nil
}

// Promotion history
func (s *BoltStore) AppendPromotion(record *types.PromotionRecord) error {
	return s.put(bucketPromotions, record.ID, record)
}

func (s *BoltStore) ListPromotions() ([]*types.PromotionRecord, error) {
	var records []*types.PromotionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPromotions)
		return b.ForEach(func(k, v []byte) error {
			var record types.PromotionRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, &record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.Before(records[j].StartedAt)
	})
	return records, nil
}

// Rollback history
func (s *BoltStore) AppendRollback(result *types.RollbackResult) error {
	return s.put(bucketRollbacks, result.PlanID, result)
}

func (s *BoltStore) ListRollbacks() ([]*types.RollbackResult, error) {
	var results []*types.RollbackResult
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRollbacks)
		return b.ForEach(func(k, v []byte) error {
			var result types.RollbackResult
			if err := json.Unmarshal(v, &result); err != nil {
				return err
			}
			results = append(results, &result)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].StartedAt.Before(results[j].StartedAt)
	})
	return results, nil
}

// Transaction ledger
func (s *BoltStore) AppendTransaction(record *types.TransactionRecord) error {
	return s.put(bucketTransactions, record.ID, record)
}

func (s *BoltStore) ListTransactions() ([]*types.TransactionRecord, error) {
	var records []*types.TransactionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransactions)
		return b.ForEach(func(k, v []byte) error {
			var record types.TransactionRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, &record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
	return records, nil
}

func (s *BoltStore) UpdateTransaction(record *types.TransactionRecord) error {
	return s.AppendTransaction(record)
}

// PruneTransactions deletes ledger entries older than the cutoff and
// returns how many were removed
func (s *BoltStore) PruneTransactions(olderThan time.Time) (int, error) {
	pruned := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransactions)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var record types.TransactionRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			if record.Timestamp.Before(olderThan) {
				if err := c.Delete(); err != nil {
					return err
				}
				pruned++
			}
		}
		return nil
	})
	return pruned, err
}
