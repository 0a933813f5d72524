package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/quill/internal/interfaces"
	"github.com/ternarybob/quill/internal/models"
)

// ProgressTTL is how long a progress tuple survives after its last write.
const ProgressTTL = 5 * time.Minute

const (
	progressKeyPrefix = "progress:"
	metricsKeyPrefix  = "metrics:"
)

// CacheStorage backs both the progress cache and the metrics snapshot
// store with raw Badger entries so TTL expiry is handled by the database
// rather than a sweeper goroutine.
type CacheStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewCacheStorage creates a new CacheStorage instance
func NewCacheStorage(db *BadgerDB, logger arbor.ILogger) *CacheStorage {
	return &CacheStorage{
		db:     db,
		logger: logger,
	}
}

// Put stores the progress tuple, superseding any prior tuple for the job
// and restarting the TTL clock.
func (s *CacheStorage) Put(ctx context.Context, progress *models.JobProgress) error {
	if progress.JobID == "" {
		return fmt.Errorf("progress job ID is required")
	}
	if progress.UpdatedAt.IsZero() {
		progress.UpdatedAt = time.Now()
	}

	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}

	key := []byte(progressKeyPrefix + progress.JobID)
	err = s.db.Store().Badger().Update(func(txn *badgerdb.Txn) error {
		entry := badgerdb.NewEntry(key, data).WithTTL(ProgressTTL)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("failed to store progress: %w", err)
	}
	return nil
}

// Get returns the latest progress tuple for the job, or nil when none was
// written inside the TTL window.
func (s *CacheStorage) Get(ctx context.Context, jobID string) (*models.JobProgress, error) {
	key := []byte(progressKeyPrefix + jobID)

	var progress *models.JobProgress
	err := s.db.Store().Badger().View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(key)
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var p models.JobProgress
			if err := json.Unmarshal(val, &p); err != nil {
				return fmt.Errorf("failed to unmarshal progress: %w", err)
			}
			progress = &p
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read progress: %w", err)
	}
	return progress, nil
}

// PutSnapshot stores a shared metrics snapshot without expiry; callers
// overwrite it on their own cadence.
func (s *CacheStorage) PutSnapshot(ctx context.Context, key string, data map[string]interface{}) error {
	if key == "" {
		return fmt.Errorf("snapshot key is required")
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	err = s.db.Store().Badger().Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(metricsKeyPrefix+key), payload)
	})
	if err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}

// GetSnapshot returns the stored snapshot or nil when absent.
func (s *CacheStorage) GetSnapshot(ctx context.Context, key string) (map[string]interface{}, error) {
	var snapshot map[string]interface{}
	err := s.db.Store().Badger().View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(metricsKeyPrefix + key))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snapshot)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return snapshot, nil
}

var _ interfaces.ProgressCache = (*CacheStorage)(nil)
var _ interfaces.MetricsCache = (*CacheStorage)(nil)
