package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/quill/internal/common"
	"github.com/ternarybob/quill/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db    *BadgerDB
	job   interfaces.JobStorage
	item  interfaces.ItemStorage
	audit interfaces.AuditStorage
	cache *CacheStorage
	logger arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:     db,
		job:    NewJobStorage(db, logger),
		item:   NewItemStorage(db, logger),
		audit:  NewAuditStorage(db, logger),
		cache:  NewCacheStorage(db, logger),
		logger: logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// JobStorage returns the Job storage interface
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

// ItemStorage returns the Item storage interface
func (m *Manager) ItemStorage() interfaces.ItemStorage {
	return m.item
}

// AuditStorage returns the Audit storage interface
func (m *Manager) AuditStorage() interfaces.AuditStorage {
	return m.audit
}

// ProgressCache returns the progress cache
func (m *Manager) ProgressCache() interfaces.ProgressCache {
	return m.cache
}

// MetricsCache returns the metrics snapshot cache
func (m *Manager) MetricsCache() interfaces.MetricsCache {
	return m.cache
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
