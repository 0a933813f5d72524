package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/quill/internal/interfaces"
	"github.com/ternarybob/quill/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// AuditStorage implements the AuditStorage interface for Badger
type AuditStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewAuditStorage creates a new AuditStorage instance
func NewAuditStorage(db *BadgerDB, logger arbor.ILogger) interfaces.AuditStorage {
	return &AuditStorage{
		db:     db,
		logger: logger,
	}
}

func (s *AuditStorage) AppendExecution(ctx context.Context, entry *models.PipelineExecution) error {
	if entry.ID == "" {
		return fmt.Errorf("execution ID is required")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if err := s.db.Store().Insert(entry.ID, entry); err != nil {
		return fmt.Errorf("failed to append pipeline execution: %w", err)
	}
	return nil
}

func (s *AuditStorage) ListExecutionsByUser(ctx context.Context, userID string, limit int) ([]*models.PipelineExecution, error) {
	query := badgerhold.Where("UserID").Eq(userID).Index("UserID").SortBy("CreatedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}

	var entries []models.PipelineExecution
	if err := s.db.Store().Find(&entries, query); err != nil {
		return nil, fmt.Errorf("failed to list pipeline executions: %w", err)
	}

	result := make([]*models.PipelineExecution, len(entries))
	for i := range entries {
		result[i] = &entries[i]
	}
	return result, nil
}

func (s *AuditStorage) AppendActivity(ctx context.Context, entry *models.ActivityEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("activity ID is required")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if err := s.db.Store().Insert(entry.ID, entry); err != nil {
		return fmt.Errorf("failed to append activity entry: %w", err)
	}
	return nil
}

func (s *AuditStorage) ListActivityByUser(ctx context.Context, userID string, limit, offset int) ([]*models.ActivityEntry, error) {
	query := badgerhold.Where("UserID").Eq(userID).Index("UserID").SortBy("CreatedAt").Reverse()
	if offset > 0 {
		query = query.Skip(offset)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var entries []models.ActivityEntry
	if err := s.db.Store().Find(&entries, query); err != nil {
		return nil, fmt.Errorf("failed to list activity entries: %w", err)
	}

	result := make([]*models.ActivityEntry, len(entries))
	for i := range entries {
		result[i] = &entries[i]
	}
	return result, nil
}
