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

// ItemStorage implements the ItemStorage interface for Badger
type ItemStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewItemStorage creates a new ItemStorage instance
func NewItemStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ItemStorage {
	return &ItemStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ItemStorage) SaveItem(ctx context.Context, item *models.Item) error {
	if item.ID == "" {
		return fmt.Errorf("item ID is required")
	}
	now := time.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	if err := s.db.Store().Upsert(item.ID, item); err != nil {
		return fmt.Errorf("failed to save item: %w", err)
	}
	return nil
}

func (s *ItemStorage) GetItem(ctx context.Context, id string) (*models.Item, error) {
	var item models.Item
	if err := s.db.Store().Get(id, &item); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrItemNotFound
		}
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return &item, nil
}

func (s *ItemStorage) ListItemsByUser(ctx context.Context, userID string, opts *interfaces.ItemOptions) ([]*models.Item, error) {
	query := badgerhold.Where("UserID").Eq(userID).Index("UserID")
	if opts != nil {
		if opts.CollectionID != "" {
			query = query.And("CollectionID").Eq(opts.CollectionID)
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
	}
	query = query.SortBy("CreatedAt").Reverse()

	var items []models.Item
	if err := s.db.Store().Find(&items, query); err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}

	result := make([]*models.Item, len(items))
	for i := range items {
		result[i] = &items[i]
	}
	return result, nil
}

func (s *ItemStorage) MarkCanonical(ctx context.Context, id string) error {
	var item models.Item
	if err := s.db.Store().Get(id, &item); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrItemNotFound
		}
		return fmt.Errorf("failed to get item: %w", err)
	}

	item.IsCanonical = true
	item.IsDuplicate = false
	item.CanonicalID = ""
	item.UpdatedAt = time.Now()

	if err := s.db.Store().Update(id, &item); err != nil {
		return fmt.Errorf("failed to mark item canonical: %w", err)
	}
	return nil
}

func (s *ItemStorage) MarkDuplicate(ctx context.Context, id, canonicalID string) error {
	var item models.Item
	if err := s.db.Store().Get(id, &item); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrItemNotFound
		}
		return fmt.Errorf("failed to get item: %w", err)
	}

	item.IsDuplicate = true
	item.IsCanonical = false
	item.CanonicalID = canonicalID
	item.UpdatedAt = time.Now()

	if err := s.db.Store().Update(id, &item); err != nil {
		return fmt.Errorf("failed to mark item duplicate: %w", err)
	}
	return nil
}

func (s *ItemStorage) SaveOptimization(ctx context.Context, rec *models.OptimizationRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("optimization record ID is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if err := s.db.Store().Upsert(rec.ID, rec); err != nil {
		return fmt.Errorf("failed to save optimization record: %w", err)
	}
	return nil
}

func (s *ItemStorage) ListOptimizations(ctx context.Context, itemID string) ([]*models.OptimizationRecord, error) {
	var recs []models.OptimizationRecord
	query := badgerhold.Where("ItemID").Eq(itemID).Index("ItemID").SortBy("CreatedAt").Reverse()
	if err := s.db.Store().Find(&recs, query); err != nil {
		return nil, fmt.Errorf("failed to list optimization records: %w", err)
	}

	result := make([]*models.OptimizationRecord, len(recs))
	for i := range recs {
		result[i] = &recs[i]
	}
	return result, nil
}

func (s *ItemStorage) SaveQualityAssessment(ctx context.Context, rec *models.QualityAssessmentRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("quality assessment record ID is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if err := s.db.Store().Upsert(rec.ID, rec); err != nil {
		return fmt.Errorf("failed to save quality assessment: %w", err)
	}
	return nil
}

func (s *ItemStorage) SaveEmbedding(ctx context.Context, rec *models.EmbeddingRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("embedding record ID is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.Dimensions = len(rec.Vector)
	if err := s.db.Store().Upsert(rec.ID, rec); err != nil {
		return fmt.Errorf("failed to save embedding: %w", err)
	}
	return nil
}

func (s *ItemStorage) GetEmbedding(ctx context.Context, itemID string) (*models.EmbeddingRecord, error) {
	var recs []models.EmbeddingRecord
	query := badgerhold.Where("ItemID").Eq(itemID).Index("ItemID").SortBy("CreatedAt").Reverse().Limit(1)
	if err := s.db.Store().Find(&recs, query); err != nil {
		return nil, fmt.Errorf("failed to get embedding: %w", err)
	}
	if len(recs) == 0 {
		return nil, interfaces.ErrItemNotFound
	}
	return &recs[0], nil
}

func (s *ItemStorage) SaveClusterMembership(ctx context.Context, rec *models.ClusterMembership) error {
	if rec.ID == "" {
		return fmt.Errorf("cluster membership ID is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if err := s.db.Store().Upsert(rec.ID, rec); err != nil {
		return fmt.Errorf("failed to save cluster membership: %w", err)
	}
	return nil
}
