package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/quill/internal/models"
)

// ErrJobNotFound is returned when a job id has no durable record.
var ErrJobNotFound = errors.New("job not found")

// ErrItemNotFound is returned when an item id has no record.
var ErrItemNotFound = errors.New("item not found")

// JobStorage is the durable truth for every job ever created. All
// operations are serializable against any single job id.
type JobStorage interface {
	Create(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id string) (*models.Job, error)
	// UpdateStatus atomically moves a job to the given status. It sets
	// StartedAt on the first move to processing and CompletedAt on any
	// terminal move. Result and errMsg are stored when non-zero.
	UpdateStatus(ctx context.Context, id string, status models.JobStatus, result map[string]interface{}, errMsg string) error
	IncrementRetry(ctx context.Context, id string) (int, error)
	ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*models.Job, error)
	// DeleteCompletedBefore removes terminal jobs whose CompletedAt is
	// older than the cutoff. Returns the number of rows removed.
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int, error)
	CountByStatus(ctx context.Context, status models.JobStatus) (int, error)
	// MarkProcessingAsPending resets jobs abandoned in processing (for
	// example across a restart) back to pending and returns them.
	MarkProcessingAsPending(ctx context.Context) ([]*models.Job, error)
}

// ItemOptions filters item listings.
type ItemOptions struct {
	CollectionID string
	Limit        int
}

// ItemStorage stores content artifacts and their derivative records.
type ItemStorage interface {
	SaveItem(ctx context.Context, item *models.Item) error
	GetItem(ctx context.Context, id string) (*models.Item, error)
	ListItemsByUser(ctx context.Context, userID string, opts *ItemOptions) ([]*models.Item, error)
	// MarkCanonical flags an item as the canonical of its duplicate group.
	MarkCanonical(ctx context.Context, id string) error
	// MarkDuplicate flags an item as a duplicate of the canonical id.
	MarkDuplicate(ctx context.Context, id, canonicalID string) error

	SaveOptimization(ctx context.Context, rec *models.OptimizationRecord) error
	ListOptimizations(ctx context.Context, itemID string) ([]*models.OptimizationRecord, error)
	SaveQualityAssessment(ctx context.Context, rec *models.QualityAssessmentRecord) error
	SaveEmbedding(ctx context.Context, rec *models.EmbeddingRecord) error
	GetEmbedding(ctx context.Context, itemID string) (*models.EmbeddingRecord, error)
	SaveClusterMembership(ctx context.Context, rec *models.ClusterMembership) error
}

// AuditStorage is the append-only pipeline execution log plus the per-user
// activity feed served by the realtime gateway.
type AuditStorage interface {
	AppendExecution(ctx context.Context, entry *models.PipelineExecution) error
	ListExecutionsByUser(ctx context.Context, userID string, limit int) ([]*models.PipelineExecution, error)
	AppendActivity(ctx context.Context, entry *models.ActivityEntry) error
	ListActivityByUser(ctx context.Context, userID string, limit, offset int) ([]*models.ActivityEntry, error)
}

// ProgressCache holds the most recent progress tuple per job id with a
// short TTL. Stale reads are acceptable; a nil result means no progress
// has been reported inside the TTL window.
type ProgressCache interface {
	Put(ctx context.Context, progress *models.JobProgress) error
	Get(ctx context.Context, jobID string) (*models.JobProgress, error)
}

// MetricsCache is the shared snapshot store the gateway writes its
// connection metrics into every 30 seconds.
type MetricsCache interface {
	PutSnapshot(ctx context.Context, key string, data map[string]interface{}) error
	GetSnapshot(ctx context.Context, key string) (map[string]interface{}, error)
}

// StorageManager owns the badger connection and hands out typed stores.
type StorageManager interface {
	JobStorage() JobStorage
	ItemStorage() ItemStorage
	AuditStorage() AuditStorage
	ProgressCache() ProgressCache
	MetricsCache() MetricsCache
	Close() error
}
