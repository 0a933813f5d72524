package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/quill/internal/models"
)

// ErrQueueClosed is returned when submitting to a broker that has been
// shut down.
var ErrQueueClosed = errors.New("broker is shut down")

// ErrUnknownJobType is returned when no worker is registered for a type.
var ErrUnknownJobType = errors.New("no worker registered for job type")

// Broker is the in-memory priority queue and dispatch engine. Jobs are
// dispatched per type in (priority desc, submission asc) order, never
// before their eligibility time and never beyond the type's declared
// concurrency.
type Broker interface {
	// Submit makes a job eligible for dispatch after the optional delay.
	Submit(ctx context.Context, job *models.Job, delay time.Duration) error
	// Remove drops a pending job. Active jobs cannot be removed.
	Remove(id string) bool
	// Stats returns per-type counters.
	Stats() map[models.JobType]models.QueueStats
	// ActiveCount returns the number of in-flight jobs across all types.
	ActiveCount() int
	// Ping probes the broker backing for liveness.
	Ping(ctx context.Context) error
	Start()
	Stop()
}

// QueueService is the single API used by producers and the pipeline:
// a thin stable facade over broker, job storage and progress cache.
type QueueService interface {
	// AddJob persists a new job and submits it to the broker. The returned
	// id equals the stored id.
	AddJob(ctx context.Context, jobType models.JobType, payload models.JobPayload, priority models.JobPriority, delay time.Duration) (string, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
	// Cancel is best-effort: a pending job is removed from the broker and
	// marked failed with reason "cancelled"; an active job is untouched.
	Cancel(ctx context.Context, id string) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*models.Job, error)
	ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error)
	UpdateProgress(ctx context.Context, jobID string, percentage float64, message string, data map[string]interface{}) error
	// GetProgress returns nil when no progress exists inside the TTL.
	GetProgress(ctx context.Context, jobID string) (*models.JobProgress, error)
	IncrementRetry(ctx context.Context, jobID string) (int, error)
	// SweepOldJobs removes terminal jobs older than the cutoff.
	SweepOldJobs(ctx context.Context, olderThan time.Duration) (int, error)
}
