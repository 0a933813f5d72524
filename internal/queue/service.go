package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quill/internal/common"
	"github.com/ternarybob/quill/internal/interfaces"
	"github.com/ternarybob/quill/internal/models"
)

// DerivePriority maps a job type onto its default dispatch tier when the
// caller does not specify one.
func DerivePriority(jobType models.JobType) models.JobPriority {
	switch jobType {
	case models.JobTypeOptimization, models.JobTypeClassification, models.JobTypeConversion:
		return models.PriorityCritical
	case models.JobTypeQualityAssessment, models.JobTypeContentAnalysis, models.JobTypeEmbeddingGeneration:
		return models.PriorityHigh
	case models.JobTypeDeduplication, models.JobTypeSimilarityScoring, models.JobTypeSemanticClustering:
		return models.PriorityNormal
	default:
		return models.PriorityLow
	}
}

// Service is the stable façade over broker, job storage and progress
// cache. Producers and the pipeline never touch those directly.
type Service struct {
	broker   interfaces.Broker
	jobs     interfaces.JobStorage
	progress interfaces.ProgressCache
	bus      interfaces.EventBus
	logger   arbor.ILogger

	mu     sync.RWMutex
	closed bool
}

// NewService creates the queue façade.
func NewService(
	b interfaces.Broker,
	jobs interfaces.JobStorage,
	progress interfaces.ProgressCache,
	bus interfaces.EventBus,
	logger arbor.ILogger,
) *Service {
	return &Service{
		broker:   b,
		jobs:     jobs,
		progress: progress,
		bus:      bus,
		logger:   logger,
	}
}

// AddJob persists a new job and submits it to the broker. An empty
// priority derives the type's default tier.
func (s *Service) AddJob(ctx context.Context, jobType models.JobType, payload models.JobPayload, priority models.JobPriority, delay time.Duration) (string, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return "", interfaces.ErrQueueClosed
	}

	if priority == "" {
		priority = DerivePriority(jobType)
	}
	if !priority.IsValid() {
		return "", fmt.Errorf("unknown job priority: %s", priority)
	}

	raw, err := models.EncodePayload(payload)
	if err != nil {
		return "", err
	}

	now := time.Now()
	job := &models.Job{
		ID:          common.NewJobID(),
		Type:        jobType,
		Priority:    priority,
		Status:      models.JobStatusPending,
		UserID:      payload.OwnerID(),
		Payload:     raw,
		MaxRetries:  models.DefaultMaxRetries,
		CreatedAt:   now,
		ScheduledAt: now.Add(delay),
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		return "", fmt.Errorf("persist job: %w", err)
	}
	if err := s.broker.Submit(ctx, job, delay); err != nil {
		if updErr := s.jobs.UpdateStatus(ctx, job.ID, models.JobStatusFailed, nil, err.Error()); updErr != nil {
			s.logger.Error().Str("job_id", job.ID).Err(updErr).Msg("Failed to mark unsubmittable job failed")
		}
		return "", fmt.Errorf("submit job: %w", err)
	}

	s.bus.Publish(interfaces.Event{
		Type:   interfaces.EventJobCreated,
		UserID: job.UserID,
		Payload: map[string]interface{}{
			"job_id":   job.ID,
			"type":     jobType.String(),
			"priority": string(priority),
		},
	})

	s.logger.Info().
		Str("job_id", job.ID).
		Str("type", jobType.String()).
		Str("priority", string(priority)).
		Msg("Job enqueued")
	return job.ID, nil
}

// GetJob returns the durable job record.
func (s *Service) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return s.jobs.Get(ctx, id)
}

// Cancel is best-effort: a pending job is removed from the broker and
// marked failed with reason "cancelled". Active and terminal jobs return
// an error and are left untouched.
func (s *Service) Cancel(ctx context.Context, id string) error {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("job %s is already %s", id, job.Status)
	}

	if !s.broker.Remove(id) {
		return fmt.Errorf("job %s is not pending and cannot be cancelled", id)
	}

	if err := s.jobs.UpdateStatus(ctx, id, models.JobStatusFailed, nil, "cancelled"); err != nil {
		return fmt.Errorf("mark job cancelled: %w", err)
	}
	s.bus.Publish(interfaces.Event{
		Type:   interfaces.EventJobFailed,
		UserID: job.UserID,
		Payload: map[string]interface{}{
			"job_id": id,
			"type":   job.Type.String(),
			"error":  "cancelled",
		},
	})
	s.logger.Info().Str("job_id", id).Msg("Job cancelled")
	return nil
}

// ListByUser returns the user's jobs, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*models.Job, error) {
	return s.jobs.ListByUser(ctx, userID, limit)
}

// ListByStatus returns jobs in the given status, newest first.
func (s *Service) ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	return s.jobs.ListByStatus(ctx, status, limit)
}

// UpdateProgress caches the progress tuple and republishes it on the bus.
func (s *Service) UpdateProgress(ctx context.Context, jobID string, percentage float64, message string, data map[string]interface{}) error {
	p := &models.JobProgress{
		JobID:      jobID,
		Percentage: percentage,
		Message:    message,
		Data:       data,
		UpdatedAt:  time.Now(),
	}
	if err := s.progress.Put(ctx, p); err != nil {
		return fmt.Errorf("cache progress: %w", err)
	}

	userID := ""
	if job, err := s.jobs.Get(ctx, jobID); err == nil {
		userID = job.UserID
	}
	s.bus.Publish(interfaces.Event{
		Type:   interfaces.EventJobProgress,
		UserID: userID,
		Payload: map[string]interface{}{
			"job_id":     jobID,
			"percentage": percentage,
			"message":    message,
			"data":       data,
		},
	})
	return nil
}

// GetProgress returns nil when no progress exists inside the TTL.
func (s *Service) GetProgress(ctx context.Context, jobID string) (*models.JobProgress, error) {
	return s.progress.Get(ctx, jobID)
}

// IncrementRetry bumps the durable retry counter.
func (s *Service) IncrementRetry(ctx context.Context, jobID string) (int, error) {
	return s.jobs.IncrementRetry(ctx, jobID)
}

// SweepOldJobs removes terminal jobs older than the cutoff and returns the
// number removed.
func (s *Service) SweepOldJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	removed, err := s.jobs.DeleteCompletedBefore(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Str("older_than", olderThan.String()).Msg("Swept old jobs")
	}
	return removed, nil
}

// CloseIntake refuses further AddJob calls. Reads and cancels still work.
func (s *Service) CloseIntake() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

var _ interfaces.QueueService = (*Service)(nil)
