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

// JobStorage implements the JobStorage interface for Badger
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) Create(ctx context.Context, job *models.Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	if err := s.db.Store().Insert(job.ID, job); err != nil {
		if err == badgerhold.ErrKeyExists {
			return fmt.Errorf("job already exists: %s", job.ID)
		}
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *JobStorage) Get(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// UpdateStatus moves a job to the given status. StartedAt is stamped on the
// first transition into processing and CompletedAt on any terminal move.
func (s *JobStorage) UpdateStatus(ctx context.Context, id string, status models.JobStatus, result map[string]interface{}, errMsg string) error {
	var job models.Job
	if err := s.db.Store().Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrJobNotFound
		}
		return fmt.Errorf("failed to get job for status update: %w", err)
	}

	now := time.Now()
	job.Status = status
	if status == models.JobStatusProcessing && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if status.IsTerminal() && job.CompletedAt == nil {
		job.CompletedAt = &now
	}
	if result != nil {
		job.Result = result
	}
	if errMsg != "" {
		job.Error = errMsg
	}

	if err := s.db.Store().Update(id, &job); err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return nil
}

func (s *JobStorage) IncrementRetry(ctx context.Context, id string) (int, error) {
	var job models.Job
	if err := s.db.Store().Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return 0, interfaces.ErrJobNotFound
		}
		return 0, fmt.Errorf("failed to get job for retry increment: %w", err)
	}

	job.RetryCount++
	if err := s.db.Store().Update(id, &job); err != nil {
		return 0, fmt.Errorf("failed to increment retry count: %w", err)
	}
	return job.RetryCount, nil
}

func (s *JobStorage) ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	query := badgerhold.Where("Status").Eq(status).Index("Status").SortBy("CreatedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs by status: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *JobStorage) ListByUser(ctx context.Context, userID string, limit int) ([]*models.Job, error) {
	query := badgerhold.Where("UserID").Eq(userID).Index("UserID").SortBy("CreatedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs by user: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

// DeleteCompletedBefore removes terminal jobs whose CompletedAt is older
// than the cutoff.
func (s *JobStorage) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var jobs []models.Job
	query := badgerhold.Where("Status").In(
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusDead)
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return 0, fmt.Errorf("failed to list terminal jobs: %w", err)
	}

	deleted := 0
	for i := range jobs {
		job := &jobs[i]
		if job.CompletedAt == nil || job.CompletedAt.After(cutoff) {
			continue
		}
		if err := s.db.Store().Delete(job.ID, &models.Job{}); err != nil {
			s.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Failed to delete old job")
			continue
		}
		deleted++
	}

	if deleted > 0 {
		s.logger.Info().Int("count", deleted).Msg("Swept old terminal jobs")
	}
	return deleted, nil
}

func (s *JobStorage) CountByStatus(ctx context.Context, status models.JobStatus) (int, error) {
	count, err := s.db.Store().Count(&models.Job{}, badgerhold.Where("Status").Eq(status).Index("Status"))
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs by status: %w", err)
	}
	return int(count), nil
}

// MarkProcessingAsPending resets jobs abandoned in processing back to
// pending so they can be resubmitted after a restart.
func (s *JobStorage) MarkProcessingAsPending(ctx context.Context) ([]*models.Job, error) {
	var jobs []models.Job
	query := badgerhold.Where("Status").Eq(models.JobStatusProcessing).Index("Status")
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to find processing jobs: %w", err)
	}

	recovered := make([]*models.Job, 0, len(jobs))
	for i := range jobs {
		job := &jobs[i]
		job.Status = models.JobStatusPending
		job.StartedAt = nil
		if err := s.db.Store().Update(job.ID, job); err != nil {
			s.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Failed to reset abandoned job")
			continue
		}
		recovered = append(recovered, job)
	}

	if len(recovered) > 0 {
		s.logger.Info().Int("count", len(recovered)).Msg("Reset abandoned processing jobs to pending")
	}
	return recovered, nil
}
