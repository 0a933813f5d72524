package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quill/internal/broker"
	"github.com/ternarybob/quill/internal/common"
	"github.com/ternarybob/quill/internal/interfaces"
	"github.com/ternarybob/quill/internal/models"
)

// RetryBaseDelay is the first retry backoff; each subsequent attempt
// doubles it up to the configured cap.
const RetryBaseDelay = 2 * time.Second

// Runtime wraps every worker body in the uniform status/progress/retry
// envelope. Workers never talk to the store or the bus directly; the
// runtime owns all lifecycle transitions.
type Runtime struct {
	broker     *broker.MemoryBroker
	jobs       interfaces.JobStorage
	progress   interfaces.ProgressCache
	audit      interfaces.AuditStorage
	bus        interfaces.EventBus
	maxBackoff time.Duration
	logger     arbor.ILogger
}

// NewRuntime creates the worker runtime.
func NewRuntime(
	b *broker.MemoryBroker,
	jobs interfaces.JobStorage,
	progress interfaces.ProgressCache,
	audit interfaces.AuditStorage,
	bus interfaces.EventBus,
	maxBackoff time.Duration,
	logger arbor.ILogger,
) *Runtime {
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Minute
	}
	return &Runtime{
		broker:     b,
		jobs:       jobs,
		progress:   progress,
		audit:      audit,
		bus:        bus,
		maxBackoff: maxBackoff,
		logger:     logger,
	}
}

// Register binds each worker's envelope to the broker.
func (r *Runtime) Register(workers ...Worker) {
	for _, w := range workers {
		worker := w
		r.broker.Register(worker.Type(), worker.Concurrency(), r.envelope(worker))
		r.logger.Info().
			Str("type", worker.Type().String()).
			Int("concurrency", worker.Concurrency()).
			Msg("Worker registered")
	}
}

// envelope runs one job attempt through the full lifecycle.
func (r *Runtime) envelope(w Worker) broker.Handler {
	return func(ctx context.Context, job *models.Job) error {
		if err := r.jobs.UpdateStatus(ctx, job.ID, models.JobStatusProcessing, nil, ""); err != nil {
			r.logger.Error().Str("job_id", job.ID).Err(err).Msg("Failed to mark job processing")
			return err
		}
		r.publishLifecycle(interfaces.EventJobStarted, job, map[string]interface{}{
			"job_id": job.ID,
			"type":   job.Type.String(),
		})

		payload, err := models.DecodePayload(job.Type, job.Payload)
		if err != nil {
			// Schema violations are non-retryable by contract.
			return r.fail(ctx, job, fmt.Errorf("payload validation failed: %w", err))
		}

		report := func(percentage float64, message string, data map[string]interface{}) {
			p := &models.JobProgress{
				JobID:      job.ID,
				Percentage: percentage,
				Message:    message,
				Data:       data,
				UpdatedAt:  time.Now(),
			}
			if err := r.progress.Put(ctx, p); err != nil {
				r.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Failed to cache progress")
			}
			r.publishLifecycle(interfaces.EventJobProgress, job, map[string]interface{}{
				"job_id":     job.ID,
				"percentage": percentage,
				"message":    message,
				"data":       data,
			})
		}

		result, procErr := w.Process(ctx, payload, report)
		if procErr == nil {
			if err := r.jobs.UpdateStatus(ctx, job.ID, models.JobStatusCompleted, result, ""); err != nil {
				r.logger.Error().Str("job_id", job.ID).Err(err).Msg("Failed to mark job completed")
				return err
			}
			r.publishLifecycle(interfaces.EventJobCompleted, job, map[string]interface{}{
				"job_id": job.ID,
				"type":   job.Type.String(),
				"result": result,
			})
			return nil
		}

		var permanent *backoff.PermanentError
		if errors.As(procErr, &permanent) {
			return r.fail(ctx, job, procErr)
		}
		return r.retryOrFail(ctx, job, procErr)
	}
}

// retryOrFail consumes one unit of retry budget. With budget left the job
// moves to retry and is resubmitted with exponential backoff; otherwise
// it fails terminally.
func (r *Runtime) retryOrFail(ctx context.Context, job *models.Job, procErr error) error {
	count, err := r.jobs.IncrementRetry(ctx, job.ID)
	if err != nil {
		r.logger.Error().Str("job_id", job.ID).Err(err).Msg("Failed to increment retry count")
		return r.fail(ctx, job, procErr)
	}
	job.RetryCount = count

	if count >= job.MaxRetries {
		return r.fail(ctx, job, fmt.Errorf("retry budget exhausted after %d attempts: %w", count, procErr))
	}

	if err := r.jobs.UpdateStatus(ctx, job.ID, models.JobStatusRetry, nil, procErr.Error()); err != nil {
		r.logger.Error().Str("job_id", job.ID).Err(err).Msg("Failed to mark job for retry")
	}

	delay := r.retryDelay(count)
	r.publishLifecycle(interfaces.EventJobRetry, job, map[string]interface{}{
		"job_id":      job.ID,
		"retry_count": count,
		"delay_secs":  delay.Seconds(),
		"error":       procErr.Error(),
	})

	if err := r.broker.Submit(ctx, job, delay); err != nil {
		return r.fail(ctx, job, fmt.Errorf("requeue failed: %w", err))
	}

	r.logger.Info().
		Str("job_id", job.ID).
		Int("retry_count", count).
		Str("delay", delay.String()).
		Err(procErr).
		Msg("Job scheduled for retry")
	// The retry is scheduled; per the broker contract the attempt must
	// not also count as failed.
	return nil
}

func (r *Runtime) fail(ctx context.Context, job *models.Job, procErr error) error {
	if err := r.jobs.UpdateStatus(ctx, job.ID, models.JobStatusFailed, nil, procErr.Error()); err != nil {
		r.logger.Error().Str("job_id", job.ID).Err(err).Msg("Failed to mark job failed")
	}

	r.publishLifecycle(interfaces.EventJobFailed, job, map[string]interface{}{
		"job_id": job.ID,
		"type":   job.Type.String(),
		"error":  procErr.Error(),
	})
	r.notify(ctx, job, fmt.Sprintf("Job %s (%s) failed: %s", job.ID, job.Type, procErr.Error()))

	r.logger.Warn().
		Str("job_id", job.ID).
		Str("type", job.Type.String()).
		Err(procErr).
		Msg("Job failed terminally")
	return procErr
}

// notify publishes a user notification and stores it in the activity feed
// for offline retrieval.
func (r *Runtime) notify(ctx context.Context, job *models.Job, message string) {
	r.bus.Publish(interfaces.Event{
		Type:   interfaces.EventNotification,
		UserID: job.UserID,
		Payload: map[string]interface{}{
			"job_id":  job.ID,
			"message": message,
		},
	})
	entry := &models.ActivityEntry{
		ID:      common.NewActivityID(),
		UserID:  job.UserID,
		Kind:    "notification",
		Message: message,
		Data:    map[string]interface{}{"job_id": job.ID},
	}
	if err := r.audit.AppendActivity(ctx, entry); err != nil {
		r.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Failed to store notification")
	}
}

func (r *Runtime) publishLifecycle(eventType interfaces.EventType, job *models.Job, payload map[string]interface{}) {
	r.bus.Publish(interfaces.Event{
		Type:    eventType,
		UserID:  job.UserID,
		Payload: payload,
	})
}

// retryDelay doubles the base delay per completed attempt, capped at the
// configured maximum.
func (r *Runtime) retryDelay(retryCount int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = RetryBaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = r.maxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	delay := bo.NextBackOff()
	for i := 1; i < retryCount; i++ {
		delay = bo.NextBackOff()
	}
	if delay > r.maxBackoff {
		delay = r.maxBackoff
	}
	return delay
}
