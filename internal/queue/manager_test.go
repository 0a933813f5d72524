package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/quill/internal/interfaces"
	"github.com/ternarybob/quill/internal/models"
)

func TestManager_BulkCreateReturnsIDsInOrder(t *testing.T) {
	h := newHarness(t, ManagerOptions{})
	ctx := context.Background()

	requests := []JobRequest{
		{Type: models.JobTypeClassification, Payload: classificationPayload("u1")},
		{Type: models.JobTypeQualityAssessment, Payload: models.QualityAssessmentPayload{
			UserID: "u1", Content: "c", Type: "prompt", Format: ".md",
		}},
		{Type: models.JobTypeEmbeddingGeneration, Payload: models.EmbeddingGenerationPayload{
			UserID: "u1", Content: "c",
		}},
	}

	ids, err := h.manager.BulkCreate(ctx, requests)
	require.NoError(t, err)
	require.Len(t, ids, 3)
	assert.Equal(t, h.jobs.created, ids, "ids come back in input order")

	for i, id := range ids {
		job, err := h.service.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, requests[i].Type, job.Type)
	}
}

func TestManager_BulkCancelPartitions(t *testing.T) {
	h := newHarness(t, ManagerOptions{})
	ctx := context.Background()

	pending, err := h.service.AddJob(ctx, models.JobTypeClassification, classificationPayload("u1"), "", 0)
	require.NoError(t, err)
	done, err := h.service.AddJob(ctx, models.JobTypeClassification, classificationPayload("u1"), "", 0)
	require.NoError(t, err)
	require.NoError(t, h.jobs.UpdateStatus(ctx, done, models.JobStatusCompleted, nil, ""))

	result := h.manager.BulkCancel(ctx, []string{pending, done, "job_missing"})
	assert.Equal(t, []string{pending}, result.Cancelled)
	assert.ElementsMatch(t, []string{done, "job_missing"}, result.Failed)
}

func TestManager_Statistics(t *testing.T) {
	h := newHarness(t, ManagerOptions{})
	ctx := context.Background()

	first, err := h.service.AddJob(ctx, models.JobTypeClassification, classificationPayload("u1"), "", 0)
	require.NoError(t, err)
	second, err := h.service.AddJob(ctx, models.JobTypeClassification, classificationPayload("u1"), "", 0)
	require.NoError(t, err)
	_, err = h.service.AddJob(ctx, models.JobTypeClassification, classificationPayload("u1"), "", 0)
	require.NoError(t, err)

	// One completed today with a 4s run, one failed today.
	require.NoError(t, h.jobs.UpdateStatus(ctx, first, models.JobStatusProcessing, nil, ""))
	require.NoError(t, h.jobs.UpdateStatus(ctx, first, models.JobStatusCompleted, nil, ""))
	started := time.Now().Add(-4 * time.Second)
	h.jobs.mu.Lock()
	h.jobs.jobs[first].StartedAt = &started
	h.jobs.mu.Unlock()
	require.NoError(t, h.jobs.UpdateStatus(ctx, second, models.JobStatusFailed, nil, "boom"))

	stats, err := h.manager.Statistics(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.TotalJobs)
	assert.Equal(t, 1, stats.CompletedToday)
	assert.Equal(t, 1, stats.FailedToday)
	assert.InDelta(t, 4.0, stats.AvgProcessingSecs, 0.5)
	assert.Zero(t, stats.ActiveJobs, "broker never dispatched")
	assert.Contains(t, stats.Queues, models.JobTypeClassification)
}

func TestManager_RetryFailed(t *testing.T) {
	h := newHarness(t, ManagerOptions{RetryWindow: 24 * time.Hour})
	ctx := context.Background()

	mkFailed := func(retryCount int, completedAgo time.Duration) string {
		id, err := h.service.AddJob(ctx, models.JobTypeClassification, classificationPayload("u1"), "", 0)
		require.NoError(t, err)
		require.NoError(t, h.jobs.UpdateStatus(ctx, id, models.JobStatusFailed, nil, "boom"))
		completed := time.Now().Add(-completedAgo)
		h.jobs.mu.Lock()
		h.jobs.jobs[id].RetryCount = retryCount
		h.jobs.jobs[id].CompletedAt = &completed
		h.jobs.mu.Unlock()
		return id
	}

	eligible := mkFailed(1, time.Hour)
	tooOld := mkFailed(0, 48*time.Hour)
	exhausted := mkFailed(3, time.Hour)

	result, err := h.manager.RetryFailed(ctx, "", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Retried)
	assert.Equal(t, 2, result.Skipped)

	job, err := h.service.GetJob(ctx, eligible)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)

	for _, id := range []string{tooOld, exhausted} {
		job, err := h.service.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusFailed, job.Status)
	}
}

func TestManager_RetryFailedHonorsTypeScopeAndCap(t *testing.T) {
	h := newHarness(t, ManagerOptions{RetryWindow: 24 * time.Hour})
	ctx := context.Background()

	mk := func(jobType models.JobType, payload models.JobPayload) {
		id, err := h.service.AddJob(ctx, jobType, payload, "", 0)
		require.NoError(t, err)
		require.NoError(t, h.jobs.UpdateStatus(ctx, id, models.JobStatusFailed, nil, "boom"))
	}
	mk(models.JobTypeClassification, classificationPayload("u1"))
	mk(models.JobTypeClassification, classificationPayload("u1"))
	mk(models.JobTypeEmbeddingGeneration, models.EmbeddingGenerationPayload{UserID: "u1", Content: "c"})

	result, err := h.manager.RetryFailed(ctx, models.JobTypeClassification, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Retried, "cap limits retries")
	assert.Equal(t, 2, result.Skipped)
}

func TestManager_HealthCheckFlagsStuckJobs(t *testing.T) {
	h := newHarness(t, ManagerOptions{StuckThreshold: 10 * time.Minute})
	ctx := context.Background()

	id, err := h.service.AddJob(ctx, models.JobTypeClassification, classificationPayload("u1"), "", 0)
	require.NoError(t, err)
	require.NoError(t, h.jobs.UpdateStatus(ctx, id, models.JobStatusProcessing, nil, ""))
	longAgo := time.Now().Add(-time.Hour)
	h.jobs.mu.Lock()
	h.jobs.jobs[id].StartedAt = &longAgo
	h.jobs.mu.Unlock()

	h.manager.healthCheck(ctx)

	event := h.bus.find(interfaces.EventSystemStatus)
	require.NotNil(t, event)
	assert.Equal(t, false, event.Payload["healthy"])
	assert.Equal(t, 1, event.Payload["stuck_jobs"])
	assert.Contains(t, event.Payload["unhealthy_queues"], "classification")
	assert.NotNil(t, event.Payload["stats"])
}

func TestManager_HealthCheckHealthy(t *testing.T) {
	h := newHarness(t, ManagerOptions{})
	h.manager.healthCheck(context.Background())

	event := h.bus.find(interfaces.EventSystemStatus)
	require.NotNil(t, event)
	assert.Equal(t, true, event.Payload["healthy"])
}

func TestManager_RebroadcastProgress(t *testing.T) {
	h := newHarness(t, ManagerOptions{})
	ctx := context.Background()

	id, err := h.service.AddJob(ctx, models.JobTypeClassification, classificationPayload("u1"), "", 0)
	require.NoError(t, err)
	require.NoError(t, h.jobs.UpdateStatus(ctx, id, models.JobStatusProcessing, nil, ""))
	require.NoError(t, h.progress.Put(ctx, &models.JobProgress{
		JobID: id, Percentage: 60, Message: "mid-flight", UpdatedAt: time.Now(),
	}))

	h.manager.rebroadcastProgress(ctx)

	var rebroadcast *interfaces.Event
	h.bus.mu.Lock()
	for i := range h.bus.events {
		if h.bus.events[i].Type == interfaces.EventJobProgress && h.bus.events[i].Payload["rebroadcast"] == true {
			rebroadcast = &h.bus.events[i]
		}
	}
	h.bus.mu.Unlock()

	require.NotNil(t, rebroadcast)
	assert.Equal(t, id, rebroadcast.Payload["job_id"])
	assert.Equal(t, 60.0, rebroadcast.Payload["percentage"])
	assert.Equal(t, "u1", rebroadcast.UserID)
}

func TestManager_StartRecoversAbandonedJobs(t *testing.T) {
	h := newHarness(t, ManagerOptions{})
	ctx := context.Background()

	id, err := h.service.AddJob(ctx, models.JobTypeClassification, classificationPayload("u1"), "", 0)
	require.NoError(t, err)
	require.NoError(t, h.jobs.UpdateStatus(ctx, id, models.JobStatusProcessing, nil, ""))

	require.NoError(t, h.manager.Start(ctx))
	defer h.manager.Shutdown(ctx)

	job, err := h.service.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Nil(t, job.StartedAt)
}

func TestManager_ShutdownClosesIntake(t *testing.T) {
	h := newHarness(t, ManagerOptions{ShutdownGrace: time.Second})
	ctx := context.Background()

	require.NoError(t, h.manager.Start(ctx))
	h.manager.Shutdown(ctx)

	_, err := h.service.AddJob(ctx, models.JobTypeClassification, classificationPayload("u1"), "", 0)
	assert.ErrorIs(t, err, interfaces.ErrQueueClosed)

	// Idempotent.
	h.manager.Shutdown(ctx)
}

func TestOptionsFromConfigAndDefaults(t *testing.T) {
	opts := ManagerOptions{}
	opts.applyDefaults()
	assert.Equal(t, 30*time.Second, opts.HealthInterval)
	assert.Equal(t, 5*time.Second, opts.ProgressInterval)
	assert.Equal(t, 10*time.Minute, opts.StuckThreshold)
	assert.Equal(t, 24*time.Hour, opts.RetryWindow)
	assert.Equal(t, 7*24*time.Hour, opts.SweepAge)
	assert.Equal(t, 30*time.Second, opts.ShutdownGrace)

	assert.Equal(t, 2*time.Minute, parseDurationOr("2m", time.Second))
	assert.Equal(t, time.Second, parseDurationOr("bogus", time.Second))
	assert.Equal(t, time.Second, parseDurationOr("", time.Second))
}
