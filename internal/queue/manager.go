package queue

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quill/internal/common"
	"github.com/ternarybob/quill/internal/interfaces"
	"github.com/ternarybob/quill/internal/models"
)

// statusScanLimit bounds the per-loop status listings.
const statusScanLimit = 1000

// avgSampleSize is how many recent completed jobs feed the average
// processing time.
const avgSampleSize = 100

// retryCountCeiling is the durable retry count above which the
// retry-failed utility skips a job.
const retryCountCeiling = 3

// ManagerOptions tune the supervisory loops. Zero values take defaults.
type ManagerOptions struct {
	HealthInterval   time.Duration
	ProgressInterval time.Duration
	StuckThreshold   time.Duration
	RetryWindow      time.Duration
	SweepAge         time.Duration
	ShutdownGrace    time.Duration
	CleanupSchedule  string
}

func (o *ManagerOptions) applyDefaults() {
	if o.HealthInterval <= 0 {
		o.HealthInterval = 30 * time.Second
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = 5 * time.Second
	}
	if o.StuckThreshold <= 0 {
		o.StuckThreshold = 10 * time.Minute
	}
	if o.RetryWindow <= 0 {
		o.RetryWindow = 24 * time.Hour
	}
	if o.SweepAge <= 0 {
		o.SweepAge = 7 * 24 * time.Hour
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 30 * time.Second
	}
}

// OptionsFromConfig parses the manager's duration settings.
func OptionsFromConfig(cfg common.ManagerConfig) ManagerOptions {
	opts := ManagerOptions{
		HealthInterval:   parseDurationOr(cfg.HealthInterval, 30*time.Second),
		ProgressInterval: parseDurationOr(cfg.ProgressInterval, 5*time.Second),
		StuckThreshold:   parseDurationOr(cfg.StuckThreshold, 10*time.Minute),
		RetryWindow:      parseDurationOr(cfg.RetryWindow, 24*time.Hour),
		SweepAge:         parseDurationOr(cfg.SweepAge, 7*24*time.Hour),
		ShutdownGrace:    parseDurationOr(cfg.ShutdownGrace, 30*time.Second),
		CleanupSchedule:  cfg.CleanupSchedule,
	}
	return opts
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// JobRequest is one entry of a bulk creation call.
type JobRequest struct {
	Type     models.JobType
	Payload  models.JobPayload
	Priority models.JobPriority
	Delay    time.Duration
}

// BulkCancelResult partitions a bulk cancellation by outcome.
type BulkCancelResult struct {
	Cancelled []string `json:"cancelled"`
	Failed    []string `json:"failed"`
}

// RetryFailedResult reports the retry-failed utility's outcome.
type RetryFailedResult struct {
	Retried int `json:"retried"`
	Skipped int `json:"skipped"`
}

// Manager supervises the queue: startup reconciliation, bulk operations,
// statistics, the health and progress loops and graceful shutdown.
type Manager struct {
	service  *Service
	broker   interfaces.Broker
	jobs     interfaces.JobStorage
	progress interfaces.ProgressCache
	bus      interfaces.EventBus
	opts     ManagerOptions
	logger   arbor.ILogger

	cron   *cron.Cron
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewManager creates the queue manager around an existing façade.
func NewManager(
	service *Service,
	b interfaces.Broker,
	jobs interfaces.JobStorage,
	progress interfaces.ProgressCache,
	bus interfaces.EventBus,
	opts ManagerOptions,
	logger arbor.ILogger,
) *Manager {
	opts.applyDefaults()
	return &Manager{
		service:  service,
		broker:   b,
		jobs:     jobs,
		progress: progress,
		bus:      bus,
		opts:     opts,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Service returns the queue façade the manager supervises.
func (m *Manager) Service() *Service { return m.service }

// Start reconciles jobs abandoned in processing, starts the broker
// dispatcher and launches the supervisory loops.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	recovered, err := m.jobs.MarkProcessingAsPending(ctx)
	if err != nil {
		return err
	}
	for _, job := range recovered {
		if err := m.broker.Submit(ctx, job, 0); err != nil {
			m.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Failed to resubmit recovered job")
			continue
		}
		m.logger.Info().Str("job_id", job.ID).Str("type", job.Type.String()).Msg("Recovered abandoned job")
	}

	m.broker.Start()

	m.wg.Add(2)
	go m.healthLoop()
	go m.progressLoop()

	if m.opts.CleanupSchedule != "" {
		m.cron = cron.New()
		_, err := m.cron.AddFunc(m.opts.CleanupSchedule, func() {
			if _, err := m.service.SweepOldJobs(context.Background(), m.opts.SweepAge); err != nil {
				m.logger.Warn().Err(err).Msg("Scheduled sweep failed")
			}
		})
		if err != nil {
			return err
		}
		m.cron.Start()
		m.logger.Info().Str("schedule", m.opts.CleanupSchedule).Msg("Cleanup schedule registered")
	}

	m.logger.Info().
		Str("health_interval", m.opts.HealthInterval.String()).
		Str("progress_interval", m.opts.ProgressInterval.String()).
		Msg("Queue manager started")
	return nil
}

// BulkCreate enqueues every request and returns the ids in input order.
// The first failure aborts the remainder; the ids created so far are
// still returned.
func (m *Manager) BulkCreate(ctx context.Context, requests []JobRequest) ([]string, error) {
	ids := make([]string, 0, len(requests))
	for _, req := range requests {
		id, err := m.service.AddJob(ctx, req.Type, req.Payload, req.Priority, req.Delay)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// BulkCancel cancels every id best-effort and partitions the outcome.
func (m *Manager) BulkCancel(ctx context.Context, ids []string) BulkCancelResult {
	result := BulkCancelResult{}
	for _, id := range ids {
		if err := m.service.Cancel(ctx, id); err != nil {
			m.logger.Debug().Str("job_id", id).Err(err).Msg("Bulk cancel miss")
			result.Failed = append(result.Failed, id)
			continue
		}
		result.Cancelled = append(result.Cancelled, id)
	}
	return result
}

// Statistics assembles per-type broker counters plus system aggregates.
// Average processing time is sampled from the last completed jobs.
func (m *Manager) Statistics(ctx context.Context) (*models.SystemStats, error) {
	stats := &models.SystemStats{
		Queues:    m.broker.Stats(),
		Timestamp: time.Now(),
	}

	for _, status := range []models.JobStatus{
		models.JobStatusPending, models.JobStatusProcessing, models.JobStatusCompleted,
		models.JobStatusFailed, models.JobStatusRetry, models.JobStatusDead,
	} {
		count, err := m.jobs.CountByStatus(ctx, status)
		if err != nil {
			return nil, err
		}
		stats.TotalJobs += count
	}
	stats.ActiveJobs = m.broker.ActiveCount()

	midnight := startOfDay(time.Now())

	completed, err := m.jobs.ListByStatus(ctx, models.JobStatusCompleted, statusScanLimit)
	if err != nil {
		return nil, err
	}
	var totalSecs float64
	sampled := 0
	for _, job := range completed {
		if job.CompletedAt != nil && !job.CompletedAt.Before(midnight) {
			stats.CompletedToday++
		}
		if sampled < avgSampleSize {
			if d := job.Duration(); d > 0 {
				totalSecs += d.Seconds()
				sampled++
			}
		}
	}
	if sampled > 0 {
		stats.AvgProcessingSecs = totalSecs / float64(sampled)
	}

	failed, err := m.jobs.ListByStatus(ctx, models.JobStatusFailed, statusScanLimit)
	if err != nil {
		return nil, err
	}
	for _, job := range failed {
		if job.CompletedAt != nil && !job.CompletedAt.Before(midnight) {
			stats.FailedToday++
		}
	}

	return stats, nil
}

func startOfDay(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}

// RetryFailed re-enqueues failed jobs that finished inside the retry
// window and still have durable retry headroom, optionally scoped to one
// job type and capped at limit.
func (m *Manager) RetryFailed(ctx context.Context, jobType models.JobType, limit int) (RetryFailedResult, error) {
	result := RetryFailedResult{}

	failed, err := m.jobs.ListByStatus(ctx, models.JobStatusFailed, statusScanLimit)
	if err != nil {
		return result, err
	}

	cutoff := time.Now().Add(-m.opts.RetryWindow)
	for _, job := range failed {
		eligible := job.CompletedAt != nil && job.CompletedAt.After(cutoff) &&
			job.RetryCount < retryCountCeiling &&
			(jobType == "" || job.Type == jobType)
		if !eligible || (limit > 0 && result.Retried >= limit) {
			result.Skipped++
			continue
		}

		if err := m.jobs.UpdateStatus(ctx, job.ID, models.JobStatusPending, nil, ""); err != nil {
			m.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Failed to reset job for retry")
			result.Skipped++
			continue
		}
		job.Status = models.JobStatusPending
		if err := m.broker.Submit(ctx, job, 0); err != nil {
			m.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Failed to resubmit job")
			result.Skipped++
			continue
		}
		result.Retried++
	}

	m.logger.Info().
		Int("retried", result.Retried).
		Int("skipped", result.Skipped).
		Msg("Retry-failed sweep finished")
	return result, nil
}

func (m *Manager) healthLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.healthCheck(context.Background())
		}
	}
}

// healthCheck finds stuck jobs, probes the broker backing and publishes a
// health event with the full statistics snapshot.
func (m *Manager) healthCheck(ctx context.Context) {
	stats, err := m.Statistics(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Health check could not assemble statistics")
		return
	}

	processing, err := m.jobs.ListByStatus(ctx, models.JobStatusProcessing, statusScanLimit)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Health check could not list processing jobs")
		return
	}

	deadline := time.Now().Add(-m.opts.StuckThreshold)
	stuckByType := make(map[models.JobType]int)
	for _, job := range processing {
		if job.StartedAt != nil && job.StartedAt.Before(deadline) {
			stuckByType[job.Type]++
		}
	}

	unhealthy := make([]string, 0, len(stuckByType))
	stuckTotal := 0
	for jobType, count := range stuckByType {
		unhealthy = append(unhealthy, jobType.String())
		stuckTotal += count
	}

	pingErr := m.broker.Ping(ctx)
	healthy := pingErr == nil && stuckTotal == 0

	payload := map[string]interface{}{
		"kind":             "health_check",
		"healthy":          healthy,
		"unhealthy_queues": unhealthy,
		"stuck_jobs":       stuckTotal,
		"stats":            stats,
	}
	if pingErr != nil {
		payload["broker_error"] = pingErr.Error()
	}
	m.bus.Publish(interfaces.Event{Type: interfaces.EventSystemStatus, Payload: payload})

	if !healthy {
		m.logger.Warn().
			Int("stuck_jobs", stuckTotal).
			Err(pingErr).
			Msg("Queue health degraded")
	}
}

func (m *Manager) progressLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.rebroadcastProgress(context.Background())
		}
	}
}

// rebroadcastProgress republishes the last-known progress of every active
// job so late-joining subscribers get a recent snapshot.
func (m *Manager) rebroadcastProgress(ctx context.Context) {
	processing, err := m.jobs.ListByStatus(ctx, models.JobStatusProcessing, statusScanLimit)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Progress rebroadcast could not list active jobs")
		return
	}

	for _, job := range processing {
		p, err := m.progress.Get(ctx, job.ID)
		if err != nil || p == nil {
			continue
		}
		m.bus.Publish(interfaces.Event{
			Type:   interfaces.EventJobProgress,
			UserID: job.UserID,
			Payload: map[string]interface{}{
				"job_id":      job.ID,
				"percentage":  p.Percentage,
				"message":     p.Message,
				"data":        p.Data,
				"rebroadcast": true,
			},
		})
	}
}

// Shutdown stops intake, waits for in-flight jobs up to the grace window
// and sweeps old terminal jobs. Jobs that outlive the window are left in
// processing for the next startup reconciliation.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	started := m.started
	m.mu.Unlock()

	m.service.CloseIntake()

	if started {
		close(m.stopCh)
		m.wg.Wait()
	}
	if m.cron != nil {
		m.cron.Stop()
	}

	stopped := make(chan struct{})
	go func() {
		m.broker.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(m.opts.ShutdownGrace):
		m.logger.Warn().
			Int("active", m.broker.ActiveCount()).
			Msg("Shutdown grace expired with jobs still in flight")
	}

	if _, err := m.service.SweepOldJobs(ctx, m.opts.SweepAge); err != nil {
		m.logger.Warn().Err(err).Msg("Shutdown sweep failed")
	}

	m.logger.Info().Msg("Queue manager stopped")
}
