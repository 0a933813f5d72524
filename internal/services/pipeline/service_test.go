package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quill/internal/common"
	"github.com/ternarybob/quill/internal/interfaces"
	"github.com/ternarybob/quill/internal/models"
)

type addCall struct {
	jobType  models.JobType
	payload  models.JobPayload
	priority models.JobPriority
	delay    time.Duration
}

// fakeQueue records AddJob calls and can be told to fail a job type.
type fakeQueue struct {
	mu     sync.Mutex
	calls  []addCall
	jobs   []*models.Job
	failOn models.JobType
	nextID int
}

func (q *fakeQueue) AddJob(ctx context.Context, jobType models.JobType, payload models.JobPayload, priority models.JobPriority, delay time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failOn != "" && jobType == q.failOn {
		return "", fmt.Errorf("queue unavailable")
	}
	q.nextID++
	q.calls = append(q.calls, addCall{jobType: jobType, payload: payload, priority: priority, delay: delay})
	return fmt.Sprintf("job_%03d", q.nextID), nil
}

func (q *fakeQueue) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return nil, interfaces.ErrJobNotFound
}

func (q *fakeQueue) Cancel(ctx context.Context, id string) error { return nil }

func (q *fakeQueue) ListByUser(ctx context.Context, userID string, limit int) ([]*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*models.Job
	for _, job := range q.jobs {
		if job.UserID != userID {
			continue
		}
		out = append(out, job)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (q *fakeQueue) ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	return nil, nil
}

func (q *fakeQueue) UpdateProgress(ctx context.Context, jobID string, percentage float64, message string, data map[string]interface{}) error {
	return nil
}

func (q *fakeQueue) GetProgress(ctx context.Context, jobID string) (*models.JobProgress, error) {
	return nil, nil
}

func (q *fakeQueue) IncrementRetry(ctx context.Context, jobID string) (int, error) { return 0, nil }

func (q *fakeQueue) SweepOldJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	return 0, nil
}

func (q *fakeQueue) callTypes() []models.JobType {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.JobType, len(q.calls))
	for i, c := range q.calls {
		out[i] = c.jobType
	}
	return out
}

type fakeItems struct {
	mu            sync.Mutex
	items         map[string]*models.Item
	order         []string
	optimizations map[string][]*models.OptimizationRecord
}

func newFakeItems() *fakeItems {
	return &fakeItems{
		items:         make(map[string]*models.Item),
		optimizations: make(map[string][]*models.OptimizationRecord),
	}
}

func (f *fakeItems) SaveItem(ctx context.Context, item *models.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[item.ID]; !ok {
		f.order = append(f.order, item.ID)
	}
	f.items[item.ID] = item
	return nil
}

func (f *fakeItems) GetItem(ctx context.Context, id string) (*models.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return nil, interfaces.ErrItemNotFound
	}
	return item, nil
}

func (f *fakeItems) ListItemsByUser(ctx context.Context, userID string, opts *interfaces.ItemOptions) ([]*models.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Item
	for _, id := range f.order {
		item := f.items[id]
		if item.UserID != userID {
			continue
		}
		if opts != nil && opts.CollectionID != "" && item.CollectionID != opts.CollectionID {
			continue
		}
		out = append(out, item)
		if opts != nil && opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeItems) MarkCanonical(ctx context.Context, id string) error { return nil }

func (f *fakeItems) MarkDuplicate(ctx context.Context, id, canonicalID string) error { return nil }

func (f *fakeItems) SaveOptimization(ctx context.Context, rec *models.OptimizationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.optimizations[rec.ItemID] = append(f.optimizations[rec.ItemID], rec)
	return nil
}

func (f *fakeItems) ListOptimizations(ctx context.Context, itemID string) ([]*models.OptimizationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.optimizations[itemID], nil
}

func (f *fakeItems) SaveQualityAssessment(ctx context.Context, rec *models.QualityAssessmentRecord) error {
	return nil
}

func (f *fakeItems) SaveEmbedding(ctx context.Context, rec *models.EmbeddingRecord) error {
	return nil
}

func (f *fakeItems) GetEmbedding(ctx context.Context, itemID string) (*models.EmbeddingRecord, error) {
	return nil, nil
}

func (f *fakeItems) SaveClusterMembership(ctx context.Context, rec *models.ClusterMembership) error {
	return nil
}

type fakeAudit struct {
	mu         sync.Mutex
	executions []*models.PipelineExecution
}

func (f *fakeAudit) AppendExecution(ctx context.Context, entry *models.PipelineExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executions = append(f.executions, entry)
	return nil
}

func (f *fakeAudit) ListExecutionsByUser(ctx context.Context, userID string, limit int) ([]*models.PipelineExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.executions, nil
}

func (f *fakeAudit) AppendActivity(ctx context.Context, entry *models.ActivityEntry) error {
	return nil
}

func (f *fakeAudit) ListActivityByUser(ctx context.Context, userID string, limit, offset int) ([]*models.ActivityEntry, error) {
	return nil, nil
}

type recordBus struct {
	mu     sync.Mutex
	events []interfaces.Event
}

func (b *recordBus) Publish(event interfaces.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordBus) Subscribe(name string) *interfaces.Subscription { return nil }

func (b *recordBus) Close() {}

func (b *recordBus) count(eventType interfaces.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func allEnabledConfig() common.PipelineConfig {
	return common.PipelineConfig{
		EnableAutoClassification: true,
		EnableAutoOptimization:   true,
		EnableDuplicateDetection: true,
		EnableQualityAssessment:  true,
		BatchSize:                10,
		Priority:                 "normal",
	}
}

type pipelineHarness struct {
	svc   *Service
	queue *fakeQueue
	items *fakeItems
	audit *fakeAudit
	bus   *recordBus
}

func newPipelineHarness(t *testing.T, cfg common.PipelineConfig) *pipelineHarness {
	t.Helper()
	h := &pipelineHarness{
		queue: &fakeQueue{},
		items: newFakeItems(),
		audit: &fakeAudit{},
		bus:   &recordBus{},
	}
	h.svc = NewService(h.items, h.queue, h.audit, h.bus, cfg, arbor.NewLogger())
	return h
}

func (h *pipelineHarness) addItem(t *testing.T, item *models.Item) {
	t.Helper()
	require.NoError(t, h.items.SaveItem(context.Background(), item))
}

func promptItem(id string) *models.Item {
	return &models.Item{
		ID:      id,
		UserID:  "u1",
		Name:    "Summarizer",
		Type:    models.ItemTypePrompt,
		SubType: "summarization",
		Format:  ".md",
		Content: "Summarize {{input}} in three sentences.",
	}
}

func TestProcessItem_FullBundle(t *testing.T) {
	h := newPipelineHarness(t, allEnabledConfig())
	item := promptItem("item-1")
	item.Type = models.ItemTypeOther // forces classification
	h.addItem(t, item)

	result, err := h.svc.ProcessItem(context.Background(), "item-1", ProcessOptions{})
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.NotEmpty(t, result.ExecutionID)

	// classification + quality + one optimization per default target for
	// "other" (just openai).
	assert.Equal(t, []models.JobType{
		models.JobTypeClassification,
		models.JobTypeQualityAssessment,
		models.JobTypeOptimization,
	}, h.queue.callTypes())
	assert.Len(t, result.JobIDs, 3)

	require.Len(t, h.audit.executions, 1)
	exec := h.audit.executions[0]
	assert.Equal(t, "u1", exec.UserID)
	assert.Equal(t, "item-1", exec.ItemID)
	assert.Equal(t, result.JobIDs, exec.JobIDs)
	assert.Equal(t, true, exec.Config["enableAutoOptimization"])

	assert.Equal(t, 1, h.bus.count(interfaces.EventNotification))
}

func TestProcessItem_ClassificationOnlyWhenWarranted(t *testing.T) {
	h := newPipelineHarness(t, allEnabledConfig())
	// Already classified prompt with a subtype: no classification job.
	h.addItem(t, promptItem("item-1"))

	result, err := h.svc.ProcessItem(context.Background(), "item-1", ProcessOptions{})
	require.NoError(t, err)

	types := h.queue.callTypes()
	assert.NotContains(t, types, models.JobTypeClassification)
	// Prompt defaults fan out to three target models.
	assert.Equal(t, 4, len(result.JobIDs)) // quality + 3 optimizations

	// force_reprocess re-enqueues classification regardless.
	h2 := newPipelineHarness(t, allEnabledConfig())
	h2.addItem(t, promptItem("item-1"))
	_, err = h2.svc.ProcessItem(context.Background(), "item-1", ProcessOptions{ForceReprocess: true})
	require.NoError(t, err)
	assert.Contains(t, h2.queue.callTypes(), models.JobTypeClassification)
}

func TestProcessItem_CallerTargetModelsWin(t *testing.T) {
	h := newPipelineHarness(t, allEnabledConfig())
	h.addItem(t, promptItem("item-1"))

	_, err := h.svc.ProcessItem(context.Background(), "item-1", ProcessOptions{
		TargetModels: []string{"anthropic"},
	})
	require.NoError(t, err)

	var optTargets []string
	for _, call := range h.queue.calls {
		if call.jobType == models.JobTypeOptimization {
			optTargets = append(optTargets, call.payload.(models.OptimizationPayload).TargetModel)
		}
	}
	assert.Equal(t, []string{"anthropic"}, optTargets)
}

func TestProcessItem_SkipIfRecentlyOptimized(t *testing.T) {
	h := newPipelineHarness(t, allEnabledConfig())
	h.addItem(t, promptItem("item-1"))
	require.NoError(t, h.items.SaveOptimization(context.Background(), &models.OptimizationRecord{
		ID:        "opt-1",
		ItemID:    "item-1",
		CreatedAt: time.Now().Add(-time.Hour),
	}))

	result, err := h.svc.ProcessItem(context.Background(), "item-1", ProcessOptions{SkipIfOptimized: true})
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Empty(t, h.queue.calls)
	assert.Empty(t, h.audit.executions)

	// A stale optimization does not block reprocessing.
	h2 := newPipelineHarness(t, allEnabledConfig())
	h2.addItem(t, promptItem("item-1"))
	require.NoError(t, h2.items.SaveOptimization(context.Background(), &models.OptimizationRecord{
		ID:        "opt-1",
		ItemID:    "item-1",
		CreatedAt: time.Now().Add(-8 * 24 * time.Hour),
	}))
	result, err = h2.svc.ProcessItem(context.Background(), "item-1", ProcessOptions{SkipIfOptimized: true})
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.NotEmpty(t, h2.queue.calls)
}

func TestProcessItem_EnqueueFailureNotifies(t *testing.T) {
	h := newPipelineHarness(t, allEnabledConfig())
	h.queue.failOn = models.JobTypeQualityAssessment
	h.addItem(t, promptItem("item-1"))

	_, err := h.svc.ProcessItem(context.Background(), "item-1", ProcessOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quality_assessment")

	// Start notification plus failure notification; the execution record
	// is only written for a fully enqueued bundle.
	assert.Equal(t, 2, h.bus.count(interfaces.EventNotification))
	assert.Empty(t, h.audit.executions)
}

func TestProcessItem_UnknownItem(t *testing.T) {
	h := newPipelineHarness(t, allEnabledConfig())
	_, err := h.svc.ProcessItem(context.Background(), "missing", ProcessOptions{})
	assert.ErrorIs(t, err, interfaces.ErrItemNotFound)
}

func TestProcessBatch_SwallowsPerItemFailures(t *testing.T) {
	h := newPipelineHarness(t, allEnabledConfig())
	h.addItem(t, promptItem("item-1"))
	h.addItem(t, promptItem("item-2"))

	result := h.svc.ProcessBatch(context.Background(), []string{"item-1", "missing", "item-2"}, ProcessOptions{})
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Failed)
	assert.Len(t, h.audit.executions, 2)
}

func TestRunDeduplication(t *testing.T) {
	h := newPipelineHarness(t, allEnabledConfig())
	for i := 1; i <= 3; i++ {
		item := promptItem(fmt.Sprintf("item-%d", i))
		if i == 3 {
			item.CollectionID = "coll-1"
		}
		h.addItem(t, item)
	}

	jobID, err := h.svc.RunDeduplication(context.Background(), "u1", "")
	require.NoError(t, err)
	assert.NotEmpty(t, jobID)

	require.Len(t, h.queue.calls, 1)
	payload := h.queue.calls[0].payload.(models.DeduplicationPayload)
	assert.Equal(t, "u1", payload.UserID)
	assert.Len(t, payload.Items, 3)
	assert.Equal(t, models.DefaultDedupThreshold, payload.Threshold)

	// Collection scope with a single item: nothing to compare.
	jobID, err = h.svc.RunDeduplication(context.Background(), "u1", "coll-1")
	require.NoError(t, err)
	assert.Empty(t, jobID)
	assert.Len(t, h.queue.calls, 1)
}

func TestRunDeduplication_Disabled(t *testing.T) {
	cfg := allEnabledConfig()
	cfg.EnableDuplicateDetection = false
	h := newPipelineHarness(t, cfg)

	_, err := h.svc.RunDeduplication(context.Background(), "u1", "")
	assert.ErrorContains(t, err, "disabled")
}

func TestRunSimilarityScoring(t *testing.T) {
	h := newPipelineHarness(t, allEnabledConfig())
	h.addItem(t, promptItem("source"))
	h.addItem(t, promptItem("target-1"))
	h.addItem(t, promptItem("target-2"))

	jobIDs, err := h.svc.RunSimilarityScoring(context.Background(), "source", []string{"target-1", "missing", "target-2"}, "u1")
	require.NoError(t, err)
	assert.Len(t, jobIDs, 2)

	require.Len(t, h.queue.calls, 2)
	payload := h.queue.calls[0].payload.(models.SimilarityScoringPayload)
	assert.Equal(t, "source", payload.SourceID)
	assert.Equal(t, "target-1", payload.TargetID)
	assert.NotEmpty(t, payload.SourceContent)
	assert.NotEmpty(t, payload.TargetContent)
}

func TestGetPipelineStatus(t *testing.T) {
	h := newPipelineHarness(t, allEnabledConfig())
	for i := 0; i < 15; i++ {
		status := models.JobStatusCompleted
		if i%3 == 0 {
			status = models.JobStatusPending
		}
		h.queue.jobs = append(h.queue.jobs, &models.Job{
			ID:     fmt.Sprintf("job-%d", i),
			UserID: "u1",
			Type:   models.JobTypeOptimization,
			Status: status,
		})
	}

	status, err := h.svc.GetPipelineStatus(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 5, status.ByStatus[models.JobStatusPending])
	assert.Equal(t, 10, status.ByStatus[models.JobStatusCompleted])
	assert.Equal(t, 15, status.ByType[models.JobTypeOptimization])
	assert.Len(t, status.Jobs, 10)
}

func TestUpdateConfig(t *testing.T) {
	h := newPipelineHarness(t, allEnabledConfig())

	updated := h.svc.UpdateConfig(map[string]interface{}{
		"enableAutoOptimization": false,
		"batchSize":              float64(25), // JSON numbers decode as float64
		"priority":               "high",
		"unknownKey":             "ignored",
	})
	assert.False(t, updated.EnableAutoOptimization)
	assert.Equal(t, 25, updated.BatchSize)
	assert.Equal(t, models.PriorityHigh, updated.Priority)
	assert.True(t, updated.EnableAutoClassification)

	// Invalid values leave the previous settings in place.
	updated = h.svc.UpdateConfig(map[string]interface{}{
		"batchSize": -1,
		"priority":  "urgent",
	})
	assert.Equal(t, 25, updated.BatchSize)
	assert.Equal(t, models.PriorityHigh, updated.Priority)

	assert.Equal(t, updated, h.svc.GetConfig())
}

func TestUpdateConfig_TakesEffectImmediately(t *testing.T) {
	h := newPipelineHarness(t, allEnabledConfig())
	h.addItem(t, promptItem("item-1"))

	h.svc.UpdateConfig(map[string]interface{}{
		"enableAutoOptimization":  false,
		"enableQualityAssessment": false,
	})

	result, err := h.svc.ProcessItem(context.Background(), "item-1", ProcessOptions{})
	require.NoError(t, err)
	assert.Empty(t, result.JobIDs)
	require.Len(t, h.audit.executions, 1)
	assert.Equal(t, false, h.audit.executions[0].Config["enableAutoOptimization"])
}

func TestDefaultTargetModels(t *testing.T) {
	assert.Equal(t, []string{"anthropic", "openai"}, defaultTargetModels(models.ItemTypeAgent))
	assert.Equal(t, []string{"openai", "anthropic", "gemini"}, defaultTargetModels(models.ItemTypePrompt))
	assert.Equal(t, []string{"openai", "gemini"}, defaultTargetModels(models.ItemTypeTemplate))
	assert.Equal(t, []string{"openai"}, defaultTargetModels(models.ItemTypeOther))
}
