package pipeline

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

// optimizationFreshness is how recent an existing optimization must be
// for skip_if_optimized to short-circuit the bundle.
const optimizationFreshness = 7 * 24 * time.Hour

// dedupScanLimit bounds how many items one deduplication run covers.
const dedupScanLimit = 1000

// chunkPause is the sleep between batch chunks.
const chunkPause = time.Second

// Config is the process-wide pipeline configuration record. Updates take
// effect for subsequent calls; in-flight bundles keep the snapshot
// captured in their audit entry.
type Config struct {
	EnableAutoClassification bool               `json:"enableAutoClassification"`
	EnableAutoOptimization   bool               `json:"enableAutoOptimization"`
	EnableDuplicateDetection bool               `json:"enableDuplicateDetection"`
	EnableQualityAssessment  bool               `json:"enableQualityAssessment"`
	BatchSize                int                `json:"batchSize"`
	Priority                 models.JobPriority `json:"priority"`
}

func configFromCommon(cfg common.PipelineConfig) Config {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	priority := models.JobPriority(cfg.Priority)
	if !priority.IsValid() {
		priority = models.PriorityNormal
	}
	return Config{
		EnableAutoClassification: cfg.EnableAutoClassification,
		EnableAutoOptimization:   cfg.EnableAutoOptimization,
		EnableDuplicateDetection: cfg.EnableDuplicateDetection,
		EnableQualityAssessment:  cfg.EnableQualityAssessment,
		BatchSize:                batchSize,
		Priority:                 priority,
	}
}

func (c Config) snapshot() map[string]interface{} {
	return map[string]interface{}{
		"enableAutoClassification": c.EnableAutoClassification,
		"enableAutoOptimization":   c.EnableAutoOptimization,
		"enableDuplicateDetection": c.EnableDuplicateDetection,
		"enableQualityAssessment":  c.EnableQualityAssessment,
		"batchSize":                c.BatchSize,
		"priority":                 string(c.Priority),
	}
}

// ProcessOptions tune a single process_item call.
type ProcessOptions struct {
	TargetModels    []string
	SkipIfOptimized bool
	ForceReprocess  bool
	Priority        models.JobPriority
}

// ExecutionResult reports what one bundle enqueued.
type ExecutionResult struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	ItemID      string   `json:"item_id"`
	JobIDs      []string `json:"job_ids"`
	Skipped     bool     `json:"skipped,omitempty"`
}

// BatchResult summarizes a process_batch run.
type BatchResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// Status is the get_pipeline_status snapshot.
type Status struct {
	ByStatus map[models.JobStatus]int `json:"by_status"`
	ByType   map[models.JobType]int   `json:"by_type"`
	Jobs     []*models.Job            `json:"jobs"`
}

// Service orchestrates the optimization pipeline: per-item bundles,
// batches, deduplication and similarity runs.
type Service struct {
	items  interfaces.ItemStorage
	queue  interfaces.QueueService
	audit  interfaces.AuditStorage
	bus    interfaces.EventBus
	logger arbor.ILogger

	mu  sync.RWMutex
	cfg Config
}

// NewService creates the pipeline service.
func NewService(
	items interfaces.ItemStorage,
	queue interfaces.QueueService,
	audit interfaces.AuditStorage,
	bus interfaces.EventBus,
	cfg common.PipelineConfig,
	logger arbor.ILogger,
) *Service {
	return &Service{
		items:  items,
		queue:  queue,
		audit:  audit,
		bus:    bus,
		cfg:    configFromCommon(cfg),
		logger: logger,
	}
}

// GetConfig returns the current configuration record.
func (s *Service) GetConfig() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// UpdateConfig applies the recognized keys of a partial update and
// returns the resulting configuration.
func (s *Service) UpdateConfig(partial map[string]interface{}) Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := partial["enableAutoClassification"].(bool); ok {
		s.cfg.EnableAutoClassification = v
	}
	if v, ok := partial["enableAutoOptimization"].(bool); ok {
		s.cfg.EnableAutoOptimization = v
	}
	if v, ok := partial["enableDuplicateDetection"].(bool); ok {
		s.cfg.EnableDuplicateDetection = v
	}
	if v, ok := partial["enableQualityAssessment"].(bool); ok {
		s.cfg.EnableQualityAssessment = v
	}
	if v, ok := asInt(partial["batchSize"]); ok && v > 0 {
		s.cfg.BatchSize = v
	}
	if v, ok := partial["priority"].(string); ok {
		if p := models.JobPriority(v); p.IsValid() {
			s.cfg.Priority = p
		}
	}

	s.logger.Info().Msg("Pipeline configuration updated")
	return s.cfg
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// defaultTargetModels is the pipeline default when the caller does not
// supply a target-model list.
func defaultTargetModels(itemType models.ItemType) []string {
	switch itemType {
	case models.ItemTypeAgent:
		return []string{"anthropic", "openai"}
	case models.ItemTypePrompt:
		return []string{"openai", "anthropic", "gemini"}
	case models.ItemTypeTemplate:
		return []string{"openai", "gemini"}
	default:
		return []string{"openai"}
	}
}

// ProcessItem enqueues the ordered bundle for one item: classification
// when warranted, quality assessment, one optimization per target model.
// The audit entry is written once, after every job id is known.
func (s *Service) ProcessItem(ctx context.Context, itemID string, opts ProcessOptions) (*ExecutionResult, error) {
	item, err := s.items.GetItem(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("load item %s: %w", itemID, err)
	}

	cfg := s.GetConfig()
	priority := opts.Priority
	if priority == "" {
		priority = cfg.Priority
	}

	s.notify(item.UserID, fmt.Sprintf("Processing started for %s", item.Name), map[string]interface{}{
		"item_id": item.ID,
	})

	result := &ExecutionResult{ItemID: item.ID}

	if opts.SkipIfOptimized && !opts.ForceReprocess {
		recs, err := s.items.ListOptimizations(ctx, item.ID)
		if err == nil {
			cutoff := time.Now().Add(-optimizationFreshness)
			for _, rec := range recs {
				if rec.CreatedAt.After(cutoff) {
					s.logger.Debug().Str("item_id", item.ID).Msg("Skipping recently optimized item")
					result.Skipped = true
					return result, nil
				}
			}
		}
	}

	needsClassification := cfg.EnableAutoClassification &&
		(item.Type == models.ItemTypeOther || item.SubType == "" || opts.ForceReprocess)
	if needsClassification {
		id, err := s.queue.AddJob(ctx, models.JobTypeClassification, models.ClassificationPayload{
			UserID:  item.UserID,
			Content: item.Content,
			Format:  item.Format,
			ItemID:  item.ID,
		}, priority, 0)
		if err != nil {
			return nil, s.enqueueFailed(item, "classification", err)
		}
		result.JobIDs = append(result.JobIDs, id)
	}

	if cfg.EnableQualityAssessment {
		id, err := s.queue.AddJob(ctx, models.JobTypeQualityAssessment, models.QualityAssessmentPayload{
			UserID:  item.UserID,
			Content: item.Content,
			Type:    string(item.Type),
			Format:  item.Format,
			ItemID:  item.ID,
		}, priority, 0)
		if err != nil {
			return nil, s.enqueueFailed(item, "quality_assessment", err)
		}
		result.JobIDs = append(result.JobIDs, id)
	}

	if cfg.EnableAutoOptimization {
		targets := opts.TargetModels
		if len(targets) == 0 {
			targets = defaultTargetModels(item.Type)
		}
		for _, target := range targets {
			id, err := s.queue.AddJob(ctx, models.JobTypeOptimization, models.OptimizationPayload{
				UserID:        item.UserID,
				Content:       item.Content,
				TargetModel:   target,
				CurrentFormat: item.Format,
				ItemID:        item.ID,
			}, priority, 0)
			if err != nil {
				return nil, s.enqueueFailed(item, "optimization", err)
			}
			result.JobIDs = append(result.JobIDs, id)
		}
	}

	execution := &models.PipelineExecution{
		ID:     common.NewExecutionID(),
		UserID: item.UserID,
		ItemID: item.ID,
		JobIDs: result.JobIDs,
		Config: cfg.snapshot(),
	}
	if err := s.audit.AppendExecution(ctx, execution); err != nil {
		return nil, fmt.Errorf("record pipeline execution: %w", err)
	}
	result.ExecutionID = execution.ID

	s.logger.Info().
		Str("item_id", item.ID).
		Str("execution_id", execution.ID).
		Int("jobs", len(result.JobIDs)).
		Msg("Pipeline bundle enqueued")
	return result, nil
}

func (s *Service) enqueueFailed(item *models.Item, stage string, err error) error {
	s.notify(item.UserID, fmt.Sprintf("Processing failed for %s: could not enqueue %s", item.Name, stage), map[string]interface{}{
		"item_id": item.ID,
		"error":   err.Error(),
	})
	return fmt.Errorf("enqueue %s for item %s: %w", stage, item.ID, err)
}

func (s *Service) notify(userID, message string, data map[string]interface{}) {
	s.bus.Publish(interfaces.Event{
		Type:    interfaces.EventNotification,
		UserID:  userID,
		Payload: map[string]interface{}{"message": message, "data": data},
	})
}

// ProcessBatch processes ids in chunks of the configured batch size,
// items within a chunk in parallel, one second of pause between chunks.
// Per-item failures are swallowed so the batch keeps going.
func (s *Service) ProcessBatch(ctx context.Context, itemIDs []string, opts ProcessOptions) *BatchResult {
	batchSize := s.GetConfig().BatchSize
	result := &BatchResult{}
	var mu sync.Mutex

	for start := 0; start < len(itemIDs); start += batchSize {
		end := start + batchSize
		if end > len(itemIDs) {
			end = len(itemIDs)
		}

		var wg sync.WaitGroup
		for _, itemID := range itemIDs[start:end] {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := s.ProcessItem(ctx, id, opts)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					s.logger.Warn().Str("item_id", id).Err(err).Msg("Batch item failed")
					result.Failed++
					return
				}
				result.Processed++
			}(itemID)
		}
		wg.Wait()

		if end < len(itemIDs) {
			select {
			case <-ctx.Done():
				return result
			case <-time.After(chunkPause):
			}
		}
	}
	return result
}

// RunDeduplication enqueues one deduplication job over the user's items,
// optionally scoped to a collection. Returns an empty id when there are
// not enough items to compare.
func (s *Service) RunDeduplication(ctx context.Context, userID, collectionID string) (string, error) {
	if !s.GetConfig().EnableDuplicateDetection {
		return "", fmt.Errorf("duplicate detection is disabled")
	}

	items, err := s.items.ListItemsByUser(ctx, userID, &interfaces.ItemOptions{
		CollectionID: collectionID,
		Limit:        dedupScanLimit,
	})
	if err != nil {
		return "", fmt.Errorf("list items: %w", err)
	}
	if len(items) < 2 {
		s.logger.Debug().Str("user_id", userID).Int("items", len(items)).Msg("Not enough items to deduplicate")
		return "", nil
	}

	dedupItems := make([]models.DedupItem, 0, len(items))
	for _, item := range items {
		dedupItems = append(dedupItems, models.DedupItem{
			ID:      item.ID,
			Content: item.Content,
			Name:    item.Name,
		})
	}

	return s.queue.AddJob(ctx, models.JobTypeDeduplication, models.DeduplicationPayload{
		UserID:    userID,
		Items:     dedupItems,
		Threshold: models.DefaultDedupThreshold,
	}, "", 0)
}

// RunSimilarityScoring enqueues one similarity job per source/target
// pair. Missing targets are skipped.
func (s *Service) RunSimilarityScoring(ctx context.Context, sourceID string, targetIDs []string, userID string) ([]string, error) {
	source, err := s.items.GetItem(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("load source item %s: %w", sourceID, err)
	}

	var jobIDs []string
	for _, targetID := range targetIDs {
		target, err := s.items.GetItem(ctx, targetID)
		if err != nil {
			s.logger.Warn().Str("item_id", targetID).Err(err).Msg("Skipping missing similarity target")
			continue
		}
		id, err := s.queue.AddJob(ctx, models.JobTypeSimilarityScoring, models.SimilarityScoringPayload{
			UserID:        userID,
			SourceContent: source.Content,
			TargetContent: target.Content,
			SourceID:      source.ID,
			TargetID:      target.ID,
		}, "", 0)
		if err != nil {
			return jobIDs, fmt.Errorf("enqueue similarity %s/%s: %w", sourceID, targetID, err)
		}
		jobIDs = append(jobIDs, id)
	}
	return jobIDs, nil
}

// GetPipelineStatus aggregates the user's recent jobs: status counts over
// the last 20, type counts, and the first 10 records.
func (s *Service) GetPipelineStatus(ctx context.Context, userID string) (*Status, error) {
	jobs, err := s.queue.ListByUser(ctx, userID, 20)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	status := &Status{
		ByStatus: make(map[models.JobStatus]int),
		ByType:   make(map[models.JobType]int),
	}
	for _, job := range jobs {
		status.ByStatus[job.Status]++
		status.ByType[job.Type]++
	}
	if len(jobs) > 10 {
		jobs = jobs[:10]
	}
	status.Jobs = jobs
	return status, nil
}
