package workers

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quill/internal/interfaces"
	"github.com/ternarybob/quill/internal/models"
)

// IntelligencePipelineWorker chains analysis operations over a set of
// items by enqueuing the corresponding typed jobs.
type IntelligencePipelineWorker struct {
	items  interfaces.ItemStorage
	queue  interfaces.QueueService
	logger arbor.ILogger
}

// NewIntelligencePipelineWorker creates the intelligence pipeline worker.
func NewIntelligencePipelineWorker(items interfaces.ItemStorage, queue interfaces.QueueService, logger arbor.ILogger) *IntelligencePipelineWorker {
	return &IntelligencePipelineWorker{items: items, queue: queue, logger: logger}
}

func (w *IntelligencePipelineWorker) Type() models.JobType { return models.JobTypeIntelligencePipeline }
func (w *IntelligencePipelineWorker) Concurrency() int     { return 1 }

func (w *IntelligencePipelineWorker) Process(ctx context.Context, payload models.JobPayload, report ProgressFunc) (map[string]interface{}, error) {
	p, ok := payload.(models.IntelligencePipelinePayload)
	if !ok {
		return nil, Permanent(fmt.Errorf("unexpected payload variant %T", payload))
	}

	jobIDs := make(map[string][]string)
	var skipped []string

	total := len(p.ItemIDs) * len(p.Operations)
	step := 0
	for _, itemID := range p.ItemIDs {
		item, err := w.items.GetItem(ctx, itemID)
		if err != nil {
			w.logger.Warn().Str("item_id", itemID).Err(err).Msg("Skipping missing item")
			skipped = append(skipped, itemID)
			step += len(p.Operations)
			continue
		}

		for _, op := range p.Operations {
			step++
			report(float64(step)/float64(total)*100, fmt.Sprintf("Enqueuing %s for %s", op, item.Name), nil)

			opPayload, err := operationPayload(op, item)
			if err != nil {
				w.logger.Warn().Str("item_id", itemID).Str("operation", op).Err(err).Msg("Unsupported operation")
				skipped = append(skipped, itemID+":"+op)
				continue
			}
			jobID, err := w.queue.AddJob(ctx, opPayload.JobKind(), opPayload, "", 0)
			if err != nil {
				return nil, fmt.Errorf("enqueue %s for item %s: %w", op, itemID, err)
			}
			jobIDs[itemID] = append(jobIDs[itemID], jobID)
		}
	}

	return map[string]interface{}{
		"jobIds":  jobIDs,
		"skipped": skipped,
	}, nil
}

func operationPayload(op string, item *models.Item) (models.JobPayload, error) {
	switch op {
	case "classification":
		return models.ClassificationPayload{
			UserID: item.UserID, Content: item.Content, Format: item.Format, ItemID: item.ID,
		}, nil
	case "quality_assessment":
		return models.QualityAssessmentPayload{
			UserID: item.UserID, Content: item.Content, Type: string(item.Type), Format: item.Format, ItemID: item.ID,
		}, nil
	case "embedding_generation":
		return models.EmbeddingGenerationPayload{
			UserID: item.UserID, Content: item.Content, ItemID: item.ID,
		}, nil
	case "content_analysis":
		return models.ContentAnalysisPayload{
			UserID: item.UserID, Content: item.Content,
			IncludeQuality: true, IncludeSummary: true, IncludeTags: true,
		}, nil
	default:
		return nil, fmt.Errorf("unknown pipeline operation: %s", op)
	}
}
