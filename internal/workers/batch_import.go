package workers

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quill/internal/common"
	"github.com/ternarybob/quill/internal/interfaces"
	"github.com/ternarybob/quill/internal/models"
)

// BatchImportWorker persists imported artifacts and fans each one into a
// classification job.
type BatchImportWorker struct {
	items  interfaces.ItemStorage
	queue  interfaces.QueueService
	logger arbor.ILogger
}

// NewBatchImportWorker creates the batch import worker.
func NewBatchImportWorker(items interfaces.ItemStorage, queue interfaces.QueueService, logger arbor.ILogger) *BatchImportWorker {
	return &BatchImportWorker{items: items, queue: queue, logger: logger}
}

func (w *BatchImportWorker) Type() models.JobType { return models.JobTypeBatchImport }
func (w *BatchImportWorker) Concurrency() int     { return 1 }

func (w *BatchImportWorker) Process(ctx context.Context, payload models.JobPayload, report ProgressFunc) (map[string]interface{}, error) {
	p, ok := payload.(models.BatchImportPayload)
	if !ok {
		return nil, Permanent(fmt.Errorf("unexpected payload variant %T", payload))
	}

	var itemIDs []string
	var jobIDs []string
	var failures []string

	total := len(p.Items)
	for i, imported := range p.Items {
		report(float64(i)/float64(total)*100, fmt.Sprintf("Importing %s", imported.Name), nil)

		format := imported.Format
		if format == "" {
			format = ".md"
		}
		item := &models.Item{
			ID:      common.NewItemID(),
			UserID:  p.UserID,
			Name:    imported.Name,
			Type:    models.ItemTypeOther,
			Format:  format,
			Content: imported.Content,
		}
		if err := w.items.SaveItem(ctx, item); err != nil {
			w.logger.Warn().Str("name", imported.Name).Err(err).Msg("Failed to import item")
			failures = append(failures, imported.Name)
			continue
		}
		itemIDs = append(itemIDs, item.ID)

		jobID, err := w.queue.AddJob(ctx, models.JobTypeClassification, models.ClassificationPayload{
			UserID:  p.UserID,
			Content: imported.Content,
			Format:  format,
			ItemID:  item.ID,
		}, "", 0)
		if err != nil {
			w.logger.Warn().Str("item_id", item.ID).Err(err).Msg("Failed to enqueue classification")
			failures = append(failures, imported.Name)
			continue
		}
		jobIDs = append(jobIDs, jobID)
	}

	return map[string]interface{}{
		"itemIds":  itemIDs,
		"jobIds":   jobIDs,
		"imported": len(itemIDs),
		"failed":   failures,
	}, nil
}
