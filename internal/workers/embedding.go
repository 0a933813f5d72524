package workers

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quill/internal/common"
	"github.com/ternarybob/quill/internal/interfaces"
	"github.com/ternarybob/quill/internal/models"
)

// EmbeddingWorker produces a vector for one piece of content.
type EmbeddingWorker struct {
	items  interfaces.ItemStorage
	llm    interfaces.LLMProvider
	logger arbor.ILogger
}

// NewEmbeddingWorker creates the embedding generation worker.
func NewEmbeddingWorker(items interfaces.ItemStorage, llm interfaces.LLMProvider, logger arbor.ILogger) *EmbeddingWorker {
	return &EmbeddingWorker{items: items, llm: llm, logger: logger}
}

func (w *EmbeddingWorker) Type() models.JobType { return models.JobTypeEmbeddingGeneration }
func (w *EmbeddingWorker) Concurrency() int     { return 2 }

func (w *EmbeddingWorker) Process(ctx context.Context, payload models.JobPayload, report ProgressFunc) (map[string]interface{}, error) {
	p, ok := payload.(models.EmbeddingGenerationPayload)
	if !ok {
		return nil, Permanent(fmt.Errorf("unexpected payload variant %T", payload))
	}

	report(30, "Generating embedding", nil)
	vector, err := w.llm.Embed(ctx, p.Content)
	if err != nil {
		// Provider outages are retryable.
		return nil, fmt.Errorf("embed content: %w", err)
	}

	if p.ItemID != "" {
		report(80, "Storing embedding", nil)
		rec := &models.EmbeddingRecord{
			ID:         common.NewInstanceID(),
			ItemID:     p.ItemID,
			UserID:     p.UserID,
			ProviderID: p.ProviderID,
			Vector:     vector,
		}
		if err := w.items.SaveEmbedding(ctx, rec); err != nil {
			return nil, fmt.Errorf("save embedding: %w", err)
		}
	}

	return map[string]interface{}{
		"dimensions": len(vector),
		"itemId":     p.ItemID,
	}, nil
}
