package workers

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quill/internal/common"
	"github.com/ternarybob/quill/internal/interfaces"
	"github.com/ternarybob/quill/internal/models"
	"github.com/ternarybob/quill/internal/services/cluster"
)

// ClusteringWorker groups a user's items by embedding proximity using the
// requested algorithm.
type ClusteringWorker struct {
	items  interfaces.ItemStorage
	llm    interfaces.LLMProvider
	logger arbor.ILogger
}

// NewClusteringWorker creates the semantic clustering worker.
func NewClusteringWorker(items interfaces.ItemStorage, llm interfaces.LLMProvider, logger arbor.ILogger) *ClusteringWorker {
	return &ClusteringWorker{items: items, llm: llm, logger: logger}
}

func (w *ClusteringWorker) Type() models.JobType { return models.JobTypeSemanticClustering }
func (w *ClusteringWorker) Concurrency() int     { return 1 }

func (w *ClusteringWorker) Process(ctx context.Context, payload models.JobPayload, report ProgressFunc) (map[string]interface{}, error) {
	p, ok := payload.(models.SemanticClusteringPayload)
	if !ok {
		return nil, Permanent(fmt.Errorf("unexpected payload variant %T", payload))
	}

	report(10, "Loading items", nil)
	itemIDs := p.ItemIDs
	if len(itemIDs) == 0 {
		items, err := w.items.ListItemsByUser(ctx, p.UserID, &interfaces.ItemOptions{Limit: 1000})
		if err != nil {
			return nil, fmt.Errorf("list items: %w", err)
		}
		for _, item := range items {
			itemIDs = append(itemIDs, item.ID)
		}
	}
	if len(itemIDs) < 2 {
		return nil, Permanent(fmt.Errorf("clustering needs at least 2 items, got %d", len(itemIDs)))
	}

	report(30, "Resolving embeddings", map[string]interface{}{"items": len(itemIDs)})
	vectors := make([][]float32, 0, len(itemIDs))
	resolved := make([]string, 0, len(itemIDs))
	for _, id := range itemIDs {
		vec, err := w.embeddingFor(ctx, id)
		if err != nil {
			w.logger.Warn().Str("item_id", id).Err(err).Msg("Skipping item without embedding")
			continue
		}
		vectors = append(vectors, vec)
		resolved = append(resolved, id)
	}
	if len(vectors) < 2 {
		return nil, fmt.Errorf("not enough embeddings to cluster (%d)", len(vectors))
	}

	report(60, "Clustering", map[string]interface{}{"algorithm": p.Algorithm})
	var assign cluster.Assignment
	var err error
	switch p.Algorithm {
	case "hierarchical":
		assign, err = cluster.Hierarchical(vectors, p.Threshold)
	case "dbscan":
		assign, err = cluster.DBSCAN(vectors, 1.0-p.Threshold, 2)
	default: // kmeans
		k := p.NumClusters
		if k <= 0 {
			k = estimateK(len(vectors))
		}
		assign, err = cluster.KMeans(vectors, k)
	}
	if err != nil {
		return nil, Permanent(fmt.Errorf("clustering failed: %w", err))
	}

	report(85, "Recording memberships", nil)
	runID := common.NewExecutionID()
	clusters := make(map[int][]string)
	for i, c := range assign {
		clusters[c] = append(clusters[c], resolved[i])
		rec := &models.ClusterMembership{
			ID:        common.NewInstanceID(),
			RunID:     runID,
			ItemID:    resolved[i],
			UserID:    p.UserID,
			Cluster:   c,
			Algorithm: p.Algorithm,
		}
		if err := w.items.SaveClusterMembership(ctx, rec); err != nil {
			return nil, fmt.Errorf("save cluster membership: %w", err)
		}
	}

	return map[string]interface{}{
		"runId":     runID,
		"algorithm": p.Algorithm,
		"clusters":  clusters,
		"count":     len(clusters),
	}, nil
}

// embeddingFor returns the stored embedding or computes and stores one.
func (w *ClusteringWorker) embeddingFor(ctx context.Context, itemID string) ([]float32, error) {
	if rec, err := w.items.GetEmbedding(ctx, itemID); err == nil {
		return rec.Vector, nil
	}

	item, err := w.items.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	vec, err := w.llm.Embed(ctx, item.Content)
	if err != nil {
		return nil, err
	}
	rec := &models.EmbeddingRecord{
		ID:     common.NewInstanceID(),
		ItemID: itemID,
		UserID: item.UserID,
		Vector: vec,
	}
	if err := w.items.SaveEmbedding(ctx, rec); err != nil {
		return nil, err
	}
	return vec, nil
}

// estimateK is the usual sqrt(n/2) heuristic.
func estimateK(n int) int {
	k := 1
	for k*k*2 < n {
		k++
	}
	return k
}
