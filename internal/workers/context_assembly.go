package workers

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quill/internal/interfaces"
	"github.com/ternarybob/quill/internal/models"
	"github.com/ternarybob/quill/internal/services/similarity"
)

// ContextAssemblyWorker selects the user's most relevant artifacts for an
// intent and assembles them into a context bundle within a token budget.
type ContextAssemblyWorker struct {
	items  interfaces.ItemStorage
	logger arbor.ILogger
}

// NewContextAssemblyWorker creates the context assembly worker.
func NewContextAssemblyWorker(items interfaces.ItemStorage, logger arbor.ILogger) *ContextAssemblyWorker {
	return &ContextAssemblyWorker{items: items, logger: logger}
}

func (w *ContextAssemblyWorker) Type() models.JobType { return models.JobTypeContextAssembly }
func (w *ContextAssemblyWorker) Concurrency() int     { return 1 }

func (w *ContextAssemblyWorker) Process(ctx context.Context, payload models.JobPayload, report ProgressFunc) (map[string]interface{}, error) {
	p, ok := payload.(models.ContextAssemblyPayload)
	if !ok {
		return nil, Permanent(fmt.Errorf("unexpected payload variant %T", payload))
	}

	report(15, "Loading candidate items", nil)
	items, err := w.items.ListItemsByUser(ctx, p.UserID, &interfaces.ItemOptions{Limit: 1000})
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}

	query := strings.TrimSpace(p.Intent + " " + p.Query + " " + p.Domain)

	report(45, "Ranking by relevance", map[string]interface{}{"candidates": len(items)})
	type scored struct {
		item  *models.Item
		score float64
	}
	ranked := make([]scored, 0, len(items))
	for _, item := range items {
		if item.IsDuplicate {
			continue
		}
		s := similarity.Jaccard(query, item.Name+" "+item.Content)
		if s > 0 {
			ranked = append(ranked, scored{item: item, score: s})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	report(75, "Assembling context", nil)
	var sections []string
	var used []map[string]interface{}
	tokens := 0
	for _, s := range ranked {
		cost := estimateTokens(s.item.Content)
		if tokens+cost > p.MaxTokens {
			continue
		}
		tokens += cost
		sections = append(sections, fmt.Sprintf("## %s\n\n%s", s.item.Name, s.item.Content))
		used = append(used, map[string]interface{}{
			"itemId":    s.item.ID,
			"relevance": round2(s.score),
		})
		if tokens >= p.MaxTokens {
			break
		}
	}

	return map[string]interface{}{
		"context":     strings.Join(sections, "\n\n"),
		"items":       used,
		"tokenCount":  tokens,
		"maxTokens":   p.MaxTokens,
		"strategy":    p.Strategy,
		"targetModel": p.TargetModel,
	}, nil
}
