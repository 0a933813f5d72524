package workers

import (
	"context"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quill/internal/common"
	"github.com/ternarybob/quill/internal/interfaces"
	"github.com/ternarybob/quill/internal/models"
)

// ModelOptimizationWorker is the token-budget-aware optimization variant:
// it rewrites for a target model while keeping the estimated token count
// inside the caller's budget.
type ModelOptimizationWorker struct {
	items  interfaces.ItemStorage
	llm    interfaces.LLMProvider
	logger arbor.ILogger
}

// NewModelOptimizationWorker creates the model optimization worker.
func NewModelOptimizationWorker(items interfaces.ItemStorage, llm interfaces.LLMProvider, logger arbor.ILogger) *ModelOptimizationWorker {
	return &ModelOptimizationWorker{items: items, llm: llm, logger: logger}
}

func (w *ModelOptimizationWorker) Type() models.JobType { return models.JobTypeModelOptimization }
func (w *ModelOptimizationWorker) Concurrency() int     { return 2 }

func (w *ModelOptimizationWorker) Process(ctx context.Context, payload models.JobPayload, report ProgressFunc) (map[string]interface{}, error) {
	p, ok := payload.(models.ModelOptimizationPayload)
	if !ok {
		return nil, Permanent(fmt.Errorf("unexpected payload variant %T", payload))
	}

	report(15, "Analyzing content", nil)
	analysis := analyzeContent(p.Content, p.TargetModel)
	beforeTokens := estimateTokens(p.Content)

	goal := "balance brevity and quality"
	if p.PrioritizeQuality {
		goal = "preserve every nuance; brevity is secondary"
	}
	if p.AggressiveOptimization {
		goal = "compress aggressively; drop redundancy and filler"
	}

	budgetClause := ""
	if p.MaxTokenBudget > 0 {
		budgetClause = fmt.Sprintf(" Keep the result under approximately %d tokens.", p.MaxTokenBudget)
	}

	report(45, "Rewriting for target model", map[string]interface{}{"targetModel": p.TargetModel})
	prompt := fmt.Sprintf(`Optimize the following content for the %s model family. Goal: %s.%s Return only the optimized content.

%s`, p.TargetModel, goal, budgetClause, p.Content)

	optimized, err := w.llm.Complete(ctx, &interfaces.CompletionRequest{
		Prompt: prompt,
		System: "You are an expert prompt engineer.",
		Family: familyForModel(p.TargetModel),
	})
	fallback := false
	if err != nil || strings.TrimSpace(optimized) == "" {
		if err != nil {
			w.logger.Debug().Err(err).Msg("Model optimization LLM call failed, applying rule transforms")
		}
		optimized = ruleBasedOptimize(p.Content, p.TargetModel)
		fallback = true
	}
	optimized = strings.TrimSpace(optimized)

	if p.MaxTokenBudget > 0 {
		optimized = truncateToBudget(optimized, p.MaxTokenBudget)
	}
	afterTokens := estimateTokens(optimized)

	metrics := map[string]interface{}{
		"before":       analysis,
		"after":        analyzeContent(optimized, p.TargetModel),
		"beforeTokens": beforeTokens,
		"afterTokens":  afterTokens,
	}
	result := map[string]interface{}{
		"optimizedContent": optimized,
		"metrics":          metrics,
		"targetModel":      p.TargetModel,
	}
	if fallback {
		result["metadata"] = map[string]interface{}{"fallback": true}
	}

	if p.ItemID != "" {
		report(90, "Recording optimization", nil)
		rec := &models.OptimizationRecord{
			ID:               common.NewInstanceID(),
			ItemID:           p.ItemID,
			UserID:           p.UserID,
			TargetModel:      p.TargetModel,
			OptimizedContent: optimized,
			ImprovementScore: improvementScore(analysis, analyzeContent(optimized, p.TargetModel)),
			Fallback:         fallback,
		}
		if err := w.items.SaveOptimization(ctx, rec); err != nil {
			return nil, fmt.Errorf("save optimization record: %w", err)
		}
	}
	return result, nil
}

// estimateTokens uses the usual four-characters-per-token approximation.
func estimateTokens(content string) int {
	return (len(content) + 3) / 4
}

// truncateToBudget cuts at a word boundary under the approximate budget.
func truncateToBudget(content string, budget int) string {
	maxChars := budget * 4
	if len(content) <= maxChars {
		return content
	}
	cut := content[:maxChars]
	if idx := strings.LastIndexAny(cut, " \n"); idx > 0 {
		cut = cut[:idx]
	}
	return cut
}
