package workers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quill/internal/interfaces"
	"github.com/ternarybob/quill/internal/models"
	"github.com/ternarybob/quill/internal/services/similarity"
)

// SimilarityScoringWorker scores one source/target content pair with the
// requested algorithm.
type SimilarityScoringWorker struct {
	llm    interfaces.LLMProvider
	logger arbor.ILogger
}

// NewSimilarityScoringWorker creates the similarity scoring worker.
func NewSimilarityScoringWorker(llm interfaces.LLMProvider, logger arbor.ILogger) *SimilarityScoringWorker {
	return &SimilarityScoringWorker{llm: llm, logger: logger}
}

func (w *SimilarityScoringWorker) Type() models.JobType { return models.JobTypeSimilarityScoring }
func (w *SimilarityScoringWorker) Concurrency() int     { return 2 }

func (w *SimilarityScoringWorker) Process(ctx context.Context, payload models.JobPayload, report ProgressFunc) (map[string]interface{}, error) {
	p, ok := payload.(models.SimilarityScoringPayload)
	if !ok {
		return nil, Permanent(fmt.Errorf("unexpected payload variant %T", payload))
	}

	report(25, "Scoring similarity", map[string]interface{}{"algorithm": p.Algorithm})

	var score float64
	fallback := false
	switch p.Algorithm {
	case "syntactic":
		score = 0.5*similarity.Structural(p.SourceContent, p.TargetContent) +
			0.5*similarity.Jaccard(p.SourceContent, p.TargetContent)
	case "hybrid":
		sem, fell := w.semantic(ctx, p.SourceContent, p.TargetContent)
		fallback = fell
		syn := similarity.Jaccard(p.SourceContent, p.TargetContent)
		score = (sem + syn) / 2
	default: // semantic
		score, fallback = w.semantic(ctx, p.SourceContent, p.TargetContent)
	}

	result := map[string]interface{}{
		"score":     round2(score),
		"algorithm": p.Algorithm,
	}
	if p.SourceID != "" || p.TargetID != "" {
		result["sourceId"] = p.SourceID
		result["targetId"] = p.TargetID
	}
	if fallback {
		result["metadata"] = map[string]interface{}{"fallback": true}
	}
	return result, nil
}

func (w *SimilarityScoringWorker) semantic(ctx context.Context, a, b string) (float64, bool) {
	excerptA, excerptB := a, b
	if len(excerptA) > 500 {
		excerptA = excerptA[:500]
	}
	if len(excerptB) > 500 {
		excerptB = excerptB[:500]
	}

	prompt := fmt.Sprintf(`Rate the semantic similarity of these two texts from 0.0 to 1.0. Respond with only the number.

Text A:
%s

Text B:
%s`, excerptA, excerptB)

	out, err := w.llm.Complete(ctx, &interfaces.CompletionRequest{
		Prompt: prompt,
		Family: interfaces.FamilyOpenAI,
	})
	if err == nil {
		if score, parseErr := strconv.ParseFloat(strings.TrimSpace(out), 64); parseErr == nil && score >= 0 && score <= 1 {
			return score, false
		}
	}
	if err != nil {
		w.logger.Debug().Err(err).Msg("Similarity LLM call failed, using token overlap")
	}
	return similarity.Jaccard(a, b), true
}
