package workers

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quill/internal/common"
	"github.com/ternarybob/quill/internal/interfaces"
	"github.com/ternarybob/quill/internal/models"
)

var (
	sentenceRe     = regexp.MustCompile(`[.!?]+\s+|[.!?]+$`)
	specificTermRe = regexp.MustCompile(`(?i)\b(\d+|exactly|specifically|precisely|must|step \d|format|json|markdown|schema)\b`)
)

// contentAnalysis captures the measurable qualities the optimizer tries
// to improve.
type contentAnalysis struct {
	Length          int     `json:"length"`
	SentenceCount   int     `json:"sentenceCount"`
	ParagraphCount  int     `json:"paragraphCount"`
	HasStructure    bool    `json:"hasStructure"`
	ClarityScore    float64 `json:"clarityScore"`
	Specificity     float64 `json:"specificity"`
	ModelFit        float64 `json:"modelFit"`
}

func analyzeContent(content, targetModel string) contentAnalysis {
	sentences := countSentences(content)
	paragraphs := 0
	for _, p := range strings.Split(content, "\n\n") {
		if strings.TrimSpace(p) != "" {
			paragraphs++
		}
	}

	words := len(strings.Fields(content))
	meanSentenceLen := 0.0
	if sentences > 0 {
		meanSentenceLen = float64(words) / float64(sentences)
	}
	// Clarity degrades as mean sentence length climbs past ~15 words.
	clarity := 1.0 - (meanSentenceLen-15.0)/30.0
	if clarity > 1 {
		clarity = 1
	}
	if clarity < 0 {
		clarity = 0
	}

	specific := float64(len(specificTermRe.FindAllString(content, -1)))
	specificity := specific / 10.0
	if specificity > 1 {
		specificity = 1
	}

	return contentAnalysis{
		Length:         len(content),
		SentenceCount:  sentences,
		ParagraphCount: paragraphs,
		HasStructure:   hasStructure(content),
		ClarityScore:   round2(clarity),
		Specificity:    round2(specificity),
		ModelFit:       modelCompatibility(content, targetModel),
	}
}

func countSentences(content string) int {
	matches := sentenceRe.FindAllString(content, -1)
	if len(matches) == 0 && strings.TrimSpace(content) != "" {
		return 1
	}
	return len(matches)
}

func hasStructure(content string) bool {
	return numberedListRe.MatchString(content) || bulletRe.MatchString(content) || headerLineRe.MatchString(content)
}

var (
	numberedListRe = regexp.MustCompile(`(?m)^\s*\d+[.)]\s`)
	bulletRe       = regexp.MustCompile(`(?m)^\s*[-*+]\s`)
	headerLineRe   = regexp.MustCompile(`(?m)^#{1,6}\s`)
)

// modelCompatibility is a coarse heuristic by target label: claude-family
// models tolerate long prose, openai-family prefers explicit system
// framing, gemini sits between.
func modelCompatibility(content, targetModel string) float64 {
	label := strings.ToLower(targetModel)
	length := len(content)
	switch {
	case strings.Contains(label, "claude") || strings.Contains(label, "anthropic"):
		if length > 500 {
			return 0.9
		}
		return 0.7
	case strings.Contains(label, "openai") || strings.Contains(label, "gpt"):
		if strings.Contains(strings.ToLower(content), "system") {
			return 0.9
		}
		return 0.6
	case strings.Contains(label, "gemini"):
		return 0.75
	default:
		return 0.5
	}
}

// improvementOpportunities lists what the rewrite should address, in
// priority order.
func improvementOpportunities(a contentAnalysis) []string {
	var opps []string
	if a.ClarityScore < 0.6 {
		opps = append(opps, "shorten long sentences for clarity")
	}
	if a.Specificity < 0.4 {
		opps = append(opps, "add concrete requirements and measurable constraints")
	}
	if !a.HasStructure && a.SentenceCount > 3 {
		opps = append(opps, "convert prose into a numbered step list")
	}
	if a.ModelFit < 0.7 {
		opps = append(opps, "adjust framing for the target model family")
	}
	if len(opps) == 0 {
		opps = append(opps, "tighten wording without changing meaning")
	}
	return opps
}

// OptimizationWorker rewrites content for one target model.
type OptimizationWorker struct {
	items  interfaces.ItemStorage
	llm    interfaces.LLMProvider
	logger arbor.ILogger
}

// NewOptimizationWorker creates the optimization worker.
func NewOptimizationWorker(items interfaces.ItemStorage, llm interfaces.LLMProvider, logger arbor.ILogger) *OptimizationWorker {
	return &OptimizationWorker{items: items, llm: llm, logger: logger}
}

func (w *OptimizationWorker) Type() models.JobType { return models.JobTypeOptimization }
func (w *OptimizationWorker) Concurrency() int     { return 2 }

func (w *OptimizationWorker) Process(ctx context.Context, payload models.JobPayload, report ProgressFunc) (map[string]interface{}, error) {
	p, ok := payload.(models.OptimizationPayload)
	if !ok {
		return nil, Permanent(fmt.Errorf("unexpected payload variant %T", payload))
	}

	report(10, "Analyzing content", nil)
	analysis := analyzeContent(p.Content, p.TargetModel)
	opportunities := improvementOpportunities(analysis)

	report(40, "Rewriting content", map[string]interface{}{"targetModel": p.TargetModel})
	optimized, fallback := w.rewrite(ctx, p.Content, p.TargetModel, opportunities)

	report(75, "Scoring improvement", nil)
	after := analyzeContent(optimized, p.TargetModel)
	improvement := improvementScore(analysis, after)

	suggestions := opportunities
	metrics := map[string]interface{}{
		"before": analysis,
		"after":  after,
	}
	metadata := map[string]interface{}{}
	if fallback {
		metadata["fallback"] = true
	}

	result := map[string]interface{}{
		"optimizedContent": optimized,
		"suggestions":      suggestions,
		"metrics":          metrics,
		"metadata":         metadata,
		"improvementScore": improvement,
	}

	if p.ItemID != "" {
		report(90, "Recording optimization", nil)
		rec := &models.OptimizationRecord{
			ID:               common.NewInstanceID(),
			ItemID:           p.ItemID,
			UserID:           p.UserID,
			TargetModel:      p.TargetModel,
			OptimizedContent: optimized,
			Suggestions:      suggestions,
			ImprovementScore: improvement,
			Fallback:         fallback,
		}
		if err := w.items.SaveOptimization(ctx, rec); err != nil {
			return nil, fmt.Errorf("save optimization record: %w", err)
		}
	}

	return result, nil
}

// rewrite calls the LLM with the opportunity list; on failure it applies
// the deterministic rule transforms instead.
func (w *OptimizationWorker) rewrite(ctx context.Context, content, targetModel string, opportunities []string) (string, bool) {
	prompt := fmt.Sprintf(`Rewrite the following content optimized for the %s model family.

Address these opportunities, in order:
- %s

Return only the rewritten content, no commentary.

Content:
%s`, targetModel, strings.Join(opportunities, "\n- "), content)

	out, err := w.llm.Complete(ctx, &interfaces.CompletionRequest{
		Prompt: prompt,
		System: "You are an expert prompt engineer. Preserve intent; improve clarity, specificity and structure.",
		Family: familyForModel(targetModel),
	})
	if err == nil && strings.TrimSpace(out) != "" {
		return strings.TrimSpace(out), false
	}
	if err != nil {
		w.logger.Debug().Err(err).Msg("Optimizer LLM call failed, applying rule transforms")
	}
	return ruleBasedOptimize(content, targetModel), true
}

func familyForModel(targetModel string) interfaces.ModelFamily {
	label := strings.ToLower(targetModel)
	switch {
	case strings.Contains(label, "claude") || strings.Contains(label, "anthropic"):
		return interfaces.FamilyAnthropic
	case strings.Contains(label, "gemini"):
		return interfaces.FamilyGemini
	default:
		return interfaces.FamilyOpenAI
	}
}

// ruleBasedOptimize is the deterministic fallback: prose becomes a
// numbered list when structure is missing, and openai-family targets get
// a system preamble.
func ruleBasedOptimize(content, targetModel string) string {
	out := content
	if !hasStructure(content) && countSentences(content) > 3 {
		var lines []string
		rest := content
		for i, loc := 1, sentenceRe.FindStringIndex(rest); loc != nil; i, loc = i+1, sentenceRe.FindStringIndex(rest) {
			sentence := strings.TrimSpace(rest[:loc[1]])
			if sentence != "" {
				lines = append(lines, fmt.Sprintf("%d. %s", i, sentence))
			}
			rest = rest[loc[1]:]
		}
		if strings.TrimSpace(rest) != "" {
			lines = append(lines, fmt.Sprintf("%d. %s", len(lines)+1, strings.TrimSpace(rest)))
		}
		if len(lines) > 0 {
			out = strings.Join(lines, "\n")
		}
	}

	if familyForModel(targetModel) == interfaces.FamilyOpenAI {
		out = "System: Follow the instructions below exactly.\n\n" + out
	}
	return out
}

// improvementScore averages the positive deltas across the four measured
// dimensions.
func improvementScore(before, after contentAnalysis) float64 {
	deltas := []float64{
		after.ClarityScore - before.ClarityScore,
		after.Specificity - before.Specificity,
		boolDelta(before.HasStructure, after.HasStructure),
		after.ModelFit - before.ModelFit,
	}
	total := 0.0
	for _, d := range deltas {
		if d > 0 {
			total += d
		}
	}
	score := total / float64(len(deltas))
	if score > 1 {
		score = 1
	}
	return round2(score)
}

func boolDelta(before, after bool) float64 {
	switch {
	case after && !before:
		return 1
	case before && !after:
		return -1
	default:
		return 0
	}
}
