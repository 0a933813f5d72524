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

// stopWords excluded from tag extraction.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "of": true,
	"to": true, "in": true, "is": true, "are": true, "for": true, "with": true,
	"that": true, "this": true, "you": true, "your": true, "it": true,
	"on": true, "be": true, "as": true, "do": true, "not": true,
}

// ContentAnalysisWorker runs the combined analysis pass: structure,
// optional quality scores, optional summary and optional tags.
type ContentAnalysisWorker struct {
	llm    interfaces.LLMProvider
	logger arbor.ILogger
}

// NewContentAnalysisWorker creates the content analysis worker.
func NewContentAnalysisWorker(llm interfaces.LLMProvider, logger arbor.ILogger) *ContentAnalysisWorker {
	return &ContentAnalysisWorker{llm: llm, logger: logger}
}

func (w *ContentAnalysisWorker) Type() models.JobType { return models.JobTypeContentAnalysis }
func (w *ContentAnalysisWorker) Concurrency() int     { return 2 }

func (w *ContentAnalysisWorker) Process(ctx context.Context, payload models.JobPayload, report ProgressFunc) (map[string]interface{}, error) {
	p, ok := payload.(models.ContentAnalysisPayload)
	if !ok {
		return nil, Permanent(fmt.Errorf("unexpected payload variant %T", payload))
	}

	report(15, "Extracting features", nil)
	features := extractFeatures(p.Content)
	structure := analyzeStructure(p.Content)
	readability := analyzeReadability(p.Content)

	result := map[string]interface{}{
		"features": features,
		"structure": map[string]interface{}{
			"lineCount":    structure.LineCount,
			"sectionCount": structure.SectionCount,
			"hasHeaders":   structure.HasHeaders,
			"hasVariables": structure.HasVariables,
		},
		"readability": map[string]interface{}{
			"flesch": round2(readability.Flesch),
			"level":  readability.Level,
		},
	}

	if p.IncludeQuality {
		report(40, "Scoring quality", nil)
		_, completeness := analyzeCompleteness(p.Content, "")
		_, consistency := analyzeConsistency(p.Content)
		result["quality"] = models.QualityScores{
			Clarity:      round2(readability.Flesch / 100.0),
			Completeness: round2(completeness),
			Specificity:  round2(specificityScore(p.Content)),
			Consistency:  round2(consistency),
			Usability:    round2(analyzeUsability(p.Content, structure)),
		}
	}

	if p.IncludeSummary {
		report(65, "Summarizing", nil)
		summary, fallback := w.summarize(ctx, p.Content)
		result["summary"] = summary
		if fallback {
			result["summaryFallback"] = true
		}
	}

	if p.IncludeTags {
		report(85, "Extracting tags", nil)
		result["tags"] = extractTags(p.Content, 8)
	}

	return result, nil
}

func (w *ContentAnalysisWorker) summarize(ctx context.Context, content string) (string, bool) {
	out, err := w.llm.Complete(ctx, &interfaces.CompletionRequest{
		Prompt: "Summarize the following in one or two sentences:\n\n" + content,
		Family: interfaces.FamilyGemini,
	})
	if err == nil && strings.TrimSpace(out) != "" {
		return strings.TrimSpace(out), false
	}
	if err != nil {
		w.logger.Debug().Err(err).Msg("Summary LLM call failed, using leading sentence")
	}
	// First sentence, truncated.
	s := strings.TrimSpace(content)
	if idx := sentenceRe.FindStringIndex(s); idx != nil {
		s = s[:idx[1]]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return strings.TrimSpace(s), true
}

// extractTags returns the most frequent non-stopword tokens.
func extractTags(content string, max int) []string {
	counts := make(map[string]int)
	for tok := range similarity.Tokenize(content) {
		if len(tok) < 4 || stopWords[tok] {
			continue
		}
		counts[tok] = strings.Count(strings.ToLower(content), tok)
	}

	tags := make([]string, 0, len(counts))
	for tok := range counts {
		tags = append(tags, tok)
	}
	sort.Slice(tags, func(i, j int) bool {
		if counts[tags[i]] != counts[tags[j]] {
			return counts[tags[i]] > counts[tags[j]]
		}
		return tags[i] < tags[j]
	})
	if len(tags) > max {
		tags = tags[:max]
	}
	return tags
}
