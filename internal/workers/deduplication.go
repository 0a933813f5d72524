package workers

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quill/internal/interfaces"
	"github.com/ternarybob/quill/internal/models"
	"github.com/ternarybob/quill/internal/services/similarity"
)

// DeduplicationWorker finds duplicate artifacts in three passes (exact,
// structural, semantic), groups them greedily and marks canonicals.
type DeduplicationWorker struct {
	items  interfaces.ItemStorage
	llm    interfaces.LLMProvider
	logger arbor.ILogger
}

// NewDeduplicationWorker creates the deduplication worker.
func NewDeduplicationWorker(items interfaces.ItemStorage, llm interfaces.LLMProvider, logger arbor.ILogger) *DeduplicationWorker {
	return &DeduplicationWorker{items: items, llm: llm, logger: logger}
}

func (w *DeduplicationWorker) Type() models.JobType { return models.JobTypeDeduplication }
func (w *DeduplicationWorker) Concurrency() int     { return 1 }

func (w *DeduplicationWorker) Process(ctx context.Context, payload models.JobPayload, report ProgressFunc) (map[string]interface{}, error) {
	p, ok := payload.(models.DeduplicationPayload)
	if !ok {
		return nil, Permanent(fmt.Errorf("unexpected payload variant %T", payload))
	}

	report(5, "Finding exact duplicates", nil)
	pairs := exactPairs(p.Items)

	report(25, "Scoring structural similarity", nil)
	pairs = append(pairs, structuralPairs(p.Items)...)

	report(50, "Scoring semantic similarity", nil)
	pairs = append(pairs, w.semanticPairs(ctx, p.Items, p.Threshold)...)

	report(80, "Grouping duplicates", nil)
	groups := groupPairs(p.Items, pairs)

	report(90, "Marking canonicals", nil)
	for _, g := range groups {
		if err := w.items.MarkCanonical(ctx, g.CanonicalID); err != nil && err != interfaces.ErrItemNotFound {
			return nil, fmt.Errorf("mark canonical %s: %w", g.CanonicalID, err)
		}
		for _, dupID := range g.DuplicateIDs {
			if err := w.items.MarkDuplicate(ctx, dupID, g.CanonicalID); err != nil && err != interfaces.ErrItemNotFound {
				return nil, fmt.Errorf("mark duplicate %s: %w", dupID, err)
			}
		}
	}

	return map[string]interface{}{
		"groups":       groups,
		"similarities": pairs,
		"itemCount":    len(p.Items),
		"threshold":    p.Threshold,
	}, nil
}

// exactPairs buckets items by normalized content; every pair sharing a
// bucket is an exact duplicate.
func exactPairs(items []models.DedupItem) []models.SimilarityPair {
	buckets := make(map[string][]int)
	for i, item := range items {
		key := similarity.Normalize(item.Content)
		buckets[key] = append(buckets[key], i)
	}

	var pairs []models.SimilarityPair
	for _, idxs := range buckets {
		if len(idxs) < 2 {
			continue
		}
		for a := 0; a < len(idxs); a++ {
			for b := a + 1; b < len(idxs); b++ {
				pairs = append(pairs, models.SimilarityPair{
					ID1:        items[idxs[a]].ID,
					ID2:        items[idxs[b]].ID,
					Score:      1.0,
					Kind:       models.SimilarityExact,
					Confidence: 1.0,
				})
			}
		}
	}
	return pairs
}

// structuralPairs emits every pair whose fingerprint similarity exceeds
// 0.7.
func structuralPairs(items []models.DedupItem) []models.SimilarityPair {
	var pairs []models.SimilarityPair
	for a := 0; a < len(items); a++ {
		for b := a + 1; b < len(items); b++ {
			score := similarity.Structural(items[a].Content, items[b].Content)
			if score > 0.7 {
				pairs = append(pairs, models.SimilarityPair{
					ID1:        items[a].ID,
					ID2:        items[b].ID,
					Score:      score,
					Kind:       models.SimilarityStructural,
					Confidence: 0.8,
				})
			}
		}
	}
	return pairs
}

// semanticPairs asks the LLM for a pairwise score, falling back to
// Jaccard token overlap when the call fails. Pairs above the threshold
// are emitted with confidence 0.7.
func (w *DeduplicationWorker) semanticPairs(ctx context.Context, items []models.DedupItem, threshold float64) []models.SimilarityPair {
	var pairs []models.SimilarityPair
	for a := 0; a < len(items); a++ {
		for b := a + 1; b < len(items); b++ {
			score := w.semanticScore(ctx, items[a].Content, items[b].Content)
			if score > threshold {
				pairs = append(pairs, models.SimilarityPair{
					ID1:        items[a].ID,
					ID2:        items[b].ID,
					Score:      score,
					Kind:       models.SimilaritySemantic,
					Confidence: 0.7,
				})
			}
		}
	}
	return pairs
}

func (w *DeduplicationWorker) semanticScore(ctx context.Context, a, b string) float64 {
	excerptA := a
	if len(excerptA) > 500 {
		excerptA = excerptA[:500]
	}
	excerptB := b
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
			return score
		}
	}
	return similarity.Jaccard(a, b)
}

// groupPairs greedily unions pairs in score-descending order. The
// canonical of a new group is chosen by content length ratio >= 1.2,
// then longer name, then first.
func groupPairs(items []models.DedupItem, pairs []models.SimilarityPair) []models.DuplicateGroup {
	byID := make(map[string]models.DedupItem, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}

	sorted := append([]models.SimilarityPair(nil), pairs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	groupOf := make(map[string]int)
	var groups []models.DuplicateGroup

	for _, pair := range sorted {
		gi1, in1 := groupOf[pair.ID1]
		gi2, in2 := groupOf[pair.ID2]

		switch {
		case !in1 && !in2:
			canonical, duplicate := chooseCanonical(byID[pair.ID1], byID[pair.ID2])
			groups = append(groups, models.DuplicateGroup{
				CanonicalID:  canonical,
				DuplicateIDs: []string{duplicate},
				Similarity:   pair.Score,
			})
			groupOf[pair.ID1] = len(groups) - 1
			groupOf[pair.ID2] = len(groups) - 1
		case in1 && !in2:
			groups[gi1].DuplicateIDs = append(groups[gi1].DuplicateIDs, pair.ID2)
			groupOf[pair.ID2] = gi1
		case !in1 && in2:
			groups[gi2].DuplicateIDs = append(groups[gi2].DuplicateIDs, pair.ID1)
			groupOf[pair.ID1] = gi2
		default:
			// Both endpoints already grouped.
		}
	}
	return groups
}

func chooseCanonical(a, b models.DedupItem) (canonical, duplicate string) {
	lenA := float64(len(a.Content))
	lenB := float64(len(b.Content))

	if lenB > 0 && lenA/lenB >= 1.2 {
		return a.ID, b.ID
	}
	if lenA > 0 && lenB/lenA >= 1.2 {
		return b.ID, a.ID
	}
	if len(a.Name) > len(b.Name) {
		return a.ID, b.ID
	}
	if len(b.Name) > len(a.Name) {
		return b.ID, a.ID
	}
	return a.ID, b.ID
}
