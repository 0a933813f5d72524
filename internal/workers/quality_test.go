package workers

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quill/internal/models"
)

const wellFormedPrompt = "# Title\n\nPlease do the following:\n1. Read {{input}}\n2. Summarize\n"

func TestQualityWorker_WellFormedPrompt(t *testing.T) {
	w := NewQualityWorker(newFakeItems(), arbor.NewLogger())

	result, err := w.Process(context.Background(), models.QualityAssessmentPayload{
		UserID:  "u1",
		Content: wellFormedPrompt,
		Type:    "prompt",
		Format:  ".md",
	}, noProgress)
	require.NoError(t, err)

	scores := result["scores"].(models.QualityScores)
	assert.Greater(t, scores.Clarity, 0.4)
	assert.Greater(t, scores.Completeness, 0.4)
	assert.Greater(t, scores.Specificity, 0.4)
	assert.Greater(t, scores.Consistency, 0.4)
	assert.GreaterOrEqual(t, scores.Usability, 0.4)
	assert.Greater(t, scores.Overall, 0.5)

	assert.InDelta(t, 1.0, scores.Clarity, 0.001)
	assert.InDelta(t, 0.71, scores.Completeness, 0.001)
	assert.InDelta(t, 0.7, scores.Specificity, 0.001)
	assert.InDelta(t, 1.0, scores.Consistency, 0.001)
	assert.InDelta(t, 0.5, scores.Usability, 0.001)
	assert.InDelta(t, 0.78, scores.Overall, 0.001)

	issues := result["issues"].([]models.QualityIssue)
	assert.Empty(t, issues)

	recommendation := result["recommendation"].(models.QualityRecommendation)
	assert.Equal(t, "low", recommendation.EstimatedEffort)
	assert.Equal(t, "good", recommendation.Overall)

	checks := result["completeness"].(completenessChecks)
	assert.True(t, checks.HasTitle)
	assert.True(t, checks.HasPlaceholders)
	assert.True(t, checks.TypeCheckPassed)
	assert.False(t, checks.HasConstraints)
}

func TestQualityWorker_PersistsAssessment(t *testing.T) {
	items := newFakeItems()
	w := NewQualityWorker(items, arbor.NewLogger())

	_, err := w.Process(context.Background(), models.QualityAssessmentPayload{
		UserID:  "u1",
		Content: wellFormedPrompt,
		Type:    "prompt",
		ItemID:  "i1",
	}, noProgress)
	require.NoError(t, err)

	require.Len(t, items.assessments, 1)
	assert.Equal(t, "i1", items.assessments[0].ItemID)
	assert.NotEmpty(t, items.assessments[0].ID)
}

func TestAnalyzeReadability_DenseProseIsDifficult(t *testing.T) {
	// One extremely long sentence of long words.
	word := "incomprehensibility "
	content := strings.Repeat(word, 60) + "."

	r := analyzeReadability(content)
	assert.Less(t, r.Flesch, 30.0)
	assert.Equal(t, "very difficult", r.Level)
	assert.Greater(t, r.AvgSentenceLength, 25.0)
	assert.Equal(t, 60, r.ComplexWords)
}

func TestDeriveIssues_SeverityThresholds(t *testing.T) {
	word := "incomprehensibility "
	content := strings.Repeat(word, 60) + "."

	structure := analyzeStructure(content)
	readability := analyzeReadability(content)
	_, completeness := analyzeCompleteness(content, "other")
	consistencyIssues, _ := analyzeConsistency(content)

	issues := deriveIssues(structure, readability, completeness, consistencyIssues)

	categories := make(map[string]string)
	for _, issue := range issues {
		categories[issue.Description] = issue.Severity
	}
	assert.Equal(t, "high", categories["Content is very difficult to read"])
	assert.Equal(t, "medium", categories["Average sentence length exceeds 25 words"])
	assert.Equal(t, "high", categories["Content is missing expected elements"])
}

func TestAnalyzeConsistency_FlagsMixedStyles(t *testing.T) {
	content := "- one\n* two\n\n{{snake_case}} and {{kebab-case}}\n"
	issues, score := analyzeConsistency(content)
	assert.Contains(t, issues, "mixed bullet characters")
	assert.Contains(t, issues, "mixed variable naming styles")
	assert.InDelta(t, 0.6, score, 0.001)
}

func TestAnalyzeConsistency_NonMonotonicHeaders(t *testing.T) {
	issues, _ := analyzeConsistency("# top\n### skipped a level\n")
	assert.Contains(t, issues, "non-monotonic header levels")

	issues, score := analyzeConsistency("# top\n## nested\n### deeper\n")
	assert.Empty(t, issues)
	assert.Equal(t, 1.0, score)
}

func TestDeriveRecommendation_EffortBuckets(t *testing.T) {
	low := deriveRecommendation(models.QualityScores{Overall: 0.9}, []models.QualityIssue{
		{Severity: "low"}, {Severity: "medium"},
	})
	assert.Equal(t, "low", low.EstimatedEffort)
	assert.Equal(t, "excellent", low.Overall)
	assert.Equal(t, "low", low.Priority)

	medium := deriveRecommendation(models.QualityScores{Overall: 0.5}, []models.QualityIssue{
		{Severity: "high"}, {Severity: "high"}, {Severity: "medium"},
	})
	assert.Equal(t, "medium", medium.EstimatedEffort)
	assert.Equal(t, "fair", medium.Overall)

	high := deriveRecommendation(models.QualityScores{Overall: 0.2}, []models.QualityIssue{
		{Severity: "critical"}, {Severity: "critical"}, {Severity: "high"},
	})
	assert.Equal(t, "high", high.EstimatedEffort)
	assert.Equal(t, "needs work", high.Overall)
	assert.Equal(t, "high", high.Priority)
}

func TestAnalyzeCompleteness_TypeChecks(t *testing.T) {
	_, promptScore := analyzeCompleteness("System: be terse.\nUser: hello", "prompt")
	assert.Greater(t, promptScore, 0.0)

	checks, _ := analyzeCompleteness("You are a careful reviewer of merge requests.", "agent")
	assert.True(t, checks.TypeCheckPassed)

	checks, _ = analyzeCompleteness("no placeholders here", "template")
	assert.False(t, checks.TypeCheckPassed)
}

func TestFleschLevelBands(t *testing.T) {
	assert.Equal(t, "very easy", fleschLevel(95))
	assert.Equal(t, "standard", fleschLevel(65))
	assert.Equal(t, "difficult", fleschLevel(35))
	assert.Equal(t, "very difficult", fleschLevel(10))
}
