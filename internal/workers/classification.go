package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quill/internal/interfaces"
	"github.com/ternarybob/quill/internal/models"
)

var (
	variableRe    = regexp.MustCompile(`\{\{\s*[\w.-]+\s*\}\}`)
	imperativeRe  = regexp.MustCompile(`(?i)\b(write|create|generate|list|explain|describe|summarize|analyze|answer|translate|do|make|build|provide)\b`)
	exampleRe     = regexp.MustCompile(`(?i)\b(example|e\.g\.|for instance|such as)\b`)
	conditionalRe = regexp.MustCompile(`(?i)\b(if|when|unless|otherwise|in case)\b`)
	constraintRe  = regexp.MustCompile(`(?i)\b(must|never|always|only|require|forbidden|should not|do not)\b`)
	personalityRe = regexp.MustCompile(`(?i)\b(you are|act as|persona|personality|role|behave|tone)\b`)
	instructionRe = regexp.MustCompile(`(?i)\b(instruction|follow|step|task|your job|you should|you will)\b`)
)

// contentFeatures are the structural signals extracted before
// classification; they drive both the LLM prompt and the rule fallback.
type contentFeatures struct {
	Length          int  `json:"length"`
	WordCount       int  `json:"wordCount"`
	HasVariables    bool `json:"hasVariables"`
	HasImperatives  bool `json:"hasImperatives"`
	HasExamples     bool `json:"hasExamples"`
	HasConditionals bool `json:"hasConditionals"`
	HasConstraints  bool `json:"hasConstraints"`
	HasPersonality  bool `json:"hasPersonality"`
	HasInstructions bool `json:"hasInstructions"`
}

func extractFeatures(content string) contentFeatures {
	return contentFeatures{
		Length:          len(content),
		WordCount:       len(strings.Fields(content)),
		HasVariables:    variableRe.MatchString(content),
		HasImperatives:  imperativeRe.MatchString(content),
		HasExamples:     exampleRe.MatchString(content),
		HasConditionals: conditionalRe.MatchString(content),
		HasConstraints:  constraintRe.MatchString(content),
		HasPersonality:  personalityRe.MatchString(content),
		HasInstructions: instructionRe.MatchString(content),
	}
}

// ClassificationWorker types a piece of content, derives its target-model
// list and scores its quality and complexity.
type ClassificationWorker struct {
	items  interfaces.ItemStorage
	llm    interfaces.LLMProvider
	logger arbor.ILogger
}

// NewClassificationWorker creates the classification worker.
func NewClassificationWorker(items interfaces.ItemStorage, llm interfaces.LLMProvider, logger arbor.ILogger) *ClassificationWorker {
	return &ClassificationWorker{items: items, llm: llm, logger: logger}
}

func (w *ClassificationWorker) Type() models.JobType { return models.JobTypeClassification }
func (w *ClassificationWorker) Concurrency() int     { return 3 }

func (w *ClassificationWorker) Process(ctx context.Context, payload models.JobPayload, report ProgressFunc) (map[string]interface{}, error) {
	p, ok := payload.(models.ClassificationPayload)
	if !ok {
		return nil, Permanent(fmt.Errorf("unexpected payload variant %T", payload))
	}

	report(10, "Extracting content features", nil)
	features := extractFeatures(p.Content)

	report(30, "Classifying content", nil)
	itemType, subType, confidence, fallback := w.classify(ctx, p.Content, features)

	targetModels := p.TargetModels
	if len(targetModels) == 0 {
		targetModels = deriveTargetModels(itemType, features.Length)
	}

	report(70, "Scoring content", nil)
	qualityScore := featureQualityScore(features)
	complexity := featureComplexity(features)

	metadata := map[string]interface{}{
		"features":   features,
		"complexity": complexity,
	}
	if fallback {
		metadata["fallback"] = true
	}

	result := map[string]interface{}{
		"type":         string(itemType),
		"confidence":   confidence,
		"targetModels": targetModels,
		"metadata":     metadata,
		"qualityScore": qualityScore,
	}
	if subType != "" {
		result["subType"] = subType
	}

	if p.ItemID != "" {
		report(90, "Updating item", nil)
		if err := w.applyToItem(ctx, p.ItemID, itemType, subType, targetModels, metadata); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// classify asks the LLM for a typed verdict and falls back to the rule
// table when the call fails or returns unparsable output.
func (w *ClassificationWorker) classify(ctx context.Context, content string, features contentFeatures) (models.ItemType, string, float64, bool) {
	excerpt := content
	if len(excerpt) > 1000 {
		excerpt = excerpt[:1000]
	}

	featureJSON, _ := json.Marshal(features)
	prompt := fmt.Sprintf(`Classify this content artifact as one of: prompt, agent, rule, template, snippet, other.

Structural features: %s

Content (first 1000 characters):
%s

Respond with JSON only: {"type": "...", "subType": "...", "confidence": 0.0}`, featureJSON, excerpt)

	raw, err := w.llm.Complete(ctx, &interfaces.CompletionRequest{
		Prompt:       prompt,
		System:       "You are a content classifier. Respond with a single JSON object.",
		Family:       interfaces.FamilyOpenAI,
		JSONResponse: true,
	})
	if err == nil {
		var verdict struct {
			Type       string  `json:"type"`
			SubType    string  `json:"subType"`
			Confidence float64 `json:"confidence"`
		}
		if jsonErr := json.Unmarshal([]byte(extractJSON(raw)), &verdict); jsonErr == nil && verdict.Type != "" {
			if t := models.ItemType(verdict.Type); isKnownItemType(t) {
				if verdict.Confidence <= 0 || verdict.Confidence > 1 {
					verdict.Confidence = 0.75
				}
				return t, verdict.SubType, verdict.Confidence, false
			}
		}
		w.logger.Debug().Msg("Classifier returned unparsable verdict, using rule fallback")
	} else {
		w.logger.Debug().Err(err).Msg("Classifier LLM call failed, using rule fallback")
	}

	t, conf := fallbackClassify(content, features)
	return t, "", conf, true
}

// fallbackClassify is the deterministic rule table used when the LLM is
// unavailable. Confidence stays inside [0.3, 0.8].
func fallbackClassify(content string, features contentFeatures) (models.ItemType, float64) {
	lower := strings.ToLower(content)
	switch {
	case features.HasInstructions && features.HasPersonality:
		return models.ItemTypeAgent, 0.7
	case features.HasConstraints && strings.Contains(lower, "rule"):
		return models.ItemTypeRule, 0.65
	case features.HasVariables && strings.Contains(lower, "template"):
		return models.ItemTypeTemplate, 0.65
	case features.Length < 200 && !features.HasInstructions:
		return models.ItemTypeSnippet, 0.5
	default:
		return models.ItemTypePrompt, 0.6
	}
}

func isKnownItemType(t models.ItemType) bool {
	switch t {
	case models.ItemTypePrompt, models.ItemTypeAgent, models.ItemTypeRule,
		models.ItemTypeTemplate, models.ItemTypeSnippet, models.ItemTypeOther:
		return true
	}
	return false
}

// deriveTargetModels maps the classified type onto the model families the
// artifact is worth optimizing for.
func deriveTargetModels(itemType models.ItemType, length int) []string {
	switch {
	case itemType == models.ItemTypeAgent:
		return []string{"claude", "openai"}
	case itemType == models.ItemTypeTemplate:
		return []string{"openai", "gemini"}
	case length > 2000:
		return []string{"claude"}
	default:
		return []string{"claude", "openai", "gemini"}
	}
}

// featureQualityScore maps feature presence to [0,1].
func featureQualityScore(f contentFeatures) float64 {
	score := 0.0
	checks := []bool{
		f.HasImperatives,
		f.HasExamples,
		f.HasConstraints,
		f.HasInstructions,
		f.WordCount >= 10,
	}
	for _, ok := range checks {
		if ok {
			score += 1.0 / float64(len(checks))
		}
	}
	return round2(score)
}

// featureComplexity buckets the 0-5 structural feature count.
func featureComplexity(f contentFeatures) string {
	count := 0
	for _, ok := range []bool{f.HasVariables, f.HasExamples, f.HasConditionals, f.HasConstraints, f.HasPersonality} {
		if ok {
			count++
		}
	}
	switch {
	case count <= 1:
		return "low"
	case count <= 3:
		return "medium"
	default:
		return "high"
	}
}

func (w *ClassificationWorker) applyToItem(ctx context.Context, itemID string, itemType models.ItemType, subType string, targetModels []string, metadata map[string]interface{}) error {
	item, err := w.items.GetItem(ctx, itemID)
	if err != nil {
		if err == interfaces.ErrItemNotFound {
			return Permanent(fmt.Errorf("item %s not found", itemID))
		}
		return fmt.Errorf("load item %s: %w", itemID, err)
	}

	item.Type = itemType
	item.SubType = subType
	item.TargetModels = targetModels
	if item.Metadata == nil {
		item.Metadata = make(map[string]interface{})
	}
	item.Metadata["classification"] = metadata

	if err := w.items.SaveItem(ctx, item); err != nil {
		return fmt.Errorf("save item %s: %w", itemID, err)
	}
	return nil
}

// extractJSON pulls the first top-level JSON object out of a completion
// that may be wrapped in prose or code fences.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
