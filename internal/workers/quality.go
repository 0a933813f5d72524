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
	codeFenceRe   = regexp.MustCompile("(?m)^```")
	boldSectionRe = regexp.MustCompile(`(?m)^\*\*[^*]+\*\*`)
	numericRe     = regexp.MustCompile(`^\d+$`)
	snakeVarRe    = regexp.MustCompile(`\{\{\s*[a-z0-9]+(_[a-z0-9]+)+\s*\}\}`)
	kebabVarRe    = regexp.MustCompile(`\{\{\s*[a-z0-9]+(-[a-z0-9]+)+\s*\}\}`)
	camelVarRe    = regexp.MustCompile(`\{\{\s*[a-z0-9]+([A-Z][a-z0-9]*)+\s*\}\}`)
	lowerVarRe    = regexp.MustCompile(`\{\{\s*[a-z0-9]+\s*\}\}`)
	systemUserRe  = regexp.MustCompile(`(?i)\b(system|user|assistant)\s*:`)
	errorLangRe   = regexp.MustCompile(`(?i)\b(error|fail|invalid|fallback|edge case|exception)\b`)
	validateLangRe = regexp.MustCompile(`(?i)\b(valid|verify|check|ensure|confirm)\b`)
	headerLevelRe  = regexp.MustCompile(`(?m)^(#{1,6})\s`)
)

// jargonWords is the fixed domain list used to estimate jargon level.
var jargonWords = []string{
	"llm", "token", "embedding", "vector", "inference", "prompt",
	"fine-tune", "rag", "agent", "pipeline", "schema", "api",
}

// structureInfo is the structural sub-analysis of the quality pass.
type structureInfo struct {
	LineCount             int
	HasHeaders            bool
	HasBullets            bool
	HasNumbers            bool
	HasCodeFences         bool
	HasVariables          bool
	SectionCount          int
	IndentationConsistent bool
	AvgLineLength         float64
}

func analyzeStructure(content string) structureInfo {
	lines := strings.Split(content, "\n")
	nonBlank := 0
	totalLen := 0
	indentOK := true
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		nonBlank++
		totalLen += len(line)
		indent := len(line) - len(strings.TrimLeft(line, " "))
		if indent > 0 && indent%2 != 0 && indent%4 != 0 {
			indentOK = false
		}
	}
	avgLine := 0.0
	if nonBlank > 0 {
		avgLine = float64(totalLen) / float64(nonBlank)
	}

	// Sections come from three marker families: headers, numbered items
	// and bold headings.
	sections := len(headerLineRe.FindAllString(content, -1)) +
		len(numberedListRe.FindAllString(content, -1)) +
		len(boldSectionRe.FindAllString(content, -1))

	return structureInfo{
		LineCount:             nonBlank,
		HasHeaders:            headerLineRe.MatchString(content),
		HasBullets:            bulletRe.MatchString(content),
		HasNumbers:            numberedListRe.MatchString(content),
		HasCodeFences:         codeFenceRe.MatchString(content),
		HasVariables:          variableRe.MatchString(content),
		SectionCount:          sections,
		IndentationConsistent: indentOK,
		AvgLineLength:         avgLine,
	}
}

// readabilityInfo is the readability sub-analysis.
type readabilityInfo struct {
	AvgSentenceLength float64
	AvgWordLength     float64
	Flesch            float64
	Level             string
	ComplexWords      int
	JargonLevel       string
}

func analyzeReadability(content string) readabilityInfo {
	words := strings.Fields(content)
	sentences := countSentences(content)
	if sentences == 0 {
		sentences = 1
	}

	asl := float64(len(words)) / float64(sentences)

	totalWordLen := 0
	complexWords := 0
	jargonHits := 0
	for _, word := range words {
		clean := strings.Trim(strings.ToLower(word), ".,!?;:()[]{}\"'")
		totalWordLen += len(clean)
		if len(clean) > 6 && !numericRe.MatchString(clean) && !strings.Contains(clean, ".") {
			complexWords++
		}
		for _, jargon := range jargonWords {
			if clean == jargon {
				jargonHits++
				break
			}
		}
	}
	awl := 0.0
	if len(words) > 0 {
		awl = float64(totalWordLen) / float64(len(words))
	}

	// Simplified Flesch reading ease.
	flesch := 206.835 - 1.015*asl - 84.6*awl/4.7
	if flesch > 100 {
		flesch = 100
	}
	if flesch < 0 {
		flesch = 0
	}

	jargonLevel := "low"
	if len(words) > 0 {
		ratio := float64(jargonHits) / float64(len(words))
		if ratio > 0.1 {
			jargonLevel = "high"
		} else if ratio > 0.03 {
			jargonLevel = "medium"
		}
	}

	return readabilityInfo{
		AvgSentenceLength: asl,
		AvgWordLength:     awl,
		Flesch:            flesch,
		Level:             fleschLevel(flesch),
		ComplexWords:      complexWords,
		JargonLevel:       jargonLevel,
	}
}

func fleschLevel(flesch float64) string {
	switch {
	case flesch >= 90:
		return "very easy"
	case flesch >= 80:
		return "easy"
	case flesch >= 70:
		return "fairly easy"
	case flesch >= 60:
		return "standard"
	case flesch >= 50:
		return "fairly difficult"
	case flesch >= 30:
		return "difficult"
	default:
		return "very difficult"
	}
}

// completenessChecks are the boolean completeness probes; the score is
// the fraction passed.
type completenessChecks struct {
	HasTitle        bool `json:"hasTitle"`
	HasDescription  bool `json:"hasDescription"`
	HasExamples     bool `json:"hasExamples"`
	HasInstructions bool `json:"hasInstructions"`
	HasConstraints  bool `json:"hasConstraints"`
	HasPlaceholders bool `json:"hasPlaceholders"`
	TypeCheckPassed bool `json:"typeCheckPassed"`
}

func analyzeCompleteness(content, itemType string) (completenessChecks, float64) {
	checks := completenessChecks{
		HasTitle:        headerLineRe.MatchString(content) || firstLineIsTitle(content),
		HasDescription:  len(strings.Fields(content)) >= 5,
		HasExamples:     exampleRe.MatchString(content),
		HasInstructions: imperativeRe.MatchString(content),
		HasConstraints:  constraintRe.MatchString(content),
		HasPlaceholders: variableRe.MatchString(content),
	}

	switch strings.ToLower(itemType) {
	case "prompt":
		checks.TypeCheckPassed = systemUserRe.MatchString(content) || checks.HasInstructions
	case "agent":
		checks.TypeCheckPassed = personalityRe.MatchString(content)
	case "template":
		checks.TypeCheckPassed = checks.HasPlaceholders
	default:
		checks.TypeCheckPassed = true
	}

	passed := 0
	all := []bool{
		checks.HasTitle, checks.HasDescription, checks.HasExamples,
		checks.HasInstructions, checks.HasConstraints, checks.HasPlaceholders,
		checks.TypeCheckPassed,
	}
	for _, ok := range all {
		if ok {
			passed++
		}
	}
	return checks, float64(passed) / float64(len(all))
}

func firstLineIsTitle(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		return len(line) <= 60 && !strings.HasSuffix(line, ".")
	}
	return false
}

// analyzeConsistency counts style inconsistencies; each costs 0.2 score.
func analyzeConsistency(content string) (issues []string, score float64) {
	bulletChars := make(map[string]bool)
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if len(trimmed) >= 2 && (trimmed[0] == '-' || trimmed[0] == '*' || trimmed[0] == '+') && trimmed[1] == ' ' {
			bulletChars[string(trimmed[0])] = true
		}
	}
	if len(bulletChars) > 1 {
		issues = append(issues, "mixed bullet characters")
	}

	prevLevel := 0
	for _, m := range headerLevelRe.FindAllStringSubmatch(content, -1) {
		level := len(m[1])
		if prevLevel > 0 && level > prevLevel+1 {
			issues = append(issues, "non-monotonic header levels")
			break
		}
		prevLevel = level
	}

	styles := 0
	for _, re := range []*regexp.Regexp{snakeVarRe, kebabVarRe, camelVarRe, lowerVarRe} {
		if re.MatchString(content) {
			styles++
		}
	}
	if styles > 1 {
		issues = append(issues, "mixed variable naming styles")
	}

	score = 1.0 - 0.2*float64(len(issues))
	if score < 0 {
		score = 0
	}
	return issues, score
}

// analyzeUsability scores six factor checks.
func analyzeUsability(content string, structure structureInfo) float64 {
	modular := structure.SectionCount > 1 && structure.SectionCount > 0 &&
		len(content)/structure.SectionCount <= 500
	reusable := structure.HasVariables || strings.Contains(strings.ToLower(content), "parameter") ||
		strings.Contains(strings.ToLower(content), "template")

	factors := []bool{
		exampleRe.MatchString(content),
		imperativeRe.MatchString(content),
		errorLangRe.MatchString(content),
		validateLangRe.MatchString(content),
		modular,
		reusable,
	}
	passed := 0
	for _, ok := range factors {
		if ok {
			passed++
		}
	}
	return float64(passed) / float64(len(factors))
}

func specificityScore(content string) float64 {
	score := float64(len(specificTermRe.FindAllString(content, -1))) / 10.0
	if variableRe.MatchString(content) {
		score += 0.25
	}
	if numberedListRe.MatchString(content) {
		score += 0.25
	}
	if score > 1 {
		score = 1
	}
	return score
}

// QualityWorker scores an artifact across five dimensions and derives
// issues, suggestions and a recommendation.
type QualityWorker struct {
	items  interfaces.ItemStorage
	logger arbor.ILogger
}

// NewQualityWorker creates the quality assessment worker.
func NewQualityWorker(items interfaces.ItemStorage, logger arbor.ILogger) *QualityWorker {
	return &QualityWorker{items: items, logger: logger}
}

func (w *QualityWorker) Type() models.JobType { return models.JobTypeQualityAssessment }
func (w *QualityWorker) Concurrency() int     { return 2 }

func (w *QualityWorker) Process(ctx context.Context, payload models.JobPayload, report ProgressFunc) (map[string]interface{}, error) {
	p, ok := payload.(models.QualityAssessmentPayload)
	if !ok {
		return nil, Permanent(fmt.Errorf("unexpected payload variant %T", payload))
	}

	report(15, "Analyzing structure", nil)
	structure := analyzeStructure(p.Content)

	report(35, "Analyzing readability", nil)
	readability := analyzeReadability(p.Content)

	report(55, "Checking completeness and consistency", nil)
	checks, completeness := analyzeCompleteness(p.Content, p.Type)
	consistencyIssues, consistency := analyzeConsistency(p.Content)

	usability := analyzeUsability(p.Content, structure)
	clarity := readability.Flesch / 100.0
	specificity := specificityScore(p.Content)

	scores := models.QualityScores{
		Clarity:      round2(clarity),
		Completeness: round2(completeness),
		Specificity:  round2(specificity),
		Consistency:  round2(consistency),
		Usability:    round2(usability),
	}
	scores.Overall = round2((scores.Clarity + scores.Completeness + scores.Specificity +
		scores.Consistency + scores.Usability) / 5.0)

	report(75, "Deriving issues", nil)
	issues := deriveIssues(structure, readability, completeness, consistencyIssues)
	suggestions := deriveSuggestions(issues, checks)
	recommendation := deriveRecommendation(scores, issues)

	result := map[string]interface{}{
		"scores":         scores,
		"issues":         issues,
		"suggestions":    suggestions,
		"recommendation": recommendation,
		"completeness":   checks,
		"readability": map[string]interface{}{
			"flesch":       round2(readability.Flesch),
			"level":        readability.Level,
			"complexWords": readability.ComplexWords,
			"jargonLevel":  readability.JargonLevel,
		},
	}

	if p.ItemID != "" {
		report(90, "Recording assessment", nil)
		rec := &models.QualityAssessmentRecord{
			ID:             common.NewInstanceID(),
			ItemID:         p.ItemID,
			UserID:         p.UserID,
			Scores:         scores,
			Issues:         issues,
			Suggestions:    suggestions,
			Recommendation: recommendation,
		}
		if err := w.items.SaveQualityAssessment(ctx, rec); err != nil {
			return nil, fmt.Errorf("save quality assessment: %w", err)
		}
	}

	return result, nil
}

func deriveIssues(structure structureInfo, readability readabilityInfo, completeness float64, consistencyIssues []string) []models.QualityIssue {
	var issues []models.QualityIssue

	if readability.Flesch < 30 {
		issues = append(issues, models.QualityIssue{
			Severity:    "high",
			Category:    "Readability",
			Description: "Content is very difficult to read",
			Suggestion:  "Use shorter sentences and simpler words",
		})
	}
	if readability.AvgSentenceLength > 25 {
		issues = append(issues, models.QualityIssue{
			Severity:    "medium",
			Category:    "Readability",
			Description: "Average sentence length exceeds 25 words",
			Suggestion:  "Break long sentences apart",
		})
	}
	if completeness < 0.6 {
		issues = append(issues, models.QualityIssue{
			Severity:    "high",
			Category:    "Completeness",
			Description: "Content is missing expected elements",
			Suggestion:  "Add examples, constraints or clearer instructions",
		})
	}
	if !structure.IndentationConsistent {
		issues = append(issues, models.QualityIssue{
			Severity:    "medium",
			Category:    "Structure",
			Description: "Indentation is inconsistent",
			Suggestion:  "Indent in multiples of 2 or 4 spaces",
		})
	}
	if structure.AvgLineLength > 120 {
		issues = append(issues, models.QualityIssue{
			Severity:    "low",
			Category:    "Structure",
			Description: "Lines are very long on average",
			Suggestion:  "Wrap lines near 100 characters",
		})
	}
	for _, ci := range consistencyIssues {
		issues = append(issues, models.QualityIssue{
			Severity:    "medium",
			Category:    "Consistency",
			Description: ci,
			Suggestion:  "Adopt a single style throughout",
		})
	}
	return issues
}

func deriveSuggestions(issues []models.QualityIssue, checks completenessChecks) []string {
	var suggestions []string
	for _, issue := range issues {
		if issue.Suggestion != "" {
			suggestions = append(suggestions, issue.Suggestion)
		}
	}
	if !checks.HasExamples {
		suggestions = append(suggestions, "Add at least one example")
	}
	if !checks.HasConstraints {
		suggestions = append(suggestions, "State explicit constraints")
	}
	return suggestions
}

var severityWeights = map[string]int{
	"low":      1,
	"medium":   2,
	"high":     3,
	"critical": 4,
}

func deriveRecommendation(scores models.QualityScores, issues []models.QualityIssue) models.QualityRecommendation {
	weight := 0
	var actionItems []string
	for _, issue := range issues {
		weight += severityWeights[issue.Severity]
		actionItems = append(actionItems, issue.Description)
	}

	effort := "high"
	if weight <= 3 {
		effort = "low"
	} else if weight <= 8 {
		effort = "medium"
	}

	overall := "needs work"
	priority := "high"
	switch {
	case scores.Overall >= 0.8:
		overall = "excellent"
		priority = "low"
	case scores.Overall >= 0.6:
		overall = "good"
		priority = "medium"
	case scores.Overall >= 0.4:
		overall = "fair"
		priority = "medium"
	}

	return models.QualityRecommendation{
		Overall:         overall,
		Priority:        priority,
		ActionItems:     actionItems,
		EstimatedEffort: effort,
	}
}
