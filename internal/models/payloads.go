package models

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// JobPayload is the tagged variant carried by every job. Each job type has
// exactly one concrete payload struct; workers receive the narrow variant
// after dequeue-time validation.
type JobPayload interface {
	// OwnerID returns the id of the user that owns the work.
	OwnerID() string
	// JobKind returns the job type this payload belongs to.
	JobKind() JobType
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ClassificationPayload asks the classifier to type a piece of content.
type ClassificationPayload struct {
	UserID       string   `json:"userId" validate:"required"`
	Content      string   `json:"content" validate:"required"`
	Format       string   `json:"format" validate:"required"`
	TargetModels []string `json:"targetModels,omitempty"`
	ItemID       string   `json:"itemId,omitempty"`
}

func (p ClassificationPayload) OwnerID() string { return p.UserID }
func (p ClassificationPayload) JobKind() JobType { return JobTypeClassification }

// OptimizationPayload asks for a rewrite of content targeted at one model.
type OptimizationPayload struct {
	UserID        string `json:"userId" validate:"required"`
	Content       string `json:"content" validate:"required"`
	TargetModel   string `json:"targetModel" validate:"required"`
	CurrentFormat string `json:"currentFormat" validate:"required"`
	ItemID        string `json:"itemId,omitempty"`
}

func (p OptimizationPayload) OwnerID() string { return p.UserID }
func (p OptimizationPayload) JobKind() JobType { return JobTypeOptimization }

// ConversionPayload converts content between artifact formats.
type ConversionPayload struct {
	UserID     string `json:"userId" validate:"required"`
	Content    string `json:"content" validate:"required"`
	FromFormat string `json:"fromFormat" validate:"required"`
	ToFormat   string `json:"toFormat" validate:"required"`
	ItemID     string `json:"itemId,omitempty"`
}

func (p ConversionPayload) OwnerID() string { return p.UserID }
func (p ConversionPayload) JobKind() JobType { return JobTypeConversion }

// DedupItem is one candidate in a deduplication run.
type DedupItem struct {
	ID      string `json:"id" validate:"required"`
	Content string `json:"content" validate:"required"`
	Name    string `json:"name"`
}

// DeduplicationPayload carries up to 1000 items and a similarity threshold.
type DeduplicationPayload struct {
	UserID    string      `json:"userId" validate:"required"`
	Items     []DedupItem `json:"items" validate:"required,min=1,max=1000,dive"`
	Threshold float64     `json:"threshold" validate:"gte=0,lte=1"`
}

func (p DeduplicationPayload) OwnerID() string { return p.UserID }
func (p DeduplicationPayload) JobKind() JobType { return JobTypeDeduplication }

// QualityAssessmentPayload scores one artifact across five dimensions.
type QualityAssessmentPayload struct {
	UserID  string `json:"userId" validate:"required"`
	Content string `json:"content" validate:"required"`
	Type    string `json:"type" validate:"required"`
	Format  string `json:"format" validate:"required"`
	ItemID  string `json:"itemId,omitempty"`
}

func (p QualityAssessmentPayload) OwnerID() string { return p.UserID }
func (p QualityAssessmentPayload) JobKind() JobType { return JobTypeQualityAssessment }

// SimilarityScoringPayload compares one source/target content pair.
type SimilarityScoringPayload struct {
	UserID        string `json:"userId" validate:"required"`
	SourceContent string `json:"sourceContent" validate:"required"`
	TargetContent string `json:"targetContent" validate:"required"`
	Algorithm     string `json:"algorithm" validate:"omitempty,oneof=semantic syntactic hybrid"`
	SourceID      string `json:"sourceId,omitempty"`
	TargetID      string `json:"targetId,omitempty"`
}

func (p SimilarityScoringPayload) OwnerID() string { return p.UserID }
func (p SimilarityScoringPayload) JobKind() JobType { return JobTypeSimilarityScoring }

// EmbeddingGenerationPayload produces a vector for one piece of content.
type EmbeddingGenerationPayload struct {
	UserID     string `json:"userId" validate:"required"`
	Content    string `json:"content" validate:"required"`
	ProviderID string `json:"providerId,omitempty"`
	ItemID     string `json:"itemId,omitempty"`
}

func (p EmbeddingGenerationPayload) OwnerID() string { return p.UserID }
func (p EmbeddingGenerationPayload) JobKind() JobType { return JobTypeEmbeddingGeneration }

// ContentAnalysisPayload runs the combined analysis pass.
type ContentAnalysisPayload struct {
	UserID         string `json:"userId" validate:"required"`
	Content        string `json:"content" validate:"required"`
	IncludeQuality bool   `json:"includeQuality,omitempty"`
	IncludeSummary bool   `json:"includeSummary,omitempty"`
	IncludeTags    bool   `json:"includeTags,omitempty"`
}

func (p ContentAnalysisPayload) OwnerID() string { return p.UserID }
func (p ContentAnalysisPayload) JobKind() JobType { return JobTypeContentAnalysis }

// SemanticClusteringPayload groups a user's items by embedding proximity.
type SemanticClusteringPayload struct {
	UserID      string   `json:"userId" validate:"required"`
	Algorithm   string   `json:"algorithm" validate:"omitempty,oneof=kmeans hierarchical dbscan"`
	NumClusters int      `json:"numClusters,omitempty" validate:"omitempty,gte=1"`
	Threshold   float64  `json:"threshold,omitempty" validate:"omitempty,gte=0,lte=1"`
	ItemIDs     []string `json:"itemIds,omitempty"`
}

func (p SemanticClusteringPayload) OwnerID() string { return p.UserID }
func (p SemanticClusteringPayload) JobKind() JobType { return JobTypeSemanticClustering }

// ModelOptimizationPayload is the token-budget-aware optimization variant.
type ModelOptimizationPayload struct {
	UserID                 string `json:"userId" validate:"required"`
	Content                string `json:"content" validate:"required"`
	TargetModel            string `json:"targetModel" validate:"required"`
	MaxTokenBudget         int    `json:"maxTokenBudget,omitempty" validate:"omitempty,gte=0"`
	PrioritizeQuality      bool   `json:"prioritizeQuality,omitempty"`
	AggressiveOptimization bool   `json:"aggressiveOptimization,omitempty"`
	ItemID                 string `json:"itemId,omitempty"`
}

func (p ModelOptimizationPayload) OwnerID() string { return p.UserID }
func (p ModelOptimizationPayload) JobKind() JobType { return JobTypeModelOptimization }

// ContextAssemblyPayload builds a context bundle for an intent within a
// token budget.
type ContextAssemblyPayload struct {
	UserID         string `json:"userId" validate:"required"`
	Intent         string `json:"intent" validate:"required"`
	Query          string `json:"query,omitempty"`
	TargetAudience string `json:"targetAudience,omitempty"`
	Domain         string `json:"domain,omitempty"`
	Strategy       string `json:"strategy,omitempty" validate:"omitempty,oneof=automatic manual hybrid"`
	TargetModel    string `json:"targetModel,omitempty"`
	MaxTokens      int    `json:"maxTokens,omitempty" validate:"omitempty,gte=0"`
}

func (p ContextAssemblyPayload) OwnerID() string { return p.UserID }
func (p ContextAssemblyPayload) JobKind() JobType { return JobTypeContextAssembly }

// FolderSuggestionPayload proposes folders from cluster structure.
type FolderSuggestionPayload struct {
	UserID  string   `json:"userId" validate:"required"`
	ItemIDs []string `json:"itemIds,omitempty"`
}

func (p FolderSuggestionPayload) OwnerID() string { return p.UserID }
func (p FolderSuggestionPayload) JobKind() JobType { return JobTypeFolderSuggestion }

// ImportedItem is one artifact in a batch import.
type ImportedItem struct {
	Name    string `json:"name" validate:"required"`
	Content string `json:"content" validate:"required"`
	Format  string `json:"format"`
}

// BatchImportPayload fans imported artifacts into classification jobs.
type BatchImportPayload struct {
	UserID string         `json:"userId" validate:"required"`
	Items  []ImportedItem `json:"items" validate:"required,min=1,dive"`
}

func (p BatchImportPayload) OwnerID() string { return p.UserID }
func (p BatchImportPayload) JobKind() JobType { return JobTypeBatchImport }

// IntelligencePipelinePayload chains analysis operations over item ids.
type IntelligencePipelinePayload struct {
	UserID     string                 `json:"userId" validate:"required"`
	ItemIDs    []string               `json:"itemIds" validate:"required,min=1"`
	Operations []string               `json:"operations" validate:"required,min=1"`
	Options    map[string]interface{} `json:"options,omitempty"`
}

func (p IntelligencePipelinePayload) OwnerID() string { return p.UserID }
func (p IntelligencePipelinePayload) JobKind() JobType { return JobTypeIntelligencePipeline }

// DefaultDedupThreshold is applied when a deduplication payload omits the
// similarity threshold.
const DefaultDedupThreshold = 0.8

// DefaultContextTokens is applied when a context assembly payload omits
// the token budget.
const DefaultContextTokens = 8000

// DecodePayload unmarshals raw payload bytes into the narrow variant for
// the given job type and validates it against the declared schema.
// Validation failure is non-retryable by contract.
func DecodePayload(jobType JobType, raw json.RawMessage) (JobPayload, error) {
	var payload JobPayload

	switch jobType {
	case JobTypeClassification:
		var p ClassificationPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", jobType, err)
		}
		payload = p
	case JobTypeOptimization:
		var p OptimizationPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", jobType, err)
		}
		payload = p
	case JobTypeConversion:
		var p ConversionPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", jobType, err)
		}
		payload = p
	case JobTypeDeduplication:
		var p DeduplicationPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", jobType, err)
		}
		if p.Threshold == 0 {
			p.Threshold = DefaultDedupThreshold
		}
		payload = p
	case JobTypeQualityAssessment:
		var p QualityAssessmentPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", jobType, err)
		}
		payload = p
	case JobTypeSimilarityScoring:
		var p SimilarityScoringPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", jobType, err)
		}
		if p.Algorithm == "" {
			p.Algorithm = "semantic"
		}
		payload = p
	case JobTypeEmbeddingGeneration:
		var p EmbeddingGenerationPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", jobType, err)
		}
		payload = p
	case JobTypeContentAnalysis:
		var p ContentAnalysisPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", jobType, err)
		}
		payload = p
	case JobTypeSemanticClustering:
		var p SemanticClusteringPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", jobType, err)
		}
		if p.Algorithm == "" {
			p.Algorithm = "kmeans"
		}
		if p.Threshold == 0 {
			p.Threshold = 0.7
		}
		payload = p
	case JobTypeModelOptimization:
		var p ModelOptimizationPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", jobType, err)
		}
		payload = p
	case JobTypeContextAssembly:
		var p ContextAssemblyPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", jobType, err)
		}
		if p.Strategy == "" {
			p.Strategy = "automatic"
		}
		if p.MaxTokens == 0 {
			p.MaxTokens = DefaultContextTokens
		}
		payload = p
	case JobTypeFolderSuggestion:
		var p FolderSuggestionPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", jobType, err)
		}
		payload = p
	case JobTypeBatchImport:
		var p BatchImportPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", jobType, err)
		}
		payload = p
	case JobTypeIntelligencePipeline:
		var p IntelligencePipelinePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", jobType, err)
		}
		payload = p
	default:
		return nil, fmt.Errorf("no payload schema for job type: %s", jobType)
	}

	if err := validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("payload validation failed for %s: %w", jobType, err)
	}

	return payload, nil
}

// EncodePayload marshals a payload variant for storage on a job record.
func EncodePayload(payload JobPayload) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", payload.JobKind(), err)
	}
	return data, nil
}
