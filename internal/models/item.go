package models

import "time"

// ItemType is the coarse classification of a content artifact.
type ItemType string

const (
	ItemTypePrompt   ItemType = "prompt"
	ItemTypeAgent    ItemType = "agent"
	ItemTypeRule     ItemType = "rule"
	ItemTypeTemplate ItemType = "template"
	ItemTypeSnippet  ItemType = "snippet"
	ItemTypeOther    ItemType = "other"
)

// Item is a user-owned content artifact. Cross-entity references are ids,
// never pointers; derivative records live in their own tables keyed by
// ItemID.
type Item struct {
	ID           string                 `badgerhold:"key" json:"id"`
	UserID       string                 `badgerhold:"index" json:"user_id"`
	CollectionID string                 `badgerhold:"index" json:"collection_id,omitempty"`
	Name         string                 `json:"name"`
	Type         ItemType               `json:"type"`
	SubType      string                 `json:"sub_type,omitempty"`
	Format       string                 `json:"format"`
	Content      string                 `json:"content"`
	TargetModels []string               `json:"target_models,omitempty"`
	Tags         []string               `json:"tags,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`

	// Duplicate bookkeeping written by the deduplication worker.
	IsCanonical bool   `json:"is_canonical,omitempty"`
	IsDuplicate bool   `json:"is_duplicate,omitempty"`
	CanonicalID string `json:"canonical_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OptimizationRecord is one optimization result appended to an item.
type OptimizationRecord struct {
	ID               string    `badgerhold:"key" json:"id"`
	ItemID           string    `badgerhold:"index" json:"item_id"`
	UserID           string    `json:"user_id"`
	TargetModel      string    `json:"target_model"`
	OptimizedContent string    `json:"optimized_content"`
	Suggestions      []string  `json:"suggestions,omitempty"`
	ImprovementScore float64   `json:"improvement_score"`
	Fallback         bool      `json:"fallback,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// QualityScores are the five sub-scores plus their mean, each in [0,1].
type QualityScores struct {
	Clarity      float64 `json:"clarity"`
	Completeness float64 `json:"completeness"`
	Specificity  float64 `json:"specificity"`
	Consistency  float64 `json:"consistency"`
	Usability    float64 `json:"usability"`
	Overall      float64 `json:"overall"`
}

// QualityIssue is one finding surfaced by the quality assessor.
type QualityIssue struct {
	Severity    string `json:"severity"` // low, medium, high, critical
	Category    string `json:"category"`
	Description string `json:"description"`
	Suggestion  string `json:"suggestion,omitempty"`
}

// QualityRecommendation summarizes what the user should do next.
type QualityRecommendation struct {
	Overall         string   `json:"overall"`
	Priority        string   `json:"priority"`
	ActionItems     []string `json:"action_items,omitempty"`
	EstimatedEffort string   `json:"estimated_effort"` // low, medium, high
}

// QualityAssessmentRecord is the persisted output of one quality run.
type QualityAssessmentRecord struct {
	ID             string                `badgerhold:"key" json:"id"`
	ItemID         string                `badgerhold:"index" json:"item_id"`
	UserID         string                `json:"user_id"`
	Scores         QualityScores         `json:"scores"`
	Issues         []QualityIssue        `json:"issues,omitempty"`
	Suggestions    []string              `json:"suggestions,omitempty"`
	Recommendation QualityRecommendation `json:"recommendation"`
	CreatedAt      time.Time             `json:"created_at"`
}

// EmbeddingRecord stores one embedding vector for an item or raw content.
type EmbeddingRecord struct {
	ID         string    `badgerhold:"key" json:"id"`
	ItemID     string    `badgerhold:"index" json:"item_id,omitempty"`
	UserID     string    `json:"user_id"`
	ProviderID string    `json:"provider_id,omitempty"`
	Vector     []float32 `json:"vector"`
	Dimensions int       `json:"dimensions"`
	CreatedAt  time.Time `json:"created_at"`
}

// ClusterMembership records an item's assignment from one clustering run.
type ClusterMembership struct {
	ID        string    `badgerhold:"key" json:"id"`
	RunID     string    `badgerhold:"index" json:"run_id"`
	ItemID    string    `badgerhold:"index" json:"item_id"`
	UserID    string    `json:"user_id"`
	Cluster   int       `json:"cluster"`
	Algorithm string    `json:"algorithm"`
	CreatedAt time.Time `json:"created_at"`
}

// SimilarityKind labels which signal produced a pairwise similarity.
type SimilarityKind string

const (
	SimilarityExact      SimilarityKind = "exact"
	SimilarityStructural SimilarityKind = "structural"
	SimilaritySemantic   SimilarityKind = "semantic"
)

// SimilarityPair is one scored pair emitted by the deduplication worker.
type SimilarityPair struct {
	ID1        string         `json:"id1"`
	ID2        string         `json:"id2"`
	Score      float64        `json:"score"`
	Kind       SimilarityKind `json:"kind"`
	Confidence float64        `json:"confidence"`
}

// DuplicateGroup is a canonical plus its detected duplicates.
type DuplicateGroup struct {
	CanonicalID  string   `json:"canonical_id"`
	DuplicateIDs []string `json:"duplicate_ids"`
	Similarity   float64  `json:"similarity"`
}

// PipelineExecution is the append-only audit entry written once per
// pipeline fan-out, after every job id is known.
type PipelineExecution struct {
	ID         string                 `badgerhold:"key" json:"id"`
	UserID     string                 `badgerhold:"index" json:"user_id"`
	ItemID     string                 `json:"item_id"`
	JobIDs     []string               `json:"job_ids"`
	Config     map[string]interface{} `json:"config"`
	CreatedAt  time.Time              `json:"created_at"`
}

// ActivityEntry is one row in a user's activity feed: notifications and
// analytics traces retrievable after the fact.
type ActivityEntry struct {
	ID        string                 `badgerhold:"key" json:"id"`
	UserID    string                 `badgerhold:"index" json:"user_id"`
	Kind      string                 `json:"kind"` // notification, analytics
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
