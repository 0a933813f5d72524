package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobType identifies the job family a queued job belongs to. Each type is
// consumed by exactly one registered worker.
type JobType string

const (
	JobTypeClassification       JobType = "classification"
	JobTypeOptimization         JobType = "optimization"
	JobTypeConversion           JobType = "conversion"
	JobTypeDeduplication        JobType = "deduplication"
	JobTypeQualityAssessment    JobType = "quality_assessment"
	JobTypeSimilarityScoring    JobType = "similarity_scoring"
	JobTypeEmbeddingGeneration  JobType = "embedding_generation"
	JobTypeContentAnalysis      JobType = "content_analysis"
	JobTypeSemanticClustering   JobType = "semantic_clustering"
	JobTypeModelOptimization    JobType = "model_optimization"
	JobTypeContextAssembly      JobType = "context_assembly"
	JobTypeFolderSuggestion     JobType = "folder_suggestion"
	JobTypeBatchImport          JobType = "batch_import"
	JobTypeIntelligencePipeline JobType = "intelligence_pipeline"
)

// AllJobTypes lists every job family in registration order.
var AllJobTypes = []JobType{
	JobTypeClassification,
	JobTypeOptimization,
	JobTypeConversion,
	JobTypeDeduplication,
	JobTypeQualityAssessment,
	JobTypeSimilarityScoring,
	JobTypeEmbeddingGeneration,
	JobTypeContentAnalysis,
	JobTypeSemanticClustering,
	JobTypeModelOptimization,
	JobTypeContextAssembly,
	JobTypeFolderSuggestion,
	JobTypeBatchImport,
	JobTypeIntelligencePipeline,
}

// IsValid returns true when the job type is a known family.
func (t JobType) IsValid() bool {
	for _, known := range AllJobTypes {
		if t == known {
			return true
		}
	}
	return false
}

func (t JobType) String() string {
	return string(t)
}

// JobPriority orders dispatch within a single job type queue.
type JobPriority string

const (
	PriorityLow      JobPriority = "low"
	PriorityNormal   JobPriority = "normal"
	PriorityHigh     JobPriority = "high"
	PriorityCritical JobPriority = "critical"
)

// Weight maps a priority to its strict ordering value (low < normal < high < critical).
func (p JobPriority) Weight() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// IsValid returns true for a recognized priority value.
func (p JobPriority) IsValid() bool {
	return p.Weight() > 0
}

// JobStatus is the lifecycle state of a job. Transitions form a DAG:
// pending -> processing -> (completed | failed | retry); retry -> processing;
// failed|retry -> dead once the retry budget is exhausted.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetry      JobStatus = "retry"
	JobStatusDead       JobStatus = "dead"
)

// IsTerminal reports whether the status permits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusDead
}

// DefaultMaxRetries is the retry budget applied when a job is created
// without an explicit maximum.
const DefaultMaxRetries = 3

// Job is the durable record of a single unit of asynchronous work. The Job
// Store owns the authoritative copy; the broker holds only an in-memory
// dispatch handle keyed by ID.
type Job struct {
	ID       string      `badgerhold:"key" json:"id"`
	Type     JobType     `badgerhold:"index" json:"type"`
	Priority JobPriority `json:"priority"`
	Status   JobStatus   `badgerhold:"index" json:"status"`

	// UserID is projected out of the payload at creation time so that
	// per-user listings never scan payload blobs.
	UserID string `badgerhold:"index" json:"user_id"`

	Payload json.RawMessage `json:"payload"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	CreatedAt   time.Time  `json:"created_at"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Result map[string]interface{} `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// Validate checks the structural invariants of a job record.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if !j.Type.IsValid() {
		return fmt.Errorf("unknown job type: %s", j.Type)
	}
	if !j.Priority.IsValid() {
		return fmt.Errorf("unknown job priority: %s", j.Priority)
	}
	if len(j.Payload) == 0 {
		return fmt.Errorf("job payload is required")
	}
	return nil
}

// CanRetry reports whether the job still has retry budget left.
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// Duration returns the wall-clock processing time for a finished job, or
// zero when the job has not run to a terminal state yet.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// JobProgress is the transient progress tuple held by the Progress Cache.
// Superseded on every update; expires five minutes after the last write.
type JobProgress struct {
	JobID      string                 `json:"job_id"`
	Percentage float64                `json:"percentage"`
	Message    string                 `json:"message"`
	Data       map[string]interface{} `json:"data,omitempty"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// QueueStats is a per-type snapshot of broker counters. Completed and
// failed counts are windowed since broker start.
type QueueStats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// SystemStats aggregates queue statistics for health events and the
// realtime system_status snapshot.
type SystemStats struct {
	Queues            map[JobType]QueueStats `json:"queues"`
	TotalJobs         int                    `json:"total_jobs"`
	ActiveJobs        int                    `json:"active_jobs"`
	CompletedToday    int                    `json:"completed_today"`
	FailedToday       int                    `json:"failed_today"`
	AvgProcessingSecs float64                `json:"avg_processing_secs"`
	Timestamp         time.Time              `json:"timestamp"`
}
