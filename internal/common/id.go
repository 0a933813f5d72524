package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique job ID with the "job_" prefix
// Format: job_<uuid>
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewItemID generates a unique item ID with the "item_" prefix
// Format: item_<uuid>
func NewItemID() string {
	return "item_" + uuid.New().String()
}

// NewExecutionID generates a unique pipeline execution ID
// Format: exec_<uuid>
func NewExecutionID() string {
	return "exec_" + uuid.New().String()
}

// NewActivityID generates a unique activity feed entry ID
// Format: act_<uuid>
func NewActivityID() string {
	return "act_" + uuid.New().String()
}

// NewInstanceID generates the server instance identifier reported to
// realtime clients on connect.
func NewInstanceID() string {
	return uuid.New().String()
}
