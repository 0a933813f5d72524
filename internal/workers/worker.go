package workers

import (
	"context"

	"github.com/cenkalti/backoff/v4"

	"github.com/ternarybob/quill/internal/models"
)

// ProgressFunc reports intermediate progress for the running job. The
// runtime writes the tuple to the progress cache and publishes a
// job_progress event.
type ProgressFunc func(percentage float64, message string, data map[string]interface{})

// Worker is one typed job consumer: a job family, its concurrency cap and
// a processing body. Process returns the result record or an error; wrap
// unrecoverable errors with Permanent so the runtime skips the retry path.
type Worker interface {
	Type() models.JobType
	Concurrency() int
	Process(ctx context.Context, payload models.JobPayload, report ProgressFunc) (map[string]interface{}, error)
}

// Permanent marks an error as non-retryable. The runtime transitions the
// job directly to failed without consuming retry budget.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// WithConcurrency overrides a worker's concurrency cap. Used at
// registration time to apply per-type configuration overrides; a
// non-positive n leaves the worker's own cap in place.
func WithConcurrency(w Worker, n int) Worker {
	if n <= 0 {
		return w
	}
	return &concurrencyOverride{Worker: w, n: n}
}

type concurrencyOverride struct {
	Worker
	n int
}

func (c *concurrencyOverride) Concurrency() int { return c.n }
