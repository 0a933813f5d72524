package broker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quill/internal/interfaces"
	"github.com/ternarybob/quill/internal/models"
)

func testJob(id string, jobType models.JobType, priority models.JobPriority) *models.Job {
	return &models.Job{
		ID:          id,
		Type:        jobType,
		Priority:    priority,
		Status:      models.JobStatusPending,
		UserID:      "user-1",
		Payload:     json.RawMessage(`{"userId":"user-1"}`),
		MaxRetries:  models.DefaultMaxRetries,
		CreatedAt:   time.Now(),
		ScheduledAt: time.Now(),
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestBroker_DispatchesByPriorityThenFIFO(t *testing.T) {
	b := NewMemoryBroker(arbor.NewLogger(), 10*time.Millisecond)

	var mu sync.Mutex
	var order []string
	release := make(chan struct{})

	// Concurrency one so dispatch order is observable.
	b.Register(models.JobTypeClassification, 1, func(ctx context.Context, job *models.Job) error {
		mu.Lock()
		order = append(order, job.ID)
		mu.Unlock()
		<-release
		return nil
	})

	ctx := context.Background()
	require.NoError(t, b.Submit(ctx, testJob("low-1", models.JobTypeClassification, models.PriorityLow), 0))
	require.NoError(t, b.Submit(ctx, testJob("high-1", models.JobTypeClassification, models.PriorityHigh), 0))
	require.NoError(t, b.Submit(ctx, testJob("high-2", models.JobTypeClassification, models.PriorityHigh), 0))
	require.NoError(t, b.Submit(ctx, testJob("critical-1", models.JobTypeClassification, models.PriorityCritical), 0))

	b.Start()
	defer b.Stop()

	for i := 0; i < 4; i++ {
		waitFor(t, 2*time.Second, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(order) == i+1
		})
		release <- struct{}{}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"critical-1", "high-1", "high-2", "low-1"}, order)
}

func TestBroker_RespectsConcurrencyCap(t *testing.T) {
	b := NewMemoryBroker(arbor.NewLogger(), 10*time.Millisecond)

	var inFlight atomic.Int32
	var peak atomic.Int32
	done := make(chan struct{}, 10)

	b.Register(models.JobTypeOptimization, 2, func(ctx context.Context, job *models.Job) error {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		done <- struct{}{}
		return nil
	})

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		require.NoError(t, b.Submit(ctx, testJob("job-"+string(rune('a'+i)), models.JobTypeOptimization, models.PriorityNormal), 0))
	}

	b.Start()
	defer b.Stop()

	for i := 0; i < 6; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestBroker_DelayedJobNotDispatchedEarly(t *testing.T) {
	b := NewMemoryBroker(arbor.NewLogger(), 10*time.Millisecond)

	var ran atomic.Bool
	b.Register(models.JobTypeConversion, 1, func(ctx context.Context, job *models.Job) error {
		ran.Store(true)
		return nil
	})

	require.NoError(t, b.Submit(context.Background(), testJob("delayed", models.JobTypeConversion, models.PriorityNormal), 150*time.Millisecond))

	b.Start()
	defer b.Stop()

	time.Sleep(75 * time.Millisecond)
	assert.False(t, ran.Load(), "job ran before its eligibility time")

	waitFor(t, 2*time.Second, func() bool { return ran.Load() })
}

func TestBroker_DelayedJobDoesNotBlockEligible(t *testing.T) {
	b := NewMemoryBroker(arbor.NewLogger(), 10*time.Millisecond)

	var mu sync.Mutex
	var order []string
	b.Register(models.JobTypeConversion, 1, func(ctx context.Context, job *models.Job) error {
		mu.Lock()
		order = append(order, job.ID)
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	// Higher priority but delayed; the eligible normal job must go first.
	require.NoError(t, b.Submit(ctx, testJob("critical-delayed", models.JobTypeConversion, models.PriorityCritical), 200*time.Millisecond))
	require.NoError(t, b.Submit(ctx, testJob("normal-now", models.JobTypeConversion, models.PriorityNormal), 0))

	b.Start()
	defer b.Stop()

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"normal-now", "critical-delayed"}, order)
}

func TestBroker_RemovePendingJob(t *testing.T) {
	b := NewMemoryBroker(arbor.NewLogger(), 10*time.Millisecond)

	var ran atomic.Bool
	b.Register(models.JobTypeClassification, 1, func(ctx context.Context, job *models.Job) error {
		if job.ID == "victim" {
			ran.Store(true)
		}
		return nil
	})

	ctx := context.Background()
	require.NoError(t, b.Submit(ctx, testJob("victim", models.JobTypeClassification, models.PriorityNormal), 0))

	assert.True(t, b.Remove("victim"))
	assert.False(t, b.Remove("unknown"))

	b.Start()
	defer b.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.False(t, ran.Load(), "removed job was dispatched")
}

func TestBroker_SubmitUnknownTypeFails(t *testing.T) {
	b := NewMemoryBroker(arbor.NewLogger(), 10*time.Millisecond)

	err := b.Submit(context.Background(), testJob("job-1", models.JobTypeClassification, models.PriorityNormal), 0)
	assert.ErrorIs(t, err, interfaces.ErrUnknownJobType)
}

func TestBroker_SubmitAfterStopFails(t *testing.T) {
	b := NewMemoryBroker(arbor.NewLogger(), 10*time.Millisecond)
	b.Register(models.JobTypeClassification, 1, func(ctx context.Context, job *models.Job) error { return nil })
	b.Start()
	b.Stop()

	err := b.Submit(context.Background(), testJob("job-1", models.JobTypeClassification, models.PriorityNormal), 0)
	assert.ErrorIs(t, err, interfaces.ErrQueueClosed)
	assert.Error(t, b.Ping(context.Background()))
}

func TestBroker_StatsCounters(t *testing.T) {
	b := NewMemoryBroker(arbor.NewLogger(), 10*time.Millisecond)

	done := make(chan struct{}, 2)
	b.Register(models.JobTypeClassification, 2, func(ctx context.Context, job *models.Job) error {
		defer func() { done <- struct{}{} }()
		if job.ID == "bad" {
			return assert.AnError
		}
		return nil
	})

	ctx := context.Background()
	require.NoError(t, b.Submit(ctx, testJob("good", models.JobTypeClassification, models.PriorityNormal), 0))
	require.NoError(t, b.Submit(ctx, testJob("bad", models.JobTypeClassification, models.PriorityNormal), 0))

	b.Start()
	defer b.Stop()

	<-done
	<-done

	waitFor(t, 2*time.Second, func() bool {
		stats := b.Stats()[models.JobTypeClassification]
		return stats.Completed == 1 && stats.Failed == 1
	})

	stats := b.Stats()[models.JobTypeClassification]
	assert.Equal(t, 0, stats.Waiting)
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 0, b.ActiveCount())
}

func TestBroker_IndependentTypeCaps(t *testing.T) {
	b := NewMemoryBroker(arbor.NewLogger(), 10*time.Millisecond)

	block := make(chan struct{})
	b.Register(models.JobTypeDeduplication, 1, func(ctx context.Context, job *models.Job) error {
		<-block
		return nil
	})

	var otherRan atomic.Bool
	b.Register(models.JobTypeClassification, 1, func(ctx context.Context, job *models.Job) error {
		otherRan.Store(true)
		return nil
	})

	ctx := context.Background()
	require.NoError(t, b.Submit(ctx, testJob("dedup-1", models.JobTypeDeduplication, models.PriorityNormal), 0))
	require.NoError(t, b.Submit(ctx, testJob("dedup-2", models.JobTypeDeduplication, models.PriorityNormal), 0))
	require.NoError(t, b.Submit(ctx, testJob("classify-1", models.JobTypeClassification, models.PriorityNormal), 0))

	b.Start()

	// A saturated deduplication slot must not starve classification.
	waitFor(t, 2*time.Second, func() bool { return otherRan.Load() })

	close(block)
	b.Stop()
}
