package broker

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quill/internal/interfaces"
	"github.com/ternarybob/quill/internal/models"
)

// Handler processes one dispatched job. A nil return counts the attempt
// as completed; a non-nil return counts it as failed. Handlers that
// schedule their own retry resubmit through the broker and return nil.
type Handler func(ctx context.Context, job *models.Job) error

// DefaultPollInterval is the dispatcher tick used when none is configured.
const DefaultPollInterval = 100 * time.Millisecond

type registration struct {
	handler     Handler
	concurrency int
}

// MemoryBroker is the in-process priority queue and dispatch engine. One
// dispatcher goroutine promotes due delayed jobs and hands ready jobs to
// per-type worker slots, respecting each type's concurrency cap.
type MemoryBroker struct {
	mu       sync.Mutex
	queues   map[models.JobType]*typeQueue
	handlers map[models.JobType]*registration
	removed  map[string]bool
	seq      uint64

	poll    time.Duration
	logger  arbor.ILogger
	started bool
	closed  bool
	stopCh  chan struct{}
	loopWG  sync.WaitGroup
	jobWG   sync.WaitGroup
}

// NewMemoryBroker creates a broker. Register every handler before Start.
func NewMemoryBroker(logger arbor.ILogger, poll time.Duration) *MemoryBroker {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &MemoryBroker{
		queues:   make(map[models.JobType]*typeQueue),
		handlers: make(map[models.JobType]*registration),
		removed:  make(map[string]bool),
		poll:     poll,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Register binds a handler and its concurrency cap to a job type. A cap
// below one is treated as one.
func (b *MemoryBroker) Register(jobType models.JobType, concurrency int, handler Handler) {
	if concurrency < 1 {
		concurrency = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[jobType] = &registration{handler: handler, concurrency: concurrency}
	if _, ok := b.queues[jobType]; !ok {
		b.queues[jobType] = newTypeQueue()
	}
	b.logger.Debug().
		Str("type", jobType.String()).
		Int("concurrency", concurrency).
		Msg("Handler registered")
}

// Submit makes a job eligible for dispatch after the optional delay.
func (b *MemoryBroker) Submit(ctx context.Context, job *models.Job, delay time.Duration) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return interfaces.ErrQueueClosed
	}
	if _, ok := b.handlers[job.Type]; !ok {
		return fmt.Errorf("%w: %s", interfaces.ErrUnknownJobType, job.Type)
	}

	tq, ok := b.queues[job.Type]
	if !ok {
		tq = newTypeQueue()
		b.queues[job.Type] = tq
	}

	b.seq++
	e := &entry{
		job:        job,
		weight:     job.Priority.Weight(),
		seq:        b.seq,
		eligibleAt: time.Now().Add(delay),
	}
	delete(b.removed, job.ID)

	if delay > 0 {
		heap.Push(&tq.delayed, e)
	} else {
		heap.Push(&tq.ready, e)
	}

	b.logger.Debug().
		Str("job_id", job.ID).
		Str("type", job.Type.String()).
		Str("priority", string(job.Priority)).
		Str("delay", delay.String()).
		Msg("Job submitted")
	return nil
}

// Remove drops a pending job before dispatch. Returns false when the job
// is unknown or already active.
func (b *MemoryBroker) Remove(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, tq := range b.queues {
		for _, e := range tq.ready {
			if e.job.ID == id {
				b.removed[id] = true
				return true
			}
		}
		for _, e := range tq.delayed {
			if e.job.ID == id {
				b.removed[id] = true
				return true
			}
		}
	}
	return false
}

// Stats returns per-type counters. Completed and failed counts are
// windowed since broker start.
func (b *MemoryBroker) Stats() map[models.JobType]models.QueueStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := make(map[models.JobType]models.QueueStats, len(b.queues))
	for jobType, tq := range b.queues {
		stats[jobType] = models.QueueStats{
			Waiting:   tq.waiting(),
			Active:    tq.active,
			Completed: tq.completed,
			Failed:    tq.failed,
		}
	}
	return stats
}

// ActiveCount returns the number of in-flight jobs across all types.
func (b *MemoryBroker) ActiveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	for _, tq := range b.queues {
		total += tq.active
	}
	return total
}

// Ping probes the broker for liveness.
func (b *MemoryBroker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return interfaces.ErrQueueClosed
	}
	return nil
}

// Start launches the dispatcher. Safe to call once.
func (b *MemoryBroker) Start() {
	b.mu.Lock()
	if b.started || b.closed {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	b.loopWG.Add(1)
	go b.dispatchLoop()
	b.logger.Info().Str("poll", b.poll.String()).Msg("Broker dispatcher started")
}

// Stop refuses new submissions, waits for the dispatcher to exit and for
// every in-flight job to finish.
func (b *MemoryBroker) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	started := b.started
	b.mu.Unlock()

	if started {
		close(b.stopCh)
		b.loopWG.Wait()
	}
	b.jobWG.Wait()
	b.logger.Info().Msg("Broker stopped")
}

func (b *MemoryBroker) dispatchLoop() {
	defer b.loopWG.Done()

	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.dispatchReady()
		}
	}
}

// dispatchReady promotes due delayed jobs and launches every dispatchable
// job whose type still has a free worker slot.
func (b *MemoryBroker) dispatchReady() {
	now := time.Now()

	b.mu.Lock()
	var launches []*entry
	for jobType, tq := range b.queues {
		tq.promote(now)

		reg := b.handlers[jobType]
		if reg == nil {
			continue
		}
		for tq.active < reg.concurrency && tq.ready.Len() > 0 {
			e := heap.Pop(&tq.ready).(*entry)
			if b.removed[e.job.ID] {
				delete(b.removed, e.job.ID)
				continue
			}
			tq.active++
			launches = append(launches, e)
		}
	}
	for range launches {
		b.jobWG.Add(1)
	}
	b.mu.Unlock()

	for _, e := range launches {
		go b.run(e)
	}
}

func (b *MemoryBroker) run(e *entry) {
	defer b.jobWG.Done()

	b.mu.Lock()
	reg := b.handlers[e.job.Type]
	b.mu.Unlock()

	err := reg.handler(context.Background(), e.job)

	b.mu.Lock()
	tq := b.queues[e.job.Type]
	tq.active--
	if err != nil {
		tq.failed++
	} else {
		tq.completed++
	}
	b.mu.Unlock()

	if err != nil {
		b.logger.Warn().
			Str("job_id", e.job.ID).
			Str("type", e.job.Type.String()).
			Err(err).
			Msg("Job attempt failed")
	}
}

var _ interfaces.Broker = (*MemoryBroker)(nil)
