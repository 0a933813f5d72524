package broker

import (
	"container/heap"
	"time"

	"github.com/ternarybob/quill/internal/models"
)

// entry is one queued job handle. The broker never holds the payload
// authoritatively; the durable record lives in job storage.
type entry struct {
	job        *models.Job
	weight     int
	seq        uint64
	eligibleAt time.Time
	index      int
}

// readyQueue orders dispatchable entries by priority weight descending,
// then submission sequence ascending (FIFO within a priority band).
type readyQueue []*entry

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	if q[i].weight != q[j].weight {
		return q[i].weight > q[j].weight
	}
	return q[i].seq < q[j].seq
}

func (q readyQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *readyQueue) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *readyQueue) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// delayedQueue orders not-yet-eligible entries by eligibility time so the
// dispatcher can promote due entries with a peek.
type delayedQueue []*entry

func (q delayedQueue) Len() int { return len(q) }

func (q delayedQueue) Less(i, j int) bool {
	return q[i].eligibleAt.Before(q[j].eligibleAt)
}

func (q delayedQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *delayedQueue) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *delayedQueue) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// typeQueue is the per-type pair of ready and delayed heaps plus the
// windowed counters reported by Stats.
type typeQueue struct {
	ready     readyQueue
	delayed   delayedQueue
	active    int
	completed int
	failed    int
}

func newTypeQueue() *typeQueue {
	tq := &typeQueue{}
	heap.Init(&tq.ready)
	heap.Init(&tq.delayed)
	return tq
}

// promote moves every entry whose eligibility time has passed from the
// delayed heap into the ready heap.
func (tq *typeQueue) promote(now time.Time) {
	for tq.delayed.Len() > 0 && !tq.delayed[0].eligibleAt.After(now) {
		e := heap.Pop(&tq.delayed).(*entry)
		heap.Push(&tq.ready, e)
	}
}

func (tq *typeQueue) waiting() int {
	return tq.ready.Len() + tq.delayed.Len()
}
