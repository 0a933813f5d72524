package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quill/internal/interfaces"
)

// subscriberBuffer is the per-subscriber channel capacity. When a slow
// consumer fills it, the oldest buffered event is discarded so publishers
// never block.
const subscriberBuffer = 256

type subscriber struct {
	name    string
	ch      chan interfaces.Event
	dropped atomic.Uint64
	once    sync.Once
}

// Bus is the in-process event bus. Publish fans each event out to every
// live subscription in order; delivery is best-effort per subscriber.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool
	logger arbor.ILogger
}

// NewBus creates an event bus.
func NewBus(logger arbor.ILogger) *Bus {
	return &Bus{
		subs:   make(map[*subscriber]struct{}),
		logger: logger,
	}
}

// Publish delivers the event to all current subscribers without blocking.
// Events published after Close are discarded.
func (b *Bus) Publish(event interfaces.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			// Buffer full: drop the oldest queued event to make room so
			// the subscriber converges on recent state.
			select {
			case <-sub.ch:
				sub.dropped.Add(1)
			default:
			}
			select {
			case sub.ch <- event:
			default:
				sub.dropped.Add(1)
			}
		}
	}
}

// Subscribe registers a named consumer and returns its subscription. The
// name is only used for diagnostics.
func (b *Bus) Subscribe(name string) *interfaces.Subscription {
	sub := &subscriber{
		name: name,
		ch:   make(chan interfaces.Event, subscriberBuffer),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return &interfaces.Subscription{
			C:       sub.ch,
			Close:   func() {},
			Dropped: func() uint64 { return 0 },
		}
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	b.logger.Debug().Str("subscriber", name).Msg("Subscriber registered")

	return &interfaces.Subscription{
		C: sub.ch,
		Close: func() {
			sub.once.Do(func() {
				b.mu.Lock()
				delete(b.subs, sub)
				b.mu.Unlock()
				close(sub.ch)
				if n := sub.dropped.Load(); n > 0 {
					b.logger.Debug().
						Str("subscriber", sub.name).
						Int64("dropped", int64(n)).
						Msg("Subscriber closed with dropped events")
				}
			})
		},
		Dropped: func() uint64 { return sub.dropped.Load() },
	}
}

// Close detaches all subscribers and closes their channels. Further
// publishes become no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		s := sub
		s.once.Do(func() {
			close(s.ch)
		})
		delete(b.subs, sub)
	}
	b.logger.Debug().Msg("Event bus closed")
}
