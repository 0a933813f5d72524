package interfaces

import "time"

// EventType identifies a lifecycle or system event on the bus.
type EventType string

const (
	EventJobCreated   EventType = "job_created"
	EventJobStarted   EventType = "job_started"
	EventJobProgress  EventType = "job_progress"
	EventJobCompleted EventType = "job_completed"
	EventJobFailed    EventType = "job_failed"
	EventJobRetry     EventType = "job_retry"
	EventNotification EventType = "notification"
	EventSystemStatus EventType = "system_status"
	EventSystemAlert  EventType = "system_alert"
	EventAnalytics    EventType = "analytics_event"
)

// Event is one message published on the in-process bus. UserID, when set,
// scopes delivery to that user's realtime connections.
type Event struct {
	Type      EventType              `json:"type"`
	UserID    string                 `json:"user_id,omitempty"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// Subscription is one consumer's bounded view of the bus. Events arrive on
// C in publish order; when the buffer is full the oldest buffered event is
// dropped, never the publisher blocked.
type Subscription struct {
	// C delivers events until Close is called.
	C <-chan Event
	// Close detaches the subscription and releases its buffer.
	Close func()
	// Dropped reports how many events this subscriber lost to backpressure.
	Dropped func() uint64
}

// EventBus decouples event producers from the realtime gateway and the
// queue manager's observers. Publish is non-blocking and best-effort;
// subscriber failures never propagate to the publisher.
type EventBus interface {
	Publish(event Event)
	Subscribe(name string) *Subscription
	Close()
}
