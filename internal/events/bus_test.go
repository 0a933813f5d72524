package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/quill/internal/common"
	"github.com/ternarybob/quill/internal/interfaces"
)

func TestBus_PublishDeliversInOrder(t *testing.T) {
	bus := NewBus(common.GetLogger())
	defer bus.Close()

	sub := bus.Subscribe("test")
	defer sub.Close()

	for i := 0; i < 5; i++ {
		bus.Publish(interfaces.Event{
			Type:    interfaces.EventJobProgress,
			Payload: map[string]interface{}{"seq": i},
		})
	}

	for i := 0; i < 5; i++ {
		select {
		case ev := <-sub.C:
			assert.Equal(t, interfaces.EventJobProgress, ev.Type)
			assert.Equal(t, i, ev.Payload["seq"])
			assert.False(t, ev.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBus_UserScopedEventsCarryUserID(t *testing.T) {
	bus := NewBus(common.GetLogger())
	defer bus.Close()

	sub := bus.Subscribe("test")
	defer sub.Close()

	bus.Publish(interfaces.Event{
		Type:   interfaces.EventJobCompleted,
		UserID: "user-1",
	})

	select {
	case ev := <-sub.C:
		assert.Equal(t, "user-1", ev.UserID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_SlowSubscriberDropsOldest(t *testing.T) {
	bus := NewBus(common.GetLogger())
	defer bus.Close()

	sub := bus.Subscribe("slow")
	defer sub.Close()

	// Overfill the buffer without draining.
	total := subscriberBuffer + 50
	for i := 0; i < total; i++ {
		bus.Publish(interfaces.Event{
			Type:    interfaces.EventJobProgress,
			Payload: map[string]interface{}{"seq": i},
		})
	}

	assert.Equal(t, uint64(50), sub.Dropped())

	// The first buffered event should be the oldest survivor, not seq 0.
	ev := <-sub.C
	assert.Equal(t, 50, ev.Payload["seq"])
}

func TestBus_CloseDetachesSubscribers(t *testing.T) {
	bus := NewBus(common.GetLogger())

	sub := bus.Subscribe("test")
	bus.Close()

	_, ok := <-sub.C
	assert.False(t, ok, "channel should be closed")

	// Publishing after close must not panic.
	bus.Publish(interfaces.Event{Type: interfaces.EventSystemStatus})
}

func TestBus_SubscribeAfterClose(t *testing.T) {
	bus := NewBus(common.GetLogger())
	bus.Close()

	sub := bus.Subscribe("late")
	require.NotNil(t, sub)
	_, ok := <-sub.C
	assert.False(t, ok)
	sub.Close()
}

func TestBus_SubscriberCloseIsIdempotent(t *testing.T) {
	bus := NewBus(common.GetLogger())
	defer bus.Close()

	sub := bus.Subscribe("test")
	sub.Close()
	sub.Close()

	bus.Publish(interfaces.Event{Type: interfaces.EventNotification})
}
