package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skynetops/control/pkg/types"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.PublishTaskEvent(&types.TaskEvent{TaskID: "t1", EventType: types.EventClaimed})

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case ev := <-sub:
			assert.Equal(t, "t1", ev.TaskID)
			assert.Equal(t, types.EventClaimed, ev.EventType)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)

	// Double unsubscribe is harmless
	b.Unsubscribe(sub)
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	slow := b.Subscribe()
	fast := b.Subscribe()

	// Saturate the slow subscriber's buffer without draining it
	for i := 0; i < cap(slow)+10; i++ {
		b.PublishTaskEvent(&types.TaskEvent{TaskID: "flood"})
	}

	// The fast subscriber still receives events
	require.Eventually(t, func() bool {
		select {
		case <-fast:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	b := NewBroker()
	b.Start()
	b.Stop()
	b.Stop()

	// Publishing after stop must not block
	done := make(chan struct{})
	go func() {
		b.PublishTaskEvent(&types.TaskEvent{TaskID: "late"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked after stop")
	}
}
