package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b := NewBroker()
	b.Start()
	t.Cleanup(b.Stop)
	return b
}

func receiveEvent(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case event := <-sub:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := newTestBroker(t)
	sub1 := b.Subscribe()
	sub2 := b.Subscribe()

	b.Publish(&Event{Type: EventJobStarted, JobID: "job-1"})

	for _, sub := range []Subscriber{sub1, sub2} {
		event := receiveEvent(t, sub)
		assert.Equal(t, EventJobStarted, event.Type)
		assert.Equal(t, "job-1", event.JobID)
		assert.False(t, event.Timestamp.IsZero())
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := newTestBroker(t)
	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub
	assert.False(t, ok)

	// Double unsubscribe is harmless.
	b.Unsubscribe(sub)
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	b := newTestBroker(t)
	sub := b.Subscribe()

	// Never read from sub; fill well past its buffer.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			b.Publish(&Event{Type: EventJobQueued, JobID: "flood"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	b.Unsubscribe(sub)
}
