package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusPublishReachesAllSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	var mu sync.Mutex
	received := map[string]int{}
	done := make(chan struct{}, 2)

	for _, name := range []string{"a", "b"} {
		name := name
		_, err := bus.Subscribe(TopicPolicyChanged, func(msg *Message) {
			mu.Lock()
			received[name]++
			mu.Unlock()
			done <- struct{}{}
		})
		require.NoError(t, err)
	}

	evt := &PolicyChanged{EventID: "e1", PolicyID: "p1", ChangeType: "update", Version: 2, At: time.Now()}
	msg, err := Encode(evt.EventID, evt)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), TopicPolicyChanged, msg))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, received["a"])
	assert.Equal(t, 1, received["b"])
}

func TestMemoryBusRoundTripsEvents(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	got := make(chan *PolicyChanged, 1)
	_, err := bus.Subscribe(TopicPolicyChanged, func(msg *Message) {
		var evt PolicyChanged
		if err := Decode(msg, &evt); err == nil {
			got <- &evt
		}
	})
	require.NoError(t, err)

	sent := &PolicyChanged{EventID: "e1", PolicyID: "p1", ChangeType: "delete", Version: 3, Actor: "admin"}
	msg, err := Encode(sent.EventID, sent)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), TopicPolicyChanged, msg))

	select {
	case evt := <-got:
		assert.Equal(t, "p1", evt.PolicyID)
		assert.Equal(t, "delete", evt.ChangeType)
		assert.Equal(t, int64(3), evt.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMemoryBusTryPublishDropsWhenBufferFull(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	block := make(chan struct{})
	started := make(chan struct{}, 1)
	_, err := bus.Subscribe(TopicUsage, func(msg *Message) {
		started <- struct{}{}
		<-block // hold the dispatch goroutine so the buffer fills
	}, WithBufferSize(1))
	require.NoError(t, err)

	ctx := context.Background()
	msg := &Message{Body: []byte(`{}`)}

	// First message occupies the handler, second fills the buffer, the rest
	// must be dropped without blocking.
	require.NoError(t, bus.TryPublish(ctx, TopicUsage, msg))
	<-started
	finished := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.TryPublish(ctx, TopicUsage, msg)
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("TryPublish blocked on a full subscriber buffer")
	}
	close(block)
}

func TestMemoryBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	var count int
	var mu sync.Mutex
	id, err := bus.Subscribe(TopicUsage, func(msg *Message) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)
	require.NoError(t, bus.Unsubscribe(id))

	require.NoError(t, bus.Publish(context.Background(), TopicUsage, &Message{Body: []byte(`{}`)}))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, count)
}

func TestMemoryBusClosedRejectsSubscribe(t *testing.T) {
	bus := NewMemoryBus()
	require.NoError(t, bus.Close())
	_, err := bus.Subscribe(TopicUsage, func(msg *Message) {})
	assert.ErrorIs(t, err, errBusClosed)
}
