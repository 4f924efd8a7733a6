package stats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limitgate/limitgate/events"
)

func TestReporterAggregatesAndFlushes(t *testing.T) {
	bus := events.NewMemoryBus()
	defer bus.Close()

	got := make(chan *events.Usage, 8)
	_, err := bus.Subscribe(events.TopicUsage, func(msg *events.Message) {
		var usage events.Usage
		if err := events.Decode(msg, &usage); err == nil {
			got <- &usage
		}
	})
	require.NoError(t, err)

	r := NewReporter(WithBus(bus), WithFlushInterval(50*time.Millisecond))
	require.NoError(t, r.Start(context.Background()))
	defer r.Shutdown(context.Background())

	now := time.Now()
	r.Record("p1", true, 1, now)
	r.Record("p1", true, 2, now)
	r.Record("p1", false, 1, now)

	select {
	case usage := <-got:
		assert.Equal(t, "p1", usage.PolicyID)
		assert.Equal(t, int64(3), usage.Requested)
		assert.Equal(t, int64(2), usage.Allowed)
		assert.Equal(t, int64(1), usage.Denied)
		assert.Equal(t, int64(4), usage.Weight)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for usage flush")
	}
}

func TestReporterRecordNeverBlocks(t *testing.T) {
	// No Start: nothing drains the buffer, so it fills immediately.
	r := NewReporter(WithSampleBuffer(1))

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			r.Record("p1", true, 1, time.Now())
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Record must never block the caller")
	}
	assert.Equal(t, int64(99), r.Dropped())
}

func TestReporterFlushesOnShutdown(t *testing.T) {
	bus := events.NewMemoryBus()
	defer bus.Close()

	got := make(chan *events.Usage, 8)
	_, err := bus.Subscribe(events.TopicUsage, func(msg *events.Message) {
		var usage events.Usage
		if err := events.Decode(msg, &usage); err == nil {
			got <- &usage
		}
	})
	require.NoError(t, err)

	// Long interval: only the shutdown flush can deliver the sample.
	r := NewReporter(WithBus(bus), WithFlushInterval(time.Hour))
	require.NoError(t, r.Start(context.Background()))
	r.Record("p1", true, 1, time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	select {
	case usage := <-got:
		assert.Equal(t, int64(1), usage.Requested)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown must flush pending aggregates")
	}
}

func TestShutdownWithoutStartReturnsImmediately(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, NewReporter().Shutdown(ctx))
		assert.NoError(t, NewConsumer(nil).Shutdown(ctx))
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown of never-started components must not block")
	}
}

func TestConsumerApplyMergesReports(t *testing.T) {
	c := NewConsumer(nil)

	c.Apply(&events.Usage{PolicyID: "p1", Requested: 3, Allowed: 2, Denied: 1, Weight: 4})
	c.Apply(&events.Usage{PolicyID: "p1", Requested: 2, Allowed: 2, Weight: 2})
	c.Apply(&events.Usage{PolicyID: "p2", Requested: 1, Allowed: 1, Weight: 1})

	snap := c.Snapshot("p1")
	require.NotNil(t, snap)
	assert.Equal(t, int64(5), snap.Requested)
	assert.Equal(t, int64(4), snap.Allowed)
	assert.Equal(t, int64(1), snap.Denied)
	assert.Equal(t, int64(6), snap.Weight)

	assert.Nil(t, c.Snapshot("unknown"))
}
