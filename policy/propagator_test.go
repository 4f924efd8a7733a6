package policy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limitgate/limitgate/counter"
	"github.com/limitgate/limitgate/engine"
	"github.com/limitgate/limitgate/events"
)

// purgeRecorder implements counter.Store and records Purge calls.
type purgeRecorder struct {
	mu     sync.Mutex
	purged []string
}

func (r *purgeRecorder) Get(ctx context.Context, key counter.Key) (counter.Entry, error) {
	return counter.Entry{}, nil
}

func (r *purgeRecorder) CompareAndSet(ctx context.Context, key counter.Key, expectedVersion int64, state engine.State, ttl time.Duration) (bool, error) {
	return true, nil
}

func (r *purgeRecorder) Purge(ctx context.Context, policyID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purged = append(r.purged, policyID)
	return 1, nil
}

func (r *purgeRecorder) Close() error { return nil }

func (r *purgeRecorder) purges() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.purged...)
}

func testPolicy(id string) *RateLimitPolicy {
	return &RateLimitPolicy{
		ID:          id,
		Algorithm:   engine.FixedWindow,
		MaxRequests: 100,
		TimeWindow:  time.Minute,
		Active:      true,
	}
}

func TestPropagatorPublishesAndInvalidates(t *testing.T) {
	bus := events.NewMemoryBus()
	defer bus.Close()

	got := make(chan *events.PolicyChanged, 8)
	_, err := bus.Subscribe(events.TopicPolicyChanged, func(msg *events.Message) {
		var evt events.PolicyChanged
		if err := events.Decode(msg, &evt); err == nil {
			got <- &evt
		}
	})
	require.NoError(t, err)

	prop := NewPropagator(bus)
	store := NewMemoryStore(WithChangeListener(prop.OnChange))
	cache := NewCache(store)
	prop.AttachCache(cache)

	ctx := context.Background()
	created, err := store.Create(ctx, testPolicy("p1"), "ops")
	require.NoError(t, err)

	// Cache observes the new policy.
	candidates, err := cache.Candidates(ctx, Scope{Endpoint: ""})
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	select {
	case evt := <-got:
		assert.Equal(t, "p1", evt.PolicyID)
		assert.Equal(t, string(ChangeCreate), evt.ChangeType)
		assert.Equal(t, int64(1), evt.Version)
		assert.Equal(t, "ops", evt.Actor)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for policy change event")
	}

	// An update invalidates the snapshot so the next read sees version 2.
	created.MaxRequests = 50
	_, err = store.Update(ctx, created, created.Version, "ops")
	require.NoError(t, err)

	candidates, err = cache.Candidates(ctx, Scope{})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, int64(2), candidates[0].Version)
	assert.Equal(t, int64(50), candidates[0].MaxRequests)
}

func TestPropagatorPurgesCountersOnDelete(t *testing.T) {
	rec := &purgeRecorder{}
	prop := NewPropagator(nil, WithCounterPurge(rec))
	store := NewMemoryStore(WithChangeListener(prop.OnChange))

	ctx := context.Background()
	created, err := store.Create(ctx, testPolicy("p1"), "ops")
	require.NoError(t, err)
	assert.Empty(t, rec.purges())

	require.NoError(t, store.Delete(ctx, created.ID, created.Version, "ops"))
	assert.Equal(t, []string{"p1"}, rec.purges())
}

func TestPropagatorListenHandlesRemoteChanges(t *testing.T) {
	bus := events.NewMemoryBus()
	defer bus.Close()

	store := NewMemoryStore()
	cache := NewCache(store)
	rec := &purgeRecorder{}
	prop := NewPropagator(bus, WithCache(cache), WithCounterPurge(rec))
	require.NoError(t, prop.Listen())
	defer prop.Stop()

	ctx := context.Background()
	_, err := store.Create(ctx, testPolicy("p1"), "ops")
	require.NoError(t, err)
	_, err = cache.Candidates(ctx, Scope{})
	require.NoError(t, err)

	// A delete committed on another instance arrives over the bus.
	err = events.PublishPolicyChanged(ctx, bus, &events.PolicyChanged{
		EventID:    "evt-1",
		PolicyID:   "p1",
		ChangeType: string(ChangeDelete),
		Version:    3,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(rec.purges()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"p1"}, rec.purges())
}
