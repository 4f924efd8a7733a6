package counter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limitgate/limitgate/engine"
)

func testKey(policyID, identity string) Key {
	return Key{
		PolicyID:  policyID,
		Algorithm: engine.FixedWindow,
		Identity:  identity,
		Bucket:    "1",
	}
}

func TestKeyComponentsNeverCollide(t *testing.T) {
	a := Key{PolicyID: "p1", Algorithm: engine.FixedWindow, Identity: "client", Bucket: "1"}
	b := Key{PolicyID: "p1", Algorithm: engine.SlidingWindow, Identity: "client", Bucket: "1"}
	c := Key{PolicyID: "p2", Algorithm: engine.FixedWindow, Identity: "client", Bucket: "1"}
	d := Key{PolicyID: "p1", Algorithm: engine.FixedWindow, Identity: "client", Bucket: "2"}

	seen := map[string]bool{}
	for _, k := range []Key{a, b, c, d} {
		require.False(t, seen[k.String()], "key %q must be unique", k.String())
		seen[k.String()] = true
	}
}

func TestMemoryStoreCASLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()
	key := testKey("p1", "client-1")

	// Absent key reads as the zero entry.
	entry, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), entry.Version)
	assert.True(t, entry.State.IsZero())

	// Create with expected version 0.
	ok, err := store.CompareAndSet(ctx, key, 0, engine.State{Current: 1}, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	entry, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Version)
	assert.Equal(t, int64(1), entry.State.Current)

	// Stale expected version must not write.
	ok, err = store.CompareAndSet(ctx, key, 0, engine.State{Current: 99}, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	entry, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.State.Current, "failed CAS must leave state untouched")

	// Matching version advances by exactly one.
	ok, err = store.CompareAndSet(ctx, key, entry.Version, engine.State{Current: 2}, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	entry, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.Version)
}

func TestMemoryStoreConcurrentCASSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()
	key := testKey("p1", "client-1")

	const writers = 32
	var wg sync.WaitGroup
	wins := make(chan struct{}, writers)
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(n int64) {
			defer wg.Done()
			ok, err := store.CompareAndSet(ctx, key, 0, engine.State{Current: n}, time.Minute)
			if err == nil && ok {
				wins <- struct{}{}
			}
		}(int64(i))
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count, "exactly one concurrent create may win")
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(WithMemoryClock(func() time.Time { return now }))
	defer store.Close()
	key := testKey("p1", "client-1")

	ok, err := store.CompareAndSet(ctx, key, 0, engine.State{Current: 5}, 2*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Still present just before the TTL.
	now = now.Add(2*time.Minute - time.Second)
	entry, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Version)

	// Gone after the TTL; the next CAS recreates from version 0.
	now = now.Add(2 * time.Second)
	entry, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), entry.Version)

	ok, err = store.CompareAndSet(ctx, key, 0, engine.State{Current: 1}, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStoreSweepReclaimsIdleEntries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(WithMemoryClock(func() time.Time { return now }))
	defer store.Close()

	for _, id := range []string{"a", "b", "c"} {
		ok, err := store.CompareAndSet(ctx, testKey("p1", id), 0, engine.State{Current: 1}, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := store.CompareAndSet(ctx, testKey("p1", "fresh"), 0, engine.State{Current: 1}, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	removed := store.Sweep(now.Add(2 * time.Minute))
	assert.Equal(t, 3, removed)

	entry, err := store.Get(ctx, testKey("p1", "fresh"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Version, "unexpired entry must survive the sweep")
}

func TestMemoryStorePurgeRemovesOnlyPolicyCounters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	for _, k := range []Key{testKey("p1", "a"), testKey("p1", "b"), testKey("p2", "a")} {
		ok, err := store.CompareAndSet(ctx, k, 0, engine.State{Current: 1}, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
	}

	removed, err := store.Purge(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	entry, err := store.Get(ctx, testKey("p2", "a"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Version)
}

func TestMemoryStoreRespectsContextDeadline(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Get(ctx, testKey("p1", "a"))
	assert.Error(t, err)
	_, err = store.CompareAndSet(ctx, testKey("p1", "a"), 0, engine.State{}, time.Minute)
	assert.Error(t, err)
}
