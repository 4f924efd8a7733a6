package counter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// fakeLockClient implements the two commands SweepLock issues against an
// in-memory key space. Any other command panics through the embedded nil
// interface.
type fakeLockClient struct {
	redis.Cmdable
	mu   sync.Mutex
	vals map[string]string
}

func newFakeLockClient() *fakeLockClient {
	return &fakeLockClient{vals: make(map[string]string)}
}

func (f *fakeLockClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.vals[key]; held {
		cmd.SetVal(false)
		return cmd
	}
	f.vals[key] = value.(string)
	cmd.SetVal(true)
	return cmd
}

func (f *fakeLockClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	cmd := redis.NewCmd(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.vals[keys[0]] == args[0].(string) {
		delete(f.vals, keys[0])
		cmd.SetVal(int64(1))
	} else {
		cmd.SetVal(int64(0))
	}
	return cmd
}

func (f *fakeLockClient) holder(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vals[key]
}

func TestSweepLockSingleOwner(t *testing.T) {
	ctx := context.Background()
	client := newFakeLockClient()
	lock := NewSweepLock(client, "lock")

	token, err := lock.TryLock(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, err = lock.TryLock(ctx)
	assert.ErrorIs(t, err, ErrSweepLockHeld)

	// A stale token must not release the current owner.
	require.NoError(t, lock.Unlock(ctx, "stale-token"))
	assert.Equal(t, token, client.holder("lock"))

	require.NoError(t, lock.Unlock(ctx, token))
	assert.Empty(t, client.holder("lock"))

	_, err = lock.TryLock(ctx)
	assert.NoError(t, err, "a released lock must be acquirable again")
}

func TestSweepLockConcurrentAcquireRelease(t *testing.T) {
	ctx := context.Background()
	client := newFakeLockClient()
	lock := NewSweepLock(client, "lock")

	// Concurrent purges race for the same lock; each winner must release
	// with its own token so losing a race never strands the lock.
	var mu sync.Mutex
	acquired := 0
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			token, err := lock.TryLock(ctx)
			if err != nil {
				if errors.Is(err, ErrSweepLockHeld) {
					return nil
				}
				return err
			}
			mu.Lock()
			acquired++
			mu.Unlock()
			return lock.Unlock(ctx, token)
		})
	}
	require.NoError(t, g.Wait())

	assert.GreaterOrEqual(t, acquired, 1)
	assert.Empty(t, client.holder("lock"), "no token may be stranded after all purges finish")

	token, err := lock.TryLock(ctx)
	require.NoError(t, err, "the lock must be free once every owner released it")
	require.NoError(t, lock.Unlock(ctx, token))
}
