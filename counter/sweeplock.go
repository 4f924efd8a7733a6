package counter

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ErrSweepLockHeld is returned by TryLock when another instance holds the
// sweep lock.
var ErrSweepLockHeld = errors.New("counter: sweep lock held by another instance")

// sweepLockTTL bounds how long a crashed instance can block purging.
const sweepLockTTL = 30 * time.Second

// sweepUnlockScript deletes the lock only when the caller still owns it.
// KEYS[1]: lock key, ARGV[1]: owner token.
const sweepUnlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// SweepLock is a best-effort distributed mutex around counter purges. It is
// deliberately non-blocking: a purge that loses the lock race is simply
// skipped because the winner does the same work. The lock holds no mutable
// state; TryLock hands the owner token to the caller and Unlock takes it
// back, so concurrent purges on one store never share a token.
type SweepLock struct {
	client redis.Cmdable
	key    string
}

// NewSweepLock creates a lock on the given Redis key.
func NewSweepLock(client redis.Cmdable, key string) *SweepLock {
	return &SweepLock{client: client, key: key}
}

// TryLock attempts to take the lock without waiting and returns the owner
// token on success. Returns ErrSweepLockHeld when another owner exists.
func (l *SweepLock) TryLock(ctx context.Context) (string, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, sweepLockTTL).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrSweepLockHeld
	}
	log.Debug().Str("key", l.key).Msg("sweep lock acquired")
	return token, nil
}

// Unlock releases the lock if the token still owns it. A lock that already
// expired counts as released.
func (l *SweepLock) Unlock(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	res, err := l.client.Eval(ctx, sweepUnlockScript, []string{l.key}, token).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	if val, ok := res.(int64); !ok || val != 1 {
		log.Debug().Str("key", l.key).Msg("sweep lock expired before unlock")
	}
	return nil
}
