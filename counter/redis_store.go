package counter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/limitgate/limitgate/engine"
)

// keyPrefix namespaces all counter keys in Redis.
const keyPrefix = "limitgate:counter:"

// casScript performs the conditional write server-side so the version check
// and the SET are atomic across all engine instances. Entries are JSON
// envelopes {"v": version, "s": state}.
// KEYS[1]: counter key
// ARGV[1]: expected version (0 when the key must not exist yet)
// ARGV[2]: new envelope payload (already carries version expected+1)
// ARGV[3]: TTL in milliseconds
// Returns 1 when the write was applied, 0 when the version moved.
const casScript = `
local cur = redis.call("GET", KEYS[1])
if cur then
	local obj = cjson.decode(cur)
	if tonumber(obj.v) ~= tonumber(ARGV[1]) then
		return 0
	end
elseif tonumber(ARGV[1]) ~= 0 then
	return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`

var redisCASScript = redis.NewScript(casScript)

type envelope struct {
	Version int64        `json:"v"`
	State   engine.State `json:"s"`
}

// RedisStore implements Store on Redis for multi-instance deployments.
// Atomicity comes from the Lua compare-and-set; expiry comes from the TTL
// written with every entry, so no sweeper is needed for normal operation.
// Purge handles the one case TTLs do not cover promptly: counters orphaned
// by a policy deletion.
type RedisStore struct {
	client    redis.Cmdable
	sweepLock *SweepLock
}

// NewRedisStore creates a Store backed by the given client. It accepts any
// redis.Cmdable so cluster and sentinel clients work unchanged.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{
		client:    client,
		sweepLock: NewSweepLock(client, keyPrefix+"purge-lock"),
	}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key Key) (Entry, error) {
	raw, err := s.client.Get(ctx, keyPrefix+key.String()).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, nil
	}
	if err != nil {
		log.Error().Err(err).Str("key", key.String()).Msg("counter get failed")
		return Entry{}, fmt.Errorf("%w: get: %v", ErrUnavailable, err)
	}
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		// Undecodable state is treated as absent; the next CAS rewrites it.
		log.Warn().Err(err).Str("key", key.String()).Msg("discarding undecodable counter entry")
		return Entry{}, nil
	}
	return Entry{State: env.State, Version: env.Version}, nil
}

// CompareAndSet implements Store.
func (s *RedisStore) CompareAndSet(ctx context.Context, key Key, expectedVersion int64, state engine.State, ttl time.Duration) (bool, error) {
	payload, err := json.Marshal(envelope{Version: expectedVersion + 1, State: state})
	if err != nil {
		return false, fmt.Errorf("counter: encode state: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Minute
	}

	res, err := redisCASScript.Run(ctx, s.client,
		[]string{keyPrefix + key.String()},
		expectedVersion, string(payload), ttl.Milliseconds(),
	).Result()
	if err != nil {
		log.Error().Err(err).Str("key", key.String()).Msg("counter cas script failed")
		return false, fmt.Errorf("%w: cas: %v", ErrUnavailable, err)
	}
	applied, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("%w: cas returned unexpected type %T", ErrUnavailable, res)
	}
	return applied == 1, nil
}

// Purge implements Store. It takes the cluster-wide sweep lock first so only
// one engine instance scans for a deleted policy's counters; losing the lock
// race means another instance is already purging, which is success.
func (s *RedisStore) Purge(ctx context.Context, policyID string) (int, error) {
	token, err := s.sweepLock.TryLock(ctx)
	if err != nil {
		if errors.Is(err, ErrSweepLockHeld) {
			log.Debug().Str("policy_id", policyID).Msg("purge already running on another instance")
			return 0, nil
		}
		return 0, fmt.Errorf("%w: purge lock: %v", ErrUnavailable, err)
	}
	defer func() {
		if err := s.sweepLock.Unlock(context.WithoutCancel(ctx), token); err != nil {
			log.Warn().Err(err).Msg("failed to release purge lock")
		}
	}()

	pattern := keyPrefix + policyPrefix(policyID) + "*"
	removed := 0
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 256).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: scan: %v", ErrUnavailable, err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return removed, fmt.Errorf("%w: del: %v", ErrUnavailable, err)
			}
			removed += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	log.Info().Str("policy_id", policyID).Int("removed", removed).Msg("purged counters for deleted policy")
	return removed, nil
}

// Close implements Store. The Redis client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}
