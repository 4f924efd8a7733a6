package counter

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/limitgate/limitgate/engine"
)

const shardCount = 64

// MemoryStore implements Store with a sharded in-process map, for
// single-instance deployments. Each shard has its own mutex so concurrent
// checks on different keys never contend on a global lock. A low-priority
// background sweeper reclaims entries past their TTL; it runs off the
// request path and never blocks Get or CompareAndSet.
type MemoryStore struct {
	shards [shardCount]memShard
	now    func() time.Time

	sweepInterval time.Duration
	stopSweep     chan struct{}
	sweepDone     chan struct{}
	startOnce     sync.Once
	stopOnce      sync.Once
}

type memShard struct {
	mu      sync.Mutex
	entries map[string]*memEntry
}

type memEntry struct {
	state     engine.State
	version   int64
	expiresAt time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithSweepInterval sets how often the background sweeper scans for expired
// entries. Defaults to 30 seconds.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// WithMemoryClock overrides the time source, for deterministic tests.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore creates an empty in-memory counter store. Call Start to
// run the TTL sweeper, or drive Sweep manually.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		now:           time.Now,
		sweepInterval: 30 * time.Second,
		stopSweep:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*memEntry)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) shardFor(key string) *memShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key Key) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	k := key.String()
	shard := s.shardFor(k)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	e, ok := shard.entries[k]
	if !ok {
		return Entry{}, nil
	}
	if s.now().After(e.expiresAt) {
		delete(shard.entries, k)
		return Entry{}, nil
	}
	return Entry{State: e.state, Version: e.version}, nil
}

// CompareAndSet implements Store.
func (s *MemoryStore) CompareAndSet(ctx context.Context, key Key, expectedVersion int64, state engine.State, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	k := key.String()
	shard := s.shardFor(k)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	now := s.now()
	e, ok := shard.entries[k]
	if ok && now.After(e.expiresAt) {
		delete(shard.entries, k)
		e, ok = nil, false
	}

	current := int64(0)
	if ok {
		current = e.version
	}
	if current != expectedVersion {
		return false, nil
	}

	shard.entries[k] = &memEntry{
		state:     state,
		version:   expectedVersion + 1,
		expiresAt: now.Add(ttl),
	}
	return true, nil
}

// Purge implements Store.
func (s *MemoryStore) Purge(ctx context.Context, policyID string) (int, error) {
	removed := 0
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for k := range shard.entries {
			if hasPolicyPrefix(k, policyID) {
				delete(shard.entries, k)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	if removed > 0 {
		log.Debug().Str("policy_id", policyID).Int("removed", removed).Msg("purged counters for deleted policy")
	}
	return removed, nil
}

// Sweep removes every entry whose TTL has passed and returns how many were
// reclaimed. The background sweeper calls this on its interval; tests can
// call it directly.
func (s *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for k, e := range shard.entries {
			if now.After(e.expiresAt) {
				delete(shard.entries, k)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Name implements the runtime component contract.
func (s *MemoryStore) Name() string { return "counter-memory-store" }

// Start launches the background TTL sweeper.
func (s *MemoryStore) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		go s.sweepLoop()
	})
	return nil
}

// Shutdown stops the sweeper. Safe to call without a prior Start.
func (s *MemoryStore) Shutdown(ctx context.Context) error {
	return s.Close()
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopSweep)
	})
	return nil
}

func (s *MemoryStore) sweepLoop() {
	defer close(s.sweepDone)
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	log.Debug().Dur("interval", s.sweepInterval).Msg("counter sweeper started")
	for {
		select {
		case <-s.stopSweep:
			log.Debug().Msg("counter sweeper stopped")
			return
		case <-ticker.C:
			if removed := s.Sweep(s.now()); removed > 0 {
				log.Debug().Int("removed", removed).Msg("swept expired counter entries")
			}
		}
	}
}
