package stats

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/limitgate/limitgate/events"
)

const defaultBlockTime = 5 * time.Second

// Consumer drains the Redis usage list with BRPOP and folds the reports
// into per-policy snapshots. Multiple consumers across instances compete
// for list entries, so each report is counted once cluster-wide.
type Consumer struct {
	rdb       redis.Cmdable
	list      string
	blockTime time.Duration

	mu        sync.RWMutex
	snapshots map[string]*Snapshot

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stop      chan struct{}
	done      chan struct{}
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithBlockTime sets how long each BRPOP blocks waiting for a report.
// Defaults to 5 seconds.
func WithBlockTime(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d > 0 {
			c.blockTime = d
		}
	}
}

// NewConsumer creates a consumer of the usage list. Call Start to begin
// draining.
func NewConsumer(rdb redis.Cmdable, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		rdb:       rdb,
		list:      UsageList,
		blockTime: defaultBlockTime,
		snapshots: make(map[string]*Snapshot),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements the runtime component contract.
func (c *Consumer) Name() string { return "stats-consumer" }

// Start launches the BRPOP loop.
func (c *Consumer) Start(ctx context.Context) error {
	c.startOnce.Do(func() {
		c.started.Store(true)
		go c.run()
	})
	return nil
}

// Shutdown stops the loop and waits for it to exit. Without a prior Start
// there is no loop to wait for, so it returns immediately.
func (c *Consumer) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	if !c.started.Load() {
		return nil
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the aggregated usage for a policy, or nil when nothing
// has been consumed for it yet.
func (c *Consumer) Snapshot(policyID string) *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.snapshots[policyID]
	if !ok {
		return nil
	}
	cp := *snap
	return &cp
}

// Apply folds one usage report into the snapshots. The BRPOP loop calls it
// for every decoded report; tests can call it directly.
func (c *Consumer) Apply(usage *events.Usage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.snapshots[usage.PolicyID]
	if snap == nil {
		snap = &Snapshot{PolicyID: usage.PolicyID}
		c.snapshots[usage.PolicyID] = snap
	}
	snap.Requested += usage.Requested
	snap.Allowed += usage.Allowed
	snap.Denied += usage.Denied
	snap.Weight += usage.Weight
}

func (c *Consumer) run() {
	defer close(c.done)
	log.Debug().Str("list", c.list).Dur("block_time", c.blockTime).Msg("usage consumer started")

	for {
		select {
		case <-c.stop:
			log.Debug().Str("list", c.list).Msg("usage consumer stopped")
			return
		default:
		}

		// BRPOP with its own block time controls latency; the stop channel
		// is re-checked after every wakeup.
		result, err := c.rdb.BRPop(context.Background(), c.blockTime, c.list).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // block timeout, nothing queued
			}
			log.Error().Err(err).Str("list", c.list).Msg("usage list pop failed")
			select {
			case <-time.After(time.Second):
			case <-c.stop:
				return
			}
			continue
		}
		if len(result) != 2 {
			log.Error().Strs("result", result).Msg("unexpected BRPOP result shape")
			continue
		}

		var usage events.Usage
		if err := json.Unmarshal([]byte(result[1]), &usage); err != nil {
			log.Warn().Err(err).Msg("discarding undecodable usage report")
			continue
		}
		c.Apply(&usage)
	}
}
