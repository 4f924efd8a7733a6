package stats

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/limitgate/limitgate/events"
)

const (
	defaultBroadcastTimeout = 500 * time.Millisecond
	defaultListMaxLen       = 10000
)

// ListPublisher pushes usage reports onto a Redis list with best-effort
// semantics: the LPUSH runs under a short timeout and a report that misses
// it is dropped. The list is trimmed after every push so a stalled consumer
// can never grow it without bound.
type ListPublisher struct {
	rdb        redis.Cmdable
	list       string
	timeout    time.Duration
	listMaxLen int64
}

// PublisherOption configures a ListPublisher.
type PublisherOption func(*ListPublisher)

// WithBroadcastTimeout sets the per-push timeout. A push that exceeds it is
// dropped silently. Defaults to 500ms.
func WithBroadcastTimeout(d time.Duration) PublisherOption {
	return func(p *ListPublisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithListMaxLen caps the list length via LTRIM after each push.
// 0 disables trimming. Defaults to 10000.
func WithListMaxLen(n int64) PublisherOption {
	return func(p *ListPublisher) {
		if n >= 0 {
			p.listMaxLen = n
		}
	}
}

// NewListPublisher creates a publisher onto the usage list.
func NewListPublisher(rdb redis.Cmdable, opts ...PublisherOption) *ListPublisher {
	p := &ListPublisher{
		rdb:        rdb,
		list:       UsageList,
		timeout:    defaultBroadcastTimeout,
		listMaxLen: defaultListMaxLen,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Broadcast pushes one usage report, dropping it on timeout.
func (p *ListPublisher) Broadcast(ctx context.Context, usage *events.Usage) {
	payload, err := json.Marshal(usage)
	if err != nil {
		log.Error().Err(err).Str("policy_id", usage.PolicyID).Msg("failed to serialize usage report")
		return
	}

	bctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.rdb.LPush(bctx, p.list, payload).Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			log.Warn().Str("list", p.list).Msg("usage report dropped on push timeout")
			return
		}
		log.Warn().Err(err).Str("list", p.list).Msg("usage report push failed")
		return
	}

	if p.listMaxLen > 0 {
		// Keep the newest entries; trim errors never fail the publish.
		if err := p.rdb.LTrim(bctx, p.list, 0, p.listMaxLen-1).Err(); err != nil {
			log.Warn().Err(err).Str("list", p.list).Int64("max_len", p.listMaxLen).Msg("failed to trim usage list")
		}
	}
}
