package serving

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/pesabank/go-adserver-backend/internal/config"
	"github.com/pesabank/go-adserver-backend/internal/domain"
	"github.com/pesabank/go-adserver-backend/internal/kv"
)

// CacheKey builds the personalised cache key for a serve response. The
// customer ID must already be sanitized.
func CacheKey(segment domain.Segment, channel domain.Channel, sanitizedID string) string {
	return "ad:" + string(segment) + ":" + string(channel) + ":" + sanitizedID
}

// ResponseCache stores serve responses in the KV with an adaptive TTL and
// invalidates them by key pattern when the catalog changes. Every method
// degrades silently: a cache that cannot be reached is a cache miss.
type ResponseCache struct {
	KV      kv.Store
	Cfg     config.CacheConfig
	limiter *rate.Limiter
}

// NewResponseCache builds a cache whose invalidation SCAN batches are paced
// by the configured rate so a large keyspace sweep cannot saturate the KV.
func NewResponseCache(store kv.Store, cfg config.CacheConfig) *ResponseCache {
	return &ResponseCache{
		KV:      store,
		Cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.ScanRatePerSecond), 1),
	}
}

// Lookup returns the cached response for key, if any. Store unavailability
// and decode failures are both misses.
func (c *ResponseCache) Lookup(ctx context.Context, key string) (*domain.ServeResponse, bool) {
	if !c.KV.Available() {
		return nil, false
	}
	raw, err := c.KV.Get(ctx, key)
	if err != nil {
		return nil, false
	}
	var resp domain.ServeResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cached response corrupt; ignoring")
		return nil, false
	}
	return &resp, true
}

// TTLFor returns the cache TTL for a response produced from the given number
// of post-filter candidates. Thin supply gets the short TTL so repeated
// exposure is bounded and new ads surface quickly.
func (c *ResponseCache) TTLFor(candidates int) time.Duration {
	if candidates <= c.Cfg.ThinSupplyThreshold {
		return c.Cfg.ThinSupplyTTL
	}
	return c.Cfg.AmpleSupplyTTL
}

// Write stores the response under key with the adaptive TTL. Errors are
// logged and dropped.
func (c *ResponseCache) Write(ctx context.Context, key string, resp *domain.ServeResponse, candidates int) {
	raw, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("serve response marshal failed")
		return
	}
	if err := c.KV.SetWithTTL(ctx, key, string(raw), c.TTLFor(candidates)); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

// Invalidate removes every cached response for each (segment, channel) pair
// of a mutated ad. Each pattern is SCANned across the full cursor cycle in
// paced batches; matches are collected and removed in one DELETE so readers
// observe the sweep as close to atomically as the KV allows.
func (c *ResponseCache) Invalidate(ctx context.Context, segments []domain.Segment, channels []domain.Channel) {
	if len(channels) == 0 {
		channels = []domain.Channel{domain.DefaultChannel}
	}
	for _, seg := range segments {
		for _, ch := range channels {
			pattern := CacheKey(seg, ch, "*")
			if err := c.invalidatePattern(ctx, pattern); err != nil {
				log.Warn().Err(err).Str("pattern", pattern).Msg("cache invalidation failed")
			}
		}
	}
}

func (c *ResponseCache) invalidatePattern(ctx context.Context, pattern string) error {
	var (
		keys   []string
		cursor uint64
	)
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		batch, next, err := c.KV.Scan(ctx, cursor, pattern, c.Cfg.ScanBatchSize)
		if err != nil {
			return err
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.KV.Delete(ctx, keys...); err != nil {
		return err
	}
	log.Debug().Str("pattern", pattern).Int("keys", len(keys)).Msg("cache invalidated")
	return nil
}
