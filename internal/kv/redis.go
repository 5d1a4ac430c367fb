package kv

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/pesabank/go-adserver-backend/internal/config"
)

// RedisStore adapts a go-redis client to the Store port. Availability is a
// local flag flipped by connection lifecycle events and by command outcomes,
// so Available never touches the network.
type RedisStore struct {
	client *redis.Client
	up     atomic.Bool
}

// NewRedisStore builds a RedisStore from configuration and probes the
// connection once. A failed probe is not fatal: the store starts unavailable
// and recovers as soon as a connection succeeds.
func NewRedisStore(ctx context.Context, cfg config.RedisConfig) *RedisStore {
	s := &RedisStore{}
	s.client = redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        cfg.PoolSize,
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: cfg.MinRetryBackoff,
		MaxRetryBackoff: cfg.MaxRetryBackoff,
		DialTimeout:     cfg.DialTimeout,
		OnConnect: func(ctx context.Context, cn *redis.Conn) error {
			s.up.Store(true)
			return nil
		},
	})

	probe, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := s.client.Ping(probe).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Addr).
			Msg("redis unreachable at startup; running degraded")
		s.up.Store(false)
	}
	return s
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error { return s.client.Close() }

// Available reports the last observed connection state.
func (s *RedisStore) Available() bool { return s.up.Load() }

// observe folds a command outcome into the availability flag and normalizes
// connectivity failures to ErrUnavailable. redis.Nil passes through untouched.
func (s *RedisStore) observe(err error) error {
	switch {
	case err == nil:
		s.up.Store(true)
		return nil
	case errors.Is(err, redis.Nil):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		s.up.Store(false)
		return errors.Join(ErrUnavailable, err)
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		s.up.Store(true)
		return "", ErrNotFound
	}
	if err := s.observe(err); err != nil {
		return "", err
	}
	return v, nil
}

func (s *RedisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.observe(s.client.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.observe(s.client.Del(ctx, keys...).Err())
}

func (s *RedisStore) Scan(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error) {
	keys, next, err := s.client.Scan(ctx, cursor, pattern, count).Result()
	if err := s.observe(err); err != nil {
		return nil, 0, err
	}
	return keys, next, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.observe(s.client.Expire(ctx, key, ttl).Err())
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	if err := s.observe(err); err != nil {
		return 0, err
	}
	return n, nil
}

// SlidingWindowAdmit runs the evict-add-count-expire sequence as one pipeline
// round trip. Scores are unix nanoseconds.
func (s *RedisStore) SlidingWindowAdmit(ctx context.Context, key string, now time.Time, window time.Duration, member string) (int64, error) {
	cutoff := strconv.FormatInt(now.Add(-window).UnixNano(), 10)
	var card *redis.IntCmd
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, key, "-inf", cutoff)
		p.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
		card = p.ZCard(ctx, key)
		p.Expire(ctx, key, window)
		return nil
	})
	if err := s.observe(err); err != nil {
		return 0, err
	}
	return card.Val(), nil
}
