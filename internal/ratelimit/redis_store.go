package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore is the cross-instance sliding-window Store (SPEC_FULL §5:
// "Rate-limit state ... lives in a cross-instance store ... so horizontal
// scaling does not reset counters"). Each key is a Redis sorted set keyed
// by score = unix-nano timestamp; a request both trims expired entries and
// records itself in one pipelined round trip.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client. prefix namespaces keys so the
// rate limiter's sorted sets don't collide with other uses of the same
// Redis instance (e.g. the session registry).
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Record(key string, now time.Time, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	fullKey := s.prefix + key
	cutoff := now.Add(-window).UnixNano()
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString()

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, fullKey, "-inf", fmt.Sprintf("(%d", cutoff))
	pipe.ZAdd(ctx, fullKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.Expire(ctx, fullKey, window+time.Second)
	card := pipe.ZCard(ctx, fullKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("ratelimit: redis pipeline failed: %w", err)
	}
	count, err := card.Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: redis zcard failed: %w", err)
	}
	return int(count), nil
}
