package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRegistry is the cross-instance Registry backing production
// deployments: session metadata is visible to every gateway instance, not
// just the one that accepted the connection.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisRegistry wraps an existing client. ttl bounds how long a session
// record survives an ungraceful process exit that skipped Remove; it is
// refreshed on every Register call.
func NewRedisRegistry(client *redis.Client, prefix string, ttl time.Duration) *RedisRegistry {
	if prefix == "" {
		prefix = "session:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisRegistry{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisRegistry) key(sessionID string) string {
	return r.prefix + sessionID
}

func (r *RedisRegistry) Register(ctx context.Context, meta Metadata) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("session: marshal metadata: %w", err)
	}
	if err := r.client.Set(ctx, r.key(meta.SessionID), payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("session: register %s: %w", meta.SessionID, err)
	}
	return nil
}

func (r *RedisRegistry) Remove(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("session: remove %s: %w", sessionID, err)
	}
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, sessionID string) (Metadata, bool, error) {
	payload, err := r.client.Get(ctx, r.key(sessionID)).Bytes()
	if err == redis.Nil {
		return Metadata{}, false, nil
	}
	if err != nil {
		return Metadata{}, false, fmt.Errorf("session: get %s: %w", sessionID, err)
	}
	var meta Metadata
	if err := json.Unmarshal(payload, &meta); err != nil {
		return Metadata{}, false, fmt.Errorf("session: unmarshal %s: %w", sessionID, err)
	}
	return meta, true, nil
}
