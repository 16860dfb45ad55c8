package flagcache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis shares flag lookups between gateway instances.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis returns nil when client is nil so the tier can be left out.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if client == nil {
		return nil
	}
	if prefix == "" {
		prefix = "nexus:flags"
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) redisKey(email, flag string) string {
	return r.prefix + ":" + key(email, flag)
}

func (r *Redis) Get(ctx context.Context, email, flag string) (bool, bool) {
	v, err := r.client.Get(ctx, r.redisKey(email, flag)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("flag cache read failed", "email", email, "flag", flag, "error", err)
		}
		return false, false
	}
	cacheHitsTotal.WithLabelValues("redis").Inc()
	return v == "1", true
}

func (r *Redis) Set(ctx context.Context, email, flag string, value bool) {
	v := "0"
	if value {
		v = "1"
	}
	if err := r.client.Set(ctx, r.redisKey(email, flag), v, r.ttl).Err(); err != nil {
		slog.Warn("flag cache write failed", "email", email, "flag", flag, "error", err)
	}
}

func (r *Redis) Invalidate(ctx context.Context, email string) {
	keys := make([]string, 0, len(Flags))
	for _, f := range Flags {
		keys = append(keys, r.redisKey(email, f))
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("flag cache invalidate failed", "email", email, "error", err)
	}
}
