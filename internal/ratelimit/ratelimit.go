package ratelimit

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/siam-sk/nexus-living-bms-client/internal/identity"
	"github.com/siam-sk/nexus-living-bms-client/internal/middleware"
)

// tokenBucket keeps {tokens, last refill ms} in a hash. It adds rate tokens per
// elapsed second up to capacity, then takes one if it can.
// KEYS[1] bucket; ARGV capacity, rate, now_ms. Returns 1 when admitted.
var tokenBucket = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local state = redis.call('HMGET', KEYS[1], 'tokens', 'last')
local available = tonumber(state[1]) or capacity
local refilled_at = tonumber(state[2]) or now_ms
local earned = math.floor(math.max(0, now_ms - refilled_at) * rate / 1000)
if earned > 0 then
  available = math.min(capacity, available + earned)
  refilled_at = now_ms
end
local admitted = 0
if available > 0 then
  available = available - 1
  admitted = 1
end
redis.call('HSET', KEYS[1], 'tokens', available, 'last', refilled_at)
redis.call('EXPIRE', KEYS[1], math.ceil(capacity / rate) + 1)
return admitted
`)

type LimiterConfig struct {
	RPS   int
	Burst int
}

type RateLimiter struct {
	Redis  *redis.Client
	Prefix string
	Config LimiterConfig
}

// New returns nil when redis is nil; a nil limiter lets every request through.
func New(rdb *redis.Client, prefix string, cfg LimiterConfig) *RateLimiter {
	if rdb == nil || cfg.RPS <= 0 || cfg.Burst <= 0 {
		return nil
	}
	return &RateLimiter{Redis: rdb, Prefix: "ratelimit:" + prefix, Config: cfg}
}

func (rl *RateLimiter) Middleware(keyFunc func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rl == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rl.Prefix + ":" + keyFunc(r)
			ctx, cancel := context.WithTimeout(r.Context(), time.Second)
			allowed, err := rl.allow(ctx, key)
			cancel()
			if err != nil {
				middleware.WriteJSONError(w, http.StatusInternalServerError, "rate limiter error")
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", "1")
				middleware.WriteJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) allow(ctx context.Context, key string) (bool, error) {
	admitted, err := tokenBucket.Run(ctx, rl.Redis, []string{key}, rl.Config.Burst, rl.Config.RPS, time.Now().UnixMilli()).Int64()
	if err != nil {
		slog.Error("token bucket script failed", "key", key, "error", err)
		return false, err
	}
	slog.Debug("token bucket", "key", key, "admitted", admitted == 1, "burst", rl.Config.Burst, "rps", rl.Config.RPS)
	return admitted == 1, nil
}

// KeyByIP keys on the client address; chi's RealIP middleware runs first.
func KeyByIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// KeyBySessionOrIP keys on the signed-in email when the request carries a
// client session, else on the IP.
func KeyBySessionOrIP(r *http.Request) string {
	if c := identity.ClientFrom(r.Context()); c != nil {
		if sess := c.Store.Current(); sess != nil && sess.Key() != "" {
			return "user:" + sess.Key()
		}
	}
	return "ip:" + KeyByIP(r)
}
