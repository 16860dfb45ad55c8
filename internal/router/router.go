package router

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/siam-sk/nexus-living-bms-client/internal/config"
	"github.com/siam-sk/nexus-living-bms-client/internal/identity"
	"github.com/siam-sk/nexus-living-bms-client/internal/middleware"
	"github.com/siam-sk/nexus-living-bms-client/internal/proxy"
	"github.com/siam-sk/nexus-living-bms-client/internal/ratelimit"
	"github.com/siam-sk/nexus-living-bms-client/pkg/roles"
)

// RegisterRoutes mounts every configured backend route on r. Requests must
// already carry the caller's client (identity.WithClient) when they have one.
func RegisterRoutes(r chi.Router, cfg *config.GatewayConfig, redisClient *redis.Client, registry *identity.Registry) error {
	opts := proxy.Options{
		Token: SessionToken,
		OnAuthFailure: func(req *http.Request) {
			if c := identity.ClientFrom(req.Context()); c != nil {
				registry.Expire(c.ID)
			}
		},
	}

	for _, route := range cfg.Routes {
		required, ok := roles.Parse(route.Access)
		if !ok {
			return fmt.Errorf("route %s: unknown access %q", route.Path, route.Access)
		}
		h, err := proxy.MakeProxyHandler(route, opts)
		if err != nil {
			return fmt.Errorf("route %s: %w", route.Path, err)
		}
		h = middleware.RoleAtLeastMiddleware(required, RoleOf)(h)

		if route.RateLimit != nil {
			limiter := ratelimit.New(redisClient, route.Path, ratelimit.LimiterConfig{RPS: route.RateLimit.RPS, Burst: route.RateLimit.Burst})
			h = limiter.Middleware(ratelimit.KeyBySessionOrIP)(h)
		} else if cfg.RateLimit.Enabled {
			limiter := ratelimit.New(redisClient, "global", ratelimit.LimiterConfig{RPS: cfg.RateLimit.RPS, Burst: cfg.RateLimit.Burst})
			h = limiter.Middleware(ratelimit.KeyBySessionOrIP)(h)
		}

		path := route.Path
		if len(path) > 1 && strings.HasSuffix(path, "/") {
			path = strings.TrimRight(path, "/")
		}
		methods := route.Methods
		if len(methods) == 0 {
			methods = []string{http.MethodGet}
		}
		for _, method := range methods {
			r.Method(strings.ToUpper(method), path, h)
		}
	}
	return nil
}

// RoleOf is the resolved role of the request's client; Guest without one.
func RoleOf(r *http.Request) roles.Role {
	if c := identity.ClientFrom(r.Context()); c != nil {
		return c.Resolver.Role()
	}
	return roles.Guest
}

// SessionToken is the identity token of the request's session, if any.
func SessionToken(r *http.Request) string {
	if c := identity.ClientFrom(r.Context()); c != nil {
		if sess := c.Store.Current(); sess != nil {
			return sess.IdentityToken
		}
	}
	return ""
}
