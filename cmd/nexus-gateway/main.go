package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/siam-sk/nexus-living-bms-client/internal/backend"
	"github.com/siam-sk/nexus-living-bms-client/internal/config"
	"github.com/siam-sk/nexus-living-bms-client/internal/events"
	"github.com/siam-sk/nexus-living-bms-client/internal/flagcache"
	"github.com/siam-sk/nexus-living-bms-client/internal/guard"
	"github.com/siam-sk/nexus-living-bms-client/internal/httpapi"
	"github.com/siam-sk/nexus-living-bms-client/internal/identity"
	gwMiddleware "github.com/siam-sk/nexus-living-bms-client/internal/middleware"
	"github.com/siam-sk/nexus-living-bms-client/internal/observability"
	"github.com/siam-sk/nexus-living-bms-client/internal/ratelimit"
	"github.com/siam-sk/nexus-living-bms-client/internal/realtime"
	"github.com/siam-sk/nexus-living-bms-client/internal/router"
)

type correlationIDKey struct{}

func main() {
	cfgPath := "config/gateway.yaml"
	routesDir := "config/routes"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	if len(os.Args) > 2 {
		routesDir = os.Args[2]
	}

	cfg, err := config.LoadConfig(cfgPath, routesDir)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg.LogLevel)
	slog.Info("config loaded", "listen", cfg.ListenAddr, "backend", cfg.Backend.URL, "routes", len(cfg.Routes))

	ctx := context.Background()
	shutdownTelemetry, promHandler, tracer, err := observability.SetupObservability(ctx, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to set up observability", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	verifier, err := setupVerifier(cfg.JWT)
	if err != nil {
		slog.Error("failed to set up identity token verification", "error", err)
		os.Exit(1)
	}

	redisClient := setupRedisClient(cfg.Redis)
	if redisClient != nil {
		defer redisClient.Close()
	}

	backendClient, err := backend.New(backend.Options{BaseURL: cfg.Backend.URL, Timeout: cfg.Backend.Timeout})
	if err != nil {
		slog.Error("failed to create backend client", "error", err)
		os.Exit(1)
	}

	cache := flagcache.NewTiered(
		flagcache.NewMemory(cfg.Cache.Size, cfg.Cache.TTL),
		flagcache.NewRedis(redisClient, cfg.Cache.RedisPrefix, cfg.Cache.TTL),
	)
	registry := identity.NewRegistry(backendClient, identity.RegistryOptions{
		Cache:           cache,
		IdleTimeout:     cfg.Identity.IdleTimeout,
		RefreshSchedule: cfg.Identity.RefreshSchedule,
		EvictSchedule:   cfg.Identity.EvictSchedule,
	})

	if roleEvents, closeMQTT := setupRoleEvents(cfg.MQTT); roleEvents != nil {
		defer closeMQTT()
		registry.OnRoleChange(roleEvents.RoleChanged)
		registry.OnExpired(roleEvents.SessionExpired)
	}

	if err := registry.Start(); err != nil {
		slog.Error("failed to start session scheduler", "error", err)
		os.Exit(1)
	}
	defer registry.Stop()

	table, err := guard.NewTable(cfg.Views)
	if err != nil {
		slog.Error("invalid view table", "error", err)
		os.Exit(1)
	}
	hub := realtime.NewHub(cfg.CORS.AllowedOrigins)
	api := httpapi.NewServer(httpapi.Options{
		Registry:     registry,
		Verifier:     verifier,
		Guard:        guard.New(table),
		Hub:          hub,
		CookieName:   cfg.Session.CookieName,
		SecureCookie: cfg.Session.Secure,
		LoginLimiter: ratelimit.New(redisClient, "login", ratelimit.LimiterConfig{RPS: cfg.RateLimit.RPS, Burst: cfg.RateLimit.Burst}),
	})

	mainRouter, err := setupMainRouter(cfg, redisClient, registry, api, promHandler, tracer)
	if err != nil {
		slog.Error("failed to register routes", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mainRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("nexus gateway starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen error", "error", err)
			stopCh <- syscall.SIGTERM
		}
	}()

	<-stopCh
	slog.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	} else {
		slog.Info("server shut down gracefully")
	}
}

// setupLogger installs the default logger: text by default, JSON when
// LOG_FORMAT=json.
func setupLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if os.Getenv("LOG_FORMAT") == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func setupVerifier(cfg config.JWTConfig) (*gwMiddleware.Verifier, error) {
	opts := gwMiddleware.VerifierOptions{Issuer: cfg.Issuer, Audience: cfg.Audience, Leeway: cfg.Leeway}
	switch {
	case cfg.JWKSURL != "":
		slog.Info("verifying identity tokens against jwks", "url", cfg.JWKSURL)
		return gwMiddleware.NewJWKSVerifier(cfg.JWKSURL, cfg.JWKSRefresh, opts)
	case cfg.PublicKeyPath != "":
		pubKey, err := gwMiddleware.LoadRSAPublicKey(cfg.PublicKeyPath)
		if err != nil {
			return nil, err
		}
		return gwMiddleware.NewRSAVerifier(pubKey, opts), nil
	case cfg.HMACSecret != "":
		slog.Warn("verifying identity tokens with a shared secret; use only in development")
		return gwMiddleware.NewHMACVerifier([]byte(cfg.HMACSecret), opts), nil
	}
	return nil, errors.New("one of jwt.jwks_url, jwt.public_key_path or jwt.hmac_secret is required")
}

// setupRedisClient returns nil when no address is configured or the server is
// unreachable; the shared cache tier and rate limits are then disabled.
func setupRedisClient(cfg config.RedisConfig) *redis.Client {
	if cfg.Addr == "" {
		slog.Info("redis not configured, shared cache and rate limits disabled")
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		slog.Error("failed to connect to redis, continuing without it", "addr", cfg.Addr, "error", err)
		_ = client.Close()
		return nil
	}
	slog.Info("connected to redis", "pong", pong)
	return client
}

func setupRoleEvents(cfg config.MQTTConfig) (*events.RoleEvents, func()) {
	if cfg.Broker == "" {
		return nil, func() {}
	}
	client, err := events.Connect(cfg.Broker, cfg.ClientID)
	if err != nil {
		slog.Error("failed to connect to mqtt, role events disabled", "broker", cfg.Broker, "error", err)
		return nil, func() {}
	}
	ev := events.NewRoleEvents(client, cfg.Topic)
	return ev, func() {
		ev.Close()
		client.Close()
	}
}

func setupMainRouter(cfg *config.GatewayConfig, redisClient *redis.Client, registry *identity.Registry, api *httpapi.Server, promHandler http.Handler, tracer trace.Tracer) (http.Handler, error) {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Correlation-ID"},
		ExposedHeaders:   []string{"X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(observability.MetricsAndTracingMiddleware(tracer))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			corrID := r.Header.Get("X-Correlation-ID")
			if corrID == "" {
				corrID = uuid.New().String()
			}
			w.Header().Set("X-Correlation-ID", corrID)
			r = r.WithContext(context.WithValue(r.Context(), correlationIDKey{}, corrID))
			next.ServeHTTP(w, r)
		})
	})
	r.Use(api.ClientMiddleware)

	r.Handle("/metrics", promHandler)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	api.Register(r)
	if err := router.RegisterRoutes(r, cfg, redisClient, registry); err != nil {
		return nil, err
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		slog.Warn("route not found", "method", r.Method, "path", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "not found", "code": http.StatusNotFound})
	})
	return r, nil
}
