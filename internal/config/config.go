package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/siam-sk/nexus-living-bms-client/internal/guard"
	"github.com/siam-sk/nexus-living-bms-client/pkg/roles"
)

type RateLimit struct {
	RPS   int `mapstructure:"rps"`
	Burst int `mapstructure:"burst"`
}

type RouteConfig struct {
	Path      string     `mapstructure:"path"`
	Upstream  string     `mapstructure:"upstream"`
	Methods   []string   `mapstructure:"methods"`
	Access    string     `mapstructure:"access"` // "public", "resident", "member", "admin"
	RateLimit *RateLimit `mapstructure:"rate_limit"`
}

type BackendConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type JWTConfig struct {
	PublicKeyPath string        `mapstructure:"public_key_path"`
	JWKSURL       string        `mapstructure:"jwks_url"`
	JWKSRefresh   time.Duration `mapstructure:"jwks_refresh"`
	HMACSecret    string        `mapstructure:"hmac_secret"`
	Issuer        string        `mapstructure:"issuer"`
	Audience      string        `mapstructure:"audience"`
	Leeway        time.Duration `mapstructure:"leeway"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Topic    string `mapstructure:"topic"`
}

type IdentityConfig struct {
	RefreshSchedule string        `mapstructure:"refresh_schedule"`
	EvictSchedule   string        `mapstructure:"evict_schedule"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
}

type CacheConfig struct {
	Size        int           `mapstructure:"size"`
	TTL         time.Duration `mapstructure:"ttl"`
	RedisPrefix string        `mapstructure:"redis_prefix"`
}

type SessionConfig struct {
	CookieName string `mapstructure:"cookie_name"`
	Secure     bool   `mapstructure:"secure"`
}

type GatewayConfig struct {
	ListenAddr   string         `mapstructure:"listen_addr"`
	LogLevel     string         `mapstructure:"log_level"`
	OTLPEndpoint string         `mapstructure:"otlp_endpoint"`
	Backend      BackendConfig  `mapstructure:"backend"`
	JWT          JWTConfig      `mapstructure:"jwt"`
	Redis        RedisConfig    `mapstructure:"redis"`
	MQTT         MQTTConfig     `mapstructure:"mqtt"`
	Identity     IdentityConfig `mapstructure:"identity"`
	Cache        CacheConfig    `mapstructure:"cache"`
	Session      SessionConfig  `mapstructure:"session"`
	CORS         struct {
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	} `mapstructure:"cors"`
	RateLimit struct {
		Enabled bool `mapstructure:"enabled"`
		RPS     int  `mapstructure:"rps"`
		Burst   int  `mapstructure:"burst"`
	} `mapstructure:"rate_limit"`
	Views  []guard.View  `mapstructure:"views"`
	Routes []RouteConfig `mapstructure:"routes"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("backend.url", "http://localhost:5000")
	v.SetDefault("backend.timeout", 10*time.Second)
	v.SetDefault("jwt.jwks_refresh", time.Hour)
	v.SetDefault("jwt.leeway", 30*time.Second)
	v.SetDefault("mqtt.client_id", "nexus-gateway")
	v.SetDefault("mqtt.topic", "nexus/roles")
	v.SetDefault("identity.refresh_schedule", "@every 5m")
	v.SetDefault("identity.evict_schedule", "@every 1m")
	v.SetDefault("identity.idle_timeout", 30*time.Minute)
	v.SetDefault("cache.size", 1024)
	v.SetDefault("cache.ttl", time.Minute)
	v.SetDefault("cache.redis_prefix", "nexus:flags")
	v.SetDefault("session.cookie_name", "nexus_session")
	v.SetDefault("rate_limit.rps", 5)
	v.SetDefault("rate_limit.burst", 10)
}

// LoadConfig loads the main config and merges in all route yamls from routesDir.
// A missing main config file is not an error; defaults and env apply.
func LoadConfig(configPath, routesDir string) (*GatewayConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg GatewayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if routesDir != "" {
		files, err := filepath.Glob(filepath.Join(routesDir, "*.yaml"))
		if err != nil {
			return nil, fmt.Errorf("failed to list route yamls: %w", err)
		}
		for _, f := range files {
			v2 := viper.New()
			v2.SetConfigFile(f)
			v2.SetConfigType("yaml")
			if err := v2.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read route config %s: %w", f, err)
			}
			var routes []RouteConfig
			if err := v2.UnmarshalKey("routes", &routes); err != nil {
				return nil, fmt.Errorf("failed to unmarshal routes in %s: %w", f, err)
			}
			cfg.Routes = append(cfg.Routes, routes...)
		}
	}

	applyEnv(&cfg)
	cfg.Views = guard.MergeViews(guard.DefaultViews(), cfg.Views)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *GatewayConfig) {
	overrides := []struct {
		env string
		dst *string
	}{
		{"BACKEND_URL", &cfg.Backend.URL},
		{"JWT_PUBLIC_KEY_PATH", &cfg.JWT.PublicKeyPath},
		{"JWKS_URL", &cfg.JWT.JWKSURL},
		{"JWT_HMAC_SECRET", &cfg.JWT.HMACSecret},
		{"REDIS_ADDR", &cfg.Redis.Addr},
		{"REDIS_PASSWORD", &cfg.Redis.Password},
		{"MQTT_BROKER", &cfg.MQTT.Broker},
		{"OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OTLPEndpoint},
		{"LOG_LEVEL", &cfg.LogLevel},
	}
	for _, o := range overrides {
		if val := os.Getenv(o.env); val != "" {
			*o.dst = val
		}
	}
}

// Validate rejects configs the gateway cannot serve safely.
func (c *GatewayConfig) Validate() error {
	var errs []error
	if c.Backend.URL == "" {
		errs = append(errs, errors.New("backend.url is required"))
	}
	if c.Backend.Timeout <= 0 {
		errs = append(errs, errors.New("backend.timeout must be positive"))
	}
	for i, r := range c.Routes {
		if r.Path == "" || r.Upstream == "" {
			errs = append(errs, fmt.Errorf("routes[%d]: path and upstream are required", i))
		}
		if _, ok := roles.Parse(r.Access); !ok {
			errs = append(errs, fmt.Errorf("routes[%d] %s: unknown access %q", i, r.Path, r.Access))
		}
		if r.RateLimit != nil && (r.RateLimit.RPS <= 0 || r.RateLimit.Burst <= 0) {
			errs = append(errs, fmt.Errorf("routes[%d] %s: rate_limit rps and burst must be positive", i, r.Path))
		}
	}
	if _, err := guard.NewTable(c.Views); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
