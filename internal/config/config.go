// Package config loads the reconciler's runtime configuration from the
// environment, reading an optional .env file first.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ErrParsingConfig is returned when environment variables cannot be parsed
var ErrParsingConfig = errors.New("failed to parse config")

// Config is the complete server configuration
type Config struct {
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"`

	Stripe   StripeConfig
	Database DatabaseConfig
	Identity IdentityConfig
	Media    MediaConfig
	Redis    RedisConfig

	HTTPClientTimeout      time.Duration `env:"HTTP_CLIENT_TIMEOUT" envDefault:"10s"`
	RequirePremiumForToken bool          `env:"REQUIRE_PREMIUM_FOR_TOKEN" envDefault:"false"`
}

// StripeConfig holds payment processor settings. Secrets are optional at
// start-up; the webhook reports them missing per request.
type StripeConfig struct {
	WebhookSecret string        `env:"STRIPE_WEBHOOK_SECRET"`
	SecretKey     string        `env:"STRIPE_SECRET_KEY"`
	Tolerance     time.Duration `env:"STRIPE_WEBHOOK_TOLERANCE" envDefault:"0s"`
	RateLimit     int           `env:"WEBHOOK_RATE_LIMIT" envDefault:"0"`
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	URL           string `env:"DATABASE_URL,required,notEmpty"`
	MaxConns      int32  `env:"DB_MAX_CONNS" envDefault:"10"`
	RunMigrations bool   `env:"RUN_MIGRATIONS" envDefault:"false"`
}

// IdentityConfig holds the auth backend settings
type IdentityConfig struct {
	URL            string `env:"SUPABASE_URL"`
	ServiceRoleKey string `env:"SUPABASE_SERVICE_ROLE_KEY"`
}

// Enabled reports whether both the URL and the service key are set
func (c IdentityConfig) Enabled() bool {
	return c.URL != "" && c.ServiceRoleKey != ""
}

// MediaConfig holds the managed media server settings
type MediaConfig struct {
	ServerURL   string `env:"IMMICH_SERVER_URL"`
	AdminAPIKey string `env:"IMMICH_ADMIN_API_KEY"`
}

// Enabled reports whether provisioning is configured
func (c MediaConfig) Enabled() bool {
	return c.ServerURL != "" && c.AdminAPIKey != ""
}

// RedisConfig holds the webhook deduper settings. An empty URL keeps
// deduplication in process memory.
type RedisConfig struct {
	URL       string        `env:"REDIS_URL"`
	DedupeTTL time.Duration `env:"EVENT_DEDUPE_TTL" envDefault:"24h"`
}

// Load reads the optional .env file and parses the environment
func Load() (*Config, error) {
	// A missing .env file is fine
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, errors.Join(ErrParsingConfig, err)
	}
	if cfg.Stripe.Tolerance < 0 {
		return nil, fmt.Errorf("%w: STRIPE_WEBHOOK_TOLERANCE must not be negative", ErrParsingConfig)
	}
	return &cfg, nil
}
