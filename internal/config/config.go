// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string   `env:"PORT" env-default:"8080"`
	GRPCPort  string   `env:"GRPC_PORT" env-default:"9090"`
	Env       string   `env:"ENV" env-default:"development"`
	LogLevel  string   `env:"LOG_LEVEL" env-default:"info"`
	LogFormat string   `env:"LOG_FORMAT" env-default:"json"`
	CORS      []string `env:"CORS_ORIGINS" env-separator:"," env-default:"*"`

	// Database (optional, in-memory stores when unset)
	DatabaseURL string `env:"DATABASE_URL"`

	// Security
	RateLimitRPM           int           `env:"RATE_LIMIT_RPM" env-default:"120"`
	SessionTTL             time.Duration `env:"SESSION_TTL" env-default:"168h"`
	BootstrapAdminUsername string        `env:"BOOTSTRAP_ADMIN_USERNAME" env-default:"admin"`
	BootstrapAdminToken    string        `env:"BOOTSTRAP_ADMIN_TOKEN"`

	// Price feed
	PriceFeedURL  string        `env:"PRICE_FEED_URL" env-default:"https://api.coingecko.com/api/v3"`
	PriceCacheTTL time.Duration `env:"PRICE_CACHE_TTL" env-default:"60s"`

	// Notifications
	TelegramAPIURL   string   `env:"TELEGRAM_API_URL" env-default:"https://api.telegram.org"`
	TelegramBotToken string   `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   string   `env:"TELEGRAM_CHAT_ID"`
	KafkaBrokers     []string `env:"KAFKA_BROKERS" env-separator:","`
	KafkaTopic       string   `env:"KAFKA_TOPIC" env-default:"swapdesk.notifications"`

	// Receipt image host
	ImageHostURL    string `env:"IMAGE_HOST_URL" env-default:"https://api.imgbb.com/1/upload"`
	ImageHostAPIKey string `env:"IMAGE_HOST_API_KEY"`

	// Tracing
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load reads configuration from environment variables.
// A .env file is loaded first when present (local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Usage returns the environment variable reference, for --help output.
func Usage() string {
	var cfg Config
	desc, err := cleanenv.GetDescription(&cfg, nil)
	if err != nil {
		return ""
	}
	return desc
}

// Validate checks that the configuration is coherent
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("ENV must be development, staging or production, got %q", c.Env)
	}

	for name, port := range map[string]string{"PORT": c.Port, "GRPC_PORT": c.GRPCPort} {
		if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
			return fmt.Errorf("%s must be a valid port number", name)
		}
	}

	if c.RateLimitRPM < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative")
	}

	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}

	if c.BootstrapAdminToken != "" {
		if !strings.HasPrefix(c.BootstrapAdminToken, "st_") || len(c.BootstrapAdminToken) < 35 {
			return fmt.Errorf("BOOTSTRAP_ADMIN_TOKEN must start with st_ and carry at least 32 characters")
		}
		if c.BootstrapAdminUsername == "" {
			return fmt.Errorf("BOOTSTRAP_ADMIN_USERNAME is required with BOOTSTRAP_ADMIN_TOKEN")
		}
	}

	if (c.TelegramBotToken == "") != (c.TelegramChatID == "") {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together")
	}

	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}

	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
