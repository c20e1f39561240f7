// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/mbd888/escrownow/internal/money"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port           string   `env:"PORT" envDefault:"8080"`
	Env            string   `env:"ENV" envDefault:"development"` // "development", "staging", "production"
	LogLevel       string   `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat      string   `env:"LOG_FORMAT" envDefault:"text"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
	RateLimitRPM   int      `env:"RATE_LIMIT_RPM" envDefault:"120"`

	// Storage. Postgres wins over Mongo; neither means in-memory.
	DatabaseURL   string `env:"DATABASE_URL"`
	MongoURL      string `env:"MONGO_URL"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"escrownow"`

	// Event fan-out (optional)
	NATSURL        string `env:"NATS_URL"`
	NATSClientName string `env:"NATS_CLIENT_NAME" envDefault:"escrownow"`
	NATSToken      string `env:"NATS_TOKEN"`

	// Outbound webhook (optional)
	WebhookURL    string   `env:"WEBHOOK_URL"`
	WebhookSecret string   `env:"WEBHOOK_SECRET"`
	WebhookEvents []string `env:"WEBHOOK_EVENTS" envSeparator:","`

	// Escrow terms
	CommissionRate       string `env:"COMMISSION_RATE" envDefault:"0.05"`
	Currency             string `env:"CURRENCY" envDefault:"NGN"`
	InspectionPeriodDays int    `env:"INSPECTION_PERIOD_DAYS" envDefault:"3"`

	// Mediation
	MediatorAPIKey   string        `env:"MEDIATOR_API_KEY"`
	MediatorModel    string        `env:"MEDIATOR_MODEL" envDefault:"gemini-2.0-flash"`
	MediatorURL      string        `env:"MEDIATOR_URL" envDefault:"https://generativelanguage.googleapis.com/v1beta"`
	MediationTimeout time.Duration `env:"MEDIATION_TIMEOUT" envDefault:"30s"`

	// Security
	JWTSecret   string `env:"JWT_SECRET"`
	AdminSecret string `env:"ADMIN_SECRET"`

	// Tracing (optional)
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	// CommissionBps is CommissionRate in basis points, filled by Validate.
	CommissionBps int64 `env:"-"`
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultCommission    = "0.05"
	DefaultCurrency      = "NGN"
	DefaultInspection    = 3
	MaxInspectionDays    = 30
	DefaultMediatorModel = "gemini-2.0-flash"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks value ranges and derives CommissionBps
func (c *Config) Validate() error {
	port, err := strconv.Atoi(c.Port)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535")
	}

	bps, ok := money.ParseRate(c.CommissionRate)
	if !ok || bps <= 0 || bps >= money.BpsScale {
		return fmt.Errorf("COMMISSION_RATE must be a decimal between 0 and 1 (e.g. 0.05)")
	}
	c.CommissionBps = bps

	if c.Currency == "" {
		return fmt.Errorf("CURRENCY must not be empty")
	}

	if c.InspectionPeriodDays < 1 || c.InspectionPeriodDays > MaxInspectionDays {
		return fmt.Errorf("INSPECTION_PERIOD_DAYS must be between 1 and %d", MaxInspectionDays)
	}

	if c.MediationTimeout <= 0 {
		return fmt.Errorf("MEDIATION_TIMEOUT must be positive")
	}

	if c.RateLimitRPM < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative")
	}

	if c.WebhookURL != "" && c.IsProduction() && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URL is set in production")
	}

	if c.IsProduction() {
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
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

// MediatorEnabled reports whether a real analysis collaborator is configured.
func (c *Config) MediatorEnabled() bool {
	return c.MediatorAPIKey != ""
}
