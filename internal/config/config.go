// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"
	Version   string

	// Storage; in-memory stores are used when DatabaseURL is empty.
	DatabaseURL    string
	DBMaxOpenConns int
	DBMaxIdleConns int
	DBConnMaxLife  time.Duration
	RedisURL       string

	// Identity: HS256 tokens issued by the external auth service.
	JWTSecret  string
	JWTIssuer  string
	ArbiterIDs []string

	// Collaborators
	CatalogURL string
	// Consecutive catalog failures before calls fail fast, and for how long.
	CatalogBreakerThreshold int
	CatalogBreakerCoolDown  time.Duration
	StripeSecretKey         string
	PaymentCurrency         string
	WebhookURLs             []string
	WebhookSecret           string

	// Negotiation rules
	MaxCounterOffers      int
	NegotiationStaleAfter time.Duration // 0 disables expiry
	StaleCheckInterval    time.Duration

	// HTTP
	RateLimitRPM   int
	RateLimitBurst int
	CORSOrigins    []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration

	OTLPEndpoint string
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultMaxCounterOffers = 2
	DefaultCurrency         = "usd"
	DefaultRateLimitRPM     = 120
	DefaultRateLimitBurst   = 20
)

// Load reads configuration from environment variables.
// A .env file in the working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := getEnv("ENV", DefaultEnv)
	defaultFormat := "text"
	if env == "production" {
		defaultFormat = "json"
	}

	cfg := &Config{
		Port:      getEnv("PORT", DefaultPort),
		Env:       env,
		LogLevel:  getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat: getEnv("LOG_FORMAT", defaultFormat),
		Version:   getEnv("VERSION", "dev"),

		DatabaseURL:    os.Getenv("DATABASE_URL"),
		DBMaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLife:  getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		RedisURL:       os.Getenv("REDIS_URL"),

		JWTSecret:  os.Getenv("AUTH_JWT_SECRET"),
		JWTIssuer:  os.Getenv("AUTH_JWT_ISSUER"),
		ArbiterIDs: getEnvList("ARBITER_IDS"),

		CatalogURL:              os.Getenv("CATALOG_URL"),
		CatalogBreakerThreshold: getEnvInt("CATALOG_BREAKER_THRESHOLD", 5),
		CatalogBreakerCoolDown:  getEnvDuration("CATALOG_BREAKER_COOLDOWN", 30*time.Second),
		StripeSecretKey:         os.Getenv("STRIPE_SECRET_KEY"),
		PaymentCurrency:         strings.ToLower(getEnv("PAYMENT_CURRENCY", DefaultCurrency)),
		WebhookURLs:             getEnvList("WEBHOOK_URLS"),
		WebhookSecret:           os.Getenv("WEBHOOK_SECRET"),

		MaxCounterOffers:      getEnvInt("MAX_COUNTER_OFFERS", DefaultMaxCounterOffers),
		NegotiationStaleAfter: getEnvDuration("NEGOTIATION_STALE_AFTER", 0),
		StaleCheckInterval:    getEnvDuration("NEGOTIATION_STALE_CHECK_INTERVAL", 5*time.Minute),

		RateLimitRPM:   getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", DefaultRateLimitBurst),
		CORSOrigins:    getEnvList("CORS_ORIGINS"),
		ReadTimeout:    getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:   getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		RequestTimeout: getEnvDuration("HTTP_REQUEST_TIMEOUT", 10*time.Second),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable for the selected environment.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if c.MaxCounterOffers < 1 {
		return fmt.Errorf("MAX_COUNTER_OFFERS must be at least 1")
	}
	if c.NegotiationStaleAfter < 0 {
		return fmt.Errorf("NEGOTIATION_STALE_AFTER must not be negative")
	}
	if c.NegotiationStaleAfter > 0 && c.StaleCheckInterval <= 0 {
		return fmt.Errorf("NEGOTIATION_STALE_CHECK_INTERVAL must be positive when expiry is enabled")
	}
	if len(c.PaymentCurrency) != 3 {
		return fmt.Errorf("PAYMENT_CURRENCY must be a 3-letter ISO code")
	}
	if len(c.WebhookURLs) > 0 && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URLS is set")
	}

	if c.IsProduction() {
		if c.JWTSecret == "" {
			return fmt.Errorf("AUTH_JWT_SECRET is required in production")
		}
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("AUTH_JWT_SECRET must be at least 32 bytes")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
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

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated value, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
