package config

import (
	"log/slog"

	"github.com/caarlos0/env/v10"
)

// Config holds runtime configuration for all services. Extend as needed.
type Config struct {
	// Server
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Upload limits
	MaxUploadSize int64 `env:"MAX_UPLOAD_SIZE" envDefault:"10485760"` // 10MB in bytes

	// Store
	StoreProvider string `env:"STORE_PROVIDER" envDefault:"postgres"`
	DBURL         string `env:"DB_URL"`

	// Ledger ("postgres" shares DB_URL; "memory" for local development)
	LedgerProvider string `env:"LEDGER_PROVIDER" envDefault:"postgres"`

	// Queue
	QueueProvider string `env:"QUEUE_PROVIDER" envDefault:"nats"`
	QueueURL      string `env:"QUEUE_URL"`

	// Cache (detector score cache; empty addr falls back to no-op)
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	CacheTTL      int    `env:"CACHE_TTL" envDefault:"86400"` // seconds

	// LLM. deepseek and perplexity speak the OpenAI wire format, so one
	// client covers all three; base URL is only needed for the latter two.
	LLMProvider string `env:"LLM_PROVIDER" envDefault:"openai"` // openai | deepseek | perplexity
	LLMAPIKey   string `env:"LLM_API_KEY"`
	LLMModel    string `env:"LLM_MODEL" envDefault:"gpt-4o-mini"`
	LLMBaseURL  string `env:"LLM_BASE_URL"`

	// AI detection
	DetectorProvider string `env:"DETECTOR_PROVIDER" envDefault:"gptzero"`
	GPTZeroKey       string `env:"GPTZERO_API_KEY"`

	// Payments
	StripeKey           string `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	PayPalClientID      string `env:"PAYPAL_CLIENT_ID"`
	PayPalSecret        string `env:"PAYPAL_SECRET"`
	PayPalBaseURL       string `env:"PAYPAL_BASE_URL" envDefault:"https://api-m.sandbox.paypal.com"`
	CheckoutSuccessURL  string `env:"CHECKOUT_SUCCESS_URL" envDefault:"http://localhost:3000/billing/success"`
	CheckoutCancelURL   string `env:"CHECKOUT_CANCEL_URL" envDefault:"http://localhost:3000/billing/cancel"`

	// Chunking
	ChunkWindow  int `env:"CHUNK_WINDOW" envDefault:"300"`
	ChunkOverlap int `env:"CHUNK_OVERLAP" envDefault:"50"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		slog.Warn("failed to parse env; using defaults where set", "err", err)
	}
	return cfg
}
