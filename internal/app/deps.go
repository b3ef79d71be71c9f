package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/openai/openai-go/v3"

	"textforge/internal/cache"
	"textforge/internal/config"
	"textforge/internal/detector"
	"textforge/internal/ledger"
	"textforge/internal/llm"
	"textforge/internal/logger"
	"textforge/internal/payments"
	"textforge/internal/queue"
	"textforge/internal/store"
)

// Deps bundles runtime dependencies for the gateway service.
type Deps struct {
	Config config.Config
	Log    *slog.Logger
	Store  store.Store
	Ledger ledger.Ledger
	Queue  queue.Queue
	Stripe *payments.StripeClient
	PayPal *payments.PayPalClient
}

// WorkerDeps bundles runtime dependencies for the rewriter worker.
type WorkerDeps struct {
	Config   config.Config
	Log      *slog.Logger
	Store    store.Store
	Queue    queue.Queue
	LLM      llm.Client
	Detector detector.Detector
	Cache    cache.Cache
}

// SolverDeps bundles runtime dependencies for the solver worker.
type SolverDeps struct {
	Config config.Config
	Log    *slog.Logger
	Store  store.Store
	Queue  queue.Queue
	LLM    llm.Client
}

func base(service string) (config.Config, *slog.Logger) {
	// A missing .env is fine in containers where config comes from the
	// environment directly.
	_ = godotenv.Load()
	cfg := config.Load()
	return cfg, logger.New(cfg.LogLevel, service)
}

// Build loads env, config, and the gateway's shared components.
func Build() (Deps, error) {
	cfg, log := base("gateway")

	st, err := buildStore(cfg, log)
	if err != nil {
		return Deps{}, fmt.Errorf("failed to initialize store: %w", err)
	}
	led, err := buildLedger(cfg, log)
	if err != nil {
		return Deps{}, fmt.Errorf("failed to initialize ledger: %w", err)
	}
	q, err := buildQueue(cfg, log)
	if err != nil {
		return Deps{}, fmt.Errorf("failed to initialize queue: %w", err)
	}
	stripeClient, paypalClient, err := buildPayments(cfg, log)
	if err != nil {
		return Deps{}, fmt.Errorf("failed to initialize payment clients: %w", err)
	}
	return Deps{
		Config: cfg,
		Log:    log,
		Store:  st,
		Ledger: led,
		Queue:  q,
		Stripe: stripeClient,
		PayPal: paypalClient,
	}, nil
}

// BuildRewriter assembles the rewriter worker's components.
func BuildRewriter() (WorkerDeps, error) {
	cfg, log := base("rewriter")

	st, err := buildStore(cfg, log)
	if err != nil {
		return WorkerDeps{}, fmt.Errorf("failed to initialize store: %w", err)
	}
	q, err := buildQueue(cfg, log)
	if err != nil {
		return WorkerDeps{}, fmt.Errorf("failed to initialize queue: %w", err)
	}
	llmClient, err := buildLLM(cfg, log)
	if err != nil {
		return WorkerDeps{}, fmt.Errorf("failed to initialize LLM: %w", err)
	}
	det, err := buildDetector(cfg, log)
	if err != nil {
		return WorkerDeps{}, fmt.Errorf("failed to initialize detector: %w", err)
	}
	return WorkerDeps{
		Config:   cfg,
		Log:      log,
		Store:    st,
		Queue:    q,
		LLM:      llmClient,
		Detector: det,
		Cache:    buildCache(cfg, log),
	}, nil
}

// BuildSolver assembles the solver worker's components.
func BuildSolver() (SolverDeps, error) {
	cfg, log := base("solver")

	st, err := buildStore(cfg, log)
	if err != nil {
		return SolverDeps{}, fmt.Errorf("failed to initialize store: %w", err)
	}
	q, err := buildQueue(cfg, log)
	if err != nil {
		return SolverDeps{}, fmt.Errorf("failed to initialize queue: %w", err)
	}
	llmClient, err := buildLLM(cfg, log)
	if err != nil {
		return SolverDeps{}, fmt.Errorf("failed to initialize LLM: %w", err)
	}
	return SolverDeps{
		Config: cfg,
		Log:    log,
		Store:  st,
		Queue:  q,
		LLM:    llmClient,
	}, nil
}

func buildStore(cfg config.Config, log *slog.Logger) (store.Store, error) {
	switch cfg.StoreProvider {
	case "postgres":
		if cfg.DBURL == "" {
			return nil, fmt.Errorf("DB_URL is required when STORE_PROVIDER=postgres")
		}
		db, err := store.NewPostgres(cfg.DBURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Postgres: %w", err)
		}
		log.Info("using Postgres store")
		return db, nil
	default:
		return nil, fmt.Errorf("invalid STORE_PROVIDER: %s (valid option: postgres)", cfg.StoreProvider)
	}
}

func buildLedger(cfg config.Config, log *slog.Logger) (ledger.Ledger, error) {
	switch cfg.LedgerProvider {
	case "postgres":
		if cfg.DBURL == "" {
			return nil, fmt.Errorf("DB_URL is required when LEDGER_PROVIDER=postgres")
		}
		pool, err := pgxpool.New(context.Background(), cfg.DBURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open pgx pool: %w", err)
		}
		led := ledger.NewPostgres(pool)
		if err := led.Migrate(context.Background()); err != nil {
			return nil, err
		}
		log.Info("using Postgres ledger")
		return led, nil
	case "memory":
		// Single-process only; credits don't survive a restart.
		log.Warn("using in-memory ledger; payments are not durable")
		return ledger.NewMemory(), nil
	default:
		return nil, fmt.Errorf("invalid LEDGER_PROVIDER: %s (valid options: postgres, memory)", cfg.LedgerProvider)
	}
}

func buildQueue(cfg config.Config, log *slog.Logger) (queue.Queue, error) {
	switch cfg.QueueProvider {
	case "nats":
		if cfg.QueueURL == "" {
			return nil, fmt.Errorf("QUEUE_URL is required when QUEUE_PROVIDER=nats")
		}
		nc, err := nats.Connect(cfg.QueueURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		log.Info("using NATS queue")
		return queue.NewNATS(log, nc), nil
	default:
		return nil, fmt.Errorf("invalid QUEUE_PROVIDER: %s (valid option: nats)", cfg.QueueProvider)
	}
}

func buildLLM(cfg config.Config, log *slog.Logger) (llm.Client, error) {
	switch cfg.LLMProvider {
	case "openai", "deepseek", "perplexity":
		if cfg.LLMAPIKey == "" {
			return nil, fmt.Errorf("LLM_API_KEY is required for provider %s", cfg.LLMProvider)
		}
		baseURL := cfg.LLMBaseURL
		if baseURL == "" {
			switch cfg.LLMProvider {
			case "deepseek":
				baseURL = "https://api.deepseek.com"
			case "perplexity":
				baseURL = "https://api.perplexity.ai"
			}
		}
		client, err := llm.NewOpenAIClient(cfg.LLMAPIKey, openai.ChatModel(cfg.LLMModel), baseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
		}
		log.Info("using chat-completions LLM client", "provider", cfg.LLMProvider, "model", cfg.LLMModel)
		return client, nil
	default:
		return nil, fmt.Errorf("invalid LLM_PROVIDER: %s (valid options: openai, deepseek, perplexity)", cfg.LLMProvider)
	}
}

func buildDetector(cfg config.Config, log *slog.Logger) (detector.Detector, error) {
	switch cfg.DetectorProvider {
	case "gptzero":
		if cfg.GPTZeroKey == "" {
			return nil, fmt.Errorf("GPTZERO_API_KEY is required when DETECTOR_PROVIDER=gptzero")
		}
		det, err := detector.NewGPTZero(cfg.GPTZeroKey, "")
		if err != nil {
			return nil, fmt.Errorf("failed to initialize GPTZero client: %w", err)
		}
		log.Info("using GPTZero detector")
		return det, nil
	default:
		return nil, fmt.Errorf("invalid DETECTOR_PROVIDER: %s (valid option: gptzero)", cfg.DetectorProvider)
	}
}

func buildCache(cfg config.Config, log *slog.Logger) cache.Cache {
	if cfg.RedisAddr == "" {
		log.Info("no REDIS_ADDR configured; detector cache disabled")
		return cache.NewNoOpCache()
	}
	c, err := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		log.Warn("redis unavailable; detector cache disabled", "err", err)
		return cache.NewNoOpCache()
	}
	log.Info("using Redis detector cache")
	return c
}

func buildPayments(cfg config.Config, log *slog.Logger) (*payments.StripeClient, *payments.PayPalClient, error) {
	var stripeClient *payments.StripeClient
	if cfg.StripeKey != "" {
		var err error
		stripeClient, err = payments.NewStripe(cfg.StripeKey, cfg.StripeWebhookSecret, cfg.CheckoutSuccessURL, cfg.CheckoutCancelURL)
		if err != nil {
			return nil, nil, err
		}
		log.Info("stripe checkout enabled")
	} else {
		log.Warn("STRIPE_SECRET_KEY not set; stripe checkout disabled")
	}

	var paypalClient *payments.PayPalClient
	if cfg.PayPalClientID != "" {
		var err error
		paypalClient, err = payments.NewPayPal(cfg.PayPalClientID, cfg.PayPalSecret, cfg.PayPalBaseURL)
		if err != nil {
			return nil, nil, err
		}
		log.Info("paypal capture enabled")
	} else {
		log.Warn("PAYPAL_CLIENT_ID not set; paypal capture disabled")
	}
	return stripeClient, paypalClient, nil
}
