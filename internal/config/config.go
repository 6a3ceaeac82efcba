package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/iago/jyotish-reports/internal/domain"
	"github.com/sethvargo/go-envconfig"
)

// Config centralizes runtime settings for the API, workers and CLI.
type Config struct {
	Port      string `env:"PORT,default=8080"`
	AuthToken string `env:"API_AUTH_TOKEN"`

	DatabaseURL string `env:"DATABASE_URL"`

	RedisURL              string        `env:"REDIS_URL,default=redis://localhost:6379"`
	UpstashRedisURL       string        `env:"UPSTASH_REDIS_URL"`
	BrokerConnectAttempts int           `env:"BROKER_CONNECT_ATTEMPTS,default=5"`
	BrokerMinBackoff      time.Duration `env:"BROKER_MIN_BACKOFF,default=50ms"`
	BrokerMaxBackoff      time.Duration `env:"BROKER_MAX_BACKOFF,default=2s"`

	LLMProvider            string        `env:"LLM_PROVIDER,default=google"`
	LLMModel               string        `env:"LLM_MODEL"`
	OpenRouterDefaultModel string        `env:"OPENROUTER_DEFAULT_MODEL,default=google/gemini-2.0-flash"`
	GoogleAPIKey           string        `env:"GOOGLE_GENAI_API_KEY"`
	OpenRouterAPIKey       string        `env:"OPENROUTER_API_KEY"`
	GoogleEndpoint         string        `env:"GOOGLE_GENAI_ENDPOINT"`
	OpenRouterEndpoint     string        `env:"OPENROUTER_ENDPOINT"`
	OpenRouterModelsURL    string        `env:"OPENROUTER_MODELS_ENDPOINT"`
	AppURL                 string        `env:"NEXT_PUBLIC_APP_URL,default=http://localhost:3000"`
	AppTitle               string        `env:"LLM_APP_TITLE,default=JyotishAI"`
	LLMRequestTimeout      time.Duration `env:"LLM_REQUEST_TIMEOUT,default=60s"`
	StreamIdleTimeout      time.Duration `env:"LLM_STREAM_IDLE_TIMEOUT,default=45s"`

	PromptCatalogFile string `env:"PROMPT_CATALOG_FILE"`
	QueuePolicyFile   string `env:"QUEUE_POLICY_FILE"`

	ReportQueueAttempts     int           `env:"REPORT_QUEUE_ATTEMPTS,default=3"`
	ReportQueueBackoff      string        `env:"REPORT_QUEUE_BACKOFF,default=exponential"`
	ReportQueueBackoffBase  time.Duration `env:"REPORT_QUEUE_BACKOFF_BASE,default=2s"`
	ReportWorkerConcurrency int           `env:"REPORT_WORKER_CONCURRENCY,default=2"`

	AlertQueueAttempts     int           `env:"ALERT_QUEUE_ATTEMPTS,default=2"`
	AlertQueueBackoff      string        `env:"ALERT_QUEUE_BACKOFF,default=fixed"`
	AlertQueueBackoffBase  time.Duration `env:"ALERT_QUEUE_BACKOFF_BASE,default=5s"`
	AlertWorkerConcurrency int           `env:"ALERT_WORKER_CONCURRENCY,default=1"`

	WorkerEnabled      bool          `env:"WORKER_ENABLED,default=true"`
	WorkerLeaseTTL     time.Duration `env:"WORKER_LEASE_TTL,default=30s"`
	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL,default=250ms"`

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS,default=http://localhost:3000"`
	RateLimitRPS       float64  `env:"RATE_LIMIT_RPS,default=20"`
	RateLimitBurst     int      `env:"RATE_LIMIT_BURST,default=40"`

	policies map[string]QueuePolicy
}

// QueuePolicy is the retry and concurrency budget of one named queue.
type QueuePolicy struct {
	Attempts    int            `yaml:"attempts"`
	Backoff     domain.Backoff `yaml:"backoff"`
	Concurrency int            `yaml:"concurrency"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return Config{}, fmt.Errorf("process env config: %w", err)
	}

	cfg.policies = map[string]QueuePolicy{
		domain.QueueReportGeneration: {
			Attempts:    cfg.ReportQueueAttempts,
			Backoff:     domain.Backoff{Kind: domain.BackoffKind(cfg.ReportQueueBackoff), Base: cfg.ReportQueueBackoffBase},
			Concurrency: cfg.ReportWorkerConcurrency,
		},
		domain.QueueAlertGeneration: {
			Attempts:    cfg.AlertQueueAttempts,
			Backoff:     domain.Backoff{Kind: domain.BackoffKind(cfg.AlertQueueBackoff), Base: cfg.AlertQueueBackoffBase},
			Concurrency: cfg.AlertWorkerConcurrency,
		},
	}

	if strings.TrimSpace(cfg.QueuePolicyFile) != "" {
		overrides, err := LoadQueuePolicies(cfg.QueuePolicyFile)
		if err != nil {
			return Config{}, err
		}
		for name, policy := range overrides {
			cfg.policies[name] = mergePolicy(cfg.policies[name], policy)
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// BrokerURL prefers the Upstash URL when both are configured.
func (c Config) BrokerURL() string {
	if url := strings.TrimSpace(c.UpstashRedisURL); url != "" {
		return url
	}
	return strings.TrimSpace(c.RedisURL)
}

func (c Config) QueuePolicy(name string) QueuePolicy {
	return c.policies[name]
}

func (c Config) validate() error {
	var problems []string

	if strings.TrimSpace(c.Port) == "" {
		problems = append(problems, "PORT is required")
	}
	if c.BrokerURL() == "" {
		problems = append(problems, "REDIS_URL is required")
	}
	if c.BrokerConnectAttempts <= 0 {
		problems = append(problems, "BROKER_CONNECT_ATTEMPTS must be positive")
	}
	if c.BrokerMaxBackoff < c.BrokerMinBackoff {
		problems = append(problems, "BROKER_MAX_BACKOFF must be >= BROKER_MIN_BACKOFF")
	}
	if provider := strings.ToLower(strings.TrimSpace(c.LLMProvider)); provider != "google" && provider != "openrouter" {
		problems = append(problems, "LLM_PROVIDER must be google or openrouter")
	}
	if c.StreamIdleTimeout <= 0 {
		problems = append(problems, "LLM_STREAM_IDLE_TIMEOUT must be positive")
	}
	if c.WorkerLeaseTTL < time.Second {
		problems = append(problems, "WORKER_LEASE_TTL must be at least 1s")
	}

	for _, name := range []string{domain.QueueReportGeneration, domain.QueueAlertGeneration} {
		policy := c.policies[name]
		if policy.Attempts <= 0 {
			problems = append(problems, name+": attempts must be positive")
		}
		if policy.Backoff.Kind != domain.BackoffFixed && policy.Backoff.Kind != domain.BackoffExponential {
			problems = append(problems, name+": backoff must be fixed or exponential")
		}
		if policy.Backoff.Base < 0 {
			problems = append(problems, name+": backoff base must be non-negative")
		}
		if policy.Concurrency < 1 {
			problems = append(problems, name+": concurrency must be at least 1")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

func mergePolicy(base, override QueuePolicy) QueuePolicy {
	if override.Attempts > 0 {
		base.Attempts = override.Attempts
	}
	if override.Backoff.Kind != "" {
		base.Backoff.Kind = override.Backoff.Kind
	}
	if override.Backoff.Base > 0 {
		base.Backoff.Base = override.Backoff.Base
	}
	if override.Concurrency > 0 {
		base.Concurrency = override.Concurrency
	}
	return base
}
