package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/iago/jyotish-reports/internal/ai"
	"github.com/iago/jyotish-reports/internal/app"
	"github.com/iago/jyotish-reports/internal/config"
	"github.com/iago/jyotish-reports/internal/domain"
	httpserver "github.com/iago/jyotish-reports/internal/http"
	"github.com/iago/jyotish-reports/internal/http/handlers"
	"github.com/iago/jyotish-reports/internal/metrics"
	"github.com/iago/jyotish-reports/internal/prompts"
	"github.com/iago/jyotish-reports/internal/service"
	"github.com/iago/jyotish-reports/internal/worker"
)

func main() {
	logger := log.New(os.Stdout, "[jyotish-api] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)
	if loaded, err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		logger.Printf("failed loading .env files: %v", err)
	} else if len(loaded) > 0 {
		logger.Printf("loaded env files %v", loaded)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	m := metrics.New()
	runtime, err := app.Open(ctx, cfg, logger, m)
	if err != nil {
		logger.Fatalf("startup failed: %v", err)
	}
	defer runtime.Close()

	if applied, err := runtime.Migrate(ctx, logger); err != nil {
		logger.Fatalf("migrations failed: %v", err)
	} else if applied > 0 {
		logger.Printf("applied %d migrations", applied)
	}

	registry, err := prompts.Load(cfg.PromptCatalogFile)
	if err != nil {
		logger.Fatalf("prompt catalog failed: %v", err)
	}

	defaultProvider, err := ai.ParseProvider(cfg.LLMProvider)
	if err != nil {
		logger.Fatalf("invalid LLM_PROVIDER: %v", err)
	}
	googleModel, openRouterModel := ai.ModelDefaults(defaultProvider, cfg.LLMModel, cfg.OpenRouterDefaultModel)
	if err := ai.ValidateModel(ai.ProviderGoogle, googleModel); err != nil {
		logger.Fatalf("invalid LLM_MODEL: %v", err)
	}
	if err := ai.ValidateModel(ai.ProviderOpenRouter, openRouterModel); err != nil {
		logger.Fatalf("invalid LLM_MODEL or OPENROUTER_DEFAULT_MODEL: %v", err)
	}
	llm := ai.NewClient(ai.ClientConfig{
		Resolver: ai.Resolver{
			DefaultProvider:  defaultProvider,
			GoogleModel:      googleModel,
			OpenRouterModel:  openRouterModel,
			GoogleAPIKey:     cfg.GoogleAPIKey,
			OpenRouterAPIKey: cfg.OpenRouterAPIKey,
		},
		Endpoints: ai.Endpoints{
			Google:           cfg.GoogleEndpoint,
			OpenRouter:       cfg.OpenRouterEndpoint,
			OpenRouterModels: cfg.OpenRouterModelsURL,
		},
		Attribution:    ai.Attribution{Referer: cfg.AppURL, Title: cfg.AppTitle},
		RequestTimeout: cfg.LLMRequestTimeout,
		IdleTimeout:    cfg.StreamIdleTimeout,
		Logger:         logger,
		Metrics:        m,
	})
	if cfg.GoogleAPIKey == "" && cfg.OpenRouterAPIKey == "" {
		logger.Printf("no LLM credential configured, report jobs will fail until one is set")
	}

	repos := runtime.Repos
	reportsService := service.NewReportsService(repos.Reports, repos.Profiles, runtime.Queue, registry, llm, logger)
	alertsService := service.NewAlertsService(repos.Alerts, repos.Profiles, runtime.Queue, logger)
	profilesService := service.NewProfilesService(repos.Profiles)

	checks := map[string]handlers.HealthCheck{}
	if ping := runtime.BrokerPing(); ping != nil {
		checks["broker"] = ping
	}
	if repos.Ping != nil {
		checks["database"] = repos.Ping
	}

	api := handlers.NewAPI(handlers.Dependencies{
		Reports:  reportsService,
		Alerts:   alertsService,
		Profiles: profilesService,
		Catalog:  registry,
		Models:   llm,
		Checks:   checks,
	})
	handler := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Metrics:        m.Handler(),
		Logger:         logger,
		AuthToken:      cfg.AuthToken,
		CORSOrigins:    cfg.CORSAllowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	var workers sync.WaitGroup
	if cfg.WorkerEnabled {
		reportPolicy := cfg.QueuePolicy(domain.QueueReportGeneration)
		reportWorker := worker.NewProcessor(runtime.Broker, worker.Config{
			Queue:        domain.QueueReportGeneration,
			Concurrency:  reportPolicy.Concurrency,
			LeaseTTL:     cfg.WorkerLeaseTTL,
			PollInterval: cfg.WorkerPollInterval,
		}, logger, m)
		reportWorker.Handle(domain.JobTypeGenerateReport, service.NewReportJobHandler(repos.Reports, repos.Profiles, registry, llm, logger).WithMetrics(m))

		alertPolicy := cfg.QueuePolicy(domain.QueueAlertGeneration)
		alertWorker := worker.NewProcessor(runtime.Broker, worker.Config{
			Queue:        domain.QueueAlertGeneration,
			Concurrency:  alertPolicy.Concurrency,
			LeaseTTL:     cfg.WorkerLeaseTTL,
			PollInterval: cfg.WorkerPollInterval,
		}, logger, m)
		alertWorker.Handle(domain.JobTypeGenerateAlerts, service.NewAlertJobHandler(repos.Alerts, repos.Profiles, registry, llm, logger))

		for _, processor := range []*worker.Processor{reportWorker, alertWorker} {
			workers.Add(1)
			go func(p *worker.Processor) {
				defer workers.Done()
				p.Start(workerCtx)
			}(processor)
		}
		logger.Printf("workers enabled report_concurrency=%d alert_concurrency=%d", reportPolicy.Concurrency, alertPolicy.Concurrency)
	} else {
		logger.Printf("workers disabled by configuration")
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Printf("api listening on :%s", cfg.Port)
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Printf("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}

	// in-flight jobs are released back to the queue without using an attempt
	stopWorkers()
	workers.Wait()
	logger.Printf("shutdown complete")
}
