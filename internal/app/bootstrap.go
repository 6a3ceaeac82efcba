// Package app wires the process-wide dependencies shared by the API server
// and the operator CLI.
package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/iago/jyotish-reports/internal/broker"
	"github.com/iago/jyotish-reports/internal/config"
	"github.com/iago/jyotish-reports/internal/domain"
	"github.com/iago/jyotish-reports/internal/metrics"
	"github.com/iago/jyotish-reports/internal/queue"
	"github.com/iago/jyotish-reports/internal/repository"
)

// LocalBrokerURL selects the in-process broker. Jobs then live only as long
// as the process, which is enough for a single-node development setup.
const LocalBrokerURL = "memory://"

type Repositories struct {
	Reports  repository.ReportsRepository
	Profiles repository.ProfilesRepository
	Alerts   repository.AlertsRepository
	// Ping is nil for the in-memory repositories.
	Ping func(ctx context.Context) error
}

// Runtime holds the long-lived connections of one process. Close releases
// them in reverse order of creation.
type Runtime struct {
	Config  config.Config
	Broker  queue.Broker
	Queue   *queue.Client
	Repos   Repositories
	Metrics *metrics.Metrics

	conn    *broker.Conn
	store   *repository.PostgresStore
	closers []func()
}

// Open connects the broker and the store. A configured but unreachable
// broker or database is an error; the caller decides whether to exit.
func Open(ctx context.Context, cfg config.Config, logger *log.Logger, m *metrics.Metrics) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Metrics: m}

	if err := rt.openBroker(ctx, logger); err != nil {
		return nil, err
	}
	if err := rt.openRepositories(ctx, logger); err != nil {
		rt.Close()
		return nil, err
	}

	policies := make(map[string]queue.Policy, 2)
	for _, name := range []string{domain.QueueReportGeneration, domain.QueueAlertGeneration} {
		policy := cfg.QueuePolicy(name)
		policies[name] = queue.Policy{Attempts: policy.Attempts, Backoff: policy.Backoff}
	}
	rt.Queue = queue.NewClient(rt.Broker, policies).WithMetrics(m)
	return rt, nil
}

func (rt *Runtime) openBroker(ctx context.Context, logger *log.Logger) error {
	url := rt.Config.BrokerURL()
	if strings.EqualFold(url, LocalBrokerURL) {
		logf(logger, "broker using in-process queue, jobs do not survive a restart")
		rt.Broker = queue.NewLocalBroker()
		return nil
	}

	conn, err := broker.Connect(ctx, broker.Config{
		URL:             url,
		ConnectAttempts: rt.Config.BrokerConnectAttempts,
		MinBackoff:      rt.Config.BrokerMinBackoff,
		MaxBackoff:      rt.Config.BrokerMaxBackoff,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	rt.conn = conn
	rt.Broker = queue.NewRedisBroker(conn)
	rt.closers = append(rt.closers, func() { _ = conn.Close() })
	return nil
}

func (rt *Runtime) openRepositories(ctx context.Context, logger *log.Logger) error {
	if strings.TrimSpace(rt.Config.DatabaseURL) == "" {
		logf(logger, "DATABASE_URL not configured, using in-memory repositories")
		rt.Repos = Repositories{
			Reports:  repository.NewMemoryReportsRepository(),
			Profiles: repository.NewMemoryProfilesRepository(),
			Alerts:   repository.NewMemoryAlertsRepository(),
		}
		return nil
	}

	store, err := repository.NewPostgresStore(ctx, rt.Config.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	rt.store = store
	rt.closers = append(rt.closers, store.Close)
	rt.Repos = Repositories{Reports: store, Profiles: store, Alerts: store, Ping: store.Ping}
	logf(logger, "postgres repositories initialized")
	return nil
}

// Migrate applies pending schema migrations when Postgres is configured.
func (rt *Runtime) Migrate(ctx context.Context, logger *log.Logger) (int, error) {
	if rt.store == nil {
		return 0, nil
	}
	return rt.store.Migrate(ctx, logger)
}

// BrokerPing is nil for the in-process broker.
func (rt *Runtime) BrokerPing() func(ctx context.Context) error {
	if rt.conn == nil {
		return nil
	}
	return rt.conn.Ping
}

func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
