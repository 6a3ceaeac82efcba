package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/iago/jyotish-reports/internal/domain"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	URL             string
	ConnectAttempts int
	MinBackoff      time.Duration
	MaxBackoff      time.Duration
	DialTimeout     time.Duration
}

// Conn owns the single Redis connection pool shared by every queue and
// worker of the process. It is created once in main and closed explicitly.
type Conn struct {
	client  redis.UniversalClient
	upstash bool
	logger  *log.Logger
}

// Connect dials the broker and waits until it answers PING, retrying with
// bounded exponential backoff before giving up with ErrBrokerUnavailable.
func Connect(ctx context.Context, cfg Config, logger *log.Logger) (*Conn, error) {
	cfg = withDefaults(cfg)
	options, err := Options(cfg)
	if err != nil {
		return nil, err
	}

	conn := &Conn{
		client:  redis.NewClient(options),
		upstash: isUpstash(cfg.URL),
		logger:  logger,
	}
	if err := conn.waitReady(ctx, cfg); err != nil {
		_ = conn.client.Close()
		return nil, err
	}

	if logger != nil {
		target := "redis"
		if conn.upstash {
			target = "upstash"
		}
		logger.Printf("broker connected target=%s addr=%s tls=%t", target, options.Addr, options.TLSConfig != nil)
	}
	return conn, nil
}

// NewConn wraps an already configured client, mainly for tests.
func NewConn(client redis.UniversalClient) *Conn {
	return &Conn{client: client}
}

// Options translates a redis:// or rediss:// URL into client options with
// the reconnect policy applied. Upstash hosts always use TLS.
func Options(cfg Config) (*redis.Options, error) {
	cfg = withDefaults(cfg)
	options, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	if isUpstash(cfg.URL) && options.TLSConfig == nil {
		host := options.Addr
		if index := strings.LastIndex(host, ":"); index > 0 {
			host = host[:index]
		}
		options.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}
	}

	options.MaxRetries = 10
	options.MinRetryBackoff = cfg.MinBackoff
	options.MaxRetryBackoff = cfg.MaxBackoff
	options.DialTimeout = cfg.DialTimeout
	return options, nil
}

func (c *Conn) Client() redis.UniversalClient {
	return c.client
}

func (c *Conn) Ping(ctx context.Context) error {
	return Unavailable(c.client.Ping(ctx).Err())
}

func (c *Conn) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Unavailable tags transport failures as ErrBrokerUnavailable. redis.Nil is
// a normal empty reply and is returned unchanged.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, domain.ErrBrokerUnavailable) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
}

func (c *Conn) waitReady(ctx context.Context, cfg Config) error {
	backoff := cfg.MinBackoff
	var lastErr error
	for attempt := 1; attempt <= cfg.ConnectAttempts; attempt++ {
		lastErr = c.client.Ping(ctx).Err()
		if lastErr == nil {
			return nil
		}
		if c.logger != nil {
			c.logger.Printf("broker ping failed attempt=%d/%d err=%v", attempt, cfg.ConnectAttempts, lastErr)
		}
		if attempt == cfg.ConnectAttempts {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Unavailable(ctx.Err())
		case <-timer.C:
		}
		backoff *= 2
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, lastErr)
}

func withDefaults(cfg Config) Config {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = "redis://localhost:6379"
	}
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = 5
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 50 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 2 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return cfg
}

func isUpstash(url string) bool {
	return strings.Contains(strings.ToLower(url), "upstash.io")
}
