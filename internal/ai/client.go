package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/iago/jyotish-reports/internal/domain"
	"github.com/iago/jyotish-reports/internal/metrics"
)

const upstreamBodyLimit = 700

// ClientConfig wires a Client. RequestTimeout bounds Complete and the wait
// for stream response headers; IdleTimeout bounds the gap between two
// stream frames.
type ClientConfig struct {
	Resolver       Resolver
	Endpoints      Endpoints
	Attribution    Attribution
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	IdleTimeout    time.Duration
	Logger         *log.Logger
	Metrics        *metrics.Metrics
}

// Client talks to an OpenAI-compatible chat completions endpoint. The
// provider only selects endpoint and headers; every response goes through
// the same parser.
type Client struct {
	resolver       Resolver
	endpoints      Endpoints
	attribution    Attribution
	httpClient     *http.Client
	requestTimeout time.Duration
	idleTimeout    time.Duration
	logger         *log.Logger
	metrics        *metrics.Metrics
	models         modelCache
}

func NewClient(config ClientConfig) *Client {
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 60 * time.Second
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 45 * time.Second
	}
	return &Client{
		resolver:       config.Resolver,
		endpoints:      config.Endpoints,
		attribution:    config.Attribution,
		httpClient:     config.HTTPClient,
		requestTimeout: config.RequestTimeout,
		idleTimeout:    config.IdleTimeout,
		logger:         config.Logger,
		metrics:        config.Metrics,
	}
}

func (c *Client) Resolve(partial ModelConfig) (ModelConfig, error) {
	return c.resolver.Resolve(partial)
}

// DefaultProvider is the provider used when a request names none.
func (c *Client) DefaultProvider() Provider {
	if c.resolver.DefaultProvider == ProviderUnset {
		return ProviderGoogle
	}
	return c.resolver.DefaultProvider
}

type chatRequest struct {
	Model    string               `json:"model"`
	Messages []domain.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
}

// OpenStream starts a streaming completion. Credential and HTTP status
// failures are returned here, before any event is produced. The caller must
// drain the stream to a terminal event or Close it.
func (c *Client) OpenStream(ctx context.Context, partial ModelConfig, messages []domain.ChatMessage) (*Stream, error) {
	resolved, err := c.resolver.Resolve(partial)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	headerTimer := time.AfterFunc(c.requestTimeout, cancel)
	response, err := c.send(streamCtx, resolved, messages, true)
	headerTimer.Stop()
	if err != nil {
		cancel()
		return nil, err
	}

	c.logf("llm stream opened provider=%s model=%s", resolved.Provider, resolved.Model)
	return newStream(response.Body, cancel, c.idleTimeout, resolved.Provider, c.metrics), nil
}

// Complete runs a non-streaming completion and returns the assistant text.
func (c *Client) Complete(ctx context.Context, partial ModelConfig, messages []domain.ChatMessage) (string, error) {
	resolved, err := c.resolver.Resolve(partial)
	if err != nil {
		return "", err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	response, err := c.send(timeoutCtx, resolved, messages, false)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return "", fmt.Errorf("read %s response: %w", resolved.Provider, err)
	}

	var raw chatCompletionResponse
	if err := sonic.Unmarshal(body, &raw); err != nil {
		return "", fmt.Errorf("decode %s response: %w", resolved.Provider, err)
	}
	text := extractCompletionText(raw)
	if text == "" {
		return "", fmt.Errorf("%s response without text output", resolved.Provider)
	}
	return text, nil
}

func (c *Client) send(ctx context.Context, resolved ModelConfig, messages []domain.ChatMessage, stream bool) (*http.Response, error) {
	transport, err := resolved.Provider.transport(c.endpoints, c.attribution)
	if err != nil {
		return nil, domain.Permanent(err)
	}

	payload, err := json.Marshal(chatRequest{Model: resolved.Model, Messages: messages, Stream: stream})
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", resolved.Provider, err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, transport.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", resolved.Provider, err)
	}
	request.Header.Set("Content-Type", "application/json")
	if stream {
		request.Header.Set("Accept", "text/event-stream")
	} else {
		request.Header.Set("Accept", "application/json")
	}
	transport.headers(request.Header, resolved.APIKey)

	response, err := c.httpClient.Do(request)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, fmt.Errorf("%s timeout: %w", resolved.Provider, err)
		}
		return nil, fmt.Errorf("%s transport error: %w", resolved.Provider, err)
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		defer response.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(response.Body, upstreamBodyLimit))
		c.logf("llm request rejected provider=%s model=%s status=%d", resolved.Provider, resolved.Model, response.StatusCode)
		return nil, &domain.UpstreamError{
			Status: response.StatusCode,
			Body:   strings.TrimSpace(string(body)),
		}
	}
	return response, nil
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content any    `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func extractCompletionText(response chatCompletionResponse) string {
	if len(response.Choices) == 0 {
		return ""
	}
	switch typed := response.Choices[0].Message.Content.(type) {
	case string:
		return strings.TrimSpace(typed)
	case []any:
		fragments := make([]string, 0, len(typed))
		for _, item := range typed {
			fragment, ok := item.(map[string]any)
			if !ok {
				continue
			}
			text, _ := fragment["text"].(string)
			if strings.TrimSpace(text) == "" {
				continue
			}
			fragments = append(fragments, strings.TrimSpace(text))
		}
		return strings.TrimSpace(strings.Join(fragments, "\n"))
	default:
		return ""
	}
}

func (c *Client) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}
