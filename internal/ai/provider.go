package ai

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/iago/jyotish-reports/internal/domain"
)

const (
	GoogleEndpoint     = "https://generativelanguage.googleapis.com/v1beta/openai/chat/completions"
	OpenRouterEndpoint = "https://openrouter.ai/api/v1/chat/completions"

	DefaultGoogleModel     = "gemini-2.0-flash"
	DefaultOpenRouterModel = "google/gemini-2.0-flash"
)

// Provider selects the upstream endpoint and its auth header shape. Both
// providers speak the same OpenAI-compatible wire format.
type Provider int

const (
	ProviderUnset Provider = iota
	ProviderGoogle
	ProviderOpenRouter
)

func (p Provider) String() string {
	switch p {
	case ProviderGoogle:
		return "google"
	case ProviderOpenRouter:
		return "openrouter"
	default:
		return ""
	}
}

func ParseProvider(raw string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return ProviderUnset, nil
	case "google", "gemini":
		return ProviderGoogle, nil
	case "openrouter":
		return ProviderOpenRouter, nil
	default:
		return ProviderUnset, fmt.Errorf("unknown llm provider %q", raw)
	}
}

// Endpoints overrides the upstream URLs; empty fields use the public ones.
type Endpoints struct {
	Google           string
	OpenRouter       string
	OpenRouterModels string
}

// Attribution is sent to OpenRouter as HTTP-Referer and X-Title.
type Attribution struct {
	Referer string
	Title   string
}

type transport struct {
	endpoint string
	headers  func(h http.Header, apiKey string)
}

func (p Provider) transport(endpoints Endpoints, attribution Attribution) (transport, error) {
	switch p {
	case ProviderGoogle:
		return transport{
			endpoint: firstNonEmpty(endpoints.Google, GoogleEndpoint),
			headers: func(h http.Header, apiKey string) {
				h.Set("Authorization", "Bearer "+apiKey)
			},
		}, nil
	case ProviderOpenRouter:
		return transport{
			endpoint: firstNonEmpty(endpoints.OpenRouter, OpenRouterEndpoint),
			headers: func(h http.Header, apiKey string) {
				h.Set("Authorization", "Bearer "+apiKey)
				h.Set("HTTP-Referer", firstNonEmpty(attribution.Referer, "http://localhost:3000"))
				h.Set("X-Title", firstNonEmpty(attribution.Title, "JyotishAI"))
			},
		}, nil
	default:
		return transport{}, fmt.Errorf("unsupported llm provider %d", int(p))
	}
}

// ModelConfig selects provider, model and credential for one call. Empty
// fields are filled by a Resolver.
type ModelConfig struct {
	Provider Provider
	Model    string
	APIKey   string
}

// Resolver fills partial configs from process defaults and environment
// credentials read at startup.
type Resolver struct {
	DefaultProvider  Provider
	GoogleModel      string
	OpenRouterModel  string
	GoogleAPIKey     string
	OpenRouterAPIKey string
}

// ModelDefaults splits the process-wide model settings per provider. The
// configured model names a model of the default provider only; the other
// provider keeps its own default so a Gemini id is never sent to OpenRouter
// and the other way round.
func ModelDefaults(defaultProvider Provider, model, openRouterDefault string) (google, openRouter string) {
	if defaultProvider == ProviderOpenRouter {
		return "", firstNonEmpty(model, openRouterDefault)
	}
	return firstNonEmpty(model), firstNonEmpty(openRouterDefault)
}

// Resolve never performs I/O; a config without a usable key fails with
// ErrMissingCredential so callers fail before any request is made.
func (r Resolver) Resolve(partial ModelConfig) (ModelConfig, error) {
	resolved := partial
	if resolved.Provider == ProviderUnset {
		resolved.Provider = r.DefaultProvider
	}
	if resolved.Provider == ProviderUnset {
		resolved.Provider = ProviderGoogle
	}

	switch resolved.Provider {
	case ProviderGoogle:
		resolved.Model = firstNonEmpty(resolved.Model, r.GoogleModel, DefaultGoogleModel)
		resolved.APIKey = firstNonEmpty(resolved.APIKey, r.GoogleAPIKey)
	case ProviderOpenRouter:
		resolved.Model = firstNonEmpty(resolved.Model, r.OpenRouterModel, DefaultOpenRouterModel)
		resolved.APIKey = firstNonEmpty(resolved.APIKey, r.OpenRouterAPIKey)
	default:
		return ModelConfig{}, domain.Permanent(fmt.Errorf("unsupported llm provider %d", int(resolved.Provider)))
	}

	if err := ValidateModel(resolved.Provider, resolved.Model); err != nil {
		return ModelConfig{}, domain.Permanent(err)
	}
	if resolved.APIKey == "" {
		return resolved, fmt.Errorf("%w: no api key for provider %s", domain.ErrMissingCredential, resolved.Provider)
	}
	return resolved, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
