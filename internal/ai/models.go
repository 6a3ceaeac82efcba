package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/iago/jyotish-reports/internal/domain"
)

const (
	OpenRouterModelsEndpoint = "https://openrouter.ai/api/v1/models"

	modelCatalogTTL  = time.Hour
	minContextLength = 4096
	maxModelIDLength = 128
	modelsBodyLimit  = 8 << 20
)

// ErrInvalidModel marks a model id the selected provider cannot serve.
var ErrInvalidModel = errors.New("invalid model")

type FidelityTier string

const (
	FidelityBest FidelityTier = "best"
	FidelityGood FidelityTier = "good"
	FidelityFair FidelityTier = "fair"
	FidelityLow  FidelityTier = "low"
)

// Fidelity rates how well a model writes long astrology reports.
type Fidelity struct {
	Score int          `json:"score"`
	Tier  FidelityTier `json:"tier"`
}

type ModelInfo struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Provider      string   `json:"provider"`
	Description   string   `json:"description,omitempty"`
	ContextLength int      `json:"contextLength,omitempty"`
	FreePerDay    string   `json:"freePerDay,omitempty"`
	Fidelity      Fidelity `json:"fidelity"`
}

// RecommendedModel is a curated pick shown ahead of the full catalog.
type RecommendedModel struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Badge    string `json:"badge"`
	Fidelity int    `json:"fidelity"`
}

var googleModels = []ModelInfo{
	{ID: "gemini-2.5-pro-preview-06-05", Name: "Gemini 2.5 Pro", Description: "Most capable model for reasoning and long-form analysis", ContextLength: 1_000_000, FreePerDay: "25 req/day"},
	{ID: "gemini-2.5-flash-preview-05-20", Name: "Gemini 2.5 Flash", Description: "Fast and capable, good for reports", ContextLength: 1_000_000, FreePerDay: "500 req/day"},
	{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", Description: "Fastest Gemini for chat and quick analysis", ContextLength: 1_000_000, FreePerDay: "1500 req/day"},
	{ID: "gemini-2.0-flash-lite", Name: "Gemini 2.0 Flash Lite", Description: "Cheapest option for simple tasks", ContextLength: 1_000_000, FreePerDay: "1500 req/day"},
}

// fallbackOpenRouterModels is served when the OpenRouter listing cannot be
// fetched.
var fallbackOpenRouterModels = []ModelInfo{
	{ID: "google/gemini-2.0-flash", Name: "Gemini 2.0 Flash", ContextLength: 1_000_000},
	{ID: "google/gemini-2.5-pro-preview", Name: "Gemini 2.5 Pro", ContextLength: 1_000_000},
	{ID: "google/gemini-2.5-flash-preview", Name: "Gemini 2.5 Flash", ContextLength: 1_000_000},
	{ID: "anthropic/claude-sonnet-4-5", Name: "Claude Sonnet 4.5", ContextLength: 200_000},
	{ID: "anthropic/claude-sonnet-4", Name: "Claude Sonnet 4", ContextLength: 200_000},
	{ID: "openai/gpt-4o", Name: "GPT-4o", ContextLength: 128_000},
	{ID: "openai/gpt-4o-mini", Name: "GPT-4o Mini", ContextLength: 128_000},
	{ID: "x-ai/grok-4", Name: "Grok 4", ContextLength: 128_000},
	{ID: "deepseek/deepseek-r1", Name: "DeepSeek R1", ContextLength: 64_000},
	{ID: "meta-llama/llama-4-maverick", Name: "Llama 4 Maverick", ContextLength: 128_000},
}

var recommendedModels = []RecommendedModel{
	{ID: "gemini-2.5-pro-preview-06-05", Name: "Gemini 2.5 Pro", Provider: "google", Badge: "Best Quality", Fidelity: 97},
	{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", Provider: "google", Badge: "Fast + Free", Fidelity: 82},
	{ID: "anthropic/claude-sonnet-4-5", Name: "Claude Sonnet 4.5", Provider: "openrouter", Badge: "Premium", Fidelity: 95},
}

type knownFidelity struct {
	id       string
	fidelity Fidelity
}

var knownFidelities = []knownFidelity{
	{"gemini-2.5-pro-preview-06-05", Fidelity{97, FidelityBest}},
	{"gemini-2.5-flash-preview-05-20", Fidelity{90, FidelityGood}},
	{"gemini-2.0-flash", Fidelity{82, FidelityGood}},
	{"gemini-2.0-flash-lite", Fidelity{65, FidelityFair}},
	{"google/gemini-2.5-pro-preview", Fidelity{97, FidelityBest}},
	{"google/gemini-2.5-flash-preview", Fidelity{90, FidelityGood}},
	{"google/gemini-2.0-flash", Fidelity{82, FidelityGood}},
	{"anthropic/claude-sonnet-4-5", Fidelity{95, FidelityBest}},
	{"anthropic/claude-sonnet-4", Fidelity{93, FidelityBest}},
	{"anthropic/claude-3.5-sonnet", Fidelity{88, FidelityGood}},
	{"openai/gpt-4o", Fidelity{90, FidelityGood}},
	{"openai/gpt-4o-mini", Fidelity{72, FidelityFair}},
	{"x-ai/grok-4", Fidelity{92, FidelityBest}},
	{"meta-llama/llama-4-maverick", Fidelity{78, FidelityFair}},
	{"deepseek/deepseek-r1", Fidelity{85, FidelityGood}},
}

// ModelFidelity rates a model id: exact catalog entry first, then the
// longest catalog id contained in it, then a guess from the family name.
func ModelFidelity(modelID string) Fidelity {
	for _, known := range knownFidelities {
		if known.id == modelID {
			return known.fidelity
		}
	}

	lower := strings.ToLower(modelID)
	best, bestLen := Fidelity{}, 0
	for _, known := range knownFidelities {
		name := known.id[strings.LastIndex(known.id, "/")+1:]
		if len(name) > bestLen && strings.Contains(lower, name) {
			best, bestLen = known.fidelity, len(name)
		}
	}
	if bestLen > 0 {
		return best
	}

	switch {
	case strings.Contains(lower, "pro"), strings.Contains(lower, "sonnet"):
		return Fidelity{88, FidelityGood}
	case strings.Contains(lower, "flash"), strings.Contains(lower, "mini"):
		return Fidelity{70, FidelityFair}
	case strings.Contains(lower, "haiku"), strings.Contains(lower, "lite"):
		return Fidelity{60, FidelityFair}
	}
	return Fidelity{65, FidelityFair}
}

// RecommendedModels returns the curated picks.
func RecommendedModels() []RecommendedModel {
	return slices.Clone(recommendedModels)
}

// SearchModels keeps models whose id, name or description contains query.
// A blank query keeps everything.
func SearchModels(models []ModelInfo, query string) []ModelInfo {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return models
	}
	matched := make([]ModelInfo, 0, len(models))
	for _, model := range models {
		if strings.Contains(strings.ToLower(model.ID), query) ||
			strings.Contains(strings.ToLower(model.Name), query) ||
			strings.Contains(strings.ToLower(model.Description), query) {
			matched = append(matched, model)
		}
	}
	return matched
}

// SortByFidelity returns a copy ordered by descending fidelity score.
func SortByFidelity(models []ModelInfo) []ModelInfo {
	sorted := slices.Clone(models)
	slices.SortStableFunc(sorted, func(a, b ModelInfo) int {
		return b.Fidelity.Score - a.Fidelity.Score
	})
	return sorted
}

var modelIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]*(/[A-Za-z0-9][A-Za-z0-9._:-]*)*$`)

// ValidateModel rejects ids the provider's endpoint cannot route: OpenRouter
// ids are vendor/model slugs, Gemini ids carry no vendor prefix.
func ValidateModel(provider Provider, model string) error {
	if model == "" {
		return nil
	}
	if len(model) > maxModelIDLength || !modelIDPattern.MatchString(model) {
		return fmt.Errorf("%w: malformed model id %q", ErrInvalidModel, model)
	}
	switch provider {
	case ProviderOpenRouter:
		if !strings.Contains(model, "/") {
			return fmt.Errorf("%w: openrouter model %q must be vendor/model", ErrInvalidModel, model)
		}
	case ProviderGoogle:
		if strings.Contains(strings.TrimPrefix(model, "models/"), "/") {
			return fmt.Errorf("%w: %q is not a gemini model id", ErrInvalidModel, model)
		}
	}
	return nil
}

func withFidelity(models []ModelInfo, provider Provider) []ModelInfo {
	enriched := make([]ModelInfo, len(models))
	for i, model := range models {
		model.Provider = provider.String()
		model.Fidelity = ModelFidelity(model.ID)
		enriched[i] = model
	}
	return enriched
}

// modelCache holds the last successful OpenRouter listing.
type modelCache struct {
	mu      sync.Mutex
	models  []ModelInfo
	fetched time.Time
}

// Models lists the models a provider offers, rated by fidelity. The
// OpenRouter listing is fetched live and cached for an hour; when the fetch
// fails the built-in fallback list is served and the next call retries.
func (c *Client) Models(ctx context.Context, provider Provider) ([]ModelInfo, error) {
	switch provider {
	case ProviderGoogle:
		return withFidelity(googleModels, provider), nil
	case ProviderOpenRouter:
	default:
		return nil, domain.Permanent(fmt.Errorf("unsupported llm provider %d", int(provider)))
	}

	c.models.mu.Lock()
	defer c.models.mu.Unlock()
	if c.models.models != nil && time.Since(c.models.fetched) < modelCatalogTTL {
		return slices.Clone(c.models.models), nil
	}

	listed, err := c.fetchOpenRouterModels(ctx)
	if err != nil {
		c.logf("llm models fetch failed provider=%s err=%v, serving fallback list", provider, err)
		return withFidelity(fallbackOpenRouterModels, provider), nil
	}
	c.models.models = listed
	c.models.fetched = time.Now()
	return slices.Clone(listed), nil
}

type openRouterModelsResponse struct {
	Data []struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		Description   string `json:"description"`
		ContextLength int    `json:"context_length"`
		Architecture  *struct {
			Modality string `json:"modality"`
		} `json:"architecture"`
	} `json:"data"`
}

func (c *Client) fetchOpenRouterModels(ctx context.Context) ([]ModelInfo, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	endpoint := firstNonEmpty(c.endpoints.OpenRouterModels, OpenRouterModelsEndpoint)
	request, err := http.NewRequestWithContext(timeoutCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create models request: %w", err)
	}
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("models transport error: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, &domain.UpstreamError{Status: response.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, modelsBodyLimit))
	if err != nil {
		return nil, fmt.Errorf("read models response: %w", err)
	}
	var listing openRouterModelsResponse
	if err := sonic.Unmarshal(body, &listing); err != nil {
		return nil, fmt.Errorf("decode models response: %w", err)
	}

	models := make([]ModelInfo, 0, len(listing.Data))
	for _, item := range listing.Data {
		if item.ID == "" {
			continue
		}
		if item.Architecture != nil && (item.Architecture.Modality == "image" || item.Architecture.Modality == "video") {
			continue
		}
		if item.ContextLength > 0 && item.ContextLength < minContextLength {
			continue
		}
		models = append(models, ModelInfo{
			ID:            item.ID,
			Name:          firstNonEmpty(item.Name, item.ID),
			Description:   item.Description,
			ContextLength: item.ContextLength,
		})
	}
	if len(models) == 0 {
		return nil, errors.New("models response without usable models")
	}
	return withFidelity(models, ProviderOpenRouter), nil
}
