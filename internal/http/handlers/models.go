package handlers

import (
	"context"
	"net/http"

	"github.com/iago/jyotish-reports/internal/ai"
)

// ModelCatalog lists the models a provider offers. *ai.Client implements it.
type ModelCatalog interface {
	DefaultProvider() ai.Provider
	Models(ctx context.Context, provider ai.Provider) ([]ai.ModelInfo, error)
}

// ListModels handles GET /v1/models. ?provider picks the provider (default
// is the configured one), ?q filters by id, name or description and
// ?sort=fidelity orders the best report writers first.
func (api *API) ListModels(w http.ResponseWriter, r *http.Request) {
	if api.models == nil {
		writeError(w, r, http.StatusNotFound, "not_found", "model catalog is not configured")
		return
	}
	query := r.URL.Query()
	provider, err := ai.ParseProvider(query.Get("provider"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if provider == ai.ProviderUnset {
		provider = api.models.DefaultProvider()
	}

	models, err := api.models.Models(r.Context(), provider)
	if err != nil {
		writeServiceError(w, r, err, "failed to list models")
		return
	}
	models = ai.SearchModels(models, query.Get("q"))
	switch query.Get("sort") {
	case "", "catalog":
	case "fidelity":
		models = ai.SortByFidelity(models)
	default:
		writeError(w, r, http.StatusBadRequest, "invalid_request", "sort must be catalog or fidelity")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"provider":    provider.String(),
		"items":       models,
		"recommended": ai.RecommendedModels(),
	})
}
