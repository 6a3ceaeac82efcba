package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/iago/jyotish-reports/internal/domain"
)

type profileRequest struct {
	Name  string           `json:"name" validate:"max=128"`
	Chart domain.ChartData `json:"chart"`
}

type profileResponse struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Chart     domain.ChartData `json:"chart"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

type alertResponse struct {
	ID        string    `json:"id"`
	ProfileID string    `json:"profileId"`
	Model     string    `json:"model"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// PutProfile stores the chart snapshot reports are generated from.
func (api *API) PutProfile(w http.ResponseWriter, r *http.Request) {
	var request profileRequest
	if err := decodeJSON(r, &request); err != nil {
		writeDecodeError(w, r, err)
		return
	}

	profile := &domain.Profile{
		ID:        r.PathValue("id"),
		Name:      request.Name,
		Chart:     request.Chart,
		UpdatedAt: time.Now().UTC(),
	}
	if err := api.profiles.SaveProfile(r.Context(), profile); err != nil {
		writeServiceError(w, r, err, "failed to save profile")
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{
		ID:        profile.ID,
		Name:      profile.Name,
		Chart:     profile.Chart,
		UpdatedAt: profile.UpdatedAt,
	})
}

func (api *API) GetProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := api.profiles.GetProfile(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err, "failed to load profile")
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{
		ID:        profile.ID,
		Name:      profile.Name,
		Chart:     profile.Chart,
		UpdatedAt: profile.UpdatedAt,
	})
}

func (api *API) RequestAlerts(w http.ResponseWriter, r *http.Request) {
	profileID := r.PathValue("id")
	jobID, err := api.alerts.RequestAlerts(r.Context(), profileID)
	if err != nil {
		writeServiceError(w, r, err, "failed to request alerts")
		return
	}
	w.Header().Set("Retry-After", "5")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"jobId":     jobID,
		"profileId": profileID,
		"status":    "queued",
	})
}

func (api *API) ListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 || parsed > 100 {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "limit must be between 0 and 100")
			return
		}
		limit = parsed
	}

	alerts, err := api.alerts.ListAlerts(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeServiceError(w, r, err, "failed to list alerts")
		return
	}
	items := make([]alertResponse, 0, len(alerts))
	for _, alert := range alerts {
		items = append(items, alertResponse{
			ID:        alert.ID,
			ProfileID: alert.ProfileID,
			Model:     alert.Model,
			Content:   alert.Content,
			CreatedAt: alert.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
