package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/iago/jyotish-reports/internal/domain"
	"github.com/iago/jyotish-reports/internal/service"
)

type createReportRequest struct {
	ProfileID  string `json:"profileId" validate:"required,max=128"`
	ReportType string `json:"reportType" validate:"required,max=64"`
	Language   string `json:"language" validate:"omitempty,oneof=en hi"`
	Provider   string `json:"provider" validate:"omitempty,oneof=google gemini openrouter"`
	Model      string `json:"model" validate:"omitempty,max=128"`
}

type favoriteRequest struct {
	Favorite *bool `json:"favorite" validate:"required"`
}

type reportResponse struct {
	ID          string     `json:"id"`
	ProfileID   string     `json:"profileId"`
	ReportType  string     `json:"reportType"`
	Language    string     `json:"language"`
	Provider    string     `json:"provider"`
	Model       string     `json:"model"`
	Content     string     `json:"content"`
	Status      string     `json:"status"`
	Generation  int        `json:"generation"`
	Favorite    bool       `json:"favorite"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt"`
}

func toReportResponse(report *domain.Report) reportResponse {
	return reportResponse{
		ID:          report.ID,
		ProfileID:   report.ProfileID,
		ReportType:  report.ReportType,
		Language:    string(report.Language),
		Provider:    report.Provider,
		Model:       report.Model,
		Content:     report.Content,
		Status:      string(report.Status),
		Generation:  report.Generation,
		Favorite:    report.Favorite,
		CreatedAt:   report.CreatedAt,
		UpdatedAt:   report.UpdatedAt,
		CompletedAt: report.CompletedAt,
	}
}

// CreateReport handles POST /v1/reports. A new record answers 202; an
// in-flight record for the same profile, type and language answers 200.
func (api *API) CreateReport(w http.ResponseWriter, r *http.Request) {
	var request createReportRequest
	if err := decodeJSON(r, &request); err != nil {
		writeDecodeError(w, r, err)
		return
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	payloadHash := hashPayload(request)
	if idempotencyKey != "" && api.replay(w, r, idempotencyKey, payloadHash) {
		return
	}

	report, reused, err := api.reports.RequestReport(r.Context(), service.RequestReportInput{
		ProfileID:  request.ProfileID,
		ReportType: request.ReportType,
		Language:   domain.Language(request.Language),
		Provider:   request.Provider,
		Model:      request.Model,
	})
	if err != nil {
		writeServiceError(w, r, err, "failed to request report")
		return
	}
	if idempotencyKey != "" {
		api.idempotency.Put(idempotencyKey, payloadHash, report.ID)
	}
	writeReportAccepted(w, report, reused)
}

func (api *API) GetReport(w http.ResponseWriter, r *http.Request) {
	report, err := api.reports.GetReport(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err, "failed to load report")
		return
	}
	if report.Status == domain.ReportStatusGenerating {
		w.Header().Set("Retry-After", "2")
	}
	writeJSON(w, http.StatusOK, toReportResponse(report))
}

// RegenerateReport handles POST /v1/reports/{id}/regenerate. The source
// record is left as it is; a new record is requested with its settings.
func (api *API) RegenerateReport(w http.ResponseWriter, r *http.Request) {
	reportID := r.PathValue("id")
	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	payloadHash := hashPayload(map[string]string{"regenerate": reportID})
	if idempotencyKey != "" && api.replay(w, r, idempotencyKey, payloadHash) {
		return
	}

	report, reused, err := api.reports.Regenerate(r.Context(), reportID)
	if err != nil {
		writeServiceError(w, r, err, "failed to regenerate report")
		return
	}
	if idempotencyKey != "" {
		api.idempotency.Put(idempotencyKey, payloadHash, report.ID)
	}
	writeReportAccepted(w, report, reused)
}

func (api *API) SetFavorite(w http.ResponseWriter, r *http.Request) {
	var request favoriteRequest
	if err := decodeJSON(r, &request); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	report, err := api.reports.SetFavorite(r.Context(), r.PathValue("id"), *request.Favorite)
	if err != nil {
		writeServiceError(w, r, err, "failed to update report")
		return
	}
	writeJSON(w, http.StatusOK, toReportResponse(report))
}

func (api *API) ListProfileReports(w http.ResponseWriter, r *http.Request) {
	reports, err := api.reports.ListReports(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err, "failed to list reports")
		return
	}
	items := make([]reportResponse, 0, len(reports))
	for index := range reports {
		items = append(items, toReportResponse(&reports[index]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (api *API) ListReportTypes(w http.ResponseWriter, r *http.Request) {
	types := api.catalog.Types()
	items := make([]map[string]string, 0, len(types))
	for _, reportType := range types {
		items = append(items, map[string]string{"type": reportType, "title": api.catalog.Title(reportType)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// replay answers a repeated Idempotency-Key with the record it produced.
// It reports whether the response was written.
func (api *API) replay(w http.ResponseWriter, r *http.Request, key string, payloadHash uint64) bool {
	entry, exists := api.idempotency.Get(key)
	if !exists {
		return false
	}
	if entry.PayloadHash != payloadHash {
		writeError(w, r, http.StatusConflict, "idempotency_conflict", "Idempotency-Key already used with different payload")
		return true
	}
	report, err := api.reports.GetReport(r.Context(), entry.ReportID)
	if err != nil {
		writeServiceError(w, r, err, "failed to load report")
		return true
	}
	writeReportAccepted(w, report, true)
	return true
}

func writeReportAccepted(w http.ResponseWriter, report *domain.Report, reused bool) {
	status := http.StatusAccepted
	if reused {
		status = http.StatusOK
	}
	w.Header().Set("Location", "/v1/reports/"+report.ID)
	if report.Status == domain.ReportStatusGenerating {
		w.Header().Set("Retry-After", "2")
	}
	writeJSON(w, status, toReportResponse(report))
}
