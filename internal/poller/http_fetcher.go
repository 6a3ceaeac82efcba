package poller

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/iago/jyotish-reports/internal/domain"
)

// HTTPFetcher reads records from GET {BaseURL}/v1/reports/{id}.
type HTTPFetcher struct {
	BaseURL    string
	AuthToken  string
	HTTPClient *http.Client
}

type reportBody struct {
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

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (f HTTPFetcher) FetchReport(ctx context.Context, reportID string) (*domain.Report, error) {
	endpoint := strings.TrimRight(f.BaseURL, "/") + "/v1/reports/" + url.PathEscape(reportID)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create report request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if token := strings.TrimSpace(f.AuthToken); token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	client := f.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	response, err := client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("fetch report: %w", err)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(response.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read report response: %w", err)
	}

	if response.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("report %s: %w", reportID, domain.ErrNotFound)
	}
	if response.StatusCode != http.StatusOK {
		var failure errorBody
		if sonic.Unmarshal(raw, &failure) == nil && failure.Error.Code != "" {
			return nil, fmt.Errorf("fetch report: status %d %s: %s", response.StatusCode, failure.Error.Code, failure.Error.Message)
		}
		return nil, fmt.Errorf("fetch report: status %d", response.StatusCode)
	}

	var body reportBody
	if err := sonic.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode report response: %w", err)
	}
	return &domain.Report{
		ID:          body.ID,
		ProfileID:   body.ProfileID,
		ReportType:  body.ReportType,
		Language:    domain.Language(body.Language),
		Provider:    body.Provider,
		Model:       body.Model,
		Content:     body.Content,
		Status:      domain.ReportStatus(body.Status),
		Generation:  body.Generation,
		Favorite:    body.Favorite,
		CreatedAt:   body.CreatedAt,
		UpdatedAt:   body.UpdatedAt,
		CompletedAt: body.CompletedAt,
	}, nil
}
