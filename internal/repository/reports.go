package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iago/jyotish-reports/internal/domain"
)

var (
	ErrNotFound        = domain.ErrNotFound
	ErrReportFinalized = domain.ErrReportFinalized
	ErrStaleGeneration = domain.ErrStaleGeneration
)

// AnyGeneration disables the generation fence on Finalize.
const AnyGeneration = 0

// ReportsRepository persists Report Records. Content and status only change
// while a record is generating; every write against a terminal record fails
// with ErrReportFinalized and changes nothing.
type ReportsRepository interface {
	// CreateReport stores a new generating record. When a record with the
	// same profile, type and language is still generating it is returned
	// instead and reused is true.
	CreateReport(ctx context.Context, report *domain.Report) (stored *domain.Report, reused bool, err error)
	GetReport(ctx context.Context, reportID string) (*domain.Report, error)
	ListReports(ctx context.Context, profileID string) ([]domain.Report, error)
	// RestartContent empties the content and starts a new generation.
	RestartContent(ctx context.Context, reportID string) (*domain.Report, error)
	// AppendContent appends delta when generation is still the current one.
	AppendContent(ctx context.Context, reportID string, generation int, delta string) error
	Finalize(ctx context.Context, reportID string, generation int, status domain.ReportStatus) (*domain.Report, error)
	SetFavorite(ctx context.Context, reportID string, favorite bool) (*domain.Report, error)
}

// MemoryReportsRepository stores reports in memory for local development.
type MemoryReportsRepository struct {
	mu      sync.RWMutex
	reports map[string]*domain.Report
	now     func() time.Time
}

func NewMemoryReportsRepository() *MemoryReportsRepository {
	return &MemoryReportsRepository{
		reports: make(map[string]*domain.Report),
		now:     time.Now,
	}
}

func (r *MemoryReportsRepository) CreateReport(_ context.Context, report *domain.Report) (*domain.Report, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.reports {
		if existing.Status == domain.ReportStatusGenerating &&
			existing.ProfileID == report.ProfileID &&
			existing.ReportType == report.ReportType &&
			existing.Language == report.Language {
			return cloneReport(existing), true, nil
		}
	}

	stored := newGeneratingReport(report, r.now().UTC())
	if _, exists := r.reports[stored.ID]; exists {
		return nil, false, fmt.Errorf("report %s already exists", stored.ID)
	}
	r.reports[stored.ID] = stored
	return cloneReport(stored), false, nil
}

func (r *MemoryReportsRepository) GetReport(_ context.Context, reportID string) (*domain.Report, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	report, ok := r.reports[reportID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneReport(report), nil
}

func (r *MemoryReportsRepository) ListReports(_ context.Context, profileID string) ([]domain.Report, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]domain.Report, 0)
	for _, report := range r.reports {
		if report.ProfileID != profileID {
			continue
		}
		items = append(items, *cloneReport(report))
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return items, nil
}

func (r *MemoryReportsRepository) RestartContent(_ context.Context, reportID string) (*domain.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	report, err := r.generating(reportID)
	if err != nil {
		return nil, err
	}
	report.Content = ""
	report.Generation++
	report.UpdatedAt = r.now().UTC()
	return cloneReport(report), nil
}

func (r *MemoryReportsRepository) AppendContent(_ context.Context, reportID string, generation int, delta string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	report, err := r.generating(reportID)
	if err != nil {
		return err
	}
	if report.Generation != generation {
		return ErrStaleGeneration
	}
	report.Content += delta
	report.UpdatedAt = r.now().UTC()
	return nil
}

func (r *MemoryReportsRepository) Finalize(
	_ context.Context,
	reportID string,
	generation int,
	status domain.ReportStatus,
) (*domain.Report, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("finalize report with non-terminal status %q", status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	report, err := r.generating(reportID)
	if err != nil {
		return nil, err
	}
	if generation != AnyGeneration && report.Generation != generation {
		return nil, ErrStaleGeneration
	}
	now := r.now().UTC()
	report.Status = status
	report.UpdatedAt = now
	report.CompletedAt = &now
	return cloneReport(report), nil
}

func (r *MemoryReportsRepository) SetFavorite(_ context.Context, reportID string, favorite bool) (*domain.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	report, ok := r.reports[reportID]
	if !ok {
		return nil, ErrNotFound
	}
	report.Favorite = favorite
	report.UpdatedAt = r.now().UTC()
	return cloneReport(report), nil
}

// generating must be called with the write lock held.
func (r *MemoryReportsRepository) generating(reportID string) (*domain.Report, error) {
	report, ok := r.reports[reportID]
	if !ok {
		return nil, ErrNotFound
	}
	if report.Status.Terminal() {
		return nil, ErrReportFinalized
	}
	return report, nil
}

func newGeneratingReport(report *domain.Report, now time.Time) *domain.Report {
	stored := &domain.Report{
		ID:         strings.TrimSpace(report.ID),
		ProfileID:  report.ProfileID,
		ReportType: report.ReportType,
		Language:   report.Language,
		Provider:   report.Provider,
		Model:      report.Model,
		Status:     domain.ReportStatusGenerating,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Language == "" {
		stored.Language = domain.LanguageEnglish
	}
	return stored
}

func cloneReport(report *domain.Report) *domain.Report {
	if report == nil {
		return nil
	}
	clone := *report
	if report.CompletedAt != nil {
		completedAt := *report.CompletedAt
		clone.CompletedAt = &completedAt
	}
	return &clone
}
