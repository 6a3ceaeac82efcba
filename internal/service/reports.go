package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/iago/jyotish-reports/internal/ai"
	"github.com/iago/jyotish-reports/internal/domain"
	"github.com/iago/jyotish-reports/internal/repository"
)

// ErrInvalidRequest marks caller input the services refuse before touching
// any store.
var ErrInvalidRequest = errors.New("invalid request")

// ReportEnqueuer is the producer side used by the report endpoints.
type ReportEnqueuer interface {
	EnqueueReportJob(ctx context.Context, reportID string) (string, error)
}

// PromptCatalog is the part of the prompt registry the services need.
type PromptCatalog interface {
	Has(reportType string) bool
	Messages(reportType string, chart domain.ChartData, language domain.Language) ([]domain.ChatMessage, error)
	AlertMessages(chart domain.ChartData, language domain.Language) ([]domain.ChatMessage, error)
}

// ModelResolver fills provider and model defaults.
type ModelResolver interface {
	Resolve(partial ai.ModelConfig) (ai.ModelConfig, error)
}

type RequestReportInput struct {
	ProfileID  string
	ReportType string
	Language   domain.Language
	Provider   string
	Model      string
}

type ReportsService struct {
	reports  repository.ReportsRepository
	profiles repository.ProfilesRepository
	queue    ReportEnqueuer
	prompts  PromptCatalog
	models   ModelResolver
	logger   *log.Logger
}

func NewReportsService(
	reports repository.ReportsRepository,
	profiles repository.ProfilesRepository,
	queue ReportEnqueuer,
	prompts PromptCatalog,
	models ModelResolver,
	logger *log.Logger,
) *ReportsService {
	return &ReportsService{
		reports:  reports,
		profiles: profiles,
		queue:    queue,
		prompts:  prompts,
		models:   models,
		logger:   logger,
	}
}

// RequestReport creates a generating record and enqueues its job. While a
// record for the same profile, type and language is still generating, that
// record is returned with reused set and no second record is created.
func (s *ReportsService) RequestReport(ctx context.Context, input RequestReportInput) (*domain.Report, bool, error) {
	profileID := strings.TrimSpace(input.ProfileID)
	if profileID == "" {
		return nil, false, fmt.Errorf("%w: profile id is required", ErrInvalidRequest)
	}
	if !s.prompts.Has(input.ReportType) {
		return nil, false, fmt.Errorf("%w: %q", domain.ErrUnknownReportType, input.ReportType)
	}
	language := input.Language
	if language == "" {
		language = domain.LanguageEnglish
	}
	if language != domain.LanguageEnglish && language != domain.LanguageHindi {
		return nil, false, fmt.Errorf("%w: unsupported language %q", ErrInvalidRequest, language)
	}

	model, err := s.resolveModel(input.Provider, input.Model)
	if err != nil {
		return nil, false, err
	}

	if _, err := s.profiles.GetProfile(ctx, profileID); err != nil {
		return nil, false, fmt.Errorf("load profile: %w", err)
	}

	report, reused, err := s.reports.CreateReport(ctx, &domain.Report{
		ProfileID:  profileID,
		ReportType: input.ReportType,
		Language:   language,
		Provider:   model.Provider.String(),
		Model:      model.Model,
	})
	if err != nil {
		return nil, false, fmt.Errorf("create report: %w", err)
	}

	// a reused record is enqueued again so a record orphaned by a crash
	// between create and enqueue still gets a job; the queue's unique key
	// collapses the duplicate
	jobID, err := s.queue.EnqueueReportJob(ctx, report.ID)
	if err != nil {
		if !reused {
			if _, finalizeErr := s.reports.Finalize(context.WithoutCancel(ctx), report.ID, repository.AnyGeneration, domain.ReportStatusFailed); finalizeErr != nil {
				s.logf("report finalize after enqueue failure failed report_id=%s err=%v", report.ID, finalizeErr)
			}
		}
		s.logf("report enqueue failed report_id=%s err=%v", report.ID, err)
		if !errors.Is(err, domain.ErrBrokerUnavailable) {
			err = fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
		}
		return nil, false, err
	}

	s.logf(
		"report requested report_id=%s job_id=%s type=%s language=%s provider=%s model=%s reused=%t",
		report.ID, jobID, report.ReportType, report.Language, report.Provider, report.Model, reused,
	)
	return report, reused, nil
}

// Regenerate requests a fresh record with the settings of an existing one.
// The existing record is left untouched.
func (s *ReportsService) Regenerate(ctx context.Context, reportID string) (*domain.Report, bool, error) {
	existing, err := s.reports.GetReport(ctx, reportID)
	if err != nil {
		return nil, false, err
	}
	return s.RequestReport(ctx, RequestReportInput{
		ProfileID:  existing.ProfileID,
		ReportType: existing.ReportType,
		Language:   existing.Language,
		Provider:   existing.Provider,
		Model:      existing.Model,
	})
}

func (s *ReportsService) GetReport(ctx context.Context, reportID string) (*domain.Report, error) {
	return s.reports.GetReport(ctx, reportID)
}

func (s *ReportsService) ListReports(ctx context.Context, profileID string) ([]domain.Report, error) {
	return s.reports.ListReports(ctx, profileID)
}

func (s *ReportsService) SetFavorite(ctx context.Context, reportID string, favorite bool) (*domain.Report, error) {
	return s.reports.SetFavorite(ctx, reportID, favorite)
}

// resolveModel fills provider and model defaults. A missing credential is
// not an error here: the job fails on it without consuming retries.
func (s *ReportsService) resolveModel(rawProvider, model string) (ai.ModelConfig, error) {
	provider, err := ai.ParseProvider(rawProvider)
	if err != nil {
		return ai.ModelConfig{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	resolved, err := s.models.Resolve(ai.ModelConfig{Provider: provider, Model: model})
	if err != nil && !errors.Is(err, domain.ErrMissingCredential) {
		return ai.ModelConfig{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return resolved, nil
}

func (s *ReportsService) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
