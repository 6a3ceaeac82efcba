package service

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/iago/jyotish-reports/internal/domain"
	"github.com/iago/jyotish-reports/internal/repository"
)

type AlertEnqueuer interface {
	EnqueueAlertJob(ctx context.Context, profileID string) (string, error)
}

// defaultAlertListLimit bounds GET /alerts when the caller sends no limit.
const defaultAlertListLimit = 20

type AlertsService struct {
	alerts   repository.AlertsRepository
	profiles repository.ProfilesRepository
	queue    AlertEnqueuer
	logger   *log.Logger
}

func NewAlertsService(
	alerts repository.AlertsRepository,
	profiles repository.ProfilesRepository,
	queue AlertEnqueuer,
	logger *log.Logger,
) *AlertsService {
	return &AlertsService{alerts: alerts, profiles: profiles, queue: queue, logger: logger}
}

// RequestAlerts enqueues alert generation for a stored profile and returns
// the job id. A request while a job for the profile is unfinished returns
// that job's id.
func (s *AlertsService) RequestAlerts(ctx context.Context, profileID string) (string, error) {
	profileID = strings.TrimSpace(profileID)
	if profileID == "" {
		return "", fmt.Errorf("%w: profile id is required", ErrInvalidRequest)
	}
	if _, err := s.profiles.GetProfile(ctx, profileID); err != nil {
		return "", fmt.Errorf("load profile: %w", err)
	}

	jobID, err := s.queue.EnqueueAlertJob(ctx, profileID)
	if err != nil {
		s.logf("alerts enqueue failed profile_id=%s err=%v", profileID, err)
		return "", fmt.Errorf("enqueue alerts: %w", err)
	}
	s.logf("alerts requested profile_id=%s job_id=%s", profileID, jobID)
	return jobID, nil
}

func (s *AlertsService) ListAlerts(ctx context.Context, profileID string, limit int) ([]domain.Alert, error) {
	if limit <= 0 {
		limit = defaultAlertListLimit
	}
	return s.alerts.ListAlerts(ctx, profileID, limit)
}

func (s *AlertsService) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

type ProfilesService struct {
	profiles repository.ProfilesRepository
}

func NewProfilesService(profiles repository.ProfilesRepository) *ProfilesService {
	return &ProfilesService{profiles: profiles}
}

func (s *ProfilesService) SaveProfile(ctx context.Context, profile *domain.Profile) error {
	if strings.TrimSpace(profile.ID) == "" {
		return fmt.Errorf("%w: profile id is required", ErrInvalidRequest)
	}
	return s.profiles.SaveProfile(ctx, profile)
}

func (s *ProfilesService) GetProfile(ctx context.Context, profileID string) (*domain.Profile, error) {
	return s.profiles.GetProfile(ctx, profileID)
}
