package repository

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iago/jyotish-reports/internal/domain"
)

type ProfilesRepository interface {
	GetProfile(ctx context.Context, profileID string) (*domain.Profile, error)
	SaveProfile(ctx context.Context, profile *domain.Profile) error
}

type AlertsRepository interface {
	CreateAlert(ctx context.Context, alert *domain.Alert) error
	// ListAlerts returns the newest alerts first; limit <= 0 means all.
	ListAlerts(ctx context.Context, profileID string, limit int) ([]domain.Alert, error)
}

type MemoryProfilesRepository struct {
	mu       sync.RWMutex
	profiles map[string]*domain.Profile
}

func NewMemoryProfilesRepository() *MemoryProfilesRepository {
	return &MemoryProfilesRepository{profiles: make(map[string]*domain.Profile)}
}

func (r *MemoryProfilesRepository) GetProfile(_ context.Context, profileID string) (*domain.Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	profile, ok := r.profiles[profileID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *profile
	return &clone, nil
}

func (r *MemoryProfilesRepository) SaveProfile(_ context.Context, profile *domain.Profile) error {
	if strings.TrimSpace(profile.ID) == "" {
		return errors.New("profile id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	clone := *profile
	if clone.UpdatedAt.IsZero() {
		clone.UpdatedAt = time.Now().UTC()
	}
	r.profiles[profile.ID] = &clone
	return nil
}

type MemoryAlertsRepository struct {
	mu     sync.RWMutex
	alerts []domain.Alert
}

func NewMemoryAlertsRepository() *MemoryAlertsRepository {
	return &MemoryAlertsRepository{}
}

func (r *MemoryAlertsRepository) CreateAlert(_ context.Context, alert *domain.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	r.alerts = append(r.alerts, *alert)
	return nil
}

func (r *MemoryAlertsRepository) ListAlerts(_ context.Context, profileID string, limit int) ([]domain.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]domain.Alert, 0)
	for _, alert := range r.alerts {
		if alert.ProfileID == profileID {
			items = append(items, alert)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}
