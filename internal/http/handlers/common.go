package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
	"github.com/iago/jyotish-reports/internal/domain"
	"github.com/iago/jyotish-reports/internal/http/middleware"
	"github.com/iago/jyotish-reports/internal/service"
)

var (
	errInvalidPayload = errors.New("invalid payload")
	validate          = validator.New()
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// ReportCatalog lists the report types requests may name.
type ReportCatalog interface {
	Types() []string
	Title(reportType string) string
}

type Dependencies struct {
	Reports  *service.ReportsService
	Alerts   *service.AlertsService
	Profiles *service.ProfilesService
	Catalog  ReportCatalog
	Models   ModelCatalog
	Checks   map[string]HealthCheck
}

type API struct {
	reports     *service.ReportsService
	alerts      *service.AlertsService
	profiles    *service.ProfilesService
	catalog     ReportCatalog
	models      ModelCatalog
	checks      map[string]HealthCheck
	idempotency *idempotencyStore
}

func NewAPI(deps Dependencies) *API {
	return &API{
		reports:     deps.Reports,
		alerts:      deps.Alerts,
		profiles:    deps.Profiles,
		catalog:     deps.Catalog,
		models:      deps.Models,
		checks:      deps.Checks,
		idempotency: newIdempotencyStore(10 * time.Minute),
	}
}

type errorPayload struct {
	Error struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Fields  map[string]string `json:"fields,omitempty"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

func writeValidationError(w http.ResponseWriter, r *http.Request, err error) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = "invalid_request"
	payload.Error.Message = "validation failed"
	var fieldErrors validator.ValidationErrors
	if errors.As(err, &fieldErrors) {
		payload.Error.Fields = make(map[string]string, len(fieldErrors))
		for _, fieldErr := range fieldErrors {
			payload.Error.Fields[fieldErr.Field()] = "failed " + fieldErr.Tag()
		}
	}
	writeJSON(w, http.StatusBadRequest, payload)
}

// writeServiceError maps service and store errors onto the error envelope.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, domain.ErrUnknownReportType):
		writeError(w, r, http.StatusBadRequest, "unknown_report_type", err.Error())
	case errors.Is(err, service.ErrInvalidRequest):
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, domain.ErrBrokerUnavailable):
		w.Header().Set("Retry-After", "5")
		writeError(w, r, http.StatusServiceUnavailable, "broker_unavailable", "job queue is unavailable, try again")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal_error", fallback)
	}
}

// decodeJSON decodes the body into value and runs its validate tags.
// A decode failure is errInvalidPayload; a tag failure is the validator's
// error.
func decodeJSON(r *http.Request, value any) error {
	decoder := sonic.ConfigStd.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return errInvalidPayload
	}
	return validate.Struct(value)
}

func writeDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errInvalidPayload) {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	writeValidationError(w, r, err)
}

type idempotencyEntry struct {
	PayloadHash uint64
	ReportID    string
	CreatedAt   time.Time
}

// idempotencyStore remembers which record an Idempotency-Key produced so a
// repeated click replays the first answer instead of requesting again.
type idempotencyStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]idempotencyEntry
}

func newIdempotencyStore(ttl time.Duration) *idempotencyStore {
	return &idempotencyStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]idempotencyEntry),
	}
}

func (s *idempotencyStore) Get(key string) (idempotencyEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if ok && s.now().Sub(entry.CreatedAt) > s.ttl {
		delete(s.entries, key)
		return idempotencyEntry{}, false
	}
	return entry, ok
}

func (s *idempotencyStore) Put(key string, payloadHash uint64, reportID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for existing, entry := range s.entries {
		if now.Sub(entry.CreatedAt) > s.ttl {
			delete(s.entries, existing)
		}
	}
	s.entries[key] = idempotencyEntry{
		PayloadHash: payloadHash,
		ReportID:    reportID,
		CreatedAt:   now,
	}
}

func hashPayload(value any) uint64 {
	payload, _ := json.Marshal(value)
	hasher := fnv.New64a()
	_, _ = hasher.Write(payload)
	return hasher.Sum64()
}
