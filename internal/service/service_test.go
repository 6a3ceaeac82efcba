package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iago/jyotish-reports/internal/ai"
	"github.com/iago/jyotish-reports/internal/domain"
	"github.com/iago/jyotish-reports/internal/prompts"
	"github.com/iago/jyotish-reports/internal/queue"
	"github.com/iago/jyotish-reports/internal/repository"
	"github.com/iago/jyotish-reports/internal/worker"
	"github.com/stretchr/testify/require"
)

type upstreamStep struct {
	status int
	body   string
	frames []string
}

func streamStep(deltas ...string) upstreamStep {
	frames := make([]string, 0, len(deltas)+1)
	for _, delta := range deltas {
		frames = append(frames, `data: {"choices":[{"index":0,"delta":{"content":"`+delta+`"}}]}`+"\n\n")
	}
	return upstreamStep{frames: append(frames, "data: [DONE]\n\n")}
}

// scriptedUpstream answers the n-th request with the n-th step; the last
// step repeats.
type scriptedUpstream struct {
	mu    sync.Mutex
	steps []upstreamStep
	calls int
}

func (u *scriptedUpstream) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	u.mu.Lock()
	step := u.steps[len(u.steps)-1]
	if u.calls < len(u.steps) {
		step = u.steps[u.calls]
	}
	u.calls++
	u.mu.Unlock()

	if step.status != 0 && step.status != http.StatusOK {
		w.WriteHeader(step.status)
		_, _ = w.Write([]byte(step.body))
		return
	}
	if step.frames == nil {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(step.body))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	for _, frame := range step.frames {
		_, _ = w.Write([]byte(frame))
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (u *scriptedUpstream) Calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

type harness struct {
	reports  *repository.MemoryReportsRepository
	profiles *repository.MemoryProfilesRepository
	alerts   *repository.MemoryAlertsRepository
	broker   *queue.LocalBroker
	queue    *queue.Client
	upstream *scriptedUpstream
	llm      *ai.Client
	prompts  *prompts.Registry
	service  *ReportsService
	reportsP *worker.Processor
	alertsP  *worker.Processor
}

func newHarness(t *testing.T, apiKey string, steps ...upstreamStep) *harness {
	t.Helper()
	upstream := &scriptedUpstream{steps: steps}
	server := httptest.NewServer(upstream)
	t.Cleanup(server.Close)

	registry, err := prompts.Load("")
	require.NoError(t, err)

	h := &harness{
		reports:  repository.NewMemoryReportsRepository(),
		profiles: repository.NewMemoryProfilesRepository(),
		alerts:   repository.NewMemoryAlertsRepository(),
		broker:   queue.NewLocalBroker(),
		upstream: upstream,
		prompts:  registry,
	}
	h.queue = queue.NewClient(h.broker, nil)
	h.llm = ai.NewClient(ai.ClientConfig{
		Resolver:       ai.Resolver{DefaultProvider: ai.ProviderGoogle, GoogleAPIKey: apiKey},
		Endpoints:      ai.Endpoints{Google: server.URL, OpenRouter: server.URL},
		HTTPClient:     server.Client(),
		RequestTimeout: 5 * time.Second,
		IdleTimeout:    2 * time.Second,
	})
	h.service = NewReportsService(h.reports, h.profiles, h.queue, registry, h.llm, nil)

	h.reportsP = worker.NewProcessor(h.broker, worker.Config{Queue: domain.QueueReportGeneration, LeaseTTL: time.Minute}, nil, nil)
	h.reportsP.Handle(domain.JobTypeGenerateReport, NewReportJobHandler(h.reports, h.profiles, registry, h.llm, nil))
	h.alertsP = worker.NewProcessor(h.broker, worker.Config{Queue: domain.QueueAlertGeneration, LeaseTTL: time.Minute}, nil, nil)
	h.alertsP.Handle(domain.JobTypeGenerateAlerts, NewAlertJobHandler(h.alerts, h.profiles, registry, h.llm, nil))

	require.NoError(t, h.profiles.SaveProfile(context.Background(), &domain.Profile{
		ID:   "profile-1",
		Name: "Asha",
		Chart: domain.ChartData{
			Lagna:   &domain.Lagna{Sign: "Leo", SignNum: 5, Lord: "Sun"},
			Planets: map[string]domain.PlanetInfo{"Moon": {Sign: "Cancer", House: 12}},
		},
	}))
	return h
}

func (h *harness) request(t *testing.T) *domain.Report {
	t.Helper()
	report, reused, err := h.service.RequestReport(context.Background(), RequestReportInput{
		ProfileID:  "profile-1",
		ReportType: "career",
		Language:   domain.LanguageEnglish,
	})
	require.NoError(t, err)
	require.False(t, reused)
	return report
}

func (h *harness) runReportJob(t *testing.T) {
	t.Helper()
	processed, err := h.reportsP.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, processed)
}

func (h *harness) promote(t *testing.T, queueName string, after time.Duration) int {
	t.Helper()
	moved, err := h.broker.Promote(context.Background(), queueName, time.Now().Add(after))
	require.NoError(t, err)
	return moved
}

func (h *harness) report(t *testing.T, id string) *domain.Report {
	t.Helper()
	report, err := h.reports.GetReport(context.Background(), id)
	require.NoError(t, err)
	return report
}

func (h *harness) stats(t *testing.T, queueName string) queue.Stats {
	t.Helper()
	stats, err := h.broker.Stats(context.Background(), queueName)
	require.NoError(t, err)
	return stats
}

func TestReportJobRetriesTransientUpstreamErrorsThenCompletes(t *testing.T) {
	h := newHarness(t, "google-key",
		upstreamStep{status: http.StatusInternalServerError, body: "overloaded"},
		upstreamStep{status: http.StatusInternalServerError, body: "overloaded"},
		streamStep("Your ", "career ", "shines."),
	)
	report := h.request(t)

	h.runReportJob(t)
	require.Equal(t, domain.ReportStatusGenerating, h.report(t, report.ID).Status)
	require.Equal(t, 0, h.promote(t, domain.QueueReportGeneration, 1900*time.Millisecond))
	require.Equal(t, 1, h.promote(t, domain.QueueReportGeneration, 2100*time.Millisecond))

	h.runReportJob(t)
	require.Equal(t, domain.ReportStatusGenerating, h.report(t, report.ID).Status)
	require.Equal(t, 0, h.promote(t, domain.QueueReportGeneration, 3900*time.Millisecond))
	require.Equal(t, 1, h.promote(t, domain.QueueReportGeneration, 4100*time.Millisecond))

	h.runReportJob(t)
	final := h.report(t, report.ID)
	require.Equal(t, domain.ReportStatusComplete, final.Status)
	require.Equal(t, "Your career shines.", final.Content)
	require.NotNil(t, final.CompletedAt)
	require.Equal(t, 3, h.upstream.Calls())
	require.Equal(t, queue.Stats{Queue: domain.QueueReportGeneration}, h.stats(t, domain.QueueReportGeneration))
}

func TestReportJobTruncatedStreamIsRetriedNotCompleted(t *testing.T) {
	truncated := upstreamStep{frames: []string{`data: {"choices":[{"delta":{"content":"Partial "}}]}` + "\n\n"}}
	h := newHarness(t, "google-key", truncated)
	report := h.request(t)

	for attempt := 1; attempt <= 3; attempt++ {
		h.runReportJob(t)
		current := h.report(t, report.ID)
		if attempt < 3 {
			require.Equal(t, domain.ReportStatusGenerating, current.Status, "attempt %d", attempt)
			require.Equal(t, "Partial ", current.Content)
			require.Equal(t, attempt, current.Generation)
			require.Equal(t, 1, h.promote(t, domain.QueueReportGeneration, time.Minute))
		}
	}

	final := h.report(t, report.ID)
	require.Equal(t, domain.ReportStatusFailed, final.Status)
	require.Equal(t, 3, h.upstream.Calls())

	dead, err := h.broker.Dead(context.Background(), domain.QueueReportGeneration, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Contains(t, dead[0].LastError, domain.ErrIncompleteStream.Error())
}

func TestReportJobMissingCredentialFailsWithoutRetry(t *testing.T) {
	h := newHarness(t, "", streamStep("never"))
	report := h.request(t)
	require.Equal(t, "google", report.Provider)
	require.Equal(t, ai.DefaultGoogleModel, report.Model)

	h.runReportJob(t)

	require.Equal(t, domain.ReportStatusFailed, h.report(t, report.ID).Status)
	require.Zero(t, h.upstream.Calls())
	stats := h.stats(t, domain.QueueReportGeneration)
	require.Zero(t, stats.Delayed)
	require.Zero(t, stats.Pending)
	require.EqualValues(t, 1, stats.Dead)
}

func TestReportJobForMissingRecordFailsOnce(t *testing.T) {
	h := newHarness(t, "google-key", streamStep("never"))
	_, err := h.queue.EnqueueReportJob(context.Background(), "does-not-exist")
	require.NoError(t, err)

	h.runReportJob(t)

	stats := h.stats(t, domain.QueueReportGeneration)
	require.Zero(t, stats.Delayed)
	require.EqualValues(t, 1, stats.Dead)
	require.Zero(t, h.upstream.Calls())
}

func TestReportJobSkipsTerminalRecord(t *testing.T) {
	h := newHarness(t, "google-key", streamStep("never"))
	report := h.request(t)
	_, err := h.reports.Finalize(context.Background(), report.ID, repository.AnyGeneration, domain.ReportStatusFailed)
	require.NoError(t, err)

	h.runReportJob(t)

	require.Zero(t, h.upstream.Calls())
	require.Equal(t, queue.Stats{Queue: domain.QueueReportGeneration}, h.stats(t, domain.QueueReportGeneration))
}

func TestRequestReportReusesInFlightRecord(t *testing.T) {
	h := newHarness(t, "google-key", streamStep("ok"))
	first := h.request(t)

	second, reused, err := h.service.RequestReport(context.Background(), RequestReportInput{
		ProfileID:  "profile-1",
		ReportType: "career",
	})
	require.NoError(t, err)
	require.True(t, reused)
	require.Equal(t, first.ID, second.ID)
	require.EqualValues(t, 1, h.stats(t, domain.QueueReportGeneration).Pending)
}

func TestRequestReportValidation(t *testing.T) {
	h := newHarness(t, "google-key", streamStep("ok"))
	ctx := context.Background()

	_, _, err := h.service.RequestReport(ctx, RequestReportInput{ProfileID: "profile-1", ReportType: "tarot"})
	require.ErrorIs(t, err, domain.ErrUnknownReportType)

	_, _, err = h.service.RequestReport(ctx, RequestReportInput{ProfileID: "ghost", ReportType: "career"})
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, _, err = h.service.RequestReport(ctx, RequestReportInput{ProfileID: "profile-1", ReportType: "career", Language: "fr"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, _, err = h.service.RequestReport(ctx, RequestReportInput{ProfileID: "profile-1", ReportType: "career", Provider: "anthropic"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, _, err = h.service.RequestReport(ctx, RequestReportInput{ProfileID: "profile-1", ReportType: "career", Provider: "openrouter", Model: "gemini-2.5-flash"})
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.ErrorIs(t, err, ai.ErrInvalidModel)

	_, _, err = h.service.RequestReport(ctx, RequestReportInput{ReportType: "career"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	require.Zero(t, h.stats(t, domain.QueueReportGeneration).Pending)
}

type failingEnqueuer struct{}

func (failingEnqueuer) EnqueueReportJob(context.Context, string) (string, error) {
	return "", errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
}

func TestRequestReportEnqueueFailureFailsRecord(t *testing.T) {
	h := newHarness(t, "google-key", streamStep("ok"))
	svc := NewReportsService(h.reports, h.profiles, failingEnqueuer{}, h.prompts, h.llm, nil)

	_, _, err := svc.RequestReport(context.Background(), RequestReportInput{ProfileID: "profile-1", ReportType: "wealth"})
	require.ErrorIs(t, err, domain.ErrBrokerUnavailable)

	listed, err := h.reports.ListReports(context.Background(), "profile-1")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, domain.ReportStatusFailed, listed[0].Status)
}

func TestRegenerateCreatesNewRecord(t *testing.T) {
	h := newHarness(t, "google-key", streamStep("Fresh ", "text."))
	original := h.request(t)
	h.runReportJob(t)
	require.Equal(t, domain.ReportStatusComplete, h.report(t, original.ID).Status)

	regenerated, reused, err := h.service.Regenerate(context.Background(), original.ID)
	require.NoError(t, err)
	require.False(t, reused)
	require.NotEqual(t, original.ID, regenerated.ID)
	require.Equal(t, original.ReportType, regenerated.ReportType)
	require.Equal(t, domain.ReportStatusGenerating, regenerated.Status)

	h.runReportJob(t)
	require.Equal(t, "Fresh text.", h.report(t, regenerated.ID).Content)
	require.Equal(t, "Fresh text.", h.report(t, original.ID).Content)

	_, _, err = h.service.Regenerate(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAlertJobStoresCompletion(t *testing.T) {
	h := newHarness(t, "google-key", upstreamStep{
		body: `{"choices":[{"message":{"role":"assistant","content":"- Saturn aspects your Moon: rest on Saturday."}}]}`,
	})
	alerts := NewAlertsService(h.alerts, h.profiles, h.queue, nil)

	jobID, err := alerts.RequestAlerts(context.Background(), "profile-1")
	require.NoError(t, err)
	again, err := alerts.RequestAlerts(context.Background(), "profile-1")
	require.NoError(t, err)
	require.Equal(t, jobID, again)

	processed, err := h.alertsP.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	stored, err := alerts.ListAlerts(context.Background(), "profile-1", 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.True(t, strings.HasPrefix(stored[0].Content, "- Saturn aspects your Moon"))
	require.Equal(t, ai.DefaultGoogleModel, stored[0].Model)

	_, err = alerts.RequestAlerts(context.Background(), "ghost")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
