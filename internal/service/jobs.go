package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/bytedance/sonic"
	"github.com/iago/jyotish-reports/internal/ai"
	"github.com/iago/jyotish-reports/internal/domain"
	"github.com/iago/jyotish-reports/internal/metrics"
	"github.com/iago/jyotish-reports/internal/quality"
	"github.com/iago/jyotish-reports/internal/repository"
)

// CompletionClient is the LLM surface the job handlers drive. *ai.Client
// implements it.
type CompletionClient interface {
	Resolve(partial ai.ModelConfig) (ai.ModelConfig, error)
	OpenStream(ctx context.Context, partial ai.ModelConfig, messages []domain.ChatMessage) (*ai.Stream, error)
	Complete(ctx context.Context, partial ai.ModelConfig, messages []domain.ChatMessage) (string, error)
}

// ReportJobHandler runs one attempt of a generate-report job: it restarts
// the record's content, streams the completion into it and finalizes it.
type ReportJobHandler struct {
	reports  repository.ReportsRepository
	profiles repository.ProfilesRepository
	prompts  PromptCatalog
	llm      CompletionClient
	logger   *log.Logger
	metrics  *metrics.Metrics
}

func NewReportJobHandler(
	reports repository.ReportsRepository,
	profiles repository.ProfilesRepository,
	prompts PromptCatalog,
	llm CompletionClient,
	logger *log.Logger,
) *ReportJobHandler {
	return &ReportJobHandler{reports: reports, profiles: profiles, prompts: prompts, llm: llm, logger: logger}
}

// WithMetrics records the review score of every completed report.
func (h *ReportJobHandler) WithMetrics(m *metrics.Metrics) *ReportJobHandler {
	h.metrics = m
	return h
}

func (h *ReportJobHandler) Process(ctx context.Context, job domain.Job) error {
	payload, err := decodeReportPayload(job)
	if err != nil {
		return err
	}

	report, err := h.reports.GetReport(ctx, payload.ReportID)
	if err != nil {
		return fmt.Errorf("load report %s: %w", payload.ReportID, err)
	}
	if report.Status.Terminal() {
		h.logf("report job skipped report_id=%s status=%s job_id=%s", report.ID, report.Status, job.ID)
		return nil
	}

	profile, err := h.profiles.GetProfile(ctx, report.ProfileID)
	if err != nil {
		return fmt.Errorf("load profile %s: %w", report.ProfileID, err)
	}
	messages, err := h.prompts.Messages(report.ReportType, profile.Chart, report.Language)
	if err != nil {
		return err
	}
	provider, err := ai.ParseProvider(report.Provider)
	if err != nil {
		return domain.Permanent(err)
	}

	stream, err := h.llm.OpenStream(ctx, ai.ModelConfig{Provider: provider, Model: report.Model}, messages)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	// every attempt starts from empty: a crashed attempt's partial text is
	// not a prefix of this completion
	restarted, err := h.reports.RestartContent(ctx, report.ID)
	if err != nil {
		return h.settleRejectedWrite(report.ID, "restart", err)
	}
	generation := restarted.Generation

	deltas := 0
	for {
		event := stream.Recv()
		switch event.Kind {
		case domain.StreamTokenDelta:
			if err := h.reports.AppendContent(ctx, report.ID, generation, event.Delta); err != nil {
				return h.settleRejectedWrite(report.ID, "append", err)
			}
			deltas++
		case domain.StreamEnd:
			finished, err := h.reports.Finalize(ctx, report.ID, generation, domain.ReportStatusComplete)
			if err != nil {
				return h.settleRejectedWrite(report.ID, "finalize", err)
			}
			h.logf(
				"report completed report_id=%s job_id=%s attempt=%d generation=%d deltas=%d",
				report.ID, job.ID, job.Attempt, generation, deltas,
			)
			h.review(finished)
			return nil
		default:
			h.logf(
				"report stream failed report_id=%s job_id=%s attempt=%d deltas=%d err=%v",
				report.ID, job.ID, job.Attempt, deltas, event.Err,
			)
			return event.Err
		}
	}
}

func (h *ReportJobHandler) review(report *domain.Report) {
	if report == nil {
		return
	}
	assessment := quality.ReviewReport(report.Content, report.Language)
	h.metrics.ReportQuality(report.ReportType, assessment.Score)
	if !assessment.Passed() {
		h.logf(
			"report quality report_id=%s score=%.2f words=%d chapters=%d findings=%v",
			report.ID, assessment.Score, assessment.Words, assessment.Chapters, assessment.Findings,
		)
	}
}

// OnFinalFailure marks the record failed once the job will not run again.
func (h *ReportJobHandler) OnFinalFailure(ctx context.Context, job domain.Job, cause error) {
	payload, err := decodeReportPayload(job)
	if err != nil {
		return
	}
	_, err = h.reports.Finalize(ctx, payload.ReportID, repository.AnyGeneration, domain.ReportStatusFailed)
	switch {
	case err == nil:
		h.logf("report failed report_id=%s job_id=%s attempts=%d err=%v", payload.ReportID, job.ID, job.Attempt, cause)
	case errors.Is(err, repository.ErrReportFinalized), errors.Is(err, repository.ErrNotFound):
	default:
		h.logf("report fail marking failed report_id=%s job_id=%s err=%v", payload.ReportID, job.ID, err)
	}
}

// settleRejectedWrite turns a refused store write into the job result. A
// record finalized elsewhere ends the job; anything else is retried.
func (h *ReportJobHandler) settleRejectedWrite(reportID, op string, err error) error {
	if errors.Is(err, repository.ErrReportFinalized) {
		h.logf("report %s skipped on finalized record report_id=%s", op, reportID)
		return nil
	}
	return fmt.Errorf("report %s: %w", op, err)
}

func (h *ReportJobHandler) logf(format string, args ...any) {
	if h.logger != nil {
		h.logger.Printf(format, args...)
	}
}

// AlertJobHandler runs one generate-alerts job with a non-streaming
// completion and stores the result as a new alert.
type AlertJobHandler struct {
	alerts   repository.AlertsRepository
	profiles repository.ProfilesRepository
	prompts  PromptCatalog
	llm      CompletionClient
	logger   *log.Logger
}

func NewAlertJobHandler(
	alerts repository.AlertsRepository,
	profiles repository.ProfilesRepository,
	prompts PromptCatalog,
	llm CompletionClient,
	logger *log.Logger,
) *AlertJobHandler {
	return &AlertJobHandler{alerts: alerts, profiles: profiles, prompts: prompts, llm: llm, logger: logger}
}

func (h *AlertJobHandler) Process(ctx context.Context, job domain.Job) error {
	var payload domain.AlertJobPayload
	if err := sonic.Unmarshal(job.Payload, &payload); err != nil {
		return domain.Permanent(fmt.Errorf("decode alert job payload: %w", err))
	}
	if payload.ProfileID == "" {
		return domain.Permanent(errors.New("alert job payload without profile id"))
	}

	profile, err := h.profiles.GetProfile(ctx, payload.ProfileID)
	if err != nil {
		return fmt.Errorf("load profile %s: %w", payload.ProfileID, err)
	}
	messages, err := h.prompts.AlertMessages(profile.Chart, domain.LanguageEnglish)
	if err != nil {
		return err
	}

	model, err := h.llm.Resolve(ai.ModelConfig{})
	if err != nil {
		return err
	}
	content, err := h.llm.Complete(ctx, model, messages)
	if err != nil {
		return fmt.Errorf("complete alerts: %w", err)
	}

	content, err = quality.NormalizeAlert(content)
	if err != nil {
		return fmt.Errorf("alerts for profile %s: %w", profile.ID, err)
	}

	alert := &domain.Alert{ProfileID: profile.ID, Model: model.Model, Content: content}
	if err := h.alerts.CreateAlert(ctx, alert); err != nil {
		return fmt.Errorf("store alert: %w", err)
	}
	h.logf("alerts generated profile_id=%s alert_id=%s job_id=%s model=%s", profile.ID, alert.ID, job.ID, model.Model)
	return nil
}

func (h *AlertJobHandler) logf(format string, args ...any) {
	if h.logger != nil {
		h.logger.Printf(format, args...)
	}
}

func decodeReportPayload(job domain.Job) (domain.ReportJobPayload, error) {
	var payload domain.ReportJobPayload
	if err := sonic.Unmarshal(job.Payload, &payload); err != nil {
		return payload, domain.Permanent(fmt.Errorf("decode report job payload: %w", err))
	}
	if payload.ReportID == "" {
		return payload, domain.Permanent(errors.New("report job payload without report id"))
	}
	return payload, nil
}
