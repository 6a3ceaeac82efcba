package poller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/iago/jyotish-reports/internal/domain"
)

const (
	DefaultInterval    = 2 * time.Second
	DefaultMaxAttempts = 150
)

type Outcome string

const (
	OutcomeComplete Outcome = "complete"
	OutcomeFailed   Outcome = "failed"
	// OutcomeTimedOut means the record was still generating when the poll
	// budget ran out; the result carries the last content seen.
	OutcomeTimedOut Outcome = "timed_out"
)

// Fetcher reads the current state of one Report Record.
type Fetcher interface {
	FetchReport(ctx context.Context, reportID string) (*domain.Report, error)
}

type FetcherFunc func(ctx context.Context, reportID string) (*domain.Report, error)

func (f FetcherFunc) FetchReport(ctx context.Context, reportID string) (*domain.Report, error) {
	return f(ctx, reportID)
}

type Config struct {
	Interval    time.Duration
	MaxAttempts int
	Logger      *log.Logger
}

// Update is one observed change of the record. Restarted is set when a
// retry emptied the content and started a new generation; the content is a
// fresh preview, not a continuation.
type Update struct {
	Report    domain.Report
	Restarted bool
}

type Result struct {
	Report   domain.Report
	Outcome  Outcome
	Attempts int
	Restarts int
}

// Poller reads a record at a fixed interval until it is terminal or the
// attempt budget is spent. It never treats a generating record as done.
type Poller struct {
	fetcher Fetcher
	cfg     Config
	sleep   func(ctx context.Context, d time.Duration) bool
}

func New(fetcher Fetcher, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Poller{fetcher: fetcher, cfg: cfg, sleep: sleep}
}

// Poll fetches reportID up to MaxAttempts times. onUpdate, when set, is
// called for the first snapshot and for every snapshot whose content,
// status or generation changed. A missing record ends the poll with
// ErrNotFound; other fetch errors are retried within the budget.
func (p *Poller) Poll(ctx context.Context, reportID string, onUpdate func(Update)) (Result, error) {
	var (
		last    *domain.Report
		lastErr error
		result  Result
	)

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		result.Attempts = attempt

		report, err := p.fetcher.FetchReport(ctx, reportID)
		switch {
		case err == nil:
			update := Update{Report: *report}
			if last != nil && report.Generation > last.Generation {
				update.Restarted = true
				result.Restarts++
				p.logf("report content restarted report_id=%s generation=%d", reportID, report.Generation)
			} else if last != nil && report.Generation == last.Generation && !strings.HasPrefix(report.Content, last.Content) {
				p.logf("report content shrank report_id=%s generation=%d", reportID, report.Generation)
			}
			if onUpdate != nil && changed(last, report) {
				onUpdate(update)
			}
			last = report
			lastErr = nil

			switch report.Status {
			case domain.ReportStatusComplete:
				result.Report, result.Outcome = *report, OutcomeComplete
				return result, nil
			case domain.ReportStatusFailed:
				result.Report, result.Outcome = *report, OutcomeFailed
				return result, nil
			}
		case errors.Is(err, domain.ErrNotFound):
			return result, fmt.Errorf("poll report %s: %w", reportID, err)
		case ctx.Err() != nil:
			return p.stopped(result, last), ctx.Err()
		default:
			lastErr = err
			p.logf("report poll failed report_id=%s attempt=%d err=%v", reportID, attempt, err)
		}

		if attempt == p.cfg.MaxAttempts {
			break
		}
		if !p.sleep(ctx, p.cfg.Interval) {
			return p.stopped(result, last), ctx.Err()
		}
	}

	if last == nil {
		return result, fmt.Errorf("poll report %s: no snapshot after %d attempts: %w", reportID, result.Attempts, lastErr)
	}
	p.logf("report poll timed out report_id=%s attempts=%d content_bytes=%d", reportID, result.Attempts, len(last.Content))
	result.Report, result.Outcome = *last, OutcomeTimedOut
	return result, nil
}

func (p *Poller) stopped(result Result, last *domain.Report) Result {
	if last != nil {
		result.Report = *last
	}
	result.Outcome = OutcomeTimedOut
	return result
}

func changed(previous, current *domain.Report) bool {
	if previous == nil {
		return true
	}
	return previous.Content != current.Content ||
		previous.Status != current.Status ||
		previous.Generation != current.Generation
}

func (p *Poller) logf(format string, args ...any) {
	if p.cfg.Logger != nil {
		p.cfg.Logger.Printf(format, args...)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
