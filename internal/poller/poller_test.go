package poller

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iago/jyotish-reports/internal/domain"
	"github.com/stretchr/testify/require"
)

// scriptedFetcher returns snapshots in order; the last one repeats.
type scriptedFetcher struct {
	mu        sync.Mutex
	snapshots []domain.Report
	errs      map[int]error
	calls     int
}

func (f *scriptedFetcher) FetchReport(_ context.Context, _ string) (*domain.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.errs[f.calls]; ok {
		return nil, err
	}
	index := f.calls - 1
	if index >= len(f.snapshots) {
		index = len(f.snapshots) - 1
	}
	snapshot := f.snapshots[index]
	return &snapshot, nil
}

func newTestPoller(fetcher Fetcher, maxAttempts int) (*Poller, *[]time.Duration) {
	p := New(fetcher, Config{MaxAttempts: maxAttempts})
	slept := make([]time.Duration, 0)
	p.sleep = func(_ context.Context, d time.Duration) bool {
		slept = append(slept, d)
		return true
	}
	return p, &slept
}

func generating(content string, generation int) domain.Report {
	return domain.Report{ID: "r-1", Content: content, Status: domain.ReportStatusGenerating, Generation: generation}
}

func TestPollStopsOnComplete(t *testing.T) {
	fetcher := &scriptedFetcher{snapshots: []domain.Report{
		generating("", 1),
		generating("Sun ", 1),
		generating("Sun in Aries", 1),
		{ID: "r-1", Content: "Sun in Aries", Status: domain.ReportStatusComplete, Generation: 1},
	}}
	p, slept := newTestPoller(fetcher, 150)

	var updates []Update
	result, err := p.Poll(context.Background(), "r-1", func(update Update) {
		updates = append(updates, update)
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeComplete, result.Outcome)
	require.Equal(t, "Sun in Aries", result.Report.Content)
	require.Equal(t, 4, result.Attempts)
	require.Len(t, updates, 4)
	require.Equal(t, []time.Duration{DefaultInterval, DefaultInterval, DefaultInterval}, *slept)
}

func TestPollReportsFailedRecord(t *testing.T) {
	fetcher := &scriptedFetcher{snapshots: []domain.Report{
		generating("half", 3),
		{ID: "r-1", Content: "half", Status: domain.ReportStatusFailed, Generation: 3},
	}}
	p, _ := newTestPoller(fetcher, 10)

	result, err := p.Poll(context.Background(), "r-1", nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, result.Outcome)
	require.Equal(t, "half", result.Report.Content)
}

// A record still generating after the last attempt is returned with its
// partial content and never reported as complete.
func TestPollTimesOutWithLastContent(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	fetcher := FetcherFunc(func(context.Context, string) (*domain.Report, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		report := generating(strings.Repeat("a", calls), 1)
		return &report, nil
	})
	p, slept := newTestPoller(fetcher, 150)

	updates := 0
	result, err := p.Poll(context.Background(), "r-1", func(Update) { updates++ })
	require.NoError(t, err)
	require.Equal(t, OutcomeTimedOut, result.Outcome)
	require.Equal(t, domain.ReportStatusGenerating, result.Report.Status)
	require.Equal(t, strings.Repeat("a", 150), result.Report.Content)
	require.Equal(t, 150, result.Attempts)
	require.Equal(t, 150, calls)
	require.Equal(t, 150, updates)
	require.Len(t, *slept, 149)
}

func TestPollTreatsGenerationChangeAsRestart(t *testing.T) {
	fetcher := &scriptedFetcher{snapshots: []domain.Report{
		generating("First attempt text", 1),
		generating("", 2),
		generating("Second", 2),
		{ID: "r-1", Content: "Second attempt", Status: domain.ReportStatusComplete, Generation: 2},
	}}
	p, _ := newTestPoller(fetcher, 10)

	var restarted []bool
	result, err := p.Poll(context.Background(), "r-1", func(update Update) {
		restarted = append(restarted, update.Restarted)
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeComplete, result.Outcome)
	require.Equal(t, 1, result.Restarts)
	require.Equal(t, []bool{false, true, false, false}, restarted)
}

func TestPollSkipsUnchangedSnapshots(t *testing.T) {
	fetcher := &scriptedFetcher{snapshots: []domain.Report{
		generating("same", 1),
		generating("same", 1),
		generating("same", 1),
	}}
	p, _ := newTestPoller(fetcher, 3)

	updates := 0
	result, err := p.Poll(context.Background(), "r-1", func(Update) { updates++ })
	require.NoError(t, err)
	require.Equal(t, OutcomeTimedOut, result.Outcome)
	require.Equal(t, 1, updates)
}

func TestPollRetriesTransientFetchErrors(t *testing.T) {
	fetcher := &scriptedFetcher{
		snapshots: []domain.Report{{ID: "r-1", Content: "done", Status: domain.ReportStatusComplete}},
		errs:      map[int]error{1: errors.New("connection reset"), 2: errors.New("connection reset")},
	}
	p, _ := newTestPoller(fetcher, 5)

	result, err := p.Poll(context.Background(), "r-1", nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeComplete, result.Outcome)
	require.Equal(t, 3, result.Attempts)

	failing := &scriptedFetcher{
		snapshots: []domain.Report{{}},
		errs:      map[int]error{1: errors.New("down"), 2: errors.New("down")},
	}
	p, _ = newTestPoller(failing, 2)
	_, err = p.Poll(context.Background(), "r-1", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no snapshot after 2 attempts")
}

func TestPollStopsOnNotFound(t *testing.T) {
	fetcher := &scriptedFetcher{
		snapshots: []domain.Report{{}},
		errs:      map[int]error{1: domain.ErrNotFound},
	}
	p, slept := newTestPoller(fetcher, 150)

	_, err := p.Poll(context.Background(), "r-1", nil)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Empty(t, *slept)
}

func TestPollHonorsCancellation(t *testing.T) {
	fetcher := &scriptedFetcher{snapshots: []domain.Report{generating("partial", 1)}}
	p := New(fetcher, Config{Interval: time.Hour, MaxAttempts: 150})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := p.Poll(ctx, "r-1", nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, "partial", result.Report.Content)
	require.Equal(t, OutcomeTimedOut, result.Outcome)
}

func TestHTTPFetcher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":"unauthorized","message":"invalid bearer token"},"request_id":"x"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/reports/r-1":
			_, _ = w.Write([]byte(`{"id":"r-1","profileId":"p-1","reportType":"career","language":"hi","provider":"google","model":"gemini-2.0-flash","content":"Shani","status":"generating","generation":2,"favorite":true,"createdAt":"2026-01-02T03:04:05Z","updatedAt":"2026-01-02T03:04:06Z","completedAt":null}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":"not_found","message":"report not found"},"request_id":"x"}`))
		}
	}))
	defer server.Close()

	fetcher := HTTPFetcher{BaseURL: server.URL + "/", AuthToken: "secret", HTTPClient: server.Client()}
	report, err := fetcher.FetchReport(context.Background(), "r-1")
	require.NoError(t, err)
	require.Equal(t, "p-1", report.ProfileID)
	require.Equal(t, domain.LanguageHindi, report.Language)
	require.Equal(t, domain.ReportStatusGenerating, report.Status)
	require.Equal(t, 2, report.Generation)
	require.True(t, report.Favorite)
	require.Nil(t, report.CompletedAt)
	require.True(t, report.CreatedAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))

	_, err = fetcher.FetchReport(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)

	fetcher.AuthToken = "wrong"
	_, err = fetcher.FetchReport(context.Background(), "r-1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unauthorized")
}
