package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPercentile(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	require.Equal(t, 5.0, percentile(values, 0.50))
	require.Equal(t, 10.0, percentile(values, 0.95))
	require.Equal(t, 1.0, percentile(values, 0))
	require.Equal(t, 10.0, percentile(values, 1))
	require.Equal(t, 0.0, percentile(nil, 0.5))
}

func TestRunScenarioCountsErrors(t *testing.T) {
	result := runScenario(context.Background(), "mixed", 10, 3, func(_ context.Context, index int) error {
		if index%5 == 0 {
			return errors.New("boom")
		}
		return nil
	})
	require.Equal(t, 10, result.Total)
	require.Equal(t, 8, result.Success)
	require.Equal(t, 2, result.Errors)
	require.Equal(t, []string{"boom", "boom"}, result.ErrorSamples)
}

func TestPollCommandStreamsContent(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	snapshots := []string{
		`{"id":"r-1","content":"Jupiter ","status":"generating","generation":1}`,
		`{"id":"r-1","content":"","status":"generating","generation":2}`,
		`{"id":"r-1","content":"Jupiter blesses","status":"generating","generation":2}`,
		`{"id":"r-1","content":"Jupiter blesses you.","status":"complete","generation":2}`,
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		index := calls
		if index >= len(snapshots) {
			index = len(snapshots) - 1
		}
		calls++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(snapshots[index]))
	}))
	defer server.Close()

	var stdout, stderr bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"poll", "r-1", "--base-url", server.URL, "--interval", "1ms"})

	require.NoError(t, cmd.ExecuteContext(context.Background()))
	require.Equal(t, "Jupiter Jupiter blesses you.\n", stdout.String())
	require.Contains(t, stderr.String(), "generation 2 restarted")
	require.Contains(t, stderr.String(), "outcome=complete")
}

func TestPollCommandFailsOnFailedReport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"r-9","content":"partial","status":"failed","generation":3}`))
	}))
	defer server.Close()

	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"poll", "r-9", "--base-url", server.URL, "--interval", "1ms"})

	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed")
}
