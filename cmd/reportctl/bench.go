package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
)

type scenarioResult struct {
	Name          string   `json:"name"`
	Total         int      `json:"total"`
	Success       int      `json:"success"`
	Errors        int      `json:"errors"`
	P50MS         float64  `json:"p50_ms"`
	P95MS         float64  `json:"p95_ms"`
	P99MS         float64  `json:"p99_ms"`
	MaxMS         float64  `json:"max_ms"`
	ThroughputRPS float64  `json:"throughput_rps"`
	ErrorSamples  []string `json:"error_samples,omitempty"`
}

type benchResult struct {
	GeneratedAtUTC string           `json:"generated_at_utc"`
	BaseURL        string           `json:"base_url"`
	Results        []scenarioResult `json:"results"`
}

// benchCmd measures the request path only: creating records and reading
// them back. Generation time depends on the LLM provider and is not timed.
func benchCmd() *cobra.Command {
	var (
		api             apiOptions
		profileID       string
		reportType      string
		createTotal     int
		createWorkers   int
		readTotal       int
		readConcurrency int
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Drive concurrent report requests and reads against a running API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.client()
			baseURL := strings.TrimRight(api.baseURL, "/")

			var (
				mu  sync.Mutex
				ids []string
			)
			create := runScenario(cmd.Context(), "reports_request", createTotal, createWorkers, func(ctx context.Context, index int) error {
				language := "en"
				if index%2 == 1 {
					language = "hi"
				}
				payload := map[string]string{"profileId": profileID, "reportType": reportType, "language": language}
				headers := map[string]string{"Idempotency-Key": fmt.Sprintf("bench-%d-%d", time.Now().UnixNano(), index)}
				var created struct {
					ID string `json:"id"`
				}
				if err := callJSON(ctx, client, http.MethodPost, baseURL+"/v1/reports", api.token, payload, headers, &created, http.StatusAccepted, http.StatusOK); err != nil {
					return err
				}
				mu.Lock()
				ids = append(ids, created.ID)
				mu.Unlock()
				return nil
			})
			if len(ids) == 0 {
				return printJSON(cmd.OutOrStdout(), benchResult{
					GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
					BaseURL:        baseURL,
					Results:        []scenarioResult{create},
				})
			}

			read := runScenario(cmd.Context(), "reports_read", readTotal, readConcurrency, func(ctx context.Context, index int) error {
				return callJSON(ctx, client, http.MethodGet, baseURL+"/v1/reports/"+ids[index%len(ids)], api.token, nil, nil, nil, http.StatusOK)
			})
			list := runScenario(cmd.Context(), "profile_reports_list", readTotal/4, readConcurrency, func(ctx context.Context, _ int) error {
				return callJSON(ctx, client, http.MethodGet, baseURL+"/v1/profiles/"+profileID+"/reports", api.token, nil, nil, nil, http.StatusOK)
			})

			return printJSON(cmd.OutOrStdout(), benchResult{
				GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
				BaseURL:        baseURL,
				Results:        []scenarioResult{create, read, list},
			})
		},
	}
	api.bind(cmd)
	cmd.Flags().StringVar(&profileID, "profile", "", "profile the requests are made for (must exist)")
	cmd.Flags().StringVar(&reportType, "type", "career", "report type to request")
	cmd.Flags().IntVar(&createTotal, "requests", 40, "total report requests")
	cmd.Flags().IntVar(&createWorkers, "request-concurrency", 8, "concurrency for report requests")
	cmd.Flags().IntVar(&readTotal, "reads", 400, "total report reads")
	cmd.Flags().IntVar(&readConcurrency, "read-concurrency", 24, "concurrency for report reads")
	_ = cmd.MarkFlagRequired("profile")
	return cmd
}

func runScenario(
	ctx context.Context,
	name string,
	total int,
	concurrency int,
	requestFn func(ctx context.Context, index int) error,
) scenarioResult {
	if total <= 0 {
		return scenarioResult{Name: name}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	startedAt := time.Now()
	type sample struct {
		durationMS float64
		err        string
	}

	jobs := make(chan int, total)
	results := make(chan sample, total)
	for i := 0; i < total; i++ {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				if ctx.Err() != nil {
					results <- sample{err: ctx.Err().Error()}
					continue
				}
				requestStart := time.Now()
				err := requestFn(ctx, index)
				s := sample{durationMS: float64(time.Since(requestStart).Microseconds()) / 1000.0}
				if err != nil {
					s.err = err.Error()
				}
				results <- s
			}
		}()
	}
	wg.Wait()
	close(results)

	durations := make([]float64, 0, total)
	errorSamples := make([]string, 0, 5)
	success := 0
	errorsCount := 0
	for item := range results {
		durations = append(durations, item.durationMS)
		if item.err == "" {
			success++
			continue
		}
		errorsCount++
		if len(errorSamples) < 5 {
			errorSamples = append(errorSamples, item.err)
		}
	}

	sort.Float64s(durations)
	elapsedSeconds := time.Since(startedAt).Seconds()
	throughput := 0.0
	if elapsedSeconds > 0 {
		throughput = float64(total) / elapsedSeconds
	}

	return scenarioResult{
		Name:          name,
		Total:         total,
		Success:       success,
		Errors:        errorsCount,
		P50MS:         percentile(durations, 0.50),
		P95MS:         percentile(durations, 0.95),
		P99MS:         percentile(durations, 0.99),
		MaxMS:         percentile(durations, 1.00),
		ThroughputRPS: round2(throughput),
		ErrorSamples:  errorSamples,
	}
}

func callJSON(
	ctx context.Context,
	client *http.Client,
	method string,
	url string,
	token string,
	payload any,
	headers map[string]string,
	target any,
	expected ...int,
) error {
	var body io.Reader
	if payload != nil {
		encoded, err := sonic.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	for key, value := range headers {
		request.Header.Set(key, value)
	}

	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	for _, status := range expected {
		if response.StatusCode == status {
			if target == nil {
				return nil
			}
			return sonic.Unmarshal(raw, target)
		}
	}
	if len(raw) > 1024 {
		raw = raw[:1024]
	}
	return fmt.Errorf("unexpected status %d (expected %v): %s", response.StatusCode, expected, string(raw))
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return round2(values[0])
	}
	if p >= 1 {
		return round2(values[len(values)-1])
	}
	rank := int(math.Ceil(float64(len(values))*p)) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(values) {
		rank = len(values) - 1
	}
	return round2(values[rank])
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
