package queue

import (
	"context"
	"testing"
	"time"

	"github.com/iago/jyotish-reports/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestClient_EnqueueReportJobUsesQueuePolicy(t *testing.T) {
	b := NewLocalBroker()
	client := NewClient(b, nil)
	ctx := context.Background()

	jobID, err := client.EnqueueReportJob(ctx, "r-1")
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	lease, err := b.Lease(ctx, domain.QueueReportGeneration, time.Minute)
	require.NoError(t, err)
	require.Equal(t, jobID, lease.Job.ID)
	require.Equal(t, domain.JobTypeGenerateReport, lease.Job.Type)
	require.Equal(t, 3, lease.Job.MaxAttempts)
	require.Equal(t, domain.Backoff{Kind: domain.BackoffExponential, Base: 2 * time.Second}, lease.Job.Backoff)
	require.JSONEq(t, `{"report_id":"r-1"}`, string(lease.Job.Payload))
}

func TestClient_EnqueueAlertJobUsesQueuePolicy(t *testing.T) {
	b := NewLocalBroker()
	client := NewClient(b, nil)
	ctx := context.Background()

	_, err := client.EnqueueAlertJob(ctx, "p-1")
	require.NoError(t, err)

	lease, err := b.Lease(ctx, domain.QueueAlertGeneration, time.Minute)
	require.NoError(t, err)
	require.Equal(t, domain.JobTypeGenerateAlerts, lease.Job.Type)
	require.Equal(t, 2, lease.Job.MaxAttempts)
	require.Equal(t, domain.Backoff{Kind: domain.BackoffFixed, Base: 5 * time.Second}, lease.Job.Backoff)
}

func TestClient_DuplicateReportJobReturnsInFlightID(t *testing.T) {
	client := NewClient(NewLocalBroker(), nil)
	ctx := context.Background()

	first, err := client.EnqueueReportJob(ctx, "r-1")
	require.NoError(t, err)
	second, err := client.EnqueueReportJob(ctx, "r-1")
	require.NoError(t, err)
	require.Equal(t, first, second)

	stats, err := client.Stats(ctx, domain.QueueReportGeneration)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Pending)
}

func TestClient_OptionsOverridePolicy(t *testing.T) {
	b := NewLocalBroker()
	client := NewClient(b, map[string]Policy{
		domain.QueueReportGeneration: {Attempts: 5, Backoff: domain.Backoff{Kind: domain.BackoffFixed, Base: time.Second}},
	})
	ctx := context.Background()

	_, err := client.Enqueue(ctx, domain.QueueReportGeneration, domain.JobTypeGenerateReport,
		domain.ReportJobPayload{ReportID: "r-9"},
		JobID("fixed-id"),
		Attempts(1),
		WithBackoff(domain.Backoff{Kind: domain.BackoffExponential, Base: 10 * time.Millisecond}),
	)
	require.NoError(t, err)

	lease, err := b.Lease(ctx, domain.QueueReportGeneration, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "fixed-id", lease.Job.ID)
	require.Equal(t, 1, lease.Job.MaxAttempts)
	require.Equal(t, domain.BackoffExponential, lease.Job.Backoff.Kind)
}

func TestClient_RejectsMissingIdentifiers(t *testing.T) {
	client := NewClient(NewLocalBroker(), nil)
	ctx := context.Background()

	_, err := client.EnqueueReportJob(ctx, " ")
	require.Error(t, err)
	_, err = client.EnqueueAlertJob(ctx, "")
	require.Error(t, err)
	_, err = client.Enqueue(ctx, "", domain.JobTypeGenerateReport, nil)
	require.Error(t, err)
}
