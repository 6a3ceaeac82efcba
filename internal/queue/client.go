package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iago/jyotish-reports/internal/domain"
	"github.com/iago/jyotish-reports/internal/metrics"
)

// DefaultPolicies are the product defaults for the two named queues.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		domain.QueueReportGeneration: {
			Attempts: 3,
			Backoff:  domain.Backoff{Kind: domain.BackoffExponential, Base: 2 * time.Second},
		},
		domain.QueueAlertGeneration: {
			Attempts: 2,
			Backoff:  domain.Backoff{Kind: domain.BackoffFixed, Base: 5 * time.Second},
		},
	}
}

// Client is the producer side of the queues.
type Client struct {
	broker   Broker
	policies map[string]Policy
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewClient(broker Broker, policies map[string]Policy) *Client {
	merged := DefaultPolicies()
	for name, policy := range policies {
		merged[name] = policy
	}
	return &Client{
		broker:   broker,
		policies: merged,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithMetrics records every enqueue outcome on m.
func (c *Client) WithMetrics(m *metrics.Metrics) *Client {
	c.metrics = m
	return c
}

// Enqueue durably stores a job and returns its id once the broker has
// acknowledged the write. On ErrDuplicateJob the id of the job already
// holding the key is returned alongside the error.
func (c *Client) Enqueue(
	ctx context.Context,
	queue string,
	jobType domain.JobType,
	payload any,
	opts ...Option,
) (string, error) {
	if strings.TrimSpace(queue) == "" {
		return "", errors.New("queue is required")
	}
	if strings.TrimSpace(string(jobType)) == "" {
		return "", errors.New("job type is required")
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode job payload: %w", err)
	}

	policy, ok := c.policies[queue]
	if !ok {
		policy = Policy{Attempts: 1}
	}
	options := enqueueOptions{attempts: policy.Attempts}
	for _, opt := range opts {
		opt(&options)
	}
	backoff := policy.Backoff
	if options.backoff != nil {
		backoff = *options.backoff
	}
	if options.attempts <= 0 {
		options.attempts = 1
	}
	if options.jobID == "" {
		options.jobID = uuid.NewString()
	}

	state := domain.JobStateWaiting
	if options.delay > 0 {
		state = domain.JobStateDelayed
	}
	job := domain.Job{
		ID:          options.jobID,
		Type:        jobType,
		Queue:       queue,
		Payload:     encoded,
		UniqueKey:   options.uniqueKey,
		MaxAttempts: options.attempts,
		Backoff:     backoff,
		State:       state,
		EnqueuedAt:  c.now(),
	}
	id, err := c.broker.Enqueue(ctx, job, options.delay)
	c.metrics.JobEnqueued(queue, string(jobType), enqueueResult(err))
	return id, err
}

func enqueueResult(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrDuplicateJob):
		return "duplicate"
	default:
		return "error"
	}
}

// EnqueueReportJob schedules generation of an existing Report Record.
// A second call for the same report while its job is unfinished returns the
// first job's id.
func (c *Client) EnqueueReportJob(ctx context.Context, reportID string) (string, error) {
	if strings.TrimSpace(reportID) == "" {
		return "", errors.New("report id is required")
	}
	jobID, err := c.Enqueue(
		ctx,
		domain.QueueReportGeneration,
		domain.JobTypeGenerateReport,
		domain.ReportJobPayload{ReportID: reportID},
		UniqueKey("report:"+reportID),
	)
	if errors.Is(err, ErrDuplicateJob) {
		return jobID, nil
	}
	return jobID, err
}

// EnqueueAlertJob schedules alert generation for a profile.
func (c *Client) EnqueueAlertJob(ctx context.Context, profileID string) (string, error) {
	if strings.TrimSpace(profileID) == "" {
		return "", errors.New("profile id is required")
	}
	jobID, err := c.Enqueue(
		ctx,
		domain.QueueAlertGeneration,
		domain.JobTypeGenerateAlerts,
		domain.AlertJobPayload{ProfileID: profileID},
		UniqueKey("alerts:"+profileID),
	)
	if errors.Is(err, ErrDuplicateJob) {
		return jobID, nil
	}
	return jobID, err
}

func (c *Client) Stats(ctx context.Context, queue string) (Stats, error) {
	return c.broker.Stats(ctx, queue)
}

func (c *Client) Dead(ctx context.Context, queue string, limit int) ([]domain.Job, error) {
	return c.broker.Dead(ctx, queue, limit)
}

func (c *Client) Requeue(ctx context.Context, queue, jobID string) error {
	return c.broker.Requeue(ctx, queue, jobID)
}
