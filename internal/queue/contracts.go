package queue

import (
	"context"
	"errors"
	"time"

	"github.com/iago/jyotish-reports/internal/domain"
)

var (
	// ErrLeaseLost is returned when a lease expired and was reclaimed, so the
	// caller no longer owns the job.
	ErrLeaseLost = errors.New("lease lost")
	// ErrDuplicateJob is returned when the job id or unique key is already
	// held by a job that has not finished.
	ErrDuplicateJob = errors.New("duplicate job")
)

// Lease is a time-bounded exclusive claim on one job.
type Lease struct {
	Job   domain.Job
	Token string
}

type Stats struct {
	Queue   string `json:"queue"`
	Pending int64  `json:"pending"`
	Active  int64  `json:"active"`
	Delayed int64  `json:"delayed"`
	Dead    int64  `json:"dead"`
}

// Broker is the durable job store shared by producers and workers.
// Every transition after Lease is checked against the lease token.
type Broker interface {
	Enqueue(ctx context.Context, job domain.Job, delay time.Duration) (string, error)
	Lease(ctx context.Context, queue string, ttl time.Duration) (*Lease, error)
	Extend(ctx context.Context, lease *Lease, ttl time.Duration) error
	Ack(ctx context.Context, lease *Lease) error
	Retry(ctx context.Context, lease *Lease, delay time.Duration, cause error) error
	Bury(ctx context.Context, lease *Lease, cause error) error
	Release(ctx context.Context, lease *Lease) error

	Promote(ctx context.Context, queue string, now time.Time) (int, error)
	Reclaim(ctx context.Context, queue string, now time.Time) (int, error)

	Stats(ctx context.Context, queue string) (Stats, error)
	Dead(ctx context.Context, queue string, limit int) ([]domain.Job, error)
	Requeue(ctx context.Context, queue, jobID string) error
}

// Producer sends jobs to a named queue.
type Producer interface {
	Enqueue(ctx context.Context, queue string, jobType domain.JobType, payload any, opts ...Option) (string, error)
}
