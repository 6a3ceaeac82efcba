package queue

import (
	"time"

	"github.com/iago/jyotish-reports/internal/domain"
)

// Policy is the default retry budget of a queue.
type Policy struct {
	Attempts int
	Backoff  domain.Backoff
}

type enqueueOptions struct {
	jobID     string
	uniqueKey string
	attempts  int
	backoff   *domain.Backoff
	delay     time.Duration
}

// Option customizes a single Enqueue call.
type Option func(*enqueueOptions)

// Attempts overrides the queue's attempt budget.
func Attempts(n int) Option {
	return func(o *enqueueOptions) {
		if n > 0 {
			o.attempts = n
		}
	}
}

func WithBackoff(backoff domain.Backoff) Option {
	return func(o *enqueueOptions) {
		o.backoff = &backoff
	}
}

// JobID sets a caller-chosen id; enqueueing the same id twice while the
// first job is stored fails with ErrDuplicateJob.
func JobID(id string) Option {
	return func(o *enqueueOptions) {
		o.jobID = id
	}
}

// UniqueKey rejects the job while another unfinished job holds the key.
func UniqueKey(key string) Option {
	return func(o *enqueueOptions) {
		o.uniqueKey = key
	}
}

func Delay(d time.Duration) Option {
	return func(o *enqueueOptions) {
		if d > 0 {
			o.delay = d
		}
	}
}
