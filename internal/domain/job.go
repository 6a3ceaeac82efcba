package domain

import (
	"encoding/json"
	"time"
)

type JobType string

const (
	JobTypeGenerateReport JobType = "generate-report"
	JobTypeGenerateAlerts JobType = "generate-alerts"
)

const (
	QueueReportGeneration = "report-generation"
	QueueAlertGeneration  = "alert-generation"
)

type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateDelayed   JobState = "delayed"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// Backoff is the delay policy applied between retry attempts.
type Backoff struct {
	Kind BackoffKind   `json:"kind" yaml:"kind"`
	Base time.Duration `json:"base" yaml:"base"`
}

// Delay returns the wait before the attempt following a failed attempt.
// attempt is 1-based: exponential(2s) yields 2s, 4s, 8s...
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if b.Kind != BackoffExponential || attempt <= 1 {
		return b.Base
	}
	shift := attempt - 1
	if shift > 16 {
		shift = 16
	}
	return b.Base * time.Duration(1<<shift)
}

// Job is the canonical async unit stored by the broker.
type Job struct {
	ID          string          `json:"id"`
	Type        JobType         `json:"type"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	UniqueKey   string          `json:"unique_key,omitempty"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	Backoff     Backoff         `json:"backoff"`
	State       JobState        `json:"state"`
	LastError   string          `json:"last_error,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// Final reports whether the current attempt is the last one allowed.
func (j Job) Final() bool {
	return j.Attempt >= j.MaxAttempts
}

type ReportJobPayload struct {
	ReportID string `json:"report_id"`
}

type AlertJobPayload struct {
	ProfileID string `json:"profile_id"`
}
