package domain

import (
	"errors"
	"fmt"
)

var (
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrMissingCredential = errors.New("missing credential")
	ErrNotFound          = errors.New("resource not found")
	ErrIncompleteStream  = errors.New("stream ended without terminal frame")
	ErrStreamIdle        = errors.New("stream idle timeout")
	ErrUnknownReportType = errors.New("unknown report type")
	ErrReportFinalized   = errors.New("report already finalized")
	ErrStaleGeneration   = errors.New("report generation superseded")
)

// UpstreamError is a non-2xx answer from the LLM endpoint.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Body)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable regardless of its class.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether retrying err cannot succeed without an
// operator change (credentials, data, registry).
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	return errors.Is(err, ErrMissingCredential) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUnknownReportType)
}
