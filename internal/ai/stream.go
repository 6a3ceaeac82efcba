package ai

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/iago/jyotish-reports/internal/domain"
	"github.com/iago/jyotish-reports/internal/metrics"
)

// chunkEnvelope is the frame shape shared by every supported provider.
type chunkEnvelope struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Code    any    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// parseSSELine converts one line of a text/event-stream body. ok is false
// for lines that carry no event: comments, blank separators, keep-alives,
// empty deltas and frames that are not valid JSON.
func parseSSELine(line string) (domain.StreamEvent, bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "data:") {
		return domain.StreamEvent{}, false
	}
	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if data == "" {
		return domain.StreamEvent{}, false
	}
	if data == "[DONE]" {
		return domain.StreamEvent{Kind: domain.StreamEnd}, true
	}

	var chunk chunkEnvelope
	if err := sonic.UnmarshalString(data, &chunk); err != nil {
		return domain.StreamEvent{}, false
	}
	if chunk.Error != nil {
		return domain.StreamEvent{
			Kind: domain.StreamError,
			Err:  &domain.UpstreamError{Status: upstreamErrorStatus(chunk.Error.Code), Body: chunk.Error.Message},
		}, true
	}
	if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
		return domain.StreamEvent{}, false
	}
	return domain.StreamEvent{Kind: domain.StreamTokenDelta, Delta: chunk.Choices[0].Delta.Content}, true
}

func upstreamErrorStatus(code any) int {
	if number, ok := code.(float64); ok && number >= 400 && number < 600 {
		return int(number)
	}
	return http.StatusBadGateway
}

type lineResult struct {
	line string
	err  error
}

// Stream yields the normalized events of one streaming completion. After a
// terminal event (stream-end or stream-error) Recv keeps returning it.
type Stream struct {
	body     io.ReadCloser
	cancel   context.CancelFunc
	idle     time.Duration
	provider Provider
	metrics  *metrics.Metrics

	lines     chan lineResult
	stop      chan struct{}
	closeOnce sync.Once
	terminal  *domain.StreamEvent
}

func newStream(body io.ReadCloser, cancel context.CancelFunc, idle time.Duration, provider Provider, m *metrics.Metrics) *Stream {
	s := &Stream{
		body:     body,
		cancel:   cancel,
		idle:     idle,
		provider: provider,
		metrics:  m,
		lines:    make(chan lineResult, 64),
		stop:     make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *Stream) readLoop() {
	defer close(s.lines)
	reader := bufio.NewReaderSize(s.body, 64*1024)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			select {
			case s.lines <- lineResult{line: line}:
			case <-s.stop:
				return
			}
		}
		if err != nil {
			select {
			case s.lines <- lineResult{err: err}:
			case <-s.stop:
			}
			return
		}
	}
}

// Recv blocks until the next event. A body that ends before [DONE] yields a
// stream-error wrapping ErrIncompleteStream; no frame within the idle
// timeout yields ErrStreamIdle.
func (s *Stream) Recv() domain.StreamEvent {
	if s.terminal != nil {
		return *s.terminal
	}

	var idle <-chan time.Time
	if s.idle > 0 {
		timer := time.NewTimer(s.idle)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case result, ok := <-s.lines:
			if !ok || result.err != nil {
				return s.finish(domain.StreamEvent{Kind: domain.StreamError, Err: incompleteError(result.err)})
			}
			event, ok := parseSSELine(result.line)
			if !ok {
				continue
			}
			if event.Kind == domain.StreamTokenDelta {
				s.metrics.TokenDelta(s.provider.String())
				return event
			}
			return s.finish(event)
		case <-idle:
			return s.finish(domain.StreamEvent{
				Kind: domain.StreamError,
				Err:  fmt.Errorf("%w after %s", domain.ErrStreamIdle, s.idle),
			})
		}
	}
}

func (s *Stream) finish(event domain.StreamEvent) domain.StreamEvent {
	s.terminal = &event
	if event.Kind == domain.StreamError {
		kind := "upstream"
		switch {
		case errors.Is(event.Err, domain.ErrIncompleteStream):
			kind = "incomplete"
		case errors.Is(event.Err, domain.ErrStreamIdle):
			kind = "idle"
		}
		s.metrics.StreamFailed(s.provider.String(), kind)
	}
	s.Close()
	return event
}

func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.cancel()
		err = s.body.Close()
	})
	return err
}

func incompleteError(cause error) error {
	if cause == nil || errors.Is(cause, io.EOF) {
		return domain.ErrIncompleteStream
	}
	return fmt.Errorf("%w: %v", domain.ErrIncompleteStream, cause)
}
