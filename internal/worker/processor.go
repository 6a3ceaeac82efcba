package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/iago/jyotish-reports/internal/domain"
	"github.com/iago/jyotish-reports/internal/metrics"
	"github.com/iago/jyotish-reports/internal/queue"
)

var errNoHandler = errors.New("no handler registered for job type")

// Handler runs one attempt of a job. Returning an error hands the decision
// to retry or fail to the Processor.
type Handler interface {
	Process(ctx context.Context, job domain.Job) error
}

type HandlerFunc func(ctx context.Context, job domain.Job) error

func (f HandlerFunc) Process(ctx context.Context, job domain.Job) error {
	return f(ctx, job)
}

// FailureHook is implemented by handlers that must react once a job is
// failed for good (attempts exhausted or permanent error).
type FailureHook interface {
	OnFinalFailure(ctx context.Context, job domain.Job, cause error)
}

type Config struct {
	Queue               string
	Concurrency         int
	LeaseTTL            time.Duration
	PollInterval        time.Duration
	MaintenanceInterval time.Duration
	RestartDelay        time.Duration
}

// Processor leases jobs from one queue and drives them through the handler
// registered for their type.
type Processor struct {
	broker   queue.Broker
	cfg      Config
	logger   *log.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	mu       sync.RWMutex
	handlers map[domain.JobType]Handler
}

func NewProcessor(broker queue.Broker, cfg Config, logger *log.Logger, m *metrics.Metrics) *Processor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = 500 * time.Millisecond
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 2 * time.Second
	}
	return &Processor{
		broker:   broker,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
		handlers: make(map[domain.JobType]Handler),
	}
}

func (p *Processor) Handle(jobType domain.JobType, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = handler
}

func (p *Processor) handler(jobType domain.JobType) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	handler, ok := p.handlers[jobType]
	return handler, ok
}

// Start runs Concurrency lease loops plus the maintenance loop and blocks
// until ctx is cancelled and every in-flight attempt has settled.
func (p *Processor) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for slot := 0; slot < p.cfg.Concurrency; slot++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.maintenanceLoop(ctx)
	}()

	p.logf("worker started queue=%s concurrency=%d lease_ttl=%s", p.cfg.Queue, p.cfg.Concurrency, p.cfg.LeaseTTL)
	wg.Wait()
	p.logf("worker stopped queue=%s", p.cfg.Queue)
}

func (p *Processor) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		processed, err := p.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logf("worker lease failed queue=%s err=%v", p.cfg.Queue, err)
			if !sleep(ctx, p.cfg.RestartDelay) {
				return
			}
			continue
		}
		if !processed && !sleep(ctx, p.cfg.PollInterval) {
			return
		}
	}
}

// RunOnce leases and processes at most one job. It reports whether a job
// was found.
func (p *Processor) RunOnce(ctx context.Context) (bool, error) {
	lease, err := p.broker.Lease(ctx, p.cfg.Queue, p.cfg.LeaseTTL)
	if err != nil {
		return false, err
	}
	if lease == nil {
		return false, nil
	}
	p.process(ctx, lease)
	return true, nil
}

func (p *Processor) process(ctx context.Context, lease *queue.Lease) {
	job := lease.Job
	started := p.now()
	// transitions must reach the broker even while shutting down
	settleCtx := context.WithoutCancel(ctx)

	if job.Attempt > job.MaxAttempts {
		cause := fmt.Errorf("attempts exhausted after lease loss: %s", job.LastError)
		p.fail(settleCtx, lease, cause, started)
		return
	}

	handler, ok := p.handler(job.Type)
	if !ok {
		if err := p.broker.Bury(settleCtx, lease, errNoHandler); err != nil {
			p.logf("job bury failed queue=%s job_id=%s err=%v", job.Queue, job.ID, err)
		}
		p.logf("job without handler moved to dead queue=%s job_id=%s type=%s", job.Queue, job.ID, job.Type)
		p.metrics.JobFinished(job.Queue, string(job.Type), "failed", p.now().Sub(started))
		return
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	go p.heartbeat(heartbeatCtx, lease)
	err := invoke(ctx, handler, job)
	stopHeartbeat()

	switch {
	case err == nil:
		if ackErr := p.broker.Ack(settleCtx, lease); ackErr != nil {
			p.settleFailed("ack", lease, ackErr, started)
			return
		}
		p.logf("job completed queue=%s job_id=%s type=%s attempt=%d", job.Queue, job.ID, job.Type, job.Attempt)
		p.metrics.JobFinished(job.Queue, string(job.Type), "completed", p.now().Sub(started))
	case ctx.Err() != nil:
		if releaseErr := p.broker.Release(settleCtx, lease); releaseErr != nil {
			p.settleFailed("release", lease, releaseErr, started)
			return
		}
		p.logf("job released on shutdown queue=%s job_id=%s", job.Queue, job.ID)
		p.metrics.JobFinished(job.Queue, string(job.Type), "released", p.now().Sub(started))
	case domain.IsPermanent(err) || job.Final():
		p.fail(settleCtx, lease, err, started)
	default:
		delay := job.Backoff.Delay(job.Attempt)
		if retryErr := p.broker.Retry(settleCtx, lease, delay, err); retryErr != nil {
			p.settleFailed("retry", lease, retryErr, started)
			return
		}
		p.logf(
			"job retry scheduled queue=%s job_id=%s attempt=%d/%d delay=%s err=%v",
			job.Queue, job.ID, job.Attempt, job.MaxAttempts, delay, err,
		)
		p.metrics.JobFinished(job.Queue, string(job.Type), "retried", p.now().Sub(started))
	}
}

func (p *Processor) fail(ctx context.Context, lease *queue.Lease, cause error, started time.Time) {
	job := lease.Job
	if err := p.broker.Bury(ctx, lease, cause); err != nil {
		p.settleFailed("bury", lease, err, started)
		return
	}
	p.logf(
		"job failed queue=%s job_id=%s attempt=%d/%d permanent=%t err=%v",
		job.Queue, job.ID, job.Attempt, job.MaxAttempts, domain.IsPermanent(cause), cause,
	)
	p.metrics.JobFinished(job.Queue, string(job.Type), "failed", p.now().Sub(started))

	if handler, ok := p.handler(job.Type); ok {
		if hook, ok := handler.(FailureHook); ok {
			hook.OnFinalFailure(ctx, job, cause)
		}
	}
}

func (p *Processor) settleFailed(op string, lease *queue.Lease, err error, started time.Time) {
	job := lease.Job
	if errors.Is(err, queue.ErrLeaseLost) {
		p.logf("job lease lost during %s queue=%s job_id=%s", op, job.Queue, job.ID)
		p.metrics.JobFinished(job.Queue, string(job.Type), "lost", p.now().Sub(started))
		return
	}
	// the lease expires and the reclaimer redelivers the job
	p.logf("job %s failed queue=%s job_id=%s err=%v", op, job.Queue, job.ID, err)
}

func (p *Processor) heartbeat(ctx context.Context, lease *queue.Lease) {
	ticker := time.NewTicker(p.cfg.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.broker.Extend(ctx, lease, p.cfg.LeaseTTL)
			if err == nil {
				continue
			}
			if errors.Is(err, queue.ErrLeaseLost) {
				// once the heartbeat is stopped the job was settled and its
				// token removed; only a live heartbeat has lost the lease
				if ctx.Err() == nil {
					p.logf("job lease lost queue=%s job_id=%s", lease.Job.Queue, lease.Job.ID)
				}
				return
			}
			if ctx.Err() == nil {
				p.logf("job lease extend failed queue=%s job_id=%s err=%v", lease.Job.Queue, lease.Job.ID, err)
			}
		}
	}
}

// Maintain promotes due retries and reclaims expired leases once.
func (p *Processor) Maintain(ctx context.Context) error {
	now := p.now()
	promoted, err := p.broker.Promote(ctx, p.cfg.Queue, now)
	if err != nil {
		return fmt.Errorf("promote: %w", err)
	}
	reclaimed, err := p.broker.Reclaim(ctx, p.cfg.Queue, now)
	if err != nil {
		return fmt.Errorf("reclaim: %w", err)
	}
	if reclaimed > 0 {
		p.logf("expired leases reclaimed queue=%s count=%d", p.cfg.Queue, reclaimed)
	}
	if promoted > 0 {
		p.logf("delayed jobs promoted queue=%s count=%d", p.cfg.Queue, promoted)
	}

	stats, err := p.broker.Stats(ctx, p.cfg.Queue)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	p.metrics.QueueDepth(p.cfg.Queue, stats.Pending, stats.Active, stats.Delayed, stats.Dead)
	return nil
}

func (p *Processor) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Maintain(ctx); err != nil && ctx.Err() == nil {
				p.logf("worker maintenance failed queue=%s err=%v", p.cfg.Queue, err)
			}
		}
	}
}

func invoke(ctx context.Context, handler Handler, job domain.Job) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("handler panic: %v", recovered)
		}
	}()
	return handler.Process(ctx, job)
}

func (p *Processor) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
