package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iago/jyotish-reports/internal/domain"
)

type localQueue struct {
	pending  []string
	active   map[string]time.Time
	delayed  map[string]time.Time
	dead     []string
	leases   map[string]string
	attempts map[string]int
}

// LocalBroker is an in-process Broker used when Redis is not configured and
// in tests. Jobs do not survive a restart.
type LocalBroker struct {
	mu     sync.Mutex
	now    func() time.Time
	jobs   map[string]domain.Job
	unique map[string]string
	queues map[string]*localQueue
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{
		now:    time.Now,
		jobs:   make(map[string]domain.Job),
		unique: make(map[string]string),
		queues: make(map[string]*localQueue),
	}
}

func (b *LocalBroker) queue(name string) *localQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &localQueue{
			active:   make(map[string]time.Time),
			delayed:  make(map[string]time.Time),
			leases:   make(map[string]string),
			attempts: make(map[string]int),
		}
		b.queues[name] = q
	}
	return q
}

func (b *LocalBroker) Enqueue(ctx context.Context, job domain.Job, delay time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.jobs[job.ID]; exists {
		return job.ID, ErrDuplicateJob
	}
	if job.UniqueKey != "" {
		if holder, held := b.unique[job.UniqueKey]; held {
			return holder, ErrDuplicateJob
		}
		b.unique[job.UniqueKey] = job.ID
	}

	q := b.queue(job.Queue)
	b.jobs[job.ID] = job
	if delay > 0 {
		q.delayed[job.ID] = b.now().Add(delay)
	} else {
		q.pending = append(q.pending, job.ID)
	}
	return job.ID, nil
}

func (b *LocalBroker) Lease(ctx context.Context, queue string, ttl time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	for len(q.pending) > 0 {
		id := q.pending[0]
		q.pending = q.pending[1:]
		job, ok := b.jobs[id]
		if !ok {
			continue
		}

		token := uuid.NewString()
		q.active[id] = b.now().Add(ttl)
		q.leases[id] = token
		q.attempts[id]++

		started := b.now().UTC()
		job.Attempt = q.attempts[id]
		job.State = domain.JobStateActive
		job.StartedAt = &started
		return &Lease{Job: job, Token: token}, nil
	}
	return nil, nil
}

func (b *LocalBroker) owns(q *localQueue, lease *Lease) bool {
	token, ok := q.leases[lease.Job.ID]
	return ok && token == lease.Token
}

func (b *LocalBroker) Extend(_ context.Context, lease *Lease, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(lease.Job.Queue)
	if !b.owns(q, lease) {
		return ErrLeaseLost
	}
	q.active[lease.Job.ID] = b.now().Add(ttl)
	return nil
}

func (b *LocalBroker) Ack(_ context.Context, lease *Lease) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(lease.Job.Queue)
	if !b.owns(q, lease) {
		return ErrLeaseLost
	}
	id := lease.Job.ID
	delete(q.active, id)
	delete(q.leases, id)
	delete(q.attempts, id)
	delete(b.jobs, id)
	b.releaseUnique(lease.Job)
	return nil
}

func (b *LocalBroker) Retry(_ context.Context, lease *Lease, delay time.Duration, cause error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(lease.Job.Queue)
	if !b.owns(q, lease) {
		return ErrLeaseLost
	}
	job := lease.Job
	job.State = domain.JobStateDelayed
	job.LastError = errorText(cause)

	delete(q.active, job.ID)
	delete(q.leases, job.ID)
	b.jobs[job.ID] = job
	q.delayed[job.ID] = b.now().Add(delay)
	return nil
}

func (b *LocalBroker) Bury(_ context.Context, lease *Lease, cause error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(lease.Job.Queue)
	if !b.owns(q, lease) {
		return ErrLeaseLost
	}
	finished := b.now().UTC()
	job := lease.Job
	job.State = domain.JobStateFailed
	job.LastError = errorText(cause)
	job.FinishedAt = &finished

	delete(q.active, job.ID)
	delete(q.leases, job.ID)
	b.jobs[job.ID] = job
	q.dead = append([]string{job.ID}, q.dead...)
	b.releaseUnique(job)
	return nil
}

func (b *LocalBroker) Release(_ context.Context, lease *Lease) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(lease.Job.Queue)
	if !b.owns(q, lease) {
		return ErrLeaseLost
	}
	id := lease.Job.ID
	delete(q.active, id)
	delete(q.leases, id)
	q.attempts[id]--
	q.pending = append([]string{id}, q.pending...)
	return nil
}

func (b *LocalBroker) Promote(_ context.Context, queue string, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(queue)
	due := dueIDs(q.delayed, now)
	for _, id := range due {
		delete(q.delayed, id)
		q.pending = append(q.pending, id)
	}
	return len(due), nil
}

func (b *LocalBroker) Reclaim(_ context.Context, queue string, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(queue)
	expired := dueIDs(q.active, now)
	for _, id := range expired {
		delete(q.active, id)
		delete(q.leases, id)
		q.pending = append([]string{id}, q.pending...)
	}
	return len(expired), nil
}

func (b *LocalBroker) Stats(_ context.Context, queue string) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(queue)
	return Stats{
		Queue:   queue,
		Pending: int64(len(q.pending)),
		Active:  int64(len(q.active)),
		Delayed: int64(len(q.delayed)),
		Dead:    int64(len(q.dead)),
	}, nil
}

func (b *LocalBroker) Dead(_ context.Context, queue string, limit int) ([]domain.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	q := b.queue(queue)
	jobs := make([]domain.Job, 0, limit)
	for _, id := range q.dead {
		if len(jobs) == limit {
			break
		}
		if job, ok := b.jobs[id]; ok {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (b *LocalBroker) Requeue(_ context.Context, queue, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(queue)
	index := -1
	for i, id := range q.dead {
		if id == jobID {
			index = i
			break
		}
	}
	if index < 0 {
		return domain.ErrNotFound
	}
	job := b.jobs[jobID]
	if job.UniqueKey != "" {
		if holder, held := b.unique[job.UniqueKey]; held && holder != jobID {
			return ErrDuplicateJob
		}
		b.unique[job.UniqueKey] = jobID
	}

	q.dead = append(q.dead[:index], q.dead[index+1:]...)
	delete(q.attempts, jobID)
	job.State = domain.JobStateWaiting
	job.Attempt = 0
	job.LastError = ""
	job.StartedAt = nil
	job.FinishedAt = nil
	b.jobs[jobID] = job
	q.pending = append(q.pending, jobID)
	return nil
}

func (b *LocalBroker) releaseUnique(job domain.Job) {
	if job.UniqueKey == "" {
		return
	}
	if b.unique[job.UniqueKey] == job.ID {
		delete(b.unique, job.UniqueKey)
	}
}

func dueIDs(scores map[string]time.Time, now time.Time) []string {
	ids := make([]string, 0)
	for id, at := range scores {
		if !at.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return scores[ids[i]].Before(scores[ids[j]])
	})
	return ids
}
