package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/iago/jyotish-reports/internal/broker"
	"github.com/iago/jyotish-reports/internal/domain"
	"github.com/iago/jyotish-reports/internal/policy"
	"github.com/redis/go-redis/v9"
)

const maxMovesPerTick = 256

// RedisBroker stores jobs in Redis: a pending LIST of ids, an active ZSET
// scored by lease deadline, a delayed ZSET scored by due time, a dead LIST
// and a HASH holding the job records.
type RedisBroker struct {
	rdb redis.UniversalClient
	now func() time.Time

	mu   sync.Mutex
	keys map[string]queueKeys
}

func NewRedisBroker(conn *broker.Conn) *RedisBroker {
	return &RedisBroker{
		rdb:  conn.Client(),
		now:  time.Now,
		keys: make(map[string]queueKeys),
	}
}

func (b *RedisBroker) keysFor(queue string) queueKeys {
	b.mu.Lock()
	defer b.mu.Unlock()
	k, ok := b.keys[queue]
	if !ok {
		k = keysFor(queue)
		b.keys[queue] = k
	}
	return k
}

func (b *RedisBroker) Enqueue(ctx context.Context, job domain.Job, delay time.Duration) (string, error) {
	raw, err := encodeJob(job)
	if err != nil {
		return "", err
	}
	var due int64
	if delay > 0 {
		due = b.now().Add(delay).UnixMilli()
	}

	k := b.keysFor(job.Queue)
	res, err := enqueueScript.Run(ctx, b.rdb,
		[]string{k.Jobs, k.Pending, k.Delayed, k.Unique},
		job.ID, raw, job.UniqueKey, strconv.FormatInt(due, 10),
	).Slice()
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", job.Queue, broker.Unavailable(err))
	}
	if len(res) != 2 {
		return "", fmt.Errorf("enqueue %s: unexpected reply %v", job.Queue, res)
	}
	id := toString(res[1])
	if toInt64(res[0]) == 0 {
		return id, ErrDuplicateJob
	}
	return id, nil
}

// Lease claims the oldest pending job of the queue. It returns nil, nil when
// the queue is empty.
func (b *RedisBroker) Lease(ctx context.Context, queue string, ttl time.Duration) (*Lease, error) {
	k := b.keysFor(queue)
	for i := 0; i < maxMovesPerTick; i++ {
		token := uuid.NewString()
		deadline := b.now().Add(ttl).UnixMilli()
		res, err := leaseScript.Run(ctx, b.rdb,
			[]string{k.Pending, k.Active, k.Jobs, k.Leases, k.Attempts},
			strconv.FormatInt(deadline, 10), token,
		).Slice()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("lease %s: %w", queue, broker.Unavailable(err))
		}
		if len(res) != 3 {
			return nil, fmt.Errorf("lease %s: unexpected reply %v", queue, res)
		}

		raw := toString(res[1])
		if raw == "" {
			// id without record, drop it and look at the next one
			continue
		}
		job, err := decodeJob(raw)
		if err != nil {
			// an unreadable record can never run; park it in the dead list
			// so reclaim does not hand it out again
			if err := b.buryUndecodable(ctx, k, queue, toString(res[0]), token, int(toInt64(res[2])), err); err != nil {
				return nil, err
			}
			continue
		}
		started := b.now().UTC()
		job.Attempt = int(toInt64(res[2]))
		job.State = domain.JobStateActive
		job.StartedAt = &started
		return &Lease{Job: job, Token: token}, nil
	}
	return nil, nil
}

func (b *RedisBroker) Extend(ctx context.Context, lease *Lease, ttl time.Duration) error {
	k := b.keysFor(lease.Job.Queue)
	deadline := b.now().Add(ttl).UnixMilli()
	ok, err := extendScript.Run(ctx, b.rdb,
		[]string{k.Active, k.Leases},
		lease.Job.ID, lease.Token, strconv.FormatInt(deadline, 10),
	).Int()
	return leaseResult("extend", ok, err)
}

func (b *RedisBroker) Ack(ctx context.Context, lease *Lease) error {
	k := b.keysFor(lease.Job.Queue)
	ok, err := ackScript.Run(ctx, b.rdb,
		[]string{k.Active, k.Leases, k.Jobs, k.Attempts, k.Unique},
		lease.Job.ID, lease.Token, lease.Job.UniqueKey,
	).Int()
	return leaseResult("ack", ok, err)
}

func (b *RedisBroker) Retry(ctx context.Context, lease *Lease, delay time.Duration, cause error) error {
	job := lease.Job
	job.State = domain.JobStateDelayed
	job.LastError = errorText(cause)
	raw, err := encodeJob(job)
	if err != nil {
		return err
	}

	k := b.keysFor(job.Queue)
	due := b.now().Add(delay).UnixMilli()
	ok, err := retryScript.Run(ctx, b.rdb,
		[]string{k.Active, k.Leases, k.Jobs, k.Delayed},
		job.ID, lease.Token, raw, strconv.FormatInt(due, 10),
	).Int()
	return leaseResult("retry", ok, err)
}

func (b *RedisBroker) Bury(ctx context.Context, lease *Lease, cause error) error {
	job := lease.Job
	finished := b.now().UTC()
	job.State = domain.JobStateFailed
	job.LastError = errorText(cause)
	job.FinishedAt = &finished
	raw, err := encodeJob(job)
	if err != nil {
		return err
	}

	k := b.keysFor(job.Queue)
	ok, err := buryScript.Run(ctx, b.rdb,
		[]string{k.Active, k.Leases, k.Jobs, k.Dead, k.Unique},
		job.ID, lease.Token, raw, job.UniqueKey,
	).Int()
	return leaseResult("bury", ok, err)
}

// buryUndecodable replaces a leased record that failed to decode with a
// failed job carrying the decode error and moves it to the dead list.
func (b *RedisBroker) buryUndecodable(ctx context.Context, k queueKeys, queue, id, token string, attempt int, cause error) error {
	finished := b.now().UTC()
	raw, err := encodeJob(domain.Job{
		ID:         id,
		Queue:      queue,
		State:      domain.JobStateFailed,
		Attempt:    attempt,
		LastError:  errorText(cause),
		FinishedAt: &finished,
	})
	if err != nil {
		return err
	}
	_, err = buryScript.Run(ctx, b.rdb,
		[]string{k.Active, k.Leases, k.Jobs, k.Dead, k.Unique},
		id, token, raw, "",
	).Int()
	if err != nil {
		return fmt.Errorf("lease %s: bury undecodable %s: %w", queue, id, broker.Unavailable(err))
	}
	return nil
}

// Release gives the job back without consuming an attempt.
func (b *RedisBroker) Release(ctx context.Context, lease *Lease) error {
	k := b.keysFor(lease.Job.Queue)
	ok, err := releaseScript.Run(ctx, b.rdb,
		[]string{k.Active, k.Leases, k.Attempts, k.Pending},
		lease.Job.ID, lease.Token,
	).Int()
	return leaseResult("release", ok, err)
}

// Promote moves due delayed jobs back to pending.
func (b *RedisBroker) Promote(ctx context.Context, queue string, now time.Time) (int, error) {
	k := b.keysFor(queue)
	return b.moveDue(ctx, promoteOneScript, []string{k.Delayed, k.Pending}, now)
}

// Reclaim moves jobs whose lease deadline passed back to pending.
func (b *RedisBroker) Reclaim(ctx context.Context, queue string, now time.Time) (int, error) {
	k := b.keysFor(queue)
	return b.moveDue(ctx, reclaimOneScript, []string{k.Active, k.Pending, k.Leases}, now)
}

func (b *RedisBroker) moveDue(ctx context.Context, script *redis.Script, keys []string, now time.Time) (int, error) {
	nowMs := strconv.FormatInt(now.UnixMilli(), 10)
	moved := 0
	for moved < maxMovesPerTick {
		err := script.Run(ctx, b.rdb, keys, nowMs).Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return moved, broker.Unavailable(err)
		}
		moved++
	}
	return moved, nil
}

func (b *RedisBroker) Stats(ctx context.Context, queue string) (Stats, error) {
	k := b.keysFor(queue)
	pipe := b.rdb.Pipeline()
	pending := pipe.LLen(ctx, k.Pending)
	active := pipe.ZCard(ctx, k.Active)
	delayed := pipe.ZCard(ctx, k.Delayed)
	dead := pipe.LLen(ctx, k.Dead)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("stats %s: %w", queue, broker.Unavailable(err))
	}
	return Stats{
		Queue:   queue,
		Pending: pending.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
		Dead:    dead.Val(),
	}, nil
}

func (b *RedisBroker) Dead(ctx context.Context, queue string, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	k := b.keysFor(queue)
	ids, err := b.rdb.LRange(ctx, k.Dead, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead %s: %w", queue, broker.Unavailable(err))
	}
	if len(ids) == 0 {
		return []domain.Job{}, nil
	}
	values, err := b.rdb.HMGet(ctx, k.Jobs, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load dead %s: %w", queue, broker.Unavailable(err))
	}

	jobs := make([]domain.Job, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		job, err := decodeJob(raw)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Requeue moves a dead job back to pending with a fresh attempt budget.
func (b *RedisBroker) Requeue(ctx context.Context, queue, jobID string) error {
	k := b.keysFor(queue)
	raw, err := b.rdb.HGet(ctx, k.Jobs, jobID).Result()
	if errors.Is(err, redis.Nil) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("requeue %s: %w", queue, broker.Unavailable(err))
	}
	job, err := decodeJob(raw)
	if err != nil {
		return err
	}
	job.State = domain.JobStateWaiting
	job.Attempt = 0
	job.LastError = ""
	job.StartedAt = nil
	job.FinishedAt = nil
	encoded, err := encodeJob(job)
	if err != nil {
		return err
	}

	res, err := requeueScript.Run(ctx, b.rdb,
		[]string{k.Dead, k.Pending, k.Attempts, k.Jobs, k.Unique},
		jobID, encoded, job.UniqueKey,
	).Int()
	if err != nil {
		return fmt.Errorf("requeue %s: %w", queue, broker.Unavailable(err))
	}
	switch res {
	case -1:
		return ErrDuplicateJob
	case 0:
		return domain.ErrNotFound
	}
	return nil
}

func leaseResult(op string, ok int, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, broker.Unavailable(err))
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

// encodeJob uses encoding/json so the stored bytes are stable; sonic only
// decodes (same split as the payload encoder).
func encodeJob(job domain.Job) (string, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	return string(raw), nil
}

func decodeJob(raw string) (domain.Job, error) {
	var job domain.Job
	if err := sonic.UnmarshalString(raw, &job); err != nil {
		return domain.Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return policy.Truncate(policy.Redact(err.Error()), 500)
}

func toString(value any) string {
	switch typed := value.(type) {
	case string:
		return typed
	case []byte:
		return string(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	default:
		return ""
	}
}

func toInt64(value any) int64 {
	switch typed := value.(type) {
	case int64:
		return typed
	case string:
		parsed, _ := strconv.ParseInt(typed, 10, 64)
		return parsed
	default:
		return 0
	}
}
