package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mrd "github.com/alicebob/miniredis/v2"
	"github.com/iago/jyotish-reports/internal/broker"
	"github.com/iago/jyotish-reports/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newMiniBroker(t *testing.T) *RedisBroker {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisBroker(broker.NewConn(rdb))
}

// forEachBroker runs the same contract against Redis and the local fallback.
func forEachBroker(t *testing.T, fn func(t *testing.T, b Broker)) {
	t.Run("redis", func(t *testing.T) { fn(t, newMiniBroker(t)) })
	t.Run("local", func(t *testing.T) { fn(t, NewLocalBroker()) })
}

func testJob(id string) domain.Job {
	return domain.Job{
		ID:          id,
		Type:        domain.JobTypeGenerateReport,
		Queue:       domain.QueueReportGeneration,
		Payload:     []byte(`{"report_id":"r-1"}`),
		MaxAttempts: 3,
		Backoff:     domain.Backoff{Kind: domain.BackoffExponential, Base: 2 * time.Second},
		State:       domain.JobStateWaiting,
		EnqueuedAt:  time.Now().UTC(),
	}
}

func TestBroker_EnqueueLeaseAck(t *testing.T) {
	forEachBroker(t, func(t *testing.T, b Broker) {
		ctx := context.Background()
		q := domain.QueueReportGeneration

		lease, err := b.Lease(ctx, q, time.Minute)
		require.NoError(t, err)
		require.Nil(t, lease)

		id, err := b.Enqueue(ctx, testJob("j-1"), 0)
		require.NoError(t, err)
		require.Equal(t, "j-1", id)

		lease, err = b.Lease(ctx, q, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, lease)
		require.Equal(t, "j-1", lease.Job.ID)
		require.Equal(t, 1, lease.Job.Attempt)
		require.Equal(t, domain.JobStateActive, lease.Job.State)
		require.JSONEq(t, `{"report_id":"r-1"}`, string(lease.Job.Payload))

		stats, err := b.Stats(ctx, q)
		require.NoError(t, err)
		require.Equal(t, int64(0), stats.Pending)
		require.Equal(t, int64(1), stats.Active)

		require.NoError(t, b.Ack(ctx, lease))
		require.ErrorIs(t, b.Ack(ctx, lease), ErrLeaseLost)

		stats, err = b.Stats(ctx, q)
		require.NoError(t, err)
		require.Equal(t, Stats{Queue: q}, stats)
	})
}

func TestBroker_UniqueKeyHeldUntilFinished(t *testing.T) {
	forEachBroker(t, func(t *testing.T, b Broker) {
		ctx := context.Background()
		first := testJob("j-1")
		first.UniqueKey = "report:r-1"
		second := testJob("j-2")
		second.UniqueKey = "report:r-1"

		_, err := b.Enqueue(ctx, first, 0)
		require.NoError(t, err)

		holder, err := b.Enqueue(ctx, second, 0)
		require.ErrorIs(t, err, ErrDuplicateJob)
		require.Equal(t, "j-1", holder)

		_, err = b.Enqueue(ctx, testJob("j-1"), 0)
		require.ErrorIs(t, err, ErrDuplicateJob)

		lease, err := b.Lease(ctx, first.Queue, time.Minute)
		require.NoError(t, err)
		require.NoError(t, b.Ack(ctx, lease))

		id, err := b.Enqueue(ctx, second, 0)
		require.NoError(t, err)
		require.Equal(t, "j-2", id)
	})
}

func TestBroker_AtMostOneLeasePerJob(t *testing.T) {
	forEachBroker(t, func(t *testing.T, b Broker) {
		ctx := context.Background()
		_, err := b.Enqueue(ctx, testJob("j-1"), 0)
		require.NoError(t, err)

		const workers = 16
		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			leased int
		)
		wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()
				lease, err := b.Lease(ctx, domain.QueueReportGeneration, time.Minute)
				if err != nil || lease == nil {
					return
				}
				mu.Lock()
				leased++
				mu.Unlock()
			}()
		}
		wg.Wait()
		require.Equal(t, 1, leased)
	})
}

func TestBroker_ReclaimInvalidatesOldLease(t *testing.T) {
	forEachBroker(t, func(t *testing.T, b Broker) {
		ctx := context.Background()
		q := domain.QueueReportGeneration
		_, err := b.Enqueue(ctx, testJob("j-1"), 0)
		require.NoError(t, err)

		stale, err := b.Lease(ctx, q, time.Second)
		require.NoError(t, err)

		moved, err := b.Reclaim(ctx, q, time.Now())
		require.NoError(t, err)
		require.Equal(t, 0, moved, "live lease must not be reclaimed")

		moved, err = b.Reclaim(ctx, q, time.Now().Add(2*time.Second))
		require.NoError(t, err)
		require.Equal(t, 1, moved)

		fresh, err := b.Lease(ctx, q, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, fresh)
		require.Equal(t, 2, fresh.Job.Attempt, "crashed attempt is counted")

		require.ErrorIs(t, b.Extend(ctx, stale, time.Minute), ErrLeaseLost)
		require.ErrorIs(t, b.Ack(ctx, stale), ErrLeaseLost)
		require.ErrorIs(t, b.Retry(ctx, stale, time.Second, errors.New("x")), ErrLeaseLost)
		require.ErrorIs(t, b.Bury(ctx, stale, errors.New("x")), ErrLeaseLost)

		require.NoError(t, b.Extend(ctx, fresh, time.Minute))
		require.NoError(t, b.Ack(ctx, fresh))
	})
}

func TestBroker_RetryWaitsForBackoff(t *testing.T) {
	forEachBroker(t, func(t *testing.T, b Broker) {
		ctx := context.Background()
		q := domain.QueueReportGeneration
		_, err := b.Enqueue(ctx, testJob("j-1"), 0)
		require.NoError(t, err)

		lease, err := b.Lease(ctx, q, time.Minute)
		require.NoError(t, err)
		require.NoError(t, b.Retry(ctx, lease, 2*time.Second, &domain.UpstreamError{Status: 500, Body: "boom"}))

		stats, err := b.Stats(ctx, q)
		require.NoError(t, err)
		require.Equal(t, int64(1), stats.Delayed)

		moved, err := b.Promote(ctx, q, time.Now())
		require.NoError(t, err)
		require.Equal(t, 0, moved)

		moved, err = b.Promote(ctx, q, time.Now().Add(3*time.Second))
		require.NoError(t, err)
		require.Equal(t, 1, moved)

		lease, err = b.Lease(ctx, q, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, lease)
		require.Equal(t, 2, lease.Job.Attempt)
		require.Contains(t, lease.Job.LastError, "upstream status 500")
	})
}

func TestBroker_BuryAndRequeue(t *testing.T) {
	forEachBroker(t, func(t *testing.T, b Broker) {
		ctx := context.Background()
		q := domain.QueueReportGeneration
		job := testJob("j-1")
		job.UniqueKey = "report:r-1"
		_, err := b.Enqueue(ctx, job, 0)
		require.NoError(t, err)

		lease, err := b.Lease(ctx, q, time.Minute)
		require.NoError(t, err)
		require.NoError(t, b.Bury(ctx, lease, domain.ErrMissingCredential))

		dead, err := b.Dead(ctx, q, 10)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		require.Equal(t, "j-1", dead[0].ID)
		require.Equal(t, domain.JobStateFailed, dead[0].State)
		require.Equal(t, 1, dead[0].Attempt)
		require.NotNil(t, dead[0].FinishedAt)

		require.NoError(t, b.Requeue(ctx, q, "j-1"))
		require.ErrorIs(t, b.Requeue(ctx, q, "j-1"), domain.ErrNotFound)

		lease, err = b.Lease(ctx, q, time.Minute)
		require.NoError(t, err)
		require.Equal(t, 1, lease.Job.Attempt, "requeue restores the attempt budget")
		require.Empty(t, lease.Job.LastError)
	})
}

func TestBroker_ReleaseKeepsAttemptBudget(t *testing.T) {
	forEachBroker(t, func(t *testing.T, b Broker) {
		ctx := context.Background()
		q := domain.QueueReportGeneration
		_, err := b.Enqueue(ctx, testJob("j-1"), 0)
		require.NoError(t, err)

		lease, err := b.Lease(ctx, q, time.Minute)
		require.NoError(t, err)
		require.NoError(t, b.Release(ctx, lease))

		lease, err = b.Lease(ctx, q, time.Minute)
		require.NoError(t, err)
		require.Equal(t, 1, lease.Job.Attempt)
	})
}

func TestBroker_DelayedEnqueue(t *testing.T) {
	forEachBroker(t, func(t *testing.T, b Broker) {
		ctx := context.Background()
		q := domain.QueueReportGeneration
		_, err := b.Enqueue(ctx, testJob("j-1"), time.Hour)
		require.NoError(t, err)

		lease, err := b.Lease(ctx, q, time.Minute)
		require.NoError(t, err)
		require.Nil(t, lease)

		moved, err := b.Promote(ctx, q, time.Now().Add(2*time.Hour))
		require.NoError(t, err)
		require.Equal(t, 1, moved)
	})
}

func TestRedisBroker_EnqueueFailsWhenBrokerDown(t *testing.T) {
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	b := NewRedisBroker(broker.NewConn(rdb))
	s.Close()

	_, err := b.Enqueue(context.Background(), testJob("j-1"), 0)
	require.ErrorIs(t, err, domain.ErrBrokerUnavailable)
}

func TestRedisBroker_UndecodableJobIsBuried(t *testing.T) {
	b := newMiniBroker(t)
	ctx := context.Background()
	q := domain.QueueReportGeneration
	k := b.keysFor(q)

	require.NoError(t, b.rdb.HSet(ctx, k.Jobs, "bad", "{not json").Err())
	require.NoError(t, b.rdb.LPush(ctx, k.Pending, "bad").Err())
	_, err := b.Enqueue(ctx, testJob("good"), 0)
	require.NoError(t, err)

	lease, err := b.Lease(ctx, q, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)
	require.Equal(t, "good", lease.Job.ID)

	stats, err := b.Stats(ctx, q)
	require.NoError(t, err)
	require.Equal(t, int64(0), stats.Pending)
	require.Equal(t, int64(1), stats.Active)
	require.Equal(t, int64(1), stats.Dead)

	dead, err := b.Dead(ctx, q, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, "bad", dead[0].ID)
	require.Equal(t, domain.JobStateFailed, dead[0].State)
	require.Contains(t, dead[0].LastError, "decode job")

	// the broken id holds no lease, so an expired-lease sweep cannot
	// bring it back
	require.NoError(t, b.Ack(ctx, lease))
	moved, err := b.Reclaim(ctx, q, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Zero(t, moved)

	lease, err = b.Lease(ctx, q, time.Minute)
	require.NoError(t, err)
	require.Nil(t, lease)
}
