package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reviewpipe/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock for backoff scheduling.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := queue.RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second}

	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 8*time.Second, p.Backoff(3))
	assert.Equal(t, 2*time.Second, p.Backoff(0))
}

func TestOptions_LaneFor(t *testing.T) {
	opts := queue.DefaultOptions()

	assert.Equal(t, queue.LanePriority, opts.LaneFor(10))
	assert.Equal(t, queue.LaneStandard, opts.LaneFor(9))
	assert.Equal(t, queue.LaneStandard, opts.LaneFor(5))
	assert.Equal(t, queue.LaneStandard, opts.LaneFor(1))
}

func TestDelivery_Final(t *testing.T) {
	d := &queue.Delivery{Attempt: 2, MaxAttempts: 3}
	assert.False(t, d.Final())
	d.Attempt = 3
	assert.True(t, d.Final())
}

// backendSuite runs the shared behavioral checks against a backend factory.
// The clock is only honored by backends that read Options.Now.
func backendSuite(t *testing.T, newBackend func(t *testing.T, opts queue.Options) queue.Backend) {
	t.Run("PriorityRoutesToLanes", func(t *testing.T) {
		b := newBackend(t, queue.DefaultOptions())
		ctx := context.Background()

		ok, err := b.Enqueue(ctx, queue.Task{JobID: uuid.New(), Priority: 10})
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = b.Enqueue(ctx, queue.Task{JobID: uuid.New(), Priority: 5})
		require.NoError(t, err)
		require.True(t, ok)

		n, err := b.LaneLength(ctx, queue.LanePriority)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = b.LaneLength(ctx, queue.LaneStandard)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("DedupesByJobID", func(t *testing.T) {
		b := newBackend(t, queue.DefaultOptions())
		ctx := context.Background()
		task := queue.Task{JobID: uuid.New(), Priority: 5}

		ok, err := b.Enqueue(ctx, task)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = b.Enqueue(ctx, task)
		require.NoError(t, err)
		assert.False(t, ok)

		// Still deduped while active.
		d, err := b.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, d)
		ok, err = b.Enqueue(ctx, task)
		require.NoError(t, err)
		assert.False(t, ok)

		tracked, err := b.Tracked(ctx, task.JobID)
		require.NoError(t, err)
		assert.True(t, tracked)

		// Free again after ack.
		require.NoError(t, b.Ack(ctx, d))
		tracked, err = b.Tracked(ctx, task.JobID)
		require.NoError(t, err)
		assert.False(t, tracked)
		ok, err = b.Enqueue(ctx, task)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("PriorityLaneDrainsFirstAndLanesAreFIFO", func(t *testing.T) {
		b := newBackend(t, queue.DefaultOptions())
		ctx := context.Background()

		s1 := uuid.New()
		s2 := uuid.New()
		p1 := uuid.New()
		for _, task := range []queue.Task{
			{JobID: s1, Priority: 3},
			{JobID: s2, Priority: 7},
			{JobID: p1, Priority: 10},
		} {
			_, err := b.Enqueue(ctx, task)
			require.NoError(t, err)
		}

		var got []uuid.UUID
		for i := 0; i < 3; i++ {
			d, err := b.Dequeue(ctx, time.Second)
			require.NoError(t, err)
			require.NotNil(t, d)
			assert.Equal(t, 1, d.Attempt)
			got = append(got, d.JobID)
		}
		assert.Equal(t, []uuid.UUID{p1, s1, s2}, got)
	})

	t.Run("DequeueEmptyReturnsNil", func(t *testing.T) {
		b := newBackend(t, queue.DefaultOptions())

		d, err := b.Dequeue(context.Background(), 0)
		require.NoError(t, err)
		assert.Nil(t, d)
	})

	t.Run("NackUnknownDelivery", func(t *testing.T) {
		b := newBackend(t, queue.DefaultOptions())

		_, err := b.Nack(context.Background(), &queue.Delivery{Task: queue.Task{JobID: uuid.New()}, Attempt: 1}, errors.New("boom"))
		assert.ErrorIs(t, err, queue.ErrUnknownDelivery)
	})

	t.Run("ReleaseReturnsTaskWithoutChargingAttempt", func(t *testing.T) {
		b := newBackend(t, queue.DefaultOptions())
		ctx := context.Background()
		first := uuid.New()
		second := uuid.New()
		for _, id := range []uuid.UUID{first, second} {
			_, err := b.Enqueue(ctx, queue.Task{JobID: id, Priority: 5})
			require.NoError(t, err)
		}

		d, err := b.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, d)
		require.Equal(t, first, d.JobID)
		require.NoError(t, b.Release(ctx, d))

		// Back at the head of its lane, still on its first attempt.
		again, err := b.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, first, again.JobID)
		assert.Equal(t, 1, again.Attempt)

		require.NoError(t, b.Ack(ctx, again))
		assert.ErrorIs(t, b.Release(ctx, again), queue.ErrUnknownDelivery)
	})

	t.Run("ForgetClearsAbandonedDelivery", func(t *testing.T) {
		b := newBackend(t, queue.DefaultOptions())
		ctx := context.Background()
		task := queue.Task{JobID: uuid.New(), Priority: 5}

		_, err := b.Enqueue(ctx, task)
		require.NoError(t, err)
		// The worker holding this delivery dies without acking.
		d, err := b.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, d)

		ok, err := b.Enqueue(ctx, task)
		require.NoError(t, err)
		assert.False(t, ok)

		forgotten, err := b.Forget(ctx, task.JobID)
		require.NoError(t, err)
		assert.True(t, forgotten)

		stats, err := b.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.Active)

		ok, err = b.Enqueue(ctx, task)
		require.NoError(t, err)
		assert.True(t, ok)
		next, err := b.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, 1, next.Attempt)

		forgotten, err = b.Forget(ctx, uuid.New())
		require.NoError(t, err)
		assert.False(t, forgotten)
	})

	t.Run("ForgetRemovesWaitingTaskFromLane", func(t *testing.T) {
		b := newBackend(t, queue.DefaultOptions())
		ctx := context.Background()
		jobID := uuid.New()

		_, err := b.Enqueue(ctx, queue.Task{JobID: jobID, Priority: 10})
		require.NoError(t, err)
		forgotten, err := b.Forget(ctx, jobID)
		require.NoError(t, err)
		assert.True(t, forgotten)

		n, err := b.LaneLength(ctx, queue.LanePriority)
		require.NoError(t, err)
		assert.Zero(t, n)
		d, err := b.Dequeue(ctx, 0)
		require.NoError(t, err)
		assert.Nil(t, d)
	})

	t.Run("HistoryIsBounded", func(t *testing.T) {
		opts := queue.DefaultOptions()
		opts.KeepCompleted = 3
		b := newBackend(t, opts)
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			_, err := b.Enqueue(ctx, queue.Task{JobID: uuid.New(), Priority: 5})
			require.NoError(t, err)
			d, err := b.Dequeue(ctx, time.Second)
			require.NoError(t, err)
			require.NotNil(t, d)
			require.NoError(t, b.Ack(ctx, d))
		}

		stats, err := b.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), stats.Completed)
		assert.Equal(t, int64(0), stats.Active)
	})
}

func TestMemoryBackend(t *testing.T) {
	backendSuite(t, func(t *testing.T, opts queue.Options) queue.Backend {
		b := queue.NewMemoryBackend(opts)
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}

func TestMemoryBackend_RetriesWithBackoffThenDeadLetters(t *testing.T) {
	clock := newFakeClock()
	opts := queue.DefaultOptions()
	opts.Now = clock.Now
	b := queue.NewMemoryBackend(opts)
	ctx := context.Background()
	jobID := uuid.New()

	_, err := b.Enqueue(ctx, queue.Task{JobID: jobID, Priority: 5})
	require.NoError(t, err)

	var delays []time.Duration
	for attempt := 1; attempt <= 3; attempt++ {
		d, err := b.Dequeue(ctx, 0)
		require.NoError(t, err)
		require.NotNil(t, d, "attempt %d should be delivered", attempt)
		assert.Equal(t, attempt, d.Attempt)
		assert.Equal(t, 3, d.MaxAttempts)

		out, err := b.Nack(ctx, d, errors.New("static analysis failed"))
		require.NoError(t, err)
		if !out.Retried {
			assert.Equal(t, 3, attempt)
			break
		}
		delays = append(delays, out.Delay)

		// Not yet due.
		n, err := b.PromoteDue(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		none, err := b.Dequeue(ctx, 0)
		require.NoError(t, err)
		assert.Nil(t, none)

		clock.Advance(out.Delay)
		n, err = b.PromoteDue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}

	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, delays)

	dead, err := b.Dead(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, jobID, dead[0].JobID)
	assert.Equal(t, 3, dead[0].Attempts)
	assert.Contains(t, dead[0].Error, "static analysis failed")

	// A 4th attempt never happens.
	d, err := b.Dequeue(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestMemoryBackend_FailedHistoryIsBounded(t *testing.T) {
	opts := queue.DefaultOptions()
	opts.Policy.MaxAttempts = 1
	opts.KeepFailed = 2
	b := queue.NewMemoryBackend(opts)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := b.Enqueue(ctx, queue.Task{JobID: uuid.New(), Priority: 5})
		require.NoError(t, err)
		d, err := b.Dequeue(ctx, 0)
		require.NoError(t, err)
		out, err := b.Nack(ctx, d, errors.New("boom"))
		require.NoError(t, err)
		assert.False(t, out.Retried)
	}

	dead, err := b.Dead(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, dead, 2)
}

func TestMemoryBackend_DequeueWakesOnEnqueue(t *testing.T) {
	b := queue.NewMemoryBackend(queue.DefaultOptions())
	ctx := context.Background()
	jobID := uuid.New()

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = b.Enqueue(ctx, queue.Task{JobID: jobID, Priority: 5})
	}()

	d, err := b.Dequeue(ctx, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, jobID, d.JobID)
}

func TestMemoryBackend_DequeueHonorsContext(t *testing.T) {
	b := queue.NewMemoryBackend(queue.DefaultOptions())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	d, err := b.Dequeue(ctx, 5*time.Second)
	assert.Nil(t, d)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
