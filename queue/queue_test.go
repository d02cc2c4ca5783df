package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally"
	"github.com/xraph/tally/job"
	"github.com/xraph/tally/store/memory"
)

type order struct {
	UserID string `json:"user_id"`
	Pages  int    `json:"pages"`
}

// eventLog collects observer events for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []string
	failed map[string]int
}

func newEventLog() *eventLog {
	return &eventLog{failed: make(map[string]int)}
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) observer() Observer[order] {
	return ObserverFuncs[order]{
		Added:      func(_ context.Context, j Job[order]) { l.add("added:" + j.ID) },
		Processing: func(_ context.Context, j Job[order]) { l.add(fmt.Sprintf("processing:%s:%d", j.ID, j.Attempts)) },
		Completed:  func(_ context.Context, j Job[order]) { l.add("completed:" + j.ID) },
		Retry:      func(_ context.Context, j Job[order]) { l.add("retry:" + j.ID) },
		Failed: func(_ context.Context, j Job[order], _ error) {
			l.mu.Lock()
			l.failed[j.ID]++
			l.mu.Unlock()
			l.add("failed:" + j.ID)
		},
	}
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) failedCount(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failed[id]
}

func TestQueue(t *testing.T) {
	t.Parallel()

	t.Run("exhausts_attempts", testQueueExhaustsAttempts)
	t.Run("retries_then_completes", testQueueRetriesThenCompletes)
	t.Run("respects_concurrency", testQueueRespectsConcurrency)
	t.Run("dispatches_fifo", testQueueDispatchesFIFO)
	t.Run("process_once", testQueueProcessOnce)
	t.Run("recovers_panics", testQueueRecoversPanics)
	t.Run("persists_before_failed", testQueuePersistsBeforeFailed)
	t.Run("stop_cancels_retries", testQueueStopCancelsRetries)
	t.Run("per_job_attempts", testQueuePerJobAttempts)
	t.Run("stats", testQueueStats)
	t.Run("replaces_retrying_job", testQueueReplacesRetryingJob)
	t.Run("replaces_processing_job", testQueueReplacesProcessingJob)
	t.Run("restores_saved_job", testQueueRestoresSavedJob)
}

func testQueueExhaustsAttempts(t *testing.T) {
	t.Parallel()

	// Setup
	log := newEventLog()
	q := New[order](
		WithRetryDelay[order](5*time.Millisecond),
		WithObserver[order](log.observer()),
	)
	var calls atomic.Int32
	require.NoError(t, q.Process(func(context.Context, Job[order]) error {
		calls.Add(1)
		return errors.New("ocr timeout")
	}))

	// Do
	_, err := q.Add(context.Background(), "j1", order{UserID: "u1"})
	require.NoError(t, err)

	// Assert
	require.Eventually(t, func() bool { return log.failedCount("j1") == 1 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, int32(3), calls.Load(), "processor calls")
	assert.Equal(t, 1, log.failedCount("j1"), "failed events")

	j, ok := q.GetJob("j1")
	require.True(t, ok)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, 3, j.Attempts)
	assert.Equal(t, "ocr timeout", j.Error)
	assert.NotNil(t, j.ProcessedAt)

	assert.Equal(t, []string{
		"added:j1",
		"processing:j1:1", "retry:j1",
		"processing:j1:2", "retry:j1",
		"processing:j1:3", "failed:j1",
	}, log.snapshot())
}

func testQueueRetriesThenCompletes(t *testing.T) {
	t.Parallel()

	log := newEventLog()
	q := New[order](
		WithRetryDelay[order](time.Millisecond),
		WithObserver[order](log.observer()),
	)
	var calls atomic.Int32
	require.NoError(t, q.Process(func(context.Context, Job[order]) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	}))

	_, err := q.Add(context.Background(), "j1", order{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, _ := q.GetJob("j1")
		return j.Status == job.StatusCompleted
	}, time.Second, time.Millisecond)

	j, _ := q.GetJob("j1")
	assert.Equal(t, 2, j.Attempts)
	assert.Empty(t, j.Error)
	assert.Equal(t, 0, log.failedCount("j1"))
}

func testQueueRespectsConcurrency(t *testing.T) {
	t.Parallel()

	q := New[order](WithConcurrency[order](2))
	release := make(chan struct{})
	var running, maxRunning, done atomic.Int32
	require.NoError(t, q.Process(func(context.Context, Job[order]) error {
		n := running.Add(1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		done.Add(1)
		return nil
	}))

	for i := 0; i < 6; i++ {
		_, err := q.Add(context.Background(), fmt.Sprintf("j%d", i), order{})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, time.Millisecond)
	stats := q.GetStats()
	assert.Equal(t, 2, stats.Processing)
	assert.Equal(t, 4, stats.Pending)

	close(release)
	require.Eventually(t, func() bool { return done.Load() == 6 }, time.Second, time.Millisecond)
	assert.LessOrEqual(t, maxRunning.Load(), int32(2))
}

func testQueueDispatchesFIFO(t *testing.T) {
	t.Parallel()

	q := New[order](WithConcurrency[order](1))
	var mu sync.Mutex
	var seen []string

	for i := 0; i < 5; i++ {
		_, err := q.Add(context.Background(), fmt.Sprintf("j%d", i), order{Pages: i})
		require.NoError(t, err)
	}

	require.NoError(t, q.Process(func(_ context.Context, j Job[order]) error {
		mu.Lock()
		seen = append(seen, j.ID)
		mu.Unlock()
		return nil
	}))

	require.Eventually(t, func() bool { return q.GetStats().Completed == 5 }, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"j0", "j1", "j2", "j3", "j4"}, seen)
}

func testQueueProcessOnce(t *testing.T) {
	t.Parallel()

	q := New[order]()
	require.NoError(t, q.Process(func(context.Context, Job[order]) error { return nil }))

	err := q.Process(func(context.Context, Job[order]) error { return nil })
	assert.ErrorIs(t, err, tally.ErrProcessorRegistered)
}

func testQueueRecoversPanics(t *testing.T) {
	t.Parallel()

	log := newEventLog()
	q := New[order](
		WithMaxAttempts[order](1),
		WithObserver[order](log.observer()),
	)
	require.NoError(t, q.Process(func(context.Context, Job[order]) error {
		panic("renderer crashed")
	}))

	_, err := q.Add(context.Background(), "j1", order{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return log.failedCount("j1") == 1 }, time.Second, time.Millisecond)
	j, _ := q.GetJob("j1")
	assert.Contains(t, j.Error, "renderer crashed")
}

func testQueuePersistsBeforeFailed(t *testing.T) {
	t.Parallel()

	s := memory.New()
	statusAtFailure := make(chan job.Status, 1)
	q := New[order](
		WithStore[order](s),
		WithMaxAttempts[order](2),
		WithRetryDelay[order](time.Millisecond),
		WithObserver[order](ObserverFuncs[order]{
			Failed: func(ctx context.Context, j Job[order], _ error) {
				r, err := s.GetJob(ctx, j.ID)
				if err != nil {
					statusAtFailure <- ""
					return
				}
				statusAtFailure <- r.Status
			},
		}),
	)
	require.NoError(t, q.Process(func(context.Context, Job[order]) error {
		return errors.New("boom")
	}))

	_, err := q.Add(context.Background(), "j1", order{UserID: "u1", Pages: 3})
	require.NoError(t, err)

	select {
	case st := <-statusAtFailure:
		assert.Equal(t, job.StatusFailed, st)
	case <-time.After(time.Second):
		t.Fatal("failed event not emitted")
	}

	r, err := s.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, 2, r.Attempts)
	assert.JSONEq(t, `{"user_id":"u1","pages":3}`, string(r.Payload))
}

func testQueueStopCancelsRetries(t *testing.T) {
	t.Parallel()

	q := New[order](WithRetryDelay[order](time.Hour))
	var calls atomic.Int32
	require.NoError(t, q.Process(func(context.Context, Job[order]) error {
		calls.Add(1)
		return errors.New("boom")
	}))

	_, err := q.Add(context.Background(), "j1", order{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, _ := q.GetJob("j1")
		return j.Attempts == 1 && j.Status == job.StatusPending
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Stop(ctx))

	_, err = q.Add(context.Background(), "j2", order{})
	assert.ErrorIs(t, err, tally.ErrQueueStopped)
	assert.Equal(t, int32(1), calls.Load())
}

func testQueuePerJobAttempts(t *testing.T) {
	t.Parallel()

	log := newEventLog()
	q := New[order](
		WithRetryDelay[order](time.Millisecond),
		WithObserver[order](log.observer()),
	)
	require.NoError(t, q.Process(func(context.Context, Job[order]) error {
		return errors.New("boom")
	}))

	_, err := q.Add(context.Background(), "j1", order{}, WithJobMaxAttempts(1))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return log.failedCount("j1") == 1 }, time.Second, time.Millisecond)
	j, _ := q.GetJob("j1")
	assert.Equal(t, 1, j.Attempts)
	assert.NotContains(t, log.snapshot(), "retry:j1")
}

func testQueueStats(t *testing.T) {
	t.Parallel()

	q := New[order](WithMaxAttempts[order](1))
	for i := 0; i < 4; i++ {
		_, err := q.Add(context.Background(), fmt.Sprintf("j%d", i), order{Pages: i})
		require.NoError(t, err)
	}
	assert.Equal(t, Stats{Pending: 4}, q.GetStats())

	require.NoError(t, q.Process(func(_ context.Context, j Job[order]) error {
		if j.Payload.Pages%2 == 0 {
			return nil
		}
		return errors.New("odd")
	}))

	require.Eventually(t, func() bool {
		s := q.GetStats()
		return s.Completed == 2 && s.Failed == 2
	}, time.Second, time.Millisecond)

	_, ok := q.GetJob("missing")
	assert.False(t, ok)
}

func testQueueReplacesRetryingJob(t *testing.T) {
	t.Parallel()

	s := memory.New()
	log := newEventLog()
	q := New[order](
		WithStore[order](s),
		WithRetryDelay[order](200*time.Millisecond),
		WithObserver[order](log.observer()),
	)
	var oldCalls atomic.Int32
	require.NoError(t, q.Process(func(_ context.Context, j Job[order]) error {
		if j.Payload.Pages == 1 {
			oldCalls.Add(1)
			return errors.New("boom")
		}
		return nil
	}))

	_, err := q.Add(context.Background(), "j1", order{Pages: 1})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, _ := q.GetJob("j1")
		return j.Attempts == 1 && j.Status == job.StatusPending
	}, time.Second, time.Millisecond)

	_, err = q.Add(context.Background(), "j1", order{Pages: 2})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, _ := q.GetJob("j1")
		return j.Status == job.StatusCompleted
	}, time.Second, time.Millisecond)

	// Outlive the old record's retry delay.
	time.Sleep(400 * time.Millisecond)

	assert.Equal(t, int32(1), oldCalls.Load(), "old record retried")
	assert.Equal(t, []string{
		"added:j1", "processing:j1:1", "retry:j1",
		"added:j1", "processing:j1:1", "completed:j1",
	}, log.snapshot())

	j, _ := q.GetJob("j1")
	assert.Equal(t, 2, j.Payload.Pages)
	assert.Equal(t, 1, j.Attempts)

	r, err := s.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, r.Status)
	assert.JSONEq(t, `{"user_id":"","pages":2}`, string(r.Payload))
}

func testQueueReplacesProcessingJob(t *testing.T) {
	t.Parallel()

	s := memory.New()
	log := newEventLog()
	q := New[order](
		WithStore[order](s),
		WithRetryDelay[order](time.Millisecond),
		WithObserver[order](log.observer()),
	)
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, q.Process(func(_ context.Context, j Job[order]) error {
		if j.Payload.Pages == 1 {
			close(started)
			<-release
			return errors.New("boom")
		}
		return nil
	}))

	_, err := q.Add(context.Background(), "j1", order{Pages: 1})
	require.NoError(t, err)
	<-started

	_, err = q.Add(context.Background(), "j1", order{Pages: 2})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, _ := q.GetJob("j1")
		return j.Status == job.StatusCompleted
	}, time.Second, time.Millisecond)

	close(release)
	require.Eventually(t, func() bool { return q.GetStats().Processing == 0 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.NotContains(t, log.snapshot(), "retry:j1")
	assert.Equal(t, 0, log.failedCount("j1"))

	j, _ := q.GetJob("j1")
	assert.Equal(t, 2, j.Payload.Pages)
	assert.Equal(t, job.StatusCompleted, j.Status)

	r, err := s.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, r.Status)
	assert.Empty(t, r.Error)
}

func testQueueRestoresSavedJob(t *testing.T) {
	t.Parallel()

	s := memory.New()
	log := newEventLog()
	q := New[order](
		WithStore[order](s),
		WithRetryDelay[order](time.Millisecond),
		WithObserver[order](log.observer()),
	)
	require.NoError(t, q.Process(func(context.Context, Job[order]) error {
		return errors.New("boom")
	}))

	// Interrupted during its second attempt: that attempt is not counted.
	j, err := q.Restore(context.Background(), Job[order]{
		ID:          "j1",
		Payload:     order{UserID: "u1"},
		Attempts:    2,
		MaxAttempts: 3,
		Status:      job.StatusProcessing,
		CreatedAt:   time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, j.Attempts)

	require.Eventually(t, func() bool { return log.failedCount("j1") == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{
		"processing:j1:2", "retry:j1",
		"processing:j1:3", "failed:j1",
	}, log.snapshot())

	r, err := s.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, r.Status)
	assert.Equal(t, 3, r.Attempts)
}
