package batch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally"
	"github.com/xraph/tally/store/memory"
)

type combineCall struct {
	groupID    string
	batchIndex int
	artifacts  []string
}

type combineRecorder struct {
	mu    sync.Mutex
	calls []combineCall
	err   error
}

func (r *combineRecorder) combine(_ context.Context, groupID string, batchIndex int, artifacts []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, combineCall{groupID, batchIndex, artifacts})
	return r.err
}

func (r *combineRecorder) byBatch() map[int][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int][]string)
	for _, c := range r.calls {
		out[c.batchIndex] = c.artifacts
	}
	return out
}

func (r *combineRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func art(i int) string { return fmt.Sprintf("file-%02d.docx", i) }

func TestCoordinator(t *testing.T) {
	t.Parallel()

	t.Run("any_arrival_order", testCoordinatorAnyArrivalOrder)
	t.Run("concurrent_reports", testCoordinatorConcurrentReports)
	t.Run("short_last_batch", testCoordinatorShortLastBatch)
	t.Run("ignores_duplicates", testCoordinatorIgnoresDuplicates)
	t.Run("survives_restart", testCoordinatorSurvivesRestart)
	t.Run("evicts_after_grace", testCoordinatorEvictsAfterGrace)
	t.Run("combine_failure", testCoordinatorCombineFailure)
	t.Run("rejects_invalid_input", testCoordinatorRejectsInvalidInput)
	t.Run("failed_file_combines_rest", testCoordinatorFailedFileCombinesRest)
	t.Run("all_failed_batch_skips_combine", testCoordinatorAllFailedBatchSkipsCombine)
	t.Run("failed_last_file_evicts", testCoordinatorFailedLastFileEvicts)
}

func testCoordinatorAnyArrivalOrder(t *testing.T) {
	t.Parallel()

	for seed := int64(1); seed <= 5; seed++ {
		rec := &combineRecorder{}
		c := New(rec.combine)

		order := rand.New(rand.NewSource(seed)).Perm(12)
		for _, i := range order {
			require.NoError(t, c.ReportFileComplete(context.Background(), "g1", i, 12, 5, art(i)))
		}

		got := rec.byBatch()
		assert.Equal(t, 3, rec.count(), "seed %d", seed)
		assert.Equal(t, []string{art(0), art(1), art(2), art(3), art(4)}, got[0])
		assert.Equal(t, []string{art(5), art(6), art(7), art(8), art(9)}, got[1])
		assert.Equal(t, []string{art(10), art(11)}, got[2])
		c.Stop()
	}
}

func testCoordinatorConcurrentReports(t *testing.T) {
	t.Parallel()

	rec := &combineRecorder{}
	c := New(rec.combine, WithStore(memory.New()))
	defer c.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		for dup := 0; dup < 2; dup++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, c.ReportFileComplete(context.Background(), "g1", i, 12, 5, art(i)))
			}(i)
		}
	}
	wg.Wait()

	got := rec.byBatch()
	require.Equal(t, 3, rec.count())
	assert.Len(t, got[0], 5)
	assert.Len(t, got[1], 5)
	assert.Len(t, got[2], 2)

	g, ok := c.Tracked("g1")
	require.True(t, ok)
	assert.Equal(t, 12, g.CompletedFiles)
}

func testCoordinatorShortLastBatch(t *testing.T) {
	t.Parallel()

	rec := &combineRecorder{}
	c := New(rec.combine)
	defer c.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, c.ReportFileComplete(context.Background(), "g7", i, 7, 5, art(i)))
	}
	assert.Equal(t, 1, rec.count())

	require.NoError(t, c.ReportFileComplete(context.Background(), "g7", 6, 7, 5, art(6)))
	assert.Equal(t, 1, rec.count(), "batch 1 still needs file 5")

	require.NoError(t, c.ReportFileComplete(context.Background(), "g7", 5, 7, 5, art(5)))
	assert.Equal(t, 2, rec.count())
	assert.Equal(t, []string{art(5), art(6)}, rec.byBatch()[1])
}

func testCoordinatorIgnoresDuplicates(t *testing.T) {
	t.Parallel()

	rec := &combineRecorder{}
	c := New(rec.combine)
	defer c.Stop()
	ctx := context.Background()

	require.NoError(t, c.ReportFileComplete(ctx, "g", 0, 2, 2, art(0)))
	require.NoError(t, c.ReportFileComplete(ctx, "g", 0, 2, 2, "other.docx"))
	assert.Equal(t, 0, rec.count())

	require.NoError(t, c.ReportFileComplete(ctx, "g", 1, 2, 2, art(1)))
	require.NoError(t, c.ReportFileComplete(ctx, "g", 1, 2, 2, art(1)))
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, []string{art(0), art(1)}, rec.byBatch()[0])

	g, ok := c.Tracked("g")
	require.True(t, ok)
	assert.Equal(t, 2, g.CompletedFiles)
	assert.True(t, g.Fired[0])
}

func testCoordinatorSurvivesRestart(t *testing.T) {
	t.Parallel()

	s := memory.New()
	ctx := context.Background()

	first := &combineRecorder{}
	c1 := New(first.combine, WithStore(s))
	for i := 0; i < 3; i++ {
		require.NoError(t, c1.ReportFileComplete(ctx, "g", i, 5, 5, art(i)))
	}
	c1.Stop()

	second := &combineRecorder{}
	c2 := New(second.combine, WithStore(s))
	defer c2.Stop()
	for i := 3; i < 5; i++ {
		require.NoError(t, c2.ReportFileComplete(ctx, "g", i, 5, 5, art(i)))
	}

	assert.Equal(t, 0, first.count())
	require.Equal(t, 1, second.count())
	assert.Equal(t, []string{art(0), art(1), art(2), art(3), art(4)}, second.byBatch()[0])
}

func testCoordinatorEvictsAfterGrace(t *testing.T) {
	t.Parallel()

	s := memory.New()
	rec := &combineRecorder{}
	c := New(rec.combine, WithStore(s), WithGracePeriod(10*time.Millisecond))
	defer c.Stop()

	require.NoError(t, c.ReportFileComplete(context.Background(), "g", 0, 1, 1, art(0)))
	_, ok := c.Tracked("g")
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok := c.Tracked("g")
		return !ok
	}, time.Second, 5*time.Millisecond)

	_, err := s.GetGroup(context.Background(), "g")
	assert.True(t, tally.IsNotFound(err))
}

func testCoordinatorCombineFailure(t *testing.T) {
	t.Parallel()

	rec := &combineRecorder{err: errors.New("pdf merge failed")}
	c := New(rec.combine)
	defer c.Stop()
	ctx := context.Background()

	err := c.ReportFileComplete(ctx, "g", 0, 1, 1, art(0))
	assert.ErrorIs(t, err, tally.ErrCombineFailed)

	// Not retried on a repeated report.
	require.NoError(t, c.ReportFileComplete(ctx, "g", 0, 1, 1, art(0)))
	assert.Equal(t, 1, rec.count())
}

func testCoordinatorRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	c := New((&combineRecorder{}).combine)
	defer c.Stop()
	ctx := context.Background()

	tests := []struct {
		name      string
		groupID   string
		fileIndex int
		total     int
		perBatch  int
	}{
		{"empty group", "", 0, 1, 1},
		{"zero total", "g", 0, 0, 1},
		{"zero per batch", "g", 0, 1, 0},
		{"index too large", "g", 3, 3, 1},
		{"negative index", "g", -1, 3, 1},
	}
	for _, tt := range tests {
		err := c.ReportFileComplete(ctx, tt.groupID, tt.fileIndex, tt.total, tt.perBatch, "a")
		assert.ErrorIs(t, err, tally.ErrInvalidInput, tt.name)
	}

	require.NoError(t, c.ReportFileComplete(ctx, "shape", 0, 4, 2, "a"))
	err := c.ReportFileComplete(ctx, "shape", 1, 6, 2, "b")
	assert.ErrorIs(t, err, tally.ErrInvalidInput)
}

func testCoordinatorFailedFileCombinesRest(t *testing.T) {
	t.Parallel()

	rec := &combineRecorder{}
	c := New(rec.combine, WithStore(memory.New()))
	defer c.Stop()
	ctx := context.Background()

	// 7 files in batches of 5: file 2 of batch 0 and file 6 of batch 1 fail.
	for i := 0; i < 7; i++ {
		if i == 2 || i == 6 {
			require.NoError(t, c.ReportFileFailed(ctx, "g", i, 7, 5))
			continue
		}
		require.NoError(t, c.ReportFileComplete(ctx, "g", i, 7, 5, art(i)))
	}

	require.Equal(t, 2, rec.count())
	batches := rec.byBatch()
	assert.Equal(t, []string{art(0), art(1), art(3), art(4)}, batches[0])
	assert.Equal(t, []string{art(5)}, batches[1])

	g, ok := c.Tracked("g")
	require.True(t, ok)
	assert.Equal(t, 7, g.CompletedFiles)
	assert.Equal(t, 2, g.FailedFiles())
	assert.True(t, g.Done())

	// A late success for a failed file does not refire the batch.
	require.NoError(t, c.ReportFileComplete(ctx, "g", 2, 7, 5, art(2)))
	assert.Equal(t, 2, rec.count())
}

func testCoordinatorAllFailedBatchSkipsCombine(t *testing.T) {
	t.Parallel()

	rec := &combineRecorder{}
	c := New(rec.combine)
	defer c.Stop()
	ctx := context.Background()

	require.NoError(t, c.ReportFileFailed(ctx, "g", 0, 4, 2))
	require.NoError(t, c.ReportFileFailed(ctx, "g", 1, 4, 2))
	require.NoError(t, c.ReportFileComplete(ctx, "g", 2, 4, 2, art(2)))
	require.NoError(t, c.ReportFileComplete(ctx, "g", 3, 4, 2, art(3)))

	require.Equal(t, 1, rec.count())
	assert.Equal(t, []string{art(2), art(3)}, rec.byBatch()[1])

	g, ok := c.Tracked("g")
	require.True(t, ok)
	assert.True(t, g.Fired[0], "settled batch is closed even without a combine")
}

func testCoordinatorFailedLastFileEvicts(t *testing.T) {
	t.Parallel()

	s := memory.New()
	rec := &combineRecorder{}
	c := New(rec.combine, WithStore(s), WithGracePeriod(10*time.Millisecond))
	defer c.Stop()
	ctx := context.Background()

	require.NoError(t, c.ReportFileComplete(ctx, "g", 0, 2, 2, art(0)))
	assert.Equal(t, 0, rec.count(), "batch waits for file 1")

	require.NoError(t, c.ReportFileFailed(ctx, "g", 1, 2, 2))
	require.Equal(t, 1, rec.count())
	assert.Equal(t, []string{art(0)}, rec.byBatch()[0])

	require.Eventually(t, func() bool {
		_, ok := c.Tracked("g")
		return !ok
	}, time.Second, 5*time.Millisecond)

	_, err := s.GetGroup(ctx, "g")
	assert.True(t, tally.IsNotFound(err))
}
