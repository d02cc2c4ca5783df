// Package batch groups the per-file results of a bulk group into batches
// and hands each complete batch to a combine callback exactly once.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/bulk"
	"github.com/xraph/tally/lock"
)

// DefaultGracePeriod is how long a finished group stays tracked so late
// duplicate reports are still recognized.
const DefaultGracePeriod = 60 * time.Second

// CombineFunc merges the artifacts of one batch, ordered by file index.
type CombineFunc func(ctx context.Context, groupID string, batchIndex int, artifacts []string) error

// Coordinator tracks bulk groups.
type Coordinator struct {
	combine CombineFunc
	grace   time.Duration
	store   bulk.Store
	locker  lock.Locker
	logger  *slog.Logger

	mu      sync.Mutex
	groups  map[string]*bulk.Group
	evict   map[string]*time.Timer
	stopped bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithGracePeriod sets how long a completed group is kept before eviction.
func WithGracePeriod(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= 0 {
			c.grace = d
		}
	}
}

// WithStore persists group state so it survives a restart. When set, the
// store is authoritative and is read on every report.
func WithStore(s bulk.Store) Option {
	return func(c *Coordinator) {
		c.store = s
	}
}

// WithLocker replaces the in-process per-group lock.
func WithLocker(l lock.Locker) Option {
	return func(c *Coordinator) {
		c.locker = l
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// New creates a Coordinator that calls combine for every complete batch.
func New(combine CombineFunc, opts ...Option) *Coordinator {
	c := &Coordinator{
		combine: combine,
		grace:   DefaultGracePeriod,
		locker:  lock.NewLocal(),
		logger:  slog.Default(),
		groups:  make(map[string]*bulk.Group),
		evict:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ReportFileComplete records that file fileIndex of groupID produced
// artifact. When this completes its batch, combine runs once for that batch
// before ReportFileComplete returns. A repeated report for a file already
// recorded is ignored.
func (c *Coordinator) ReportFileComplete(ctx context.Context, groupID string, fileIndex, totalFiles, filesPerBatch int, artifact string) error {
	return c.settle(ctx, groupID, totalFiles, filesPerBatch, bulk.Artifact{FileIndex: fileIndex, Ref: artifact})
}

// ReportFileFailed records that file fileIndex of groupID failed for good.
// The file counts as settled: its batch combines the files that were
// produced, and the group is evicted once every file has settled. A batch
// whose files all failed is not combined.
func (c *Coordinator) ReportFileFailed(ctx context.Context, groupID string, fileIndex, totalFiles, filesPerBatch int) error {
	return c.settle(ctx, groupID, totalFiles, filesPerBatch, bulk.Artifact{FileIndex: fileIndex, Failed: true})
}

func (c *Coordinator) settle(ctx context.Context, groupID string, totalFiles, filesPerBatch int, art bulk.Artifact) error {
	fileIndex := art.FileIndex
	if err := validate(groupID, fileIndex, totalFiles, filesPerBatch); err != nil {
		return err
	}

	unlock, err := c.locker.Lock(ctx, "bulk:"+groupID)
	if err != nil {
		return err
	}

	g, err := c.load(ctx, groupID, totalFiles, filesPerBatch)
	if err != nil {
		unlock()
		return err
	}
	if g.TotalFiles != totalFiles || g.FilesPerBatch != filesPerBatch {
		unlock()
		return tally.ValidationError{
			Field: "group",
			Message: fmt.Sprintf("group %s is tracked as %d files in batches of %d, got %d/%d",
				groupID, g.TotalFiles, g.FilesPerBatch, totalFiles, filesPerBatch),
			Err: tally.ErrInvalidInput,
		}
	}
	if g.HasFile(fileIndex) {
		unlock()
		c.logger.Debug("batch: duplicate file report ignored",
			"group_id", groupID,
			"file_index", fileIndex,
			"failed", art.Failed,
		)
		return nil
	}

	idx := g.BatchIndex(fileIndex)
	g.Batches[idx] = append(g.Batches[idx], art)
	g.CompletedFiles++
	g.UpdatedAt = time.Now().UTC()

	var refs []string
	if len(g.Batches[idx]) == g.ExpectedInBatch(idx) && !g.Fired[idx] {
		g.Fired[idx] = true
		refs = g.Refs(idx)
	}

	if err := c.save(ctx, g); err != nil {
		unlock()
		return err
	}
	if g.Done() {
		c.scheduleEviction(groupID)
	}
	unlock()

	if refs == nil {
		return nil
	}
	if len(refs) == 0 {
		c.logger.Warn("batch: every file of batch failed, nothing to combine",
			"group_id", groupID,
			"batch_index", idx,
		)
		return nil
	}

	c.logger.Info("batch: combining",
		"group_id", groupID,
		"batch_index", idx,
		"files", len(refs),
		"failed_files", g.ExpectedInBatch(idx)-len(refs),
	)
	if err := c.combine(ctx, groupID, idx, refs); err != nil {
		c.logger.Error("batch: combine failed",
			"group_id", groupID,
			"batch_index", idx,
			"error", err,
		)
		return fmt.Errorf("%w: group %s batch %d: %w", tally.ErrCombineFailed, groupID, idx, err)
	}
	return nil
}

// Tracked returns a copy of the group's state.
func (c *Coordinator) Tracked(groupID string) (bulk.Group, bool) {
	if c.store != nil {
		g, err := c.store.GetGroup(context.Background(), groupID)
		if err != nil {
			return bulk.Group{}, false
		}
		return *g, true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[groupID]
	if !ok {
		return bulk.Group{}, false
	}
	return *g.Clone(), true
}

// Stop cancels eviction timers. Groups still tracked stay in the store.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	for id, t := range c.evict {
		t.Stop()
		delete(c.evict, id)
	}
}

func (c *Coordinator) load(ctx context.Context, groupID string, totalFiles, filesPerBatch int) (*bulk.Group, error) {
	if c.store != nil {
		g, err := c.store.GetGroup(ctx, groupID)
		if err == nil {
			return g, nil
		}
		if !tally.IsNotFound(err) {
			return nil, fmt.Errorf("batch: load group %s: %w", groupID, err)
		}
		return bulk.NewGroup(groupID, totalFiles, filesPerBatch), nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if g, ok := c.groups[groupID]; ok {
		return g.Clone(), nil
	}
	return bulk.NewGroup(groupID, totalFiles, filesPerBatch), nil
}

// save publishes g. The caller holds the group lock and hands over g.
func (c *Coordinator) save(ctx context.Context, g *bulk.Group) error {
	if c.store == nil {
		c.mu.Lock()
		c.groups[g.GroupID] = g
		c.mu.Unlock()
		return nil
	}
	if err := c.store.SaveGroup(ctx, g); err != nil {
		return fmt.Errorf("batch: save group %s: %w", g.GroupID, err)
	}
	return nil
}

func (c *Coordinator) scheduleEviction(groupID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	if _, ok := c.evict[groupID]; ok {
		return
	}
	c.evict[groupID] = time.AfterFunc(c.grace, func() {
		c.mu.Lock()
		delete(c.evict, groupID)
		delete(c.groups, groupID)
		c.mu.Unlock()

		if c.store != nil {
			if err := c.store.DeleteGroup(context.Background(), groupID); err != nil {
				c.logger.Warn("batch: failed to evict group",
					"group_id", groupID,
					"error", err,
				)
			}
		}
		c.logger.Debug("batch: group evicted", "group_id", groupID)
	})
}

func validate(groupID string, fileIndex, totalFiles, filesPerBatch int) error {
	switch {
	case groupID == "":
		return tally.ValidationError{Field: "group_id", Message: "must not be empty", Err: tally.ErrInvalidInput}
	case totalFiles <= 0:
		return tally.ValidationError{Field: "total_files", Message: "must be positive", Err: tally.ErrInvalidInput}
	case filesPerBatch <= 0:
		return tally.ValidationError{Field: "files_per_batch", Message: "must be positive", Err: tally.ErrInvalidInput}
	case fileIndex < 0 || fileIndex >= totalFiles:
		return tally.ValidationError{
			Field:   "file_index",
			Message: fmt.Sprintf("%d out of range [0, %d)", fileIndex, totalFiles),
			Err:     tally.ErrInvalidInput,
		}
	}
	return nil
}
