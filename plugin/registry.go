package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/job"
)

// DefaultHookTimeout bounds a single plugin hook call.
const DefaultHookTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// Hook implementations are cached per interface at registration time.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	onInit          []OnInit
	onShutdown      []OnShutdown
	onJobAdded      []OnJobAdded
	onJobProcessing []OnJobProcessing
	onJobCompleted  []OnJobCompleted
	onJobRetry      []OnJobRetry
	onJobFailed     []OnJobFailed
	onCredited      []OnCredited
	onDebited       []OnDebited
	onRefunded      []OnRefunded
	onBatchComplete []OnBatchComplete
	onBatchFailed   []OnBatchFailed
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultHookTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-hook timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnJobAdded); ok {
		r.onJobAdded = append(r.onJobAdded, v)
	}
	if v, ok := p.(OnJobProcessing); ok {
		r.onJobProcessing = append(r.onJobProcessing, v)
	}
	if v, ok := p.(OnJobCompleted); ok {
		r.onJobCompleted = append(r.onJobCompleted, v)
	}
	if v, ok := p.(OnJobRetry); ok {
		r.onJobRetry = append(r.onJobRetry, v)
	}
	if v, ok := p.(OnJobFailed); ok {
		r.onJobFailed = append(r.onJobFailed, v)
	}
	if v, ok := p.(OnCredited); ok {
		r.onCredited = append(r.onCredited, v)
	}
	if v, ok := p.(OnDebited); ok {
		r.onDebited = append(r.onDebited, v)
	}
	if v, ok := p.(OnRefunded); ok {
		r.onRefunded = append(r.onRefunded, v)
	}
	if v, ok := p.(OnBatchComplete); ok {
		r.onBatchComplete = append(r.onBatchComplete, v)
	}
	if v, ok := p.(OnBatchFailed); ok {
		r.onBatchFailed = append(r.onBatchFailed, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", implementedInterfaces(p),
	)

	return nil
}

var hookTypes = []struct {
	name string
	typ  reflect.Type
}{
	{"OnInit", reflect.TypeFor[OnInit]()},
	{"OnShutdown", reflect.TypeFor[OnShutdown]()},
	{"OnJobAdded", reflect.TypeFor[OnJobAdded]()},
	{"OnJobProcessing", reflect.TypeFor[OnJobProcessing]()},
	{"OnJobCompleted", reflect.TypeFor[OnJobCompleted]()},
	{"OnJobRetry", reflect.TypeFor[OnJobRetry]()},
	{"OnJobFailed", reflect.TypeFor[OnJobFailed]()},
	{"OnCredited", reflect.TypeFor[OnCredited]()},
	{"OnDebited", reflect.TypeFor[OnDebited]()},
	{"OnRefunded", reflect.TypeFor[OnRefunded]()},
	{"OnBatchComplete", reflect.TypeFor[OnBatchComplete]()},
	{"OnBatchFailed", reflect.TypeFor[OnBatchFailed]()},
}

// implementedInterfaces returns the hook names a plugin implements.
func implementedInterfaces(p Plugin) []string {
	var names []string
	v := reflect.TypeOf(p)
	for _, h := range hookTypes {
		if v.Implements(h.typ) {
			names = append(names, h.name)
		}
	}
	return names
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// emit runs call for every cached hook implementation, logging failures.
// A nil registry is a no-op so components can hold an optional *Registry.
func emit[H Plugin](r *Registry, ctx context.Context, hook string, list func(*Registry) []H, call func(H) error) {
	if r == nil {
		return
	}
	r.mu.RLock()
	plugins := list(r)
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return call(p)
		}); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	emit(r, ctx, "OnInit", func(r *Registry) []OnInit { return r.onInit },
		func(p OnInit) error { return p.OnInit(ctx, engine) })
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(r, ctx, "OnShutdown", func(r *Registry) []OnShutdown { return r.onShutdown },
		func(p OnShutdown) error { return p.OnShutdown(ctx) })
}

// EmitJobAdded emits a job added event.
func (r *Registry) EmitJobAdded(ctx context.Context, j *job.Record) {
	emit(r, ctx, "OnJobAdded", func(r *Registry) []OnJobAdded { return r.onJobAdded },
		func(p OnJobAdded) error { return p.OnJobAdded(ctx, j) })
}

// EmitJobProcessing emits a job processing event.
func (r *Registry) EmitJobProcessing(ctx context.Context, j *job.Record) {
	emit(r, ctx, "OnJobProcessing", func(r *Registry) []OnJobProcessing { return r.onJobProcessing },
		func(p OnJobProcessing) error { return p.OnJobProcessing(ctx, j) })
}

// EmitJobCompleted emits a job completed event.
func (r *Registry) EmitJobCompleted(ctx context.Context, j *job.Record) {
	emit(r, ctx, "OnJobCompleted", func(r *Registry) []OnJobCompleted { return r.onJobCompleted },
		func(p OnJobCompleted) error { return p.OnJobCompleted(ctx, j) })
}

// EmitJobRetry emits a job retry event.
func (r *Registry) EmitJobRetry(ctx context.Context, j *job.Record) {
	emit(r, ctx, "OnJobRetry", func(r *Registry) []OnJobRetry { return r.onJobRetry },
		func(p OnJobRetry) error { return p.OnJobRetry(ctx, j) })
}

// EmitJobFailed emits a job failed event.
func (r *Registry) EmitJobFailed(ctx context.Context, j *job.Record, cause error) {
	emit(r, ctx, "OnJobFailed", func(r *Registry) []OnJobFailed { return r.onJobFailed },
		func(p OnJobFailed) error { return p.OnJobFailed(ctx, j, cause) })
}

// EmitCredited emits a credited event.
func (r *Registry) EmitCredited(ctx context.Context, tx *account.Transaction) {
	emit(r, ctx, "OnCredited", func(r *Registry) []OnCredited { return r.onCredited },
		func(p OnCredited) error { return p.OnCredited(ctx, tx) })
}

// EmitDebited emits a debited event.
func (r *Registry) EmitDebited(ctx context.Context, tx *account.Transaction) {
	emit(r, ctx, "OnDebited", func(r *Registry) []OnDebited { return r.onDebited },
		func(p OnDebited) error { return p.OnDebited(ctx, tx) })
}

// EmitRefunded emits a refunded event.
func (r *Registry) EmitRefunded(ctx context.Context, tx *account.Transaction) {
	emit(r, ctx, "OnRefunded", func(r *Registry) []OnRefunded { return r.onRefunded },
		func(p OnRefunded) error { return p.OnRefunded(ctx, tx) })
}

// EmitBatchComplete emits a batch complete event.
func (r *Registry) EmitBatchComplete(ctx context.Context, groupID string, batchIndex int, artifacts []string) {
	emit(r, ctx, "OnBatchComplete", func(r *Registry) []OnBatchComplete { return r.onBatchComplete },
		func(p OnBatchComplete) error { return p.OnBatchComplete(ctx, groupID, batchIndex, artifacts) })
}

// EmitBatchFailed emits a batch failed event.
func (r *Registry) EmitBatchFailed(ctx context.Context, groupID string, batchIndex int, cause error) {
	emit(r, ctx, "OnBatchFailed", func(r *Registry) []OnBatchFailed { return r.onBatchFailed },
		func(p OnBatchFailed) error { return p.OnBatchFailed(ctx, groupID, batchIndex, cause) })
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins must never block the job pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("plugin panic: %s: %v", pluginName, rec)
			}
		}()
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
