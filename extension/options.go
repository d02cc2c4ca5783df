package extension

import (
	"time"

	"github.com/xraph/tally/engine"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/store"
)

// Option configures the tally Forge extension.
type Option func(*Extension)

// WithStore sets the store for the engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithGenerator sets the per-job document generator. Required.
func WithGenerator(g engine.Generator) Option {
	return func(e *Extension) { e.generator = g }
}

// WithCombiner sets the bulk batch combiner.
func WithCombiner(c engine.Combiner) Option {
	return func(e *Extension) { e.combiner = c }
}

// WithNotifier sets the delivery notifier. Required.
func WithNotifier(n engine.Notifier) Option {
	return func(e *Extension) { e.notifier = n }
}

// WithEngineOption passes an engine.Option through to the underlying engine.
func WithEngineOption(opt engine.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers an engine plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, engine.WithPlugin(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithConcurrency sets the number of jobs processed at once.
func WithConcurrency(n int) Option {
	return func(e *Extension) { e.config.Concurrency = n }
}

// WithRetryDelay sets the fixed wait between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(e *Extension) { e.config.RetryDelay = d }
}

// WithRedisLock enables the Redis lock at addr.
func WithRedisLock(addr string) Option {
	return func(e *Extension) { e.config.RedisAddr = addr }
}
