// Package extension provides the Forge extension adapter for tally.
//
// It implements the forge.Extension interface to integrate the tally engine
// into a Forge application with DI registration and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.tally" or "tally" keys.
package extension

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/xraph/tally/engine"
	"github.com/xraph/tally/ledger"
	"github.com/xraph/tally/lock/redislock"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/types"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "tally"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Paid document job engine with a prepaid ledger"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts the tally engine as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *engine.Engine
	store      store.Store
	locker     *redislock.Locker
	generator  engine.Generator
	combiner   engine.Combiner
	notifier   engine.Notifier
	engineOpts []engine.Option
}

// New creates a new tally Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying engine.
// This is nil until Register is called.
func (e *Extension) Engine() *engine.Engine { return e.engine }

// Register implements [forge.Extension]. It loads configuration,
// initializes the engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if e.generator == nil || e.notifier == nil {
		return errors.New("tally: extension requires a generator and a notifier")
	}

	// Use memory store if no store was provided programmatically.
	if e.store == nil {
		e.store = memory.New()
	}

	opts, err := engineOptions(e.config)
	if err != nil {
		return err
	}

	if e.config.RedisAddr != "" {
		locker, err := redislock.Connect(context.Background(),
			e.config.RedisAddr, e.config.RedisPassword, e.config.RedisDB)
		if err != nil {
			return fmt.Errorf("tally: redis lock: %w", err)
		}
		e.locker = locker
		opts = append(opts, engine.WithLocker(locker))
	}

	opts = append(opts, e.engineOpts...)
	e.engine = engine.New(e.store, e.generator, e.combiner, e.notifier, opts...)

	return vessel.Provide(fapp.Container(), func() (*engine.Engine, error) {
		return e.engine, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("tally: extension not initialized")
	}

	if err := e.engine.Start(ctx); err != nil {
		return err
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(ctx context.Context) error {
	var errs []error
	if e.engine != nil {
		errs = append(errs, e.engine.Stop(ctx))
	}
	if e.locker != nil {
		errs = append(errs, e.locker.Close())
	}
	e.MarkStopped()
	return errors.Join(errs...)
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("tally: store not initialized")
	}
	return e.store.Ping(ctx)
}

// engineOptions constructs engine.Option values from the resolved config.
func engineOptions(cfg Config) ([]engine.Option, error) {
	opts := []engine.Option{
		engine.WithConcurrency(cfg.Concurrency),
		engine.WithMaxAttempts(cfg.MaxAttempts),
		engine.WithRetryDelay(cfg.RetryDelay),
		engine.WithGracePeriod(cfg.BatchGracePeriod),
	}
	if cfg.DisableMigrate {
		opts = append(opts, engine.WithDisableMigrate())
	}

	ledgerOpts := []ledger.Option{ledger.WithCurrency(cfg.Currency)}
	if len(cfg.AllowedTopUps) > 0 {
		amounts := make([]types.Money, 0, len(cfg.AllowedTopUps))
		for _, s := range cfg.AllowedTopUps {
			m, err := types.ParseMajor(s, cfg.Currency)
			if err != nil {
				return nil, fmt.Errorf("tally: allowed_top_ups %q: %w", s, err)
			}
			amounts = append(amounts, m)
		}
		ledgerOpts = append(ledgerOpts, ledger.WithAllowedTopUps(amounts...))
	}
	opts = append(opts, engine.WithLedgerOptions(ledgerOpts...))

	return opts, nil
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	// Try loading from config file.
	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("tally: configuration is required but not found in config files; " +
				"ensure 'extensions.tally' or 'tally' key exists in your config")
		}

		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("tally: configuration loaded",
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("concurrency", e.config.Concurrency),
		forge.F("max_attempts", e.config.MaxAttempts),
		forge.F("retry_delay", e.config.RetryDelay),
		forge.F("batch_grace_period", e.config.BatchGracePeriod),
		forge.F("currency", e.config.Currency),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()

	for _, key := range []string{"extensions.tally", "tally"} {
		if !cm.IsSet(key) {
			continue
		}
		var cfg Config
		if err := cm.Bind(key, &cfg); err != nil {
			e.Logger().Warn("tally: failed to bind config",
				forge.F("key", key),
				forge.F("error", err.Error()),
			)
			continue
		}
		e.Logger().Debug("tally: loaded config from file", forge.F("key", key))
		return cfg, true
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.Concurrency == 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}
	if cfg.BatchGracePeriod == 0 {
		cfg.BatchGracePeriod = defaults.BatchGracePeriod
	}
	if cfg.Currency == "" {
		cfg.Currency = defaults.Currency
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence; programmatic values fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}

	if yamlConfig.Concurrency == 0 {
		yamlConfig.Concurrency = programmaticConfig.Concurrency
	}
	if yamlConfig.MaxAttempts == 0 {
		yamlConfig.MaxAttempts = programmaticConfig.MaxAttempts
	}
	if yamlConfig.RetryDelay == 0 {
		yamlConfig.RetryDelay = programmaticConfig.RetryDelay
	}
	if yamlConfig.BatchGracePeriod == 0 {
		yamlConfig.BatchGracePeriod = programmaticConfig.BatchGracePeriod
	}
	if yamlConfig.Currency == "" {
		yamlConfig.Currency = programmaticConfig.Currency
	}
	if len(yamlConfig.AllowedTopUps) == 0 {
		yamlConfig.AllowedTopUps = programmaticConfig.AllowedTopUps
	}
	if yamlConfig.RedisAddr == "" {
		yamlConfig.RedisAddr = programmaticConfig.RedisAddr
		yamlConfig.RedisPassword = programmaticConfig.RedisPassword
		yamlConfig.RedisDB = programmaticConfig.RedisDB
	}

	return mergeWithDefaults(yamlConfig)
}
