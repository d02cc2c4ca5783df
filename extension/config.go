package extension

import "time"

// Config holds the tally extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.tally" or "tally" keys).
type Config struct {
	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// Concurrency is the number of jobs processed at once (default: 3).
	Concurrency int `json:"concurrency" mapstructure:"concurrency" yaml:"concurrency"`

	// MaxAttempts is the default attempt budget per job (default: 3).
	MaxAttempts int `json:"max_attempts" mapstructure:"max_attempts" yaml:"max_attempts"`

	// RetryDelay is the fixed wait between attempts (default: 5s).
	RetryDelay time.Duration `json:"retry_delay" mapstructure:"retry_delay" yaml:"retry_delay"`

	// BatchGracePeriod is how long a finished bulk group stays tracked
	// before eviction (default: 60s).
	BatchGracePeriod time.Duration `json:"batch_grace_period" mapstructure:"batch_grace_period" yaml:"batch_grace_period"`

	// Currency is the ledger currency code (default: "etb").
	Currency string `json:"currency" mapstructure:"currency" yaml:"currency"`

	// AllowedTopUps lists the accepted credit amounts in major units,
	// e.g. ["50", "100"]. Empty keeps the ledger defaults.
	AllowedTopUps []string `json:"allowed_top_ups" mapstructure:"allowed_top_ups" yaml:"allowed_top_ups"`

	// RedisAddr enables the Redis lock for multi-node deployments. Empty
	// uses in-process locks.
	RedisAddr string `json:"redis_addr" mapstructure:"redis_addr" yaml:"redis_addr"`

	// RedisPassword and RedisDB select the Redis credentials and database.
	RedisPassword string `json:"redis_password" mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int    `json:"redis_db" mapstructure:"redis_db" yaml:"redis_db"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:      3,
		MaxAttempts:      3,
		RetryDelay:       5 * time.Second,
		BatchGracePeriod: 60 * time.Second,
		Currency:         "etb",
	}
}
