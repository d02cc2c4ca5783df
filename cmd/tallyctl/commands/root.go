package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xraph/tally/ledger"
	"github.com/xraph/tally/lock/redislock"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/store/mongo"
	"github.com/xraph/tally/store/postgres"
	"github.com/xraph/tally/store/sqlite"
)

// Config is the CLI configuration, read from a file, TALLY_ environment
// variables and flags.
type Config struct {
	Store struct {
		Driver   string `mapstructure:"driver"`
		DSN      string `mapstructure:"dsn"`
		Database string `mapstructure:"database"`
	} `mapstructure:"store"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Currency string `mapstructure:"currency"`
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:           "tallyctl",
		Short:         "Administer a tally ledger and job store",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(v, cfgFile)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.String("driver", "sqlite", "store driver: memory, sqlite, postgres or mongo")
	flags.String("dsn", "tally.db", "store DSN, file path or URI")
	flags.String("database", "tally", "database name for mongo")
	flags.String("redis-addr", "", "redis address for cross-process locking")
	flags.String("currency", "etb", "ledger currency")

	_ = v.BindPFlag("store.driver", flags.Lookup("driver"))
	_ = v.BindPFlag("store.dsn", flags.Lookup("dsn"))
	_ = v.BindPFlag("store.database", flags.Lookup("database"))
	_ = v.BindPFlag("redis.addr", flags.Lookup("redis-addr"))
	_ = v.BindPFlag("currency", flags.Lookup("currency"))

	rootCmd.AddCommand(
		newMigrateCommand(v),
		newBalanceCommand(v),
		newCreditCommand(v),
		newHistoryCommand(v),
		newJobsCommand(v),
	)

	return rootCmd
}

func loadConfig(v *viper.Viper, cfgFile string) error {
	v.SetEnvPrefix("TALLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile == "" {
		return nil
	}
	v.SetConfigFile(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", cfgFile, err)
	}
	return nil
}

func readConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// openStore opens the configured backend. The caller closes it.
func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	switch strings.ToLower(cfg.Store.Driver) {
	case "memory":
		return memory.New(), nil
	case "sqlite", "":
		return sqlite.New(ctx, cfg.Store.DSN)
	case "postgres", "pg":
		return postgres.New(ctx, cfg.Store.DSN)
	case "mongo", "mongodb":
		return mongo.New(ctx, cfg.Store.DSN, cfg.Store.Database)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// withLedger opens the store and builds a ledger over it, then runs fn.
func withLedger(ctx context.Context, v *viper.Viper, fn func(s store.Store, l *ledger.Ledger) error) error {
	cfg, err := readConfig(v)
	if err != nil {
		return err
	}

	s, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	opts := []ledger.Option{
		ledger.WithCurrency(cfg.Currency),
		ledger.WithLogger(logger),
	}
	if cfg.Redis.Addr != "" {
		locker, err := redislock.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			redislock.WithLogger(logger))
		if err != nil {
			return err
		}
		defer locker.Close()
		opts = append(opts, ledger.WithLocker(locker))
	}

	return fn(s, ledger.New(s, opts...))
}
