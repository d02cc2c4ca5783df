package extension

import (
	"context"
	"testing"
	"time"

	"github.com/xraph/tally/engine"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/types"
)

func TestMergeWithDefaults(t *testing.T) {
	cfg := mergeWithDefaults(Config{Concurrency: 8})

	if cfg.Concurrency != 8 {
		t.Errorf("Concurrency = %d, want 8", cfg.Concurrency)
	}
	if cfg.MaxAttempts != 3 || cfg.RetryDelay != 5*time.Second || cfg.BatchGracePeriod != time.Minute {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.Currency != "etb" {
		t.Errorf("Currency = %q", cfg.Currency)
	}
}

func TestMergeConfigurations(t *testing.T) {
	file := Config{Concurrency: 2, Currency: "usd"}
	prog := Config{Concurrency: 9, MaxAttempts: 5, DisableMigrate: true, RedisAddr: "localhost:6379"}

	cfg := mergeConfigurations(file, prog)

	if cfg.Concurrency != 2 {
		t.Errorf("file value should win, got %d", cfg.Concurrency)
	}
	if cfg.MaxAttempts != 5 {
		t.Errorf("programmatic value should fill gap, got %d", cfg.MaxAttempts)
	}
	if !cfg.DisableMigrate || cfg.RedisAddr != "localhost:6379" || cfg.Currency != "usd" {
		t.Errorf("unexpected merge result %+v", cfg)
	}
}

func TestEngineOptions(t *testing.T) {
	cfg := mergeWithDefaults(Config{AllowedTopUps: []string{"25", "75.50"}})

	opts, err := engineOptions(cfg)
	if err != nil {
		t.Fatalf("engineOptions: %v", err)
	}

	eng := engine.New(memory.New(), nil, nil, nil, opts...)
	got := eng.Ledger().AllowedTopUps()
	want := []types.Money{types.ETB(25_00), types.ETB(75_50)}
	if len(got) != len(want) {
		t.Fatalf("AllowedTopUps = %v, want %v", got, want)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("AllowedTopUps[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	_ = eng.Stop(context.Background())
}

func TestEngineOptions_BadTopUp(t *testing.T) {
	if _, err := engineOptions(mergeWithDefaults(Config{AllowedTopUps: []string{"ten"}})); err == nil {
		t.Fatal("expected parse error")
	}
}
