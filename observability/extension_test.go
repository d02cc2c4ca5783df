package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/xraph/tally"
	"github.com/xraph/tally/account"
	"github.com/xraph/tally/job"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/types"
)

func TestMetricsExtension_Prometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	factory := NewPrometheusFactory(reg)
	m := NewMetricsExtension(factory)

	plugins := plugin.NewRegistry()
	if err := plugins.Register(m); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx := context.Background()
	created := time.Now().Add(-time.Second)
	done := time.Now()
	rec := &job.Record{ID: "j1", Attempts: 3, CreatedAt: created, ProcessedAt: &done}

	plugins.EmitJobAdded(ctx, rec)
	plugins.EmitJobRetry(ctx, rec)
	plugins.EmitJobFailed(ctx, rec, tally.ErrCommitFailed)
	plugins.EmitCredited(ctx, &account.Transaction{Amount: types.ETB(100_00)})
	plugins.EmitRefunded(ctx, &account.Transaction{Amount: types.ETB(5_00)})
	plugins.EmitBatchComplete(ctx, "g1", 0, []string{"a", "b"})
	plugins.EmitBatchFailed(ctx, "g1", 1, errors.New("boom"))

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"added", m.JobsAdded.(prometheus.Counter), 1},
		{"retried", m.JobsRetried.(prometheus.Counter), 1},
		{"failed", m.JobsFailed.(prometheus.Counter), 1},
		{"store_errors", m.StoreErrors.(prometheus.Counter), 1},
		{"credits", m.Credits.(prometheus.Counter), 1},
		{"refunds", m.Refunds.(prometheus.Counter), 1},
		{"completed", m.JobsCompleted.(prometheus.Counter), 0},
		{"batches", m.BatchesCombined.(prometheus.Counter), 1},
		{"batch_failures", m.BatchesFailed.(prometheus.Counter), 1},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(tt.c); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestPrometheusFactory_ReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()

	a := NewPrometheusFactory(reg)
	b := NewPrometheusFactory(reg)

	a.Counter("tally.job.added").Inc()
	b.Counter("tally.job.added").Inc()

	if a.Counter("tally.job.added") != a.Counter("tally.job.added") {
		t.Error("factory returned a new counter for the same name")
	}
	got := testutil.ToFloat64(b.Counter("tally.job.added").(prometheus.Counter))
	if got != 2 {
		t.Errorf("shared counter = %v, want 2", got)
	}

	n, err := testutil.GatherAndCount(reg, "tally_job_added")
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if n != 1 {
		t.Errorf("series = %d, want 1", n)
	}
}
