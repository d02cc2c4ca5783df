package audithook

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/job"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/types"
)

type captured struct {
	mu     sync.Mutex
	events []*AuditEvent
}

func (c *captured) Record(_ context.Context, evt *AuditEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *captured) actions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Action
	}
	return out
}

func TestExtension_RecordsLifecycle(t *testing.T) {
	rec := &captured{}
	reg := plugin.NewRegistry()
	if err := reg.Register(New(rec)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx := context.Background()
	j := &job.Record{ID: "job_1", Attempts: 3, MaxAttempts: 3}
	refund := &account.Transaction{
		ID:        id.NewTransactionID(),
		UserID:    "u1",
		Amount:    types.ETB(5_00),
		Reference: "job_1",
	}

	reg.EmitJobFailed(ctx, j, errors.New("render crashed"))
	reg.EmitRefunded(ctx, refund)
	reg.EmitBatchFailed(ctx, "g1", 0, errors.New("merge"))

	want := []string{ActionJobFailed, ActionRefunded, ActionBatchFailed}
	got := rec.actions()
	if len(got) != len(want) {
		t.Fatalf("actions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("actions[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	failed := rec.events[0]
	if failed.ResourceID != "job_1" || failed.Reason != "render crashed" || failed.Outcome != OutcomeFailure {
		t.Errorf("unexpected failed event %+v", failed)
	}
	if rec.events[1].Metadata["job_id"] != "job_1" {
		t.Errorf("refund metadata = %v", rec.events[1].Metadata)
	}
}

func TestExtension_ActionFilters(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
		want int
	}{
		{"all", func(*Extension) {}, 2},
		{"enabled_only", WithEnabledActions(ActionCredited), 1},
		{"disabled", WithDisabledActions(ActionCredited, ActionDebited), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &captured{}
			e := New(rec, tt.opt)
			tx := &account.Transaction{ID: id.NewTransactionID(), Amount: types.ETB(100)}

			_ = e.OnCredited(context.Background(), tx)
			_ = e.OnDebited(context.Background(), tx)

			if got := len(rec.actions()); got != tt.want {
				t.Errorf("recorded %d events, want %d", got, tt.want)
			}
		})
	}
}
