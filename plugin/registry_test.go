package plugin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/job"
)

type recordingPlugin struct {
	name string

	mu     sync.Mutex
	events []string
}

func (p *recordingPlugin) Name() string { return p.name }

func (p *recordingPlugin) add(e string) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *recordingPlugin) OnJobAdded(_ context.Context, j *job.Record) error {
	p.add("added:" + j.ID)
	return nil
}

func (p *recordingPlugin) OnJobFailed(_ context.Context, j *job.Record, _ error) error {
	p.add("failed:" + j.ID)
	return errors.New("boom")
}

func (p *recordingPlugin) OnCredited(_ context.Context, tx *account.Transaction) error {
	p.add("credited:" + tx.UserID)
	return nil
}

type slowPlugin struct{}

func (slowPlugin) Name() string { return "slow" }

func (slowPlugin) OnJobAdded(ctx context.Context, _ *job.Record) error {
	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
	}
	return nil
}

type panicPlugin struct{}

func (panicPlugin) Name() string { return "panics" }

func (panicPlugin) OnJobAdded(context.Context, *job.Record) error { panic("bad plugin") }

func TestRegistry_DuplicateName(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&recordingPlugin{name: "a"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(&recordingPlugin{name: "a"}); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}
}

func TestRegistry_Dispatch(t *testing.T) {
	r := NewRegistry()
	p := &recordingPlugin{name: "rec"}
	if err := r.Register(p); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx := context.Background()
	r.EmitJobAdded(ctx, &job.Record{ID: "j1"})
	r.EmitJobFailed(ctx, &job.Record{ID: "j1"}, errors.New("x"))
	r.EmitCredited(ctx, &account.Transaction{UserID: "u1"})
	// not implemented by the plugin
	r.EmitDebited(ctx, &account.Transaction{UserID: "u1"})

	want := []string{"added:j1", "failed:j1", "credited:u1"}
	if len(p.events) != len(want) {
		t.Fatalf("events = %v, want %v", p.events, want)
	}
	for i := range want {
		if p.events[i] != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, p.events[i], want[i])
		}
	}
}

func TestRegistry_TimeoutAndPanic(t *testing.T) {
	r := NewRegistry().WithTimeout(20 * time.Millisecond)
	if err := r.Register(slowPlugin{}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(panicPlugin{}); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	r.EmitJobAdded(context.Background(), &job.Record{ID: "j"})
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("emit blocked for %v", elapsed)
	}
}

func TestRegistry_NilIsNoop(t *testing.T) {
	var r *Registry
	r.EmitJobAdded(context.Background(), &job.Record{ID: "j"})
}

func TestImplementedInterfaces(t *testing.T) {
	names := implementedInterfaces(&recordingPlugin{name: "rec"})
	want := map[string]bool{"OnJobAdded": true, "OnJobFailed": true, "OnCredited": true}
	if len(names) != len(want) {
		t.Fatalf("names = %v", names)
	}
	for _, n := range names {
		if !want[n] {
			t.Errorf("unexpected interface %q", n)
		}
	}
}
