package mongo

import (
	"context"
	"os"
	"testing"

	"github.com/xraph/tally/bulk"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/storetest"
)

// Set TALLY_MONGO_URI to a disposable replica set to run the conformance
// suite.
func TestConformance(t *testing.T) {
	uri := os.Getenv("TALLY_MONGO_URI")
	if uri == "" {
		t.Skip("TALLY_MONGO_URI not set")
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		ctx := context.Background()
		s, err := New(ctx, uri, "tally_test")
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if err := s.Database().Drop(ctx); err != nil {
			t.Fatalf("drop: %v", err)
		}
		if err := s.Migrate(ctx); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestGroupModelRoundTrip(t *testing.T) {
	g := bulk.NewGroup("g1", 12, 5)
	g.Batches[2] = []bulk.Artifact{{FileIndex: 11, Ref: "b"}, {FileIndex: 10, Ref: "a"}}
	g.Batches[0] = []bulk.Artifact{{FileIndex: 0, Ref: "x"}}
	g.Fired[2] = true
	g.CompletedFiles = 3

	m := toGroupModel(g)
	if len(m.Batches) != 2 || m.Batches[0].Index != 0 || m.Batches[1].Index != 2 {
		t.Fatalf("batches not sorted by index: %+v", m.Batches)
	}
	if len(m.Fired) != 1 || m.Fired[0] != 2 {
		t.Errorf("Fired = %v", m.Fired)
	}

	back := fromGroupModel(m)
	if back.CompletedFiles != 3 || !back.Fired[2] || back.Fired[0] {
		t.Errorf("unexpected group %+v", back)
	}
	if refs := back.Refs(2); len(refs) != 2 || refs[0] != "a" || refs[1] != "b" {
		t.Errorf("Refs(2) = %v", refs)
	}
}
