package datastore

import (
	"context"
	"errors"
	"testing"

	"vaultd/internal/chunkstore"
	"vaultd/internal/gc"
	"vaultd/internal/prune"
	"vaultd/internal/snapshot"
	"vaultd/internal/verify"
)

func newTestStore(t *testing.T, leader LeaderChecker) *Store {
	t.Helper()
	root := t.TempDir()
	cs, err := chunkstore.Open(chunkstore.Config{Root: root})
	if err != nil {
		t.Fatalf("chunkstore.Open: %v", err)
	}
	t.Cleanup(func() { cs.Close() })
	ds := snapshot.Open(root, nil)

	return New(Config{
		Name:      "vault",
		Chunks:    cs,
		Snapshots: ds,
		GC:        gc.New(cs, ds, gc.Config{}),
		Verifier:  verify.New(cs, ds, verify.Config{}),
		Pruner:    prune.New(ds, prune.Config{}),
		Leader:    leader,
	})
}

func TestStoreRunGCRefusedInReadOnlyMode(t *testing.T) {
	s := newTestStore(t, nil)
	if err := s.SetMode(ReadOnly); err != nil {
		t.Fatalf("SetMode: %v", err)
	}

	_, err := s.RunGC(context.Background(), "UPID:test")
	var mmErr *ErrMaintenanceMode
	if !errors.As(err, &mmErr) {
		t.Fatalf("expected ErrMaintenanceMode, got %v", err)
	}
}

func TestStoreRunGCRunsWhenOnline(t *testing.T) {
	s := newTestStore(t, nil)
	if _, err := s.RunGC(context.Background(), "UPID:test"); err != nil {
		t.Fatalf("RunGC: %v", err)
	}
}

type fakeLeaderChecker struct{ err error }

func (f fakeLeaderChecker) RequireLeader() error { return f.err }

func TestStoreRunGCRefusedWhenNotLeader(t *testing.T) {
	wantErr := errors.New("not the raft leader")
	s := newTestStore(t, fakeLeaderChecker{err: wantErr})

	_, err := s.RunGC(context.Background(), "UPID:test")
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected leader error to propagate, got %v", err)
	}
}

func TestStoreSetModeDeleteRefusedWithOperationsInFlight(t *testing.T) {
	s := newTestStore(t, nil)
	end := s.counter.BeginWrite()
	defer end()

	if err := s.SetMode(Delete); err == nil {
		t.Fatal("expected delete-mode transition to be refused with an operation in flight")
	}
}

func TestStoreSetModeDeleteAllowedWhenIdle(t *testing.T) {
	s := newTestStore(t, nil)
	if err := s.SetMode(Delete); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
}

func TestRegistryRegisterGetList(t *testing.T) {
	r := NewRegistry()
	s := newTestStore(t, nil)
	r.Register("vault", s)

	if got := r.Get("vault"); got != s {
		t.Fatalf("expected to get back the registered store")
	}
	if names := r.List(); len(names) != 1 || names[0] != "vault" {
		t.Fatalf("expected [vault], got %v", names)
	}

	r.Unregister("vault")
	if r.Get("vault") != nil {
		t.Fatal("expected store to be gone after Unregister")
	}
}
