// Package datastore glues the chunk store, snapshot tree, garbage
// collector, verifier, and pruner (C1–C7) into one named, independently
// gated unit — the registry the control plane and CLI actually operate
// on (SPEC_FULL.md §C, grounded on orchestrator/store.go's Store bundle
// and orchestrator/registry.go's registered-by-key shape).
package datastore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"vaultd/internal/chunkstore"
	"vaultd/internal/gc"
	"vaultd/internal/logging"
	"vaultd/internal/prune"
	"vaultd/internal/snapshot"
	"vaultd/internal/verify"
)

// LeaderChecker reports whether the calling process is permitted to run
// GC's exclusive sweep phase. *cluster.Server satisfies this; single-node
// deployments pass nil, which always permits GC (cluster.Server.
// RequireLeader does the same when no Raft is configured).
type LeaderChecker interface {
	RequireLeader() error
}

// Store bundles every component (C1/C4/C5/C6/C7) that operates on one
// named datastore, plus its maintenance-mode gate and active-operation
// counters (spec.md §5, SPEC_FULL.md §D).
type Store struct {
	Name string

	Chunks    *chunkstore.Store
	Snapshots *snapshot.Datastore
	GC        *gc.Collector
	Verifier  *verify.Verifier
	Pruner    *prune.Pruner

	leader  LeaderChecker
	mode    atomic.Int32
	counter *counters
	logger  *slog.Logger
}

// Config configures a new Store.
type Config struct {
	Name      string
	Chunks    *chunkstore.Store
	Snapshots *snapshot.Datastore
	GC        *gc.Collector
	Verifier  *verify.Verifier
	Pruner    *prune.Pruner
	// Leader gates GC's sweep phase on Raft leadership for shared
	// network/object-backed chunk stores. Nil means single-node.
	Leader LeaderChecker
	Logger *slog.Logger
}

// New returns a Store in Online mode.
func New(cfg Config) *Store {
	s := &Store{
		Name:      cfg.Name,
		Chunks:    cfg.Chunks,
		Snapshots: cfg.Snapshots,
		GC:        cfg.GC,
		Verifier:  cfg.Verifier,
		Pruner:    cfg.Pruner,
		leader:    cfg.Leader,
		counter:   newCounters(cfg.Snapshots.Root()),
		logger:    logging.Default(cfg.Logger).With("component", "datastore", "store", cfg.Name),
	}
	s.mode.Store(int32(Online))
	return s
}

// Mode returns the current maintenance mode.
func (s *Store) Mode() Mode { return Mode(s.mode.Load()) }

// SetMode transitions the datastore to mode. Transitioning to Delete
// requires no in-flight operations; every other transition is
// unconditional (a running operation simply keeps running to completion
// under the mode it started in).
func (s *Store) SetMode(mode Mode) error {
	if mode == Delete && !s.counter.Idle() {
		return fmt.Errorf("datastore %s: cannot enter delete mode with operations in flight", s.Name)
	}
	s.mode.Store(int32(mode))
	s.logger.Info("maintenance mode changed", "mode", mode.String())
	return nil
}

// ActiveReads/ActiveWrites expose the active-operation counters (§5).
func (s *Store) ActiveReads() int64  { return s.counter.Reads() }
func (s *Store) ActiveWrites() int64 { return s.counter.Writes() }

// RunGC runs one garbage-collection pass, gated on write access and (for
// shared chunk stores) Raft leadership.
func (s *Store) RunGC(ctx context.Context, upid string) (gc.Status, error) {
	if err := Gate(s.Mode(), OpWrite); err != nil {
		return gc.Status{}, err
	}
	if s.leader != nil {
		if err := s.leader.RequireLeader(); err != nil {
			return gc.Status{}, fmt.Errorf("datastore %s: %w", s.Name, err)
		}
	}
	end := s.counter.BeginWrite()
	defer end()
	return s.GC.Run(ctx, upid)
}

// VerifyAll runs the verifier over every snapshot under ns (recursively),
// gated on read access. Per-snapshot errors are collected rather than
// aborting the whole pass, matching C6's own accumulate-and-continue
// style.
func (s *Store) VerifyAll(ctx context.Context, ns snapshot.Namespace, upid string) ([]verify.Outcome, error) {
	if err := Gate(s.Mode(), OpRead); err != nil {
		return nil, err
	}
	end := s.counter.BeginRead()
	defer end()

	namespaces, err := s.Snapshots.ListNamespaces(ns)
	if err != nil {
		return nil, fmt.Errorf("datastore %s: list namespaces: %w", s.Name, err)
	}

	var outcomes []verify.Outcome
	for _, n := range namespaces {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		groups, err := s.Snapshots.ListGroups(n)
		if err != nil {
			return outcomes, fmt.Errorf("datastore %s: list groups: %w", s.Name, err)
		}
		for _, g := range groups {
			snaps, err := s.Snapshots.ListSnapshots(n, g)
			if err != nil {
				return outcomes, fmt.Errorf("datastore %s: list snapshots: %w", s.Name, err)
			}
			for _, snap := range snaps {
				if err := ctx.Err(); err != nil {
					return outcomes, err
				}
				out, err := s.Verifier.VerifySnapshot(ctx, snap, upid)
				if err != nil {
					s.logger.Warn("verify failed", "snapshot", snap.DirName(), "error", err)
				}
				outcomes = append(outcomes, out)
			}
		}
	}
	return outcomes, nil
}

// RunPrune evaluates and applies the keep-spec for one group, gated on
// write access (pruning deletes snapshots).
func (s *Store) RunPrune(ns snapshot.Namespace, g snapshot.Group, spec prune.KeepSpec) (prune.Result, error) {
	if err := Gate(s.Mode(), OpWrite); err != nil {
		return prune.Result{}, err
	}
	end := s.counter.BeginWrite()
	defer end()
	return s.Pruner.Run(ns, g, spec)
}

// Registry holds every configured Store, keyed by name. Reload on config
// digest change (spec.md §5) is expected to call Register again with a
// rebuilt Store that reuses the same *chunkstore.Store handle so the
// process lock isn't recycled — constructing a fresh chunkstore.Store
// for an already-open root would be a bug, not a feature.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]*Store
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]*Store)}
}

// Register adds or replaces the store registered under name.
func (r *Registry) Register(name string, s *Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[name] = s
}

// Unregister removes the store registered under name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stores, name)
}

// Get returns the store registered under name, or nil if not found.
func (r *Registry) Get(name string) *Store {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stores[name]
}

// List returns the names of every registered store.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stores))
	for name := range r.stores {
		names = append(names, name)
	}
	return names
}
