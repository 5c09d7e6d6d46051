// Package prune implements the pruner (C7): a pure keep-spec bucket
// policy over a group's snapshots, plus a thin driver that applies the
// resulting keep/remove decisions through the snapshot datastore. See
// spec.md §4.7.
package prune

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"vaultd/internal/logging"
	"vaultd/internal/snapshot"
)

// KeepSpec is the retention input: each field is either zero (bucket
// disabled) or a positive count. Matches spec.md §4.7's
// `{last, hourly, daily, weekly, monthly, yearly}`.
type KeepSpec struct {
	Last    int
	Hourly  int
	Daily   int
	Weekly  int
	Monthly int
	Yearly  int
}

// Empty reports whether no bucket is enabled, in which case every
// snapshot is kept (spec.md §4.7).
func (k KeepSpec) Empty() bool {
	return k.Last <= 0 && k.Hourly <= 0 && k.Daily <= 0 && k.Weekly <= 0 && k.Monthly <= 0 && k.Yearly <= 0
}

// Candidate is one snapshot considered for pruning, along with whether
// it carries a protection marker.
type Candidate struct {
	Snapshot  snapshot.Snapshot
	Protected bool
}

// Decision is the policy's verdict for one snapshot.
type Decision struct {
	Snapshot snapshot.Snapshot
	Keep     bool
}

type period int

const (
	periodInstant period = iota // "last": every snapshot is its own bucket key
	periodHour
	periodDay
	periodWeek
	periodMonth
	periodYear
)

// bucketKey computes the truncated period key for t in the local
// timezone (spec.md §4.7: "truncate time to the bucket's period using
// the local timezone"). seq distinguishes periodInstant buckets, which
// have no period to truncate to: each snapshot a fresh one tallies
// toward "last" gets its own unique key.
func bucketKey(p period, t time.Time, seq int) string {
	switch p {
	case periodInstant:
		return strconv.Itoa(seq)
	case periodHour:
		return t.Format("2006-01-02T15")
	case periodDay:
		return t.Format("2006-01-02")
	case periodWeek:
		y, w := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", y, w)
	case periodMonth:
		return t.Format("2006-01")
	case periodYear:
		return t.Format("2006")
	default:
		panic("prune: unknown period")
	}
}

type bucket struct {
	period    period
	remaining int
	lastKey   string
	hasKey    bool
}

// Evaluate runs the keep-spec bucket algorithm over candidates and
// returns a keep/remove decision for every one, in the same order they
// were given. Pure function: no IO, no clock reads (the caller supplies
// candidates already resolved against the datastore).
func Evaluate(candidates []Candidate, spec KeepSpec) []Decision {
	decisions := make([]Decision, len(candidates))
	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return candidates[order[a]].Snapshot.Time.After(candidates[order[b]].Snapshot.Time)
	})

	keepAll := spec.Empty()

	var buckets []*bucket
	for _, b := range []struct {
		count  int
		period period
	}{
		{spec.Last, periodInstant},
		{spec.Hourly, periodHour},
		{spec.Daily, periodDay},
		{spec.Weekly, periodWeek},
		{spec.Monthly, periodMonth},
		{spec.Yearly, periodYear},
	} {
		if b.count > 0 {
			buckets = append(buckets, &bucket{period: b.period, remaining: b.count})
		}
	}

	for seq, i := range order {
		c := candidates[i]
		keep := keepAll || c.Protected
		t := c.Snapshot.Time.Local()

		for _, b := range buckets {
			if b.remaining <= 0 {
				continue
			}
			key := bucketKey(b.period, t, seq)
			if !b.hasKey || key != b.lastKey {
				b.hasKey = true
				b.lastKey = key
				b.remaining--
				keep = true
			}
		}

		decisions[i] = Decision{Snapshot: c.Snapshot, Keep: keep}
	}
	return decisions
}

// Result is the outcome of a Pruner.Run call.
type Result struct {
	Decisions []Decision
	Removed   int
}

// Config configures a Pruner.
type Config struct {
	// DryRun computes decisions without deleting anything.
	DryRun bool
	Logger *slog.Logger
}

// Pruner evaluates and applies the retention policy for groups in one
// datastore.
type Pruner struct {
	ds     *snapshot.Datastore
	cfg    Config
	logger *slog.Logger
}

// New returns a Pruner over ds.
func New(ds *snapshot.Datastore, cfg Config) *Pruner {
	return &Pruner{
		ds:     ds,
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "prune"),
	}
}

// Run evaluates the keep-spec against every snapshot in ns/g and, unless
// DryRun is set, removes the ones marked keep=false. Deletion of each
// keep=false snapshot is its own transaction (spec.md §4.7): a failure
// removing one snapshot does not block evaluation of, or attempts on,
// the rest.
func (p *Pruner) Run(ns snapshot.Namespace, g snapshot.Group, spec KeepSpec) (Result, error) {
	snaps, err := p.ds.ListSnapshots(ns, g)
	if err != nil {
		return Result{}, fmt.Errorf("prune: list snapshots: %w", err)
	}

	candidates := make([]Candidate, len(snaps))
	for i, s := range snaps {
		candidates[i] = Candidate{Snapshot: s, Protected: p.ds.IsProtected(s)}
	}

	decisions := Evaluate(candidates, spec)
	res := Result{Decisions: decisions}

	if p.cfg.DryRun {
		return res, nil
	}

	var firstErr error
	for _, d := range decisions {
		if d.Keep {
			continue
		}
		if err := p.ds.RemoveBackupDir(d.Snapshot, false); err != nil {
			p.logger.Warn("prune: failed to remove snapshot", "snapshot", d.Snapshot, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		res.Removed++
		p.logger.Info("pruned snapshot", "snapshot", d.Snapshot)
	}
	return res, firstErr
}
