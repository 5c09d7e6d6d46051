package prune

import (
	"testing"
	"time"

	"vaultd/internal/chunkstore"
	"vaultd/internal/snapshot"
)

func mustUTC(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse time %q: %v", s, err)
	}
	return tm.UTC()
}

func candidatesAt(t *testing.T, times ...string) []Candidate {
	t.Helper()
	ns, _ := snapshot.ParseNamespace("")
	g := snapshot.Group{Type: snapshot.TypeVM, ID: "100"}
	out := make([]Candidate, len(times))
	for i, s := range times {
		out[i] = Candidate{Snapshot: snapshot.Snapshot{Namespace: ns, Group: g, Time: mustUTC(t, s)}}
	}
	return out
}

func keptTimes(t *testing.T, decisions []Decision) []string {
	t.Helper()
	var out []string
	for _, d := range decisions {
		if d.Keep {
			out = append(out, d.Snapshot.Time.UTC().Format(time.RFC3339))
		}
	}
	return out
}

func TestEvaluateEmptySpecKeepsAll(t *testing.T) {
	cands := candidatesAt(t, "2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z")
	decisions := Evaluate(cands, KeepSpec{})
	for _, d := range decisions {
		if !d.Keep {
			t.Errorf("expected %s kept with empty keep-spec", d.Snapshot.Time)
		}
	}
}

func TestEvaluateSpecScenarioKeepDaily7KeepWeekly4(t *testing.T) {
	cands := candidatesAt(t,
		"2024-01-01T00:00:00Z",
		"2024-01-02T00:00:00Z",
		"2024-01-03T00:00:00Z",
		"2024-01-08T00:00:00Z",
		"2024-01-15T00:00:00Z",
		"2024-01-22T00:00:00Z",
		"2024-02-01T00:00:00Z",
	)
	decisions := Evaluate(cands, KeepSpec{Daily: 7, Weekly: 4})
	if len(decisions) != 7 {
		t.Fatalf("expected 7 decisions, got %d", len(decisions))
	}
	for _, d := range decisions {
		if !d.Keep {
			t.Errorf("expected %s kept (keep-daily=7 covers all 7 distinct days)", d.Snapshot.Time)
		}
	}
}

func TestEvaluateDailyKeepsOnlyNewestPerDay(t *testing.T) {
	cands := candidatesAt(t,
		"2024-01-01T08:00:00Z",
		"2024-01-01T20:00:00Z", // same day, later: this one wins
		"2024-01-02T08:00:00Z",
	)
	decisions := Evaluate(cands, KeepSpec{Daily: 2})
	got := keptTimes(t, decisions)
	want := []string{"2024-01-01T20:00:00Z", "2024-01-02T08:00:00Z"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
			break
		}
	}
}

func TestEvaluateQuotaExhaustionStopsBucket(t *testing.T) {
	cands := candidatesAt(t,
		"2024-01-05T00:00:00Z",
		"2024-01-04T00:00:00Z",
		"2024-01-03T00:00:00Z",
		"2024-01-02T00:00:00Z",
		"2024-01-01T00:00:00Z",
	)
	decisions := Evaluate(cands, KeepSpec{Daily: 3})
	got := keptTimes(t, decisions)
	want := []string{"2024-01-03T00:00:00Z", "2024-01-04T00:00:00Z", "2024-01-05T00:00:00Z"}
	if len(got) != 3 {
		t.Fatalf("expected 3 kept, got %v", got)
	}
	for _, w := range want {
		found := false
		for _, g := range got {
			if g == w {
				found = true
			}
		}
		if !found {
			t.Errorf("expected %s to be kept, got %v", w, got)
		}
	}
}

func TestEvaluateLastKeepsNewestRegardlessOfPeriod(t *testing.T) {
	cands := candidatesAt(t,
		"2024-01-01T01:00:00Z",
		"2024-01-01T02:00:00Z",
		"2024-01-01T03:00:00Z",
	)
	decisions := Evaluate(cands, KeepSpec{Last: 2})
	got := keptTimes(t, decisions)
	want := []string{"2024-01-01T02:00:00Z", "2024-01-01T03:00:00Z"}
	if len(got) != 2 {
		t.Fatalf("expected 2 kept, got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
			break
		}
	}
}

func TestEvaluateProtectedAlwaysKept(t *testing.T) {
	cands := candidatesAt(t, "2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z")
	cands[0].Protected = true
	decisions := Evaluate(cands, KeepSpec{Daily: 1})
	for _, d := range decisions {
		if !d.Keep {
			t.Errorf("expected %s kept (protected or within quota)", d.Snapshot.Time)
		}
	}
}

func setupDatastore(t *testing.T) *snapshot.Datastore {
	t.Helper()
	root := t.TempDir()
	store, err := chunkstore.Open(chunkstore.Config{Root: root})
	if err != nil {
		t.Fatalf("chunkstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return snapshot.Open(root, nil)
}

func TestPrunerRunRemovesUnkeptSnapshots(t *testing.T) {
	ds := setupDatastore(t)
	ns, _ := snapshot.ParseNamespace("")
	g := snapshot.Group{Type: snapshot.TypeVM, ID: "100"}

	times := []string{
		"2024-01-01T00:00:00Z",
		"2024-01-01T12:00:00Z",
		"2024-01-02T00:00:00Z",
	}
	for _, ts := range times {
		s := snapshot.Snapshot{Namespace: ns, Group: g, Time: mustUTC(t, ts)}
		_, lock, err := ds.CreateLockedBackupDir(s)
		if err != nil {
			t.Fatalf("CreateLockedBackupDir: %v", err)
		}
		lock.Release()
	}

	p := New(ds, Config{})
	res, err := p.Run(ns, g, KeepSpec{Daily: 2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Removed != 1 {
		t.Fatalf("expected 1 snapshot removed, got %d", res.Removed)
	}

	remaining, err := ds.ListSnapshots(ns, g)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 snapshots remaining, got %d", len(remaining))
	}
	for _, s := range remaining {
		if s.Time.Equal(mustUTC(t, "2024-01-01T00:00:00Z")) {
			t.Errorf("expected the earlier same-day snapshot to have been pruned")
		}
	}
}

func TestPrunerRunDryRunDoesNotDelete(t *testing.T) {
	ds := setupDatastore(t)
	ns, _ := snapshot.ParseNamespace("")
	g := snapshot.Group{Type: snapshot.TypeVM, ID: "200"}

	for _, ts := range []string{"2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z"} {
		s := snapshot.Snapshot{Namespace: ns, Group: g, Time: mustUTC(t, ts)}
		_, lock, err := ds.CreateLockedBackupDir(s)
		if err != nil {
			t.Fatalf("CreateLockedBackupDir: %v", err)
		}
		lock.Release()
	}

	p := New(ds, Config{DryRun: true})
	res, err := p.Run(ns, g, KeepSpec{Daily: 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Removed != 0 {
		t.Errorf("expected no removals in dry-run, got %d", res.Removed)
	}

	remaining, err := ds.ListSnapshots(ns, g)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(remaining) != 2 {
		t.Errorf("expected both snapshots to survive dry-run, got %d", len(remaining))
	}
}

func TestPrunerRunRespectsProtection(t *testing.T) {
	ds := setupDatastore(t)
	ns, _ := snapshot.ParseNamespace("")
	g := snapshot.Group{Type: snapshot.TypeVM, ID: "300"}

	older := snapshot.Snapshot{Namespace: ns, Group: g, Time: mustUTC(t, "2024-01-01T00:00:00Z")}
	newer := snapshot.Snapshot{Namespace: ns, Group: g, Time: mustUTC(t, "2024-01-02T00:00:00Z")}
	for _, s := range []snapshot.Snapshot{older, newer} {
		_, lock, err := ds.CreateLockedBackupDir(s)
		if err != nil {
			t.Fatalf("CreateLockedBackupDir: %v", err)
		}
		lock.Release()
	}
	if err := ds.SetProtected(older, true); err != nil {
		t.Fatalf("SetProtected: %v", err)
	}

	p := New(ds, Config{})
	res, err := p.Run(ns, g, KeepSpec{Daily: 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Removed != 0 {
		t.Errorf("expected the protected snapshot to block removal, got removed=%d", res.Removed)
	}

	remaining, err := ds.ListSnapshots(ns, g)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(remaining) != 2 {
		t.Errorf("expected both snapshots to survive, got %d", len(remaining))
	}
}
