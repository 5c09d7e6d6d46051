package datastore

import "testing"

func TestCountersBeginEndBalance(t *testing.T) {
	c := newCounters(t.TempDir())
	if !c.Idle() {
		t.Fatal("expected fresh counters to be idle")
	}

	endRead := c.BeginRead()
	endWrite := c.BeginWrite()
	if c.Idle() {
		t.Fatal("expected counters to be busy")
	}
	if c.Reads() != 1 || c.Writes() != 1 {
		t.Fatalf("expected 1/1, got %d/%d", c.Reads(), c.Writes())
	}

	endRead()
	endWrite()
	if !c.Idle() {
		t.Fatal("expected counters to return to idle")
	}
}

func TestCountersSurviveReload(t *testing.T) {
	dir := t.TempDir()
	c := newCounters(dir)
	end := c.BeginWrite()
	defer end()

	reopened := newCounters(dir)
	if reopened.Writes() != 1 {
		t.Fatalf("expected journaled write count to survive reload, got %d", reopened.Writes())
	}
}
