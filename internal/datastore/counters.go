package datastore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
)

// journalFileName is the coarse, best-effort record of active-operation
// counts, so a control-plane restart mid-operation doesn't silently lose
// the count (spec.md §5's explicit note). It is rewritten on every
// Begin/End and is advisory only — a missing or corrupt journal just
// means counters start at zero, the safe default.
const journalFileName = ".active-ops"

// counters tracks the number of in-flight read and write operations
// against one datastore, with a coarse on-disk journal for restart
// recovery. Safe for concurrent use.
type counters struct {
	reads  atomic.Int64
	writes atomic.Int64
	path   string
}

func newCounters(root string) *counters {
	c := &counters{path: filepath.Join(root, journalFileName)}
	c.load()
	return c
}

func (c *counters) load() {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return
	}
	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return
	}
	reads, err1 := strconv.ParseInt(fields[0], 10, 64)
	writes, err2 := strconv.ParseInt(fields[1], 10, 64)
	if err1 != nil || err2 != nil {
		return
	}
	c.reads.Store(reads)
	c.writes.Store(writes)
}

func (c *counters) persist() {
	line := fmt.Sprintf("%d %d\n", c.reads.Load(), c.writes.Load())
	_ = os.WriteFile(c.path, []byte(line), 0o640)
}

// BeginRead increments the active-read counter and returns a func that
// decrements it on completion.
func (c *counters) BeginRead() func() {
	c.reads.Add(1)
	c.persist()
	return func() {
		c.reads.Add(-1)
		c.persist()
	}
}

// BeginWrite increments the active-write counter and returns a func that
// decrements it on completion.
func (c *counters) BeginWrite() func() {
	c.writes.Add(1)
	c.persist()
	return func() {
		c.writes.Add(-1)
		c.persist()
	}
}

// Reads returns the current active-read count.
func (c *counters) Reads() int64 { return c.reads.Load() }

// Writes returns the current active-write count.
func (c *counters) Writes() int64 { return c.writes.Load() }

// Idle reports whether no reads or writes are currently in flight — the
// condition SetMode checks before entering Delete mode.
func (c *counters) Idle() bool { return c.reads.Load() == 0 && c.writes.Load() == 0 }
