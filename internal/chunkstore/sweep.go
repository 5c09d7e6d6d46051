package chunkstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// pendingFileName stores the set of chunks currently in the sweep's
// "pending removal" delay queue (spec.md §4.1's two-stage sweep: mark
// candidates first, unlink only after a second safety interval has
// elapsed, so a narrow atime-precision race can't strand a live chunk).
const pendingFileName = ".gc-pending.json"

// SweepResult accumulates the counts spec.md §4.5/§6 requires from a
// single Sweep call. The gc package folds this into the full
// GarbageCollectionStatus alongside its own mark-phase counts.
type SweepResult struct {
	DiskBytes     uint64
	DiskChunks    int
	RemovedBytes  uint64
	RemovedChunks int
	PendingBytes  uint64
	PendingChunks int
	RemovedBad    int
	StillBad      int
	StrangePaths  int
}

type pendingEntry struct {
	Since time.Time `json:"since"`
	Size  int64     `json:"size"`
}

// Sweep removes every chunk whose atime predates cutoff, where cutoff is
// computed by the caller as min(oldest_writer_ts, phase1_start_ts) minus a
// safety margin (spec.md §4.5). Chunks newly found stale are enqueued into
// a pending set and only physically unlinked once they have been pending
// for at least delay; this bridges filesystems with imprecise atime
// granularity. Bad-marked files (*.N.bad) are swept the same way, except a
// bad file is preserved indefinitely while its base digest currently has a
// live, non-bad sibling (evidence of prior corruption kept alongside a
// since-repaired chunk). Sweep requires the exclusive store lock; callers
// must not hold the shared lock concurrently (backups and GC are mutually
// exclusive, spec.md §5).
func (s *Store) Sweep(cutoff time.Time, delay time.Duration) (SweepResult, error) {
	if err := s.lock.TryExclusive(); err != nil {
		return SweepResult{}, err
	}
	defer s.lock.Unlock()

	pending, err := s.loadPending()
	if err != nil {
		return SweepResult{}, err
	}

	var res SweepResult
	liveDigest := make(map[string]bool) // base digest hex -> has a live non-bad chunk

	var entries []Entry
	if err := s.Iter(func(e Entry) error {
		entries = append(entries, e)
		if e.Valid && !e.Bad {
			liveDigest[e.Digest.String()] = true
		}
		return nil
	}); err != nil {
		return SweepResult{}, err
	}

	now := time.Now()
	for _, e := range entries {
		key := e.Path
		if !e.Valid {
			// Unparseable name: neither counted toward disk totals nor
			// swept here, just noted so the operator can investigate.
			res.StrangePaths++
			continue
		}

		if e.Bad {
			if liveDigest[e.Digest.String()] {
				// Evidence kept alongside a since-repaired chunk.
				res.StillBad++
				delete(pending, key)
				continue
			}
			if e.Atime.Before(cutoff) {
				if due, ok := pending[key]; ok {
					if now.Sub(due.Since) >= delay {
						if err := os.Remove(e.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
							return res, fmt.Errorf("remove bad chunk %s: %w", e.Path, err)
						}
						res.RemovedBad++
						delete(pending, key)
						continue
					}
					res.StillBad++
					continue
				}
				pending[key] = pendingEntry{Since: now, Size: e.Size}
				res.StillBad++
				continue
			}
			res.StillBad++
			delete(pending, key)
			continue
		}

		// Regular chunk.
		if e.Atime.Before(cutoff) {
			if due, ok := pending[key]; ok {
				if now.Sub(due.Since) >= delay {
					if err := os.Remove(e.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
						return res, fmt.Errorf("remove chunk %s: %w", e.Path, err)
					}
					res.RemovedBytes += uint64(e.Size)
					res.RemovedChunks++
					delete(pending, key)
					continue
				}
				res.PendingBytes += uint64(e.Size)
				res.PendingChunks++
				continue
			}
			pending[key] = pendingEntry{Since: now, Size: e.Size}
			res.PendingBytes += uint64(e.Size)
			res.PendingChunks++
			continue
		}

		// Live: touched since the cutoff. Clear any stale pending mark
		// (it was re-referenced before its delay elapsed) and count it
		// toward the surviving disk totals.
		delete(pending, key)
		res.DiskBytes += uint64(e.Size)
		res.DiskChunks++
	}

	if err := s.savePending(pending); err != nil {
		return res, err
	}

	return res, nil
}

func (s *Store) pendingPath() string {
	return filepath.Join(s.root, pendingFileName)
}

func (s *Store) loadPending() (map[string]pendingEntry, error) {
	data, err := os.ReadFile(s.pendingPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return make(map[string]pendingEntry), nil
		}
		return nil, fmt.Errorf("read pending sweep state: %w", err)
	}
	m := make(map[string]pendingEntry)
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse pending sweep state: %w", err)
	}
	return m, nil
}

func (s *Store) savePending(m map[string]pendingEntry) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode pending sweep state: %w", err)
	}
	tmp := s.pendingPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write pending sweep state: %w", err)
	}
	return os.Rename(tmp, s.pendingPath())
}

// WriteGCStatus persists the given JSON-encodable status to .gc-status,
// the sidecar spec.md §4.1/§6 names.
func (s *Store) WriteGCStatus(status any) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("encode gc status: %w", err)
	}
	tmp := filepath.Join(s.root, gcStatusFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write gc status: %w", err)
	}
	return os.Rename(tmp, filepath.Join(s.root, gcStatusFileName))
}

// ReadGCStatus reads the most recent .gc-status sidecar into dst.
func (s *Store) ReadGCStatus(dst any) error {
	data, err := os.ReadFile(filepath.Join(s.root, gcStatusFileName))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
