package snapshot

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// ErrInUse is returned when a non-blocking lock acquisition loses the
// race to another holder (spec.md §7, "retryable error").
var ErrInUse = errors.New("snapshot: in use")

// Lock is a per-group or per-snapshot advisory lock backed by a file under
// the group/snapshot directory (".lock"), following the same flock
// discipline as the chunk store's process lock (spec.md §4.4, §5).
type Lock struct {
	file *os.File
	path string
}

// acquireLock opens (creating if needed) the lock file at path and takes a
// non-blocking exclusive flock. Returns ErrInUse if another holder has it.
func acquireLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open lock %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, ErrInUse
		}
		return nil, fmt.Errorf("snapshot: flock %s: %w", path, err)
	}
	return &Lock{file: f, path: path}, nil
}

// Release unlocks and closes the lock file. The lock file itself is left
// on disk (it is reused by the next session).
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		l.file.Close()
		return fmt.Errorf("snapshot: unlock %s: %w", l.path, err)
	}
	return l.file.Close()
}
