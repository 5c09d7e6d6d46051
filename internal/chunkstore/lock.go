package chunkstore

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
)

// ErrInUse is returned when a non-blocking exclusive lock acquisition loses
// the race to another holder. Per spec.md §7 this is a retryable error.
var ErrInUse = errors.New("chunkstore: in use")

// storeLock is the process-level shared/exclusive lock over <root>/.lock
// (spec.md §4.1, §5). Writers (insert) hold it shared; GC sweep holds it
// exclusive. The lock is keyed by the open file descriptor, not by any
// config struct, so it survives in-process datastore-config reloads
// (spec.md §9 "Process-level shared/exclusive lock").
type storeLock struct {
	mu   sync.Mutex
	file *os.File
}

func openStoreLock(path string) (*storeLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	return &storeLock{file: f}, nil
}

// Shared acquires a shared (reader) lock, blocking until available.
// Multiple writers may hold this concurrently; it excludes only the
// exclusive GC sweep lock.
func (l *storeLock) Shared() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_SH); err != nil {
		return fmt.Errorf("acquire shared lock: %w", err)
	}
	return nil
}

// TryExclusive attempts to acquire the exclusive (GC sweep) lock without
// blocking. Returns ErrInUse if another holder (reader or writer) currently
// holds the lock.
func (l *storeLock) TryExclusive() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return ErrInUse
		}
		return fmt.Errorf("acquire exclusive lock: %w", err)
	}
	return nil
}

// Unlock releases whichever lock mode is currently held.
func (l *storeLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func (l *storeLock) Close() error {
	return l.file.Close()
}
