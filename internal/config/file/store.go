// Package file provides a file-based config.Store implementation,
// adapted from gastrolog's config/file/store.go: a versioned JSON
// envelope, atomic temp-file-plus-rename writes, and an fsnotify watch
// loop that signals reload rather than reloading itself (SPEC_FULL.md
// §A.3 — the core owns applying a reload, the store only detects one).
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"vaultd/internal/config"
	"vaultd/internal/notify"
)

const currentVersion = 1

// envelope is the versioned on-disk format.
type envelope struct {
	Version int            `json:"version"`
	Config  *config.Config `json:"config"`
}

// Store is a file-based config.Store implementation. Every mutation
// loads the full file, replaces it in memory, and atomically flushes
// the whole thing back — the nature of a JSON envelope.
type Store struct {
	path string

	watcher   *fsnotify.Watcher
	watchDone chan struct{}
	reload    *notify.Signal
}

var _ config.Store = (*Store)(nil)

// NewStore creates a file-based config.Store rooted at path.
func NewStore(path string) *Store {
	return &Store{path: path, reload: notify.NewSignal()}
}

// Reload returns the signal that fires whenever Watch detects the config
// file changed on disk. Callers re-call Load to pick up the new content.
func (s *Store) Reload() *notify.Signal { return s.reload }

// Load reads the full configuration. Returns nil, nil if the file does
// not exist yet (first run).
func (s *Store) Load(ctx context.Context) (*config.Config, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if env.Version == 0 {
		return nil, fmt.Errorf("unversioned config file detected; delete %s and restart to bootstrap a fresh config", s.path)
	}
	if env.Version > currentVersion {
		return nil, fmt.Errorf("config file version %d is newer than supported version %d", env.Version, currentVersion)
	}
	return env.Config, nil
}

// Save atomically writes cfg to disk via a temp file plus rename.
func (s *Store) Save(ctx context.Context, cfg *config.Config) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	env := envelope{Version: currentVersion, Config: cfg}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o640); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config file: %w", err)
	}
	return nil
}

// Watch starts an fsnotify watch on the config file's directory (the
// file itself may not exist yet, or may be replaced via rename — as
// Save does — which fsnotify only tracks at the directory level).
// On a write, create, or rename event naming the config path, Reload()
// fires. Calling Watch again replaces any previous watch.
func (s *Store) Watch() error {
	s.stopWatch()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		w.Close()
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %q: %w", dir, err)
	}

	s.watcher = w
	s.watchDone = make(chan struct{})
	go s.watchLoop(w, s.watchDone)
	return nil
}

func (s *Store) watchLoop(w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				s.reload.Notify()
			}
		case _, ok := <-w.Errors:
			if !ok {
				return
			}
		}
	}
}

func (s *Store) stopWatch() {
	if s.watcher != nil {
		s.watcher.Close()
		<-s.watchDone
		s.watcher = nil
		s.watchDone = nil
	}
}

// Close stops the file watcher, if any.
func (s *Store) Close() error {
	s.stopWatch()
	return nil
}
