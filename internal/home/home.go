// Package home manages the backupd home directory layout.
//
// The home directory owns all persistent state: config files, user/ACL
// databases, and per-datastore chunk/index directories.
//
// Layout:
//
//	<root>/
//	  config.json   or  config.db     (config store, type-dependent)
//	  users.json                       (local login identities, JSON file store only)
//	  session.key                      (HMAC secret for session ticket signing)
//	  tasks.log                        (completed-job history, CLI-only)
//	  datastores/
//	    <datastore-id>/                (per-datastore chunk + index data)
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dir represents a backupd home directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/backupd
//   - macOS:   ~/Library/Application Support/backupd
//   - Windows: %APPDATA%/backupd
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "backupd")}, nil
}

// Root returns the home directory path.
func (d Dir) Root() string {
	return d.root
}

// ConfigPath returns the path to the config file for the given store type.
// "json" -> config.json, "sqlite" -> config.db.
func (d Dir) ConfigPath(storeType string) string {
	switch storeType {
	case "json":
		return filepath.Join(d.root, "config.json")
	default:
		return filepath.Join(d.root, "config.db")
	}
}

// UsersPath returns the path to the users JSON file.
func (d Dir) UsersPath() string {
	return filepath.Join(d.root, "users.json")
}

// SessionKeyPath returns the path to the HMAC secret auth.TokenService
// signs session tickets with. Generated on first use and persisted so a
// ticket issued by one CLI invocation still verifies in the next.
func (d Dir) SessionKeyPath() string {
	return filepath.Join(d.root, "session.key")
}

// TaskHistoryPath returns the path to the completed-job history log the
// CLI appends to across invocations (internal/task.History).
func (d Dir) TaskHistoryPath() string {
	return filepath.Join(d.root, "tasks.log")
}

// DatastoreDir returns the directory for a specific datastore's chunk/index data.
func (d Dir) DatastoreDir(datastoreID string) string {
	return filepath.Join(d.root, "datastores", datastoreID)
}

// EnsureExists creates the home directory (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	return nil
}
