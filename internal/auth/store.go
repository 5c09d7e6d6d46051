package auth

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// User is one local login identity: an authid the authorization gate's
// ACL can grant roles to (spec.md §4.9), backed by a password this
// process itself can verify — as opposed to a sync pull job's AuthID/
// APIToken, which authenticates this process to a remote datastore.
type User struct {
	AuthID       string `json:"authid"`
	PasswordHash string `json:"password_hash"`
}

// Store persists User entries as a flat JSON array at UsersPath,
// mirroring config/file.Store's atomic temp-file-plus-rename write but
// without that store's versioned envelope or fsnotify watch: user
// credentials change far less often than datastore/ACL config and the
// CLI never needs to be notified of an out-of-process edit.
type Store struct {
	path string
}

// NewStore creates a Store rooted at path (typically home.Dir.UsersPath()).
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads every registered user. Returns an empty slice, not an
// error, if the file does not exist yet.
func (s *Store) Load() ([]User, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read users file: %w", err)
	}
	var users []User
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("parse users file: %w", err)
	}
	return users, nil
}

// Save atomically writes users to disk via a temp file plus rename.
func (s *Store) Save(users []User) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create home directory: %w", err)
	}

	data, err := json.MarshalIndent(users, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal users: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o640); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename users file: %w", err)
	}
	return nil
}

// Find returns the user registered under authid, or false if none exists.
func (s *Store) Find(authid string) (User, bool, error) {
	users, err := s.Load()
	if err != nil {
		return User{}, false, err
	}
	for _, u := range users {
		if u.AuthID == authid {
			return u, true, nil
		}
	}
	return User{}, false, nil
}

// Upsert replaces the entry for user.AuthID if one exists, or appends it,
// then saves.
func (s *Store) Upsert(user User) error {
	users, err := s.Load()
	if err != nil {
		return err
	}
	for i := range users {
		if users[i].AuthID == user.AuthID {
			users[i] = user
			return s.Save(users)
		}
	}
	return s.Save(append(users, user))
}

// LoadOrCreateSecret reads a 32-byte HMAC secret from path, generating
// and persisting a fresh random one on first use. Every backupd
// invocation is its own process (no server to hold the secret in
// memory), so it must round-trip through disk for a ticket issued by one
// invocation to verify in the next.
func LoadOrCreateSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read session key: %w", err)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create home directory: %w", err)
		}
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, fmt.Errorf("write session key: %w", err)
	}
	return secret, nil
}

// Remove deletes the entry for authid, if any, then saves.
func (s *Store) Remove(authid string) error {
	users, err := s.Load()
	if err != nil {
		return err
	}
	kept := users[:0]
	for _, u := range users {
		if u.AuthID != authid {
			kept = append(kept, u)
		}
	}
	return s.Save(kept)
}
