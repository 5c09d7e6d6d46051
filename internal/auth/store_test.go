package auth_test

import (
	"path/filepath"
	"testing"

	"vaultd/internal/auth"
)

func TestStoreUpsertFindRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	s := auth.NewStore(path)

	users, err := s.Load()
	if err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("expected no users, got %d", len(users))
	}

	if err := s.Upsert(auth.User{AuthID: "alice", PasswordHash: "hash-1"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	u, ok, err := s.Find("alice")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !ok || u.PasswordHash != "hash-1" {
		t.Fatalf("expected alice with hash-1, got %+v ok=%v", u, ok)
	}

	if err := s.Upsert(auth.User{AuthID: "alice", PasswordHash: "hash-2"}); err != nil {
		t.Fatalf("Upsert overwrite: %v", err)
	}
	u, ok, err = s.Find("alice")
	if err != nil || !ok || u.PasswordHash != "hash-2" {
		t.Fatalf("expected alice updated to hash-2, got %+v ok=%v err=%v", u, ok, err)
	}

	if err := s.Remove("alice"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok, err := s.Find("alice"); err != nil || ok {
		t.Fatalf("expected alice removed, ok=%v err=%v", ok, err)
	}
}
