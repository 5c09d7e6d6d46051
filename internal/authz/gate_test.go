package authz

import (
	"errors"
	"testing"
)

func TestGateCheckGrantsMatchingPrivilege(t *testing.T) {
	tree := NewTree()
	tree.InsertRole("/datastore/vault", "alice@pbs", RoleDatastoreBackup, true)
	gate := NewGate(tree)

	if err := gate.Check("alice@pbs", "/datastore/vault", PrivBackup); err != nil {
		t.Fatalf("expected backup privilege to be granted, got %v", err)
	}
	if err := gate.Check("alice@pbs", "/datastore/vault", PrivRead); err != nil {
		t.Fatalf("DatastoreBackup should imply read, got %v", err)
	}
}

func TestGateCheckDeniesMissingPrivilege(t *testing.T) {
	tree := NewTree()
	tree.InsertRole("/datastore/vault", "alice@pbs", RoleDatastoreReader, true)
	gate := NewGate(tree)

	err := gate.Check("alice@pbs", "/datastore/vault", PrivModify)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestGateCheckDeniesUnderNoAccess(t *testing.T) {
	tree := NewTree()
	tree.InsertRole("/datastore/vault", "alice@pbs", RoleDatastoreAdmin, true)
	tree.InsertRole("/datastore/vault/ns/a", "alice@pbs", NoAccess, true)
	gate := NewGate(tree)

	err := gate.Check("alice@pbs", "/datastore/vault/ns/a/ns/b", PrivRead)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected NoAccess to deny even an Administrator-granted privilege below it, got %v", err)
	}
}

func TestGateCheckRequiresEveryBit(t *testing.T) {
	tree := NewTree()
	tree.InsertRole("/datastore/vault", "alice@pbs", RoleDatastoreBackup, true)
	gate := NewGate(tree)

	// DatastoreBackup is Audit|Backup|Read; it must not satisfy a
	// Modify|Prune check.
	if err := gate.Check("alice@pbs", "/datastore/vault", PrivModify|PrivPrune); err == nil {
		t.Fatal("expected a privilege combination outside the role's bitmask to be denied")
	}
}
