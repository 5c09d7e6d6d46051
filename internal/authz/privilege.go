package authz

// Privilege is a bitmask of the fixed privilege set named in spec.md §4.9:
// Audit, Backup, Read, Modify, Prune, Power.
type Privilege uint32

const (
	PrivAudit Privilege = 1 << iota
	PrivBackup
	PrivRead
	PrivModify
	PrivPrune
	PrivPower
)

// Has reports whether p includes every bit set in want.
func (p Privilege) Has(want Privilege) bool {
	return p&want == want
}

// Role is one of the closed set of named roles; each maps to a fixed
// Privilege combination (spec.md §4.9: "Roles (closed set) map to
// bitmask-combined privileges").
type Role string

// NoAccess is the sentinel role that clears a node's role set rather than
// contributing privileges (spec.md §4.9: "A role named NoAccess clears
// the set on the node it appears on").
const NoAccess Role = "NoAccess"

// Fixed roles. There is no user-configurable role set: spec.md §4.9 calls
// the role set closed, and no wire format or admin operation in spec.md
// adds roles at runtime.
const (
	RoleAdministrator    Role = "Administrator"
	RoleDatastoreAudit   Role = "DatastoreAudit"
	RoleDatastoreReader  Role = "DatastoreReader"
	RoleDatastoreBackup  Role = "DatastoreBackup"
	RoleDatastorePowerUser Role = "DatastorePowerUser"
	RoleDatastoreAdmin   Role = "DatastoreAdmin"
)

// rolePrivileges is the fixed role→privilege table. Administrator carries
// every bit; the Datastore* roles are the ones C9 actually needs to gate
// the operations spec.md names (read/backup/prune/modify/audit/power).
var rolePrivileges = map[Role]Privilege{
	RoleAdministrator:      PrivAudit | PrivBackup | PrivRead | PrivModify | PrivPrune | PrivPower,
	RoleDatastoreAudit:     PrivAudit,
	RoleDatastoreReader:    PrivAudit | PrivRead,
	RoleDatastoreBackup:    PrivAudit | PrivBackup | PrivRead,
	RoleDatastorePowerUser: PrivAudit | PrivBackup | PrivRead | PrivPrune,
	RoleDatastoreAdmin:     PrivAudit | PrivBackup | PrivRead | PrivModify | PrivPrune | PrivPower,
}

// Privileges returns the fixed privilege set for a role. NoAccess and any
// unknown role name return zero.
func (r Role) Privileges() Privilege {
	return rolePrivileges[r]
}
