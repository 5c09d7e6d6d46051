// Package config provides configuration persistence for datastores,
// namespaces, pull jobs, and ACL entries (SPEC_FULL.md §A.3). This is
// control-plane state, declarative and load-on-start — it does not
// inspect backup data or perform any C1–C9 operation itself.
package config

import "context"

// Store persists and loads the desired system configuration.
//
// Store is not accessed on the backup/restore hot path; persistence
// must not block an in-flight chunk transfer.
type Store interface {
	// Load reads the configuration. Returns nil config if none exists.
	Load(ctx context.Context) (*Config, error)
	// Save persists the configuration.
	Save(ctx context.Context, cfg *Config) error
}

// Config is declarative: it describes what datastores, namespaces, pull
// jobs, and ACL entries should exist, not how to create them.
type Config struct {
	Datastores []DatastoreConfig
	Namespaces []NamespaceConfig
	PullJobs   []PullJobConfig
	ACL        []ACLEntryConfig
}

// DatastoreConfig describes one datastore to instantiate.
type DatastoreConfig struct {
	Name string
	Root string
	// Mode is the maintenance mode name ("online", "read-only",
	// "offline", "delete") the datastore should start in.
	Mode string
	// GCSchedule, VerifySchedule, PruneSchedule are cron expressions for
	// recurring maintenance jobs; empty means unscheduled (run only on
	// demand via the CLI).
	GCSchedule     string
	VerifySchedule string
	PruneSchedule  string
	// KeepLast, KeepDaily, etc. make up the default prune keep-spec
	// applied by PruneSchedule, expressed as the same field names as
	// prune.KeepSpec.
	KeepLast    int
	KeepHourly  int
	KeepDaily   int
	KeepWeekly  int
	KeepMonthly int
	KeepYearly  int
	// MirrorBucket, if set, names a Google Cloud Storage bucket the chunk
	// store mirrors every inserted chunk to in the background and falls
	// back to on a local miss. Empty disables mirroring.
	MirrorBucket string
}

// NamespaceConfig describes one namespace to pre-create under a
// datastore.
type NamespaceConfig struct {
	Datastore string
	Path      string // slash-separated, e.g. "team-a/staging"
	Comment   string
}

// PullJobConfig describes one scheduled sync (C8) job pulling from a
// remote datastore into a local one.
type PullJobConfig struct {
	ID       string
	Schedule string // cron expression; empty means run only on demand

	RemoteURL   string
	RemoteStore string
	AuthID      string
	APIToken    string // "<authid>:<secret>"; the job config has no ticket field

	SourceRoot   string // namespace path on the remote, "" for root
	TargetStore  string // local datastore name
	TargetPrefix string // namespace path under the local datastore

	Filters        []GroupFilterConfig
	TransferLast   int
	RemoveVanished bool
}

// GroupFilterConfig describes one sync.GroupFilter.
type GroupFilterConfig struct {
	Type    string // "ct", "host", "vm", or "" for any
	ID      string // "" for any
	Regex   string // "" for no regex constraint
	Exclude bool
}

// ACLEntryConfig describes one authz.Tree.InsertRole call.
type ACLEntryConfig struct {
	Path      string
	AuthID    string
	Role      string
	Propagate bool
}
