package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"cloud.google.com/go/storage"

	"vaultd/internal/authz"
	"vaultd/internal/chunkstore"
	"vaultd/internal/config"
	configfile "vaultd/internal/config/file"
	configsqlite "vaultd/internal/config/sqlite"
	"vaultd/internal/datastore"
	"vaultd/internal/gc"
	"vaultd/internal/home"
	"vaultd/internal/prune"
	"vaultd/internal/snapshot"
	"vaultd/internal/task"
	"vaultd/internal/verify"
)

// env bundles the in-process components every subcommand operates
// against. cmd/gastrolog's CLI dials a running server; backupd has no
// server to dial (the RPC/REST collaborator is out of scope), so each
// invocation loads config fresh and builds its own Registry/Gate/Manager
// directly, per SPEC_FULL.md §A.4.
type env struct {
	home    home.Dir
	cfg     *config.Config
	cfgStr  config.Store
	reg     *datastore.Registry
	gate    *authz.Gate
	tasks   *task.Manager
	history *task.History
	logger  *slog.Logger
	printer *printer
}

func newEnv(cmdFlags flagSet) (*env, error) {
	hd, err := resolveHome(cmdFlags.home)
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	if err := hd.EnsureExists(); err != nil {
		return nil, err
	}

	logger := newLogger(cmdFlags.logLevel)

	cfgStore, err := openConfigStore(hd, cmdFlags.configType)
	if err != nil {
		return nil, fmt.Errorf("open config store: %w", err)
	}

	cfg, err := cfgStore.Load(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg == nil {
		cfg = &config.Config{}
	}

	reg, err := buildRegistry(cfg, hd, logger)
	if err != nil {
		return nil, fmt.Errorf("build datastore registry: %w", err)
	}

	tasks, err := task.New(task.Config{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("start task manager: %w", err)
	}

	return &env{
		home:    hd,
		cfg:     cfg,
		cfgStr:  cfgStore,
		reg:     reg,
		gate:    buildGate(cfg),
		tasks:   tasks,
		history: task.NewHistory(hd.TaskHistoryPath()),
		logger:  logger,
		printer: newPrinter(cmdFlags.output, os.Stdout),
	}, nil
}

// requireAuth checks caller against the authorization gate for want on
// path (spec.md §4.9) — the same primitive the out-of-core REST/RPC layer
// would call before invoking this operation over the wire. An empty
// caller is the bare local CLI's case: an operator running backupd
// directly has no caller identity to check (there is no session to have
// authenticated), so enforcement only activates once --caller names an
// authid with its own ACL entries, e.g. a delegated or unattended
// invocation running as something less trusted than the operator at the
// keyboard.
func (e *env) requireAuth(caller, path string, want authz.Privilege) error {
	if caller == "" {
		return nil
	}
	return e.gate.Check(caller, path, want)
}

// resolveHome returns a home.Dir from the flag value, or the platform
// default (cmd/gastrolog/main.go's resolveHome, unchanged).
func resolveHome(flagValue string) (home.Dir, error) {
	if flagValue != "" {
		return home.New(flagValue), nil
	}
	return home.Default()
}

func openConfigStore(hd home.Dir, configType string) (config.Store, error) {
	switch configType {
	case "file":
		return configfile.NewStore(hd.ConfigPath("json")), nil
	case "sqlite", "":
		return configsqlite.NewStore(hd.ConfigPath("sqlite"))
	default:
		return nil, fmt.Errorf("unknown config store type: %q", configType)
	}
}

// buildRegistry opens every configured datastore's chunk store and
// snapshot tree and wraps them in a datastore.Store, mirroring
// orchestrator.ApplyConfig's "walk declarative config, instantiate
// components" shape but for backupd's (chunk store, snapshot tree, GC,
// verifier, pruner) bundle instead of (ingester, chunk manager, index
// manager, digesters).
func buildRegistry(cfg *config.Config, hd home.Dir, logger *slog.Logger) (*datastore.Registry, error) {
	reg := datastore.NewRegistry()
	for _, d := range cfg.Datastores {
		root := d.Root
		if root == "" {
			root = hd.DatastoreDir(d.Name)
		}

		var mirror chunkstore.Mirror
		if d.MirrorBucket != "" {
			m, err := newGCSMirror(d.MirrorBucket, logger)
			if err != nil {
				return nil, fmt.Errorf("datastore %s: configure mirror: %w", d.Name, err)
			}
			mirror = m
		}

		chunks, err := chunkstore.Open(chunkstore.Config{Root: root, Logger: logger, Mirror: mirror})
		if err != nil {
			return nil, fmt.Errorf("datastore %s: open chunk store: %w", d.Name, err)
		}
		ds := snapshot.Open(root, logger)

		store := datastore.New(datastore.Config{
			Name:      d.Name,
			Chunks:    chunks,
			Snapshots: ds,
			GC:        gc.New(chunks, ds, gc.Config{Logger: logger}),
			Verifier:  verify.New(chunks, ds, verify.Config{Logger: logger}),
			Pruner:    prune.New(ds, prune.Config{Logger: logger}),
			// Leader is nil: single-node deployments (the CLI's default
			// operating mode) never gate GC on Raft leadership.
			Logger: logger,
		})

		if mode, ok := parseMode(d.Mode); ok {
			if err := store.SetMode(mode); err != nil {
				return nil, fmt.Errorf("datastore %s: %w", d.Name, err)
			}
		}

		reg.Register(d.Name, store)
	}
	return reg, nil
}

// newGCSMirror builds a chunkstore.Mirror for a datastore's configured
// mirror bucket. One GCS client is created per datastore rather than
// shared process-wide: backupd is a short-lived CLI invocation, not a
// long-running server, so there is no pool to amortize it across.
func newGCSMirror(bucket string, logger *slog.Logger) (chunkstore.Mirror, error) {
	client, err := storage.NewClient(context.Background())
	if err != nil {
		return nil, fmt.Errorf("new gcs client: %w", err)
	}
	return chunkstore.NewGCSMirror(client, bucket, logger), nil
}

func parseMode(s string) (datastore.Mode, bool) {
	switch s {
	case "online", "":
		return datastore.Online, s != ""
	case "read-only", "readonly":
		return datastore.ReadOnly, true
	case "offline":
		return datastore.Offline, true
	case "delete":
		return datastore.Delete, true
	default:
		return datastore.Online, false
	}
}

// buildGate loads every ACL entry into a fresh authz.Tree. The CLI has no
// long-lived process to keep a Tree current across invocations; each
// command rebuilds it from the config store's current snapshot, which is
// the authoritative source per spec.md §4.9.
func buildGate(cfg *config.Config) *authz.Gate {
	tree := authz.NewTree()
	for _, e := range cfg.ACL {
		tree.InsertRole(e.Path, e.AuthID, authz.Role(e.Role), e.Propagate)
	}
	return authz.NewGate(tree)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
