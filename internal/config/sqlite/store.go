// Package sqlite provides a SQLite-backed config.Store implementation,
// adapted from gastrolog's config/sqlite/store.go: same migration
// runner and single-connection pragmas, normalized tables instead of
// the teacher's filter/policy/ingester schema.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"vaultd/internal/config"
)

// Store is a SQLite-based config.Store implementation.
type Store struct {
	db *sql.DB
}

var _ config.Store = (*Store)(nil)

// NewStore opens a SQLite database at path and runs migrations.
func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create config directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set foreign_keys: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// Load reads the full configuration. Returns nil, nil if every table is
// empty (first run).
func (s *Store) Load(ctx context.Context) (*config.Config, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT count(*) FROM datastores)
		     + (SELECT count(*) FROM namespaces)
		     + (SELECT count(*) FROM pull_jobs)
		     + (SELECT count(*) FROM acl_entries)
	`).Scan(&count)
	if err != nil {
		return nil, fmt.Errorf("count entities: %w", err)
	}
	if count == 0 {
		return nil, nil
	}

	cfg := &config.Config{}

	rows, err := s.db.QueryContext(ctx, `SELECT name, root, mode, gc_schedule,
		verify_schedule, prune_schedule, keep_last, keep_hourly, keep_daily,
		keep_weekly, keep_monthly, keep_yearly FROM datastores ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list datastores: %w", err)
	}
	for rows.Next() {
		var d config.DatastoreConfig
		if err := rows.Scan(&d.Name, &d.Root, &d.Mode, &d.GCSchedule,
			&d.VerifySchedule, &d.PruneSchedule, &d.KeepLast, &d.KeepHourly,
			&d.KeepDaily, &d.KeepWeekly, &d.KeepMonthly, &d.KeepYearly); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan datastore: %w", err)
		}
		cfg.Datastores = append(cfg.Datastores, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate datastores: %w", err)
	}
	rows.Close()

	nsRows, err := s.db.QueryContext(ctx, `SELECT datastore, path, comment FROM namespaces ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	for nsRows.Next() {
		var n config.NamespaceConfig
		if err := nsRows.Scan(&n.Datastore, &n.Path, &n.Comment); err != nil {
			nsRows.Close()
			return nil, fmt.Errorf("scan namespace: %w", err)
		}
		cfg.Namespaces = append(cfg.Namespaces, n)
	}
	if err := nsRows.Err(); err != nil {
		nsRows.Close()
		return nil, fmt.Errorf("iterate namespaces: %w", err)
	}
	nsRows.Close()

	jobRows, err := s.db.QueryContext(ctx, `SELECT id, schedule, remote_url,
		remote_store, auth_id, api_token, source_root, target_store,
		target_prefix, filters_json, transfer_last, remove_vanished
		FROM pull_jobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list pull jobs: %w", err)
	}
	for jobRows.Next() {
		var p config.PullJobConfig
		var filtersJSON string
		var removeVanished int
		if err := jobRows.Scan(&p.ID, &p.Schedule, &p.RemoteURL, &p.RemoteStore,
			&p.AuthID, &p.APIToken, &p.SourceRoot, &p.TargetStore, &p.TargetPrefix,
			&filtersJSON, &p.TransferLast, &removeVanished); err != nil {
			jobRows.Close()
			return nil, fmt.Errorf("scan pull job: %w", err)
		}
		p.RemoveVanished = removeVanished != 0
		if err := json.Unmarshal([]byte(filtersJSON), &p.Filters); err != nil {
			jobRows.Close()
			return nil, fmt.Errorf("parse filters for pull job %s: %w", p.ID, err)
		}
		cfg.PullJobs = append(cfg.PullJobs, p)
	}
	if err := jobRows.Err(); err != nil {
		jobRows.Close()
		return nil, fmt.Errorf("iterate pull jobs: %w", err)
	}
	jobRows.Close()

	aclRows, err := s.db.QueryContext(ctx, `SELECT path, auth_id, role, propagate FROM acl_entries ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list acl entries: %w", err)
	}
	for aclRows.Next() {
		var a config.ACLEntryConfig
		var propagate int
		if err := aclRows.Scan(&a.Path, &a.AuthID, &a.Role, &propagate); err != nil {
			aclRows.Close()
			return nil, fmt.Errorf("scan acl entry: %w", err)
		}
		a.Propagate = propagate != 0
		cfg.ACL = append(cfg.ACL, a)
	}
	if err := aclRows.Err(); err != nil {
		aclRows.Close()
		return nil, fmt.Errorf("iterate acl entries: %w", err)
	}
	aclRows.Close()

	return cfg, nil
}

// Save replaces the full configuration in one transaction: every table
// is cleared and repopulated from cfg, matching the file store's
// whole-envelope-rewrite semantics.
func (s *Store) Save(ctx context.Context, cfg *config.Config) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"datastores", "namespaces", "pull_jobs", "acl_entries"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for _, d := range cfg.Datastores {
		_, err := tx.ExecContext(ctx, `INSERT INTO datastores (name, root, mode,
			gc_schedule, verify_schedule, prune_schedule, keep_last, keep_hourly,
			keep_daily, keep_weekly, keep_monthly, keep_yearly)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.Name, d.Root, d.Mode, d.GCSchedule, d.VerifySchedule, d.PruneSchedule,
			d.KeepLast, d.KeepHourly, d.KeepDaily, d.KeepWeekly, d.KeepMonthly, d.KeepYearly)
		if err != nil {
			return fmt.Errorf("insert datastore %s: %w", d.Name, err)
		}
	}

	for _, n := range cfg.Namespaces {
		if _, err := tx.ExecContext(ctx, `INSERT INTO namespaces (datastore, path, comment)
			VALUES (?, ?, ?)`, n.Datastore, n.Path, n.Comment); err != nil {
			return fmt.Errorf("insert namespace %s/%s: %w", n.Datastore, n.Path, err)
		}
	}

	for _, p := range cfg.PullJobs {
		filtersJSON, err := json.Marshal(p.Filters)
		if err != nil {
			return fmt.Errorf("marshal filters for pull job %s: %w", p.ID, err)
		}
		removeVanished := 0
		if p.RemoveVanished {
			removeVanished = 1
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO pull_jobs (id, schedule, remote_url,
			remote_store, auth_id, api_token, source_root, target_store, target_prefix,
			filters_json, transfer_last, remove_vanished)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Schedule, p.RemoteURL, p.RemoteStore, p.AuthID, p.APIToken,
			p.SourceRoot, p.TargetStore, p.TargetPrefix, string(filtersJSON),
			p.TransferLast, removeVanished)
		if err != nil {
			return fmt.Errorf("insert pull job %s: %w", p.ID, err)
		}
	}

	for _, a := range cfg.ACL {
		propagate := 0
		if a.Propagate {
			propagate = 1
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO acl_entries (path, auth_id, role, propagate)
			VALUES (?, ?, ?, ?)`, a.Path, a.AuthID, a.Role, propagate); err != nil {
			return fmt.Errorf("insert acl entry %s/%s: %w", a.Path, a.AuthID, err)
		}
	}

	return tx.Commit()
}
