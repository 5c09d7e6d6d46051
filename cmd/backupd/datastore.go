package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"vaultd/internal/authz"
	"vaultd/internal/chunkstore"
	"vaultd/internal/config"
	"vaultd/internal/datastore"
	"vaultd/internal/gc"
	"vaultd/internal/prune"
	"vaultd/internal/snapshot"
	"vaultd/internal/task"
	"vaultd/internal/verify"
)

// newDatastoreCmd groups the datastore lifecycle verbs spec.md §6 and
// SPEC_FULL.md §A.4 name: create/list/gc/verify/prune/destroy. The
// subcommand tree mirrors cmd/gastrolog/cli/vault.go's newVaultCmd shape
// (one cobra.Command per verb, a shared flag for output already set at
// the root).
func newDatastoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "datastore",
		Aliases: []string{"ds"},
		Short:   "Manage datastores",
	}
	cmd.AddCommand(
		newDatastoreListCmd(),
		newDatastoreCreateCmd(),
		newDatastoreGCCmd(),
		newDatastoreVerifyCmd(),
		newDatastorePruneCmd(),
		newDatastoreDestroyCmd(),
	)
	return cmd
}

func newDatastoreListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured datastores",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(rootFlags(cmd))
			if err != nil {
				return err
			}
			return e.printer.emit(e.cfg.Datastores, func() {
				rows := make([][]string, 0, len(e.cfg.Datastores))
				for _, d := range e.cfg.Datastores {
					mode := "online"
					if s := e.reg.Get(d.Name); s != nil {
						mode = s.Mode().String()
					}
					rows = append(rows, []string{d.Name, d.Root, mode})
				}
				e.printer.table([]string{"NAME", "ROOT", "MODE"}, rows)
			})
		},
	}
}

func newDatastoreCreateCmd() *cobra.Command {
	var root string
	var keepLast, keepHourly, keepDaily, keepWeekly, keepMonthly, keepYearly int

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Register a new datastore",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootFlags(cmd)
			e, err := newEnv(f)
			if err != nil {
				return err
			}
			name := args[0]
			if err := e.requireAuth(f.caller, "/datastore/"+name, authz.PrivPower); err != nil {
				return err
			}
			for _, d := range e.cfg.Datastores {
				if d.Name == name {
					return fmt.Errorf("datastore %s already exists", name)
				}
			}
			if root == "" {
				root = e.home.DatastoreDir(name)
			}
			if _, err := chunkstore.Open(chunkstore.Config{Root: root, Logger: e.logger}); err != nil {
				return fmt.Errorf("initialize chunk store at %s: %w", root, err)
			}

			e.cfg.Datastores = append(e.cfg.Datastores, config.DatastoreConfig{
				Name: name, Root: root, Mode: "online",
				KeepLast: keepLast, KeepHourly: keepHourly, KeepDaily: keepDaily,
				KeepWeekly: keepWeekly, KeepMonthly: keepMonthly, KeepYearly: keepYearly,
			})
			if err := e.cfgStr.Save(context.Background(), e.cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "datastore %s created at %s\n", name, root)
			return nil
		},
	}

	cmd.Flags().StringVar(&root, "root", "", "datastore root directory (default: <home>/datastores/<name>)")
	cmd.Flags().IntVar(&keepLast, "keep-last", 0, "retention: keep last N snapshots")
	cmd.Flags().IntVar(&keepHourly, "keep-hourly", 0, "retention: keep N hourly snapshots")
	cmd.Flags().IntVar(&keepDaily, "keep-daily", 0, "retention: keep N daily snapshots")
	cmd.Flags().IntVar(&keepWeekly, "keep-weekly", 0, "retention: keep N weekly snapshots")
	cmd.Flags().IntVar(&keepMonthly, "keep-monthly", 0, "retention: keep N monthly snapshots")
	cmd.Flags().IntVar(&keepYearly, "keep-yearly", 0, "retention: keep N yearly snapshots")
	return cmd
}

func newDatastoreGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc <name>",
		Short: "Run garbage collection against a datastore",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootFlags(cmd)
			e, err := newEnv(f)
			if err != nil {
				return err
			}
			store, err := resolveStore(e, args[0])
			if err != nil {
				return err
			}
			if err := e.requireAuth(f.caller, "/datastore/"+args[0], authz.PrivModify); err != nil {
				return err
			}

			var status gc.Status
			info, err := runJob(e, args[0], "gc", func(ctx context.Context, prog *task.Progress) error {
				var runErr error
				status, runErr = store.RunGC(ctx, newUPID())
				prog.AddDone(int64(status.DiskChunks))
				return runErr
			})
			if err != nil {
				return err
			}
			if err := jobErr(info); err != nil {
				return err
			}
			return e.printer.emit(status, func() {
				e.printer.kv([][2]string{
					{"disk-chunks", fmt.Sprint(status.DiskChunks)},
					{"removed-chunks", fmt.Sprint(status.RemovedChunks)},
					{"pending-chunks", fmt.Sprint(status.PendingChunks)},
					{"still-bad", fmt.Sprint(status.StillBad)},
				})
			})
		},
	}
}

func newDatastoreVerifyCmd() *cobra.Command {
	var nsFlag string
	cmd := &cobra.Command{
		Use:   "verify <name>",
		Short: "Verify every snapshot under a namespace (default: root)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootFlags(cmd)
			e, err := newEnv(f)
			if err != nil {
				return err
			}
			store, err := resolveStore(e, args[0])
			if err != nil {
				return err
			}
			ns, err := snapshot.ParseNamespace(nsFlag)
			if err != nil {
				return err
			}
			if err := e.requireAuth(f.caller, aclPath(args[0], ns), authz.PrivRead); err != nil {
				return err
			}

			var outcomes []verify.Outcome
			info, err := runJob(e, args[0], "verify", func(ctx context.Context, prog *task.Progress) error {
				var runErr error
				outcomes, runErr = store.VerifyAll(ctx, ns, newUPID())
				prog.AddDone(int64(len(outcomes)))
				return runErr
			})
			if err != nil {
				return err
			}
			if err := jobErr(info); err != nil {
				return err
			}

			bad := 0
			for _, o := range outcomes {
				if o.ChunksBad > 0 {
					bad++
				}
			}
			return e.printer.emit(outcomes, func() {
				rows := make([][]string, 0, len(outcomes))
				for _, o := range outcomes {
					rows = append(rows, []string{o.Snapshot.String(), o.State, fmt.Sprint(o.ChunksChecked), fmt.Sprint(o.ChunksBad)})
				}
				e.printer.table([]string{"SNAPSHOT", "STATE", "CHECKED", "BAD"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&nsFlag, "namespace", "", "namespace to verify (default: root, recursive)")
	return cmd
}

func newDatastorePruneCmd() *cobra.Command {
	var nsFlag string
	var dryRun bool
	var keepLast, keepHourly, keepDaily, keepWeekly, keepMonthly, keepYearly int

	cmd := &cobra.Command{
		Use:   "prune <name> <type>/<id>",
		Short: "Apply the retention policy to one group's snapshots",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootFlags(cmd)
			e, err := newEnv(f)
			if err != nil {
				return err
			}
			store, err := resolveStore(e, args[0])
			if err != nil {
				return err
			}
			ns, err := snapshot.ParseNamespace(nsFlag)
			if err != nil {
				return err
			}
			if err := e.requireAuth(f.caller, aclPath(args[0], ns), authz.PrivPrune); err != nil {
				return err
			}
			g, err := parseGroupArg(args[1])
			if err != nil {
				return err
			}
			spec := prune.KeepSpec{
				Last: keepLast, Hourly: keepHourly, Daily: keepDaily,
				Weekly: keepWeekly, Monthly: keepMonthly, Yearly: keepYearly,
			}
			store.Pruner = prune.New(store.Snapshots, prune.Config{DryRun: dryRun, Logger: e.logger})

			var result prune.Result
			info, err := runJob(e, args[0], "prune", func(ctx context.Context, prog *task.Progress) error {
				var runErr error
				result, runErr = store.RunPrune(ns, g, spec)
				prog.AddDone(int64(len(result.Decisions)))
				return runErr
			})
			if err != nil {
				return err
			}
			if err := jobErr(info); err != nil {
				return err
			}
			return e.printer.emit(result, func() {
				rows := make([][]string, 0, len(result.Decisions))
				for _, d := range result.Decisions {
					rows = append(rows, []string{d.Snapshot.String(), fmt.Sprint(d.Keep)})
				}
				e.printer.table([]string{"SNAPSHOT", "KEEP"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&nsFlag, "namespace", "", "namespace containing the group (default: root)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute decisions without deleting anything")
	cmd.Flags().IntVar(&keepLast, "keep-last", 0, "keep last N snapshots")
	cmd.Flags().IntVar(&keepHourly, "keep-hourly", 0, "keep N hourly snapshots")
	cmd.Flags().IntVar(&keepDaily, "keep-daily", 0, "keep N daily snapshots")
	cmd.Flags().IntVar(&keepWeekly, "keep-weekly", 0, "keep N weekly snapshots")
	cmd.Flags().IntVar(&keepMonthly, "keep-monthly", 0, "keep N monthly snapshots")
	cmd.Flags().IntVar(&keepYearly, "keep-yearly", 0, "keep N yearly snapshots")
	return cmd
}

func newDatastoreDestroyCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "destroy <name>",
		Short: "Remove a datastore from config (its on-disk data is left in place)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootFlags(cmd)
			e, err := newEnv(f)
			if err != nil {
				return err
			}
			name := args[0]
			store := e.reg.Get(name)
			if store == nil {
				return fmt.Errorf("unknown datastore %q", name)
			}
			if err := e.requireAuth(f.caller, "/datastore/"+name, authz.PrivPower); err != nil {
				return err
			}
			if force {
				if err := store.SetMode(datastore.Delete); err != nil {
					return err
				}
			} else if store.ActiveReads() > 0 || store.ActiveWrites() > 0 {
				return fmt.Errorf("datastore %s has operations in flight; pass --force to override", name)
			}

			kept := e.cfg.Datastores[:0]
			for _, d := range e.cfg.Datastores {
				if d.Name != name {
					kept = append(kept, d)
				}
			}
			e.cfg.Datastores = kept
			if err := e.cfgStr.Save(context.Background(), e.cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "datastore %s removed from config\n", name)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "transition to delete mode even with operations in flight")
	return cmd
}

func resolveStore(e *env, name string) (*datastore.Store, error) {
	store := e.reg.Get(name)
	if store == nil {
		return nil, fmt.Errorf("unknown datastore %q", name)
	}
	return store, nil
}
