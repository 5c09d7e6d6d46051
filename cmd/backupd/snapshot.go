package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"vaultd/internal/authz"
	"vaultd/internal/snapshot"
)

func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage individual snapshots",
	}
	cmd.AddCommand(
		newSnapshotListCmd(),
		newSnapshotCreateCmd(),
		newSnapshotRemoveCmd(),
		newSnapshotProtectCmd(),
	)
	return cmd
}

// parseSnapshotArg parses "<type>/<id>/<RFC3339-dirname>" into a group and
// time, the inverse of Snapshot.String()'s "ns/type/id/time" minus the
// namespace (which is supplied separately via --namespace, matching the
// other subcommands in this tree).
func parseSnapshotArg(s string) (snapshot.Group, time.Time, error) {
	parts := strings.SplitN(s, "/", 3)
	if len(parts) != 3 {
		return snapshot.Group{}, time.Time{}, fmt.Errorf("invalid snapshot %q: expected <type>/<id>/<time>", s)
	}
	g, err := parseGroupArg(parts[0] + "/" + parts[1])
	if err != nil {
		return snapshot.Group{}, time.Time{}, err
	}
	t, err := snapshot.ParseDirName(parts[2])
	if err != nil {
		return snapshot.Group{}, time.Time{}, err
	}
	return g, t, nil
}

func newSnapshotListCmd() *cobra.Command {
	var nsFlag, groupFlag string
	cmd := &cobra.Command{
		Use:   "list <datastore>",
		Short: "List snapshots (optionally restricted to one group)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(rootFlags(cmd))
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

			var groups []snapshot.Group
			if groupFlag != "" {
				g, err := parseGroupArg(groupFlag)
				if err != nil {
					return err
				}
				groups = []snapshot.Group{g}
			} else {
				groups, err = store.Snapshots.ListGroups(ns)
				if err != nil {
					return fmt.Errorf("list groups: %w", err)
				}
			}

			var snaps []snapshot.Snapshot
			for _, g := range groups {
				gs, err := store.Snapshots.ListSnapshots(ns, g)
				if err != nil {
					return fmt.Errorf("list snapshots for %s: %w", g, err)
				}
				snaps = append(snaps, gs...)
			}

			return e.printer.emit(snaps, func() {
				rows := make([][]string, 0, len(snaps))
				for _, s := range snaps {
					protected := "no"
					if store.Snapshots.IsProtected(s) {
						protected = "yes"
					}
					rows = append(rows, []string{s.Group.String(), s.DirName(), protected})
				}
				e.printer.table([]string{"GROUP", "TIME", "PROTECTED"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&nsFlag, "namespace", "", "namespace to list within (default: root)")
	cmd.Flags().StringVar(&groupFlag, "group", "", "restrict to one group (<type>/<id>)")
	return cmd
}

func newSnapshotCreateCmd() *cobra.Command {
	var nsFlag, authid string
	cmd := &cobra.Command{
		Use:   "create <datastore> <type>/<id>",
		Short: "Create an empty, locked snapshot directory owned by authid",
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
			if err := e.requireAuth(f.caller, aclPath(args[0], ns), authz.PrivBackup); err != nil {
				return err
			}
			g, err := parseGroupArg(args[1])
			if err != nil {
				return err
			}

			owner, groupLock, err := store.Snapshots.CreateLockedBackupGroup(ns, g, authid)
			if err != nil {
				return fmt.Errorf("lock group: %w", err)
			}
			defer groupLock.Release()
			if owner != authid {
				return fmt.Errorf("group %s is owned by %q, not %q", g, owner, authid)
			}

			s := snapshot.Snapshot{Namespace: ns, Group: g, Time: time.Now()}
			_, snapLock, err := store.Snapshots.CreateLockedBackupDir(s)
			if err != nil {
				return fmt.Errorf("lock snapshot: %w", err)
			}
			defer snapLock.Release()

			fmt.Fprintf(cmd.OutOrStdout(), "snapshot %s created\n", s.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&nsFlag, "namespace", "", "namespace to create the snapshot in (default: root)")
	cmd.Flags().StringVar(&authid, "authid", "", "owning auth id")
	cmd.MarkFlagRequired("authid")
	return cmd
}

func newSnapshotRemoveCmd() *cobra.Command {
	var nsFlag string
	var force bool
	cmd := &cobra.Command{
		Use:   "remove <datastore> <type>/<id>/<time>",
		Short: "Remove one snapshot",
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
			if err := e.requireAuth(f.caller, aclPath(args[0], ns), authz.PrivModify); err != nil {
				return err
			}
			g, t, err := parseSnapshotArg(args[1])
			if err != nil {
				return err
			}
			s := snapshot.Snapshot{Namespace: ns, Group: g, Time: t}
			if err := store.Snapshots.RemoveBackupDir(s, force); err != nil {
				return fmt.Errorf("remove snapshot: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "snapshot %s removed\n", s.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&nsFlag, "namespace", "", "namespace containing the snapshot (default: root)")
	cmd.Flags().BoolVar(&force, "force", false, "remove even if protected")
	return cmd
}

func newSnapshotProtectCmd() *cobra.Command {
	var nsFlag string
	var off bool
	cmd := &cobra.Command{
		Use:   "protect <datastore> <type>/<id>/<time>",
		Short: "Mark (or, with --off, unmark) a snapshot as protected",
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
			if err := e.requireAuth(f.caller, aclPath(args[0], ns), authz.PrivModify); err != nil {
				return err
			}
			g, t, err := parseSnapshotArg(args[1])
			if err != nil {
				return err
			}
			s := snapshot.Snapshot{Namespace: ns, Group: g, Time: t}
			if err := store.Snapshots.SetProtected(s, !off); err != nil {
				return fmt.Errorf("set protected: %w", err)
			}
			state := "protected"
			if off {
				state = "unprotected"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "snapshot %s marked %s\n", s.String(), state)
			return nil
		},
	}
	cmd.Flags().StringVar(&nsFlag, "namespace", "", "namespace containing the snapshot (default: root)")
	cmd.Flags().BoolVar(&off, "off", false, "remove protection instead of setting it")
	return cmd
}
