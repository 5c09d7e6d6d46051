package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"vaultd/internal/authz"
	"vaultd/internal/config"
	"vaultd/internal/snapshot"
)

func newNamespaceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "namespace",
		Aliases: []string{"ns"},
		Short:   "Manage namespaces within a datastore",
	}
	cmd.AddCommand(newNamespaceCreateCmd(), newNamespaceListCmd(), newNamespaceRemoveCmd())
	return cmd
}

func newNamespaceCreateCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "create <datastore> <path>",
		Short: "Create an (initially empty) namespace",
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
			ns, err := snapshot.ParseNamespace(args[1])
			if err != nil {
				return err
			}
			if err := e.requireAuth(f.caller, aclPath(args[0], ns), authz.PrivModify); err != nil {
				return err
			}
			dir := filepath.Join(store.Snapshots.Root(), ns.OnDiskPath())
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return fmt.Errorf("create namespace directory: %w", err)
			}

			e.cfg.Namespaces = append(e.cfg.Namespaces, config.NamespaceConfig{
				Datastore: args[0], Path: args[1], Comment: comment,
			})
			if err := e.cfgStr.Save(context.Background(), e.cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "namespace %s/%s created\n", args[0], args[1])
			return nil
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "free-form description")
	return cmd
}

func newNamespaceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <datastore>",
		Short: "List namespaces in a datastore",
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
			namespaces, err := store.Snapshots.ListNamespaces(snapshot.Namespace{})
			if err != nil {
				return fmt.Errorf("list namespaces: %w", err)
			}
			return e.printer.emit(namespaces, func() {
				rows := make([][]string, 0, len(namespaces))
				for _, ns := range namespaces {
					display := ns.String()
					if ns.IsRoot() {
						display = "/"
					}
					rows = append(rows, []string{display, fmt.Sprint(ns.Depth())})
				}
				e.printer.table([]string{"NAMESPACE", "DEPTH"}, rows)
			})
		},
	}
}

func newNamespaceRemoveCmd() *cobra.Command {
	var deleteGroups bool
	cmd := &cobra.Command{
		Use:   "remove <datastore> <path>",
		Short: "Remove a namespace (must be empty unless --delete-groups)",
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
			ns, err := snapshot.ParseNamespace(args[1])
			if err != nil {
				return err
			}
			if err := e.requireAuth(f.caller, aclPath(args[0], ns), authz.PrivModify); err != nil {
				return err
			}
			if err := store.Snapshots.RemoveNamespaceRecursive(ns, deleteGroups); err != nil {
				return fmt.Errorf("remove namespace: %w", err)
			}

			kept := e.cfg.Namespaces[:0]
			for _, n := range e.cfg.Namespaces {
				if !(n.Datastore == args[0] && n.Path == args[1]) {
					kept = append(kept, n)
				}
			}
			e.cfg.Namespaces = kept
			if err := e.cfgStr.Save(context.Background(), e.cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "namespace %s/%s removed\n", args[0], args[1])
			return nil
		},
	}
	cmd.Flags().BoolVar(&deleteGroups, "delete-groups", false, "also delete any groups still under the namespace")
	return cmd
}
