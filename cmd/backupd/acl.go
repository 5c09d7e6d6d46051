package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"vaultd/internal/authz"
	"vaultd/internal/config"
)

func newACLCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "acl",
		Short: "Manage ACL entries (authid/role grants per path)",
	}
	cmd.AddCommand(newACLListCmd(), newACLSetCmd())
	return cmd
}

func newACLListCmd() *cobra.Command {
	var pathFlag, authidFlag string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ACL entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(rootFlags(cmd))
			if err != nil {
				return err
			}
			entries := make([]config.ACLEntryConfig, 0, len(e.cfg.ACL))
			for _, entry := range e.cfg.ACL {
				if pathFlag != "" && entry.Path != pathFlag {
					continue
				}
				if authidFlag != "" && entry.AuthID != authidFlag {
					continue
				}
				entries = append(entries, entry)
			}
			return e.printer.emit(entries, func() {
				rows := make([][]string, 0, len(entries))
				for _, entry := range entries {
					propagate := "no"
					if entry.Propagate {
						propagate = "yes"
					}
					rows = append(rows, []string{entry.Path, entry.AuthID, entry.Role, propagate})
				}
				e.printer.table([]string{"PATH", "AUTHID", "ROLE", "PROPAGATE"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&pathFlag, "path", "", "restrict to one ACL path")
	cmd.Flags().StringVar(&authidFlag, "authid", "", "restrict to one authid")
	return cmd
}

func newACLSetCmd() *cobra.Command {
	var propagate, remove bool
	cmd := &cobra.Command{
		Use:   "set <path> <authid> <role>",
		Short: "Grant (or, with --remove, revoke) a role for authid on path",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootFlags(cmd)
			e, err := newEnv(f)
			if err != nil {
				return err
			}
			path, authid, role := args[0], args[1], args[2]
			if err := e.requireAuth(f.caller, path, authz.PrivPower); err != nil {
				return err
			}

			filtered := e.cfg.ACL[:0]
			for _, entry := range e.cfg.ACL {
				if entry.Path == path && entry.AuthID == authid && entry.Role == role {
					continue
				}
				filtered = append(filtered, entry)
			}
			e.cfg.ACL = filtered

			if !remove {
				e.cfg.ACL = append(e.cfg.ACL, config.ACLEntryConfig{
					Path: path, AuthID: authid, Role: role, Propagate: propagate,
				})
			}

			if err := e.cfgStr.Save(context.Background(), e.cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			verb := "granted"
			if remove {
				verb = "revoked"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "role %s %s for %s on %s\n", role, verb, authid, path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&propagate, "propagate", false, "apply the role to every descendant path too")
	cmd.Flags().BoolVar(&remove, "remove", false, "revoke instead of grant")
	return cmd
}
