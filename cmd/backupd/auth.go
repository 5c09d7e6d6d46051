package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"vaultd/internal/auth"
)

// newAuthCmd groups local login-identity management: user add/remove and
// ticket issuance via login. This is deliberately thin compared to a
// REST-facing session layer (out of core scope) — there is no server here
// to hand a cookie to. login prints a signed ticket, but no verb verifies
// one: --caller takes the authid itself, which the gate checks against
// that authid's ACL entries.
func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage local login identities",
	}
	cmd.AddCommand(newAuthUserCmd(), newAuthLoginCmd())
	return cmd
}

func newAuthUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage local user credentials",
	}
	cmd.AddCommand(newAuthUserAddCmd(), newAuthUserRemoveCmd())
	return cmd
}

func newAuthUserAddCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "add <authid>",
		Short: "Register (or reset the password for) a local login identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(rootFlags(cmd))
			if err != nil {
				return err
			}
			if password == "" {
				return fmt.Errorf("--password is required")
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return fmt.Errorf("hash password: %w", err)
			}
			store := auth.NewStore(e.home.UsersPath())
			if err := store.Upsert(auth.User{AuthID: args[0], PasswordHash: hash}); err != nil {
				return fmt.Errorf("save user: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s saved\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "password to set (required)")
	return cmd
}

func newAuthUserRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <authid>",
		Short: "Remove a local login identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(rootFlags(cmd))
			if err != nil {
				return err
			}
			store := auth.NewStore(e.home.UsersPath())
			if err := store.Remove(args[0]); err != nil {
				return fmt.Errorf("remove user: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s removed\n", args[0])
			return nil
		},
	}
}

func newAuthLoginCmd() *cobra.Command {
	var password string
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "login <authid>",
		Short: "Verify a password and print a signed session ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(rootFlags(cmd))
			if err != nil {
				return err
			}
			store := auth.NewStore(e.home.UsersPath())
			user, ok, err := store.Find(args[0])
			if err != nil {
				return fmt.Errorf("load user: %w", err)
			}
			if !ok {
				return fmt.Errorf("unknown user %q", args[0])
			}
			valid, err := auth.VerifyPassword(password, user.PasswordHash)
			if err != nil {
				return fmt.Errorf("verify password: %w", err)
			}
			if !valid {
				return fmt.Errorf("invalid credentials for %q", args[0])
			}

			secret, err := auth.LoadOrCreateSecret(e.home.SessionKeyPath())
			if err != nil {
				return fmt.Errorf("load session key: %w", err)
			}
			// Authorization for subsequent commands runs through the gate
			// against the authid in --caller, not through a role embedded
			// in the ticket; Role is left blank.
			ts := auth.NewTokenService(secret, duration)
			ticket, expiresAt, err := ts.Issue(args[0], "")
			if err != nil {
				return fmt.Errorf("issue ticket: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", ticket)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s; pass back via --caller %s\n", expiresAt.Format(time.RFC3339), args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "password to verify (required)")
	cmd.Flags().DurationVar(&duration, "duration", 2*time.Hour, "ticket lifetime")
	return cmd
}
