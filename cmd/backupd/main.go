// Command backupd is the thin CLI surface over the deduplicating backup
// core: datastore/namespace/snapshot management, pull sync, ACL entries,
// and task inspection. It has no server to dial — the REST/RPC layer is
// explicitly out of core scope — so every invocation loads config and
// builds its own in-process Registry/Gate/Manager, runs one operation,
// and exits. Exit code 0 on success, nonzero on task failure (SPEC_FULL.md
// §A.4), matching cmd/gastrolog's cobra wiring in shape if not in
// transport.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

// flagSet collects the persistent flags every subcommand reads through
// newEnv, mirroring cmd/gastrolog/cli's clientFromCmd-adjacent flag
// plumbing (--home stands in for its --addr/--token pair).
type flagSet struct {
	home       string
	configType string
	output     string
	logLevel   string
	caller     string
}

func rootFlags(cmd *cobra.Command) flagSet {
	home, _ := cmd.Flags().GetString("home")
	configType, _ := cmd.Flags().GetString("config-type")
	output, _ := cmd.Flags().GetString("output")
	logLevel, _ := cmd.Flags().GetString("log-level")
	caller, _ := cmd.Flags().GetString("caller")
	return flagSet{home: home, configType: configType, output: output, logLevel: logLevel, caller: caller}
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "backupd",
		Short: "Deduplicating backup repository",
	}

	rootCmd.PersistentFlags().String("home", "", "home directory (default: platform config dir)")
	rootCmd.PersistentFlags().String("config-type", "sqlite", "config store type: sqlite or file")
	rootCmd.PersistentFlags().StringP("output", "o", "text", "output format: text or json")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("caller", "", "authid to check against the authorization gate's ACL (default: trusted local operator, no enforcement)")

	rootCmd.AddCommand(
		newDatastoreCmd(),
		newNamespaceCmd(),
		newSnapshotCmd(),
		newSyncCmd(),
		newACLCmd(),
		newAuthCmd(),
		newTaskCmd(),
		newClusterCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}
