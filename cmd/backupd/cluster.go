package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	hraft "github.com/hashicorp/raft"
	"github.com/spf13/cobra"

	"vaultd/internal/cluster"
)

// newClusterCmd groups the GC-leader-election coordination node (§B of
// SPEC_FULL.md). Unlike every other backupd verb, "cluster serve" is
// long-running: the Raft leadership it decides only means anything for
// as long as a node keeps participating in elections, so it runs in the
// foreground until interrupted, the way cmd/gastrolog's "server" verb
// does for the HTTP listener it owns.
func newClusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Run or inspect the GC-leader-election cluster port",
	}
	cmd.AddCommand(newClusterServeCmd())
	return cmd
}

func newClusterServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run this node's cluster coordination port in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			nodeID, _ := cmd.Flags().GetString("node-id")
			addr, _ := cmd.Flags().GetString("addr")
			bootstrap, _ := cmd.Flags().GetBool("bootstrap")
			peers, _ := cmd.Flags().GetString("peers")
			if nodeID == "" {
				return fmt.Errorf("--node-id is required")
			}

			f := rootFlags(cmd)
			logger := newLogger(f.logLevel)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return serveCluster(ctx, logger, nodeID, addr, bootstrap, peers)
		},
	}
	serveCmd.Flags().String("node-id", "", "this node's unique Raft server ID (required)")
	serveCmd.Flags().String("addr", ":4565", "cluster gRPC listen address")
	serveCmd.Flags().Bool("bootstrap", false, "bootstrap a new cluster rooted at this invocation")
	serveCmd.Flags().String("peers", "", "comma-separated id=addr pairs for the initial bootstrap configuration (omit for a single-node cluster)")
	return serveCmd
}

// serveCluster runs the cluster coordination node until ctx is canceled.
// It is deliberately not wired into buildRegistry's per-datastore
// Leader gate: every other backupd invocation is a one-shot process that
// loads config, runs one operation, and exits (main.go), so dialing this
// node's gRPC leadership check from inside that short lifetime belongs to
// the out-of-scope REST/RPC layer cluster.Server.RequireLeader's doc
// comment already defers to, not to this CLI.
func serveCluster(ctx context.Context, logger *slog.Logger, nodeID, addr string, bootstrap bool, peers string) error {
	srv, err := cluster.New(cluster.Config{
		ClusterAddr: addr,
		NodeID:      nodeID,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("start cluster port: %w", err)
	}

	raftCfg := hraft.DefaultConfig()
	raftCfg.LocalID = hraft.ServerID(nodeID)

	servers := parsePeers(nodeID, addr, peers)

	r, err := cluster.NewElectionOnlyRaft(raftCfg, srv.Transport(), bootstrap, servers)
	if err != nil {
		return fmt.Errorf("start raft: %w", err)
	}
	srv.SetRaft(r)

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start cluster gRPC server: %w", err)
	}
	logger.Info("cluster node serving", "node_id", nodeID, "addr", srv.Addr())

	<-ctx.Done()
	logger.Info("cluster node shutting down")
	srv.Stop()
	if err := r.Shutdown().Error(); err != nil {
		logger.Warn("raft shutdown", "error", err)
	}
	return nil
}

// parsePeers builds the initial Raft configuration from a "peers" flag
// of comma-separated id=addr pairs, always including the local node.
// With no peers flag, the result is a single-node configuration — the
// common case for a datastore that is not yet shared between processes.
func parsePeers(nodeID, addr, peers string) []hraft.Server {
	servers := []hraft.Server{{ID: hraft.ServerID(nodeID), Address: hraft.ServerAddress(addr)}}
	if peers == "" {
		return servers
	}
	for _, pair := range strings.Split(peers, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 || parts[0] == nodeID {
			continue
		}
		servers = append(servers, hraft.Server{ID: hraft.ServerID(parts[0]), Address: hraft.ServerAddress(parts[1])})
	}
	return servers
}
