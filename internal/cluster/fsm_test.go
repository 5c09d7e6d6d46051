package cluster_test

import (
	"testing"
	"time"

	hraft "github.com/hashicorp/raft"

	"vaultd/internal/cluster"
)

func TestNewElectionOnlyRaftBootstrapsAndElectsLeader(t *testing.T) {
	addr, trans := hraft.NewInmemTransport("")

	cfg := hraft.DefaultConfig()
	cfg.LocalID = hraft.ServerID("node-1")
	cfg.HeartbeatTimeout = 50 * time.Millisecond
	cfg.ElectionTimeout = 50 * time.Millisecond
	cfg.LeaderLeaseTimeout = 50 * time.Millisecond
	cfg.CommitTimeout = 5 * time.Millisecond

	servers := []hraft.Server{{ID: cfg.LocalID, Address: addr}}
	r, err := cluster.NewElectionOnlyRaft(cfg, trans, true, servers)
	if err != nil {
		t.Fatalf("NewElectionOnlyRaft: %v", err)
	}
	t.Cleanup(func() { r.Shutdown().Error() })

	deadline := time.Now().Add(2 * time.Second)
	for r.State() != hraft.Leader {
		if time.Now().After(deadline) {
			t.Fatalf("node never reached leader state, got %s", r.State())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewElectionOnlyRaftWithoutBootstrapStaysFollower(t *testing.T) {
	addr, trans := hraft.NewInmemTransport("")

	cfg := hraft.DefaultConfig()
	cfg.LocalID = hraft.ServerID("node-2")
	cfg.HeartbeatTimeout = 50 * time.Millisecond
	cfg.ElectionTimeout = 50 * time.Millisecond

	r, err := cluster.NewElectionOnlyRaft(cfg, trans, false, nil)
	if err != nil {
		t.Fatalf("NewElectionOnlyRaft: %v", err)
	}
	t.Cleanup(func() { r.Shutdown().Error() })

	time.Sleep(200 * time.Millisecond)
	if r.State() == hraft.Leader {
		t.Fatal("node with no cluster configuration should never become leader")
	}
}
