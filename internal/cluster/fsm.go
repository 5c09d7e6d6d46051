package cluster

import (
	"fmt"
	"io"

	hraft "github.com/hashicorp/raft"
)

// electionFSM is a Raft state machine that replicates nothing. This
// cluster exists purely to decide, via leader election, which node is
// allowed to run GC against a chunk store mounted by more than one
// process; there is no application data for followers to apply, so a
// restart simply re-elects rather than replaying a log.
type electionFSM struct{}

func (electionFSM) Apply(*hraft.Log) interface{} { return nil }

func (electionFSM) Snapshot() (hraft.FSMSnapshot, error) { return electionSnapshot{}, nil }

func (electionFSM) Restore(rc io.ReadCloser) error { return rc.Close() }

type electionSnapshot struct{}

func (electionSnapshot) Persist(sink hraft.SnapshotSink) error { return sink.Close() }

func (electionSnapshot) Release() {}

// NewElectionOnlyRaft builds a Raft instance backed entirely by in-memory
// log, stable, and snapshot stores: durability of the election log buys
// nothing here (see electionFSM), so neither a boltdb-backed store nor
// the raft-boltdb wrapper around one is worth carrying. When bootstrap is
// true, servers seeds the initial single- or multi-node configuration;
// an already-initialized in-memory store (a node restarted without its
// peers also restarting) will reject a second bootstrap, which is the
// caller's signal to retry without it.
func NewElectionOnlyRaft(cfg *hraft.Config, trans hraft.Transport, bootstrap bool, servers []hraft.Server) (*hraft.Raft, error) {
	logStore := hraft.NewInmemStore()
	stableStore := hraft.NewInmemStore()
	snapStore := hraft.NewInmemSnapshotStore()

	if bootstrap {
		configuration := hraft.Configuration{Servers: servers}
		if err := hraft.BootstrapCluster(cfg, logStore, stableStore, snapStore, trans, configuration); err != nil {
			return nil, fmt.Errorf("bootstrap raft cluster: %w", err)
		}
	}

	r, err := hraft.NewRaft(cfg, electionFSM{}, logStore, stableStore, snapStore, trans)
	if err != nil {
		return nil, fmt.Errorf("new raft node: %w", err)
	}
	return r, nil
}
