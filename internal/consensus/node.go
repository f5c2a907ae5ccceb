package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/witnz/proofchain/internal/hash"
	"github.com/witnz/proofchain/internal/ledger"
	"github.com/witnz/proofchain/internal/logging"
	"go.uber.org/zap"
)

type NodeConfig struct {
	NodeID        string
	BindAddr      string
	DataDir       string
	Bootstrap     bool
	PeerAddrs     map[string]string
	JoinRetries   int
	JoinRetryWait time.Duration
	ApplyTimeout  time.Duration
	LogLevel      string
}

// Node runs raft as the ordering host for a ledger: every submission goes
// through the replicated log and is applied by the FSM on every replica.
type Node struct {
	config    *NodeConfig
	raft      *raft.Raft
	fsm       *FSM
	ledger    *ledger.Ledger
	boltStore *raftboltdb.BoltStore
	logger    *zap.Logger
}

var _ ledger.Submitter = (*Node)(nil)

func NewNode(cfg *NodeConfig, l *ledger.Ledger, logger *zap.Logger) (*Node, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("node id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Node{
		config: cfg,
		ledger: l,
		logger: logger.With(zap.String("node_id", cfg.NodeID)),
	}, nil
}

const (
	defaultJoinRetries  = 30
	defaultJoinWait     = time.Second
	defaultApplyTimeout = 10 * time.Second
	retainedSnapshots   = 2
)

// Start opens the raft log under DataDir and joins the cluster. A bootstrap
// node seeds the configuration with itself and PeerAddrs on first start;
// any other node waits until a leader has added it.
func (n *Node) Start(ctx context.Context) error {
	hl := n.hclogger()

	if err := os.MkdirAll(n.config.DataDir, 0755); err != nil {
		return fmt.Errorf("create raft dir: %w", err)
	}
	snapshots, err := n.openStores(hl)
	if err != nil {
		return err
	}
	transport, err := n.newTransport(hl)
	if err != nil {
		return err
	}

	conf := raft.DefaultConfig()
	conf.LocalID = raft.ServerID(n.config.NodeID)
	conf.Logger = hl

	n.fsm = NewFSM(n.ledger, n.logger.Named("fsm"))
	n.raft, err = raft.NewRaft(conf, n.fsm, n.boltStore, n.boltStore, snapshots, transport)
	if err != nil {
		return fmt.Errorf("start raft: %w", err)
	}

	switch {
	case n.config.Bootstrap:
		return n.bootstrap(snapshots, transport.LocalAddr())
	case len(n.config.PeerAddrs) > 0:
		if err := n.waitForMembership(ctx); err != nil {
			return fmt.Errorf("join cluster: %w", err)
		}
	}
	return nil
}

func (n *Node) openStores(hl hclog.Logger) (raft.SnapshotStore, error) {
	store, err := raftboltdb.NewBoltStore(filepath.Join(n.config.DataDir, "raft.db"))
	if err != nil {
		return nil, fmt.Errorf("open raft log: %w", err)
	}
	n.boltStore = store

	snapshots, err := raft.NewFileSnapshotStoreWithLogger(n.config.DataDir, retainedSnapshots, hl.Named("snapshot"))
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	return snapshots, nil
}

func (n *Node) newTransport(hl hclog.Logger) (*raft.NetworkTransport, error) {
	addr, err := net.ResolveTCPAddr("tcp", n.config.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address %s: %w", n.config.BindAddr, err)
	}
	transport, err := raft.NewTCPTransportWithLogger(n.config.BindAddr, addr, 3, 10*time.Second, hl.Named("transport"))
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", n.config.BindAddr, err)
	}
	return transport, nil
}

// bootstrap is a no-op once the log holds any state.
func (n *Node) bootstrap(snapshots raft.SnapshotStore, self raft.ServerAddress) error {
	existing, err := raft.HasExistingState(n.boltStore, n.boltStore, snapshots)
	if err != nil {
		return fmt.Errorf("inspect raft state: %w", err)
	}
	if existing {
		return nil
	}

	servers := []raft.Server{{ID: raft.ServerID(n.config.NodeID), Address: self}}
	for id, addr := range n.config.PeerAddrs {
		servers = append(servers, raft.Server{ID: raft.ServerID(id), Address: raft.ServerAddress(addr)})
	}

	if err := n.raft.BootstrapCluster(raft.Configuration{Servers: servers}).Error(); err != nil {
		return fmt.Errorf("bootstrap cluster: %w", err)
	}
	n.logger.Info("cluster bootstrapped", zap.Int("voters", len(servers)))
	return nil
}

func (n *Node) hclogger() hclog.Logger {
	level := n.config.LogLevel
	if level == "" {
		level = "warn"
	}
	return logging.NewHCLogger(n.logger, "raft", level)
}

func (n *Node) isMember() bool {
	future := n.raft.GetConfiguration()
	if future.Error() != nil {
		return false
	}
	for _, srv := range future.Configuration().Servers {
		if srv.ID == raft.ServerID(n.config.NodeID) {
			return true
		}
	}
	return false
}

// waitForMembership blocks until a leader exists and lists this node.
func (n *Node) waitForMembership(ctx context.Context) error {
	retries := n.config.JoinRetries
	if retries == 0 {
		retries = defaultJoinRetries
	}
	wait := n.config.JoinRetryWait
	if wait == 0 {
		wait = defaultJoinWait
	}

	for attempt := 0; attempt < retries; attempt++ {
		if n.raft.Leader() != "" && n.isMember() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("not added to the cluster after %d attempts", retries)
}

// WaitForLeader polls until any leader is known or timeout elapses.
func (n *Node) WaitForLeader(timeout time.Duration) error {
	if n.raft == nil {
		return ErrNotInitialized
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if n.Leader() != "" {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("no leader after %s", timeout)
}

func (n *Node) Stop() error {
	if n.raft != nil {
		future := n.raft.Shutdown()
		if err := future.Error(); err != nil {
			return fmt.Errorf("shut down raft: %w", err)
		}
	}
	if n.boltStore != nil {
		if err := n.boltStore.Close(); err != nil {
			return fmt.Errorf("close raft log: %w", err)
		}
	}
	return nil
}

// SubmitData replicates a submission and waits for the local FSM to apply
// it. Ledger errors such as ledger.ErrDuplicateData come back unchanged.
func (n *Node) SubmitData(ctx context.Context, submitter ledger.Identity, data []byte) (hash.Digest, error) {
	if n.raft == nil {
		return hash.ZeroDigest, ErrNotInitialized
	}
	if n.raft.State() != raft.Leader {
		return hash.ZeroDigest, fmt.Errorf("%w: leader is %q", ErrNotLeader, n.Leader())
	}

	payload, err := json.Marshal(&LogEntry{
		Type:      LogEntrySubmit,
		Data:      data,
		Submitter: submitter,
		Timestamp: n.ledger.Clock().Now(),
	})
	if err != nil {
		return hash.ZeroDigest, fmt.Errorf("encode log entry: %w", err)
	}

	timeout := n.config.ApplyTimeout
	if timeout == 0 {
		timeout = defaultApplyTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	future := n.raft.Apply(payload, timeout)
	if err := future.Error(); err != nil {
		return hash.ZeroDigest, fmt.Errorf("replicate submission: %w", err)
	}

	result, ok := future.Response().(*ApplyResult)
	if !ok {
		return hash.ZeroDigest, fmt.Errorf("unexpected apply response %T", future.Response())
	}
	return result.ProofHash, result.Err
}

func (n *Node) IsLeader() bool {
	return n.raft != nil && n.raft.State() == raft.Leader
}

func (n *Node) Leader() string {
	if n.raft == nil {
		return ""
	}
	addr, _ := n.raft.LeaderWithID()
	return string(addr)
}

// AddPeer adds a voter. Only the leader can change membership.
func (n *Node) AddPeer(id, addr string) error {
	if n.raft == nil {
		return ErrNotInitialized
	}
	return n.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 0).Error()
}

func (n *Node) RemovePeer(id string) error {
	if n.raft == nil {
		return ErrNotInitialized
	}
	return n.raft.RemoveServer(raft.ServerID(id), 0, 0).Error()
}

func (n *Node) Stats() map[string]string {
	if n.raft == nil {
		return map[string]string{"state": "not initialized"}
	}
	return n.raft.Stats()
}

func (n *Node) TransferLeadership() error {
	if n.raft == nil {
		return ErrNotInitialized
	}

	if n.raft.State() != raft.Leader {
		return ErrNotLeader
	}
	if err := n.raft.LeadershipTransfer().Error(); err != nil {
		return fmt.Errorf("transfer leadership: %w", err)
	}
	return nil
}
