package consensus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startCluster(t *testing.T, basePort int) []*Node {
	t.Helper()

	ids := []string{"node1", "node2", "node3"}
	addrs := map[string]string{}
	for i, id := range ids {
		addrs[id] = fmt.Sprintf("127.0.0.1:%d", basePort+i)
	}

	nodes := make([]*Node, len(ids))
	for i, id := range ids {
		peers := map[string]string{}
		for _, other := range ids {
			if other != id {
				peers[other] = addrs[other]
			}
		}

		node, err := NewNode(&NodeConfig{
			NodeID:        id,
			BindAddr:      addrs[id],
			DataDir:       t.TempDir(),
			Bootstrap:     i == 0,
			PeerAddrs:     peers,
			JoinRetryWait: 200 * time.Millisecond,
		}, newTestLedger(t), zap.NewNop())
		require.NoError(t, err)
		nodes[i] = node
	}

	ctx := context.Background()
	require.NoError(t, nodes[0].Start(ctx))
	t.Cleanup(func() { nodes[0].Stop() })

	time.Sleep(2 * time.Second)

	for _, node := range nodes[1:] {
		require.NoError(t, node.Start(ctx))
		n := node
		t.Cleanup(func() { n.Stop() })
	}

	return nodes
}

func leaderOf(nodes []*Node) *Node {
	for _, n := range nodes {
		if n.IsLeader() {
			return n
		}
	}
	return nil
}

func TestThreeNodeCluster(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping cluster test in short mode")
	}

	nodes := startCluster(t, 17101)

	require.Eventually(t, func() bool { return leaderOf(nodes) != nil }, 10*time.Second, 100*time.Millisecond)
	for _, n := range nodes[1:] {
		require.Equal(t, nodes[0].Leader(), n.Leader())
	}

	leader := leaderOf(nodes)
	ctx := context.Background()

	d1, err := leader.SubmitData(ctx, "alice", []byte("alpha"))
	require.NoError(t, err)
	d2, err := leader.SubmitData(ctx, "alice", []byte("beta"))
	require.NoError(t, err)

	for _, n := range nodes {
		if n == leader {
			continue
		}
		_, err := n.SubmitData(ctx, "alice", []byte("gamma"))
		require.ErrorIs(t, err, ErrNotLeader)
	}

	// Every replica derives the same chain from the same log.
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			tip, ok, err := n.ledger.Store().Tip(ctx)
			if err != nil || !ok || tip != d2 {
				return false
			}
		}
		return true
	}, 10*time.Second, 100*time.Millisecond)

	for _, n := range nodes {
		report, err := n.ledger.VerifyChain(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 2, report.Length)
		require.Equal(t, d1, report.Genesis)
		require.NoError(t, n.ledger.VerifyProof(ctx, "auditor", d1))
	}
}

func TestClusterLeaderElection(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping cluster test in short mode")
	}

	nodes := startCluster(t, 18101)

	require.Eventually(t, func() bool { return leaderOf(nodes) != nil }, 10*time.Second, 100*time.Millisecond)

	leaderCount := 0
	for _, n := range nodes {
		if n.IsLeader() {
			leaderCount++
		}
	}
	require.Equal(t, 1, leaderCount)
}
