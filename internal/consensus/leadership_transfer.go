package consensus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"
)

// LeadershipRotator periodically hands leadership to another voter, so the
// clock that stamps proofs moves around the cluster.
type LeadershipRotator struct {
	node     *Node
	interval time.Duration
	logger   *zap.Logger

	done     chan struct{}
	stopOnce sync.Once
}

func NewLeadershipRotator(node *Node, interval time.Duration, logger *zap.Logger) *LeadershipRotator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LeadershipRotator{
		node:     node,
		interval: interval,
		logger:   logger.Named("rotator"),
		done:     make(chan struct{}),
	}
}

// Start blocks until Stop is called or ctx ends. A failed handoff is logged
// and retried on the next tick.
func (r *LeadershipRotator) Start(ctx context.Context) error {
	if r.interval <= 0 {
		return fmt.Errorf("rotation interval must be positive, got %v", r.interval)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("rotating leadership", zap.Duration("every", r.interval))
	for {
		select {
		case <-r.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.transferLeadership(); err != nil {
				r.logger.Warn("leadership handoff failed", zap.Error(err))
			}
		}
	}
}

func (r *LeadershipRotator) transferLeadership() error {
	rf := r.node.raft
	if rf == nil || rf.State() != raft.Leader {
		return nil
	}

	voters, err := r.voters()
	if err != nil {
		return err
	}
	if voters < 2 {
		r.logger.Debug("no other voter to hand off to")
		return nil
	}

	from := r.node.config.NodeID
	if err := rf.LeadershipTransfer().Error(); err != nil {
		return fmt.Errorf("transfer from %s: %w", from, err)
	}

	r.logger.Info("leadership handed off",
		zap.String("from", from),
		zap.String("to", r.node.Leader()),
	)
	return nil
}

func (r *LeadershipRotator) voters() (int, error) {
	future := r.node.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return 0, fmt.Errorf("read cluster configuration: %w", err)
	}

	n := 0
	for _, srv := range future.Configuration().Servers {
		if srv.Suffrage == raft.Voter {
			n++
		}
	}
	return n, nil
}

// Stop is safe to call more than once.
func (r *LeadershipRotator) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}
