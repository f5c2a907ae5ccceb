package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	"github.com/witnz/proofchain/internal/hash"
	"github.com/witnz/proofchain/internal/ledger"
	"go.uber.org/zap"
)

// FSM applies replicated submissions to the local ledger. The raft log index
// is the sequence index of the proof.
type FSM struct {
	mu     sync.Mutex
	ledger *ledger.Ledger
	logger *zap.Logger
}

var _ raft.FSM = (*FSM)(nil)

func NewFSM(l *ledger.Ledger, logger *zap.Logger) *FSM {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FSM{
		ledger: l,
		logger: logger,
	}
}

func (f *FSM) Apply(log *raft.Log) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	var entry LogEntry
	if err := json.Unmarshal(log.Data, &entry); err != nil {
		return &ApplyResult{Err: fmt.Errorf("failed to unmarshal log entry: %w", err)}
	}

	switch entry.Type {
	case LogEntrySubmit:
		return f.applySubmit(log.Index, &entry)
	default:
		return &ApplyResult{Err: fmt.Errorf("unknown log entry type: %s", entry.Type)}
	}
}

func (f *FSM) applySubmit(index uint64, entry *LogEntry) *ApplyResult {
	proofHash, err := f.ledger.Builder().Submit(context.Background(), ledger.Submission{
		Data:      entry.Data,
		Submitter: entry.Submitter,
		Sequence:  ledger.Sequence(index),
		Timestamp: entry.Timestamp,
	})
	if err != nil {
		// Replays after a restart land here too: the store already holds them.
		if errors.Is(err, ledger.ErrDuplicateData) {
			f.logger.Debug("submit entry rejected as duplicate", zap.Uint64("index", index))
		} else {
			f.logger.Error("failed to apply submit entry", zap.Uint64("index", index), zap.Error(err))
		}
		return &ApplyResult{Err: err}
	}
	return &ApplyResult{ProofHash: proofHash}
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.ledger.Records(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to collect records: %w", err)
	}

	return &fsmSnapshot{
		state: snapshotState{
			Algorithm: f.ledger.Hasher().Algorithm(),
			Root:      ledger.RecordsRoot(f.ledger.Hasher(), records),
			Records:   records,
		},
	}, nil
}

// Restore brings the local store up to the snapshot. The store is
// append-only, so records already present must match the snapshot's prefix
// and only the missing suffix is committed.
func (f *FSM) Restore(rc io.ReadCloser) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer rc.Close()

	var state snapshotState
	if err := json.NewDecoder(rc).Decode(&state); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	h := f.ledger.Hasher()
	if state.Algorithm != h.Algorithm() {
		return fmt.Errorf("snapshot uses hash algorithm %s, local ledger uses %s", state.Algorithm, h.Algorithm())
	}
	if err := checkSnapshotChain(h, &state); err != nil {
		return err
	}

	ctx := context.Background()
	store := f.ledger.Store()
	restored := 0
	for _, record := range state.Records {
		existing, err := store.Proof(ctx, record.ProofHash)
		switch {
		case err == nil:
			if *existing != *record {
				return fmt.Errorf("local proof %s differs from snapshot", record.ProofHash.Short())
			}
			continue
		case !errors.Is(err, ledger.ErrNotFound):
			return fmt.Errorf("failed to read local proof: %w", err)
		}

		if err := store.Commit(ctx, record); err != nil {
			return fmt.Errorf("failed to restore proof %s: %w", record.ProofHash.Short(), err)
		}
		restored++
	}

	f.logger.Info("restored ledger snapshot",
		zap.Int("records", len(state.Records)),
		zap.Int("committed", restored),
		zap.Stringer("merkle_root", state.Root),
	)
	return nil
}

func checkSnapshotChain(h hash.Hasher, state *snapshotState) error {
	if root := ledger.RecordsRoot(h, state.Records); root != state.Root {
		return fmt.Errorf("snapshot merkle root mismatch: expected %s, computed %s", state.Root.Short(), root.Short())
	}

	previous := hash.ZeroDigest
	for i, r := range state.Records {
		if r.PreviousHash != previous {
			return fmt.Errorf("snapshot record %d does not link to its predecessor", i)
		}
		if ledger.ComputeProofHash(h, r.DataHash, r.PreviousHash, r.Sequence, r.Timestamp) != r.ProofHash {
			return fmt.Errorf("snapshot record %d: %w", i, ledger.ErrTamperedProof)
		}
		previous = r.ProofHash
	}
	return nil
}

type fsmSnapshot struct {
	state snapshotState
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(&s.state); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {
}
