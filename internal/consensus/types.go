package consensus

import (
	"errors"

	"github.com/witnz/proofchain/internal/hash"
	"github.com/witnz/proofchain/internal/ledger"
)

type LogEntryType string

const (
	LogEntrySubmit LogEntryType = "submit"
)

// LogEntry is replicated as JSON. The leader stamps Timestamp once so every
// replica derives the same proof hash.
type LogEntry struct {
	Type      LogEntryType    `json:"type"`
	Data      []byte          `json:"data"`
	Submitter ledger.Identity `json:"submitter"`
	Timestamp ledger.Moment   `json:"timestamp"`
}

// ApplyResult is what FSM.Apply returns for a submit entry.
type ApplyResult struct {
	ProofHash hash.Digest
	Err       error
}

// snapshotState is the persisted FSM snapshot: the whole chain, genesis
// first, sealed with a Merkle root over the proof hashes.
type snapshotState struct {
	Algorithm string                `json:"algorithm"`
	Root      hash.Digest           `json:"merkle_root"`
	Records   []*ledger.ProofRecord `json:"records"`
}

var (
	ErrNotLeader      = errors.New("not the leader")
	ErrNotInitialized = errors.New("raft not initialized")
)
