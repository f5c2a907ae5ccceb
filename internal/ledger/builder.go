package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/witnz/proofchain/internal/hash"
	"go.uber.org/zap"
)

// Submission is one call into the builder. Sequence and Timestamp come from
// the host and are stored verbatim.
type Submission struct {
	Data      []byte
	Submitter Identity
	Sequence  Sequence
	Timestamp Moment
}

// Builder derives the next proof from the current tip and commits it.
type Builder struct {
	mu     sync.Mutex
	store  Store
	hasher hash.Hasher
	sink   EventSink
	logger *zap.Logger
}

func NewBuilder(store Store, hasher hash.Hasher, sink EventSink, logger *zap.Logger) *Builder {
	if sink == nil {
		sink = nopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		store:  store,
		hasher: hasher,
		sink:   sink,
		logger: logger,
	}
}

// Submit appends one proof and returns its hash. Reading the tip, building
// the record and committing it happen under one lock, so two submissions
// through this builder never chain from the same tip. A writer outside this
// process that moves the tip first makes Commit fail with ErrStaleTip.
func (b *Builder) Submit(ctx context.Context, sub Submission) (hash.Digest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	record, err := b.build(ctx, sub)
	if err != nil {
		return hash.ZeroDigest, err
	}

	if err := b.store.Commit(ctx, record); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return hash.ZeroDigest, newProofError(ErrDuplicateData, record.DataHash, "rejected at commit")
		}
		if errors.Is(err, ErrStaleTip) {
			return hash.ZeroDigest, newProofError(ErrStaleTip, record.PreviousHash, "tip moved before commit")
		}
		return hash.ZeroDigest, fmt.Errorf("failed to commit proof: %w", err)
	}

	b.logger.Debug("proof committed",
		zap.Stringer("proof_hash", record.ProofHash),
		zap.Stringer("previous_hash", record.PreviousHash),
		zap.Uint64("sequence_index", uint64(record.Sequence)),
	)

	b.sink.Emit(ProofCreated(record.ProofHash, record.DataHash, record.Sequence))

	return record.ProofHash, nil
}

func (b *Builder) build(ctx context.Context, sub Submission) (*ProofRecord, error) {
	dataHash := b.hasher.Sum(sub.Data)

	existing, err := b.store.ProofHashForData(ctx, dataHash)
	switch {
	case err == nil:
		return nil, newProofError(ErrDuplicateData, dataHash, "proved by "+existing.Short())
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("failed to check data hash: %w", err)
	}

	previousHash, ok, err := b.store.Tip(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain tip: %w", err)
	}
	if !ok {
		previousHash = hash.ZeroDigest
	}

	return &ProofRecord{
		DataHash:     dataHash,
		PreviousHash: previousHash,
		ProofHash:    ComputeProofHash(b.hasher, dataHash, previousHash, sub.Sequence, sub.Timestamp),
		Sequence:     sub.Sequence,
		Timestamp:    sub.Timestamp,
		Submitter:    sub.Submitter,
	}, nil
}
