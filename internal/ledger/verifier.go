package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/witnz/proofchain/internal/hash"
	"go.uber.org/zap"
)

// Verifier recomputes stored proofs. It never mutates the store.
type Verifier struct {
	store  Store
	hasher hash.Hasher
	sink   EventSink
	logger *zap.Logger
}

func NewVerifier(store Store, hasher hash.Hasher, sink EventSink, logger *zap.Logger) *Verifier {
	if sink == nil {
		sink = nopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{
		store:  store,
		hasher: hasher,
		sink:   sink,
		logger: logger,
	}
}

// Verify checks one link: the proof exists, its fields still hash to the key
// it is stored under, and its predecessor (if any) is stored. It does not
// walk back to genesis; see VerifyChain.
func (v *Verifier) Verify(ctx context.Context, proofHash hash.Digest, verifier Identity) error {
	if _, err := v.check(ctx, proofHash); err != nil {
		v.logger.Debug("proof verification failed",
			zap.Stringer("proof_hash", proofHash),
			zap.Error(err),
		)
		return err
	}

	v.sink.Emit(ProofVerified(proofHash, verifier))
	return nil
}

func (v *Verifier) check(ctx context.Context, proofHash hash.Digest) (*ProofRecord, error) {
	record, err := v.store.Proof(ctx, proofHash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, newProofError(ErrNotFound, proofHash, "")
		}
		return nil, fmt.Errorf("failed to read proof: %w", err)
	}

	// Content first: a flipped previous_hash must read as tampering, not as
	// a missing predecessor.
	recomputed := ComputeProofHash(v.hasher, record.DataHash, record.PreviousHash, record.Sequence, record.Timestamp)
	if recomputed != proofHash {
		return nil, newProofError(ErrTamperedProof, proofHash, "recomputed "+recomputed.Short())
	}

	if !record.IsGenesis() {
		if _, err := v.store.Proof(ctx, record.PreviousHash); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, newProofError(ErrBrokenChain, proofHash, "missing predecessor "+record.PreviousHash.Short())
			}
			return nil, fmt.Errorf("failed to read predecessor: %w", err)
		}
	}

	return record, nil
}

// LookupByData resolves the proof for a data digest.
func (v *Verifier) LookupByData(ctx context.Context, dataHash hash.Digest) (hash.Digest, error) {
	proofHash, err := v.store.ProofHashForData(ctx, dataHash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return hash.ZeroDigest, newProofError(ErrNotFound, dataHash, "no proof for data")
		}
		return hash.ZeroDigest, fmt.Errorf("failed to look up data hash: %w", err)
	}
	return proofHash, nil
}

// ChainReport summarises a full chain audit.
type ChainReport struct {
	Length  uint64      `json:"length"`
	Tip     hash.Digest `json:"tip"`
	Genesis hash.Digest `json:"genesis"`
}

// VerifyChain checks every record from the tip back to genesis and that the
// chain accounts for every stored proof. It emits no events.
func (v *Verifier) VerifyChain(ctx context.Context) (*ChainReport, error) {
	records, err := v.walk(ctx, true)
	if err != nil {
		return nil, err
	}

	report := &ChainReport{Length: uint64(len(records))}
	if len(records) > 0 {
		report.Tip = records[0].ProofHash
		report.Genesis = records[len(records)-1].ProofHash
	}
	return report, nil
}

// Records returns every record in commit order, genesis first.
func (v *Verifier) Records(ctx context.Context) ([]*ProofRecord, error) {
	records, err := v.walk(ctx, false)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// walk follows previous_hash links from the tip and returns the records tip
// first. With recompute set every record is content-checked as it is visited.
func (v *Verifier) walk(ctx context.Context, recompute bool) ([]*ProofRecord, error) {
	count, err := v.store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read proof count: %w", err)
	}

	current, ok, err := v.store.Tip(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain tip: %w", err)
	}
	if !ok {
		if count != 0 {
			return nil, newProofError(ErrBrokenChain, hash.ZeroDigest, fmt.Sprintf("no tip but %d proofs stored", count))
		}
		return nil, nil
	}

	records := make([]*ProofRecord, 0, count)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if uint64(len(records)) >= count {
			return nil, newProofError(ErrBrokenChain, current, fmt.Sprintf("chain longer than proof count %d", count))
		}

		var record *ProofRecord
		if recompute {
			record, err = v.check(ctx, current)
		} else {
			record, err = v.store.Proof(ctx, current)
		}
		if errors.Is(err, ErrNotFound) {
			return nil, newProofError(ErrBrokenChain, current, "missing from store")
		}
		if err != nil {
			return nil, err
		}

		records = append(records, record)
		if record.IsGenesis() {
			break
		}
		current = record.PreviousHash
	}

	if uint64(len(records)) != count {
		return nil, newProofError(ErrBrokenChain, records[len(records)-1].ProofHash,
			fmt.Sprintf("chain length %d does not match proof count %d", len(records), count))
	}

	return records, nil
}
