package ledger

import (
	"context"
	"sync"

	"github.com/witnz/proofchain/internal/hash"
)

// Store is the persistent map behind the ledger: proof hash -> record,
// data hash -> proof hash, the chain tip and the proof count.
//
// Commit is the only mutation. It must apply all four effects atomically.
// It leaves the store untouched and returns ErrAlreadyExists when the data
// hash is already present, or ErrStaleTip (see CheckExtendsTip) when the
// record does not link to the tip as seen inside the same atomic section.
type Store interface {
	Proof(ctx context.Context, proofHash hash.Digest) (*ProofRecord, error)
	ProofHashForData(ctx context.Context, dataHash hash.Digest) (hash.Digest, error)
	Tip(ctx context.Context) (hash.Digest, bool, error)
	Count(ctx context.Context) (uint64, error)
	Commit(ctx context.Context, record *ProofRecord) error
}

// MemoryStore is an in-process Store for tests and single-process use.
type MemoryStore struct {
	mu          sync.RWMutex
	proofs      map[hash.Digest]*ProofRecord
	dataToProof map[hash.Digest]hash.Digest
	tip         hash.Digest
	hasTip      bool
	count       uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		proofs:      make(map[hash.Digest]*ProofRecord),
		dataToProof: make(map[hash.Digest]hash.Digest),
	}
}

func (s *MemoryStore) Proof(_ context.Context, proofHash hash.Digest) (*ProofRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.proofs[proofHash]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) ProofHashForData(_ context.Context, dataHash hash.Digest) (hash.Digest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	proofHash, ok := s.dataToProof[dataHash]
	if !ok {
		return hash.ZeroDigest, ErrNotFound
	}
	return proofHash, nil
}

func (s *MemoryStore) Tip(_ context.Context) (hash.Digest, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tip, s.hasTip, nil
}

func (s *MemoryStore) Count(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count, nil
}

func (s *MemoryStore) Commit(_ context.Context, record *ProofRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.dataToProof[record.DataHash]; exists {
		return ErrAlreadyExists
	}
	if err := CheckExtendsTip(record, s.tip, s.hasTip); err != nil {
		return err
	}

	s.proofs[record.ProofHash] = record.Clone()
	s.dataToProof[record.DataHash] = record.ProofHash
	s.tip = record.ProofHash
	s.hasTip = true
	s.count++
	return nil
}
