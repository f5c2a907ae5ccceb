// Package ledger implements an append-only, content-addressed proof chain.
//
// Every submission is hashed, linked to the current chain tip and stored
// under the hash of its own fields:
//
//	proof_hash = H(data_hash || previous_hash || LE64(sequence) || LE64(timestamp))
//
// so any later change to a stored field is detectable by recomputing the
// hash (Verify). The first proof links to hash.ZeroDigest.
//
// The host supplies the sequence index, the clock, the caller identity, the
// hash function and the Store. The package holds no global state.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/witnz/proofchain/internal/hash"
	"go.uber.org/zap"
)

// Submitter accepts data for proving. *Ledger implements it directly; a
// replicated host routes the same call through its log.
type Submitter interface {
	SubmitData(ctx context.Context, submitter Identity, data []byte) (hash.Digest, error)
}

var _ Submitter = (*Ledger)(nil)

// Ledger is the outward surface: submit, verify, look up.
type Ledger struct {
	mu       sync.Mutex
	store    Store
	hasher   hash.Hasher
	sequence SequenceSource
	clock    Clock
	builder  *Builder
	verifier *Verifier
	logger   *zap.Logger
}

type options struct {
	sequence SequenceSource
	clock    Clock
	sink     EventSink
	logger   *zap.Logger
}

type Option func(*options)

func WithSequenceSource(s SequenceSource) Option {
	return func(o *options) { o.sequence = s }
}

func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithEventSink(s EventSink) Option {
	return func(o *options) { o.sink = s }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New defaults to CountSequence, SystemClock, no event sink and a no-op logger.
func New(store Store, hasher hash.Hasher, opts ...Option) *Ledger {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.sequence == nil {
		o.sequence = NewCountSequence(store)
	}
	if o.clock == nil {
		o.clock = SystemClock{}
	}
	if o.sink == nil {
		o.sink = nopSink{}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	return &Ledger{
		store:    store,
		hasher:   hasher,
		sequence: o.sequence,
		clock:    o.clock,
		builder:  NewBuilder(store, hasher, o.sink, o.logger),
		verifier: NewVerifier(store, hasher, o.sink, o.logger),
		logger:   o.logger,
	}
}

func (l *Ledger) Builder() *Builder   { return l.builder }
func (l *Ledger) Verifier() *Verifier { return l.verifier }
func (l *Ledger) Hasher() hash.Hasher { return l.hasher }
func (l *Ledger) Store() Store        { return l.store }
func (l *Ledger) Clock() Clock        { return l.clock }

// staleTipAttempts bounds how often SubmitData rebuilds a proof after
// another writer sharing the store moved the tip.
const staleTipAttempts = 3

// SubmitData proves data on behalf of submitter. The sequence index and
// timestamp are taken inside the same critical section as the commit, and
// are taken again if the commit loses the tip to another writer.
func (l *Ledger) SubmitData(ctx context.Context, submitter Identity, data []byte) (hash.Digest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	for attempt := 1; attempt <= staleTipAttempts; attempt++ {
		var seq Sequence
		seq, err = l.sequence.CurrentSequence(ctx)
		if err != nil {
			return hash.ZeroDigest, fmt.Errorf("failed to read sequence index: %w", err)
		}

		var proofHash hash.Digest
		proofHash, err = l.builder.Submit(ctx, Submission{
			Data:      data,
			Submitter: submitter,
			Sequence:  seq,
			Timestamp: l.clock.Now(),
		})
		if !errors.Is(err, ErrStaleTip) {
			return proofHash, err
		}
		l.logger.Warn("chain tip moved by another writer, rebuilding proof", zap.Int("attempt", attempt))
	}
	return hash.ZeroDigest, err
}

func (l *Ledger) VerifyProof(ctx context.Context, verifier Identity, proofHash hash.Digest) error {
	return l.verifier.Verify(ctx, proofHash, verifier)
}

func (l *Ledger) LookupProofForData(ctx context.Context, dataHash hash.Digest) (hash.Digest, error) {
	return l.verifier.LookupByData(ctx, dataHash)
}

// Proof returns the stored record; ErrNotFound if absent.
func (l *Ledger) Proof(ctx context.Context, proofHash hash.Digest) (*ProofRecord, error) {
	return l.store.Proof(ctx, proofHash)
}

func (l *Ledger) VerifyChain(ctx context.Context) (*ChainReport, error) {
	return l.verifier.VerifyChain(ctx)
}

func (l *Ledger) Records(ctx context.Context) ([]*ProofRecord, error) {
	return l.verifier.Records(ctx)
}

type Status struct {
	Count     uint64      `json:"count"`
	Tip       hash.Digest `json:"tip"`
	HasTip    bool        `json:"has_tip"`
	Algorithm string      `json:"algorithm"`
}

func (l *Ledger) Status(ctx context.Context) (*Status, error) {
	count, err := l.store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read proof count: %w", err)
	}
	tip, ok, err := l.store.Tip(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain tip: %w", err)
	}
	return &Status{
		Count:     count,
		Tip:       tip,
		HasTip:    ok,
		Algorithm: l.hasher.Algorithm(),
	}, nil
}

// Commitment is the Merkle root over all proof hashes in commit order.
func (l *Ledger) Commitment(ctx context.Context) (hash.Digest, error) {
	records, err := l.Records(ctx)
	if err != nil {
		return hash.ZeroDigest, err
	}
	return RecordsRoot(l.hasher, records), nil
}

func RecordsRoot(h hash.Hasher, records []*ProofRecord) hash.Digest {
	leaves := make([]hash.Digest, len(records))
	for i, r := range records {
		leaves[i] = r.ProofHash
	}
	return hash.MerkleRoot(h, leaves)
}
