// Package ledgertest holds the behaviour every ledger.Store backend must share.
package ledgertest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/witnz/proofchain/internal/hash"
	"github.com/witnz/proofchain/internal/ledger"
)

// NewStoreFunc returns an empty store. Cleanup is registered on t.
type NewStoreFunc func(t *testing.T) ledger.Store

// Record builds a well-formed record for data chained onto prev.
func Record(h hash.Hasher, data string, prev hash.Digest, seq ledger.Sequence) *ledger.ProofRecord {
	dataHash := h.Sum([]byte(data))
	ts := ledger.Moment(1_700_000_000_000 + uint64(seq))
	return &ledger.ProofRecord{
		DataHash:     dataHash,
		PreviousHash: prev,
		ProofHash:    ledger.ComputeProofHash(h, dataHash, prev, seq, ts),
		Sequence:     seq,
		Timestamp:    ts,
		Submitter:    "alice",
	}
}

// RunStoreTests exercises the Store contract against fresh stores from newStore.
func RunStoreTests(t *testing.T, newStore NewStoreFunc) {
	h, err := hash.New(hash.AlgorithmSHA256)
	require.NoError(t, err)

	t.Run("Empty", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		_, ok, err := s.Tip(ctx)
		require.NoError(t, err)
		require.False(t, ok)

		count, err := s.Count(ctx)
		require.NoError(t, err)
		require.Zero(t, count)

		_, err = s.Proof(ctx, h.Sum([]byte("x")))
		require.ErrorIs(t, err, ledger.ErrNotFound)

		_, err = s.ProofHashForData(ctx, h.Sum([]byte("x")))
		require.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("CommitAndRead", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		r1 := Record(h, "alpha", hash.ZeroDigest, 1)
		require.NoError(t, s.Commit(ctx, r1))
		r2 := Record(h, "beta", r1.ProofHash, 2)
		require.NoError(t, s.Commit(ctx, r2))

		got, err := s.Proof(ctx, r1.ProofHash)
		require.NoError(t, err)
		require.Equal(t, r1, got)

		got, err = s.Proof(ctx, r2.ProofHash)
		require.NoError(t, err)
		require.Equal(t, r2, got)

		proofHash, err := s.ProofHashForData(ctx, r2.DataHash)
		require.NoError(t, err)
		require.Equal(t, r2.ProofHash, proofHash)

		tip, ok, err := s.Tip(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, r2.ProofHash, tip)

		count, err := s.Count(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 2, count)
	})

	t.Run("DuplicateDataRejected", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		r1 := Record(h, "alpha", hash.ZeroDigest, 1)
		require.NoError(t, s.Commit(ctx, r1))

		// Same data, different link and sequence: a different proof hash.
		dup := Record(h, "alpha", r1.ProofHash, 2)
		require.NotEqual(t, r1.ProofHash, dup.ProofHash)
		require.ErrorIs(t, s.Commit(ctx, dup), ledger.ErrAlreadyExists)

		tip, _, err := s.Tip(ctx)
		require.NoError(t, err)
		require.Equal(t, r1.ProofHash, tip)

		count, err := s.Count(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 1, count)

		_, err = s.Proof(ctx, dup.ProofHash)
		require.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("StaleTipRejected", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.ErrorIs(t, s.Commit(ctx, Record(h, "alpha", h.Sum([]byte("elsewhere")), 1)), ledger.ErrStaleTip)

		r1 := Record(h, "alpha", hash.ZeroDigest, 1)
		require.NoError(t, s.Commit(ctx, r1))
		require.ErrorIs(t, s.Commit(ctx, Record(h, "beta", hash.ZeroDigest, 2)), ledger.ErrStaleTip)

		// Two writers read r1 as the tip; the second commit would fork the chain.
		r2 := Record(h, "beta", r1.ProofHash, 2)
		fork := Record(h, "gamma", r1.ProofHash, 2)
		require.NoError(t, s.Commit(ctx, r2))
		require.ErrorIs(t, s.Commit(ctx, fork), ledger.ErrStaleTip)

		tip, ok, err := s.Tip(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, r2.ProofHash, tip)

		count, err := s.Count(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 2, count)

		_, err = s.Proof(ctx, fork.ProofHash)
		require.ErrorIs(t, err, ledger.ErrNotFound)
		_, err = s.ProofHashForData(ctx, fork.DataHash)
		require.ErrorIs(t, err, ledger.ErrNotFound)

		report, err := ledger.NewVerifier(s, h, nil, nil).VerifyChain(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 2, report.Length)
	})

	t.Run("CallerMutationDoesNotLeak", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		r1 := Record(h, "alpha", hash.ZeroDigest, 1)
		require.NoError(t, s.Commit(ctx, r1))
		want := *r1
		r1.Timestamp = 0

		got, err := s.Proof(ctx, want.ProofHash)
		require.NoError(t, err)
		require.Equal(t, want.Timestamp, got.Timestamp)
	})

	t.Run("LedgerOnTop", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		l := ledger.New(s, h, ledger.WithClock(ledger.FixedClock(42)))

		d1, err := l.SubmitData(ctx, "alice", []byte("alpha"))
		require.NoError(t, err)
		d2, err := l.SubmitData(ctx, "alice", []byte("beta"))
		require.NoError(t, err)

		_, err = l.SubmitData(ctx, "bob", []byte("alpha"))
		require.ErrorIs(t, err, ledger.ErrDuplicateData)

		require.NoError(t, l.VerifyProof(ctx, "carol", d1))
		require.NoError(t, l.VerifyProof(ctx, "carol", d2))

		report, err := l.VerifyChain(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 2, report.Length)
		require.Equal(t, d1, report.Genesis)
		require.Equal(t, d2, report.Tip)
	})

	t.Run("ConcurrentSubmissions", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		l := ledger.New(s, h)

		const n = 20
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := l.SubmitData(ctx, "alice", []byte(fmt.Sprintf("row-%d", i)))
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		report, err := l.VerifyChain(ctx)
		require.NoError(t, err)
		require.EqualValues(t, n, report.Length)
	})
}
