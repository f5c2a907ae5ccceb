package ledger

import (
	"errors"
	"fmt"

	"github.com/witnz/proofchain/internal/hash"
)

var (
	// ErrDuplicateData: the data digest already has a proof.
	ErrDuplicateData = errors.New("ledger: data already proved")
	// ErrNotFound: the referenced proof or data digest is unknown.
	ErrNotFound = errors.New("ledger: proof not found")
	// ErrBrokenChain: a non-genesis proof references a predecessor that is not stored.
	ErrBrokenChain = errors.New("ledger: broken proof chain")
	// ErrTamperedProof: the recomputed proof hash differs from the storage key.
	ErrTamperedProof = errors.New("ledger: tampered proof")
	// ErrAlreadyExists is the store-level rejection behind ErrDuplicateData.
	ErrAlreadyExists = errors.New("ledger: proof already exists")
	// ErrStaleTip: the record was built on a tip another writer has since moved.
	ErrStaleTip = errors.New("ledger: proof does not extend the current tip")
)

// ProofError carries the digest a failure refers to. Kind is one of the
// sentinel errors above and is what errors.Is matches against.
type ProofError struct {
	Kind   error
	Digest hash.Digest
	Detail string
}

func (e *ProofError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%v: %s (%s)", e.Kind, e.Digest.Short(), e.Detail)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Digest.Short())
}

func (e *ProofError) Unwrap() error {
	return e.Kind
}

func newProofError(kind error, digest hash.Digest, detail string) *ProofError {
	return &ProofError{Kind: kind, Digest: digest, Detail: detail}
}

// IsIntegrityError reports whether err means stored data no longer matches
// its commitments.
func IsIntegrityError(err error) bool {
	return errors.Is(err, ErrTamperedProof) || errors.Is(err, ErrBrokenChain)
}

// Code is a stable machine-readable name for err, or "" for unknown errors.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateData), errors.Is(err, ErrAlreadyExists):
		return "duplicate_data"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrBrokenChain):
		return "broken_chain"
	case errors.Is(err, ErrTamperedProof):
		return "tampered_proof"
	case errors.Is(err, ErrStaleTip):
		return "stale_tip"
	default:
		return ""
	}
}

// CheckExtendsTip returns ErrStaleTip unless record links to tip, or to
// hash.ZeroDigest when the store is empty. Stores call it inside the same
// atomic section as the write.
func CheckExtendsTip(record *ProofRecord, tip hash.Digest, hasTip bool) error {
	want := hash.ZeroDigest
	if hasTip {
		want = tip
	}
	if record.PreviousHash != want {
		return fmt.Errorf("%w: links to %s, tip is %s", ErrStaleTip, record.PreviousHash.Short(), want.Short())
	}
	return nil
}
