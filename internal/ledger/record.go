package ledger

import (
	"encoding/binary"
	"time"

	"github.com/witnz/proofchain/internal/hash"
)

// Sequence is the host-assigned ordering index of a submission (a block
// number in a chain host, a raft log index in replicated mode).
type Sequence uint64

// Moment is a host timestamp in Unix milliseconds.
type Moment uint64

func MomentFromTime(t time.Time) Moment {
	return Moment(t.UnixMilli())
}

func (m Moment) Time() time.Time {
	return time.UnixMilli(int64(m)).UTC()
}

// Identity is the authenticated principal behind a call.
type Identity string

const Anonymous Identity = "anonymous"

// ProofRecord is immutable once committed.
type ProofRecord struct {
	DataHash     hash.Digest `json:"data_hash"`
	PreviousHash hash.Digest `json:"previous_hash"`
	ProofHash    hash.Digest `json:"proof_hash"`
	Sequence     Sequence    `json:"sequence_index"`
	Timestamp    Moment      `json:"timestamp"`
	Submitter    Identity    `json:"submitter"`
}

func (r *ProofRecord) IsGenesis() bool {
	return r.PreviousHash.IsZero()
}

func (r *ProofRecord) Clone() *ProofRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// PreimageSize is the length of the canonical proof preimage.
const PreimageSize = 2*hash.Size + 8 + 8

// EncodeProofPreimage returns the canonical byte sequence a proof hash is
// computed over:
//
//	data_hash (32 bytes) || previous_hash (32 bytes) ||
//	sequence_index (uint64, little-endian) || timestamp (uint64, little-endian)
//
// The layout is part of the on-ledger format. Changing it invalidates every
// stored proof.
func EncodeProofPreimage(dataHash, previousHash hash.Digest, seq Sequence, ts Moment) []byte {
	buf := make([]byte, PreimageSize)
	copy(buf[0:hash.Size], dataHash[:])
	copy(buf[hash.Size:2*hash.Size], previousHash[:])
	binary.LittleEndian.PutUint64(buf[2*hash.Size:], uint64(seq))
	binary.LittleEndian.PutUint64(buf[2*hash.Size+8:], uint64(ts))
	return buf
}

func ComputeProofHash(h hash.Hasher, dataHash, previousHash hash.Digest, seq Sequence, ts Moment) hash.Digest {
	return h.Sum(EncodeProofPreimage(dataHash, previousHash, seq, ts))
}
