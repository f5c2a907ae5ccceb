package hash

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
)

const Size = 32

const (
	AlgorithmSHA256     = "sha256"
	AlgorithmBlake2b256 = "blake2b_256"
	AlgorithmBlake3     = "blake3"

	DefaultAlgorithm = AlgorithmBlake2b256
)

// Digest is the fixed-width output of a Hasher.
type Digest [Size]byte

// ZeroDigest marks the absence of a predecessor.
var ZeroDigest Digest

func (d Digest) IsZero() bool {
	return d == ZeroDigest
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns the first 16 hex characters, for log lines and CLI output.
func (d Digest) Short() string {
	return d.String()[:16]
}

func (d Digest) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, d[:])
	return out
}

func (d Digest) Compare(other Digest) int {
	return bytes.Compare(d[:], other[:])
}

func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest decodes a hex digest, with or without a 0x prefix.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	if len(s) != hex.EncodedLen(Size) {
		return d, fmt.Errorf("invalid digest length: expected %d hex characters, got %d", hex.EncodedLen(Size), len(s))
	}
	if _, err := hex.Decode(d[:], []byte(s)); err != nil {
		return d, fmt.Errorf("invalid digest: %w", err)
	}
	return d, nil
}

// DigestFromBytes copies a raw 32-byte slice into a Digest.
func DigestFromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != Size {
		return d, fmt.Errorf("invalid digest length: expected %d bytes, got %d", Size, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// Hasher must be deterministic and identical at commit and verify time.
type Hasher interface {
	Sum(data []byte) Digest
	Algorithm() string
}

func New(algorithm string) (Hasher, error) {
	switch algorithm {
	case "", AlgorithmBlake2b256:
		return blake2bHasher{}, nil
	case AlgorithmSHA256:
		return sha256Hasher{}, nil
	case AlgorithmBlake3:
		return blake3Hasher{}, nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s (valid options: %s, %s, %s)",
			algorithm, AlgorithmSHA256, AlgorithmBlake2b256, AlgorithmBlake3)
	}
}

func Algorithms() []string {
	return []string{AlgorithmSHA256, AlgorithmBlake2b256, AlgorithmBlake3}
}

type sha256Hasher struct{}

func (sha256Hasher) Sum(data []byte) Digest { return sha256.Sum256(data) }
func (sha256Hasher) Algorithm() string      { return AlgorithmSHA256 }

type blake2bHasher struct{}

func (blake2bHasher) Sum(data []byte) Digest { return blake2b.Sum256(data) }
func (blake2bHasher) Algorithm() string      { return AlgorithmBlake2b256 }

type blake3Hasher struct{}

func (blake3Hasher) Sum(data []byte) Digest { return blake3.Sum256(data) }
func (blake3Hasher) Algorithm() string      { return AlgorithmBlake3 }
