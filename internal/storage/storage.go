package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/witnz/proofchain/internal/hash"
	"github.com/witnz/proofchain/internal/ledger"
	bolt "go.etcd.io/bbolt"
)

var (
	ProofsBucket      = []byte("proofs")
	DataToProofBucket = []byte("data_to_proof")
	MetadataBucket    = []byte("metadata")
)

var (
	tipKey   = []byte("tip")
	countKey = []byte("count")
)

// userMetaPrefix keeps SetMetadata keys apart from the ledger's own tip and
// count entries in MetadataBucket.
const userMetaPrefix = "x/"

func metaKey(key string) []byte {
	return []byte(userMetaPrefix + key)
}

// MetadataHashAlgorithm pins the hash algorithm a ledger file was created with.
const MetadataHashAlgorithm = "hash_algorithm"

var ErrMetadataNotFound = errors.New("metadata key not found")

// BoltStore is a ledger.Store on a single bbolt file. Records are stored as
// JSON under their raw 32-byte proof hash.
type BoltStore struct {
	db *bolt.DB
}

var _ ledger.Store = (*BoltStore)(nil)

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{ProofsBucket, DataToProofBucket, MetadataBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Path() string {
	return s.db.Path()
}

func (s *BoltStore) Proof(_ context.Context, proofHash hash.Digest) (*ledger.ProofRecord, error) {
	var record ledger.ProofRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(ProofsBucket).Get(proofHash[:])
		if data == nil {
			return ledger.ErrNotFound
		}
		return decodeRecord(data, &record)
	})
	if err != nil {
		return nil, err
	}

	return &record, nil
}

func (s *BoltStore) ProofHashForData(_ context.Context, dataHash hash.Digest) (hash.Digest, error) {
	var proofHash hash.Digest

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(DataToProofBucket).Get(dataHash[:])
		if data == nil {
			return ledger.ErrNotFound
		}
		var err error
		proofHash, err = hash.DigestFromBytes(data)
		return err
	})

	return proofHash, err
}

func (s *BoltStore) Tip(_ context.Context) (hash.Digest, bool, error) {
	var (
		tip hash.Digest
		ok  bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		tip, ok, err = readTip(tx.Bucket(MetadataBucket))
		return err
	})

	return tip, ok, err
}

func (s *BoltStore) Count(_ context.Context) (uint64, error) {
	var count uint64

	err := s.db.View(func(tx *bolt.Tx) error {
		count = readCount(tx.Bucket(MetadataBucket))
		return nil
	})

	return count, err
}

// Commit applies the record in one bbolt transaction, so a rejected or failed
// commit leaves no partial state behind.
func (s *BoltStore) Commit(_ context.Context, record *ledger.ProofRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal proof record: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		dataToProof := tx.Bucket(DataToProofBucket)
		if dataToProof.Get(record.DataHash[:]) != nil {
			return ledger.ErrAlreadyExists
		}

		meta := tx.Bucket(MetadataBucket)
		tip, hasTip, err := readTip(meta)
		if err != nil {
			return err
		}
		if err := ledger.CheckExtendsTip(record, tip, hasTip); err != nil {
			return err
		}

		if err := tx.Bucket(ProofsBucket).Put(record.ProofHash[:], data); err != nil {
			return fmt.Errorf("failed to store proof: %w", err)
		}
		if err := dataToProof.Put(record.DataHash[:], record.ProofHash[:]); err != nil {
			return fmt.Errorf("failed to index data hash: %w", err)
		}

		if err := meta.Put(tipKey, record.ProofHash.Bytes()); err != nil {
			return fmt.Errorf("failed to move tip: %w", err)
		}
		return writeCount(meta, readCount(meta)+1)
	})
}

func (s *BoltStore) SetMetadata(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		return bucket.Put(metaKey(key), []byte(value))
	})
}

func (s *BoltStore) GetMetadata(key string) (string, error) {
	var value string

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		data := bucket.Get(metaKey(key))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrMetadataNotFound, key)
		}
		value = string(data)
		return nil
	})

	return value, err
}

// UpdateRawProof overwrites the stored bytes of a proof without any checks.
// It exists for tamper drills; the ledger never calls it.
func (s *BoltStore) UpdateRawProof(proofHash hash.Digest, mutate func(raw []byte) ([]byte, error)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(ProofsBucket)
		current := bucket.Get(proofHash[:])
		if current == nil {
			return ledger.ErrNotFound
		}
		raw := make([]byte, len(current))
		copy(raw, current)

		updated, err := mutate(raw)
		if err != nil {
			return err
		}
		return bucket.Put(proofHash[:], updated)
	})
}

func readTip(meta *bolt.Bucket) (hash.Digest, bool, error) {
	data := meta.Get(tipKey)
	if data == nil {
		return hash.ZeroDigest, false, nil
	}
	tip, err := hash.DigestFromBytes(data)
	if err != nil {
		return hash.ZeroDigest, false, fmt.Errorf("invalid stored tip: %w", err)
	}
	return tip, true, nil
}

func readCount(meta *bolt.Bucket) uint64 {
	data := meta.Get(countKey)
	if len(data) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}

func writeCount(meta *bolt.Bucket, n uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	if err := meta.Put(countKey, buf); err != nil {
		return fmt.Errorf("failed to update count: %w", err)
	}
	return nil
}

func decodeRecord(data []byte, record *ledger.ProofRecord) error {
	if err := json.Unmarshal(data, record); err != nil {
		return fmt.Errorf("failed to unmarshal proof record: %w", err)
	}
	return nil
}
