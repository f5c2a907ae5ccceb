package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/witnz/proofchain/internal/hash"
	"github.com/witnz/proofchain/internal/ledger"
)

var (
	levelProofPrefix = []byte("p/")
	levelDataPrefix  = []byte("d/")
	levelMetaPrefix  = []byte("m/")
)

// LevelStore is a ledger.Store on goleveldb. Commit writes one batch under
// the store mutex; leveldb has no read-check-write transaction of its own.
type LevelStore struct {
	mu sync.Mutex
	db *leveldb.DB
}

var _ ledger.Store = (*LevelStore)(nil)

func NewLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb: %w", err)
	}
	return &LevelStore{db: db}, nil
}

func (s *LevelStore) Close() error {
	return s.db.Close()
}

func levelKey(prefix []byte, suffix []byte) []byte {
	key := make([]byte, 0, len(prefix)+len(suffix))
	key = append(key, prefix...)
	return append(key, suffix...)
}

func (s *LevelStore) get(key []byte) ([]byte, error) {
	data, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key: %w", err)
	}
	return data, nil
}

func (s *LevelStore) Proof(_ context.Context, proofHash hash.Digest) (*ledger.ProofRecord, error) {
	data, err := s.get(levelKey(levelProofPrefix, proofHash[:]))
	if err != nil {
		return nil, err
	}

	var record ledger.ProofRecord
	if err := decodeRecord(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *LevelStore) ProofHashForData(_ context.Context, dataHash hash.Digest) (hash.Digest, error) {
	data, err := s.get(levelKey(levelDataPrefix, dataHash[:]))
	if err != nil {
		return hash.ZeroDigest, err
	}
	return hash.DigestFromBytes(data)
}

func (s *LevelStore) Tip(_ context.Context) (hash.Digest, bool, error) {
	data, err := s.get(levelKey(levelMetaPrefix, tipKey))
	if errors.Is(err, ledger.ErrNotFound) {
		return hash.ZeroDigest, false, nil
	}
	if err != nil {
		return hash.ZeroDigest, false, err
	}
	tip, err := hash.DigestFromBytes(data)
	if err != nil {
		return hash.ZeroDigest, false, err
	}
	return tip, true, nil
}

func (s *LevelStore) Count(_ context.Context) (uint64, error) {
	data, err := s.get(levelKey(levelMetaPrefix, countKey))
	if errors.Is(err, ledger.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("invalid count value of %d bytes", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

func (s *LevelStore) Commit(ctx context.Context, record *ledger.ProofRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal proof record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dataKey := levelKey(levelDataPrefix, record.DataHash[:])
	exists, err := s.db.Has(dataKey, nil)
	if err != nil {
		return fmt.Errorf("failed to check data hash: %w", err)
	}
	if exists {
		return ledger.ErrAlreadyExists
	}

	tip, hasTip, err := s.Tip(ctx)
	if err != nil {
		return err
	}
	if err := ledger.CheckExtendsTip(record, tip, hasTip); err != nil {
		return err
	}

	count, err := s.Count(ctx)
	if err != nil {
		return err
	}
	countBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(countBuf, count+1)

	batch := new(leveldb.Batch)
	batch.Put(levelKey(levelProofPrefix, record.ProofHash[:]), data)
	batch.Put(dataKey, record.ProofHash.Bytes())
	batch.Put(levelKey(levelMetaPrefix, tipKey), record.ProofHash.Bytes())
	batch.Put(levelKey(levelMetaPrefix, countKey), countBuf)

	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("failed to write proof batch: %w", err)
	}
	return nil
}

func (s *LevelStore) SetMetadata(key, value string) error {
	return s.db.Put(levelKey(levelMetaPrefix, []byte("x/"+key)), []byte(value), nil)
}

func (s *LevelStore) GetMetadata(key string) (string, error) {
	data, err := s.get(levelKey(levelMetaPrefix, []byte("x/"+key)))
	if errors.Is(err, ledger.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrMetadataNotFound, key)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}
