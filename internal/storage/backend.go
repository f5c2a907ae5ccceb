package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/witnz/proofchain/internal/ledger"
	"go.uber.org/zap"
)

const (
	DriverBolt     = "bolt"
	DriverLevel    = "leveldb"
	DriverPostgres = "postgres"
)

// Backend is a durable ledger.Store with a small key/value side table.
type Backend interface {
	ledger.Store
	SetMetadata(key, value string) error
	GetMetadata(key string) (string, error)
	Close() error
}

var (
	_ Backend = (*BoltStore)(nil)
	_ Backend = (*LevelStore)(nil)
	_ Backend = (*PostgresStore)(nil)
)

type Options struct {
	Driver string
	// Path is the bbolt file or leveldb directory.
	Path string
	// DSN is the PostgreSQL connection string.
	DSN string
}

func Open(ctx context.Context, opts Options, logger *zap.Logger) (Backend, error) {
	switch opts.Driver {
	case "", DriverBolt:
		return NewBoltStore(opts.Path)
	case DriverLevel:
		return NewLevelStore(opts.Path)
	case DriverPostgres:
		return OpenPostgresStore(ctx, opts.DSN, logger)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", opts.Driver)
	}
}

// PinAlgorithm records algorithm on first use and refuses a different one
// afterwards. Proofs hashed with one algorithm never verify under another.
func PinAlgorithm(b Backend, algorithm string) error {
	stored, err := b.GetMetadata(MetadataHashAlgorithm)
	if errors.Is(err, ErrMetadataNotFound) {
		return b.SetMetadata(MetadataHashAlgorithm, algorithm)
	}
	if err != nil {
		return fmt.Errorf("failed to read hash algorithm: %w", err)
	}
	if stored != algorithm {
		return fmt.Errorf("ledger was created with hash algorithm %s, configured %s", stored, algorithm)
	}
	return nil
}
