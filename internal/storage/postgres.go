package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/witnz/proofchain/internal/hash"
	"github.com/witnz/proofchain/internal/ledger"
	"go.uber.org/zap"
)

// commitLockKey serialises commits across every process sharing the
// database. The tip is re-read under the lock, so a record built on a tip
// another process has since moved is rejected with ledger.ErrStaleTip.
const commitLockKey = int64(7_340_210_981)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS proofchain_proofs (
	position       BIGSERIAL PRIMARY KEY,
	proof_hash     BYTEA NOT NULL UNIQUE,
	data_hash      BYTEA NOT NULL UNIQUE,
	previous_hash  BYTEA NOT NULL,
	sequence_index BIGINT NOT NULL,
	timestamp_ms   BIGINT NOT NULL,
	submitter      TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS proofchain_metadata (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// PostgresStore is a ledger.Store on PostgreSQL. Commit order is the
// position column; the tip is the row with the highest position.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ ledger.Store = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

// OpenPostgresStore connects, pings and migrates.
func OpenPostgresStore(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := NewPostgresStore(pool, logger)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to migrate proof tables: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Proof(ctx context.Context, proofHash hash.Digest) (*ledger.ProofRecord, error) {
	var (
		dataHash, previousHash []byte
		seq, ts                int64
		submitter              string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT data_hash, previous_hash, sequence_index, timestamp_ms, submitter
		 FROM proofchain_proofs WHERE proof_hash = $1`, proofHash[:],
	).Scan(&dataHash, &previousHash, &seq, &ts, &submitter)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query proof: %w", err)
	}

	record := &ledger.ProofRecord{
		ProofHash: proofHash,
		Sequence:  ledger.Sequence(uint64(seq)),
		Timestamp: ledger.Moment(uint64(ts)),
		Submitter: ledger.Identity(submitter),
	}
	if record.DataHash, err = hash.DigestFromBytes(dataHash); err != nil {
		return nil, fmt.Errorf("invalid stored data hash: %w", err)
	}
	if record.PreviousHash, err = hash.DigestFromBytes(previousHash); err != nil {
		return nil, fmt.Errorf("invalid stored previous hash: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) ProofHashForData(ctx context.Context, dataHash hash.Digest) (hash.Digest, error) {
	var proofHash []byte
	err := s.pool.QueryRow(ctx,
		"SELECT proof_hash FROM proofchain_proofs WHERE data_hash = $1", dataHash[:],
	).Scan(&proofHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return hash.ZeroDigest, ledger.ErrNotFound
	}
	if err != nil {
		return hash.ZeroDigest, fmt.Errorf("failed to query data hash: %w", err)
	}
	return hash.DigestFromBytes(proofHash)
}

func (s *PostgresStore) Tip(ctx context.Context) (hash.Digest, bool, error) {
	var tip []byte
	err := s.pool.QueryRow(ctx,
		"SELECT proof_hash FROM proofchain_proofs ORDER BY position DESC LIMIT 1",
	).Scan(&tip)
	if errors.Is(err, pgx.ErrNoRows) {
		return hash.ZeroDigest, false, nil
	}
	if err != nil {
		return hash.ZeroDigest, false, fmt.Errorf("failed to query tip: %w", err)
	}
	d, err := hash.DigestFromBytes(tip)
	if err != nil {
		return hash.ZeroDigest, false, err
	}
	return d, true, nil
}

func (s *PostgresStore) Count(ctx context.Context) (uint64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM proofchain_proofs").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count proofs: %w", err)
	}
	return uint64(n), nil
}

// Commit checks for duplicates and the tip, then inserts, all inside one
// transaction holding a transaction-scoped advisory lock.
func (s *PostgresStore) Commit(ctx context.Context, record *ledger.ProofRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", commitLockKey); err != nil {
		return fmt.Errorf("failed to acquire commit lock: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM proofchain_proofs WHERE data_hash = $1)", record.DataHash[:],
	).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check data hash: %w", err)
	}
	if exists {
		return ledger.ErrAlreadyExists
	}

	var (
		tipBytes []byte
		tip      hash.Digest
		hasTip   bool
	)
	err = tx.QueryRow(ctx,
		"SELECT proof_hash FROM proofchain_proofs ORDER BY position DESC LIMIT 1",
	).Scan(&tipBytes)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to read tip: %w", err)
	default:
		if tip, err = hash.DigestFromBytes(tipBytes); err != nil {
			return fmt.Errorf("invalid stored tip: %w", err)
		}
		hasTip = true
	}
	if err := ledger.CheckExtendsTip(record, tip, hasTip); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO proofchain_proofs (proof_hash, data_hash, previous_hash, sequence_index, timestamp_ms, submitter)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		record.ProofHash[:], record.DataHash[:], record.PreviousHash[:],
		int64(record.Sequence), int64(record.Timestamp), string(record.Submitter),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ledger.ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert proof: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug("proof row inserted",
		zap.Stringer("proof_hash", record.ProofHash),
		zap.Uint64("sequence_index", uint64(record.Sequence)),
	)
	return nil
}

func (s *PostgresStore) SetMetadata(key, value string) error {
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO proofchain_metadata (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set metadata: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMetadata(key string) (string, error) {
	var value string
	err := s.pool.QueryRow(context.Background(),
		"SELECT value FROM proofchain_metadata WHERE key = $1", key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrMetadataNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get metadata: %w", err)
	}
	return value, nil
}

// Reset empties both tables. Tests only.
func (s *PostgresStore) Reset(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "TRUNCATE proofchain_proofs, proofchain_metadata RESTART IDENTITY"); err != nil {
		return fmt.Errorf("failed to reset proof tables: %w", err)
	}
	return nil
}
