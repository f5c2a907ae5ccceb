package cdc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/witnz/proofchain/internal/ledger"
	"go.uber.org/zap"
)

// Ingestor proves every row inserted into a protected table and treats any
// UPDATE or DELETE on one as tampering.
type Ingestor struct {
	submitter ledger.Submitter
	tables    map[string]struct{}
	isLeader  func() bool
	logger    *zap.Logger

	submitted  atomic.Uint64
	duplicates atomic.Uint64
	tampered   atomic.Uint64
}

type IngestStats struct {
	Submitted  uint64 `json:"submitted"`
	Duplicates uint64 `json:"duplicates"`
	Tampered   uint64 `json:"tampered"`
}

func NewIngestor(submitter ledger.Submitter, tables []string, logger *zap.Logger) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	set := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		set[t] = struct{}{}
	}
	return &Ingestor{
		submitter: submitter,
		tables:    set,
		logger:    logger,
	}
}

// SetLeaderCheck restricts submissions to nodes for which fn returns true.
// Every node still reports tampering.
func (i *Ingestor) SetLeaderCheck(fn func() bool) {
	i.isLeader = fn
}

func (i *Ingestor) Protects(table string) bool {
	_, ok := i.tables[table]
	return ok
}

func (i *Ingestor) Stats() IngestStats {
	return IngestStats{
		Submitted:  i.submitted.Load(),
		Duplicates: i.duplicates.Load(),
		Tampered:   i.tampered.Load(),
	}
}

func (i *Ingestor) HandleChange(ctx context.Context, event *ChangeEvent) error {
	if !i.Protects(event.TableName) {
		return nil
	}

	switch event.Operation {
	case OperationUpdate, OperationDelete:
		i.tampered.Add(1)
		return newTamperingError(event)
	case OperationInsert:
	default:
		return fmt.Errorf("unsupported operation %q on %s", event.Operation, event.TableName)
	}

	if i.isLeader != nil && !i.isLeader() {
		i.logger.Debug("ignoring insert on follower",
			zap.String("table", event.TableName),
			zap.Any("key", event.PrimaryKey),
		)
		return nil
	}

	data, err := CanonicalRow(event.TableName, event.NewData)
	if err != nil {
		return err
	}

	digest, err := i.submitter.SubmitData(ctx, Identity(event.TableName), data)
	if errors.Is(err, ledger.ErrDuplicateData) {
		i.duplicates.Add(1)
		i.logger.Warn("row already proved",
			zap.String("table", event.TableName),
			zap.Any("key", event.PrimaryKey),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to prove row %v in %s: %w", event.PrimaryKey, event.TableName, err)
	}

	i.submitted.Add(1)
	i.logger.Info("row proved",
		zap.String("table", event.TableName),
		zap.Any("key", event.PrimaryKey),
		zap.Stringer("proof_hash", digest),
	)
	return nil
}

// Identity is the submitter recorded for rows of table.
func Identity(table string) ledger.Identity {
	return ledger.Identity("cdc:" + table)
}

type canonicalRow struct {
	Table string                 `json:"table"`
	Row   map[string]interface{} `json:"row"`
}

// CanonicalRow encodes a row as JSON with sorted keys, so the same row
// always yields the same data hash.
func CanonicalRow(table string, row map[string]interface{}) ([]byte, error) {
	if row == nil {
		row = map[string]interface{}{}
	}
	data, err := json.Marshal(&canonicalRow{Table: table, Row: row})
	if err != nil {
		return nil, fmt.Errorf("failed to encode row: %w", err)
	}
	return data, nil
}
