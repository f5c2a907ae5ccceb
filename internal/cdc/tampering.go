package cdc

import (
	"errors"
	"fmt"

	"github.com/jackc/pglogrepl"
)

// ErrTampering matches every *TamperingError under errors.Is.
var ErrTampering = errors.New("tampering detected")

// TamperingError reports an UPDATE or DELETE on an append-only table.
type TamperingError struct {
	Table     string
	Operation OperationType
	Key       map[string]interface{}
	LSN       uint64
}

func newTamperingError(event *ChangeEvent) *TamperingError {
	return &TamperingError{
		Table:     event.TableName,
		Operation: event.Operation,
		Key:       event.PrimaryKey,
		LSN:       event.LSN,
	}
}

// RecordID renders the primary key for logs and alerts.
func (e *TamperingError) RecordID() string {
	return fmt.Sprintf("%v", e.Key)
}

func (e *TamperingError) Error() string {
	return fmt.Sprintf("%s: %s on append-only table %s (record %s, lsn %s)",
		ErrTampering, e.Operation, e.Table, e.RecordID(), pglogrepl.LSN(e.LSN))
}

func (e *TamperingError) Is(target error) bool {
	return target == ErrTampering
}

// AsTamperingError returns the first *TamperingError in err's chain, or nil.
func AsTamperingError(err error) *TamperingError {
	var te *TamperingError
	if errors.As(err, &te) {
		return te
	}
	return nil
}
