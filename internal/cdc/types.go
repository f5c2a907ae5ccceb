package cdc

import (
	"context"
	"time"
)

type OperationType string

const (
	OperationInsert OperationType = "INSERT"
	OperationUpdate OperationType = "UPDATE"
	OperationDelete OperationType = "DELETE"
)

// ChangeEvent is one decoded row change from the replication stream.
// Column values are the text representation sent by pgoutput, or nil.
type ChangeEvent struct {
	TableName     string
	Operation     OperationType
	Timestamp     time.Time
	NewData       map[string]interface{}
	OldData       map[string]interface{}
	PrimaryKey    map[string]interface{}
	TransactionID uint32
	LSN           uint64
}

type EventHandler interface {
	HandleChange(ctx context.Context, event *ChangeEvent) error
}

// EventHandlerFunc adapts a plain function to EventHandler.
type EventHandlerFunc func(ctx context.Context, event *ChangeEvent) error

func (f EventHandlerFunc) HandleChange(ctx context.Context, event *ChangeEvent) error {
	return f(ctx, event)
}
