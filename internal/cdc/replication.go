package cdc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"
)

const (
	OutputPlugin = "pgoutput"

	standbyStatusInterval = 10 * time.Second
	receiveTimeout        = 10 * time.Second
)

var ErrNotConnected = errors.New("cdc: replication connection not open")

type ReplicationConfig struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SlotName        string
	PublicationName string
	Tables          []string
}

func (c *ReplicationConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s",
		c.Host, c.Port, c.Database, c.User, c.Password)
}

// ReplicationClient decodes a pgoutput stream into ChangeEvents.
type ReplicationClient struct {
	config     *ReplicationConfig
	conn       *pgconn.PgConn
	relations  map[uint32]*pglogrepl.RelationMessage
	handler    EventHandler
	logger     *zap.Logger
	position   pglogrepl.LSN
	xid        uint32
	lastStatus time.Time
}

func NewReplicationClient(config *ReplicationConfig, handler EventHandler, logger *zap.Logger) *ReplicationClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReplicationClient{
		config:    config,
		relations: make(map[uint32]*pglogrepl.RelationMessage),
		handler:   handler,
		logger:    logger,
	}
}

func (rc *ReplicationClient) Connect(ctx context.Context) error {
	conn, err := pgconn.Connect(ctx, rc.config.ConnectionString()+" replication=database")
	if err != nil {
		return fmt.Errorf("connect %s:%d: %w", rc.config.Host, rc.config.Port, err)
	}

	rc.conn = conn
	return nil
}

func (rc *ReplicationClient) CreateSlotIfNotExists(ctx context.Context) error {
	if rc.conn == nil {
		return ErrNotConnected
	}

	result, err := pglogrepl.CreateReplicationSlot(
		ctx,
		rc.conn,
		rc.config.SlotName,
		OutputPlugin,
		pglogrepl.CreateReplicationSlotOptions{},
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42710" {
			return nil
		}
		return fmt.Errorf("create slot %s: %w", rc.config.SlotName, err)
	}

	rc.logger.Info("created replication slot",
		zap.String("slot", result.SlotName),
		zap.String("consistent_point", result.ConsistentPoint),
	)
	return nil
}

func (rc *ReplicationClient) DropSlot(ctx context.Context) error {
	if rc.conn == nil {
		return ErrNotConnected
	}

	err := pglogrepl.DropReplicationSlot(ctx, rc.conn, rc.config.SlotName, pglogrepl.DropReplicationSlotOptions{})
	if err != nil {
		return fmt.Errorf("drop slot %s: %w", rc.config.SlotName, err)
	}

	return nil
}

func (rc *ReplicationClient) StartReplication(ctx context.Context, startLSN pglogrepl.LSN) error {
	if rc.conn == nil {
		return ErrNotConnected
	}

	pluginArgs := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", rc.config.PublicationName),
	}

	err := pglogrepl.StartReplication(
		ctx,
		rc.conn,
		rc.config.SlotName,
		startLSN,
		pglogrepl.StartReplicationOptions{
			PluginArgs: pluginArgs,
		},
	)

	if err != nil {
		return fmt.Errorf("start replication on %s: %w", rc.config.SlotName, err)
	}

	rc.position = startLSN
	rc.lastStatus = time.Now()
	return nil
}

// Position is the WAL position up to which changes have been handled.
func (rc *ReplicationClient) Position() pglogrepl.LSN {
	return rc.position
}

func (rc *ReplicationClient) ReceiveMessage(ctx context.Context) error {
	if rc.conn == nil {
		return ErrNotConnected
	}

	if time.Since(rc.lastStatus) >= standbyStatusInterval {
		if err := rc.SendStandbyStatusUpdate(ctx, rc.position); err != nil {
			return fmt.Errorf("failed to send standby status: %w", err)
		}
	}

	recvCtx, cancel := context.WithTimeout(ctx, receiveTimeout)
	defer cancel()

	msg, err := rc.conn.ReceiveMessage(recvCtx)
	if err != nil {
		if pgconn.Timeout(err) {
			return nil
		}
		return fmt.Errorf("receive: %w", err)
	}

	switch msg := msg.(type) {
	case *pgproto3.CopyData:
		return rc.handleCopyData(ctx, msg.Data)
	case *pgproto3.ErrorResponse:
		return fmt.Errorf("replication error: %s", msg.Message)
	default:
		return nil
	}
}

func (rc *ReplicationClient) handleCopyData(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		return rc.handleKeepalive(ctx, data[1:])
	case pglogrepl.XLogDataByteID:
		return rc.handleXLogData(ctx, data[1:])
	}

	return nil
}

func (rc *ReplicationClient) handleKeepalive(ctx context.Context, data []byte) error {
	pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(data)
	if err != nil {
		return fmt.Errorf("decode keepalive: %w", err)
	}

	if pkm.ReplyRequested {
		return rc.SendStandbyStatusUpdate(ctx, rc.position)
	}

	return nil
}

func (rc *ReplicationClient) handleXLogData(ctx context.Context, data []byte) error {
	xld, err := pglogrepl.ParseXLogData(data)
	if err != nil {
		return fmt.Errorf("decode xlog data: %w", err)
	}

	if err := rc.processWALData(ctx, xld.WALData, uint64(xld.WALStart)); err != nil {
		return err
	}

	// Only advance past changes that were handled.
	if end := xld.WALStart + pglogrepl.LSN(len(xld.WALData)); end > rc.position {
		rc.position = end
	}
	return nil
}

func (rc *ReplicationClient) processWALData(ctx context.Context, walData []byte, lsn uint64) error {
	logicalMsg, err := pglogrepl.Parse(walData)
	if err != nil {
		return fmt.Errorf("decode pgoutput message: %w", err)
	}

	switch msg := logicalMsg.(type) {
	case *pglogrepl.RelationMessage:
		rc.relations[msg.RelationID] = msg

	case *pglogrepl.BeginMessage:
		rc.xid = msg.Xid

	case *pglogrepl.InsertMessage:
		return rc.handleInsert(ctx, msg, lsn)

	case *pglogrepl.UpdateMessage:
		return rc.handleUpdate(ctx, msg, lsn)

	case *pglogrepl.DeleteMessage:
		return rc.handleDelete(ctx, msg, lsn)
	}

	return nil
}

func (rc *ReplicationClient) SendStandbyStatusUpdate(ctx context.Context, lsn pglogrepl.LSN) error {
	if rc.conn == nil {
		return ErrNotConnected
	}

	status := pglogrepl.StandbyStatusUpdate{
		WALWritePosition: lsn,
		WALFlushPosition: lsn,
		WALApplyPosition: lsn,
	}

	if err := pglogrepl.SendStandbyStatusUpdate(ctx, rc.conn, status); err != nil {
		return err
	}
	rc.lastStatus = time.Now()
	return nil
}

func (rc *ReplicationClient) Close(ctx context.Context) error {
	if rc.conn != nil {
		return rc.conn.Close(ctx)
	}
	return nil
}

func (rc *ReplicationClient) dispatch(ctx context.Context, event *ChangeEvent) error {
	if rc.handler == nil {
		return nil
	}
	return rc.handler.HandleChange(ctx, event)
}

func (rc *ReplicationClient) relation(id uint32) (*pglogrepl.RelationMessage, error) {
	rel, ok := rc.relations[id]
	if !ok {
		return nil, fmt.Errorf("unknown relation ID: %d", id)
	}
	return rel, nil
}

func (rc *ReplicationClient) newEvent(rel *pglogrepl.RelationMessage, op OperationType, lsn uint64) *ChangeEvent {
	return &ChangeEvent{
		TableName:     rel.RelationName,
		Operation:     op,
		Timestamp:     time.Now(),
		TransactionID: rc.xid,
		LSN:           lsn,
	}
}

func (rc *ReplicationClient) handleInsert(ctx context.Context, msg *pglogrepl.InsertMessage, lsn uint64) error {
	rel, err := rc.relation(msg.RelationID)
	if err != nil {
		return err
	}

	event := rc.newEvent(rel, OperationInsert, lsn)
	event.NewData = decodeTuple(rel, msg.Tuple)
	event.PrimaryKey = primaryKey(rel, event.NewData)
	return rc.dispatch(ctx, event)
}

func (rc *ReplicationClient) handleUpdate(ctx context.Context, msg *pglogrepl.UpdateMessage, lsn uint64) error {
	rel, err := rc.relation(msg.RelationID)
	if err != nil {
		return err
	}

	event := rc.newEvent(rel, OperationUpdate, lsn)
	event.NewData = decodeTuple(rel, msg.NewTuple)
	if msg.OldTuple != nil {
		event.OldData = decodeTuple(rel, msg.OldTuple)
	}
	event.PrimaryKey = primaryKey(rel, event.NewData)
	return rc.dispatch(ctx, event)
}

// handleDelete only sees the replica identity columns unless the table is
// REPLICA IDENTITY FULL.
func (rc *ReplicationClient) handleDelete(ctx context.Context, msg *pglogrepl.DeleteMessage, lsn uint64) error {
	rel, err := rc.relation(msg.RelationID)
	if err != nil {
		return err
	}

	event := rc.newEvent(rel, OperationDelete, lsn)
	if msg.OldTuple != nil {
		event.OldData = decodeTuple(rel, msg.OldTuple)
	}
	event.PrimaryKey = primaryKey(rel, event.OldData)
	return rc.dispatch(ctx, event)
}

// keyColumnFlag marks a column that is part of the replica identity.
const keyColumnFlag = 1

// decodeTuple maps column names to their text values. Unchanged TOAST
// values are left out.
func decodeTuple(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) map[string]interface{} {
	values := make(map[string]interface{})
	if tuple == nil {
		return values
	}

	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			break
		}
		name := rel.Columns[i].Name

		switch col.DataType {
		case pglogrepl.TupleDataTypeNull:
			values[name] = nil
		case pglogrepl.TupleDataTypeText:
			values[name] = string(col.Data)
		}
	}

	return values
}

func primaryKey(rel *pglogrepl.RelationMessage, values map[string]interface{}) map[string]interface{} {
	pk := make(map[string]interface{})
	for _, col := range rel.Columns {
		if col.Flags&keyColumnFlag == 0 {
			continue
		}
		if val, ok := values[col.Name]; ok {
			pk[col.Name] = val
		}
	}
	return pk
}
