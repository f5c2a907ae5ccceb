package cdc

import (
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/require"
)

const ordersRelation = 16384

func newTestClient(handler EventHandler) *ReplicationClient {
	rc := NewReplicationClient(&ReplicationConfig{}, handler, nil)
	rc.relations[ordersRelation] = &pglogrepl.RelationMessage{
		RelationID:   ordersRelation,
		Namespace:    "public",
		RelationName: "orders",
		ColumnNum:    3,
		Columns: []*pglogrepl.RelationMessageColumn{
			{Flags: 1, Name: "id"},
			{Name: "amount"},
			{Name: "note"},
		},
	}
	rc.xid = 42
	return rc
}

func tuple(values ...*string) *pglogrepl.TupleData {
	cols := make([]*pglogrepl.TupleDataColumn, len(values))
	for i, v := range values {
		if v == nil {
			cols[i] = &pglogrepl.TupleDataColumn{DataType: pglogrepl.TupleDataTypeNull}
			continue
		}
		cols[i] = &pglogrepl.TupleDataColumn{
			DataType: pglogrepl.TupleDataTypeText,
			Length:   uint32(len(*v)),
			Data:     []byte(*v),
		}
	}
	return &pglogrepl.TupleData{ColumnNum: uint16(len(cols)), Columns: cols}
}

func str(s string) *string { return &s }

func TestReplicationClientInsert(t *testing.T) {
	handler := &mockHandler{}
	rc := newTestClient(handler)

	err := rc.handleInsert(t.Context(), &pglogrepl.InsertMessage{
		RelationID: ordersRelation,
		Tuple:      tuple(str("1"), str("10"), nil),
	}, 500)
	require.NoError(t, err)

	require.Equal(t, 1, handler.count())
	event := handler.events[0]
	require.Equal(t, "orders", event.TableName)
	require.Equal(t, OperationInsert, event.Operation)
	require.Equal(t, map[string]interface{}{"id": "1", "amount": "10", "note": nil}, event.NewData)
	require.Equal(t, map[string]interface{}{"id": "1"}, event.PrimaryKey)
	require.EqualValues(t, 42, event.TransactionID)
	require.EqualValues(t, 500, event.LSN)
}

func TestReplicationClientUpdateAndDelete(t *testing.T) {
	handler := &mockHandler{}
	rc := newTestClient(handler)

	require.NoError(t, rc.handleUpdate(t.Context(), &pglogrepl.UpdateMessage{
		RelationID: ordersRelation,
		OldTuple:   tuple(str("1"), str("10"), nil),
		NewTuple:   tuple(str("1"), str("99"), nil),
	}, 600))

	require.NoError(t, rc.handleDelete(t.Context(), &pglogrepl.DeleteMessage{
		RelationID: ordersRelation,
		OldTuple:   tuple(str("1"), nil, nil),
	}, 700))

	require.Equal(t, 2, handler.count())

	update := handler.events[0]
	require.Equal(t, OperationUpdate, update.Operation)
	require.Equal(t, "10", update.OldData["amount"])
	require.Equal(t, "99", update.NewData["amount"])

	del := handler.events[1]
	require.Equal(t, OperationDelete, del.Operation)
	require.Nil(t, del.NewData)
	require.Equal(t, map[string]interface{}{"id": "1"}, del.PrimaryKey)
}

func TestReplicationClientUnknownRelation(t *testing.T) {
	rc := newTestClient(&mockHandler{})

	err := rc.handleInsert(t.Context(), &pglogrepl.InsertMessage{RelationID: 1, Tuple: tuple(str("1"))}, 0)
	require.ErrorContains(t, err, "unknown relation ID")
}

func TestReplicationClientTupleWiderThanRelation(t *testing.T) {
	rel := newTestClient(nil).relations[ordersRelation]

	values := decodeTuple(rel, tuple(str("1"), str("2"), str("3"), str("4")))
	require.Len(t, values, 3)
	require.Empty(t, decodeTuple(rel, nil))
	require.Empty(t, primaryKey(rel, nil))
}

func TestReplicationClientNotConnected(t *testing.T) {
	rc := NewReplicationClient(&ReplicationConfig{}, nil, nil)

	require.ErrorIs(t, rc.ReceiveMessage(t.Context()), ErrNotConnected)
	require.ErrorIs(t, rc.CreateSlotIfNotExists(t.Context()), ErrNotConnected)
	require.ErrorIs(t, rc.StartReplication(t.Context(), 0), ErrNotConnected)
	require.ErrorIs(t, rc.SendStandbyStatusUpdate(t.Context(), 0), ErrNotConnected)
	require.NoError(t, rc.Close(t.Context()))
	require.NoError(t, rc.handleCopyData(t.Context(), nil))
}
