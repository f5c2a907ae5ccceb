package cdc

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/require"
	"github.com/witnz/proofchain/internal/alert"
	"go.uber.org/zap/zaptest"
)

func TestNewManager(t *testing.T) {
	config := &ReplicationConfig{
		Host:            "localhost",
		Port:            5432,
		Database:        "testdb",
		User:            "testuser",
		Password:        "testpass",
		SlotName:        "test_slot",
		PublicationName: "test_pub",
	}

	manager := NewManager(config, zaptest.NewLogger(t))

	require.NotNil(t, manager)
	require.Same(t, config, manager.config)
	require.Empty(t, manager.handlers)
	require.Equal(t,
		"host=localhost port=5432 dbname=testdb user=testuser password=testpass",
		config.ConnectionString())
}

func TestManagerAddHandler(t *testing.T) {
	manager := NewManager(&ReplicationConfig{}, nil)

	manager.AddHandler(&mockHandler{})
	manager.AddHandler(&mockHandler{})

	require.Len(t, manager.handlers, 2)
}

func TestManagerHandleChange(t *testing.T) {
	manager := NewManager(&ReplicationConfig{}, nil)

	handlers := []*mockHandler{{}, {}, {}}
	for _, h := range handlers {
		manager.AddHandler(h)
	}

	event := &ChangeEvent{
		TableName: "multi_test",
		Operation: OperationInsert,
	}
	require.NoError(t, manager.HandleChange(t.Context(), event))

	for _, h := range handlers {
		require.Equal(t, 1, h.count())
		require.Equal(t, "multi_test", h.events[0].TableName)
	}
}

func TestManagerHandleChangeWithNoHandlers(t *testing.T) {
	manager := NewManager(&ReplicationConfig{}, nil)

	err := manager.HandleChange(t.Context(), &ChangeEvent{TableName: "test", Operation: OperationDelete})
	require.NoError(t, err)
}

func TestManagerHandleChangeStopsOnHandlerError(t *testing.T) {
	manager := NewManager(&ReplicationConfig{}, nil)

	failing := &mockHandler{err: errors.New("boom")}
	after := &mockHandler{}
	manager.AddHandler(failing)
	manager.AddHandler(after)

	err := manager.HandleChange(t.Context(), &ChangeEvent{TableName: "t", Operation: OperationInsert})
	require.ErrorContains(t, err, "boom")
	require.Zero(t, after.count())
}

func TestManagerReportsTampering(t *testing.T) {
	var posts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	logger := zaptest.NewLogger(t)
	manager := NewManager(&ReplicationConfig{}, logger)
	manager.SetAlertManager(alert.NewManager(true, server.URL, logger))

	tampering := &mockHandler{err: newTamperingError(&ChangeEvent{
		TableName:  "orders",
		Operation:  OperationDelete,
		PrimaryKey: map[string]interface{}{"id": "1"},
	})}
	after := &mockHandler{}
	manager.AddHandler(tampering)
	manager.AddHandler(after)

	err := manager.HandleChange(t.Context(), &ChangeEvent{TableName: "orders", Operation: OperationDelete})
	require.NoError(t, err)
	require.Equal(t, 1, after.count())
	require.EqualValues(t, 1, posts.Load())
}

func TestManagerLSN(t *testing.T) {
	manager := NewManager(&ReplicationConfig{}, nil)

	manager.SetLSN(pglogrepl.LSN(12345))
	require.Equal(t, pglogrepl.LSN(12345), manager.GetLSN())

	// The position never moves backwards.
	manager.SetLSN(pglogrepl.LSN(100))
	require.Equal(t, pglogrepl.LSN(12345), manager.GetLSN())
}

func TestManagerStartWithoutInit(t *testing.T) {
	manager := NewManager(&ReplicationConfig{}, nil)
	require.ErrorIs(t, manager.Start(t.Context()), ErrManagerNotInitialized)
}

func TestManagerStopWhenNotRunning(t *testing.T) {
	manager := NewManager(&ReplicationConfig{}, nil)
	require.NoError(t, manager.Stop(t.Context()))
}

func TestBackoffFor(t *testing.T) {
	require.Equal(t, 2*time.Second, backoffFor(1))
	require.Equal(t, 16*time.Second, backoffFor(4))
	require.Equal(t, 30*time.Second, backoffFor(5))
	require.Equal(t, 30*time.Second, backoffFor(100))
}

func TestPublicationStatement(t *testing.T) {
	tests := []struct {
		name   string
		tables []string
		want   string
	}{
		{
			name: "all tables",
			want: `CREATE PUBLICATION "proofchain_pub" FOR ALL TABLES`,
		},
		{
			name:   "protected tables",
			tables: []string{"orders", "public.invoices"},
			want:   `CREATE PUBLICATION "proofchain_pub" FOR TABLE "orders", "public"."invoices"`,
		},
		{
			name:   "quoted identifier",
			tables: []string{`weird"name`},
			want:   `CREATE PUBLICATION "proofchain_pub" FOR TABLE "weird""name"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, publicationStatement("proofchain_pub", tt.tables))
		})
	}
}
