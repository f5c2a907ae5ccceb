package cdc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/witnz/proofchain/internal/alert"
	"go.uber.org/zap"
)

var (
	ErrManagerRunning        = errors.New("cdc: manager already running")
	ErrManagerNotInitialized = errors.New("cdc: manager not initialized")
)

// Manager owns the replication connection and fans decoded changes out to
// its handlers.
type Manager struct {
	config *ReplicationConfig
	logger *zap.Logger

	mu       sync.RWMutex
	client   *ReplicationClient
	handlers []EventHandler
	alerter  *alert.Manager
	lsn      pglogrepl.LSN
	running  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewManager(config *ReplicationConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		config: config,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

func (m *Manager) AddHandler(handler EventHandler) {
	m.mu.Lock()
	m.handlers = append(m.handlers, handler)
	m.mu.Unlock()
}

// SetAlertManager routes tampering and stream failures to am.
func (m *Manager) SetAlertManager(am *alert.Manager) {
	m.mu.Lock()
	m.alerter = am
	m.mu.Unlock()
}

// Initialize makes sure the publication and slot exist and opens the
// replication connection. It must run before Start.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.ensurePublication(ctx); err != nil {
		return err
	}

	client := NewReplicationClient(m.config, m, m.logger)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("open replication connection: %w", err)
	}
	if err := client.CreateSlotIfNotExists(ctx); err != nil {
		client.Close(ctx)
		return fmt.Errorf("prepare slot %s: %w", m.config.SlotName, err)
	}

	m.mu.Lock()
	m.client = client
	m.mu.Unlock()
	return nil
}

// Start streams from the last acknowledged position until Stop or ctx ends.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.running:
		return ErrManagerRunning
	case m.client == nil:
		return ErrManagerNotInitialized
	}

	if err := m.client.StartReplication(ctx, m.lsn); err != nil {
		return fmt.Errorf("start streaming: %w", err)
	}

	m.running = true
	m.wg.Add(1)
	go m.receiveLoop(ctx)

	m.logger.Info("change data capture started",
		zap.String("slot", m.config.SlotName),
		zap.String("publication", m.config.PublicationName),
		zap.Strings("tables", m.config.Tables),
		zap.Stringer("from", m.lsn),
	)
	return nil
}

func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	client := m.client
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
	return client.Close(ctx)
}

func backoffFor(errorCount int) time.Duration {
	const maxBackoff = 30 * time.Second
	if errorCount >= 5 {
		return maxBackoff
	}
	return time.Duration(math.Pow(2, float64(errorCount))) * time.Second
}

func (m *Manager) receiveLoop(ctx context.Context) {
	defer m.wg.Done()

	errorCount := 0

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		err := m.client.ReceiveMessage(ctx)
		if err == nil {
			errorCount = 0
			m.SetLSN(m.client.Position())
			continue
		}

		errorCount++
		backoff := backoffFor(errorCount)
		m.logger.Error("replication receive failed",
			zap.Error(err),
			zap.Duration("retry_in", backoff),
		)

		if am := m.alerts(); am != nil {
			if aerr := am.SendSystemAlert(ctx,
				"Replication stream interrupted",
				fmt.Sprintf("receive failed: %v (retry in %v)", err, backoff),
				alert.SeverityCritical,
			); aerr != nil {
				m.logger.Warn("failed to send system alert", zap.Error(aerr))
			}
		}

		select {
		case <-time.After(backoff):
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) alerts() *alert.Manager {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.alerter
}

// HandleChange passes event to every handler. Tampering is alerted on and
// logged but does not stop the stream; any other handler error does.
func (m *Manager) HandleChange(ctx context.Context, event *ChangeEvent) error {
	m.mu.RLock()
	handlers := make([]EventHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		err := handler.HandleChange(ctx, event)
		if err == nil {
			continue
		}

		if te := AsTamperingError(err); te != nil {
			m.reportTampering(ctx, te)
			continue
		}

		return fmt.Errorf("handler failed: %w", err)
	}

	return nil
}

func (m *Manager) reportTampering(ctx context.Context, te *TamperingError) {
	m.logger.Error("tampering detected",
		zap.String("table", te.Table),
		zap.String("operation", string(te.Operation)),
		zap.String("record_id", te.RecordID()),
		zap.Stringer("lsn", pglogrepl.LSN(te.LSN)),
	)

	am := m.alerts()
	if am == nil {
		return
	}
	if err := am.SendTamperAlert(ctx, te.Table, string(te.Operation), te.RecordID(), te.Error()); err != nil {
		m.logger.Warn("failed to send tamper alert", zap.Error(err))
	}
}

// publicationStatement restricts the publication to the protected tables.
func publicationStatement(name string, tables []string) string {
	if len(tables) == 0 {
		return fmt.Sprintf("CREATE PUBLICATION %s FOR ALL TABLES", pgx.Identifier{name}.Sanitize())
	}

	quoted := make([]string, len(tables))
	for i, t := range tables {
		quoted[i] = pgx.Identifier(strings.Split(t, ".")).Sanitize()
	}
	return fmt.Sprintf("CREATE PUBLICATION %s FOR TABLE %s",
		pgx.Identifier{name}.Sanitize(), strings.Join(quoted, ", "))
}

func (m *Manager) ensurePublication(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, m.config.ConnectionString())
	if err != nil {
		return fmt.Errorf("connect to source database: %w", err)
	}
	defer conn.Close(ctx)

	name := m.config.PublicationName
	var exists bool
	if err := conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)", name,
	).Scan(&exists); err != nil {
		return fmt.Errorf("look up publication %s: %w", name, err)
	}
	if exists {
		return nil
	}

	if _, err := conn.Exec(ctx, publicationStatement(name, m.config.Tables)); err != nil {
		return fmt.Errorf("create publication %s: %w", name, err)
	}
	m.logger.Info("publication created", zap.String("publication", name), zap.Strings("tables", m.config.Tables))
	return nil
}

// SetLSN records a processed position. Older positions are ignored.
func (m *Manager) SetLSN(lsn pglogrepl.LSN) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lsn > m.lsn {
		m.lsn = lsn
	}
}

func (m *Manager) GetLSN() pglogrepl.LSN {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lsn
}
