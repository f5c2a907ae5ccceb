package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Manager struct {
	enabled      bool
	slackWebhook string
	httpClient   HTTPClient
	logger       *zap.Logger
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func NewManager(enabled bool, slackWebhook string, logger *zap.Logger) *Manager {
	return NewManagerWithClient(enabled, slackWebhook, &http.Client{Timeout: 10 * time.Second}, logger)
}

func NewManagerWithClient(enabled bool, slackWebhook string, client HTTPClient, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		httpClient:   client,
		logger:       logger,
	}
}

func (m *Manager) active() bool {
	return m != nil && m.enabled && m.slackWebhook != ""
}

// Severity maps onto the Slack attachment colour.
type Severity string

const (
	SeverityCritical Severity = "danger"
	SeverityWarning  Severity = "warning"
	SeverityResolved Severity = "good"
)

// SendTamperAlert reports an UPDATE or DELETE on an append-only source table.
func (m *Manager) SendTamperAlert(ctx context.Context, tableName, operation, recordID, details string) error {
	return m.post(ctx, SeverityCritical, "🚨 *Protected table modified*", "Append-only violation", "tamper detection",
		slackField{Title: "Table", Value: tableName, Short: true},
		slackField{Title: "Operation", Value: operation, Short: true},
		slackField{Title: "Record", Value: recordID, Short: true},
		slackField{Title: "Details", Value: details},
	)
}

// SendProofIntegrityAlert reports a stored proof that failed verification.
// code is the ledger error code, tampered_proof or broken_chain.
func (m *Manager) SendProofIntegrityAlert(ctx context.Context, proofHash, code, details string) error {
	return m.post(ctx, SeverityCritical, "🚨 *Proof chain integrity violation*", "Verification failed", "verifier",
		slackField{Title: "Proof", Value: proofHash},
		slackField{Title: "Failure", Value: code, Short: true},
		slackField{Title: "Details", Value: details},
	)
}

func (m *Manager) SendSystemAlert(ctx context.Context, title, message string, severity Severity) error {
	switch severity {
	case SeverityWarning, SeverityResolved:
	default:
		severity = SeverityCritical
	}
	return m.post(ctx, severity, fmt.Sprintf("*%s*", title), title, "node monitor",
		slackField{Title: "Message", Value: message},
	)
}

func (m *Manager) post(ctx context.Context, severity Severity, headline, title, source string, fields ...slackField) error {
	if !m.active() {
		return nil
	}

	msg := slackMessage{
		Text: headline,
		Attachments: []slackAttachment{{
			Color:  string(severity),
			Title:  title,
			Fields: fields,
			Footer: fmt.Sprintf("proofchain %s | alert %s", source, uuid.NewString()),
			Ts:     time.Now().Unix(),
		}},
	}

	if err := postJSON(ctx, m.httpClient, m.slackWebhook, msg); err != nil {
		m.logger.Warn("slack alert not delivered", zap.String("title", title), zap.Error(err))
		return err
	}
	return nil
}

func postJSON(ctx context.Context, client HTTPClient, url string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	}

	return nil
}
