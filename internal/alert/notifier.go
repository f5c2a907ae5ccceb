package alert

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/witnz/proofchain/internal/ledger"
	"go.uber.org/zap"
)

// Notification is the body posted to the event webhook.
type Notification struct {
	ID     string       `json:"id"`
	NodeID string       `json:"node_id,omitempty"`
	SentAt time.Time    `json:"sent_at"`
	Event  ledger.Event `json:"event"`
}

// Notifier forwards ledger events to an HTTP endpoint. Emit only enqueues;
// delivery happens on the Run goroutine so a slow endpoint never holds up a
// submission. Events are dropped when the queue is full.
type Notifier struct {
	url        string
	nodeID     string
	httpClient HTTPClient
	logger     *zap.Logger
	queue      chan Notification

	mu      sync.Mutex
	dropped uint64
}

var _ ledger.EventSink = (*Notifier)(nil)

func NewNotifier(url, nodeID string, queueSize int, client HTTPClient, logger *zap.Logger) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Notifier{
		url:        url,
		nodeID:     nodeID,
		httpClient: client,
		logger:     logger,
		queue:      make(chan Notification, queueSize),
	}
}

func (n *Notifier) Emit(event ledger.Event) {
	note := Notification{
		ID:     uuid.NewString(),
		NodeID: n.nodeID,
		SentAt: time.Now().UTC(),
		Event:  event,
	}

	select {
	case n.queue <- note:
	default:
		n.mu.Lock()
		n.dropped++
		n.mu.Unlock()
		n.logger.Warn("event notification queue full, dropping event",
			zap.String("event", string(event.Type)),
			zap.Stringer("proof_hash", event.ProofHash),
		)
	}
}

func (n *Notifier) Dropped() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

// Run delivers queued notifications until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case note := <-n.queue:
			if err := postJSON(ctx, n.httpClient, n.url, note); err != nil {
				n.logger.Warn("failed to deliver event notification",
					zap.String("notification_id", note.ID),
					zap.Error(err),
				)
			}
		}
	}
}
