package ledger

import (
	"encoding/json"

	"github.com/witnz/proofchain/internal/hash"
	"go.uber.org/zap"
)

type EventType string

const (
	EventProofCreated  EventType = "ProofCreated"
	EventProofVerified EventType = "ProofVerified"
)

// Event is an informational notification; the ledger never consumes its own events.
// Each type serialises only its own fields.
type Event struct {
	Type      EventType   `json:"type"`
	ProofHash hash.Digest `json:"proof_hash"`
	DataHash  hash.Digest `json:"data_hash"`
	Sequence  Sequence    `json:"sequence_index"`
	Verifier  Identity    `json:"verifier"`
}

type createdJSON struct {
	Type      EventType   `json:"type"`
	ProofHash hash.Digest `json:"proof_hash"`
	DataHash  hash.Digest `json:"data_hash"`
	Sequence  Sequence    `json:"sequence_index"`
}

type verifiedJSON struct {
	Type      EventType   `json:"type"`
	ProofHash hash.Digest `json:"proof_hash"`
	Verifier  Identity    `json:"verifier"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventProofCreated:
		return json.Marshal(createdJSON{Type: e.Type, ProofHash: e.ProofHash, DataHash: e.DataHash, Sequence: e.Sequence})
	case EventProofVerified:
		return json.Marshal(verifiedJSON{Type: e.Type, ProofHash: e.ProofHash, Verifier: e.Verifier})
	default:
		type plain Event
		return json.Marshal(plain(e))
	}
}

func ProofCreated(proofHash, dataHash hash.Digest, seq Sequence) Event {
	return Event{Type: EventProofCreated, ProofHash: proofHash, DataHash: dataHash, Sequence: seq}
}

func ProofVerified(proofHash hash.Digest, verifier Identity) Event {
	return Event{Type: EventProofVerified, ProofHash: proofHash, Verifier: verifier}
}

// EventSink must not block the caller for long; Emit runs inside the
// submission critical section.
type EventSink interface {
	Emit(event Event)
}

type EventSinkFunc func(Event)

func (f EventSinkFunc) Emit(event Event) { f(event) }

// Sinks fans an event out to every sink in order.
type Sinks []EventSink

func (s Sinks) Emit(event Event) {
	for _, sink := range s {
		if sink != nil {
			sink.Emit(event)
		}
	}
}

type nopSink struct{}

func (nopSink) Emit(Event) {}

type logSink struct {
	logger *zap.Logger
}

// NewLogSink writes every event to logger at info level.
func NewLogSink(logger *zap.Logger) EventSink {
	return &logSink{logger: logger}
}

func (s *logSink) Emit(event Event) {
	switch event.Type {
	case EventProofCreated:
		s.logger.Info("proof created",
			zap.Stringer("proof_hash", event.ProofHash),
			zap.Stringer("data_hash", event.DataHash),
			zap.Uint64("sequence_index", uint64(event.Sequence)),
		)
	case EventProofVerified:
		s.logger.Info("proof verified",
			zap.Stringer("proof_hash", event.ProofHash),
			zap.String("verifier", string(event.Verifier)),
		)
	}
}
