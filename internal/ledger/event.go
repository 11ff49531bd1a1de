package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// EventType classifies compliance events.
type EventType string

const (
	TypeWithdrawalRequested  EventType = "withdrawal_requested"
	TypeAdmissionDenied      EventType = "admission_denied"
	TypeWithdrawalAdmitted   EventType = "withdrawal_admitted"
	TypeWithdrawalSubmitted  EventType = "withdrawal_submitted"
	TypeWithdrawalProcessing EventType = "withdrawal_processing"
	TypeWithdrawalTimeout    EventType = "withdrawal_timeout"
	TypeWithdrawalCompleted  EventType = "withdrawal_completed"
	TypeWithdrawalFailed     EventType = "withdrawal_failed"
	TypeWithdrawalCancelled  EventType = "withdrawal_cancelled"
	TypeIntegrityFailure     EventType = "integrity_failure"
)

// Severity grades compliance events.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// GenesisHash is the fixed chain root.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Event is one immutable, hash-chained compliance record.
type Event struct {
	Sequence  int64           `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Type      EventType       `json:"type"`
	Severity  Severity        `json:"severity"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prevHash"`
	Hash      string          `json:"hash"`
}

// Store persists the append-only event sequence. Events are never edited
// or deleted; the stored hash fields detect storage-level tampering.
type Store interface {
	InsertEvent(ctx context.Context, event Event) error
	LastEvent(ctx context.Context) (*Event, error)
	ListEventsRange(ctx context.Context, fromSeq, toSeq int64) ([]Event, error)
	ListEventsBetween(ctx context.Context, start, end time.Time) ([]Event, error)
}

// hashEnvelope is the canonical serialization hashed into the chain. Field
// order is fixed by the struct; the payload participates byte-for-byte.
type hashEnvelope struct {
	Sequence  int64           `json:"sequence"`
	Timestamp string          `json:"timestamp"`
	Type      EventType       `json:"type"`
	Severity  Severity        `json:"severity"`
	Payload   json.RawMessage `json:"payload"`
}

// ComputeHash derives an event's chain hash from its predecessor's hash
// and its canonical serialization.
func ComputeHash(prevHash string, seq int64, ts time.Time, typ EventType, sev Severity, payload json.RawMessage) (string, error) {
	env := hashEnvelope{
		Sequence:  seq,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		Type:      typ,
		Severity:  sev,
		Payload:   payload,
	}
	canonical, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("serialize event for hashing: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}
