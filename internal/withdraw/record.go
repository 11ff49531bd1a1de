package withdraw

import (
	"context"
	"time"
)

// State is the orchestrator-owned lifecycle of a withdrawal.
type State string

const (
	StateReceived         State = "received"
	StateRateLimited      State = "rate_limited"
	StatePending          State = "pending"
	StateVelocityRejected State = "velocity_rejected"
	StateAdmitted         State = "admitted"
	StateSubmitted        State = "submitted"
	StateProcessing       State = "processing"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
	StateCancelled        State = "cancelled"
)

// Terminal reports whether the state can never change again.
func (s State) Terminal() bool {
	switch s {
	case StateRateLimited, StateVelocityRejected, StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Cancellable reports whether a withdrawal in this state may still be
// cancelled. After submission only the backend's own semantics apply.
func (s State) Cancellable() bool {
	switch s {
	case StateReceived, StatePending, StateAdmitted:
		return true
	}
	return false
}

// Request is an immutable withdrawal request.
type Request struct {
	UserID      string
	FromAddress string
	ToAddress   string
	AmountZat   int64
	Memo        string
	// RequestID is the caller-supplied idempotency key; generated when
	// empty.
	RequestID string
}

// Record tracks one withdrawal per request ID. Owned exclusively by the
// orchestrator and retained indefinitely for audit.
type Record struct {
	RequestID      string
	UserID         string
	FromAddress    string
	ToAddress      string
	AmountZat      int64
	Memo           string
	State          State
	OperationID    string
	TransactionID  string
	FeeZat         int64
	LogicalActions int
	RiskScore      int
	Reason         string
	ErrorCode      string
	LastError      string
	ReservationID  int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// Store persists withdrawal records. CreateRecord must be atomic on
// request ID so a concurrent retry observes the prior record instead of
// double-submitting.
type Store interface {
	CreateRecord(ctx context.Context, record Record) (created bool, existing Record, err error)
	UpdateRecord(ctx context.Context, record Record) error
	GetRecord(ctx context.Context, requestID string) (*Record, error)
	GetRecordByTransactionID(ctx context.Context, txID string) (*Record, error)
	ListInFlight(ctx context.Context) ([]Record, error)
	ListRecentRecords(ctx context.Context, limit int) ([]Record, error)
}
