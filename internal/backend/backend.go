// Package backend defines the boundary to the external shielded
// transaction backend. The backend is the sole source of truth for
// on-chain outcome; this core only submits and observes.
package backend

import "context"

// OperationState is the backend-reported lifecycle of an async operation.
type OperationState string

const (
	StatePending    OperationState = "pending"
	StateProcessing OperationState = "processing"
	StateCompleted  OperationState = "completed"
	StateFailed     OperationState = "failed"
)

// OperationStatus reports the current state of a submitted operation.
type OperationStatus struct {
	State         OperationState
	TransactionID string
	Confirmations int
	ErrorCode     int
	ErrorMessage  string
}

// Terminal reports whether the backend will not change this state again.
func (s OperationStatus) Terminal() bool {
	return s.State == StateCompleted || s.State == StateFailed
}

// Backend submits shielded transactions and reports their status.
type Backend interface {
	Submit(ctx context.Context, fromAddress, toAddress string, amountZat int64, memo string) (string, error)
	Status(ctx context.Context, operationID string) (OperationStatus, error)
}
