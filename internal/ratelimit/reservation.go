package ratelimit

import (
	"context"
	"fmt"

	"shieldgate/internal/usage"
)

// Reservation is a provisionally recorded usage entry. It is confirmed
// once the admission chain completes and rolled back when a later stage
// rejects or fails, unless policy counts rejected attempts too.
type Reservation struct {
	store        usage.Store
	id           int64
	keepOnReject bool
	settled      bool
}

// ID is the durable usage entry backing this reservation.
func (r *Reservation) ID() int64 { return r.id }

// Commit confirms the reservation.
func (r *Reservation) Commit(ctx context.Context) error {
	if r == nil || r.settled {
		return nil
	}
	r.settled = true
	if err := r.store.CommitEntry(ctx, r.id); err != nil {
		return fmt.Errorf("commit reservation: %w", err)
	}
	return nil
}

// Release settles the reservation after a downstream rejection or failure:
// committed when policy counts rejected attempts, deleted otherwise.
// Safe to run concurrently with fresh reservations for the same user.
func (r *Reservation) Release(ctx context.Context) error {
	if r == nil || r.settled {
		return nil
	}
	if r.keepOnReject {
		return r.Commit(ctx)
	}
	r.settled = true
	if err := r.store.DeleteEntry(ctx, r.id); err != nil {
		return fmt.Errorf("roll back reservation: %w", err)
	}
	return nil
}
