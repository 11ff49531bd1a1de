// Package usage holds the durable per-user counters behind rate limiting
// and velocity scoring.
package usage

import (
	"context"
	"time"
)

// Entry is one recorded withdrawal attempt for a user. Entries start as
// provisional reservations and are committed once the admission chain
// completes; rolled-back reservations are deleted.
type Entry struct {
	ID        int64
	UserID    string
	AmountZat int64
	At        time.Time
	Committed bool
}

// Store persists usage entries. Implementations must keep entries ordered
// and consistent under the per-user serialization discipline enforced by
// KeyedMutex; they do not lock themselves.
type Store interface {
	AppendEntry(ctx context.Context, entry Entry) (int64, error)
	CommitEntry(ctx context.Context, id int64) error
	DeleteEntry(ctx context.Context, id int64) error
	ListEntriesSince(ctx context.Context, userID string, since time.Time) ([]Entry, error)
	ListStaleReservations(ctx context.Context, olderThan time.Time) ([]Entry, error)
	DeleteEntriesBefore(ctx context.Context, cutoff time.Time) error
}

// Snapshot summarises a user's activity inside one window.
type Snapshot struct {
	UserID      string    `json:"userId"`
	Count       int       `json:"count"`
	TotalZat    int64     `json:"totalZatoshis"`
	OldestAt    time.Time `json:"oldestAt,omitzero"`
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`
}

// SnapshotAt folds entries into a window ending at now. Entries at the
// window boundary count as inside it.
func SnapshotAt(userID string, entries []Entry, now time.Time, window time.Duration) Snapshot {
	start := now.Add(-window)
	snap := Snapshot{UserID: userID, WindowStart: start, WindowEnd: now}

	for _, e := range entries {
		if e.At.Before(start) {
			continue
		}
		snap.Count++
		snap.TotalZat += e.AmountZat
		if snap.OldestAt.IsZero() || e.At.Before(snap.OldestAt) {
			snap.OldestAt = e.At
		}
	}
	return snap
}
