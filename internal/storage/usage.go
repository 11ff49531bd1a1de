package storage

import (
	"context"
	"fmt"
	"time"

	"shieldgate/internal/usage"
)

const (
	insertUsageEntrySQL = `INSERT INTO usage_entries (user_id, amount_zat, at, committed)
    VALUES ($1, $2, $3, FALSE)
    RETURNING id;`

	commitUsageEntrySQL = `UPDATE usage_entries SET committed = TRUE WHERE id = $1;`

	deleteUsageEntrySQL = `DELETE FROM usage_entries WHERE id = $1;`

	listUsageEntriesSinceSQL = `SELECT id, user_id, amount_zat, at, committed
    FROM usage_entries
    WHERE user_id = $1 AND at >= $2
    ORDER BY at;`

	listStaleReservationsSQL = `SELECT id, user_id, amount_zat, at, committed
    FROM usage_entries
    WHERE committed = FALSE AND at < $1
    ORDER BY at;`

	deleteUsageEntriesBeforeSQL = `DELETE FROM usage_entries WHERE at < $1;`
)

// AppendEntry records a provisional usage reservation.
func (s *Store) AppendEntry(ctx context.Context, entry usage.Entry) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var id int64
	if err := pool.QueryRow(ctx, insertUsageEntrySQL, entry.UserID, entry.AmountZat, entry.At).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert usage entry: %w", err)
	}
	return id, nil
}

// CommitEntry confirms a reservation.
func (s *Store) CommitEntry(ctx context.Context, id int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, commitUsageEntrySQL, id); err != nil {
		return fmt.Errorf("commit usage entry: %w", err)
	}
	return nil
}

// DeleteEntry rolls a reservation back.
func (s *Store) DeleteEntry(ctx context.Context, id int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, deleteUsageEntrySQL, id); err != nil {
		return fmt.Errorf("delete usage entry: %w", err)
	}
	return nil
}

// ListEntriesSince lists a user's entries at or after since.
func (s *Store) ListEntriesSince(ctx context.Context, userID string, since time.Time) ([]usage.Entry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listUsageEntriesSinceSQL, userID, since)
	if queryErr != nil {
		return nil, fmt.Errorf("list usage entries: %w", queryErr)
	}
	defer rows.Close()

	entries := make([]usage.Entry, 0)
	for rows.Next() {
		var e usage.Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.AmountZat, &e.At, &e.Committed); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListStaleReservations lists uncommitted reservations older than the
// cutoff, left behind by a crash between admission and submission.
func (s *Store) ListStaleReservations(ctx context.Context, olderThan time.Time) ([]usage.Entry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listStaleReservationsSQL, olderThan)
	if queryErr != nil {
		return nil, fmt.Errorf("list stale reservations: %w", queryErr)
	}
	defer rows.Close()

	entries := make([]usage.Entry, 0)
	for rows.Next() {
		var e usage.Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.AmountZat, &e.At, &e.Committed); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteEntriesBefore prunes expired entries. Their effects are already
// captured in emitted compliance events.
func (s *Store) DeleteEntriesBefore(ctx context.Context, cutoff time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, deleteUsageEntriesBeforeSQL, cutoff); err != nil {
		return fmt.Errorf("delete usage entries: %w", err)
	}
	return nil
}

var _ usage.Store = (*Store)(nil)
