package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"shieldgate/internal/ledger"
)

const (
	insertEventSQL = `INSERT INTO compliance_events (
        sequence, ts, type, severity, payload, prev_hash, hash
    ) VALUES ($1,$2,$3,$4,$5,$6,$7);`

	lastEventSQL = `SELECT sequence, ts, type, severity, payload, prev_hash, hash
    FROM compliance_events
    ORDER BY sequence DESC
    LIMIT 1;`

	listEventsRangeSQL = `SELECT sequence, ts, type, severity, payload, prev_hash, hash
    FROM compliance_events
    WHERE sequence >= $1 AND sequence <= $2
    ORDER BY sequence;`

	listEventsBetweenSQL = `SELECT sequence, ts, type, severity, payload, prev_hash, hash
    FROM compliance_events
    WHERE ts >= $1 AND ts < $2
    ORDER BY sequence;`
)

// InsertEvent appends one compliance event. The sequence primary key
// rejects duplicates, so a racing second writer fails loudly instead of
// forking the chain.
func (s *Store) InsertEvent(ctx context.Context, event ledger.Event) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertEventSQL,
		event.Sequence,
		event.Timestamp,
		string(event.Type),
		string(event.Severity),
		string(event.Payload),
		event.PrevHash,
		event.Hash,
	)
	if execErr != nil {
		return fmt.Errorf("insert compliance event: %w", execErr)
	}
	return nil
}

// LastEvent returns the chain tail, nil when the ledger is empty.
func (s *Store) LastEvent(ctx context.Context) (*ledger.Event, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, lastEventSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("load last compliance event: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	event, scanErr := scanEvent(rows)
	if scanErr != nil {
		return nil, scanErr
	}
	return &event, rows.Err()
}

// ListEventsRange lists events with sequence in [fromSeq, toSeq].
func (s *Store) ListEventsRange(ctx context.Context, fromSeq, toSeq int64) ([]ledger.Event, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listEventsRangeSQL, fromSeq, toSeq)
	if queryErr != nil {
		return nil, fmt.Errorf("list compliance events: %w", queryErr)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// ListEventsBetween lists events with timestamp in [start, end).
func (s *Store) ListEventsBetween(ctx context.Context, start, end time.Time) ([]ledger.Event, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listEventsBetweenSQL, start, end)
	if queryErr != nil {
		return nil, fmt.Errorf("list compliance events: %w", queryErr)
	}
	defer rows.Close()

	return collectEvents(rows)
}

func collectEvents(rows pgx.Rows) ([]ledger.Event, error) {
	events := make([]ledger.Event, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func scanEvent(rows pgx.Rows) (ledger.Event, error) {
	var (
		event    ledger.Event
		typ      string
		severity string
		payload  string
	)

	if err := rows.Scan(
		&event.Sequence,
		&event.Timestamp,
		&typ,
		&severity,
		&payload,
		&event.PrevHash,
		&event.Hash,
	); err != nil {
		return ledger.Event{}, err
	}

	event.Type = ledger.EventType(typ)
	event.Severity = ledger.Severity(severity)
	event.Payload = json.RawMessage(payload)
	event.Timestamp = event.Timestamp.UTC()
	return event, nil
}

var _ ledger.Store = (*Store)(nil)
