package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"shieldgate/internal/ledger"
	"shieldgate/internal/usage"
	"shieldgate/internal/withdraw"
)

// Memory implements the same store interfaces as Store without a
// database. Used when database.dsn is not configured and throughout the
// test suites. Not durable: restart loses state.
type Memory struct {
	mu         sync.Mutex
	nextUsage  int64
	entries    map[int64]usage.Entry
	records    map[string]withdraw.Record
	events     []ledger.Event
	eventIndex map[int64]int
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries:    make(map[int64]usage.Entry),
		records:    make(map[string]withdraw.Record),
		eventIndex: make(map[int64]int),
	}
}

// --- usage.Store ---

func (m *Memory) AppendEntry(_ context.Context, entry usage.Entry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextUsage++
	entry.ID = m.nextUsage
	m.entries[entry.ID] = entry
	return entry.ID, nil
}

func (m *Memory) CommitEntry(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		e.Committed = true
		m.entries[id] = e
	}
	return nil
}

func (m *Memory) DeleteEntry(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

func (m *Memory) ListEntriesSince(_ context.Context, userID string, since time.Time) ([]usage.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]usage.Entry, 0)
	for _, e := range m.entries {
		if e.UserID == userID && !e.At.Before(since) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func (m *Memory) ListStaleReservations(_ context.Context, olderThan time.Time) ([]usage.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]usage.Entry, 0)
	for _, e := range m.entries {
		if !e.Committed && e.At.Before(olderThan) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func (m *Memory) DeleteEntriesBefore(_ context.Context, cutoff time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		if e.At.Before(cutoff) {
			delete(m.entries, id)
		}
	}
	return nil
}

// --- withdraw.Store ---

func (m *Memory) CreateRecord(_ context.Context, record withdraw.Record) (bool, withdraw.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.records[record.RequestID]; ok {
		return false, existing, nil
	}
	m.records[record.RequestID] = record
	return true, record, nil
}

func (m *Memory) UpdateRecord(_ context.Context, record withdraw.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.RequestID] = record
	return nil
}

func (m *Memory) GetRecord(_ context.Context, requestID string) (*withdraw.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[requestID]; ok {
		copied := rec
		return &copied, nil
	}
	return nil, nil
}

func (m *Memory) GetRecordByTransactionID(_ context.Context, txID string) (*withdraw.Record, error) {
	if txID == "" {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.TransactionID == txID {
			copied := rec
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListInFlight(_ context.Context) ([]withdraw.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]withdraw.Record, 0)
	for _, rec := range m.records {
		if rec.State == withdraw.StateSubmitted || rec.State == withdraw.StateProcessing {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListRecentRecords(_ context.Context, limit int) ([]withdraw.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]withdraw.Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- ledger.Store ---

func (m *Memory) InsertEvent(_ context.Context, event ledger.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventIndex[event.Sequence] = len(m.events)
	m.events = append(m.events, event)
	return nil
}

func (m *Memory) LastEvent(_ context.Context) (*ledger.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil, nil
	}
	last := m.events[len(m.events)-1]
	return &last, nil
}

func (m *Memory) ListEventsRange(_ context.Context, fromSeq, toSeq int64) ([]ledger.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ledger.Event, 0)
	for _, e := range m.events {
		if e.Sequence >= fromSeq && e.Sequence <= toSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) ListEventsBetween(_ context.Context, start, end time.Time) ([]ledger.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ledger.Event, 0)
	for _, e := range m.events {
		if !e.Timestamp.Before(start) && e.Timestamp.Before(end) {
			out = append(out, e)
		}
	}
	return out, nil
}

// TamperEvent overwrites a stored payload in place. Only for integrity
// tests; the SQL store has no equivalent.
func (m *Memory) TamperEvent(seq int64, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx, ok := m.eventIndex[seq]; ok {
		m.events[idx].Payload = payload
	}
}

var (
	_ usage.Store    = (*Memory)(nil)
	_ withdraw.Store = (*Memory)(nil)
	_ ledger.Store   = (*Memory)(nil)
)
