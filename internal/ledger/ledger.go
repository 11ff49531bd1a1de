package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AlertFunc receives critical events after they are durably appended.
type AlertFunc func(Event)

// Ledger is the append-only, hash-chained compliance log. Appends are
// serialized on a single linear point; reads are unrestricted.
type Ledger struct {
	mu       sync.Mutex
	store    Store
	logger   zerolog.Logger
	now      func() time.Time
	lastSeq  int64
	lastHash string
	loaded   bool
	alert    AlertFunc
}

// New wires a ledger over durable event storage.
func New(store Store, logger zerolog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger.With().Str("component", "ledger").Logger(),
		now:    time.Now,
	}
}

// SetAlertFunc registers a hook for critical events.
func (l *Ledger) SetAlertFunc(f AlertFunc) {
	l.mu.Lock()
	l.alert = f
	l.mu.Unlock()
}

// Append records one event and returns its sequence number. Timestamps are
// truncated to microseconds so the stored value round-trips through the
// database and reproduces the hash exactly.
func (l *Ledger) Append(ctx context.Context, typ EventType, severity Severity, payload any) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}

	l.mu.Lock()
	event, appendErr := l.appendLocked(ctx, typ, severity, raw)
	alert := l.alert
	l.mu.Unlock()

	if appendErr != nil {
		return 0, appendErr
	}

	if severity == SeverityCritical && alert != nil {
		alert(event)
	}
	return event.Sequence, nil
}

func (l *Ledger) appendLocked(ctx context.Context, typ EventType, severity Severity, raw json.RawMessage) (Event, error) {
	if err := l.loadTailLocked(ctx); err != nil {
		return Event{}, err
	}

	event := Event{
		Sequence:  l.lastSeq + 1,
		Timestamp: l.now().UTC().Truncate(time.Microsecond),
		Type:      typ,
		Severity:  severity,
		Payload:   raw,
		PrevHash:  l.lastHash,
	}

	hash, err := ComputeHash(event.PrevHash, event.Sequence, event.Timestamp, event.Type, event.Severity, event.Payload)
	if err != nil {
		return Event{}, err
	}
	event.Hash = hash

	if err := l.store.InsertEvent(ctx, event); err != nil {
		return Event{}, fmt.Errorf("append compliance event: %w", err)
	}

	l.lastSeq = event.Sequence
	l.lastHash = event.Hash

	l.logger.Debug().
		Int64("sequence", event.Sequence).
		Str("type", string(typ)).
		Str("severity", string(severity)).
		Msg("compliance event appended")
	return event, nil
}

func (l *Ledger) loadTailLocked(ctx context.Context) error {
	if l.loaded {
		return nil
	}
	last, err := l.store.LastEvent(ctx)
	if err != nil {
		return fmt.Errorf("load ledger tail: %w", err)
	}
	if last == nil {
		l.lastSeq = 0
		l.lastHash = GenesisHash
	} else {
		l.lastSeq = last.Sequence
		l.lastHash = last.Hash
	}
	l.loaded = true
	return nil
}

// IntegrityResult summarises a chain verification run.
type IntegrityResult struct {
	Valid               bool   `json:"valid"`
	CheckedEvents       int64  `json:"checkedEvents"`
	FirstBrokenSequence *int64 `json:"firstBrokenSequence,omitempty"`
	Detail              string `json:"detail,omitempty"`
}

// VerifyIntegrity recomputes the hash chain over [fromSeq, toSeq] and
// reports the first mismatch. It needs nothing beyond the stored events
// and the genesis hash, so it can be re-run at any time.
func (l *Ledger) VerifyIntegrity(ctx context.Context, fromSeq, toSeq int64) (IntegrityResult, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}

	events, err := l.store.ListEventsRange(ctx, fromSeq, toSeq)
	if err != nil {
		return IntegrityResult{}, fmt.Errorf("list events for verification: %w", err)
	}
	if len(events) == 0 {
		return IntegrityResult{Valid: true}, nil
	}

	prevHash := GenesisHash
	if fromSeq > 1 {
		before, err := l.store.ListEventsRange(ctx, fromSeq-1, fromSeq-1)
		if err != nil {
			return IntegrityResult{}, fmt.Errorf("load chain predecessor: %w", err)
		}
		if len(before) != 1 {
			return broken(fromSeq, 0, "predecessor event missing"), nil
		}
		prevHash = before[0].Hash
	}

	expectedSeq := fromSeq
	for i, event := range events {
		if event.Sequence != expectedSeq {
			return broken(expectedSeq, int64(i), fmt.Sprintf("sequence gap: expected %d, found %d", expectedSeq, event.Sequence)), nil
		}
		if event.PrevHash != prevHash {
			return broken(event.Sequence, int64(i), "prev_hash does not match predecessor"), nil
		}
		recomputed, err := ComputeHash(event.PrevHash, event.Sequence, event.Timestamp, event.Type, event.Severity, event.Payload)
		if err != nil {
			return IntegrityResult{}, err
		}
		if recomputed != event.Hash {
			return broken(event.Sequence, int64(i), "stored hash does not match recomputed hash"), nil
		}
		prevHash = event.Hash
		expectedSeq++
	}

	return IntegrityResult{Valid: true, CheckedEvents: int64(len(events))}, nil
}

func broken(seq, checked int64, detail string) IntegrityResult {
	s := seq
	return IntegrityResult{CheckedEvents: checked, FirstBrokenSequence: &s, Detail: detail}
}
