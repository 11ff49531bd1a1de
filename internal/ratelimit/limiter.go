package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"shieldgate/internal/errs"
	"shieldgate/internal/usage"
	"shieldgate/internal/zec"
)

// Policy expresses the windowed quota rules. A request is admitted only if
// every rule passes.
type Policy struct {
	MaxCountPerWindow     int
	MaxAmountZatPerWindow int64
	WindowLength          time.Duration
	// CountRejected keeps the provisional reservation even when a later
	// admission stage rejects the request.
	CountRejected bool
}

func (p Policy) validate() error {
	if p.MaxCountPerWindow <= 0 {
		return errs.New(errs.CodeConfig, "rate_limit.max_count_per_window must be positive")
	}
	if p.MaxAmountZatPerWindow <= 0 {
		return errs.New(errs.CodeConfig, "rate_limit.max_amount_per_window must be positive")
	}
	if p.WindowLength <= 0 {
		return errs.New(errs.CodeConfig, "rate_limit.window_length must be positive")
	}
	return nil
}

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
	Usage      usage.Snapshot
}

// Limiter admits or rejects withdrawals against the current usage window.
type Limiter struct {
	mu     sync.RWMutex
	policy Policy

	store  usage.Store
	locks  *usage.KeyedMutex
	logger zerolog.Logger
	now    func() time.Time
}

// NewLimiter wires a limiter over a usage store and the shared per-user
// lock table.
func NewLimiter(policy Policy, store usage.Store, locks *usage.KeyedMutex, logger zerolog.Logger) (*Limiter, error) {
	if err := policy.validate(); err != nil {
		return nil, err
	}
	return &Limiter{
		policy: policy,
		store:  store,
		locks:  locks,
		logger: logger.With().Str("component", "ratelimit").Logger(),
		now:    time.Now,
	}, nil
}

// Policy returns the active quota rules.
func (l *Limiter) Policy() Policy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.policy
}

// SetPolicy hot-swaps the quota rules between requests.
func (l *Limiter) SetPolicy(policy Policy) error {
	if err := policy.validate(); err != nil {
		return err
	}
	l.mu.Lock()
	l.policy = policy
	l.mu.Unlock()
	l.logger.Info().
		Int("max_count", policy.MaxCountPerWindow).
		Int64("max_amount_zat", policy.MaxAmountZatPerWindow).
		Dur("window", policy.WindowLength).
		Msg("rate limit policy updated")
	return nil
}

// Check evaluates the quotas read-only under the user lock. It does not
// reserve usage; the admission chain uses Reserve for that.
func (l *Limiter) Check(ctx context.Context, userID string, amountZat int64) (Result, error) {
	unlock := l.locks.Lock(userID)
	defer unlock()

	snap, err := l.Snapshot(ctx, userID, l.now().UTC())
	if err != nil {
		return Result{}, err
	}
	return Evaluate(l.Policy(), snap, amountZat), nil
}

// Reserve evaluates the quotas and, when allowed, provisionally records the
// usage so a concurrent burst from the same user cannot all pass before any
// commits. The caller must hold the per-user lock.
func (l *Limiter) Reserve(ctx context.Context, userID string, amountZat int64, now time.Time) (Result, *Reservation, error) {
	snap, err := l.Snapshot(ctx, userID, now)
	if err != nil {
		return Result{}, nil, err
	}

	policy := l.Policy()
	res := Evaluate(policy, snap, amountZat)
	if !res.Allowed {
		return res, nil, nil
	}

	id, err := l.store.AppendEntry(ctx, usage.Entry{
		UserID:    userID,
		AmountZat: amountZat,
		At:        now,
	})
	if err != nil {
		return Result{}, nil, fmt.Errorf("reserve usage: %w", err)
	}
	return res, &Reservation{store: l.store, id: id, keepOnReject: policy.CountRejected}, nil
}

// ReleaseEntry rolls a provisional usage entry back by ID. Used when a
// withdrawal is cancelled after admission but before submission, where
// no live Reservation handle exists anymore.
func (l *Limiter) ReleaseEntry(ctx context.Context, entryID int64) error {
	if err := l.store.DeleteEntry(ctx, entryID); err != nil {
		return fmt.Errorf("roll back reservation: %w", err)
	}
	return nil
}

// Snapshot folds the user's stored entries into the current window.
func (l *Limiter) Snapshot(ctx context.Context, userID string, now time.Time) (usage.Snapshot, error) {
	window := l.Policy().WindowLength
	entries, err := l.store.ListEntriesSince(ctx, userID, now.Add(-window))
	if err != nil {
		return usage.Snapshot{}, fmt.Errorf("list usage entries: %w", err)
	}
	return usage.SnapshotAt(userID, entries, now, window), nil
}

// Evaluate applies the quota rules to a snapshot. Pure: identical inputs
// always yield identical results.
func Evaluate(policy Policy, snap usage.Snapshot, amountZat int64) Result {
	res := Result{Allowed: true, Usage: snap}

	if snap.Count+1 > policy.MaxCountPerWindow {
		res.Allowed = false
		res.Reason = fmt.Sprintf("count quota exhausted: %d of %d withdrawals used in window", snap.Count, policy.MaxCountPerWindow)
	} else if snap.TotalZat+amountZat > policy.MaxAmountZatPerWindow {
		res.Allowed = false
		res.Reason = fmt.Sprintf("amount quota exhausted: %s of %s ZEC used in window",
			zec.FormatZEC(snap.TotalZat), zec.FormatZEC(policy.MaxAmountZatPerWindow))
	}

	if !res.Allowed && !snap.OldestAt.IsZero() {
		if wait := snap.OldestAt.Add(policy.WindowLength).Sub(snap.WindowEnd); wait > 0 {
			res.RetryAfter = wait
		}
	}
	return res
}
