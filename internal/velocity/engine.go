package velocity

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

// WindowThreshold caps activity inside one rolling lookback window.
type WindowThreshold struct {
	Window       time.Duration
	MaxCount     int
	MaxAmountZat int64
}

// Weights are the fixed score increments contributed by each breached
// threshold. The scoring function is a documented weighted-rule table, not
// a black box: the same breaches always produce the same score.
type Weights struct {
	CountBreach  int
	AmountBreach int
	RatioBreach  int
}

// Thresholds configure the risk engine.
type Thresholds struct {
	// RiskCeiling fails the check once the score reaches it (inclusive).
	RiskCeiling int
	Weights     Weights
	Windows     []WindowThreshold
	// AmountRatioLimit breaches when the requested amount reaches this
	// multiple of the user's historical per-withdrawal average.
	AmountRatioLimit float64
}

func (t Thresholds) validate() error {
	if t.RiskCeiling <= 0 || t.RiskCeiling > 100 {
		return errs.New(errs.CodeConfig, "velocity.risk_ceiling must be in (0, 100]")
	}
	if len(t.Windows) == 0 {
		return errs.New(errs.CodeConfig, "velocity.windows must not be empty")
	}
	for _, w := range t.Windows {
		if w.Window <= 0 {
			return errs.New(errs.CodeConfig, "velocity window length must be positive")
		}
		if w.MaxCount <= 0 || w.MaxAmountZat <= 0 {
			return errs.New(errs.CodeConfig, "velocity window limits must be positive")
		}
	}
	return nil
}

func (t Thresholds) longestWindow() time.Duration {
	longest := time.Duration(0)
	for _, w := range t.Windows {
		if w.Window > longest {
			longest = w.Window
		}
	}
	return longest
}

// Result is the outcome of a velocity check.
type Result struct {
	Passed     bool
	RiskScore  int
	Velocity   map[string]usage.Snapshot
	Thresholds Thresholds
	Reason     string
}

// Engine scores withdrawal velocity against configured thresholds.
type Engine struct {
	mu         sync.RWMutex
	thresholds Thresholds

	store  usage.Store
	locks  *usage.KeyedMutex
	logger zerolog.Logger
	now    func() time.Time
}

// NewEngine wires a velocity engine over the shared usage store.
func NewEngine(thresholds Thresholds, store usage.Store, locks *usage.KeyedMutex, logger zerolog.Logger) (*Engine, error) {
	if err := thresholds.validate(); err != nil {
		return nil, err
	}
	return &Engine{
		thresholds: thresholds,
		store:      store,
		locks:      locks,
		logger:     logger.With().Str("component", "velocity").Logger(),
		now:        time.Now,
	}, nil
}

// Thresholds returns the active thresholds.
func (e *Engine) Thresholds() Thresholds {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.thresholds
}

// SetThresholds hot-swaps thresholds between requests.
func (e *Engine) SetThresholds(t Thresholds) error {
	if err := t.validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.thresholds = t
	e.mu.Unlock()
	e.logger.Info().Int("risk_ceiling", t.RiskCeiling).Msg("velocity thresholds updated")
	return nil
}

// Check runs a standalone velocity check under the user lock.
func (e *Engine) Check(ctx context.Context, userID string, amountZat int64) (Result, error) {
	unlock := e.locks.Lock(userID)
	defer unlock()
	return e.Assess(ctx, userID, amountZat, e.now().UTC(), 0)
}

// Assess snapshots the user's history and scores the candidate request.
// The caller must hold the per-user lock. excludeEntry names the
// candidate's own provisional reservation, which must not count as
// history; Evaluate already accounts for the candidate itself.
func (e *Engine) Assess(ctx context.Context, userID string, amountZat int64, now time.Time, excludeEntry int64) (Result, error) {
	thresholds := e.Thresholds()

	entries, err := e.store.ListEntriesSince(ctx, userID, now.Add(-thresholds.longestWindow()))
	if err != nil {
		return Result{}, fmt.Errorf("list usage entries: %w", err)
	}
	if excludeEntry > 0 {
		kept := entries[:0]
		for _, entry := range entries {
			if entry.ID != excludeEntry {
				kept = append(kept, entry)
			}
		}
		entries = kept
	}

	snaps := make(map[string]usage.Snapshot, len(thresholds.Windows))
	for _, w := range thresholds.Windows {
		snaps[windowLabel(w.Window)] = usage.SnapshotAt(userID, entries, now, w.Window)
	}

	return Evaluate(thresholds, snaps, amountZat), nil
}

// Evaluate applies the weighted-rule scoring to window snapshots. Pure and
// deterministic: a report is exactly reproducible from the same inputs.
func Evaluate(thresholds Thresholds, snaps map[string]usage.Snapshot, amountZat int64) Result {
	res := Result{Velocity: snaps, Thresholds: thresholds}

	score := 0
	var firstReason string
	breach := func(weight int, reason string) {
		score += weight
		if firstReason == "" {
			firstReason = reason
		}
	}

	for _, w := range thresholds.Windows {
		label := windowLabel(w.Window)
		snap, ok := snaps[label]
		if !ok {
			continue
		}
		// Boundary values breach (inclusive).
		if snap.Count+1 >= w.MaxCount {
			breach(thresholds.Weights.CountBreach,
				fmt.Sprintf("withdrawal count near limit in %s window (%d of %d)", label, snap.Count+1, w.MaxCount))
		}
		if snap.TotalZat+amountZat >= w.MaxAmountZat {
			breach(thresholds.Weights.AmountBreach,
				fmt.Sprintf("withdrawal volume near limit in %s window (%s of %s ZEC)",
					label, zec.FormatZEC(snap.TotalZat+amountZat), zec.FormatZEC(w.MaxAmountZat)))
		}
	}

	if thresholds.AmountRatioLimit > 0 {
		if avg, ok := historicalAverage(thresholds, snaps); ok && avg > 0 {
			ratio := float64(amountZat) / float64(avg)
			if ratio >= thresholds.AmountRatioLimit {
				breach(thresholds.Weights.RatioBreach,
					fmt.Sprintf("amount is %.1fx the historical average (limit %.1fx)", ratio, thresholds.AmountRatioLimit))
			}
		}
	}

	if score > 100 {
		score = 100
	}
	res.RiskScore = score
	res.Passed = score < thresholds.RiskCeiling
	if !res.Passed {
		res.Reason = firstReason
	}
	return res
}

// historicalAverage derives the per-withdrawal average over the longest
// configured window.
func historicalAverage(thresholds Thresholds, snaps map[string]usage.Snapshot) (int64, bool) {
	snap, ok := snaps[windowLabel(thresholds.longestWindow())]
	if !ok || snap.Count == 0 {
		return 0, false
	}
	return snap.TotalZat / int64(snap.Count), true
}

func windowLabel(d time.Duration) string {
	if d%(24*time.Hour) == 0 {
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	}
	if d%time.Hour == 0 {
		return fmt.Sprintf("%dh", d/time.Hour)
	}
	return d.String()
}
