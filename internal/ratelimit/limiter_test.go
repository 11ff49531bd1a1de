package ratelimit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"shieldgate/internal/ratelimit"
	"shieldgate/internal/storage"
	"shieldgate/internal/usage"
)

func testPolicy() ratelimit.Policy {
	return ratelimit.Policy{
		MaxCountPerWindow:     5,
		MaxAmountZatPerWindow: 100 * 100_000_000,
		WindowLength:          24 * time.Hour,
	}
}

func newTestLimiter(t *testing.T, policy ratelimit.Policy) (*ratelimit.Limiter, *storage.Memory, *usage.KeyedMutex) {
	t.Helper()
	mem := storage.NewMemory()
	locks := usage.NewKeyedMutex()
	limiter, err := ratelimit.NewLimiter(policy, mem, locks, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewLimiter: %v", err)
	}
	return limiter, mem, locks
}

func TestNewLimiterRejectsInvalidPolicy(t *testing.T) {
	mem := storage.NewMemory()
	if _, err := ratelimit.NewLimiter(ratelimit.Policy{MaxCountPerWindow: 0, MaxAmountZatPerWindow: 1, WindowLength: time.Hour}, mem, usage.NewKeyedMutex(), zerolog.Nop()); err == nil {
		t.Fatal("zero count quota should be rejected")
	}
	if _, err := ratelimit.NewLimiter(ratelimit.Policy{MaxCountPerWindow: 1, MaxAmountZatPerWindow: 1, WindowLength: 0}, mem, usage.NewKeyedMutex(), zerolog.Nop()); err == nil {
		t.Fatal("zero window should be rejected")
	}
}

func TestEvaluateCountQuota(t *testing.T) {
	policy := testPolicy()
	now := time.Now().UTC()

	snap := usage.Snapshot{UserID: "u1", Count: 4, TotalZat: 10, WindowEnd: now}
	if res := ratelimit.Evaluate(policy, snap, 1); !res.Allowed {
		t.Fatalf("5th withdrawal should pass: %s", res.Reason)
	}

	snap.Count = 5
	res := ratelimit.Evaluate(policy, snap, 1)
	if res.Allowed {
		t.Fatal("6th withdrawal should be rejected")
	}
	if res.Reason == "" {
		t.Fatal("rejection must carry a reason")
	}
}

func TestEvaluateAmountQuota(t *testing.T) {
	policy := testPolicy()
	snap := usage.Snapshot{UserID: "u1", Count: 1, TotalZat: 99 * 100_000_000}

	if res := ratelimit.Evaluate(policy, snap, 100_000_000); !res.Allowed {
		t.Fatalf("exact quota fill should pass: %s", res.Reason)
	}
	if res := ratelimit.Evaluate(policy, snap, 100_000_001); res.Allowed {
		t.Fatal("quota overshoot should be rejected")
	}
}

func TestEvaluateRetryAfter(t *testing.T) {
	policy := testPolicy()
	now := time.Now().UTC()
	oldest := now.Add(-23 * time.Hour)

	snap := usage.Snapshot{UserID: "u1", Count: 5, TotalZat: 10, OldestAt: oldest, WindowEnd: now}
	res := ratelimit.Evaluate(policy, snap, 1)
	if res.Allowed {
		t.Fatal("expected rejection")
	}
	if res.RetryAfter <= 0 || res.RetryAfter > time.Hour {
		t.Fatalf("retry-after should be about an hour, got %s", res.RetryAfter)
	}
}

func TestReserveExhaustsQuota(t *testing.T) {
	limiter, _, _ := newTestLimiter(t, testPolicy())
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		res, reservation, err := limiter.Reserve(ctx, "u1", 100_000_000, now)
		if err != nil {
			t.Fatalf("Reserve %d: %v", i, err)
		}
		if !res.Allowed || reservation == nil {
			t.Fatalf("withdrawal %d should be admitted: %s", i, res.Reason)
		}
		if err := reservation.Commit(ctx); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}

	res, reservation, err := limiter.Reserve(ctx, "u1", 100_000_000, now)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.Allowed || reservation != nil {
		t.Fatal("6th withdrawal should be rejected without a reservation")
	}
	if res.RetryAfter <= 0 {
		t.Fatalf("retry-after must be positive, got %s", res.RetryAfter)
	}

	// Other users are unaffected.
	other, _, err := limiter.Reserve(ctx, "u2", 100_000_000, now)
	if err != nil {
		t.Fatalf("Reserve u2: %v", err)
	}
	if !other.Allowed {
		t.Fatalf("u2 should be admitted: %s", other.Reason)
	}
}

func TestReleaseRestoresQuota(t *testing.T) {
	policy := testPolicy()
	policy.MaxCountPerWindow = 1
	limiter, _, _ := newTestLimiter(t, policy)
	ctx := context.Background()
	now := time.Now().UTC()

	_, reservation, err := limiter.Reserve(ctx, "u1", 1, now)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := reservation.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}

	res, _, err := limiter.Reserve(ctx, "u1", 1, now)
	if err != nil {
		t.Fatalf("Reserve after release: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("rolled back reservation should not count: %s", res.Reason)
	}
}

func TestReleaseEntryRestoresQuota(t *testing.T) {
	policy := testPolicy()
	policy.MaxCountPerWindow = 1
	limiter, _, _ := newTestLimiter(t, policy)
	ctx := context.Background()
	now := time.Now().UTC()

	_, reservation, err := limiter.Reserve(ctx, "u1", 1, now)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	// Rollback by entry ID, without the reservation handle.
	if err := limiter.ReleaseEntry(ctx, reservation.ID()); err != nil {
		t.Fatalf("ReleaseEntry: %v", err)
	}

	res, _, err := limiter.Reserve(ctx, "u1", 1, now)
	if err != nil {
		t.Fatalf("Reserve after rollback: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("rolled back entry should not count: %s", res.Reason)
	}
}

func TestCountRejectedKeepsUsage(t *testing.T) {
	policy := testPolicy()
	policy.MaxCountPerWindow = 2
	policy.CountRejected = true
	limiter, _, _ := newTestLimiter(t, policy)
	ctx := context.Background()
	now := time.Now().UTC()

	_, reservation, err := limiter.Reserve(ctx, "u1", 1, now)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := reservation.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}

	snap, err := limiter.Snapshot(ctx, "u1", now)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Count != 1 {
		t.Fatalf("released reservation should still count, snapshot count = %d", snap.Count)
	}
}

func TestConcurrentBurstAdmitsExactlyQuota(t *testing.T) {
	policy := testPolicy()
	policy.MaxCountPerWindow = 3
	limiter, _, locks := newTestLimiter(t, policy)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("u1")
			defer unlock()

			res, reservation, err := limiter.Reserve(ctx, "u1", 1, time.Now().UTC())
			if err != nil {
				t.Errorf("Reserve: %v", err)
				return
			}
			if res.Allowed {
				if err := reservation.Commit(ctx); err != nil {
					t.Errorf("Commit: %v", err)
					return
				}
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 3 {
		t.Fatalf("burst of 10 should admit exactly 3, admitted %d", admitted)
	}
}

func TestWindowExpiryFreesQuota(t *testing.T) {
	policy := testPolicy()
	policy.MaxCountPerWindow = 1
	limiter, mem, _ := newTestLimiter(t, policy)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := mem.AppendEntry(ctx, usage.Entry{UserID: "u1", AmountZat: 1, At: now.Add(-25 * time.Hour), Committed: true}); err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}

	res, _, err := limiter.Reserve(ctx, "u1", 1, now)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("entry outside the window should not count: %s", res.Reason)
	}
}

func TestSetPolicyHotReload(t *testing.T) {
	limiter, _, _ := newTestLimiter(t, testPolicy())

	updated := testPolicy()
	updated.MaxCountPerWindow = 1
	if err := limiter.SetPolicy(updated); err != nil {
		t.Fatalf("SetPolicy: %v", err)
	}
	if got := limiter.Policy().MaxCountPerWindow; got != 1 {
		t.Fatalf("policy not applied, max count = %d", got)
	}

	invalid := testPolicy()
	invalid.WindowLength = -time.Hour
	if err := limiter.SetPolicy(invalid); err == nil {
		t.Fatal("invalid policy should be rejected")
	}
}
