package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"shieldgate/internal/backend"
	"shieldgate/internal/config"
	"shieldgate/internal/fees"
	"shieldgate/internal/ledger"
	"shieldgate/internal/ratelimit"
	"shieldgate/internal/scheduler"
	"shieldgate/internal/storage"
	"shieldgate/internal/usage"
	"shieldgate/internal/velocity"
	"shieldgate/internal/withdraw"
)

var (
	saplingFrom = "zs1" + strings.Repeat("q", 72)
	saplingTo   = "zs1" + strings.Repeat("w", 72)
)

type scriptedBackend struct {
	status backend.OperationStatus
}

func (s *scriptedBackend) Submit(ctx context.Context, from, to string, amountZat int64, memo string) (string, error) {
	return "opid-1", nil
}

func (s *scriptedBackend) Status(ctx context.Context, operationID string) (backend.OperationStatus, error) {
	return s.status, nil
}

func testConfig() *config.Config {
	return &config.Config{
		RateLimit: config.RateLimitConfig{
			MaxCountPerWindow: 5,
			MaxAmountZEC:      "100",
			Window:            24 * time.Hour,
		},
		Reconciler: config.ReconcilerConfig{
			Interval:            time.Minute,
			StaleReservationAge: 10 * time.Minute,
			UsageRetention:      30 * 24 * time.Hour,
		},
	}
}

func newTestService(t *testing.T, bk backend.Backend) (*Service, *storage.Memory) {
	t.Helper()

	mem := storage.NewMemory()
	locks := usage.NewKeyedMutex()
	logger := zerolog.Nop()

	limiter, err := ratelimit.NewLimiter(ratelimit.Policy{
		MaxCountPerWindow:     5,
		MaxAmountZatPerWindow: 100 * 100_000_000,
		WindowLength:          24 * time.Hour,
	}, mem, locks, logger)
	if err != nil {
		t.Fatalf("NewLimiter: %v", err)
	}
	engine, err := velocity.NewEngine(velocity.Thresholds{
		RiskCeiling: 70,
		Weights:     velocity.Weights{CountBreach: 30, AmountBreach: 30, RatioBreach: 40},
		Windows: []velocity.WindowThreshold{
			{Window: time.Hour, MaxCount: 10, MaxAmountZat: 500 * 100_000_000},
		},
	}, mem, locks, logger)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	estimator := fees.NewEstimator(fees.Policy{MarginalFeeZat: 5000})
	lg := ledger.New(mem, logger)
	orch := withdraw.New(mem, limiter, engine, estimator, bk, lg, locks, withdraw.Options{
		PollInterval: time.Millisecond,
		WaitTimeout:  time.Second,
	}, logger)
	sched := scheduler.New(scheduler.Options{Interval: time.Minute}, logger)

	svc := New(testConfig(), sched, orch, limiter, engine, estimator, lg, mem, nil, nil, logger)
	return svc, mem
}

func TestProcessWithdrawalBoundaryFormats(t *testing.T) {
	bk := &scriptedBackend{status: backend.OperationStatus{State: backend.StateCompleted, TransactionID: "tx-1"}}
	svc, _ := newTestService(t, bk)
	ctx := context.Background()

	status, err := svc.ProcessWithdrawal(ctx, WithdrawalRequest{
		RequestID:   "req-1",
		UserID:      "alice",
		FromAddress: saplingFrom,
		ToAddress:   saplingTo,
		AmountZEC:   "10.5",
	})
	if err != nil {
		t.Fatalf("ProcessWithdrawal: %v", err)
	}

	if status.State != string(withdraw.StateCompleted) {
		t.Fatalf("expected completed, got %s", status.State)
	}
	if status.AmountZEC != "10.50000000" {
		t.Fatalf("amount must be an 8-place decimal string, got %q", status.AmountZEC)
	}
	if status.FeeZEC != "0.00010000" {
		t.Fatalf("fee must be an 8-place decimal string, got %q", status.FeeZEC)
	}
	if _, err := time.Parse(time.RFC3339, status.CreatedAt); err != nil {
		t.Fatalf("created_at is not RFC3339: %q", status.CreatedAt)
	}
	if status.CompletedAt == "" {
		t.Fatal("completed withdrawal must carry a completion timestamp")
	}
}

func TestProcessWithdrawalRejectsBadAmount(t *testing.T) {
	svc, _ := newTestService(t, &scriptedBackend{})

	for _, amount := range []string{"", "abc", "-1", "0.000000001"} {
		if _, err := svc.ProcessWithdrawal(context.Background(), WithdrawalRequest{
			UserID: "u", FromAddress: saplingFrom, ToAddress: saplingTo, AmountZEC: amount,
		}); err == nil {
			t.Fatalf("amount %q should be rejected", amount)
		}
	}
}

func TestCheckRateLimitReadOnly(t *testing.T) {
	svc, mem := newTestService(t, &scriptedBackend{})
	ctx := context.Background()

	decision, err := svc.CheckRateLimit(ctx, "bob", "1")
	if err != nil {
		t.Fatalf("CheckRateLimit: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("fresh user should be allowed: %s", decision.Reason)
	}

	entries, err := mem.ListEntriesSince(ctx, "bob", time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListEntriesSince: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("check must not reserve usage, entries = %+v", entries)
	}
}

func TestCheckVelocityReportsSnapshots(t *testing.T) {
	svc, _ := newTestService(t, &scriptedBackend{})

	decision, err := svc.CheckVelocity(context.Background(), "bob", "1")
	if err != nil {
		t.Fatalf("CheckVelocity: %v", err)
	}
	if !decision.Passed || decision.RiskScore != 0 {
		t.Fatalf("fresh user should score 0: %+v", decision)
	}
	if _, ok := decision.Velocity["1h"]; !ok {
		t.Fatalf("decision must carry window snapshots: %+v", decision.Velocity)
	}
}

func TestReconcileTickRollsBackStaleReservations(t *testing.T) {
	svc, mem := newTestService(t, &scriptedBackend{})
	ctx := context.Background()
	now := time.Now().UTC()

	staleID, err := mem.AppendEntry(ctx, usage.Entry{UserID: "carol", AmountZat: 1, At: now.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}
	freshID, err := mem.AppendEntry(ctx, usage.Entry{UserID: "carol", AmountZat: 1, At: now})
	if err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}

	if err := svc.ReconcileTick(ctx, now); err != nil {
		t.Fatalf("ReconcileTick: %v", err)
	}

	entries, err := mem.ListEntriesSince(ctx, "carol", now.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("ListEntriesSince: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != freshID {
		t.Fatalf("stale reservation %d should be gone, fresh %d kept: %+v", staleID, freshID, entries)
	}
}

func TestGetComplianceReportPeriod(t *testing.T) {
	bk := &scriptedBackend{status: backend.OperationStatus{State: backend.StateCompleted, TransactionID: "tx-1"}}
	svc, _ := newTestService(t, bk)
	ctx := context.Background()

	if _, err := svc.ProcessWithdrawal(ctx, WithdrawalRequest{
		RequestID: "req-1", UserID: "dora",
		FromAddress: saplingFrom, ToAddress: saplingTo, AmountZEC: "1",
	}); err != nil {
		t.Fatalf("ProcessWithdrawal: %v", err)
	}

	now := time.Now().UTC()
	report, err := svc.GetComplianceReport(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetComplianceReport: %v", err)
	}
	if report.Summary.TotalEvents == 0 {
		t.Fatal("report should see the pipeline's events")
	}
	if !report.IntegrityCheck.Valid {
		t.Fatal("clean chain must verify")
	}

	result, err := svc.VerifyLedger(ctx, 1, report.Summary.LastSequence)
	if err != nil {
		t.Fatalf("VerifyLedger: %v", err)
	}
	if !result.Valid {
		t.Fatalf("VerifyLedger should pass: %s", result.Detail)
	}
}
