package ledger_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"shieldgate/internal/errs"
	"shieldgate/internal/ledger"
	"shieldgate/internal/storage"
)

type payload struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

func newTestLedger(t *testing.T) (*ledger.Ledger, *storage.Memory) {
	t.Helper()
	mem := storage.NewMemory()
	return ledger.New(mem, zerolog.Nop()), mem
}

func appendN(t *testing.T, l *ledger.Ledger, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := l.Append(context.Background(), ledger.TypeWithdrawalRequested, ledger.SeverityInfo, payload{RequestID: "r"}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
}

func TestAppendBuildsChain(t *testing.T) {
	l, mem := newTestLedger(t)
	ctx := context.Background()

	seq1, err := l.Append(ctx, ledger.TypeWithdrawalRequested, ledger.SeverityInfo, payload{RequestID: "r1"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	seq2, err := l.Append(ctx, ledger.TypeWithdrawalSubmitted, ledger.SeverityInfo, payload{RequestID: "r1"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if seq1 != 1 || seq2 != 2 {
		t.Fatalf("sequences must be contiguous from 1, got %d then %d", seq1, seq2)
	}

	events, err := mem.ListEventsRange(ctx, 1, 2)
	if err != nil {
		t.Fatalf("ListEventsRange: %v", err)
	}
	if events[0].PrevHash != ledger.GenesisHash {
		t.Fatalf("first event must chain from genesis, got %s", events[0].PrevHash)
	}
	if events[1].PrevHash != events[0].Hash {
		t.Fatal("second event must chain from the first")
	}

	recomputed, err := ledger.ComputeHash(events[1].PrevHash, events[1].Sequence, events[1].Timestamp, events[1].Type, events[1].Severity, events[1].Payload)
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	if recomputed != events[1].Hash {
		t.Fatal("stored hash must be reproducible from the envelope")
	}
}

func TestLedgerResumesFromStoredTail(t *testing.T) {
	first, mem := newTestLedger(t)
	appendN(t, first, 3)

	// A new ledger instance over the same store continues the chain.
	second := ledger.New(mem, zerolog.Nop())
	seq, err := second.Append(context.Background(), ledger.TypeWithdrawalCompleted, ledger.SeverityInfo, payload{RequestID: "r9"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if seq != 4 {
		t.Fatalf("resumed ledger should continue at 4, got %d", seq)
	}

	res, err := second.VerifyIntegrity(context.Background(), 1, 4)
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if !res.Valid {
		t.Fatalf("resumed chain should verify: %s", res.Detail)
	}
}

func TestVerifyIntegrityDetectsTamperedPayload(t *testing.T) {
	l, mem := newTestLedger(t)
	appendN(t, l, 5)

	mem.TamperEvent(3, []byte(`{"requestId":"forged"}`))

	res, err := l.VerifyIntegrity(context.Background(), 1, 5)
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if res.Valid {
		t.Fatal("tampered payload must break verification")
	}
	if res.FirstBrokenSequence == nil || *res.FirstBrokenSequence != 3 {
		t.Fatalf("first broken sequence should be 3, got %+v", res.FirstBrokenSequence)
	}
}

func TestVerifyIntegrityPartialRange(t *testing.T) {
	l, _ := newTestLedger(t)
	appendN(t, l, 5)

	res, err := l.VerifyIntegrity(context.Background(), 3, 5)
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if !res.Valid {
		t.Fatalf("untampered partial range should verify: %s", res.Detail)
	}
	if res.CheckedEvents != 3 {
		t.Fatalf("expected 3 checked events, got %d", res.CheckedEvents)
	}
}

func TestVerifyIntegrityEmptyLedger(t *testing.T) {
	l, _ := newTestLedger(t)
	res, err := l.VerifyIntegrity(context.Background(), 1, 100)
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if !res.Valid {
		t.Fatal("empty ledger is trivially valid")
	}
}

func TestReportAggregatesByTypeAndSeverity(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Append(ctx, ledger.TypeWithdrawalRequested, ledger.SeverityInfo, payload{RequestID: "r1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := l.Append(ctx, ledger.TypeAdmissionDenied, ledger.SeverityWarning, payload{RequestID: "r2", Reason: "count quota exhausted"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := l.Append(ctx, ledger.TypeWithdrawalFailed, ledger.SeverityCritical, payload{RequestID: "r3", Reason: "insufficient funds"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	now := time.Now().UTC()
	report, err := l.Report(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if report.Summary.TotalEvents != 3 {
		t.Fatalf("expected 3 events, got %d", report.Summary.TotalEvents)
	}
	if report.Summary.CriticalEvents != 1 {
		t.Fatalf("expected 1 critical event, got %d", report.Summary.CriticalEvents)
	}
	if report.EventsByType[string(ledger.TypeAdmissionDenied)] != 1 {
		t.Fatalf("unexpected type counts: %#v", report.EventsByType)
	}
	if report.EventsBySeverity[string(ledger.SeverityInfo)] != 1 {
		t.Fatalf("unexpected severity counts: %#v", report.EventsBySeverity)
	}
	if !report.IntegrityCheck.Valid {
		t.Fatal("report over a clean chain must embed a valid integrity check")
	}
}

func TestReportHaltsOnBrokenChain(t *testing.T) {
	l, mem := newTestLedger(t)
	appendN(t, l, 4)

	mem.TamperEvent(2, []byte(`{"requestId":"forged"}`))

	now := time.Now().UTC()
	_, err := l.Report(context.Background(), now.Add(-time.Hour), now.Add(time.Hour))
	if err == nil {
		t.Fatal("report over a broken chain must fail")
	}
	if !errs.Is(err, errs.CodeIntegrity) {
		t.Fatalf("expected %s, got %v", errs.CodeIntegrity, err)
	}
	if !strings.Contains(err.Error(), "sequence 2") {
		t.Fatalf("error should name the broken sequence: %v", err)
	}
}

func TestReportRejectsInvertedPeriod(t *testing.T) {
	l, _ := newTestLedger(t)
	now := time.Now().UTC()
	if _, err := l.Report(context.Background(), now, now.Add(-time.Hour)); err == nil {
		t.Fatal("inverted period must be rejected")
	}
}

func TestCriticalEventFiresAlert(t *testing.T) {
	l, _ := newTestLedger(t)

	var got []ledger.Event
	l.SetAlertFunc(func(e ledger.Event) { got = append(got, e) })

	ctx := context.Background()
	if _, err := l.Append(ctx, ledger.TypeWithdrawalRequested, ledger.SeverityInfo, payload{RequestID: "r1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := l.Append(ctx, ledger.TypeWithdrawalFailed, ledger.SeverityCritical, payload{RequestID: "r1", Reason: "boom"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("only critical events should alert, got %d", len(got))
	}
	if got[0].Type != ledger.TypeWithdrawalFailed {
		t.Fatalf("unexpected alert event type %s", got[0].Type)
	}
}
