package ledger

import (
	"context"
	"fmt"
	"time"

	"shieldgate/internal/errs"
)

// Summary aggregates a report period.
type Summary struct {
	TotalEvents    int64 `json:"totalEvents"`
	CriticalEvents int64 `json:"criticalEvents"`
	FirstSequence  int64 `json:"firstSequence,omitempty"`
	LastSequence   int64 `json:"lastSequence,omitempty"`
}

// Report is a derived, read-only aggregation over a period. It is never
// persisted as primary state and is always recomputable from the ledger.
type Report struct {
	GeneratedAt      time.Time        `json:"generatedAt"`
	PeriodStart      time.Time        `json:"periodStart"`
	PeriodEnd        time.Time        `json:"periodEnd"`
	Summary          Summary          `json:"summary"`
	EventsByType     map[string]int64 `json:"eventsByType"`
	EventsBySeverity map[string]int64 `json:"eventsBySeverity"`
	IntegrityCheck   IntegrityResult  `json:"integrityCheck"`
}

// Report aggregates events inside [start, end) and embeds the integrity
// check for that range. A failed check halts report generation: trust in
// the range is gone and manual reconciliation is required, so no partial
// report is returned.
func (l *Ledger) Report(ctx context.Context, start, end time.Time) (*Report, error) {
	if !start.Before(end) {
		return nil, errs.New(errs.CodeValidation, "report start must precede end")
	}

	events, err := l.store.ListEventsBetween(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("list events for report: %w", err)
	}

	report := &Report{
		GeneratedAt:      l.now().UTC(),
		PeriodStart:      start.UTC(),
		PeriodEnd:        end.UTC(),
		EventsByType:     make(map[string]int64),
		EventsBySeverity: make(map[string]int64),
		IntegrityCheck:   IntegrityResult{Valid: true},
	}
	if len(events) == 0 {
		return report, nil
	}

	integrity, err := l.VerifyIntegrity(ctx, events[0].Sequence, events[len(events)-1].Sequence)
	if err != nil {
		return nil, err
	}
	if !integrity.Valid {
		broken := int64(-1)
		if integrity.FirstBrokenSequence != nil {
			broken = *integrity.FirstBrokenSequence
		}
		l.logger.Error().
			Int64("first_broken_sequence", broken).
			Str("detail", integrity.Detail).
			Msg("ledger integrity check failed; report generation halted")
		return nil, errs.New(errs.CodeIntegrity,
			"ledger integrity broken at sequence %d: %s", broken, integrity.Detail)
	}

	report.IntegrityCheck = integrity
	report.Summary = Summary{
		TotalEvents:   int64(len(events)),
		FirstSequence: events[0].Sequence,
		LastSequence:  events[len(events)-1].Sequence,
	}
	for _, e := range events {
		report.EventsByType[string(e.Type)]++
		report.EventsBySeverity[string(e.Severity)]++
		if e.Severity == SeverityCritical {
			report.Summary.CriticalEvents++
		}
	}
	return report, nil
}
