package withdraw

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"shieldgate/internal/backend"
	"shieldgate/internal/errs"
	"shieldgate/internal/fees"
	"shieldgate/internal/ledger"
	"shieldgate/internal/ratelimit"
	"shieldgate/internal/usage"
	"shieldgate/internal/velocity"
	"shieldgate/internal/zaddr"
	"shieldgate/internal/zec"
)

// Options tune orchestrator behaviour.
type Options struct {
	// PollInterval paces backend status polling.
	PollInterval time.Duration
	// WaitTimeout bounds how long Process waits for a backend terminal
	// state when the caller supplies no deadline.
	WaitTimeout time.Duration
}

// Orchestrator drives a withdrawal through admission control, fee
// estimation, backend submission, and status tracking. Every decision
// point lands in the compliance ledger.
type Orchestrator struct {
	store     Store
	limiter   *ratelimit.Limiter
	engine    *velocity.Engine
	estimator *fees.Estimator
	backend   backend.Backend
	ledger    *ledger.Ledger
	locks     *usage.KeyedMutex
	logger    zerolog.Logger
	opts      Options
	now       func() time.Time
}

// New wires the orchestrator.
func New(store Store, limiter *ratelimit.Limiter, engine *velocity.Engine, estimator *fees.Estimator, bk backend.Backend, lg *ledger.Ledger, locks *usage.KeyedMutex, opts Options, logger zerolog.Logger) *Orchestrator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 60 * time.Second
	}
	return &Orchestrator{
		store:     store,
		limiter:   limiter,
		engine:    engine,
		estimator: estimator,
		backend:   bk,
		ledger:    lg,
		locks:     locks,
		logger:    logger.With().Str("component", "orchestrator").Logger(),
		opts:      opts,
		now:       time.Now,
	}
}

// eventPayload is the decision rationale recorded with each transition.
type eventPayload struct {
	RequestID     string          `json:"requestId"`
	UserID        string          `json:"userId"`
	PrevState     State           `json:"prevState,omitempty"`
	State         State           `json:"state"`
	AmountZEC     string          `json:"amountZec"`
	ToAddress     string          `json:"toAddress,omitempty"`
	Stage         string          `json:"stage,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	RiskScore     int             `json:"riskScore,omitempty"`
	FeeZEC        string          `json:"feeZec,omitempty"`
	OperationID   string          `json:"operationId,omitempty"`
	TransactionID string          `json:"transactionId,omitempty"`
	Usage         *usage.Snapshot `json:"usage,omitempty"`
}

// Process runs the full withdrawal pipeline for one request. Admission
// denials are structured outcomes, not errors: the caller inspects the
// returned record. Validation failures never mutate state.
func (o *Orchestrator) Process(ctx context.Context, req Request) (Record, error) {
	if err := validate(req); err != nil {
		return Record{}, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	now := o.now().UTC()
	record := Record{
		RequestID:   req.RequestID,
		UserID:      req.UserID,
		FromAddress: req.FromAddress,
		ToAddress:   req.ToAddress,
		AmountZat:   req.AmountZat,
		Memo:        req.Memo,
		State:       StateReceived,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	created, existing, err := o.store.CreateRecord(ctx, record)
	if err != nil {
		return Record{}, fmt.Errorf("create withdrawal record: %w", err)
	}
	if !created {
		// Idempotent retry: return the prior outcome, never re-submit.
		o.logger.Debug().Str("request_id", req.RequestID).Str("state", string(existing.State)).Msg("request id already seen")
		return existing, nil
	}

	o.emit(ctx, ledger.TypeWithdrawalRequested, ledger.SeverityInfo, eventPayload{
		RequestID: record.RequestID,
		UserID:    record.UserID,
		State:     StateReceived,
		AmountZEC: zec.FormatZEC(record.AmountZat),
		ToAddress: record.ToAddress,
	})

	reservation, denied, err := o.admit(ctx, &record)
	if err != nil {
		return o.fail(ctx, record, err)
	}
	if denied {
		return record, nil
	}

	return o.submitAndTrack(ctx, record, reservation)
}

// admit runs rate limiting and velocity under the per-user lock. The lock
// covers read-decide-reserve only; it is released before any backend I/O.
func (o *Orchestrator) admit(ctx context.Context, record *Record) (*ratelimit.Reservation, bool, error) {
	unlock := o.locks.Lock(record.UserID)
	defer unlock()

	now := o.now().UTC()

	rlRes, reservation, err := o.limiter.Reserve(ctx, record.UserID, record.AmountZat, now)
	if err != nil {
		return nil, false, err
	}
	if !rlRes.Allowed {
		record.State = StateRateLimited
		record.Reason = rlRes.Reason
		if err := o.update(ctx, record); err != nil {
			return nil, false, err
		}
		o.emit(ctx, ledger.TypeAdmissionDenied, ledger.SeverityWarning, eventPayload{
			RequestID: record.RequestID,
			UserID:    record.UserID,
			PrevState: StateReceived,
			State:     StateRateLimited,
			AmountZEC: zec.FormatZEC(record.AmountZat),
			Stage:     "rate_limit",
			Reason:    rlRes.Reason,
			Usage:     &rlRes.Usage,
		})
		return nil, true, nil
	}

	record.State = StatePending
	record.ReservationID = reservation.ID()

	velRes, err := o.engine.Assess(ctx, record.UserID, record.AmountZat, now, reservation.ID())
	if err != nil {
		_ = reservation.Release(ctx)
		return nil, false, err
	}
	record.RiskScore = velRes.RiskScore
	if !velRes.Passed {
		if err := reservation.Release(ctx); err != nil {
			o.logger.Error().Err(err).Str("request_id", record.RequestID).Msg("reservation rollback failed")
		}
		record.State = StateVelocityRejected
		record.Reason = velRes.Reason
		if err := o.update(ctx, record); err != nil {
			return nil, false, err
		}
		o.emit(ctx, ledger.TypeAdmissionDenied, ledger.SeverityWarning, eventPayload{
			RequestID: record.RequestID,
			UserID:    record.UserID,
			PrevState: StatePending,
			State:     StateVelocityRejected,
			AmountZEC: zec.FormatZEC(record.AmountZat),
			Stage:     "velocity",
			Reason:    velRes.Reason,
			RiskScore: velRes.RiskScore,
		})
		return nil, true, nil
	}

	est, err := o.estimator.Estimate(record.AmountZat, record.ToAddress)
	if err != nil {
		_ = reservation.Release(ctx)
		return nil, false, err
	}
	record.FeeZat = est.FeeZat
	record.LogicalActions = est.LogicalActions

	// The reservation is durably recorded before the backend call, so a
	// crash here is reconciled on restart instead of silently leaking.
	record.State = StateAdmitted
	if err := o.update(ctx, record); err != nil {
		_ = reservation.Release(ctx)
		return nil, false, err
	}
	o.emit(ctx, ledger.TypeWithdrawalAdmitted, ledger.SeverityInfo, eventPayload{
		RequestID: record.RequestID,
		UserID:    record.UserID,
		PrevState: StatePending,
		State:     StateAdmitted,
		AmountZEC: zec.FormatZEC(record.AmountZat),
		RiskScore: velRes.RiskScore,
		FeeZEC:    zec.FormatZEC(est.FeeZat),
	})
	return reservation, false, nil
}

func (o *Orchestrator) submitAndTrack(ctx context.Context, record Record, reservation *ratelimit.Reservation) (Record, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.WaitTimeout)
		defer cancel()
	}

	opID, err := o.backend.Submit(ctx, record.FromAddress, record.ToAddress, record.AmountZat, record.Memo)
	if err != nil {
		if errs.Is(err, errs.CodeTimeout) {
			// The node may have accepted the operation; keep the usage
			// counted and let the caller poll again.
			_ = reservation.Commit(ctx)
			return o.markProcessing(ctx, record, "submission timed out"), err
		}
		if rbErr := reservation.Release(ctx); rbErr != nil {
			o.logger.Error().Err(rbErr).Str("request_id", record.RequestID).Msg("reservation rollback failed")
		}
		return o.fail(ctx, record, err)
	}

	if err := reservation.Commit(ctx); err != nil {
		o.logger.Error().Err(err).Str("request_id", record.RequestID).Msg("reservation commit failed")
	}

	record.State = StateSubmitted
	record.OperationID = opID
	if err := o.update(ctx, &record); err != nil {
		return record, err
	}
	o.emit(ctx, ledger.TypeWithdrawalSubmitted, ledger.SeverityInfo, eventPayload{
		RequestID:   record.RequestID,
		UserID:      record.UserID,
		PrevState:   StateAdmitted,
		State:       StateSubmitted,
		AmountZEC:   zec.FormatZEC(record.AmountZat),
		OperationID: opID,
	})

	return o.track(ctx, record)
}

// track polls the backend until a terminal state or the deadline passes.
func (o *Orchestrator) track(ctx context.Context, record Record) (Record, error) {
	for {
		status, err := o.backend.Status(ctx, record.OperationID)
		if err != nil {
			if errs.Is(err, errs.CodeTimeout) || ctx.Err() != nil {
				return o.markProcessing(ctx, record, "status poll timed out"), errs.Wrap(err, errs.CodeTimeout, "withdrawal %s still in flight", record.RequestID)
			}
			return o.markProcessing(ctx, record, err.Error()), err
		}

		record = o.applyStatus(ctx, record, status)
		if record.State.Terminal() {
			if record.State == StateFailed {
				return record, errs.New(errs.CodeBackend, "backend error %s: %s", record.ErrorCode, record.LastError)
			}
			return record, nil
		}

		select {
		case <-ctx.Done():
			return o.markProcessing(ctx, record, "timeout"), errs.Wrap(ctx.Err(), errs.CodeTimeout, "withdrawal %s still in flight", record.RequestID)
		case <-time.After(o.opts.PollInterval):
		}
	}
}

// applyStatus folds one backend status observation into the record,
// emitting ledger events on terminal transitions.
func (o *Orchestrator) applyStatus(ctx context.Context, record Record, status backend.OperationStatus) Record {
	switch status.State {
	case backend.StateCompleted:
		prev := record.State
		record.State = StateCompleted
		record.TransactionID = status.TransactionID
		record.LastError = ""
		completed := o.now().UTC()
		record.CompletedAt = &completed
		if err := o.update(ctx, &record); err != nil {
			o.logger.Error().Err(err).Str("request_id", record.RequestID).Msg("record update failed")
		}
		o.emit(ctx, ledger.TypeWithdrawalCompleted, ledger.SeverityInfo, eventPayload{
			RequestID:     record.RequestID,
			UserID:        record.UserID,
			PrevState:     prev,
			State:         StateCompleted,
			AmountZEC:     zec.FormatZEC(record.AmountZat),
			FeeZEC:        zec.FormatZEC(record.FeeZat),
			TransactionID: status.TransactionID,
		})

	case backend.StateFailed:
		prev := record.State
		record.State = StateFailed
		record.ErrorCode = fmt.Sprintf("%d", status.ErrorCode)
		record.LastError = status.ErrorMessage
		if err := o.update(ctx, &record); err != nil {
			o.logger.Error().Err(err).Str("request_id", record.RequestID).Msg("record update failed")
		}
		o.emit(ctx, ledger.TypeWithdrawalFailed, ledger.SeverityCritical, eventPayload{
			RequestID: record.RequestID,
			UserID:    record.UserID,
			PrevState: prev,
			State:     StateFailed,
			AmountZEC: zec.FormatZEC(record.AmountZat),
			Reason:    status.ErrorMessage,
		})

	default:
		if record.State != StateProcessing {
			prev := record.State
			record.State = StateProcessing
			if err := o.update(ctx, &record); err != nil {
				o.logger.Error().Err(err).Str("request_id", record.RequestID).Msg("record update failed")
			}
			o.emit(ctx, ledger.TypeWithdrawalProcessing, ledger.SeverityInfo, eventPayload{
				RequestID:   record.RequestID,
				UserID:      record.UserID,
				PrevState:   prev,
				State:       StateProcessing,
				AmountZEC:   zec.FormatZEC(record.AmountZat),
				OperationID: record.OperationID,
			})
		}
	}
	return record
}

// Cancel aborts a withdrawal that has not reached the backend yet.
func (o *Orchestrator) Cancel(ctx context.Context, requestID string) (Record, error) {
	rec, err := o.store.GetRecord(ctx, requestID)
	if err != nil {
		return Record{}, err
	}
	if rec == nil {
		return Record{}, errs.New(errs.CodeNotFound, "unknown request id %s", requestID)
	}
	if !rec.State.Cancellable() {
		return *rec, errs.New(errs.CodeValidation, "withdrawal in state %s cannot be cancelled", rec.State)
	}

	// Free the quota right away rather than waiting for the stale sweep.
	if rec.ReservationID != 0 {
		if err := o.limiter.ReleaseEntry(ctx, rec.ReservationID); err != nil {
			o.logger.Error().Err(err).Str("request_id", rec.RequestID).Msg("reservation rollback failed")
		}
	}

	prev := rec.State
	rec.State = StateCancelled
	rec.Reason = "cancelled by caller"
	if err := o.update(ctx, rec); err != nil {
		return *rec, err
	}
	o.emit(ctx, ledger.TypeWithdrawalCancelled, ledger.SeverityInfo, eventPayload{
		RequestID: rec.RequestID,
		UserID:    rec.UserID,
		PrevState: prev,
		State:     StateCancelled,
		AmountZEC: zec.FormatZEC(rec.AmountZat),
	})
	return *rec, nil
}

// Status looks a withdrawal up by transaction ID, falling back to request
// ID, and folds in a fresh backend observation for in-flight records.
func (o *Orchestrator) Status(ctx context.Context, id string) (Record, error) {
	rec, err := o.store.GetRecordByTransactionID(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if rec == nil {
		if rec, err = o.store.GetRecord(ctx, id); err != nil {
			return Record{}, err
		}
	}
	if rec == nil {
		return Record{}, errs.New(errs.CodeNotFound, "no withdrawal for id %s", id)
	}

	if !rec.State.Terminal() && rec.OperationID != "" {
		status, err := o.backend.Status(ctx, rec.OperationID)
		if err != nil {
			o.logger.Warn().Err(err).Str("request_id", rec.RequestID).Msg("status refresh failed")
			return *rec, nil
		}
		return o.applyStatus(ctx, *rec, status), nil
	}
	return *rec, nil
}

// Reconcile advances every in-flight withdrawal by one backend
// observation. Run periodically; it also converges state after a crash
// between admission and submission.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	records, err := o.store.ListInFlight(ctx)
	if err != nil {
		return fmt.Errorf("list in-flight withdrawals: %w", err)
	}

	for _, rec := range records {
		if rec.OperationID == "" {
			continue
		}
		status, err := o.backend.Status(ctx, rec.OperationID)
		if err != nil {
			o.logger.Warn().Err(err).Str("request_id", rec.RequestID).Msg("reconcile poll failed")
			continue
		}
		o.applyStatus(ctx, rec, status)
	}
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, record Record, cause error) (Record, error) {
	prev := record.State
	record.State = StateFailed
	record.ErrorCode = errs.CodeOf(cause)
	record.LastError = cause.Error()
	if err := o.update(ctx, &record); err != nil {
		o.logger.Error().Err(err).Str("request_id", record.RequestID).Msg("record update failed")
	}
	o.emit(ctx, ledger.TypeWithdrawalFailed, ledger.SeverityCritical, eventPayload{
		RequestID: record.RequestID,
		UserID:    record.UserID,
		PrevState: prev,
		State:     StateFailed,
		AmountZEC: zec.FormatZEC(record.AmountZat),
		Reason:    record.LastError,
	})
	return record, cause
}

// markProcessing parks a withdrawal that outlived its deadline. The
// outcome is unknown, not failed: the reconcile loop keeps polling.
func (o *Orchestrator) markProcessing(ctx context.Context, record Record, lastError string) Record {
	// The caller's deadline has usually expired by now; the record update
	// and the timeout event must still land.
	ctx = context.WithoutCancel(ctx)
	prev := record.State
	record.State = StateProcessing
	record.LastError = lastError
	if err := o.update(ctx, &record); err != nil {
		o.logger.Error().Err(err).Str("request_id", record.RequestID).Msg("record update failed")
	}
	o.emit(ctx, ledger.TypeWithdrawalTimeout, ledger.SeverityWarning, eventPayload{
		RequestID:   record.RequestID,
		UserID:      record.UserID,
		PrevState:   prev,
		State:       StateProcessing,
		AmountZEC:   zec.FormatZEC(record.AmountZat),
		OperationID: record.OperationID,
		Reason:      lastError,
	})
	return record
}

func (o *Orchestrator) update(ctx context.Context, record *Record) error {
	record.UpdatedAt = o.now().UTC()
	if err := o.store.UpdateRecord(ctx, *record); err != nil {
		return fmt.Errorf("update withdrawal record: %w", err)
	}
	return nil
}

func (o *Orchestrator) emit(ctx context.Context, typ ledger.EventType, sev ledger.Severity, payload eventPayload) {
	if _, err := o.ledger.Append(ctx, typ, sev, payload); err != nil {
		// An unrecordable decision is a serious condition, but the
		// withdrawal outcome itself is already durable.
		o.logger.Error().Err(err).Str("request_id", payload.RequestID).Msg("compliance event append failed")
	}
}

func validate(req Request) error {
	if req.UserID == "" {
		return errs.New(errs.CodeValidation, "user id is required")
	}
	if req.AmountZat <= 0 {
		return errs.New(errs.CodeValidation, "amount must be positive")
	}
	from := zaddr.Classify(req.FromAddress)
	if !from.Valid || !from.Shielded {
		return errs.New(errs.CodeValidation, "source must be a valid shielded address")
	}
	if to := zaddr.Classify(req.ToAddress); !to.Valid {
		return errs.New(errs.CodeValidation, "unrecognised destination address")
	}
	return nil
}
