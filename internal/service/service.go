package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"shieldgate/internal/alerting"
	"shieldgate/internal/config"
	"shieldgate/internal/fees"
	"shieldgate/internal/ledger"
	"shieldgate/internal/ratelimit"
	"shieldgate/internal/scheduler"
	"shieldgate/internal/storage"
	"shieldgate/internal/usage"
	"shieldgate/internal/velocity"
	"shieldgate/internal/withdraw"
	"shieldgate/internal/zec"
)

// Service is the boundary over the withdrawal core. Amounts cross it as
// decimal ZEC strings and timestamps as RFC3339 UTC; zatoshi integers
// never leak to callers.
type Service struct {
	orchestrator *withdraw.Orchestrator
	limiter      *ratelimit.Limiter
	engine       *velocity.Engine
	estimator    *fees.Estimator
	ledger       *ledger.Ledger
	usageStore   usage.Store
	scheduler    *scheduler.Scheduler
	notifier     alerting.Notifier
	logger       zerolog.Logger

	channels  []string
	alertsOn  bool
	locker    storage.AdvisoryLocker
	lockKey   int64
	staleAge  time.Duration
	retention time.Duration
	now       func() time.Time
}

// New constructs the withdrawal service and registers the critical-event
// alert hook on the ledger.
func New(cfg *config.Config, sched *scheduler.Scheduler, orch *withdraw.Orchestrator, limiter *ratelimit.Limiter, engine *velocity.Engine, estimator *fees.Estimator, lg *ledger.Ledger, usageStore usage.Store, locker storage.AdvisoryLocker, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	s := &Service{
		orchestrator: orch,
		limiter:      limiter,
		engine:       engine,
		estimator:    estimator,
		ledger:       lg,
		usageStore:   usageStore,
		scheduler:    sched,
		notifier:     notifier,
		logger:       logger.With().Str("component", "service").Logger(),
		channels:     cfg.Alerting.Channels,
		alertsOn:     cfg.Alerting.Enabled,
		locker:       locker,
		lockKey:      cfg.Reconciler.AdvisoryLockKey,
		staleAge:     cfg.Reconciler.StaleReservationAge,
		retention:    cfg.Reconciler.UsageRetention,
		now:          time.Now,
	}

	if s.alertsOn && s.notifier != nil {
		lg.SetAlertFunc(s.dispatchAlert)
	}
	return s
}

// WithdrawalRequest is the caller-facing submission shape.
type WithdrawalRequest struct {
	RequestID   string `json:"requestId,omitempty"`
	UserID      string `json:"userId"`
	FromAddress string `json:"fromAddress"`
	ToAddress   string `json:"toAddress"`
	AmountZEC   string `json:"amountZec"`
	Memo        string `json:"memo,omitempty"`
}

// WithdrawalStatus is the caller-facing view of a withdrawal record.
type WithdrawalStatus struct {
	RequestID      string `json:"requestId"`
	UserID         string `json:"userId"`
	State          string `json:"state"`
	AmountZEC      string `json:"amountZec"`
	FeeZEC         string `json:"feeZec,omitempty"`
	LogicalActions int    `json:"logicalActions,omitempty"`
	RiskScore      int    `json:"riskScore,omitempty"`
	ToAddress      string `json:"toAddress"`
	OperationID    string `json:"operationId,omitempty"`
	TransactionID  string `json:"transactionId,omitempty"`
	Reason         string `json:"reason,omitempty"`
	ErrorCode      string `json:"errorCode,omitempty"`
	LastError      string `json:"lastError,omitempty"`
	CreatedAt      string `json:"createdAt"`
	UpdatedAt      string `json:"updatedAt"`
	CompletedAt    string `json:"completedAt,omitempty"`
}

// FeeEstimate is the caller-facing fee quote.
type FeeEstimate struct {
	FeeZEC         string `json:"feeZec"`
	LogicalActions int    `json:"logicalActions"`
	IsApproximate  bool   `json:"isApproximate"`
	Destination    string `json:"destination"`
}

// RateLimitDecision reports a standalone quota check.
type RateLimitDecision struct {
	Allowed           bool           `json:"allowed"`
	Reason            string         `json:"reason,omitempty"`
	RetryAfterSeconds int64          `json:"retryAfterSeconds,omitempty"`
	Usage             usage.Snapshot `json:"usage"`
}

// VelocityDecision reports a standalone risk check.
type VelocityDecision struct {
	Passed    bool                      `json:"passed"`
	RiskScore int                       `json:"riskScore"`
	Reason    string                    `json:"reason,omitempty"`
	Velocity  map[string]usage.Snapshot `json:"velocity"`
}

// ProcessWithdrawal runs the full pipeline for one request. Admission
// denials come back as a status with a nil error; pipeline failures
// return both the last known status and the error.
func (s *Service) ProcessWithdrawal(ctx context.Context, req WithdrawalRequest) (WithdrawalStatus, error) {
	amount, err := zec.ParseZEC(req.AmountZEC)
	if err != nil {
		return WithdrawalStatus{}, err
	}

	record, err := s.orchestrator.Process(ctx, withdraw.Request{
		RequestID:   req.RequestID,
		UserID:      req.UserID,
		FromAddress: req.FromAddress,
		ToAddress:   req.ToAddress,
		AmountZat:   amount,
		Memo:        req.Memo,
	})
	if err != nil && record.RequestID == "" {
		return WithdrawalStatus{}, err
	}
	return toStatus(record), err
}

// GetWithdrawalStatus resolves an identifier (transaction ID first, then
// request ID) and refreshes in-flight records against the backend.
func (s *Service) GetWithdrawalStatus(ctx context.Context, id string) (WithdrawalStatus, error) {
	record, err := s.orchestrator.Status(ctx, id)
	if err != nil {
		return WithdrawalStatus{}, err
	}
	return toStatus(record), nil
}

// CancelWithdrawal aborts a withdrawal that has not reached the backend.
func (s *Service) CancelWithdrawal(ctx context.Context, requestID string) (WithdrawalStatus, error) {
	record, err := s.orchestrator.Cancel(ctx, requestID)
	if err != nil {
		return WithdrawalStatus{}, err
	}
	return toStatus(record), nil
}

// EstimateWithdrawalFee quotes the fee for a candidate withdrawal without
// touching any state.
func (s *Service) EstimateWithdrawalFee(amountZEC, toAddress string) (FeeEstimate, error) {
	amount, err := zec.ParseZEC(amountZEC)
	if err != nil {
		return FeeEstimate{}, err
	}
	est, err := s.estimator.Estimate(amount, toAddress)
	if err != nil {
		return FeeEstimate{}, err
	}
	return FeeEstimate{
		FeeZEC:         zec.FormatZEC(est.FeeZat),
		LogicalActions: est.LogicalActions,
		IsApproximate:  est.IsApproximate,
		Destination:    string(est.Destination.Type),
	}, nil
}

// CheckRateLimit evaluates the quotas read-only; no usage is reserved.
func (s *Service) CheckRateLimit(ctx context.Context, userID, amountZEC string) (RateLimitDecision, error) {
	amount, err := zec.ParseZEC(amountZEC)
	if err != nil {
		return RateLimitDecision{}, err
	}
	res, err := s.limiter.Check(ctx, userID, amount)
	if err != nil {
		return RateLimitDecision{}, err
	}
	return RateLimitDecision{
		Allowed:           res.Allowed,
		Reason:            res.Reason,
		RetryAfterSeconds: int64(res.RetryAfter / time.Second),
		Usage:             res.Usage,
	}, nil
}

// CheckVelocity scores a candidate withdrawal read-only.
func (s *Service) CheckVelocity(ctx context.Context, userID, amountZEC string) (VelocityDecision, error) {
	amount, err := zec.ParseZEC(amountZEC)
	if err != nil {
		return VelocityDecision{}, err
	}
	res, err := s.engine.Check(ctx, userID, amount)
	if err != nil {
		return VelocityDecision{}, err
	}
	return VelocityDecision{
		Passed:    res.Passed,
		RiskScore: res.RiskScore,
		Reason:    res.Reason,
		Velocity:  res.Velocity,
	}, nil
}

// GetComplianceReport aggregates ledger events inside [start, end). A
// broken chain surfaces as an integrity error, never a partial report.
func (s *Service) GetComplianceReport(ctx context.Context, start, end time.Time) (*ledger.Report, error) {
	return s.ledger.Report(ctx, start, end)
}

// VerifyLedger recomputes the hash chain over [fromSeq, toSeq].
func (s *Service) VerifyLedger(ctx context.Context, fromSeq, toSeq int64) (ledger.IntegrityResult, error) {
	return s.ledger.VerifyIntegrity(ctx, fromSeq, toSeq)
}

// Run drives the periodic reconcile loop until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ReconcileTick)
}

// ReconcileTick advances in-flight withdrawals, rolls stale reservations
// back, and prunes expired usage entries. The advisory lock keeps a single
// process driving the tick when several share the database.
func (s *Service) ReconcileTick(ctx context.Context, at time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", at).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	if err := s.orchestrator.Reconcile(ctx); err != nil {
		s.logger.Error().Err(err).Msg("in-flight reconcile failed")
	}
	s.rollBackStaleReservations(ctx, at)
	s.pruneUsage(ctx, at)
	return nil
}

// rollBackStaleReservations drops uncommitted usage entries older than the
// configured age. They are left behind by a crash between admission and
// submission; dropping them restores the user's quota.
func (s *Service) rollBackStaleReservations(ctx context.Context, at time.Time) {
	if s.staleAge <= 0 {
		return
	}
	stale, err := s.usageStore.ListStaleReservations(ctx, at.Add(-s.staleAge))
	if err != nil {
		s.logger.Error().Err(err).Msg("list stale reservations failed")
		return
	}
	for _, entry := range stale {
		if err := s.usageStore.DeleteEntry(ctx, entry.ID); err != nil {
			s.logger.Error().Err(err).Int64("entry_id", entry.ID).Msg("stale reservation rollback failed")
			continue
		}
		s.logger.Warn().
			Int64("entry_id", entry.ID).
			Str("user_id", entry.UserID).
			Str("amount_zec", zec.FormatZEC(entry.AmountZat)).
			Msg("rolled back stale reservation")
	}
}

func (s *Service) pruneUsage(ctx context.Context, at time.Time) {
	if s.retention <= 0 {
		return
	}
	if err := s.usageStore.DeleteEntriesBefore(ctx, at.Add(-s.retention)); err != nil {
		s.logger.Error().Err(err).Msg("usage pruning failed")
	}
}

// dispatchAlert forwards a critical compliance event to the notifier. The
// event is already durable; delivery failures are logged and dropped.
func (s *Service) dispatchAlert(event ledger.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var detail struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(event.Payload, &detail)

	note := alerting.Notification{
		Sequence:  event.Sequence,
		Timestamp: event.Timestamp,
		EventType: string(event.Type),
		Severity:  string(event.Severity),
		Summary:   detail.Reason,
		Channels:  s.channels,
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Int64("sequence", event.Sequence).Msg("failed to dispatch alert")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func toStatus(record withdraw.Record) WithdrawalStatus {
	status := WithdrawalStatus{
		RequestID:      record.RequestID,
		UserID:         record.UserID,
		State:          string(record.State),
		AmountZEC:      zec.FormatZEC(record.AmountZat),
		LogicalActions: record.LogicalActions,
		RiskScore:      record.RiskScore,
		ToAddress:      record.ToAddress,
		OperationID:    record.OperationID,
		TransactionID:  record.TransactionID,
		Reason:         record.Reason,
		ErrorCode:      record.ErrorCode,
		LastError:      record.LastError,
		CreatedAt:      record.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      record.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if record.FeeZat > 0 {
		status.FeeZEC = zec.FormatZEC(record.FeeZat)
	}
	if record.CompletedAt != nil {
		status.CompletedAt = record.CompletedAt.UTC().Format(time.RFC3339)
	}
	return status
}
