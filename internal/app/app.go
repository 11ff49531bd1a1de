package app

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"shieldgate/internal/alerting"
	"shieldgate/internal/backend"
	"shieldgate/internal/config"
	"shieldgate/internal/fees"
	"shieldgate/internal/ledger"
	"shieldgate/internal/ratelimit"
	"shieldgate/internal/scheduler"
	"shieldgate/internal/service"
	"shieldgate/internal/storage"
	"shieldgate/internal/usage"
	"shieldgate/internal/velocity"
	"shieldgate/internal/withdraw"
	"shieldgate/internal/zec"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// components holds one assembled instance of the withdrawal core.
type components struct {
	svc     *service.Service
	ledger  *ledger.Ledger
	events  ledger.Store
	records withdraw.Store
	close   func()
}

// buildCore assembles the full pipeline. With database.dsn configured it
// runs on PostgreSQL; otherwise on the volatile in-memory store.
func (a *App) buildCore(ctx context.Context) (*components, error) {
	var (
		usageStore  usage.Store
		recordStore withdraw.Store
		eventStore  ledger.Store
		locker      storage.AdvisoryLocker
		closer      = func() {}
	)

	if a.Config.Database.DSN != "" {
		pool, err := storage.NewPool(ctx, a.Config.Database)
		if err != nil {
			return nil, err
		}
		store := storage.NewStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
		usageStore, recordStore, eventStore = store, store, store
		locker = store
		closer = store.Close
	} else {
		a.Logger.Warn().Msg("database.dsn not configured; running on in-memory state")
		mem := storage.NewMemory()
		usageStore, recordStore, eventStore = mem, mem, mem
	}

	locks := usage.NewKeyedMutex()

	limiter, err := ratelimit.NewLimiter(a.rateLimitPolicy(), usageStore, locks, a.Logger)
	if err != nil {
		closer()
		return nil, err
	}
	engine, err := velocity.NewEngine(a.velocityThresholds(), usageStore, locks, a.Logger)
	if err != nil {
		closer()
		return nil, err
	}
	estimator := fees.NewEstimator(fees.Policy{
		BaseFeeZat:     a.Config.Fees.BaseFeeZat,
		MarginalFeeZat: a.Config.Fees.MarginalFeeZat,
	})

	rpc := backend.NewRPC(backend.RPCOptions{
		URL:      a.Config.Backend.RPCURL,
		Username: a.Config.Backend.RPCUsername,
		Password: a.Config.Backend.RPCPassword,
		Timeout:  a.Config.Backend.RequestTimeout,
		MinConf:  a.Config.Backend.MinConf,
	}, a.Logger)

	lg := ledger.New(eventStore, a.Logger)

	orch := withdraw.New(recordStore, limiter, engine, estimator, rpc, lg, locks, withdraw.Options{
		PollInterval: a.Config.Withdraw.PollInterval,
		WaitTimeout:  a.Config.Withdraw.WaitTimeout,
	}, a.Logger)

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Reconciler.Interval,
		StartupDelay: a.Config.Reconciler.StartupDelay,
	}, a.Logger)

	svc := service.New(a.Config, sched, orch, limiter, engine, estimator, lg, usageStore, locker, a.newNotifier(), a.Logger)

	return &components{svc: svc, ledger: lg, events: eventStore, records: recordStore, close: closer}, nil
}

func (a *App) rateLimitPolicy() ratelimit.Policy {
	maxAmount, _ := zec.ParseZEC(a.Config.RateLimit.MaxAmountZEC)
	return ratelimit.Policy{
		MaxCountPerWindow:     a.Config.RateLimit.MaxCountPerWindow,
		MaxAmountZatPerWindow: maxAmount,
		WindowLength:          a.Config.RateLimit.Window,
		CountRejected:         a.Config.RateLimit.CountRejected,
	}
}

func (a *App) velocityThresholds() velocity.Thresholds {
	windows := a.Config.Velocity.Windows
	if len(windows) == 0 {
		windows = config.DefaultVelocityWindows()
	}

	thresholds := velocity.Thresholds{
		RiskCeiling: a.Config.Velocity.RiskCeiling,
		Weights: velocity.Weights{
			CountBreach:  a.Config.Velocity.CountBreachWeight,
			AmountBreach: a.Config.Velocity.AmountBreachWeight,
			RatioBreach:  a.Config.Velocity.RatioBreachWeight,
		},
		AmountRatioLimit: a.Config.Velocity.AmountRatioLimit,
	}
	for _, w := range windows {
		maxAmount, _ := zec.ParseZEC(w.MaxAmountZEC)
		thresholds.Windows = append(thresholds.Windows, velocity.WindowThreshold{
			Window:       w.Window,
			MaxCount:     w.MaxCount,
			MaxAmountZat: maxAmount,
		})
	}
	return thresholds
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

// Run executes the long-running reconcile service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	core, err := a.buildCore(ctx)
	if err != nil {
		return err
	}
	defer core.close()

	a.Logger.Info().Msg("starting withdrawal reconcile service")
	err = core.svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("withdrawal reconcile service stopped")
	return nil
}

// Withdraw processes one withdrawal request and prints the outcome.
func (a *App) Withdraw(ctx context.Context, req service.WithdrawalRequest) error {
	core, err := a.buildCore(ctx)
	if err != nil {
		return err
	}
	defer core.close()

	status, err := core.svc.ProcessWithdrawal(ctx, req)
	if err != nil && status.RequestID == "" {
		return err
	}
	if err != nil {
		a.Logger.Warn().Err(err).Str("request_id", status.RequestID).Msg("withdrawal did not complete")
	}
	return printJSON(status)
}

// Status resolves a withdrawal by transaction or request ID.
func (a *App) Status(ctx context.Context, id string) error {
	core, err := a.buildCore(ctx)
	if err != nil {
		return err
	}
	defer core.close()

	status, err := core.svc.GetWithdrawalStatus(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(status)
}

// Cancel aborts a withdrawal that has not been submitted yet.
func (a *App) Cancel(ctx context.Context, requestID string) error {
	core, err := a.buildCore(ctx)
	if err != nil {
		return err
	}
	defer core.close()

	status, err := core.svc.CancelWithdrawal(ctx, requestID)
	if err != nil {
		return err
	}
	return printJSON(status)
}

// Fee prints the fee quote for a candidate withdrawal.
func (a *App) Fee(ctx context.Context, amountZEC, toAddress string) error {
	core, err := a.buildCore(ctx)
	if err != nil {
		return err
	}
	defer core.close()

	estimate, err := core.svc.EstimateWithdrawalFee(amountZEC, toAddress)
	if err != nil {
		return err
	}
	return printJSON(estimate)
}

// CheckRate prints a read-only rate limit decision.
func (a *App) CheckRate(ctx context.Context, userID, amountZEC string) error {
	core, err := a.buildCore(ctx)
	if err != nil {
		return err
	}
	defer core.close()

	decision, err := core.svc.CheckRateLimit(ctx, userID, amountZEC)
	if err != nil {
		return err
	}
	return printJSON(decision)
}

// CheckVelocity prints a read-only velocity decision.
func (a *App) CheckVelocity(ctx context.Context, userID, amountZEC string) error {
	core, err := a.buildCore(ctx)
	if err != nil {
		return err
	}
	defer core.close()

	decision, err := core.svc.CheckVelocity(ctx, userID, amountZEC)
	if err != nil {
		return err
	}
	return printJSON(decision)
}

// Report prints the compliance report for [from, to).
func (a *App) Report(ctx context.Context, from, to time.Time) error {
	core, err := a.buildCore(ctx)
	if err != nil {
		return err
	}
	defer core.close()

	report, err := core.svc.GetComplianceReport(ctx, from, to)
	if err != nil {
		return err
	}
	return printJSON(report)
}

// Verify prints the ledger integrity result for [fromSeq, toSeq].
func (a *App) Verify(ctx context.Context, fromSeq, toSeq int64) error {
	core, err := a.buildCore(ctx)
	if err != nil {
		return err
	}
	defer core.close()

	result, err := core.svc.VerifyLedger(ctx, fromSeq, toSeq)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ExportOptions hold parameters for exporting compliance history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}
