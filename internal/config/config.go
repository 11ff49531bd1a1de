package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"shieldgate/internal/logging"
	"shieldgate/internal/zec"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Backend    BackendConfig    `mapstructure:"backend"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Velocity   VelocityConfig   `mapstructure:"velocity"`
	Fees       FeesConfig       `mapstructure:"fees"`
	Withdraw   WithdrawConfig   `mapstructure:"withdraw"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN runs
// the core against the in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// BackendConfig covers the zcashd wallet RPC endpoint.
type BackendConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RPCUsername    string        `mapstructure:"rpc_username"`
	RPCPassword    string        `mapstructure:"rpc_password"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MinConf        int           `mapstructure:"min_conf"`
}

// RateLimitConfig defines the per-user windowed quotas. Amounts are
// decimal ZEC strings, never floats.
type RateLimitConfig struct {
	MaxCountPerWindow int           `mapstructure:"max_count_per_window"`
	MaxAmountZEC      string        `mapstructure:"max_amount_zec"`
	Window            time.Duration `mapstructure:"window"`
	CountRejected     bool          `mapstructure:"count_rejected"`
}

// VelocityWindowConfig caps one rolling lookback window.
type VelocityWindowConfig struct {
	Window       time.Duration `mapstructure:"window"`
	MaxCount     int           `mapstructure:"max_count"`
	MaxAmountZEC string        `mapstructure:"max_amount_zec"`
}

// VelocityConfig tunes the weighted-rule risk engine.
type VelocityConfig struct {
	RiskCeiling        int                    `mapstructure:"risk_ceiling"`
	CountBreachWeight  int                    `mapstructure:"count_breach_weight"`
	AmountBreachWeight int                    `mapstructure:"amount_breach_weight"`
	RatioBreachWeight  int                    `mapstructure:"ratio_breach_weight"`
	AmountRatioLimit   float64                `mapstructure:"amount_ratio_limit"`
	Windows            []VelocityWindowConfig `mapstructure:"windows"`
}

// FeesConfig parameterises the shielded-pool fee model, in zatoshis.
type FeesConfig struct {
	BaseFeeZat     int64 `mapstructure:"base_fee_zat"`
	MarginalFeeZat int64 `mapstructure:"marginal_fee_zat"`
}

// WithdrawConfig governs submission tracking.
type WithdrawConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	WaitTimeout  time.Duration `mapstructure:"wait_timeout"`
}

// ReconcilerConfig governs the background reconcile tick.
type ReconcilerConfig struct {
	Interval            time.Duration `mapstructure:"interval"`
	StartupDelay        time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey     int64         `mapstructure:"advisory_lock_key"`
	StaleReservationAge time.Duration `mapstructure:"stale_reservation_age"`
	UsageRetention      time.Duration `mapstructure:"usage_retention"`
}

// AlertingConfig routes critical compliance events.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram alert channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SHIELDGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "shieldgate")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("backend.rpc_url", "http://127.0.0.1:8232")
	v.SetDefault("backend.request_timeout", "15s")
	v.SetDefault("backend.min_conf", 1)

	v.SetDefault("rate_limit.max_count_per_window", 5)
	v.SetDefault("rate_limit.max_amount_zec", "100")
	v.SetDefault("rate_limit.window", "24h")
	v.SetDefault("rate_limit.count_rejected", false)

	v.SetDefault("velocity.risk_ceiling", 70)
	v.SetDefault("velocity.count_breach_weight", 30)
	v.SetDefault("velocity.amount_breach_weight", 30)
	v.SetDefault("velocity.ratio_breach_weight", 40)
	v.SetDefault("velocity.amount_ratio_limit", 10.0)

	v.SetDefault("fees.base_fee_zat", int64(0))
	v.SetDefault("fees.marginal_fee_zat", int64(5000))

	v.SetDefault("withdraw.poll_interval", "2s")
	v.SetDefault("withdraw.wait_timeout", "60s")

	v.SetDefault("reconciler.interval", "1m")
	v.SetDefault("reconciler.startup_delay", "5s")
	v.SetDefault("reconciler.advisory_lock_key", int64(0x7a656367))
	v.SetDefault("reconciler.stale_reservation_age", "10m")
	v.SetDefault("reconciler.usage_retention", "720h")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)
}

// DefaultVelocityWindows are applied when the config names none: hourly,
// daily, and weekly lookbacks.
func DefaultVelocityWindows() []VelocityWindowConfig {
	return []VelocityWindowConfig{
		{Window: time.Hour, MaxCount: 3, MaxAmountZEC: "50"},
		{Window: 24 * time.Hour, MaxCount: 10, MaxAmountZEC: "200"},
		{Window: 7 * 24 * time.Hour, MaxCount: 35, MaxAmountZEC: "1000"},
	}
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.RateLimit.MaxCountPerWindow <= 0 {
		return fmt.Errorf("rate_limit.max_count_per_window must be greater than zero")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be greater than zero")
	}
	if _, err := zec.ParseZEC(c.RateLimit.MaxAmountZEC); err != nil {
		return fmt.Errorf("rate_limit.max_amount_zec: %w", err)
	}
	if c.Velocity.RiskCeiling <= 0 || c.Velocity.RiskCeiling > 100 {
		return fmt.Errorf("velocity.risk_ceiling must be in (0, 100]")
	}
	for i, w := range c.Velocity.Windows {
		if w.Window <= 0 {
			return fmt.Errorf("velocity.windows[%d].window must be greater than zero", i)
		}
		if _, err := zec.ParseZEC(w.MaxAmountZEC); err != nil {
			return fmt.Errorf("velocity.windows[%d].max_amount_zec: %w", i, err)
		}
	}
	if c.Fees.BaseFeeZat < 0 || c.Fees.MarginalFeeZat <= 0 {
		return fmt.Errorf("fees.marginal_fee_zat must be greater than zero")
	}
	if c.Withdraw.PollInterval <= 0 {
		return fmt.Errorf("withdraw.poll_interval must be greater than zero")
	}
	if c.Reconciler.Interval <= 0 {
		return fmt.Errorf("reconciler.interval must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be configured")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be configured")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
