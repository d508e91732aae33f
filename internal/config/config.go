package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log      LoggingConfig  `yaml:"log"`
	Feed     FeedConfig     `yaml:"feed"`
	Chain    ChainConfig    `yaml:"chain"`
	Spot     SpotConfig     `yaml:"spot"`
	Perp     PerpConfig     `yaml:"perp"`
	Lending  LendingConfig  `yaml:"lending"`
	Strategy StrategyConfig `yaml:"strategy"`
	State    StateConfig    `yaml:"state"`
	Guard    GuardConfig    `yaml:"guard"`
	History  HistoryConfig  `yaml:"history"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Telegram TelegramConfig `yaml:"telegram"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type FeedConfig struct {
	URL          string        `yaml:"url"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

type ChainConfig struct {
	RPCURL         string        `yaml:"rpc_url"`
	ChainID        int64         `yaml:"chain_id"`
	GasLimit       uint64        `yaml:"gas_limit"`
	GasMultiplier  float64       `yaml:"gas_multiplier"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
}

type SpotConfig struct {
	RouterAddress string  `yaml:"router_address"`
	BaseToken     string  `yaml:"base_token"`
	QuoteToken    string  `yaml:"quote_token"`
	BaseDecimals  int     `yaml:"base_decimals"`
	QuoteDecimals int     `yaml:"quote_decimals"`
	SlippageBps   float64 `yaml:"slippage_bps"`
}

type PerpConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Timeout        time.Duration `yaml:"timeout"`
	WSURL          string        `yaml:"ws_url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	RouterAddress  string        `yaml:"router_address"`
	VaultAddress   string        `yaml:"vault_address"`
	Pair           string        `yaml:"pair"`
}

type LendingConfig struct {
	PoolAddress     string `yaml:"pool_address"`
	BorrowAsset     string `yaml:"borrow_asset"`
	CollateralAsset string `yaml:"collateral_asset"`
	ProfileID       uint64 `yaml:"profile_id"`

	// Borrow rate curve, mirroring the pool's interest model.
	BaseRate           float64 `yaml:"base_rate"`
	RateSlope1         float64 `yaml:"rate_slope1"`
	RateSlope2         float64 `yaml:"rate_slope2"`
	OptimalUtilization float64 `yaml:"optimal_utilization"`
}

type StrategyConfig struct {
	Pair                  string  `yaml:"pair"`
	LeverageTarget        float64 `yaml:"leverage_target"`
	HoldHours             float64 `yaml:"hold_hours"`
	SpotRoundTripBps      float64 `yaml:"spot_round_trip_bps"`
	PerpRoundTripBps      float64 `yaml:"perp_round_trip_bps"`
	GasRoundTripBps       float64 `yaml:"gas_round_trip_bps"`
	CapitalAprPct         float64 `yaml:"capital_apr_pct"`
	FundingStdPctPerHour  float64 `yaml:"funding_std_pct_per_hour"`
	ZScore                float64 `yaml:"z_score"`
	BasisPremiumPctPerHr  float64 `yaml:"basis_premium_pct_per_hour"`
	FeeBps                int64   `yaml:"fee_bps"`
	RequireProfitable     bool    `yaml:"require_profitable"`
	SettlementAsset       string  `yaml:"settlement_asset"`
	SettlementAssetSymbol string  `yaml:"settlement_asset_symbol"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type GuardConfig struct {
	Mode      string        `yaml:"mode"`
	RedisAddr string        `yaml:"redis_addr"`
	LockTTL   time.Duration `yaml:"lock_ttl"`
}

type HistoryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Feed.PollInterval == 0 {
		cfg.Feed.PollInterval = 10 * time.Second
	}
	if cfg.Feed.Timeout == 0 {
		cfg.Feed.Timeout = 8 * time.Second
	}
	if cfg.Chain.GasLimit == 0 {
		cfg.Chain.GasLimit = 1_200_000
	}
	if cfg.Chain.GasMultiplier == 0 {
		cfg.Chain.GasMultiplier = 1.1
	}
	if cfg.Chain.ConfirmTimeout == 0 {
		cfg.Chain.ConfirmTimeout = 90 * time.Second
	}
	if cfg.Spot.SlippageBps == 0 {
		cfg.Spot.SlippageBps = 50
	}
	if cfg.Spot.BaseDecimals == 0 {
		cfg.Spot.BaseDecimals = 18
	}
	if cfg.Spot.QuoteDecimals == 0 {
		cfg.Spot.QuoteDecimals = 6
	}
	if cfg.Perp.Timeout == 0 {
		cfg.Perp.Timeout = 10 * time.Second
	}
	if cfg.Perp.ReconnectDelay == 0 {
		cfg.Perp.ReconnectDelay = 3 * time.Second
	}
	if cfg.Perp.Pair == "" {
		cfg.Perp.Pair = cfg.Strategy.Pair
	}
	if cfg.Strategy.LeverageTarget == 0 {
		cfg.Strategy.LeverageTarget = 1
	}
	if cfg.Strategy.HoldHours == 0 {
		cfg.Strategy.HoldHours = 24
	}
	if cfg.Strategy.FeeBps == 0 {
		cfg.Strategy.FeeBps = 2000
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/carry-vault-bot.db"
	}
	if cfg.Lending.OptimalUtilization == 0 {
		cfg.Lending.OptimalUtilization = 0.8
	}
	if cfg.Guard.Mode == "" {
		cfg.Guard.Mode = "local"
	}
	if cfg.Guard.LockTTL == 0 {
		cfg.Guard.LockTTL = 5 * time.Minute
	}
	if cfg.History.Schema == "" {
		cfg.History.Schema = "public"
	}
	if cfg.History.QueueSize == 0 {
		cfg.History.QueueSize = 256
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
}

func validate(cfg *Config) error {
	if cfg.Feed.URL == "" {
		return errors.New("feed.url is required")
	}
	if cfg.Chain.RPCURL == "" {
		return errors.New("chain.rpc_url is required")
	}
	if cfg.Chain.ChainID == 0 {
		return errors.New("chain.chain_id is required")
	}
	if cfg.Strategy.Pair == "" {
		return errors.New("strategy.pair is required")
	}
	if cfg.Strategy.FeeBps < 0 || cfg.Strategy.FeeBps > 10000 {
		return errors.New("strategy.fee_bps must be within [0, 10000]")
	}
	if cfg.Strategy.LeverageTarget < 1 {
		return errors.New("strategy.leverage_target must be >= 1")
	}
	switch cfg.Guard.Mode {
	case "local", "redis":
	default:
		return errors.New("guard.mode must be local or redis")
	}
	if cfg.Guard.Mode == "redis" && cfg.Guard.RedisAddr == "" {
		return errors.New("guard.redis_addr is required when guard.mode is redis")
	}
	if cfg.History.Enabled && cfg.History.DSN == "" {
		return errors.New("history.dsn is required when history.enabled")
	}
	return nil
}
