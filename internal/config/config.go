package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/shopspring/decimal"
)

// BiasMode selects how the bias accumulator derives direction from trades.
type BiasMode string

const (
	BiasModeCopyAnyWhale BiasMode = "copy_any_whale"
	BiasModeConservative BiasMode = "conservative"
)

// LiquidationMode controls the scheduler's forced-exit behavior.
type LiquidationMode string

const (
	LiquidationOff    LiquidationMode = "off"
	LiquidationLosing LiquidationMode = "losing"
	LiquidationAll    LiquidationMode = "all"
)

// Config is the immutable, validated parameter record consumed by every
// component. It is constructed once at startup and never mutated.
type Config struct {
	// Position sizing & exposure
	MaxTradeUsd               decimal.Decimal
	TradeFraction             decimal.Decimal
	ReserveFloorUsd           decimal.Decimal
	ReserveFraction           decimal.Decimal
	MaxReserveFraction        decimal.Decimal
	MaxOpenPositionsTotal     int
	MaxOpenPositionsPerMarket int
	MaxDeployedFractionTotal  decimal.Decimal

	// Per-token cooldown & exit targets (cents)
	CooldownSecondsPerToken int
	TakeProfitCents         int
	HedgeTriggerCents       int
	HardStopCents           int
	MaxHoldSeconds          int64

	// Hedging
	HedgeRatio    decimal.Decimal
	MaxHedgeRatio decimal.Decimal

	// Entry bounds
	MinEntryPriceCents int
	MaxEntryPriceCents int
	EntryBandCents     int

	// Liquidity gates
	MaxSpreadCents     int
	MinDepthUsdAtExit  decimal.Decimal
	MinActivityTrades  int
	MinActivityUpdates int

	// EV model
	EvWindowSize    int
	PauseSeconds    int64
	MinEvCents      decimal.Decimal
	MinProfitFactor decimal.Decimal
	ChurnCostCents  decimal.Decimal

	// Bias
	BiasMode            BiasMode
	MinBiasFlowUsd      decimal.Decimal
	MinBiasTrades       int
	BiasWindowSeconds   int64
	BiasStaleSeconds    int64
	WhalePriceMin       decimal.Decimal
	WhalePriceMax       decimal.Decimal
	HasWhalePriceFilter bool

	// Polling
	PollIntervalMs            int
	PositionPollIntervalMs    int
	LiquidationPollIntervalMs int
	BalanceRefreshIntervalMs  int
	LeaderboardRefreshMs      int
	LeaderboardBatchSize      int

	// Mode flags
	LiquidationMode LiquidationMode
	ScannerEnabled  bool
	DynamicReserve  bool
	Simulation      bool

	// Ambient: wiring for external collaborators (never inspected by core
	// decision logic, passed straight through to the exec client / notifier).
	LogLevel          string
	DatabaseURL       string // empty => sqlite file, set => postgres
	SqlitePath        string
	WalletPrivateKey  string
	FunderAddress     string
	ClobAPIKey        string
	ClobAPISecret     string
	ClobPassphrase    string
	PolymarketCLOBURL string
	PolymarketWSURL   string
	TelegramToken     string
	TelegramChatID    int64
}

// Load builds a validated Config from the environment. Every field has a
// default; it fails fast on out-of-range or inconsistent values and on an
// unparseable TELEGRAM_CHAT_ID, per the daemon's startup contract:
// config/auth problems are fatal, never retried.
func Load() (*Config, error) {
	cfg := &Config{
		MaxTradeUsd:               getDecimal("MAX_TRADE_USD", decimal.NewFromFloat(25)),
		TradeFraction:             getDecimal("TRADE_FRACTION", decimal.NewFromFloat(0.01)),
		ReserveFloorUsd:           getDecimal("RESERVE_FLOOR_USD", decimal.NewFromFloat(20)),
		ReserveFraction:           getDecimal("RESERVE_FRACTION", decimal.NewFromFloat(0.2)),
		MaxReserveFraction:        getDecimal("MAX_RESERVE_FRACTION", decimal.NewFromFloat(0.5)),
		MaxOpenPositionsTotal:     getInt("MAX_OPEN_POSITIONS_TOTAL", 10),
		MaxOpenPositionsPerMarket: getInt("MAX_OPEN_POSITIONS_PER_MARKET", 1),
		MaxDeployedFractionTotal:  getDecimal("MAX_DEPLOYED_FRACTION_TOTAL", decimal.NewFromFloat(0.8)),

		CooldownSecondsPerToken: getInt("COOLDOWN_SECONDS_PER_TOKEN", 180),
		TakeProfitCents:         getInt("TAKE_PROFIT_CENTS", 14),
		HedgeTriggerCents:       getInt("HEDGE_TRIGGER_CENTS", 16),
		HardStopCents:           getInt("HARD_STOP_CENTS", 30),
		MaxHoldSeconds:          int64(getInt("MAX_HOLD_SECONDS", 6*3600)),

		HedgeRatio:    getDecimal("HEDGE_RATIO", decimal.NewFromFloat(0.4)),
		MaxHedgeRatio: getDecimal("MAX_HEDGE_RATIO", decimal.NewFromFloat(0.6)),

		MinEntryPriceCents: getInt("MIN_ENTRY_PRICE_CENTS", 30),
		MaxEntryPriceCents: getInt("MAX_ENTRY_PRICE_CENTS", 82),
		EntryBandCents:     getInt("ENTRY_BAND_CENTS", 4),

		MaxSpreadCents:     getInt("MAX_SPREAD_CENTS", 3),
		MinDepthUsdAtExit:  getDecimal("MIN_DEPTH_USD", decimal.NewFromFloat(50)),
		MinActivityTrades:  getInt("MIN_ACTIVITY_TRADES", 2),
		MinActivityUpdates: getInt("MIN_ACTIVITY_UPDATES", 5),

		EvWindowSize:    getInt("EV_WINDOW_SIZE", 200),
		PauseSeconds:    int64(getInt("EV_PAUSE_SECONDS", 1800)),
		MinEvCents:      getDecimal("MIN_EV_CENTS", decimal.NewFromFloat(1)),
		MinProfitFactor: getDecimal("MIN_PROFIT_FACTOR", decimal.NewFromFloat(1.1)),
		ChurnCostCents:  getDecimal("CHURN_COST_CENTS", decimal.NewFromFloat(2)),

		BiasMode:          BiasMode(getEnv("BIAS_MODE", string(BiasModeConservative))),
		MinBiasFlowUsd:    getDecimal("MIN_BIAS_FLOW_USD", decimal.NewFromFloat(500)),
		MinBiasTrades:     getInt("MIN_BIAS_TRADES", 2),
		BiasWindowSeconds: int64(getInt("BIAS_WINDOW_SECONDS", 3600)),
		BiasStaleSeconds:  int64(getInt("BIAS_STALE_SECONDS", 900)),

		PollIntervalMs:            getInt("POLL_INTERVAL_MS", 200),
		PositionPollIntervalMs:    getInt("POSITION_POLL_INTERVAL_MS", 100),
		LiquidationPollIntervalMs: getInt("LIQUIDATION_POLL_INTERVAL_MS", 1000),
		BalanceRefreshIntervalMs:  getInt("BALANCE_REFRESH_INTERVAL_MS", 5000),
		LeaderboardRefreshMs:      getInt("LEADERBOARD_REFRESH_MS", 3600*1000),
		LeaderboardBatchSize:      getInt("LEADERBOARD_BATCH_SIZE", 10),

		LiquidationMode: LiquidationMode(getEnv("LIQUIDATION_MODE", string(LiquidationOff))),
		ScannerEnabled:  getBool("SCANNER_ENABLED", false),
		DynamicReserve:  getBool("DYNAMIC_RESERVE", true),
		Simulation:      getBool("SIMULATION", true),

		LogLevel:          getEnv("LOG_LEVEL", "info"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		SqlitePath:        getEnv("SQLITE_PATH", "data/whalecopy.db"),
		WalletPrivateKey:  os.Getenv("WALLET_PRIVATE_KEY"),
		FunderAddress:     os.Getenv("FUNDER_ADDRESS"),
		ClobAPIKey:        os.Getenv("CLOB_API_KEY"),
		ClobAPISecret:     os.Getenv("CLOB_API_SECRET"),
		ClobPassphrase:    os.Getenv("CLOB_PASSPHRASE"),
		PolymarketCLOBURL: getEnv("POLYMARKET_CLOB_URL", "https://clob.polymarket.com"),
		PolymarketWSURL:   getEnv("POLYMARKET_WS_URL", "wss://ws-subscriptions-clob.polymarket.com/ws/market"),
		TelegramToken:     os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	if minV := os.Getenv("WHALE_PRICE_MIN"); minV != "" {
		if maxV := os.Getenv("WHALE_PRICE_MAX"); maxV != "" {
			min, errMin := decimal.NewFromString(minV)
			max, errMax := decimal.NewFromString(maxV)
			if errMin == nil && errMax == nil {
				cfg.WhalePriceMin = min
				cfg.WhalePriceMax = max
				cfg.HasWhalePriceFilter = true
			}
		}
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxTradeUsd.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("MAX_TRADE_USD must be positive")
	}
	if c.ReserveFraction.LessThan(decimal.Zero) || c.ReserveFraction.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("RESERVE_FRACTION must be in [0,1]")
	}
	if c.MinEntryPriceCents < 0 || c.MaxEntryPriceCents > 100 || c.MinEntryPriceCents >= c.MaxEntryPriceCents {
		return fmt.Errorf("invalid entry price bounds [%d,%d]", c.MinEntryPriceCents, c.MaxEntryPriceCents)
	}
	if c.HedgeRatio.GreaterThan(c.MaxHedgeRatio) {
		return fmt.Errorf("HEDGE_RATIO cannot exceed MAX_HEDGE_RATIO")
	}
	if c.BiasMode != BiasModeCopyAnyWhale && c.BiasMode != BiasModeConservative {
		return fmt.Errorf("invalid BIAS_MODE %q", c.BiasMode)
	}
	if c.LiquidationMode != LiquidationOff && c.LiquidationMode != LiquidationLosing && c.LiquidationMode != LiquidationAll {
		return fmt.Errorf("invalid LIQUIDATION_MODE %q", c.LiquidationMode)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1" || v == "yes"
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return fallback
}
