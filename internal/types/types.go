// Package types holds the shared data model for the whale-copy daemon: the
// records that flow between the bias accumulator, EV tracker, position
// manager, decision engine, and execution engine. Money is represented as
// decimal.Decimal in USD; prices additionally carry an integer-cents form
// since the decision engine and position manager reason in cents per spec.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a managed position.
type Side string

const (
	SideLong Side = "LONG"
	// SideShort exists for reconciled/imported positions only; the bias
	// pipeline never emits a signal that originates one (see SPEC_FULL.md
	// section 6, open question a).
	SideShort Side = "SHORT"
)

// PositionState is a node in the position state machine's DAG:
// OPEN -> {HEDGED, EXITING}; HEDGED -> EXITING; EXITING -> CLOSED; CLOSED terminal.
type PositionState string

const (
	StateOpen    PositionState = "OPEN"
	StateHedged  PositionState = "HEDGED"
	StateExiting PositionState = "EXITING"
	StateClosed  PositionState = "CLOSED"
)

// BiasDirection is the signal a token's whale flow carries.
type BiasDirection string

const (
	BiasLong BiasDirection = "LONG"
	BiasNone BiasDirection = "NONE"
)

// BookSource identifies where an OrderbookState was sourced from.
type BookSource string

const (
	SourceWS    BookSource = "WS"
	SourceCache BookSource = "CACHE"
	SourceREST  BookSource = "REST"
)

// ExitReason enumerates why a position's exit evaluation fired.
type ExitReason string

const (
	ExitTakeProfit ExitReason = "TAKE_PROFIT"
	ExitHardExit   ExitReason = "HARD_EXIT"
	ExitTimeStop   ExitReason = "TIME_STOP"
	ExitBiasFlip   ExitReason = "BIAS_FLIP"
	ExitEVDegraded ExitReason = "EV_DEGRADED"
)

// Urgency classifies how aggressively an exit should be executed. The
// decision engine's exit check reports it; the execution engine picks its
// smart-sell slippage tolerance from the ExitReason, not from Urgency.
type Urgency string

const (
	UrgencyLow      Urgency = "LOW"
	UrgencyMedium   Urgency = "MEDIUM"
	UrgencyCritical Urgency = "CRITICAL"
)

// FailureReason is the structured error taxonomy from spec §7. It is carried
// through results instead of a bare error so the scheduler can decide
// whether to retry, cooldown, or skip.
type FailureReason string

const (
	// Transient I/O — retried next cycle, short cooldown in market-data path.
	ReasonRateLimit     FailureReason = "RATE_LIMIT"
	ReasonNetworkError  FailureReason = "NETWORK_ERROR"
	ReasonParseError    FailureReason = "PARSE_ERROR"
	ReasonTimeout       FailureReason = "TIMEOUT"
	ReasonOrderRejected FailureReason = "ORDER_REJECTED"

	// Permanent market condition — skipped, not cooled down as transient.
	ReasonInvalidLiquidity FailureReason = "INVALID_LIQUIDITY"
	ReasonDustBook         FailureReason = "DUST_BOOK"
	ReasonInvalidPrices    FailureReason = "INVALID_PRICES"
	ReasonPriceOutOfBounds FailureReason = "PRICE_OUT_OF_BOUNDS"
	ReasonActivityTooLow   FailureReason = "ACTIVITY_TOO_LOW"

	// Market inactive — long exponential cooldown.
	ReasonNoOrderbook FailureReason = "NO_ORDERBOOK"
	ReasonNotFound    FailureReason = "NOT_FOUND"

	// Risk refusal / eligibility — reported, not retried within the tick.
	ReasonCooldown         FailureReason = "COOLDOWN"
	ReasonNoBankroll       FailureReason = "NO_BANKROLL"
	ReasonMarketCap        FailureReason = "MARKET_CAP"
	ReasonWalletCap        FailureReason = "WALLET_CAP"
	ReasonEVPaused         FailureReason = "EV_PAUSED"
	ReasonBiasStale        FailureReason = "BIAS_STALE"
	ReasonBiasBelowTrades  FailureReason = "BIAS_BELOW_MIN_TRADES"
	ReasonBiasBelowFlow    FailureReason = "BIAS_BELOW_MIN_FLOW"
	ReasonNoWhaleBuySeen   FailureReason = "NO_WHALE_BUY_SEEN"
	ReasonFOKNotFilled     FailureReason = "FOK_NOT_FILLED"
)

// WhaleTrade is one retained BUY observed from a curated whale wallet.
type WhaleTrade struct {
	TokenID   string
	MarketID  string // optional
	Wallet    string
	Side      string // only "BUY" is retained by the core
	SizeUsd   decimal.Decimal
	Price     decimal.Decimal // optional, [0,1]
	HasPrice  bool
	Timestamp time.Time
}

// TokenBias is the derived, non-persisted directional signal for a token.
type TokenBias struct {
	TokenID      string
	Direction    BiasDirection
	NetUsd       decimal.Decimal
	TradeCount   int
	LastActivity time.Time
	IsStale      bool
}

// HedgeLeg is an opposite-side position opened to offset adverse movement on
// the main leg.
type HedgeLeg struct {
	TokenID    string
	SizeUsd    decimal.Decimal
	EntryCents int
	EntryTs    time.Time
	PnLCents   int
}

// TransitionLogEntry records one state transition of a ManagedPosition,
// carrying the EV and bias snapshots captured at that instant (spec §3, §8).
type TransitionLogEntry struct {
	From      PositionState
	To        PositionState
	Reason    string
	Timestamp time.Time
	PnLCents  int
	EV        EvMetrics
	Bias      TokenBias
}

// ManagedPosition is a position tracked by the daemon's state machine.
type ManagedPosition struct {
	ID       string
	TokenID  string
	MarketID string
	Side     Side
	State    PositionState

	EntryPriceCents int
	EntrySizeUsd    decimal.Decimal
	EntryTime       time.Time

	CurrentPriceCents  int
	UnrealizedPnLCents int
	UnrealizedPnLUsd   decimal.Decimal

	TakeProfitCents int
	HedgeTriggerCents int
	HardExitCents   int

	Hedges          []HedgeLeg
	TotalHedgeRatio decimal.Decimal

	ReferencePriceCents int

	TransitionLog []TransitionLogEntry
}

// TradeResult is a closed trade fed into the EV tracker.
type TradeResult struct {
	TokenID   string
	Side      Side
	EntryCents int
	ExitCents  int
	SizeUsd    decimal.Decimal
	PnLCents   int // per share
	PnLUsd     decimal.Decimal
	IsWin      bool
	Timestamp  time.Time
}

// EvMetrics is derived over the last N TradeResults.
type EvMetrics struct {
	TotalTrades   int
	Wins          int
	Losses        int
	WinRate       decimal.Decimal
	AvgWinCents   decimal.Decimal
	AvgLossCents  decimal.Decimal
	EvCents       decimal.Decimal
	ProfitFactor  decimal.Decimal
	TotalPnlUsd   decimal.Decimal
}

// OrderbookState is a live snapshot of a token's order book.
type OrderbookState struct {
	TokenID      string
	BestBidCents int
	BestAskCents int
	BidDepthUsd  decimal.Decimal
	AskDepthUsd  decimal.Decimal
	SpreadCents  int
	MidPriceCents int
	Source       BookSource
	FetchedAt    time.Time
}

// MarketActivity tracks trade/book-update volume in the activity window.
type MarketActivity struct {
	TradesInWindow      int
	BookUpdatesInWindow int
	LastTradeTime       time.Time
	LastUpdateTime      time.Time
}

// CooldownEntry is per-token failure-backoff bookkeeping.
type CooldownEntry struct {
	Strikes         int
	NextEligibleAt  time.Time
	LastReason      FailureReason
}

// EntryActionKind is what the position manager/decision engine decided should
// happen to an open position on this tick.
type EntryActionKind string

const (
	ActionNone  EntryActionKind = "NONE"
	ActionHedge EntryActionKind = "HEDGE"
	ActionExit  EntryActionKind = "EXIT"
)

// PriceUpdateResult is returned by the position manager on every price tick.
type PriceUpdateResult struct {
	Action EntryActionKind
	Reason ExitReason
}
