// Package decision implements the entry gate, exit trigger ordering, and
// hedge sizing that sit between bias/EV inputs and the execution engine.
package decision

import (
	"time"

	"github.com/shopspring/decimal"

	"whalecopy/internal/config"
	"whalecopy/internal/types"
)

// EntryInput bundles everything the entry check needs for one candidate.
type EntryInput struct {
	TokenID           string
	Bias              types.TokenBias
	Book              types.OrderbookState
	Activity          types.MarketActivity
	ReferenceCents    int
	EvAllowed         bool
	OpenPositionsTotal int
	OpenPositionsToken int
	EffectiveBankroll decimal.Decimal
	TotalDeployedUsd  decimal.Decimal
}

// EntryResult is the structured outcome of CheckEntry: either an
// actionable fill plan, or a per-check reason a caller can classify as
// transient vs permanent.
type EntryResult struct {
	Allowed    bool
	Reason     types.FailureReason
	Side       types.Side
	PriceCents int
	SizeUsd    decimal.Decimal
	Score      int
}

// Engine evaluates entry/exit/hedge decisions from bias, EV, and book state.
// It holds no mutable state of its own; cfg is read-only configuration.
type Engine struct {
	cfg *config.Config
}

// New constructs a decision engine bound to cfg.
func New(cfg *config.Config) *Engine {
	return &Engine{cfg: cfg}
}

// CheckEntry runs the six ordered entry gates. All must pass for Allowed.
func (e *Engine) CheckEntry(in EntryInput) EntryResult {
	// 1. Bias: direction must be LONG; upstream bias/eligibility gates have
	// already filtered stale/below-threshold signals.
	if in.Bias.Direction != types.BiasLong {
		return EntryResult{Reason: types.ReasonNoWhaleBuySeen}
	}

	// 2. Liquidity gates.
	if in.Book.SpreadCents > e.cfg.MaxSpreadCents {
		return EntryResult{Reason: types.ReasonInvalidLiquidity}
	}
	minDepth := in.Book.BidDepthUsd
	if in.Book.AskDepthUsd.LessThan(minDepth) {
		minDepth = in.Book.AskDepthUsd
	}
	if minDepth.LessThan(e.cfg.MinDepthUsdAtExit) {
		return EntryResult{Reason: types.ReasonInvalidLiquidity}
	}
	if in.Activity.TradesInWindow < e.cfg.MinActivityTrades && in.Activity.BookUpdatesInWindow < e.cfg.MinActivityUpdates {
		return EntryResult{Reason: types.ReasonActivityTooLow}
	}

	// 3. Price deviation from reference.
	dev := in.Book.MidPriceCents - in.ReferenceCents
	if dev < 0 {
		dev = -dev
	}
	if dev < e.cfg.EntryBandCents {
		return EntryResult{Reason: types.ReasonPriceOutOfBounds}
	}

	// 4. Price bounds: LONG uses best ask (we are buying YES at the ask).
	entryPrice := in.Book.BestAskCents
	if entryPrice < e.cfg.MinEntryPriceCents || entryPrice > e.cfg.MaxEntryPriceCents {
		return EntryResult{Reason: types.ReasonPriceOutOfBounds}
	}

	// 5. Risk limits.
	if in.OpenPositionsTotal >= e.cfg.MaxOpenPositionsTotal {
		return EntryResult{Reason: types.ReasonMarketCap}
	}
	if in.OpenPositionsToken >= e.cfg.MaxOpenPositionsPerMarket {
		return EntryResult{Reason: types.ReasonMarketCap}
	}
	if !in.EffectiveBankroll.GreaterThan(decimal.Zero) {
		return EntryResult{Reason: types.ReasonNoBankroll}
	}
	maxDeployed := in.EffectiveBankroll.Mul(e.cfg.MaxDeployedFractionTotal)
	if !in.TotalDeployedUsd.LessThan(maxDeployed) {
		return EntryResult{Reason: types.ReasonWalletCap}
	}

	// 6. EV allowed.
	if !in.EvAllowed {
		return EntryResult{Reason: types.ReasonEVPaused}
	}

	size := in.EffectiveBankroll.Mul(e.cfg.TradeFraction)
	if size.GreaterThan(e.cfg.MaxTradeUsd) {
		size = e.cfg.MaxTradeUsd
	}

	return EntryResult{
		Allowed:    true,
		Side:       types.SideLong,
		PriceCents: entryPrice,
		SizeUsd:    size,
		Score:      e.entryScore(in),
	}
}

// entryScore is an advisory [0,100] ranking used when several candidates
// are eligible in the same tick: up to 30 for closeness to the preferred
// zone's center, 25 for spread tightness, 25 for depth above minimum, 20
// for normalized activity.
func (e *Engine) entryScore(in EntryInput) int {
	center := (e.cfg.MinEntryPriceCents + e.cfg.MaxEntryPriceCents) / 2
	span := e.cfg.MaxEntryPriceCents - e.cfg.MinEntryPriceCents
	if span <= 0 {
		span = 1
	}
	distFromCenter := in.Book.MidPriceCents - center
	if distFromCenter < 0 {
		distFromCenter = -distFromCenter
	}
	closeness := 1.0 - float64(distFromCenter)/float64(span/2+1)
	if closeness < 0 {
		closeness = 0
	}
	proximityPts := int(closeness * 30)

	tightnessPts := 0
	if e.cfg.MaxSpreadCents > 0 {
		ratio := float64(in.Book.SpreadCents) / float64(e.cfg.MaxSpreadCents)
		tightness := 1.0 - ratio
		if tightness < 0 {
			tightness = 0
		}
		tightnessPts = int(tightness * 25)
	}

	depthPts := 0
	minDepth := in.Book.BidDepthUsd
	if in.Book.AskDepthUsd.LessThan(minDepth) {
		minDepth = in.Book.AskDepthUsd
	}
	if e.cfg.MinDepthUsdAtExit.GreaterThan(decimal.Zero) {
		ratio := minDepth.Div(e.cfg.MinDepthUsdAtExit).InexactFloat64()
		if ratio > 2 {
			ratio = 2
		}
		depthPts = int((ratio / 2) * 25)
	}

	activityPts := 0
	denom := e.cfg.MinActivityTrades
	if denom <= 0 {
		denom = 1
	}
	activityRatio := float64(in.Activity.TradesInWindow) / float64(denom)
	if activityRatio > 1 {
		activityRatio = 1
	}
	activityPts = int(activityRatio * 20)

	total := proximityPts + tightnessPts + depthPts + activityPts
	if total > 100 {
		total = 100
	}
	if total < 0 {
		total = 0
	}
	return total
}

// ExitCheck is the exit-trigger outcome: empty Reason means no exit fires.
type ExitCheck struct {
	ShouldExit bool
	Reason     types.ExitReason
	Urgency    types.Urgency
}

// CheckExit evaluates the ordered exit triggers for an open position.
func (e *Engine) CheckExit(pos types.ManagedPosition, pnlCents int, bias types.TokenBias, evAllowed bool, now time.Time) ExitCheck {
	if pnlCents >= e.cfg.TakeProfitCents {
		return ExitCheck{ShouldExit: true, Reason: types.ExitTakeProfit, Urgency: types.UrgencyMedium}
	}
	if pnlCents <= -e.cfg.HardStopCents {
		return ExitCheck{ShouldExit: true, Reason: types.ExitHardExit, Urgency: types.UrgencyCritical}
	}
	if now.Sub(pos.EntryTime) >= time.Duration(e.cfg.MaxHoldSeconds)*time.Second {
		urgency := types.UrgencyMedium
		if pnlCents > 0 {
			urgency = types.UrgencyLow
		}
		return ExitCheck{ShouldExit: true, Reason: types.ExitTimeStop, Urgency: urgency}
	}
	if biasOpposes(pos.Side, bias) && pnlCents > -e.cfg.HedgeTriggerCents {
		return ExitCheck{ShouldExit: true, Reason: types.ExitBiasFlip, Urgency: types.UrgencyLow}
	}
	if !evAllowed && pnlCents > 0 {
		return ExitCheck{ShouldExit: true, Reason: types.ExitEVDegraded, Urgency: types.UrgencyLow}
	}
	return ExitCheck{}
}

func biasOpposes(side types.Side, bias types.TokenBias) bool {
	if side == types.SideLong {
		return bias.Direction != types.BiasLong
	}
	return bias.Direction == types.BiasLong
}

// HedgeSize computes the USD size of a new hedge leg given the current
// hedge ratio headroom. Returns zero if there's no room left.
func (e *Engine) HedgeSize(pos types.ManagedPosition) decimal.Decimal {
	hedgeRoom := e.cfg.MaxHedgeRatio.Sub(pos.TotalHedgeRatio)
	if hedgeRoom.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	effective := e.cfg.HedgeRatio
	if effective.GreaterThan(hedgeRoom) {
		effective = hedgeRoom
	}
	return pos.EntrySizeUsd.Mul(effective)
}

// EffectiveHedgeRatio returns the ratio actually applied for HedgeSize,
// mirroring the clamp so the position manager can advance totalHedgeRatio
// by exactly what was sized.
func (e *Engine) EffectiveHedgeRatio(pos types.ManagedPosition) decimal.Decimal {
	hedgeRoom := e.cfg.MaxHedgeRatio.Sub(pos.TotalHedgeRatio)
	if hedgeRoom.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	if e.cfg.HedgeRatio.GreaterThan(hedgeRoom) {
		return hedgeRoom
	}
	return e.cfg.HedgeRatio
}
