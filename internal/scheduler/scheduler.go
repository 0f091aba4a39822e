// Package scheduler owns the daemon's outer loop: the per-tick fan-out of
// balance/whale/position refreshes, exit processing ahead of entries,
// cooldown and bias housekeeping, and the periodic status/pruning sweep.
package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"whalecopy/internal/bias"
	"whalecopy/internal/config"
	"whalecopy/internal/cooldown"
	"whalecopy/internal/decision"
	"whalecopy/internal/diagnostics"
	"whalecopy/internal/ev"
	"whalecopy/internal/execution"
	"whalecopy/internal/marketdata"
	"whalecopy/internal/position"
	"whalecopy/internal/reserve"
	"whalecopy/internal/types"
)

// maxEntryCandidatesPerTick is K in spec §4.8 step 5.
const maxEntryCandidatesPerTick = 3

// maxScannerCandidatesPerTick bounds step 6's scanner fallback.
const maxScannerCandidatesPerTick = 2

const balanceRefreshMinInterval = 5 * time.Second

const redemptionSweepInterval = 10 * time.Minute
const redemptionSweepIntervalLiquidation = 60 * time.Second
const postSaleCooldown = 30 * time.Second
const closedPositionMaxAge = 24 * time.Hour

// BalanceClient supplies the wallet's USDC balance.
type BalanceClient interface {
	GetBalance() (decimal.Decimal, error)
}

// Scanner discovers candidate tokens outside the whale-bias pipeline, used
// only as a fallback when no bias signal is eligible this tick.
type Scanner interface {
	ScanActiveTokens(now time.Time) []string
}

// RedemptionClient performs the periodic settled-market redemption and
// gas-top-up sweep. Wallet signing and chain RPC are out of scope for the
// core (spec §1), so this is consumed only through an interface; with no
// implementation wired, the sweep step is a silent no-op.
type RedemptionClient interface {
	SweepRedemptions() (int, error)
}

// Scheduler drives the tick loop described in spec §4.8.
type Scheduler struct {
	cfg *config.Config

	bias       *bias.Accumulator
	evTrk      *ev.Tracker
	posMgr     *position.Manager
	decision   *decision.Engine
	exec       *execution.Engine
	market     *marketdata.Facade
	cooldowns  *cooldown.Manager
	reserveMgr *reserve.Manager
	funnel     *diagnostics.Funnel
	renderer   *diagnostics.Renderer
	balance    BalanceClient
	scanner    Scanner
	redemption RedemptionClient

	mu              sync.Mutex
	cachedBalance   decimal.Decimal
	balanceAt       time.Time
	referenceCents  map[string]int
	recentlySoldAt  map[string]time.Time
	lastRedemption  time.Time
	liquidationMode config.LiquidationMode

	stopCh chan struct{}
}

// New constructs a scheduler from its collaborators. scanner and redemption
// may be nil; their steps become no-ops.
func New(
	cfg *config.Config,
	biasAcc *bias.Accumulator,
	evTrk *ev.Tracker,
	posMgr *position.Manager,
	dec *decision.Engine,
	execEngine *execution.Engine,
	market *marketdata.Facade,
	cooldowns *cooldown.Manager,
	reserveMgr *reserve.Manager,
	funnel *diagnostics.Funnel,
	renderer *diagnostics.Renderer,
	balance BalanceClient,
	scanner Scanner,
	redemption RedemptionClient,
) *Scheduler {
	return &Scheduler{
		cfg:             cfg,
		bias:            biasAcc,
		evTrk:           evTrk,
		posMgr:          posMgr,
		decision:        dec,
		exec:            execEngine,
		market:          market,
		cooldowns:       cooldowns,
		reserveMgr:      reserveMgr,
		funnel:          funnel,
		renderer:        renderer,
		balance:         balance,
		scanner:         scanner,
		redemption:      redemption,
		referenceCents:  make(map[string]int),
		recentlySoldAt:  make(map[string]time.Time),
		liquidationMode: cfg.LiquidationMode,
		stopCh:          make(chan struct{}),
	}
}

// Run blocks, ticking at the poll interval appropriate to current state
// until Stop is called.
func (s *Scheduler) Run() {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		start := time.Now()
		s.Tick(start)

		interval := s.nextPollInterval()
		select {
		case <-s.stopCh:
			return
		case <-time.After(interval):
		}
	}
}

// Stop signals Run to exit after the in-flight tick completes.
func (s *Scheduler) Stop() { close(s.stopCh) }

func (s *Scheduler) nextPollInterval() time.Duration {
	if s.liquidationMode != config.LiquidationOff {
		return time.Duration(s.cfg.LiquidationPollIntervalMs) * time.Millisecond
	}
	if len(s.posMgr.OpenPositions()) > 0 {
		return time.Duration(s.cfg.PositionPollIntervalMs) * time.Millisecond
	}
	return time.Duration(s.cfg.PollIntervalMs) * time.Millisecond
}

// Tick runs exactly one cycle of the 7-step algorithm in spec §4.8.
func (s *Scheduler) Tick(now time.Time) {
	// Step 1: parallel refresh.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.refreshBalance(now) }()
	go func() {
		defer wg.Done()
		s.bias.RefreshLeaderboard(now)
		s.bias.PollRotatingBatch(now)
	}()
	wg.Wait()

	open := s.posMgr.OpenPositions()

	if s.liquidationMode != config.LiquidationOff {
		s.runLiquidation(open, now)
		return
	}

	// Step 2: exits before entries, freeing exposure first.
	if len(open) > 0 {
		prices := s.fetchPrices(dedupTokens(open), now)
		outcomes := s.exec.ProcessExits(prices, s.biasLookup(now), s.evAllowed(now), now)
		s.recordExitOutcomes(outcomes, now)
	}

	// Step 3: cooldown housekeeping.
	s.cleanupCooldowns(now)
	s.reserveMgr.Adapt(now)

	// Step 4: gather + filter active biases, emitting funnel counters as a
	// byproduct of CanEnter's classification.
	eligible := s.eligibleCandidates(now)

	// Step 5: up to K top eligible biases by entry score.
	filled := s.processTopCandidates(eligible, now)

	// Step 6: scanner fallback when no whale signal is eligible.
	if filled == 0 && s.cfg.ScannerEnabled && s.scanner != nil {
		s.runScannerFallback(now)
	}

	// Step 7: periodic housekeeping.
	s.periodicHousekeeping(now)

	s.render(now)
}

func (s *Scheduler) refreshBalance(now time.Time) {
	s.mu.Lock()
	due := s.balanceAt.IsZero() || now.Sub(s.balanceAt) >= balanceRefreshMinInterval
	s.mu.Unlock()
	if !due || s.balance == nil {
		return
	}
	bal, err := s.balance.GetBalance()
	if err != nil {
		log.Warn().Err(err).Msg("scheduler: balance refresh failed")
		return
	}
	s.mu.Lock()
	s.cachedBalance = bal
	s.balanceAt = now
	s.mu.Unlock()
}

func (s *Scheduler) currentBalance() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cachedBalance
}

func dedupTokens(positions []types.ManagedPosition) []string {
	seen := make(map[string]struct{}, len(positions))
	out := make([]string, 0, len(positions))
	for _, p := range positions {
		if _, ok := seen[p.TokenID]; ok {
			continue
		}
		seen[p.TokenID] = struct{}{}
		out = append(out, p.TokenID)
	}
	return out
}

func (s *Scheduler) fetchPrices(tokens []string, now time.Time) map[string]int {
	out := make(map[string]int, len(tokens))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, tok := range tokens {
		wg.Add(1)
		go func(tok string) {
			defer wg.Done()
			state, reason, err := s.market.GetOrderbookState(tok, now)
			if err != nil || reason != "" {
				log.Debug().Str("token", tok).Str("reason", string(reason)).Err(err).Msg("scheduler: price fetch failed for open position")
				return
			}
			mu.Lock()
			out[tok] = state.MidPriceCents
			mu.Unlock()
		}(tok)
	}
	wg.Wait()
	return out
}

// recordExitOutcomes folds a ProcessExits pass into the funnel counters and
// the reserve manager's missed-hedge feedback term.
func (s *Scheduler) recordExitOutcomes(outcomes []execution.ExitOutcome, now time.Time) {
	for _, o := range outcomes {
		switch o.Action {
		case types.ActionExit:
			if o.Closed {
				s.funnel.RecordExitFilled()
			}
		case types.ActionHedge:
			if o.FailReason == "" {
				s.funnel.RecordHedgePlaced()
			} else {
				s.reserveMgr.RecordMissedHedge(now)
			}
		}
	}
}

func (s *Scheduler) biasLookup(now time.Time) func(string) types.TokenBias {
	return func(tokenID string) types.TokenBias {
		return s.bias.GetBias(tokenID, now)
	}
}

func (s *Scheduler) evAllowed(now time.Time) bool {
	allowed, _ := s.evTrk.IsTradingAllowed(now)
	return allowed
}

func (s *Scheduler) cleanupCooldowns(now time.Time) {
	if n := s.cooldowns.Cleanup(now); n > 0 {
		log.Debug().Int("removed", n).Msg("scheduler: expired cooldowns cleaned up")
	}
}

type candidate struct {
	tokenID string
	bias    types.TokenBias
}

func (s *Scheduler) eligibleCandidates(now time.Time) []candidate {
	biases := s.bias.GetActiveBiases(now)
	out := make([]candidate, 0, len(biases))
	for _, b := range biases {
		ok, reason := s.bias.CanEnter(b.TokenID, now)
		if !ok {
			if reason != "" {
				s.funnel.RecordRejection(reason)
			}
			continue
		}
		if !s.cooldowns.IsEligible(b.TokenID) {
			s.funnel.RecordRejection(types.ReasonCooldown)
			continue
		}
		out = append(out, candidate{tokenID: b.TokenID, bias: b})
	}
	return out
}

func (s *Scheduler) processTopCandidates(cands []candidate, now time.Time) int {
	type scored struct {
		candidate
		input decision.EntryInput
		score int
	}
	var scoredList []scored
	effective, _ := s.reserveMgr.GetEffectiveBankroll(s.currentBalance())

	for _, c := range cands {
		in, ok := s.buildEntryInput(c, effective, now)
		if !ok {
			continue
		}
		result := s.decision.CheckEntry(in)
		score := result.Score
		scoredList = append(scoredList, scored{candidate: c, input: in, score: score})
	}

	sort.Slice(scoredList, func(i, j int) bool { return scoredList[i].score > scoredList[j].score })

	filled := 0
	for i, sc := range scoredList {
		if i >= maxEntryCandidatesPerTick {
			break
		}
		s.funnel.RecordEntryAttempt()
		outcome := s.exec.ProcessEntry(sc.input, s.currentBalance(), now)
		if outcome.Success {
			filled++
			s.funnel.RecordEntryFilled()
			s.market.Subscribe(sc.tokenID)
		} else {
			s.funnel.RecordRejection(outcome.Reason)
			if isTransientReason(outcome.Reason) {
				s.cooldowns.RecordFailure(sc.tokenID, outcome.Reason)
			} else if isDeadMarketReason(outcome.Reason) {
				s.cooldowns.RecordFailure(sc.tokenID, outcome.Reason)
			}
			if outcome.Reason == types.ReasonNoBankroll || outcome.Reason == types.ReasonWalletCap {
				s.reserveMgr.RecordMissedEntry(now)
			}
		}
	}
	return filled
}

func (s *Scheduler) buildEntryInput(c candidate, effectiveBankroll decimal.Decimal, now time.Time) (decision.EntryInput, bool) {
	state, reason, err := s.market.GetOrderbookState(c.tokenID, now)
	if err != nil || reason != "" {
		s.funnel.RecordRejection(classifyBookReason(reason, err))
		return decision.EntryInput{}, false
	}

	s.mu.Lock()
	ref, ok := s.referenceCents[c.tokenID]
	if !ok {
		ref = state.MidPriceCents
		s.referenceCents[c.tokenID] = ref
	}
	s.mu.Unlock()

	activity := s.market.GetActivity(c.tokenID, now)
	activity.TradesInWindow = c.bias.TradeCount

	open := s.posMgr.OpenPositions()
	total := len(open)
	perToken := 0
	var deployed decimal.Decimal
	for _, p := range open {
		if p.TokenID == c.tokenID {
			perToken++
		}
		deployed = deployed.Add(p.EntrySizeUsd)
	}

	return decision.EntryInput{
		TokenID:            c.tokenID,
		Bias:               c.bias,
		Book:               state,
		Activity:           activity,
		ReferenceCents:     ref,
		EvAllowed:          s.evAllowed(now),
		OpenPositionsTotal: total,
		OpenPositionsToken: perToken,
		EffectiveBankroll:  effectiveBankroll,
		TotalDeployedUsd:   deployed,
	}, true
}

func classifyBookReason(reason types.FailureReason, err error) types.FailureReason {
	if reason != "" {
		return reason
	}
	return types.ReasonNetworkError
}

func isTransientReason(r types.FailureReason) bool {
	switch r {
	case types.ReasonRateLimit, types.ReasonNetworkError, types.ReasonParseError, types.ReasonTimeout:
		return true
	}
	return false
}

func isDeadMarketReason(r types.FailureReason) bool {
	return r == types.ReasonNoOrderbook || r == types.ReasonNotFound
}

func (s *Scheduler) runScannerFallback(now time.Time) {
	tokens := s.scanner.ScanActiveTokens(now)
	effective, _ := s.reserveMgr.GetEffectiveBankroll(s.currentBalance())
	count := 0
	for _, tok := range tokens {
		if count >= maxScannerCandidatesPerTick {
			break
		}
		if !s.cooldowns.IsEligible(tok) {
			continue
		}
		c := candidate{tokenID: tok, bias: types.TokenBias{TokenID: tok, Direction: types.BiasLong}}
		in, ok := s.buildEntryInput(c, effective, now)
		if !ok {
			continue
		}
		s.funnel.RecordEntryAttempt()
		outcome := s.exec.ProcessEntry(in, s.currentBalance(), now)
		if outcome.Success {
			s.funnel.RecordEntryFilled()
			s.market.Subscribe(tok)
		} else {
			s.funnel.RecordRejection(outcome.Reason)
		}
		count++
	}
}

func (s *Scheduler) periodicHousekeeping(now time.Time) {
	sweepInterval := redemptionSweepInterval
	if s.liquidationMode != config.LiquidationOff {
		sweepInterval = redemptionSweepIntervalLiquidation
	}
	s.mu.Lock()
	due := s.lastRedemption.IsZero() || now.Sub(s.lastRedemption) >= sweepInterval
	s.mu.Unlock()
	if due {
		if s.redemption != nil {
			if n, err := s.redemption.SweepRedemptions(); err != nil {
				log.Warn().Err(err).Msg("scheduler: redemption sweep failed")
			} else if n > 0 {
				log.Info().Int("redeemed", n).Msg("scheduler: redemption sweep complete")
			}
		}
		s.mu.Lock()
		s.lastRedemption = now
		s.mu.Unlock()
	}

	pruned := s.posMgr.PruneClosedPositions(closedPositionMaxAge, now)
	if pruned > 0 {
		log.Debug().Int("pruned", pruned).Msg("scheduler: closed positions pruned")
	}
}

func (s *Scheduler) render(now time.Time) {
	if s.renderer == nil {
		return
	}
	metrics := s.evTrk.GetMetrics()
	effective, reserveUsd := s.reserveMgr.GetEffectiveBankroll(s.currentBalance())
	s.renderer.Render(diagnostics.StatusInput{
		OpenPositions: len(s.posMgr.OpenPositions()),
		EvPaused:      s.evTrk.IsPaused(now),
		EvCents:       metrics.EvCents.String(),
		EffectiveUsd:  effective.String(),
		ReserveUsd:    reserveUsd.String(),
		Now:           now,
	})
}

// runLiquidation sells one position per tick (largest value first) while in
// liquidation mode, auto-exiting the mode once the condition clears.
func (s *Scheduler) runLiquidation(open []types.ManagedPosition, now time.Time) {
	losingOnly := s.liquidationMode == config.LiquidationLosing

	candidates := make([]types.ManagedPosition, 0, len(open))
	for _, p := range open {
		s.mu.Lock()
		soldAt, cooling := s.recentlySoldAt[p.TokenID]
		s.mu.Unlock()
		if cooling && now.Sub(soldAt) < postSaleCooldown {
			continue
		}
		if losingOnly && p.UnrealizedPnLCents >= 0 {
			continue
		}
		candidates = append(candidates, p)
	}

	if len(candidates) == 0 {
		s.maybeExitLiquidation(open, now)
		s.periodicHousekeeping(now)
		return
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].EntrySizeUsd.GreaterThan(candidates[j].EntrySizeUsd)
	})
	target := candidates[0]

	prices := s.fetchPrices([]string{target.TokenID}, now)
	priceCents, ok := prices[target.TokenID]
	if !ok {
		return
	}
	if err := s.posMgr.BeginExit(target.ID, types.ExitHardExit, now, types.EvMetrics{}, types.TokenBias{}); err != nil {
		log.Warn().Err(err).Str("position", target.ID).Msg("scheduler: liquidation begin-exit failed")
	}
	outcomes := s.exec.ProcessExits(map[string]int{target.TokenID: priceCents}, s.biasLookup(now), false, now)
	s.recordExitOutcomes(outcomes, now)
	for _, o := range outcomes {
		if o.Closed {
			s.mu.Lock()
			s.recentlySoldAt[target.TokenID] = now
			s.mu.Unlock()
		}
	}

	s.maybeExitLiquidation(s.posMgr.OpenPositions(), now)
	s.periodicHousekeeping(now)
}

func (s *Scheduler) maybeExitLiquidation(open []types.ManagedPosition, now time.Time) {
	switch s.liquidationMode {
	case config.LiquidationAll:
		effective, _ := s.reserveMgr.GetEffectiveBankroll(s.currentBalance())
		if effective.GreaterThan(decimal.Zero) {
			log.Info().Msg("scheduler: exiting liquidation mode (all) — bankroll positive")
			s.liquidationMode = config.LiquidationOff
		}
	case config.LiquidationLosing:
		allNonLosing := true
		for _, p := range open {
			if p.UnrealizedPnLCents < 0 {
				allNonLosing = false
				break
			}
		}
		if allNonLosing {
			log.Info().Msg("scheduler: exiting liquidation mode (losing) — no losing positions remain")
			s.liquidationMode = config.LiquidationOff
		}
	}
}
