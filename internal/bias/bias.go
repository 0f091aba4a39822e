// Package bias ingests whale BUY flow and derives a per-token directional
// signal the decision engine uses as permission to enter, not a prediction.
package bias

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"whalecopy/internal/config"
	"whalecopy/internal/types"
)

// LeaderboardClient is the external collaborator that discovers whale
// accounts and their recent activity. Out of scope for the core per the
// daemon's purpose statement; consumed here only through this interface.
type LeaderboardClient interface {
	// FetchLeaderboard returns accounts ordered by a performance metric.
	FetchLeaderboard() ([]string, error)
	// FetchAccountTrades returns up to ~20 recent actions for one account.
	FetchAccountTrades(account string) ([]types.WhaleTrade, error)
}

// Funnel holds the counters the scheduler's status line reports.
type Funnel struct {
	TradesIngested         atomic.Int64
	TradesFilteredByPrice  atomic.Int64
	UniqueTokensWithTrades atomic.Int64
}

type tradeRecord struct {
	wallet    string
	sizeCents int64 // rounded to cent for the dedup window
	ts        time.Time
}

// Accumulator maintains the sliding window of retained whale BUYs and
// derives TokenBias on demand.
type Accumulator struct {
	cfg *config.Config

	mu         sync.Mutex
	byToken    map[string][]tradeRecord
	lastSeen   map[string]time.Time // token -> lastActivity
	tokenNetUsd map[string]decimal.Decimal

	leaderboard      []string
	leaderboardSet   map[string]struct{}
	leaderboardAt    time.Time
	fetchCount       int64

	client LeaderboardClient
	Funnel Funnel
}

// New constructs an empty accumulator bound to cfg and client.
func New(cfg *config.Config, client LeaderboardClient) *Accumulator {
	return &Accumulator{
		cfg:         cfg,
		byToken:     make(map[string][]tradeRecord),
		lastSeen:    make(map[string]time.Time),
		tokenNetUsd: make(map[string]decimal.Decimal),
		client:      client,
	}
}

// RefreshLeaderboard pulls a new whale set if the refresh interval has
// elapsed. Safe to call every tick; it no-ops otherwise.
func (a *Accumulator) RefreshLeaderboard(now time.Time) {
	a.mu.Lock()
	due := a.leaderboardAt.IsZero() || now.Sub(a.leaderboardAt) >= time.Duration(a.cfg.LeaderboardRefreshMs)*time.Millisecond
	a.mu.Unlock()
	if !due || a.client == nil {
		return
	}

	accounts, err := a.client.FetchLeaderboard()
	if err != nil {
		log.Warn().Err(err).Msg("bias: leaderboard refresh failed")
		return
	}

	set := make(map[string]struct{}, len(accounts))
	for _, acc := range accounts {
		set[strings.ToLower(acc)] = struct{}{}
	}

	a.mu.Lock()
	a.leaderboard = accounts
	a.leaderboardSet = set
	a.leaderboardAt = now
	a.mu.Unlock()
}

// PollRotatingBatch fetches trades for the next BATCH_SIZE accounts in the
// leaderboard's rotation, ingests them, and returns how many accounts were
// polled. Coverage of the full leaderboard completes every
// ceil(N/BATCH_SIZE) calls.
func (a *Accumulator) PollRotatingBatch(now time.Time) int {
	a.mu.Lock()
	accounts := a.leaderboard
	n := len(accounts)
	batch := a.cfg.LeaderboardBatchSize
	if batch <= 0 {
		batch = 1
	}
	start := int((a.fetchCount * int64(batch)) % int64(max1(n)))
	a.fetchCount++
	a.mu.Unlock()

	if n == 0 || a.client == nil {
		return 0
	}

	polled := 0
	var batchTrades []types.WhaleTrade
	for i := 0; i < batch && i < n; i++ {
		idx := (start + i) % n
		account := accounts[idx]
		trades, err := a.client.FetchAccountTrades(account)
		if err != nil {
			// Per-account failures are isolated; one bad account never
			// blocks the rest of the rotation.
			log.Debug().Err(err).Str("account", account).Msg("bias: account fetch failed")
			continue
		}
		batchTrades = append(batchTrades, trades...)
		polled++
	}

	if len(batchTrades) > 0 {
		a.IngestTrades(batchTrades, now)
	}
	return polled
}

func max1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// IngestTrades absorbs a batch of observed whale actions: rejects sells and
// invalid token IDs, applies the optional whale-price filter, dedups, and
// prunes anything that fell out of the window.
func (a *Accumulator) IngestTrades(batch []types.WhaleTrade, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	window := time.Duration(a.cfg.BiasWindowSeconds) * time.Second
	priceFilterEnabled := a.cfg.HasWhalePriceFilter && !a.cfg.WhalePriceMin.GreaterThan(a.cfg.WhalePriceMax)
	if a.cfg.HasWhalePriceFilter && a.cfg.WhalePriceMin.GreaterThan(a.cfg.WhalePriceMax) {
		log.Warn().Msg("bias: whale price filter min>max, disabling filter")
	}

	for _, t := range batch {
		if !strings.EqualFold(t.Side, "BUY") {
			continue
		}
		if t.TokenID == "" {
			continue
		}
		if priceFilterEnabled && t.HasPrice {
			if t.Price.LessThan(a.cfg.WhalePriceMin) || t.Price.GreaterThan(a.cfg.WhalePriceMax) {
				a.Funnel.TradesFilteredByPrice.Add(1)
				continue
			}
		}

		if a.isDuplicate(t) {
			continue
		}

		rec := tradeRecord{
			wallet:    strings.ToLower(t.Wallet),
			sizeCents: t.SizeUsd.Mul(decimal.NewFromInt(100)).Round(0).IntPart(),
			ts:        t.Timestamp,
		}
		if _, ok := a.byToken[t.TokenID]; !ok {
			a.Funnel.UniqueTokensWithTrades.Add(1)
		}
		a.byToken[t.TokenID] = append(a.byToken[t.TokenID], rec)
		a.lastSeen[t.TokenID] = t.Timestamp
		net, ok := a.tokenNetUsd[t.TokenID]
		if !ok {
			net = decimal.Zero
		}
		a.tokenNetUsd[t.TokenID] = net.Add(t.SizeUsd)
		a.Funnel.TradesIngested.Add(1)
	}

	a.pruneLocked(now, window)
}

// isDuplicate applies the fuzzy dedup rule: same wallet, size within 1c,
// timestamp within 60s of an already-retained trade for the same token.
// Caller must hold a.mu.
func (a *Accumulator) isDuplicate(t types.WhaleTrade) bool {
	recs, ok := a.byToken[t.TokenID]
	if !ok {
		return false
	}
	wallet := strings.ToLower(t.Wallet)
	sizeCents := t.SizeUsd.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
	for _, r := range recs {
		if r.wallet != wallet {
			continue
		}
		diff := r.sizeCents - sizeCents
		if diff < 0 {
			diff = -diff
		}
		if diff > 1 {
			continue
		}
		delta := r.ts.Sub(t.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta <= 60*time.Second {
			return true
		}
	}
	return false
}

// pruneLocked drops retained trades whose timestamp fell out of the window.
// Caller must hold a.mu. NetUsd is recomputed from the surviving set so it
// never drifts from what's actually retained.
func (a *Accumulator) pruneLocked(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	for token, recs := range a.byToken {
		kept := recs[:0]
		net := decimal.Zero
		for _, r := range recs {
			if r.ts.Before(cutoff) {
				continue
			}
			kept = append(kept, r)
			net = net.Add(decimal.New(r.sizeCents, -2))
		}
		if len(kept) == 0 {
			delete(a.byToken, token)
			delete(a.lastSeen, token)
			delete(a.tokenNetUsd, token)
			continue
		}
		a.byToken[token] = kept
		a.tokenNetUsd[token] = net
	}
}

// GetBias derives the current TokenBias for tokenID from retained trades.
func (a *Accumulator) GetBias(tokenID string, now time.Time) types.TokenBias {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.getBiasLocked(tokenID, now)
}

func (a *Accumulator) getBiasLocked(tokenID string, now time.Time) types.TokenBias {
	recs := a.byToken[tokenID]
	tb := types.TokenBias{
		TokenID:   tokenID,
		Direction: types.BiasNone,
	}
	if len(recs) == 0 {
		tb.IsStale = true
		return tb
	}

	tb.TradeCount = len(recs)
	tb.NetUsd = a.tokenNetUsd[tokenID]
	tb.LastActivity = a.lastSeen[tokenID]
	staleWindow := time.Duration(a.cfg.BiasStaleSeconds) * time.Second
	tb.IsStale = now.Sub(tb.LastActivity) >= staleWindow

	switch a.cfg.BiasMode {
	case config.BiasModeCopyAnyWhale:
		if tb.TradeCount >= 1 && !tb.IsStale {
			tb.Direction = types.BiasLong
		}
	default: // conservative
		if !tb.IsStale && tb.TradeCount >= a.cfg.MinBiasTrades && tb.NetUsd.GreaterThanOrEqual(a.cfg.MinBiasFlowUsd) {
			tb.Direction = types.BiasLong
		}
	}
	return tb
}

// GetActiveBiases returns TokenBias for every token with at least one
// retained trade in the window.
func (a *Accumulator) GetActiveBiases(now time.Time) []types.TokenBias {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.TokenBias, 0, len(a.byToken))
	for token := range a.byToken {
		out = append(out, a.getBiasLocked(token, now))
	}
	return out
}

// TradesIngestedCount satisfies diagnostics.BiasFunnelSource.
func (a *Accumulator) TradesIngestedCount() int64 { return a.Funnel.TradesIngested.Load() }

// TradesFilteredByPriceCount satisfies diagnostics.BiasFunnelSource.
func (a *Accumulator) TradesFilteredByPriceCount() int64 {
	return a.Funnel.TradesFilteredByPrice.Load()
}

// UniqueTokensWithTradesCount satisfies diagnostics.BiasFunnelSource.
func (a *Accumulator) UniqueTokensWithTradesCount() int64 {
	return a.Funnel.UniqueTokensWithTrades.Load()
}

// CanEnter reports whether tokenID currently carries eligible LONG bias.
func (a *Accumulator) CanEnter(tokenID string, now time.Time) (bool, types.FailureReason) {
	tb := a.GetBias(tokenID, now)
	if tb.TradeCount == 0 {
		return false, types.ReasonNoWhaleBuySeen
	}
	if tb.IsStale {
		return false, types.ReasonBiasStale
	}
	if a.cfg.BiasMode == config.BiasModeConservative {
		if tb.TradeCount < a.cfg.MinBiasTrades {
			return false, types.ReasonBiasBelowTrades
		}
		if tb.NetUsd.LessThan(a.cfg.MinBiasFlowUsd) {
			return false, types.ReasonBiasBelowFlow
		}
	}
	if tb.Direction != types.BiasLong {
		return false, types.ReasonNoWhaleBuySeen
	}
	return true, ""
}
