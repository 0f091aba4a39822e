// Package ev tracks rolling per-trade outcomes and self-pauses the daemon
// when the realized edge degrades.
package ev

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"whalecopy/internal/config"
	"whalecopy/internal/types"
)

const warmupTrades = 10

// Tracker keeps the last N TradeResults as a FIFO and derives EvMetrics on
// every insert.
type Tracker struct {
	cfg *config.Config

	mu          sync.Mutex
	results     []types.TradeResult
	pausedUntil time.Time
}

// New constructs an empty tracker bound to cfg.
func New(cfg *config.Config) *Tracker {
	return &Tracker{cfg: cfg}
}

// RecordTrade appends a closed trade, trims the window to EvWindowSize, and
// re-evaluates the pause condition.
func (t *Tracker) RecordTrade(r types.TradeResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.results = append(t.results, r)
	if len(t.results) > t.cfg.EvWindowSize {
		t.results = t.results[len(t.results)-t.cfg.EvWindowSize:]
	}

	metrics := computeMetrics(t.results, t.cfg.ChurnCostCents)
	if metrics.TotalTrades >= warmupTrades &&
		(metrics.EvCents.LessThan(t.cfg.MinEvCents) || profitFactorBelow(metrics, t.cfg.MinProfitFactor)) {
		t.pausedUntil = r.Timestamp.Add(time.Duration(t.cfg.PauseSeconds) * time.Second)
	}
}

// GetMetrics returns EvMetrics over the currently retained window.
func (t *Tracker) GetMetrics() types.EvMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return computeMetrics(t.results, t.cfg.ChurnCostCents)
}

// IsPaused reports whether the tracker is currently self-paused, as of now.
func (t *Tracker) IsPaused(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return now.Before(t.pausedUntil)
}

// Unpause clears any active self-pause, e.g. for manual operator override.
func (t *Tracker) Unpause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pausedUntil = time.Time{}
}

// IsTradingAllowed reports whether entries are currently allowed given the
// pause state and warmup/threshold rules.
func (t *Tracker) IsTradingAllowed(now time.Time) (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if now.Before(t.pausedUntil) {
		remaining := t.pausedUntil.Sub(now)
		return false, "paused for " + remaining.Round(time.Second).String()
	}

	metrics := computeMetrics(t.results, t.cfg.ChurnCostCents)
	if metrics.TotalTrades < warmupTrades {
		return true, "warmup"
	}
	if metrics.EvCents.LessThan(t.cfg.MinEvCents) {
		return false, "ev below minimum"
	}
	if profitFactorBelow(metrics, t.cfg.MinProfitFactor) {
		return false, "profit factor below minimum"
	}
	return true, ""
}

// profitFactorBelow reports whether the profit factor is under min. The
// profit factor is only defined when there is an average loss, so a window
// with no losses never fails this check.
func profitFactorBelow(m types.EvMetrics, min decimal.Decimal) bool {
	return m.AvgLossCents.GreaterThan(decimal.Zero) && m.ProfitFactor.LessThan(min)
}

func computeMetrics(results []types.TradeResult, churnCostCents decimal.Decimal) types.EvMetrics {
	m := types.EvMetrics{TotalTrades: len(results)}
	if len(results) == 0 {
		return m
	}

	var sumWinCents, sumLossCents, totalPnlUsd decimal.Decimal
	for _, r := range results {
		totalPnlUsd = totalPnlUsd.Add(r.PnLUsd)
		if r.IsWin {
			m.Wins++
			sumWinCents = sumWinCents.Add(decimal.NewFromInt(int64(r.PnLCents)))
		} else {
			m.Losses++
			sumLossCents = sumLossCents.Add(decimal.NewFromInt(int64(-r.PnLCents)))
		}
	}
	m.TotalPnlUsd = totalPnlUsd

	n := decimal.NewFromInt(int64(m.TotalTrades))
	m.WinRate = decimal.NewFromInt(int64(m.Wins)).Div(n)

	if m.Wins > 0 {
		m.AvgWinCents = sumWinCents.Div(decimal.NewFromInt(int64(m.Wins)))
	}
	if m.Losses > 0 {
		m.AvgLossCents = sumLossCents.Div(decimal.NewFromInt(int64(m.Losses)))
	}

	pWin := decimal.NewFromInt(int64(m.Wins)).Div(n)
	pLoss := decimal.NewFromInt(int64(m.Losses)).Div(n)
	m.EvCents = pWin.Mul(m.AvgWinCents).Sub(pLoss.Mul(m.AvgLossCents)).Sub(churnCostCents)

	if m.AvgLossCents.GreaterThan(decimal.Zero) {
		m.ProfitFactor = m.AvgWinCents.Div(m.AvgLossCents)
	}

	return m
}
