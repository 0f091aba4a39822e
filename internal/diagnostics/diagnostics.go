// Package diagnostics aggregates the funnel, rejection, and cooldown
// counters the scheduler renders as a periodic status line.
package diagnostics

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"whalecopy/internal/types"
)

// Funnel tracks execution-side counters: entries/exits/hedges placed and
// rejections by reason. Ingest-side counters (trades ingested, filtered,
// unique tokens) live on bias.Accumulator.Funnel and are read by the
// renderer through BiasFunnelSource, not duplicated here.
type Funnel struct {
	EntriesAttempted int64
	EntriesFilled    int64
	ExitsFilled      int64
	HedgesPlaced     int64

	rejections map[types.FailureReason]*int64
}

// NewFunnel constructs an empty funnel with counters for every known
// rejection reason pre-allocated so RecordRejection never needs a lock.
func NewFunnel() *Funnel {
	f := &Funnel{rejections: make(map[types.FailureReason]*int64)}
	for _, r := range []types.FailureReason{
		types.ReasonRateLimit, types.ReasonNetworkError, types.ReasonParseError,
		types.ReasonTimeout, types.ReasonOrderRejected, types.ReasonInvalidLiquidity,
		types.ReasonDustBook, types.ReasonInvalidPrices, types.ReasonPriceOutOfBounds,
		types.ReasonActivityTooLow, types.ReasonNoOrderbook, types.ReasonNotFound,
		types.ReasonCooldown, types.ReasonNoBankroll, types.ReasonMarketCap,
		types.ReasonWalletCap, types.ReasonEVPaused, types.ReasonBiasStale,
		types.ReasonBiasBelowTrades, types.ReasonBiasBelowFlow, types.ReasonNoWhaleBuySeen,
		types.ReasonFOKNotFilled,
	} {
		var n int64
		f.rejections[r] = &n
	}
	return f
}

// RecordEntryAttempt notes an entry candidate was evaluated.
func (f *Funnel) RecordEntryAttempt() { atomic.AddInt64(&f.EntriesAttempted, 1) }

// RecordEntryFilled notes a live entry fill.
func (f *Funnel) RecordEntryFilled() { atomic.AddInt64(&f.EntriesFilled, 1) }

// RecordExitFilled notes a live exit fill.
func (f *Funnel) RecordExitFilled() { atomic.AddInt64(&f.ExitsFilled, 1) }

// RecordHedgePlaced notes a live hedge leg.
func (f *Funnel) RecordHedgePlaced() { atomic.AddInt64(&f.HedgesPlaced, 1) }

// RecordRejection bumps the counter for a structured failure reason.
func (f *Funnel) RecordRejection(reason types.FailureReason) {
	if counter, ok := f.rejections[reason]; ok {
		atomic.AddInt64(counter, 1)
	}
}

// RejectionCounts returns a snapshot of every non-zero rejection reason.
func (f *Funnel) RejectionCounts() map[types.FailureReason]int64 {
	out := make(map[types.FailureReason]int64)
	for reason, counter := range f.rejections {
		if n := atomic.LoadInt64(counter); n > 0 {
			out[reason] = n
		}
	}
	return out
}

// CooldownSource reports how many tokens are currently in backoff.
type CooldownSource interface {
	ActiveCount() int
}

// BiasFunnelSource exposes the ingest-side counters owned by the bias
// accumulator so the renderer can fold them into one status line without
// diagnostics importing bias (which would create an import cycle, since
// bias has no need to know about diagnostics).
type BiasFunnelSource interface {
	TradesIngestedCount() int64
	TradesFilteredByPriceCount() int64
	UniqueTokensWithTradesCount() int64
}

// Renderer periodically logs a single structured status line summarizing
// the funnel, active positions, EV state, and cooldown pressure.
type Renderer struct {
	funnel    *Funnel
	bias      BiasFunnelSource
	cooldowns CooldownSource
}

// NewRenderer constructs a renderer bound to funnel, bias, and cooldowns.
// bias and cooldowns may be nil; their fields are simply omitted.
func NewRenderer(funnel *Funnel, bias BiasFunnelSource, cooldowns CooldownSource) *Renderer {
	return &Renderer{funnel: funnel, bias: bias, cooldowns: cooldowns}
}

// StatusInput is the per-tick context the renderer needs beyond the funnel.
type StatusInput struct {
	OpenPositions int
	EvPaused      bool
	EvCents       string
	EffectiveUsd  string
	ReserveUsd    string
	Now           time.Time
}

// Render emits one structured log line summarizing daemon state.
func (r *Renderer) Render(in StatusInput) {
	ev := log.Info().
		Int("open_positions", in.OpenPositions).
		Bool("ev_paused", in.EvPaused).
		Str("ev_cents", in.EvCents).
		Str("effective_bankroll_usd", in.EffectiveUsd).
		Str("reserve_usd", in.ReserveUsd).
		Int64("entries_attempted", atomic.LoadInt64(&r.funnel.EntriesAttempted)).
		Int64("entries_filled", atomic.LoadInt64(&r.funnel.EntriesFilled)).
		Int64("exits_filled", atomic.LoadInt64(&r.funnel.ExitsFilled)).
		Int64("hedges_placed", atomic.LoadInt64(&r.funnel.HedgesPlaced))

	if r.bias != nil {
		ev = ev.
			Int64("trades_ingested", r.bias.TradesIngestedCount()).
			Int64("trades_filtered_by_price", r.bias.TradesFilteredByPriceCount()).
			Int64("unique_tokens_with_trades", r.bias.UniqueTokensWithTradesCount())
	}
	if r.cooldowns != nil {
		ev = ev.Int("cooldowns_active", r.cooldowns.ActiveCount())
	}
	for reason, count := range r.funnel.RejectionCounts() {
		ev = ev.Int64("rej_"+string(reason), count)
	}
	ev.Msg("status")
}
