package scheduler

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whalecopy/internal/bias"
	"whalecopy/internal/config"
	"whalecopy/internal/cooldown"
	"whalecopy/internal/decision"
	"whalecopy/internal/diagnostics"
	"whalecopy/internal/ev"
	"whalecopy/internal/execution"
	"whalecopy/internal/exec"
	"whalecopy/internal/marketdata"
	"whalecopy/internal/position"
	"whalecopy/internal/reserve"
	"whalecopy/internal/types"
)

type stubBalance struct{ bal decimal.Decimal }

func (s stubBalance) GetBalance() (decimal.Decimal, error) { return s.bal, nil }

type stubScanner struct{ tokens []string }

func (s stubScanner) ScanActiveTokens(now time.Time) []string { return s.tokens }

type stubRedemption struct {
	n       int
	err     error
	calls   int
}

func (s *stubRedemption) SweepRedemptions() (int, error) {
	s.calls++
	return s.n, s.err
}

type stubRest struct {
	state types.OrderbookState
	err   error
}

func (s *stubRest) GetOrderBook(tokenID string) (types.OrderbookState, error) {
	return s.state, s.err
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("SIMULATION", "true")
	t.Setenv("MAX_TRADE_USD", "25")
	t.Setenv("RESERVE_FRACTION", "0.2")
	t.Setenv("MIN_BIAS_FLOW_USD", "500")
	t.Setenv("MIN_BIAS_TRADES", "2")
	t.Setenv("POLL_INTERVAL_MS", "50")
	t.Setenv("POSITION_POLL_INTERVAL_MS", "25")
	t.Setenv("LIQUIDATION_POLL_INTERVAL_MS", "10")
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func newTestScheduler(t *testing.T, rest *stubRest, balance decimal.Decimal) *Scheduler {
	t.Helper()
	cfg := testConfig(t)

	biasAcc := bias.New(cfg, nil)
	evTrk := ev.New(cfg)
	posMgr := position.New(cfg, nil)
	dec := decision.New(cfg)
	reserveMgr := reserve.New(cfg)

	client, err := exec.New(cfg)
	require.NoError(t, err)
	execEngine := execution.New(cfg, client, dec, posMgr, evTrk, reserveMgr)

	market := marketdata.New(cfg, marketdata.NewWSClient("wss://example.invalid"), rest)
	cooldowns := cooldown.New()
	funnel := diagnostics.NewFunnel()
	renderer := diagnostics.NewRenderer(funnel, biasAcc, cooldowns)

	return New(cfg, biasAcc, evTrk, posMgr, dec, execEngine, market, cooldowns, reserveMgr, funnel, renderer,
		stubBalance{bal: balance}, nil, nil)
}

func validBook() types.OrderbookState {
	return types.OrderbookState{
		BestBidCents: 54, BestAskCents: 56, SpreadCents: 2, MidPriceCents: 55,
		BidDepthUsd: decimal.NewFromFloat(200), AskDepthUsd: decimal.NewFromFloat(200),
	}
}

func TestTickFillsEligibleWhaleBias(t *testing.T) {
	rest := &stubRest{state: validBook()}
	s := newTestScheduler(t, rest, decimal.NewFromFloat(1000))

	now := time.Now()
	s.bias.IngestTrades([]types.WhaleTrade{
		{TokenID: "tok-1", Wallet: "0xA", Side: "BUY", SizeUsd: decimal.NewFromFloat(300), Timestamp: now},
		{TokenID: "tok-1", Wallet: "0xB", Side: "BUY", SizeUsd: decimal.NewFromFloat(300), Timestamp: now},
	}, now)
	s.referenceCents["tok-1"] = 40 // seed a reference away from the book's mid so the entry-band gate passes

	s.Tick(now)

	assert.Len(t, s.posMgr.OpenPositions(), 1)
}

func TestTickSkipsWhenNoEligibleBias(t *testing.T) {
	rest := &stubRest{state: validBook()}
	s := newTestScheduler(t, rest, decimal.NewFromFloat(1000))

	s.Tick(time.Now())
	assert.Empty(t, s.posMgr.OpenPositions())
}

func TestTickProcessesExitsBeforeEntries(t *testing.T) {
	rest := &stubRest{state: types.OrderbookState{BestBidCents: 63, BestAskCents: 65, SpreadCents: 2, MidPriceCents: 64}}
	s := newTestScheduler(t, rest, decimal.NewFromFloat(1000))
	now := time.Now()

	pos := s.posMgr.OpenPosition(position.OpenParams{
		TokenID: "tok-1", Side: types.SideLong, EntryPriceCents: 50,
		EntrySizeUsd: decimal.NewFromFloat(25), Now: now,
	}, types.EvMetrics{}, types.TokenBias{})

	s.Tick(now.Add(time.Minute))

	got, ok := s.posMgr.Get(pos.ID)
	require.True(t, ok)
	assert.Equal(t, types.StateClosed, got.State)
}

func TestRunScannerFallbackRespectsMaxCandidates(t *testing.T) {
	rest := &stubRest{state: validBook()}
	s := newTestScheduler(t, rest, decimal.NewFromFloat(1000))
	s.scanner = stubScanner{tokens: []string{"a", "b", "c", "d"}}
	s.cfg.ScannerEnabled = true

	s.runScannerFallback(time.Now())
	assert.LessOrEqual(t, len(s.posMgr.OpenPositions()), maxScannerCandidatesPerTick)
}

func TestPeriodicHousekeepingInvokesRedemptionSweep(t *testing.T) {
	rest := &stubRest{state: validBook()}
	s := newTestScheduler(t, rest, decimal.NewFromFloat(1000))
	redemption := &stubRedemption{n: 2}
	s.redemption = redemption

	s.periodicHousekeeping(time.Now())
	assert.Equal(t, 1, redemption.calls)
}

func TestNextPollIntervalVariesByState(t *testing.T) {
	rest := &stubRest{state: validBook()}
	s := newTestScheduler(t, rest, decimal.NewFromFloat(1000))

	assert.Equal(t, time.Duration(s.cfg.PollIntervalMs)*time.Millisecond, s.nextPollInterval())

	s.posMgr.OpenPosition(position.OpenParams{TokenID: "tok-1", Side: types.SideLong, EntryPriceCents: 50, EntrySizeUsd: decimal.NewFromFloat(10), Now: time.Now()}, types.EvMetrics{}, types.TokenBias{})
	assert.Equal(t, time.Duration(s.cfg.PositionPollIntervalMs)*time.Millisecond, s.nextPollInterval())

	s.liquidationMode = config.LiquidationAll
	assert.Equal(t, time.Duration(s.cfg.LiquidationPollIntervalMs)*time.Millisecond, s.nextPollInterval())
}

func TestMaybeExitLiquidationAllClearsOnPositiveBankroll(t *testing.T) {
	rest := &stubRest{state: validBook()}
	s := newTestScheduler(t, rest, decimal.NewFromFloat(1000))
	s.liquidationMode = config.LiquidationAll
	s.refreshBalance(time.Now())

	s.maybeExitLiquidation(nil, time.Now())
	assert.Equal(t, config.LiquidationOff, s.liquidationMode)
}

func TestDedupTokensRemovesDuplicates(t *testing.T) {
	positions := []types.ManagedPosition{{TokenID: "a"}, {TokenID: "a"}, {TokenID: "b"}}
	out := dedupTokens(positions)
	assert.Len(t, out, 2)
}
