package decision

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"whalecopy/internal/config"
	"whalecopy/internal/types"
)

func testConfig() *config.Config {
	return &config.Config{
		MaxTradeUsd:               decimal.NewFromFloat(25),
		TradeFraction:             decimal.NewFromFloat(0.01),
		MaxOpenPositionsTotal:     10,
		MaxOpenPositionsPerMarket: 1,
		MaxDeployedFractionTotal:  decimal.NewFromFloat(0.8),
		TakeProfitCents:           14,
		HedgeTriggerCents:         16,
		HardStopCents:             30,
		MaxHoldSeconds:            6 * 3600,
		HedgeRatio:                decimal.NewFromFloat(0.4),
		MaxHedgeRatio:             decimal.NewFromFloat(0.6),
		MinEntryPriceCents:        30,
		MaxEntryPriceCents:        82,
		EntryBandCents:            4,
		MaxSpreadCents:            3,
		MinDepthUsdAtExit:         decimal.NewFromFloat(50),
		MinActivityTrades:         2,
		MinActivityUpdates:        5,
	}
}

func validEntryInput() EntryInput {
	return EntryInput{
		TokenID: "tok-1",
		Bias:    types.TokenBias{Direction: types.BiasLong},
		Book: types.OrderbookState{
			BestBidCents:  55,
			BestAskCents:  56,
			SpreadCents:   1,
			MidPriceCents: 55,
			BidDepthUsd:   decimal.NewFromFloat(100),
			AskDepthUsd:   decimal.NewFromFloat(100),
		},
		Activity:           types.MarketActivity{TradesInWindow: 5},
		ReferenceCents:      40,
		EvAllowed:           true,
		OpenPositionsTotal:  0,
		OpenPositionsToken:  0,
		EffectiveBankroll:   decimal.NewFromFloat(1000),
		TotalDeployedUsd:    decimal.Zero,
	}
}

func TestCheckEntryHappyPath(t *testing.T) {
	e := New(testConfig())
	res := e.CheckEntry(validEntryInput())
	assert.True(t, res.Allowed)
	assert.Equal(t, types.SideLong, res.Side)
	assert.Equal(t, 56, res.PriceCents)
	assert.True(t, res.SizeUsd.GreaterThan(decimal.Zero))
}

func TestCheckEntryRejectsWithoutWhaleBuy(t *testing.T) {
	e := New(testConfig())
	in := validEntryInput()
	in.Bias.Direction = types.BiasNone
	res := e.CheckEntry(in)
	assert.False(t, res.Allowed)
	assert.Equal(t, types.ReasonNoWhaleBuySeen, res.Reason)
}

func TestCheckEntryRejectsWideSpread(t *testing.T) {
	e := New(testConfig())
	in := validEntryInput()
	in.Book.SpreadCents = 10
	res := e.CheckEntry(in)
	assert.False(t, res.Allowed)
	assert.Equal(t, types.ReasonInvalidLiquidity, res.Reason)
}

func TestCheckEntryRejectsThinDepth(t *testing.T) {
	e := New(testConfig())
	in := validEntryInput()
	in.Book.AskDepthUsd = decimal.NewFromFloat(1)
	res := e.CheckEntry(in)
	assert.False(t, res.Allowed)
	assert.Equal(t, types.ReasonInvalidLiquidity, res.Reason)
}

func TestCheckEntryRejectsLowActivity(t *testing.T) {
	e := New(testConfig())
	in := validEntryInput()
	in.Activity = types.MarketActivity{TradesInWindow: 0, BookUpdatesInWindow: 0}
	res := e.CheckEntry(in)
	assert.False(t, res.Allowed)
	assert.Equal(t, types.ReasonActivityTooLow, res.Reason)
}

func TestCheckEntryRejectsInsideEntryBand(t *testing.T) {
	e := New(testConfig())
	in := validEntryInput()
	in.ReferenceCents = in.Book.MidPriceCents
	res := e.CheckEntry(in)
	assert.False(t, res.Allowed)
	assert.Equal(t, types.ReasonPriceOutOfBounds, res.Reason)
}

func TestCheckEntryRejectsOutOfPriceBounds(t *testing.T) {
	e := New(testConfig())
	in := validEntryInput()
	in.Book.BestAskCents = 95
	in.Book.MidPriceCents = 94
	in.ReferenceCents = 10
	res := e.CheckEntry(in)
	assert.False(t, res.Allowed)
	assert.Equal(t, types.ReasonPriceOutOfBounds, res.Reason)
}

func TestCheckEntryRejectsAtMarketCap(t *testing.T) {
	e := New(testConfig())
	in := validEntryInput()
	in.OpenPositionsTotal = 10
	res := e.CheckEntry(in)
	assert.False(t, res.Allowed)
	assert.Equal(t, types.ReasonMarketCap, res.Reason)
}

func TestCheckEntryRejectsNoBankroll(t *testing.T) {
	e := New(testConfig())
	in := validEntryInput()
	in.EffectiveBankroll = decimal.Zero
	res := e.CheckEntry(in)
	assert.False(t, res.Allowed)
	assert.Equal(t, types.ReasonNoBankroll, res.Reason)
}

func TestCheckEntryRejectsWalletCap(t *testing.T) {
	e := New(testConfig())
	in := validEntryInput()
	in.TotalDeployedUsd = decimal.NewFromFloat(900)
	res := e.CheckEntry(in)
	assert.False(t, res.Allowed)
	assert.Equal(t, types.ReasonWalletCap, res.Reason)
}

func TestCheckEntryRejectsEvPaused(t *testing.T) {
	e := New(testConfig())
	in := validEntryInput()
	in.EvAllowed = false
	res := e.CheckEntry(in)
	assert.False(t, res.Allowed)
	assert.Equal(t, types.ReasonEVPaused, res.Reason)
}

func TestCheckEntrySizeClampedToMaxTrade(t *testing.T) {
	e := New(testConfig())
	in := validEntryInput()
	in.EffectiveBankroll = decimal.NewFromFloat(100000)
	res := e.CheckEntry(in)
	assert.True(t, res.Allowed)
	assert.True(t, res.SizeUsd.Equal(decimal.NewFromFloat(25)))
}

func TestCheckExitTakeProfit(t *testing.T) {
	e := New(testConfig())
	pos := types.ManagedPosition{Side: types.SideLong, EntryTime: time.Now()}
	res := e.CheckExit(pos, 14, types.TokenBias{Direction: types.BiasLong}, true, time.Now())
	assert.True(t, res.ShouldExit)
	assert.Equal(t, types.ExitTakeProfit, res.Reason)
}

func TestCheckExitHardStop(t *testing.T) {
	e := New(testConfig())
	pos := types.ManagedPosition{Side: types.SideLong, EntryTime: time.Now()}
	res := e.CheckExit(pos, -30, types.TokenBias{Direction: types.BiasLong}, true, time.Now())
	assert.True(t, res.ShouldExit)
	assert.Equal(t, types.ExitHardExit, res.Reason)
	assert.Equal(t, types.UrgencyCritical, res.Urgency)
}

func TestCheckExitTimeStop(t *testing.T) {
	e := New(testConfig())
	pos := types.ManagedPosition{Side: types.SideLong, EntryTime: time.Now().Add(-7 * time.Hour)}
	res := e.CheckExit(pos, 2, types.TokenBias{Direction: types.BiasLong}, true, time.Now())
	assert.True(t, res.ShouldExit)
	assert.Equal(t, types.ExitTimeStop, res.Reason)
}

func TestCheckExitBiasFlip(t *testing.T) {
	e := New(testConfig())
	pos := types.ManagedPosition{Side: types.SideLong, EntryTime: time.Now()}
	res := e.CheckExit(pos, 0, types.TokenBias{Direction: types.BiasNone}, true, time.Now())
	assert.True(t, res.ShouldExit)
	assert.Equal(t, types.ExitBiasFlip, res.Reason)
}

func TestCheckExitNoTrigger(t *testing.T) {
	e := New(testConfig())
	pos := types.ManagedPosition{Side: types.SideLong, EntryTime: time.Now()}
	res := e.CheckExit(pos, 2, types.TokenBias{Direction: types.BiasLong}, true, time.Now())
	assert.False(t, res.ShouldExit)
}

func TestHedgeSizeRespectsRoom(t *testing.T) {
	e := New(testConfig())
	pos := types.ManagedPosition{EntrySizeUsd: decimal.NewFromFloat(100), TotalHedgeRatio: decimal.NewFromFloat(0.5)}
	size := e.HedgeSize(pos)
	assert.True(t, size.Equal(decimal.NewFromFloat(10)))
	ratio := e.EffectiveHedgeRatio(pos)
	assert.True(t, ratio.Equal(decimal.NewFromFloat(0.1)))
}

func TestHedgeSizeZeroWhenExhausted(t *testing.T) {
	e := New(testConfig())
	pos := types.ManagedPosition{EntrySizeUsd: decimal.NewFromFloat(100), TotalHedgeRatio: decimal.NewFromFloat(0.6)}
	assert.True(t, e.HedgeSize(pos).IsZero())
	assert.True(t, e.EffectiveHedgeRatio(pos).IsZero())
}
