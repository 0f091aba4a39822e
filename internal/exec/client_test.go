package exec

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whalecopy/internal/config"
	"whalecopy/internal/types"
)

func simConfig() *config.Config {
	return &config.Config{
		PolymarketCLOBURL: "https://clob.example.invalid",
		Simulation:        true,
	}
}

func TestNewSimulationModeNeedsNoPrivateKey(t *testing.T) {
	c, err := New(simConfig())
	require.NoError(t, err)
	assert.True(t, c.IsSimulation())
}

func TestNewDerivesAddressFromPrivateKey(t *testing.T) {
	cfg := simConfig()
	cfg.WalletPrivateKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	c, err := New(cfg)
	require.NoError(t, err)
	assert.NotEmpty(t, c.address)
}

func TestNewRejectsInvalidPrivateKey(t *testing.T) {
	cfg := simConfig()
	cfg.WalletPrivateKey = "not-hex"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestNewUsesEOASigTypeWithoutFunderAddress(t *testing.T) {
	cfg := simConfig()
	c, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, sigTypeEOA, c.sigType)
}

func TestNewUsesPolyProxySigTypeWithFunderAddress(t *testing.T) {
	cfg := simConfig()
	cfg.FunderAddress = "0xabc"
	c, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, sigTypePolyProxy, c.sigType)
}

func TestPostOrderSimulationFillsAtQuotedPrice(t *testing.T) {
	c, err := New(simConfig())
	require.NoError(t, err)

	result, err := c.PostOrder("tok", decimal.NewFromFloat(0.5), decimal.NewFromFloat(10), sideBuy, OrderTypeFOK)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.FilledUsd.Equal(decimal.NewFromFloat(5)))
}

func TestGetBalanceSimulationReturnsFixedStub(t *testing.T) {
	c, err := New(simConfig())
	require.NoError(t, err)

	bal, err := c.GetBalance()
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromFloat(100)))
}

func TestGetBalanceLiveWithoutAddressErrors(t *testing.T) {
	cfg := simConfig()
	cfg.Simulation = false
	c, err := New(cfg)
	require.NoError(t, err)

	_, err = c.GetBalance()
	assert.Error(t, err)
}

func TestBookToStateComputesSpreadAndMid(t *testing.T) {
	book := rawBook{
		Bids: []bookLevel{{Price: decimal.NewFromFloat(0.54), Size: decimal.NewFromFloat(100)}},
		Asks: []bookLevel{{Price: decimal.NewFromFloat(0.56), Size: decimal.NewFromFloat(50)}},
	}
	state := bookToState("tok", book, types.SourceREST)
	assert.Equal(t, 54, state.BestBidCents)
	assert.Equal(t, 56, state.BestAskCents)
	assert.Equal(t, 2, state.SpreadCents)
	assert.Equal(t, 55, state.MidPriceCents)
}

func TestTopDepthCapsAtFiveLevels(t *testing.T) {
	levels := make([]bookLevel, 10)
	for i := range levels {
		levels[i] = bookLevel{Price: decimal.NewFromInt(1), Size: decimal.NewFromInt(1)}
	}
	total := topDepth(levels)
	assert.Equal(t, "5", total.String())
}

func TestSmartSellAppliesToleranceBelowReference(t *testing.T) {
	c, err := New(simConfig())
	require.NoError(t, err)

	result, err := c.SmartSell(SmartSellParams{
		TokenID: "tok", Shares: decimal.NewFromInt(10),
		ReferencePrice: decimal.NewFromFloat(0.5), MaxSlippagePct: decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.AvgPrice.Equal(decimal.NewFromFloat(0.45)))
}

func TestGenerateSaltIsNonEmptyAndVaries(t *testing.T) {
	a := generateSalt()
	b := generateSalt()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestPadUint256LeftPadsTo32Bytes(t *testing.T) {
	out := padUint256("255")
	assert.Len(t, out, 32)
	assert.Equal(t, byte(255), out[31])
}

func TestBuildDomainSeparatorIsDeterministic(t *testing.T) {
	a := buildDomainSeparator(ctfExchange, chainID)
	b := buildDomainSeparator(ctfExchange, chainID)
	assert.Equal(t, a, b)
}

func TestBuildOrderStructHashDiffersBySide(t *testing.T) {
	base := &signedOrder{
		Salt: "1", Maker: "0x0000000000000000000000000000000000000001",
		Signer: "0x0000000000000000000000000000000000000001",
		Taker:  "0x0000000000000000000000000000000000000000",
		TokenID: "123", MakerAmount: "1", TakerAmount: "1",
		Expiration: "0", Nonce: "0", FeeRateBps: "0",
		Side: sideBuy, SignatureType: 0,
	}
	sell := *base
	sell.Side = sideSell

	buyHash := buildOrderStructHash(base)
	sellHash := buildOrderStructHash(&sell)
	assert.NotEqual(t, buyHash, sellHash)
}

func TestHmacSignIsDeterministicForSameMessage(t *testing.T) {
	c := &Client{apiSecret: "dGVzdC1zZWNyZXQ="}
	a := c.hmacSign("msg")
	b := c.hmacSign("msg")
	assert.Equal(t, a, b)
}
