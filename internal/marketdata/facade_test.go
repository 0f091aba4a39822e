package marketdata

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"whalecopy/internal/config"
	"whalecopy/internal/types"
)

type stubRest struct {
	state types.OrderbookState
	err   error
	calls int
}

func (s *stubRest) GetOrderBook(tokenID string) (types.OrderbookState, error) {
	s.calls++
	return s.state, s.err
}

func testConfig() *config.Config {
	return &config.Config{MaxSpreadCents: 3}
}

func validBook() types.OrderbookState {
	return types.OrderbookState{
		BestBidCents: 55, BestAskCents: 56, SpreadCents: 1, MidPriceCents: 55,
	}
}

func TestGetOrderbookStateFallsBackToRest(t *testing.T) {
	rest := &stubRest{state: validBook()}
	f := New(testConfig(), NewWSClient("wss://example.invalid"), rest)

	state, reason, err := f.GetOrderbookState("tok", time.Now())
	assert.NoError(t, err)
	assert.Empty(t, reason)
	assert.Equal(t, 56, state.BestAskCents)
	assert.Equal(t, 1, rest.calls)
}

func TestGetOrderbookStateRestError(t *testing.T) {
	rest := &stubRest{err: errors.New("boom")}
	f := New(testConfig(), NewWSClient("wss://example.invalid"), rest)

	_, reason, err := f.GetOrderbookState("tok", time.Now())
	assert.Error(t, err)
	assert.Equal(t, types.ReasonNetworkError, reason)
}

func TestSanityCheckRejectsInvalidPrices(t *testing.T) {
	rest := &stubRest{state: types.OrderbookState{BestBidCents: 0, BestAskCents: 50}}
	f := New(testConfig(), NewWSClient("wss://example.invalid"), rest)

	_, reason, err := f.GetOrderbookState("tok", time.Now())
	assert.NoError(t, err)
	assert.Equal(t, types.ReasonInvalidPrices, reason)
}

func TestSanityCheckRejectsDustBook(t *testing.T) {
	rest := &stubRest{state: types.OrderbookState{BestBidCents: 1, BestAskCents: 99}}
	f := New(testConfig(), NewWSClient("wss://example.invalid"), rest)

	_, reason, err := f.GetOrderbookState("tok", time.Now())
	assert.NoError(t, err)
	assert.Equal(t, types.ReasonDustBook, reason)
}

func TestSanityCheckRejectsWideSpread(t *testing.T) {
	rest := &stubRest{state: types.OrderbookState{BestBidCents: 40, BestAskCents: 60, SpreadCents: 20}}
	f := New(testConfig(), NewWSClient("wss://example.invalid"), rest)

	_, reason, err := f.GetOrderbookState("tok", time.Now())
	assert.NoError(t, err)
	assert.Equal(t, types.ReasonInvalidLiquidity, reason)
}

func TestGetActivityReadsBookUpdateCount(t *testing.T) {
	f := New(testConfig(), NewWSClient("wss://example.invalid"), &stubRest{})
	activity := f.GetActivity("tok", time.Now())
	assert.Equal(t, 0, activity.BookUpdatesInWindow)
}

func TestSubscribeDoesNotPanicWhenDisconnected(t *testing.T) {
	f := New(testConfig(), NewWSClient("wss://example.invalid"), &stubRest{})
	assert.NotPanics(t, func() { f.Subscribe("tok") })
}
