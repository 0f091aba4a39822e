package marketdata

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"whalecopy/internal/config"
	"whalecopy/internal/types"
)

// RestClient is the external REST collaborator for book reads; satisfied by
// internal/exec.Client in production.
type RestClient interface {
	GetOrderBook(tokenID string) (types.OrderbookState, error)
}

// wsStaleAfter is how long a WS-sourced book is trusted before the facade
// treats it as missing and falls back to REST.
const wsStaleAfter = 10 * time.Second

const dustRecheckInterval = 5 * time.Minute

// Facade is the unified order-book read path: WS store first, REST
// fallback, dust-book re-verification.
type Facade struct {
	cfg  *config.Config
	ws   *WSClient
	rest RestClient

	mu            sync.Mutex
	lastDustCheck map[string]time.Time
}

// New constructs a Facade bound to cfg, ws, and rest.
func New(cfg *config.Config, ws *WSClient, rest RestClient) *Facade {
	return &Facade{
		cfg:           cfg,
		ws:            ws,
		rest:          rest,
		lastDustCheck: make(map[string]time.Time),
	}
}

// GetOrderbookState returns the best-available book for tokenID, or a
// structured failure reason.
func (f *Facade) GetOrderbookState(tokenID string, now time.Time) (types.OrderbookState, types.FailureReason, error) {
	state, haveWS := f.ws.Get(tokenID)
	useWS := haveWS && now.Sub(state.FetchedAt) < wsStaleAfter

	if !useWS {
		restState, err := f.rest.GetOrderBook(tokenID)
		if err != nil {
			return types.OrderbookState{}, types.ReasonNetworkError, err
		}
		state = restState
	}

	if reason := f.sanityCheck(state); reason != "" {
		if reason == types.ReasonDustBook && useWS {
			// WS suggested dust; re-verify against REST, throttled to at
			// most once per 5 minutes per token, to guard against a stale
			// WS cache reporting a book that has since recovered.
			if recovered, ok := f.tryDustRecheck(tokenID, now); ok {
				return recovered, "", nil
			}
		}
		return types.OrderbookState{}, reason, nil
	}

	return state, "", nil
}

// sanityCheck applies the book validity gates: invalid prices, dust, and
// liquidity.
func (f *Facade) sanityCheck(state types.OrderbookState) types.FailureReason {
	if state.BestBidCents <= 0 || state.BestAskCents <= 0 {
		return types.ReasonInvalidPrices
	}
	if state.BestBidCents <= 2 && state.BestAskCents >= 98 {
		return types.ReasonDustBook
	}
	if state.SpreadCents > f.cfg.MaxSpreadCents {
		return types.ReasonInvalidLiquidity
	}
	return ""
}

func (f *Facade) tryDustRecheck(tokenID string, now time.Time) (types.OrderbookState, bool) {
	f.mu.Lock()
	last, ok := f.lastDustCheck[tokenID]
	if ok && now.Sub(last) < dustRecheckInterval {
		f.mu.Unlock()
		return types.OrderbookState{}, false
	}
	f.lastDustCheck[tokenID] = now
	f.mu.Unlock()

	restState, err := f.rest.GetOrderBook(tokenID)
	if err != nil {
		return types.OrderbookState{}, false
	}
	if reason := f.sanityCheck(restState); reason == "" {
		log.Info().Str("token", tokenID).Msg("marketdata: book recovered after dust re-verify")
		return restState, true
	}
	return types.OrderbookState{}, false
}

// activityWindow bounds the book-update count GetActivity reports; it is
// intentionally fixed rather than config-driven since it only feeds an
// advisory liquidity signal, not a trading threshold.
const activityWindow = 5 * time.Minute

// GetActivity reports book-update volume for tokenID over the trailing
// activity window. TradesInWindow is left to the caller to fill from the
// bias accumulator's whale-trade count, since general market trade volume
// isn't observed by this facade.
func (f *Facade) GetActivity(tokenID string, now time.Time) types.MarketActivity {
	return types.MarketActivity{
		BookUpdatesInWindow: f.ws.UpdateCount(tokenID, activityWindow, now),
		LastUpdateTime:      now,
	}
}

// Subscribe registers tokenID for WS streaming, best-effort.
func (f *Facade) Subscribe(tokenID string) {
	if err := f.ws.Subscribe(tokenID); err != nil {
		log.Debug().Err(err).Str("token", tokenID).Msg("marketdata: subscribe failed")
	}
}
