// Package marketdata provides the real-time order-book facade: a
// WS-backed store with REST fallback and dust-book re-verification.
package marketdata

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"whalecopy/internal/types"
)

// bookEntry is the WS store's per-token cached book.
type bookEntry struct {
	bestBidCents int
	bestAskCents int
	bidDepthUsd  decimal.Decimal
	askDepthUsd  decimal.Decimal
	updatedAt    time.Time
}

// wsSnapshot is the initial per-market subscription response.
type wsSnapshot struct {
	AssetID string `json:"asset_id"`
	Bids    []struct {
		Price string `json:"price"`
		Size  string `json:"size"`
	} `json:"bids"`
	Asks []struct {
		Price string `json:"price"`
		Size  string `json:"size"`
	} `json:"asks"`
}

// wsPriceChange is a real-time book delta.
type wsPriceChange struct {
	EventType    string `json:"event_type"`
	PriceChanges []struct {
		AssetID string `json:"asset_id"`
		BestBid string `json:"best_bid"`
		BestAsk string `json:"best_ask"`
	} `json:"price_changes"`
}

// WSClient streams live book state for subscribed tokens and coalesces it
// into an in-memory store the Facade reads first.
type WSClient struct {
	url string

	mu         sync.Mutex
	conn       *websocket.Conn
	connected  bool
	subscribed map[string]bool

	booksMu sync.RWMutex
	books   map[string]*bookEntry

	updatesMu sync.Mutex
	updates   map[string][]time.Time

	stopCh chan struct{}
}

// NewWSClient constructs a disconnected WS client targeting url.
func NewWSClient(url string) *WSClient {
	return &WSClient{
		url:        url,
		subscribed: make(map[string]bool),
		books:      make(map[string]*bookEntry),
		updates:    make(map[string][]time.Time),
		stopCh:     make(chan struct{}),
	}
}

// UpdateCount returns how many book-update events tokenID has seen within
// window, pruning older entries as a side effect.
func (c *WSClient) UpdateCount(tokenID string, window time.Duration, now time.Time) int {
	c.updatesMu.Lock()
	defer c.updatesMu.Unlock()
	cutoff := now.Add(-window)
	kept := c.updates[tokenID][:0]
	for _, ts := range c.updates[tokenID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	c.updates[tokenID] = kept
	return len(kept)
}

func (c *WSClient) recordUpdate(tokenID string, now time.Time) {
	c.updatesMu.Lock()
	defer c.updatesMu.Unlock()
	c.updates[tokenID] = append(c.updates[tokenID], now)
}

// Connect dials the WS endpoint and starts the read loop.
func (c *WSClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	c.conn = conn
	c.connected = true
	go c.readLoop()

	log.Info().Str("url", c.url).Msg("marketdata: ws connected")
	return nil
}

// Subscribe registers tokenID for live book updates.
func (c *WSClient) Subscribe(tokenID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return fmt.Errorf("not connected")
	}
	if c.subscribed[tokenID] {
		return nil
	}

	msg := map[string]interface{}{
		"type":       "market",
		"assets_ids": []string{tokenID},
	}
	b, _ := json.Marshal(msg)
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}
	c.subscribed[tokenID] = true
	return nil
}

// Get returns the cached book for tokenID, if any.
func (c *WSClient) Get(tokenID string) (types.OrderbookState, bool) {
	c.booksMu.RLock()
	defer c.booksMu.RUnlock()
	e, ok := c.books[tokenID]
	if !ok {
		return types.OrderbookState{}, false
	}
	return types.OrderbookState{
		TokenID:       tokenID,
		BestBidCents:  e.bestBidCents,
		BestAskCents:  e.bestAskCents,
		BidDepthUsd:   e.bidDepthUsd,
		AskDepthUsd:   e.askDepthUsd,
		SpreadCents:   e.bestAskCents - e.bestBidCents,
		MidPriceCents: (e.bestBidCents + e.bestAskCents) / 2,
		Source:        types.SourceWS,
		FetchedAt:     e.updatedAt,
	}, true
}

func (c *WSClient) readLoop() {
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
			}
			log.Warn().Err(err).Msg("marketdata: ws read error, reconnecting")
			c.handleDisconnect()
			return
		}
		c.handleMessage(data)
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var pc wsPriceChange
	if err := json.Unmarshal(data, &pc); err == nil && pc.EventType == "price_change" {
		c.applyPriceChange(&pc)
		return
	}
	var snaps []wsSnapshot
	if err := json.Unmarshal(data, &snaps); err == nil && len(snaps) > 0 {
		for _, s := range snaps {
			c.applySnapshot(&s)
		}
	}
}

func (c *WSClient) applySnapshot(s *wsSnapshot) {
	c.booksMu.Lock()
	defer c.booksMu.Unlock()

	e := &bookEntry{updatedAt: time.Now()}
	if len(s.Bids) > 0 {
		p, _ := decimal.NewFromString(s.Bids[0].Price)
		e.bestBidCents = int(p.Mul(decimal.NewFromInt(100)).Round(0).IntPart())
	}
	if len(s.Asks) > 0 {
		p, _ := decimal.NewFromString(s.Asks[0].Price)
		e.bestAskCents = int(p.Mul(decimal.NewFromInt(100)).Round(0).IntPart())
	}
	e.bidDepthUsd = sumDepth(s.Bids)
	e.askDepthUsd = sumDepth(s.Asks)
	c.books[s.AssetID] = e
	c.recordUpdate(s.AssetID, e.updatedAt)
}

func sumDepth(levels []struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}) decimal.Decimal {
	total := decimal.Zero
	for i, l := range levels {
		if i >= 5 {
			break
		}
		price, _ := decimal.NewFromString(l.Price)
		size, _ := decimal.NewFromString(l.Size)
		total = total.Add(price.Mul(size))
	}
	return total
}

func (c *WSClient) applyPriceChange(pc *wsPriceChange) {
	c.booksMu.Lock()
	defer c.booksMu.Unlock()
	for _, ch := range pc.PriceChanges {
		e, ok := c.books[ch.AssetID]
		if !ok {
			e = &bookEntry{}
			c.books[ch.AssetID] = e
		}
		bid, _ := decimal.NewFromString(ch.BestBid)
		ask, _ := decimal.NewFromString(ch.BestAsk)
		e.bestBidCents = int(bid.Mul(decimal.NewFromInt(100)).Round(0).IntPart())
		e.bestAskCents = int(ask.Mul(decimal.NewFromInt(100)).Round(0).IntPart())
		e.updatedAt = time.Now()
		c.recordUpdate(ch.AssetID, e.updatedAt)
	}
}

func (c *WSClient) handleDisconnect() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	time.Sleep(5 * time.Second)

	if err := c.Connect(); err != nil {
		log.Error().Err(err).Msg("marketdata: ws reconnect failed")
		return
	}
	c.mu.Lock()
	subs := c.subscribed
	c.subscribed = make(map[string]bool)
	c.mu.Unlock()
	for tokenID := range subs {
		_ = c.Subscribe(tokenID)
	}
}

// Close disconnects the WS client.
func (c *WSClient) Close() {
	close(c.stopCh)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connected = false
}
