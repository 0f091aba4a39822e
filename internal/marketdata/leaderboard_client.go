package marketdata

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"whalecopy/internal/types"
)

// LeaderboardClient is a thin REST implementation of bias.LeaderboardClient,
// used when the daemon is wired without a richer external whale-discovery
// service. Leaderboard/whale-account discovery is an out-of-scope
// collaborator per the daemon's purpose statement; this only satisfies the
// interface shape.
type LeaderboardClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewLeaderboardClient constructs a client against baseURL (e.g. a
// Polymarket data-API host).
func NewLeaderboardClient(baseURL string) *LeaderboardClient {
	return &LeaderboardClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type leaderboardEntry struct {
	ProxyWallet string `json:"proxyWallet"`
}

// FetchLeaderboard returns accounts ordered by the endpoint's own
// performance ranking.
func (c *LeaderboardClient) FetchLeaderboard() ([]string, error) {
	params := url.Values{}
	params.Set("limit", "100")
	reqURL := fmt.Sprintf("%s/leaderboard?%s", c.baseURL, params.Encode())

	resp, err := c.httpClient.Get(reqURL)
	if err != nil {
		return nil, fmt.Errorf("fetch leaderboard: %w", err)
	}
	defer resp.Body.Close()

	var entries []leaderboardEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("parse leaderboard: %w", err)
	}

	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.ProxyWallet != "" {
			out = append(out, e.ProxyWallet)
		}
	}
	return out, nil
}

type activityEntry struct {
	Type        string `json:"type"`
	Side        string `json:"side"`
	Asset       string `json:"asset"`
	ConditionID string `json:"conditionId"`
	Size        string `json:"size"`
	UsdcSize    string `json:"usdcSize"`
	Price       string `json:"price"`
	Timestamp   int64  `json:"timestamp"`
}

// FetchAccountTrades returns up to ~20 recent actions for account, retaining
// only TRADE/BUY rows per the upstream activity feed's own cap.
func (c *LeaderboardClient) FetchAccountTrades(account string) ([]types.WhaleTrade, error) {
	params := url.Values{}
	params.Set("user", account)
	params.Set("limit", "20")
	reqURL := fmt.Sprintf("%s/activity?%s", c.baseURL, params.Encode())

	resp, err := c.httpClient.Get(reqURL)
	if err != nil {
		return nil, fmt.Errorf("fetch account trades: %w", err)
	}
	defer resp.Body.Close()

	var entries []activityEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("parse account trades: %w", err)
	}

	out := make([]types.WhaleTrade, 0, len(entries))
	for _, e := range entries {
		if !strings.EqualFold(e.Type, "TRADE") || !strings.EqualFold(e.Side, "BUY") {
			continue
		}
		sizeUsd, err := decimal.NewFromString(e.UsdcSize)
		if err != nil {
			continue
		}
		trade := types.WhaleTrade{
			TokenID:   e.Asset,
			MarketID:  e.ConditionID,
			Wallet:    account,
			Side:      "BUY",
			SizeUsd:   sizeUsd,
			Timestamp: time.Unix(e.Timestamp, 0),
		}
		if price, err := decimal.NewFromString(e.Price); err == nil {
			trade.Price = price
			trade.HasPrice = true
		}
		out = append(out, trade)
	}
	return out, nil
}
