// Package exec implements the Polymarket CLOB execution client: EIP-712
// order signing, order placement, balance reads, and the smart-sell exit
// helper the execution engine drives.
package exec

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"whalecopy/internal/config"
	"whalecopy/internal/types"
)

const (
	ctfExchange = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	chainID     = 137

	sigTypeEOA       = 0
	sigTypePolyProxy = 1

	sideBuy  = "BUY"
	sideSell = "SELL"
)

// OrderType mirrors the CLOB's supported order lifetimes.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC"
	OrderTypeGTD OrderType = "GTD"
	OrderTypeFOK OrderType = "FOK"
	OrderTypeFAK OrderType = "FAK"
)

// Client is the daemon's ExchangeClient implementation against Polymarket's
// CLOB REST API.
type Client struct {
	baseURL       string
	privateKey    *ecdsa.PrivateKey
	address       string
	funderAddress string
	apiKey        string
	apiSecret     string
	passphrase    string
	sigType       int
	simulation    bool
	httpClient    *http.Client
}

// New constructs a client from cfg. When cfg.Simulation is true, no network
// calls are made for order placement and GetBalance returns a fixed stub.
func New(cfg *config.Config) (*Client, error) {
	sigType := sigTypePolyProxy
	if cfg.FunderAddress == "" {
		sigType = sigTypeEOA
	}

	c := &Client{
		baseURL:       cfg.PolymarketCLOBURL,
		apiKey:        cfg.ClobAPIKey,
		apiSecret:     cfg.ClobAPISecret,
		passphrase:    cfg.ClobPassphrase,
		funderAddress: cfg.FunderAddress,
		sigType:       sigType,
		simulation:    cfg.Simulation,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
	}

	pkHex := strings.TrimPrefix(cfg.WalletPrivateKey, "0x")
	if pkHex != "" {
		pk, err := crypto.HexToECDSA(pkHex)
		if err != nil {
			return nil, fmt.Errorf("invalid wallet private key: %w", err)
		}
		c.privateKey = pk
		c.address = crypto.PubkeyToAddress(pk.PublicKey).Hex()
	}

	mode := "SIMULATION"
	if !c.simulation {
		mode = "LIVE"
	}
	log.Info().Str("mode", mode).Str("address", c.address).Msg("exec: client initialized")

	return c, nil
}

// bookLevel is one price/size row in an order book side.
type bookLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// rawBook is the CLOB book response shape, best-first on both sides.
type rawBook struct {
	Bids []bookLevel
	Asks []bookLevel
}

// GetOrderBook fetches the live book for tokenID; both sides are returned
// best-first.
func (c *Client) GetOrderBook(tokenID string) (types.OrderbookState, error) {
	resp, err := c.get(fmt.Sprintf("/book?token_id=%s", tokenID))
	if err != nil {
		return types.OrderbookState{}, fmt.Errorf("get order book: %w", err)
	}

	var raw struct {
		Bids []struct {
			Price string `json:"price"`
			Size  string `json:"size"`
		} `json:"bids"`
		Asks []struct {
			Price string `json:"price"`
			Size  string `json:"size"`
		} `json:"asks"`
	}
	if err := json.Unmarshal(resp, &raw); err != nil {
		return types.OrderbookState{}, fmt.Errorf("parse order book: %w", err)
	}

	book := rawBook{}
	for _, b := range raw.Bids {
		price, _ := decimal.NewFromString(b.Price)
		size, _ := decimal.NewFromString(b.Size)
		book.Bids = append(book.Bids, bookLevel{Price: price, Size: size})
	}
	for _, a := range raw.Asks {
		price, _ := decimal.NewFromString(a.Price)
		size, _ := decimal.NewFromString(a.Size)
		book.Asks = append(book.Asks, bookLevel{Price: price, Size: size})
	}

	return bookToState(tokenID, book, types.SourceREST), nil
}

func bookToState(tokenID string, book rawBook, source types.BookSource) types.OrderbookState {
	state := types.OrderbookState{TokenID: tokenID, Source: source, FetchedAt: time.Now()}
	if len(book.Bids) > 0 {
		state.BestBidCents = int(book.Bids[0].Price.Mul(decimal.NewFromInt(100)).Round(0).IntPart())
	}
	if len(book.Asks) > 0 {
		state.BestAskCents = int(book.Asks[0].Price.Mul(decimal.NewFromInt(100)).Round(0).IntPart())
	}
	state.BidDepthUsd = topDepth(book.Bids)
	state.AskDepthUsd = topDepth(book.Asks)
	state.SpreadCents = state.BestAskCents - state.BestBidCents
	state.MidPriceCents = (state.BestBidCents + state.BestAskCents) / 2
	return state
}

func topDepth(levels []bookLevel) decimal.Decimal {
	total := decimal.Zero
	for i, l := range levels {
		if i >= 5 {
			break
		}
		total = total.Add(l.Price.Mul(l.Size))
	}
	return total
}

// OrderResult is the outcome of a placed order.
type OrderResult struct {
	Success   bool
	OrderID   string
	AvgPrice  decimal.Decimal
	FilledUsd decimal.Decimal
	Reason    types.FailureReason
}

// PostOrder places an order of orderType against tokenID at price, sized in
// shares.
func (c *Client) PostOrder(tokenID string, price, shares decimal.Decimal, side string, orderType OrderType) (OrderResult, error) {
	if c.simulation {
		orderID := fmt.Sprintf("SIM_%d", time.Now().UnixNano())
		return OrderResult{
			Success:   true,
			OrderID:   orderID,
			AvgPrice:  price,
			FilledUsd: price.Mul(shares),
		}, nil
	}

	signed, err := c.buildSignedOrder(tokenID, price, shares, side, orderType)
	if err != nil {
		return OrderResult{}, fmt.Errorf("build signed order: %w", err)
	}

	payload := map[string]interface{}{
		"order":     signed,
		"owner":     c.apiKey,
		"orderType": orderType,
	}

	resp, err := c.post("/order", payload)
	if err != nil {
		return OrderResult{Success: false, Reason: types.ReasonOrderRejected}, err
	}

	var result struct {
		Success       bool   `json:"success"`
		OrderID       string `json:"orderID"`
		Status        string `json:"status"`
		ErrorMsg      string `json:"errorMsg"`
		MakingAmount  string `json:"makingAmount"`
		TakingAmount  string `json:"takingAmount"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return OrderResult{}, fmt.Errorf("parse order response: %w", err)
	}

	if result.ErrorMsg != "" || !result.Success {
		reason := types.ReasonOrderRejected
		if orderType == OrderTypeFOK && strings.Contains(strings.ToUpper(result.Status), "NOT") {
			reason = types.ReasonFOKNotFilled
		}
		return OrderResult{Success: false, Reason: reason}, nil
	}

	filledUsd, _ := decimal.NewFromString(result.MakingAmount)
	return OrderResult{
		Success:   true,
		OrderID:   result.OrderID,
		AvgPrice:  price,
		FilledUsd: filledUsd,
	}, nil
}

// SmartSellParams parameterize the tiered-slippage exit helper.
type SmartSellParams struct {
	TokenID         string
	Shares          decimal.Decimal
	ReferencePrice  decimal.Decimal
	MaxSlippagePct  decimal.Decimal
	ForceSell       bool
}

// SmartSell places a sell sized against shares with slippage tolerance
// relative to referencePrice, returning FOK_NOT_FILLED on the taker's
// sentinel reason when the caller should retry with a wider tolerance.
func (c *Client) SmartSell(p SmartSellParams) (OrderResult, error) {
	tolerance := p.MaxSlippagePct.Div(decimal.NewFromInt(100))
	limitPrice := p.ReferencePrice.Mul(decimal.NewFromInt(1).Sub(tolerance))
	if limitPrice.LessThan(decimal.Zero) {
		limitPrice = decimal.Zero
	}

	orderType := OrderTypeFOK
	if p.ForceSell {
		orderType = OrderTypeFAK
	}

	return c.PostOrder(p.TokenID, limitPrice, p.Shares, sideSell, orderType)
}

func (c *Client) buildSignedOrder(tokenID string, price, size decimal.Decimal, side string, orderType OrderType) (map[string]interface{}, error) {
	maker := c.funderAddress
	if maker == "" {
		maker = c.address
	}

	usdcDecimals := decimal.NewFromInt(1000000)
	var makerAmount, takerAmount decimal.Decimal
	sideUpper := strings.ToUpper(side)

	if sideUpper == sideBuy {
		makerAmount = size.Mul(price).Mul(usdcDecimals).Floor()
		takerAmount = size.Mul(usdcDecimals).Floor()
	} else {
		makerAmount = size.Mul(usdcDecimals).Floor()
		takerAmount = size.Mul(price).Mul(usdcDecimals).Floor()
	}

	salt := generateSalt()
	expiration := "0"
	if orderType == OrderTypeGTD {
		expiration = fmt.Sprintf("%d", time.Now().Add(24*time.Hour).Unix())
	}

	order := signedOrder{
		Salt:          salt,
		Maker:         maker,
		Signer:        c.address,
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       tokenID,
		MakerAmount:   makerAmount.String(),
		TakerAmount:   takerAmount.String(),
		Expiration:    expiration,
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          sideUpper,
		SignatureType: c.sigType,
	}

	sig, err := c.signOrderEIP712(&order)
	if err != nil {
		return nil, fmt.Errorf("signing failed: %w", err)
	}
	order.Signature = sig

	return map[string]interface{}{
		"salt":          order.Salt,
		"maker":         order.Maker,
		"signer":        order.Signer,
		"taker":         order.Taker,
		"tokenId":       order.TokenID,
		"makerAmount":   order.MakerAmount,
		"takerAmount":   order.TakerAmount,
		"expiration":    order.Expiration,
		"nonce":         order.Nonce,
		"feeRateBps":    order.FeeRateBps,
		"side":          order.Side,
		"signatureType": order.SignatureType,
		"signature":     order.Signature,
	}, nil
}

type signedOrder struct {
	Salt          string
	Maker         string
	Signer        string
	Taker         string
	TokenID       string
	MakerAmount   string
	TakerAmount   string
	Expiration    string
	Nonce         string
	FeeRateBps    string
	Side          string
	SignatureType int
	Signature     string
}

func (c *Client) signOrderEIP712(order *signedOrder) (string, error) {
	if c.privateKey == nil {
		return "", fmt.Errorf("private key not loaded")
	}

	domainSeparator := buildDomainSeparator(ctfExchange, chainID)
	orderHash := buildOrderStructHash(order)

	var data []byte
	data = append(data, []byte("\x19\x01")...)
	data = append(data, domainSeparator[:]...)
	data = append(data, orderHash[:]...)

	finalHash := crypto.Keccak256(data)

	sig, err := crypto.Sign(finalHash, c.privateKey)
	if err != nil {
		return "", err
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return hexutil.Encode(sig), nil
}

func buildDomainSeparator(contractAddr string, chain int) [32]byte {
	domainTypeHash := crypto.Keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	nameHash := crypto.Keccak256([]byte("Polymarket CTF Exchange"))
	versionHash := crypto.Keccak256([]byte("1"))

	chainBig := big.NewInt(int64(chain))
	chainBytes := common.LeftPadBytes(chainBig.Bytes(), 32)
	contractBytes := common.LeftPadBytes(common.HexToAddress(contractAddr).Bytes(), 32)

	var data []byte
	data = append(data, domainTypeHash...)
	data = append(data, nameHash...)
	data = append(data, versionHash...)
	data = append(data, chainBytes...)
	data = append(data, contractBytes...)

	hash := crypto.Keccak256(data)
	var result [32]byte
	copy(result[:], hash)
	return result
}

func buildOrderStructHash(order *signedOrder) [32]byte {
	orderTypeHash := crypto.Keccak256([]byte("Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)"))

	sideVal := 0
	if order.Side == sideSell {
		sideVal = 1
	}

	var data []byte
	data = append(data, orderTypeHash...)
	data = append(data, padUint256(order.Salt)...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(order.Maker).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(order.Signer).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(order.Taker).Bytes(), 32)...)
	data = append(data, padUint256(order.TokenID)...)
	data = append(data, padUint256(order.MakerAmount)...)
	data = append(data, padUint256(order.TakerAmount)...)
	data = append(data, padUint256(order.Expiration)...)
	data = append(data, padUint256(order.Nonce)...)
	data = append(data, padUint256(order.FeeRateBps)...)
	data = append(data, common.LeftPadBytes([]byte{byte(sideVal)}, 32)...)
	data = append(data, common.LeftPadBytes([]byte{byte(order.SignatureType)}, 32)...)

	hash := crypto.Keccak256(data)
	var result [32]byte
	copy(result[:], hash)
	return result
}

func padUint256(s string) []byte {
	n := new(big.Int)
	n.SetString(s, 10)
	return common.LeftPadBytes(n.Bytes(), 32)
}

func generateSalt() string {
	b := make([]byte, 32)
	rand.Read(b)
	return new(big.Int).SetBytes(b).String()
}

// GetBalance returns the wallet's collateral balance in USD.
func (c *Client) GetBalance() (decimal.Decimal, error) {
	if c.simulation {
		return decimal.NewFromFloat(100), nil
	}
	if c.address == "" {
		return decimal.Zero, fmt.Errorf("no wallet address configured")
	}

	resp, err := c.get("/balance-allowance?asset_type=COLLATERAL&signature_type=1")
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance: %w", err)
	}

	var result struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return decimal.Zero, fmt.Errorf("parse balance: %w", err)
	}
	if result.Balance == "" {
		return decimal.Zero, nil
	}

	balance, err := decimal.NewFromString(result.Balance)
	if err != nil {
		return decimal.Zero, err
	}
	return balance.Div(decimal.NewFromInt(1000000)), nil
}

func (c *Client) get(path string) ([]byte, error) {
	req, err := http.NewRequest("GET", c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.addHeaders(req)
	return c.doRequest(req)
}

func (c *Client) post(path string, body interface{}) ([]byte, error) {
	jsonBody, _ := json.Marshal(body)
	req, err := http.NewRequest("POST", c.baseURL+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addHeaders(req)
	return c.doRequest(req)
}

func (c *Client) addHeaders(req *http.Request) {
	timestamp := fmt.Sprintf("%d", time.Now().Unix())

	req.Header.Set("POLY_ADDRESS", c.address)
	req.Header.Set("POLY_API_KEY", c.apiKey)
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_PASSPHRASE", c.passphrase)

	if c.apiSecret != "" {
		message := timestamp + req.Method + req.URL.Path
		if req.Body != nil {
			bodyBytes, _ := io.ReadAll(req.Body)
			req.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			if len(bodyBytes) > 0 {
				message += string(bodyBytes)
			}
		}
		req.Header.Set("POLY_SIGNATURE", c.hmacSign(message))
	}
}

func (c *Client) doRequest(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func (c *Client) hmacSign(message string) string {
	key, err := base64.URLEncoding.DecodeString(c.apiSecret)
	if err != nil {
		key, err = base64.StdEncoding.DecodeString(c.apiSecret)
		if err != nil {
			key = []byte(c.apiSecret)
		}
	}
	h := hmac.New(sha256.New, key)
	h.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}

// IsSimulation reports whether the client is in simulation mode.
func (c *Client) IsSimulation() bool {
	return c.simulation
}
