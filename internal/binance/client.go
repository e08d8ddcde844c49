package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client is a signed REST client for one Binance endpoint (mainnet or
// testnet). Market-data calls use a 10s timeout, klines 20s.
type Client struct {
	apiKey      string
	secretKey   string
	baseURL     string
	httpClient  *http.Client
	klineClient *http.Client
}

func NewClient(apiKey, secretKey, baseURL string) *Client {
	return &Client{
		apiKey:      apiKey,
		secretKey:   secretKey,
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		klineClient: &http.Client{Timeout: 20 * time.Second},
	}
}

// APIError is a Binance error payload ({"code":-1121,"msg":"..."}) together
// with the HTTP status it arrived on.
type APIError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Status int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance error %d (http %d): %s", e.Code, e.Status, e.Msg)
}

// IsRateLimit reports whether the error is a request-weight rejection.
func (e *APIError) IsRateLimit() bool {
	return e.Code == -1003 || e.Status == http.StatusTooManyRequests
}

// PriceTicker is the /ticker/price response.
type PriceTicker struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price,string"`
}

// Ticker24hr represents 24hr ticker price change statistics.
type Ticker24hr struct {
	Symbol             string  `json:"symbol"`
	PriceChange        float64 `json:"priceChange,string"`
	PriceChangePercent float64 `json:"priceChangePercent,string"`
	WeightedAvgPrice   float64 `json:"weightedAvgPrice,string"`
	LastPrice          float64 `json:"lastPrice,string"`
	HighPrice          float64 `json:"highPrice,string"`
	LowPrice           float64 `json:"lowPrice,string"`
	Volume             float64 `json:"volume,string"`
	QuoteVolume        float64 `json:"quoteVolume,string"`
	OpenTime           int64   `json:"openTime"`
	CloseTime          int64   `json:"closeTime"`
	Count              int64   `json:"count"`
}

// Kline represents a candlestick.
type Kline struct {
	OpenTime                 int64   `json:"openTime"`
	Open                     float64 `json:"open"`
	High                     float64 `json:"high"`
	Low                      float64 `json:"low"`
	Close                    float64 `json:"close"`
	Volume                   float64 `json:"volume"`
	CloseTime                int64   `json:"closeTime"`
	QuoteAssetVolume         float64 `json:"quoteAssetVolume"`
	NumberOfTrades           int     `json:"numberOfTrades"`
	TakerBuyBaseAssetVolume  float64 `json:"takerBuyBaseAssetVolume"`
	TakerBuyQuoteAssetVolume float64 `json:"takerBuyQuoteAssetVolume"`
}

// SymbolInfo represents basic symbol information.
type SymbolInfo struct {
	Symbol               string `json:"symbol"`
	Status               string `json:"status"`
	BaseAsset            string `json:"baseAsset"`
	QuoteAsset           string `json:"quoteAsset"`
	IsSpotTradingAllowed bool   `json:"isSpotTradingAllowed"`
}

// ExchangeInfo represents the exchange information response.
type ExchangeInfo struct {
	Timezone   string       `json:"timezone"`
	ServerTime int64        `json:"serverTime"`
	Symbols    []SymbolInfo `json:"symbols"`
}

// AccountBalance is one asset balance in the account snapshot.
type AccountBalance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free,string"`
	Locked float64 `json:"locked,string"`
}

// AccountInfo is the signed /account response.
type AccountInfo struct {
	CanTrade    bool             `json:"canTrade"`
	CanWithdraw bool             `json:"canWithdraw"`
	CanDeposit  bool             `json:"canDeposit"`
	AccountType string           `json:"accountType"`
	UpdateTime  int64            `json:"updateTime"`
	Balances    []AccountBalance `json:"balances"`
	Permissions []string         `json:"permissions"`
}

// Order is an order record from /order or /allOrders.
type Order struct {
	Symbol              string  `json:"symbol"`
	OrderID             int64   `json:"orderId"`
	ClientOrderID       string  `json:"clientOrderId"`
	Price               float64 `json:"price,string"`
	OrigQty             float64 `json:"origQty,string"`
	ExecutedQty         float64 `json:"executedQty,string"`
	CummulativeQuoteQty float64 `json:"cummulativeQuoteQty,string"`
	Status              string  `json:"status"`
	TimeInForce         string  `json:"timeInForce"`
	Type                string  `json:"type"`
	Side                string  `json:"side"`
	Time                int64   `json:"time"`
	UpdateTime          int64   `json:"updateTime"`
}

// OrderResponse represents a response from placing an order.
type OrderResponse struct {
	Symbol              string  `json:"symbol"`
	OrderID             int64   `json:"orderId"`
	ClientOrderID       string  `json:"clientOrderId"`
	TransactTime        int64   `json:"transactTime"`
	Price               float64 `json:"price,string"`
	OrigQty             float64 `json:"origQty,string"`
	ExecutedQty         float64 `json:"executedQty,string"`
	CummulativeQuoteQty float64 `json:"cummulativeQuoteQty,string"`
	Status              string  `json:"status"`
	Type                string  `json:"type"`
	Side                string  `json:"side"`
}

// GetPrice fetches the latest trade price for a symbol.
func (c *Client) GetPrice(ctx context.Context, symbol string) (*PriceTicker, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var ticker PriceTicker
	if err := c.get(ctx, c.httpClient, "/api/v3/ticker/price", params, &ticker); err != nil {
		return nil, err
	}
	return &ticker, nil
}

// GetTicker24hr fetches 24hr rolling statistics for a symbol.
func (c *Client) GetTicker24hr(ctx context.Context, symbol string) (*Ticker24hr, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var ticker Ticker24hr
	if err := c.get(ctx, c.httpClient, "/api/v3/ticker/24hr", params, &ticker); err != nil {
		return nil, err
	}
	return &ticker, nil
}

// GetKlines fetches candlestick data. limit <= 0 means upstream default;
// endTime <= 0 means now.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int, endTime int64) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if endTime > 0 {
		params.Set("endTime", strconv.FormatInt(endTime, 10))
	}

	var rawKlines [][]interface{}
	if err := c.get(ctx, c.klineClient, "/api/v3/klines", params, &rawKlines); err != nil {
		return nil, err
	}

	klines := make([]Kline, len(rawKlines))
	for i, raw := range rawKlines {
		if len(raw) < 11 {
			return nil, fmt.Errorf("malformed kline row with %d fields", len(raw))
		}
		klines[i] = Kline{
			OpenTime:                 int64(asFloat(raw[0])),
			Open:                     asFloat(raw[1]),
			High:                     asFloat(raw[2]),
			Low:                      asFloat(raw[3]),
			Close:                    asFloat(raw[4]),
			Volume:                   asFloat(raw[5]),
			CloseTime:                int64(asFloat(raw[6])),
			QuoteAssetVolume:         asFloat(raw[7]),
			NumberOfTrades:           int(asFloat(raw[8])),
			TakerBuyBaseAssetVolume:  asFloat(raw[9]),
			TakerBuyQuoteAssetVolume: asFloat(raw[10]),
		}
	}
	return klines, nil
}

// GetExchangeInfo fetches exchange information including all trading symbols.
func (c *Client) GetExchangeInfo(ctx context.Context) (*ExchangeInfo, error) {
	var info ExchangeInfo
	if err := c.get(ctx, c.httpClient, "/api/v3/exchangeInfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetAccount fetches the signed account snapshot (balances + permissions).
func (c *Client) GetAccount(ctx context.Context) (*AccountInfo, error) {
	var info AccountInfo
	if err := c.signedRequest(ctx, http.MethodGet, "/api/v3/account", url.Values{}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetOrder fetches a single order by id.
func (c *Client) GetOrder(ctx context.Context, symbol string, orderID int64) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	var order Order
	if err := c.signedRequest(ctx, http.MethodGet, "/api/v3/order", params, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetAllOrders fetches order history for a symbol.
func (c *Client) GetAllOrders(ctx context.Context, symbol string, limit int) ([]Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var orders []Order
	if err := c.signedRequest(ctx, http.MethodGet, "/api/v3/allOrders", params, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// PlaceOrder places a new order. Callers pass Binance parameter names
// (symbol, side, type, quantity, price, timeInForce).
func (c *Client) PlaceOrder(ctx context.Context, orderParams map[string]string) (*OrderResponse, error) {
	params := url.Values{}
	for k, v := range orderParams {
		params.Set(k, v)
	}

	var resp OrderResponse
	if err := c.signedRequest(ctx, http.MethodPost, "/api/v3/order", params, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) get(ctx context.Context, client *http.Client, path string, params url.Values, out interface{}) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(client, req, out)
}

// signedRequest appends timestamp and HMAC-SHA256 signature over the encoded
// query string, exactly as sent.
func (c *Client) signedRequest(ctx context.Context, method, path string, params url.Values, out interface{}) error {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	query := params.Encode()

	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	query += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+query, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)

	return c.do(c.httpClient, req, out)
}

func (c *Client) do(client *http.Client, req *http.Request, out interface{}) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("binance request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode, Msg: string(body)}
		_ = json.Unmarshal(body, apiErr)
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("error parsing response: %w", err)
		}
	}
	return nil
}

func asFloat(val interface{}) float64 {
	switch v := val.(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case float64:
		return v
	default:
		return 0
	}
}
