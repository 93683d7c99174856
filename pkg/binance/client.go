package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/gregtusar/streambot/pkg/models"
)

var ErrMissingCredentials = errors.New("api key and secret required for signed endpoints")

// APIError is the error body Binance returns with non-2xx responses.
type APIError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance api error %d (http %d): %s", e.Code, e.Status, e.Message)
}

type ClientConfig struct {
	BaseURL    string        `mapstructure:"rest_url"`
	APIKey     string        `mapstructure:"api_key"`
	APISecret  string        `mapstructure:"api_secret"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RecvWindow time.Duration `mapstructure:"recv_window"`
	// RequestsPerSecond throttles all REST calls made by this client.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// Client is the REST collaborator: historical klines, account balances and
// market orders. Calls are not retried here.
type Client struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	recvWindow time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger
	now        func() time.Time
}

func NewClient(cfg ClientConfig, logger *logrus.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.binance.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = 5 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	return &Client{
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		recvWindow: cfg.RecvWindow,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:     logger,
		now:        time.Now,
	}
}

// FetchKlines returns up to limit candles, oldest first.
func (c *Client) FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol))
	q.Set("interval", interval)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var rows [][]json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/v3/klines", q, false, &rows); err != nil {
		return nil, fmt.Errorf("fetch klines %s %s: %w", symbol, interval, err)
	}

	candles := make([]models.Candle, 0, len(rows))
	for i, row := range rows {
		candle, err := parseKlineRow(row)
		if err != nil {
			return nil, fmt.Errorf("kline row %d: %w", i, err)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// FetchAccountBalances returns the free amount of every asset with a non-zero
// free or locked balance.
func (c *Client) FetchAccountBalances(ctx context.Context) ([]models.AssetBalance, error) {
	var account struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v3/account", url.Values{}, true, &account); err != nil {
		return nil, fmt.Errorf("fetch account: %w", err)
	}

	out := make([]models.AssetBalance, 0, len(account.Balances))
	for _, b := range account.Balances {
		free, err := decimal.NewFromString(b.Free)
		if err != nil {
			return nil, fmt.Errorf("balance %s: %w", b.Asset, err)
		}
		locked, _ := decimal.NewFromString(b.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		out = append(out, models.AssetBalance{Asset: b.Asset, Free: free.InexactFloat64()})
	}
	return out, nil
}

// PlaceMarketOrder submits a MARKET order for req.Quantity of the base asset.
func (c *Client) PlaceMarketOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	qty := decimal.NewFromFloat(req.Quantity).Round(6)
	if !qty.IsPositive() {
		return nil, fmt.Errorf("place order: non-positive quantity %s", qty)
	}

	q := url.Values{}
	q.Set("symbol", strings.ToUpper(req.Symbol))
	q.Set("side", string(req.Side))
	q.Set("type", "MARKET")
	q.Set("quantity", qty.String())
	q.Set("newOrderRespType", "FULL")

	var resp struct {
		OrderID             int64  `json:"orderId"`
		Symbol              string `json:"symbol"`
		Status              string `json:"status"`
		ExecutedQty         string `json:"executedQty"`
		CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
		TransactTime        int64  `json:"transactTime"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v3/order", q, true, &resp); err != nil {
		return nil, fmt.Errorf("place %s order: %w", req.Side, err)
	}

	executed, _ := decimal.NewFromString(resp.ExecutedQty)
	quote, _ := decimal.NewFromString(resp.CummulativeQuoteQty)
	order := &models.Order{
		OrderID:     resp.OrderID,
		Symbol:      resp.Symbol,
		Side:        req.Side,
		Status:      resp.Status,
		ExecutedQty: executed.InexactFloat64(),
		CreatedAt:   time.UnixMilli(resp.TransactTime).UTC(),
	}
	if executed.IsPositive() {
		order.AvgPrice = quote.Div(executed).InexactFloat64()
	}

	c.logger.WithFields(logrus.Fields{
		"order_id": order.OrderID,
		"side":     order.Side,
		"qty":      order.ExecutedQty,
		"status":   order.Status,
	}).Info("Market order placed")
	return order, nil
}

// sign returns the hex HMAC-SHA256 of the encoded query.
func (c *Client) sign(payload string) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, signed bool, out any) error {
	if signed {
		if c.apiKey == "" || c.apiSecret == "" {
			return ErrMissingCredentials
		}
		q.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
		q.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	}
	query := q.Encode()
	if signed {
		query += "&signature=" + c.sign(query)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	endpoint := c.baseURL + path
	var body io.Reader
	if method == http.MethodGet {
		if query != "" {
			endpoint += "?" + query
		}
	} else {
		body = strings.NewReader(query)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(data, apiErr); jsonErr != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(truncate(data, 256))
		}
		return apiErr
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func parseKlineRow(row []json.RawMessage) (models.Candle, error) {
	var c models.Candle
	if len(row) < 7 {
		return c, fmt.Errorf("%w: %d fields", errMalformedFrame, len(row))
	}
	if err := json.Unmarshal(row[0], &c.OpenTime); err != nil {
		return c, err
	}
	if err := json.Unmarshal(row[6], &c.CloseTime); err != nil {
		return c, err
	}
	for i, dst := range []*float64{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume} {
		var s string
		if err := json.Unmarshal(row[i+1], &s); err != nil {
			return c, err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return c, err
		}
		*dst = v
	}
	return c, nil
}
