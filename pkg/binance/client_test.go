package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/streambot/pkg/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	c := NewClient(ClientConfig{
		BaseURL:           srv.URL,
		APIKey:            "key",
		APISecret:         "secret",
		RequestsPerSecond: 1000,
	}, logger)
	c.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return c
}

func verifySignature(t *testing.T, query string) {
	t.Helper()
	i := strings.LastIndex(query, "&signature=")
	require.Positive(t, i)
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte(query[:i]))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), query[i+len("&signature="):])
}

func TestFetchKlines(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1m", r.URL.Query().Get("interval"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		io.WriteString(w, `[
			[1700000000000,"100.0","101.0","99.0","100.5","10.0",1700000059999,"1005.0",12,"5.0","502.5","0"],
			[1700000060000,"100.5","102.0","100.0","101.5","8.0",1700000119999,"812.0",9,"4.0","406.0","0"]
		]`)
	})

	candles, err := c.FetchKlines(context.Background(), "btcusdt", "1m", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, models.Candle{
		OpenTime: 1700000000000, Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 10, CloseTime: 1700000059999,
	}, candles[0])
	assert.Equal(t, 101.5, candles[1].Close)
}

func TestFetchAccountBalancesSigned(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
		assert.Equal(t, "1700000000000", r.URL.Query().Get("timestamp"))
		verifySignature(t, r.URL.RawQuery)
		io.WriteString(w, `{"balances":[
			{"asset":"BTC","free":"0.5","locked":"0"},
			{"asset":"USDT","free":"1000.25","locked":"10"},
			{"asset":"XRP","free":"0.00000000","locked":"0.00000000"}
		]}`)
	})

	balances, err := c.FetchAccountBalances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.AssetBalance{{Asset: "BTC", Free: 0.5}, {Asset: "USDT", Free: 1000.25}}, balances)
}

func TestPlaceMarketOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		verifySignature(t, string(body))
		form, err := url.ParseQuery(string(body))
		require.NoError(t, err)
		assert.Equal(t, "BUY", form.Get("side"))
		assert.Equal(t, "MARKET", form.Get("type"))
		assert.Equal(t, "0.001235", form.Get("quantity"))
		io.WriteString(w, `{"orderId":7,"symbol":"BTCUSDT","status":"FILLED","executedQty":"0.001235","cummulativeQuoteQty":"123.5","transactTime":1700000000000}`)
	})

	order, err := c.PlaceMarketOrder(context.Background(), models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.ActionBuy, Quantity: 0.0012345678,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), order.OrderID)
	assert.Equal(t, "FILLED", order.Status)
	assert.InDelta(t, 100000.0, order.AvgPrice, 1e-6)
}

func TestClientErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"code":-1121,"msg":"Invalid symbol."}`)
	})

	_, err := c.FetchKlines(context.Background(), "nope", "1m", 10)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, -1121, apiErr.Code)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)

	c.apiKey = ""
	_, err = c.FetchAccountBalances(context.Background())
	assert.ErrorIs(t, err, ErrMissingCredentials)
}
