package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/streambot/pkg/binance"
	"github.com/gregtusar/streambot/pkg/models"
	"github.com/gregtusar/streambot/pkg/strategy"
	"github.com/gregtusar/streambot/pkg/trader"
)

const testSecret = "test-secret"

type nopStream struct{}

func (nopStream) Init() {}
func (nopStream) Close() {}
func (nopStream) Subscribe(string) error { return nil }
func (nopStream) Status() binance.StreamStatus { return binance.StreamStatus{State: binance.StateConnected} }
func (nopStream) OnState(func(binance.StateEvent)) {}
func (nopStream) OnError(func(binance.ErrorEvent)) {}
func (nopStream) OnKline(func(binance.KlineEvent)) {}
func (nopStream) OnTrade(func(binance.TradeEvent)) {}

type staticKlines []models.Candle

func (k staticKlines) FetchKlines(context.Context, string, string, int) ([]models.Candle, error) {
	return k, nil
}

func newTestServer(t *testing.T, secret string) (*httptest.Server, *trader.Bot) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	var history staticKlines
	for i, c := range []float64{10, 9, 8, 7, 6} {
		history = append(history, models.Candle{
			OpenTime:  int64(i) * 60_000,
			Open:      c,
			High:      c,
			Low:       c,
			Close:     c,
			CloseTime: int64(i+1)*60_000 - 1,
		})
	}

	pm := trader.NewPositionManager(trader.RiskConfig{
		Symbol:         "BTCUSDT",
		BaseAsset:      "BTC",
		QuoteAsset:     "USDT",
		Mode:           models.ModeSimulated,
		MaxPositions:   3,
		TradeAmount:    100,
		StopLossPct:    2,
		TakeProfitPct:  5,
		InitialBalance: 10000,
	}, nil, nil, logger)

	bot := trader.NewBot(trader.BotConfig{
		Symbol:       "BTCUSDT",
		Interval:     "1m",
		EvalInterval: time.Hour,
	}, trader.Settings{Strategy: strategy.NameRSI, Params: strategy.DefaultParams()}, trader.Deps{
		Stream:    nopStream{},
		Klines:    history,
		Positions: pm,
		Engine:    strategy.NewEngine(logger),
		Logger:    logger,
	})
	t.Cleanup(func() { bot.Stop() })

	srv := httptest.NewServer(NewServer(bot, logger, "0", secret, "").Handler())
	t.Cleanup(srv.Close)
	return srv, bot
}

func token(t *testing.T, secret string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "operator",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func do(t *testing.T, method, url, bearer, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if strings.HasPrefix(strings.TrimSpace(string(raw)), "{") {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func TestHealthAndCORS(t *testing.T) {
	srv, _ := newTestServer(t, "")

	resp, body := do(t, http.MethodGet, srv.URL+"/api/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, false, body["running"])

	resp, _ = do(t, http.MethodOptions, srv.URL+"/api/bot/start", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartStopLifecycle(t *testing.T) {
	srv, bot := newTestServer(t, "")

	resp, body := do(t, http.MethodPost, srv.URL+"/api/bot/start", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["changed"])
	assert.True(t, bot.Running())

	_, body = do(t, http.MethodPost, srv.URL+"/api/bot/start", "", "")
	assert.Equal(t, false, body["changed"])

	_, body = do(t, http.MethodGet, srv.URL+"/api/status", "", "")
	assert.Equal(t, true, body["running"])
	assert.Equal(t, float64(5), body["candles"])

	_, body = do(t, http.MethodPost, srv.URL+"/api/bot/stop", "", "")
	assert.Equal(t, true, body["changed"])
	_, body = do(t, http.MethodPost, srv.URL+"/api/bot/stop", "", "")
	assert.Equal(t, false, body["changed"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/bot/stop", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestControlRequiresToken(t *testing.T) {
	srv, bot := newTestServer(t, testSecret)

	resp, _ := do(t, http.MethodPost, srv.URL+"/api/bot/start", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/bot/start", token(t, "wrong"), "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.False(t, bot.Running())

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/bot/start", token(t, testSecret), "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, bot.Running())

	// reads stay open
	resp, _ = do(t, http.MethodGet, srv.URL+"/api/settings", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/settings", "", `{"strategy":"macd"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUpdateSettings(t *testing.T) {
	srv, bot := newTestServer(t, "")

	resp, body := do(t, http.MethodPost, srv.URL+"/api/settings", "", `{"strategy":"bb"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "bb", body["strategy"])
	assert.Equal(t, strategy.NameBollinger, bot.Settings().Strategy)
	assert.Equal(t, 20, bot.Settings().Params.BB.Period)

	resp, body = do(t, http.MethodPost, srv.URL+"/api/settings", "", `{"strategy":"rsi","params":{"rsi":{"period":0}}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "period")
	assert.Equal(t, strategy.NameBollinger, bot.Settings().Strategy)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/settings", "", `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIndicatorsEncodeUndefinedAsNull(t *testing.T) {
	srv, bot := newTestServer(t, "")
	require.NoError(t, bot.Start(context.Background()))

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/indicators", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var set map[string][]*float64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&set))
	// five candles never reach the 26-period slow EMA
	require.Len(t, set["macdLine"], 5)
	for _, v := range set["macdLine"] {
		assert.Nil(t, v)
	}
}

func TestResetClearsLedger(t *testing.T) {
	srv, bot := newTestServer(t, "")
	_, err := bot.Positions().Execute(context.Background(), models.Signal{Action: models.ActionBuy, Price: 100})
	require.NoError(t, err)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/reset", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["positions"])
	assert.Empty(t, bot.Positions().Positions())
}
