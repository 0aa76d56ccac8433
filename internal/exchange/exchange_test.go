package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"crypto-sma-trader/internal/model"
	"crypto-sma-trader/internal/service"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRoundDown(t *testing.T) {
	assert.Equal(t, 0.123, RoundDown(0.12345, 0.001))
	assert.Equal(t, 0.25, RoundDown(0.25, 0.00001))
	assert.Equal(t, 100.0, RoundDown(100.7, 1))
	assert.Equal(t, 1.5, RoundDown(1.5, 0))

	r := MarketRules{AmountStep: 0.001, PriceTick: 0.01, MinAmount: 0.01}
	assert.Equal(t, 0.0, r.RoundAmount(0.0099))
	assert.Equal(t, 0.012, r.RoundAmount(0.0125))
	assert.Equal(t, 101.23, r.RoundPrice(101.239))

	assert.Equal(t, "0.250", formatAmount(0.25, 0.001))
	assert.Equal(t, "3", formatAmount(3, 1))
}

func TestBackoffDelayIsCapped(t *testing.T) {
	b := DefaultBackoff(5)
	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 32*time.Second, b.Delay(5))
	assert.Equal(t, time.Minute, b.Delay(6))
	assert.Equal(t, time.Minute, b.Delay(20))
}

func TestRetryOnlyTransient(t *testing.T) {
	ctx := context.Background()
	b := Backoff{Base: time.Millisecond, Cap: 2 * time.Millisecond, MaxRetries: 3}
	logger := zaptest.NewLogger(t)

	calls := 0
	v, err := retry(ctx, b, logger, "test", func() (int, error) {
		calls++
		if calls < 3 {
			return 0, transient("x", "test", errors.New("timeout"))
		}
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, 3, calls)

	calls = 0
	_, err = retry(ctx, b, logger, "test", func() (int, error) {
		calls++
		return 0, fatal("x", "test", errors.New("bad symbol"))
	})
	assert.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Equal(t, 1, calls)

	calls = 0
	_, err = retry(ctx, b, logger, "test", func() (int, error) {
		calls++
		return 0, transient("x", "test", errors.New("timeout"))
	})
	assert.True(t, IsTransient(err))
	assert.Equal(t, 4, calls)
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := Backoff{Base: time.Hour, Cap: time.Hour, MaxRetries: 3}
	_, err := retry(ctx, b, zaptest.NewLogger(t), "test", func() (int, error) {
		return 0, transient("x", "test", errors.New("timeout"))
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClassifyBinance(t *testing.T) {
	err := classifyBinance("submit order", &common.APIError{Code: -2010, Message: "insufficient balance"})
	assert.False(t, IsTransient(err))

	err = classifyBinance("fetch ohlcv", &common.APIError{Code: -1003, Message: "too many requests"})
	assert.True(t, IsTransient(err))

	err = classifyBinance("fetch ohlcv", errors.New("connection reset"))
	assert.True(t, IsTransient(err))

	assert.NoError(t, classifyBinance("noop", nil))
}

func TestBinanceOrderResponse(t *testing.T) {
	resp := &binance.CreateOrderResponse{
		Symbol:                   "BTCUSDT",
		OrderID:                  12345,
		ClientOrderID:            "abc",
		Price:                    "0.00000000",
		OrigQuantity:             "0.25000000",
		ExecutedQuantity:         "0.25000000",
		CummulativeQuoteQuantity: "25.00000000",
		Status:                   binance.OrderStatusTypeFilled,
		Type:                     binance.OrderTypeMarket,
		Side:                     binance.SideTypeBuy,
		Fills: []*binance.Fill{
			{Price: "100", Quantity: "0.1", Commission: "0.01", CommissionAsset: "USDT"},
			{Price: "100", Quantity: "0.15", Commission: "0.015", CommissionAsset: "USDT"},
		},
	}
	out := binanceOrderResponse(resp)
	require.NotNil(t, out.ID)
	assert.Equal(t, "12345", *out.ID)
	assert.Equal(t, "filled", *out.Status)
	assert.Nil(t, out.Price)
	amount, price, ok := out.FilledAt()
	require.True(t, ok)
	assert.Equal(t, 0.25, amount)
	assert.InDelta(t, 100.0, price, 1e-9)
	require.NotNil(t, out.Fee)
	assert.InDelta(t, 0.025, *out.Fee.Cost, 1e-12)
	assert.Equal(t, "USDT", *out.Fee.Currency)
	assert.NotEmpty(t, out.Raw)
}

func TestBinanceOrderResponseUnfilled(t *testing.T) {
	out := binanceOrderResponse(&binance.CreateOrderResponse{
		OrderID:          1,
		ExecutedQuantity: "0",
		Status:           binance.OrderStatusTypeExpired,
	})
	_, _, ok := out.FilledAt()
	assert.False(t, ok)
	assert.Nil(t, out.Average)
	assert.Nil(t, out.Fee)
}

func TestOkxOrderResponse(t *testing.T) {
	body := []byte(`{"code":"0","data":[{"ordId":"777","clOrdId":"c1","state":"filled","ordType":"market",
		"sz":"0.25","px":"","accFillSz":"0.25","avgPx":"120","fee":"-0.03","feeCcy":"USDT"}]}`)
	out := okxOrderResponse(body)
	assert.Equal(t, "777", *out.ID)
	assert.Equal(t, "filled", *out.Status)
	assert.Nil(t, out.Price)
	amount, price, ok := out.FilledAt()
	require.True(t, ok)
	assert.Equal(t, 0.25, amount)
	assert.Equal(t, 120.0, price)
	assert.InDelta(t, 30.0, *out.Cost, 1e-9)
	assert.InDelta(t, 0.03, *out.Fee.Cost, 1e-12)
	assert.Equal(t, "USDT", *out.Fee.Currency)

	empty := okxOrderResponse([]byte(`{"code":"0","data":[]}`))
	assert.Nil(t, empty.ID)
	assert.Nil(t, empty.Filled)
}

func TestOkxTicker(t *testing.T) {
	body := []byte(`{"code":"0","data":[{"instId":"BTC-USDT","last":"110","bidPx":"109.9","askPx":"110.1",
		"open24h":"100","high24h":"111","low24h":"99","vol24h":"5","volCcy24h":"550","ts":"1700000000000"}]}`)
	tk, err := okxTicker("BTC/USDT", body)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), tk.Timestamp)
	assert.Equal(t, 110.0, *tk.Last)
	assert.InDelta(t, 10.0, *tk.Change, 1e-9)
	assert.InDelta(t, 10.0, *tk.Percentage, 1e-9)

	_, err = okxTicker("BTC/USDT", []byte(`{"code":"0","data":[]}`))
	assert.Error(t, err)
}

func TestOkxMarketRulesFromInstruments(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		assert.Equal(t, "/public/instruments", r.URL.Path)
		assert.Equal(t, "BTC-USDT", r.URL.Query().Get("instId"))
		_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[{"instId":"BTC-USDT","lotSz":"0.00000001",
			"tickSz":"0.1","minSz":"0.00001","state":"live"}]}`))
	}))
	defer srv.Close()

	v := NewOkxVenue(service.ExchangeConfig{Name: "okx", MaxRetries: 1}, zaptest.NewLogger(t))
	v.baseURL = srv.URL

	ctx := context.Background()
	require.NoError(t, v.ValidateSymbol(ctx, "BTC/USDT"))
	price, err := v.RoundPrice(ctx, "BTC/USDT", 100.17)
	require.NoError(t, err)
	assert.Equal(t, 100.1, price)
	amount, err := v.RoundAmount(ctx, "BTC/USDT", 0.000001)
	require.NoError(t, err)
	assert.Zero(t, amount)
	assert.Equal(t, 1, hits)

	_, err = v.FreeBalance(ctx, "BTC")
	assert.Error(t, err)
	_, err = v.SubmitOrder(ctx, OrderRequest{Symbol: "BTC/USDT", Side: model.SideBuy, Amount: 1})
	assert.Error(t, err)
}

func TestOkxPublicGetErrors(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"code":"51001","msg":"Instrument ID does not exist","data":[]}`))
	}))
	defer srv.Close()

	v := NewOkxVenue(service.ExchangeConfig{Name: "okx"}, zaptest.NewLogger(t))
	_, err := v.publicGet(context.Background(), srv.URL)
	assert.True(t, IsTransient(err))

	status = http.StatusOK
	_, err = v.publicGet(context.Background(), srv.URL)
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestNewVenue(t *testing.T) {
	v, err := NewVenue(service.ExchangeConfig{Name: "Binance"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "binance", v.Name())

	v, err = NewVenue(service.ExchangeConfig{Name: "okx"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "okx", v.Name())

	_, err = NewVenue(service.ExchangeConfig{Name: "kraken"}, nil)
	assert.ErrorIs(t, err, model.ErrConfig)

	assert.Equal(t, "BTCUSDT", binanceSymbol("btc/usdt"))
	assert.Equal(t, "BTC-USDT", okxInstID("BTC/USDT"))
}
