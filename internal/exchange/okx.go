package exchange

import (
	"context"
	"crypto-sma-trader/internal/model"
	"crypto-sma-trader/internal/service"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	goexv2 "github.com/nntaoli-project/goex/v2"
	goexmodel "github.com/nntaoli-project/goex/v2/model"
	"github.com/nntaoli-project/goex/v2/options"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	okxName        = "okx"
	okxRESTBaseURL = "https://www.okx.com/api/v5"
	// goex 私有接口没有 context，统一用超时控制
	okxCallTimeout = 10 * time.Second
)

var okxPeriods = map[string]goexmodel.KlinePeriod{
	"1m":  goexmodel.Kline_1min,
	"5m":  goexmodel.Kline_5min,
	"15m": goexmodel.Kline_15min,
	"30m": goexmodel.Kline_30min,
	"1h":  goexmodel.Kline_1h,
	"4h":  goexmodel.Kline_4h,
	"1d":  goexmodel.Kline_1day,
}

// OkxVenue 行情与下单走 goex，交易对精度走 OKX 公共 REST
type OkxVenue struct {
	pub        goexv2.IPubRest
	prv        goexv2.IPrvRest
	httpClient *http.Client
	baseURL    string
	backoff    Backoff
	logger     *zap.Logger

	mu    sync.Mutex
	rules map[string]MarketRules
}

func NewOkxVenue(cfg service.ExchangeConfig, logger *zap.Logger) *OkxVenue {
	if cfg.Sandbox {
		goexv2.DefaultHttpCli.SetHeaders("x-simulated-trading", "1")
	}
	spotAPI := goexv2.OKx.Spot
	var prv goexv2.IPrvRest
	if cfg.APIKey != "" {
		prv = spotAPI.NewPrvApi(
			options.WithApiKey(cfg.APIKey),
			options.WithApiSecretKey(cfg.SecretKey),
			options.WithPassphrase(cfg.Passphrase),
		)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = okxCallTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OkxVenue{
		pub:        spotAPI,
		prv:        prv,
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    okxRESTBaseURL,
		backoff:    DefaultBackoff(cfg.MaxRetries),
		logger:     logger.Named(okxName),
		rules:      make(map[string]MarketRules),
	}
}

func (o *OkxVenue) Name() string { return okxName }

// okxInstID "BTC/USDT" -> "BTC-USDT"
func okxInstID(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(symbol), "/", "-"))
}

func (o *OkxVenue) pair(symbol string) (goexmodel.CurrencyPair, error) {
	pair, err := o.pub.NewCurrencyPair(service.BaseAsset(symbol), service.QuoteAsset(symbol))
	if err != nil {
		return pair, fatal(okxName, "currency pair", err)
	}
	return pair, nil
}

// call 在独立 goroutine 中执行没有 context 的 goex 调用
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, okxCallTimeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}

func (o *OkxVenue) FetchOHLCV(ctx context.Context, symbol, timeframe string, since int64, limit int) ([]model.Candle, error) {
	period, ok := okxPeriods[timeframe]
	if !ok {
		return nil, fatal(okxName, "fetch ohlcv", fmt.Errorf("unsupported timeframe %s", timeframe))
	}
	tfMillis, err := service.TimeframeToMillis(timeframe)
	if err != nil {
		return nil, fatal(okxName, "fetch ohlcv", err)
	}
	pair, err := o.pair(symbol)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		// OKX 单页最多 100 根
		limit = 100
	}

	opts := []goexmodel.OptionParameter{{Key: "limit", Value: strconv.Itoa(limit)}}
	if since > 0 {
		// after 返回早于该时间的数据，从 since 往后取一页
		opts = append(opts, goexmodel.OptionParameter{
			Key:   "after",
			Value: strconv.FormatInt(since+int64(limit)*tfMillis, 10),
		})
	}
	klines, err := retry(ctx, o.backoff, o.logger, "fetch ohlcv", func() ([]goexmodel.Kline, error) {
		return call(ctx, func() ([]goexmodel.Kline, error) {
			out, _, err := o.pub.GetKline(pair, period, opts...)
			return out, transient(okxName, "fetch ohlcv", err)
		})
	})
	if err != nil {
		return nil, err
	}

	candles := make([]model.Candle, 0, len(klines))
	for _, k := range klines {
		if k.Timestamp < since {
			continue
		}
		candles = append(candles, model.Candle{
			Symbol:    symbol,
			Timeframe: timeframe,
			Timestamp: k.Timestamp,
			Open:      k.Open,
			High:      k.High,
			Low:       k.Low,
			Close:     k.Close,
			Volume:    k.Vol,
			CloseTime: k.Timestamp + tfMillis - 1,
		})
	}
	// OKX 返回最新在前
	sort.Slice(candles, func(i, j int) bool { return candles[i].Timestamp < candles[j].Timestamp })
	return candles, nil
}

func (o *OkxVenue) FetchTicker(ctx context.Context, symbol string) (*model.TickerSnapshot, error) {
	pair, err := o.pair(symbol)
	if err != nil {
		return nil, err
	}
	body, err := retry(ctx, o.backoff, o.logger, "fetch ticker", func() ([]byte, error) {
		return call(ctx, func() ([]byte, error) {
			_, body, err := o.pub.GetTicker(pair)
			return body, transient(okxName, "fetch ticker", err)
		})
	})
	if err != nil {
		return nil, err
	}
	return okxTicker(symbol, body)
}

// okxTicker 解析 /market/ticker 原始响应
func okxTicker(symbol string, body []byte) (*model.TickerSnapshot, error) {
	data := gjson.GetBytes(body, "data.0")
	if !data.Exists() {
		return nil, fatal(okxName, "fetch ticker", fmt.Errorf("empty ticker payload for %s", symbol))
	}
	t := &model.TickerSnapshot{
		Symbol:      symbol,
		Timestamp:   data.Get("ts").Int(),
		Bid:         gjsonFloat(data.Get("bidPx")),
		Ask:         gjsonFloat(data.Get("askPx")),
		Last:        gjsonFloat(data.Get("last")),
		High:        gjsonFloat(data.Get("high24h")),
		Low:         gjsonFloat(data.Get("low24h")),
		Volume:      gjsonFloat(data.Get("vol24h")),
		QuoteVolume: gjsonFloat(data.Get("volCcy24h")),
	}
	if open := gjsonFloat(data.Get("open24h")); open != nil && t.Last != nil && *open > 0 {
		t.Change = model.Float(*t.Last - *open)
		t.Percentage = model.Float((*t.Last - *open) / *open * 100)
	}
	return t, nil
}

func gjsonFloat(r gjson.Result) *float64 {
	if !r.Exists() || r.String() == "" {
		return nil
	}
	return optionalFloat(r.String())
}

// marketRules 读取 /public/instruments 的 lotSz / tickSz / minSz
func (o *OkxVenue) marketRules(ctx context.Context, symbol string) (MarketRules, error) {
	o.mu.Lock()
	r, ok := o.rules[symbol]
	o.mu.Unlock()
	if ok {
		return r, nil
	}

	endpoint := fmt.Sprintf("%s/public/instruments?instType=SPOT&instId=%s", o.baseURL, url.QueryEscape(okxInstID(symbol)))
	body, err := retry(ctx, o.backoff, o.logger, "instruments", func() ([]byte, error) {
		return o.publicGet(ctx, endpoint)
	})
	if err != nil {
		return MarketRules{}, err
	}
	inst := gjson.GetBytes(body, "data.0")
	if !inst.Exists() {
		return MarketRules{}, fatal(okxName, "instruments", fmt.Errorf("unknown symbol %s", symbol))
	}
	if state := inst.Get("state").String(); state != "" && state != "live" {
		return MarketRules{}, fatal(okxName, "instruments", fmt.Errorf("symbol %s state %s", symbol, state))
	}
	r = MarketRules{
		Symbol:     symbol,
		AmountStep: parseStep(inst.Get("lotSz").String()),
		PriceTick:  parseStep(inst.Get("tickSz").String()),
		MinAmount:  parseStep(inst.Get("minSz").String()),
	}
	o.mu.Lock()
	o.rules[symbol] = r
	o.mu.Unlock()
	return r, nil
}

// publicGet 返回 {"code":"0","data":[...]} 的原始 body；code 非 0 为 fatal，5xx/429 为 transient
func (o *OkxVenue) publicGet(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fatal(okxName, "public get", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, transient(okxName, "public get", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transient(okxName, "public get", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, transient(okxName, "public get", fmt.Errorf("http status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fatal(okxName, "public get", fmt.Errorf("http status %d", resp.StatusCode))
	}
	if code := gjson.GetBytes(body, "code").String(); code != "" && code != "0" {
		return nil, fatal(okxName, "public get", fmt.Errorf("code %s: %s", code, gjson.GetBytes(body, "msg").String()))
	}
	return body, nil
}

func (o *OkxVenue) ValidateSymbol(ctx context.Context, symbol string) error {
	_, err := o.marketRules(ctx, symbol)
	return err
}

func (o *OkxVenue) requirePrivate(op string) error {
	if o.prv == nil {
		return fatal(okxName, op, errors.New("api key not configured"))
	}
	return nil
}

func (o *OkxVenue) FreeBalance(ctx context.Context, asset string) (float64, error) {
	if err := o.requirePrivate("fetch balance"); err != nil {
		return 0, err
	}
	accounts, err := retry(ctx, o.backoff, o.logger, "fetch balance", func() (map[string]goexmodel.Account, error) {
		return call(ctx, func() (map[string]goexmodel.Account, error) {
			out, _, err := o.prv.GetAccount(asset)
			return out, transient(okxName, "fetch balance", err)
		})
	})
	if err != nil {
		return 0, err
	}
	acc, ok := accounts[asset]
	if !ok {
		return 0, nil
	}
	return acc.AvailableBalance, nil
}

func (o *OkxVenue) RoundAmount(ctx context.Context, symbol string, amount float64) (float64, error) {
	r, err := o.marketRules(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return r.RoundAmount(amount), nil
}

func (o *OkxVenue) RoundPrice(ctx context.Context, symbol string, price float64) (float64, error) {
	r, err := o.marketRules(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return r.RoundPrice(price), nil
}

// SubmitOrder 下单后查询一次订单详情补全成交信息；下单本身不重试
func (o *OkxVenue) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	if err := o.requirePrivate("submit order"); err != nil {
		return nil, err
	}
	pair, err := o.pair(req.Symbol)
	if err != nil {
		return nil, err
	}

	side := goexmodel.Spot_Buy
	if req.Side == model.SideSell {
		side = goexmodel.Spot_Sell
	}
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	opts := []goexmodel.OptionParameter{{Key: "clOrdId", Value: clientID}}

	var (
		orderType = goexmodel.OrderType_Market
		price     float64
	)
	switch req.Kind {
	case model.OrderKindLimit:
		if req.Price == nil {
			return nil, fatal(okxName, "submit order", errors.New("limit order requires a price"))
		}
		orderType = goexmodel.OrderType_Limit
		price = *req.Price
		opts = append(opts, goexmodel.OptionParameter{Key: "ordType", Value: "ioc"})
	default:
		// 市价买单默认按计价币数量，改为按基础币数量
		opts = append(opts, goexmodel.OptionParameter{Key: "tgtCcy", Value: "base_ccy"})
	}

	created, err := call(ctx, func() (*goexmodel.Order, error) {
		out, body, err := o.prv.CreateOrder(pair, req.Amount, price, side, orderType, opts...)
		if err != nil {
			o.logger.Debug("create order failed", zap.ByteString("body", body))
		}
		return out, err
	})
	if err != nil {
		return nil, fatal(okxName, "submit order", err)
	}
	if created == nil || created.Id == "" {
		return &OrderResponse{ClientOrderID: model.String(clientID)}, nil
	}

	// 成交详情查询失败时只返回订单 id，调用方写入 open 状态
	body, err := call(ctx, func() ([]byte, error) {
		_, body, err := o.prv.GetOrderInfo(pair, created.Id)
		return body, err
	})
	if err != nil {
		o.logger.Warn("fetch order detail failed", zap.String("order_id", created.Id), zap.Error(err))
		return &OrderResponse{ID: model.String(created.Id), ClientOrderID: model.String(clientID)}, nil
	}
	resp := okxOrderResponse(body)
	if resp.ID == nil {
		resp.ID = model.String(created.Id)
	}
	if resp.ClientOrderID == nil {
		resp.ClientOrderID = model.String(clientID)
	}
	return resp, nil
}

// okxOrderResponse 解析 /trade/order 原始响应，OKX 手续费为负数表示扣除
func okxOrderResponse(body []byte) *OrderResponse {
	data := gjson.GetBytes(body, "data.0")
	out := &OrderResponse{Raw: append([]byte(nil), body...)}
	if !data.Exists() {
		return out
	}
	out.ID = model.String(data.Get("ordId").String())
	out.ClientOrderID = model.String(data.Get("clOrdId").String())
	out.Status = model.String(okxStatus(data.Get("state").String()))
	out.Type = model.String(data.Get("ordType").String())
	out.Amount = gjsonFloat(data.Get("sz"))
	out.Price = gjsonFloat(data.Get("px"))
	out.Filled = gjsonFloat(data.Get("accFillSz"))
	out.Average = gjsonFloat(data.Get("avgPx"))
	if out.Filled != nil && out.Average != nil {
		out.Cost = model.Float(*out.Filled * *out.Average)
	}
	if fee := gjsonFloat(data.Get("fee")); fee != nil {
		out.Fee = &Fee{Cost: model.Float(math.Abs(*fee)), Currency: model.String(data.Get("feeCcy").String())}
	}
	return out
}

// okxStatus OKX state -> 通用状态字符串
func okxStatus(state string) string {
	switch state {
	case "filled":
		return "filled"
	case "canceled", "mmp_canceled":
		return "canceled"
	case "live", "partially_filled":
		return "open"
	}
	return state
}
