package exchange

import (
	"context"
	"crypto-sma-trader/internal/model"
	"crypto-sma-trader/internal/service"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/goccy/go-json"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

const binanceName = "binance"

// binance 限流错误码，可以重试
var binanceRateLimitCodes = map[int64]struct{}{
	-1003: {},
	-1015: {},
}

// BinanceVenue 基于 go-binance 现货接口
type BinanceVenue struct {
	client  *binance.Client
	backoff Backoff
	logger  *zap.Logger

	mu    sync.Mutex
	rules map[string]MarketRules
}

func NewBinanceVenue(cfg service.ExchangeConfig, logger *zap.Logger) *BinanceVenue {
	if cfg.Sandbox {
		binance.UseTestnet = true
	}
	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.Timeout > 0 {
		client.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BinanceVenue{
		client:  client,
		backoff: DefaultBackoff(cfg.MaxRetries),
		logger:  logger.Named(binanceName),
		rules:   make(map[string]MarketRules),
	}
}

func (b *BinanceVenue) Name() string { return binanceName }

// binanceSymbol "BTC/USDT" -> "BTCUSDT"
func binanceSymbol(symbol string) string {
	return strings.ToUpper(strings.NewReplacer("/", "", "-", "").Replace(strings.TrimSpace(symbol)))
}

// classifyBinance 业务错误为 fatal (限流除外)，其余 (网络、超时) 视为 transient
func classifyBinance(op string, err error) error {
	if err == nil {
		return nil
	}
	if common.IsAPIError(err) {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) {
			if _, ok := binanceRateLimitCodes[apiErr.Code]; ok {
				return transient(binanceName, op, err)
			}
		}
		return fatal(binanceName, op, err)
	}
	return transient(binanceName, op, err)
}

func (b *BinanceVenue) FetchOHLCV(ctx context.Context, symbol, timeframe string, since int64, limit int) ([]model.Candle, error) {
	tfMillis, err := service.TimeframeToMillis(timeframe)
	if err != nil {
		return nil, fatal(binanceName, "fetch ohlcv", err)
	}
	klines, err := retry(ctx, b.backoff, b.logger, "fetch ohlcv", func() ([]*binance.Kline, error) {
		svc := b.client.NewKlinesService().Symbol(binanceSymbol(symbol)).Interval(timeframe)
		if limit > 0 {
			svc = svc.Limit(limit)
		}
		if since > 0 {
			svc = svc.StartTime(since)
		}
		out, err := svc.Do(ctx)
		return out, classifyBinance("fetch ohlcv", err)
	})
	if err != nil {
		return nil, err
	}
	candles := make([]model.Candle, 0, len(klines))
	for _, k := range klines {
		if k == nil {
			continue
		}
		candles = append(candles, model.Candle{
			Symbol:    symbol,
			Timeframe: timeframe,
			Timestamp: k.OpenTime,
			Open:      cast.ToFloat64(k.Open),
			High:      cast.ToFloat64(k.High),
			Low:       cast.ToFloat64(k.Low),
			Close:     cast.ToFloat64(k.Close),
			Volume:    cast.ToFloat64(k.Volume),
			CloseTime: k.OpenTime + tfMillis - 1,
		})
	}
	return candles, nil
}

func (b *BinanceVenue) FetchTicker(ctx context.Context, symbol string) (*model.TickerSnapshot, error) {
	stats, err := retry(ctx, b.backoff, b.logger, "fetch ticker", func() ([]*binance.PriceChangeStats, error) {
		out, err := b.client.NewListPriceChangeStatsService().Symbol(binanceSymbol(symbol)).Do(ctx)
		return out, classifyBinance("fetch ticker", err)
	})
	if err != nil {
		return nil, err
	}
	if len(stats) == 0 || stats[0] == nil {
		return nil, fatal(binanceName, "fetch ticker", fmt.Errorf("no ticker for %s", symbol))
	}
	s := stats[0]
	return &model.TickerSnapshot{
		Symbol:      symbol,
		Timestamp:   s.CloseTime,
		Bid:         optionalFloat(s.BidPrice),
		Ask:         optionalFloat(s.AskPrice),
		Last:        optionalFloat(s.LastPrice),
		High:        optionalFloat(s.HighPrice),
		Low:         optionalFloat(s.LowPrice),
		Volume:      optionalFloat(s.Volume),
		QuoteVolume: optionalFloat(s.QuoteVolume),
		Change:      optionalFloat(s.PriceChange),
		Percentage:  optionalFloat(s.PriceChangePercent),
	}, nil
}

// marketRules 从 exchangeInfo 读取 LOT_SIZE / PRICE_FILTER 并缓存
func (b *BinanceVenue) marketRules(ctx context.Context, symbol string) (MarketRules, error) {
	b.mu.Lock()
	r, ok := b.rules[symbol]
	b.mu.Unlock()
	if ok {
		return r, nil
	}

	info, err := retry(ctx, b.backoff, b.logger, "exchange info", func() (*binance.ExchangeInfo, error) {
		out, err := b.client.NewExchangeInfoService().Symbol(binanceSymbol(symbol)).Do(ctx)
		return out, classifyBinance("exchange info", err)
	})
	if err != nil {
		return MarketRules{}, err
	}
	if info == nil || len(info.Symbols) == 0 {
		return MarketRules{}, fatal(binanceName, "exchange info", fmt.Errorf("unknown symbol %s", symbol))
	}
	s := info.Symbols[0]
	if s.Status != "" && s.Status != "TRADING" {
		return MarketRules{}, fatal(binanceName, "exchange info", fmt.Errorf("symbol %s status %s", symbol, s.Status))
	}
	r = MarketRules{Symbol: symbol}
	if lot := s.LotSizeFilter(); lot != nil {
		r.AmountStep = parseStep(lot.StepSize)
		r.MinAmount = parseStep(lot.MinQuantity)
	}
	if pf := s.PriceFilter(); pf != nil {
		r.PriceTick = parseStep(pf.TickSize)
	}

	b.mu.Lock()
	b.rules[symbol] = r
	b.mu.Unlock()
	return r, nil
}

func (b *BinanceVenue) ValidateSymbol(ctx context.Context, symbol string) error {
	_, err := b.marketRules(ctx, symbol)
	return err
}

func (b *BinanceVenue) FreeBalance(ctx context.Context, asset string) (float64, error) {
	account, err := retry(ctx, b.backoff, b.logger, "fetch balance", func() (*binance.Account, error) {
		out, err := b.client.NewGetAccountService().Do(ctx)
		return out, classifyBinance("fetch balance", err)
	})
	if err != nil {
		return 0, err
	}
	for _, bal := range account.Balances {
		if strings.EqualFold(bal.Asset, asset) {
			return cast.ToFloat64E(bal.Free)
		}
	}
	return 0, nil
}

func (b *BinanceVenue) RoundAmount(ctx context.Context, symbol string, amount float64) (float64, error) {
	r, err := b.marketRules(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return r.RoundAmount(amount), nil
}

func (b *BinanceVenue) RoundPrice(ctx context.Context, symbol string, price float64) (float64, error) {
	r, err := b.marketRules(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return r.RoundPrice(price), nil
}

// SubmitOrder 只调用一次，不重试
func (b *BinanceVenue) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	r, err := b.marketRules(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	side := binance.SideTypeBuy
	if req.Side == model.SideSell {
		side = binance.SideTypeSell
	}
	svc := b.client.NewCreateOrderService().
		Symbol(binanceSymbol(req.Symbol)).
		Side(side).
		Quantity(formatAmount(req.Amount, r.AmountStep)).
		NewOrderRespType(binance.NewOrderRespTypeFULL)
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	switch req.Kind {
	case model.OrderKindLimit:
		if req.Price == nil {
			return nil, fatal(binanceName, "submit order", errors.New("limit order requires a price"))
		}
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeIOC).
			Price(formatAmount(*req.Price, r.PriceTick))
	default:
		svc = svc.Type(binance.OrderTypeMarket)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, classifyBinance("submit order", err)
	}
	return binanceOrderResponse(resp), nil
}

// binanceOrderResponse FULL 响应映射为 OrderResponse，均价由成交额/成交量得出
func binanceOrderResponse(resp *binance.CreateOrderResponse) *OrderResponse {
	if resp == nil {
		return &OrderResponse{}
	}
	out := &OrderResponse{
		ID:            model.String(strconv.FormatInt(resp.OrderID, 10)),
		ClientOrderID: model.String(resp.ClientOrderID),
		Status:        model.String(strings.ToLower(string(resp.Status))),
		Type:          model.String(strings.ToLower(string(resp.Type))),
		Amount:        optionalFloat(resp.OrigQuantity),
		Price:         optionalPositive(resp.Price),
		Filled:        optionalFloat(resp.ExecutedQuantity),
		Cost:          optionalFloat(resp.CummulativeQuoteQuantity),
	}
	if out.Filled != nil && out.Cost != nil && *out.Filled > 0 {
		out.Average = model.Float(*out.Cost / *out.Filled)
	}

	if len(resp.Fills) > 0 {
		var (
			total    float64
			currency string
		)
		for _, f := range resp.Fills {
			if f == nil {
				continue
			}
			if currency == "" {
				currency = f.CommissionAsset
			}
			// 混合币种手续费只累计第一种
			if f.CommissionAsset == currency {
				total += cast.ToFloat64(f.Commission)
			}
		}
		out.Fee = &Fee{Cost: model.Float(total), Currency: model.String(currency)}
	}

	if raw, err := json.Marshal(resp); err == nil {
		out.Raw = raw
	}
	return out
}

// optionalFloat 空字符串或无法解析时返回 nil
func optionalFloat(s string) *float64 {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	v, err := cast.ToFloat64E(s)
	if err != nil {
		return nil
	}
	return &v
}

// optionalPositive 市价单 price 为 "0"，视为缺失
func optionalPositive(s string) *float64 {
	v := optionalFloat(s)
	if v == nil || *v <= 0 {
		return nil
	}
	return v
}
