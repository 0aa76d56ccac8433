package data

import (
	"context"
	"crypto-sma-trader/internal/model"
	"crypto-sma-trader/internal/service"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
)

// DataEngine 负责接收 Ticker，按交易对和周期聚合 K 线，并把已完成的 K 线发送出去
type DataEngine struct {
	tickerChan  <-chan model.Ticker
	candleChan  chan model.Candle
	aggregators map[string][]*KlineAggregator // symbol -> 各周期聚合器
	logger      *zap.Logger
}

// NewDataEngine 为每个交易对创建 timeframes 中的全部周期
func NewDataEngine(tickerChan <-chan model.Ticker, symbols, timeframes []string, logger *zap.Logger) (*DataEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	de := &DataEngine{
		tickerChan:  tickerChan,
		candleChan:  make(chan model.Candle, 256),
		aggregators: make(map[string][]*KlineAggregator, len(symbols)),
		logger:      logger.Named("data_engine"),
	}
	for _, symbol := range symbols {
		for _, tf := range timeframes {
			agg, err := NewKlineAggregator(symbol, tf)
			if err != nil {
				return nil, err
			}
			de.aggregators[symbol] = append(de.aggregators[symbol], agg)
		}
	}
	return de, nil
}

// Run 处理 Ticker 直到输入通道关闭或 ctx 取消，退出时关闭输出通道
func (de *DataEngine) Run(ctx context.Context) {
	defer close(de.candleChan)
	de.logger.Info("data engine started, monitoring ticker stream")

	for {
		select {
		case <-ctx.Done():
			de.logger.Info("data engine stopped", zap.Error(ctx.Err()))
			return
		case ticker, ok := <-de.tickerChan:
			if !ok {
				de.logger.Info("ticker stream closed, data engine stopped")
				return
			}
			// 只处理已订阅的交易对
			for _, agg := range de.aggregators[ticker.Symbol] {
				completed, done := agg.ProcessTicker(ticker)
				if !done {
					continue
				}
				select {
				case de.candleChan <- completed:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// Candles 已完成的 K 线
func (de *DataEngine) Candles() <-chan model.Candle {
	return de.candleChan
}

// KlineAggregator 根据 Ticker 聚合特定周期和交易对的 K 线
type KlineAggregator struct {
	mu       sync.Mutex
	Symbol   string
	Interval string
	periodMs int64
	current  model.Candle
	started  bool
}

func NewKlineAggregator(symbol, interval string) (*KlineAggregator, error) {
	d, err := service.ParseIntervalDuration(interval)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrConfig, err)
	}
	return &KlineAggregator{Symbol: symbol, Interval: interval, periodMs: d.Milliseconds()}, nil
}

// ProcessTicker 把 Ticker 聚合到当前 K 线。
// Ticker 落入新周期时返回上一根已完成的 K 线；早于当前周期的 Ticker 被丢弃。
func (agg *KlineAggregator) ProcessTicker(ticker model.Ticker) (model.Candle, bool) {
	agg.mu.Lock()
	defer agg.mu.Unlock()

	if ticker.Price <= 0 || ticker.Timestamp <= 0 {
		return model.Candle{}, false
	}
	// 按 UTC 周期对齐
	start := ticker.Timestamp - ticker.Timestamp%agg.periodMs

	var completed model.Candle
	done := false
	switch {
	case !agg.started:
		agg.reset(start, ticker.Price)
	case start > agg.current.Timestamp:
		completed, done = agg.current, true
		agg.reset(start, ticker.Price)
	case start < agg.current.Timestamp:
		return model.Candle{}, false
	}

	agg.current.Close = ticker.Price
	agg.current.High = math.Max(agg.current.High, ticker.Price)
	agg.current.Low = math.Min(agg.current.Low, ticker.Price)
	agg.current.Volume += ticker.Volume
	return completed, done
}

func (agg *KlineAggregator) reset(start int64, price float64) {
	agg.started = true
	agg.current = model.Candle{
		Symbol:    agg.Symbol,
		Timeframe: agg.Interval,
		Timestamp: start,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		CloseTime: start + agg.periodMs - 1,
	}
}

// Current 正在构建的 K 线
func (agg *KlineAggregator) Current() (model.Candle, bool) {
	agg.mu.Lock()
	defer agg.mu.Unlock()
	return agg.current, agg.started
}
