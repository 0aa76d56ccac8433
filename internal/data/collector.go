package data

import (
	"context"
	"crypto-sma-trader/internal/exchange"
	"crypto-sma-trader/internal/ledger"
	"crypto-sma-trader/internal/model"
	"crypto-sma-trader/internal/service"
	"crypto-sma-trader/pkg/ta"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBatchLimit  = 500
	defaultConcurrency = 4
)

// CollectResult 一次 K 线抓取的统计
type CollectResult struct {
	Symbol    string
	Timeframe string
	Pages     int
	Inserted  int
	Updated   int
	Latest    int64
}

// Collector 通过交易所公共接口抓取 K 线与 ticker 并写入账本
type Collector struct {
	md      exchange.MarketData
	ledger  *ledger.Ledger
	cfg     service.CollectorConfig
	signals *ta.Calculator
	logger  *zap.Logger
	now     func() time.Time
}

func NewCollector(md exchange.MarketData, l *ledger.Ledger, cfg service.CollectorConfig, logger *zap.Logger) *Collector {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = defaultBatchLimit
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		md:     md,
		ledger: l,
		cfg:    cfg,
		logger: logger.Named("collector").With(zap.String("venue", md.Name())),
		now:    time.Now,
	}
}

// WithSignals 流式模式下对每根完成的 K 线计算均线信号并记录日志
func (c *Collector) WithSignals(calc *ta.Calculator) *Collector {
	c.signals = calc
	return c
}

// CollectOHLCV 从最新已入库时间之后增量抓取；没有历史时只取最新的一页
func (c *Collector) CollectOHLCV(ctx context.Context, symbol, timeframe string) (CollectResult, error) {
	latest, err := c.ledger.LatestTimestamp(ctx, symbol, timeframe)
	if err != nil {
		return CollectResult{Symbol: symbol, Timeframe: timeframe}, err
	}
	var since int64
	if latest > 0 {
		since = latest + 1
	}
	return c.collect(ctx, symbol, timeframe, since)
}

// Backfill 从 since (毫秒) 开始补齐历史
func (c *Collector) Backfill(ctx context.Context, symbol, timeframe string, since int64) (CollectResult, error) {
	if since <= 0 {
		return CollectResult{Symbol: symbol, Timeframe: timeframe}, fmt.Errorf("%w: backfill requires since > 0", model.ErrConfig)
	}
	return c.collect(ctx, symbol, timeframe, since)
}

// collect 分页抓取：空页、since 不再前进或已追到当前周期时停止。
// 不依赖短页判断结束，部分交易所单页上限小于请求的 limit。
func (c *Collector) collect(ctx context.Context, symbol, timeframe string, since int64) (CollectResult, error) {
	res := CollectResult{Symbol: symbol, Timeframe: timeframe}
	tfMs, err := service.TimeframeToMillis(timeframe)
	if err != nil {
		return res, fmt.Errorf("%w: %v", model.ErrConfig, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		candles, err := c.md.FetchOHLCV(ctx, symbol, timeframe, since, c.cfg.BatchLimit)
		if err != nil {
			return res, err
		}
		if len(candles) == 0 {
			break
		}
		for i := range candles {
			candles[i].Symbol = symbol
			candles[i].Timeframe = timeframe
			candles[i].CloseTime = candles[i].Timestamp + tfMs - 1
		}
		ins, upd, err := c.ledger.UpsertCandles(ctx, candles)
		if err != nil {
			return res, err
		}
		res.Pages++
		res.Inserted += ins
		res.Updated += upd

		last := candles[len(candles)-1].Timestamp
		res.Latest = max(res.Latest, last)
		if since == 0 || last < since {
			break
		}
		since = last + 1
		if last >= c.now().UnixMilli()-tfMs {
			break
		}
	}

	c.logger.Info("ohlcv collected",
		zap.String("symbol", symbol),
		zap.String("timeframe", timeframe),
		zap.Int("pages", res.Pages),
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated))
	return res, nil
}

// CollectTicker 保存一次 ticker 快照
func (c *Collector) CollectTicker(ctx context.Context, symbol string) error {
	t, err := c.md.FetchTicker(ctx, symbol)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("empty ticker for %s", symbol)
	}
	if t.Timestamp == 0 {
		t.Timestamp = c.now().UnixMilli()
	}
	t.Symbol = symbol
	return c.ledger.InsertTicker(ctx, t)
}

// RunOnce 并发处理所有交易对，单个交易对失败不影响其它交易对，错误合并后返回
func (c *Collector) RunOnce(ctx context.Context, timeframes []string) error {
	var (
		mu   sync.Mutex
		errs error
	)
	record := func(err error) {
		mu.Lock()
		errs = multierr.Append(errs, err)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	for _, symbol := range c.cfg.Symbols {
		g.Go(func() error {
			for _, tf := range timeframes {
				if _, err := c.CollectOHLCV(ctx, symbol, tf); err != nil {
					c.logger.Error("collect ohlcv failed", zap.String("symbol", symbol), zap.String("timeframe", tf), zap.Error(err))
					record(fmt.Errorf("%s %s: %w", symbol, tf, err))
				}
			}
			if err := c.CollectTicker(ctx, symbol); err != nil {
				c.logger.Warn("collect ticker failed", zap.String("symbol", symbol), zap.Error(err))
				record(fmt.Errorf("%s ticker: %w", symbol, err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// schedule 每个周期的调度间隔，collector.interval 非零时统一覆盖
func (c *Collector) schedule() (map[string]time.Duration, error) {
	out := make(map[string]time.Duration, len(c.cfg.Timeframes))
	for _, tf := range c.cfg.Timeframes {
		d, err := service.ParseIntervalDuration(tf)
		if err != nil {
			return nil, fmt.Errorf("%w: timeframe %q: %v", model.ErrConfig, tf, err)
		}
		if c.cfg.Interval > 0 {
			d = c.cfg.Interval
		}
		out[tf] = d
	}
	return out, nil
}

// Run 按各周期自身的间隔循环抓取，直到 ctx 取消
func (c *Collector) Run(ctx context.Context) error {
	intervals, err := c.schedule()
	if err != nil {
		return err
	}
	if len(intervals) == 0 {
		return fmt.Errorf("%w: no timeframes configured", model.ErrConfig)
	}
	next := make(map[string]time.Time, len(intervals))
	for tf := range intervals {
		next[tf] = c.now()
	}

	for {
		now := c.now()
		var due []string
		for tf, at := range next {
			if !now.Before(at) {
				due = append(due, tf)
			}
		}
		sort.Strings(due)

		if len(due) > 0 {
			started := c.now()
			if err := c.RunOnce(ctx, due); err != nil {
				c.logger.Warn("collection cycle finished with errors", zap.Strings("timeframes", due), zap.Error(err))
			}
			elapsed := c.now().Sub(started)
			for _, tf := range due {
				if elapsed > intervals[tf] {
					c.logger.Warn("collection overran interval",
						zap.String("timeframe", tf), zap.Duration("elapsed", elapsed), zap.Duration("interval", intervals[tf]))
				}
				next[tf] = started.Add(intervals[tf])
			}
		}

		wake := time.Time{}
		for _, at := range next {
			if wake.IsZero() || at.Before(wake) {
				wake = at
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(max(0, wake.Sub(c.now()))):
		}
	}
}

// Stream 把 websocket Ticker 聚合成 K 线并写入账本，直到输入关闭或 ctx 取消
func (c *Collector) Stream(ctx context.Context, tickers <-chan model.Ticker) error {
	engine, err := NewDataEngine(tickers, c.cfg.Symbols, c.cfg.Timeframes, c.logger)
	if err != nil {
		return err
	}
	go engine.Run(ctx)

	for candle := range engine.Candles() {
		// 写库不受 ctx 取消影响，避免丢掉最后一根已完成的 K 线
		if _, _, err := c.ledger.UpsertCandles(context.WithoutCancel(ctx), []model.Candle{candle}); err != nil {
			c.logger.Error("store streamed candle failed", zap.String("symbol", candle.Symbol), zap.Error(err))
			continue
		}
		if c.signals == nil {
			continue
		}
		if sig, ok := c.signals.Update(candle.Symbol, candle.Timeframe, candle.Timestamp, candle.Close); ok {
			c.logger.Info("stream signal",
				zap.String("symbol", candle.Symbol),
				zap.String("timeframe", candle.Timeframe),
				zap.Float64("close", candle.Close),
				zap.Float64("fast_sma", sig.FastSMA),
				zap.Float64("slow_sma", sig.SlowSMA),
				zap.Bool("should_be_long", sig.ShouldBeLong))
		}
	}
	return nil
}
