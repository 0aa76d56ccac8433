package data

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"crypto-sma-trader/internal/ledger"
	"crypto-sma-trader/internal/model"
	"crypto-sma-trader/internal/service"
	"crypto-sma-trader/pkg/ta"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap/zaptest"
)

const (
	btc    = "BTC/USDT"
	eth    = "ETH/USDT"
	minute = int64(60_000)
	base   = int64(1_700_000_040_000) // 整分钟
)

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.OpenInMemory(zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

type fakeMarket struct {
	mu      sync.Mutex
	series  map[string][]model.Candle
	pageCap int
	fail    map[string]error
	calls   int
}

func (f *fakeMarket) Name() string { return "binance" }

func (f *fakeMarket) FetchOHLCV(_ context.Context, symbol, _ string, since int64, limit int) ([]model.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.fail[symbol]; err != nil {
		return nil, err
	}
	n := limit
	if f.pageCap > 0 && f.pageCap < n {
		n = f.pageCap
	}
	all := f.series[symbol]
	if since == 0 {
		start := max(0, len(all)-n)
		return append([]model.Candle(nil), all[start:]...), nil
	}
	var out []model.Candle
	for _, c := range all {
		if c.Timestamp >= since {
			out = append(out, c)
			if len(out) == n {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeMarket) FetchTicker(_ context.Context, symbol string) (*model.TickerSnapshot, error) {
	if err := f.fail[symbol]; err != nil {
		return nil, err
	}
	return &model.TickerSnapshot{Timestamp: base, Last: model.Float(100)}, nil
}

func (f *fakeMarket) append(symbol string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.series[symbol]
	ts := base
	if len(all) > 0 {
		ts = all[len(all)-1].Timestamp + minute
	}
	for i := 0; i < n; i++ {
		c := float64(100 + len(all))
		all = append(all, model.Candle{Timestamp: ts, Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 2})
		ts += minute
	}
	f.series[symbol] = all
}

func newCollector(t *testing.T, md *fakeMarket, l *ledger.Ledger, symbols ...string) *Collector {
	c := NewCollector(md, l, service.CollectorConfig{
		Symbols:    symbols,
		Timeframes: []string{"1m"},
		BatchLimit: 500,
	}, zaptest.NewLogger(t))
	c.now = func() time.Time {
		md.mu.Lock()
		defer md.mu.Unlock()
		all := md.series[btc]
		if len(all) == 0 {
			return time.UnixMilli(base)
		}
		return time.UnixMilli(all[len(all)-1].Timestamp + minute)
	}
	return c
}

func TestKlineAggregator(t *testing.T) {
	agg, err := NewKlineAggregator(btc, "1m")
	require.NoError(t, err)

	_, done := agg.ProcessTicker(model.Ticker{Symbol: btc, Timestamp: base + 1_000, Price: 10, Volume: 1})
	assert.False(t, done)
	agg.ProcessTicker(model.Ticker{Symbol: btc, Timestamp: base + 20_000, Price: 12, Volume: 2})
	agg.ProcessTicker(model.Ticker{Symbol: btc, Timestamp: base + 40_000, Price: 9})
	agg.ProcessTicker(model.Ticker{Symbol: btc, Timestamp: base + 59_999, Price: 11, Volume: 0.5})

	completed, done := agg.ProcessTicker(model.Ticker{Symbol: btc, Timestamp: base + minute + 5, Price: 13, Volume: 1})
	require.True(t, done)
	assert.Equal(t, base, completed.Timestamp)
	assert.Equal(t, base+minute-1, completed.CloseTime)
	assert.Equal(t, 10.0, completed.Open)
	assert.Equal(t, 12.0, completed.High)
	assert.Equal(t, 9.0, completed.Low)
	assert.Equal(t, 11.0, completed.Close)
	assert.Equal(t, 3.5, completed.Volume)
	assert.Equal(t, "1m", completed.Timeframe)

	// 落在上一周期的迟到 Ticker 被丢弃
	_, done = agg.ProcessTicker(model.Ticker{Symbol: btc, Timestamp: base + 30_000, Price: 1})
	assert.False(t, done)
	cur, ok := agg.Current()
	require.True(t, ok)
	assert.Equal(t, 13.0, cur.Low)

	_, err = NewKlineAggregator(btc, "1x")
	assert.ErrorIs(t, err, model.ErrConfig)
}

func TestDataEngineFiltersSymbols(t *testing.T) {
	in := make(chan model.Ticker, 16)
	de, err := NewDataEngine(in, []string{btc}, []string{"1m", "1h"}, zaptest.NewLogger(t))
	require.NoError(t, err)

	in <- model.Ticker{Symbol: btc, Timestamp: base, Price: 10}
	in <- model.Ticker{Symbol: eth, Timestamp: base, Price: 99}
	in <- model.Ticker{Symbol: btc, Timestamp: base + minute, Price: 11}
	close(in)

	go de.Run(context.Background())
	var got []model.Candle
	for c := range de.Candles() {
		got = append(got, c)
	}
	require.Len(t, got, 1)
	assert.Equal(t, btc, got[0].Symbol)
	assert.Equal(t, "1m", got[0].Timeframe)
	assert.Equal(t, 10.0, got[0].Close)
}

func TestBackfillPagesPastVenueCap(t *testing.T) {
	l := newLedger(t)
	md := &fakeMarket{series: map[string][]model.Candle{}, pageCap: 100}
	md.append(btc, 250)
	c := newCollector(t, md, l, btc)

	res, err := c.Backfill(context.Background(), btc, "1m", base)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, 250, res.Inserted)
	assert.Equal(t, base+249*minute, res.Latest)

	_, err = c.Backfill(context.Background(), btc, "1m", 0)
	assert.ErrorIs(t, err, model.ErrConfig)
}

func TestCollectOHLCVIsIncremental(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	md := &fakeMarket{series: map[string][]model.Candle{}, pageCap: 100}
	md.append(btc, 250)
	c := newCollector(t, md, l, btc)

	res, err := c.CollectOHLCV(ctx, btc, "1m")
	require.NoError(t, err)
	assert.Equal(t, 100, res.Inserted)
	assert.Equal(t, 1, res.Pages)

	res, err = c.CollectOHLCV(ctx, btc, "1m")
	require.NoError(t, err)
	assert.Zero(t, res.Pages)

	md.append(btc, 2)
	res, err = c.CollectOHLCV(ctx, btc, "1m")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)

	stored, err := l.ListCandles(ctx, btc, "1m", 1)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, stored[0].Timestamp+minute-1, stored[0].CloseTime)
	assert.Equal(t, btc, stored[0].Symbol)
}

func TestRunOnceIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	md := &fakeMarket{
		series: map[string][]model.Candle{},
		fail:   map[string]error{eth: errors.New("venue down")},
	}
	md.append(btc, 5)
	c := newCollector(t, md, l, btc, eth)

	err := c.RunOnce(ctx, []string{"1m"})
	require.Error(t, err)
	assert.ErrorContains(t, err, eth)
	assert.Len(t, multierr.Errors(err), 2)

	candles, err := l.ListCandles(ctx, btc, "1m", 10)
	require.NoError(t, err)
	assert.Len(t, candles, 5)
	tickers, err := l.ListTickers(ctx, btc, 10)
	require.NoError(t, err)
	require.Len(t, tickers, 1)
	assert.Equal(t, btc, tickers[0].Symbol)
}

func TestRunStopsOnCancel(t *testing.T) {
	l := newLedger(t)
	md := &fakeMarket{series: map[string][]model.Candle{}}
	md.append(btc, 3)
	c := newCollector(t, md, l, btc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	assert.Eventually(t, func() bool {
		md.mu.Lock()
		defer md.mu.Unlock()
		return md.calls > 0
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not stop")
	}
}

func TestStreamStoresClosedCandles(t *testing.T) {
	l := newLedger(t)
	md := &fakeMarket{series: map[string][]model.Candle{}}
	c := newCollector(t, md, l, btc)
	calc, err := ta.NewCalculator(2, 3, zaptest.NewLogger(t))
	require.NoError(t, err)
	c.WithSignals(calc)

	in := make(chan model.Ticker, 8)
	in <- model.Ticker{Symbol: btc, Timestamp: base + 1, Price: 10, Volume: 1}
	in <- model.Ticker{Symbol: btc, Timestamp: base + 2, Price: 14, Volume: 1}
	in <- model.Ticker{Symbol: btc, Timestamp: base + minute, Price: 12, Volume: 1}
	close(in)

	require.NoError(t, c.Stream(context.Background(), in))

	stored, err := l.ListCandles(context.Background(), btc, "1m", 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 10.0, stored[0].Open)
	assert.Equal(t, 14.0, stored[0].Close)
	assert.Equal(t, 2.0, stored[0].Volume)
	assert.Equal(t, []float64{14}, calc.Closes(btc, "1m"))
}

func TestAnalyzeSequence(t *testing.T) {
	candles := []model.Candle{
		{Timestamp: 0}, {Timestamp: minute}, {Timestamp: minute},
		{Timestamp: 4 * minute}, {Timestamp: 3 * minute},
	}
	gaps, dups, regressions := AnalyzeSequence(candles, minute)
	require.Len(t, gaps, 1)
	assert.Equal(t, Gap{After: minute, Before: 4 * minute, Missing: 2}, gaps[0])
	assert.Equal(t, 1, dups)
	assert.Equal(t, 1, regressions)
}

func TestValidatorReport(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	now := time.UnixMilli(base + 10*minute)

	var candles []model.Candle
	for _, m := range []int64{4, 5, 6, 9} {
		ts := base + m*minute
		candles = append(candles, model.Candle{Symbol: btc, Timeframe: "1m", Timestamp: ts, Open: 10, High: 11, Low: 9, Close: 10, Volume: 1})
	}
	candles[1].High, candles[1].Low = 8, 12
	candles[2].Volume = 0
	_, _, err := l.UpsertCandles(ctx, candles)
	require.NoError(t, err)

	v := NewValidator(l, zaptest.NewLogger(t))
	v.now = func() time.Time { return now }

	rep, err := v.Run(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(4), rep.Tables["ohlcv"])
	require.Len(t, rep.Series, 1)

	sr := rep.Series[0]
	assert.Equal(t, 4, sr.Candles)
	require.Len(t, sr.Gaps, 1)
	assert.Equal(t, 2, sr.Gaps[0].Missing)
	assert.True(t, sr.Fresh)
	assert.Equal(t, time.Minute, sr.Age)
	assert.Equal(t, int64(1), sr.Quality.InvalidOHLC)
	assert.Equal(t, int64(1), sr.Quality.ZeroVolume)
	assert.False(t, sr.Healthy())
}
