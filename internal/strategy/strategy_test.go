package strategy

import (
	"context"
	"errors"
	"sync"
	"testing"

	"crypto-sma-trader/internal/executor"
	"crypto-sma-trader/internal/ledger"
	"crypto-sma-trader/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	btc   = "BTC/USDT"
	venue = "binance"
	tf    = "1m"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.TradeEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev model.TradeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

type failingExecutor struct{ err error }

func (f failingExecutor) Mode() model.Mode { return model.ModePaper }

func (f failingExecutor) Buy(context.Context, string, float64, float64, executor.ExecContext) (*executor.Trade, error) {
	return nil, f.err
}

func (f failingExecutor) Sell(context.Context, string, float64, executor.ExecContext) (*executor.Trade, error) {
	return nil, f.err
}

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.OpenInMemory(zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func seed(t *testing.T, l *ledger.Ledger, start int64, closes ...float64) int64 {
	t.Helper()
	candles := make([]model.Candle, len(closes))
	ts := start
	for i, c := range closes {
		candles[i] = model.Candle{Symbol: btc, Timeframe: tf, Timestamp: ts, Open: c, High: c, Low: c, Close: c, Volume: 1, CloseTime: ts + 59_999}
		ts += 60_000
	}
	_, _, err := l.UpsertCandles(context.Background(), candles)
	require.NoError(t, err)
	return ts
}

func testConfig() Config {
	return Config{Venue: venue, Timeframe: tf, FixedQuoteAmount: 25, SMAFast: 3, SMASlow: 5, OrderKind: model.OrderKindMarket}
}

func TestTransitionTable(t *testing.T) {
	assert.Equal(t, ActionBuy, Transition(DirLong, DirFlat))
	assert.Equal(t, ActionSellAll, Transition(DirFlat, DirLong))
	assert.Equal(t, ActionNone, Transition(DirLong, DirLong))
	assert.Equal(t, ActionNone, Transition(DirFlat, DirFlat))
	assert.Equal(t, DirLong, DesiredDirection(true))
	assert.Equal(t, DirFlat, DesiredDirection(false))
}

func TestStateMachineObserve(t *testing.T) {
	sm := NewStateMachine(zaptest.NewLogger(t))
	_, ok := sm.Current(btc)
	assert.False(t, ok)

	assert.True(t, sm.Observe(btc, DirFlat))
	assert.False(t, sm.Observe(btc, DirFlat))
	assert.True(t, sm.Observe(btc, DirLong))
	dir, ok := sm.Current(btc)
	assert.True(t, ok)
	assert.Equal(t, DirLong, dir)
}

func TestReconcileBuysThenSells(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	pub := &recordingPublisher{}
	paper := executor.NewPaperExecutor(executor.PaperConfig{Venue: venue, FeeRate: 0.001}, l, zaptest.NewLogger(t))
	r, err := NewReconciler(testConfig(), l, paper, pub, zaptest.NewLogger(t))
	require.NoError(t, err)

	next := seed(t, l, 1_700_000_000_000, 10, 11, 12, 13, 14)
	d, err := r.Reconcile(ctx, btc)
	require.NoError(t, err)
	assert.Equal(t, ActionBuy, d.Action)
	assert.True(t, d.Executed)
	assert.True(t, d.Flipped)
	assert.Equal(t, 14.0, d.Price)
	assert.InDelta(t, 13, d.Signal.FastSMA, 1e-9)
	assert.InDelta(t, 12, d.Signal.SlowSMA, 1e-9)

	// 信号仍为多头，已持仓时不再买入
	d, err = r.Reconcile(ctx, btc)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, d.Action)
	assert.Equal(t, DirLong, d.Actual)
	assert.False(t, d.Flipped)

	seed(t, l, next, 9, 8, 7)
	d, err = r.Reconcile(ctx, btc)
	require.NoError(t, err)
	assert.Equal(t, ActionSellAll, d.Action)
	assert.True(t, d.Executed)
	assert.True(t, d.Flipped)
	assert.Equal(t, 7.0, d.Price)

	pos, err := l.GetPosition(ctx, model.PositionKey{Mode: model.ModePaper, Venue: venue, Symbol: btc})
	require.NoError(t, err)
	assert.Zero(t, pos.BaseQty)
	assert.Less(t, pos.RealizedPnL, 0.0)

	require.Len(t, pub.events, 2)
	assert.Equal(t, model.SideBuy, pub.events[0].Side)
	assert.Equal(t, executor.ReasonSMALong, pub.events[0].Reason)
	assert.Equal(t, model.SideSell, pub.events[1].Side)

	orders, err := l.ListOrders(ctx, ledger.Filter{Symbol: btc})
	require.NoError(t, err)
	require.Len(t, orders, 2)
	// 订单时间取触发信号的 K 线时间
	assert.Equal(t, next+2*60_000, orders[0].Timestamp)
}

func TestReconcileInsufficientData(t *testing.T) {
	l := newLedger(t)
	paper := executor.NewPaperExecutor(executor.PaperConfig{Venue: venue}, l, zaptest.NewLogger(t))
	r, err := NewReconciler(testConfig(), l, paper, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	seed(t, l, 1_700_000_000_000, 1, 2, 3, 4)
	d, err := r.Reconcile(context.Background(), btc)
	assert.ErrorIs(t, err, model.ErrInsufficientData)
	assert.Equal(t, ActionNone, d.Action)
	assert.Equal(t, "insufficient_data", d.Reason)
}

func TestReconcileFlatSignalWithoutPositionDoesNothing(t *testing.T) {
	l := newLedger(t)
	pub := &recordingPublisher{}
	paper := executor.NewPaperExecutor(executor.PaperConfig{Venue: venue}, l, zaptest.NewLogger(t))
	r, err := NewReconciler(testConfig(), l, paper, pub, zaptest.NewLogger(t))
	require.NoError(t, err)

	seed(t, l, 1_700_000_000_000, 5, 5, 5, 5, 5)
	d, err := r.Reconcile(context.Background(), btc)
	require.NoError(t, err)
	assert.Equal(t, DirFlat, d.Desired)
	assert.Equal(t, ActionNone, d.Action)
	assert.Empty(t, pub.events)
}

func TestReconcileReturnsExecutorError(t *testing.T) {
	l := newLedger(t)
	boom := errors.New("boom")
	r, err := NewReconciler(testConfig(), l, failingExecutor{err: boom}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	seed(t, l, 1_700_000_000_000, 10, 11, 12, 13, 14)
	d, err := r.Reconcile(context.Background(), btc)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, ActionBuy, d.Action)
	assert.False(t, d.Executed)
}

func TestReconcilePublishErrorIsNotFatal(t *testing.T) {
	l := newLedger(t)
	pub := &recordingPublisher{err: errors.New("broker down")}
	paper := executor.NewPaperExecutor(executor.PaperConfig{Venue: venue}, l, zaptest.NewLogger(t))
	r, err := NewReconciler(testConfig(), l, paper, pub, zaptest.NewLogger(t))
	require.NoError(t, err)

	seed(t, l, 1_700_000_000_000, 10, 11, 12, 13, 14)
	d, err := r.Reconcile(context.Background(), btc)
	require.NoError(t, err)
	assert.True(t, d.Executed)
	assert.Len(t, pub.events, 1)
}

func TestNewReconcilerValidatesWindows(t *testing.T) {
	l := newLedger(t)
	cfg := testConfig()
	cfg.SMAFast = 5
	_, err := NewReconciler(cfg, l, failingExecutor{}, nil, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, model.ErrConfig)
}
