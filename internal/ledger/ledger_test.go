package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"crypto-sma-trader/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	l, err := New(db, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

var paperBTC = model.PositionKey{Mode: model.ModePaper, Venue: "binance", Symbol: "BTC/USDT"}

func TestRecordBuyWeightedAverage(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	pos, err := l.RecordBuy(ctx, paperBTC, 100, 1, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, pos.BaseQty)
	require.NotNil(t, pos.AvgEntryPrice)
	assert.Equal(t, 100.0, *pos.AvgEntryPrice)

	pos, err = l.RecordBuy(ctx, paperBTC, 200, 1, 200, 0)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, pos.BaseQty, 1e-12)
	assert.InDelta(t, 150.0, *pos.AvgEntryPrice, 1e-9)
	assert.Zero(t, pos.RealizedPnL)

	stored, err := l.GetPosition(ctx, paperBTC)
	require.NoError(t, err)
	assert.InDelta(t, 150.0, *stored.AvgEntryPrice, 1e-9)
}

func TestBuyThenSellRealizesPnL(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.RecordBuy(ctx, paperBTC, 100, 0.25, 25, 0.025)
	require.NoError(t, err)

	pos, pnl, err := l.RecordSell(ctx, paperBTC, 120, 0.25, 30, 0.03)
	require.NoError(t, err)
	assert.InDelta(t, 4.97, pnl, 1e-9)
	assert.InDelta(t, 4.97, pos.RealizedPnL, 1e-9)
	assert.Zero(t, pos.BaseQty)
	assert.Nil(t, pos.AvgEntryPrice)

	stored, err := l.GetPosition(ctx, paperBTC)
	require.NoError(t, err)
	assert.Zero(t, stored.BaseQty)
	assert.Nil(t, stored.AvgEntryPrice)
	assert.False(t, stored.IsLong())
}

func TestRoundTripAtSamePriceWithoutFeeIsFlat(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.RecordBuy(ctx, paperBTC, 50, 2, 100, 0)
	require.NoError(t, err)
	pos, pnl, err := l.RecordSell(ctx, paperBTC, 50, 2, 100, 0)
	require.NoError(t, err)
	assert.Zero(t, pnl)
	assert.Zero(t, pos.RealizedPnL)
}

func TestPartialSellKeepsAverage(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.RecordBuy(ctx, paperBTC, 100, 1, 100, 0)
	require.NoError(t, err)
	pos, pnl, err := l.RecordSell(ctx, paperBTC, 110, 0.4, 44, 0)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, pnl, 1e-9)
	assert.InDelta(t, 0.6, pos.BaseQty, 1e-12)
	require.NotNil(t, pos.AvgEntryPrice)
	assert.Equal(t, 100.0, *pos.AvgEntryPrice)
}

func TestOversellLeavesPositionUnchanged(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.RecordBuy(ctx, paperBTC, 100, 0.5, 50, 0)
	require.NoError(t, err)

	_, _, err = l.RecordSell(ctx, paperBTC, 100, 0.6, 60, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrOversell)
	var oversell *model.OversellError
	require.True(t, errors.As(err, &oversell))
	assert.Equal(t, 0.5, oversell.Held)

	stored, err := l.GetPosition(ctx, paperBTC)
	require.NoError(t, err)
	assert.Equal(t, 0.5, stored.BaseQty)
	assert.Equal(t, 100.0, *stored.AvgEntryPrice)
}

func TestSellWithoutPositionIsOversell(t *testing.T) {
	l := newTestLedger(t)
	_, _, err := l.RecordSell(context.Background(), paperBTC, 100, 0.1, 10, 0)
	assert.ErrorIs(t, err, model.ErrOversell)
}

func TestRecordRejectsInvalidAmounts(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.RecordBuy(ctx, paperBTC, 0, 1, 0, 0)
	assert.ErrorIs(t, err, model.ErrInvalidAmount)
	_, err = l.RecordBuy(ctx, paperBTC, 100, -1, 100, 0)
	assert.ErrorIs(t, err, model.ErrInvalidAmount)
	_, _, err = l.RecordSell(ctx, paperBTC, 100, 1, 100, -0.1)
	assert.ErrorIs(t, err, model.ErrInvalidAmount)
}

func TestPositionsAreKeyedByModeAndVenue(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	live := model.PositionKey{Mode: model.ModeLive, Venue: "binance", Symbol: "BTC/USDT"}

	_, err := l.RecordBuy(ctx, paperBTC, 100, 1, 100, 0)
	require.NoError(t, err)

	pos, err := l.GetPosition(ctx, live)
	require.NoError(t, err)
	assert.Nil(t, pos)

	all, err := l.ListPositions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
	paper, err := l.ListPositions(ctx, model.ModeLive)
	require.NoError(t, err)
	assert.Empty(t, paper)
}

func newOrder() *model.Order {
	return &model.Order{
		Mode:   model.ModePaper,
		Venue:  "binance",
		Symbol: "BTC/USDT",
		Side:   model.SideBuy,
		Kind:   model.OrderKindMarket,
		Amount: model.Float(0.25),
	}
}

func filledOrder(filled float64) *model.Order {
	o := newOrder()
	o.Status = model.OrderStatusFilled
	o.Filled = model.Float(filled)
	return o
}

func TestAppendAndUpdateOrder(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	id, err := l.AppendOrder(ctx, newOrder())
	require.NoError(t, err)
	require.NotZero(t, id)

	stored, err := l.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusOpen, stored.Status)
	assert.NotEmpty(t, stored.LocalID)
	assert.NotZero(t, stored.Timestamp)
	assert.Nil(t, stored.Filled)

	err = l.UpdateOrder(ctx, id, model.OrderPatch{
		model.OrderFieldStatus:       model.OrderStatusFilled,
		model.OrderFieldFilled:       0.25,
		model.OrderFieldAverage:      100.0,
		model.OrderFieldVenueOrderID: "abc",
	})
	require.NoError(t, err)

	stored, err = l.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, stored.Status)
	require.NotNil(t, stored.Filled)
	assert.Equal(t, 0.25, *stored.Filled)
	require.NotNil(t, stored.VenueOrderID)
	assert.Equal(t, "abc", *stored.VenueOrderID)
}

func TestUpdateOrderRejectsImmutableFields(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	id, err := l.AppendOrder(ctx, newOrder())
	require.NoError(t, err)

	for _, field := range []string{"symbol", "side", "mode", "venue", "amount"} {
		err := l.UpdateOrder(ctx, id, model.OrderPatch{field: "x"})
		assert.ErrorIs(t, err, model.ErrImmutableField, field)
	}

	stored, err := l.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "BTC/USDT", stored.Symbol)
	assert.Equal(t, model.SideBuy, stored.Side)
}

func TestUpdateMissingOrder(t *testing.T) {
	l := newTestLedger(t)
	err := l.UpdateOrder(context.Background(), 42, model.OrderPatch{model.OrderFieldStatus: "filled"})
	assert.ErrorIs(t, err, model.ErrOrderNotFound)
}

func TestTransactRollsBackEverything(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := l.Transact(ctx, func(tx *Ledger) error {
		id, err := tx.AppendOrder(ctx, filledOrder(0.25))
		if err != nil {
			return err
		}
		if _, err := tx.AppendFill(ctx, &model.Fill{
			OrderID: &id, Mode: model.ModePaper, Venue: "binance", Symbol: "BTC/USDT",
			Side: model.SideBuy, Price: 100, Amount: 0.25, Cost: 25,
		}); err != nil {
			return err
		}
		if _, err := tx.RecordBuy(ctx, paperBTC, 100, 0.25, 25, 0); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	counts, err := l.TableCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts["orders"])
	assert.Zero(t, counts["fills"])
	assert.Zero(t, counts["positions"])
}

func TestTransactCommitsOrderFillAndPosition(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	var orderID int64
	err := l.Transact(ctx, func(tx *Ledger) error {
		id, err := tx.AppendOrder(ctx, filledOrder(0.25))
		if err != nil {
			return err
		}
		orderID = id
		if _, err := tx.AppendFill(ctx, &model.Fill{
			OrderID: &id, Mode: model.ModePaper, Venue: "binance", Symbol: "BTC/USDT",
			Side: model.SideBuy, Price: 100, Amount: 0.25, Cost: 25, Fee: model.Float(0.025),
		}); err != nil {
			return err
		}
		_, err = tx.RecordBuy(ctx, paperBTC, 100, 0.25, 25, 0.025)
		return err
	})
	require.NoError(t, err)

	fills, err := l.FillsForOrder(ctx, orderID)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, 25.0, fills[0].Cost)

	orders, err := l.ListOrders(ctx, Filter{Mode: model.ModePaper, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestAppendFillRejectsOverflow(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	id, err := l.AppendOrder(ctx, filledOrder(0.5))
	require.NoError(t, err)
	fill := func(amount float64) *model.Fill {
		return &model.Fill{
			OrderID: &id, Mode: model.ModePaper, Venue: "binance", Symbol: "BTC/USDT",
			Side: model.SideBuy, Price: 100, Amount: amount, Cost: amount * 100,
		}
	}

	_, err = l.AppendFill(ctx, fill(0.3))
	require.NoError(t, err)
	_, err = l.AppendFill(ctx, fill(0.2))
	require.NoError(t, err)

	_, err = l.AppendFill(ctx, fill(0.01))
	var overflow *model.FillOverflowError
	require.ErrorAs(t, err, &overflow)
	assert.ErrorIs(t, err, model.ErrFillOverflow)
	assert.InDelta(t, 0.5, overflow.Existing, 1e-12)

	fills, err := l.FillsForOrder(ctx, id)
	require.NoError(t, err)
	assert.Len(t, fills, 2)

	// 未记录 filled 的订单不能挂成交
	open, err := l.AppendOrder(ctx, newOrder())
	require.NoError(t, err)
	_, err = l.AppendFill(ctx, &model.Fill{
		OrderID: &open, Mode: model.ModePaper, Venue: "binance", Symbol: "BTC/USDT",
		Side: model.SideBuy, Price: 100, Amount: 0.1, Cost: 10,
	})
	assert.ErrorIs(t, err, model.ErrFillOverflow)

	missing := int64(999)
	_, err = l.AppendFill(ctx, &model.Fill{
		OrderID: &missing, Mode: model.ModePaper, Venue: "binance", Symbol: "BTC/USDT",
		Side: model.SideBuy, Price: 100, Amount: 0.1, Cost: 10,
	})
	assert.ErrorIs(t, err, model.ErrOrderNotFound)
}

func candle(ts int64, close float64) model.Candle {
	return model.Candle{
		Symbol: "BTC/USDT", Timeframe: "1m", Timestamp: ts,
		Open: close, High: close + 1, Low: close - 1, Close: close, Volume: 1,
		CloseTime: ts + 59_999,
	}
}

func TestUpsertCandlesIsIdempotent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	batch := []model.Candle{candle(60_000, 1), candle(120_000, 2), candle(180_000, 3)}
	inserted, updated, err := l.UpsertCandles(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 3, inserted)
	assert.Equal(t, 0, updated)

	batch[2].Close = 4
	inserted, updated, err = l.UpsertCandles(ctx, append(batch, candle(240_000, 5)))
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)
	assert.Equal(t, 3, updated)

	counts, err := l.TableCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), counts["ohlcv"])

	latest, err := l.LatestClose(ctx, "BTC/USDT", "1m")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 5.0, latest.Close)

	ts, err := l.LatestTimestamp(ctx, "BTC/USDT", "1m")
	require.NoError(t, err)
	assert.Equal(t, int64(240_000), ts)
}

func TestRecentClosesAscending(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	var batch []model.Candle
	for i := int64(1); i <= 10; i++ {
		batch = append(batch, candle(i*60_000, float64(i)))
	}
	_, _, err := l.UpsertCandles(ctx, batch)
	require.NoError(t, err)

	points, err := l.RecentCloses(ctx, "BTC/USDT", "1m", 4)
	require.NoError(t, err)
	assert.Equal(t, []float64{7, 8, 9, 10}, model.Closes(points))

	points, err = l.RecentCloses(ctx, "BTC/USDT", "5m", 4)
	require.NoError(t, err)
	assert.Empty(t, points)

	between, err := l.CandlesBetween(ctx, "BTC/USDT", "1m", 120_000, 240_000)
	require.NoError(t, err)
	require.Len(t, between, 3)
	assert.Equal(t, int64(120_000), between[0].Timestamp)
}

func TestCandleQuality(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	bad := candle(120_000, 2)
	bad.High, bad.Low = 1, 3
	zero := candle(180_000, 3)
	zero.Volume = 0
	_, _, err := l.UpsertCandles(ctx, []model.Candle{candle(60_000, 1), bad, zero})
	require.NoError(t, err)

	q, err := l.CandleQuality(ctx, "BTC/USDT", "1m")
	require.NoError(t, err)
	assert.Equal(t, int64(3), q.Total)
	assert.Equal(t, int64(1), q.InvalidOHLC)
	assert.Equal(t, int64(1), q.ZeroVolume)

	series, err := l.ListSeries(ctx)
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Equal(t, int64(3), series[0].Count)
}
