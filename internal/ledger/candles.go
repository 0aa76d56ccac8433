package ledger

import (
	"context"
	"crypto-sma-trader/internal/model"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const upsertBatchSize = 200

// UpsertCandles 按 (symbol, timeframe, ts) 写入 K 线，已存在则覆盖，返回新增与更新条数
func (l *Ledger) UpsertCandles(ctx context.Context, candles []model.Candle) (inserted, updated int, err error) {
	if len(candles) == 0 {
		return 0, 0, nil
	}
	err = l.Transact(ctx, func(tx *Ledger) error {
		for start := 0; start < len(candles); start += upsertBatchSize {
			end := min(start+upsertBatchSize, len(candles))
			batch := make([]model.Candle, end-start)
			copy(batch, candles[start:end])

			existing, err := tx.countExisting(ctx, batch)
			if err != nil {
				return err
			}
			for i := range batch {
				batch[i].ID = 0
			}
			err = tx.db.WithContext(ctx).Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "symbol"}, {Name: "timeframe"}, {Name: "ts"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"open", "high", "low", "close", "volume", "close_time",
				}),
			}).Create(&batch).Error
			if err != nil {
				return model.NewStorageError("upsert candles", err)
			}
			updated += existing
			inserted += len(batch) - existing
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return inserted, updated, nil
}

// countExisting 统计批次中已入库的 K 线数量，批次内重复的时间戳只计一次
func (l *Ledger) countExisting(ctx context.Context, batch []model.Candle) (int, error) {
	type key struct {
		symbol, timeframe string
	}
	groups := make(map[key][]int64)
	for _, c := range batch {
		k := key{c.Symbol, c.Timeframe}
		groups[k] = append(groups[k], c.Timestamp)
	}
	total := 0
	for k, ts := range groups {
		var n int64
		err := l.db.WithContext(ctx).Model(&model.Candle{}).
			Where("symbol = ? AND timeframe = ? AND ts IN ?", k.symbol, k.timeframe, ts).
			Count(&n).Error
		if err != nil {
			return 0, model.NewStorageError("count candles", err)
		}
		total += int(n)
	}
	return total, nil
}

// RecentCloses 返回最近 n 根 K 线的收盘价，按时间升序
func (l *Ledger) RecentCloses(ctx context.Context, symbol, timeframe string, n int) ([]model.ClosePoint, error) {
	if n <= 0 {
		return nil, nil
	}
	var points []model.ClosePoint
	err := l.db.WithContext(ctx).Model(&model.Candle{}).
		Select("ts, close").
		Where("symbol = ? AND timeframe = ?", symbol, timeframe).
		Order("ts DESC").
		Limit(n).
		Scan(&points).Error
	if err != nil {
		return nil, model.NewStorageError("recent closes", err)
	}
	for i, j := 0, len(points)-1; i < j; i, j = i+1, j-1 {
		points[i], points[j] = points[j], points[i]
	}
	return points, nil
}

// LatestClose 最近一根 K 线，没有数据时返回 nil
func (l *Ledger) LatestClose(ctx context.Context, symbol, timeframe string) (*model.ClosePoint, error) {
	points, err := l.RecentCloses(ctx, symbol, timeframe, 1)
	if err != nil || len(points) == 0 {
		return nil, err
	}
	return &points[0], nil
}

// LatestTimestamp 最近一根 K 线的开盘时间，没有数据时返回 0
func (l *Ledger) LatestTimestamp(ctx context.Context, symbol, timeframe string) (int64, error) {
	var c model.Candle
	err := l.db.WithContext(ctx).
		Select("ts").
		Where("symbol = ? AND timeframe = ?", symbol, timeframe).
		Order("ts DESC").
		Take(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, model.NewStorageError("latest timestamp", err)
	}
	return c.Timestamp, nil
}

// ListCandles 最新的在前
func (l *Ledger) ListCandles(ctx context.Context, symbol, timeframe string, limit int) ([]model.Candle, error) {
	var out []model.Candle
	err := l.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ?", symbol, timeframe).
		Order("ts DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, model.NewStorageError("list candles", err)
	}
	return out, nil
}

// CandlesBetween 返回 [from, to] 区间内的 K 线，按时间升序；to 为 0 表示不设上限
func (l *Ledger) CandlesBetween(ctx context.Context, symbol, timeframe string, from, to int64) ([]model.Candle, error) {
	q := l.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ? AND ts >= ?", symbol, timeframe, from)
	if to > 0 {
		q = q.Where("ts <= ?", to)
	}
	var out []model.Candle
	if err := q.Order("ts").Find(&out).Error; err != nil {
		return nil, model.NewStorageError("candles between", err)
	}
	return out, nil
}

func (l *Ledger) InsertTicker(ctx context.Context, t *model.TickerSnapshot) error {
	t.ID = 0
	return model.NewStorageError("insert ticker", l.db.WithContext(ctx).Create(t).Error)
}

// ListTickers 最新的在前，symbol 为空时返回全部
func (l *Ledger) ListTickers(ctx context.Context, symbol string, limit int) ([]model.TickerSnapshot, error) {
	q := l.db.WithContext(ctx).Model(&model.TickerSnapshot{})
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	var out []model.TickerSnapshot
	if err := q.Order("ts DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, model.NewStorageError("list tickers", err)
	}
	return out, nil
}

// SeriesKey 已入库的 (symbol, timeframe) 组合
type SeriesKey struct {
	Symbol    string
	Timeframe string
	Count     int64
}

func (l *Ledger) ListSeries(ctx context.Context) ([]SeriesKey, error) {
	var out []SeriesKey
	err := l.db.WithContext(ctx).Model(&model.Candle{}).
		Select("symbol, timeframe, COUNT(*) AS count").
		Group("symbol, timeframe").
		Order("symbol, timeframe").
		Scan(&out).Error
	if err != nil {
		return nil, model.NewStorageError("list series", err)
	}
	return out, nil
}

// TableCounts 各表行数
func (l *Ledger) TableCounts(ctx context.Context) (map[string]int64, error) {
	tables := []struct {
		name  string
		model any
	}{
		{"ohlcv", &model.Candle{}},
		{"tickers", &model.TickerSnapshot{}},
		{"orders", &model.Order{}},
		{"fills", &model.Fill{}},
		{"positions", &model.Position{}},
	}
	out := make(map[string]int64, len(tables))
	for _, t := range tables {
		var n int64
		if err := l.db.WithContext(ctx).Model(t.model).Count(&n).Error; err != nil {
			return nil, model.NewStorageError("count "+t.name, err)
		}
		out[t.name] = n
	}
	return out, nil
}

// QualityCounts K 线质量统计
type QualityCounts struct {
	Total       int64
	InvalidOHLC int64
	ZeroVolume  int64
}

func (l *Ledger) CandleQuality(ctx context.Context, symbol, timeframe string) (QualityCounts, error) {
	var q QualityCounts
	base := func() *gorm.DB {
		return l.db.WithContext(ctx).Model(&model.Candle{}).
			Where("symbol = ? AND timeframe = ?", symbol, timeframe)
	}
	if err := base().Count(&q.Total).Error; err != nil {
		return q, model.NewStorageError("quality total", err)
	}
	err := base().
		Where("high < low OR open > high OR open < low OR close > high OR close < low").
		Count(&q.InvalidOHLC).Error
	if err != nil {
		return q, model.NewStorageError("quality ohlc", err)
	}
	if err := base().Where("volume <= 0").Count(&q.ZeroVolume).Error; err != nil {
		return q, model.NewStorageError("quality volume", err)
	}
	return q, nil
}
