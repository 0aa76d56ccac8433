package data

import (
	"context"
	"crypto-sma-trader/internal/ledger"
	"crypto-sma-trader/internal/model"
	"crypto-sma-trader/internal/service"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// FreshWindow 最新 K 线距今小于该值视为新鲜
const FreshWindow = 5 * time.Minute

// Gap 两根相邻 K 线之间缺失的区间
type Gap struct {
	After   int64 // 缺口前最后一根 K 线
	Before  int64 // 缺口后第一根 K 线
	Missing int
}

// SeriesReport 单个 (symbol, timeframe) 的校验结果
type SeriesReport struct {
	Symbol      string
	Timeframe   string
	Candles     int
	From        int64
	To          int64
	Gaps        []Gap
	Duplicates  int
	Regressions int
	Latest      int64
	Age         time.Duration
	Fresh       bool
	Quality     ledger.QualityCounts
}

// Healthy 没有缺口、重复、倒序和非法 OHLC
func (r SeriesReport) Healthy() bool {
	return len(r.Gaps) == 0 && r.Duplicates == 0 && r.Regressions == 0 && r.Quality.InvalidOHLC == 0
}

// Report 全库校验结果
type Report struct {
	Tables map[string]int64
	Series []SeriesReport
}

// Validator 对账本中的 K 线做只读的数据质量检查
type Validator struct {
	ledger *ledger.Ledger
	logger *zap.Logger
	now    func() time.Time
}

func NewValidator(l *ledger.Ledger, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{ledger: l, logger: logger.Named("validator"), now: time.Now}
}

// AnalyzeSequence 按输入顺序检查时间戳：相等计为重复，变小计为倒序，跨越多个周期计为缺口
func AnalyzeSequence(candles []model.Candle, tfMs int64) (gaps []Gap, duplicates, regressions int) {
	for i := 1; i < len(candles); i++ {
		prev, cur := candles[i-1].Timestamp, candles[i].Timestamp
		switch diff := cur - prev; {
		case diff == 0:
			duplicates++
		case diff < 0:
			regressions++
		case diff > tfMs:
			gaps = append(gaps, Gap{After: prev, Before: cur, Missing: int(diff/tfMs) - 1})
		}
	}
	return gaps, duplicates, regressions
}

// CheckSeries 检查最近 hours 小时内的 K 线
func (v *Validator) CheckSeries(ctx context.Context, symbol, timeframe string, hours int) (SeriesReport, error) {
	rep := SeriesReport{Symbol: symbol, Timeframe: timeframe}
	tfMs, err := service.TimeframeToMillis(timeframe)
	if err != nil {
		return rep, fmt.Errorf("%w: %v", model.ErrConfig, err)
	}
	now := v.now()
	from := now.Add(-time.Duration(hours) * time.Hour).UnixMilli()

	candles, err := v.ledger.CandlesBetween(ctx, symbol, timeframe, from, 0)
	if err != nil {
		return rep, err
	}
	rep.Candles = len(candles)
	if len(candles) > 0 {
		rep.From = candles[0].Timestamp
		rep.To = candles[len(candles)-1].Timestamp
	}
	rep.Gaps, rep.Duplicates, rep.Regressions = AnalyzeSequence(candles, tfMs)

	latest, err := v.ledger.LatestTimestamp(ctx, symbol, timeframe)
	if err != nil {
		return rep, err
	}
	rep.Latest = latest
	if latest > 0 {
		rep.Age = now.Sub(time.UnixMilli(latest))
		rep.Fresh = rep.Age < FreshWindow
	}

	rep.Quality, err = v.ledger.CandleQuality(ctx, symbol, timeframe)
	if err != nil {
		return rep, err
	}
	return rep, nil
}

// Run 统计各表行数并检查所有已入库的序列
func (v *Validator) Run(ctx context.Context, hours int) (Report, error) {
	var rep Report
	tables, err := v.ledger.TableCounts(ctx)
	if err != nil {
		return rep, err
	}
	rep.Tables = tables

	series, err := v.ledger.ListSeries(ctx)
	if err != nil {
		return rep, err
	}
	for _, s := range series {
		sr, err := v.CheckSeries(ctx, s.Symbol, s.Timeframe, hours)
		if err != nil {
			return rep, err
		}
		rep.Series = append(rep.Series, sr)

		fields := []zap.Field{
			zap.String("symbol", sr.Symbol),
			zap.String("timeframe", sr.Timeframe),
			zap.Int("candles", sr.Candles),
			zap.Int("gaps", len(sr.Gaps)),
			zap.Int("duplicates", sr.Duplicates),
			zap.Int("regressions", sr.Regressions),
			zap.Int64("invalid_ohlc", sr.Quality.InvalidOHLC),
			zap.Int64("zero_volume", sr.Quality.ZeroVolume),
			zap.Bool("fresh", sr.Fresh),
		}
		if sr.Healthy() {
			v.logger.Info("series ok", fields...)
		} else {
			v.logger.Warn("series has issues", fields...)
		}
	}
	return rep, nil
}
