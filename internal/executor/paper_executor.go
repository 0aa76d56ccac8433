package executor

import (
	"context"
	"crypto-sma-trader/internal/ledger"
	"crypto-sma-trader/internal/model"
	"crypto-sma-trader/internal/service"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// PaperConfig 模拟盘参数
type PaperConfig struct {
	Venue       string
	FeeRate     float64 // 例如 0.001 = 0.1%
	MinNotional float64 // 买入金额下限，0 表示不限制
}

// PaperExecutor 只用最新收盘价和固定费率在账本中模拟成交，不访问网络
type PaperExecutor struct {
	cfg    PaperConfig
	ledger *ledger.Ledger
	logger *zap.Logger
}

func NewPaperExecutor(cfg PaperConfig, l *ledger.Ledger, logger *zap.Logger) *PaperExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaperExecutor{
		cfg:    cfg,
		ledger: l,
		logger: logger.Named("paper").With(zap.String("mode", string(model.ModePaper)), zap.String("venue", cfg.Venue)),
	}
}

func (e *PaperExecutor) Mode() model.Mode { return model.ModePaper }

func (e *PaperExecutor) key(symbol string) model.PositionKey {
	return model.PositionKey{Mode: model.ModePaper, Venue: e.cfg.Venue, Symbol: symbol}
}

func (e *PaperExecutor) Buy(ctx context.Context, symbol string, quoteAmount, price float64, ec ExecContext) (*Trade, error) {
	return e.buy(ctx, symbol, quoteAmount, price, e.cfg.FeeRate, ec)
}

func (e *PaperExecutor) Sell(ctx context.Context, symbol string, price float64, ec ExecContext) (*Trade, error) {
	return e.sellAll(ctx, symbol, price, e.cfg.FeeRate, ec)
}

// BuyFixedQuote 以 quoteAmount 在 price 买入：base = quote/price，fee = quote*feeRate。
// 订单 (filled)、成交与持仓在同一个事务中写入。
func (e *PaperExecutor) BuyFixedQuote(ctx context.Context, symbol string, quoteAmount, price, feeRate float64, ec ExecContext) (*model.Fill, error) {
	trade, err := e.buy(ctx, symbol, quoteAmount, price, feeRate, ec)
	if err != nil {
		return nil, err
	}
	return trade.Fill, nil
}

// SellAll 以 price 卖出全部持仓，fee = proceeds*feeRate；空仓时返回 nil 且不写任何记录
func (e *PaperExecutor) SellAll(ctx context.Context, symbol string, price, feeRate float64, ec ExecContext) (*model.Fill, error) {
	trade, err := e.sellAll(ctx, symbol, price, feeRate, ec)
	if err != nil || trade == nil {
		return nil, err
	}
	return trade.Fill, nil
}

func (e *PaperExecutor) buy(ctx context.Context, symbol string, quoteAmount, price, feeRate float64, ec ExecContext) (*Trade, error) {
	if quoteAmount <= 0 || price <= 0 {
		return nil, fmt.Errorf("%w: quote=%v price=%v", model.ErrInvalidAmount, quoteAmount, price)
	}
	if e.cfg.MinNotional > 0 && quoteAmount < e.cfg.MinNotional {
		return nil, &model.MinNotionalError{Notional: quoteAmount, Min: e.cfg.MinNotional}
	}

	quote := decimal.NewFromFloat(quoteAmount)
	base := quote.Div(decimal.NewFromFloat(price)).InexactFloat64()
	fee := quote.Mul(decimal.NewFromFloat(feeRate)).InexactFloat64()
	feeCurrency := service.QuoteAsset(symbol)

	raw, _ := json.Marshal(map[string]any{
		"engine":       "paper",
		"quote_amount": quoteAmount,
		"fee_rate":     feeRate,
		"timeframe":    ec.Timeframe,
	})
	trade := &Trade{}
	err := e.ledger.Transact(ctx, func(tx *ledger.Ledger) error {
		order, fill, err := e.appendFilled(ctx, tx, symbol, model.SideBuy, base, price, quoteAmount, fee, feeCurrency, ec, raw)
		if err != nil {
			return err
		}
		pos, err := tx.RecordBuy(ctx, e.key(symbol), price, base, quoteAmount, fee)
		if err != nil {
			return err
		}
		trade.Order, trade.Fill, trade.Position = order, fill, pos
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("paper buy filled",
		zap.String("symbol", symbol),
		zap.String("reason", ec.Reason),
		zap.Float64("quote", quoteAmount),
		zap.Float64("price", price),
		zap.Float64("base", base),
		zap.Float64("fee", fee),
		zap.Float64("pos_base", trade.Position.BaseQty))
	return trade, nil
}

func (e *PaperExecutor) sellAll(ctx context.Context, symbol string, price, feeRate float64, ec ExecContext) (*Trade, error) {
	if price <= 0 {
		return nil, fmt.Errorf("%w: price=%v", model.ErrInvalidAmount, price)
	}

	var trade *Trade
	err := e.ledger.Transact(ctx, func(tx *ledger.Ledger) error {
		pos, err := tx.GetPosition(ctx, e.key(symbol))
		if err != nil {
			return err
		}
		if !pos.IsLong() {
			return nil
		}

		base := pos.BaseQty
		proceeds := decimal.NewFromFloat(base).Mul(decimal.NewFromFloat(price))
		fee := proceeds.Mul(decimal.NewFromFloat(feeRate)).InexactFloat64()
		raw, _ := json.Marshal(map[string]any{
			"engine":          "paper",
			"fee_rate":        feeRate,
			"timeframe":       ec.Timeframe,
			"avg_entry_price": pos.AvgEntryPrice,
		})

		order, fill, err := e.appendFilled(ctx, tx, symbol, model.SideSell, base, price, proceeds.InexactFloat64(), fee, service.QuoteAsset(symbol), ec, raw)
		if err != nil {
			return err
		}
		updated, pnl, err := tx.RecordSell(ctx, e.key(symbol), price, base, proceeds.InexactFloat64(), fee)
		if err != nil {
			return err
		}
		trade = &Trade{Order: order, Fill: fill, Position: updated, TradePnL: pnl}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if trade == nil {
		e.logger.Info("paper sell skipped", zap.String("symbol", symbol), zap.String("reason", "no_position"))
		return nil, nil
	}
	e.logger.Info("paper sell filled",
		zap.String("symbol", symbol),
		zap.String("reason", ec.Reason),
		zap.Float64("base", trade.Fill.Amount),
		zap.Float64("price", price),
		zap.Float64("fee", *trade.Fill.Fee),
		zap.Float64("trade_pnl", trade.TradePnL),
		zap.Float64("realized_pnl", trade.Position.RealizedPnL))
	return trade, nil
}

// appendFilled 写入一条已成交订单及其成交
func (e *PaperExecutor) appendFilled(
	ctx context.Context,
	tx *ledger.Ledger,
	symbol string,
	side model.Side,
	base, price, cost, fee float64,
	feeCurrency string,
	ec ExecContext,
	raw []byte,
) (*model.Order, *model.Fill, error) {
	ts := ec.timestamp()
	order := &model.Order{
		Mode:        model.ModePaper,
		Venue:       e.cfg.Venue,
		Symbol:      symbol,
		Side:        side,
		Kind:        ec.kind(),
		Status:      model.OrderStatusFilled,
		Amount:      model.Float(base),
		Price:       model.Float(price),
		Filled:      model.Float(base),
		Average:     model.Float(price),
		Cost:        model.Float(cost),
		Fee:         model.Float(fee),
		FeeCurrency: model.String(feeCurrency),
		Strategy:    ec.Strategy,
		Signal:      ec.Signal,
		Reason:      ec.Reason,
		Timestamp:   ts,
		RawJSON:     datatypes.JSON(raw),
	}
	orderID, err := tx.AppendOrder(ctx, order)
	if err != nil {
		return nil, nil, err
	}
	fill := &model.Fill{
		OrderID:     &orderID,
		Mode:        model.ModePaper,
		Venue:       e.cfg.Venue,
		Symbol:      symbol,
		Side:        side,
		Price:       price,
		Amount:      base,
		Cost:        cost,
		Fee:         model.Float(fee),
		FeeCurrency: model.String(feeCurrency),
		Timestamp:   ts,
	}
	if _, err := tx.AppendFill(ctx, fill); err != nil {
		return nil, nil, err
	}
	return order, fill, nil
}
