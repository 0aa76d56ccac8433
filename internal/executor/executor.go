package executor

import (
	"context"
	"crypto-sma-trader/internal/model"
	"time"
)

// 策略标签
const (
	StrategySMACrossover = "sma_crossover"
	SignalLong           = "long"
	SignalFlat           = "flat"
	ReasonSMALong        = "sma_long"
	ReasonSMAFlat        = "sma_flat"
)

// ExecContext 写入订单的策略标签与 K 线信息
type ExecContext struct {
	Strategy  string
	Signal    string
	Reason    string
	Timeframe string
	Timestamp int64 // 触发信号的 K 线时间，作为订单时间
	Kind      model.OrderKind
}

// BuyContext 多头信号对应的标签
func BuyContext(timeframe string, ts int64, kind model.OrderKind) ExecContext {
	return ExecContext{
		Strategy: StrategySMACrossover, Signal: SignalLong, Reason: ReasonSMALong,
		Timeframe: timeframe, Timestamp: ts, Kind: kind,
	}
}

// SellContext 空仓信号对应的标签
func SellContext(timeframe string, ts int64, kind model.OrderKind) ExecContext {
	return ExecContext{
		Strategy: StrategySMACrossover, Signal: SignalFlat, Reason: ReasonSMAFlat,
		Timeframe: timeframe, Timestamp: ts, Kind: kind,
	}
}

func (ec ExecContext) timestamp() int64 {
	if ec.Timestamp > 0 {
		return ec.Timestamp
	}
	return time.Now().UnixMilli()
}

func (ec ExecContext) kind() model.OrderKind {
	if ec.Kind == "" {
		return model.OrderKindMarket
	}
	return ec.Kind
}

// Trade 一次执行的结果，跳过时为 nil；Fill 为 nil 表示交易所未报告成交
type Trade struct {
	Order    *model.Order
	Fill     *model.Fill
	Position *model.Position
	TradePnL float64
}

// Event 转换为对外发布的成交事件
func (t *Trade) Event(reason string) model.TradeEvent {
	ev := model.TradeEvent{
		Mode:      t.Order.Mode,
		Venue:     t.Order.Venue,
		Symbol:    t.Order.Symbol,
		Side:      t.Order.Side,
		Reason:    reason,
		OrderID:   &t.Order.ID,
		Timestamp: t.Order.Timestamp,
	}
	if t.Fill != nil {
		ev.Price = t.Fill.Price
		ev.Amount = t.Fill.Amount
		ev.Cost = t.Fill.Cost
		if t.Fill.Fee != nil {
			ev.Fee = *t.Fill.Fee
		}
	}
	if t.Position != nil {
		ev.BaseQty = t.Position.BaseQty
		ev.RealizedPnL = t.Position.RealizedPnL
	}
	return ev
}

// Executor 执行器的通用接口，模拟盘与实盘共用同一套调用方式
type Executor interface {
	Mode() model.Mode
	// Buy 以固定计价币金额买入，price 为最新收盘价
	Buy(ctx context.Context, symbol string, quoteAmount, price float64, ec ExecContext) (*Trade, error)
	// Sell 卖出全部持仓，没有持仓时返回 nil, nil
	Sell(ctx context.Context, symbol string, price float64, ec ExecContext) (*Trade, error)
}
