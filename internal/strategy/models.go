package strategy

import (
	"crypto-sma-trader/pkg/ta"
	"fmt"
)

// ActionType 一轮对账后需要执行的操作
type ActionType string

const (
	ActionNone    ActionType = "NONE"     // 无操作
	ActionBuy     ActionType = "BUY"      // 按固定金额买入
	ActionSellAll ActionType = "SELL_ALL" // 卖出全部持仓
)

// Direction 期望或实际的持仓方向，只做多
type Direction string

const (
	DirLong Direction = "LONG"
	DirFlat Direction = "FLAT"
)

// Decision 单个交易对一轮对账的结果
type Decision struct {
	Symbol   string
	Desired  Direction
	Actual   Direction
	Action   ActionType
	Signal   ta.Signal
	Price    float64 // 最新收盘价，作为下单参考价
	CandleTs int64   // 最新 K 线时间
	HeldQty  float64
	Reason   string
	Executed bool // 执行器是否真正产生了订单
	Flipped  bool // 期望方向相对上一轮发生了变化
	TradePnL float64
}

func (d Decision) String() string {
	return fmt.Sprintf("DECISION [%s | %s -> %s | %s] fast=%.4f slow=%.4f price=%.4f held=%.8f",
		d.Symbol, d.Actual, d.Desired, d.Action, d.Signal.FastSMA, d.Signal.SlowSMA, d.Price, d.HeldQty)
}
