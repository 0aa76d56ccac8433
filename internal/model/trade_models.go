package model

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Mode 交易模式
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModePaper:
		return ModePaper, nil
	case ModeLive:
		return ModeLive, nil
	}
	return "", fmt.Errorf("%w: unknown mode %q", ErrConfig, s)
}

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderKind 下单类型
type OrderKind string

const (
	OrderKindMarket OrderKind = "market"
	OrderKindLimit  OrderKind = "limit"
)

func ParseOrderKind(s string) (OrderKind, error) {
	switch OrderKind(strings.ToLower(strings.TrimSpace(s))) {
	case OrderKindMarket:
		return OrderKindMarket, nil
	case OrderKindLimit:
		return OrderKindLimit, nil
	}
	return "", fmt.Errorf("%w: unknown order type %q", ErrConfig, s)
}

// OrderStatus 订单生命周期
type OrderStatus string

const (
	OrderStatusOpen     OrderStatus = "open"
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusCanceled OrderStatus = "canceled"
	OrderStatusRejected OrderStatus = "rejected"
)

// NormalizeOrderStatus 把交易所返回的状态映射到内部状态，无法识别时视为 open
func NormalizeOrderStatus(raw string) OrderStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "filled", "closed":
		return OrderStatusFilled
	case "canceled", "cancelled", "expired", "expired_in_match", "mmp_canceled":
		return OrderStatusCanceled
	case "rejected":
		return OrderStatusRejected
	}
	return OrderStatusOpen
}

// PositionKey 持仓主键
type PositionKey struct {
	Mode   Mode
	Venue  string
	Symbol string
}

func (k PositionKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Mode, k.Venue, k.Symbol)
}

// Order 每次执行器调用都会写入一条，不删除
type Order struct {
	ID            int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	LocalID       string         `gorm:"column:local_id;size:32;index" json:"local_id"`
	ClientOrderID *string        `gorm:"column:client_order_id;size:64" json:"client_order_id"`
	VenueOrderID  *string        `gorm:"column:venue_order_id;size:64;index" json:"venue_order_id"`
	Mode          Mode           `gorm:"size:8;not null;index:idx_orders_lookup,priority:1" json:"mode"`
	Venue         string         `gorm:"size:32;not null;index:idx_orders_lookup,priority:2" json:"venue"`
	Symbol        string         `gorm:"size:32;not null;index:idx_orders_lookup,priority:3" json:"symbol"`
	Side          Side           `gorm:"size:8;not null" json:"side"`
	Kind          OrderKind      `gorm:"column:order_type;size:8;not null" json:"order_type"`
	Status        OrderStatus    `gorm:"size:16;not null" json:"status"`
	Amount        *float64       `json:"amount"`
	Price         *float64       `json:"price"`
	Filled        *float64       `json:"filled"`
	Average       *float64       `json:"average"`
	Cost          *float64       `json:"cost"`
	Fee           *float64       `json:"fee"`
	FeeCurrency   *string        `gorm:"column:fee_currency;size:16" json:"fee_currency"`
	Strategy      string         `gorm:"size:32" json:"strategy"`
	Signal        string         `gorm:"size:16" json:"signal"`
	Reason        string         `gorm:"size:32" json:"reason"`
	Timestamp     int64          `gorm:"column:ts;index" json:"timestamp"`
	RawJSON       datatypes.JSON `gorm:"column:raw_json" json:"raw_json,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

func (Order) TableName() string {
	return "orders"
}

// 订单可更新字段白名单
const (
	OrderFieldStatus        = "status"
	OrderFieldFilled        = "filled"
	OrderFieldAverage       = "average"
	OrderFieldCost          = "cost"
	OrderFieldFee           = "fee"
	OrderFieldFeeCurrency   = "fee_currency"
	OrderFieldVenueOrderID  = "venue_order_id"
	OrderFieldClientOrderID = "client_order_id"
	OrderFieldRawJSON       = "raw_json"
)

var mutableOrderFields = map[string]struct{}{
	OrderFieldStatus:        {},
	OrderFieldFilled:        {},
	OrderFieldAverage:       {},
	OrderFieldCost:          {},
	OrderFieldFee:           {},
	OrderFieldFeeCurrency:   {},
	OrderFieldVenueOrderID:  {},
	OrderFieldClientOrderID: {},
	OrderFieldRawJSON:       {},
}

// OrderPatch 订单的部分更新，key 为列名
type OrderPatch map[string]any

// Validate 检查所有 key 都在白名单中
func (p OrderPatch) Validate() error {
	for field := range p {
		if _, ok := mutableOrderFields[field]; !ok {
			return &ImmutableFieldError{Field: field}
		}
	}
	if raw, ok := p[OrderFieldStatus]; ok {
		var status OrderStatus
		switch v := raw.(type) {
		case OrderStatus:
			status = v
		case string:
			status = OrderStatus(v)
		default:
			return fmt.Errorf("order status must be a string, got %T", raw)
		}
		switch status {
		case OrderStatusOpen, OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected:
		default:
			return fmt.Errorf("unknown order status %q", status)
		}
	}
	return nil
}

// Fill 一次成交，只追加
type Fill struct {
	ID          int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID     *int64         `gorm:"index" json:"order_id"`
	Mode        Mode           `gorm:"size:8;not null;index:idx_fills_lookup,priority:1" json:"mode"`
	Venue       string         `gorm:"size:32;not null;index:idx_fills_lookup,priority:2" json:"venue"`
	Symbol      string         `gorm:"size:32;not null;index:idx_fills_lookup,priority:3" json:"symbol"`
	Side        Side           `gorm:"size:8;not null" json:"side"`
	Price       float64        `json:"price"`
	Amount      float64        `json:"amount"`
	Cost        float64        `json:"cost"`
	Fee         *float64       `json:"fee"`
	FeeCurrency *string        `gorm:"column:fee_currency;size:16" json:"fee_currency"`
	Timestamp   int64          `gorm:"column:ts;index" json:"timestamp"`
	RawJSON     datatypes.JSON `gorm:"column:raw_json" json:"raw_json,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

func (Fill) TableName() string {
	return "fills"
}

// Position 唯一的可变聚合，(mode, venue, symbol) 唯一。
// 每次变更都整体覆盖 (数量, 均价, 已实现盈亏)。
type Position struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"-"`
	Mode          Mode      `gorm:"size:8;not null;uniqueIndex:idx_position_key,priority:1" json:"mode"`
	Venue         string    `gorm:"size:32;not null;uniqueIndex:idx_position_key,priority:2" json:"venue"`
	Symbol        string    `gorm:"size:32;not null;uniqueIndex:idx_position_key,priority:3" json:"symbol"`
	BaseQty       float64   `gorm:"column:base_qty;not null" json:"base_qty"`
	AvgEntryPrice *float64  `gorm:"column:avg_entry_price" json:"avg_entry_price"`
	RealizedPnL   float64   `gorm:"column:realized_pnl;not null" json:"realized_pnl"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (Position) TableName() string {
	return "positions"
}

func (p *Position) Key() PositionKey {
	return PositionKey{Mode: p.Mode, Venue: p.Venue, Symbol: p.Symbol}
}

// IsLong 持仓数量大于 0 即为多头
func (p *Position) IsLong() bool {
	return p != nil && p.BaseQty > 0
}

// TradeEvent 执行器成交后对外发布的事件
type TradeEvent struct {
	Mode        Mode    `json:"mode"`
	Venue       string  `json:"venue"`
	Symbol      string  `json:"symbol"`
	Side        Side    `json:"side"`
	Reason      string  `json:"reason"`
	OrderID     *int64  `json:"order_id,omitempty"`
	Price       float64 `json:"price"`
	Amount      float64 `json:"amount"`
	Cost        float64 `json:"cost"`
	Fee         float64 `json:"fee"`
	BaseQty     float64 `json:"base_qty"`
	RealizedPnL float64 `json:"realized_pnl"`
	Timestamp   int64   `json:"timestamp"`
}

// Float 返回指针，便于填充可空字段
func Float(v float64) *float64 { return &v }

// String 返回指针，空字符串视为缺失
func String(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
