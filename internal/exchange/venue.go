package exchange

import (
	"context"
	"crypto-sma-trader/internal/model"
	"errors"
	"fmt"
)

// MarketData 公共行情接口，不需要 apikey
type MarketData interface {
	Name() string
	// FetchOHLCV since 为毫秒时间戳，0 表示取最新的 limit 根；返回按时间升序
	FetchOHLCV(ctx context.Context, symbol, timeframe string, since int64, limit int) ([]model.Candle, error)
	FetchTicker(ctx context.Context, symbol string) (*model.TickerSnapshot, error)
}

// Venue 交易接口，读操作内部带重试，下单不重试
type Venue interface {
	MarketData
	ValidateSymbol(ctx context.Context, symbol string) error
	FreeBalance(ctx context.Context, asset string) (float64, error)
	RoundAmount(ctx context.Context, symbol string, amount float64) (float64, error)
	RoundPrice(ctx context.Context, symbol string, price float64) (float64, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)
}

// OrderRequest 下单请求，Amount 始终为币本位数量
type OrderRequest struct {
	Symbol        string
	Side          model.Side
	Kind          model.OrderKind
	Amount        float64
	Price         *float64 // 限价单必填
	ClientOrderID string
}

// Fee 交易所返回的手续费
type Fee struct {
	Cost     *float64
	Currency *string
}

// OrderResponse 交易所返回的订单，所有字段都可能缺失，使用前必须判空
type OrderResponse struct {
	ID            *string
	ClientOrderID *string
	Status        *string
	Filled        *float64
	Average       *float64
	Cost          *float64
	Amount        *float64
	Price         *float64
	Type          *string
	Fee           *Fee
	Raw           []byte
}

// FilledAt 成交数量和均价都存在且为正时返回 true
func (r *OrderResponse) FilledAt() (amount, price float64, ok bool) {
	if r == nil || r.Filled == nil || r.Average == nil {
		return 0, 0, false
	}
	if *r.Filled <= 0 || *r.Average <= 0 {
		return 0, 0, false
	}
	return *r.Filled, *r.Average, true
}

// VenueError 交易所错误，Transient 表示可以重试 (网络、限流、5xx)
type VenueError struct {
	Venue     string
	Op        string
	Transient bool
	Err       error
}

func (e *VenueError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s %s (%s): %v", e.Venue, e.Op, kind, e.Err)
}

func (e *VenueError) Unwrap() error { return e.Err }

// IsTransient 只有明确标记为 transient 的 VenueError 才会被重试
func IsTransient(err error) bool {
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Transient
	}
	return false
}

func transient(venue, op string, err error) error {
	if err == nil {
		return nil
	}
	return &VenueError{Venue: venue, Op: op, Transient: true, Err: err}
}

func fatal(venue, op string, err error) error {
	if err == nil {
		return nil
	}
	return &VenueError{Venue: venue, Op: op, Err: err}
}
