package model

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig 启动配置非法 (均线窗口、模式、下单类型)，启动阶段直接退出
	ErrConfig = errors.New("invalid config")
	// ErrInsufficientData K 线数量不足慢线窗口，本轮跳过
	ErrInsufficientData = errors.New("insufficient data")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrMinNotional      = errors.New("below min notional")
	ErrOversell         = errors.New("oversell")
	// ErrLiveTradingDisabled 安全开关未打开，调用方需要回退到模拟盘
	ErrLiveTradingDisabled = errors.New("live trading disabled")
	ErrStorage             = errors.New("storage error")
	ErrOrderSubmission     = errors.New("order submission failed")
	ErrImmutableField      = errors.New("immutable field")
	ErrOrderNotFound       = errors.New("order not found")
	// ErrFillOverflow 某订单的成交累计超过订单的已成交数量
	ErrFillOverflow = errors.New("fill exceeds order filled amount")
)

// StorageError 包装底层存储错误，账本自身不重试
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// NewStorageError err 为 nil 时返回 nil
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// ImmutableFieldError 订单更新时试图修改不可变字段
type ImmutableFieldError struct {
	Field string
}

func (e *ImmutableFieldError) Error() string {
	return fmt.Sprintf("immutable field: %s", e.Field)
}

func (e *ImmutableFieldError) Is(target error) bool { return target == ErrImmutableField }

// OversellError 卖出数量超过持仓
type OversellError struct {
	Symbol    string
	Requested float64
	Held      float64
}

func (e *OversellError) Error() string {
	return fmt.Sprintf("oversell %s: requested %.8f > held %.8f", e.Symbol, e.Requested, e.Held)
}

func (e *OversellError) Is(target error) bool { return target == ErrOversell }

// MinNotionalError 订单名义价值低于交易所最小值
type MinNotionalError struct {
	Notional float64
	Min      float64
}

func (e *MinNotionalError) Error() string {
	return fmt.Sprintf("notional %.8f < min_notional %.8f", e.Notional, e.Min)
}

func (e *MinNotionalError) Is(target error) bool { return target == ErrMinNotional }

// OrderSubmissionError 交易所下单失败，不在执行器内重试
type OrderSubmissionError struct {
	Symbol string
	Side   Side
	Err    error
}

func (e *OrderSubmissionError) Error() string {
	return fmt.Sprintf("submit %s %s: %v", e.Side, e.Symbol, e.Err)
}

func (e *OrderSubmissionError) Unwrap() error { return e.Err }

func (e *OrderSubmissionError) Is(target error) bool { return target == ErrOrderSubmission }

// FillOverflowError 追加成交后累计数量会超过订单 filled
type FillOverflowError struct {
	OrderID  int64
	Existing float64
	Adding   float64
	Filled   float64
}

func (e *FillOverflowError) Error() string {
	return fmt.Sprintf("order %d fills %.8f + %.8f > filled %.8f", e.OrderID, e.Existing, e.Adding, e.Filled)
}

func (e *FillOverflowError) Is(target error) bool { return target == ErrFillOverflow }
