package ledger

import (
	"context"
	"crypto-sma-trader/internal/model"
	"errors"
	"fmt"
	"math"
	"time"

	"gorm.io/gorm"
)

// Filter 报表查询条件，零值字段不参与过滤
type Filter struct {
	Mode   model.Mode
	Venue  string
	Symbol string
	Limit  int
}

func (f Filter) apply(q *gorm.DB) *gorm.DB {
	if f.Mode != "" {
		q = q.Where("mode = ?", f.Mode)
	}
	if f.Venue != "" {
		q = q.Where("venue = ?", f.Venue)
	}
	if f.Symbol != "" {
		q = q.Where("symbol = ?", f.Symbol)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	return q
}

// AppendOrder 写入一条订单，返回自增 id；未指定 LocalID 时生成 snowflake id
func (l *Ledger) AppendOrder(ctx context.Context, order *model.Order) (int64, error) {
	if order == nil {
		return 0, errors.New("order cannot be nil")
	}
	if order.Mode == "" || order.Venue == "" || order.Symbol == "" || order.Side == "" || order.Kind == "" {
		return 0, fmt.Errorf("order missing identity fields: mode=%q venue=%q symbol=%q side=%q type=%q",
			order.Mode, order.Venue, order.Symbol, order.Side, order.Kind)
	}
	if order.Status == "" {
		order.Status = model.OrderStatusOpen
	}
	if order.LocalID == "" {
		order.LocalID = l.nextLocalID()
	}
	if order.Timestamp == 0 {
		order.Timestamp = time.Now().UnixMilli()
	}
	order.ID = 0
	if err := l.db.WithContext(ctx).Create(order).Error; err != nil {
		return 0, model.NewStorageError("append order", err)
	}
	return order.ID, nil
}

// UpdateOrder 只允许修改白名单内的字段，修改 symbol/side/mode 等返回 ImmutableFieldError
func (l *Ledger) UpdateOrder(ctx context.Context, id int64, patch model.OrderPatch) error {
	if err := patch.Validate(); err != nil {
		return err
	}
	if len(patch) == 0 {
		return nil
	}
	return l.Transact(ctx, func(tx *Ledger) error {
		var existing model.Order
		err := tx.db.WithContext(ctx).Select("id").Where("id = ?", id).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: id=%d", model.ErrOrderNotFound, id)
		}
		if err != nil {
			return model.NewStorageError("update order", err)
		}
		err = tx.db.WithContext(ctx).Model(&model.Order{}).Where("id = ?", id).Updates(map[string]any(patch)).Error
		return model.NewStorageError("update order", err)
	})
}

// AppendFill 追加一条成交。
// 关联订单时，该订单全部成交数量之和不能超过订单的 filled，检查与写入在同一事务内。
func (l *Ledger) AppendFill(ctx context.Context, fill *model.Fill) (int64, error) {
	if fill == nil {
		return 0, errors.New("fill cannot be nil")
	}
	if fill.Price <= 0 || fill.Amount <= 0 {
		return 0, fmt.Errorf("%w: fill price=%v amount=%v", model.ErrInvalidAmount, fill.Price, fill.Amount)
	}
	if fill.Timestamp == 0 {
		fill.Timestamp = time.Now().UnixMilli()
	}
	fill.ID = 0
	err := l.Transact(ctx, func(tx *Ledger) error {
		if fill.OrderID != nil {
			if err := tx.checkFillCapacity(ctx, *fill.OrderID, fill.Amount); err != nil {
				return err
			}
		}
		return model.NewStorageError("append fill", tx.db.WithContext(ctx).Create(fill).Error)
	})
	if err != nil {
		return 0, err
	}
	return fill.ID, nil
}

func (l *Ledger) checkFillCapacity(ctx context.Context, orderID int64, adding float64) error {
	var order model.Order
	err := l.db.WithContext(ctx).Select("id", "filled").Where("id = ?", orderID).Take(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: id=%d", model.ErrOrderNotFound, orderID)
	}
	if err != nil {
		return model.NewStorageError("append fill", err)
	}

	var existing float64
	err = l.db.WithContext(ctx).Model(&model.Fill{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("order_id = ?", orderID).
		Scan(&existing).Error
	if err != nil {
		return model.NewStorageError("append fill", err)
	}

	filled := 0.0
	if order.Filled != nil {
		filled = *order.Filled
	}
	if existing+adding > filled+fillTolerance(filled) {
		return &model.FillOverflowError{OrderID: orderID, Existing: existing, Adding: adding, Filled: filled}
	}
	return nil
}

// fillTolerance 浮点累加误差的容忍度
func fillTolerance(filled float64) float64 {
	return 1e-9 * math.Max(1, math.Abs(filled))
}

func (l *Ledger) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	var order model.Order
	err := l.db.WithContext(ctx).Where("id = ?", id).Take(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: id=%d", model.ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, model.NewStorageError("get order", err)
	}
	return &order, nil
}

// ListOrders 最新的订单在前
func (l *Ledger) ListOrders(ctx context.Context, f Filter) ([]model.Order, error) {
	var out []model.Order
	q := f.apply(l.db.WithContext(ctx).Model(&model.Order{}))
	if err := q.Order("id DESC").Find(&out).Error; err != nil {
		return nil, model.NewStorageError("list orders", err)
	}
	return out, nil
}

// ListFills 最新的成交在前
func (l *Ledger) ListFills(ctx context.Context, f Filter) ([]model.Fill, error) {
	var out []model.Fill
	q := f.apply(l.db.WithContext(ctx).Model(&model.Fill{}))
	if err := q.Order("id DESC").Find(&out).Error; err != nil {
		return nil, model.NewStorageError("list fills", err)
	}
	return out, nil
}

// FillsForOrder 按成交顺序返回某订单的全部成交
func (l *Ledger) FillsForOrder(ctx context.Context, orderID int64) ([]model.Fill, error) {
	var out []model.Fill
	if err := l.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id").Find(&out).Error; err != nil {
		return nil, model.NewStorageError("fills for order", err)
	}
	return out, nil
}
