package ledger

import (
	"context"
	"crypto-sma-trader/internal/model"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func keyCondition(key model.PositionKey) map[string]any {
	return map[string]any{"mode": key.Mode, "venue": key.Venue, "symbol": key.Symbol}
}

// GetPosition 读取持仓快照，不存在时返回 nil
func (l *Ledger) GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error) {
	var pos model.Position
	err := l.db.WithContext(ctx).Where(keyCondition(key)).Take(&pos).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, model.NewStorageError("get position", err)
	}
	return &pos, nil
}

// lockPosition 事务内读取持仓，mysql 下加行锁
func (l *Ledger) lockPosition(ctx context.Context, key model.PositionKey) (*model.Position, error) {
	var pos model.Position
	err := l.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(keyCondition(key)).
		Take(&pos).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &model.Position{Mode: key.Mode, Venue: key.Venue, Symbol: key.Symbol}, nil
	}
	if err != nil {
		return nil, model.NewStorageError("lock position", err)
	}
	return &pos, nil
}

// upsertPosition 整体覆盖 (数量, 均价, 已实现盈亏)
func (l *Ledger) upsertPosition(ctx context.Context, pos *model.Position) error {
	pos.ID = 0
	pos.UpdatedAt = time.Now()
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "mode"}, {Name: "venue"}, {Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{"base_qty", "avg_entry_price", "realized_pnl", "updated_at"}),
	}).Create(pos).Error
	return model.NewStorageError("upsert position", err)
}

// RecordBuy 买入成交后更新持仓：
// 均价 = (旧数量*旧均价 + 买入数量*价格) / (旧数量+买入数量)，空仓时均价即成交价；已实现盈亏不变。
func (l *Ledger) RecordBuy(ctx context.Context, key model.PositionKey, price, baseAmount, quoteCost, fee float64) (*model.Position, error) {
	if price <= 0 || baseAmount <= 0 || quoteCost < 0 || fee < 0 {
		return nil, fmt.Errorf("%w: buy price=%v amount=%v cost=%v fee=%v", model.ErrInvalidAmount, price, baseAmount, quoteCost, fee)
	}

	var updated *model.Position
	err := l.Transact(ctx, func(tx *Ledger) error {
		pos, err := tx.lockPosition(ctx, key)
		if err != nil {
			return err
		}

		oldQty := decimal.NewFromFloat(pos.BaseQty)
		qty := decimal.NewFromFloat(baseAmount)
		px := decimal.NewFromFloat(price)
		newQty := oldQty.Add(qty)

		avg := px
		if oldQty.IsPositive() && pos.AvgEntryPrice != nil {
			oldAvg := decimal.NewFromFloat(*pos.AvgEntryPrice)
			avg = oldQty.Mul(oldAvg).Add(qty.Mul(px)).Div(newQty)
		}

		pos.BaseQty = newQty.InexactFloat64()
		pos.AvgEntryPrice = model.Float(avg.InexactFloat64())
		if err := tx.upsertPosition(ctx, pos); err != nil {
			return err
		}
		updated = pos
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Debug("position buy recorded",
		zap.String("key", key.String()),
		zap.Float64("price", price),
		zap.Float64("amount", baseAmount),
		zap.Float64("base_qty", updated.BaseQty))
	return updated, nil
}

// RecordSell 卖出成交后更新持仓，返回本笔已实现盈亏：
// tradePnL = (价格 - 均价) * 卖出数量 - 手续费。卖出数量超过持仓时返回 OversellError 且持仓不变。
func (l *Ledger) RecordSell(ctx context.Context, key model.PositionKey, price, baseAmount, quoteProceeds, fee float64) (*model.Position, float64, error) {
	if price <= 0 || baseAmount <= 0 || quoteProceeds < 0 || fee < 0 {
		return nil, 0, fmt.Errorf("%w: sell price=%v amount=%v proceeds=%v fee=%v", model.ErrInvalidAmount, price, baseAmount, quoteProceeds, fee)
	}

	var (
		updated  *model.Position
		tradePnL float64
	)
	err := l.Transact(ctx, func(tx *Ledger) error {
		pos, err := tx.lockPosition(ctx, key)
		if err != nil {
			return err
		}

		held := decimal.NewFromFloat(pos.BaseQty)
		qty := decimal.NewFromFloat(baseAmount)
		if qty.GreaterThan(held) {
			return &model.OversellError{Symbol: key.Symbol, Requested: baseAmount, Held: pos.BaseQty}
		}

		px := decimal.NewFromFloat(price)
		avg := px
		if pos.AvgEntryPrice != nil {
			avg = decimal.NewFromFloat(*pos.AvgEntryPrice)
		}
		pnl := px.Sub(avg).Mul(qty).Sub(decimal.NewFromFloat(fee))
		realized := decimal.NewFromFloat(pos.RealizedPnL).Add(pnl)
		remaining := held.Sub(qty)

		pos.RealizedPnL = realized.InexactFloat64()
		if remaining.IsPositive() {
			pos.BaseQty = remaining.InexactFloat64()
		} else {
			pos.BaseQty = 0
			pos.AvgEntryPrice = nil
		}
		if err := tx.upsertPosition(ctx, pos); err != nil {
			return err
		}
		updated = pos
		tradePnL = pnl.InexactFloat64()
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	l.logger.Debug("position sell recorded",
		zap.String("key", key.String()),
		zap.Float64("price", price),
		zap.Float64("amount", baseAmount),
		zap.Float64("trade_pnl", tradePnL),
		zap.Float64("realized_pnl", updated.RealizedPnL))
	return updated, tradePnL, nil
}

// ListPositions 报表查询，mode 为空时返回全部
func (l *Ledger) ListPositions(ctx context.Context, mode model.Mode) ([]model.Position, error) {
	q := l.db.WithContext(ctx).Model(&model.Position{})
	if mode != "" {
		q = q.Where("mode = ?", mode)
	}
	var out []model.Position
	if err := q.Order("mode, venue, symbol").Find(&out).Error; err != nil {
		return nil, model.NewStorageError("list positions", err)
	}
	return out, nil
}
