package executor

import (
	"context"
	"crypto-sma-trader/internal/exchange"
	"crypto-sma-trader/internal/ledger"
	"crypto-sma-trader/internal/model"
	"crypto-sma-trader/internal/service"
	"fmt"
	"math"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// LiveConfig 实盘参数，两个安全开关必须同时满足
type LiveConfig struct {
	PublicOnly        bool
	EnableLiveTrading bool
	MinNotional       float64
}

func (c LiveConfig) allowed() bool {
	return !c.PublicOnly && c.EnableLiveTrading
}

// LiveExecutor 通过交易所下单，再把返回的订单与成交对账写入账本
type LiveExecutor struct {
	cfg    LiveConfig
	venue  exchange.Venue
	ledger *ledger.Ledger
	logger *zap.Logger
}

// NewLiveExecutor 安全开关未打开时返回 ErrLiveTradingDisabled，调用方回退到模拟盘
func NewLiveExecutor(cfg LiveConfig, venue exchange.Venue, l *ledger.Ledger, logger *zap.Logger) (*LiveExecutor, error) {
	if !cfg.allowed() {
		return nil, fmt.Errorf("%w: public_only=%t enable_live_trading=%t", model.ErrLiveTradingDisabled, cfg.PublicOnly, cfg.EnableLiveTrading)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LiveExecutor{
		cfg:    cfg,
		venue:  venue,
		ledger: l,
		logger: logger.Named("live").With(zap.String("mode", string(model.ModeLive)), zap.String("venue", venue.Name())),
	}, nil
}

func (e *LiveExecutor) Mode() model.Mode { return model.ModeLive }

func (e *LiveExecutor) gate() error {
	if e == nil || !e.cfg.allowed() {
		return model.ErrLiveTradingDisabled
	}
	return nil
}

func (e *LiveExecutor) key(symbol string) model.PositionKey {
	return model.PositionKey{Mode: model.ModeLive, Venue: e.venue.Name(), Symbol: symbol}
}

// Buy 按 quote/priceHint 计算数量并按交易所精度取整，名义价值低于下限时拒绝
func (e *LiveExecutor) Buy(ctx context.Context, symbol string, quoteAmount, priceHint float64, ec ExecContext) (*Trade, error) {
	if err := e.gate(); err != nil {
		return nil, err
	}
	if quoteAmount <= 0 || priceHint <= 0 {
		return nil, fmt.Errorf("%w: quote=%v price=%v", model.ErrInvalidAmount, quoteAmount, priceHint)
	}

	amount, err := e.venue.RoundAmount(ctx, symbol, quoteAmount/priceHint)
	if err != nil {
		return nil, &model.OrderSubmissionError{Symbol: symbol, Side: model.SideBuy, Err: err}
	}
	if notional := amount * priceHint; amount <= 0 || notional < e.cfg.MinNotional {
		return nil, &model.MinNotionalError{Notional: notional, Min: e.cfg.MinNotional}
	}
	return e.submit(ctx, symbol, model.SideBuy, amount, priceHint, ec)
}

// Sell 数量取交易所可用余额而不是本地持仓；余额为 0 时记录跳过并返回 nil
func (e *LiveExecutor) Sell(ctx context.Context, symbol string, priceHint float64, ec ExecContext) (*Trade, error) {
	if err := e.gate(); err != nil {
		return nil, err
	}
	asset := service.BaseAsset(symbol)
	free, err := e.venue.FreeBalance(ctx, asset)
	if err != nil {
		return nil, &model.OrderSubmissionError{Symbol: symbol, Side: model.SideSell, Err: err}
	}
	if free <= 0 {
		e.logger.Warn("live sell skipped", zap.String("symbol", symbol), zap.String("reason", "no_free_balance"), zap.String("asset", asset))
		return nil, nil
	}
	amount, err := e.venue.RoundAmount(ctx, symbol, free)
	if err != nil {
		return nil, &model.OrderSubmissionError{Symbol: symbol, Side: model.SideSell, Err: err}
	}
	if amount <= 0 {
		e.logger.Warn("live sell skipped", zap.String("symbol", symbol), zap.String("reason", "below_lot_size"), zap.Float64("free", free))
		return nil, nil
	}
	return e.submit(ctx, symbol, model.SideSell, amount, priceHint, ec)
}

func (e *LiveExecutor) submit(ctx context.Context, symbol string, side model.Side, amount, priceHint float64, ec ExecContext) (*Trade, error) {
	req := exchange.OrderRequest{
		Symbol:        symbol,
		Side:          side,
		Kind:          ec.kind(),
		Amount:        amount,
		ClientOrderID: strings.ReplaceAll(uuid.NewString(), "-", ""),
	}
	if req.Kind == model.OrderKindLimit {
		// 限价单使用 IOC，避免挂单长期留在盘口
		price, err := e.venue.RoundPrice(ctx, symbol, priceHint)
		if err != nil {
			return nil, &model.OrderSubmissionError{Symbol: symbol, Side: side, Err: err}
		}
		req.Price = &price
	}

	resp, err := e.venue.SubmitOrder(ctx, req)
	if err != nil {
		e.logger.Error("live order submission failed",
			zap.String("symbol", symbol), zap.String("side", string(side)), zap.String("reason", ec.Reason), zap.Error(err))
		return nil, &model.OrderSubmissionError{Symbol: symbol, Side: side, Err: err}
	}
	return e.Reconcile(ctx, req, resp, ec)
}

// Reconcile 把交易所返回写入账本：订单总是写入，缺失字段保持为空；
// 只有成交量和均价都存在时才写成交并更新持仓。卖出按 min(本地持仓, 成交量) 减仓。
func (e *LiveExecutor) Reconcile(ctx context.Context, req exchange.OrderRequest, resp *exchange.OrderResponse, ec ExecContext) (*Trade, error) {
	if resp == nil {
		resp = &exchange.OrderResponse{}
	}
	order := e.orderFromResponse(req, resp, ec)
	key := e.key(req.Symbol)
	quoteAsset := service.QuoteAsset(req.Symbol)

	trade := &Trade{Order: order}
	err := e.ledger.Transact(ctx, func(tx *ledger.Ledger) error {
		orderID, err := tx.AppendOrder(ctx, order)
		if err != nil {
			return err
		}

		filled, average, ok := resp.FilledAt()
		if !ok {
			return nil
		}
		cost := filled * average
		if resp.Cost != nil && *resp.Cost > 0 {
			cost = *resp.Cost
		}
		fill := &model.Fill{
			OrderID:   &orderID,
			Mode:      model.ModeLive,
			Venue:     e.venue.Name(),
			Symbol:    req.Symbol,
			Side:      req.Side,
			Price:     average,
			Amount:    filled,
			Cost:      cost,
			Timestamp: order.Timestamp,
		}
		if resp.Fee != nil {
			fill.Fee = resp.Fee.Cost
			fill.FeeCurrency = resp.Fee.Currency
		}
		if _, err := tx.AppendFill(ctx, fill); err != nil {
			return err
		}
		trade.Fill = fill

		fee := quoteFee(resp.Fee, quoteAsset)
		switch req.Side {
		case model.SideBuy:
			pos, err := tx.RecordBuy(ctx, key, average, filled, cost, fee)
			if err != nil {
				return err
			}
			trade.Position = pos
		case model.SideSell:
			held, err := tx.GetPosition(ctx, key)
			if err != nil {
				return err
			}
			if !held.IsLong() {
				e.logger.Warn("live sell without local position", zap.String("symbol", req.Symbol), zap.Float64("filled", filled))
				trade.Position = held
				return nil
			}
			qty := math.Min(held.BaseQty, filled)
			pos, pnl, err := tx.RecordSell(ctx, key, average, qty, qty*average, fee)
			if err != nil {
				return err
			}
			trade.Position, trade.TradePnL = pos, pnl
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	fields := []zap.Field{
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("reason", ec.Reason),
		zap.String("status", string(order.Status)),
	}
	if order.VenueOrderID != nil {
		fields = append(fields, zap.String("venue_order_id", *order.VenueOrderID))
	}
	if trade.Fill != nil {
		fields = append(fields, zap.Float64("filled", trade.Fill.Amount), zap.Float64("average", trade.Fill.Price))
	}
	e.logger.Info("live order reconciled", fields...)
	return trade, nil
}

func (e *LiveExecutor) orderFromResponse(req exchange.OrderRequest, resp *exchange.OrderResponse, ec ExecContext) *model.Order {
	status := model.OrderStatusOpen
	if resp.Status != nil {
		status = model.NormalizeOrderStatus(*resp.Status)
	}
	kind := req.Kind
	if resp.Type != nil {
		if parsed, err := model.ParseOrderKind(*resp.Type); err == nil {
			kind = parsed
		}
	}
	clientID := resp.ClientOrderID
	if clientID == nil {
		clientID = model.String(req.ClientOrderID)
	}

	order := &model.Order{
		Mode:          model.ModeLive,
		Venue:         e.venue.Name(),
		Symbol:        req.Symbol,
		Side:          req.Side,
		Kind:          kind,
		Status:        status,
		ClientOrderID: clientID,
		VenueOrderID:  resp.ID,
		Amount:        resp.Amount,
		Price:         resp.Price,
		Filled:        resp.Filled,
		Average:       resp.Average,
		Cost:          resp.Cost,
		Strategy:      ec.Strategy,
		Signal:        ec.Signal,
		Reason:        ec.Reason,
		Timestamp:     ec.timestamp(),
	}
	if resp.Fee != nil {
		order.Fee = resp.Fee.Cost
		order.FeeCurrency = resp.Fee.Currency
	}
	if len(resp.Raw) > 0 && json.Valid(resp.Raw) {
		order.RawJSON = datatypes.JSON(resp.Raw)
	}
	return order
}

// quoteFee 手续费以计价币收取时才计入盈亏，以基础币收取的手续费只记录在订单上
func quoteFee(fee *exchange.Fee, quoteAsset string) float64 {
	if fee == nil || fee.Cost == nil || fee.Currency == nil {
		return 0
	}
	if !strings.EqualFold(*fee.Currency, quoteAsset) {
		return 0
	}
	return math.Abs(*fee.Cost)
}
