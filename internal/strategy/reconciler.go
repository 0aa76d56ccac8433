package strategy

import (
	"context"
	"crypto-sma-trader/internal/executor"
	"crypto-sma-trader/internal/ledger"
	"crypto-sma-trader/internal/model"
	"crypto-sma-trader/internal/notify"
	"crypto-sma-trader/pkg/ta"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Config 对账循环参数
type Config struct {
	Venue            string
	Timeframe        string
	FixedQuoteAmount float64
	SMAFast          int
	SMASlow          int
	OrderKind        model.OrderKind
}

// Reconciler 把均线信号给出的期望状态与账本中的实际持仓对齐。
// 每个交易对独立处理，执行器的错误原样返回给调用方。
type Reconciler struct {
	cfg       Config
	ledger    *ledger.Ledger
	executor  executor.Executor
	publisher notify.Publisher
	states    *StateMachine
	logger    *zap.Logger
}

func NewReconciler(cfg Config, l *ledger.Ledger, exec executor.Executor, pub notify.Publisher, logger *zap.Logger) (*Reconciler, error) {
	if err := ta.ValidateWindows(cfg.SMAFast, cfg.SMASlow); err != nil {
		return nil, err
	}
	if l == nil || exec == nil {
		return nil, errors.New("reconciler requires a ledger and an executor")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if pub == nil {
		pub = notify.NewLogPublisher(logger)
	}
	logger = logger.Named("reconciler").With(zap.String("mode", string(exec.Mode())))
	return &Reconciler{
		cfg:       cfg,
		ledger:    l,
		executor:  exec,
		publisher: pub,
		states:    NewStateMachine(logger),
		logger:    logger,
	}, nil
}

func (r *Reconciler) Mode() model.Mode { return r.executor.Mode() }

// Reconcile 处理一个交易对：
// 读取最近 slow 根收盘价计算信号，以最新收盘价为参考价，按转换表买入或全部卖出。
// K 线不足时返回 ErrInsufficientData，调用方视为跳过。
func (r *Reconciler) Reconcile(ctx context.Context, symbol string) (Decision, error) {
	d := Decision{Symbol: symbol, Action: ActionNone}

	points, err := r.ledger.RecentCloses(ctx, symbol, r.cfg.Timeframe, r.cfg.SMASlow)
	if err != nil {
		return d, err
	}
	sig, err := ta.ComputeSignal(model.Closes(points), r.cfg.SMAFast, r.cfg.SMASlow)
	if err != nil {
		if errors.Is(err, model.ErrInsufficientData) {
			d.Reason = "insufficient_data"
			r.logger.Info("skip symbol", zap.String("symbol", symbol), zap.String("reason", d.Reason),
				zap.Int("have", len(points)), zap.Int("need", r.cfg.SMASlow))
		}
		return d, err
	}
	d.Signal = sig

	latest, err := r.ledger.LatestClose(ctx, symbol, r.cfg.Timeframe)
	if err != nil {
		return d, err
	}
	if latest == nil {
		d.Reason = "no_price"
		return d, fmt.Errorf("%w: no close for %s %s", model.ErrInsufficientData, symbol, r.cfg.Timeframe)
	}
	d.Price, d.CandleTs = latest.Close, latest.Timestamp

	pos, err := r.ledger.GetPosition(ctx, model.PositionKey{Mode: r.Mode(), Venue: r.cfg.Venue, Symbol: symbol})
	if err != nil {
		return d, err
	}
	d.Actual = DirFlat
	if pos.IsLong() {
		d.Actual = DirLong
		d.HeldQty = pos.BaseQty
	}
	d.Desired = DesiredDirection(sig.ShouldBeLong)
	d.Action = Transition(d.Desired, d.Actual)
	d.Flipped = r.states.Observe(symbol, d.Desired)

	r.logger.Info("signal",
		zap.String("symbol", symbol),
		zap.Float64("fast_sma", sig.FastSMA),
		zap.Float64("slow_sma", sig.SlowSMA),
		zap.Float64("price", d.Price),
		zap.String("desired", string(d.Desired)),
		zap.String("actual", string(d.Actual)),
		zap.String("action", string(d.Action)))

	// 已进入执行阶段的订单不受外部取消影响，保证订单与账本一致
	execCtx := context.WithoutCancel(ctx)
	var trade *executor.Trade
	switch d.Action {
	case ActionBuy:
		d.Reason = executor.ReasonSMALong
		trade, err = r.executor.Buy(execCtx, symbol, r.cfg.FixedQuoteAmount, d.Price,
			executor.BuyContext(r.cfg.Timeframe, d.CandleTs, r.cfg.OrderKind))
	case ActionSellAll:
		d.Reason = executor.ReasonSMAFlat
		trade, err = r.executor.Sell(execCtx, symbol, d.Price,
			executor.SellContext(r.cfg.Timeframe, d.CandleTs, r.cfg.OrderKind))
	default:
		d.Reason = "in_sync"
		return d, nil
	}
	if err != nil {
		return d, err
	}
	if trade == nil {
		return d, nil
	}

	d.Executed = true
	d.TradePnL = trade.TradePnL
	if err := r.publisher.Publish(execCtx, trade.Event(d.Reason)); err != nil {
		r.logger.Warn("publish trade event failed", zap.String("symbol", symbol), zap.Error(err))
	}
	return d, nil
}
