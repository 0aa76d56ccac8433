package trader

import (
	"context"
	"crypto-sma-trader/internal/exchange"
	"crypto-sma-trader/internal/executor"
	"crypto-sma-trader/internal/ledger"
	"crypto-sma-trader/internal/model"
	"crypto-sma-trader/internal/notify"
	"crypto-sma-trader/internal/service"
	"crypto-sma-trader/internal/strategy"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultMaxStorageFailures = 3

// Deps 会话依赖，Venue 在模拟盘下可以为空
type Deps struct {
	Ledger    *ledger.Ledger
	Venue     exchange.Venue
	Publisher notify.Publisher
	Logger    *zap.Logger
}

// SymbolStatus 单个交易对在一轮中的结果
type SymbolStatus string

const (
	StatusOK      SymbolStatus = "ok"
	StatusSkipped SymbolStatus = "skipped"
	StatusFailed  SymbolStatus = "failed"
)

type SymbolResult struct {
	Symbol   string
	Status   SymbolStatus
	Decision strategy.Decision
	Err      error
}

// CycleReport 一轮对账的汇总
type CycleReport struct {
	StartedAt time.Time
	Elapsed   time.Duration
	Results   []SymbolResult
}

func (r CycleReport) Count(status SymbolStatus) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == status {
			n++
		}
	}
	return n
}

// AllStorageFailures 本轮每个交易对都因存储错误失败
func (r CycleReport) AllStorageFailures() bool {
	if len(r.Results) == 0 {
		return false
	}
	for _, res := range r.Results {
		if res.Status != StatusFailed || !errors.Is(res.Err, model.ErrStorage) {
			return false
		}
	}
	return true
}

// TradingSession 周期性地对每个交易对执行一次对账。
// 配置在构造时按值复制，运行期间不可修改。
type TradingSession struct {
	cfg        service.SessionConfig
	venue      exchange.Venue
	reconciler *strategy.Reconciler
	logger     *zap.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// NewTradingSession 校验配置并选择执行器。
// 实盘需要确认口令和两个安全开关同时满足，否则降级为模拟盘并记录警告。
func NewTradingSession(cfg service.SessionConfig, deps Deps) (*TradingSession, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("%w: ledger is required", model.ErrConfig)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if cfg.Mode == model.ModeLive && !(cfg.LiveAllowed() && cfg.LiveConfirm.Confirmed()) {
		logger.Warn("live trading not confirmed, falling back to paper",
			zap.Bool("public_only", cfg.PublicOnly),
			zap.Bool("enable_live_trading", cfg.EnableLiveTrading),
			zap.Bool("confirmed", cfg.LiveConfirm.Confirmed()))
		cfg = cfg.WithMode(model.ModePaper)
	}
	if cfg.Mode == model.ModeLive && deps.Venue == nil {
		return nil, fmt.Errorf("%w: live mode requires a venue", model.ErrConfig)
	}
	if cfg.MaxStorageFailures <= 0 {
		cfg.MaxStorageFailures = defaultMaxStorageFailures
	}
	logger = logger.Named("session").With(zap.String("mode", string(cfg.Mode)), zap.String("venue", cfg.Venue))

	var exec executor.Executor
	switch cfg.Mode {
	case model.ModeLive:
		live, err := executor.NewLiveExecutor(executor.LiveConfig{
			PublicOnly:        cfg.PublicOnly,
			EnableLiveTrading: cfg.EnableLiveTrading,
			MinNotional:       cfg.MinNotional,
		}, deps.Venue, deps.Ledger, logger)
		if err != nil {
			return nil, err
		}
		exec = live
	default:
		exec = executor.NewPaperExecutor(executor.PaperConfig{
			Venue:       cfg.Venue,
			FeeRate:     cfg.PaperFeeRate,
			MinNotional: cfg.MinNotional,
		}, deps.Ledger, logger)
	}

	reconciler, err := strategy.NewReconciler(strategy.Config{
		Venue:            cfg.Venue,
		Timeframe:        cfg.Timeframe,
		FixedQuoteAmount: cfg.FixedQuoteAmount,
		SMAFast:          cfg.SMAFast,
		SMASlow:          cfg.SMASlow,
		OrderKind:        cfg.OrderKind,
	}, deps.Ledger, exec, deps.Publisher, logger)
	if err != nil {
		return nil, err
	}

	return &TradingSession{
		cfg:        cfg.WithSymbols(cfg.Symbols),
		venue:      deps.Venue,
		reconciler: reconciler,
		logger:     logger,
	}, nil
}

// Mode 降级之后实际使用的模式
func (s *TradingSession) Mode() model.Mode { return s.cfg.Mode }

func (s *TradingSession) Symbols() []string { return append([]string(nil), s.cfg.Symbols...) }

// ValidateSymbols 去掉交易所不支持的交易对，全部无效时返回 ErrConfig
func (s *TradingSession) ValidateSymbols(ctx context.Context) error {
	if s.venue == nil {
		return nil
	}
	valid := make([]string, 0, len(s.cfg.Symbols))
	for _, symbol := range s.cfg.Symbols {
		if err := s.venue.ValidateSymbol(ctx, symbol); err != nil {
			s.logger.Warn("drop unsupported symbol", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		valid = append(valid, symbol)
	}
	if len(valid) == 0 {
		return fmt.Errorf("%w: no valid symbols on %s", model.ErrConfig, s.cfg.Venue)
	}
	s.cfg = s.cfg.WithSymbols(valid)
	return nil
}

// RunOnce 按顺序处理每个交易对，一个交易对失败不影响其它交易对。
// ctx 取消后不再开始新的交易对，已开始的执行器调用会完成。
func (s *TradingSession) RunOnce(ctx context.Context) CycleReport {
	report := CycleReport{StartedAt: time.Now()}
	for _, symbol := range s.cfg.Symbols {
		if ctx.Err() != nil {
			break
		}
		d, err := s.reconciler.Reconcile(ctx, symbol)
		res := SymbolResult{Symbol: symbol, Decision: d, Err: err, Status: StatusOK}
		switch {
		case err == nil:
		case errors.Is(err, model.ErrInsufficientData):
			res.Status = StatusSkipped
		default:
			res.Status = StatusFailed
			s.logger.Error("reconcile failed",
				zap.String("symbol", symbol),
				zap.String("action", string(d.Action)),
				zap.String("reason", d.Reason),
				zap.Error(err))
		}
		report.Results = append(report.Results, res)
	}
	report.Elapsed = time.Since(report.StartedAt)

	s.logger.Info("cycle finished",
		zap.Int("ok", report.Count(StatusOK)),
		zap.Int("skipped", report.Count(StatusSkipped)),
		zap.Int("failed", report.Count(StatusFailed)),
		zap.Duration("elapsed", report.Elapsed))
	return report
}

// Start 启动后台循环，两轮之间休眠 max(0, interval-耗时)
func (s *TradingSession) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("trading session already started")
	}
	if err := s.ValidateSymbols(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.started = true
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx)

	s.logger.Info("trading session started",
		zap.Strings("symbols", s.cfg.Symbols),
		zap.String("timeframe", s.cfg.Timeframe),
		zap.Int("sma_fast", s.cfg.SMAFast),
		zap.Int("sma_slow", s.cfg.SMASlow),
		zap.Duration("interval", s.cfg.Interval))
	return nil
}

func (s *TradingSession) loop(ctx context.Context) {
	defer close(s.done)
	storageFailures := 0

	for {
		if ctx.Err() != nil {
			return
		}
		report := s.RunOnce(ctx)

		if report.AllStorageFailures() {
			storageFailures++
			if storageFailures > s.cfg.MaxStorageFailures {
				s.setErr(fmt.Errorf("%w: %d consecutive cycles failed on storage", model.ErrStorage, storageFailures))
				s.logger.Error("stopping session after repeated storage failures", zap.Int("cycles", storageFailures))
				return
			}
		} else {
			storageFailures = 0
		}

		wait := s.cfg.Interval - report.Elapsed
		if wait <= 0 {
			s.logger.Warn("cycle overran interval",
				zap.Duration("elapsed", report.Elapsed),
				zap.Duration("interval", s.cfg.Interval))
			wait = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (s *TradingSession) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Stop 请求停止，不会再开始新的一轮
func (s *TradingSession) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait 等待循环退出，返回导致退出的错误
func (s *TradingSession) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
