package service

import (
	"crypto-sma-trader/internal/model"
	"fmt"
	"time"
)

// LiveConfirmToken 实盘需要显式提供的确认口令
const LiveConfirmToken = "LIVE"

// LiveConfirmation 调用方提供的实盘确认
type LiveConfirmation string

func (c LiveConfirmation) Confirmed() bool {
	return string(c) == LiveConfirmToken
}

// SessionConfig 交易会话的不可变配置，构造 TradingSession 时按值传入
type SessionConfig struct {
	Mode               model.Mode
	Venue              string
	Symbols            []string
	Timeframe          string
	OrderKind          model.OrderKind
	FixedQuoteAmount   float64
	SMAFast            int
	SMASlow            int
	Interval           time.Duration
	PaperFeeRate       float64
	MinNotional        float64
	PublicOnly         bool
	EnableLiveTrading  bool
	LiveConfirm        LiveConfirmation
	MaxStorageFailures int
}

// SessionConfig 校验原始配置并生成 SessionConfig，非法配置返回 ErrConfig
func (t TraderConfig) SessionConfig(venue string) (SessionConfig, error) {
	mode, err := model.ParseMode(t.Mode)
	if err != nil {
		return SessionConfig{}, err
	}
	kind, err := model.ParseOrderKind(t.OrderType)
	if err != nil {
		return SessionConfig{}, err
	}
	cfg := SessionConfig{
		Mode:               mode,
		Venue:              venue,
		Symbols:            append([]string(nil), t.Symbols...),
		Timeframe:          t.Timeframe,
		OrderKind:          kind,
		FixedQuoteAmount:   t.FixedQuoteAmount,
		SMAFast:            t.SMAFast,
		SMASlow:            t.SMASlow,
		Interval:           t.Interval,
		PaperFeeRate:       t.PaperFeeRate,
		MinNotional:        t.MinNotional,
		PublicOnly:         t.PublicOnly,
		EnableLiveTrading:  t.EnableLiveTrading,
		LiveConfirm:        LiveConfirmation(t.LiveConfirm),
		MaxStorageFailures: t.MaxStorageFailures,
	}
	return cfg, cfg.Validate()
}

func (c SessionConfig) Validate() error {
	switch {
	case c.Venue == "":
		return fmt.Errorf("%w: venue is required", model.ErrConfig)
	case len(c.Symbols) == 0:
		return fmt.Errorf("%w: no symbols configured", model.ErrConfig)
	case c.SMAFast <= 0 || c.SMASlow <= 0:
		return fmt.Errorf("%w: sma windows must be > 0 (fast=%d slow=%d)", model.ErrConfig, c.SMAFast, c.SMASlow)
	case c.SMAFast >= c.SMASlow:
		return fmt.Errorf("%w: sma fast %d must be < slow %d", model.ErrConfig, c.SMAFast, c.SMASlow)
	case c.FixedQuoteAmount <= 0:
		return fmt.Errorf("%w: fixed quote amount must be > 0", model.ErrConfig)
	case c.Interval <= 0:
		return fmt.Errorf("%w: interval must be > 0", model.ErrConfig)
	case c.PaperFeeRate < 0 || c.PaperFeeRate >= 1:
		return fmt.Errorf("%w: paper fee rate %v out of range [0,1)", model.ErrConfig, c.PaperFeeRate)
	case c.MinNotional < 0:
		return fmt.Errorf("%w: min notional must be >= 0", model.ErrConfig)
	}
	if _, err := ParseIntervalDuration(c.Timeframe); err != nil {
		return fmt.Errorf("%w: timeframe: %v", model.ErrConfig, err)
	}
	if _, err := model.ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if _, err := model.ParseOrderKind(string(c.OrderKind)); err != nil {
		return err
	}
	return nil
}

// LiveAllowed 两个安全开关同时满足才允许实盘
func (c SessionConfig) LiveAllowed() bool {
	return !c.PublicOnly && c.EnableLiveTrading
}

// WithMode 返回切换模式后的副本
func (c SessionConfig) WithMode(mode model.Mode) SessionConfig {
	c.Symbols = append([]string(nil), c.Symbols...)
	c.Mode = mode
	return c
}

// WithSymbols 返回替换交易对后的副本
func (c SessionConfig) WithSymbols(symbols []string) SessionConfig {
	c.Symbols = append([]string(nil), symbols...)
	return c
}
