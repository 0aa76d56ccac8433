package exchange

import (
	"crypto-sma-trader/internal/model"
	"crypto-sma-trader/internal/service"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// NewVenue 按配置创建交易所实现
func NewVenue(cfg service.ExchangeConfig, logger *zap.Logger) (Venue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Name)) {
	case binanceName:
		return NewBinanceVenue(cfg, logger), nil
	case okxName:
		return NewOkxVenue(cfg, logger), nil
	}
	return nil, fmt.Errorf("%w: unsupported exchange %q", model.ErrConfig, cfg.Name)
}
