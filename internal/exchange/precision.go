package exchange

import (
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

// MarketRules 交易对精度规则
type MarketRules struct {
	Symbol     string
	AmountStep float64
	PriceTick  float64
	MinAmount  float64
}

// RoundDown 向下取整到 step 的整数倍，step <= 0 时原样返回
func RoundDown(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	return v.Div(s).Floor().Mul(s).InexactFloat64()
}

// RoundAmount 数量向下取整，低于最小下单量时返回 0
func (r MarketRules) RoundAmount(amount float64) float64 {
	rounded := RoundDown(amount, r.AmountStep)
	if rounded < r.MinAmount {
		return 0
	}
	return rounded
}

func (r MarketRules) RoundPrice(price float64) float64 {
	return RoundDown(price, r.PriceTick)
}

// parseStep 解析交易所返回的步长字符串，如 "0.00001000"
func parseStep(s string) float64 {
	v, err := cast.ToFloat64E(s)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// formatAmount 按步长格式化为下单字符串
func formatAmount(value, step float64) string {
	d := decimal.NewFromFloat(value)
	if step > 0 {
		places := -decimal.NewFromFloat(step).Exponent()
		if places < 0 {
			places = 0
		}
		return d.StringFixed(places)
	}
	return d.String()
}
