package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
)

func StringToFloat(s string) (float64, error) {
	return cast.ToFloat64E(strings.TrimSpace(s))
}

func StringToInt64(s string) (int64, error) {
	return cast.ToInt64E(strings.TrimSpace(s))
}

// 将 time.Duration  原(1h0m0s或者1m0s)格式化为标准的 K 线周期字符串，如 "1m", "5m", "1h"
func FormatInterval(d time.Duration) string {
	const day = 24 * time.Hour
	if d >= 7*day && d%(7*day) == 0 {
		return fmt.Sprintf("%dw", d/(7*day))
	}
	if d >= day && d%day == 0 {
		return fmt.Sprintf("%dd", d/day)
	}
	if d >= time.Hour && d%time.Hour == 0 {
		return fmt.Sprintf("%dh", d/time.Hour)
	}
	if d >= time.Minute && d%time.Minute == 0 {
		return fmt.Sprintf("%dm", d/time.Minute)
	}
	if d >= time.Second && d%time.Second == 0 {
		return fmt.Sprintf("%ds", d/time.Second)
	}
	return d.String()
}

// 将 K 线周期字符串解析为 time.Duration
// 例如 "1m" -> 1*time.Minute, "1w" -> 7*24*time.Hour
func ParseIntervalDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid interval format: %q", s)
	}

	unit := s[len(s)-1:]
	valueStr := s[:len(s)-1]

	var unitDuration time.Duration
	switch unit {
	case "m":
		unitDuration = time.Minute
	case "h":
		unitDuration = time.Hour
	case "d":
		unitDuration = 24 * time.Hour
	case "w":
		unitDuration = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("unsupported interval unit: %s", unit)
	}

	value, err := cast.ToIntE(valueStr)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("invalid interval value: %s", valueStr)
	}

	return time.Duration(value) * unitDuration, nil
}

// TimeframeToMillis K 线周期对应的毫秒数
func TimeframeToMillis(tf string) (int64, error) {
	d, err := ParseIntervalDuration(tf)
	if err != nil {
		return 0, err
	}
	return d.Milliseconds(), nil
}

// BaseAsset "BTC/USDT" -> "BTC"
func BaseAsset(symbol string) string {
	return strings.TrimSpace(strings.Split(symbol, "/")[0])
}

// QuoteAsset "BTC/USDT" -> "USDT"，没有分隔符时默认 USDT
func QuoteAsset(symbol string) string {
	parts := strings.Split(symbol, "/")
	if len(parts) > 1 {
		return strings.TrimSpace(parts[1])
	}
	return "USDT"
}
