package ta

import (
	"crypto-sma-trader/internal/model"
	"fmt"
	"sync"

	"github.com/markcheno/go-talib"
	"go.uber.org/zap"
)

// Signal 一次均线计算的结果
type Signal struct {
	FastSMA      float64
	SlowSMA      float64
	ShouldBeLong bool // 快线严格大于慢线
}

// ValidateWindows 窗口必须为正且 fast < slow
func ValidateWindows(fast, slow int) error {
	if fast <= 0 || slow <= 0 {
		return fmt.Errorf("%w: sma windows must be > 0 (fast=%d slow=%d)", model.ErrConfig, fast, slow)
	}
	if fast >= slow {
		return fmt.Errorf("%w: sma fast %d must be < slow %d", model.ErrConfig, fast, slow)
	}
	return nil
}

// ComputeSignal 用最后 fast / slow 个收盘价计算简单均线。
// closes 按时间升序；窗口非法返回 ErrConfig，长度不足慢线窗口返回 ErrInsufficientData。
func ComputeSignal(closes []float64, fast, slow int) (Signal, error) {
	if err := ValidateWindows(fast, slow); err != nil {
		return Signal{}, err
	}
	if len(closes) < slow {
		return Signal{}, fmt.Errorf("%w: need %d closes, got %d", model.ErrInsufficientData, slow, len(closes))
	}

	fastSMA := windowMean(closes, fast)
	slowSMA := windowMean(closes, slow)
	return Signal{
		FastSMA:      fastSMA,
		SlowSMA:      slowSMA,
		ShouldBeLong: fastSMA > slowSMA,
	}, nil
}

// windowMean 只把最后 period 个值交给 talib，结果是一次顺序求和再相除。
// 更长的输入会走滚动加减，累积误差可能让相等的均值比较出大小。
func windowMean(closes []float64, period int) float64 {
	series := talib.Sma(closes[len(closes)-period:], period)
	return series[len(series)-1]
}

// series 单个 (symbol, interval) 的收盘价历史
type series struct {
	closes   []float64
	lastTime int64
}

// Calculator 为实时 K 线流维护收盘价历史，每根完成的 K 线触发一次均线计算
type Calculator struct {
	mu      sync.RWMutex
	history map[string]*series // key: symbol|interval
	fast    int
	slow    int
	maxLen  int
	logger  *zap.Logger
}

func NewCalculator(fast, slow int, logger *zap.Logger) (*Calculator, error) {
	if err := ValidateWindows(fast, slow); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calculator{
		history: make(map[string]*series),
		fast:    fast,
		slow:    slow,
		maxLen:  slow * 4,
		logger:  logger.Named("ta"),
	}, nil
}

// Update 追加一根完成的 K 线并重新计算；同一开盘时间重复推送时覆盖最后一个收盘价。
// 历史不足慢线窗口时 ok 为 false。
func (c *Calculator) Update(symbol, interval string, openTime int64, closePrice float64) (Signal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := symbol + "|" + interval
	s, exists := c.history[key]
	if !exists {
		s = &series{closes: make([]float64, 0, c.maxLen)}
		c.history[key] = s
		c.logger.Debug("initialized close history", zap.String("symbol", symbol), zap.String("interval", interval))
	}

	switch {
	case len(s.closes) > 0 && openTime == s.lastTime:
		s.closes[len(s.closes)-1] = closePrice
	case len(s.closes) > 0 && openTime < s.lastTime:
		// 乱序 K 线直接丢弃
		return Signal{}, false
	default:
		s.closes = append(s.closes, closePrice)
		s.lastTime = openTime
	}
	if len(s.closes) > c.maxLen {
		s.closes = append(s.closes[:0], s.closes[len(s.closes)-c.maxLen:]...)
	}

	sig, err := ComputeSignal(s.closes, c.fast, c.slow)
	if err != nil {
		c.logger.Debug("not enough history for signal",
			zap.String("symbol", symbol), zap.String("interval", interval), zap.Int("len", len(s.closes)))
		return Signal{}, false
	}
	return sig, true
}

// Closes 返回历史收盘价的副本
func (c *Calculator) Closes(symbol, interval string) []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.history[symbol+"|"+interval]
	if !ok {
		return nil
	}
	return append([]float64(nil), s.closes...)
}
