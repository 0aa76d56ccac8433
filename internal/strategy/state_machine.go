package strategy

import (
	"sync"

	"go.uber.org/zap"
)

// Transition 期望状态与实际状态的转换表：
// 期望多头而空仓 -> 买入；期望空仓而持有多头 -> 全部卖出；其余不操作。
func Transition(desired, actual Direction) ActionType {
	switch {
	case desired == DirLong && actual == DirFlat:
		return ActionBuy
	case desired == DirFlat && actual == DirLong:
		return ActionSellAll
	}
	return ActionNone
}

// DesiredDirection 信号为多头时期望持仓
func DesiredDirection(shouldBeLong bool) Direction {
	if shouldBeLong {
		return DirLong
	}
	return DirFlat
}

// StateMachine 记录每个交易对最近一次的期望方向，只用于切换日志与报表，不参与决策
type StateMachine struct {
	mu      sync.RWMutex
	desired map[string]Direction
	logger  *zap.Logger
}

func NewStateMachine(logger *zap.Logger) *StateMachine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateMachine{desired: make(map[string]Direction), logger: logger}
}

// Observe 记录新的期望方向，方向变化时返回 true
func (sm *StateMachine) Observe(symbol string, dir Direction) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	prev, ok := sm.desired[symbol]
	sm.desired[symbol] = dir
	if ok && prev == dir {
		return false
	}
	from := "INITIALIZING"
	if ok {
		from = string(prev)
	}
	sm.logger.Info("desired state transition",
		zap.String("symbol", symbol),
		zap.String("from", from),
		zap.String("to", string(dir)))
	return true
}

// Current 查询最近一次的期望方向
func (sm *StateMachine) Current(symbol string) (Direction, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	dir, ok := sm.desired[symbol]
	return dir, ok
}
