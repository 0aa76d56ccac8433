package exchange

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Backoff 读接口的指数退避参数
type Backoff struct {
	Base       time.Duration
	Cap        time.Duration
	MaxRetries int
}

// DefaultBackoff base 1s，上限 60s
func DefaultBackoff(maxRetries int) Backoff {
	return Backoff{Base: time.Second, Cap: time.Minute, MaxRetries: maxRetries}
}

// Delay 第 attempt 次重试前的等待时间 (attempt 从 0 开始)
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Cap {
			return b.Cap
		}
	}
	return min(d, b.Cap)
}

// retry 执行 fn，遇到 transient 错误按退避重试；fatal 错误立即返回
func retry[T any](ctx context.Context, b Backoff, logger *zap.Logger, op string, fn func() (T, error)) (T, error) {
	var (
		out T
		err error
	)
	for attempt := 0; ; attempt++ {
		out, err = fn()
		if err == nil || !IsTransient(err) || attempt >= b.MaxRetries {
			return out, err
		}
		delay := b.Delay(attempt)
		logger.Warn("venue read failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(delay):
		}
	}
}
