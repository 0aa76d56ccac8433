package trader

import (
	"context"
	"crypto-sma-trader/internal/model"
	"crypto-sma-trader/internal/service"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLockHeld 同一 mode/venue 已有交易进程在运行
var ErrLockHeld = errors.New("run lock held by another process")

// RunLock 保证同一 mode/venue 只有一个交易进程写账本
type RunLock interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}

// NewRunLock 未配置 redis 时返回空实现
func NewRunLock(cfg service.RedisConfig, mode model.Mode, venue string, logger *zap.Logger) RunLock {
	if strings.TrimSpace(cfg.Addr) == "" {
		return noopLock{}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newRedisLock(client, LockKey(mode, venue), cfg.LockTTL, logger)
}

// LockKey tradebot:lock:<mode>:<venue>
func LockKey(mode model.Mode, venue string) string {
	return fmt.Sprintf("tradebot:lock:%s:%s", mode, venue)
}

type noopLock struct{}

func (noopLock) Acquire(context.Context) error { return nil }
func (noopLock) Release(context.Context) error { return nil }

// 只有持有者 token 匹配时才续期或删除
var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

type redisLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newRedisLock(client *redis.Client, key string, ttl time.Duration, logger *zap.Logger) *redisLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &redisLock{
		client: client,
		key:    key,
		token:  uuid.NewString(),
		ttl:    ttl,
		logger: logger.Named("runlock").With(zap.String("key", key)),
	}
}

// Acquire SET NX PX，成功后每 ttl/3 续期一次
func (l *redisLock) Acquire(ctx context.Context) error {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLockHeld, l.key)
	}

	refreshCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.mu.Lock()
	l.cancel = cancel
	l.done = make(chan struct{})
	done := l.done
	l.mu.Unlock()

	go l.refresh(refreshCtx, done)
	l.logger.Info("run lock acquired", zap.Duration("ttl", l.ttl))
	return nil
}

func (l *redisLock) refresh(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
			if err != nil {
				l.logger.Warn("run lock refresh failed", zap.Error(err))
				continue
			}
			if n == 0 {
				l.logger.Error("run lock lost")
				return
			}
		}
	}
}

// Release 停止续期并删除自己持有的锁
func (l *redisLock) Release(ctx context.Context) error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	l.logger.Info("run lock released")
	return l.client.Close()
}
