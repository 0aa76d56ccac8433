package ledger

import (
	"context"
	"crypto-sma-trader/internal/model"
	"crypto-sma-trader/internal/service"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Ledger 持有订单、成交、持仓与 K 线的持久化表示，并保证记账不变量。
// 所有写操作要么整体提交要么整体回滚。
type Ledger struct {
	db     *gorm.DB
	ids    *snowflake.Node
	logger *zap.Logger
	inTx   bool
}

var memSeq atomic.Int64

// SQLiteDSN WAL + busy_timeout，允许报表进程并发读
func SQLiteDSN(path string) string {
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", path)
}

// Open 按配置打开 sqlite 或 mysql 并完成表迁移
func Open(cfg service.DatabaseConfig, log *zap.Logger) (*Ledger, error) {
	var dialector gorm.Dialector
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite":
		path := strings.TrimSpace(cfg.Path)
		if path == "" {
			return nil, fmt.Errorf("%w: database path cannot be empty", model.ErrConfig)
		}
		if path == ":memory:" {
			return OpenInMemory(log)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, model.NewStorageError("mkdir", err)
		}
		dialector = sqlite.Open(SQLiteDSN(path))
	case "mysql":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("%w: mysql dsn cannot be empty", model.ErrConfig)
		}
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: unsupported database driver %q", model.ErrConfig, cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, model.NewStorageError("open", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, model.NewStorageError("open", err)
	}
	if driver == "mysql" {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		// sqlite 单写者
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db, log)
}

// OpenInMemory 独立的内存 sqlite，测试和一次性回放使用
func OpenInMemory(log *zap.Logger) (*Ledger, error) {
	dsn := fmt.Sprintf("file:mem-%d?mode=memory&cache=shared", memSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, model.NewStorageError("open", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, model.NewStorageError("open", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return New(db, log)
}

// New 包装已有连接并迁移表结构，测试使用内存 sqlite
func New(db *gorm.DB, log *zap.Logger) (*Ledger, error) {
	if db == nil {
		return nil, errors.New("gorm db cannot be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if err := db.AutoMigrate(
		&model.Candle{},
		&model.TickerSnapshot{},
		&model.Order{},
		&model.Fill{},
		&model.Position{},
	); err != nil {
		return nil, model.NewStorageError("migrate", err)
	}
	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, err
	}
	return &Ledger{db: db, ids: node, logger: log.Named("ledger")}, nil
}

// DB 暴露底层连接，仅供只读报表与校验工具使用
func (l *Ledger) DB() *gorm.DB {
	return l.db
}

func (l *Ledger) Close() error {
	if l.inTx {
		return nil
	}
	sqlDB, err := l.db.DB()
	if err != nil {
		return model.NewStorageError("close", err)
	}
	return model.NewStorageError("close", sqlDB.Close())
}

// Transact 在同一个事务中执行 fn，fn 中必须使用传入的 tx 而不是外层 Ledger。
// 已经处于事务中时直接复用当前事务。
func (l *Ledger) Transact(ctx context.Context, fn func(tx *Ledger) error) (err error) {
	if l.inTx {
		return fn(l)
	}
	tx := l.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return model.NewStorageError("begin", tx.Error)
	}
	txLedger := &Ledger{db: tx, ids: l.ids, logger: l.logger, inTx: true}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err = fn(txLedger); err != nil {
		if rbErr := tx.Rollback().Error; rbErr != nil {
			err = multierr.Append(err, model.NewStorageError("rollback", rbErr))
		}
		return err
	}
	if cmErr := tx.Commit().Error; cmErr != nil {
		return model.NewStorageError("commit", cmErr)
	}
	return nil
}

func (l *Ledger) nextLocalID() string {
	return l.ids.Generate().String()
}
