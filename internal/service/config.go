package service

import (
	"crypto-sma-trader/internal/model"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config 是所有二进制共享的配置根
type Config struct {
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Trader    TraderConfig    `mapstructure:"trader"`
	Collector CollectorConfig `mapstructure:"collector"`
	API       APIConfig       `mapstructure:"api"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
}

// ExchangeConfig 定义了交易所的连接信息
type ExchangeConfig struct {
	Name       string        `mapstructure:"name"` // binance | okx
	APIKey     string        `mapstructure:"api-key"`
	SecretKey  string        `mapstructure:"secret-key"`
	Passphrase string        `mapstructure:"passphrase"` // Okx 独有
	Sandbox    bool          `mapstructure:"sandbox"`
	WSURL      string        `mapstructure:"ws-url"`
	MaxRetries int           `mapstructure:"max-retries"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig 账本存储
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // sqlite | mysql
	Path         string `mapstructure:"path"`   // sqlite 文件路径
	DSN          string `mapstructure:"dsn"`    // mysql dsn
	MaxOpenConns int    `mapstructure:"max-open-conns"`
	MaxIdleConns int    `mapstructure:"max-idle-conns"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	FileName   string `mapstructure:"file-name"`
	MaxSize    int    `mapstructure:"max-size"`
	MaxBackups int    `mapstructure:"max-backups"`
	MaxAge     int    `mapstructure:"max-age"`
	Compress   bool   `mapstructure:"compress"`
	LocalTime  bool   `mapstructure:"local-time"`
	Console    bool   `mapstructure:"console"`
}

// TraderConfig 交易循环的原始配置，启动时转换为不可变的 SessionConfig
type TraderConfig struct {
	Mode               string        `mapstructure:"mode"` // paper | live
	Symbols            []string      `mapstructure:"symbols"`
	Timeframe          string        `mapstructure:"timeframe"`
	OrderType          string        `mapstructure:"order-type"` // market | limit
	FixedQuoteAmount   float64       `mapstructure:"fixed-quote-amount"`
	SMAFast            int           `mapstructure:"sma-fast"`
	SMASlow            int           `mapstructure:"sma-slow"`
	Interval           time.Duration `mapstructure:"interval"`
	PaperFeeRate       float64       `mapstructure:"paper-fee-rate"`
	MinNotional        float64       `mapstructure:"min-notional"`
	PublicOnly         bool          `mapstructure:"public-only"`
	EnableLiveTrading  bool          `mapstructure:"enable-live-trading"`
	LiveConfirm        string        `mapstructure:"live-confirm"`
	MaxStorageFailures int           `mapstructure:"max-storage-failures"`
}

type CollectorConfig struct {
	Symbols     []string      `mapstructure:"symbols"`
	Timeframes  []string      `mapstructure:"timeframes"`
	Interval    time.Duration `mapstructure:"interval"` // 0 表示按周期自身长度调度
	BatchLimit  int           `mapstructure:"batch-limit"`
	Concurrency int           `mapstructure:"concurrency"`
	Stream      bool          `mapstructure:"stream"`
}

type APIConfig struct {
	Listen string `mapstructure:"listen"`
}

type KafkaConfig struct {
	Broker string `mapstructure:"broker"`
	Topic  string `mapstructure:"topic"`
}

// RedisConfig 仅用于交易进程的单实例锁
type RedisConfig struct {
	Addr     string        `mapstructure:"address"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock-ttl"`
}

// GlobalConfig 存储加载后的全局配置
var GlobalConfig Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange.name", "binance")
	v.SetDefault("exchange.ws-url", "wss://ws.okx.com:8443/ws/v5/public")
	v.SetDefault("exchange.max-retries", 3)
	v.SetDefault("exchange.timeout", 10*time.Second)
	v.SetDefault("exchange.api-key", "")
	v.SetDefault("exchange.secret-key", "")
	v.SetDefault("exchange.passphrase", "")
	v.SetDefault("exchange.sandbox", false)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "db/marketdata.sqlite")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max-open-conns", 10)
	v.SetDefault("database.max-idle-conns", 5)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file-name", "")
	v.SetDefault("log.compress", false)
	v.SetDefault("log.local-time", true)
	v.SetDefault("log.max-size", 100)
	v.SetDefault("log.max-backups", 7)
	v.SetDefault("log.max-age", 30)
	v.SetDefault("log.console", true)

	v.SetDefault("trader.mode", "paper")
	v.SetDefault("trader.symbols", []string{"BTC/USDT", "ETH/USDT"})
	v.SetDefault("trader.timeframe", "1m")
	v.SetDefault("trader.order-type", "market")
	v.SetDefault("trader.fixed-quote-amount", 25.0)
	v.SetDefault("trader.sma-fast", 5)
	v.SetDefault("trader.sma-slow", 20)
	v.SetDefault("trader.interval", 60*time.Second)
	v.SetDefault("trader.paper-fee-rate", 0.001)
	v.SetDefault("trader.min-notional", 10.0)
	v.SetDefault("trader.public-only", true)
	v.SetDefault("trader.enable-live-trading", false)
	v.SetDefault("trader.live-confirm", "")
	v.SetDefault("trader.max-storage-failures", 3)

	v.SetDefault("collector.symbols", []string{"BTC/USDT", "ETH/USDT"})
	v.SetDefault("collector.timeframes", []string{"1m"})
	v.SetDefault("collector.batch-limit", 500)
	v.SetDefault("collector.concurrency", 4)
	v.SetDefault("collector.interval", time.Duration(0))
	v.SetDefault("collector.stream", false)

	v.SetDefault("api.listen", ":5000")
	v.SetDefault("kafka.broker", "")
	v.SetDefault("kafka.topic", "tradebot_trades")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock-ttl", 30*time.Second)
}

// LoadConfig 读取 configPath 下的 config.yaml，环境变量 TRADEBOT_* 与命令行参数覆盖文件中的值。
// 配置文件不存在时只使用默认值。
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.SetEnvPrefix("TRADEBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: read config: %v", model.ErrConfig, err)
		}
	}
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("%w: bind flags: %v", model.ErrConfig, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decode config: %v", model.ErrConfig, err)
	}
	// 环境变量中的列表以逗号分隔，例如 TRADEBOT_TRADER_SYMBOLS="BTC/USDT,ETH/USDT"
	cfg.Trader.Symbols = ParseList(cast.ToStringSlice(v.Get("trader.symbols")))
	cfg.Collector.Symbols = ParseList(cast.ToStringSlice(v.Get("collector.symbols")))
	cfg.Collector.Timeframes = ParseList(cast.ToStringSlice(v.Get("collector.timeframes")))

	GlobalConfig = cfg
	return &cfg, nil
}

// ParseList 展开逗号分隔的元素并去掉空白项
func ParseList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
