package notify

import (
	"context"
	"crypto-sma-trader/internal/model"
	"crypto-sma-trader/internal/service"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher 成交事件发布接口，方便测试和替换
type Publisher interface {
	Publish(ctx context.Context, ev model.TradeEvent) error
	Close() error
}

// New 配置了 broker 时使用 kafka，否则只写日志
func New(cfg service.KafkaConfig, logger *zap.Logger) Publisher {
	if strings.TrimSpace(cfg.Broker) == "" {
		return NewLogPublisher(logger)
	}
	return NewKafkaPublisher(cfg, logger)
}

// LogPublisher 把事件写入日志
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger.Named("notify")}
}

func (p *LogPublisher) Publish(_ context.Context, ev model.TradeEvent) error {
	p.logger.Info("trade event",
		zap.String("mode", string(ev.Mode)),
		zap.String("venue", ev.Venue),
		zap.String("symbol", ev.Symbol),
		zap.String("side", string(ev.Side)),
		zap.String("reason", ev.Reason),
		zap.Float64("price", ev.Price),
		zap.Float64("amount", ev.Amount),
		zap.Float64("fee", ev.Fee),
		zap.Float64("base_qty", ev.BaseQty),
		zap.Float64("realized_pnl", ev.RealizedPnL))
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// messageWriter kafka.Writer 的子集
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher 以交易对为 key 写入 kafka，同一交易对的事件进入同一分区
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

func NewKafkaPublisher(cfg service.KafkaConfig, logger *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Broker),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaPublisher(writer, cfg.Topic, logger)
}

func newKafkaPublisher(w messageWriter, topic string, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{writer: w, topic: topic, logger: logger.Named("kafka")}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev model.TradeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(ev.Symbol),
		Value: payload,
		Time:  time.UnixMilli(ev.Timestamp),
		Headers: []kafka.Header{
			{Key: "mode", Value: []byte(ev.Mode)},
			{Key: "side", Value: []byte(ev.Side)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return err
	}
	p.logger.Debug("trade event published", zap.String("topic", p.topic), zap.String("symbol", ev.Symbol))
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
