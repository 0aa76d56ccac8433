package api

import (
	"context"
	"crypto-sma-trader/internal/model"
	"crypto-sma-trader/internal/service"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	defaultReconnectDelay = 5 * time.Second
	// okx 30 秒内没有数据会断开连接
	defaultPingInterval = 20 * time.Second
)

// InstID "BTC/USDT" -> "BTC-USDT"
func InstID(symbol string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(symbol)), "/", "-")
}

// Connector 订阅 okx v5 公共频道 (trades + tickers)，把成交和价格快照转换为 model.Ticker
type Connector struct {
	wsURL          string
	instToSymbol   map[string]string // InstID -> Symbol
	tickerChannel  chan model.Ticker
	dialer         *websocket.Dialer
	reconnectDelay time.Duration
	pingInterval   time.Duration
	logger         *zap.Logger
	closeOnce      sync.Once
}

func NewConnector(wsURL string, symbols []string, logger *zap.Logger) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}
	instToSymbol := make(map[string]string, len(symbols))
	for _, symbol := range symbols {
		instToSymbol[InstID(symbol)] = symbol
	}
	logger = logger.Named("connector")
	logger.Info("connector initialized", zap.Strings("symbols", symbols), zap.String("url", wsURL))

	return &Connector{
		wsURL:          wsURL,
		instToSymbol:   instToSymbol,
		tickerChannel:  make(chan model.Ticker, 2048),
		dialer:         websocket.DefaultDialer,
		reconnectDelay: defaultReconnectDelay,
		pingInterval:   defaultPingInterval,
		logger:         logger,
	}
}

// Tickers 输出通道，Run 退出后关闭
func (c *Connector) Tickers() <-chan model.Ticker {
	return c.tickerChannel
}

// Run 保持连接直到 ctx 取消，断线后等待 reconnectDelay 重连
func (c *Connector) Run(ctx context.Context) error {
	defer c.closeOnce.Do(func() { close(c.tickerChannel) })
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Error("ws session ended, reconnecting", zap.Error(err), zap.Duration("delay", c.reconnectDelay))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Connector) subscribeMessage() map[string]any {
	args := make([]map[string]string, 0, len(c.instToSymbol)*2)
	for instID := range c.instToSymbol {
		args = append(args,
			map[string]string{"channel": "trades", "instId": instID},
			map[string]string{"channel": "tickers", "instId": instID})
	}
	return map[string]any{"op": "subscribe", "args": args}
}

func (c *Connector) session(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.WriteJSON(c.subscribeMessage()); err != nil {
		return err
	}
	c.logger.Info("subscribed to trades and tickers", zap.Int("instruments", len(c.instToSymbol)))

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				// 关闭连接使 ReadMessage 返回
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
					c.logger.Warn("ws ping failed", zap.Error(err))
					return
				}
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		for _, t := range c.parse(message) {
			select {
			case c.tickerChannel <- t:
			default:
				c.logger.Warn("ticker channel full, dropping", zap.String("symbol", t.Symbol), zap.Int64("ts", t.Timestamp))
			}
		}
	}
}

// parse 解析一条推送消息，事件消息、pong 和未订阅的交易对返回空
func (c *Connector) parse(message []byte) []model.Ticker {
	if string(message) == "pong" || !gjson.ValidBytes(message) {
		return nil
	}
	root := gjson.ParseBytes(message)
	if event := root.Get("event").String(); event != "" {
		if event == "error" {
			c.logger.Error("ws error event", zap.String("code", root.Get("code").String()), zap.String("msg", root.Get("msg").String()))
		}
		return nil
	}
	symbol, ok := c.instToSymbol[root.Get("arg.instId").String()]
	if !ok {
		return nil
	}

	var out []model.Ticker
	switch root.Get("arg.channel").String() {
	case "trades":
		for _, trade := range root.Get("data").Array() {
			price, err := service.StringToFloat(trade.Get("px").String())
			if err != nil || price <= 0 {
				continue
			}
			volume, err := service.StringToFloat(trade.Get("sz").String())
			if err != nil {
				continue
			}
			ts, err := service.StringToInt64(trade.Get("ts").String())
			if err != nil {
				continue
			}
			out = append(out, model.Ticker{
				Symbol:    symbol,
				Timestamp: ts,
				Price:     price,
				Volume:    volume,
				// side=buy 表示主动买入，否则为主动卖出
				IsBuyerMaker: trade.Get("side").String() != "buy",
			})
		}
	case "tickers":
		// 只取最新快照，volume=0 表示价格快照
		data := root.Get("data.0")
		if !data.Exists() {
			return nil
		}
		price, err := service.StringToFloat(data.Get("last").String())
		if err != nil || price <= 0 {
			return nil
		}
		ts, _ := service.StringToInt64(data.Get("ts").String())
		out = append(out, model.Ticker{Symbol: symbol, Timestamp: ts, Price: price})
	}
	return out
}
