package model

import "time"

// Ticker 代表最小粒度的市场数据（成交或价格快照），由 websocket 连接器产生
type Ticker struct {
	Symbol       string  // 所属交易对，例如 "BTC/USDT"
	Timestamp    int64   // 毫秒时间戳
	Price        float64 // 价格
	Volume       float64 // 交易量 (0 表示价格快照)
	IsBuyerMaker bool    // 是否为 Maker 导致的成交 (用于判断方向)
}

// Candle 一根 OHLCV K 线，(symbol, timeframe, ts) 唯一，重复抓取时原地覆盖
type Candle struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"-"`
	Symbol    string    `gorm:"size:32;not null;uniqueIndex:idx_ohlcv_key,priority:1" json:"symbol"`
	Timeframe string    `gorm:"size:8;not null;uniqueIndex:idx_ohlcv_key,priority:2" json:"timeframe"`
	Timestamp int64     `gorm:"column:ts;not null;uniqueIndex:idx_ohlcv_key,priority:3" json:"timestamp"`
	Open      float64   `gorm:"column:open" json:"open"`
	High      float64   `gorm:"column:high" json:"high"`
	Low       float64   `gorm:"column:low" json:"low"`
	Close     float64   `gorm:"column:close" json:"close"`
	Volume    float64   `gorm:"column:volume" json:"volume"`
	CloseTime int64     `gorm:"column:close_time" json:"close_time"`
	CreatedAt time.Time `json:"created_at"`
}

func (Candle) TableName() string {
	return "ohlcv"
}

// TickerSnapshot 交易所 24h ticker 快照
type TickerSnapshot struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"-"`
	Symbol      string    `gorm:"size:32;not null;index:idx_ticker_symbol_ts,priority:1" json:"symbol"`
	Timestamp   int64     `gorm:"column:ts;not null;index:idx_ticker_symbol_ts,priority:2" json:"timestamp"`
	Bid         *float64  `json:"bid"`
	Ask         *float64  `json:"ask"`
	Last        *float64  `json:"last"`
	High        *float64  `json:"high"`
	Low         *float64  `json:"low"`
	Volume      *float64  `json:"volume"`
	QuoteVolume *float64  `json:"quote_volume"`
	Change      *float64  `gorm:"column:change_abs" json:"change"`
	Percentage  *float64  `json:"percentage"`
	CreatedAt   time.Time `json:"created_at"`
}

func (TickerSnapshot) TableName() string {
	return "tickers"
}

// ClosePoint 用于信号计算的 (时间戳, 收盘价)
type ClosePoint struct {
	Timestamp int64   `gorm:"column:ts" json:"timestamp"`
	Close     float64 `gorm:"column:close" json:"close"`
}

// Closes 提取收盘价序列，顺序保持不变
func Closes(points []ClosePoint) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.Close
	}
	return out
}
