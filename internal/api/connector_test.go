package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crypto-sma-trader/internal/model"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap/zaptest"
)

const tradesMsg = `{"arg":{"channel":"trades","instId":"BTC-USDT"},"data":[
{"instId":"BTC-USDT","tradeId":"1","px":"42000.5","sz":"0.01","side":"buy","ts":"1700000000001"},
{"instId":"BTC-USDT","tradeId":"2","px":"42001","sz":"0.02","side":"sell","ts":"1700000000002"}]}`

const tickersMsg = `{"arg":{"channel":"tickers","instId":"ETH-USDT"},"data":[{"instId":"ETH-USDT","last":"2200.1","ts":"1700000000003"}]}`

func TestInstID(t *testing.T) {
	assert.Equal(t, "BTC-USDT", InstID("BTC/USDT"))
	assert.Equal(t, "ETH-USDT", InstID(" eth/usdt "))
}

func TestParse(t *testing.T) {
	c := NewConnector("ws://unused", []string{"BTC/USDT", "ETH/USDT"}, zaptest.NewLogger(t))

	trades := c.parse([]byte(tradesMsg))
	require.Len(t, trades, 2)
	assert.Equal(t, model.Ticker{Symbol: "BTC/USDT", Timestamp: 1700000000001, Price: 42000.5, Volume: 0.01, IsBuyerMaker: false}, trades[0])
	assert.True(t, trades[1].IsBuyerMaker)

	tickers := c.parse([]byte(tickersMsg))
	require.Len(t, tickers, 1)
	assert.Equal(t, "ETH/USDT", tickers[0].Symbol)
	assert.Zero(t, tickers[0].Volume)

	assert.Empty(t, c.parse([]byte(`{"event":"subscribe","arg":{"channel":"trades","instId":"BTC-USDT"}}`)))
	assert.Empty(t, c.parse([]byte(`{"arg":{"channel":"trades","instId":"SOL-USDT"},"data":[{"px":"1","sz":"1","ts":"1"}]}`)))
	assert.Empty(t, c.parse([]byte("pong")))
	assert.Empty(t, c.parse([]byte("not json")))
}

func TestRunSubscribesAndStreams(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		subscribed <- string(msg)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"subscribe"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(tradesMsg))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := NewConnector(wsURL, []string{"BTC/USDT"}, zaptest.NewLogger(t))
	c.reconnectDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case msg := <-subscribed:
		assert.Equal(t, "subscribe", gjson.Get(msg, "op").String())
		assert.Equal(t, "BTC-USDT", gjson.Get(msg, "args.0.instId").String())
		assert.Len(t, gjson.Get(msg, "args").Array(), 2)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription received")
	}

	var got []model.Ticker
	for len(got) < 2 {
		select {
		case tk := <-c.Tickers():
			got = append(got, tk)
		case <-time.After(2 * time.Second):
			t.Fatal("tickers not streamed")
		}
	}
	assert.Equal(t, 42000.5, got[0].Price)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("connector did not stop")
	}
	_, open := <-c.Tickers()
	assert.False(t, open)
}
