package report

import (
	"bytes"
	"crypto-sma-trader/internal/ledger"
	"crypto-sma-trader/internal/model"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	MinLimit     = 1
	MaxLimit     = 1000
	DefaultLimit = 100

	requestIDKey = "request_id"

	CodeSuccess = 0
)

// Response 统一的 JSON 返回结构
type Response struct {
	RequestID string `json:"request_id"`
	Code      int    `json:"code"` // 0 表示成功，失败时为 http 状态码
	Message   string `json:"message"`
	Data      any    `json:"data"`
}

// Options 查询参数缺省时使用的值
type Options struct {
	Timeframe string
	SMAFast   int
	SMASlow   int
}

// Server 只读报表接口，不写账本
type Server struct {
	ledger *ledger.Ledger
	opts   Options
	logger *zap.Logger
}

func NewServer(l *ledger.Ledger, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeframe == "" {
		opts.Timeframe = "1m"
	}
	if opts.SMAFast <= 0 {
		opts.SMAFast = 20
	}
	if opts.SMASlow <= 0 {
		opts.SMASlow = 50
	}
	return &Server{ledger: l, opts: opts, logger: logger.Named("report")}
}

// Handler 构建 gin 引擎并注册全部路由
func (s *Server) Handler() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery(), requestID, s.accessLog)
	s.Load(g)
	return g
}

func (s *Server) Load(g *gin.Engine) {
	g.GET("/", s.index)
	g.GET("/ohlcv", s.ohlcv)
	g.GET("/tickers", s.tickers)
	g.GET("/orders", s.orders)
	g.GET("/fills", s.fills)
	g.GET("/positions", s.positions)
	g.GET("/closes", s.closes)
	g.GET("/chart", s.chart)
}

func requestID(c *gin.Context) {
	id := c.GetHeader("X-Request-Id")
	if id == "" {
		id = uuid.NewString()
	}
	c.Set(requestIDKey, id)
	c.Header("X-Request-Id", id)
	c.Next()
}

func (s *Server) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Info("request",
		zap.String(requestIDKey, c.GetString(requestIDKey)),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.String("query", c.Request.URL.RawQuery),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("cost", time.Since(start)))
}

// ClampLimit 非法或缺省值使用 fallback，结果限定在 [MinLimit, MaxLimit]
func ClampLimit(raw string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		n = fallback
	}
	return max(MinLimit, min(MaxLimit, n))
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{
		RequestID: c.GetString(requestIDKey),
		Code:      CodeSuccess,
		Message:   "ok",
		Data:      data,
	})
}

func fail(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, Response{
		RequestID: c.GetString(requestIDKey),
		Code:      status,
		Message:   err.Error(),
	})
}

// storageFail 存储错误对外只暴露概要信息
func (s *Server) storageFail(c *gin.Context, op string, err error) {
	s.logger.Error("report query failed", zap.String("op", op), zap.Error(err))
	fail(c, http.StatusInternalServerError, fmt.Errorf("%s failed", op))
}

func requireQuery(c *gin.Context, key string) (string, bool) {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		fail(c, http.StatusBadRequest, fmt.Errorf("query parameter %q is required", key))
		return "", false
	}
	return v, true
}

func queryMode(c *gin.Context) (model.Mode, bool) {
	raw := strings.TrimSpace(c.Query("mode"))
	if raw == "" {
		return "", true
	}
	mode, err := model.ParseMode(raw)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return "", false
	}
	return mode, true
}

func queryPositiveInt(c *gin.Context, key string, fallback int) (int, bool) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		fail(c, http.StatusBadRequest, fmt.Errorf("query parameter %q must be a positive integer", key))
		return 0, false
	}
	return n, true
}

func (s *Server) index(c *gin.Context) {
	ok(c, gin.H{
		"endpoints": []string{
			"/ohlcv?symbol=&timeframe=&limit=",
			"/tickers?symbol=&limit=",
			"/orders?mode=&symbol=&limit=",
			"/fills?mode=&symbol=&limit=",
			"/positions?mode=",
			"/closes?symbol=&timeframe=&n=",
			"/chart?symbol=&timeframe=&limit=&fast=&slow=",
		},
		"limit": gin.H{"min": MinLimit, "max": MaxLimit, "default": DefaultLimit},
	})
}

func (s *Server) ohlcv(c *gin.Context) {
	symbol, valid := requireQuery(c, "symbol")
	if !valid {
		return
	}
	timeframe := c.DefaultQuery("timeframe", s.opts.Timeframe)
	limit := ClampLimit(c.Query("limit"), DefaultLimit)
	candles, err := s.ledger.ListCandles(c.Request.Context(), symbol, timeframe, limit)
	if err != nil {
		s.storageFail(c, "ohlcv", err)
		return
	}
	ok(c, candles)
}

func (s *Server) tickers(c *gin.Context) {
	limit := ClampLimit(c.Query("limit"), DefaultLimit)
	rows, err := s.ledger.ListTickers(c.Request.Context(), strings.TrimSpace(c.Query("symbol")), limit)
	if err != nil {
		s.storageFail(c, "tickers", err)
		return
	}
	ok(c, rows)
}

func (s *Server) filter(c *gin.Context) (ledger.Filter, bool) {
	mode, valid := queryMode(c)
	if !valid {
		return ledger.Filter{}, false
	}
	return ledger.Filter{
		Mode:   mode,
		Symbol: strings.TrimSpace(c.Query("symbol")),
		Limit:  ClampLimit(c.Query("limit"), DefaultLimit),
	}, true
}

func (s *Server) orders(c *gin.Context) {
	f, valid := s.filter(c)
	if !valid {
		return
	}
	rows, err := s.ledger.ListOrders(c.Request.Context(), f)
	if err != nil {
		s.storageFail(c, "orders", err)
		return
	}
	ok(c, rows)
}

func (s *Server) fills(c *gin.Context) {
	f, valid := s.filter(c)
	if !valid {
		return
	}
	rows, err := s.ledger.ListFills(c.Request.Context(), f)
	if err != nil {
		s.storageFail(c, "fills", err)
		return
	}
	ok(c, rows)
}

func (s *Server) positions(c *gin.Context) {
	mode, valid := queryMode(c)
	if !valid {
		return
	}
	rows, err := s.ledger.ListPositions(c.Request.Context(), mode)
	if err != nil {
		s.storageFail(c, "positions", err)
		return
	}
	ok(c, rows)
}

func (s *Server) closes(c *gin.Context) {
	symbol, valid := requireQuery(c, "symbol")
	if !valid {
		return
	}
	timeframe := c.DefaultQuery("timeframe", s.opts.Timeframe)
	n := ClampLimit(c.Query("n"), s.opts.SMASlow)
	points, err := s.ledger.RecentCloses(c.Request.Context(), symbol, timeframe, n)
	if err != nil {
		s.storageFail(c, "closes", err)
		return
	}
	ok(c, points)
}

func (s *Server) chart(c *gin.Context) {
	symbol, valid := requireQuery(c, "symbol")
	if !valid {
		return
	}
	fast, valid := queryPositiveInt(c, "fast", s.opts.SMAFast)
	if !valid {
		return
	}
	slow, valid := queryPositiveInt(c, "slow", s.opts.SMASlow)
	if !valid {
		return
	}
	timeframe := c.DefaultQuery("timeframe", s.opts.Timeframe)
	limit := ClampLimit(c.Query("limit"), DefaultLimit*3)

	candles, err := s.ledger.ListCandles(c.Request.Context(), symbol, timeframe, limit)
	if err != nil {
		s.storageFail(c, "chart", err)
		return
	}
	// ListCandles 最新在前，图表需要升序
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}

	var buf bytes.Buffer
	err = RenderChart(&buf, ChartInput{Symbol: symbol, Timeframe: timeframe, Candles: candles, Fast: fast, Slow: slow})
	if errors.Is(err, ErrNoCandles) {
		fail(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.logger.Error("render chart failed", zap.String("symbol", symbol), zap.Error(err))
		fail(c, http.StatusInternalServerError, errors.New("render chart failed"))
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}
