package main

import (
	"context"
	"crypto-sma-trader/internal/ledger"
	"crypto-sma-trader/internal/report"
	"crypto-sma-trader/internal/service"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("plot", pflag.ExitOnError)
	configDir := flags.String("config", "config", "directory containing config.yaml")
	symbol := flags.String("symbol", "", "symbol to plot, empty plots every configured symbol")
	hours := flags.Int("hours", 24, "how many hours of candles to plot")
	out := flags.String("out", "plots", "output directory")
	flags.String("trader.timeframe", "", "candle timeframe")
	_ = flags.Parse(os.Args[1:])

	cfg, err := service.LoadConfig(*configDir, flags)
	if err != nil {
		return err
	}
	logger := service.InitLogger(cfg.Log)
	defer logger.Sync()

	if *hours <= 0 {
		return fmt.Errorf("--hours must be positive, got %d", *hours)
	}
	symbols := cfg.Trader.Symbols
	if *symbol != "" {
		symbols = []string{*symbol}
	}
	if err := os.MkdirAll(*out, 0o755); err != nil {
		return err
	}

	l, err := ledger.Open(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer l.Close()

	ctx := context.Background()
	from := time.Now().Add(-time.Duration(*hours) * time.Hour).UnixMilli()
	tf := cfg.Trader.Timeframe

	var errs error
	for _, s := range symbols {
		path, err := plot(ctx, l, s, tf, from, cfg.Trader, *out)
		if errors.Is(err, report.ErrNoCandles) {
			logger.Warn("no candles to plot", zap.String("symbol", s), zap.String("timeframe", tf))
			continue
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", s, err))
			continue
		}
		logger.Info("chart written", zap.String("symbol", s), zap.String("path", path))
	}
	return errs
}

// ChartFileName BTC/USDT + 1m -> BTC_USDT_1m.html
func ChartFileName(symbol, timeframe string) string {
	return strings.ReplaceAll(symbol, "/", "_") + "_" + timeframe + ".html"
}

func plot(ctx context.Context, l *ledger.Ledger, symbol, tf string, from int64, tc service.TraderConfig, dir string) (string, error) {
	candles, err := l.CandlesBetween(ctx, symbol, tf, from, 0)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, ChartFileName(symbol, tf))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	err = report.RenderChart(f, report.ChartInput{
		Symbol:    symbol,
		Timeframe: tf,
		Candles:   candles,
		Fast:      tc.SMAFast,
		Slow:      tc.SMASlow,
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}
