package main

import (
	"context"
	"crypto-sma-trader/internal/api"
	"crypto-sma-trader/internal/data"
	"crypto-sma-trader/internal/exchange"
	"crypto-sma-trader/internal/ledger"
	"crypto-sma-trader/internal/service"
	"crypto-sma-trader/pkg/ta"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("collector", pflag.ExitOnError)
	configDir := flags.String("config", "config", "directory containing config.yaml")
	once := flags.Bool("once", false, "collect every symbol/timeframe once and exit")
	backfill := flags.Bool("backfill", false, "page through history starting at --since (or --hours ago) and exit")
	since := flags.String("since", "", "backfill start: unix ms, 2024-01-01 or RFC3339")
	hours := flags.Int("hours", 24, "backfill window when --since is empty")
	flags.Bool("collector.stream", false, "also aggregate candles from the websocket ticker stream")
	flags.StringSlice("collector.symbols", nil, "symbols to collect")
	flags.StringSlice("collector.timeframes", nil, "timeframes to collect, e.g. 1m,5m,1h")
	_ = flags.Parse(os.Args[1:])

	cfg, err := service.LoadConfig(*configDir, flags)
	if err != nil {
		return err
	}
	logger := service.InitLogger(cfg.Log)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l, err := ledger.Open(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer l.Close()

	venue, err := exchange.NewVenue(cfg.Exchange, logger)
	if err != nil {
		return err
	}
	collector := data.NewCollector(venue, l, cfg.Collector, logger)

	switch {
	case *backfill:
		from, err := backfillStart(*since, *hours)
		if err != nil {
			return err
		}
		return runBackfill(ctx, collector, cfg.Collector, from, logger)
	case *once:
		return collector.RunOnce(ctx, cfg.Collector.Timeframes)
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Collector.Stream {
		calc, err := ta.NewCalculator(cfg.Trader.SMAFast, cfg.Trader.SMASlow, logger)
		if err != nil {
			return err
		}
		collector.WithSignals(calc)
		connector := api.NewConnector(cfg.Exchange.WSURL, cfg.Collector.Symbols, logger)
		g.Go(func() error { return connector.Run(gctx) })
		g.Go(func() error { return collector.Stream(gctx, connector.Tickers()) })
	}
	g.Go(func() error { return collector.Run(gctx) })
	logger.Info("collector started",
		zap.Strings("symbols", cfg.Collector.Symbols),
		zap.Strings("timeframes", cfg.Collector.Timeframes),
		zap.Bool("stream", cfg.Collector.Stream))
	return g.Wait()
}

// backfillStart --since 优先，否则取 now - hours
func backfillStart(since string, hours int) (int64, error) {
	if since != "" {
		if ms, err := cast.ToInt64E(since); err == nil && ms > 0 {
			return ms, nil
		}
		t, err := cast.ToTimeE(since)
		if err != nil {
			return 0, fmt.Errorf("invalid --since %q: %w", since, err)
		}
		return t.UnixMilli(), nil
	}
	if hours <= 0 {
		return 0, fmt.Errorf("--hours must be positive, got %d", hours)
	}
	return time.Now().Add(-time.Duration(hours) * time.Hour).UnixMilli(), nil
}

func runBackfill(ctx context.Context, c *data.Collector, cfg service.CollectorConfig, from int64, logger *zap.Logger) error {
	var errs error
	for _, symbol := range cfg.Symbols {
		for _, tf := range cfg.Timeframes {
			if ctx.Err() != nil {
				return multierr.Append(errs, ctx.Err())
			}
			res, err := c.Backfill(ctx, symbol, tf, from)
			if err != nil {
				logger.Error("backfill failed", zap.String("symbol", symbol), zap.String("timeframe", tf), zap.Error(err))
				errs = multierr.Append(errs, fmt.Errorf("%s %s: %w", symbol, tf, err))
				continue
			}
			logger.Info("backfill done",
				zap.String("symbol", symbol),
				zap.String("timeframe", tf),
				zap.Int("pages", res.Pages),
				zap.Int("inserted", res.Inserted),
				zap.Int("updated", res.Updated))
		}
	}
	return errs
}
