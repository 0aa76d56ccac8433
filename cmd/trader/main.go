package main

import (
	"context"
	"crypto-sma-trader/internal/exchange"
	"crypto-sma-trader/internal/ledger"
	"crypto-sma-trader/internal/notify"
	"crypto-sma-trader/internal/service"
	"crypto-sma-trader/internal/trader"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("trader", pflag.ExitOnError)
	configDir := flags.String("config", "config", "directory containing config.yaml")
	once := flags.Bool("once", false, "run a single reconcile cycle and exit")
	flags.String("trader.mode", "", "paper | live")
	flags.String("trader.live-confirm", "", "must be LIVE to place real orders")
	flags.StringSlice("trader.symbols", nil, "symbols to trade, e.g. BTC/USDT,ETH/USDT")
	flags.String("trader.timeframe", "", "candle timeframe used for signals")
	flags.Duration("trader.interval", 0, "delay between reconcile cycles")
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
	sessCfg, err := cfg.Trader.SessionConfig(venue.Name())
	if err != nil {
		return err
	}

	pub := notify.New(cfg.Kafka, logger)
	defer pub.Close()

	session, err := trader.NewTradingSession(sessCfg, trader.Deps{
		Ledger:    l,
		Venue:     venue,
		Publisher: pub,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	lock := trader.NewRunLock(cfg.Redis, session.Mode(), venue.Name(), logger)
	if err := lock.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			logger.Warn("release run lock failed", zap.Error(err))
		}
	}()

	if *once {
		if err := session.ValidateSymbols(ctx); err != nil {
			return err
		}
		report := session.RunOnce(ctx)
		for _, res := range report.Results {
			logger.Info("result",
				zap.String("symbol", res.Symbol),
				zap.String("status", string(res.Status)),
				zap.String("decision", res.Decision.String()))
		}
		if report.Count(trader.StatusFailed) > 0 {
			return errors.New("one or more symbols failed")
		}
		return nil
	}

	if err := session.Start(ctx); err != nil {
		return err
	}
	err = session.Wait()
	logger.Info("trader stopped", zap.String("mode", string(session.Mode())), zap.Error(err))
	return err
}
