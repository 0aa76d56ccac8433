package main

import (
	"context"
	"crypto-sma-trader/internal/ledger"
	"crypto-sma-trader/internal/report"
	"crypto-sma-trader/internal/service"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
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
	flags := pflag.NewFlagSet("api", pflag.ExitOnError)
	configDir := flags.String("config", "config", "directory containing config.yaml")
	flags.String("api.listen", "", "listen address, e.g. :5000")
	_ = flags.Parse(os.Args[1:])

	cfg, err := service.LoadConfig(*configDir, flags)
	if err != nil {
		return err
	}
	logger := service.InitLogger(cfg.Log)
	defer logger.Sync()

	l, err := ledger.Open(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer l.Close()

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr: cfg.API.Listen,
		Handler: report.NewServer(l, report.Options{
			Timeframe: cfg.Trader.Timeframe,
			SMAFast:   cfg.Trader.SMAFast,
			SMASlow:   cfg.Trader.SMASlow,
		}, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("report api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
