package main

import (
	"context"
	"crypto-sma-trader/internal/data"
	"crypto-sma-trader/internal/ledger"
	"crypto-sma-trader/internal/service"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("validate", pflag.ExitOnError)
	configDir := flags.String("config", "config", "directory containing config.yaml")
	hours := flags.Int("hours", 24, "window checked for gaps and duplicates")
	strict := flags.Bool("strict", false, "exit non-zero when any series has issues")
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

	rep, err := data.NewValidator(l, logger).Run(context.Background(), *hours)
	if err != nil {
		return err
	}
	printReport(rep)

	if *strict {
		for _, s := range rep.Series {
			if !s.Healthy() {
				return errors.New("data quality issues found")
			}
		}
	}
	return nil
}

func printReport(rep data.Report) {
	names := make([]string, 0, len(rep.Tables))
	for name := range rep.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Println("== tables ==")
	for _, name := range names {
		fmt.Printf("%-10s %d\n", name, rep.Tables[name])
	}

	fmt.Println("== series ==")
	for _, s := range rep.Series {
		status := "OK"
		if !s.Healthy() {
			status = "ISSUES"
		}
		fmt.Printf("%-12s %-4s candles=%d gaps=%d dup=%d regress=%d invalid_ohlc=%d zero_vol=%d fresh=%v age=%s %s\n",
			s.Symbol, s.Timeframe, s.Candles, len(s.Gaps), s.Duplicates, s.Regressions,
			s.Quality.InvalidOHLC, s.Quality.ZeroVolume, s.Fresh, s.Age.Truncate(time.Second), status)
		for _, g := range s.Gaps {
			fmt.Printf("    gap after %s before %s missing=%d\n",
				time.UnixMilli(g.After).UTC().Format(time.RFC3339),
				time.UnixMilli(g.Before).UTC().Format(time.RFC3339), g.Missing)
		}
	}
}
