//go:build !tinygo

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"ward/app"
	"ward/hal"
	"ward/internal/config"
	"ward/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	var hcfg hal.HeadlessConfig
	flag.StringVar(&cfg.Manifest, "manifest", cfg.Manifest, "Boot manifest (YAML).")
	flag.IntVar(&hcfg.Hz, "hz", 1000, "Tick rate.")
	flag.Uint64Var(&hcfg.Ticks, "ticks", 0, "Stop after N ticks (0 = run forever).")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve Prometheus metrics on this address.")
	flag.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level.")
	flag.Parse()

	if err := run(cfg, hcfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, hcfg hal.HeadlessConfig) error {
	m, err := config.LoadManifest(cfg.Manifest)
	if err != nil {
		return err
	}
	lcfg := logging.DefaultConfig()
	lcfg.Level = cfg.Log.Level
	if m.LogLevel != "" {
		lcfg.Level = m.LogLevel
	}
	lcfg.Development = cfg.Log.Development
	log, level, err := logging.New(lcfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if cfg.Manifest != "" {
		go func() {
			if err := config.WatchLogLevel(ctx, cfg.Manifest, level, log); err != nil {
				log.Warn("manifest watch stopped", zap.Error(err))
			}
		}()
	}

	err = hal.RunHeadless(ctx, func(ctx context.Context, h hal.HAL) error {
		sys, err := app.New(h, app.Config{Kernel: cfg.Kernel.Kernel(), Manifest: m, Log: log})
		if err != nil {
			return err
		}
		if cfg.MetricsAddr != "" {
			srv := &http.Server{
				Addr:              cfg.MetricsAddr,
				Handler:           promhttp.HandlerFor(sys.Kernel().Metrics().Registry(), promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Warn("metrics server", zap.Error(err))
				}
			}()
			defer srv.Close()
		}
		return sys.Run(ctx)
	}, hcfg)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
