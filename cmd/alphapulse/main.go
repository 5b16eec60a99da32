package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dawsh2/alphapulse/configs"
	"github.com/dawsh2/alphapulse/internal/adapter/coinbase"
	"github.com/dawsh2/alphapulse/internal/adapter/polygon"
	"github.com/dawsh2/alphapulse/internal/bridge"
	"github.com/dawsh2/alphapulse/internal/db"
	"github.com/dawsh2/alphapulse/internal/detector"
	"github.com/dawsh2/alphapulse/internal/logging"
	"github.com/dawsh2/alphapulse/internal/relay"
)

const programName = "alphapulse"

var cmdlineFlags struct {
	configFile string
	component  string
}

func main() {
	flag.StringVar(&cmdlineFlags.configFile, "config", "configs/config.yml", "path to config file to load")
	flag.StringVar(&cmdlineFlags.component, "component", "all",
		"comma-separated components to run: relays, polygon, coinbase, detector, bridge, or all")
	flag.Parse()

	// .env is optional; explicit env always wins.
	_ = godotenv.Load()

	cfg, err := configs.Load(cmdlineFlags.configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: failed to load config: %s\n", programName, err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", programName, err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components := map[string]bool{}
	for _, c := range strings.Split(cmdlineFlags.component, ",") {
		components[strings.TrimSpace(c)] = true
	}
	all := components["all"]

	g, ctx := errgroup.WithContext(ctx)

	if all || components["relays"] {
		for _, rc := range cfg.ToRelayConfigs() {
			srv := relay.NewServer(rc, logger)
			g.Go(func() error { return srv.Start(ctx) })
		}
	}

	if (all && cfg.Polygon.Enabled) || components["polygon"] {
		wsClient, err := ethclient.DialContext(ctx, cfg.Polygon.WsURL)
		if err != nil {
			logger.Fatal("failed to dial polygon websocket", zap.Error(err))
		}
		adapter, err := polygon.New(cfg.ToPolygonConfig(), wsClient, logger)
		if err != nil {
			logger.Fatal("failed to build polygon adapter", zap.Error(err))
		}
		g.Go(func() error { return adapter.Start(ctx) })
	}

	if (all && cfg.Coinbase.Enabled) || components["coinbase"] {
		adapter, err := coinbase.New(cfg.ToCoinbaseConfig(), logger)
		if err != nil {
			logger.Fatal("failed to build coinbase adapter", zap.Error(err))
		}
		g.Go(func() error { return adapter.Start(ctx) })
	}

	if all || components["detector"] {
		dcfg, stables, native := cfg.ToDetectorConfig()

		var recorder detector.Recorder
		if cfg.DB.Enabled {
			rec, err := db.NewMySQLRecorder(cfg.DB.DSN)
			if err != nil {
				logger.Fatal("failed to open signal recorder", zap.Error(err))
			}
			defer rec.Close()
			recorder = rec
		}

		httpClient, err := ethclient.DialContext(ctx, cfg.Polygon.HTTPURL)
		if err != nil {
			logger.Fatal("failed to dial polygon rpc", zap.Error(err))
		}
		det := detector.New(dcfg, nil, stables, recorder, logger)
		det.SetGasOracle(detector.NewRPCGasOracle(httpClient, det.USD(), native, cfg.GasUnits()))
		g.Go(func() error { return det.Start(ctx) })
	}

	if (all && cfg.Bridge.Enabled) || components["bridge"] {
		br := bridge.New(cfg.ToBridgeConfig(), logger)
		g.Go(func() error { return br.Start(ctx) })
	}

	logger.Info("pipeline started", zap.String("components", cmdlineFlags.component))
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Fatal("pipeline failed", zap.Error(err))
	}
}
