package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dd0wney/cluso-shardstore/pkg/blockcache"
	"github.com/dd0wney/cluso-shardstore/pkg/config"
	"github.com/dd0wney/cluso-shardstore/pkg/delqueue"
	"github.com/dd0wney/cluso-shardstore/pkg/logging"
	"github.com/dd0wney/cluso-shardstore/pkg/metrics"
	"github.com/dd0wney/cluso-shardstore/pkg/replication"
	"github.com/dd0wney/cluso-shardstore/pkg/shard"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.ErrorLog("invalid configuration", logging.Error(err))
		os.Exit(1)
	}

	logger := logging.NewJSONLogger(os.Stdout, logging.ParseLevel(cfg.LogLevel))
	logging.SetDefaultLogger(logger)
	reg := metrics.DefaultRegistry()

	logger.Info("shard store starting",
		logging.Path(cfg.DataDir),
		logging.Int("shards", cfg.Shards),
		logging.Uint32("block_size", cfg.BlockSize))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to create data directory", logging.Error(err))
		os.Exit(1)
	}

	store, err := blockcache.Open(filepath.Join(cfg.DataDir, "shards.store"), blockcache.Options{
		BlockSize:     cfg.BlockSize,
		CacheCapacity: cfg.CacheCapacity,
		Metrics:       reg,
		Logger:        logger.With(logging.Component("blockcache")),
	})
	if err != nil {
		logger.Error("failed to open block store", logging.Error(err))
		os.Exit(1)
	}
	defer store.Close()

	queue, err := delqueue.New(store,
		delqueue.WithLogger(logger.With(logging.Component("delqueue"))),
		delqueue.WithMetrics(reg))
	if err != nil {
		logger.Error("failed to create delete queue", logging.Error(err))
		os.Exit(1)
	}

	strategy, err := shard.NewHashStrategy(uint32(cfg.Shards))
	if err != nil {
		logger.Error("invalid shard count", logging.Error(err))
		os.Exit(1)
	}
	shards, err := shard.NewMap(store, queue, strategy, logger.With(logging.Component("shard")))
	if err != nil {
		logger.Error("failed to build shard map", logging.Error(err))
		os.Exit(1)
	}
	logger.Info("shard map ready", logging.Int("shards", cfg.Shards))

	backfill := replication.NewBackfillServer(shards, replication.ServerConfig{
		BatchKeys: cfg.BackfillBatchKeys,
		Logger:    logger,
		Metrics:   reg,
	})
	if err := backfill.Start(cfg.BackfillListen); err != nil {
		logger.Error("failed to start backfill server", logging.Error(err))
		os.Exit(1)
	}
	defer backfill.Stop()

	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg.GetPrometheusRegistry(), promhttp.HandlerOpts{}))
		go func() {
			logger.Info("metrics endpoint listening", logging.String("addr", cfg.MetricsListen))
			if err := http.ListenAndServe(cfg.MetricsListen, mux); err != nil {
				logger.Error("metrics endpoint failed", logging.Error(err))
			}
		}()
	}

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info("shutting down", logging.String("signal", sig.String()))
	if err := backfill.Stop(); err != nil {
		logger.Warn("backfill server stop", logging.Error(err))
	}
	if err := store.Close(); err != nil {
		logger.Error("closing block store", logging.Error(err))
		os.Exit(1)
	}
	logger.Info("shard store exited")
}
