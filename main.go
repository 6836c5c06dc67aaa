/*
Package main acts as the entry point for the StormKV server. It handles
command-line flag parsing, configuration loading, and starts the storage
engine, the metrics endpoint and the TCP server.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stormkv/config"
	"stormkv/metrics"
	"stormkv/server"
	"stormkv/shard"
	"stormkv/tiered"
)

func main() {
	var homeDir, configPath string
	flag.StringVar(&homeDir, "home", ".", "Home directory for data and certificates")
	flag.StringVar(&configPath, "config", "", "Path to the configuration file (optional)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	lvl := slog.LevelInfo
	if cfg.Debug {
		lvl = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	dataDir := config.ResolvePath(homeDir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		logger.Error("Failed to create data dir", "dir", dataDir, "err", err)
		os.Exit(1)
	}

	if cfg.TLSCertFile != "" {
		cfg.TLSCertFile = config.ResolvePath(homeDir, cfg.TLSCertFile)
	}
	if cfg.TLSKeyFile != "" {
		cfg.TLSKeyFile = config.ResolvePath(homeDir, cfg.TLSKeyFile)
	}
	if cfg.TLSCAFile != "" {
		cfg.TLSCAFile = config.ResolvePath(homeDir, cfg.TLSCAFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := shard.Options{
		DbCount:           cfg.DbCount,
		BucketCount:       cfg.BucketCount,
		MemoryLimit:       cfg.MaxMemory / int64(cfg.ShardCount),
		JournalBufferSize: cfg.JournalBufferSize,
		OffloadInterval:   500 * time.Millisecond,
		Tiered: tiered.Config{
			Prefix:          config.ResolvePath(dataDir, cfg.TieredPrefix),
			MaxFileSize:     cfg.TieredMaxFileSize,
			WriteDepth:      cfg.TieredWriteDepth,
			MinValueSize:    cfg.TieredMinValueSize,
			MemoryMargin:    cfg.TieredMemoryMargin,
			LowMemoryFactor: cfg.TieredLowMemoryFactor,
			CoolingEnabled:  cfg.TieredCooling,
		},
	}

	store, err := shard.NewStore(cfg.ShardCount, opts)
	if err != nil {
		logger.Error("Failed to init store", "err", err)
		os.Exit(1)
	}

	srv, err := server.NewServer(cfg.Port, store, logger, cfg.MaxConns, cfg.TLSCertFile, cfg.TLSKeyFile, cfg.TLSCAFile)
	if err != nil {
		logger.Error("Failed to init server", "err", err)
		os.Exit(1)
	}

	metrics.StartMetricsServer(cfg.MetricsAddr, store, srv, logger)

	go func() {
		if err := srv.Run(ctx); err != nil {
			logger.Error("Server stopped", "err", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	srv.CloseAll()
}
