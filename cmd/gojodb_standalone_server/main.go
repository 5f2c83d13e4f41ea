package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	storageengine "github.com/sushant-115/gojostore/core/storage_engine"
	"github.com/sushant-115/gojostore/pkg/logger"
	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "", "Path to the engine YAML configuration")
	dataDir    = flag.String("data", "", "Data directory (overrides the configuration)")
	listenAddr = flag.String("addr", "localhost:9090", "TCP address to serve the command protocol on")
)

func main() {
	flag.Parse()

	cfg := storageengine.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = storageengine.LoadConfig(*configPath); err != nil {
			log.Fatalf("FATAL: load configuration: %v", err)
		}
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	zlog, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("FATAL: build logger: %v", err)
	}
	defer zlog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := storageengine.Open(ctx, cfg, storageengine.WithLogger(zlog))
	if err != nil {
		zlog.Fatal("failed to open storage engine", zap.String("data_dir", cfg.DataDir), zap.Error(err))
	}

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		_ = e.Close(context.Background())
		zlog.Fatal("failed to listen", zap.String("addr", *listenAddr), zap.Error(err))
	}
	zlog.Info("gojostore server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("metrics_addr", cfg.Telemetry.PrometheusAddr))

	serveErr := newServer(e, zlog).serve(ctx, ln)
	if serveErr != nil {
		zlog.Error("server stopped", zap.Error(serveErr))
	}
	zlog.Info("shutting down storage engine")
	if err := e.Close(context.Background()); err != nil {
		zlog.Error("failed to close storage engine", zap.Error(err))
		os.Exit(1)
	}
	if serveErr != nil {
		os.Exit(1)
	}
}
