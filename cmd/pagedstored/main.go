package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/nimbusmq/pagedstore/broker"
	"github.com/nimbusmq/pagedstore/pagestore"
	"github.com/nimbusmq/pagedstore/pagestore/pagefile"
	"github.com/nimbusmq/pagedstore/pkg/logger"
	"github.com/nimbusmq/pagedstore/pkg/telemetry"
	"github.com/nimbusmq/pagedstore/uow"
	"github.com/nimbusmq/pagedstore/uow/worker"
)

var (
	dataDir        = flag.String("data_dir", "/tmp/pagedstore", "Directory holding the page file and its root record")
	pageSize       = flag.Int("page_size", 4096, "Page size in bytes")
	pageLimit      = flag.Uint64("page_limit", 1<<20, "Maximum number of pages the file may grow to")
	flushDelay     = flag.Duration("flush_delay", 10*time.Millisecond, "Delay window a delayable unit of work waits before flushing")
	flushRateLimit = flag.Int("flush_rate_limit", 0, "Max flush batches per second; 0 disables rate limiting")
	httpAddr       = flag.String("http_addr", "127.0.0.1:8090", "Bind address for the /health and /queues endpoints")
	logLevel       = flag.String("log_level", "info", "Log level: debug, info, warn, error")
	logFormat      = flag.String("log_format", "console", "Log format: json or console")
	metricsEnabled = flag.Bool("metrics_enabled", true, "Enable Prometheus metrics and tracing")
	metricsPort    = flag.Int("metrics_port", 9090, "Prometheus metrics port")
)

func main() {
	flag.Parse()

	zlogger, err := logger.New(logger.Config{Level: *logLevel, Format: *logFormat, OutputFile: "stdout"})
	if err != nil {
		panic(err)
	}
	defer zlogger.Sync()

	tel, shutdownTelemetry, err := telemetry.New(telemetry.Config{
		Enabled:          *metricsEnabled,
		ServiceName:      "pagedstored",
		PrometheusPort:   *metricsPort,
		TraceSampleRatio: 1.0,
	})
	if err != nil {
		zlogger.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			zlogger.Error("telemetry shutdown failed", zap.Error(err))
		}
	}()

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		zlogger.Fatal("failed to create data directory", zap.String("dir", *dataDir), zap.Error(err))
	}

	engine, err := pagestore.Open(*dataDir, *pageSize, pagefile.PageID(*pageLimit), zlogger, tel.Tracer, prometheus.DefaultRegisterer)
	if err != nil {
		zlogger.Fatal("failed to open page store", zap.Error(err))
	}
	defer func() {
		if err := engine.PageFile().Close(); err != nil {
			zlogger.Error("page store close failed", zap.Error(err))
		}
	}()

	flushWorker := worker.New(engine, *flushRateLimit, zlogger, tel.Tracer)
	defer flushWorker.Stop()

	coord := uow.NewCoordinator(flushWorker, engine.Allocator(), *flushDelay, zlogger, tel.Tracer, prometheus.DefaultRegisterer)
	coord.Start()
	defer coord.Stop()

	store := broker.New(engine, coord, zlogger, tel.Tracer)
	defer store.Close()

	mux := http.NewServeMux()
	addHealthHandlers(mux, store)
	httpServer := &http.Server{Addr: *httpAddr, Handler: mux}

	go func() {
		zlogger.Info("pagedstored listening", zap.String("addr", *httpAddr), zap.String("data_dir", *dataDir))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlogger.Fatal("http server failed", zap.Error(err))
		}
	}()

	waitForShutdown(zlogger, httpServer)
}

func addHealthHandlers(mux *http.ServeMux, store *broker.Store) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/queues", func(w http.ResponseWriter, r *http.Request) {
		queues := store.ListQueues()
		w.WriteHeader(http.StatusOK)
		for _, q := range queues {
			_, _ = w.Write([]byte(q.Name + "\n"))
		}
	})
}

func waitForShutdown(zlogger *zap.Logger, httpServer *http.Server) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	zlogger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		zlogger.Error("http server shutdown failed", zap.Error(err))
	}
}
