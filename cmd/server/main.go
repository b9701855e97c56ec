/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the concession stock ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, YAML file, .env, LEDGER_* env vars)
  2. Initialize the storage backend (sqlite, mongo or memory)
  3. Build the product stock sinks (store, optional Kafka behind a breaker)
  4. Create the ledger engine with metrics as its observer
  5. Start the expiry sweep scheduler
  6. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to a YAML config file (optional)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweep scheduler (waits for a running sweep)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close Kafka writer and storage
  5. Exit

EXAMPLES:
  # Run with the default SQLite file
  ./server

  # Run against MongoDB
  LEDGER_STORAGE_DRIVER=mongo LEDGER_STORAGE_MONGO_URI=mongodb://db:27017 ./server

  # Run with a config file
  ./server -config=./config.yaml

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - ledger/engine.go: Ledger operations
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/warp/concession-ledger/api"
	"github.com/warp/concession-ledger/config"
	"github.com/warp/concession-ledger/ledger"
	"github.com/warp/concession-ledger/ledger/store"
	"github.com/warp/concession-ledger/logging"
	"github.com/warp/concession-ledger/metrics"
	"github.com/warp/concession-ledger/product"
	"github.com/warp/concession-ledger/store/mongo"
	"github.com/warp/concession-ledger/store/sqlite"
)

// backend is what the server needs from a storage driver.
type backend struct {
	repo     ledger.Repository
	sink     ledger.StockSink
	products api.ProductStockReader
	close    func(context.Context) error
}

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: "concession-ledger",
	})
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	// Storage
	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := be.close(context.Background()); err != nil {
			logger.Warn("failed to close storage", "error", err)
		}
	}()

	// Product stock sinks. Only the remote publisher sits behind the
	// breaker; the store's own product table is always written.
	sinks := product.Fanout{}
	if be.sink != nil {
		sinks = append(sinks, be.sink)
	}
	if cfg.Kafka.Enabled {
		publisher := product.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer publisher.Close()

		breakerCfg := product.DefaultBreakerConfig("kafka-product-stock")
		breakerCfg.FailureThreshold = cfg.Breaker.FailureThreshold
		breakerCfg.Timeout = cfg.Breaker.Timeout
		sinks = append(sinks, product.NewBreaker(publisher, breakerCfg, logger))
		logger.Info("kafka stock events enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	// Engine
	m := metrics.New("concessions")
	engine := ledger.NewEngine(be.repo, sinks, logger)
	engine.Observer = m
	engine.Scanner.Location = cfg.Location()

	handler := api.NewHandler(engine, logger)
	handler.Metrics = m
	handler.Products = be.products

	// Scheduler
	scheduler := api.NewSweepScheduler(handler, cfg.Ledger.SweepInterval)
	scheduler.Enabled = cfg.Ledger.SweepEnabled
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      api.NewRouter(handler, cfg.Server.CorsAllowedOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			"addr", server.Addr,
			"storage", cfg.Storage.Driver,
			"timezone", cfg.Ledger.Timezone,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down server", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		path := cfg.Storage.SQLite.Path
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		s, err := sqlite.New(path)
		if err != nil {
			return nil, fmt.Errorf("initialize sqlite: %w", err)
		}
		logger.Info("storage ready", "driver", "sqlite", "path", path)
		return &backend{
			repo:     s,
			sink:     s,
			products: s,
			close:    func(context.Context) error { return s.Close() },
		}, nil

	case "mongo":
		client, err := mongo.Connect(ctx, cfg.Storage.Mongo.URI, cfg.Storage.Mongo.ConnectTimeout)
		if err != nil {
			return nil, err
		}
		s, err := mongo.New(ctx, client.Database(cfg.Storage.Mongo.Database))
		if err != nil {
			client.Disconnect(ctx)
			return nil, err
		}
		logger.Info("storage ready", "driver", "mongo", "database", cfg.Storage.Mongo.Database)
		return &backend{
			repo:     s,
			sink:     s,
			products: s,
			close:    client.Disconnect,
		}, nil

	default:
		logger.Warn("using in-memory storage, data is lost on restart")
		return &backend{
			repo:  store.NewMemory(),
			close: func(context.Context) error { return nil },
		}, nil
	}
}
