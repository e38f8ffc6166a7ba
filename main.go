package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"cryptomon/batcher"
	"cryptomon/book"
	"cryptomon/config"
	"cryptomon/dispatch"
	"cryptomon/feed"
	"cryptomon/logger"
	"cryptomon/metrics"
	"cryptomon/models"
	"cryptomon/storage"
	"cryptomon/trade"
)

// feedSource is satisfied by both the canonical websocket manager and the
// native Binance source.
type feedSource interface {
	Start(ctx context.Context) error
	Stop()
	Events() <-chan models.Event
	RequestResync(symbol string)
}

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Cryptomon.Name,
		"version": cfg.Cryptomon.Version,
	}).Info("starting cryptomon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		metrics.Serve(cfg.Metrics.Listen)
		if cfg.Metrics.CloudWatch {
			metrics.InitCloudWatch(cfg.Storage.S3.Region, cfg.Cryptomon.Name)
		}
	}

	var store storage.Store
	switch {
	case cfg.Storage.S3.Enabled:
		store, err = storage.NewS3Store(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create S3 store")
			os.Exit(1)
		}
	case cfg.Storage.Local.Enabled:
		store, err = storage.NewLocalStore(cfg.Storage.Local.Dir)
		if err != nil {
			log.WithError(err).Error("failed to create local store")
			os.Exit(1)
		}
	default:
		log.Error("no storage backend enabled; enable storage.s3 or storage.local")
		os.Exit(1)
	}

	fallback := storage.NewFallbackLog(cfg.Storage.FallbackPath)
	b := batcher.NewBatcher(cfg, store, fallback)

	var source feedSource
	var manager *feed.Manager
	if cfg.Source.Binance.Enabled {
		source = feed.NewBinanceSource(cfg)
	} else {
		manager = feed.NewManager(cfg)
		source = manager
	}

	books := book.NewEngine(cfg.Book.ResyncBuffer, source.RequestResync)
	trades := trade.NewStream(cfg.Trades.Capacity)
	dispatcher := dispatch.NewDispatcher(cfg, books, trades, b, source.Events())

	var wg sync.WaitGroup
	fatal := make(chan error, 1)

	if err := b.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start batcher")
		os.Exit(1)
	}
	if err := dispatcher.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start dispatcher")
		os.Exit(1)
	}
	if err := source.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start feed source")
		os.Exit(1)
	}

	if manager != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case err := <-manager.Errors():
				select {
				case fatal <- err:
				default:
				}
			case <-ctx.Done():
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case err := <-fatal:
		log.WithError(err).Error("fatal feed error received")
	}

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		log.Info("stopping feed source")
		source.Stop()

		log.Info("stopping dispatcher")
		dispatcher.Stop()

		log.Info("stopping batcher")
		b.Stop()

		if err := fallback.Close(); err != nil {
			log.WithError(err).Warn("failed to close fallback log")
		}
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("failed to close store")
		}

		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	if dropped := b.Dropped(); dropped > 0 {
		log.WithFields(logger.Fields{"dropped_records": dropped}).Warn("records were dropped under backpressure")
	}

	log.Info("cryptomon stopped")
}
