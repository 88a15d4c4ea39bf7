package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"rollingstats/internal/broadcast"
	"rollingstats/internal/config"
	"rollingstats/internal/consumer"
	"rollingstats/internal/engine"
	"rollingstats/internal/feed"
	"rollingstats/internal/handlers"
	"rollingstats/internal/instrumentation"
	"rollingstats/internal/models"
	"rollingstats/internal/scheduler"
	"rollingstats/internal/transport"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("rollingstats_starting",
		"horizons", cfg.HorizonsSec,
		"publish_interval_ms", cfg.PublishIntervalMs,
		"shards", cfg.Shards,
		"transport", cfg.Transport,
		"stream_keys", cfg.StreamKeys,
		"finnhub_enabled", cfg.FinnhubToken != "",
		"broadcast_queue_limit", cfg.BroadcastQueueLimit,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("rollingstats_failed", "error", err)
		os.Exit(1)
	}

	logger.Info("rollingstats_stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := instrumentation.NewMetrics(prometheus.DefaultRegisterer)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.PrometheusPort)
		logger.Info("metrics_server_starting", "port", cfg.PrometheusPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics_server_failed", "error", err)
		}
	}()

	eng, err := engine.New(engine.Config{Horizons: cfg.Horizons, Shards: cfg.Shards}, logger, metrics)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	publisher, err := newPublisher(cfg, logger)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	defer publisher.Close()

	sched, err := scheduler.New(eng, publisher, scheduler.Config{
		Interval:        cfg.PublishInterval,
		MaxAttempts:     cfg.PublishMaxAttempts,
		Backoff:         cfg.PublishBackoff,
		MaxBackoff:      cfg.PublishMaxBackoff,
		PendingLimit:    cfg.PendingLimit,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, logger, metrics)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	// Every source feeds the windows and, when enabled, the raw trade relay.
	ingest := eng.Ingest
	var relay *broadcast.TradeServer
	if cfg.BroadcastQueueLimit > 0 {
		relay = broadcast.NewTradeServer(cfg.BroadcastQueueLimit, logger, metrics)
		ingest = func(t models.TradeRecord) {
			eng.Ingest(t)
			relay.Add(t)
		}
	}

	// Sources stop on their own context so the scheduler drains only after
	// ingestion has ceased.
	ingestCtx, stopIngest := context.WithCancel(ctx)
	defer stopIngest()

	var sources sync.WaitGroup
	errChan := make(chan error, len(cfg.StreamKeys)+2)

	if len(cfg.StreamKeys) > 0 {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid redis URL: %w", err)
		}
		if cfg.RedisPassword != "" {
			opt.Password = cfg.RedisPassword
		}
		client := redis.NewClient(opt)
		defer client.Close()

		hostname, _ := os.Hostname()
		for _, key := range cfg.StreamKeys {
			cons, err := consumer.New(ctx, client, consumer.Config{
				StreamKey:     key,
				ConsumerGroup: cfg.ConsumerGroup,
				ConsumerName:  fmt.Sprintf("rollingstats-%s", hostname),
			}, ingest, logger, metrics)
			if err != nil {
				return fmt.Errorf("consumer %s: %w", key, err)
			}

			sources.Add(1)
			go func() {
				defer sources.Done()
				if err := cons.Start(ingestCtx); err != nil && !errors.Is(err, context.Canceled) {
					errChan <- err
				}
			}()
		}
	}

	if cfg.FinnhubToken != "" {
		fh, err := feed.NewFinnhub(feed.Config{
			URL:     cfg.FinnhubURL,
			Token:   cfg.FinnhubToken,
			Symbols: cfg.Symbols,
		}, ingest, logger, metrics)
		if err != nil {
			return fmt.Errorf("finnhub: %w", err)
		}

		sources.Add(1)
		go func() {
			defer sources.Done()
			if err := fh.Run(ingestCtx); err != nil {
				errChan <- err
			}
		}()
	}

	api := handlers.NewAPI(eng, sched, logger)
	if relay != nil {
		api.MountTrades(relay)
	}
	// No write timeout: /trades connections stay open. Query routes are
	// bounded by the router's timeout middleware.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           api.Routes(2 * time.Second),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http_server_listening", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	schedCtx, stopSched := context.WithCancel(context.Background())
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(schedCtx)
	}()

	logger.Info("rollingstats_running", "status", "healthy")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown_signal_received")
	case runErr = <-errChan:
		logger.Error("source_failed", "error", runErr)
	}

	stopIngest()
	sources.Wait()

	stopSched()
	<-schedDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http_server_shutdown_error", "error", err)
	}

	return runErr
}

func newPublisher(cfg *config.Config, logger *slog.Logger) (transport.Publisher, error) {
	switch cfg.Transport {
	case config.TransportWebSocket:
		return transport.NewWSPublisher(cfg.WSSinkURL, logger), nil
	default:
		return transport.NewRedisPublisher(cfg.RedisURL, cfg.RedisPassword, cfg.OutputStream, cfg.CacheTTL, logger)
	}
}
