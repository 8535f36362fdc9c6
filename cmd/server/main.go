/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loan engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (viper: config.toml + LOANS_* environment)
  2. Build the zap logger
  3. Initialize SQLite store and its stock book
  4. Pick the lock backend (local or redis)
  5. Pick the outbox publisher (stock book, then log or kafka)
  6. Create engine, dispatcher, handler and router
  7. Start the monitor scheduler and the HTTP server

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler, close publishers, locks and the database
  4. Exit

EXAMPLES:
  # Run with defaults (loans.db, local locks, stock book + log publisher)
  ./server

  # In-memory database on another port
  LOANS_DATABASE_PATH=":memory:" LOANS_APP_PORT=3000 ./server

  # Redis locks and Kafka outbox
  LOANS_LOCK_BACKEND=redis LOANS_LOCK_REDIS_ADDR=localhost:6379 \
  LOANS_OUTBOX_BACKEND=kafka LOANS_OUTBOX_KAFKA_BROKERS=localhost:9092 ./server

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/loan-engine/api"
	"github.com/warp/loan-engine/config"
	"github.com/warp/loan-engine/lock"
	"github.com/warp/loan-engine/loans"
	"github.com/warp/loan-engine/logger"
	"github.com/warp/loan-engine/outbox"
	"github.com/warp/loan-engine/store/sqlite"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()
	stock := store.Stock()

	locker, closeLocker, err := newLocker(cfg.Lock)
	if err != nil {
		return err
	}
	defer closeLocker.Close()

	publisher, closePublisher := newPublisher(cfg.Outbox, stock, log)
	defer closePublisher.Close()

	engine := loans.NewEngine(store, stock, locker, loans.Config{
		DedicatedThreshold: cfg.Loans.DedicatedThreshold,
		FrequencyWindow:    cfg.Loans.FrequencyWindow,
		DefaultTrialDays:   cfg.Loans.DefaultTrialDays,
		ReminderInterval:   cfg.Loans.ReminderInterval,
	}, log.Named("loans"))
	dispatcher := loans.NewDispatcher(store, publisher, loans.DispatcherConfig{
		BatchSize:   cfg.Outbox.BatchSize,
		MaxAttempts: cfg.Outbox.MaxAttempts,
	}, log.Named("outbox"))

	metrics := api.NewMetrics()
	handler := api.NewHandler(engine, store, dispatcher, metrics)
	handler.ConfirmRetries = cfg.Loans.ConfirmRetries
	handler.RetryBackoff = cfg.Loans.RetryBackoff

	scheduler := api.NewMonitorScheduler(engine, dispatcher, metrics, log)
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.CheckInterval = cfg.Scheduler.CheckInterval
	scheduler.DrainInterval = cfg.Outbox.PollInterval
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.App.Port),
		Handler:      api.NewRouter(handler, log.Named("http")),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.String("app", cfg.App.Name),
			zap.String("env", cfg.App.Env),
			zap.Int("port", cfg.App.Port),
			zap.String("lock_backend", cfg.Lock.Backend),
			zap.String("outbox_backend", cfg.Outbox.Backend),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return err
	}

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func newLocker(cfg config.LockConfig) (loans.Locker, io.Closer, error) {
	switch cfg.Backend {
	case "redis":
		r, err := lock.NewRedis(lock.RedisConfig{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			TTL:         cfg.TTL,
			WaitTimeout: cfg.WaitTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		return r, r, nil
	default:
		return lock.NewLocal(cfg.WaitTimeout), nopCloser{}, nil
	}
}

// newPublisher always materializes sales and returns in the local stock book
// first, so sold units leave the book before anything else sees the intent.
// The backend decides where the intent goes next.
func newPublisher(cfg config.OutboxConfig, stock *sqlite.Stock, log *zap.Logger) (loans.Publisher, io.Closer) {
	book := loans.CollaboratorPublisher{Sales: stock, Stock: stock}
	switch cfg.Backend {
	case "kafka":
		k := outbox.NewKafkaPublisher(outbox.KafkaConfig{
			Brokers:     cfg.KafkaBrokers,
			TopicPrefix: cfg.TopicPrefix,
		}, log.Named("kafka"))
		return outbox.Chain{book, k}, k
	default:
		return outbox.Chain{book, outbox.LogPublisher{Logger: log.Named("intents")}}, nopCloser{}
	}
}
