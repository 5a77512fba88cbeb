package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"kasirledger/backend/internal/command"
	"kasirledger/backend/internal/config"
	"kasirledger/backend/internal/events"
	"kasirledger/backend/internal/httpapi"
	"kasirledger/backend/internal/idempotency"
	"kasirledger/backend/internal/observability"
	"kasirledger/backend/internal/service"
	"kasirledger/backend/internal/store"
	"kasirledger/backend/internal/store/memory"
	pgstore "kasirledger/backend/internal/store/postgres"
	"kasirledger/backend/internal/store/seed"
	"kasirledger/backend/internal/store/sqlite"
)

type backend interface {
	store.Store
	store.UserStore
}

func main() {
	cfg := config.Load()
	logger := observability.NewLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 4)

	tp, shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTelEndpoint, cfg.OTelAuthHeader)
	if err != nil {
		logger.Fatal("tracing setup failed", zap.Error(err))
	}

	repo, closeRepo, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("ledger store unavailable; refusing to start", zap.Error(err))
	}
	if closeRepo != nil {
		closers = append(closers, closeRepo)
	}

	runCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	txOpts := cfg.TxOptions()
	customers := service.NewCustomerUpdater(repo, logger, txOpts)
	publisher, closePublisher := openPublisher(ctx, runCtx, cfg, tp, customers, logger)
	closers = append(closers, closePublisher)

	idem, closeIdem, err := openIdempotency(runCtx, cfg, logger)
	if err != nil {
		logger.Fatal("idempotency store unavailable", zap.Error(err))
	}
	closers = append(closers, closeIdem)

	svc := service.New(repo, customers, publisher, logger, txOpts)
	commands := command.NewDispatcher(svc, logger)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, repo)
	api := httpapi.New(svc, commands, auth, httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		Idempotency:   idem,
		Logger:        logger,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Ledger transactions may wait up to MaxWait for the write slot.
		WriteTimeout: txOpts.MaxWait + txOpts.Timeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("ledger backend listening", zap.String("addr", cfg.Address()), zap.Strings("commands", commands.Names()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	stopWorkers()

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("close error", zap.Error(err))
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown error", zap.Error(err))
	}

	logger.Info("server stopped")
}

// openStore picks the ledger backend once at startup. A configured database
// that cannot be opened is fatal; there is no silent in-memory fallback.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (backend, func() error, error) {
	var (
		repo     backend
		catalog  store.Catalog
		closeFn  func() error
		selected string
	)

	switch {
	case cfg.DatabaseURL != "":
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("postgres migrate: %w", err)
		}
		repo, catalog, closeFn, selected = pg, pg, pg.Close, "postgres"
	case cfg.SQLitePath != "":
		lite, err := sqlite.New(ctx, cfg.SQLitePath, cfg.TxOptions().MaxWait)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite: %w", err)
		}
		repo, catalog, closeFn, selected = lite, lite, lite.Close, "sqlite"
	default:
		logger.Info("repository selected", zap.String("repository", "in-memory"))
		return memory.NewSeeded(logger), nil, nil
	}

	if cfg.SeedDemoCatalog {
		if err := seed.Catalog(ctx, catalog); err != nil {
			_ = closeFn()
			return nil, nil, fmt.Errorf("seed catalog: %w", err)
		}
	}
	if err := seed.Users(ctx, repo, logger); err != nil {
		_ = closeFn()
		return nil, nil, fmt.Errorf("seed users: %w", err)
	}

	logger.Info("repository selected", zap.String("repository", selected))
	return repo, closeFn, nil
}

// openPublisher wires the customer activity stream. Kafka wins over Redis;
// with neither configured, events stay in process.
func openPublisher(ctx, runCtx context.Context, cfg config.Config, tp trace.TracerProvider, customers *service.CustomerUpdater, logger *zap.Logger) (events.Publisher, func() error) {
	if cfg.KafkaBroker != "" {
		k, err := openKafka(ctx, cfg, tp, logger)
		if err == nil {
			go consume(runCtx, "kafka", k.Consume, customers.HandleActivity, logger)
			logger.Info("customer events: kafka", zap.String("topic", cfg.KafkaTopic))
			return k, k.Close
		}
		logger.Warn("kafka unavailable, trying next publisher", zap.Error(err))
	}

	if cfg.RedisAddr != "" {
		consumer, _ := os.Hostname()
		r := events.NewRedisStream(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisStream, consumer, logger)
		err := r.Ping(ctx)
		if err == nil {
			// The group must exist before the first sale publishes.
			err = r.EnsureGroup(ctx)
		}
		if err == nil {
			go consume(runCtx, "redis", r.Consume, customers.HandleActivity, logger)
			logger.Info("customer events: redis stream", zap.String("stream", cfg.RedisStream))
			return r, r.Close
		}
		_ = r.Close()
		logger.Warn("redis unavailable, using in-process events", zap.Error(err))
	}

	local := events.NewLocal(customers.HandleActivity, logger, 256)
	logger.Info("customer events: in-process")
	return local, local.Close
}

func openKafka(ctx context.Context, cfg config.Config, tp trace.TracerProvider, logger *zap.Logger) (*events.Kafka, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := events.DialKafka(dialCtx, cfg.KafkaBroker); err != nil {
		return nil, err
	}
	return events.NewKafka(events.KafkaConfig{
		Broker:  cfg.KafkaBroker,
		Topic:   cfg.KafkaTopic,
		GroupID: cfg.KafkaGroupID,
	}, tp, logger)
}

func consume(ctx context.Context, name string, run func(context.Context, events.Handler) error, handler events.Handler, logger *zap.Logger) {
	if err := run(ctx, handler); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("customer event consumer stopped", zap.String("transport", name), zap.Error(err))
	}
}

func openIdempotency(runCtx context.Context, cfg config.Config, logger *zap.Logger) (idempotency.Store, func() error, error) {
	if cfg.IdempotencyDBPath == "" {
		mem := idempotency.NewMemoryStore(idempotency.DefaultTTL)
		return mem, mem.Close, nil
	}
	bolt, err := idempotency.OpenBolt(cfg.IdempotencyDBPath, idempotency.DefaultTTL)
	if err != nil {
		return nil, nil, err
	}
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				n, err := bolt.Purge(runCtx)
				if err != nil {
					logger.Warn("idempotency purge failed", zap.Error(err))
					continue
				}
				if n > 0 {
					logger.Debug("idempotency records purged", zap.Int("count", n))
				}
			}
		}
	}()
	return bolt, bolt.Close, nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"222222": true, "333333": true, "444444": true, "555555": true,
		"666666": true, "777777": true, "888888": true, "999999": true,
		"121212": true, "112233": true, "123123": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
