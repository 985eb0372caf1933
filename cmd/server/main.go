package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-tracking/internal/auth"
	"github.com/example/ride-tracking/internal/config"
	"github.com/example/ride-tracking/internal/directory"
	"github.com/example/ride-tracking/internal/dispatch"
	httpapi "github.com/example/ride-tracking/internal/http"
	"github.com/example/ride-tracking/internal/ingest"
	"github.com/example/ride-tracking/internal/jobs"
	"github.com/example/ride-tracking/internal/location"
	"github.com/example/ride-tracking/internal/logging"
	"github.com/example/ride-tracking/internal/notification"
	"github.com/example/ride-tracking/internal/payments"
	"github.com/example/ride-tracking/internal/realtime"
	"github.com/example/ride-tracking/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("config_invalid", "error", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server_exit", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var (
		db     *sql.DB
		rdb    *redis.Client
		err    error
		closer []func() error
	)
	defer func() {
		for i := len(closer) - 1; i >= 0; i-- {
			_ = closer[i]()
		}
	}()

	if cfg.PGDSN != "" {
		if db, err = storage.OpenPostgres(ctx, cfg.PGDSN); err != nil {
			return err
		}
		closer = append(closer, db.Close)
		if cfg.RunMigrations {
			if err := storage.Migrate(ctx, db); err != nil {
				return err
			}
			logger.Info("migrations_applied")
		}
	}
	if cfg.StoreBackend == config.BackendRedis {
		if rdb, err = storage.OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB); err != nil {
			return err
		}
		closer = append(closer, rdb.Close)
	}

	var locStore storage.LocationStore
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		locStore = storage.NewPostgresLocationStore(db)
	case config.BackendRedis:
		locStore = storage.NewRedisLocationStore(rdb, cfg.RedisGeoKey)
	default:
		locStore = storage.NewMemoryLocationStore()
	}
	// notifications are relational; without postgres they stay in memory
	var noteStore storage.NotificationStore = storage.NewMemoryNotificationStore()
	if db != nil {
		noteStore = storage.NewPostgresNotificationStore(db)
	}

	locOpts := location.Options{
		OnlineWindow: cfg.OnlineWindow,
		StaleAfter:   cfg.StaleAfter,
		Logger:       logging.Component(logger, "location"),
	}
	if db != nil {
		locOpts.Directory = directory.NewPostgres(db)
	}
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		closer = append(closer, producer.Close)
		locOpts.Publisher = producer
	}
	locations := location.NewService(locStore, locOpts)

	noteOpts := notification.Options{Logger: logging.Component(logger, "notification")}
	if cfg.StripeAPIKey != "" {
		noteOpts.Payments = payments.NewStripeLookup(cfg.StripeAPIKey)
	}
	notifications := notification.NewService(noteStore, noteOpts)

	rtLog := logging.Component(logger, "realtime")
	locHub := realtime.NewHub(realtime.ChannelLocation, realtime.HubOptions{
		Rate: cfg.WSUpdateRate, Burst: cfg.WSUpdateBurst, Logger: rtLog,
	})
	noteHub := realtime.NewHub(realtime.ChannelNotifications, realtime.HubOptions{Logger: rtLog})
	locGW := realtime.NewLocationGateway(locHub, locations, rtLog)
	noteGW := realtime.NewNotificationGateway(noteHub, notifications, rtLog)
	notifications.AddDispatcher(noteGW)
	if cfg.FCMEndpoint != "" {
		notifications.AddDispatcher(dispatch.NewFCMDispatcher(cfg.FCMEndpoint, cfg.FCMKey, logging.Component(logger, "push")))
	}

	var verifier *auth.Verifier
	if cfg.JWTSecret != "" {
		verifier = auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	} else {
		logger.Warn("auth_disabled", "reason", "JWT_SECRET not set")
	}

	api := httpapi.NewServer(httpapi.Deps{
		Locations:      locations,
		Notifications:  notifications,
		LocationGW:     locGW,
		NotificationGW: noteGW,
		Verifier:       verifier,
		Ready:          readiness(db, rdb),
		Logger:         logging.Component(logger, "http"),
	})

	sweepCtx, cancelSweeps := context.WithCancel(ctx)
	defer cancelSweeps()
	var wg sync.WaitGroup
	jobLog := logging.Component(logger, "jobs")
	for _, s := range []jobs.Sweeper{
		{Name: "stale_locations", Interval: cfg.StaleSweepInterval, Task: locations.CleanupStale, Log: jobLog},
		{Name: "expired_notifications", Interval: cfg.NotificationSweepInterval, Task: notifications.CleanupExpiredNotifications, Log: jobLog},
		{Name: "old_notifications", Interval: cfg.NotificationSweepInterval, Log: jobLog, Task: func(ctx context.Context) (int64, error) {
			return notifications.CleanupOldNotifications(ctx, cfg.NotificationRetentionDays)
		}},
	} {
		wg.Add(1)
		go func(s jobs.Sweeper) {
			defer wg.Done()
			s.Run(sweepCtx)
		}(s)
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http_listening", "addr", cfg.HTTPAddr, "backend", cfg.StoreBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown_requested")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	cancelSweeps()
	locHub.Shutdown()
	noteHub.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	wg.Wait()
	logger.Info("shutdown_complete")
	return err
}

func readiness(db *sql.DB, rdb *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		var errs []error
		if db != nil {
			errs = append(errs, db.PingContext(ctx))
		}
		if rdb != nil {
			errs = append(errs, rdb.Ping(ctx).Err())
		}
		return errors.Join(errs...)
	}
}
