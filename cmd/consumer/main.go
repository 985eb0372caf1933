package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-tracking/internal/apperr"
	"github.com/example/ride-tracking/internal/config"
	"github.com/example/ride-tracking/internal/ingest"
	"github.com/example/ride-tracking/internal/location"
	"github.com/example/ride-tracking/internal/logging"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/observability"
	"github.com/example/ride-tracking/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("config_invalid", "error", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("consumer_exit", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ConsumerConfig, logger *slog.Logger) error {
	var (
		store storage.LocationStore
		ready func(context.Context) error
	)
	switch cfg.StoreBackend {
	case config.BackendRedis:
		rc, err := storage.OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer rc.Close()
		store = storage.NewRedisLocationStore(rc, cfg.RedisGeoKey)
		ready = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
	case config.BackendPostgres:
		db, err := storage.OpenPostgres(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		store = storage.NewPostgresLocationStore(db)
		ready = db.PingContext
	default:
		return fmt.Errorf("store backend %q is not shared with the server", cfg.StoreBackend)
	}
	locations := location.NewService(store, location.Options{Logger: logging.Component(logger, "location")})

	go serveMetrics(cfg.MetricsAddr, ready, logger)

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup,
		MinBytes: 10e3, MaxBytes: 10e6,
	})
	defer func() { _ = r.Close() }()

	logger.Info("consumer_listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("consumer_stopping")
				return nil
			}
			logger.Warn("kafka_read_failed", "error", err, "backoff", backoff.String())
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		handleMessage(ctx, locations, m, cfg.WriteAttempts, cfg.WriteBackoff, logger)
	}
}

// LocationWriter is the slice of the location service the consumer drives.
type LocationWriter interface {
	IngestEvent(ctx context.Context, ev models.LocationEvent) (bool, error)
}

func handleMessage(ctx context.Context, w LocationWriter, m kafka.Message, attempts int, delay time.Duration, logger *slog.Logger) {
	ev, err := ingest.DecodeLocationEvent(m)
	if err != nil {
		observability.ConsumerMessages.WithLabelValues("invalid").Inc()
		logger.Warn("invalid_message", "offset", m.Offset, "error", err)
		return
	}
	applied, err := ingestWithRetry(ctx, w, ev, attempts, delay)
	if err != nil {
		outcome := "failed"
		if apperr.Is(err, apperr.CodeInvalidArgument) {
			outcome = "invalid"
		}
		observability.ConsumerMessages.WithLabelValues(outcome).Inc()
		logger.Warn("location_ingest_failed", "driver_id", ev.DriverID, "error", err)
		return
	}
	if !applied {
		observability.ConsumerMessages.WithLabelValues("superseded").Inc()
		logger.Debug("location_event_superseded", "driver_id", ev.DriverID, "sent_at", ev.SentAt)
		return
	}
	observability.ConsumerMessages.WithLabelValues("ok").Inc()
}

// ingestWithRetry writes ev with doubling backoff. Rejected input is not
// retried since it can never succeed.
func ingestWithRetry(ctx context.Context, w LocationWriter, ev models.LocationEvent, attempts int, delay time.Duration) (bool, error) {
	var err error
	for i := 0; i < attempts; i++ {
		var applied bool
		if applied, err = w.IngestEvent(ctx, ev); err == nil {
			return applied, nil
		}
		if apperr.Is(err, apperr.CodeInvalidArgument) || i == attempts-1 {
			return false, err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false, errors.Join(err, ctx.Err())
		}
		delay *= 2
	}
	return false, err
}

func serveMetrics(addr string, ready func(context.Context) error, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := ready(r.Context()); err != nil {
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics_listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics_server_stopped", "error", err)
	}
}
