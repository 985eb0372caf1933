package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Defaults let the binary run locally with the in-memory backend.
type ServerConfig struct {
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"5s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"10s"`
	IdleTimeout     time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"120s"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"15s"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	StoreBackend  string `envconfig:"STORE_BACKEND" default:"memory"`
	PGDSN         string `envconfig:"PG_DSN"`
	RunMigrations bool   `envconfig:"MIGRATE" default:"false"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisGeoKey   string `envconfig:"REDIS_GEO_KEY" default:"drivers_geo"`

	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"driver-locations"`

	JWTSecret string `envconfig:"JWT_SECRET"`
	JWTIssuer string `envconfig:"JWT_ISSUER"`

	// OnlineWindow bounds how old a position may be to count as online.
	OnlineWindow time.Duration `envconfig:"ONLINE_WINDOW" default:"5m"`
	// StaleAfter is the age at which the sweeper demotes a driver to offline.
	StaleAfter                time.Duration `envconfig:"STALE_AFTER" default:"10m"`
	StaleSweepInterval        time.Duration `envconfig:"STALE_SWEEP_INTERVAL" default:"1m"`
	NotificationSweepInterval time.Duration `envconfig:"NOTIFICATION_SWEEP_INTERVAL" default:"1h"`
	NotificationRetentionDays int           `envconfig:"NOTIFICATION_RETENTION_DAYS" default:"30"`

	WSUpdateRate  float64 `envconfig:"WS_UPDATE_RATE" default:"5"`
	WSUpdateBurst int     `envconfig:"WS_UPDATE_BURST" default:"10"`

	FCMEndpoint string `envconfig:"FCM_ENDPOINT"`
	FCMKey      string `envconfig:"FCM_KEY"`

	StripeAPIKey string `envconfig:"STRIPE_API_KEY"`
}

// ConsumerConfig configures the location ingest consumer.
type ConsumerConfig struct {
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":2112"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	KafkaBrokers []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"driver-locations"`
	KafkaGroup   string   `envconfig:"KAFKA_GROUP" default:"ride-tracking-consumer"`

	StoreBackend  string `envconfig:"STORE_BACKEND" default:"redis"`
	PGDSN         string `envconfig:"PG_DSN"`
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisGeoKey   string `envconfig:"REDIS_GEO_KEY" default:"drivers_geo"`

	WriteAttempts int           `envconfig:"CONSUMER_WRITE_ATTEMPTS" default:"3"`
	WriteBackoff  time.Duration `envconfig:"CONSUMER_WRITE_BACKOFF" default:"200ms"`
}

func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	cfg.normalize()
	return cfg, cfg.Validate()
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	var cfg ConsumerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	cfg.KafkaBrokers = trimAll(cfg.KafkaBrokers)

	var errs []error
	if cfg.StoreBackend == BackendMemory {
		// the server could never read what the consumer writes
		errs = append(errs, errors.New("STORE_BACKEND must be postgres or redis for the consumer"))
	} else {
		errs = append(errs, validateBackend(cfg.StoreBackend, cfg.PGDSN, cfg.RedisAddr)...)
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS must not be empty"))
	}
	if cfg.WriteAttempts <= 0 {
		errs = append(errs, errors.New("CONSUMER_WRITE_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func (c *ServerConfig) normalize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	c.RedisAddr = strings.TrimSpace(c.RedisAddr)
	c.KafkaBrokers = trimAll(c.KafkaBrokers)
}

// Validate reports every cross-field problem at once.
func (c ServerConfig) Validate() error {
	var errs []error
	errs = append(errs, validateBackend(c.StoreBackend, c.PGDSN, c.RedisAddr)...)
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	if c.OnlineWindow <= 0 {
		errs = append(errs, errors.New("ONLINE_WINDOW must be > 0"))
	}
	if c.StaleAfter <= c.OnlineWindow {
		errs = append(errs, fmt.Errorf("STALE_AFTER (%s) must exceed ONLINE_WINDOW (%s)", c.StaleAfter, c.OnlineWindow))
	}
	if c.StaleSweepInterval <= 0 || c.NotificationSweepInterval <= 0 {
		errs = append(errs, errors.New("sweep intervals must be > 0"))
	}
	if c.NotificationRetentionDays <= 0 {
		errs = append(errs, errors.New("NOTIFICATION_RETENTION_DAYS must be > 0"))
	}
	if c.WSUpdateRate <= 0 || c.WSUpdateBurst <= 0 {
		errs = append(errs, errors.New("WS_UPDATE_RATE and WS_UPDATE_BURST must be > 0"))
	}
	if (c.FCMEndpoint == "") != (c.FCMKey == "") {
		errs = append(errs, errors.New("FCM_ENDPOINT and FCM_KEY must be set together"))
	}
	return errors.Join(errs...)
}

func validateBackend(backend, dsn, redisAddr string) []error {
	switch backend {
	case BackendMemory:
	case BackendPostgres:
		if dsn == "" {
			return []error{errors.New("PG_DSN is required for the postgres backend")}
		}
	case BackendRedis:
		if redisAddr == "" {
			return []error{errors.New("REDIS_ADDR is required for the redis backend")}
		}
	default:
		return []error{fmt.Errorf("STORE_BACKEND must be memory, postgres or redis, got %q", backend)}
	}
	return nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
