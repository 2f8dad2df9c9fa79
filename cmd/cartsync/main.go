package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cartsync/internal/app"
	"github.com/vladislavdragonenkov/cartsync/internal/version"
)

const (
	envGRPCAddr              = "CARTSYNC_GRPC_ADDR"
	envMetricsAddr           = "CARTSYNC_HTTP_ADDR"
	envStorageDriver         = "CARTSYNC_STORAGE_DRIVER"
	envPostgresDSN           = "CARTSYNC_POSTGRES_DSN"
	envPostgresAutoMigrate   = "CARTSYNC_POSTGRES_AUTO_MIGRATE"
	envSeedFile              = "CARTSYNC_SEED_FILE"
	envKafkaBrokers          = "KAFKA_BROKERS"
	envKafkaTopic            = "CARTSYNC_KAFKA_TOPIC"
	envKafkaGroup            = "CARTSYNC_KAFKA_GROUP"
	envInstanceID            = "CARTSYNC_INSTANCE_ID"
	envOutboxPollInterval    = "CARTSYNC_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize       = "CARTSYNC_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts     = "CARTSYNC_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay      = "CARTSYNC_OUTBOX_RETRY_DELAY"
	envOutboxMaxPending      = "CARTSYNC_OUTBOX_MAX_PENDING"
	envOutboxRetention       = "CARTSYNC_OUTBOX_RETENTION"
	envOutboxCleanupInterval = "CARTSYNC_OUTBOX_CLEANUP_INTERVAL"
	envSelectRate            = "CARTSYNC_SELECT_RATE"
	envSelectBurst           = "CARTSYNC_SELECT_BURST"
	envLogLevel              = "CARTSYNC_LOG_LEVEL"
)

type envLookup func(key string) (string, bool)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(lookup envLookup) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	raw, ok := lookup(envLogLevel)
	if !ok || strings.TrimSpace(raw) == "" {
		return
	}
	level, err := log.ParseLevel(strings.TrimSpace(raw))
	if err != nil {
		log.WithError(err).Warnf("invalid %s, using info", envLogLevel)
		return
	}
	log.SetLevel(level)
}

// readConfigFromEnv накладывает переменные окружения на DefaultConfig.
// Некорректные значения игнорируются, по каждому возвращается предупреждение.
func readConfigFromEnv(lookup envLookup) (app.Config, []string) {
	cfg := app.DefaultConfig()
	var warnings []string
	warn := func(key string, err error) {
		warnings = append(warnings, fmt.Sprintf("%s: %v", key, err))
	}

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str(envGRPCAddr, &cfg.GRPCAddr)
	str(envMetricsAddr, &cfg.MetricsAddr)
	str(envPostgresDSN, &cfg.PostgresDSN)
	str(envSeedFile, &cfg.SeedFile)
	str(envKafkaBrokers, &cfg.KafkaBrokers)
	str(envKafkaTopic, &cfg.KafkaTopic)
	str(envKafkaGroup, &cfg.KafkaGroup)
	str(envInstanceID, &cfg.InstanceID)
	if v, ok := lookup(envStorageDriver); ok && strings.TrimSpace(v) != "" {
		cfg.StorageDriver = strings.ToLower(strings.TrimSpace(v))
	}

	if v, ok := lookup(envPostgresAutoMigrate); ok {
		if parsed, err := parseBool(v); err != nil {
			warn(envPostgresAutoMigrate, err)
		} else {
			cfg.PostgresAutoMigrate = parsed
		}
	}

	positive := func(v int) bool { return v > 0 }
	nonNegative := func(v int) bool { return v >= 0 }
	intVar := func(key string, dst *int, valid func(int) bool, rule string) {
		v, ok := lookup(key)
		if !ok {
			return
		}
		parsed, err := parseInt(v, valid, rule)
		if err != nil {
			warn(key, err)
			return
		}
		*dst = parsed
	}
	intVar(envOutboxBatchSize, &cfg.OutboxBatchSize, positive, "must be > 0")
	intVar(envOutboxMaxAttempts, &cfg.OutboxMaxAttempts, positive, "must be > 0")
	intVar(envOutboxMaxPending, &cfg.OutboxMaxPending, nonNegative, "must be >= 0")
	intVar(envSelectBurst, &cfg.SelectBurst, positive, "must be > 0")

	durationVar := func(key string, dst *time.Duration, valid func(time.Duration) bool, rule string) {
		v, ok := lookup(key)
		if !ok {
			return
		}
		parsed, err := parseDuration(v, valid, rule)
		if err != nil {
			warn(key, err)
			return
		}
		*dst = parsed
	}
	durationVar(envOutboxPollInterval, &cfg.OutboxPollInterval, func(d time.Duration) bool { return d > 0 }, "must be > 0")
	durationVar(envOutboxRetryDelay, &cfg.OutboxRetryDelay, func(d time.Duration) bool { return d >= 0 }, "must be >= 0")
	durationVar(envOutboxRetention, &cfg.OutboxRetention, func(d time.Duration) bool { return d > 0 }, "must be > 0")
	durationVar(envOutboxCleanupInterval, &cfg.OutboxCleanupInterval, func(d time.Duration) bool { return d > 0 }, "must be > 0")

	if v, ok := lookup(envSelectRate); ok {
		rate, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		switch {
		case err != nil:
			warn(envSelectRate, err)
		case rate <= 0:
			warn(envSelectRate, errors.New("must be > 0"))
		default:
			cfg.SelectRate = rate
		}
	}

	return cfg, warnings
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid int value %q", raw)
	}
	if !valid(value) {
		return 0, fmt.Errorf("value %d %s", value, rule)
	}
	return value, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid duration value %q", raw)
	}
	if !valid(value) {
		return 0, fmt.Errorf("value %s %s", value, rule)
	}
	return value, nil
}

func main() {
	setupLogger(os.LookupEnv)
	cfg, warnings := readConfigFromEnv(os.LookupEnv)
	for _, w := range warnings {
		log.Warnf("ignoring invalid setting: %s", w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"grpc_addr":      cfg.GRPCAddr,
		"metrics_addr":   cfg.MetricsAddr,
		"storage_driver": cfg.StorageDriver,
		"kafka":          cfg.KafkaBrokers != "",
		"version":        version.Current().Version,
	}).Info("запускаем cartsync")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("cartsync остановлен")
}
