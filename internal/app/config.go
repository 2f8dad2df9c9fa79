package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/cartsync/internal/messaging/kafka"
)

// Поддерживаемые драйверы хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска приложения.
type Config struct {
	GRPCAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	// SeedFile — YAML с прайс-листами и заказами для memory-драйвера.
	SeedFile string

	// KafkaBrokers: адреса брокеров через запятую. Пустое значение отключает межпроцессную синхронизацию.
	KafkaBrokers string
	KafkaTopic   string
	// KafkaGroup по умолчанию уникален для процесса: каждый экземпляр должен
	// получать все события своих сессий.
	KafkaGroup string
	InstanceID string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	OutboxMaxPending   int

	// OutboxRetention: сколько хранить отправленные и failed записи outbox.
	OutboxRetention       time.Duration
	OutboxCleanupInterval time.Duration

	SelectRate  float64
	SelectBurst int
}

// DefaultConfig возвращает настройки для локального запуска.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:              ":50051",
		MetricsAddr:           ":9090",
		StorageDriver:         StorageDriverMemory,
		PostgresAutoMigrate:   true,
		KafkaTopic:            kafka.TopicSyncEvents,
		OutboxPollInterval:    500 * time.Millisecond,
		OutboxBatchSize:       100,
		OutboxMaxAttempts:     3,
		OutboxRetryDelay:      100 * time.Millisecond,
		OutboxMaxPending:      1000,
		OutboxRetention:       24 * time.Hour,
		OutboxCleanupInterval: 10 * time.Minute,
		SelectRate:            20,
		SelectBurst:           10,
	}
}

// Brokers разбирает KafkaBrokers.
func (c Config) Brokers() []string {
	var out []string
	for _, broker := range strings.Split(c.KafkaBrokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			out = append(out, broker)
		}
	}
	return out
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("postgres storage driver requires dsn")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.StorageDriver)
	}
	if c.SelectRate < 0 {
		return fmt.Errorf("select rate must be >= 0, got %v", c.SelectRate)
	}
	if c.OutboxBatchSize < 0 || c.OutboxMaxAttempts < 0 {
		return fmt.Errorf("outbox batch size and max attempts must be >= 0")
	}
	if c.OutboxRetention < 0 || c.OutboxCleanupInterval < 0 {
		return fmt.Errorf("outbox retention and cleanup interval must be >= 0")
	}
	return nil
}
