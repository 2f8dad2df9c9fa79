package app

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/cartsync/internal/health"
	"github.com/vladislavdragonenkov/cartsync/internal/storage/memory"
	"github.com/vladislavdragonenkov/cartsync/internal/storage/postgres"
)

type runtimeDependencies struct {
	collab         domain.DataCollaborator
	outboxRepo     domain.OutboxRepository
	storageChecker healthcheck.Checker
	closeFn        func() error
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (runtimeDependencies, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StorageDriver)) {
	case "", StorageDriverMemory:
		return initMemoryDependencies(cfg, logger)
	case StorageDriverPostgres:
		return initPostgresDependencies(ctx, cfg, logger)
	default:
		return runtimeDependencies{}, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func initMemoryDependencies(cfg Config, logger *log.Entry) (runtimeDependencies, error) {
	collab := memory.NewCollaborator()
	if cfg.SeedFile != "" {
		seed, err := memory.LoadSeedFile(cfg.SeedFile)
		if err != nil {
			return runtimeDependencies{}, err
		}
		if err := seed.Apply(collab); err != nil {
			return runtimeDependencies{}, fmt.Errorf("apply seed %s: %w", cfg.SeedFile, err)
		}
		logger.WithFields(log.Fields{
			"seed":        cfg.SeedFile,
			"price_lists": len(seed.PriceLists),
			"orders":      len(seed.Orders),
		}).Info("memory storage seeded")
	}

	return runtimeDependencies{
		collab:     collab,
		outboxRepo: memory.NewOutboxRepository(),
	}, nil
}

func initPostgresDependencies(ctx context.Context, cfg Config, logger *log.Entry) (runtimeDependencies, error) {
	if strings.TrimSpace(cfg.PostgresDSN) == "" {
		return runtimeDependencies{}, fmt.Errorf("postgres storage driver requires dsn")
	}

	store, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return runtimeDependencies{}, err
	}
	fail := func(err error) (runtimeDependencies, error) {
		_ = store.Close()
		return runtimeDependencies{}, err
	}

	if cfg.PostgresAutoMigrate {
		if err := store.MigrateUp(ctx, 0); err != nil {
			return fail(fmt.Errorf("auto migrate: %w", err))
		}
	}

	collab := postgres.NewCollaborator(store)
	if cfg.SeedFile != "" {
		seed, err := memory.LoadSeedFile(cfg.SeedFile)
		if err != nil {
			return fail(err)
		}
		// Заказы из seed перезаписываются вместе со строками.
		if err := seed.Apply(collab); err != nil {
			return fail(fmt.Errorf("apply seed %s: %w", cfg.SeedFile, err))
		}
		logger.WithField("seed", cfg.SeedFile).Info("postgres storage seeded")
	}

	logger.Info("postgres storage initialized")
	return runtimeDependencies{
		collab:         collab,
		outboxRepo:     postgres.NewOutboxRepository(store),
		storageChecker: healthcheck.NewSimpleChecker("postgres", store.Ping),
		closeFn:        store.Close,
	}, nil
}
