package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/cartsync/internal/storage/memory"
	"github.com/vladislavdragonenkov/cartsync/internal/storage/postgres"
)

const (
	defaultTimeout = 30 * time.Second
	envPostgresDSN = "CARTSYNC_POSTGRES_DSN"
)

func main() {
	var (
		direction string
		steps     int
		dsn       string
		seedFile  string
	)

	flag.StringVar(&direction, "direction", "up", "migration direction: up|down|status")
	flag.IntVar(&steps, "steps", 0, "number of migrations to apply/rollback (0=all for up, 1 for down)")
	flag.StringVar(&dsn, "dsn", "", "PostgreSQL DSN (fallback: "+envPostgresDSN+")")
	flag.StringVar(&seedFile, "seed", "", "YAML seed with price lists and orders, applied after up")
	flag.Parse()

	if strings.TrimSpace(dsn) == "" {
		dsn = strings.TrimSpace(os.Getenv(envPostgresDSN))
	}
	if dsn == "" {
		fail("%s (or -dsn) is required", envPostgresDSN)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		fail("open postgres store: %v", err)
	}
	defer store.Close()

	switch strings.ToLower(strings.TrimSpace(direction)) {
	case "up":
		if err := store.MigrateUp(ctx, steps); err != nil {
			fail("migrate up failed: %v", err)
		}
		if seedFile != "" {
			if err := applySeed(store, seedFile); err != nil {
				fail("seed failed: %v", err)
			}
			fmt.Printf("seed applied: %s\n", seedFile)
		}
		printSummary(ctx, store, "migrate up ok")
	case "down":
		if steps <= 0 {
			steps = 1
		}
		if err := store.MigrateDown(ctx, steps); err != nil {
			fail("migrate down failed: %v", err)
		}
		printSummary(ctx, store, "migrate down ok")
	case "status":
		states, err := store.Migrations(ctx)
		if err != nil {
			fail("migration status failed: %v", err)
		}
		printStates(os.Stdout, states)
		printSummary(ctx, store, "migration status")
	default:
		fail("unsupported direction: %s (use up|down|status)", direction)
	}
}

func applySeed(store *postgres.Store, path string) error {
	seed, err := memory.LoadSeedFile(path)
	if err != nil {
		return err
	}
	return seed.Apply(postgres.NewCollaborator(store))
}

func printSummary(ctx context.Context, store *postgres.Store, prefix string) {
	version, count, err := store.MigrationStatus(ctx)
	if err != nil {
		fail("migration status failed: %v", err)
	}
	fmt.Printf("%s: version=%d applied=%d\n", prefix, version, count)
}

func printStates(w io.Writer, states []postgres.MigrationState) {
	for _, s := range states {
		applied := "pending"
		if s.Applied {
			applied = "applied " + s.AppliedAt.Format(time.RFC3339)
		}
		if s.Drifted {
			applied += " (changed since applied)"
		}
		_, _ = fmt.Fprintf(w, "%04d %-20s %s\n", s.Version, s.Name, applied)
	}
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
