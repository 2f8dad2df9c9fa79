package postgres

import (
	"errors"
	"slices"
	"strings"
	"testing"
	"testing/fstest"
)

func TestLoadMigrationsFromFS_Success(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/migrations/0001_init.up.sql": {
			Data: []byte("CREATE TABLE test_a (id INT);"),
		},
		"sql/migrations/0001_init.down.sql": {
			Data: []byte("DROP TABLE IF EXISTS test_a;"),
		},
		"sql/migrations/0002_more.up.sql": {
			Data: []byte("CREATE TABLE test_b (id INT);"),
		},
		"sql/migrations/0002_more.down.sql": {
			Data: []byte("DROP TABLE IF EXISTS test_b;"),
		},
	}

	migrations, err := loadMigrationsFromFS(fsys)
	if err != nil {
		t.Fatalf("loadMigrationsFromFS failed: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}

	if migrations[0].Version != 1 || migrations[0].Name != "init" {
		t.Fatalf("unexpected first migration: %+v", migrations[0])
	}
	if migrations[1].Version != 2 || migrations[1].Name != "more" {
		t.Fatalf("unexpected second migration: %+v", migrations[1])
	}
}

func TestLoadMigrationsFromFS_MissingDown(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/migrations/0001_init.up.sql": {
			Data: []byte("CREATE TABLE test_a (id INT);"),
		},
	}

	_, err := loadMigrationsFromFS(fsys)
	if err == nil {
		t.Fatal("expected error for missing down migration")
	}
	if !strings.Contains(err.Error(), "both up and down") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadMigrationsFromFS_InvalidFilename(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/migrations/not_a_migration.sql": {
			Data: []byte("SELECT 1;"),
		},
	}

	_, err := loadMigrationsFromFS(fsys)
	if err == nil {
		t.Fatal("expected error for invalid migration file name")
	}
}

func TestLoadMigrationsFromFS_EmptyFile(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/migrations/0001_init.up.sql": {
			Data: []byte("   \n"),
		},
		"sql/migrations/0001_init.down.sql": {
			Data: []byte("DROP TABLE IF EXISTS test;"),
		},
	}

	_, err := loadMigrationsFromFS(fsys)
	if err == nil {
		t.Fatal("expected error for empty migration file body")
	}
}

func TestLoadMigrationsFromFS_Embedded(t *testing.T) {
	t.Parallel()

	migrations, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		t.Fatalf("embedded migrations must load: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 embedded migrations, got %d", len(migrations))
	}
	if migrations[0].Name != "catalog_orders" || migrations[1].Name != "outbox" {
		t.Fatalf("unexpected embedded migrations: %s, %s", migrations[0].Name, migrations[1].Name)
	}
	if !strings.Contains(migrations[0].UpSQL, "order_lines_order_entry_unique") {
		t.Fatal("order lines must be unique per order and entry")
	}
	if !strings.Contains(migrations[1].UpSQL, "CREATE TABLE IF NOT EXISTS sync_outbox") ||
		!strings.Contains(migrations[1].UpSQL, "envelope JSONB") {
		t.Fatal("outbox migration must create sync_outbox with a JSONB envelope")
	}
}

func TestLoadMigrationsFromFS_ChecksumTracksUpScript(t *testing.T) {
	t.Parallel()

	build := func(up string) migration {
		t.Helper()
		migrations, err := loadMigrationsFromFS(fstest.MapFS{
			"sql/migrations/0001_init.up.sql":   {Data: []byte(up)},
			"sql/migrations/0001_init.down.sql": {Data: []byte("DROP TABLE t;")},
		})
		if err != nil {
			t.Fatalf("loadMigrationsFromFS failed: %v", err)
		}
		return migrations[0]
	}

	a := build("CREATE TABLE t (id INT);")
	if a.Checksum == "" {
		t.Fatal("checksum must be set")
	}
	if b := build("  CREATE TABLE t (id INT);\n"); b.Checksum != a.Checksum {
		t.Fatal("surrounding whitespace must not change checksum")
	}
	if c := build("CREATE TABLE t (id BIGINT);"); c.Checksum == a.Checksum {
		t.Fatal("changed script must change checksum")
	}
}

func TestPlanMigrations(t *testing.T) {
	t.Parallel()

	embedded := []migration{
		{Version: 1, Name: "catalog_orders", Checksum: "c1"},
		{Version: 2, Name: "outbox", Checksum: "c2"},
		{Version: 3, Name: "extra", Checksum: "c3"},
	}
	versions := func(plan []migration) []int64 {
		out := make([]int64, 0, len(plan))
		for _, m := range plan {
			out = append(out, m.Version)
		}
		return out
	}

	cases := []struct {
		name      string
		applied   map[int64]appliedMigration
		direction migrationDirection
		steps     int
		want      []int64
		wantErr   error
	}{
		{
			name:      "up applies all pending in order",
			applied:   map[int64]appliedMigration{1: {checksum: "c1"}},
			direction: migrationUp,
			want:      []int64{2, 3},
		},
		{
			name:      "up respects steps",
			applied:   map[int64]appliedMigration{},
			direction: migrationUp,
			steps:     1,
			want:      []int64{1},
		},
		{
			name:      "legacy record without checksum is accepted",
			applied:   map[int64]appliedMigration{1: {}, 2: {}},
			direction: migrationUp,
			want:      []int64{3},
		},
		{
			name:      "changed applied migration blocks up",
			applied:   map[int64]appliedMigration{1: {checksum: "c1"}, 2: {checksum: "old"}},
			direction: migrationUp,
			wantErr:   ErrMigrationDrift,
		},
		{
			name:      "down rolls back newest first",
			applied:   map[int64]appliedMigration{1: {}, 2: {}, 3: {}},
			direction: migrationDown,
			steps:     2,
			want:      []int64{3, 2},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := planMigrations(embedded, tc.applied, tc.direction, tc.steps)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("planMigrations failed: %v", err)
			}
			if got := versions(plan); !slices.Equal(got, tc.want) {
				t.Fatalf("plan = %v, want %v", got, tc.want)
			}
		})
	}

	if _, err := planMigrations(embedded, map[int64]appliedMigration{9: {}}, migrationDown, 1); err == nil {
		t.Fatal("expected error for unknown applied version")
	}
}
