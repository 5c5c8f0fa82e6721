//go:build integration
// +build integration

package postgres_test

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const migrationsDir = "../../../migrations"

// NewTestPool uses TEST_DB_DSN when set, otherwise starts a postgres container.
func NewTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	dsn := strings.TrimSpace(os.Getenv("TEST_DB_DSN"))
	if dsn == "" {
		container, err := tcpostgres.RunContainer(ctx,
			testcontainers.WithImage("postgres:17"),
			tcpostgres.WithDatabase("affiliate"),
			tcpostgres.WithUsername("affiliate"),
			tcpostgres.WithPassword("affiliate"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		require.NoError(t, err, "start postgres container")
		t.Cleanup(func() {
			if err := container.Terminate(ctx); err != nil {
				t.Logf("terminate container: %v", err)
			}
		})

		dsn, err = container.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	WipeDB(t, pool)
	ApplyMigrations(t, pool, migrationsDir)
	return pool
}

func WipeDB(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := pool.Exec(ctx, `
		DO $$
		DECLARE
			r RECORD;
		BEGIN
			FOR r IN (SELECT tablename FROM pg_tables WHERE schemaname = 'public') LOOP
				EXECUTE 'DROP TABLE IF EXISTS ' || quote_ident(r.tablename) || ' CASCADE';
			END LOOP;
		END $$;
	`)
	if err != nil {
		t.Fatalf("wipe db (tables): %v", err)
	}
}

// ApplyMigrations runs every *.up.sql file in name order.
func ApplyMigrations(t *testing.T, pool *pgxpool.Pool, dir string) {
	t.Helper()
	absDir, _ := filepath.Abs(dir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read migrations dir %q (abs: %q): %v", dir, absDir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		t.Fatalf("no migration files found in %q", absDir)
	}
	sort.Strings(files)

	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read migration %s: %v", name, err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err = pool.Exec(ctx, string(content))
		cancel()
		if err != nil {
			t.Fatalf("apply migration %s: %v", name, err)
		}
	}
}
