package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ehr/migration/internal/platform/db"
	"github.com/ehr/migration/migrations"
)

// connStr points at the Postgres server shared by every test. Each test
// migrates its own schema.
var connStr string

func TestMain(m *testing.M) {
	ctx := context.Background()

	connStr = os.Getenv("INTEGRATION_DATABASE_URL")
	var pc *postgresContainer
	if connStr == "" {
		if _, err := exec.LookPath("docker"); err != nil {
			fmt.Fprintln(os.Stderr, "skipping integration tests: set INTEGRATION_DATABASE_URL or install docker")
			os.Exit(0)
		}
		var err error
		if pc, err = startPostgresContainer(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "failed to setup postgres container: %v\n", err)
			os.Exit(1)
		}
		connStr = pc.url
	}

	code := m.Run()
	if pc != nil {
		pc.stop()
	}
	os.Exit(code)
}

// newSchemaPool applies the embedded migrations to a fresh schema and returns
// a pool whose search_path points at it. The schema is dropped on cleanup.
func newSchemaPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()
	schema := "it_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")

	admin, err := db.NewPool(ctx, db.PoolConfig{URL: connStr, MaxConns: 2})
	require.NoError(t, err, "connect")
	t.Cleanup(func() {
		if _, err := admin.Exec(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema)); err != nil {
			t.Logf("warning: failed to drop schema %s: %v", schema, err)
		}
		admin.Close()
	})

	migrator, err := db.NewMigrator(admin, migrations.FS, schema, zerolog.Nop())
	require.NoError(t, err, "migrator")
	_, err = migrator.Up(ctx)
	require.NoError(t, err, "migrate up")

	pool, err := db.NewPool(ctx, db.PoolConfig{URL: connStr, MaxConns: 5, Schema: schema})
	require.NoError(t, err, "connect to %s", schema)
	t.Cleanup(pool.Close)
	return pool
}

// writeCSV writes one export file into dir.
func writeCSV(t *testing.T, dir, entity string, rows ...string) {
	t.Helper()
	body := strings.Join(rows, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, entity+".csv"), []byte(body), 0o600))
}
