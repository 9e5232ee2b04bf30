// Package util provides database test scaffolding shared by integration
// tests: a throwaway PostgreSQL instance (testcontainers locally, an
// external service container in CI) wired into a *store.Store — the
// same entrypoint pkg/notifylistener and pkg/metrics use in production.
//
// Unlike a per-test schema, basics.transactions/blocks/contracts/metrics
// are addressed schema-qualified throughout pkg/store (the schema is
// owned by the external processor, not generated per test), so
// isolation here is per-container rather than per-schema: each call to
// SetupTestStore gets its own PostgreSQL instance seeded from
// deploy/postgres-init/01-init.sql, except with CI_DATABASE_URL set,
// where every call shares that database and truncates its tables.
package util

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/validana-io/vserver/pkg/store"
)

// SetupTestStore starts a fresh PostgreSQL container (or connects to
// CI_DATABASE_URL if set) seeded with the basics schema, returning a
// *store.Store and the raw connection string for components that need
// their own connection — pkg/notifylistener's dedicated LISTEN session,
// in particular.
func SetupTestStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	ctx := context.Background()

	connStr := connectionString(t)

	st, err := store.OpenWithConnString(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(st.Close)

	// A CI_DATABASE_URL instance is shared across every test in the run,
	// so each test starts from an empty table set; a fresh testcontainer
	// already starts empty and doesn't need this.
	if os.Getenv("CI_DATABASE_URL") != "" {
		truncateAll(ctx, t, st)
	}

	return st, connStr
}

func truncateAll(ctx context.Context, t *testing.T, st *store.Store) {
	t.Helper()
	const stmt = `TRUNCATE basics.transactions, basics.blocks, basics.contracts, basics.metrics`
	_, err := st.Pool.Exec(ctx, stmt)
	require.NoError(t, err)
}

func connectionString(t *testing.T) string {
	t.Helper()

	if ciDatabaseURL := os.Getenv("CI_DATABASE_URL"); ciDatabaseURL != "" {
		t.Log("using external PostgreSQL from CI_DATABASE_URL")
		return ciDatabaseURL
	}

	t.Log("using testcontainers for PostgreSQL")
	pgContainer, err := postgres.Run(ctx(), "postgres:17-alpine",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		postgres.WithInitScripts(resolveInitScriptPath()),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx(), "sslmode=disable")
	require.NoError(t, err)
	return connStr
}

func ctx() context.Context { return context.Background() }

// resolveInitScriptPath finds deploy/postgres-init/01-init.sql relative
// to this source file, so it resolves regardless of which package's
// test is running.
func resolveInitScriptPath() string {
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		panic("resolveInitScriptPath: runtime.Caller(0) failed")
	}
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(thisFile))) // test/util/ -> test/ -> project root
	return filepath.Join(projectRoot, "deploy", "postgres-init", "01-init.sql")
}
