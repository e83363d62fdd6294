package infra

import (
	"context"
	"io"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OpenTestPool returns a migrated pool for integration tests. A shared DSN gets an
// isolated schema; otherwise a container is started. The test is skipped when
// neither a DSN nor Docker is available.
func OpenTestPool(t testing.TB) *pgxpool.Pool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dsn := SharedDSN("")
	isolate := dsn != ""
	if dsn == "" {
		if !DockerAvailable(ctx) {
			t.Skip("DATABASE_URL not set and docker unavailable; skipping integration test")
		}
		pgC, containerDSN, err := StartPostgres(ctx, "")
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
		t.Cleanup(func() { _ = pgC.Terminate(context.Background()) })
		dsn = containerDSN
	}

	pool, teardown, err := ApplyMigrations(ctx, dsn, isolate)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	})
	return pool
}

// DockerAvailable reports whether a docker daemon answers.
func DockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
