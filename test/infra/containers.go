package infra

import (
	"context"
	"fmt"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// DefaultImage is the Postgres image integration runs start when no database
// is supplied. DEALFLOW_TEST_PG_IMAGE overrides it.
const DefaultImage = "postgres:16-alpine"

// PGContainer is a started Postgres container. The zero value stands for an
// external database and terminates as a no-op.
type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres returns a DSN for a throwaway database. An external database
// from overrideDSN, STRESS_TEST_PG_DSN or DATABASE_URL wins over a container.
func StartPostgres(ctx context.Context, overrideDSN string) (*PGContainer, string, error) {
	if dsn := SharedDSN(overrideDSN); dsn != "" {
		return &PGContainer{}, dsn, nil
	}

	image := os.Getenv("DEALFLOW_TEST_PG_IMAGE")
	if image == "" {
		image = DefaultImage
	}
	pgC, err := postgres.Run(ctx, image,
		postgres.WithDatabase("dealflow"),
		postgres.WithUsername("dealflow"),
		postgres.WithPassword("dealflow"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, "", fmt.Errorf("run %s: %w", image, err)
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", fmt.Errorf("container dsn: %w", err)
	}
	return &PGContainer{C: pgC}, dsn, nil
}

// SharedDSN resolves an externally provided database, if any.
func SharedDSN(overrideDSN string) string {
	for _, dsn := range []string{overrideDSN, os.Getenv("STRESS_TEST_PG_DSN"), os.Getenv("DATABASE_URL")} {
		if dsn != "" {
			return dsn
		}
	}
	return ""
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}
