package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"dealflow/deal"
	"dealflow/document"
	"dealflow/logger"
	"dealflow/review"
	"dealflow/telemetry"
	"dealflow/test/actors"
	"dealflow/test/chaos"
	"dealflow/test/infra"
	"dealflow/test/oracles"
	"dealflow/transition"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flCases       = flag.Int("cases", 4, "number of shared cases the actors fight over")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestCaseWorkflowConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run skipped in -short mode")
	}
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if infra.DockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Skipf("no postgres available: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	// migrations
	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	store := telemetry.WrapStore(deal.NewPGStore(pool))
	docs := document.NewService(document.NewRepository(pool), false)
	engine := transition.New(store, transition.WithDocumentCheck(docs), transition.WithLogger(logger.Nop()))
	reviews := review.NewService(review.NewRepository(pool), engine, logger.Nop())

	ids := mustSeed(t, ctx, store, *flCases)

	// run actors
	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// valuers and inspectors battling over the same cases
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Valuer(ctx2, engine, ids, stop) })
		g.Go(func() error { return actors.Inspector(ctx2, engine, ids, stop) })
	}
	g.Go(func() error { return actors.Reviewer(ctx2, store, reviews, ids, stop) })
	g.Go(func() error { return actors.Creator(ctx2, store, stop) })
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, stop) })
	// chaos: kill random backends under the actors
	killer := &chaos.BackendKiller{Pool: pool}
	go killer.Run(ctx2, stop)

	// schedule oracle checks until duration reached
	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx2.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || actors.Expected(err) {
					continue
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	t.Logf("chaos terminated %d backends", killer.Killed())
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v (seed=%d)", err, seed)
		}
	}

	// final pass once writers are quiet
	if name, row, err := oracles.Run(ctx, pool); err != nil {
		t.Fatalf("final oracle error: %v", err)
	} else if name != "" {
		dumpRecent(t, ctx, pool)
		t.Fatalf("Oracle %s failed after run. First row: %s (seed=%d)", name, row, seed)
	}
}

// mustSeed opens the shared cases the actors contend over.
func mustSeed(t *testing.T, ctx context.Context, store deal.Store, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		c, err := store.Create(ctx, deal.CreateParams{Address: fmt.Sprintf("%d Contended Ct", i), CreatedBy: "stress"})
		if err != nil {
			t.Fatalf("seed case: %v", err)
		}
		ids = append(ids, c.ID)
	}
	return ids
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"cases", `SELECT id, stage, status, version, updated_at FROM cases ORDER BY updated_at DESC LIMIT 50`},
		{"case_events", `SELECT id, case_id, seq, type, payload, created_at FROM case_events ORDER BY id DESC LIMIT 50`},
		{"inspections", `SELECT id, case_id, repair_estimate, title_status, recorded_at FROM inspections ORDER BY seq DESC LIMIT 50`},
		{"review_notes", `SELECT id, case_id, review_stage, decision, created_at FROM review_notes ORDER BY created_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			// compact print
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
