// Package chaos breaks database connections under a running workload.
package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const terminateOne = `
SELECT pg_terminate_backend(pid)
FROM pg_stat_activity
WHERE datname = current_database()
  AND pid <> pg_backend_pid()
  AND backend_type = 'client backend'
ORDER BY random()
LIMIT 1`

// BackendKiller terminates one random client backend of the current database
// with probability 1/Odds every Interval.
type BackendKiller struct {
	Pool     *pgxpool.Pool
	Interval time.Duration
	Odds     int

	killed atomic.Int64
}

// Killed reports how many terminations were issued.
func (k *BackendKiller) Killed() int64 { return k.killed.Load() }

// Run blocks until ctx is done or stop is closed.
func (k *BackendKiller) Run(ctx context.Context, stop <-chan struct{}) {
	interval, odds := k.Interval, k.Odds
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if odds <= 0 {
		odds = 5
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(odds) != 0 {
				continue
			}
			if _, err := k.Pool.Exec(ctx, terminateOne); err == nil {
				k.killed.Add(1)
			}
		}
	}
}
