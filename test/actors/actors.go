package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"dealflow/deal"
	"dealflow/review"
	"dealflow/rules"
	"dealflow/stage"
	"dealflow/transition"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Expected reports whether err is an outcome the workflow produces under
// contention or chaos rather than a bug.
func Expected(err error) bool {
	var inc *transition.IncompleteError
	switch {
	case err == nil,
		errors.As(err, &inc),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, transition.ErrConcurrentModification),
		errors.Is(err, transition.ErrJustificationRequired),
		errors.Is(err, stage.ErrIllegalTransition),
		errors.Is(err, rules.ErrInvalidInput),
		errors.Is(err, deal.ErrClosed),
		errors.Is(err, deal.ErrNotFound),
		errors.Is(err, review.ErrNotReview):
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (strings.HasPrefix(pgErr.Code, "57") || strings.HasPrefix(pgErr.Code, "08")) {
		return true
	}
	// terminated backends surface as broken connections
	msg := err.Error()
	return pgconn.SafeToRetry(err) || strings.Contains(msg, "conn closed") ||
		strings.Contains(msg, "unexpected EOF") || strings.Contains(msg, "connection reset")
}

func pick(ids []string) string { return ids[rand.Intn(len(ids))] }

func amount(lo, hi int64) *decimal.Decimal {
	d := decimal.NewFromInt(lo + rand.Int63n(hi-lo+1))
	return &d
}

func pause(lo, spread int) { time.Sleep(time.Duration(lo+rand.Intn(spread)) * time.Millisecond) }

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

// Creator keeps opening cases so inserts race the other writers.
func Creator(ctx context.Context, store deal.Store, stop <-chan struct{}) error {
	for i := 0; ; i++ {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if _, err := store.Create(ctx, deal.CreateParams{Address: fmt.Sprintf("%d Stress Ln", i), CreatedBy: "creator"}); !Expected(err) {
			return fmt.Errorf("creator: %w", err)
		}
		pause(20, 40)
	}
}

// Valuer races AttemptAdvance with random numbers against shared cases.
func Valuer(ctx context.Context, engine *transition.Engine, ids []string, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		in := transition.Inputs{Confirmed: rand.Intn(3) == 0}
		if rand.Intn(2) == 0 {
			in.AskingPrice = amount(20000, 45000)
			in.MarketValue = amount(40000, 60000)
		}
		if rand.Intn(2) == 0 {
			in.ARV = amount(40000, 90000)
		}
		if _, err := engine.AttemptAdvance(ctx, pick(ids), in); !Expected(err) {
			return fmt.Errorf("valuer: %w", err)
		}
		pause(5, 20)
	}
}

// Inspector records inspections with random defects and title outcomes.
func Inspector(ctx context.Context, engine *transition.Engine, ids []string, stop <-chan struct{}) error {
	tags := []string{"roof", "plumbing", "electrical", "foundation", "hvac", "mold"}
	titles := []deal.TitleStatus{deal.TitleClean, deal.TitleClean, deal.TitleClean, deal.TitleLien, deal.TitleMissing}
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		defects := make([]string, 0, 3)
		for _, i := range rand.Perm(len(tags))[:rand.Intn(4)] {
			defects = append(defects, tags[i])
		}
		title := titles[rand.Intn(len(titles))]
		if _, err := engine.RecordInspection(ctx, pick(ids), defects, title); !Expected(err) {
			return fmt.Errorf("inspector: %w", err)
		}
		pause(10, 30)
	}
}

// Reviewer overrides or rejects whatever is waiting in a review stage.
func Reviewer(ctx context.Context, store deal.Store, reviews *review.Service, ids []string, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		id := pick(ids)
		c, err := store.Get(ctx, id)
		if err != nil {
			if !Expected(err) {
				return fmt.Errorf("reviewer get: %w", err)
			}
			continue
		}
		if stage.IsReview(c.Stage) {
			decide := reviews.Override
			if rand.Intn(4) == 0 {
				decide = reviews.Reject
			}
			if _, _, err := decide(ctx, id, c.Stage, "stress reviewer decision", "reviewer"); !Expected(err) {
				return fmt.Errorf("reviewer decide: %w", err)
			}
		}
		pause(15, 30)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks processed or dead after retries.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			if Expected(err) {
				pause(50, 1)
				continue
			}
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			pause(50, 1)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			// simulate random delivery failure
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, last_attempt=NOW(),
                                     status = CASE WHEN attempts+1 >= 5 THEN 'dead' ELSE status END WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', last_attempt=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		pause(100, 1)
	}
}
