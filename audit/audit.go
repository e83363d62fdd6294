// Package audit records every handler invocation the orchestrator makes.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is one handler invocation and its outcome.
type Entry struct {
	CaseID    string
	Handler   string
	Input     string
	Output    string
	Redirect  string
	Err       string
	Timestamp time.Time
}

// Sink persists entries. Append failures never abort a request.
type Sink interface {
	Append(ctx context.Context, e Entry) error
}

// MemorySink keeps entries in process.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

// Entries returns a copy of everything appended so far.
func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

// List mirrors PGSink.List: newest first, up to limit.
func (s *MemorySink) List(_ context.Context, caseID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > maxList {
		limit = defaultList
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if s.entries[i].CaseID == caseID {
			out = append(out, s.entries[i])
		}
	}
	return out, nil
}

const (
	defaultList = 100
	maxList     = 500
)

// PGSink writes entries to audit_logs.
type PGSink struct {
	pool *pgxpool.Pool
}

func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool}
}

func (s *PGSink) Append(ctx context.Context, e Entry) error {
	const query = `
		INSERT INTO audit_logs (case_id, handler, input, output, redirect, err, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if _, err := s.pool.Exec(ctx, query, e.CaseID, e.Handler, e.Input, e.Output, e.Redirect, e.Err, ts); err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// List returns the newest entries for a case, up to limit.
func (s *PGSink) List(ctx context.Context, caseID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > maxList {
		limit = defaultList
	}
	const query = `
		SELECT case_id, handler, input, output, redirect, err, ts
		FROM audit_logs
		WHERE case_id = $1
		ORDER BY ts DESC, id DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, caseID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.CaseID, &e.Handler, &e.Input, &e.Output, &e.Redirect, &e.Err, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate: %w", err)
	}
	return out, nil
}
