package review

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"dealflow/stage"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound   = errors.New("review: note not found")
	ErrBadStatus  = errors.New("review: note already decided")
	ErrNotReview  = errors.New("review: stage is not a review stage")
	ErrBlankNote  = errors.New("review: justification is blank")
	ErrBadOutcome = errors.New("review: invalid decision")
)

// Store persists review notes.
type Store interface {
	Record(ctx context.Context, caseID string, reviewStage stage.Stage, justification, author string) (Note, error)
	Decide(ctx context.Context, noteID string, decision Decision) (Note, error)
	List(ctx context.Context, caseID string) ([]Note, error)
}

func validateNote(reviewStage stage.Stage, justification string) error {
	if !stage.IsReview(reviewStage) {
		return fmt.Errorf("%w: %s", ErrNotReview, reviewStage)
	}
	if strings.TrimSpace(justification) == "" {
		return ErrBlankNote
	}
	return nil
}

func validateDecision(d Decision) error {
	if d != DecisionOverride && d != DecisionReject && d != DecisionFailed {
		return fmt.Errorf("%w: %q", ErrBadOutcome, d)
	}
	return nil
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const noteColumns = `id::text, case_id::text, review_stage, justification, decision, author, created_at, decided_at`

func scanNote(row pgx.Row) (Note, error) {
	var n Note
	err := row.Scan(&n.ID, &n.CaseID, &n.ReviewStage, &n.Justification, &n.Decision, &n.Author, &n.CreatedAt, &n.DecidedAt)
	return n, err
}

func (r *Repository) Record(ctx context.Context, caseID string, reviewStage stage.Stage, justification, author string) (Note, error) {
	if err := validateNote(reviewStage, justification); err != nil {
		return Note{}, err
	}
	query := `
		INSERT INTO review_notes (case_id, review_stage, justification, author)
		SELECT c.id, $2, $3, $4
		FROM cases c
		WHERE c.id::text = $1
		RETURNING ` + noteColumns

	n, err := scanNote(r.pool.QueryRow(ctx, query, caseID, string(reviewStage), strings.TrimSpace(justification), author))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Note{}, fmt.Errorf("review: case %s: %w", caseID, ErrNotFound)
		}
		return Note{}, fmt.Errorf("review: record: %w", err)
	}
	return n, nil
}

func (r *Repository) Decide(ctx context.Context, noteID string, decision Decision) (Note, error) {
	if err := validateDecision(decision); err != nil {
		return Note{}, err
	}
	query := `
		UPDATE review_notes
		SET decision = $2, decided_at = now()
		WHERE id::text = $1 AND decision = 'pending'
		RETURNING ` + noteColumns

	n, err := scanNote(r.pool.QueryRow(ctx, query, noteID, string(decision)))
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Note{}, fmt.Errorf("review: decide: %w", err)
	}

	var current Decision
	if err := r.pool.QueryRow(ctx, `SELECT decision FROM review_notes WHERE id::text = $1`, noteID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Note{}, ErrNotFound
		}
		return Note{}, fmt.Errorf("review: decide fetch: %w", err)
	}
	return Note{}, ErrBadStatus
}

func (r *Repository) List(ctx context.Context, caseID string) ([]Note, error) {
	query := `SELECT ` + noteColumns + `
		FROM review_notes
		WHERE case_id::text = $1
		ORDER BY created_at DESC, id`

	rows, err := r.pool.Query(ctx, query, caseID)
	if err != nil {
		return nil, fmt.Errorf("review: list: %w", err)
	}
	defer rows.Close()

	out := make([]Note, 0, 4)
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("review: scan: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("review: iterate: %w", err)
	}
	return out, nil
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.Mutex
	notes map[string]Note
	order []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{notes: make(map[string]Note)}
}

func (m *MemoryStore) Record(_ context.Context, caseID string, reviewStage stage.Stage, justification, author string) (Note, error) {
	if err := validateNote(reviewStage, justification); err != nil {
		return Note{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := Note{
		ID:            uuid.NewString(),
		CaseID:        caseID,
		ReviewStage:   reviewStage,
		Justification: strings.TrimSpace(justification),
		Decision:      DecisionPending,
		Author:        author,
		CreatedAt:     time.Now().UTC(),
	}
	m.notes[n.ID] = n
	m.order = append(m.order, n.ID)
	return n, nil
}

func (m *MemoryStore) Decide(_ context.Context, noteID string, decision Decision) (Note, error) {
	if err := validateDecision(decision); err != nil {
		return Note{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notes[noteID]
	if !ok {
		return Note{}, ErrNotFound
	}
	if n.Decision != DecisionPending {
		return Note{}, ErrBadStatus
	}
	now := time.Now().UTC()
	n.Decision, n.DecidedAt = decision, &now
	m.notes[noteID] = n
	return n, nil
}

func (m *MemoryStore) List(_ context.Context, caseID string) ([]Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Note, 0, 4)
	for i := len(m.order) - 1; i >= 0; i-- {
		if n := m.notes[m.order[i]]; n.CaseID == caseID {
			out = append(out, n)
		}
	}
	return out, nil
}
