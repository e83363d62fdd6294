package document

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrCaseNotFound signals an attach against an unknown case.
	ErrCaseNotFound = errors.New("document: case not found")
	// ErrKindRequired signals an attach without a document kind.
	ErrKindRequired = errors.New("document: kind is required")
)

// Repository persists case_documents rows. Attaching a kind twice replaces
// the earlier file.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func normalizeKind(kind string) (string, error) {
	k := strings.ToLower(strings.TrimSpace(kind))
	if k == "" {
		return "", ErrKindRequired
	}
	return k, nil
}

func (r *Repository) Attach(ctx context.Context, doc Document) (Document, error) {
	kind, err := normalizeKind(doc.Kind)
	if err != nil {
		return Document{}, err
	}
	const query = `
		INSERT INTO case_documents (case_id, kind, filename, uploaded_by)
		SELECT c.id, $2, $3, $4
		FROM cases c
		WHERE c.id::text = $1
		ON CONFLICT (case_id, kind) DO UPDATE
		SET filename = EXCLUDED.filename,
		    uploaded_by = EXCLUDED.uploaded_by,
		    uploaded_at = now()
		RETURNING id::text, case_id::text, kind, filename, uploaded_by, uploaded_at
	`
	var out Document
	err = r.pool.QueryRow(ctx, query, doc.CaseID, kind, doc.Filename, doc.UploadedBy).Scan(
		&out.ID, &out.CaseID, &out.Kind, &out.Filename, &out.UploadedBy, &out.UploadedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, ErrCaseNotFound
		}
		return Document{}, fmt.Errorf("document: attach: %w", err)
	}
	return out, nil
}

// List returns the documents on file for a case ordered by kind.
func (r *Repository) List(ctx context.Context, caseID string) ([]Document, error) {
	const query = `
		SELECT id::text, case_id::text, kind, filename, uploaded_by, uploaded_at
		FROM case_documents
		WHERE case_id::text = $1
		ORDER BY kind ASC
	`
	rows, err := r.pool.Query(ctx, query, caseID)
	if err != nil {
		return nil, fmt.Errorf("document: list: %w", err)
	}
	defer rows.Close()

	docs := make([]Document, 0, 4)
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.CaseID, &d.Kind, &d.Filename, &d.UploadedBy, &d.UploadedAt); err != nil {
			return nil, fmt.Errorf("document: scan: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("document: iterate: %w", err)
	}
	return docs, nil
}

// MemoryRepository keeps documents in process. It does not know which cases
// exist, so Attach never returns ErrCaseNotFound.
type MemoryRepository struct {
	mu   sync.Mutex
	docs map[string]map[string]Document
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{docs: make(map[string]map[string]Document)}
}

func (m *MemoryRepository) Attach(_ context.Context, doc Document) (Document, error) {
	kind, err := normalizeKind(doc.Kind)
	if err != nil {
		return Document{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byKind, ok := m.docs[doc.CaseID]
	if !ok {
		byKind = make(map[string]Document)
		m.docs[doc.CaseID] = byKind
	}
	doc.Kind = kind
	if prev, ok := byKind[kind]; ok {
		doc.ID = prev.ID
	} else {
		doc.ID = uuid.NewString()
	}
	doc.UploadedAt = time.Now().UTC()
	byKind[kind] = doc
	return doc, nil
}

func (m *MemoryRepository) List(_ context.Context, caseID string) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Document, 0, len(m.docs[caseID]))
	for _, d := range m.docs[caseID] {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out, nil
}
