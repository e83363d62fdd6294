package deal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dealflow/stage"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests and the local dev server.
type MemoryStore struct {
	mu          sync.Mutex
	cases       map[string]Case
	inspections map[string][]InspectionRecord
	now         func() time.Time
	idGen       func() string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cases:       make(map[string]Case),
		inspections: make(map[string][]InspectionRecord),
		now:         time.Now,
		idGen:       func() string { return uuid.NewString() },
	}
}

// WithClock overrides the time source.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

// WithIDGenerator overrides case and inspection id generation.
func (s *MemoryStore) WithIDGenerator(gen func() string) *MemoryStore {
	s.idGen = gen
	return s
}

func (s *MemoryStore) Create(_ context.Context, params CreateParams) (Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	c := Case{
		ID:        s.idGen(),
		Address:   params.Address,
		CreatedBy: params.CreatedBy,
		Stage:     stage.DocumentsPending,
		Status:    stage.Status(stage.DocumentsPending),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.cases[c.ID] = c
	return c.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cases[id]
	if !ok {
		return Case{}, ErrNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, filters ListFilters) ([]Case, int, error) {
	filters.normalize()

	s.mu.Lock()
	matched := make([]Case, 0, len(s.cases))
	for _, c := range s.cases {
		if filters.CreatedBy != "" && c.CreatedBy != filters.CreatedBy {
			continue
		}
		if filters.Stage != "" && c.Stage != filters.Stage {
			continue
		}
		matched = append(matched, c.Clone())
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := (filters.Page - 1) * filters.PageSize
	if start >= total {
		return []Case{}, total, nil
	}
	end := start + filters.PageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cases[id]; !ok {
		return ErrNotFound
	}
	delete(s.cases, id)
	delete(s.inspections, id)
	return nil
}

func (s *MemoryStore) UpdateFields(_ context.Context, id string, fields Fields) (Case, error) {
	if err := ValidateFields(fields); err != nil {
		return Case{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cases[id]
	if !ok {
		return Case{}, ErrNotFound
	}
	if stage.IsTerminal(c.Stage) {
		return Case{}, ErrClosed
	}
	if fields.Empty() {
		return c.Clone(), nil
	}
	applyFields(&c, fields)
	c.Version++
	c.UpdatedAt = s.now().UTC()
	s.cases[id] = c
	return c.Clone(), nil
}

func (s *MemoryStore) AppendInspection(_ context.Context, id string, rec InspectionRecord) (Case, error) {
	if err := ValidateInspection(rec); err != nil {
		return Case{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cases[id]
	if !ok {
		return Case{}, ErrNotFound
	}
	if stage.IsTerminal(c.Stage) {
		return Case{}, ErrClosed
	}

	rec.CaseID = id
	if rec.ID == "" {
		rec.ID = s.idGen()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = s.now().UTC()
	}
	s.inspections[id] = append(s.inspections[id], rec.Clone())

	estimate := rec.RepairEstimate
	title := rec.TitleStatus
	c.RepairEstimate = &estimate
	c.TitleStatus = &title
	c.Version++
	c.UpdatedAt = rec.RecordedAt
	s.cases[id] = c
	return c.Clone(), nil
}

func (s *MemoryStore) Inspections(_ context.Context, id string) ([]InspectionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cases[id]; !ok {
		return nil, ErrNotFound
	}
	history := s.inspections[id]
	out := make([]InspectionRecord, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		out = append(out, history[i].Clone())
	}
	return out, nil
}

func (s *MemoryStore) CompareAndSetStage(_ context.Context, id string, expected, next stage.Stage) (Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cases[id]
	if !ok {
		return Case{}, ErrNotFound
	}
	if c.Stage != expected {
		return Case{}, fmt.Errorf("%w: expected %s, found %s", ErrStageConflict, expected, c.Stage)
	}
	c.Stage = next
	c.Status = stage.Status(next)
	c.Version++
	c.UpdatedAt = s.now().UTC()
	s.cases[id] = c
	return c.Clone(), nil
}
