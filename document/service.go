// Package document tracks which supporting documents are on file for a case
// and answers the documents gate.
package document

import (
	"context"
	"fmt"
)

// DefaultRequiredKinds must all be on file before a case leaves
// documents_pending.
var DefaultRequiredKinds = []string{"seller_disclosure", "property_photos"}

// Repo abstracts repository operations for the service.
type Repo interface {
	Attach(ctx context.Context, doc Document) (Document, error)
	List(ctx context.Context, caseID string) ([]Document, error)
}

// Service exposes document operations and the presence check.
type Service struct {
	repo     Repo
	required []string
	enforce  bool
}

// NewService builds a Service. When enforce is false HasRequiredDocuments
// always reports true.
func NewService(repo Repo, enforce bool, required ...string) *Service {
	if len(required) == 0 {
		required = DefaultRequiredKinds
	}
	norm := make([]string, 0, len(required))
	for _, k := range required {
		if kind, err := normalizeKind(k); err == nil {
			norm = append(norm, kind)
		}
	}
	return &Service{repo: repo, required: norm, enforce: enforce}
}

func (s *Service) Attach(ctx context.Context, doc Document) (Document, error) {
	return s.repo.Attach(ctx, doc)
}

func (s *Service) List(ctx context.Context, caseID string) ([]Document, error) {
	return s.repo.List(ctx, caseID)
}

// Missing returns the required kinds not yet on file.
func (s *Service) Missing(ctx context.Context, caseID string) ([]string, error) {
	docs, err := s.repo.List(ctx, caseID)
	if err != nil {
		return nil, err
	}
	have := make(map[string]struct{}, len(docs))
	for _, d := range docs {
		have[d.Kind] = struct{}{}
	}
	var missing []string
	for _, k := range s.required {
		if _, ok := have[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing, nil
}

// HasRequiredDocuments satisfies transition.DocumentCheck.
func (s *Service) HasRequiredDocuments(ctx context.Context, caseID string) (bool, error) {
	if !s.enforce {
		return true, nil
	}
	missing, err := s.Missing(ctx, caseID)
	if err != nil {
		return false, fmt.Errorf("document: check %s: %w", caseID, err)
	}
	return len(missing) == 0, nil
}
