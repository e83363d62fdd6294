// Package review keeps the written justifications behind every human decision
// on a case held in a review stage, and applies that decision through the
// transition engine.
package review

import (
	"context"
	"errors"
	"strings"

	"dealflow/deal"
	"dealflow/logger"
	"dealflow/stage"
)

// Transitioner is the part of the transition engine a reviewer drives.
type Transitioner interface {
	ForceOverride(ctx context.Context, caseID string, fromReview stage.Stage, justificationRecorded bool) (deal.Case, error)
	Reject(ctx context.Context, caseID string, fromReview stage.Stage, justificationRecorded bool) (deal.Case, error)
}

type Service struct {
	notes  Store
	engine Transitioner
	log    *logger.Logger
}

func NewService(notes Store, engine Transitioner, log *logger.Logger) *Service {
	return &Service{notes: notes, engine: engine, log: log}
}

func (s *Service) List(ctx context.Context, caseID string) ([]Note, error) {
	return s.notes.List(ctx, caseID)
}

// Override records the justification and returns the case to the gate it
// branched from.
func (s *Service) Override(ctx context.Context, caseID string, fromReview stage.Stage, justification, author string) (deal.Case, Note, error) {
	return s.decide(ctx, caseID, fromReview, justification, author, DecisionOverride)
}

// Reject records the justification and closes the case.
func (s *Service) Reject(ctx context.Context, caseID string, fromReview stage.Stage, justification, author string) (deal.Case, Note, error) {
	return s.decide(ctx, caseID, fromReview, justification, author, DecisionReject)
}

func (s *Service) decide(ctx context.Context, caseID string, fromReview stage.Stage, justification, author string, d Decision) (deal.Case, Note, error) {
	apply := s.engine.ForceOverride
	if d == DecisionReject {
		apply = s.engine.Reject
	}

	// Without a note the engine refuses before touching the case.
	if strings.TrimSpace(justification) == "" {
		c, err := apply(ctx, caseID, fromReview, false)
		return c, Note{}, err
	}

	note, err := s.notes.Record(ctx, caseID, fromReview, justification, author)
	if err != nil {
		if errors.Is(err, ErrNotReview) {
			return deal.Case{}, Note{}, errors.Join(stage.ErrIllegalTransition, err)
		}
		return deal.Case{}, Note{}, err
	}

	c, err := apply(ctx, caseID, fromReview, true)
	if err != nil {
		s.log.Warn("review decision not applied", "case_id", caseID, "note_id", note.ID, "decision", d, "error", err)
		failed, ferr := s.notes.Decide(ctx, note.ID, DecisionFailed)
		if ferr != nil {
			s.log.Error("review note not closed", "note_id", note.ID, "error", ferr)
			return deal.Case{}, note, err
		}
		return deal.Case{}, failed, err
	}

	decided, err := s.notes.Decide(ctx, note.ID, d)
	if err != nil {
		return c, note, err
	}
	s.log.Info("review decided", "case_id", caseID, "from", fromReview, "to", c.Stage, "decision", d, "author", author)
	return c, decided, nil
}
