package review

import (
	"context"
	"errors"
	"testing"
	"time"

	"dealflow/deal"
	"dealflow/stage"
	"dealflow/test/infra"
)

func TestRepository_Integration(t *testing.T) {
	pool := infra.OpenTestPool(t)
	repo := NewRepository(pool)
	cases := deal.NewPGStore(pool)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, err := cases.Create(ctx, deal.CreateParams{Address: "8 Mill St", CreatedBy: "op"})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}

	if _, err := repo.Record(ctx, "00000000-0000-0000-0000-000000000000", stage.ReviewRequired, "x", "rev"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for unknown case, got %v", err)
	}
	if _, err := repo.Record(ctx, c.ID, stage.Initial, "x", "rev"); !errors.Is(err, ErrNotReview) {
		t.Fatalf("expected not-review error, got %v", err)
	}

	first, err := repo.Record(ctx, c.ID, stage.ReviewRequired, "first pass", "rev")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if first.Decision != DecisionPending || first.DecidedAt != nil {
		t.Fatalf("expected pending note, got %+v", first)
	}
	second, err := repo.Record(ctx, c.ID, stage.ReviewRequired, "second pass", "rev")
	if err != nil {
		t.Fatalf("record second: %v", err)
	}

	decided, err := repo.Decide(ctx, first.ID, DecisionReject)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decided.Decision != DecisionReject || decided.DecidedAt == nil {
		t.Fatalf("unexpected decided note: %+v", decided)
	}
	if _, err := repo.Decide(ctx, first.ID, DecisionOverride); !errors.Is(err, ErrBadStatus) {
		t.Fatalf("expected already decided, got %v", err)
	}
	if _, err := repo.Decide(ctx, "00000000-0000-0000-0000-000000000000", DecisionOverride); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	notes, err := repo.List(ctx, c.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(notes) != 2 {
		t.Fatalf("expected 2 notes, got %d", len(notes))
	}
	ids := map[string]bool{notes[0].ID: true, notes[1].ID: true}
	if !ids[first.ID] || !ids[second.ID] {
		t.Errorf("listed notes do not match recorded ones: %+v", notes)
	}
}
