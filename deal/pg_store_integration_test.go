package deal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dealflow/rules"
	"dealflow/stage"
	"dealflow/test/infra"

	"github.com/shopspring/decimal"
)

// TestPGStore_Integration runs the store against a real PostgreSQL and checks
// the stage CAS, the inspection mirror and the timeline/outbox side effects.
func TestPGStore_Integration(t *testing.T) {
	pool := infra.OpenTestPool(t)
	store := NewPGStore(pool)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, err := store.Create(ctx, CreateParams{Address: "77 Harbor Rd", CreatedBy: "op-int"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.Stage != stage.DocumentsPending || c.Version != 1 {
		t.Fatalf("unexpected new case: stage=%s version=%d", c.Stage, c.Version)
	}

	c, err = store.UpdateFields(ctx, c.ID, Fields{AskingPrice: dec("30000"), MarketValue: dec("50000.50")})
	if err != nil {
		t.Fatalf("update fields: %v", err)
	}
	if !c.MarketValue.Equal(decimal.RequireFromString("50000.50")) {
		t.Errorf("expected market value 50000.50, got %s", c.MarketValue)
	}
	if _, err := store.UpdateFields(ctx, c.ID, Fields{ARV: dec("-1")}); !errors.Is(err, rules.ErrInvalidInput) {
		t.Errorf("expected invalid input, got %v", err)
	}

	if _, err := store.CompareAndSetStage(ctx, c.ID, stage.DocumentsPending, stage.Initial); err != nil {
		t.Fatalf("cas: %v", err)
	}
	if _, err := store.CompareAndSetStage(ctx, c.ID, stage.DocumentsPending, stage.Initial); !errors.Is(err, ErrStageConflict) {
		t.Fatalf("expected stage conflict, got %v", err)
	}

	repair := rules.AggregateRepairCost([]string{"roof", "hvac"})
	c, err = store.AppendInspection(ctx, c.ID, InspectionRecord{
		DefectTags:     repair.Tags(),
		Breakdown:      repair.Breakdown,
		RepairEstimate: repair.Total,
		TitleStatus:    TitleClean,
	})
	if err != nil {
		t.Fatalf("append inspection: %v", err)
	}
	if !c.HasInspection() || !c.RepairEstimate.Equal(decimal.NewFromInt(5500)) {
		t.Fatalf("expected mirrored estimate 5500, got %v", c.RepairEstimate)
	}

	history, err := store.Inspections(ctx, c.ID)
	if err != nil {
		t.Fatalf("inspections: %v", err)
	}
	if len(history) != 1 || len(history[0].Breakdown) != 2 {
		t.Fatalf("unexpected history: %+v", history)
	}

	events, err := store.Events(ctx, c.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	wantTypes := []string{EventCaseCreated, EventFieldsUpdated, EventStageChanged, EventInspectionRecorded}
	if len(events) != len(wantTypes) {
		t.Fatalf("expected %d events, got %d", len(wantTypes), len(events))
	}
	for i, ev := range events {
		if ev.Type != wantTypes[i] || ev.Seq != i+1 {
			t.Errorf("event %d: got %s seq=%d, want %s seq=%d", i, ev.Type, ev.Seq, wantTypes[i], i+1)
		}
	}

	var pending int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE payload->>'case_id' = $1 AND status = 'pending'`, c.ID).Scan(&pending); err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if pending != 3 {
		t.Errorf("expected 3 pending outbox rows, got %d", pending)
	}

	page, total, err := store.List(ctx, ListFilters{CreatedBy: "op-int"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(page) != 1 || page[0].ID != c.ID {
		t.Errorf("unexpected list result total=%d page=%d", total, len(page))
	}

	if err := store.Delete(ctx, c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found after delete, got %v", err)
	}
}

func TestPGStore_ConcurrentCASOneWinner(t *testing.T) {
	pool := infra.OpenTestPool(t)
	store := NewPGStore(pool)
	ctx := context.Background()

	c, err := store.Create(ctx, CreateParams{Address: "race"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const racers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.CompareAndSetStage(ctx, c.ID, stage.DocumentsPending, stage.Initial)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if errors.Is(err, ErrStageConflict) {
				conflicts++
			} else {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || conflicts != racers-1 {
		t.Fatalf("expected exactly one winner, got wins=%d conflicts=%d", wins, conflicts)
	}
}
