package deal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Event types appended to case_events.
const (
	EventCaseCreated        = "CASE_CREATED"
	EventFieldsUpdated      = "FIELDS_UPDATED"
	EventInspectionRecorded = "INSPECTION_RECORDED"
	EventStageChanged       = "STAGE_CHANGED"
)

// Outbox topics published for downstream consumers.
const (
	TopicCaseCreated         = "case.created"
	TopicCaseStageChanged    = "case.stage_changed"
	TopicInspectionRecorded  = "case.inspection_recorded"
	TopicCaseDeleted         = "case.deleted"
	outboxStatusPending      = "pending"
	defaultEventPayloadSlots = 4
)

// Event is an immutable business event in a case's timeline.
type Event struct {
	ID        int64
	CaseID    string
	Seq       int
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// appendEvent writes the next timeline entry for the case. Callers hold the
// case row lock, which keeps seq gap-free and monotonic per case.
func appendEvent(ctx context.Context, tx pgx.Tx, caseID, eventType string, payload map[string]any) error {
	if payload == nil {
		payload = make(map[string]any, defaultEventPayloadSlots)
	}
	payload["case_id"] = caseID

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("deal: marshal event payload: %w", err)
	}

	const q = `
INSERT INTO case_events (case_id, seq, type, payload)
SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3::jsonb
FROM case_events
WHERE case_id = $1
`
	if _, err := tx.Exec(ctx, q, caseID, eventType, body); err != nil {
		return fmt.Errorf("deal: insert case event: %w", err)
	}
	return nil
}

func enqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("deal: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload, status) VALUES ($1, $2::jsonb, $3)`
	if _, err := tx.Exec(ctx, q, topic, body, outboxStatusPending); err != nil {
		return fmt.Errorf("deal: enqueue outbox: %w", err)
	}
	return nil
}
