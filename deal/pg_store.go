package deal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"dealflow/stage"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PGStore implements Store on PostgreSQL. Every write takes the case row lock
// and appends its timeline event and outbox message in the same transaction.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wires a pgxpool-backed store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const caseColumns = `id::text, address, created_by, asking_price::text, market_value::text, arv::text,
       repair_estimate::text, title_status, stage, status, version, created_at, updated_at`

func (s *PGStore) Create(ctx context.Context, params CreateParams) (Case, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Case{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	insertSQL := `
INSERT INTO cases (address, created_by, stage, status)
VALUES ($1, $2, $3, $4)
RETURNING ` + caseColumns

	c, err := scanCase(tx.QueryRow(ctx, insertSQL,
		strings.TrimSpace(params.Address),
		params.CreatedBy,
		stage.DocumentsPending,
		stage.Status(stage.DocumentsPending),
	))
	if err != nil {
		return Case{}, fmt.Errorf("deal: insert case: %w", err)
	}

	if err := appendEvent(ctx, tx, c.ID, EventCaseCreated, map[string]any{
		"address":    c.Address,
		"created_by": c.CreatedBy,
		"stage":      c.Stage,
	}); err != nil {
		return Case{}, err
	}
	if err := enqueueOutbox(ctx, tx, TopicCaseCreated, map[string]any{
		"case_id": c.ID,
		"stage":   c.Stage,
	}); err != nil {
		return Case{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Case{}, fmt.Errorf("deal: commit create: %w", err)
	}
	return c, nil
}

func (s *PGStore) Get(ctx context.Context, id string) (Case, error) {
	c, err := scanCase(s.pool.QueryRow(ctx, `SELECT `+caseColumns+` FROM cases WHERE id::text = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrNotFound
		}
		return Case{}, fmt.Errorf("deal: get case: %w", err)
	}
	return c, nil
}

func (s *PGStore) List(ctx context.Context, filters ListFilters) ([]Case, int, error) {
	filters.normalize()

	where := []string{"1=1"}
	args := []any{}
	if filters.CreatedBy != "" {
		args = append(args, filters.CreatedBy)
		where = append(where, fmt.Sprintf("created_by = $%d", len(args)))
	}
	if filters.Stage != "" {
		args = append(args, filters.Stage)
		where = append(where, fmt.Sprintf("stage = $%d", len(args)))
	}
	whereClause := " WHERE " + strings.Join(where, " AND ")

	query := fmt.Sprintf(`SELECT %s FROM cases%s ORDER BY created_at DESC, id DESC LIMIT %d OFFSET %d`,
		caseColumns, whereClause, filters.PageSize, (filters.Page-1)*filters.PageSize)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("deal: list cases: %w", err)
	}
	defer rows.Close()

	cases := []Case{}
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("deal: scan case: %w", err)
		}
		cases = append(cases, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("deal: iterate cases: %w", err)
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM cases`+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("deal: count cases: %w", err)
	}
	return cases, total, nil
}

func (s *PGStore) Delete(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var deletedStage string
	if err := tx.QueryRow(ctx, `DELETE FROM cases WHERE id::text = $1 RETURNING stage`, id).Scan(&deletedStage); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("deal: delete case: %w", err)
	}
	if err := enqueueOutbox(ctx, tx, TopicCaseDeleted, map[string]any{
		"case_id": id,
		"stage":   deletedStage,
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("deal: commit delete: %w", err)
	}
	return nil
}

func (s *PGStore) UpdateFields(ctx context.Context, id string, fields Fields) (Case, error) {
	if err := ValidateFields(fields); err != nil {
		return Case{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Case{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := lockCase(ctx, tx, id)
	if err != nil {
		return Case{}, err
	}
	if stage.IsTerminal(current.Stage) {
		return Case{}, ErrClosed
	}
	if fields.Empty() {
		return current, nil
	}

	updateSQL := `
UPDATE cases
SET asking_price = COALESCE($2::numeric, asking_price),
    market_value = COALESCE($3::numeric, market_value),
    arv          = COALESCE($4::numeric, arv),
    version      = version + 1,
    updated_at   = now()
WHERE id::text = $1
RETURNING ` + caseColumns

	updated, err := scanCase(tx.QueryRow(ctx, updateSQL, id,
		decimalArg(fields.AskingPrice),
		decimalArg(fields.MarketValue),
		decimalArg(fields.ARV),
	))
	if err != nil {
		return Case{}, fmt.Errorf("deal: update fields: %w", err)
	}

	payload := map[string]any{"fields": fields.Names()}
	if err := appendEvent(ctx, tx, id, EventFieldsUpdated, payload); err != nil {
		return Case{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Case{}, fmt.Errorf("deal: commit fields: %w", err)
	}
	return updated, nil
}

func (s *PGStore) AppendInspection(ctx context.Context, id string, rec InspectionRecord) (Case, error) {
	if err := ValidateInspection(rec); err != nil {
		return Case{}, err
	}
	breakdown, err := json.Marshal(rec.Breakdown)
	if err != nil {
		return Case{}, fmt.Errorf("deal: marshal breakdown: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Case{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := lockCase(ctx, tx, id)
	if err != nil {
		return Case{}, err
	}
	if stage.IsTerminal(current.Stage) {
		return Case{}, ErrClosed
	}

	tags := rec.DefectTags
	if tags == nil {
		tags = []string{}
	}

	var inspectionID string
	const insertSQL = `
INSERT INTO inspections (case_id, defect_tags, breakdown, repair_estimate, title_status)
VALUES ($1::uuid, $2, $3::jsonb, $4::numeric, $5)
RETURNING id::text
`
	if err := tx.QueryRow(ctx, insertSQL, id, tags, breakdown, rec.RepairEstimate.String(), rec.TitleStatus).Scan(&inspectionID); err != nil {
		return Case{}, fmt.Errorf("deal: insert inspection: %w", err)
	}

	mirrorSQL := `
UPDATE cases
SET repair_estimate = $2::numeric,
    title_status    = $3,
    version         = version + 1,
    updated_at      = now()
WHERE id::text = $1
RETURNING ` + caseColumns

	updated, err := scanCase(tx.QueryRow(ctx, mirrorSQL, id, rec.RepairEstimate.String(), rec.TitleStatus))
	if err != nil {
		return Case{}, fmt.Errorf("deal: mirror inspection: %w", err)
	}

	payload := map[string]any{
		"inspection_id":   inspectionID,
		"defect_tags":     tags,
		"repair_estimate": rec.RepairEstimate.String(),
		"title_status":    rec.TitleStatus,
	}
	if err := appendEvent(ctx, tx, id, EventInspectionRecorded, payload); err != nil {
		return Case{}, err
	}
	if err := enqueueOutbox(ctx, tx, TopicInspectionRecorded, map[string]any{
		"case_id":       id,
		"inspection_id": inspectionID,
	}); err != nil {
		return Case{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Case{}, fmt.Errorf("deal: commit inspection: %w", err)
	}
	return updated, nil
}

func (s *PGStore) Inspections(ctx context.Context, id string) ([]InspectionRecord, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM cases WHERE id::text = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("deal: verify case: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	const query = `
SELECT id::text, case_id::text, defect_tags, breakdown, repair_estimate::text, title_status, recorded_at
FROM inspections
WHERE case_id::text = $1
ORDER BY recorded_at DESC, seq DESC
`
	rows, err := s.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("deal: list inspections: %w", err)
	}
	defer rows.Close()

	out := make([]InspectionRecord, 0, 4)
	for rows.Next() {
		var (
			rec       InspectionRecord
			breakdown []byte
			estimate  string
		)
		if err := rows.Scan(&rec.ID, &rec.CaseID, &rec.DefectTags, &breakdown, &estimate, &rec.TitleStatus, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("deal: scan inspection: %w", err)
		}
		if rec.RepairEstimate, err = decimal.NewFromString(estimate); err != nil {
			return nil, fmt.Errorf("deal: parse repair estimate: %w", err)
		}
		if len(breakdown) > 0 {
			if err := json.Unmarshal(breakdown, &rec.Breakdown); err != nil {
				return nil, fmt.Errorf("deal: decode breakdown: %w", err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deal: iterate inspections: %w", err)
	}
	return out, nil
}

func (s *PGStore) CompareAndSetStage(ctx context.Context, id string, expected, next stage.Stage) (Case, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Case{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	casSQL := `
UPDATE cases
SET stage      = $3,
    status     = $4,
    version    = version + 1,
    updated_at = now()
WHERE id::text = $1 AND stage = $2
RETURNING ` + caseColumns

	updated, err := scanCase(tx.QueryRow(ctx, casSQL, id, expected, next, stage.Status(next)))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return Case{}, fmt.Errorf("deal: compare and set stage: %w", err)
		}
		var found string
		if err := tx.QueryRow(ctx, `SELECT stage FROM cases WHERE id::text = $1`, id).Scan(&found); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return Case{}, ErrNotFound
			}
			return Case{}, fmt.Errorf("deal: reload stage: %w", err)
		}
		return Case{}, fmt.Errorf("%w: expected %s, found %s", ErrStageConflict, expected, found)
	}

	payload := map[string]any{
		"previous_stage": expected,
		"next_stage":     next,
		"status":         updated.Status,
		"version":        updated.Version,
	}
	if err := appendEvent(ctx, tx, id, EventStageChanged, payload); err != nil {
		return Case{}, err
	}
	if err := enqueueOutbox(ctx, tx, TopicCaseStageChanged, map[string]any{
		"case_id":  id,
		"previous": expected,
		"next":     next,
	}); err != nil {
		return Case{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Case{}, fmt.Errorf("deal: commit stage: %w", err)
	}
	return updated, nil
}

// Events returns the case timeline in sequence order.
func (s *PGStore) Events(ctx context.Context, id string) ([]Event, error) {
	const query = `
SELECT id, case_id::text, seq, type, payload, created_at
FROM case_events
WHERE case_id::text = $1
ORDER BY seq ASC
`
	rows, err := s.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("deal: list events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, 8)
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.CaseID, &ev.Seq, &ev.Type, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("deal: scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deal: iterate events: %w", err)
	}
	return out, nil
}

func lockCase(ctx context.Context, tx pgx.Tx, id string) (Case, error) {
	c, err := scanCase(tx.QueryRow(ctx, `SELECT `+caseColumns+` FROM cases WHERE id::text = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrNotFound
		}
		return Case{}, fmt.Errorf("deal: lock case: %w", err)
	}
	return c, nil
}

func scanCase(row pgx.Row) (Case, error) {
	var (
		c                             Case
		asking, market, arv, estimate *string
		title                         *string
		stg                           string
	)
	if err := row.Scan(
		&c.ID,
		&c.Address,
		&c.CreatedBy,
		&asking,
		&market,
		&arv,
		&estimate,
		&title,
		&stg,
		&c.Status,
		&c.Version,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return Case{}, err
	}

	var err error
	if c.AskingPrice, err = parseDecimal(asking); err != nil {
		return Case{}, err
	}
	if c.MarketValue, err = parseDecimal(market); err != nil {
		return Case{}, err
	}
	if c.ARV, err = parseDecimal(arv); err != nil {
		return Case{}, err
	}
	if c.RepairEstimate, err = parseDecimal(estimate); err != nil {
		return Case{}, err
	}
	if title != nil {
		ts := TitleStatus(*title)
		c.TitleStatus = &ts
	}
	c.Stage = stage.Stage(stg)
	return c, nil
}

func parseDecimal(raw *string) (*decimal.Decimal, error) {
	if raw == nil {
		return nil, nil
	}
	v, err := decimal.NewFromString(*raw)
	if err != nil {
		return nil, fmt.Errorf("deal: parse amount %q: %w", *raw, err)
	}
	return &v, nil
}

func decimalArg(v *decimal.Decimal) any {
	if v == nil {
		return nil
	}
	return v.String()
}
