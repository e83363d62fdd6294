package oracles

import (
	"context"
	"fmt"
	"strings"

	"dealflow/stage"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// postInspection are the stages a case can only reach with an inspection on file.
var postInspection = []stage.Stage{
	stage.InspectionDone,
	stage.Passed80Rule,
	stage.ContractGenerated,
	stage.ReviewRequired80,
}

func quoted(stages []stage.Stage) string {
	parts := make([]string, 0, len(stages))
	for _, s := range stages {
		parts = append(parts, "'"+string(s)+"'")
	}
	return strings.Join(parts, ",")
}

// statusTable renders (stage, status) pairs as a VALUES list.
func statusTable() string {
	rows := make([]string, 0, len(stage.All()))
	for _, s := range stage.All() {
		rows = append(rows, fmt.Sprintf("('%s', '%s')", s, strings.ReplaceAll(stage.Status(s), "'", "''")))
	}
	return strings.Join(rows, ", ")
}

// legalTable renders every permitted (from, to) pair as a VALUES list.
func legalTable() string {
	var rows []string
	for _, from := range stage.All() {
		for _, to := range stage.All() {
			if stage.Validate(from, to) == nil {
				rows = append(rows, fmt.Sprintf("('%s', '%s')", from, to))
			}
		}
	}
	return strings.Join(rows, ", ")
}

func All() []Oracle {
	var terminal []stage.Stage
	for _, s := range stage.All() {
		if stage.IsTerminal(s) {
			terminal = append(terminal, s)
		}
	}
	return []Oracle{
		{
			Name: "O1_status_matches_stage",
			SQL: `SELECT c.id, c.stage, c.status FROM cases c
                  JOIN (VALUES ` + statusTable() + `) AS m(stage, status) ON m.stage = c.stage
                  WHERE c.status <> m.status`,
		},
		{
			Name: "O2_inspection_before_repairs_gate",
			SQL: `SELECT c.id, c.stage FROM cases c
                  WHERE c.stage IN (` + quoted(postInspection) + `)
                    AND (c.repair_estimate IS NULL
                         OR NOT EXISTS (SELECT 1 FROM inspections i WHERE i.case_id = c.id))`,
		},
		{
			Name: "O3_event_seq_gap_free",
			SQL: `WITH seqs AS (
                      SELECT case_id, seq,
                             ROW_NUMBER() OVER (PARTITION BY case_id ORDER BY seq) AS n
                      FROM case_events)
                  SELECT * FROM seqs WHERE seq <> n`,
		},
		{
			Name: "O4_stage_events_legal",
			SQL: `SELECT e.case_id, e.seq, e.payload FROM case_events e
                  WHERE e.type = 'STAGE_CHANGED'
                    AND NOT EXISTS (
                      SELECT 1 FROM (VALUES ` + legalTable() + `) AS l(from_stage, to_stage)
                      WHERE l.from_stage = e.payload->>'previous_stage'
                        AND l.to_stage = e.payload->>'next_stage')`,
		},
		{
			Name: "O5_terminal_is_final",
			SQL: `SELECT e.case_id, e.seq FROM case_events e
                  WHERE e.type IN ('STAGE_CHANGED', 'FIELDS_UPDATED', 'INSPECTION_RECORDED')
                    AND EXISTS (
                      SELECT 1 FROM case_events t
                      WHERE t.case_id = e.case_id AND t.seq < e.seq AND t.type = 'STAGE_CHANGED'
                        AND t.payload->>'next_stage' IN (` + quoted(terminal) + `))`,
		},
		{
			Name: "O6_current_stage_is_last_event",
			SQL: `SELECT c.id, c.stage, last.payload->>'next_stage' FROM cases c
                  JOIN LATERAL (
                      SELECT payload FROM case_events e
                      WHERE e.case_id = c.id AND e.type = 'STAGE_CHANGED'
                      ORDER BY seq DESC LIMIT 1) last ON true
                  WHERE last.payload->>'next_stage' <> c.stage`,
		},
		{
			Name: "O7_outbox_drained",
			SQL: `SELECT id FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now()-created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
