package review

import (
	"time"

	"dealflow/stage"
)

// Decision is the lifecycle of a review note.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionOverride Decision = "override"
	DecisionReject   Decision = "reject"
	// DecisionFailed closes a note whose decision the engine refused.
	DecisionFailed   Decision = "failed"
)

// Note mirrors the review_notes table: a reviewer's written justification for
// releasing or closing a case held in a review stage.
type Note struct {
	ID            string
	CaseID        string
	ReviewStage   stage.Stage
	Justification string
	Decision      Decision
	Author        string
	CreatedAt     time.Time
	DecidedAt     *time.Time
}
