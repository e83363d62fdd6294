// Package deal owns the durable acquisition case and its inspection history.
package deal

import (
	"context"
	"errors"
	"fmt"

	"dealflow/rules"
	"dealflow/stage"
)

var (
	// ErrNotFound signals that no case exists for the identifier.
	ErrNotFound = errors.New("deal: case not found")
	// ErrStageConflict signals that a compare-and-set lost against a newer stage.
	ErrStageConflict = errors.New("deal: stage changed concurrently")
	// ErrClosed signals a write against a case in a terminal stage.
	ErrClosed = errors.New("deal: case is closed")
)

// Store is the persistence boundary for cases. Implementations must make
// CompareAndSetStage atomic with respect to every other writer.
type Store interface {
	Create(ctx context.Context, params CreateParams) (Case, error)
	Get(ctx context.Context, id string) (Case, error)
	List(ctx context.Context, filters ListFilters) ([]Case, int, error)
	Delete(ctx context.Context, id string) error
	UpdateFields(ctx context.Context, id string, fields Fields) (Case, error)
	AppendInspection(ctx context.Context, id string, rec InspectionRecord) (Case, error)
	Inspections(ctx context.Context, id string) ([]InspectionRecord, error)
	CompareAndSetStage(ctx context.Context, id string, expected, next stage.Stage) (Case, error)
}

// ValidateFields rejects negative amounts, and a zero market value or ARV,
// before anything is persisted.
func ValidateFields(fields Fields) error {
	if err := rules.ValidateAmount(stage.FieldAskingPrice, fields.AskingPrice); err != nil {
		return err
	}
	if err := rules.ValidateBase(stage.FieldMarketValue, fields.MarketValue); err != nil {
		return err
	}
	return rules.ValidateBase(stage.FieldARV, fields.ARV)
}

// ValidateInspection rejects malformed inspection records.
func ValidateInspection(rec InspectionRecord) error {
	if !rec.TitleStatus.IsValid() {
		return fmt.Errorf("%w: title_status %q", rules.ErrInvalidInput, rec.TitleStatus)
	}
	if rec.RepairEstimate.IsNegative() {
		return fmt.Errorf("%w: repair_estimate is negative", rules.ErrInvalidInput)
	}
	return nil
}

func applyFields(c *Case, fields Fields) {
	if fields.AskingPrice != nil {
		c.AskingPrice = cloneDecimal(fields.AskingPrice)
	}
	if fields.MarketValue != nil {
		c.MarketValue = cloneDecimal(fields.MarketValue)
	}
	if fields.ARV != nil {
		c.ARV = cloneDecimal(fields.ARV)
	}
}
