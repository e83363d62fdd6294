package deal

import (
	"time"

	"dealflow/stage"

	"github.com/shopspring/decimal"
)

// TitleStatus is the title search outcome recorded at inspection.
type TitleStatus string

const (
	TitleClean   TitleStatus = "clean"
	TitleMissing TitleStatus = "missing"
	TitleLien    TitleStatus = "lien"
	TitleOther   TitleStatus = "other"
)

// IsValid reports whether t is one of the known title outcomes.
func (t TitleStatus) IsValid() bool {
	switch t {
	case TitleClean, TitleMissing, TitleLien, TitleOther:
		return true
	default:
		return false
	}
}

// Case is the acquisition record. Money fields are nil until supplied.
// It mirrors the cases table and carries no JSON annotations so each
// presentation layer can shape its own payload.
type Case struct {
	ID             string
	Address        string
	CreatedBy      string
	AskingPrice    *decimal.Decimal
	MarketValue    *decimal.Decimal
	ARV            *decimal.Decimal
	RepairEstimate *decimal.Decimal
	TitleStatus    *TitleStatus
	Stage          stage.Stage
	Status         string
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasInspection reports whether an inspection has been mirrored onto the case.
func (c Case) HasInspection() bool {
	return c.RepairEstimate != nil && c.TitleStatus != nil
}

// Clone returns a deep copy so callers never share pointers with a store.
func (c Case) Clone() Case {
	out := c
	out.AskingPrice = cloneDecimal(c.AskingPrice)
	out.MarketValue = cloneDecimal(c.MarketValue)
	out.ARV = cloneDecimal(c.ARV)
	out.RepairEstimate = cloneDecimal(c.RepairEstimate)
	if c.TitleStatus != nil {
		ts := *c.TitleStatus
		out.TitleStatus = &ts
	}
	return out
}

// Fields is a partial update of user-supplied numbers. Nil members are left
// untouched. Repair estimate and title status are deliberately absent: they
// only arrive through an inspection.
type Fields struct {
	AskingPrice *decimal.Decimal
	MarketValue *decimal.Decimal
	ARV         *decimal.Decimal
}

// Empty reports whether the patch carries no values.
func (f Fields) Empty() bool {
	return f.AskingPrice == nil && f.MarketValue == nil && f.ARV == nil
}

// Names lists the field names present in the patch.
func (f Fields) Names() []string {
	names := make([]string, 0, 3)
	if f.AskingPrice != nil {
		names = append(names, stage.FieldAskingPrice)
	}
	if f.MarketValue != nil {
		names = append(names, stage.FieldMarketValue)
	}
	if f.ARV != nil {
		names = append(names, stage.FieldARV)
	}
	return names
}

// InspectionRecord is an append-only inspection history entry.
type InspectionRecord struct {
	ID             string
	CaseID         string
	DefectTags     []string
	Breakdown      map[string]decimal.Decimal
	RepairEstimate decimal.Decimal
	TitleStatus    TitleStatus
	RecordedAt     time.Time
}

// Clone returns a copy that shares no slice or map with r.
func (r InspectionRecord) Clone() InspectionRecord {
	out := r
	if r.DefectTags != nil {
		out.DefectTags = append([]string(nil), r.DefectTags...)
	}
	if r.Breakdown != nil {
		out.Breakdown = make(map[string]decimal.Decimal, len(r.Breakdown))
		for tag, cost := range r.Breakdown {
			out.Breakdown[tag] = cost
		}
	}
	return out
}

// CreateParams enumerates the inputs for opening a case.
type CreateParams struct {
	Address   string
	CreatedBy string
}

// ListFilters pages through cases, newest first.
type ListFilters struct {
	CreatedBy string
	Stage     stage.Stage
	Page      int
	PageSize  int
}

func (f *ListFilters) normalize() {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 100 {
		f.PageSize = 20
	}
}

func cloneDecimal(v *decimal.Decimal) *decimal.Decimal {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
