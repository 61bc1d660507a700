package repo

import (
	"bonus_sync/internal/bonus"
	"time"

	"github.com/shopspring/decimal"
)

// DealRecord is one enriched row of all_deals. Pointer fields are stored as NULL when nil.
type DealRecord struct {
	ID              int64
	Title           *string
	FunnelID        int64
	FunnelName      *string
	StageID         *string
	StageName       *string
	DateCreate      *time.Time
	CloseDate       *time.Time
	ResponsibleID   *int64
	ResponsibleName *string
	DepartmentID    *int64
	DepartmentName  *string
	Opportunity     decimal.Decimal

	Quantity  decimal.Decimal
	TurnoverA decimal.Decimal
	TurnoverB decimal.Decimal
	BonusA    decimal.Decimal
	BonusB    decimal.Decimal

	ChannelID   *int64
	ChannelName *string

	ContactID              *int64
	ContactResponsibleID   *int64
	ContactResponsibleName *string

	ClientBonus     decimal.NullDecimal
	ClientBonusRate decimal.NullDecimal
}

func (d *DealRecord) ApplyTotals(t bonus.Totals) {
	d.Quantity = t.Quantity
	d.TurnoverA = t.TurnoverA
	d.TurnoverB = t.TurnoverB
	d.BonusA = t.BonusA
	d.BonusB = t.BonusB
}

// ApplyClientBonus sets the client bonus from the current turnover and a percentage rate.
func (d *DealRecord) ApplyClientBonus(ratePercent decimal.Decimal) {
	totals := bonus.Totals{TurnoverA: d.TurnoverA, TurnoverB: d.TurnoverB}
	d.ClientBonus = decimal.NewNullDecimal(bonus.ClientBonus(totals, ratePercent))
	d.ClientBonusRate = decimal.NewNullDecimal(ratePercent)
}

type UpsertMode int

const (
	// UpsertFull overwrites every column.
	UpsertFull UpsertMode = iota
	// UpsertPartial leaves quantity, turnover and bonus columns of existing rows untouched.
	UpsertPartial
)

type UpsertStats struct {
	Inserted  int
	Updated   int
	Unchanged int
}

func (s *UpsertStats) Add(o UpsertStats) {
	s.Inserted += o.Inserted
	s.Updated += o.Updated
	s.Unchanged += o.Unchanged
}

type IDRange struct {
	Min   int64
	Max   int64
	Total int64
}
