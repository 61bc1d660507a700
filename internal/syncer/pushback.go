package syncer

import (
	"bonus_sync/internal/bitrix"
	"bonus_sync/internal/repo"
	"context"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// pushBackTolerance is the largest difference treated as equal for numeric fields.
var pushBackTolerance = decimal.RequireFromString("0.01")

// PushBackFields names the remote deal fields receiving computed values. An
// empty name disables that field.
type PushBackFields struct {
	TurnoverA          string
	TurnoverB          string
	BonusA             string
	BonusB             string
	Quantity           string
	ClientBonus        string
	ContactResponsible string
}

type pushTargets struct {
	numeric map[string]decimal.Decimal
	exact   map[string]string
}

func (f PushBackFields) targets(rec repo.DealRecord) pushTargets {
	t := pushTargets{numeric: map[string]decimal.Decimal{}, exact: map[string]string{}}
	set := func(field string, v decimal.Decimal) {
		if field != "" {
			t.numeric[field] = v
		}
	}
	set(f.TurnoverA, rec.TurnoverA)
	set(f.TurnoverB, rec.TurnoverB)
	set(f.BonusA, rec.BonusA)
	set(f.BonusB, rec.BonusB)
	set(f.Quantity, rec.Quantity)
	if rec.ClientBonus.Valid {
		set(f.ClientBonus, rec.ClientBonus.Decimal)
	}
	if f.ContactResponsible != "" {
		id := ""
		if rec.ContactResponsibleID != nil {
			id = strconv.FormatInt(*rec.ContactResponsibleID, 10)
		}
		t.exact[f.ContactResponsible] = id
	}
	return t
}

func (t pushTargets) empty() bool {
	return len(t.numeric) == 0 && len(t.exact) == 0
}

// differs reports whether any remote value is outside tolerance of its target.
func (t pushTargets) differs(current bitrix.Deal) bool {
	for field, want := range t.numeric {
		have, ok := bitrix.ParseAmount(current.Field(field))
		if !ok {
			have = decimal.Zero
		}
		if have.Sub(want).Abs().GreaterThan(pushBackTolerance) {
			return true
		}
	}
	for field, want := range t.exact {
		have := ""
		if id, ok := bitrix.FlexString(current.Field(field)).Int64(); ok && id > 0 {
			have = strconv.FormatInt(id, 10)
		}
		if have != want {
			return true
		}
	}
	return false
}

func (t pushTargets) payload() map[string]any {
	fields := make(map[string]any, len(t.numeric)+len(t.exact))
	for field, v := range t.numeric {
		fields[field] = v.StringFixed(2)
	}
	for field, v := range t.exact {
		fields[field] = v
	}
	return fields
}

// pushBack writes computed values to the remote deal only when they differ from
// what it already holds, so unchanged deals never trigger remote automation.
func (s *Service) pushBack(ctx context.Context, rec repo.DealRecord) (bool, error) {
	targets := s.settings.PushBack.targets(rec)
	if targets.empty() {
		return false, nil
	}

	var current struct {
		Result bitrix.Deal `json:"result"`
	}
	err := callWithRetry(ctx, s.settings.RetryCount, func(c context.Context) error {
		return s.remote.Call(c, "crm.deal.get", map[string]any{"id": rec.ID}, &current)
	})
	if err != nil {
		return false, fmt.Errorf("read deal %d: %w", rec.ID, err)
	}

	if !targets.differs(current.Result) {
		return false, nil
	}

	err = callWithRetry(ctx, s.settings.RetryCount, func(c context.Context) error {
		return s.remote.Call(c, "crm.deal.update", map[string]any{
			"id":     rec.ID,
			"fields": targets.payload(),
			"params": map[string]any{"REGISTER_SONET_EVENT": "N"},
		}, nil)
	})
	if err != nil {
		return false, fmt.Errorf("update deal %d: %w", rec.ID, err)
	}
	return true, nil
}

type PushStats struct {
	Updated   int
	Unchanged int
	Failed    int
}

func (s *Service) pushBackAll(ctx context.Context, records []repo.DealRecord) PushStats {
	var st PushStats
	for _, rec := range records {
		if ctx.Err() != nil {
			return st
		}
		updated, err := s.pushBack(ctx, rec)
		switch {
		case err != nil:
			st.Failed++
			s.logger.Warn("push-back failed", zap.Int64("deal_id", rec.ID), zap.Error(err))
		case updated:
			st.Updated++
		default:
			st.Unchanged++
		}
	}
	return st
}
