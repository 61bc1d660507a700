package enricher

import (
	"bonus_sync/internal/bitrix"
	"bonus_sync/internal/bonus"
	"bonus_sync/internal/lookup"
	"bonus_sync/internal/repo"
	"strconv"
	"strings"
)

// Input is everything fetched for one deal.
type Input struct {
	Deal    bitrix.Deal
	Rows    []bitrix.ProductRow
	Catalog map[int64]bitrix.CatalogProduct
	Contact *bitrix.Contact
}

type Enricher struct {
	channelField   string
	bonusCodeProps []string
}

func New(channelField string, bonusCodeProps []string) *Enricher {
	return &Enricher{channelField: channelField, bonusCodeProps: bonusCodeProps}
}

// Enrich resolves names and dates for a deal and returns the row together with
// its line items. Bonus totals are left zero for the caller to fill.
func (e *Enricher) Enrich(in Input, refs lookup.References) (repo.DealRecord, []bonus.LineItem) {
	d := in.Deal
	id, _ := d.ID.Int64()
	funnelID, _ := d.CategoryID.Int64()
	funnelKey := strconv.FormatInt(funnelID, 10)

	rec := repo.DealRecord{
		ID:          id,
		Title:       optString(d.Title),
		FunnelID:    funnelID,
		FunnelName:  optString(refs.Categories[funnelKey]),
		StageID:     optString(d.StageID),
		DateCreate:  ParseDate(d.DateCreate),
		Opportunity: d.Opportunity.Decimal().Round(2),
	}

	if name, ok := refs.Stages.Name(funnelKey, d.StageID); ok {
		rec.StageName = optString(name)
	}

	// An open deal must not carry a close date.
	if strings.EqualFold(d.Closed.String(), "Y") {
		rec.CloseDate = ParseDate(d.CloseDate)
	}

	if uid, ok := d.AssignedByID.Int64(); ok && uid > 0 {
		rec.ResponsibleID = &uid
		if u, ok := refs.Users[d.AssignedByID.String()]; ok {
			rec.ResponsibleName = optString(u.Name)
			if dep, ok := bitrix.FlexString(u.DepartmentID).Int64(); ok {
				rec.DepartmentID = &dep
				rec.DepartmentName = optString(refs.Departments[u.DepartmentID])
			}
		}
	}

	if e.channelField != "" {
		channel := d.Field(e.channelField)
		if cid, ok := bitrix.FlexString(channel).Int64(); ok && cid > 0 {
			rec.ChannelID = &cid
			if name, ok := refs.UserFields.Value(e.channelField, channel); ok {
				rec.ChannelName = optString(name)
			}
		}
	}

	if cid, ok := d.ContactID.Int64(); ok && cid > 0 {
		rec.ContactID = &cid
		if in.Contact != nil {
			if rid, ok := in.Contact.AssignedByID.Int64(); ok && rid > 0 {
				rec.ContactResponsibleID = &rid
				if u, ok := refs.Users[in.Contact.AssignedByID.String()]; ok {
					rec.ContactResponsibleName = optString(u.Name)
				}
			}
		}
	}

	return rec, e.LineItems(in.Rows, in.Catalog)
}

// LineItems attaches the catalog bonus code to every product row.
func (e *Enricher) LineItems(rows []bitrix.ProductRow, catalog map[int64]bitrix.CatalogProduct) []bonus.LineItem {
	items := make([]bonus.LineItem, 0, len(rows))
	for _, row := range rows {
		pid, _ := row.ProductID.Int64()
		item := bonus.LineItem{
			ProductID: pid,
			Quantity:  row.Quantity.Decimal(),
			Price:     row.Price.Decimal(),
		}
		if product, ok := catalog[pid]; ok && pid > 0 {
			if code := e.BonusCode(product); code != "" {
				item.BonusCode = &code
			}
		}
		items = append(items, item)
	}
	return items
}

// BonusCode reads the first configured property that holds a value.
func (e *Enricher) BonusCode(product bitrix.CatalogProduct) string {
	for _, prop := range e.bonusCodeProps {
		raw, ok := product[prop]
		if !ok {
			continue
		}
		if v := strings.TrimSpace(PropertyValue(raw)); v != "" {
			return v
		}
	}
	return ""
}

// ProductIDs lists the distinct positive product ids of rows.
func ProductIDs(rows []bitrix.ProductRow) []int64 {
	seen := make(map[int64]struct{}, len(rows))
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		pid, ok := row.ProductID.Int64()
		if !ok || pid <= 0 {
			continue
		}
		if _, dup := seen[pid]; dup {
			continue
		}
		seen[pid] = struct{}{}
		ids = append(ids, pid)
	}
	return ids
}

func optString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
