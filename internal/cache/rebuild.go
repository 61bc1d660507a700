package cache

import (
	"bonus_sync/internal/bitrix"
	"bonus_sync/internal/bonus"
	"bonus_sync/internal/lookup"
	"context"
	"fmt"
)

func (c *Cache) rebuildBonusCodes(ctx context.Context) (lookup.BonusCodes, error) {
	rows, err := c.bonus.BonusCodeMap(ctx)
	if err != nil {
		return nil, err
	}
	out := make(lookup.BonusCodes, len(rows))
	for code, amount := range rows {
		out[bonus.Normalize(code)] = amount
	}
	return out, nil
}

func (c *Cache) rebuildCategories(ctx context.Context) (lookup.Categories, error) {
	cats, err := bitrix.FetchCategories(ctx, c.remote)
	if err != nil {
		return nil, err
	}
	out := make(lookup.Categories, len(cats))
	for _, cat := range cats {
		out[cat.ID.String()] = cat.Name
	}
	return out, nil
}

// rebuildStages looks the stages up funnel by funnel, since stage ids are
// only unique within a funnel. The default funnel 0 is always included.
func (c *Cache) rebuildStages(ctx context.Context) (lookup.Stages, error) {
	cats, err := bitrix.FetchCategories(ctx, c.remote)
	if err != nil {
		return nil, err
	}

	ids := []string{"0"}
	for _, cat := range cats {
		if id := cat.ID.String(); id != "" && id != "0" {
			ids = append(ids, id)
		}
	}

	out := make(lookup.Stages, len(ids))
	for _, id := range ids {
		statuses, err := bitrix.FetchStages(ctx, c.remote, id)
		if err != nil {
			return nil, fmt.Errorf("stages of funnel %s: %w", id, err)
		}
		names := make(map[string]string, len(statuses))
		for _, st := range statuses {
			names[st.StatusID] = st.Name
		}
		out[id] = names
	}
	return out, nil
}

func (c *Cache) rebuildUsers(ctx context.Context) (lookup.Users, error) {
	users, err := bitrix.FetchUsers(ctx, c.remote)
	if err != nil {
		return nil, err
	}
	out := make(lookup.Users, len(users))
	for _, u := range users {
		out[u.ID.String()] = lookup.User{Name: u.FullName(), DepartmentID: u.DepartmentID()}
	}
	return out, nil
}

func (c *Cache) rebuildDepartments(ctx context.Context) (lookup.Departments, error) {
	deps, err := bitrix.FetchDepartments(ctx, c.remote)
	if err != nil {
		return nil, err
	}
	out := make(lookup.Departments, len(deps))
	for _, d := range deps {
		out[d.ID.String()] = d.Name
	}
	return out, nil
}

func (c *Cache) rebuildUserFields(ctx context.Context) (lookup.UserFields, error) {
	fields, err := bitrix.FetchDealUserFields(ctx, c.remote)
	if err != nil {
		return nil, err
	}
	out := make(lookup.UserFields)
	for _, f := range fields {
		if f.FieldName == "" || len(f.List) == 0 {
			continue
		}
		values := make(map[string]string, len(f.List))
		for _, item := range f.List {
			values[item.ID.String()] = item.Value
		}
		out[f.FieldName] = values
	}
	return out, nil
}
