package bitrix

import (
	"context"
	"fmt"
)

// maxListPages bounds start/next pagination against a remote that keeps returning next.
const maxListPages = 1000

// ListAll pages through a list method following "next" until it is absent.
func ListAll[T any](ctx context.Context, c Caller, method string, params map[string]any) ([]T, error) {
	var all []T
	start := 0
	for page := 0; page < maxListPages; page++ {
		payload := make(map[string]any, len(params)+1)
		for k, v := range params {
			payload[k] = v
		}
		payload["start"] = start

		var resp ListResponse[T]
		if err := c.Call(ctx, method, payload, &resp); err != nil {
			return nil, fmt.Errorf("%s start=%d: %w", method, start, err)
		}
		all = append(all, resp.Result...)

		if resp.Next == nil || *resp.Next <= start {
			return all, nil
		}
		start = *resp.Next
	}
	return all, fmt.Errorf("%s: pagination did not terminate", method)
}

func FetchCategories(ctx context.Context, c Caller) ([]Category, error) {
	var all []Category
	start := 0
	for page := 0; page < maxListPages; page++ {
		var resp categoryList
		err := c.Call(ctx, "crm.category.list", map[string]any{"entityTypeId": 2, "start": start}, &resp)
		if err != nil {
			return nil, fmt.Errorf("crm.category.list: %w", err)
		}
		all = append(all, resp.Result.Categories...)
		if resp.Next == nil || *resp.Next <= start {
			return all, nil
		}
		start = *resp.Next
	}
	return all, fmt.Errorf("crm.category.list: pagination did not terminate")
}

// StageEntityID is the status entity holding the stages of a deal funnel.
func StageEntityID(categoryID string) string {
	if categoryID == "" || categoryID == "0" {
		return "DEAL_STAGE"
	}
	return "DEAL_STAGE_" + categoryID
}

func FetchStages(ctx context.Context, c Caller, categoryID string) ([]Status, error) {
	return ListAll[Status](ctx, c, "crm.status.list", map[string]any{
		"filter": map[string]any{"ENTITY_ID": StageEntityID(categoryID)},
	})
}

func FetchUsers(ctx context.Context, c Caller) ([]User, error) {
	return ListAll[User](ctx, c, "user.get", nil)
}

func FetchDepartments(ctx context.Context, c Caller) ([]Department, error) {
	return ListAll[Department](ctx, c, "department.get", nil)
}

func FetchDealUserFields(ctx context.Context, c Caller) ([]DealUserField, error) {
	return ListAll[DealUserField](ctx, c, "crm.deal.userfield.list", nil)
}
