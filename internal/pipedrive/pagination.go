package pipedrive

import (
	"context"
	"encoding/json"
	"fmt"
)

// GetAllPages walks a collection with an advancing start offset until the
// server stops reporting more_items_in_collection or maxItems is
// reached, then truncates to maxItems. maxItems <= 0 means no cap. Items
// come back in server order.
func (c *Client) GetAllPages(ctx context.Context, path string, query map[string]any, maxItems int) ([]json.RawMessage, error) {
	var items []json.RawMessage
	start := 0
	for {
		pageQuery := make(map[string]any, len(query)+2)
		for key, value := range query {
			pageQuery[key] = value
		}
		pageQuery["start"] = start
		pageQuery["limit"] = c.pageLimit

		resp, err := c.Get(ctx, path, pageQuery)
		if err != nil {
			return nil, err
		}
		page, err := splitArray(resp.Data)
		if err != nil {
			return nil, fmt.Errorf("page at start %d: %w", start, err)
		}
		items = append(items, page...)

		if maxItems > 0 && len(items) >= maxItems {
			return items[:maxItems], nil
		}
		if resp.Pagination == nil || !resp.Pagination.MoreItemsInCollection || len(page) == 0 {
			return items, nil
		}
		next := resp.Pagination.NextStart
		if next <= start {
			// Guard against a cursor that fails to advance.
			next = start + len(page)
		}
		start = next
	}
}

// splitArray splits a JSON array payload into its raw elements.
func splitArray(raw json.RawMessage) ([]json.RawMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decoding item array: %w", err)
	}
	return items, nil
}
