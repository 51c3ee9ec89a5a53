package pipedrive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hyperengineering/pipesync/internal/types"
)

// Changelog retrieves one page of the change feed starting at the given
// offset. Entries for object types this module does not sync are
// returned as-is; Event filters them out.
func (c *Client) Changelog(ctx context.Context, since time.Time, start, limit int) (*ChangelogPage, error) {
	if limit <= 0 {
		limit = c.pageLimit
	}
	query := map[string]any{"start": start, "limit": limit}
	if !since.IsZero() {
		query["since_timestamp"] = FormatTime(since)
	}

	resp, err := c.Get(ctx, "/changelog", query)
	if err != nil {
		return nil, err
	}

	var entries []ChangelogEntry
	if len(resp.Data) > 0 && string(resp.Data) != "null" {
		if err := json.Unmarshal(resp.Data, &entries); err != nil {
			return nil, fmt.Errorf("decoding changelog page: %w", err)
		}
	}

	page := &ChangelogPage{
		Entries:   entries,
		NextStart: start + len(entries),
	}
	if resp.Pagination != nil {
		page.More = resp.Pagination.MoreItemsInCollection
		if page.More && resp.Pagination.NextStart > start {
			page.NextStart = resp.Pagination.NextStart
		}
	}
	return page, nil
}

// Event converts a feed entry to a change event. Entries naming an
// unknown object or action return an error so callers can count and
// skip them.
func (e ChangelogEntry) Event() (types.ChangeEvent, error) {
	entity, err := types.ParseEntityType(e.Object)
	if err != nil {
		return types.ChangeEvent{}, fmt.Errorf("changelog entry %d: %w", e.ID, err)
	}
	action := types.ChangeAction(e.Action)
	if !action.Valid() {
		return types.ChangeEvent{}, fmt.Errorf("changelog entry %d: unknown action %q", e.ID, e.Action)
	}
	return types.ChangeEvent{
		Action:    action,
		Entity:    entity,
		RemoteID:  e.ID,
		Timestamp: e.When(),
	}, nil
}
