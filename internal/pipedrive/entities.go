package pipedrive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/hyperengineering/pipesync/internal/types"
)

func entityPath(t types.EntityType) string {
	return "/" + string(t)
}

func entityItemPath(t types.EntityType, id int64) string {
	return "/" + string(t) + "/" + strconv.FormatInt(id, 10)
}

// FetchPage retrieves one page of an entity collection. extra query
// values (since_timestamp filters and the like) merge over start/limit.
func (c *Client) FetchPage(ctx context.Context, entity types.EntityType, start, limit int, extra map[string]any) (*types.RemotePage, error) {
	if !entity.Valid() {
		return nil, fmt.Errorf("invalid entity type %q", entity)
	}
	if limit <= 0 {
		limit = c.pageLimit
	}
	query := map[string]any{"start": start, "limit": limit}
	for key, value := range extra {
		query[key] = value
	}

	resp, err := c.Get(ctx, entityPath(entity), query)
	if err != nil {
		return nil, err
	}

	records, failed, err := DecodeRecords(entity, resp.Data)
	if err != nil {
		return nil, err
	}
	page := &types.RemotePage{
		Records:   records,
		Failed:    failed,
		NextStart: start + len(records) + len(failed),
		Total:     resp.Total,
	}
	if resp.Pagination != nil {
		page.More = resp.Pagination.MoreItemsInCollection
		if page.More && resp.Pagination.NextStart > start {
			page.NextStart = resp.Pagination.NextStart
		}
	}
	return page, nil
}

// ListAll aggregates a whole collection. maxItems <= 0 means no cap.
func (c *Client) ListAll(ctx context.Context, entity types.EntityType, extra map[string]any, maxItems int) ([]types.RemoteRecord, []types.RecordError, error) {
	if !entity.Valid() {
		return nil, nil, fmt.Errorf("invalid entity type %q", entity)
	}
	items, err := c.GetAllPages(ctx, entityPath(entity), extra, maxItems)
	if err != nil {
		return nil, nil, err
	}

	records := make([]types.RemoteRecord, 0, len(items))
	var failed []types.RecordError
	for _, item := range items {
		record, err := DecodeRecord(entity, item)
		if err != nil {
			failed = append(failed, types.RecordError{RemoteID: rawRecordID(item), Messages: []string{err.Error()}})
			continue
		}
		records = append(records, *record)
	}
	return records, failed, nil
}

// FetchOne retrieves a single entity through the read-through cache.
func (c *Client) FetchOne(ctx context.Context, entity types.EntityType, id int64) (*types.RemoteRecord, error) {
	if !entity.Valid() {
		return nil, fmt.Errorf("invalid entity type %q", entity)
	}
	resp, err := c.Do(ctx, &Request{
		Method: http.MethodGet,
		Path:   entityItemPath(entity, id),
		Cache:  true,
	})
	if err != nil {
		return nil, err
	}
	return DecodeRecord(entity, resp.Data)
}

// FetchByIDs batch-fetches the given ids, preserving request order per
// chunk. Records that fail boundary decoding are reported individually.
func (c *Client) FetchByIDs(ctx context.Context, entity types.EntityType, ids []int64, chunkSize int) ([]types.RemoteRecord, []types.RecordError, error) {
	if !entity.Valid() {
		return nil, nil, fmt.Errorf("invalid entity type %q", entity)
	}
	if len(ids) == 0 {
		return nil, nil, nil
	}
	items, err := c.BatchGet(ctx, entityPath(entity), ids, chunkSize)
	if err != nil {
		return nil, nil, err
	}

	records := make([]types.RemoteRecord, 0, len(items))
	var failed []types.RecordError
	for _, item := range items {
		record, err := DecodeRecord(entity, item)
		if err != nil {
			failed = append(failed, types.RecordError{RemoteID: rawRecordID(item), Messages: []string{err.Error()}})
			continue
		}
		records = append(records, *record)
	}
	return records, failed, nil
}

// CreateEntity creates a record after type-checking known fields.
func (c *Client) CreateEntity(ctx context.Context, entity types.EntityType, fields map[string]any) (*types.RemoteRecord, error) {
	if !entity.Valid() {
		return nil, fmt.Errorf("invalid entity type %q", entity)
	}
	if errs := CheckFields(entity, fields); len(errs) > 0 {
		return nil, &ValidationError{Entity: entity, Fields: errs}
	}
	resp, err := c.Post(ctx, entityPath(entity), fields)
	if err != nil {
		return nil, err
	}
	return DecodeRecord(entity, resp.Data)
}

// UpdateEntity updates the given fields on a record.
func (c *Client) UpdateEntity(ctx context.Context, entity types.EntityType, id int64, fields map[string]any) (*types.RemoteRecord, error) {
	if !entity.Valid() {
		return nil, fmt.Errorf("invalid entity type %q", entity)
	}
	if errs := CheckFields(entity, fields); len(errs) > 0 {
		return nil, &ValidationError{Entity: entity, RemoteID: id, Fields: errs}
	}
	resp, err := c.Put(ctx, entityItemPath(entity, id), fields)
	if err != nil {
		return nil, err
	}
	return DecodeRecord(entity, resp.Data)
}

// UpdateEntityWithVersion updates a record guarded by its known version.
// A stale version surfaces as VersionConflictError; neither side is
// mutated in that case.
func (c *Client) UpdateEntityWithVersion(ctx context.Context, entity types.EntityType, id int64, fields map[string]any, version int64) (*types.RemoteRecord, error) {
	if !entity.Valid() {
		return nil, fmt.Errorf("invalid entity type %q", entity)
	}
	if errs := CheckFields(entity, fields); len(errs) > 0 {
		return nil, &ValidationError{Entity: entity, RemoteID: id, Fields: errs}
	}
	resp, err := c.Do(ctx, &Request{
		Method:  http.MethodPut,
		Path:    entityItemPath(entity, id),
		Body:    fields,
		IfMatch: strconv.Quote(strconv.FormatInt(version, 10)),
	})
	if err != nil {
		return nil, err
	}
	return DecodeRecord(entity, resp.Data)
}

// DeleteEntity removes a record remotely.
func (c *Client) DeleteEntity(ctx context.Context, entity types.EntityType, id int64) error {
	if !entity.Valid() {
		return fmt.Errorf("invalid entity type %q", entity)
	}
	_, err := c.Delete(ctx, entityItemPath(entity, id))
	return err
}

// DeletedSince returns the ids removed from an entity collection since
// the given instant, via the dedicated deleted-items query.
func (c *Client) DeletedSince(ctx context.Context, entity types.EntityType, since time.Time) ([]int64, error) {
	if !entity.Valid() {
		return nil, fmt.Errorf("invalid entity type %q", entity)
	}
	items, err := c.GetAllPages(ctx, entityPath(entity)+"/deleted", map[string]any{
		"since_timestamp": FormatTime(since),
	}, 0)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(items))
	for _, item := range items {
		var row struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(item, &row); err != nil {
			return nil, fmt.Errorf("decoding deleted-items row: %w", err)
		}
		if row.ID > 0 {
			ids = append(ids, row.ID)
		}
	}
	return ids, nil
}

// SearchPersonsByEmail finds persons whose email matches exactly.
func (c *Client) SearchPersonsByEmail(ctx context.Context, email string) ([]types.RemoteRecord, error) {
	resp, err := c.Get(ctx, "/persons/search", map[string]any{
		"term":        email,
		"fields":      "email",
		"exact_match": true,
	})
	if err != nil {
		return nil, err
	}

	var data struct {
		Items []struct {
			Item json.RawMessage `json:"item"`
		} `json:"items"`
	}
	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		return nil, nil
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, fmt.Errorf("decoding search results: %w", err)
	}

	records := make([]types.RemoteRecord, 0, len(data.Items))
	for _, item := range data.Items {
		record, err := DecodeRecord(types.EntityPersons, item.Item)
		if err != nil {
			continue
		}
		records = append(records, *record)
	}
	return records, nil
}
