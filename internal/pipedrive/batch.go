package pipedrive

import (
	"context"
	"encoding/json"
	"fmt"
)

// defaultChunkSize bounds how many ids ride on one batch request.
const defaultChunkSize = 100

// BatchGet fetches ids in chunks of chunkSize, one request per chunk
// with the chunk's ids comma-joined on the ids parameter. Results
// concatenate in chunk order.
func (c *Client) BatchGet(ctx context.Context, path string, ids []int64, chunkSize int) ([]json.RawMessage, error) {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	var items []json.RawMessage
	for offset := 0; offset < len(ids); offset += chunkSize {
		end := offset + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[offset:end]

		resp, err := c.Get(ctx, path, map[string]any{"ids": chunk})
		if err != nil {
			return nil, fmt.Errorf("batch chunk at offset %d: %w", offset, err)
		}
		page, err := splitArray(resp.Data)
		if err != nil {
			return nil, fmt.Errorf("batch chunk at offset %d: %w", offset, err)
		}
		items = append(items, page...)
	}
	return items, nil
}
