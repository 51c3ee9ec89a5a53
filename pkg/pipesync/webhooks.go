package pipesync

import (
	"context"
	"fmt"
	"net/http"
)

// changeBatch is the body for CRM change deliveries.
type changeBatch struct {
	Events []ChangeEvent `json:"events"`
}

// PushChanges delivers a batch of CRM change events to a workspace.
// Events apply independently; item failures come back in the
// acknowledgement rather than failing the delivery.
func (c *Client) PushChanges(ctx context.Context, workspace string, events []ChangeEvent) (*WebhookAck, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("at least one event is required")
	}

	var out WebhookAck
	path := c.workspacePath(workspace, "/webhooks/crm")
	if err := c.do(ctx, http.MethodPost, path, nil, changeBatch{Events: events}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PushReply delivers one inbound email reply for qualification. The
// acknowledgement carries the verdict and the automation audit trail.
func (c *Client) PushReply(ctx context.Context, workspace string, reply ReplyEvent) (*ReplyAck, error) {
	if reply.From == "" {
		return nil, fmt.Errorf("reply sender is required")
	}

	var out ReplyAck
	path := c.workspacePath(workspace, "/webhooks/reply")
	if err := c.do(ctx, http.MethodPost, path, nil, reply, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
