package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hyperengineering/pipesync/internal/automation"
	"github.com/hyperengineering/pipesync/internal/sentiment"
	"github.com/hyperengineering/pipesync/internal/types"
)

// MaxWebhookEvents is the maximum change events per CRM webhook request.
const MaxWebhookEvents = 500

// CRMWebhookRequest is the body for POST /webhooks/crm.
type CRMWebhookRequest struct {
	Events []types.ChangeEvent `json:"events"`
}

// WebhookResponse acknowledges a webhook delivery. Actions is always
// present; it stays empty for CRM change notifications.
type WebhookResponse struct {
	Success   bool                      `json:"success"`
	Processed int                       `json:"processed"`
	Failed    int                       `json:"failed,omitempty"`
	Errors    []string                  `json:"errors,omitempty"`
	Actions   []automation.ActionResult `json:"actions"`
}

// CRMWebhook handles POST /api/v1/workspaces/{workspace}/webhooks/crm
// Each event applies independently; item failures land in the response
// body rather than the status code so the sender does not redeliver a
// batch that will never apply.
func (h *Handler) CRMWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	ws := MustWorkspaceFromContext(ctx)

	// 1. Parse request
	var req CRMWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if len(req.Events) == 0 {
		WriteProblem(w, r, http.StatusBadRequest, "events array is required")
		return
	}
	if len(req.Events) > MaxWebhookEvents {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("events exceeds maximum of %d", MaxWebhookEvents))
		return
	}

	// 2. Apply each event; one bad event never blocks the rest
	var (
		applied int
		errs    []string
	)
	for _, event := range req.Events {
		if err := ws.Syncer.ApplyChange(ctx, event); err != nil {
			errs = append(errs, fmt.Sprintf("%s %d: %s", event.Entity, event.RemoteID, err))
			slog.Warn("change event rejected",
				"component", "api",
				"workspace", ws.ID,
				"entity", event.Entity,
				"remote_id", event.RemoteID,
				"error", err,
			)
			continue
		}
		applied++
	}

	// 3. Report disposition
	resp := WebhookResponse{
		Success:   len(errs) == 0,
		Processed: applied,
		Failed:    len(errs),
		Errors:    errs,
		Actions:   []automation.ActionResult{},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)

	slog.Info("crm webhook processed",
		"component", "api",
		"action", "webhook_crm",
		"workspace", ws.ID,
		"events", len(req.Events),
		"applied", applied,
		"failed", len(errs),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// ReplyWebhookResponse extends the acknowledgement with the
// qualification verdict for the delivered reply.
type ReplyWebhookResponse struct {
	WebhookResponse
	Qualified     bool                     `json:"qualified"`
	Reason        string                   `json:"reason,omitempty"`
	Qualification *sentiment.Qualification `json:"qualification,omitempty"`
}

// ReplyWebhook handles POST /api/v1/workspaces/{workspace}/webhooks/reply
// Replies are processed one per delivery. The action list in the
// response is the audit trail: callers inspect it to see exactly which
// side effects ran.
func (h *Handler) ReplyWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	ws := MustWorkspaceFromContext(ctx)

	// 1. Reject unconfigured workspaces before reading the body
	if ws.Automation == nil {
		WriteProblem(w, r, http.StatusServiceUnavailable, "Reply qualification is not configured for this workspace")
		return
	}

	// 2. Parse request
	var reply types.ReplyEvent
	if err := json.NewDecoder(r.Body).Decode(&reply); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if reply.From == "" {
		WriteProblem(w, r, http.StatusBadRequest, "from is required")
		return
	}

	// 3. Qualify and act
	result, err := ws.Automation.ProcessReply(ctx, reply)
	if err != nil {
		slog.Error("reply processing failed",
			"component", "api",
			"action", "webhook_reply_failed",
			"workspace", ws.ID,
			"from", reply.From,
			"error", err,
		)
		WriteProblem(w, r, http.StatusBadGateway, "Reply qualification failed")
		return
	}

	// 4. Report the audit trail
	var failed int
	for _, action := range result.Actions {
		if action.Status == automation.StatusFailed {
			failed++
		}
	}

	resp := ReplyWebhookResponse{
		WebhookResponse: WebhookResponse{
			Success:   failed == 0,
			Processed: 1,
			Failed:    failed,
			Actions:   result.Actions,
		},
		Qualified:     result.Qualified,
		Reason:        result.Reason,
		Qualification: result.Qualification,
	}
	if resp.Actions == nil {
		resp.Actions = []automation.ActionResult{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)

	slog.Info("reply webhook processed",
		"component", "api",
		"action", "webhook_reply",
		"workspace", ws.ID,
		"from", reply.From,
		"qualified", result.Qualified,
		"actions", len(result.Actions),
		"failed", failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
