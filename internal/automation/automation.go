// Package automation turns inbound email replies into CRM side effects.
// Each reply is qualified by the sentiment layer, gated through ordered
// condition predicates, and then drives up to four independent actions:
// person upsert, deal creation, activity logging, and a notification.
// Every attempted action lands in an audit list returned to the caller;
// one action failing never blocks the others.
package automation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/pipesync/internal/clock"
	"github.com/hyperengineering/pipesync/internal/pipedrive"
	"github.com/hyperengineering/pipesync/internal/sentiment"
	"github.com/hyperengineering/pipesync/internal/types"
)

// ActionType identifies one automation side effect.
type ActionType string

const (
	ActionUpsertPerson ActionType = "upsert_person"
	ActionCreateDeal   ActionType = "create_deal"
	ActionLogActivity  ActionType = "log_activity"
	ActionNotify       ActionType = "notify"
)

// ActionStatus is the audit outcome of one action.
type ActionStatus string

const (
	StatusSuccess ActionStatus = "success"
	StatusFailed  ActionStatus = "failed"
	StatusSkipped ActionStatus = "skipped"
)

// ActionResult is one audit entry: what was attempted and how it went.
type ActionResult struct {
	Type      ActionType   `json:"type"`
	Status    ActionStatus `json:"status"`
	EntityID  int64        `json:"entity_id,omitempty"`
	Details   string       `json:"details,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Result reports one processed reply. Actions is the audit trail: every
// configured action appears exactly once, as success, failed, or skipped.
type Result struct {
	Qualification *sentiment.Qualification `json:"qualification"`
	Qualified     bool                     `json:"qualified"`
	Reason        string                   `json:"reason,omitempty"`
	Actions       []ActionResult           `json:"actions"`
}

// CRM captures the client operations the engine drives.
type CRM interface {
	SearchPersonsByEmail(ctx context.Context, email string) ([]types.RemoteRecord, error)
	CreateEntity(ctx context.Context, entity types.EntityType, fields map[string]any) (*types.RemoteRecord, error)
	UpdateEntity(ctx context.Context, entity types.EntityType, id int64, fields map[string]any) (*types.RemoteRecord, error)
}

var _ CRM = (*pipedrive.Client)(nil)

// Engine evaluates the automation rules against qualified replies.
type Engine struct {
	crm       CRM
	qualifier sentiment.Qualifier
	notifier  Notifier
	cfg       Config
	clk       clock.Clock
}

// NewEngine builds an automation engine. A nil notifier falls back to the
// structured log, a nil clock to the system clock.
func NewEngine(crm CRM, qualifier sentiment.Qualifier, notifier Notifier, cfg Config, clk clock.Clock) *Engine {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Engine{crm: crm, qualifier: qualifier, notifier: notifier, cfg: cfg, clk: clk}
}

// ProcessReply qualifies one inbound reply and drives the configured
// actions. A qualification failure aborts with an error; everything past
// that point is captured per action in the returned audit list.
func (e *Engine) ProcessReply(ctx context.Context, reply types.ReplyEvent) (*Result, error) {
	if reply.From == "" {
		return nil, fmt.Errorf("reply has no sender address")
	}

	q, err := e.qualifier.Qualify(ctx, reply)
	if err != nil {
		return nil, fmt.Errorf("qualify reply from %s: %w", reply.From, err)
	}

	result := &Result{Qualification: q}
	ok, reason := e.cfg.Conditions.Met(q)
	if !ok {
		result.Reason = reason
		for _, action := range e.enabledActions() {
			result.Actions = append(result.Actions, e.record(action, StatusSkipped, 0, reason))
		}
		slog.Info("reply did not qualify",
			"component", "automation",
			"from", reply.From,
			"score", q.Score,
			"reason", reason)
		return result, nil
	}
	result.Qualified = true

	personRes, personID := e.upsertPerson(ctx, reply)
	result.Actions = append(result.Actions, personRes)

	var dealID int64
	if e.cfg.Deal.Enabled {
		dealRes, id := e.createDeal(ctx, reply, q, personID)
		dealID = id
		result.Actions = append(result.Actions, dealRes)
	}
	if e.cfg.LogActivities {
		result.Actions = append(result.Actions, e.logActivity(ctx, reply, q, personID, dealID))
	}
	if e.cfg.Notify {
		result.Actions = append(result.Actions, e.sendNotification(ctx, reply, q, personID, dealID))
	}

	slog.Info("reply processed",
		"component", "automation",
		"from", reply.From,
		"score", q.Score,
		"actions", len(result.Actions),
		"failed", countStatus(result.Actions, StatusFailed))
	return result, nil
}

// enabledActions lists the actions the config would run, in execution
// order. Person upsert is the anchor and always runs for qualified
// replies.
func (e *Engine) enabledActions() []ActionType {
	actions := []ActionType{ActionUpsertPerson}
	if e.cfg.Deal.Enabled {
		actions = append(actions, ActionCreateDeal)
	}
	if e.cfg.LogActivities {
		actions = append(actions, ActionLogActivity)
	}
	if e.cfg.Notify {
		actions = append(actions, ActionNotify)
	}
	return actions
}

func (e *Engine) record(action ActionType, status ActionStatus, entityID int64, details string) ActionResult {
	return ActionResult{
		Type:      action,
		Status:    status,
		EntityID:  entityID,
		Details:   details,
		Timestamp: e.clk.Now().UTC(),
	}
}

// upsertPerson finds the sender by email and creates or freshens the
// person record. The returned id links the remaining actions; it is set
// whenever the person is known to exist, even if the freshen failed.
func (e *Engine) upsertPerson(ctx context.Context, reply types.ReplyEvent) (ActionResult, int64) {
	matches, err := e.crm.SearchPersonsByEmail(ctx, reply.From)
	if err != nil {
		return e.record(ActionUpsertPerson, StatusFailed, 0, fmt.Sprintf("search persons: %v", err)), 0
	}

	if len(matches) > 0 {
		person := matches[0]
		name, _ := person.Fields["name"].(string)
		if reply.Name == "" || reply.Name == name {
			return e.record(ActionUpsertPerson, StatusSuccess, person.ID, "already current"), person.ID
		}
		if _, err := e.crm.UpdateEntity(ctx, types.EntityPersons, person.ID, map[string]any{"name": reply.Name}); err != nil {
			return e.record(ActionUpsertPerson, StatusFailed, person.ID, fmt.Sprintf("update person: %v", err)), person.ID
		}
		return e.record(ActionUpsertPerson, StatusSuccess, person.ID, "updated"), person.ID
	}

	created, err := e.crm.CreateEntity(ctx, types.EntityPersons, map[string]any{
		"name":  displayName(reply),
		"email": reply.From,
	})
	if err != nil {
		return e.record(ActionUpsertPerson, StatusFailed, 0, fmt.Sprintf("create person: %v", err)), 0
	}
	return e.record(ActionUpsertPerson, StatusSuccess, created.ID, "created"), created.ID
}

func (e *Engine) createDeal(ctx context.Context, reply types.ReplyEvent, q *sentiment.Qualification, personID int64) (ActionResult, int64) {
	value := dealValue(e.cfg.Deal, q)
	fields := map[string]any{
		"title":    fmt.Sprintf("Reply from %s", displayName(reply)),
		"value":    value,
		"currency": e.cfg.Deal.Currency,
	}
	if personID > 0 {
		// The boundary check expects JSON numbers, so ids go in as float64.
		fields["person_id"] = float64(personID)
	}

	created, err := e.crm.CreateEntity(ctx, types.EntityDeals, fields)
	if err != nil {
		return e.record(ActionCreateDeal, StatusFailed, 0, fmt.Sprintf("create deal: %v", err)), 0
	}
	details := fmt.Sprintf("value %.2f %s", value, e.cfg.Deal.Currency)
	if personID == 0 {
		details += "; unlinked"
	}
	return e.record(ActionCreateDeal, StatusSuccess, created.ID, details), created.ID
}

func (e *Engine) logActivity(ctx context.Context, reply types.ReplyEvent, q *sentiment.Qualification, personID, dealID int64) ActionResult {
	subject := reply.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	note := fmt.Sprintf("sentiment=%s intent=%s urgency=%s score=%d confidence=%.2f",
		q.Sentiment, q.Intent, q.Urgency, q.Score, q.Confidence)
	if q.Summary != "" {
		note = q.Summary + "\n" + note
	}

	fields := map[string]any{
		"subject": "Reply received: " + subject,
		"type":    "email",
		"done":    true,
		"note":    note,
	}
	if personID > 0 {
		fields["person_id"] = float64(personID)
	}
	if dealID > 0 {
		fields["deal_id"] = float64(dealID)
	}

	created, err := e.crm.CreateEntity(ctx, types.EntityActivities, fields)
	if err != nil {
		return e.record(ActionLogActivity, StatusFailed, 0, fmt.Sprintf("create activity: %v", err))
	}
	return e.record(ActionLogActivity, StatusSuccess, created.ID, "logged")
}

func (e *Engine) sendNotification(ctx context.Context, reply types.ReplyEvent, q *sentiment.Qualification, personID, dealID int64) ActionResult {
	n := Notification{
		Reply:         reply,
		Qualification: q,
		PersonID:      personID,
		DealID:        dealID,
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		return e.record(ActionNotify, StatusFailed, 0, fmt.Sprintf("notify: %v", err))
	}
	return e.record(ActionNotify, StatusSuccess, 0, "sent")
}

func displayName(reply types.ReplyEvent) string {
	if reply.Name != "" {
		return reply.Name
	}
	return reply.From
}

func countStatus(actions []ActionResult, status ActionStatus) int {
	n := 0
	for _, a := range actions {
		if a.Status == status {
			n++
		}
	}
	return n
}
