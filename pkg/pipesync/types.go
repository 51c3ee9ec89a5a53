package pipesync

import (
	"encoding/json"
	"net/http"
	"time"
)

// EntityType identifies a CRM entity collection.
type EntityType string

const (
	EntityPersons       EntityType = "persons"
	EntityOrganizations EntityType = "organizations"
	EntityDeals         EntityType = "deals"
	EntityActivities    EntityType = "activities"
)

// SyncMode selects how a triggered sync walks the remote collection.
type SyncMode string

const (
	SyncFull        SyncMode = "full"
	SyncIncremental SyncMode = "incremental"
	SyncResume      SyncMode = "resume"
)

// Strategy names a conflict resolution strategy.
type Strategy string

const (
	StrategyLocalWins  Strategy = "local_wins"
	StrategyRemoteWins Strategy = "remote_wins"
	StrategyMerge      Strategy = "merge"
	StrategyManual     Strategy = "manual"
)

// ChangeAction is the kind of mutation a change event describes.
type ChangeAction string

const (
	ChangeAdded   ChangeAction = "added"
	ChangeUpdated ChangeAction = "updated"
	ChangeDeleted ChangeAction = "deleted"
)

// Config holds the pipesync client configuration
type Config struct {
	BaseURL    string        // Pipesync service URL (e.g. http://localhost:8080)
	APIKey     string        // API key for authentication
	HTTPClient *http.Client  // Optional custom HTTP client
	Timeout    time.Duration // Request timeout (default: 30 seconds)
	UserAgent  string        // Optional User-Agent override
}

// Health reports service liveness and the workspace inventory.
type Health struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Workspaces int    `json:"workspaces"`
}

// Workspace is one entry in the workspace inventory.
type Workspace struct {
	ID           string    `json:"id"`
	Created      time.Time `json:"created"`
	LastAccessed time.Time `json:"last_accessed"`
	Description  string    `json:"description,omitempty"`
	SizeBytes    int64     `json:"size_bytes"`
}

// ChangeEvent is a single normalized CRM mutation. Payload carries the
// full entity body when the source included one.
type ChangeEvent struct {
	Action    ChangeAction   `json:"action"`
	Entity    EntityType     `json:"entity"`
	RemoteID  int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// ReplyEvent is an inbound email reply to push through qualification.
type ReplyEvent struct {
	From       string    `json:"from"`
	Name       string    `json:"name,omitempty"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	MessageID  string    `json:"message_id"`
	InReplyTo  string    `json:"in_reply_to,omitempty"`
	ThreadID   string    `json:"thread_id,omitempty"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// Qualification is the verdict on one reply.
type Qualification struct {
	Sentiment  string  `json:"sentiment"`
	Intent     string  `json:"intent"`
	Urgency    string  `json:"urgency"`
	Confidence float64 `json:"confidence"`
	Score      int     `json:"score"`
	Summary    string  `json:"summary,omitempty"`
}

// ActionResult is one automation side effect from a processed reply.
type ActionResult struct {
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	EntityID  int64     `json:"entity_id,omitempty"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WebhookAck acknowledges a webhook delivery. Item failures appear in
// Errors; the delivery itself still succeeded.
type WebhookAck struct {
	Success   bool           `json:"success"`
	Processed int            `json:"processed"`
	Failed    int            `json:"failed,omitempty"`
	Errors    []string       `json:"errors,omitempty"`
	Actions   []ActionResult `json:"actions"`
}

// ReplyAck extends the acknowledgement with the qualification verdict.
type ReplyAck struct {
	WebhookAck
	Qualified     bool           `json:"qualified"`
	Reason        string         `json:"reason,omitempty"`
	Qualification *Qualification `json:"qualification,omitempty"`
}

// RecordError reports why a specific remote record failed to sync.
type RecordError struct {
	RemoteID int64    `json:"remote_id"`
	Messages []string `json:"errors"`
}

// SyncResult summarizes one entity sync run.
type SyncResult struct {
	Entity         EntityType    `json:"entity"`
	Synced         int           `json:"synced"`
	Failed         int           `json:"failed"`
	Errors         []RecordError `json:"errors"`
	DurationMillis int64         `json:"duration_ms"`
}

// SyncRun is the audit row for one sync invocation.
type SyncRun struct {
	ID         string     `json:"id"`
	Entity     EntityType `json:"entity"`
	Mode       string     `json:"mode"`
	Status     string     `json:"status"`
	Synced     int        `json:"synced"`
	Failed     int        `json:"failed"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Checkpoint is a resumable cursor into an interrupted full sync.
type Checkpoint struct {
	Entity    EntityType `json:"entity"`
	Offset    int        `json:"offset"`
	Processed int        `json:"processed"`
	Started   time.Time  `json:"started_at"`
}

// EntityStatus is the sync posture of one entity type.
type EntityStatus struct {
	Entity     EntityType  `json:"entity"`
	LastSync   *time.Time  `json:"last_sync,omitempty"`
	LastRun    *SyncRun    `json:"last_run,omitempty"`
	Checkpoint *Checkpoint `json:"checkpoint,omitempty"`
}

// SyncStatus reports per-entity sync posture for one workspace.
type SyncStatus struct {
	Workspace string         `json:"workspace"`
	Entities  []EntityStatus `json:"entities"`
}

// FieldDiff is one field whose local and remote values diverge.
type FieldDiff struct {
	Field  string `json:"field"`
	Local  any    `json:"local"`
	Remote any    `json:"remote"`
}

// Resolution records how a conflict was settled and by whom.
type Resolution struct {
	Strategy   Strategy       `json:"strategy"`
	Merged     map[string]any `json:"merged,omitempty"`
	ResolvedBy string         `json:"resolved_by,omitempty"`
	Notes      string         `json:"notes,omitempty"`
}

// Conflict is a record modified on both sides since the last sync point.
// The raw local and remote copies are kept as JSON for review.
type Conflict struct {
	ID             string          `json:"id"`
	Entity         EntityType      `json:"entity"`
	RemoteID       int64           `json:"remote_id"`
	LocalRecord    json.RawMessage `json:"local_record,omitempty"`
	RemoteRecord   json.RawMessage `json:"remote_record,omitempty"`
	Fields         []FieldDiff     `json:"fields"`
	LocalModified  time.Time       `json:"local_modified"`
	RemoteModified time.Time       `json:"remote_modified"`
	Status         string          `json:"status"`
	Strategy       Strategy        `json:"strategy,omitempty"`
	Resolution     *Resolution     `json:"resolution,omitempty"`
	DetectedAt     time.Time       `json:"detected_at"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
}

// ConflictList carries the open-conflict review queue.
type ConflictList struct {
	Workspace string     `json:"workspace"`
	Conflicts []Conflict `json:"conflicts"`
}

// ConflictListOptions filters a conflict listing. Zero values mean no
// filter and the server's default page size.
type ConflictListOptions struct {
	Entity EntityType
	Limit  int
}

// ResolveRequest settles a conflict. Merged is only consulted by the
// merge strategy and overrides the rule-derived merge when present.
type ResolveRequest struct {
	Strategy   Strategy       `json:"strategy"`
	Merged     map[string]any `json:"merged,omitempty"`
	ResolvedBy string         `json:"resolved_by,omitempty"`
	Notes      string         `json:"notes,omitempty"`
}
