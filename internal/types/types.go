package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType identifies a CRM collection. The value doubles as the REST
// path segment and the local table name.
type EntityType string

const (
	EntityPersons       EntityType = "persons"
	EntityOrganizations EntityType = "organizations"
	EntityDeals         EntityType = "deals"
	EntityActivities    EntityType = "activities"
)

// AllEntityTypes returns every syncable entity type in canonical sync order.
func AllEntityTypes() []EntityType {
	return []EntityType{EntityPersons, EntityOrganizations, EntityDeals, EntityActivities}
}

// Valid reports whether t names a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityPersons, EntityOrganizations, EntityDeals, EntityActivities:
		return true
	}
	return false
}

// Singular returns the singular object name used in change feeds and
// webhook payloads ("person", "deal", ...).
func (t EntityType) Singular() string {
	switch t {
	case EntityPersons:
		return "person"
	case EntityOrganizations:
		return "organization"
	case EntityDeals:
		return "deal"
	case EntityActivities:
		return "activity"
	}
	return string(t)
}

// ParseEntityType accepts both plural collection names and the singular
// object names that appear in change feeds.
func ParseEntityType(s string) (EntityType, error) {
	switch s {
	case "persons", "person":
		return EntityPersons, nil
	case "organizations", "organization":
		return EntityOrganizations, nil
	case "deals", "deal":
		return EntityDeals, nil
	case "activities", "activity":
		return EntityActivities, nil
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// ChangeAction is the kind of mutation a change event describes.
type ChangeAction string

const (
	ChangeAdded   ChangeAction = "added"
	ChangeUpdated ChangeAction = "updated"
	ChangeDeleted ChangeAction = "deleted"
)

// Valid reports whether a names a known change action.
func (a ChangeAction) Valid() bool {
	switch a {
	case ChangeAdded, ChangeUpdated, ChangeDeleted:
		return true
	}
	return false
}

// RemoteRecord is a CRM-side entity after boundary decoding. Fields holds
// the typed payload keyed by CRM field name.
type RemoteRecord struct {
	ID         int64          `json:"id"`
	Type       EntityType     `json:"type"`
	Fields     map[string]any `json:"fields"`
	AddTime    time.Time      `json:"add_time"`
	UpdateTime time.Time      `json:"update_time"`
}

// RemotePage is one page of a collection listing. Total is -1 when the
// CRM does not report a collection size. Failed holds records that did
// not pass boundary decoding.
type RemotePage struct {
	Records   []RemoteRecord
	Failed    []RecordError
	NextStart int
	More      bool
	Total     int
}

// LocalRecord is the locally stored copy of a CRM entity plus sync
// bookkeeping. UpdatedAt tracks local modifications; SyncedAt records the
// last reconciliation with the remote side.
type LocalRecord struct {
	LocalID    string         `json:"local_id"`
	RemoteID   int64          `json:"remote_id"`
	Type       EntityType     `json:"type"`
	Fields     map[string]any `json:"fields"`
	Version    int64          `json:"version"`
	RemoteTime time.Time      `json:"remote_updated_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	SyncedAt   *time.Time     `json:"synced_at,omitempty"`
	DeletedAt  *time.Time     `json:"deleted_at,omitempty"`
}

// Deleted reports whether the record carries a tombstone.
func (r *LocalRecord) Deleted() bool {
	return r.DeletedAt != nil
}

// ChangeEvent is a single normalized mutation from a webhook or the
// change feed. Payload is present only when the source included the full
// entity body.
type ChangeEvent struct {
	Action    ChangeAction   `json:"action"`
	Entity    EntityType     `json:"entity"`
	RemoteID  int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// ReplyEvent is an inbound email reply delivered by the mail provider
// webhook.
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

// RecordError reports why a specific remote record failed to sync.
type RecordError struct {
	RemoteID int64    `json:"remote_id"`
	Messages []string `json:"errors"`
}

// SyncResult summarizes one entity sync: how many records landed, how
// many failed, and why.
type SyncResult struct {
	Entity   EntityType    `json:"entity"`
	Synced   int           `json:"synced"`
	Failed   int           `json:"failed"`
	Errors   []RecordError `json:"errors"`
	Duration time.Duration `json:"duration_ms"`
}

// MarshalJSON reports Duration in milliseconds and nil Errors as [].
func (r SyncResult) MarshalJSON() ([]byte, error) {
	if r.Errors == nil {
		r.Errors = []RecordError{}
	}
	type Alias SyncResult
	a := Alias(r)
	a.Duration = time.Duration(r.Duration.Milliseconds())
	return json.Marshal(a)
}

// Progress is emitted after each committed page or chunk. Total is -1
// until the collection size is known.
type Progress struct {
	Entity     EntityType `json:"entity"`
	Processed  int        `json:"processed"`
	Total      int        `json:"total"`
	Percentage float64    `json:"percentage"`
}

// RateEstimate is the rolling throughput estimate emitted alongside
// progress once enough history exists. Remaining is zero when the total
// is unknown.
type RateEstimate struct {
	Entity         EntityType    `json:"entity"`
	ItemsPerSecond float64       `json:"items_per_second"`
	Remaining      time.Duration `json:"remaining_ms"`
}

// SyncMode distinguishes how a sync run walks the remote collection.
type SyncMode string

const (
	SyncModeFull        SyncMode = "full"
	SyncModeIncremental SyncMode = "incremental"
	SyncModeChangelog   SyncMode = "changelog"
)

// SyncStatus is the lifecycle state of a sync run.
type SyncStatus string

const (
	SyncStatusRunning   SyncStatus = "running"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusFailed    SyncStatus = "failed"
)

// SyncRun is the persisted audit row for one sync invocation.
type SyncRun struct {
	ID         string     `json:"id"`
	Entity     EntityType `json:"entity"`
	Mode       SyncMode   `json:"mode"`
	Status     SyncStatus `json:"status"`
	Synced     int        `json:"synced"`
	Failed     int        `json:"failed"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
