// Package conflict detects divergent edits between the local mirror and
// the remote CRM and resolves them with pluggable strategies. Detected
// conflicts are persisted so manual review can happen out of band and so
// resolution history can feed strategy recommendations.
package conflict

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/pipesync/internal/storage"
	"github.com/hyperengineering/pipesync/internal/types"
)

// ErrAlreadyResolved is returned when a resolution is attempted on a
// conflict that has already been settled. Resolved conflicts are
// immutable; renewed divergence for the same record opens a new one.
var ErrAlreadyResolved = errors.New("conflict already resolved")

// Status tracks a conflict through its lifecycle.
type Status string

const (
	// StatusDetected marks a freshly found divergence awaiting a strategy.
	StatusDetected Status = "detected"
	// StatusPending marks a conflict parked for manual review.
	StatusPending Status = "pending"
	// StatusResolved marks a settled conflict. Terminal.
	StatusResolved Status = "resolved"
)

// Strategy names a resolution policy.
type Strategy string

const (
	// LocalWins pushes the local field values to the remote system.
	LocalWins Strategy = "local_wins"
	// RemoteWins writes the remote record over the local copy.
	RemoteWins Strategy = "remote_wins"
	// Merge combines both sides field by field under the configured rules
	// and writes the result to both systems.
	Merge Strategy = "merge"
	// Manual parks the conflict until a reviewer records a resolution.
	Manual Strategy = "manual"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case LocalWins, RemoteWins, Merge, Manual:
		return true
	}
	return false
}

// StrategyNames lists every known strategy, for validation messages.
func StrategyNames() []string {
	return []string{string(LocalWins), string(RemoteWins), string(Merge), string(Manual)}
}

// FieldDiff is one field whose local and remote values differ.
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
// Fields lists only the fields whose values actually differ; the full
// snapshots of both copies are kept for review and resolution.
type Conflict struct {
	ID             string             `json:"id"`
	Entity         types.EntityType   `json:"entity"`
	RemoteID       int64              `json:"remote_id"`
	LocalRecord    types.LocalRecord  `json:"local_record"`
	RemoteRecord   types.RemoteRecord `json:"remote_record"`
	Fields         []FieldDiff        `json:"fields"`
	LocalModified  time.Time          `json:"local_modified"`
	RemoteModified time.Time          `json:"remote_modified"`
	Status         Status             `json:"status"`
	Strategy       Strategy           `json:"strategy,omitempty"`
	Resolution     *Resolution        `json:"resolution,omitempty"`
	DetectedAt     time.Time          `json:"detected_at"`
	ResolvedAt     *time.Time         `json:"resolved_at,omitempty"`
}

// Resolved reports whether the conflict has reached its terminal state.
func (c *Conflict) Resolved() bool {
	return c.Status == StatusResolved
}

// newConflictID mints a sortable conflict identifier.
func newConflictID() string {
	return ulid.Make().String()
}

const conflictsTable = "conflicts"

func conflictToRow(c *Conflict) (storage.Row, error) {
	localJSON, err := json.Marshal(c.LocalRecord)
	if err != nil {
		return nil, fmt.Errorf("encoding local snapshot: %w", err)
	}
	remoteJSON, err := json.Marshal(c.RemoteRecord)
	if err != nil {
		return nil, fmt.Errorf("encoding remote snapshot: %w", err)
	}
	fields := c.Fields
	if fields == nil {
		fields = []FieldDiff{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding field diff: %w", err)
	}

	var resolution any
	if c.Resolution != nil {
		b, err := json.Marshal(c.Resolution)
		if err != nil {
			return nil, fmt.Errorf("encoding resolution: %w", err)
		}
		resolution = string(b)
	}

	var strategy any
	if c.Strategy != "" {
		strategy = string(c.Strategy)
	}

	return storage.Row{
		"id":              c.ID,
		"entity_type":     string(c.Entity),
		"remote_id":       c.RemoteID,
		"local_record":    string(localJSON),
		"remote_record":   string(remoteJSON),
		"fields":          string(fieldsJSON),
		"local_modified":  c.LocalModified,
		"remote_modified": c.RemoteModified,
		"status":          string(c.Status),
		"strategy":        strategy,
		"resolution":      resolution,
		"detected_at":     c.DetectedAt,
		"resolved_at":     c.ResolvedAt,
	}, nil
}

func rowToConflict(row storage.Row) (*Conflict, error) {
	c := &Conflict{}
	c.ID, _ = row["id"].(string)
	if s, ok := row["entity_type"].(string); ok {
		c.Entity = types.EntityType(s)
	}
	if n, ok := row["remote_id"].(int64); ok {
		c.RemoteID = n
	}
	if s, ok := row["status"].(string); ok {
		c.Status = Status(s)
	}
	if s, ok := row["strategy"].(string); ok {
		c.Strategy = Strategy(s)
	}

	if s, _ := row["local_record"].(string); s != "" {
		if err := json.Unmarshal([]byte(s), &c.LocalRecord); err != nil {
			return nil, fmt.Errorf("decoding local snapshot for conflict %s: %w", c.ID, err)
		}
	}
	if s, _ := row["remote_record"].(string); s != "" {
		if err := json.Unmarshal([]byte(s), &c.RemoteRecord); err != nil {
			return nil, fmt.Errorf("decoding remote snapshot for conflict %s: %w", c.ID, err)
		}
	}
	if s, _ := row["fields"].(string); s != "" {
		if err := json.Unmarshal([]byte(s), &c.Fields); err != nil {
			return nil, fmt.Errorf("decoding field diff for conflict %s: %w", c.ID, err)
		}
	}
	if s, _ := row["resolution"].(string); s != "" {
		c.Resolution = &Resolution{}
		if err := json.Unmarshal([]byte(s), c.Resolution); err != nil {
			return nil, fmt.Errorf("decoding resolution for conflict %s: %w", c.ID, err)
		}
	}

	c.LocalModified = rowTime(row["local_modified"])
	c.RemoteModified = rowTime(row["remote_modified"])
	c.DetectedAt = rowTime(row["detected_at"])
	c.ResolvedAt = rowTimePtr(row["resolved_at"])
	return c, nil
}

func rowTime(v any) time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}
	}
	t, err := storage.ParseTime(s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func rowTimePtr(v any) *time.Time {
	t := rowTime(v)
	if t.IsZero() {
		return nil
	}
	return &t
}
