// Package workspace gives each CRM tenant an isolated bundle: its own
// sqlite mirror, API client, sync engine, conflict tooling, and
// automation engine, living under one directory with a meta.yaml
// sidecar. Workspaces are loaded lazily and cached by the Manager.
package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hyperengineering/pipesync/internal/automation"
	"github.com/hyperengineering/pipesync/internal/conflict"
	"github.com/hyperengineering/pipesync/internal/pipedrive"
	"github.com/hyperengineering/pipesync/internal/storage"
	"github.com/hyperengineering/pipesync/internal/syncer"
)

const (
	dbFileName   = "crm.db"
	metaFileName = "meta.yaml"
)

// Meta contains workspace-level metadata persisted in meta.yaml.
type Meta struct {
	// Created is when the workspace was first created.
	Created time.Time `yaml:"created"`
	// LastAccessed is when the workspace was last accessed.
	LastAccessed time.Time `yaml:"last_accessed"`
	// Description is an optional human-readable description.
	Description string `yaml:"description,omitempty"`
}

// Info contains summary information about a workspace.
type Info struct {
	ID           string    `json:"id"`
	Created      time.Time `json:"created"`
	LastAccessed time.Time `json:"last_accessed"`
	Description  string    `json:"description,omitempty"`
	SizeBytes    int64     `json:"size_bytes"`
}

// NewMeta creates metadata for a new workspace.
func NewMeta(description string, now time.Time) *Meta {
	now = now.UTC()
	return &Meta{
		Created:      now,
		LastAccessed: now,
		Description:  description,
	}
}

// LoadMeta reads workspace metadata from a file path.
func LoadMeta(path string) (*Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var meta Meta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse workspace metadata: %w", err)
	}
	return &meta, nil
}

// SaveMeta writes workspace metadata to a file path.
func SaveMeta(path string, meta *Meta) error {
	data, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal workspace metadata: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Workspace is one tenant's fully wired component bundle. Automation is
// nil when no qualifier is configured; everything else is always set.
type Workspace struct {
	ID   string
	Path string
	Meta *Meta

	DB         *storage.SQLite
	Client     *pipedrive.Client
	Syncer     *syncer.Engine
	Detector   *conflict.Detector
	Resolver   *conflict.Resolver
	Automation *automation.Engine

	mu        sync.Mutex
	metaDirty bool
}

// TouchAccessed updates the last_accessed timestamp. Metadata is saved
// on flush, not on every access.
func (w *Workspace) TouchAccessed(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.Meta.LastAccessed = now.UTC()
	w.metaDirty = true
}

// FlushMeta saves metadata to disk if it changed since the last flush.
func (w *Workspace) FlushMeta() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.metaDirty {
		return nil
	}
	if err := SaveMeta(filepath.Join(w.Path, metaFileName), w.Meta); err != nil {
		return err
	}
	w.metaDirty = false
	return nil
}

// Close flushes metadata and closes the workspace database.
func (w *Workspace) Close() error {
	if err := w.FlushMeta(); err != nil {
		slog.Warn("failed to flush workspace metadata",
			"component", "workspace",
			"workspace", w.ID,
			"error", err)
	}
	return w.DB.Close()
}
