// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

// Package snapshot stores point-in-time copies of a connector's records as
// JSON files, one snapshot per file. Snapshots feed change detection, which
// compares a connector's current records against a stored baseline.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// Meta describes a stored snapshot without its records.
type Meta struct {
	ID          string    `json:"id"`
	ConnectorID string    `json:"connector_id"`
	CreatedAt   time.Time `json:"created_at"`
	RecordCount int       `json:"record_count"`
}

// Snapshot is the full stored document.
type Snapshot struct {
	Meta        Meta             `json:"meta"`
	Records     []map[string]any `json:"records"`
	Description string           `json:"description,omitempty"`
}

// Error kinds surfaced to callers. The dispatcher maps these onto tool
// error codes.
var (
	ErrExists   = fmt.Errorf("SNAPSHOT_EXISTS")
	ErrNotFound = fmt.Errorf("SNAPSHOT_NOT_FOUND")
)

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

func sanitize(id string) string {
	return unsafeIDChars.ReplaceAllString(id, "_")
}

// Store persists snapshots under a single directory.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New creates the snapshot directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, sanitize(id)+".json")
}

// Create stores a new snapshot. An existing snapshot with the same id is
// never overwritten.
func (s *Store) Create(id, connectorID, description string, records []map[string]any) (*Meta, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("snapshot id is required")
	}
	if strings.TrimSpace(connectorID) == "" {
		return nil, fmt.Errorf("connector id is required")
	}
	if records == nil {
		records = []map[string]any{}
	}

	snap := &Snapshot{
		Meta: Meta{
			ID:          id,
			ConnectorID: connectorID,
			CreatedAt:   time.Now().UTC(),
			RecordCount: len(records),
		},
		Records:     records,
		Description: description,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(id)
	// O_EXCL makes the existence check and the write one atomic step.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: snapshot %q already exists", ErrExists, id)
		}
		return nil, fmt.Errorf("create snapshot file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close snapshot: %w", err)
	}
	return &snap.Meta, nil
}

// Get loads one snapshot in full.
func (s *Store) Get(id string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: snapshot %q does not exist", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot %q: %w", id, err)
	}
	if snap.Records == nil {
		snap.Records = []map[string]any{}
	}
	return &snap, nil
}

// List returns metadata for every stored snapshot, newest first. An optional
// connector id narrows the listing.
func (s *Store) List(connectorID string) ([]Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}
	metas := []Meta{}
	for _, e := range names {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read snapshot %s: %w", e.Name(), err)
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			// Skip foreign files rather than failing the whole listing.
			continue
		}
		if connectorID != "" && snap.Meta.ConnectorID != connectorID {
			continue
		}
		metas = append(metas, snap.Meta)
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})
	return metas, nil
}

// Delete removes one snapshot.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(id)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: snapshot %q does not exist", ErrNotFound, id)
		}
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}
