// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	s := newStore(t)
	records := []map[string]any{{"id": "1", "name": "Ada"}}

	meta, err := s.Create("baseline", "crm", "before migration", records)
	require.NoError(t, err)
	assert.Equal(t, "baseline", meta.ID)
	assert.Equal(t, "crm", meta.ConnectorID)
	assert.Equal(t, 1, meta.RecordCount)
	assert.WithinDuration(t, time.Now().UTC(), meta.CreatedAt, time.Minute)

	snap, err := s.Get("baseline")
	require.NoError(t, err)
	assert.Equal(t, "before migration", snap.Description)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, "Ada", snap.Records[0]["name"])
}

func TestCreateRefusesDuplicateID(t *testing.T) {
	s := newStore(t)
	_, err := s.Create("baseline", "crm", "", nil)
	require.NoError(t, err)

	_, err = s.Create("baseline", "crm", "", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExists))
}

func TestGetUnknownSnapshot(t *testing.T) {
	s := newStore(t)
	_, err := s.Get("missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDeleteRemovesFile(t *testing.T) {
	s := newStore(t)
	_, err := s.Create("baseline", "crm", "", nil)
	require.NoError(t, err)

	require.NoError(t, s.Delete("baseline"))
	_, err = s.Get("baseline")
	assert.True(t, errors.Is(err, ErrNotFound))

	err = s.Delete("baseline")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListFiltersByConnectorNewestFirst(t *testing.T) {
	s := newStore(t)
	_, err := s.Create("crm-old", "crm", "", nil)
	require.NoError(t, err)
	_, err = s.Create("erp-1", "erp", "", nil)
	require.NoError(t, err)
	_, err = s.Create("crm-new", "crm", "", nil)
	require.NoError(t, err)

	all, err := s.List("")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	crm, err := s.List("crm")
	require.NoError(t, err)
	require.Len(t, crm, 2)
	for _, m := range crm {
		assert.Equal(t, "crm", m.ConnectorID)
	}
}

func TestSanitizedFileNameAndPermissions(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	_, err = s.Create("q3/2026:eu", "crm", "", nil)
	require.NoError(t, err)

	path := filepath.Join(dir, "q3_2026_eu.json")
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// The original id is preserved inside the document.
	snap, err := s.Get("q3/2026:eu")
	require.NoError(t, err)
	assert.Equal(t, "q3/2026:eu", snap.Meta.ID)
}

func TestListSkipsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.json"), []byte("not json"), 0o600))

	_, err = s.Create("baseline", "crm", "", nil)
	require.NoError(t, err)

	metas, err := s.List("")
	require.NoError(t, err)
	assert.Len(t, metas, 1)
}
