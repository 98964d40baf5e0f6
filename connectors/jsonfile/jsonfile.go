// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

// Package jsonfile implements the JSON file adapter. Records live either in
// a root-level array or behind a dot-separated recordsPath inside an object
// document; traversal is own-property only.
package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"strings"
	"sync"

	"datatrust/platform/connectors/base"
	"datatrust/platform/connectors/filecommon"
)

// Config holds everything a JSON connector instance needs.
type Config struct {
	ID          string
	Name        string
	Path        string
	RecordsPath string // dot-separated path to the record array; empty = root
	ReadOnly    bool
	KeyField    string // default "id"
}

// Connector is the JSON adapter.
type Connector struct {
	cfg      Config
	segments []string

	mu     sync.Mutex
	state  base.ConnectionState
	schema *base.Schema
}

// New validates config and returns a disconnected adapter.
func New(cfg Config) (*Connector, error) {
	if cfg.ID == "" {
		return nil, base.NewError(base.ErrConfiguration, cfg.ID, "json connector requires an id", "")
	}
	if err := base.ValidateFilePath(cfg.Path); err != nil {
		return nil, base.WrapError(base.ErrConfiguration, cfg.ID, "invalid json path", "", err)
	}
	if cfg.KeyField == "" {
		cfg.KeyField = "id"
	}
	var segments []string
	if cfg.RecordsPath != "" {
		segments = strings.Split(cfg.RecordsPath, ".")
		for _, seg := range segments {
			if seg == "" {
				return nil, base.NewError(base.ErrConfiguration, cfg.ID,
					"recordsPath has an empty segment", "use dot-separated object keys")
			}
			if base.IsForbiddenKey(seg) {
				return nil, base.NewError(base.ErrConfiguration, cfg.ID,
					"recordsPath contains a forbidden segment: "+seg,
					"__proto__, prototype and constructor cannot be traversed")
			}
		}
	}
	return &Connector{cfg: cfg, segments: segments, state: base.StateDisconnected}, nil
}

func (c *Connector) ID() string                  { return c.cfg.ID }
func (c *Connector) Name() string                { return c.cfg.Name }
func (c *Connector) Type() string                { return "json" }
func (c *Connector) ReadOnly() bool              { return c.cfg.ReadOnly }
func (c *Connector) State() base.ConnectionState { c.mu.Lock(); defer c.mu.Unlock(); return c.state }

func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = base.StateConnecting
	if _, err := os.Stat(c.cfg.Path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) || c.cfg.ReadOnly {
			c.state = base.StateError
			return base.WrapError(base.ErrConnectionFailed, c.cfg.ID,
				"cannot access json file: "+c.cfg.Path,
				"check that the file exists and is readable", err)
		}
	}
	c.state = base.StateConnected
	return nil
}

func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = base.StateDisconnected
	c.schema = nil
	return nil
}

func (c *Connector) TestConnection(ctx context.Context) error {
	_, _, err := c.load()
	return err
}

func (c *Connector) GetSchema(ctx context.Context, forceRefresh bool) (*base.Schema, error) {
	c.mu.Lock()
	if !forceRefresh && c.schema != nil {
		s := c.schema
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	records, _, err := c.load()
	if err != nil {
		return nil, err
	}
	schema := base.InferSchema(c.cfg.ID, records)

	c.mu.Lock()
	c.schema = schema
	c.mu.Unlock()
	return schema, nil
}

func (c *Connector) ReadRecords(ctx context.Context, filter *base.Filter) (*base.ReadResult, error) {
	records, _, err := c.load()
	if err != nil {
		return nil, err
	}
	return base.ApplyFilter(records, filter)
}

func (c *Connector) WriteRecords(ctx context.Context, records []base.Record, mode base.WriteMode) (*base.WriteResult, error) {
	if c.cfg.ReadOnly {
		return nil, base.NewError(base.ErrUnsupportedOperation, c.cfg.ID,
			"connector is read-only", "writes are disabled for this connector")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, doc, err := c.loadLocked()
	if err != nil {
		return nil, err
	}
	merged, result := filecommon.MergeWrites(existing, records, mode, []string{c.cfg.KeyField})
	if err := c.saveLocked(merged, doc); err != nil {
		return nil, err
	}
	c.schema = nil
	return result, nil
}

func (c *Connector) ValidateRecords(ctx context.Context, records []base.Record) (*base.ValidationResult, error) {
	if err := base.CheckRecords(records); err != nil {
		ce := base.AsConnectorError(err, c.cfg.ID)
		idx, _ := ce.Context["index"].(int)
		return &base.ValidationResult{Valid: false, Errors: []base.RecordError{
			{Index: idx, Message: ce.Message},
		}}, nil
	}
	schema, err := c.GetSchema(ctx, false)
	if err != nil {
		return nil, err
	}
	if len(schema.Fields) == 0 {
		return &base.ValidationResult{Valid: true}, nil
	}
	return base.ValidateAgainstSchema(schema, records), nil
}

func (c *Connector) load() ([]base.Record, any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked()
}

// loadLocked returns the record array plus the surrounding document (nil
// when the array sits at the root) so writes can reassemble the file.
func (c *Connector) loadLocked() ([]base.Record, any, error) {
	data, err := os.ReadFile(c.cfg.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !c.cfg.ReadOnly {
			return nil, nil, nil
		}
		return nil, nil, base.WrapError(base.ErrReadFailed, c.cfg.ID,
			"cannot read json file: "+c.cfg.Path, "check the file path and permissions", err)
	}
	if len(data) == 0 {
		return nil, nil, nil
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, base.WrapError(base.ErrReadFailed, c.cfg.ID,
			"malformed json content", "fix the file", err)
	}

	node := doc
	for _, seg := range c.segments {
		obj, ok := node.(map[string]any)
		if !ok {
			return nil, nil, base.NewError(base.ErrReadFailed, c.cfg.ID,
				"recordsPath segment "+seg+" does not address an object",
				"check the recordsPath against the file structure")
		}
		child, present := obj[seg]
		if !present {
			return nil, nil, base.NewError(base.ErrReadFailed, c.cfg.ID,
				"recordsPath segment not found: "+seg,
				"check the recordsPath against the file structure")
		}
		node = child
	}

	arr, ok := node.([]any)
	if !ok {
		return nil, nil, base.NewError(base.ErrReadFailed, c.cfg.ID,
			"records location does not hold an array",
			"point recordsPath at a JSON array of objects")
	}
	records := make([]base.Record, 0, len(arr))
	for _, item := range arr {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, nil, base.NewError(base.ErrReadFailed, c.cfg.ID,
				"record array contains a non-object entry", "")
		}
		if err := base.CheckRecord(obj); err != nil {
			return nil, nil, base.WrapError(base.ErrReadFailed, c.cfg.ID,
				"record contains a forbidden key", "", err)
		}
		records = append(records, obj)
	}
	if len(c.segments) == 0 {
		doc = nil
	}
	return records, doc, nil
}

func (c *Connector) saveLocked(records []base.Record, doc any) error {
	arr := make([]any, len(records))
	for i, rec := range records {
		arr[i] = map[string]any(rec)
	}

	var out any = arr
	if len(c.segments) > 0 {
		root, ok := doc.(map[string]any)
		if !ok {
			root = make(map[string]any)
		}
		node := root
		for _, seg := range c.segments[:len(c.segments)-1] {
			child, ok := node[seg].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[seg] = child
			}
			node = child
		}
		node[c.segments[len(c.segments)-1]] = arr
		out = root
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return base.WrapError(base.ErrWriteFailed, c.cfg.ID, "json encode failed", "", err)
	}
	data = append(data, '\n')
	if err := filecommon.WriteFileAtomic(c.cfg.Path, data); err != nil {
		return base.WrapError(base.ErrWriteFailed, c.cfg.ID,
			"cannot write json file: "+c.cfg.Path, "check directory permissions", err)
	}
	return nil
}
