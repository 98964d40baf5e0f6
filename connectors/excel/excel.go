// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

// Package excel implements the XLSX adapter on top of excelize. Only one
// sheet is exposed per connector instance; writes rebuild the workbook and
// rewrite the file atomically.
package excel

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strconv"
	"sync"

	"github.com/xuri/excelize/v2"

	"datatrust/platform/connectors/base"
	"datatrust/platform/connectors/filecommon"
)

// Config holds everything an Excel connector instance needs.
type Config struct {
	ID        string
	Name      string
	Path      string
	Sheet     string // empty = first sheet
	HasHeader bool
	ReadOnly  bool
	KeyField  string // default "id"
}

// Connector is the Excel adapter.
type Connector struct {
	cfg Config

	mu     sync.Mutex
	state  base.ConnectionState
	schema *base.Schema
}

// New validates config and returns a disconnected adapter.
func New(cfg Config) (*Connector, error) {
	if cfg.ID == "" {
		return nil, base.NewError(base.ErrConfiguration, cfg.ID, "excel connector requires an id", "")
	}
	if err := base.ValidateFilePath(cfg.Path); err != nil {
		return nil, base.WrapError(base.ErrConfiguration, cfg.ID, "invalid excel path", "", err)
	}
	if cfg.KeyField == "" {
		cfg.KeyField = "id"
	}
	return &Connector{cfg: cfg, state: base.StateDisconnected}, nil
}

func (c *Connector) ID() string                  { return c.cfg.ID }
func (c *Connector) Name() string                { return c.cfg.Name }
func (c *Connector) Type() string                { return "excel" }
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
				"cannot access excel file: "+c.cfg.Path,
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

	records, header, err := c.load()
	if err != nil {
		return nil, err
	}
	schema := base.InferSchema(c.cfg.ID, records)
	if len(header) > 0 {
		byName := schema.FieldSet()
		ordered := make([]base.FieldDef, 0, len(header))
		for _, h := range header {
			if def, ok := byName[h]; ok {
				ordered = append(ordered, def)
			} else {
				ordered = append(ordered, base.FieldDef{Name: h, Type: base.TypeString})
			}
		}
		schema.Fields = ordered
	}

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

	existing, header, err := c.loadLocked()
	if err != nil {
		return nil, err
	}
	merged, result := filecommon.MergeWrites(existing, records, mode, []string{c.cfg.KeyField})
	if err := c.saveLocked(merged, header); err != nil {
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

func (c *Connector) load() ([]base.Record, []string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked()
}

func (c *Connector) loadLocked() ([]base.Record, []string, error) {
	f, err := excelize.OpenFile(c.cfg.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !c.cfg.ReadOnly {
			return nil, nil, nil
		}
		return nil, nil, base.WrapError(base.ErrReadFailed, c.cfg.ID,
			"cannot open excel file: "+c.cfg.Path, "check the file path and permissions", err)
	}
	defer f.Close()

	sheet := c.cfg.Sheet
	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, nil, base.WrapError(base.ErrReadFailed, c.cfg.ID,
			"cannot read sheet: "+sheet, "check the configured sheet name", err)
	}
	if len(rows) == 0 {
		return nil, nil, nil
	}

	var header []string
	start := 0
	if c.cfg.HasHeader {
		header = rows[0]
		start = 1
	} else {
		for i := range rows[0] {
			header = append(header, "column_"+strconv.Itoa(i+1))
		}
	}
	for _, h := range header {
		if base.IsForbiddenKey(h) {
			return nil, nil, base.NewError(base.ErrSchemaMismatch, c.cfg.ID,
				"forbidden column header: "+base.SanitizeLogString(h),
				"rename the column; __proto__, prototype and constructor are reserved")
		}
	}

	records := make([]base.Record, 0, len(rows)-start)
	for _, row := range rows[start:] {
		rec := make(base.Record, len(header))
		for i, h := range header {
			if i >= len(row) {
				continue
			}
			rec[h] = coerceCell(row[i])
		}
		records = append(records, rec)
	}
	return records, header, nil
}

func coerceCell(s string) any {
	if s == "" {
		return nil
	}
	switch s {
	case "TRUE", "true":
		return true
	case "FALSE", "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func (c *Connector) saveLocked(records []base.Record, header []string) error {
	seen := make(map[string]struct{}, len(header))
	for _, h := range header {
		seen[h] = struct{}{}
	}
	for _, rec := range records {
		for k := range rec {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				header = append(header, k)
			}
		}
	}

	f := excelize.NewFile()
	defer f.Close()
	sheet := c.cfg.Sheet
	if sheet == "" {
		sheet = "Sheet1"
	} else if sheet != "Sheet1" {
		if err := f.SetSheetName("Sheet1", sheet); err != nil {
			return base.WrapError(base.ErrWriteFailed, c.cfg.ID, "excel encode failed", "", err)
		}
	}

	rowNum := 1
	if c.cfg.HasHeader {
		for i, h := range header {
			cell, _ := excelize.CoordinatesToCellName(i+1, rowNum)
			if err := f.SetCellValue(sheet, cell, h); err != nil {
				return base.WrapError(base.ErrWriteFailed, c.cfg.ID, "excel encode failed", "", err)
			}
		}
		rowNum++
	}
	for _, rec := range records {
		for i, h := range header {
			v, ok := rec[h]
			if !ok || v == nil {
				continue
			}
			cell, _ := excelize.CoordinatesToCellName(i+1, rowNum)
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return base.WrapError(base.ErrWriteFailed, c.cfg.ID, "excel encode failed", "", err)
			}
		}
		rowNum++
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return base.WrapError(base.ErrWriteFailed, c.cfg.ID, "excel encode failed", "", err)
	}
	if err := filecommon.WriteFileAtomic(c.cfg.Path, buf.Bytes()); err != nil {
		return base.WrapError(base.ErrWriteFailed, c.cfg.ID,
			"cannot write excel file: "+c.cfg.Path, "check directory permissions", err)
	}
	return nil
}
