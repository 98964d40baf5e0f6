// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

// Package csvfile implements the CSV file adapter. Writes are whole-file
// atomic rewrites; string cells that would be interpreted as spreadsheet
// formulas are escaped on the way out.
package csvfile

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"sync"

	"datatrust/platform/connectors/base"
	"datatrust/platform/connectors/filecommon"
)

// Config holds everything a CSV connector instance needs.
type Config struct {
	ID               string
	Name             string
	Path             string
	Delimiter        string // default ","
	HasHeader        bool   // default true (set by config loading)
	ReadOnly         bool
	KeyField         string // merge key for update/upsert, default "id"
	SanitizeFormulas bool   // default true
	EscapeChar       string // default "'"
}

// Connector is the CSV adapter.
type Connector struct {
	cfg Config

	mu     sync.Mutex
	state  base.ConnectionState
	schema *base.Schema
}

// formulaRe matches string values a spreadsheet would evaluate.
var formulaRe = regexp.MustCompile(`^[\t\r\n ]*[=+\-@]`)

// New validates config and returns a disconnected adapter.
func New(cfg Config) (*Connector, error) {
	if cfg.ID == "" {
		return nil, base.NewError(base.ErrConfiguration, cfg.ID, "csv connector requires an id", "")
	}
	if err := base.ValidateFilePath(cfg.Path); err != nil {
		return nil, base.WrapError(base.ErrConfiguration, cfg.ID, "invalid csv path", "", err)
	}
	if cfg.Delimiter == "" {
		cfg.Delimiter = ","
	}
	if len([]rune(cfg.Delimiter)) != 1 {
		return nil, base.NewError(base.ErrConfiguration, cfg.ID,
			"csv delimiter must be a single character", "")
	}
	if cfg.KeyField == "" {
		cfg.KeyField = "id"
	}
	if cfg.EscapeChar == "" {
		cfg.EscapeChar = "'"
	}
	return &Connector{cfg: cfg, state: base.StateDisconnected}, nil
}

func (c *Connector) ID() string                  { return c.cfg.ID }
func (c *Connector) Name() string                { return c.cfg.Name }
func (c *Connector) Type() string                { return "csv" }
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
				"cannot access csv file: "+c.cfg.Path,
				"check that the file exists and is readable", err)
		}
		// Missing file on a writable connector starts empty.
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
	// Header order wins over map iteration order; headers absent from the
	// inferred set (all-empty columns) still appear as string fields.
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
	c.schema = nil // whole-file rewrite invalidates the inferred schema
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

// load takes the connector lock; loadLocked assumes it is held.
func (c *Connector) load() ([]base.Record, []string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked()
}

func (c *Connector) loadLocked() ([]base.Record, []string, error) {
	data, err := os.ReadFile(c.cfg.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !c.cfg.ReadOnly {
			return nil, nil, nil
		}
		return nil, nil, base.WrapError(base.ErrReadFailed, c.cfg.ID,
			"cannot read csv file: "+c.cfg.Path, "check the file path and permissions", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil, nil
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = []rune(c.cfg.Delimiter)[0]
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, nil, base.WrapError(base.ErrReadFailed, c.cfg.ID,
			"malformed csv content", "fix the file or adjust the delimiter", err)
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

// coerceCell maps CSV text to the narrowest matching Go type.
func coerceCell(s string) any {
	if s == "" {
		return nil
	}
	switch s {
	case "true":
		return true
	case "false":
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
	// Preserve existing column order; new fields are appended sorted by
	// first appearance.
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

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = []rune(c.cfg.Delimiter)[0]
	if c.cfg.HasHeader {
		if err := w.Write(header); err != nil {
			return base.WrapError(base.ErrWriteFailed, c.cfg.ID, "csv encode failed", "", err)
		}
	}
	for _, rec := range records {
		row := make([]string, len(header))
		for i, h := range header {
			row[i] = c.formatCell(rec[h])
		}
		if err := w.Write(row); err != nil {
			return base.WrapError(base.ErrWriteFailed, c.cfg.ID, "csv encode failed", "", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return base.WrapError(base.ErrWriteFailed, c.cfg.ID, "csv encode failed", "", err)
	}
	if err := filecommon.WriteFileAtomic(c.cfg.Path, buf.Bytes()); err != nil {
		return base.WrapError(base.ErrWriteFailed, c.cfg.ID,
			"cannot write csv file: "+c.cfg.Path, "check directory permissions", err)
	}
	return nil
}

func (c *Connector) formatCell(v any) string {
	var s string
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		s = val
	case bool:
		return strconv.FormatBool(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		s = string(b)
	}
	if c.cfg.SanitizeFormulas && formulaRe.MatchString(s) {
		s = c.cfg.EscapeChar + s
	}
	return s
}
