// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

// Package odoo implements the Odoo ERP adapter over the external JSON-RPC
// API. One connector instance serves one model (res.partner, sale.order,
// ...); all operations go through execute_kw after an authenticate call.
package odoo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"datatrust/platform/connectors/base"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultPageSize = 100
	maxResponseSize = 10 * 1024 * 1024
)

// Config holds everything an Odoo connector instance needs.
type Config struct {
	ID       string
	Name     string
	BaseURL  string // e.g. https://mycompany.odoo.com
	Database string
	Username string
	Password string // password or API key
	Model    string // e.g. res.partner
	Timeout  time.Duration
	ReadOnly bool
}

// Connector is the Odoo adapter.
type Connector struct {
	cfg    Config
	client *http.Client
	nextID atomic.Int64

	mu     sync.Mutex
	state  base.ConnectionState
	uid    int
	schema *base.Schema
}

// New validates config and returns a disconnected adapter.
func New(cfg Config) (*Connector, error) {
	if cfg.ID == "" {
		return nil, base.NewError(base.ErrConfiguration, cfg.ID, "odoo connector requires an id", "")
	}
	if cfg.BaseURL == "" || cfg.Database == "" || cfg.Username == "" || cfg.Password == "" {
		return nil, base.NewError(base.ErrConfiguration, cfg.ID,
			"odoo connector requires base url, database, username and password",
			"an Odoo API key can be used in place of the password")
	}
	if cfg.Model == "" {
		return nil, base.NewError(base.ErrConfiguration, cfg.ID,
			"odoo connector requires a model", "e.g. res.partner, sale.order")
	}
	if err := base.ValidateBaseURL(cfg.BaseURL); err != nil {
		return nil, base.WrapError(base.ErrConfiguration, cfg.ID, "invalid base url", "", err)
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Connector{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		state:  base.StateDisconnected,
	}, nil
}

func (c *Connector) ID() string                  { return c.cfg.ID }
func (c *Connector) Name() string                { return c.cfg.Name }
func (c *Connector) Type() string                { return "odoo" }
func (c *Connector) ReadOnly() bool              { return c.cfg.ReadOnly }
func (c *Connector) State() base.ConnectionState { c.mu.Lock(); defer c.mu.Unlock(); return c.state }

// Connect authenticates and caches the numeric user id for execute_kw calls.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.state = base.StateConnecting
	c.mu.Unlock()

	var uid int
	err := c.call(ctx, "common", "authenticate",
		[]any{c.cfg.Database, c.cfg.Username, c.cfg.Password, map[string]any{}}, &uid)
	if err == nil && uid == 0 {
		// Odoo returns false (decoded as 0) for bad credentials, not an error.
		err = base.NewError(base.ErrAuthenticationFailed, c.cfg.ID,
			"odoo rejected the credentials",
			"check database name, username and password/API key")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = base.StateError
		return err
	}
	c.uid = uid
	c.state = base.StateConnected
	return nil
}

func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = base.StateDisconnected
	c.uid = 0
	c.schema = nil
	return nil
}

func (c *Connector) TestConnection(ctx context.Context) error {
	var uid int
	if err := c.call(ctx, "common", "authenticate",
		[]any{c.cfg.Database, c.cfg.Username, c.cfg.Password, map[string]any{}}, &uid); err != nil {
		return err
	}
	if uid == 0 {
		return base.NewError(base.ErrAuthenticationFailed, c.cfg.ID,
			"odoo rejected the credentials", "check database name, username and password/API key")
	}
	return nil
}

func (c *Connector) userID() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != base.StateConnected || c.uid == 0 {
		return 0, base.NewError(base.ErrConnectionFailed, c.cfg.ID,
			"connector is not connected", "call connect first")
	}
	return c.uid, nil
}

// executeKw wraps the object service call with the cached session triple.
func (c *Connector) executeKw(ctx context.Context, method string, args []any, kwargs map[string]any, out any) error {
	uid, err := c.userID()
	if err != nil {
		return err
	}
	callArgs := []any{c.cfg.Database, uid, c.cfg.Password, c.cfg.Model, method, args}
	if kwargs != nil {
		callArgs = append(callArgs, kwargs)
	}
	return c.call(ctx, "object", "execute_kw", callArgs, out)
}

// fieldsGet entry shape from fields_get.
type fieldInfo struct {
	String   string `json:"string"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

func (c *Connector) GetSchema(ctx context.Context, forceRefresh bool) (*base.Schema, error) {
	c.mu.Lock()
	if !forceRefresh && c.schema != nil {
		s := c.schema
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	var raw map[string]fieldInfo
	err := c.executeKw(ctx, "fields_get", []any{},
		map[string]any{"attributes": []string{"string", "type", "required"}}, &raw)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		if !base.IsForbiddenKey(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	fields := make([]base.FieldDef, 0, len(names))
	for _, name := range names {
		info := raw[name]
		fields = append(fields, base.FieldDef{
			Name:        name,
			Type:        odooFieldType(info.Type),
			Required:    info.Required,
			Description: info.String,
			PrimaryKey:  name == "id",
		})
	}
	schema := &base.Schema{Name: c.cfg.Model, Fields: fields}

	c.mu.Lock()
	c.schema = schema
	c.mu.Unlock()
	return schema, nil
}

func odooFieldType(t string) base.FieldType {
	switch t {
	case "integer", "many2one_reference":
		return base.TypeInteger
	case "float", "monetary":
		return base.TypeNumber
	case "boolean":
		return base.TypeBoolean
	case "date":
		return base.TypeDate
	case "datetime":
		return base.TypeDateTime
	case "one2many", "many2many":
		return base.TypeArray
	case "many2one":
		// execute_kw renders many2one as [id, display_name].
		return base.TypeArray
	default: // char, text, selection, html, binary, ...
		return base.TypeString
	}
}

var odooOps = map[base.Operator]string{
	base.OpEq:       "=",
	base.OpNe:       "!=",
	base.OpGt:       ">",
	base.OpLt:       "<",
	base.OpGte:      ">=",
	base.OpLte:      "<=",
	base.OpContains: "ilike",
	base.OpIn:       "in",
}

// buildDomain converts filter conditions to an Odoo domain (conjunction).
func (c *Connector) buildDomain(conds []base.Condition) ([][]any, error) {
	domain := make([][]any, 0, len(conds))
	for _, cond := range conds {
		op, ok := odooOps[cond.Op]
		if !ok {
			return nil, base.NewError(base.ErrValidation, c.cfg.ID,
				"unsupported filter operator: "+string(cond.Op), "")
		}
		domain = append(domain, []any{cond.Field, op, cond.Value})
	}
	return domain, nil
}

func (c *Connector) ReadRecords(ctx context.Context, filter *base.Filter) (*base.ReadResult, error) {
	if filter == nil {
		filter = &base.Filter{}
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	domain, err := c.buildDomain(filter.Where)
	if err != nil {
		return nil, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	offset := filter.Offset
	if filter.Cursor != "" {
		offset, err = strconv.Atoi(filter.Cursor)
		if err != nil || offset < 0 {
			return nil, base.NewError(base.ErrValidation, c.cfg.ID,
				"invalid cursor: "+base.SanitizeLogString(filter.Cursor),
				"pass the next_cursor value from the previous page unmodified")
		}
	}

	kwargs := map[string]any{"limit": limit, "offset": offset}
	if len(filter.Select) > 0 {
		kwargs["fields"] = filter.Select
	}
	if len(filter.OrderBy) > 0 {
		parts := make([]string, 0, len(filter.OrderBy))
		for _, ob := range filter.OrderBy {
			dir := "asc"
			if ob.Direction == "desc" {
				dir = "desc"
			}
			parts = append(parts, ob.Field+" "+dir)
		}
		kwargs["order"] = strings.Join(parts, ", ")
	}

	var total int
	if err := c.executeKw(ctx, "search_count", []any{domain}, nil, &total); err != nil {
		return nil, err
	}
	var rows []base.Record
	if err := c.executeKw(ctx, "search_read", []any{domain}, kwargs, &rows); err != nil {
		return nil, err
	}
	for _, rec := range rows {
		if err := base.CheckRecord(rec); err != nil {
			return nil, base.WrapError(base.ErrReadFailed, c.cfg.ID,
				"record with forbidden field name in model "+c.cfg.Model, "", err)
		}
	}

	result := &base.ReadResult{
		Records:    rows,
		TotalCount: &total,
		HasMore:    offset+len(rows) < total,
	}
	if result.HasMore {
		result.NextCursor = strconv.Itoa(offset + len(rows))
	}
	return result, nil
}

func (c *Connector) WriteRecords(ctx context.Context, records []base.Record, mode base.WriteMode) (*base.WriteResult, error) {
	if c.cfg.ReadOnly {
		return nil, base.NewError(base.ErrUnsupportedOperation, c.cfg.ID,
			"connector is read-only", "writes are disabled for this connector")
	}
	result := &base.WriteResult{}
	for i, rec := range records {
		if err := base.CheckRecord(rec); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, base.WriteError{Index: i, Message: err.Error()})
			continue
		}
		id, hasID := recordID(rec)
		values := make(map[string]any, len(rec))
		for k, v := range rec {
			if k == "id" {
				continue
			}
			values[k] = v
		}

		var err error
		switch {
		case mode == base.WriteInsert || (mode == base.WriteUpsert && !hasID):
			var newID int
			err = c.executeKw(ctx, "create", []any{values}, nil, &newID)
			if err == nil {
				id = newID
			}
		case !hasID:
			err = base.NewError(base.ErrValidation, c.cfg.ID,
				"update requires an id field", "include the Odoo record id in each record")
		default:
			var ok bool
			err = c.executeKw(ctx, "write", []any{[]int{id}, values}, nil, &ok)
			if err == nil && !ok {
				err = base.NewError(base.ErrWriteFailed, c.cfg.ID,
					fmt.Sprintf("write to %s id %d was rejected", c.cfg.Model, id), "")
			}
		}
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, base.WriteError{Index: i, Message: err.Error()})
			continue
		}
		result.Success++
		result.IDs = append(result.IDs, id)
	}
	return result, nil
}

// recordID extracts an integer id; execute_kw ids arrive as float64 via JSON.
func recordID(rec base.Record) (int, bool) {
	switch v := rec["id"].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	default:
		return 0, false
	}
}

func (c *Connector) ValidateRecords(ctx context.Context, records []base.Record) (*base.ValidationResult, error) {
	schema, err := c.GetSchema(ctx, false)
	if err != nil {
		return nil, err
	}
	known := schema.FieldSet()
	result := &base.ValidationResult{Valid: true}
	for i, rec := range records {
		for field := range rec {
			if base.IsForbiddenKey(field) {
				result.Errors = append(result.Errors, base.RecordError{
					Index: i, Field: field, Message: "forbidden field name",
				})
				continue
			}
			if _, ok := known[field]; !ok {
				result.Errors = append(result.Errors, base.RecordError{
					Index: i, Field: field, Message: "unknown field for model " + c.cfg.Model,
				})
			}
		}
	}
	result.Valid = len(result.Errors) == 0
	return result, nil
}

// rpcError is the JSON-RPC error envelope Odoo returns.
type rpcError struct {
	Message string `json:"message"`
	Data    struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"data"`
}

// call issues one JSON-RPC request against /jsonrpc.
func (c *Connector) call(ctx context.Context, service, method string, args []any, out any) error {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"method":  "call",
		"params": map[string]any{
			"service": service,
			"method":  method,
			"args":    args,
		},
		"id": c.nextID.Add(1),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return base.WrapError(base.ErrUnknown, c.cfg.ID, "request encode failed", "", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/jsonrpc", bytes.NewReader(data))
	if err != nil {
		return base.WrapError(base.ErrUnknown, c.cfg.ID, "request build failed", "", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return base.WrapError(base.ErrConnectionFailed, c.cfg.ID,
			"odoo request failed", "check network reachability and the base url", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return base.WrapError(base.ErrConnectionFailed, c.cfg.ID, "response read failed", "", err)
	}
	if resp.StatusCode >= 400 {
		return base.NewError(base.ErrConnectionFailed, c.cfg.ID,
			"odoo returned HTTP "+strconv.Itoa(resp.StatusCode), "check the base url and instance health")
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return base.WrapError(base.ErrReadFailed, c.cfg.ID, "response decode failed", "", err)
	}
	if envelope.Error != nil {
		return c.rpcFault(envelope.Error)
	}
	if out != nil && len(envelope.Result) > 0 {
		// authenticate returns false for bad credentials; callers that expect
		// an int see 0 in that case.
		if string(envelope.Result) == "false" {
			return nil
		}
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return base.WrapError(base.ErrReadFailed, c.cfg.ID, "result decode failed", "", err)
		}
	}
	return nil
}

// rpcFault classifies a JSON-RPC fault by the exception name Odoo reports.
func (c *Connector) rpcFault(e *rpcError) error {
	msg := e.Data.Message
	if msg == "" {
		msg = e.Message
	}
	msg = base.SanitizeLogString(msg)
	name := e.Data.Name
	switch {
	case strings.Contains(name, "AccessDenied"):
		return base.NewError(base.ErrAuthenticationFailed, c.cfg.ID, msg,
			"check username and password/API key")
	case strings.Contains(name, "AccessError"):
		return base.NewError(base.ErrPermissionDenied, c.cfg.ID, msg,
			"the Odoo user lacks rights on model "+c.cfg.Model)
	case strings.Contains(name, "MissingError"):
		return base.NewError(base.ErrNotFound, c.cfg.ID, msg, "")
	case strings.Contains(name, "ValidationError"), strings.Contains(name, "UserError"):
		return base.NewError(base.ErrValidation, c.cfg.ID, msg, "")
	default:
		return base.NewError(base.ErrUnknown, c.cfg.ID, msg, "")
	}
}
