// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

// Package hubspot implements the HubSpot CRM adapter over the v3 objects
// API. One connector instance serves one object type (contacts, companies,
// deals, ...); filtered reads go through the search endpoint.
package hubspot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"datatrust/platform/connectors/base"
)

const (
	defaultBaseURL  = "https://api.hubapi.com"
	defaultTimeout  = 30 * time.Second
	defaultPageSize = 100
	maxResponseSize = 10 * 1024 * 1024
)

// Config holds everything a HubSpot connector instance needs.
type Config struct {
	ID          string
	Name        string
	AccessToken string
	ObjectType  string // contacts, companies, deals, tickets, or a custom type
	BaseURL     string // override for testing
	Timeout     time.Duration
	ReadOnly    bool
}

// Connector is the HubSpot adapter.
type Connector struct {
	cfg    Config
	client *http.Client

	mu     sync.Mutex
	state  base.ConnectionState
	schema *base.Schema
}

// New validates config and returns a disconnected adapter.
func New(cfg Config) (*Connector, error) {
	if cfg.ID == "" {
		return nil, base.NewError(base.ErrConfiguration, cfg.ID, "hubspot connector requires an id", "")
	}
	if cfg.AccessToken == "" {
		return nil, base.NewError(base.ErrConfiguration, cfg.ID,
			"hubspot connector requires an access token",
			"create a private app token in HubSpot and reference it via the config")
	}
	if cfg.ObjectType == "" {
		return nil, base.NewError(base.ErrConfiguration, cfg.ID,
			"hubspot connector requires an object type", "e.g. contacts, companies, deals")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
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
func (c *Connector) Type() string                { return "hubspot" }
func (c *Connector) ReadOnly() bool              { return c.cfg.ReadOnly }
func (c *Connector) State() base.ConnectionState { c.mu.Lock(); defer c.mu.Unlock(); return c.state }

func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.state = base.StateConnecting
	c.mu.Unlock()

	var probe struct {
		Results []json.RawMessage `json:"results"`
	}
	err := c.doJSON(ctx, http.MethodGet,
		fmt.Sprintf("/crm/v3/objects/%s?limit=1", c.cfg.ObjectType), nil, &probe)
	if err != nil {
		c.mu.Lock()
		c.state = base.StateError
		c.mu.Unlock()
		return err
	}
	c.mu.Lock()
	c.state = base.StateConnected
	c.mu.Unlock()
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
	var probe struct {
		Results []json.RawMessage `json:"results"`
	}
	return c.doJSON(ctx, http.MethodGet,
		fmt.Sprintf("/crm/v3/objects/%s?limit=1", c.cfg.ObjectType), nil, &probe)
}

// propertyDef is the shape of /crm/v3/properties results.
type propertyDef struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

func (c *Connector) GetSchema(ctx context.Context, forceRefresh bool) (*base.Schema, error) {
	c.mu.Lock()
	if !forceRefresh && c.schema != nil {
		s := c.schema
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	var resp struct {
		Results []propertyDef `json:"results"`
	}
	if err := c.doJSON(ctx, http.MethodGet,
		"/crm/v3/properties/"+c.cfg.ObjectType, nil, &resp); err != nil {
		return nil, err
	}

	fields := []base.FieldDef{{Name: "id", Type: base.TypeString, Required: true, PrimaryKey: true}}
	for _, p := range resp.Results {
		if base.IsForbiddenKey(p.Name) {
			continue
		}
		fields = append(fields, base.FieldDef{
			Name:        p.Name,
			Type:        hubspotFieldType(p.Type),
			Description: p.Description,
		})
	}
	schema := &base.Schema{Name: c.cfg.ObjectType, Fields: fields}

	c.mu.Lock()
	c.schema = schema
	c.mu.Unlock()
	return schema, nil
}

func hubspotFieldType(t string) base.FieldType {
	switch t {
	case "number":
		return base.TypeNumber
	case "bool":
		return base.TypeBoolean
	case "date":
		return base.TypeDate
	case "datetime":
		return base.TypeDateTime
	default: // string, enumeration, phone_number, ...
		return base.TypeString
	}
}

// search request/response shapes for the v3 search endpoint.
type searchFilter struct {
	PropertyName string   `json:"propertyName"`
	Operator     string   `json:"operator"`
	Value        string   `json:"value,omitempty"`
	Values       []string `json:"values,omitempty"`
}

type searchRequest struct {
	FilterGroups []struct {
		Filters []searchFilter `json:"filters"`
	} `json:"filterGroups,omitempty"`
	Properties []string `json:"properties,omitempty"`
	Sorts      []string `json:"sorts,omitempty"`
	Limit      int      `json:"limit"`
	After      string   `json:"after,omitempty"`
}

type objectPage struct {
	Total   int `json:"total"`
	Results []struct {
		ID         string         `json:"id"`
		Properties map[string]any `json:"properties"`
	} `json:"results"`
	Paging struct {
		Next struct {
			After string `json:"after"`
		} `json:"next"`
	} `json:"paging"`
}

var hubspotOps = map[base.Operator]string{
	base.OpEq:       "EQ",
	base.OpNe:       "NEQ",
	base.OpGt:       "GT",
	base.OpLt:       "LT",
	base.OpGte:      "GTE",
	base.OpLte:      "LTE",
	base.OpContains: "CONTAINS_TOKEN",
	base.OpIn:       "IN",
}

func (c *Connector) ReadRecords(ctx context.Context, filter *base.Filter) (*base.ReadResult, error) {
	if filter == nil {
		filter = &base.Filter{}
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	limit := filter.Limit
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}

	if len(filter.Where) > 0 || len(filter.OrderBy) > 0 {
		return c.readSearch(ctx, filter, limit)
	}
	return c.readList(ctx, filter, limit)
}

func (c *Connector) readList(ctx context.Context, filter *base.Filter, limit int) (*base.ReadResult, error) {
	path := fmt.Sprintf("/crm/v3/objects/%s?limit=%d", c.cfg.ObjectType, limit)
	if len(filter.Select) > 0 {
		path += "&properties=" + strings.Join(filter.Select, ",")
	}
	if filter.Cursor != "" {
		path += "&after=" + filter.Cursor
	}
	var page objectPage
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return c.pageToResult(&page, false), nil
}

func (c *Connector) readSearch(ctx context.Context, filter *base.Filter, limit int) (*base.ReadResult, error) {
	req := searchRequest{Limit: limit, After: filter.Cursor, Properties: filter.Select}
	if len(filter.Where) > 0 {
		var filters []searchFilter
		for _, cond := range filter.Where {
			op, ok := hubspotOps[cond.Op]
			if !ok {
				return nil, base.NewError(base.ErrValidation, c.cfg.ID,
					"unsupported filter operator: "+string(cond.Op), "")
			}
			f := searchFilter{PropertyName: cond.Field, Operator: op}
			if cond.Op == base.OpIn {
				for _, v := range cond.Value.([]any) {
					f.Values = append(f.Values, fmt.Sprintf("%v", v))
				}
			} else {
				f.Value = fmt.Sprintf("%v", cond.Value)
			}
			filters = append(filters, f)
		}
		req.FilterGroups = make([]struct {
			Filters []searchFilter `json:"filters"`
		}, 1)
		req.FilterGroups[0].Filters = filters
	}
	for _, ob := range filter.OrderBy {
		dir := "ASCENDING"
		if ob.Direction == "desc" {
			dir = "DESCENDING"
		}
		req.Sorts = append(req.Sorts, ob.Field+":"+dir)
	}

	var page objectPage
	if err := c.doJSON(ctx, http.MethodPost,
		"/crm/v3/objects/"+c.cfg.ObjectType+"/search", req, &page); err != nil {
		return nil, err
	}
	return c.pageToResult(&page, true), nil
}

// pageToResult flattens id + properties. A non-empty paging.next.after is
// the only continuation signal the vendor guarantees.
func (c *Connector) pageToResult(page *objectPage, hasTotal bool) *base.ReadResult {
	records := make([]base.Record, 0, len(page.Results))
	for _, obj := range page.Results {
		rec := make(base.Record, len(obj.Properties)+1)
		rec["id"] = obj.ID
		for k, v := range obj.Properties {
			if base.IsForbiddenKey(k) {
				continue
			}
			rec[k] = v
		}
		records = append(records, rec)
	}
	result := &base.ReadResult{
		Records:    records,
		HasMore:    page.Paging.Next.After != "",
		NextCursor: page.Paging.Next.After,
	}
	if hasTotal {
		total := page.Total
		result.TotalCount = &total
	}
	return result
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
		id, _ := rec["id"].(string)
		props := make(map[string]any, len(rec))
		for k, v := range rec {
			if k == "id" {
				continue
			}
			props[k] = v
		}
		body := map[string]any{"properties": props}

		var err error
		var created struct {
			ID string `json:"id"`
		}
		switch {
		case mode == base.WriteInsert || (mode == base.WriteUpsert && id == ""):
			err = c.doJSON(ctx, http.MethodPost,
				"/crm/v3/objects/"+c.cfg.ObjectType, body, &created)
			id = created.ID
		case id == "": // update without id
			err = base.NewError(base.ErrValidation, c.cfg.ID,
				"update requires an id field", "include the HubSpot object id in each record")
		default:
			err = c.doJSON(ctx, http.MethodPatch,
				"/crm/v3/objects/"+c.cfg.ObjectType+"/"+id, body, &created)
		}
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, base.WriteError{Index: i, Message: err.Error()})
			continue
		}
		result.Success++
		if id != "" {
			result.IDs = append(result.IDs, id)
		}
	}
	return result, nil
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
					Index: i, Field: field, Message: "unknown property for object type " + c.cfg.ObjectType,
				})
			}
		}
	}
	result.Valid = len(result.Errors) == 0
	return result, nil
}

// doJSON issues one API call and maps HTTP status to the typed error set.
func (c *Connector) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return base.WrapError(base.ErrUnknown, c.cfg.ID, "request encode failed", "", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return base.WrapError(base.ErrUnknown, c.cfg.ID, "request build failed", "", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return base.WrapError(base.ErrConnectionFailed, c.cfg.ID,
			"hubspot request failed", "check network reachability", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return base.WrapError(base.ErrConnectionFailed, c.cfg.ID, "response read failed", "", err)
	}
	if resp.StatusCode >= 400 {
		return c.statusError(resp.StatusCode, data)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return base.WrapError(base.ErrReadFailed, c.cfg.ID, "response decode failed", "", err)
		}
	}
	return nil
}

func (c *Connector) statusError(status int, body []byte) error {
	msg := "hubspot API error: " + strconv.Itoa(status)
	var apiErr struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		msg = base.SanitizeLogString(apiErr.Message)
	}
	switch status {
	case http.StatusUnauthorized:
		return base.NewError(base.ErrAuthenticationFailed, c.cfg.ID, msg,
			"check that the access token is valid and not expired")
	case http.StatusForbidden:
		return base.NewError(base.ErrPermissionDenied, c.cfg.ID, msg,
			"the token lacks the required scope for this object type")
	case http.StatusNotFound:
		return base.NewError(base.ErrNotFound, c.cfg.ID, msg,
			"check the object type and id")
	case http.StatusTooManyRequests:
		return base.NewError(base.ErrRateLimited, c.cfg.ID, msg,
			"reduce request rate; the governance layer will retry with backoff")
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return base.NewError(base.ErrValidation, c.cfg.ID, msg, "")
	default:
		return base.NewError(base.ErrUnknown, c.cfg.ID, msg, "")
	}
}
