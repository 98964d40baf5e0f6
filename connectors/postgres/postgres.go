// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

// Package postgres implements the PostgreSQL table adapter on lib/pq.
// One connector instance serves one table; identifiers are validated against
// the cached information_schema column set before any statement is built.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"datatrust/platform/connectors/base"
	"datatrust/platform/connectors/sqlutil"
)

// Config holds everything a PostgreSQL connector instance needs.
type Config struct {
	ID       string
	Name     string
	Host     string
	Port     int    // default 5432
	Database string
	User     string
	Password string
	SSLMode  string // default "require"
	Table    string
	Schema   string // default "public"
	ReadOnly bool

	MaxOpenConns    int           // default 10
	MaxIdleConns    int           // default 2
	ConnMaxLifetime time.Duration // default 30m
}

// Connector is the PostgreSQL adapter.
type Connector struct {
	cfg Config
	db  *sql.DB

	mu      sync.Mutex
	state   base.ConnectionState
	columns map[string]struct{}
	schema  *base.Schema
	keyCols []string
}

// New validates config and returns a disconnected adapter.
func New(cfg Config) (*Connector, error) {
	if cfg.ID == "" {
		return nil, base.NewError(base.ErrConfiguration, cfg.ID, "postgresql connector requires an id", "")
	}
	if cfg.Host == "" || cfg.Database == "" || cfg.Table == "" {
		return nil, base.NewError(base.ErrConfiguration, cfg.ID,
			"postgresql connector requires host, database and table", "")
	}
	if err := base.ValidateSQLIdentifier(cfg.Table); err != nil {
		return nil, base.WrapError(base.ErrConfiguration, cfg.ID, "invalid table name", "", err)
	}
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if err := base.ValidateSQLIdentifier(cfg.Schema); err != nil {
		return nil, base.WrapError(base.ErrConfiguration, cfg.ID, "invalid schema name", "", err)
	}
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "require"
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}
	return &Connector{cfg: cfg, state: base.StateDisconnected}, nil
}

func (c *Connector) ID() string                  { return c.cfg.ID }
func (c *Connector) Name() string                { return c.cfg.Name }
func (c *Connector) Type() string                { return "postgresql" }
func (c *Connector) ReadOnly() bool              { return c.cfg.ReadOnly }
func (c *Connector) State() base.ConnectionState { c.mu.Lock(); defer c.mu.Unlock(); return c.state }

func (c *Connector) dsn() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.cfg.Host, c.cfg.Port, c.cfg.Database, c.cfg.User, c.cfg.Password, c.cfg.SSLMode)
}

func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.state = base.StateConnecting
	c.mu.Unlock()

	db, err := sql.Open("postgres", c.dsn())
	if err != nil {
		c.setState(base.StateError)
		return base.WrapError(base.ErrConnectionFailed, c.cfg.ID,
			"cannot open postgresql connection", "check host/port/credentials", err)
	}
	db.SetMaxOpenConns(c.cfg.MaxOpenConns)
	db.SetMaxIdleConns(c.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(c.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		c.setState(base.StateError)
		return base.WrapError(base.ErrConnectionFailed, c.cfg.ID,
			"postgresql ping failed", "check network reachability and credentials", err)
	}

	c.mu.Lock()
	c.db = db
	c.state = base.StateConnected
	c.mu.Unlock()
	return nil
}

func (c *Connector) setState(s base.ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db != nil {
		c.db.Close()
		c.db = nil
	}
	c.state = base.StateDisconnected
	c.columns = nil
	c.schema = nil
	return nil
}

func (c *Connector) TestConnection(ctx context.Context) error {
	db, err := c.handle()
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		return base.WrapError(base.ErrConnectionFailed, c.cfg.ID,
			"postgresql ping failed", "check network reachability", err)
	}
	return nil
}

func (c *Connector) handle() (*sql.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil, base.NewError(base.ErrConnectionFailed, c.cfg.ID,
			"connector is not connected", "call connect before issuing operations")
	}
	return c.db, nil
}

func (c *Connector) GetSchema(ctx context.Context, forceRefresh bool) (*base.Schema, error) {
	c.mu.Lock()
	if !forceRefresh && c.schema != nil {
		s := c.schema
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	db, err := c.handle()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, c.cfg.Schema, c.cfg.Table)
	if err != nil {
		return nil, base.WrapError(base.ErrReadFailed, c.cfg.ID,
			"cannot read table schema", "check that the table exists", err)
	}
	defer rows.Close()

	var fields []base.FieldDef
	columns := make(map[string]struct{})
	for rows.Next() {
		var name, dataType, nullable string
		if err := rows.Scan(&name, &dataType, &nullable); err != nil {
			return nil, base.WrapError(base.ErrReadFailed, c.cfg.ID, "schema scan failed", "", err)
		}
		fields = append(fields, base.FieldDef{
			Name:     name,
			Type:     pgFieldType(dataType),
			Required: nullable == "NO",
		})
		columns[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, base.WrapError(base.ErrReadFailed, c.cfg.ID, "schema scan failed", "", err)
	}
	if len(fields) == 0 {
		return nil, base.NewError(base.ErrNotFound, c.cfg.ID,
			fmt.Sprintf("table %s.%s not found or has no columns", c.cfg.Schema, c.cfg.Table),
			"verify the configured schema and table name")
	}

	keyCols, err := c.primaryKeys(ctx, db)
	if err != nil {
		return nil, err
	}
	keySet := make(map[string]struct{}, len(keyCols))
	for _, k := range keyCols {
		keySet[k] = struct{}{}
	}
	for i := range fields {
		if _, ok := keySet[fields[i].Name]; ok {
			fields[i].PrimaryKey = true
		}
	}

	schema := &base.Schema{Name: c.cfg.Table, Fields: fields}
	c.mu.Lock()
	c.schema = schema
	c.columns = columns
	c.keyCols = keyCols
	c.mu.Unlock()
	return schema, nil
}

func (c *Connector) primaryKeys(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		 AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY'
		  AND tc.table_schema = $1 AND tc.table_name = $2
		ORDER BY kcu.ordinal_position`, c.cfg.Schema, c.cfg.Table)
	if err != nil {
		return nil, base.WrapError(base.ErrReadFailed, c.cfg.ID,
			"cannot read primary key", "", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, base.WrapError(base.ErrReadFailed, c.cfg.ID, "key scan failed", "", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func pgFieldType(dataType string) base.FieldType {
	switch dataType {
	case "smallint", "integer", "bigint":
		return base.TypeInteger
	case "numeric", "real", "double precision", "money":
		return base.TypeNumber
	case "boolean":
		return base.TypeBoolean
	case "date":
		return base.TypeDate
	case "timestamp without time zone", "timestamp with time zone":
		return base.TypeDateTime
	case "json", "jsonb":
		return base.TypeObject
	case "ARRAY":
		return base.TypeArray
	default:
		return base.TypeString
	}
}

// builder returns a statement builder over the cached column set, loading
// the schema on first use.
func (c *Connector) builder(ctx context.Context) (*sqlutil.Builder, []string, error) {
	c.mu.Lock()
	cols := c.columns
	keys := c.keyCols
	c.mu.Unlock()
	if cols == nil {
		if _, err := c.GetSchema(ctx, false); err != nil {
			return nil, nil, err
		}
		c.mu.Lock()
		cols = c.columns
		keys = c.keyCols
		c.mu.Unlock()
	}
	return &sqlutil.Builder{
		ConnectorID: c.cfg.ID,
		Table:       c.cfg.Table,
		Schema:      c.cfg.Schema,
		Columns:     cols,
		Ph:          sqlutil.Dollar,
		QuoteRune:   '"',
		TextType:    "TEXT",
	}, keys, nil
}

func (c *Connector) ReadRecords(ctx context.Context, filter *base.Filter) (*base.ReadResult, error) {
	if filter == nil {
		filter = &base.Filter{}
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	db, err := c.handle()
	if err != nil {
		return nil, err
	}
	b, _, err := c.builder(ctx)
	if err != nil {
		return nil, err
	}

	// Build every statement before executing any: a rejected identifier
	// must mean zero statements were issued.
	query, args, err := b.BuildSelect(filter)
	if err != nil {
		return nil, err
	}
	countQuery, countArgs, err := b.BuildCount(filter)
	if err != nil {
		return nil, err
	}

	var total int
	if err := db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, base.WrapError(base.ErrReadFailed, c.cfg.ID, "count query failed", "", err)
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, base.WrapError(base.ErrReadFailed, c.cfg.ID, "read query failed", "", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows, c.cfg.ID)
	if err != nil {
		return nil, err
	}

	offset := filter.Offset
	if filter.Cursor != "" {
		fmt.Sscanf(filter.Cursor, "%d", &offset)
	}
	result := &base.ReadResult{
		Records:    records,
		TotalCount: &total,
		HasMore:    offset+len(records) < total,
	}
	if result.HasMore {
		result.NextCursor = fmt.Sprintf("%d", offset+len(records))
	}
	return result, nil
}

// scanRecords converts sql rows to records; byte slices are surfaced as
// strings since pq hands text-format values back as []byte.
func scanRecords(rows *sql.Rows, connectorID string) ([]base.Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, base.WrapError(base.ErrReadFailed, connectorID, "column metadata failed", "", err)
	}
	var records []base.Record
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, base.WrapError(base.ErrReadFailed, connectorID, "row scan failed", "", err)
		}
		rec := make(base.Record, len(cols))
		for i, col := range cols {
			rec[col] = convertValue(values[i])
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, base.WrapError(base.ErrReadFailed, connectorID, "row iteration failed", "", err)
	}
	return records, nil
}

func convertValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val
	default:
		return v
	}
}

func (c *Connector) WriteRecords(ctx context.Context, records []base.Record, mode base.WriteMode) (*base.WriteResult, error) {
	if c.cfg.ReadOnly {
		return nil, base.NewError(base.ErrUnsupportedOperation, c.cfg.ID,
			"connector is read-only", "writes are disabled for this connector")
	}
	db, err := c.handle()
	if err != nil {
		return nil, err
	}
	b, keyCols, err := c.builder(ctx)
	if err != nil {
		return nil, err
	}
	if len(keyCols) == 0 {
		if _, hasID := b.Columns["id"]; hasID {
			keyCols = []string{"id"}
		}
	}

	result := &base.WriteResult{}
	for i, rec := range records {
		var query string
		var args []any
		switch mode {
		case base.WriteInsert:
			query, args, err = b.BuildInsert(rec)
		case base.WriteUpdate:
			if len(keyCols) == 0 {
				err = base.NewError(base.ErrWriteFailed, c.cfg.ID,
					"table has no primary key; update is not possible",
					"add a primary key or use insert")
			} else {
				query, args, err = b.BuildUpdate(rec, keyCols)
			}
		case base.WriteUpsert:
			if len(keyCols) == 0 {
				err = base.NewError(base.ErrWriteFailed, c.cfg.ID,
					"table has no primary key; upsert is not possible",
					"add a primary key or use insert")
			} else {
				query, args, err = c.buildUpsert(b, rec, keyCols)
			}
		default:
			err = base.NewError(base.ErrValidation, c.cfg.ID, "unknown write mode", "")
		}
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, base.WriteError{Index: i, Message: err.Error()})
			continue
		}
		if _, execErr := db.ExecContext(ctx, query, args...); execErr != nil {
			result.Failed++
			result.Errors = append(result.Errors, base.WriteError{Index: i, Message: execErr.Error()})
			continue
		}
		result.Success++
		if len(keyCols) == 1 {
			if v, ok := rec[keyCols[0]]; ok {
				result.IDs = append(result.IDs, v)
			}
		}
	}
	return result, nil
}

// buildUpsert renders INSERT ... ON CONFLICT (pk) DO UPDATE.
func (c *Connector) buildUpsert(b *sqlutil.Builder, rec base.Record, keyCols []string) (string, []any, error) {
	query, args, err := b.BuildInsert(rec)
	if err != nil {
		return "", nil, err
	}
	var quotedKeys, sets []string
	keySet := make(map[string]struct{}, len(keyCols))
	for _, k := range keyCols {
		quotedKeys = append(quotedKeys, `"`+k+`"`)
		keySet[k] = struct{}{}
	}
	for col := range rec {
		if _, isKey := keySet[col]; isKey {
			continue
		}
		if err := b.CheckColumn(col); err != nil {
			return "", nil, err
		}
		sets = append(sets, `"`+col+`" = EXCLUDED."`+col+`"`)
	}
	sort.Strings(sets)
	if len(sets) == 0 {
		query += " ON CONFLICT (" + strings.Join(quotedKeys, ", ") + ") DO NOTHING"
	} else {
		query += " ON CONFLICT (" + strings.Join(quotedKeys, ", ") + ") DO UPDATE SET " + strings.Join(sets, ", ")
	}
	return query, args, nil
}


func (c *Connector) ValidateRecords(ctx context.Context, records []base.Record) (*base.ValidationResult, error) {
	schema, err := c.GetSchema(ctx, false)
	if err != nil {
		return nil, err
	}
	return base.ValidateAgainstSchema(schema, records), nil
}
