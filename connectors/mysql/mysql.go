// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

// Package mysql implements the MySQL table adapter on go-sql-driver/mysql.
// Structure mirrors the postgres adapter; only DSN, placeholders, quoting
// and the upsert dialect differ.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"datatrust/platform/connectors/base"
	"datatrust/platform/connectors/sqlutil"
)

// Config holds everything a MySQL connector instance needs.
type Config struct {
	ID       string
	Name     string
	Host     string
	Port     int // default 3306
	Database string
	User     string
	Password string
	Table    string
	ReadOnly bool

	MaxOpenConns    int           // default 10
	MaxIdleConns    int           // default 2
	ConnMaxLifetime time.Duration // default 30m
}

// Connector is the MySQL adapter.
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
		return nil, base.NewError(base.ErrConfiguration, cfg.ID, "mysql connector requires an id", "")
	}
	if cfg.Host == "" || cfg.Database == "" || cfg.Table == "" {
		return nil, base.NewError(base.ErrConfiguration, cfg.ID,
			"mysql connector requires host, database and table", "")
	}
	if err := base.ValidateSQLIdentifier(cfg.Table); err != nil {
		return nil, base.WrapError(base.ErrConfiguration, cfg.ID, "invalid table name", "", err)
	}
	if cfg.Port == 0 {
		cfg.Port = 3306
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
func (c *Connector) Type() string                { return "mysql" }
func (c *Connector) ReadOnly() bool              { return c.cfg.ReadOnly }
func (c *Connector) State() base.ConnectionState { c.mu.Lock(); defer c.mu.Unlock(); return c.state }

// dsn builds the driver connection string. multiStatements stays off so a
// single Exec can never carry more than one statement.
func (c *Connector) dsn() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=false",
		c.cfg.User, c.cfg.Password, c.cfg.Host, c.cfg.Port, c.cfg.Database)
}

func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.state = base.StateConnecting
	c.mu.Unlock()

	db, err := sql.Open("mysql", c.dsn())
	if err != nil {
		c.setState(base.StateError)
		return base.WrapError(base.ErrConnectionFailed, c.cfg.ID,
			"cannot open mysql connection", "check host/port/credentials", err)
	}
	db.SetMaxOpenConns(c.cfg.MaxOpenConns)
	db.SetMaxIdleConns(c.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(c.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		c.setState(base.StateError)
		return base.WrapError(base.ErrConnectionFailed, c.cfg.ID,
			"mysql ping failed", "check network reachability and credentials", err)
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
			"mysql ping failed", "check network reachability", err)
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
		SELECT column_name, data_type, is_nullable, column_key
		FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
		ORDER BY ordinal_position`, c.cfg.Database, c.cfg.Table)
	if err != nil {
		return nil, base.WrapError(base.ErrReadFailed, c.cfg.ID,
			"cannot read table schema", "check that the table exists", err)
	}
	defer rows.Close()

	var fields []base.FieldDef
	columns := make(map[string]struct{})
	var keyCols []string
	for rows.Next() {
		var name, dataType, nullable, columnKey string
		if err := rows.Scan(&name, &dataType, &nullable, &columnKey); err != nil {
			return nil, base.WrapError(base.ErrReadFailed, c.cfg.ID, "schema scan failed", "", err)
		}
		def := base.FieldDef{
			Name:     name,
			Type:     mysqlFieldType(dataType),
			Required: nullable == "NO",
		}
		if columnKey == "PRI" {
			def.PrimaryKey = true
			keyCols = append(keyCols, name)
		}
		fields = append(fields, def)
		columns[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, base.WrapError(base.ErrReadFailed, c.cfg.ID, "schema scan failed", "", err)
	}
	if len(fields) == 0 {
		return nil, base.NewError(base.ErrNotFound, c.cfg.ID,
			fmt.Sprintf("table %s.%s not found or has no columns", c.cfg.Database, c.cfg.Table),
			"verify the configured database and table name")
	}

	schema := &base.Schema{Name: c.cfg.Table, Fields: fields}
	c.mu.Lock()
	c.schema = schema
	c.columns = columns
	c.keyCols = keyCols
	c.mu.Unlock()
	return schema, nil
}

func mysqlFieldType(dataType string) base.FieldType {
	switch strings.ToLower(dataType) {
	case "tinyint", "smallint", "mediumint", "int", "bigint":
		return base.TypeInteger
	case "decimal", "float", "double":
		return base.TypeNumber
	case "bit", "bool", "boolean":
		return base.TypeBoolean
	case "date":
		return base.TypeDate
	case "datetime", "timestamp":
		return base.TypeDateTime
	case "json":
		return base.TypeObject
	default:
		return base.TypeString
	}
}

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
		Columns:     cols,
		Ph:          sqlutil.Question,
		QuoteRune:   '`',
		TextType:    "CHAR",
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

// scanRecords converts sql rows to records. The driver returns text-protocol
// values as []byte; numeric-looking column types are narrowed by type name.
func scanRecords(rows *sql.Rows, connectorID string) ([]base.Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, base.WrapError(base.ErrReadFailed, connectorID, "column metadata failed", "", err)
	}
	types, err := rows.ColumnTypes()
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
			rec[col] = convertValue(values[i], types[i].DatabaseTypeName())
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, base.WrapError(base.ErrReadFailed, connectorID, "row iteration failed", "", err)
	}
	return records, nil
}

func convertValue(v any, dbType string) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	s := string(b)
	switch strings.ToUpper(dbType) {
	case "TINYINT", "SMALLINT", "MEDIUMINT", "INT", "BIGINT":
		var n int64
		if _, err := fmt.Sscanf(s, "%d", &n); err == nil {
			return n
		}
	case "DECIMAL", "FLOAT", "DOUBLE":
		var f float64
		if _, err := fmt.Sscanf(s, "%g", &f); err == nil {
			return f
		}
	}
	return s
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
				query, args, err = c.buildUpsert(b, rec)
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

// buildUpsert renders INSERT ... ON DUPLICATE KEY UPDATE.
func (c *Connector) buildUpsert(b *sqlutil.Builder, rec base.Record) (string, []any, error) {
	query, args, err := b.BuildInsert(rec)
	if err != nil {
		return "", nil, err
	}
	var sets []string
	for col := range rec {
		if err := b.CheckColumn(col); err != nil {
			return "", nil, err
		}
		sets = append(sets, "`"+col+"` = VALUES(`"+col+"`)")
	}
	sort.Strings(sets)
	return query + " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", "), args, nil
}

func (c *Connector) ValidateRecords(ctx context.Context, records []base.Record) (*base.ValidationResult, error) {
	schema, err := c.GetSchema(ctx, false)
	if err != nil {
		return nil, err
	}
	return base.ValidateAgainstSchema(schema, records), nil
}
