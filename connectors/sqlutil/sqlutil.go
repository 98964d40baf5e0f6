// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

// Package sqlutil builds parameterized SQL for the database adapters.
// Identifiers are validated against a strict pattern and the cached column
// set before any statement text is assembled; literal values always travel
// as bound parameters.
package sqlutil

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"datatrust/platform/connectors/base"
)

// Placeholder renders the dialect's bind marker for 1-based position n.
type Placeholder func(n int) string

// Dollar is PostgreSQL-style ($1, $2, ...).
func Dollar(n int) string { return "$" + strconv.Itoa(n) }

// Question is MySQL-style (?).
func Question(n int) string { return "?" }

// Builder assembles statements for one table. Columns is the cached column
// set fetched from information_schema; nothing outside it may appear in
// generated SQL.
type Builder struct {
	ConnectorID string
	Table       string
	Schema      string // optional schema qualifier (PostgreSQL)
	Columns     map[string]struct{}
	Ph          Placeholder
	QuoteRune   rune   // '"' or '`'
	TextType    string // cast target for LIKE comparisons: "TEXT" or "CHAR"
}

func (b *Builder) quote(ident string) string {
	q := string(b.QuoteRune)
	return q + ident + q
}

func (b *Builder) qualifiedTable() string {
	if b.Schema != "" {
		return b.quote(b.Schema) + "." + b.quote(b.Table)
	}
	return b.quote(b.Table)
}

// CheckColumn enforces the identifier pattern and column-set membership.
// Failures are READ_FAILED: the statement is refused before it exists.
func (b *Builder) CheckColumn(col string) error {
	if err := base.ValidateSQLIdentifier(col); err != nil {
		return base.WrapError(base.ErrReadFailed, b.ConnectorID,
			"rejected unsafe identifier: "+base.SanitizeLogString(col),
			"column names must match ^[A-Za-z_][A-Za-z0-9_]*$", err)
	}
	if _, ok := b.Columns[col]; !ok {
		return base.NewError(base.ErrReadFailed, b.ConnectorID,
			"unknown column: "+col,
			"the column is not in the table's schema; refresh the schema if it was recently added")
	}
	return nil
}

var sqlOps = map[base.Operator]string{
	base.OpEq:  "=",
	base.OpNe:  "<>",
	base.OpGt:  ">",
	base.OpLt:  "<",
	base.OpGte: ">=",
	base.OpLte: "<=",
}

// whereClause renders the conjunction. args is extended in place; n is the
// next placeholder position.
func (b *Builder) whereClause(conds []base.Condition, args *[]any, n *int) (string, error) {
	if len(conds) == 0 {
		return "", nil
	}
	var parts []string
	for _, c := range conds {
		if err := b.CheckColumn(c.Field); err != nil {
			return "", err
		}
		col := b.quote(c.Field)
		switch c.Op {
		case base.OpContains:
			textType := b.TextType
			if textType == "" {
				textType = "TEXT"
			}
			*args = append(*args, "%"+escapeLike(fmt.Sprintf("%v", c.Value))+"%")
			parts = append(parts, fmt.Sprintf("LOWER(CAST(%s AS %s)) LIKE LOWER(%s)", col, textType, b.Ph(*n)))
			*n++
		case base.OpIn:
			values, ok := c.Value.([]any)
			if !ok {
				return "", base.NewError(base.ErrValidation, b.ConnectorID,
					"operator in requires an array value", "")
			}
			if len(values) == 0 {
				parts = append(parts, "1=0")
				continue
			}
			var marks []string
			for _, v := range values {
				*args = append(*args, v)
				marks = append(marks, b.Ph(*n))
				*n++
			}
			parts = append(parts, col+" IN ("+strings.Join(marks, ", ")+")")
		default:
			op, ok := sqlOps[c.Op]
			if !ok {
				return "", base.NewError(base.ErrValidation, b.ConnectorID,
					"unknown filter operator: "+string(c.Op), "")
			}
			*args = append(*args, c.Value)
			parts = append(parts, col+" "+op+" "+b.Ph(*n))
			*n++
		}
	}
	return " WHERE " + strings.Join(parts, " AND "), nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

// BuildSelect renders the read query for a validated filter.
func (b *Builder) BuildSelect(f *base.Filter) (string, []any, error) {
	cols := "*"
	if len(f.Select) > 0 {
		var quoted []string
		for _, c := range f.Select {
			if err := b.CheckColumn(c); err != nil {
				return "", nil, err
			}
			quoted = append(quoted, b.quote(c))
		}
		cols = strings.Join(quoted, ", ")
	}

	args := []any{}
	n := 1
	where, err := b.whereClause(f.Where, &args, &n)
	if err != nil {
		return "", nil, err
	}

	var order string
	if len(f.OrderBy) > 0 {
		var parts []string
		for _, ob := range f.OrderBy {
			if err := b.CheckColumn(ob.Field); err != nil {
				return "", nil, err
			}
			dir := "ASC"
			if ob.Direction == "desc" {
				dir = "DESC"
			}
			parts = append(parts, b.quote(ob.Field)+" "+dir)
		}
		order = " ORDER BY " + strings.Join(parts, ", ")
	}

	query := "SELECT " + cols + " FROM " + b.qualifiedTable() + where + order
	if f.Limit > 0 {
		query += " LIMIT " + b.Ph(n)
		args = append(args, f.Limit)
		n++
	}
	offset := f.Offset
	if f.Cursor != "" {
		parsed, err := strconv.Atoi(f.Cursor)
		if err != nil || parsed < 0 {
			return "", nil, base.NewError(base.ErrValidation, b.ConnectorID,
				"malformed cursor: "+base.SanitizeLogString(f.Cursor),
				"pass the next_cursor value from the previous page unmodified")
		}
		offset = parsed
	}
	if offset > 0 {
		query += " OFFSET " + b.Ph(n)
		args = append(args, offset)
	}
	return query, args, nil
}

// BuildCount renders the total-count query for the same conditions.
func (b *Builder) BuildCount(f *base.Filter) (string, []any, error) {
	args := []any{}
	n := 1
	where, err := b.whereClause(f.Where, &args, &n)
	if err != nil {
		return "", nil, err
	}
	return "SELECT COUNT(*) FROM " + b.qualifiedTable() + where, args, nil
}

// BuildInsert renders a single-record insert. Column order is deterministic.
func (b *Builder) BuildInsert(rec base.Record) (string, []any, error) {
	cols, args, err := b.orderedColumns(rec)
	if err != nil {
		return "", nil, err
	}
	if len(cols) == 0 {
		return "", nil, base.NewError(base.ErrValidation, b.ConnectorID,
			"record has no insertable fields", "")
	}
	var quoted, marks []string
	for i, c := range cols {
		quoted = append(quoted, b.quote(c))
		marks = append(marks, b.Ph(i+1))
	}
	query := "INSERT INTO " + b.qualifiedTable() +
		" (" + strings.Join(quoted, ", ") + ") VALUES (" + strings.Join(marks, ", ") + ")"
	return query, args, nil
}

// BuildUpdate renders an update of rec's non-key fields, keyed on keyCols.
func (b *Builder) BuildUpdate(rec base.Record, keyCols []string) (string, []any, error) {
	cols, args, err := b.orderedColumns(rec)
	if err != nil {
		return "", nil, err
	}
	keySet := make(map[string]struct{}, len(keyCols))
	for _, k := range keyCols {
		if err := b.CheckColumn(k); err != nil {
			return "", nil, err
		}
		keySet[k] = struct{}{}
	}

	var sets []string
	setArgs := []any{}
	n := 1
	for i, c := range cols {
		if _, isKey := keySet[c]; isKey {
			continue
		}
		sets = append(sets, b.quote(c)+" = "+b.Ph(n))
		setArgs = append(setArgs, args[i])
		n++
	}
	if len(sets) == 0 {
		return "", nil, base.NewError(base.ErrValidation, b.ConnectorID,
			"record has no updatable fields beyond its key", "")
	}
	var wheres []string
	for _, k := range keyCols {
		v, ok := rec[k]
		if !ok {
			return "", nil, base.NewError(base.ErrValidation, b.ConnectorID,
				"update record is missing key field: "+k,
				"include every primary-key field in the record")
		}
		wheres = append(wheres, b.quote(k)+" = "+b.Ph(n))
		setArgs = append(setArgs, v)
		n++
	}
	query := "UPDATE " + b.qualifiedTable() + " SET " + strings.Join(sets, ", ") +
		" WHERE " + strings.Join(wheres, " AND ")
	return query, setArgs, nil
}

// orderedColumns validates every record field and returns a sorted
// (column, value) pairing so generated SQL is stable.
func (b *Builder) orderedColumns(rec base.Record) ([]string, []any, error) {
	cols := make([]string, 0, len(rec))
	for c := range rec {
		if base.IsForbiddenKey(c) {
			return nil, nil, base.NewError(base.ErrValidation, b.ConnectorID,
				"forbidden field name: "+c, "")
		}
		if err := b.CheckColumn(c); err != nil {
			return nil, nil, err
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = rec[c]
	}
	return cols, args, nil
}
