package mapper

import (
	"fmt"
	"sort"
	"strings"
)

// SQLBuilder translates record maps into parameterized statements for one dialect
type SQLBuilder struct {
	dialect Dialect
}

// NewSQLBuilder initializes a new mapper instance
func NewSQLBuilder(d Dialect) *SQLBuilder {
	return &SQLBuilder{dialect: d}
}

func (b *SQLBuilder) Dialect() Dialect {
	return b.dialect
}

// Column is one column definition for BuildCreateTable
type Column struct {
	Name    string
	Type    string // schema field type name
	NotNull bool
}

// JoinStep is one hop of an ownership chain. ParentFields hold the
// columns referencing the next hop's primary key.
type JoinStep struct {
	Table        string
	PrimaryKey   []string
	ParentFields []string
}

// BuildCreateTable generates an idempotent CREATE TABLE statement
func (b *SQLBuilder) BuildCreateTable(table string, columns []Column, pk []string) (string, error) {
	if len(columns) == 0 {
		return "", fmt.Errorf("no columns provided for table %s", table)
	}
	if len(pk) == 0 {
		return "", fmt.Errorf("no primary key provided for table %s", table)
	}

	defs := make([]string, 0, len(columns)+1)
	for _, c := range columns {
		def := Quote(c.Name) + " " + b.dialect.ColumnType(c.Type)
		if c.NotNull {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", quoteAll(pk)))

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", Quote(table), strings.Join(defs, ", ")), nil
}

// BuildInsert generates a plain INSERT statement
func (b *SQLBuilder) BuildInsert(tableName string, data map[string]any) (string, []any, error) {
	if len(data) == 0 {
		return "", nil, fmt.Errorf("no data provided for insert on table %s", tableName)
	}

	keys := sortedKeys(data)
	columns := make([]string, 0, len(keys))
	placeholders := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))

	for i, k := range keys {
		columns = append(columns, Quote(k))
		placeholders = append(placeholders, b.dialect.Placeholder(i+1))
		args = append(args, b.formatValue(data[k]))
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		Quote(tableName),
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
	)

	return query, args, nil
}

// BuildUpsert generates an INSERT that overwrites every non-key column when the key exists
func (b *SQLBuilder) BuildUpsert(tableName string, pk []string, data map[string]any) (string, []any, error) {
	query, args, err := b.BuildInsert(tableName, data)
	if err != nil {
		return "", nil, err
	}
	for _, k := range pk {
		if _, ok := data[k]; !ok {
			return "", nil, fmt.Errorf("primary key column %s missing in upsert on table %s", k, tableName)
		}
	}

	isKey := make(map[string]bool, len(pk))
	for _, k := range pk {
		isKey[k] = true
	}

	var sets []string
	for _, k := range sortedKeys(data) {
		if isKey[k] {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", Quote(k), Quote(k)))
	}

	if len(sets) == 0 {
		return fmt.Sprintf("%s ON CONFLICT (%s) DO NOTHING", query, quoteAll(pk)), args, nil
	}
	return fmt.Sprintf("%s ON CONFLICT (%s) DO UPDATE SET %s", query, quoteAll(pk), strings.Join(sets, ", ")), args, nil
}

// BuildDelete generates a DELETE by primary key
func (b *SQLBuilder) BuildDelete(tableName string, pk []string, key []any) (string, []any, error) {
	where, args, err := b.keyPredicate("", pk, key, 1)
	if err != nil {
		return "", nil, fmt.Errorf("delete on table %s: %w", tableName, err)
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s", Quote(tableName), where), args, nil
}

// BuildSelectByKey generates a single-row SELECT by primary key
func (b *SQLBuilder) BuildSelectByKey(tableName string, columns []string, pk []string, key []any) (string, []any, error) {
	if len(columns) == 0 {
		return "", nil, fmt.Errorf("no columns requested from table %s", tableName)
	}
	where, args, err := b.keyPredicate("", pk, key, 1)
	if err != nil {
		return "", nil, fmt.Errorf("select on table %s: %w", tableName, err)
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s", quoteAll(columns), Quote(tableName), where), args, nil
}

// BuildSelectAll generates a full-table SELECT ordered by primary key
func (b *SQLBuilder) BuildSelectAll(tableName string, columns []string, pk []string) (string, error) {
	if len(columns) == 0 {
		return "", fmt.Errorf("no columns requested from table %s", tableName)
	}
	return fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", quoteAll(columns), Quote(tableName), quoteAll(pk)), nil
}

// BuildScopedSelect fetches one row of steps[0] by key, but only if its ownership
// chain ends at scope. steps runs from the target table up to the last ancestor
// below the root; that ancestor's ParentFields are compared with the scope value.
func (b *SQLBuilder) BuildScopedSelect(steps []JoinStep, columns []string, key []any, scope any) (string, []any, error) {
	if len(steps) == 0 {
		return "", nil, fmt.Errorf("scoped select needs at least one step")
	}
	if len(columns) == 0 {
		return "", nil, fmt.Errorf("no columns requested from table %s", steps[0].Table)
	}

	cols := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = "t0." + Quote(c)
	}

	var from strings.Builder
	fmt.Fprintf(&from, "%s t0", Quote(steps[0].Table))
	for i := 1; i < len(steps); i++ {
		prev, cur := steps[i-1], steps[i]
		if len(prev.ParentFields) != len(cur.PrimaryKey) {
			return "", nil, fmt.Errorf("join %s -> %s: %d parent fields for %d key columns",
				prev.Table, cur.Table, len(prev.ParentFields), len(cur.PrimaryKey))
		}
		on := make([]string, len(cur.PrimaryKey))
		for j := range cur.PrimaryKey {
			on[j] = fmt.Sprintf("t%d.%s = t%d.%s", i, Quote(cur.PrimaryKey[j]), i-1, Quote(prev.ParentFields[j]))
		}
		fmt.Fprintf(&from, " JOIN %s t%d ON %s", Quote(cur.Table), i, strings.Join(on, " AND "))
	}

	where, args, err := b.keyPredicate("t0.", steps[0].PrimaryKey, key, 1)
	if err != nil {
		return "", nil, fmt.Errorf("scoped select on table %s: %w", steps[0].Table, err)
	}

	last := steps[len(steps)-1]
	if len(last.ParentFields) != 1 {
		return "", nil, fmt.Errorf("table %s must reference the root with exactly one column", last.Table)
	}
	where += fmt.Sprintf(" AND t%d.%s = %s", len(steps)-1, Quote(last.ParentFields[0]), b.dialect.Placeholder(len(args)+1))
	args = append(args, b.formatValue(scope))

	return fmt.Sprintf("SELECT %s FROM %s WHERE %s", strings.Join(cols, ", "), from.String(), where), args, nil
}

func (b *SQLBuilder) keyPredicate(prefix string, pk []string, key []any, start int) (string, []any, error) {
	if len(pk) == 0 {
		return "", nil, fmt.Errorf("no primary key columns")
	}
	if len(pk) != len(key) {
		return "", nil, fmt.Errorf("key has %d values for %d columns", len(key), len(pk))
	}
	parts := make([]string, len(pk))
	args := make([]any, len(pk))
	for i, col := range pk {
		parts[i] = fmt.Sprintf("%s%s = %s", prefix, Quote(col), b.dialect.Placeholder(start+i))
		args[i] = b.formatValue(key[i])
	}
	return strings.Join(parts, " AND "), args, nil
}

// formatValue adapts Go values to what the dialect's driver stores.
// SQLite has no boolean type, so booleans become 1/0.
func (b *SQLBuilder) formatValue(v any) any {
	switch val := v.(type) {
	case bool:
		if b.dialect == SQLite {
			if val {
				return 1
			}
			return 0
		}
		return val
	default:
		return val
	}
}

func sortedKeys(data map[string]any) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func quoteAll(idents []string) string {
	quoted := make([]string, len(idents))
	for i, id := range idents {
		quoted[i] = Quote(id)
	}
	return strings.Join(quoted, ", ")
}
