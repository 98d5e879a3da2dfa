package mapper

import (
	"strconv"
	"strings"
)

// Dialect selects placeholder style, column types and value formatting
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// Placeholder returns the n-th (1-based) bind parameter
func (d Dialect) Placeholder(n int) string {
	if d == Postgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// Quote wraps an identifier in double quotes. Callers only pass identifiers
// already checked by the schema registry.
func Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// ColumnType maps a schema field type name to the dialect's column type
func (d Dialect) ColumnType(fieldType string) string {
	pg := d == Postgres
	switch fieldType {
	case "integer":
		if pg {
			return "BIGINT"
		}
		return "INTEGER"
	case "number":
		if pg {
			return "DOUBLE PRECISION"
		}
		return "REAL"
	case "boolean":
		if pg {
			return "BOOLEAN"
		}
		return "INTEGER"
	case "json":
		if pg {
			return "JSONB"
		}
		return "TEXT"
	case "timestamp":
		if pg {
			return "TIMESTAMPTZ"
		}
		return "TEXT"
	default:
		return "TEXT"
	}
}
