package sqlstore

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Dialect represents a SQL database dialect.
type Dialect string

// Supported database dialects.
const (
	DialectPostgres  Dialect = "postgres"
	DialectMySQL     Dialect = "mysql"
	DialectMariaDB   Dialect = "mariadb"
	DialectSQLite    Dialect = "sqlite"
	DialectOracle    Dialect = "oracle"
	DialectSQLServer Dialect = "sqlserver"
)

// ParseDialect returns the Dialect named s.
func ParseDialect(s string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(strings.TrimSpace(s))); d {
	case DialectPostgres, DialectMySQL, DialectMariaDB, DialectSQLite, DialectOracle, DialectSQLServer:
		return d, nil
	case "postgresql", "pgx":
		return DialectPostgres, nil
	case "sqlite3":
		return DialectSQLite, nil
	case "mssql":
		return DialectSQLServer, nil
	default:
		return "", fmt.Errorf("unsupported sql dialect %q", s)
	}
}

// placeholder returns the bind parameter for the given 1-based index.
func (d Dialect) placeholder(index int) string {
	switch d {
	case DialectPostgres:
		return fmt.Sprintf("$%d", index)
	case DialectOracle:
		return fmt.Sprintf(":%d", index)
	case DialectSQLServer:
		return fmt.Sprintf("@p%d", index)
	default:
		return "?"
	}
}

// placeholders returns n bind parameters starting at index from.
func (d Dialect) placeholders(from, n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = d.placeholder(from + i)
	}
	return out
}

// formatID converts an event id to the column representation of the dialect.
func (d Dialect) formatID(id uuid.UUID) any {
	switch d {
	case DialectMySQL, DialectOracle, DialectSQLServer:
		bytes, _ := id.MarshalBinary()
		return bytes
	case DialectPostgres, DialectMariaDB:
		return id
	default:
		return id.String()
	}
}

// parseID reads an id scanned as raw bytes, either binary or text.
func parseID(raw []byte) (uuid.UUID, error) {
	if len(raw) == 16 {
		return uuid.FromBytes(raw)
	}
	return uuid.ParseBytes(raw)
}

// selectOldestPending returns the query selecting the id of the oldest
// unclaimed Pending event.
func (d Dialect) selectOldestPending(table string) string {
	where := fmt.Sprintf("state = %d AND claimed_at IS NULL", statePending)

	switch d {
	case DialectOracle:
		return fmt.Sprintf(`SELECT id FROM %s WHERE %s ORDER BY created_at ASC FETCH FIRST 1 ROWS ONLY`, table, where)
	case DialectSQLServer:
		return fmt.Sprintf(`SELECT TOP (1) id FROM %s WHERE %s ORDER BY created_at ASC`, table, where)
	default:
		return fmt.Sprintf(`SELECT id FROM %s WHERE %s ORDER BY created_at ASC LIMIT 1`, table, where)
	}
}
