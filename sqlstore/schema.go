package sqlstore

import "fmt"

type columnTypes struct {
	id, text, blob, small, integer, timestamp string
}

var dialectColumns = map[Dialect]columnTypes{
	DialectPostgres:  {id: "UUID", text: "VARCHAR(255)", blob: "BYTEA", small: "SMALLINT", integer: "INTEGER", timestamp: "TIMESTAMP(6)"},
	DialectMySQL:     {id: "BINARY(16)", text: "VARCHAR(255)", blob: "LONGBLOB", small: "SMALLINT", integer: "INT", timestamp: "DATETIME(6)"},
	DialectMariaDB:   {id: "UUID", text: "VARCHAR(255)", blob: "LONGBLOB", small: "SMALLINT", integer: "INT", timestamp: "DATETIME(6)"},
	DialectSQLite:    {id: "TEXT", text: "TEXT", blob: "BLOB", small: "INTEGER", integer: "INTEGER", timestamp: "DATETIME"},
	DialectOracle:    {id: "RAW(16)", text: "VARCHAR2(255)", blob: "BLOB", small: "NUMBER(3)", integer: "NUMBER(10)", timestamp: "TIMESTAMP(6)"},
	DialectSQLServer: {id: "BINARY(16)", text: "NVARCHAR(255)", blob: "VARBINARY(MAX)", small: "SMALLINT", integer: "INT", timestamp: "DATETIME2(6)"},
}

// Schema returns the statements creating the outbox table and its index for
// the dialect. Each statement must be executed separately.
func Schema(dialect Dialect, table string) ([]string, error) {
	if err := validateTableName(table); err != nil {
		return nil, err
	}
	c, ok := dialectColumns[dialect]
	if !ok {
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}

	body := fmt.Sprintf(`
	id %[1]s NOT NULL PRIMARY KEY,
	domain %[2]s NOT NULL,
	entity_type %[2]s NOT NULL,
	event_name %[2]s NOT NULL,
	envelope %[3]s NOT NULL,
	state %[4]s DEFAULT 0 NOT NULL,
	attempts %[5]s DEFAULT 0 NOT NULL,
	created_at %[6]s NOT NULL,
	claimed_at %[6]s NULL,
	published_at %[6]s NULL`, c.id, c.text, c.blob, c.small, c.integer, c.timestamp)

	index := table + "_pending_idx"
	columns := "(" + body + "\n)"

	switch dialect {
	case DialectMySQL:
		// no CREATE INDEX IF NOT EXISTS in MySQL
		return []string{
			fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s,\n\tINDEX %s (state, claimed_at, created_at)\n)", table, body, index),
		}, nil
	case DialectOracle:
		return []string{
			fmt.Sprintf("CREATE TABLE %s %s", table, columns),
			fmt.Sprintf("CREATE INDEX %s ON %s (state, claimed_at, created_at)", index, table),
		}, nil
	case DialectSQLServer:
		return []string{
			fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s %s", table, table, columns),
			fmt.Sprintf("IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'%s') CREATE INDEX %s ON %s (state, claimed_at, created_at)", index, index, table),
		}, nil
	default:
		return []string{
			fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s %s", table, columns),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (state, claimed_at, created_at)", index, table),
		}, nil
	}
}
