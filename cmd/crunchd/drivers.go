package main

import (
	"fmt"

	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/sijms/go-ora/v2"

	"github.com/oagudo/crunch/sqlstore"
)

// driverName returns the database/sql driver registered for dialect.
func driverName(d sqlstore.Dialect) (string, error) {
	switch d {
	case sqlstore.DialectPostgres:
		return "pgx", nil
	case sqlstore.DialectMySQL, sqlstore.DialectMariaDB:
		return "mysql", nil
	case sqlstore.DialectSQLite:
		return "sqlite3", nil
	case sqlstore.DialectOracle:
		return "oracle", nil
	case sqlstore.DialectSQLServer:
		return "sqlserver", nil
	default:
		return "", fmt.Errorf("no driver for dialect %q", d)
	}
}
