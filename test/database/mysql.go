// Package database opens the live MySQL instance the integration tests
// run against.
package database

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

const defaultMySQLDSN = "root:password@tcp(localhost:3306)/mysqlbus?parseTime=true&loc=UTC"

// DSN returns the configured test DSN.
func DSN() string {
	if dsn := os.Getenv("MYSQL_DSN"); dsn != "" {
		return dsn
	}
	return defaultMySQLDSN
}

// OpenMySQL connects to the test database, skipping the test when no
// server is reachable.
func OpenMySQL(t *testing.T) *sql.DB {
	t.Helper()
	dsn := DSN()
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Fatalf("open mysql (%s): %v", dsn, err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Skipf("mysql not reachable (%s): %v", dsn, err)
	}
	return db
}

// DropTables removes the named tables so each test starts clean.
func DropTables(t *testing.T, db *sql.DB, tables ...string) {
	t.Helper()
	for _, table := range tables {
		if _, err := db.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			t.Fatalf("drop table %s: %v", table, err)
		}
	}
}
