package conn_test

import (
	"context"
	"strings"
	"testing"

	"github.com/mysqlbus/mysqlbus/conn"
	"github.com/mysqlbus/mysqlbus/test/database"
)

func TestCompleteCommitsCloseRollsBack(t *testing.T) {
	db := database.OpenMySQL(t)
	provider := conn.NewProviderFromDB(db)
	database.DropTables(t, db, "t_conn_tx")
	if _, err := db.Exec("CREATE TABLE t_conn_tx (id INT PRIMARY KEY)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	t.Cleanup(func() { database.DropTables(t, db, "t_conn_tx") })
	ctx := context.Background()

	// Committed write survives.
	c, err := provider.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := c.ExecContext(ctx, "INSERT INTO t_conn_tx (id) VALUES (1)"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := c.Complete(ctx); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close after Complete: %v", err)
	}

	// Uncommitted write rolls back.
	c, err = provider.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := c.ExecContext(ctx, "INSERT INTO t_conn_tx (id) VALUES (2)"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM t_conn_tx").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("row count = %d, want 1 (committed insert only)", count)
	}
}

func TestFromTxDoesNotCommit(t *testing.T) {
	db := database.OpenMySQL(t)
	provider := conn.NewProviderFromDB(db)
	database.DropTables(t, db, "t_conn_ambient")
	if _, err := db.Exec("CREATE TABLE t_conn_ambient (id INT PRIMARY KEY)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	t.Cleanup(func() { database.DropTables(t, db, "t_conn_ambient") })
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	c := provider.FromTx(tx)
	if _, err := c.ExecContext(ctx, "INSERT INTO t_conn_ambient (id) VALUES (1)"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// Complete and Close are no-ops on an enlisted connection; the owner
	// decides the outcome.
	if err := c.Complete(ctx); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("owner rollback: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM t_conn_ambient").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("enlisted write survived the owner's rollback")
	}
}

func TestSchemaIntrospection(t *testing.T) {
	db := database.OpenMySQL(t)
	provider := conn.NewProviderFromDB(db)
	database.DropTables(t, db, "t_conn_schema")
	if _, err := db.Exec(`CREATE TABLE t_conn_schema (
  id BIGINT PRIMARY KEY,
  name VARCHAR(50),
  KEY ix_pair (name, id)
)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	t.Cleanup(func() { database.DropTables(t, db, "t_conn_schema") })
	ctx := context.Background()

	c, err := provider.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	tables, err := c.TableNames(ctx)
	if err != nil {
		t.Fatalf("TableNames: %v", err)
	}
	found := false
	for _, table := range tables {
		if strings.EqualFold(table.Name, "t_conn_schema") {
			found = true
		}
	}
	if !found {
		t.Fatalf("TableNames did not include t_conn_schema: %v", tables)
	}

	columns, err := c.Columns(ctx, "", "t_conn_schema")
	if err != nil {
		t.Fatalf("Columns: %v", err)
	}
	if columns["id"] != "bigint" || columns["name"] != "varchar" {
		t.Fatalf("Columns = %v, want id=bigint name=varchar", columns)
	}

	width, ok, err := c.ColumnWidth(ctx, "", "t_conn_schema", "name")
	if err != nil || !ok || width != 50 {
		t.Fatalf("ColumnWidth = %d, %v, %v; want 50", width, ok, err)
	}

	indexes, err := c.Indexes(ctx, "", "t_conn_schema")
	if err != nil {
		t.Fatalf("Indexes: %v", err)
	}
	if indexes["ix_pair"] != "name,id" {
		t.Fatalf("Indexes[ix_pair] = %q, want name,id (SEQ_IN_INDEX order)", indexes["ix_pair"])
	}
	if err := c.Complete(ctx); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestIdempotentDDL(t *testing.T) {
	db := database.OpenMySQL(t)
	provider := conn.NewProviderFromDB(db)
	database.DropTables(t, db, "t_conn_ddl")
	if _, err := db.Exec("CREATE TABLE t_conn_ddl (id INT PRIMARY KEY)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	t.Cleanup(func() { database.DropTables(t, db, "t_conn_ddl") })
	ctx := context.Background()
	table := conn.TableName{Name: "t_conn_ddl"}

	run := func(op func(c *conn.Conn) error) {
		t.Helper()
		c, err := provider.Open(ctx)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer c.Close()
		if err := op(c); err != nil {
			t.Fatalf("ddl: %v", err)
		}
		if err := c.Complete(ctx); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}

	// Twice each: the second run must find the object present (or
	// absent) and do nothing.
	for i := 0; i < 2; i++ {
		run(func(c *conn.Conn) error {
			return c.CreateColumnIfNotExists(ctx, table, "extra", "VARCHAR(10) NULL")
		})
	}
	for i := 0; i < 2; i++ {
		run(func(c *conn.Conn) error {
			return c.CreateIndexIfNotExists(ctx, table, "ix_extra", "`extra`")
		})
	}
	for i := 0; i < 2; i++ {
		run(func(c *conn.Conn) error {
			return c.DropIndexIfExists(ctx, table, "ix_extra")
		})
	}
	for i := 0; i < 2; i++ {
		run(func(c *conn.Conn) error {
			return c.DropColumnIfExists(ctx, table, "extra")
		})
	}

	c, err := provider.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()
	columns, err := c.Columns(ctx, "", "t_conn_ddl")
	if err != nil {
		t.Fatalf("Columns: %v", err)
	}
	if _, present := columns["extra"]; present {
		t.Fatalf("column survived DropColumnIfExists: %v", columns)
	}
}

func TestExecuteCommandsRunsAllStatements(t *testing.T) {
	db := database.OpenMySQL(t)
	provider := conn.NewProviderFromDB(db)
	database.DropTables(t, db, "t_conn_multi")
	t.Cleanup(func() { database.DropTables(t, db, "t_conn_multi") })
	ctx := context.Background()

	c, err := provider.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()
	script := `CREATE TABLE t_conn_multi (id INT PRIMARY KEY)
----
INSERT INTO t_conn_multi (id) VALUES (1)
----
INSERT INTO t_conn_multi (id) VALUES (2)`
	if err := c.ExecuteCommands(ctx, script); err != nil {
		t.Fatalf("ExecuteCommands: %v", err)
	}
	if err := c.Complete(ctx); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM t_conn_multi").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("row count = %d, want 2", count)
	}
}

func TestProviderFromDSN(t *testing.T) {
	provider, err := conn.NewProvider(database.DSN())
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	t.Cleanup(func() { _ = provider.Close() })

	ctx := context.Background()
	if err := provider.DB().PingContext(ctx); err != nil {
		t.Skipf("mysql not reachable: %v", err)
	}
	c, err := provider.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()
	if err := c.Complete(ctx); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}
