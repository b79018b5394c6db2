package conn

import (
	"context"
	"fmt"

	"github.com/mysqlbus/mysqlbus/internal/sqlutil"
)

// The idempotent DDL helpers select the object's existence into a session
// variable, conditionally build the DDL as a string, then PREPARE and
// EXECUTE it. MySQL has no ADD COLUMN IF NOT EXISTS, so this is the only
// way to guarantee no error when the object already exists. The script
// must run on one connection; Conn pins one via its transaction.

// CreateColumnIfNotExists adds a column with the given definition, e.g.
// ("ordering_key", "VARCHAR(200) NULL").
func (c *Conn) CreateColumnIfNotExists(ctx context.Context, table TableName, column, definition string) error {
	script := buildConditionalDDL(
		columnExistsExpr(table, column),
		0,
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
			table.Qualified(), sqlutil.QuoteIdentifier(column, "`"), definition),
	)
	return c.ExecuteCommands(ctx, script)
}

// DropColumnIfExists removes a column when present.
func (c *Conn) DropColumnIfExists(ctx context.Context, table TableName, column string) error {
	script := buildConditionalDDL(
		columnExistsExpr(table, column),
		1,
		fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s",
			table.Qualified(), sqlutil.QuoteIdentifier(column, "`")),
	)
	return c.ExecuteCommands(ctx, script)
}

// CreateIndexIfNotExists creates an index over the given column
// expressions, e.g. ("ix_receive", "`priority` DESC", "`visible` ASC").
func (c *Conn) CreateIndexIfNotExists(ctx context.Context, table TableName, index string, columns ...string) error {
	cols := ""
	for i, col := range columns {
		if i > 0 {
			cols += ", "
		}
		cols += col
	}
	script := buildConditionalDDL(
		indexExistsExpr(table, index),
		0,
		fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
			sqlutil.QuoteIdentifier(index, "`"), table.Qualified(), cols),
	)
	return c.ExecuteCommands(ctx, script)
}

// DropIndexIfExists removes an index when present.
func (c *Conn) DropIndexIfExists(ctx context.Context, table TableName, index string) error {
	script := buildConditionalDDL(
		indexExistsExpr(table, index),
		1,
		fmt.Sprintf("ALTER TABLE %s DROP INDEX %s",
			table.Qualified(), sqlutil.QuoteIdentifier(index, "`")),
	)
	return c.ExecuteCommands(ctx, script)
}

func columnExistsExpr(table TableName, column string) string {
	return fmt.Sprintf(`(SELECT COUNT(*) FROM INFORMATION_SCHEMA.COLUMNS
WHERE TABLE_SCHEMA = COALESCE(NULLIF('%s', ''), DATABASE())
  AND TABLE_NAME = '%s' AND COLUMN_NAME = '%s')`,
		sqlutil.EscapeStringLiteral(table.Schema),
		sqlutil.EscapeStringLiteral(table.Name),
		sqlutil.EscapeStringLiteral(column))
}

func indexExistsExpr(table TableName, index string) string {
	return fmt.Sprintf(`(SELECT COUNT(DISTINCT INDEX_NAME) FROM INFORMATION_SCHEMA.STATISTICS
WHERE TABLE_SCHEMA = COALESCE(NULLIF('%s', ''), DATABASE())
  AND TABLE_NAME = '%s' AND INDEX_NAME = '%s')`,
		sqlutil.EscapeStringLiteral(table.Schema),
		sqlutil.EscapeStringLiteral(table.Name),
		sqlutil.EscapeStringLiteral(index))
}

// buildConditionalDDL emits the session-variable/PREPARE script: when the
// existence count equals wantCount the DDL runs, otherwise a no-op (DO 0)
// is prepared instead.
func buildConditionalDDL(existsExpr string, wantCount int, ddl string) string {
	return fmt.Sprintf(`SET @mbus_exists = %s;
----
SET @mbus_ddl = IF(@mbus_exists = %d, '%s', 'DO 0');
----
PREPARE mbus_stmt FROM @mbus_ddl;
----
EXECUTE mbus_stmt;
----
DEALLOCATE PREPARE mbus_stmt;`,
		existsExpr, wantCount, sqlutil.EscapeStringLiteral(ddl))
}
