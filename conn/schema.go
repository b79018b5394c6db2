package conn

import (
	"context"
	"fmt"
	"strings"
)

// TableNames lists the tables of the connection's current schema.
func (c *Conn) TableNames(ctx context.Context) ([]TableName, error) {
	rows, err := c.QueryContext(ctx, `
SELECT TABLE_SCHEMA, TABLE_NAME
FROM INFORMATION_SCHEMA.TABLES
WHERE TABLE_SCHEMA = DATABASE()`)
	if err != nil {
		return nil, fmt.Errorf("mysqlbus: failed to list tables: %w", err)
	}
	defer rows.Close()

	var names []TableName
	for rows.Next() {
		var t TableName
		if err := rows.Scan(&t.Schema, &t.Name); err != nil {
			return nil, err
		}
		names = append(names, t)
	}
	return names, rows.Err()
}

// Columns maps lower-cased column names to their SQL data types. An empty
// schema means the connection's current schema.
func (c *Conn) Columns(ctx context.Context, schema, table string) (map[string]string, error) {
	rows, err := c.QueryContext(ctx, `
SELECT COLUMN_NAME, DATA_TYPE
FROM INFORMATION_SCHEMA.COLUMNS
WHERE TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE()) AND TABLE_NAME = ?`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("mysqlbus: failed to list columns of %s: %w", table, err)
	}
	defer rows.Close()

	columns := map[string]string{}
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, err
		}
		columns[strings.ToLower(name)] = dataType
	}
	return columns, rows.Err()
}

// ColumnWidth returns CHARACTER_MAXIMUM_LENGTH for one column, or ok=false
// when the column does not exist or has no character width.
func (c *Conn) ColumnWidth(ctx context.Context, schema, table, column string) (int, bool, error) {
	row := c.QueryRowContext(ctx, `
SELECT COALESCE(CHARACTER_MAXIMUM_LENGTH, -1)
FROM INFORMATION_SCHEMA.COLUMNS
WHERE TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE()) AND TABLE_NAME = ? AND COLUMN_NAME = ?`,
		schema, table, column)
	var width int64
	if err := row.Scan(&width); err != nil {
		return 0, false, nil
	}
	if width < 0 {
		return 0, false, nil
	}
	return int(width), true, nil
}

// Indexes maps lower-cased index names to their comma-joined column lists,
// ordered by SEQ_IN_INDEX.
func (c *Conn) Indexes(ctx context.Context, schema, table string) (map[string]string, error) {
	rows, err := c.QueryContext(ctx, `
SELECT INDEX_NAME, COLUMN_NAME
FROM INFORMATION_SCHEMA.STATISTICS
WHERE TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE()) AND TABLE_NAME = ?
ORDER BY INDEX_NAME, SEQ_IN_INDEX`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("mysqlbus: failed to list indexes of %s: %w", table, err)
	}
	defer rows.Close()

	indexes := map[string]string{}
	for rows.Next() {
		var name, column string
		if err := rows.Scan(&name, &column); err != nil {
			return nil, err
		}
		key := strings.ToLower(name)
		if existing, ok := indexes[key]; ok {
			indexes[key] = existing + "," + column
		} else {
			indexes[key] = column
		}
	}
	return indexes, rows.Err()
}
