package conn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mysqlbus/mysqlbus"
)

// commandSeparator splits a multi-command script into statements executed
// sequentially within the same transaction.
const commandSeparator = "----"

// Conn is a single-operation database handle bound to one transaction.
// Not safe for concurrent use.
type Conn struct {
	tx        *sql.Tx
	owned     bool
	completed bool
	logger    mysqlbus.Logger
}

// ExecContext runs one statement inside the transaction.
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.tx.ExecContext(ctx, query, args...)
}

// QueryContext runs one query inside the transaction.
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.tx.QueryContext(ctx, query, args...)
}

// QueryRowContext runs one single-row query inside the transaction.
func (c *Conn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.tx.QueryRowContext(ctx, query, args...)
}

// ExecuteCommands splits script on "----" lines and executes each
// non-empty statement in order. Session state (user variables, prepared
// statements) carries across statements because they share the
// transaction's connection.
func (c *Conn) ExecuteCommands(ctx context.Context, script string) error {
	for _, stmt := range SplitCommands(script) {
		if _, err := c.tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("mysqlbus: failed to execute %q: %w", abbreviate(stmt), err)
		}
	}
	return nil
}

// SplitCommands breaks a script into statements on lines containing only
// the separator, trimming whitespace and dropping empty chunks.
func SplitCommands(script string) []string {
	var stmts []string
	var cur []string
	flush := func() {
		stmt := strings.TrimSpace(strings.Join(cur, "\n"))
		if stmt != "" {
			stmts = append(stmts, stmt)
		}
		cur = cur[:0]
	}
	for _, line := range strings.Split(script, "\n") {
		if strings.TrimSpace(line) == commandSeparator {
			flush()
			continue
		}
		cur = append(cur, line)
	}
	flush()
	return stmts
}

func abbreviate(stmt string) string {
	stmt = strings.Join(strings.Fields(stmt), " ")
	if len(stmt) > 80 {
		return stmt[:77] + "..."
	}
	return stmt
}

// Complete commits the transaction. On a Conn enlisted via FromTx it is a
// no-op: the external owner commits. Calling Complete twice is safe.
func (c *Conn) Complete(ctx context.Context) error {
	if !c.owned || c.completed {
		return nil
	}
	if err := c.tx.Commit(); err != nil {
		return fmt.Errorf("mysqlbus: failed to commit: %w", err)
	}
	c.completed = true
	return nil
}

// Close rolls back unless Complete ran. Always safe to defer.
func (c *Conn) Close() error {
	if !c.owned || c.completed {
		return nil
	}
	if err := c.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("mysqlbus: failed to roll back: %w", err)
	}
	return nil
}
