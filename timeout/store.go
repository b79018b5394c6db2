// Package timeout stores deferred messages until they fall due.
package timeout

import (
	"context"
	"fmt"
	"time"

	"github.com/mysqlbus/mysqlbus"
	"github.com/mysqlbus/mysqlbus/conn"
	"github.com/mysqlbus/mysqlbus/internal/sqlutil"
)

// Options configure a timeout Store.
type Options struct {
	// Table names the timeout table; defaults to "bus_timeouts".
	Table string
	// SkipTableCreation disables the CREATE IF NOT EXISTS on startup.
	SkipTableCreation bool
}

func (o *Options) setDefaults() {
	if o.Table == "" {
		o.Table = "bus_timeouts"
	}
}

// DueMessage is a timeout that has fallen due.
type DueMessage struct {
	ID      int64
	Headers map[string]string
	Body    []byte
}

// Store defers messages and hands them back once due. Safe for
// concurrent use.
type Store struct {
	provider *conn.Provider
	table    conn.TableName
}

// New builds the store and creates its table unless disabled.
func New(ctx context.Context, provider *conn.Provider, opts Options) (*Store, error) {
	opts.setDefaults()
	table, err := conn.ParseTableName(opts.Table)
	if err != nil {
		return nil, err
	}
	s := &Store{provider: provider, table: table}
	if !opts.SkipTableCreation {
		if err := s.EnsureTableCreated(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// EnsureTableCreated creates the timeout table and its due-time index.
func (s *Store) EnsureTableCreated(ctx context.Context) error {
	c, err := s.provider.Open(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  `+"`id`"+` BIGINT NOT NULL AUTO_INCREMENT,
  `+"`due_time`"+` DATETIME(6) NOT NULL,
  `+"`headers`"+` LONGBLOB NOT NULL,
  `+"`body`"+` LONGBLOB NOT NULL,
  PRIMARY KEY (`+"`id`"+`)
)`, s.table.Qualified())
	if _, err := c.ExecContext(ctx, ddl); err != nil {
		return err
	}
	if err := c.CreateIndexIfNotExists(ctx, s.table, "ix_due_time", "`due_time`"); err != nil {
		return err
	}
	return c.Complete(ctx)
}

// Defer stores a message for delivery at dueTime.
func (s *Store) Defer(ctx context.Context, dueTime time.Time, headers map[string]string, body []byte) error {
	encoded, err := mysqlbus.EncodeHeaders(headers)
	if err != nil {
		return err
	}
	c, err := s.provider.Open(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	_, err = c.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (`due_time`, `headers`, `body`) VALUES (?, ?, ?)", s.table.Qualified()),
		dueTime.UTC(), encoded, body)
	if err != nil {
		return fmt.Errorf("mysqlbus: failed to defer message: %w", err)
	}
	return c.Complete(ctx)
}

// DueNow locks and returns every timeout that has fallen due. The row
// locks are held until the scope finishes: on commit the rows are
// deleted, on abort the locks are released and the timeouts become due
// again.
func (s *Store) DueNow(ctx context.Context, scope *mysqlbus.Scope) ([]DueMessage, error) {
	c, err := s.provider.Open(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := c.QueryContext(ctx,
		fmt.Sprintf("SELECT `id`, `headers`, `body` FROM %s WHERE `due_time` <= NOW(6) ORDER BY `due_time` ASC FOR UPDATE",
			s.table.Qualified()))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("mysqlbus: failed to select due timeouts: %w", err)
	}

	var due []DueMessage
	var ids []int64
	for rows.Next() {
		var (
			m       DueMessage
			headers []byte
		)
		if err := rows.Scan(&m.ID, &headers, &m.Body); err != nil {
			rows.Close()
			c.Close()
			return nil, err
		}
		if m.Headers, err = mysqlbus.DecodeHeaders(headers); err != nil {
			rows.Close()
			c.Close()
			return nil, err
		}
		due = append(due, m)
		ids = append(ids, m.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		c.Close()
		return nil, err
	}
	rows.Close()

	if len(due) == 0 {
		err := c.Complete(ctx)
		c.Close()
		return nil, err
	}

	scope.OnCommitted(func(ctx context.Context) error {
		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		if _, err := c.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE `id` IN (%s)",
				s.table.Qualified(), sqlutil.Placeholders(len(ids))), args...); err != nil {
			return fmt.Errorf("mysqlbus: failed to consume timeouts: %w", err)
		}
		return c.Complete(ctx)
	})
	scope.OnDisposed(func(context.Context) error {
		return c.Close()
	})
	return due, nil
}
