// Package subscription keeps the topic→subscriber registry.
package subscription

import (
	"context"
	"fmt"
	"sync"

	"github.com/mysqlbus/mysqlbus"
	"github.com/mysqlbus/mysqlbus/conn"
)

// Options configure a subscription Store.
type Options struct {
	// Table names the registry; defaults to "bus_subscriptions".
	Table string
	// SkipTableCreation disables the CREATE IF NOT EXISTS on startup.
	SkipTableCreation bool
}

func (o *Options) setDefaults() {
	if o.Table == "" {
		o.Table = "bus_subscriptions"
	}
}

// Store registers and resolves subscribers. Safe for concurrent use.
type Store struct {
	provider *conn.Provider
	table    conn.TableName

	widthOnce    sync.Once
	topicWidth   int
	addressWidth int
	widthErr     error
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

// EnsureTableCreated creates the registry table.
func (s *Store) EnsureTableCreated(ctx context.Context) error {
	c, err := s.provider.Open(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  `+"`topic`"+` VARCHAR(200) NOT NULL,
  `+"`address`"+` VARCHAR(200) NOT NULL,
  PRIMARY KEY (`+"`topic`, `address`"+`)
)`, s.table.Qualified())
	if _, err := c.ExecContext(ctx, ddl); err != nil {
		return err
	}
	return c.Complete(ctx)
}

// columnWidths discovers the registry's actual column widths once, so
// validation matches whatever table this store was pointed at.
func (s *Store) columnWidths(ctx context.Context) (topic, address int, err error) {
	s.widthOnce.Do(func() {
		c, err := s.provider.Open(ctx)
		if err != nil {
			s.widthErr = err
			return
		}
		defer c.Close()
		if w, ok, err := c.ColumnWidth(ctx, s.table.Schema, s.table.Name, "topic"); err == nil && ok {
			s.topicWidth = w
		}
		if w, ok, err := c.ColumnWidth(ctx, s.table.Schema, s.table.Name, "address"); err == nil && ok {
			s.addressWidth = w
		}
		s.widthErr = c.Complete(ctx)
	})
	return s.topicWidth, s.addressWidth, s.widthErr
}

func (s *Store) validate(ctx context.Context, topic, address string) error {
	topicWidth, addressWidth, err := s.columnWidths(ctx)
	if err != nil {
		return err
	}
	if topicWidth > 0 && len(topic) > topicWidth {
		return fmt.Errorf("mysqlbus: topic %q longer than %d characters", topic, topicWidth)
	}
	if addressWidth > 0 && len(address) > addressWidth {
		return fmt.Errorf("mysqlbus: address %q longer than %d characters", address, addressWidth)
	}
	return nil
}

// Subscribe registers address under topic. Idempotent.
func (s *Store) Subscribe(ctx context.Context, topic, address string) error {
	if err := s.validate(ctx, topic, address); err != nil {
		return err
	}
	c, err := s.provider.Open(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	_, err = c.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (`topic`, `address`) VALUES (?, ?)", s.table.Qualified()),
		topic, address)
	if err != nil && !mysqlbus.IsDuplicateEntry(err) {
		return fmt.Errorf("mysqlbus: failed to subscribe %s to %s: %w", address, topic, err)
	}
	return c.Complete(ctx)
}

// Unsubscribe removes the registration. Idempotent.
func (s *Store) Unsubscribe(ctx context.Context, topic, address string) error {
	c, err := s.provider.Open(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	_, err = c.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE `topic` = ? AND `address` = ?", s.table.Qualified()),
		topic, address)
	if err != nil {
		return fmt.Errorf("mysqlbus: failed to unsubscribe %s from %s: %w", address, topic, err)
	}
	return c.Complete(ctx)
}

// Subscribers lists the addresses registered under topic.
func (s *Store) Subscribers(ctx context.Context, topic string) ([]string, error) {
	c, err := s.provider.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	rows, err := c.QueryContext(ctx,
		fmt.Sprintf("SELECT `address` FROM %s WHERE `topic` = ?", s.table.Qualified()), topic)
	if err != nil {
		return nil, fmt.Errorf("mysqlbus: failed to list subscribers of %s: %w", topic, err)
	}
	defer rows.Close()

	var addresses []string
	for rows.Next() {
		var address string
		if err := rows.Scan(&address); err != nil {
			return nil, err
		}
		addresses = append(addresses, address)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return addresses, c.Complete(ctx)
}
