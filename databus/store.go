// Package databus stores large binary attachments the bus passes by id
// instead of by value.
package databus

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/mysqlbus/mysqlbus"
	"github.com/mysqlbus/mysqlbus/conn"
)

// ErrNotFound is returned when an attachment id is unknown.
var ErrNotFound = errors.New("mysqlbus: attachment not found")

// Options configure a data bus Store.
type Options struct {
	// Table names the attachment table; defaults to "bus_data".
	Table string
	// SkipTableCreation disables the CREATE IF NOT EXISTS on startup.
	SkipTableCreation bool
}

func (o *Options) setDefaults() {
	if o.Table == "" {
		o.Table = "bus_data"
	}
}

// Metadata describes a stored attachment.
type Metadata struct {
	Meta         map[string]string
	CreationTime time.Time
	LastReadTime *time.Time
	Length       int64
}

// Store saves and serves attachments. Safe for concurrent use.
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

// EnsureTableCreated creates the attachment table.
func (s *Store) EnsureTableCreated(ctx context.Context) error {
	c, err := s.provider.Open(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  `+"`id`"+` VARCHAR(200) NOT NULL,
  `+"`meta`"+` LONGBLOB NOT NULL,
  `+"`data`"+` LONGBLOB NOT NULL,
  `+"`creation_time`"+` DATETIME(6) NOT NULL,
  `+"`last_read_time`"+` DATETIME(6) NULL,
  PRIMARY KEY (`+"`id`"+`)
)`, s.table.Qualified())
	if _, err := c.ExecContext(ctx, ddl); err != nil {
		return err
	}
	return c.Complete(ctx)
}

// NewID mints an attachment id.
func (s *Store) NewID() string {
	return uuid.NewString()
}

// Save stores the attachment under id, reading r to completion.
func (s *Store) Save(ctx context.Context, id string, meta map[string]string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("mysqlbus: failed to read attachment %s: %w", id, err)
	}
	encoded, err := mysqlbus.EncodeHeaders(meta)
	if err != nil {
		return err
	}
	c, err := s.provider.Open(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	_, err = c.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (`id`, `meta`, `data`, `creation_time`, `last_read_time`) VALUES (?, ?, ?, NOW(6), NULL)",
			s.table.Qualified()),
		id, encoded, data)
	if err != nil {
		return fmt.Errorf("mysqlbus: failed to save attachment %s: %w", id, err)
	}
	return c.Complete(ctx)
}

// Open returns a reader over the attachment and stamps its last read
// time.
func (s *Store) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	c, err := s.provider.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	var data []byte
	err = c.QueryRowContext(ctx,
		fmt.Sprintf("SELECT `data` FROM %s WHERE `id` = ?", s.table.Qualified()), id).
		Scan(&data)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	case err != nil:
		return nil, fmt.Errorf("mysqlbus: failed to open attachment %s: %w", id, err)
	}
	if _, err := c.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET `last_read_time` = NOW(6) WHERE `id` = ?", s.table.Qualified()), id); err != nil {
		return nil, fmt.Errorf("mysqlbus: failed to stamp attachment %s: %w", id, err)
	}
	if err := c.Complete(ctx); err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Meta returns the attachment's metadata without touching its read time.
func (s *Store) Meta(ctx context.Context, id string) (*Metadata, error) {
	c, err := s.provider.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	var (
		encoded  []byte
		created  time.Time
		lastRead sql.NullTime
		length   int64
	)
	err = c.QueryRowContext(ctx,
		fmt.Sprintf("SELECT `meta`, `creation_time`, `last_read_time`, LENGTH(`data`) FROM %s WHERE `id` = ?",
			s.table.Qualified()), id).
		Scan(&encoded, &created, &lastRead, &length)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	case err != nil:
		return nil, fmt.Errorf("mysqlbus: failed to read metadata of %s: %w", id, err)
	}
	meta, err := mysqlbus.DecodeHeaders(encoded)
	if err != nil {
		return nil, err
	}
	md := &Metadata{Meta: meta, CreationTime: created, Length: length}
	if lastRead.Valid {
		t := lastRead.Time
		md.LastReadTime = &t
	}
	return md, c.Complete(ctx)
}
