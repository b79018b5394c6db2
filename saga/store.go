// Package saga persists long-running workflow state with optimistic
// concurrency, plus a correlation index so instances can be found by
// (saga type, property, value).
package saga

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mysqlbus/mysqlbus"
	"github.com/mysqlbus/mysqlbus/conn"
)

// MySQL limits index keys to about 900 bytes, which bounds the aggregate
// correlation key width: 40 for the saga type, 200 each for property and
// value.
const (
	maxSagaTypeLength = 40
	maxKeyLength      = 200
	maxValueLength    = 200
)

// idPropertyKey addresses the saga by its primary id instead of the
// correlation index.
const idPropertyKey = "Id"

// Options configure a saga Store.
type Options struct {
	// DataTable holds the saga payloads; defaults to "bus_sagas".
	DataTable string
	// IndexTable holds the correlation rows; defaults to "bus_saga_index".
	IndexTable string
	// SkipTableCreation disables the CREATE IF NOT EXISTS on startup.
	SkipTableCreation bool
}

func (o *Options) setDefaults() {
	if o.DataTable == "" {
		o.DataTable = "bus_sagas"
	}
	if o.IndexTable == "" {
		o.IndexTable = "bus_saga_index"
	}
}

// CorrelationProperty is one indexed lookup key of a saga instance.
type CorrelationProperty struct {
	Key   string
	Value string
}

// Instance is a stored saga.
type Instance struct {
	ID       uuid.UUID
	Revision int
	Data     []byte
}

// Store reads and writes saga state. Safe for concurrent use; conflicting
// writers are serialized by the revision check.
type Store struct {
	provider   *conn.Provider
	dataTable  conn.TableName
	indexTable conn.TableName
}

// New builds the store and creates its tables unless disabled.
func New(ctx context.Context, provider *conn.Provider, opts Options) (*Store, error) {
	opts.setDefaults()
	dataTable, err := conn.ParseTableName(opts.DataTable)
	if err != nil {
		return nil, err
	}
	indexTable, err := conn.ParseTableName(opts.IndexTable)
	if err != nil {
		return nil, err
	}
	s := &Store{provider: provider, dataTable: dataTable, indexTable: indexTable}
	if !opts.SkipTableCreation {
		if err := s.EnsureTablesCreated(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// EnsureTablesCreated creates the data and index tables.
func (s *Store) EnsureTablesCreated(ctx context.Context) error {
	c, err := s.provider.Open(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	dataDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  `+"`id`"+` CHAR(36) NOT NULL,
  `+"`revision`"+` INT NOT NULL,
  `+"`data`"+` LONGBLOB NOT NULL,
  PRIMARY KEY (`+"`id`"+`)
)`, s.dataTable.Qualified())
	indexDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  `+"`saga_type`"+` VARCHAR(%d) NOT NULL,
  `+"`key`"+` VARCHAR(%d) NOT NULL,
  `+"`value`"+` VARCHAR(%d) NOT NULL,
  `+"`saga_id`"+` CHAR(36) NOT NULL,
  PRIMARY KEY (`+"`saga_type`, `key`, `value`, `saga_id`"+`)
)`, s.indexTable.Qualified(), maxSagaTypeLength, maxKeyLength, maxValueLength)

	if _, err := c.ExecContext(ctx, dataDDL); err != nil {
		return err
	}
	if _, err := c.ExecContext(ctx, indexDDL); err != nil {
		return err
	}
	if err := c.CreateIndexIfNotExists(ctx, s.indexTable, "ix_saga_id", "`saga_id`"); err != nil {
		return err
	}
	return c.Complete(ctx)
}

// Insert stores a brand-new saga at revision 0 along with its correlation
// rows. A duplicate id or a colliding correlation row is a concurrency
// conflict.
func (s *Store) Insert(ctx context.Context, id uuid.UUID, sagaType string, data []byte, props []CorrelationProperty) error {
	if err := validateCorrelation(sagaType, props); err != nil {
		return err
	}
	c, err := s.provider.Open(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	_, err = c.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (`id`, `revision`, `data`) VALUES (?, 0, ?)", s.dataTable.Qualified()),
		id.String(), data)
	if err != nil {
		if mysqlbus.IsDuplicateEntry(err) {
			return fmt.Errorf("%w: saga %s already exists", mysqlbus.ErrConcurrency, id)
		}
		return fmt.Errorf("mysqlbus: failed to insert saga %s: %w", id, err)
	}
	if err := s.writeIndex(ctx, c, id, sagaType, props); err != nil {
		return err
	}
	return c.Complete(ctx)
}

// Update replaces the saga data if and only if the stored revision equals
// expectedRevision, bumping the revision and rewriting the correlation
// rows atomically.
func (s *Store) Update(ctx context.Context, id uuid.UUID, expectedRevision int, sagaType string, data []byte, props []CorrelationProperty) error {
	if err := validateCorrelation(sagaType, props); err != nil {
		return err
	}
	c, err := s.provider.Open(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET `revision` = `revision` + 1, `data` = ? WHERE `id` = ? AND `revision` = ?",
			s.dataTable.Qualified()),
		data, id.String(), expectedRevision)
	if err != nil {
		return fmt.Errorf("mysqlbus: failed to update saga %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: saga %s is not at revision %d", mysqlbus.ErrConcurrency, id, expectedRevision)
	}
	if err := s.deleteIndex(ctx, c, id); err != nil {
		return err
	}
	if err := s.writeIndex(ctx, c, id, sagaType, props); err != nil {
		return err
	}
	return c.Complete(ctx)
}

// Delete removes the saga and its correlation rows, guarded by the same
// revision check as Update.
func (s *Store) Delete(ctx context.Context, id uuid.UUID, expectedRevision int) error {
	c, err := s.provider.Open(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE `id` = ? AND `revision` = ?", s.dataTable.Qualified()),
		id.String(), expectedRevision)
	if err != nil {
		return fmt.Errorf("mysqlbus: failed to delete saga %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: saga %s is not at revision %d", mysqlbus.ErrConcurrency, id, expectedRevision)
	}
	if err := s.deleteIndex(ctx, c, id); err != nil {
		return err
	}
	return c.Complete(ctx)
}

// Find looks a saga up by a correlation property, or by id when key is
// "Id". A nil instance means not found.
func (s *Store) Find(ctx context.Context, sagaType, key, value string) (*Instance, error) {
	c, err := s.provider.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	var query string
	var args []any
	if key == idPropertyKey {
		query = fmt.Sprintf("SELECT `id`, `revision`, `data` FROM %s WHERE `id` = ?", s.dataTable.Qualified())
		args = []any{value}
	} else {
		query = fmt.Sprintf(`
SELECT d.`+"`id`, d.`revision`, d.`data`"+`
FROM %s d
JOIN %s i ON i.`+"`saga_id`"+` = d.`+"`id`"+`
WHERE i.`+"`saga_type`"+` = ? AND i.`+"`key`"+` = ? AND i.`+"`value`"+` = ?`,
			s.dataTable.Qualified(), s.indexTable.Qualified())
		args = []any{sagaType, key, value}
	}

	var (
		rawID    string
		instance Instance
	)
	err = c.QueryRowContext(ctx, query, args...).Scan(&rawID, &instance.Revision, &instance.Data)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, c.Complete(ctx)
	case err != nil:
		return nil, fmt.Errorf("mysqlbus: failed to find saga by %s/%s: %w", sagaType, key, err)
	}
	instance.ID, err = uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("mysqlbus: saga table holds malformed id %q: %w", rawID, err)
	}
	return &instance, c.Complete(ctx)
}

func (s *Store) writeIndex(ctx context.Context, c *conn.Conn, id uuid.UUID, sagaType string, props []CorrelationProperty) error {
	for _, p := range props {
		_, err := c.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s (`saga_type`, `key`, `value`, `saga_id`) VALUES (?, ?, ?, ?)",
				s.indexTable.Qualified()),
			sagaType, p.Key, p.Value, id.String())
		if err != nil {
			if mysqlbus.IsDuplicateEntry(err) {
				return fmt.Errorf("%w: correlation %s=%s already indexed for saga type %s",
					mysqlbus.ErrConcurrency, p.Key, p.Value, sagaType)
			}
			return fmt.Errorf("mysqlbus: failed to index saga %s: %w", id, err)
		}
	}
	return nil
}

func (s *Store) deleteIndex(ctx context.Context, c *conn.Conn, id uuid.UUID) error {
	_, err := c.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE `saga_id` = ?", s.indexTable.Qualified()), id.String())
	if err != nil {
		return fmt.Errorf("mysqlbus: failed to clear saga index of %s: %w", id, err)
	}
	return nil
}

func validateCorrelation(sagaType string, props []CorrelationProperty) error {
	if len(sagaType) > maxSagaTypeLength {
		return fmt.Errorf("mysqlbus: saga type %q longer than %d characters", sagaType, maxSagaTypeLength)
	}
	for _, p := range props {
		if len(p.Key) > maxKeyLength {
			return fmt.Errorf("mysqlbus: correlation key %q longer than %d characters", p.Key, maxKeyLength)
		}
		if len(p.Value) > maxValueLength {
			return fmt.Errorf("mysqlbus: correlation value for %q longer than %d characters", p.Key, maxValueLength)
		}
	}
	return nil
}
