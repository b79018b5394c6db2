// Package lock implements the exclusive-access lock table the bus uses
// to serialize concurrent processing of the same saga instance. The lock
// is advisory: acquisition is an INSERT that either lands or hits the
// duplicate key, release is a DELETE, and a sweeper reclaims locks whose
// holder never released them.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mysqlbus/mysqlbus"
	"github.com/mysqlbus/mysqlbus/conn"
	"github.com/mysqlbus/mysqlbus/internal/sqlutil"
)

// MaxKeyLength is the widest key the lock table accepts.
const MaxKeyLength = 255

const sweepBatchSize = 100

// Options configure a lock Service.
type Options struct {
	// Table names the lock table; defaults to "bus_locks".
	Table string
	// TTL is the auto-release deadline written with every acquisition.
	// It is a safety net; the normal path releases explicitly.
	TTL time.Duration
	// SweepInterval is the expired-lock sweeper period.
	SweepInterval time.Duration
	// SkipTableCreation disables the CREATE IF NOT EXISTS on startup.
	SkipTableCreation bool
	// Logger emits sweeper logs.
	Logger mysqlbus.Logger
}

func (o *Options) setDefaults() {
	if o.Table == "" {
		o.Table = "bus_locks"
	}
	if o.TTL <= 0 {
		o.TTL = 24 * time.Hour
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 5 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = mysqlbus.NopLogger{}
	}
}

// Service is a TTL-bounded distributed lock over one MySQL table. Safe
// for concurrent use. Holders must not assume mutual exclusion beyond
// the TTL.
type Service struct {
	provider *conn.Provider
	table    conn.TableName
	opts     Options

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds the service, creates the table unless disabled, and starts
// the expired-lock sweeper.
func New(ctx context.Context, provider *conn.Provider, opts Options) (*Service, error) {
	opts.setDefaults()
	table, err := conn.ParseTableName(opts.Table)
	if err != nil {
		return nil, err
	}
	s := &Service{
		provider: provider,
		table:    table,
		opts:     opts,
		stop:     make(chan struct{}),
	}
	if !opts.SkipTableCreation {
		if err := s.EnsureTableCreated(ctx); err != nil {
			return nil, err
		}
	}
	s.wg.Add(1)
	go s.runSweeper()
	return s, nil
}

// EnsureTableCreated creates the lock table and its expiration index.
func (s *Service) EnsureTableCreated(ctx context.Context) error {
	c, err := s.provider.Open(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  `+"`lock_key`"+` VARCHAR(255) NOT NULL,
  `+"`expiration`"+` DATETIME(6) NOT NULL,
  PRIMARY KEY (`+"`lock_key`"+`)
)`, s.table.Qualified())
	if _, err := c.ExecContext(ctx, ddl); err != nil {
		return err
	}
	if err := c.CreateIndexIfNotExists(ctx, s.table, "ix_expiration", "`expiration`"); err != nil {
		return err
	}
	return c.Complete(ctx)
}

// Acquire takes the lock for key, returning false when someone else holds
// it. Committed per call; the duplicate-key race between the probing
// SELECT and the INSERT resolves to false as well.
func (s *Service) Acquire(ctx context.Context, key string) (bool, error) {
	if len(key) > MaxKeyLength {
		return false, fmt.Errorf("mysqlbus: lock key longer than %d characters", MaxKeyLength)
	}
	c, err := s.provider.Open(ctx)
	if err != nil {
		return false, err
	}
	defer c.Close()

	var existing string
	err = c.QueryRowContext(ctx,
		fmt.Sprintf("SELECT `lock_key` FROM %s WHERE `lock_key` = ?", s.table.Qualified()), key).
		Scan(&existing)
	switch {
	case err == nil:
		return false, c.Complete(ctx)
	case errors.Is(err, sql.ErrNoRows):
	case ctx.Err() != nil:
		return false, fmt.Errorf("mysqlbus: acquire canceled: %w", errors.Join(ctx.Err(), err))
	default:
		return false, fmt.Errorf("mysqlbus: failed to probe lock %q: %w", key, err)
	}

	ttlMicros := int64(s.opts.TTL / time.Microsecond)
	_, err = c.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (`lock_key`, `expiration`) VALUES (?, DATE_ADD(NOW(6), INTERVAL ? MICROSECOND))",
			s.table.Qualified()), key, ttlMicros)
	switch {
	case err == nil:
		return true, c.Complete(ctx)
	case mysqlbus.IsDuplicateEntry(err):
		return false, nil
	case ctx.Err() != nil:
		return false, fmt.Errorf("mysqlbus: acquire canceled: %w", errors.Join(ctx.Err(), err))
	default:
		return false, fmt.Errorf("mysqlbus: failed to acquire lock %q: %w", key, err)
	}
}

// IsHeld reports whether any holder currently has the key.
func (s *Service) IsHeld(ctx context.Context, key string) (bool, error) {
	c, err := s.provider.Open(ctx)
	if err != nil {
		return false, err
	}
	defer c.Close()

	var existing string
	err = c.QueryRowContext(ctx,
		fmt.Sprintf("SELECT `lock_key` FROM %s WHERE `lock_key` = ?", s.table.Qualified()), key).
		Scan(&existing)
	switch {
	case err == nil:
		return true, c.Complete(ctx)
	case errors.Is(err, sql.ErrNoRows):
		return false, c.Complete(ctx)
	default:
		return false, fmt.Errorf("mysqlbus: failed to probe lock %q: %w", key, err)
	}
}

// Release drops the lock, reporting whether a row was actually deleted.
func (s *Service) Release(ctx context.Context, key string) (bool, error) {
	c, err := s.provider.Open(ctx)
	if err != nil {
		return false, err
	}
	defer c.Close()

	res, err := c.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE `lock_key` = ?", s.table.Qualified()), key)
	if err != nil {
		return false, fmt.Errorf("mysqlbus: failed to release lock %q: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := c.Complete(ctx); err != nil {
		return false, err
	}
	return affected == 1, nil
}

// Close stops the sweeper.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
	})
	return nil
}

func (s *Service) runSweeper() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.SweepInterval)
			if err := s.SweepOnce(ctx); err != nil {
				s.opts.Logger.Error(ctx, "lock sweep of %s failed: %v", s.table, err)
			}
			cancel()
		}
	}
}

// SweepOnce deletes expired locks in key-targeted batches of at most 100,
// repeating until a pass finds none.
func (s *Service) SweepOnce(ctx context.Context) error {
	for {
		n, err := s.sweepPass(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func (s *Service) sweepPass(ctx context.Context) (int, error) {
	c, err := s.provider.Open(ctx)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	rows, err := c.QueryContext(ctx,
		fmt.Sprintf("SELECT `lock_key` FROM %s WHERE `expiration` < NOW(6) LIMIT %d",
			s.table.Qualified(), sweepBatchSize))
	if err != nil {
		return 0, err
	}
	var keys []any
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return 0, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	if len(keys) == 0 {
		return 0, c.Complete(ctx)
	}
	if _, err := c.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE `lock_key` IN (%s)",
			s.table.Qualified(), sqlutil.Placeholders(len(keys))), keys...); err != nil {
		return 0, err
	}
	return len(keys), c.Complete(ctx)
}
