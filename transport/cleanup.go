package transport

import (
	"context"
	"time"

	"github.com/mysqlbus/mysqlbus/conn"
	"github.com/mysqlbus/mysqlbus/internal/sqlutil"
)

// runSweeper drives the periodic cleanup of the input queue. Errors are
// logged and swallowed; the sweeper must outlive any transient database
// trouble.
func (t *Transport) runSweeper() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.sweepStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), t.opts.CleanupInterval)
			if err := t.SweepOnce(ctx); err != nil {
				t.opts.Logger.Error(ctx, "sweep of %s failed: %v", t.table, err)
			}
			cancel()
		}
	}
}

// SweepOnce runs one full cleanup cycle: delete TTL-expired rows and,
// when MessageAckTimeout is configured, clear leases on rows whose
// delivery stalled. Each pass works on at most 100 IDs collected first,
// so the deletes and updates are PK-targeted and cannot lock-scan the
// table into a deadlock with active receivers. Passes repeat until one
// affects no rows.
func (t *Transport) SweepOnce(ctx context.Context) error {
	for {
		expired, err := t.sweepExpiredPass(ctx)
		if err != nil {
			return err
		}
		reclaimed := 0
		if t.opts.MessageAckTimeout > 0 {
			reclaimed, err = t.reclaimPass(ctx)
			if err != nil {
				return err
			}
		}
		if expired == 0 && reclaimed == 0 {
			return nil
		}
	}
}

// sweepExpiredPass deletes up to one batch of rows past their expiration.
func (t *Transport) sweepExpiredPass(ctx context.Context) (int, error) {
	c, err := t.provider.Open(ctx)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	ids, err := collectIDs(ctx, c, selectExpiredQuery(t.table))
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, c.Complete(ctx)
	}
	args := idArgs(ids)
	if _, err := c.ExecContext(ctx, deleteByIDsQuery(t.table, sqlutil.Placeholders(len(ids))), args...); err != nil {
		return 0, err
	}
	if err := c.Complete(ctx); err != nil {
		return 0, err
	}
	t.metrics.ExpiredDeleted.Add(float64(len(ids)))
	return len(ids), nil
}

// reclaimPass clears leases on up to one batch of rows that became
// visible longer than MessageAckTimeout ago and are still claimed.
func (t *Transport) reclaimPass(ctx context.Context) (int, error) {
	c, err := t.provider.Open(ctx)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	ackMicros := int64(t.opts.MessageAckTimeout / time.Microsecond)
	ids, err := collectIDs(ctx, c, selectAbandonedQuery(t.table), ackMicros)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, c.Complete(ctx)
	}
	args := idArgs(ids)
	if _, err := c.ExecContext(ctx, clearLeasesByIDsQuery(t.table, sqlutil.Placeholders(len(ids))), args...); err != nil {
		return 0, err
	}
	if err := c.Complete(ctx); err != nil {
		return 0, err
	}
	t.metrics.LeasesReclaimed.Add(float64(len(ids)))
	return len(ids), nil
}

func collectIDs(ctx context.Context, c *conn.Conn, query string, args ...any) ([]int64, error) {
	rows, err := c.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func idArgs(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
