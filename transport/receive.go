package transport

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mysqlbus/mysqlbus"
)

// ErrSendOnly is returned by Receive on a transport with no input queue.
var ErrSendOnly = errors.New("mysqlbus: transport has no input queue")

// Receive leases the next deliverable message from the input queue, or
// returns nil when there is none. The returned message stays leased until
// the scope commits (row deleted) or aborts (lease cleared); a worker
// that dies holding the lease loses it after LeaseInterval plus
// LeaseTolerance.
//
// A lock deadlock during the locking SELECT means another receiver won
// the row; it is reported as "no message" so the worker loop backs off
// instead of busy-spinning.
func (t *Transport) Receive(ctx context.Context, scope *mysqlbus.Scope) (*mysqlbus.Message, error) {
	if t.table.IsZero() {
		return nil, ErrSendOnly
	}
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("mysqlbus: receive canceled: %w", err)
	}
	defer t.sem.Release(1)

	start := t.opts.Now()
	msg, err := t.receiveOne(ctx, scope)
	t.metrics.ReceiveDuration.Observe(t.opts.Now().Sub(start).Seconds())
	return msg, err
}

func (t *Transport) receiveOne(ctx context.Context, scope *mysqlbus.Scope) (*mysqlbus.Message, error) {
	c, err := t.provider.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	var (
		id      int64
		headers []byte
		body    []byte
	)
	toleranceMicros := int64(t.opts.LeaseTolerance / time.Microsecond)
	row := c.QueryRowContext(ctx, receiveQuery(t.table), toleranceMicros)
	switch err := row.Scan(&id, &headers, &body); {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		t.metrics.EmptyReceives.Inc()
		return nil, c.Complete(ctx)
	case mysqlbus.IsDeadlock(err):
		t.metrics.DeadlockRetries.Inc()
		return nil, nil
	case ctx.Err() != nil:
		return nil, fmt.Errorf("mysqlbus: receive canceled: %w", errors.Join(ctx.Err(), err))
	default:
		return nil, fmt.Errorf("mysqlbus: failed to select next message: %w", err)
	}

	leaseMicros := int64(t.opts.LeaseInterval / time.Microsecond)
	if _, err := c.ExecContext(ctx, leaseQuery(t.table), leaseMicros, t.opts.LeasedBy(), id); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("mysqlbus: receive canceled: %w", errors.Join(ctx.Err(), err))
		}
		return nil, fmt.Errorf("mysqlbus: failed to lease message %d: %w", id, err)
	}

	scope.OnCommitted(func(ctx context.Context) error {
		t.stopRenewer(id)
		t.retryOnDeadlock(ctx, fmt.Sprintf("delete message %d", id), func() error {
			return t.execRow(ctx, deleteQuery(t.table), id)
		})
		return nil
	})
	scope.OnAborted(func(ctx context.Context) error {
		t.stopRenewer(id)
		t.retryOnDeadlock(ctx, fmt.Sprintf("clear lease of message %d", id), func() error {
			return t.execRow(ctx, clearLeaseQuery(t.table), id)
		})
		return nil
	})

	// Committing here publishes the lease, so no other receiver can pick
	// the row while the handler runs.
	if err := c.Complete(ctx); err != nil {
		return nil, err
	}

	if t.opts.LeaseAutoRenewInterval > 0 {
		t.startRenewer(id)
	}

	headerMap, err := mysqlbus.DecodeHeaders(headers)
	if err != nil {
		return nil, err
	}
	t.metrics.Received.Inc()
	return &mysqlbus.Message{Headers: headerMap, Body: body}, nil
}

// execRow runs one statement on a fresh connection and commits it.
func (t *Transport) execRow(ctx context.Context, query string, args ...any) error {
	c, err := t.provider.Open(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	if _, err := c.ExecContext(ctx, query, args...); err != nil {
		return err
	}
	return c.Complete(ctx)
}

// retryOnDeadlock retries op for as long as it keeps deadlocking,
// doubling the wait from 50ms up to a 1s cap. Any other error is logged
// and swallowed so a failing ack callback cannot mask the handler's own
// outcome.
func (t *Transport) retryOnDeadlock(ctx context.Context, what string, op func() error) {
	delay := 50 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil {
			return
		}
		if !mysqlbus.IsDeadlock(err) {
			t.opts.Logger.Error(ctx, "%s failed: %v", what, err)
			return
		}
		t.metrics.DeadlockRetries.Inc()
		t.opts.Logger.Warn(ctx, "%s deadlocked (attempt %d), retrying", what, attempt)
		select {
		case <-ctx.Done():
			t.opts.Logger.Error(ctx, "%s abandoned: %v", what, ctx.Err())
			return
		case <-time.After(delay):
		}
		if delay < time.Second {
			delay *= 2
			if delay > time.Second {
				delay = time.Second
			}
		}
	}
}
