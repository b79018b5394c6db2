// Package transport implements the MySQL queue transport: one table per
// logical queue, buffered transactional sends, lease-based receives, and
// a background sweeper for expired rows and abandoned leases.
package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/mysqlbus/mysqlbus"
	"github.com/mysqlbus/mysqlbus/conn"
	"github.com/mysqlbus/mysqlbus/internal/metrics"
)

// Options configure Transport behaviour and tuning knobs.
type Options struct {
	// InputQueue is the queue this transport receives from; empty makes
	// the transport send-only.
	InputQueue string
	// AutoDeleteQueue drops the input queue table on Close.
	AutoDeleteQueue bool
	// LeaseInterval is how long a received row stays claimed.
	LeaseInterval time.Duration
	// LeaseTolerance is the grace period past leased_until before another
	// worker may reclaim the row.
	LeaseTolerance time.Duration
	// LeaseAutoRenewInterval, when positive, extends the lease on a timer
	// while the handler runs. Typically about half of LeaseInterval.
	LeaseAutoRenewInterval time.Duration
	// LeasedBy identifies this worker in the leased_by column.
	LeasedBy func() string
	// MessageAckTimeout, when positive, makes the sweeper clear leases on
	// rows that became visible more than this long ago. Leave zero with
	// lease tolerance in use; the receive predicate already reclaims.
	MessageAckTimeout time.Duration
	// CleanupInterval is the sweeper period.
	CleanupInterval time.Duration
	// ReceiveParallelism caps concurrent Receive calls in this process.
	ReceiveParallelism int64
	// SkipTableCreation disables the CREATE IF NOT EXISTS on startup.
	SkipTableCreation bool
	// Logger emits transport logs; background errors are logged, never
	// surfaced.
	Logger mysqlbus.Logger
	// Registerer receives the prometheus instruments; nil uses the
	// default registerer.
	Registerer prometheus.Registerer
	// Now supplies the current time; override for tests.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.LeaseInterval <= 0 {
		o.LeaseInterval = 5 * time.Minute
	}
	if o.LeaseTolerance <= 0 {
		o.LeaseTolerance = 30 * time.Second
	}
	if o.LeasedBy == nil {
		o.LeasedBy = defaultLeasedBy
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 20 * time.Second
	}
	if o.ReceiveParallelism <= 0 {
		o.ReceiveParallelism = 20
	}
	if o.Logger == nil {
		o.Logger = mysqlbus.NopLogger{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// defaultLeasedBy identifies the worker by hostname, falling back to a
// random id when the hostname is unavailable.
func defaultLeasedBy() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "worker-unknown"
	}
	return "worker-" + hex.EncodeToString(buf[:])
}

// Transport is the MySQL message queue. Safe for concurrent use.
type Transport struct {
	provider *conn.Provider
	table    conn.TableName
	opts     Options
	metrics  *metrics.Transport
	sem      *semaphore.Weighted

	renewMu        sync.Mutex
	renewers       map[int64]chan struct{}
	renewersClosed bool

	sweepStop chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds a transport. When an input queue is configured, its table
// and indexes are created (unless SkipTableCreation is set) and the
// sweeper starts.
func New(ctx context.Context, provider *conn.Provider, opts Options) (*Transport, error) {
	opts.setDefaults()
	t := &Transport{
		provider:  provider,
		opts:      opts,
		sem:       semaphore.NewWeighted(opts.ReceiveParallelism),
		renewers:  map[int64]chan struct{}{},
		sweepStop: make(chan struct{}),
	}
	if opts.InputQueue != "" {
		table, err := conn.ParseTableName(opts.InputQueue)
		if err != nil {
			return nil, err
		}
		t.table = table
	}
	t.metrics = metrics.NewTransport(opts.Registerer, opts.InputQueue)

	if !t.table.IsZero() {
		if !opts.SkipTableCreation {
			if err := t.EnsureQueueCreated(ctx, opts.InputQueue); err != nil {
				return nil, err
			}
		}
		t.wg.Add(1)
		go t.runSweeper()
	}
	return t, nil
}

// Address returns the qualified input queue name, or "" for a send-only
// transport.
func (t *Transport) Address() string {
	if t.table.IsZero() {
		return ""
	}
	return t.table.Qualified()
}

// CreateQueue creates the table and indexes for the named queue.
func (t *Transport) CreateQueue(ctx context.Context, name string) error {
	return t.EnsureQueueCreated(ctx, name)
}

// EnsureQueueCreated creates the queue table and its receive/expiration
// indexes idempotently. The whole script runs in one transaction and is
// retried once, which covers two processes racing to create the same
// queue.
func (t *Transport) EnsureQueueCreated(ctx context.Context, name string) error {
	table, err := conn.ParseTableName(name)
	if err != nil {
		return err
	}
	if err := t.createQueueOnce(ctx, table); err != nil {
		t.opts.Logger.Warn(ctx, "create queue %s failed, retrying once: %v", table, err)
		return t.createQueueOnce(ctx, table)
	}
	return nil
}

func (t *Transport) createQueueOnce(ctx context.Context, table conn.TableName) error {
	c, err := t.provider.Open(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.ExecuteCommands(ctx, createQueueTableScript(table)); err != nil {
		return err
	}
	if err := c.CreateIndexIfNotExists(ctx, table, receiveIndexName,
		"`priority` DESC", "`visible` ASC", "`id` ASC", "`expiration` ASC", "`leased_until` DESC"); err != nil {
		return err
	}
	if err := c.CreateIndexIfNotExists(ctx, table, expirationIndexName, "`expiration`"); err != nil {
		return err
	}
	return c.Complete(ctx)
}

// Close stops the sweeper and all lease renewers, and drops the input
// queue when auto-delete is enabled. Safe to call more than once.
func (t *Transport) Close(ctx context.Context) error {
	var dropErr error
	t.closeOnce.Do(func() {
		close(t.sweepStop)
		t.stopAllRenewers()
		t.wg.Wait()

		if t.opts.AutoDeleteQueue && !t.table.IsZero() {
			if err := t.dropQueueOnce(ctx); err != nil {
				t.opts.Logger.Warn(ctx, "drop queue %s failed, retrying once: %v", t.table, err)
				dropErr = t.dropQueueOnce(ctx)
			}
		}
	})
	return dropErr
}

func (t *Transport) dropQueueOnce(ctx context.Context) error {
	c, err := t.provider.Open(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	if _, err := c.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", t.table.Qualified())); err != nil {
		return err
	}
	return c.Complete(ctx)
}
