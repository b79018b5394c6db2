// Package conn owns every database touch of the bus: it opens
// connections, begins transactions at the configured isolation level,
// introspects INFORMATION_SCHEMA, and emits idempotent DDL.
package conn

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/mysqlbus/mysqlbus"
)

// Provider hands out Conns, each wrapping its own transaction. A Conn is
// used by exactly one operation; MySQL client connections do not support
// concurrent statements.
type Provider struct {
	db        *sql.DB
	ownsDB    bool
	isolation sql.IsolationLevel
	logger    mysqlbus.Logger
}

// Option customizes a Provider.
type Option func(*Provider)

// WithIsolationLevel overrides the default repeatable read.
func WithIsolationLevel(level sql.IsolationLevel) Option {
	return func(p *Provider) {
		p.isolation = level
	}
}

// WithLogger routes provider logs; the default discards them.
func WithLogger(logger mysqlbus.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProvider opens a pool for the given DSN. The DSN must allow user
// variables (the conditional DDL uses them); parseTime and loc=UTC are
// appended when absent.
func NewProvider(dsn string, opts ...Option) (*Provider, error) {
	db, err := sql.Open("mysql", normalizeDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("mysqlbus: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	p := newProvider(db, opts...)
	p.ownsDB = true
	return p, nil
}

// NewProviderFromDB wraps an existing pool the caller keeps ownership of.
func NewProviderFromDB(db *sql.DB, opts ...Option) *Provider {
	return newProvider(db, opts...)
}

func newProvider(db *sql.DB, opts ...Option) *Provider {
	p := &Provider{
		db:        db,
		isolation: sql.LevelRepeatableRead,
		logger:    mysqlbus.NopLogger{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// normalizeDSN appends the driver parameters this layer depends on when
// the caller left them out.
func normalizeDSN(dsn string) string {
	appendParam := func(dsn, param string) string {
		if strings.Contains(dsn, strings.SplitN(param, "=", 2)[0]+"=") {
			return dsn
		}
		if strings.Contains(dsn, "?") {
			return dsn + "&" + param
		}
		return dsn + "?" + param
	}
	dsn = appendParam(dsn, "parseTime=true")
	dsn = appendParam(dsn, "loc=UTC")
	return dsn
}

// Open begins a transaction at the provider's isolation level and returns
// it wrapped in a Conn. Complete commits; Close without Complete rolls
// back.
func (p *Provider) Open(ctx context.Context) (*Conn, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: p.isolation})
	if err != nil {
		return nil, fmt.Errorf("mysqlbus: failed to begin transaction: %w", err)
	}
	return &Conn{tx: tx, owned: true, logger: p.logger}, nil
}

// FromTx enlists in a transaction owned by the caller (the ambient
// transaction mode). Complete is a no-op; the owner commits.
func (p *Provider) FromTx(tx *sql.Tx) *Conn {
	return &Conn{tx: tx, owned: false, logger: p.logger}
}

// DB exposes the underlying pool for test setup and teardown.
func (p *Provider) DB() *sql.DB {
	return p.db
}

// Close releases the pool if this provider opened it.
func (p *Provider) Close() error {
	if !p.ownsDB {
		return nil
	}
	return p.db.Close()
}
