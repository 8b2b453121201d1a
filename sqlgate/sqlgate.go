/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package sqlgate routes database calls through a bounded-concurrency gate
// to protect the connection pool from unbounded fan-out of concurrent callers.
package sqlgate

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/jmoiron/sqlx"

	"github.com/acronis/go-concurrency/gate"
)

// DefaultSlowWaitThreshold is a default gate admission wait duration
// after which the wait is logged as slow.
const DefaultSlowWaitThreshold = time.Second

// DB wraps sqlx.DB so that every database call passes through a gate.Gate.
// A slot is held for the whole duration of a call; for transactions and row
// iteration the slot is held until Commit/Rollback or Rows.Close respectively.
type DB struct {
	db                *sqlx.DB
	gate              *gate.Gate
	logger            log.FieldLogger
	slowWaitThreshold time.Duration
}

// Option is a functional option for the DB.
type Option func(*DB)

// WithLogger returns an Option that sets a logger for reporting slow gate admission waits.
// Without a logger the wrapper stays silent.
func WithLogger(logger log.FieldLogger) Option {
	return func(d *DB) {
		d.logger = logger
	}
}

// WithSlowWaitThreshold returns an Option that overrides DefaultSlowWaitThreshold.
func WithSlowWaitThreshold(threshold time.Duration) Option {
	return func(d *DB) {
		d.slowWaitThreshold = threshold
	}
}

// New creates a new DB wrapping the passed sqlx.DB.
func New(db *sqlx.DB, g *gate.Gate, options ...Option) *DB {
	d := &DB{db: db, gate: g, slowWaitThreshold: DefaultSlowWaitThreshold}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// Unwrap returns the underlying sqlx.DB. Calls made on it bypass the gate.
func (d *DB) Unwrap() *sqlx.DB {
	return d.db
}

// Stats returns a snapshot of the underlying gate state.
func (d *DB) Stats() gate.Stats {
	return d.gate.Stats()
}

func (d *DB) acquire(ctx context.Context) error {
	start := time.Now()
	if err := d.gate.Acquire(ctx); err != nil {
		return err
	}
	if d.logger != nil {
		if wait := time.Since(start); wait >= d.slowWaitThreshold {
			d.logger.Warn("database call waited too long for gate admission",
				log.DurationIn(wait, time.Millisecond))
		}
	}
	return nil
}

// PingContext verifies the database connection through the gate.
func (d *DB) PingContext(ctx context.Context) error {
	if err := d.acquire(ctx); err != nil {
		return err
	}
	defer d.gate.Release()
	return d.db.PingContext(ctx)
}

// ExecContext executes a query through the gate.
func (d *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if err := d.acquire(ctx); err != nil {
		return nil, err
	}
	defer d.gate.Release()
	return d.db.ExecContext(ctx, query, args...)
}

// NamedExecContext executes a named query through the gate.
func (d *DB) NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error) {
	if err := d.acquire(ctx); err != nil {
		return nil, err
	}
	defer d.gate.Release()
	return d.db.NamedExecContext(ctx, query, arg)
}

// GetContext runs the query through the gate and scans the single resulting row into dest.
func (d *DB) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	if err := d.acquire(ctx); err != nil {
		return err
	}
	defer d.gate.Release()
	return d.db.GetContext(ctx, dest, query, args...)
}

// SelectContext runs the query through the gate and scans the resulting rows into dest.
func (d *DB) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	if err := d.acquire(ctx); err != nil {
		return err
	}
	defer d.gate.Release()
	return d.db.SelectContext(ctx, dest, query, args...)
}

// QueryxContext runs the query through the gate. The slot is held until the
// returned Rows are closed, as the underlying connection is busy until then.
func (d *DB) QueryxContext(ctx context.Context, query string, args ...interface{}) (*Rows, error) {
	if err := d.acquire(ctx); err != nil {
		return nil, err
	}
	rows, err := d.db.QueryxContext(ctx, query, args...)
	if err != nil {
		d.gate.Release()
		return nil, err
	}
	return &Rows{Rows: rows, release: d.releaseOnce()}, nil
}

// QueryRowxContext runs the query through the gate. The slot is held until the
// returned Row is scanned, as the underlying connection is busy until then.
func (d *DB) QueryRowxContext(ctx context.Context, query string, args ...interface{}) *Row {
	if err := d.acquire(ctx); err != nil {
		return &Row{err: err, release: func() {}}
	}
	return &Row{row: d.db.QueryRowxContext(ctx, query, args...), release: d.releaseOnce()}
}

// BeginTxx starts a transaction through the gate. The slot is held until the
// transaction is committed or rolled back.
func (d *DB) BeginTxx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	if err := d.acquire(ctx); err != nil {
		return nil, err
	}
	tx, err := d.db.BeginTxx(ctx, opts)
	if err != nil {
		d.gate.Release()
		return nil, err
	}
	return &Tx{Tx: tx, release: d.releaseOnce()}, nil
}

func (d *DB) releaseOnce() func() {
	var once sync.Once
	return func() {
		once.Do(d.gate.Release)
	}
}

// Rows is an sqlx.Rows wrapper that releases the gate slot on Close.
type Rows struct {
	*sqlx.Rows
	release func()
}

// Close closes the rows and releases the gate slot held by the originating query.
func (r *Rows) Close() error {
	defer r.release()
	return r.Rows.Close()
}

// Row is an sqlx.Row wrapper that releases the gate slot once the row is scanned.
// If admission failed, the error is reported by Scan and Err.
type Row struct {
	row     *sqlx.Row
	err     error
	release func()
}

// Scan scans the row into dest and releases the gate slot held by the originating query.
func (r *Row) Scan(dest ...interface{}) error {
	defer r.release()
	if r.err != nil {
		return r.err
	}
	return r.row.Scan(dest...)
}

// StructScan scans the row into the dest struct and releases the gate slot
// held by the originating query.
func (r *Row) StructScan(dest interface{}) error {
	defer r.release()
	if r.err != nil {
		return r.err
	}
	return r.row.StructScan(dest)
}

// Err returns the error, if any, that was encountered while running the query.
func (r *Row) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.row.Err()
}

// Tx is an sqlx.Tx wrapper that releases the gate slot when the transaction finishes.
type Tx struct {
	*sqlx.Tx
	release func()
}

// Commit commits the transaction and releases the gate slot.
func (t *Tx) Commit() error {
	defer t.release()
	return t.Tx.Commit()
}

// Rollback aborts the transaction and releases the gate slot.
// Safe to call after Commit in the usual defer tx.Rollback() pattern,
// the slot is released only once.
func (t *Tx) Rollback() error {
	defer t.release()
	return t.Tx.Rollback()
}
