// Package db is the Postgres implementation of the usage ledger, idempotency,
// approval, run, policy, org memory, plan and audit stores.
package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"taskpilot/internal/approvals"
	"taskpilot/internal/audit"
	"taskpilot/internal/entitlements"
	"taskpilot/internal/errs"
	"taskpilot/internal/idempotency"
	"taskpilot/internal/memory"
	"taskpilot/internal/pipeline"
	"taskpilot/internal/policy"
	"taskpilot/internal/ratelimit"
)

var (
	_ ratelimit.Ledger       = (*DB)(nil)
	_ idempotency.Store      = (*DB)(nil)
	_ approvals.Store        = (*DB)(nil)
	_ pipeline.RunStore      = (*DB)(nil)
	_ policy.Store           = (*DB)(nil)
	_ memory.Store           = (*DB)(nil)
	_ entitlements.PlanStore = (*DB)(nil)
	_ audit.Writer           = (*DB)(nil)
)

// ErrDuplicate reports an insert that hit a primary key.
var ErrDuplicate = errors.New("duplicate id")

const uniqueViolation = "23505"

type rowScanner interface {
	Scan(dest ...any) error
}

type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
}

type sqlDBWrapper struct {
	DB *sql.DB
}

func (w sqlDBWrapper) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return w.DB.ExecContext(ctx, query, args...)
}

func (w sqlDBWrapper) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return w.DB.QueryRowContext(ctx, query, args...)
}

type DB struct {
	conn dbConn
	raw  *sql.DB
	now  func() time.Time
}

type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

var openDB = sql.Open

func NewDB(dsn string) (*DB, error) {
	return NewDBWithPool(dsn, DefaultPoolConfig())
}

func NewDBWithPool(dsn string, pool PoolConfig) (*DB, error) {
	conn, err := openDB("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if pool.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		conn.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		conn.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	return &DB{conn: sqlDBWrapper{DB: conn}, raw: conn}, nil
}

func (d *DB) Close() error {
	if d == nil || d.raw == nil {
		return nil
	}
	return d.raw.Close()
}

func (d *DB) Conn() *sql.DB {
	if d == nil {
		return nil
	}
	return d.raw
}

// Ping backs the readiness check.
func (d *DB) Ping(ctx context.Context) error {
	if d == nil || d.raw == nil {
		return errors.New("db not initialized")
	}
	return d.raw.PingContext(ctx)
}

func (d *DB) clock() time.Time {
	if d.now != nil {
		return d.now().UTC()
	}
	return time.Now().UTC()
}

func (d *DB) ready() error {
	if d == nil || d.conn == nil {
		return errors.New("db not initialized")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

// notFound maps sql.ErrNoRows to errs.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errs.ErrNotFound
	}
	return err
}

func rowsAffected(res sql.Result) (int64, error) {
	if res == nil {
		return 0, nil
	}
	return res.RowsAffected()
}
