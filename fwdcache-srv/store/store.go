// Package store holds the database/sql plumbing shared by the request log and
// the filter tables: opening SQLite or PostgreSQL, creating the schema,
// placeholder rebinding and retrying writes that hit a locked database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/codefionn/fwdcache/fwdcache-srv/config"
	"github.com/codefionn/fwdcache/fwdcache-srv/logger"
)

// Driver names as registered with database/sql.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Retry policy for statements that fail because the database is locked.
const (
	DefaultMaxAttempts = 5
	DefaultRetryDelay  = 100 * time.Millisecond
)

// DB wraps a *sql.DB with the dialect it talks to.
type DB struct {
	db          *sql.DB
	driver      string
	maxAttempts int
	retryDelay  time.Duration
}

// Option adjusts a DB after it was opened.
type Option func(*DB)

// WithRetry overrides the attempt count and the delay between attempts.
func WithRetry(maxAttempts int, delay time.Duration) Option {
	return func(d *DB) {
		if maxAttempts < 1 {
			maxAttempts = 1
		}
		d.maxAttempts = maxAttempts
		d.retryDelay = delay
	}
}

// Open opens the database described by cfg and creates the log schema.
func Open(cfg config.DatabaseConfig, opts ...Option) (*DB, error) {
	switch cfg.Driver {
	case config.DatabaseDriverSQLite, "":
		return OpenSQLite(cfg.SQLitePath, opts...)
	case config.DatabaseDriverPostgres:
		return OpenPostgres(cfg.PostgresDSN, opts...)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// OpenSQLite opens (or creates) a SQLite database file in WAL mode with
// foreign keys enforced, and initializes the schema.
func OpenSQLite(path string, opts ...Option) (*DB, error) {
	dsn := path + "?_foreign_keys=on&_busy_timeout=5000"
	db, err := sql.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	d := newDB(db, DriverSQLite, opts)
	if err := d.InitSchema(context.Background(), LogSchema()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized database sqlite (%s)", path)
	return d, nil
}

// OpenPostgres connects to PostgreSQL and initializes the schema.
func OpenPostgres(dsn string, opts ...Option) (*DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	d := newDB(db, DriverPostgres, opts)
	if err := d.InitSchema(context.Background(), LogSchema()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized database postgresql")
	return d, nil
}

func newDB(db *sql.DB, driver string, opts []Option) *DB {
	d := &DB{
		db:          db,
		driver:      driver,
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Driver returns the database/sql driver name.
func (d *DB) Driver() string {
	return d.driver
}

// SQL exposes the underlying pool.
func (d *DB) SQL() *sql.DB {
	return d.db
}

// Ping checks that the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// Rebind rewrites '?' placeholders to the dialect's form. PostgreSQL uses
// $1, $2, ...; SQLite keeps '?'. Placeholders inside quoted literals are left
// alone.
func (d *DB) Rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for _, r := range query {
		switch {
		case r == '\'':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Exec runs a statement, retrying while the database reports it is locked.
func (d *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	query = d.Rebind(query)
	var result sql.Result
	err := d.withRetry(ctx, func() error {
		var err error
		result, err = d.db.ExecContext(ctx, query, args...)
		return err
	})
	return result, err
}

// InsertReturningID runs an INSERT and returns the generated id column.
func (d *DB) InsertReturningID(ctx context.Context, query string, args ...any) (int64, error) {
	if d.driver == DriverPostgres {
		var id int64
		err := d.ScanRow(ctx, query+" RETURNING id", args, &id)
		return id, err
	}

	result, err := d.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get inserted id: %w", err)
	}
	return id, nil
}

// ScanRow runs a single-row query and scans it into dest. sql.ErrNoRows is
// returned unchanged.
func (d *DB) ScanRow(ctx context.Context, query string, args []any, dest ...any) error {
	query = d.Rebind(query)
	return d.withRetry(ctx, func() error {
		return d.db.QueryRowContext(ctx, query, args...).Scan(dest...)
	})
}

// Query runs a query, retrying while the database is locked. The caller
// closes the returned rows.
func (d *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	query = d.Rebind(query)
	var rows *sql.Rows
	err := d.withRetry(ctx, func() error {
		var err error
		rows, err = d.db.QueryContext(ctx, query, args...)
		return err
	})
	return rows, err
}

func (d *DB) withRetry(ctx context.Context, op func() error) error {
	attempt := 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(d.retryDelay), uint64(d.maxAttempts-1)),
		ctx,
	)

	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		logger.Warn("Database busy, attempt %d/%d: %v", attempt, d.maxAttempts, err)
		return err
	}, policy)
}

// IsRetryable reports whether err means the database is temporarily locked.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03": // serialization_failure, deadlock_detected, lock_not_available
			return true
		}
		return false
	}

	return strings.Contains(err.Error(), "database is locked")
}
