// Package db opens the tool's relational store and applies its schema.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// DB wraps *sql.DB with the driver it was opened with.
type DB struct {
	SQL    *sql.DB
	Driver Driver
}

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ParseDriver maps common aliases to a Driver.
func ParseDriver(s string) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sqlite", "sqlite3":
		return DriverSQLite, nil
	case "postgres", "pg", "pgx", "pgsql":
		return DriverPostgres, nil
	}
	return "", fmt.Errorf("db: unsupported driver %q", s)
}

// Connect opens the database, tunes the pool, applies SQLite pragmas and
// verifies connectivity. It does not touch the schema; call Up for that.
func Connect(ctx context.Context, driver Driver, dsn string) (*DB, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite"
		if dsn == "" {
			dsn = "file:ltitool.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		drvName = "pgx"
		if dsn == "" {
			dsn = "postgres://localhost:5432/ltitool?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", driver)
	}

	sqldb, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, fmt.Errorf("db: open: %w", err)
	}
	tunePool(driver, sqldb)

	if err := sqldb.PingContext(ctx); err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}
	if driver == DriverSQLite {
		if err := applySQLitePragmas(ctx, sqldb); err != nil {
			_ = sqldb.Close()
			return nil, err
		}
	}
	return &DB{SQL: sqldb, Driver: driver}, nil
}

// Open connects and applies the schema.
func Open(ctx context.Context, driver Driver, dsn string) (*DB, error) {
	d, err := Connect(ctx, driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := Up(ctx, d); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) Close() error {
	if d == nil || d.SQL == nil {
		return nil
	}
	return d.SQL.Close()
}

func (d *DB) Ping(ctx context.Context) error {
	if d == nil || d.SQL == nil {
		return errors.New("db: nil database")
	}
	return d.SQL.PingContext(ctx)
}

// WithTx runs fn in a transaction, committing when fn returns nil.
// With SQLite the pool holds a single connection, so fn must only use tx.
func WithTx(ctx context.Context, d *DB, opts *sql.TxOptions, fn func(*sql.Tx) error) (err error) {
	if d == nil || d.SQL == nil {
		return errors.New("db: nil database")
	}
	tx, err := d.SQL.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("db: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if e := tx.Commit(); e != nil {
			err = fmt.Errorf("db: commit: %w", e)
		}
	}()
	err = fn(tx)
	return
}

func tunePool(driver Driver, db *sql.DB) {
	maxOpen, maxIdle := 20, 10
	connLife, idleLife := 45*time.Minute, 15*time.Minute
	if driver == DriverSQLite {
		// single writer
		maxOpen, maxIdle = 1, 1
		connLife, idleLife = 0, 0
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(connLife)
	db.SetConnMaxIdleTime(idleLife)
}

func applySQLitePragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA temp_store = MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("db: sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}
