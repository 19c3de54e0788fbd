// Package database owns the PostgreSQL connection pool, transaction
// helpers and the versioned migration sequence.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/sirupsen/logrus"
)

// Queryer is the read/write surface shared by *sql.DB and *sql.Tx.
// Stores accept it so the same query code runs inside or outside a
// transaction, and tests can substitute fakes.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Database wraps the shared connection pool.
type Database struct {
	db *sql.DB
}

// Connect opens the pool against the given connection string and
// verifies connectivity. Pool sizing follows the number of CPUs:
// min idle = NumCPU, max open = 2 x NumCPU.
func Connect(connString string) (*Database, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	numCPU := runtime.NumCPU()
	db.SetMaxIdleConns(numCPU)
	db.SetMaxOpenConns(2 * numCPU)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"max_open": 2 * numCPU,
		"max_idle": numCPU,
	}).Info("database pool ready")

	return &Database{db: db}, nil
}

// DB exposes the raw pool for read paths that do not need a transaction.
func (d *Database) DB() *sql.DB { return d.db }

// Ping checks connectivity; used by the health endpoint.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *Database) Close() error { return d.db.Close() }

// Tx is a transaction plus a list of callbacks to run once the
// transaction has committed. In-memory caches register their
// promotions here so entries staged during a transaction never
// become visible when the transaction rolls back.
type Tx struct {
	*sql.Tx
	onCommit []func()
}

// OnCommit registers fn to run after a successful commit. Callbacks
// run in registration order.
func (t *Tx) OnCommit(fn func()) {
	t.onCommit = append(t.onCommit, fn)
}

// InTransaction runs fn inside a transaction, committing when fn
// returns nil and rolling back otherwise. OnCommit callbacks fire
// only after the commit succeeds. The rollback error is swallowed
// deliberately; fn's error is the one that matters.
func (d *Database) InTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	tx := &Tx{Tx: sqlTx}
	if err := fn(tx); err != nil {
		sqlTx.Rollback()
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	for _, fn := range tx.onCommit {
		fn()
	}
	return nil
}
