// Package sqlite is the durable store for settle.
// It owns accounts, lots, reservations and the append-only journal, and keeps
// the payout, daily-spend and reconciliation tables alongside them so every
// financial mutation commits in a single SQLite transaction.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tutu-network/settle/internal/clock"
)

// FileName is the database file created inside the data directory.
const FileName = "settle.db"

// DB wraps the SQLite handle.
type DB struct {
	db    *sql.DB
	path  string
	clock clock.Clock
}

// Option configures Open.
type Option func(*DB)

// WithClock overrides the wall clock (tests pin time with clock.Manual).
func WithClock(c clock.Clock) Option {
	return func(db *DB) { db.clock = c }
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open creates (or reuses) dir/settle.db and applies all migrations.
//
// WAL lets reconciliation read while writers commit; _txlock=immediate makes
// every transaction take the write lock up front so two finalizes never
// interleave their read-modify-write of the same lot.
func Open(dir string, opts ...Option) (*DB, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dir, FileName)
	dsn := "file:" + path +
		"?_pragma=busy_timeout(10000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_txlock=immediate"

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(8)

	db := &DB{db: sqlDB, path: path, clock: clock.System()}
	for _, opt := range opts {
		opt(db)
	}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the database handle.
func (db *DB) Close() error { return db.db.Close() }

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Ping checks connectivity.
func (db *DB) Ping(ctx context.Context) error { return db.db.PingContext(ctx) }

// migrate applies every schema statement. All statements are idempotent.
func (db *DB) migrate() error {
	var stmts []string
	stmts = append(stmts, LedgerMigrations()...)
	stmts = append(stmts, PayoutMigrations()...)
	stmts = append(stmts, BudgetMigrations()...)
	stmts = append(stmts, ReconcileMigrations()...)
	for _, stmt := range stmts {
		if _, err := db.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w\n%s", err, firstLine(stmt))
		}
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// ─── Transactions ───────────────────────────────────────────────────────────

// Tx is an open write transaction. Every method on Tx participates in the
// same commit; returning an error from the RunInTx callback rolls all of
// them back.
type Tx struct {
	tx  *sql.Tx
	db  *DB
	now time.Time
}

// Now is the single timestamp shared by every row written in this transaction.
func (t *Tx) Now() time.Time { return t.now }

// RunInTx runs fn inside one transaction, committing only if fn returns nil.
func (db *DB) RunInTx(ctx context.Context, fn func(*Tx) error) error {
	sqlTx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	tx := &Tx{tx: sqlTx, db: db, now: db.clock.Now().UTC()}
	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// IsMissingTable reports whether err came from a table that has not been
// migrated yet.
func IsMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return clock.Store(*t)
}

func parseStore(s string) time.Time {
	t, _ := clock.ParseStore(s)
	return t
}

func parseNullStore(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseStore(ns.String)
	return &t
}

func rowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}
