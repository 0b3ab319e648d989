package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/basket/remindbot/internal/bus"
)

var (
	// ErrNotFound is returned when a conversation or task row does not exist
	// for the requested user.
	ErrNotFound = errors.New("persistence: not found")
	// ErrConflict is returned when a conversation was saved by someone else
	// since it was loaded.
	ErrConflict = errors.New("persistence: version conflict")
)

// sqliteTime is the textual layout used for every DATETIME column. All values
// are UTC so lexical and chronological order agree.
const sqliteTime = "2006-01-02 15:04:05"

type migration struct {
	version    int
	checksum   string
	statements []string
}

var migrations = []migration{
	{
		version:  1,
		checksum: "rb-v1-2026-09-02-initial",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS conversations_states (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id INTEGER NOT NULL UNIQUE,
				mode TEXT NOT NULL DEFAULT 'free'
					CHECK(mode IN ('free', 'creating_task', 'updating_task', 'deleting_task', 'reading_task')),
				payload TEXT
			);`,
			`CREATE TABLE IF NOT EXISTS tasks (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id INTEGER NOT NULL
					REFERENCES conversations_states(user_id) ON DELETE CASCADE ON UPDATE RESTRICT,
				status TEXT NOT NULL DEFAULT 'draft'
					CHECK(status IN ('draft', 'active', 'done', 'canceled', 'deleted')),
				title TEXT NOT NULL CHECK(length(title) <= 255),
				description TEXT CHECK(description IS NULL OR length(description) <= 1000),
				deadline_at DATETIME NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_user_status ON tasks(user_id, status);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_deadline_status ON tasks(deadline_at, status);`,
		},
	},
	{
		version:  2,
		checksum: "rb-v2-2026-09-20-conversation-version",
		statements: []string{
			`ALTER TABLE conversations_states ADD COLUMN version INTEGER NOT NULL DEFAULT 0;`,
			`ALTER TABLE conversations_states ADD COLUMN updated_at DATETIME;`,
		},
	},
}

func latestSchemaVersion() int {
	return migrations[len(migrations)-1].version
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ops holds the queries shared by Store and Tx. emit receives bus events;
// Store publishes them immediately, Tx defers them until commit.
type ops struct {
	q    querier
	emit func(topic string, payload any)
}

type Store struct {
	ops
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

// Tx is an open transaction. Its methods must not be mixed with Store
// methods inside the same InTx callback: the pool holds one connection.
type Tx struct {
	ops
	pending []bus.Event
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".remindbot", "remindbot.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	store.ops = ops{q: db, emit: eventBus.Publish}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// InTx runs fn in a single transaction. fn's error rolls everything back.
// Bus events raised inside fn are published only after a successful commit.
// The whole transaction is retried when SQLite reports BUSY, so fn must
// only touch the database through tx.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	var committed *Tx
	err := retryOnBusy(ctx, 5, func() error {
		sqlTx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		tx := &Tx{}
		tx.ops = ops{q: sqlTx, emit: func(topic string, payload any) {
			tx.pending = append(tx.pending, bus.Event{Topic: topic, Payload: payload})
		}}
		if err := fn(tx); err != nil {
			_ = sqlTx.Rollback()
			return err
		}
		if err := sqlTx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		committed = tx
		return nil
	})
	if err != nil {
		return err
	}
	for _, ev := range committed.pending {
		s.bus.Publish(ev.Topic, ev.Payload)
	}
	return nil
}

// SchemaVersion reports the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// ±25% jitter.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy reports whether err is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > latestSchemaVersion() {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, latestSchemaVersion())
	}

	for _, m := range migrations {
		if m.version <= maxVersion {
			var existing string
			if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, m.version).Scan(&existing); err != nil {
				return fmt.Errorf("read schema migration checksum v%d: %w", m.version, err)
			}
			if existing != m.checksum {
				return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", m.version, existing, m.checksum)
			}
			continue
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec migration v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`, m.version, m.checksum); err != nil {
			return fmt.Errorf("insert schema migration ledger: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(sqliteTime)
}
