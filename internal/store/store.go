// Package store persists stacks and agents in PostgreSQL or SQLite through
// database/sql. The schema is the same on both backends; timestamps are
// stored as fixed-width UTC text so they sort lexically.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/agentplatform/stack-agent-manager/internal/errdefs"
)

// timeLayout is fixed width so text comparison matches time order.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// DefaultDSN is a SQLite file relative to the working directory.
const DefaultDSN = "./data/stack-agent-manager.db"

// Store is the persistence layer for stacks and agents.
type Store struct {
	db         *sql.DB
	isPostgres bool
	logger     zerolog.Logger
	now        func() time.Time
}

// Config configures Open.
type Config struct {
	// DSN selects the backend: postgres:// or postgresql:// URLs use pgx,
	// anything else is a SQLite file path.
	DSN string
	// MaxOpenConns bounds the PostgreSQL pool. SQLite always uses one
	// connection.
	MaxOpenConns int
}

// IsPostgres reports whether the DSN selects PostgreSQL.
func IsPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// Open connects to the database and verifies the connection. It does not
// create the schema; call Migrate for that.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*Store, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = DefaultDSN
	}
	isPostgres := IsPostgres(dsn)

	var db *sql.DB
	var err error
	if isPostgres {
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
	} else {
		dir := filepath.Dir(dsn)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		db, err = sql.Open("sqlite", sqliteDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// A single connection serializes writers and keeps the per-connection
		// pragmas in force.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping database: %w", errdefs.ErrTransient, err)
	}

	backend := "sqlite"
	if isPostgres {
		backend = "postgres"
	}
	logger.Info().Str("backend", backend).Msg("connected to database")

	return &Store{
		db:         db,
		isPostgres: isPostgres,
		logger:     logger.With().Str("component", "store").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// IsPostgres reports whether the store is backed by PostgreSQL.
func (s *Store) IsPostgres() bool { return s.isPostgres }

// Migrate creates the schema. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS stacks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		namespace TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		status_reason TEXT,
		delete_requested_at TEXT,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_by TEXT,
		updated_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stacks_created_by ON stacks (created_by)`,
	`CREATE INDEX IF NOT EXISTS idx_stacks_status ON stacks (status)`,
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		stack_id TEXT NOT NULL REFERENCES stacks (id) ON DELETE RESTRICT,
		name TEXT NOT NULL,
		description TEXT,
		status TEXT NOT NULL,
		status_reason TEXT,
		graph_id TEXT,
		graph_slug TEXT NOT NULL DEFAULT '',
		api_url TEXT,
		ui_url TEXT,
		disk_path TEXT NOT NULL UNIQUE,
		delete_requested_at TEXT,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_by TEXT,
		updated_at TEXT,
		UNIQUE (stack_id, name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_stack_id ON agents (stack_id)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_status ON agents (status)`,
	// Leases on "stack/<id>" and "agent/<id>" held by the replica driving
	// that entity's lifecycle operation.
	`CREATE TABLE IF NOT EXISTS claims (
		resource TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		expires_at TEXT NOT NULL
	)`,
}

// HasTransitional reports whether any stack or agent is owned by an
// in-flight lifecycle operation.
func (s *Store) HasTransitional(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT
		(SELECT COUNT(*) FROM stacks WHERE status IN (?, ?)) +
		(SELECT COUNT(*) FROM agents WHERE status IN (?, ?, ?))`),
		"creating", "deleting", "pending", "deploying", "deleting",
	).Scan(&n)
	if err != nil {
		return false, s.classify(err)
	}
	return n > 0, nil
}

// rebind rewrites ? placeholders into $N placeholders for PostgreSQL.
func (s *Store) rebind(query string) string {
	return rebind(s.isPostgres, query)
}

func rebind(isPostgres bool, query string) string {
	if !isPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// placeholders returns "?, ?, ?" for n values.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// classify maps driver errors onto errdefs classes.
func (s *Store) classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", errdefs.ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", errdefs.ErrConflict, pgErr.Detail)
		case "23503":
			return fmt.Errorf("%w: %s", errdefs.ErrConflict, pgErr.Message)
		case "40001", "40P01", "57P01":
			return fmt.Errorf("%w: %w", errdefs.ErrTransient, err)
		}
		return err
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_CONSTRAINT:
			return fmt.Errorf("%w: %s", errdefs.ErrConflict, sqliteErr.Error())
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %w", errdefs.ErrTransient, err)
		}
	}
	return err
}

func (s *Store) formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(timeLayout, v)
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func reasonValue(reason string) sql.NullString {
	if reason == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: reason, Valid: true}
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// escapeLike escapes LIKE wildcards in a user supplied search term.
func escapeLike(term string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(term)
}

type scanner interface {
	Scan(dest ...any) error
}
