// ============================================================================
// printwatch reconciliation store
// ============================================================================
//
// Package: internal/store
// File: store.go
// Purpose: Single source of truth for job records, authorization records,
//          the per-user quota ledger and device records.
//
// Pools:
//   jobs_unmatched  -> observed from the vendor cloud, not yet paired
//   jobs_current    -> matched with an authorization, quota debited
//   jobs_archived   -> terminal (EXPIRED / SUCCEEDED / FAILED / CANCELED)
//
//   auth_unmatched  -> submitted, waiting for a job
//   auth_archived   -> consumed by a job (matched) or expired
//
// Every pool transition runs inside one IMMEDIATE transaction, so a job id
// is always in exactly one job table and an authorization row is consumed
// at most once. SQLite serializes writers; telemetry writes and loop writes
// to the same device row never interleave.
//
// Storage:
//   zombiezen.com/go/sqlite connection pool in WAL mode. Times are stored
//   as unix seconds, materials and telemetry as JSON text.
//
// ============================================================================

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ChuLiYu/printwatch/internal/clock"
)

var (
	// ErrJobNotFound is returned when a job id is not in the pool an
	// operation expects it in.
	ErrJobNotFound = errors.New("job not found")
	// ErrAuthorizationNotFound is returned when an authorization row is
	// missing or already archived.
	ErrAuthorizationNotFound = errors.New("authorization not found")
	// ErrDuplicate is returned by AddJob/AddAuthorization for ids that were
	// already ingested.
	ErrDuplicate = errors.New("record already exists")
	// ErrQuotaExceeded is returned by Match when the claiming user's balance
	// is below the job's weight. Nothing is changed.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrDeviceNotFound is returned for unknown device names.
	ErrDeviceNotFound = errors.New("device not found")
)

// Config holds the parameters for opening a Store.
type Config struct {
	// Path to the SQLite database file. ":memory:" requires PoolSize 1.
	Path     string
	PoolSize int

	Clock  clock.Clock
	Quota  QuotaPolicy
	Logger *slog.Logger
}

// Store is the transactional reconciliation store. Safe for concurrent use.
type Store struct {
	pool   *sqlitex.Pool
	clock  clock.Clock
	quota  QuotaPolicy
	logger *slog.Logger
	path   string
}

// Open creates the connection pool, applies the standard pragmas and
// creates the schema if needed.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: Path is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "store")
	}
	if cfg.Quota.Period == nil {
		cfg.Quota.Period = QuarterPeriod
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", cfg.Path, err)
	}

	s := &Store{
		pool:   pool,
		clock:  cfg.Clock,
		quota:  cfg.Quota,
		logger: cfg.Logger,
		path:   cfg.Path,
	}

	if err := s.migrate(); err != nil {
		pool.Close()
		return nil, err
	}

	s.logger.Info("store opened", "path", cfg.Path, "pool_size", poolSize)
	return s, nil
}

// Close closes the pool. Blocks until every borrowed connection is returned.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("store: closing %s: %w", s.path, err)
	}
	s.logger.Info("store closed", "path", s.path)
	return nil
}

// Quota returns the policy the store was opened with.
func (s *Store) Quota() QuotaPolicy { return s.quota }

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	return nil
}

// SchemaVersion is stored in PRAGMA user_version and stamped on fleet
// snapshots.
const SchemaVersion = 1

// The three job tables share one column layout so a pool move is a plain
// INSERT ... SELECT followed by a DELETE.
const jobColumns = `
	id           TEXT PRIMARY KEY,
	device       TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	cover        TEXT NOT NULL DEFAULT '',
	start_time   INTEGER NOT NULL,
	end_time     INTEGER NOT NULL,
	weight       REAL NOT NULL DEFAULT 0,
	materials    TEXT NOT NULL DEFAULT '[]',
	user         TEXT NOT NULL DEFAULT '',
	auth_row     INTEGER,
	debited      REAL NOT NULL DEFAULT 0,
	debit_period TEXT NOT NULL DEFAULT ''`

const schema = `
CREATE TABLE IF NOT EXISTS jobs_unmatched (` + jobColumns + `
);
CREATE INDEX IF NOT EXISTS jobs_unmatched_start ON jobs_unmatched(start_time);

CREATE TABLE IF NOT EXISTS jobs_current (` + jobColumns + `
);
CREATE INDEX IF NOT EXISTS jobs_current_device ON jobs_current(device, start_time);

CREATE TABLE IF NOT EXISTS jobs_archived (` + jobColumns + `,
	status       TEXT NOT NULL,
	archived_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_archived_at ON jobs_archived(archived_at);

CREATE TABLE IF NOT EXISTS auth_unmatched (
	row_id       INTEGER PRIMARY KEY,
	submitted_at INTEGER NOT NULL,
	device       TEXT NOT NULL,
	user         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_archived (
	row_id       INTEGER PRIMARY KEY,
	submitted_at INTEGER NOT NULL,
	device       TEXT NOT NULL,
	user         TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	job_id       TEXT NOT NULL DEFAULT '',
	archived_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS quota_ledger (
	user    TEXT NOT NULL,
	period  TEXT NOT NULL,
	balance REAL NOT NULL,
	PRIMARY KEY (user, period)
);

CREATE TABLE IF NOT EXISTS devices (
	name       TEXT PRIMARY KEY,
	serial     TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'OFFLINE',
	job_id     TEXT NOT NULL DEFAULT '',
	user       TEXT NOT NULL DEFAULT '',
	telemetry  TEXT,
	updated_at INTEGER NOT NULL DEFAULT 0
);
`

func (s *Store) migrate() error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("store: creating schema: %w", err)
	}
	if err := sqlitex.ExecuteTransient(conn, fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion), nil); err != nil {
		return fmt.Errorf("store: setting schema version: %w", err)
	}
	return nil
}

// take borrows a connection; callers must defer s.pool.Put(conn).
func (s *Store) take(ctx context.Context, op string) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: %s: %w", op, err)
	}
	return conn, nil
}

// count runs a single-value COUNT query.
func count(conn *sqlite.Conn, query string, args ...any) (int, error) {
	var n int
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt(0)
			return nil
		},
	})
	return n, err
}
