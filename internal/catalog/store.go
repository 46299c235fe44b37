// Package catalog owns the relational store shared by the scanner, the
// dispatch path, and the query surface. It runs on SQLite for single-host
// deployments and PostgreSQL for shared ones; upper layers write one SQL
// dialect and the store normalizes placeholders and timestamps.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/tt1a44a/modelnet/internal/config"
	apperrors "github.com/tt1a44a/modelnet/internal/errors"
)

const (
	// Server-side budget for any single statement.
	statementTimeout = 10 * time.Second

	// Connection acquisition retries with 1s, 2s, 4s waits.
	acquireRetries = 3
	acquireBackoff = time.Second
)

// Store wraps the connection pool and is the only component that touches
// the database.
type Store struct {
	mu       sync.Mutex
	db       *sql.DB
	driver   string
	dsn      string
	dialect  Dialect
	minConns int
	maxConns int

	acquireTimeout time.Duration
}

// Open connects to the configured backend, applies pool bounds, and ensures
// the schema exists.
func Open(ctx context.Context, cfg *config.Config) (*Store, error) {
	s := &Store{
		minConns:       cfg.DBMinConnections,
		maxConns:       cfg.DBMaxConnections,
		acquireTimeout: cfg.DBConnectTimeout,
	}

	switch cfg.DatabaseType {
	case config.DatabasePostgres:
		s.driver = "pgx"
		s.dialect = DialectPostgres
		s.dsn = postgresDSN(cfg)
	default:
		s.driver = "sqlite"
		s.dialect = DialectSQLite
		dsn, err := sqliteDSN(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		s.dsn = dsn
	}

	if err := s.initPool(); err != nil {
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		closeErr := s.Close()
		if closeErr != nil {
			return nil, errors.Join(err, closeErr)
		}
		return nil, err
	}

	log.Info().
		Str("backend", s.dialect.String()).
		Int("min_connections", s.minConns).
		Int("max_connections", s.maxConns).
		Msg("Catalog store ready")
	return s, nil
}

// MaxConns reports the configured pool ceiling. The scan controller caps
// its worker count against it.
func (s *Store) MaxConns() int {
	return s.maxConns
}

// Dialect reports which SQL backend is active.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Close releases the pool.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) initPool() error {
	db, err := sql.Open(s.driver, s.dsn)
	if err != nil {
		return apperrors.Store("open_pool", "", nil, err)
	}
	db.SetMaxOpenConns(s.maxConns)
	db.SetMaxIdleConns(s.minConns)
	db.SetConnMaxLifetime(time.Hour)

	s.mu.Lock()
	s.db = db
	s.mu.Unlock()
	return nil
}

func (s *Store) handle() *sql.DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db
}

// reinit drops the current pool and opens a fresh one against the same DSN.
func (s *Store) reinit() error {
	s.mu.Lock()
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			log.Warn().Err(err).Msg("Closing stale catalog pool failed")
		}
		s.db = nil
	}
	s.mu.Unlock()
	return s.initPool()
}

// acquire checks a connection out of the pool, retrying with backoff before
// surfacing pool exhaustion.
func (s *Store) acquire(ctx context.Context, op string) (*sql.Conn, error) {
	var lastErr error
	for attempt := 0; attempt <= acquireRetries; attempt++ {
		if attempt > 0 {
			delay := acquireBackoff << (attempt - 1)
			log.Debug().
				Str("op", op).
				Dur("wait", delay).
				Int("attempt", attempt).
				Msg("Catalog connection busy, backing off")
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, apperrors.Store(op, "", nil, ctx.Err())
			case <-timer.C:
			}
		}

		acquireCtx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
		conn, err := s.handle().Conn(acquireCtx)
		cancel()
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, apperrors.Store(op, "", nil,
		fmt.Errorf("%w after %d attempts: %v", apperrors.ErrPoolExhausted, acquireRetries+1, lastErr))
}

func (s *Store) withConn(ctx context.Context, op string, fn func(conn *sql.Conn) error) error {
	conn, err := s.acquire(ctx, op)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(conn)
}

// Exec runs a write statement and returns the affected-row count.
func (s *Store) Exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	var affected int64
	err := s.withConn(ctx, "exec", func(conn *sql.Conn) error {
		stmtCtx, cancel := context.WithTimeout(ctx, statementTimeout)
		defer cancel()
		res, err := conn.ExecContext(stmtCtx, s.dialect.Rewrite(stmt), args...)
		if err != nil {
			return apperrors.Store("exec", stmt, args, err)
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}

// FetchOne runs a query expected to match at most one row and scans it into
// dest. A miss returns a NotFound outcome, not a store failure.
func (s *Store) FetchOne(ctx context.Context, stmt string, args []any, dest ...any) error {
	return s.withConn(ctx, "fetch_one", func(conn *sql.Conn) error {
		stmtCtx, cancel := context.WithTimeout(ctx, statementTimeout)
		defer cancel()
		err := conn.QueryRowContext(stmtCtx, s.dialect.Rewrite(stmt), args...).Scan(dest...)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("fetch_one", "")
		}
		if err != nil {
			return apperrors.Store("fetch_one", stmt, args, err)
		}
		return nil
	})
}

// fetchRow runs a single-row query and hands the raw row to scan. Used by
// typed loaders whose scans involve nullable conversions.
func (s *Store) fetchRow(ctx context.Context, stmt string, args []any, scan func(row *sql.Row) error) error {
	return s.withConn(ctx, "fetch_one", func(conn *sql.Conn) error {
		stmtCtx, cancel := context.WithTimeout(ctx, statementTimeout)
		defer cancel()
		err := scan(conn.QueryRowContext(stmtCtx, s.dialect.Rewrite(stmt), args...))
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("fetch_one", "")
		}
		if err != nil {
			return apperrors.Store("fetch_one", stmt, args, err)
		}
		return nil
	})
}

// FetchAll runs a query and invokes scan once per row.
func (s *Store) FetchAll(ctx context.Context, stmt string, args []any, scan func(rows *sql.Rows) error) error {
	return s.withConn(ctx, "fetch_all", func(conn *sql.Conn) error {
		stmtCtx, cancel := context.WithTimeout(ctx, statementTimeout)
		defer cancel()
		rows, err := conn.QueryContext(stmtCtx, s.dialect.Rewrite(stmt), args...)
		if err != nil {
			return apperrors.Store("fetch_all", stmt, args, err)
		}
		defer rows.Close()
		for rows.Next() {
			if err := scan(rows); err != nil {
				return err
			}
		}
		if err := rows.Err(); err != nil {
			return apperrors.Store("fetch_all", stmt, args, err)
		}
		return nil
	})
}

// Tx is a transaction-scoped view of the store. Writes that touch more than
// one table go through one Tx.
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
}

// Transaction runs fn inside a single transaction on one pooled connection,
// committing on clean return and rolling back on any failure.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	conn, err := s.acquire(ctx, "transaction")
	if err != nil {
		return err
	}
	defer conn.Close()

	sqlTx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Store("begin_transaction", "", nil, err)
	}

	if err := fn(&Tx{tx: sqlTx, dialect: s.dialect}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Error().Err(rbErr).Msg("Catalog rollback failed")
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return apperrors.Store("commit_transaction", "", nil, err)
	}
	return nil
}

// Exec mirrors Store.Exec inside the transaction.
func (t *Tx) Exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	stmtCtx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()
	res, err := t.tx.ExecContext(stmtCtx, t.dialect.Rewrite(stmt), args...)
	if err != nil {
		return 0, apperrors.Store("tx_exec", stmt, args, err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

// FetchOne mirrors Store.FetchOne inside the transaction.
func (t *Tx) FetchOne(ctx context.Context, stmt string, args []any, dest ...any) error {
	stmtCtx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()
	err := t.tx.QueryRowContext(stmtCtx, t.dialect.Rewrite(stmt), args...).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NotFound("tx_fetch_one", "")
	}
	if err != nil {
		return apperrors.Store("tx_fetch_one", stmt, args, err)
	}
	return nil
}

// FetchAll mirrors Store.FetchAll inside the transaction.
func (t *Tx) FetchAll(ctx context.Context, stmt string, args []any, scan func(rows *sql.Rows) error) error {
	stmtCtx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()
	rows, err := t.tx.QueryContext(stmtCtx, t.dialect.Rewrite(stmt), args...)
	if err != nil {
		return apperrors.Store("tx_fetch_all", stmt, args, err)
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return apperrors.Store("tx_fetch_all", stmt, args, err)
	}
	return nil
}

// KeepAlive verifies the pool with a trivial query. On failure it
// reinitialises the pool once and retries before surfacing the error.
func (s *Store) KeepAlive(ctx context.Context) error {
	err := s.ping(ctx)
	if err == nil {
		return nil
	}
	log.Warn().Err(err).Msg("Catalog health check failed, reinitialising pool")

	if err := s.reinit(); err != nil {
		return err
	}
	if err := s.ping(ctx); err != nil {
		return apperrors.Store("keep_alive", "SELECT 1", nil, err)
	}
	log.Info().Msg("Catalog pool reinitialised")
	return nil
}

func (s *Store) ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()
	var one int
	return s.handle().QueryRowContext(pingCtx, "SELECT 1").Scan(&one)
}

func sqliteDSN(path string) (string, error) {
	params := url.Values{
		"_pragma": []string{
			"busy_timeout(10000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}

	if path == ":memory:" {
		params.Set("cache", "shared")
		return "file::memory:?" + params.Encode(), nil
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", apperrors.Store("create_database_directory", "", nil, err)
		}
	}
	return path + "?" + params.Encode(), nil
}

func postgresDSN(cfg *config.Config) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword),
		Host:   net.JoinHostPort(cfg.PostgresHost, strconv.Itoa(cfg.PostgresPort)),
		Path:   "/" + cfg.PostgresDB,
	}
	q := url.Values{}
	q.Set("sslmode", "prefer")
	q.Set("connect_timeout", strconv.Itoa(int(cfg.DBConnectTimeout.Seconds())))
	// Server-side statement budget, matching the context deadline used on
	// every statement.
	q.Set("statement_timeout", strconv.Itoa(int(statementTimeout.Milliseconds())))
	u.RawQuery = q.Encode()
	return u.String()
}
