package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dwsmith1983/nightrun/internal/provider"
	"github.com/dwsmith1983/nightrun/pkg/types"
)

var _ provider.CacheStore = (*Store)(nil)

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store is the Postgres-backed content cache.
type Store struct {
	db DB
}

// Option configures the connection pool created by New.
type Option func(*pgxpool.Config)

// WithMaxConns caps the pool size.
func WithMaxConns(n int32) Option {
	return func(c *pgxpool.Config) {
		if n > 0 {
			c.MaxConns = n
		}
	}
}

// New connects to dsn and verifies the connection.
func New(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	for _, o := range opts {
		o(cfg)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &Store{db: pool}, nil
}

// NewWithDB wraps an existing connection.
func NewWithDB(db DB) *Store {
	return &Store{db: db}
}

// Migrate creates the cache table and adds any columns an older deployment lacks.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.db.Close()
}

// Columns returns the deployed column names of the cache table.
func (s *Store) Columns(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_name = $1
		ORDER BY ordinal_position
	`, cacheTable)
	if err != nil {
		return nil, fmt.Errorf("listing %s columns: %w", cacheTable, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// CheckSchema returns a *provider.SchemaMismatchError naming every column
// the write path needs that the deployed table lacks.
func (s *Store) CheckSchema(ctx context.Context) error {
	cols, err := s.Columns(ctx)
	if err != nil {
		return err
	}
	if missing := provider.MissingColumns(types.CacheColumns, cols); len(missing) > 0 {
		return &provider.SchemaMismatchError{Op: "schema check", Columns: missing}
	}
	return nil
}

// Postgres SQLSTATE codes for objects the statement referenced but the
// database does not have.
const (
	codeUndefinedColumn = "42703"
	codeUndefinedTable  = "42P01"
)

// wrapErr turns missing-object errors into *provider.SchemaMismatchError and
// annotates everything else with op.
func wrapErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == codeUndefinedColumn || pgErr.Code == codeUndefinedTable) {
		var cols []string
		if pgErr.ColumnName != "" {
			cols = []string{pgErr.ColumnName}
		}
		return &provider.SchemaMismatchError{Op: op, Columns: cols, Cause: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
