// Package sqlite implements the repository registry on a local SQLite database. It backs the storefrontctl CLI
// and single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/hanko-field/storefront/internal/repositories"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

type txKey struct{}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a repositories.Registry over a single SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option customises the store.
type Option func(*Store)

// WithClock overrides the clock used to stamp records.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

var _ repositories.Registry = (*Store)(nil)

// Open creates or opens the database at path, applying pragmas and the schema.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: connect: %w", err)
	}

	// SQLite allows one writer; a single connection also makes every transaction serialisable.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("sqlite: execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("sqlite: set user_version: %w", err)
	}
	return nil
}

// DB exposes the underlying handle so other SQLite-backed stores can share the single connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close(context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Products() repositories.ProductRepository   { return productRepo{s} }
func (s *Store) Carts() repositories.CartRepository         { return cartRepo{s} }
func (s *Store) Orders() repositories.OrderRepository       { return orderRepo{s} }
func (s *Store) Addresses() repositories.AddressRepository { return addressRepo{s} }

// Health pings the database.
func (s *Store) Health() repositories.HealthRepository {
	repo, _ := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{{
		Name:  "sqlite",
		Check: s.db.PingContext,
	}})
	return repo
}

// RunInTx runs fn inside a database transaction. Repository calls made with the callback context use the
// transaction; nested calls join it.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("sqlite: transaction function is nil")
	}
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapError("sqlite.tx.begin", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, wrapError("sqlite.tx.rollback", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapError("sqlite.tx.commit", err)
	}
	return nil
}

func (s *Store) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

func (s *Store) stamp() int64 {
	return s.now().UTC().UnixNano()
}

// wrapError classifies database errors as repository errors.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return repositories.NewNotFoundError(op, "%w", err)
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrConstraint:
			if sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
				return repositories.NewConflictError(op, err)
			}
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return repositories.NewUnavailableError(op, err)
		}
	}
	return repositories.WrapStoreError(op, err)
}

func nullableTime(ts *time.Time) sql.NullInt64 {
	if ts == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ts.UTC().UnixNano(), Valid: true}
}

func fromNanos(v int64) time.Time {
	return time.Unix(0, v).UTC()
}

func fromNullNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := fromNanos(v.Int64)
	return &ts
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
