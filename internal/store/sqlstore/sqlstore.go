// Package sqlstore implements store.Store over database/sql. The Postgres and
// SQLite packages supply a Dialect and share every query defined here.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"kasirledger/backend/internal/store"
)

// Dialect captures what differs between database engines.
type Dialect struct {
	Name string
	// Numbered placeholders ($1, $2) instead of "?".
	NumberedParams bool
	// LockSuffix is appended to row reads made inside a transaction.
	LockSuffix string
	// BeginTx opens a serializable transaction honouring opts.MaxWait.
	BeginTx func(ctx context.Context, db *sql.DB, opts store.TxOptions) (*sql.Tx, error)
	// Classify maps driver errors onto store sentinels.
	Classify func(err error) error
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	*repo
	db *sql.DB
}

func New(db *sql.DB, dialect Dialect) *Store {
	if dialect.Classify == nil {
		dialect.Classify = func(err error) error { return err }
	}
	if dialect.BeginTx == nil {
		dialect.BeginTx = func(ctx context.Context, db *sql.DB, _ store.TxOptions) (*sql.Tx, error) {
			return db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		}
	}
	return &Store{repo: &repo{q: db, dialect: dialect}, db: db}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// WithTransaction runs fn in one serializable transaction bounded by
// opts.Timeout. Any error from fn, including a panic, rolls everything back.
func (s *Store) WithTransaction(ctx context.Context, opts store.TxOptions, fn func(ctx context.Context, repo store.Repository) error) (err error) {
	opts = opts.WithDefaults()
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	sqlTx, err := s.dialect.BeginTx(ctx, s.db, opts)
	if err != nil {
		return s.wrap(ctx, fmt.Errorf("begin: %w", err))
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, &repo{q: sqlTx, dialect: s.dialect, locking: true}); err != nil {
		return s.wrap(ctx, err)
	}
	if err := sqlTx.Commit(); err != nil {
		return s.wrap(ctx, fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *Store) wrap(ctx context.Context, err error) error {
	if errors.Is(err, store.ErrTimeout) || errors.Is(err, store.ErrSerialization) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", store.ErrTimeout, err)
	}
	return err
}

type repo struct {
	q       querier
	dialect Dialect
	locking bool
}

// bind rewrites "?" placeholders for dialects that number them.
func (r *repo) bind(query string) string {
	if !r.dialect.NumberedParams {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (r *repo) lock() string {
	if r.locking {
		return r.dialect.LockSuffix
	}
	return ""
}

func (r *repo) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := r.q.ExecContext(ctx, r.bind(query), args...)
	if err != nil {
		return nil, r.dialect.Classify(err)
	}
	return res, nil
}

func (r *repo) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := r.q.QueryContext(ctx, r.bind(query), args...)
	if err != nil {
		return nil, r.dialect.Classify(err)
	}
	return rows, nil
}

func (r *repo) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return r.q.QueryRowContext(ctx, r.bind(query), args...)
}

func (r *repo) scanErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return r.dialect.Classify(err)
}

func expectAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return val.UTC()
}
