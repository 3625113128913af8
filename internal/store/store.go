// Package store is the canonical record store the loader writes to. It speaks
// one abstract operation, a keyed upsert, over sqlite or Postgres.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"iptv-ingest/internal/repository/sqlite"
)

// Column is one named value of a row. Rows keep column order so generated SQL
// is stable.
type Column struct {
	Name  string
	Value any
}

type Row []Column

// Tx is the per-batch write scope handed to WithinTx callbacks.
type Tx interface {
	// Upsert inserts or updates row keyed by keys and reports whether anything
	// changed. A failing record is rolled back alone; the transaction stays usable.
	Upsert(ctx context.Context, table string, keys []string, row Row) (bool, error)
}

type Store struct {
	db      *sql.DB
	dialect Dialect
}

func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Open connects to the canonical store. For sqlite dsn is a file path.
func Open(driver, dsn string) (*Store, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	var db *sql.DB
	switch dialect.Name {
	case SQLite.Name:
		db, err = sqlite.Open(dsn)
	default:
		db, err = sql.Open("postgres", dsn)
		if err == nil {
			err = db.Ping()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", dialect.Name, err)
	}
	return New(db, dialect), nil
}

func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) Close() error { return s.db.Close() }

// WithinTx runs fn in one transaction, committing when fn returns nil and
// rolling back otherwise.
func (s *Store) WithinTx(ctx context.Context, fn func(Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&tx{tx: sqlTx, dialect: s.dialect}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Count returns the number of rows a source owns in table.
func (s *Store) Count(ctx context.Context, table, source string) (int, error) {
	var n int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE source = %s", table, s.dialect.Placeholder(1))
	if err := s.db.QueryRowContext(ctx, query, source).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

type tx struct {
	tx      *sql.Tx
	dialect Dialect
	seq     int
}

func (t *tx) Upsert(ctx context.Context, table string, keys []string, row Row) (bool, error) {
	if len(keys) == 0 || len(row) == 0 {
		return false, errors.New("upsert requires key fields and a row")
	}
	t.seq++
	sp := fmt.Sprintf("rec_%d", t.seq)
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
		return false, fmt.Errorf("savepoint: %w", err)
	}

	query, args := t.dialect.UpsertSQL(table, keys, row)
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp); rbErr != nil {
			return false, errors.Join(fmt.Errorf("upsert %s: %w", table, err), fmt.Errorf("rollback savepoint: %w", rbErr))
		}
		if _, relErr := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+sp); relErr != nil {
			return false, errors.Join(fmt.Errorf("upsert %s: %w", table, err), fmt.Errorf("release savepoint: %w", relErr))
		}
		return false, fmt.Errorf("upsert %s: %w", table, err)
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
		return false, fmt.Errorf("release savepoint: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upsert %s rows affected: %w", table, err)
	}
	return affected > 0, nil
}
