// Package sqlite stores the ledger in an embedded SQLite database. SQLite runs
// one writer at a time, so every transaction is serializable; transactions
// take the write lock at BEGIN and wait up to the busy timeout for it.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/mattn/go-sqlite3"

	"kasirledger/backend/internal/store"
	"kasirledger/backend/internal/store/sqlstore"
)

type Store struct {
	*sqlstore.Store
}

// New opens the database at path and applies the schema. Use ":memory:" for a
// private in-memory database. maxWait becomes the busy timeout.
func New(ctx context.Context, path string, maxWait time.Duration) (*Store, error) {
	if maxWait <= 0 {
		maxWait = store.DefaultMaxWait
	}
	params := url.Values{}
	params.Set("_foreign_keys", "on")
	params.Set("_txlock", "immediate")
	params.Set("_busy_timeout", strconv.FormatInt(maxWait.Milliseconds(), 10))
	if path != ":memory:" {
		params.Set("_journal_mode", "WAL")
	}

	db, err := sql.Open("sqlite3", path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		// Each connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	s := &Store{Store: sqlstore.New(db, sqlstore.Dialect{
		Name:     "sqlite",
		BeginTx:  beginTx,
		Classify: classify,
	})}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return s, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.DB().ExecContext(ctx, schema)
	return err
}

func beginTx(ctx context.Context, db *sql.DB, _ store.TxOptions) (*sql.Tx, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	return tx, nil
}

func classify(err error) error {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	switch sqliteErr.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return fmt.Errorf("%w: %v", store.ErrTimeout, err)
	case sqlite3.ErrConstraint:
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintForeignKey:
			return fmt.Errorf("%w: %v", store.ErrNotFound, err)
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %v", store.ErrDuplicate, err)
		case sqlite3.ErrConstraintCheck:
			return fmt.Errorf("%w: %v", store.ErrInvalidTransaction, err)
		}
	}
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS products (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS product_variants (
	id TEXT PRIMARY KEY,
	product_id TEXT NOT NULL REFERENCES products(id),
	sku TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	price TEXT NOT NULL DEFAULT '0',
	stock INTEGER NOT NULL DEFAULT 0 CHECK (stock >= 0),
	position INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_variants_product_order
	ON product_variants(product_id, position, created_at, id);

CREATE TABLE IF NOT EXISTS customers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	total_spent TEXT NOT NULL DEFAULT '0',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sale_transactions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	customer_id TEXT REFERENCES customers(id),
	payment_method TEXT NOT NULL,
	subtotal TEXT NOT NULL,
	tax TEXT NOT NULL,
	total TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('completed', 'partially_refunded', 'refunded')),
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sale_transactions_customer
	ON sale_transactions(customer_id, created_at);

CREATE TABLE IF NOT EXISTS sale_items (
	id TEXT PRIMARY KEY,
	transaction_id TEXT NOT NULL REFERENCES sale_transactions(id),
	product_id TEXT NOT NULL REFERENCES products(id),
	variant_id TEXT REFERENCES product_variants(id),
	quantity INTEGER NOT NULL CHECK (quantity > 0),
	unit_price TEXT NOT NULL,
	final_price TEXT NOT NULL,
	line_total TEXT NOT NULL,
	refunded_quantity INTEGER NOT NULL DEFAULT 0,
	refunded_at TIMESTAMP,
	discount_type TEXT,
	discount_value TEXT,
	discount_original_price TEXT,
	position INTEGER NOT NULL,
	CHECK (refunded_quantity >= 0 AND refunded_quantity <= quantity)
);
CREATE INDEX IF NOT EXISTS idx_sale_items_transaction
	ON sale_items(transaction_id, position);

CREATE TABLE IF NOT EXISTS stock_movements (
	id TEXT PRIMARY KEY,
	variant_id TEXT NOT NULL REFERENCES product_variants(id),
	type TEXT NOT NULL CHECK (type IN ('SALE', 'RETURN', 'RESTOCK', 'ADJUSTMENT', 'SHRINKAGE')),
	quantity INTEGER NOT NULL,
	previous_stock INTEGER NOT NULL,
	new_stock INTEGER NOT NULL CHECK (new_stock >= 0 AND new_stock = previous_stock + quantity),
	reference_id TEXT,
	reason TEXT,
	notes TEXT,
	user_id TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stock_movements_variant
	ON stock_movements(variant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_stock_movements_reference
	ON stock_movements(reference_id);

CREATE TABLE IF NOT EXISTS app_users (
	username TEXT PRIMARY KEY,
	password TEXT NOT NULL,
	role TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`
