package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"kasirledger/backend/internal/store"
	"kasirledger/backend/internal/store/sqlstore"
)

type Store struct {
	*sqlstore.Store
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{Store: sqlstore.New(db, sqlstore.Dialect{
		Name:           "postgres",
		NumberedParams: true,
		LockSuffix:     " FOR UPDATE",
		BeginTx:        beginTx,
		Classify:       classify,
	})}, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.DB().ExecContext(ctx, schema)
	return err
}

// beginTx opens a serializable transaction whose lock waits and statements
// are bounded server side as well.
func beginTx(ctx context.Context, db *sql.DB, opts store.TxOptions) (*sql.Tx, error) {
	pgTx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, classify(err)
	}
	settings := []string{
		fmt.Sprintf("SET LOCAL lock_timeout = %d", opts.MaxWait.Milliseconds()),
		fmt.Sprintf("SET LOCAL statement_timeout = %d", opts.Timeout.Milliseconds()),
	}
	for _, stmt := range settings {
		if _, err := pgTx.ExecContext(ctx, stmt); err != nil {
			_ = pgTx.Rollback()
			return nil, classify(err)
		}
	}
	return pgTx, nil
}

func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01":
		return fmt.Errorf("%w: %v", store.ErrSerialization, err)
	case "55P03", "57014":
		return fmt.Errorf("%w: %v", store.ErrTimeout, err)
	case "23503":
		return fmt.Errorf("%w: %v", store.ErrNotFound, err)
	case "23505":
		return fmt.Errorf("%w: %v", store.ErrDuplicate, err)
	case "23514", "22003":
		return fmt.Errorf("%w: %v", store.ErrInvalidTransaction, err)
	}
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS products (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS product_variants (
	id TEXT PRIMARY KEY,
	product_id TEXT NOT NULL REFERENCES products(id),
	sku TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	price NUMERIC(14,2) NOT NULL DEFAULT 0,
	stock INTEGER NOT NULL DEFAULT 0 CHECK (stock >= 0),
	position INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_variants_product_order
	ON product_variants(product_id, position, created_at, id);

CREATE TABLE IF NOT EXISTS customers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	total_spent NUMERIC(14,2) NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sale_transactions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	customer_id TEXT REFERENCES customers(id),
	payment_method TEXT NOT NULL,
	subtotal NUMERIC(14,2) NOT NULL,
	tax NUMERIC(14,2) NOT NULL,
	total NUMERIC(14,2) NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('completed', 'partially_refunded', 'refunded')),
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sale_transactions_customer
	ON sale_transactions(customer_id, created_at);

CREATE TABLE IF NOT EXISTS sale_items (
	id TEXT PRIMARY KEY,
	transaction_id TEXT NOT NULL REFERENCES sale_transactions(id),
	product_id TEXT NOT NULL REFERENCES products(id),
	variant_id TEXT REFERENCES product_variants(id),
	quantity INTEGER NOT NULL CHECK (quantity > 0),
	unit_price NUMERIC(14,2) NOT NULL,
	final_price NUMERIC(14,2) NOT NULL,
	line_total NUMERIC(14,2) NOT NULL,
	refunded_quantity INTEGER NOT NULL DEFAULT 0,
	refunded_at TIMESTAMPTZ,
	discount_type TEXT,
	discount_value NUMERIC(14,2),
	discount_original_price NUMERIC(14,2),
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
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stock_movements_variant
	ON stock_movements(variant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_stock_movements_reference
	ON stock_movements(reference_id);

CREATE TABLE IF NOT EXISTS app_users (
	username TEXT PRIMARY KEY,
	password TEXT NOT NULL,
	role TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT true,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`
