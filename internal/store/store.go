package store

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"kasirledger/backend/internal/domain"
)

const (
	DefaultMaxWait = 30 * time.Second
	DefaultTimeout = 30 * time.Second

	// MaxQuantity caps stock levels and per-line quantities so they fit the
	// INTEGER columns of every backend.
	MaxQuantity = math.MaxInt32
)

// TxOptions bounds a unit of work. MaxWait limits how long the transaction may
// wait for locks held by others; Timeout limits its total execution time.
type TxOptions struct {
	MaxWait time.Duration
	Timeout time.Duration
}

func (o TxOptions) WithDefaults() TxOptions {
	if o.MaxWait <= 0 {
		o.MaxWait = DefaultMaxWait
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// Repository is the narrow persistence contract of the ledger core. Inside
// WithTransaction, FindVariant and ListVariantsByProduct lock the rows they
// return until the transaction ends.
type Repository interface {
	FindVariant(ctx context.Context, id string) (*domain.Variant, error)
	ListVariantsByProduct(ctx context.Context, productID string) ([]domain.Variant, error)
	UpdateVariantStock(ctx context.Context, id string, stock int, at time.Time) error

	InsertStockMovement(ctx context.Context, movement domain.StockMovement) error
	ListStockMovements(ctx context.Context, variantID string, limit int) ([]domain.StockMovement, error)
	ListStockMovementsByReference(ctx context.Context, referenceID string) ([]domain.StockMovement, error)

	InsertSaleTransaction(ctx context.Context, tx domain.SaleTransaction) error
	InsertSaleItem(ctx context.Context, item domain.SaleItem) error
	FindSaleTransaction(ctx context.Context, id string) (*domain.SaleTransaction, error)
	UpdateSaleTransactionStatus(ctx context.Context, id string, status string, at time.Time) error
	UpdateSaleItemRefund(ctx context.Context, itemID string, refundedQuantity int, refundedAt *time.Time) error
	ListCustomerTransactions(ctx context.Context, customerID string) ([]domain.SaleTransaction, error)

	FindCustomer(ctx context.Context, id string) (*domain.Customer, error)
	UpdateCustomerTotalSpent(ctx context.Context, id string, total decimal.Decimal, at time.Time) error
}

// Store is a Repository that can run a function as one atomic unit of work.
// The function receives a context bounded by opts.Timeout; its Repository
// must not be used after it returns.
type Store interface {
	Repository
	WithTransaction(ctx context.Context, opts TxOptions, fn func(ctx context.Context, repo Repository) error) error
}

// Catalog covers the reference data the ledger reads but does not own.
type Catalog interface {
	CreateProduct(ctx context.Context, product domain.Product) error
	CreateVariant(ctx context.Context, variant domain.Variant) error
	CreateCustomer(ctx context.Context, customer domain.Customer) error
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
