package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/events"
	"kasirledger/backend/internal/store"
)

// CustomerUpdater keeps customer.total_spent in line with the customer's
// transactions. The value is always recomputed from history.
type CustomerUpdater struct {
	store  store.Store
	logger *zap.Logger
	tracer trace.Tracer
	txOpts store.TxOptions
	now    func() time.Time
}

func NewCustomerUpdater(st store.Store, logger *zap.Logger, txOpts store.TxOptions) *CustomerUpdater {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CustomerUpdater{
		store:  st,
		logger: logger,
		tracer: otel.Tracer(tracerName),
		txOpts: txOpts.WithDefaults(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (u *CustomerUpdater) Recompute(ctx context.Context, customerID string) (out domain.Customer, err error) {
	ctx, span := u.tracer.Start(ctx, "service.recompute_customer_total", trace.WithAttributes(attribute.String("customer.id", customerID)))
	defer func() { endSpan(span, err) }()

	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return domain.Customer{}, fmt.Errorf("customer id is required: %w", store.ErrInvalidTransaction)
	}

	err = u.store.WithTransaction(ctx, u.txOpts, func(ctx context.Context, repo store.Repository) error {
		customer, err := repo.FindCustomer(ctx, customerID)
		if err != nil {
			return fmt.Errorf("find customer %s: %w", customerID, err)
		}
		transactions, err := repo.ListCustomerTransactions(ctx, customerID)
		if err != nil {
			return fmt.Errorf("list transactions of customer %s: %w", customerID, err)
		}

		total := SpentTotal(transactions)
		now := u.now()
		if err := repo.UpdateCustomerTotalSpent(ctx, customerID, total, now); err != nil {
			return fmt.Errorf("update total of customer %s: %w", customerID, err)
		}
		customer.TotalSpent = total
		customer.UpdatedAt = now
		out = *customer
		return nil
	})
	if err != nil {
		return domain.Customer{}, fmt.Errorf("recompute customer total: %w", err)
	}
	return out, nil
}

// HandleActivity is the event handler. It makes a single attempt.
func (u *CustomerUpdater) HandleActivity(ctx context.Context, event events.CustomerActivity) error {
	customer, err := u.Recompute(ctx, event.CustomerID)
	if err != nil {
		return err
	}
	u.logger.Debug("customer total recomputed",
		zap.String("customer_id", customer.ID),
		zap.String("transaction_id", event.TransactionID),
		zap.String("total_spent", customer.TotalSpent.StringFixed(2)),
	)
	return nil
}

// SpentTotal sums completed transactions in full and partially refunded ones
// net of refunded units. Fully refunded transactions count for nothing.
func SpentTotal(transactions []domain.SaleTransaction) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range transactions {
		switch tx.Status {
		case domain.SaleStatusCompleted:
			total = total.Add(tx.Total)
		case domain.SaleStatusPartiallyRefunded:
			refunded := decimal.Zero
			for _, item := range tx.Items {
				refunded = refunded.Add(item.FinalPrice.Mul(decimal.NewFromInt(int64(item.RefundedQuantity))))
			}
			total = total.Add(tx.Total.Sub(refunded))
		}
	}
	return total
}
