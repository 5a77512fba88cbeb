package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/events"
	"kasirledger/backend/internal/ledger"
	"kasirledger/backend/internal/store"
)

const tracerName = "kasirledger/service"

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Service runs the sale, refund and stock operations. Each mutating call is
// one unit of work against the store; customer aggregates are refreshed
// afterwards through the event publisher.
type Service struct {
	store     store.Store
	ledger    *ledger.Ledger
	customers *CustomerUpdater
	events    events.Publisher
	logger    *zap.Logger
	tracer    trace.Tracer
	txOpts    store.TxOptions
	now       func() time.Time
}

func New(st store.Store, customers *CustomerUpdater, publisher events.Publisher, logger *zap.Logger, txOpts store.TxOptions) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if customers == nil {
		customers = NewCustomerUpdater(st, logger, txOpts)
	}
	if publisher == nil {
		publisher = events.NewDirect(customers.HandleActivity, logger)
	}
	return &Service{
		store:     st,
		ledger:    ledger.New(),
		customers: customers,
		events:    publisher,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
		txOpts:    txOpts.WithDefaults(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) GetSaleTransaction(ctx context.Context, id string) (domain.SaleTransaction, error) {
	if strings.TrimSpace(id) == "" {
		return domain.SaleTransaction{}, fmt.Errorf("transaction id is required: %w", store.ErrInvalidTransaction)
	}
	tx, err := s.store.FindSaleTransaction(ctx, id)
	if err != nil {
		return domain.SaleTransaction{}, fmt.Errorf("find transaction %s: %w", id, err)
	}
	return *tx, nil
}

func (s *Service) GetVariant(ctx context.Context, id string) (domain.Variant, error) {
	variant, err := s.store.FindVariant(ctx, id)
	if err != nil {
		return domain.Variant{}, fmt.Errorf("find variant %s: %w", id, err)
	}
	return *variant, nil
}

func (s *Service) ListStockMovements(ctx context.Context, variantID string, limit int) ([]domain.StockMovement, error) {
	if _, err := s.store.FindVariant(ctx, variantID); err != nil {
		return nil, fmt.Errorf("find variant %s: %w", variantID, err)
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.store.ListStockMovements(ctx, variantID, limit)
}

func (s *Service) GetCustomer(ctx context.Context, id string) (domain.Customer, error) {
	customer, err := s.store.FindCustomer(ctx, id)
	if err != nil {
		return domain.Customer{}, fmt.Errorf("find customer %s: %w", id, err)
	}
	return *customer, nil
}

func (s *Service) RecomputeCustomerTotal(ctx context.Context, customerID string) (domain.Customer, error) {
	return s.customers.Recompute(ctx, customerID)
}

// notifyCustomer publishes after commit. Failures are logged only; the sale or
// refund has already been committed.
func (s *Service) notifyCustomer(ctx context.Context, customerID string, transactionID string, cause string) {
	if customerID == "" {
		return
	}
	err := s.events.Publish(ctx, events.CustomerActivity{
		CustomerID:    customerID,
		TransactionID: transactionID,
		Cause:         cause,
		OccurredAt:    s.now(),
	})
	if err != nil {
		s.logger.Warn("failed to publish customer activity",
			zap.String("customer_id", customerID),
			zap.String("transaction_id", transactionID),
			zap.String("cause", cause),
			zap.Error(err),
		)
	}
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
