package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/events"
	"kasirledger/backend/internal/ledger"
	"kasirledger/backend/internal/store"
	"kasirledger/backend/internal/xid"
)

// CreateSaleTransaction records a sale, its items and the stock they consume
// as one unit of work. Stock is deducted in the order items were submitted.
func (s *Service) CreateSaleTransaction(ctx context.Context, items []domain.SaleItemInput, data domain.SaleTransactionInput) (resp domain.CreateSaleResponse, err error) {
	ctx, span := s.startSpan(ctx, "service.create_sale",
		attribute.Int("sale.item_count", len(items)),
		attribute.String("sale.customer_id", data.CustomerID),
	)
	defer func() { endSpan(span, err) }()

	if err := validateSale(items, data); err != nil {
		return domain.CreateSaleResponse{}, err
	}

	now := s.now()
	sale := domain.SaleTransaction{
		ID:            xid.New("sale"),
		UserID:        strings.TrimSpace(data.UserID),
		CustomerID:    strings.TrimSpace(data.CustomerID),
		PaymentMethod: defaultString(strings.ToLower(strings.TrimSpace(data.PaymentMethod)), "cash"),
		Subtotal:      data.Subtotal,
		Tax:           data.Tax,
		Total:         data.Total,
		Status:        domain.SaleStatusCompleted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	saleItems := buildSaleItems(sale.ID, items)
	span.SetAttributes(attribute.String("sale.id", sale.ID))

	err = s.store.WithTransaction(ctx, s.txOpts, func(ctx context.Context, repo store.Repository) error {
		if err := repo.InsertSaleTransaction(ctx, sale); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		for _, item := range saleItems {
			if err := repo.InsertSaleItem(ctx, item); err != nil {
				return fmt.Errorf("insert item %d: %w", item.Position, err)
			}
		}
		for _, item := range saleItems {
			if err := s.deductStock(ctx, repo, sale, item); err != nil {
				return fmt.Errorf("item %d: %w", item.Position, err)
			}
		}
		return nil
	})
	if err != nil {
		return domain.CreateSaleResponse{}, fmt.Errorf("create sale transaction: %w", err)
	}

	s.notifyCustomer(ctx, sale.CustomerID, sale.ID, events.CauseSale)

	sale.Items = saleItems
	return domain.CreateSaleResponse{Transaction: sale, Items: saleItems}, nil
}

func (s *Service) deductStock(ctx context.Context, repo store.Repository, sale domain.SaleTransaction, item domain.SaleItem) error {
	if item.VariantID != "" {
		variant, err := repo.FindVariant(ctx, item.VariantID)
		if err != nil {
			return fmt.Errorf("find variant %s: %w", item.VariantID, err)
		}
		if variant.ProductID != item.ProductID {
			return fmt.Errorf("variant %s does not belong to product %s: %w", item.VariantID, item.ProductID, store.ErrInvalidTransaction)
		}
		_, _, err = s.ledger.Apply(ctx, repo, *variant, ledger.Entry{
			VariantID:   item.VariantID,
			Type:        domain.MovementSale,
			Delta:       -item.Quantity,
			ReferenceID: sale.ID,
			Reason:      ledger.ReasonSale,
			UserID:      sale.UserID,
		})
		return err
	}

	variants, err := repo.ListVariantsByProduct(ctx, item.ProductID)
	if err != nil {
		return fmt.Errorf("list variants of product %s: %w", item.ProductID, err)
	}
	if len(variants) == 0 {
		return nil
	}

	// Variants absorb the demand in stored order.
	remaining := item.Quantity
	for _, variant := range variants {
		if remaining == 0 {
			break
		}
		take := min(remaining, variant.Stock)
		if take <= 0 {
			continue
		}
		_, _, err := s.ledger.Apply(ctx, repo, variant, ledger.Entry{
			VariantID:   variant.ID,
			Type:        domain.MovementSale,
			Delta:       -take,
			ReferenceID: sale.ID,
			Reason:      ledger.ReasonSale,
			Notes:       "allocated from product " + item.ProductID,
			UserID:      sale.UserID,
		})
		if err != nil {
			return err
		}
		remaining -= take
	}
	if remaining > 0 {
		s.logger.Warn("sale quantity exceeds stock across product variants",
			zap.String("transaction_id", sale.ID),
			zap.String("product_id", item.ProductID),
			zap.Int("requested", item.Quantity),
			zap.Int("unallocated", remaining),
		)
	}
	return nil
}

func validateSale(items []domain.SaleItemInput, data domain.SaleTransactionInput) error {
	if len(items) == 0 {
		return fmt.Errorf("at least one item is required: %w", store.ErrInvalidTransaction)
	}
	if strings.TrimSpace(data.UserID) == "" {
		return fmt.Errorf("user id is required: %w", store.ErrInvalidTransaction)
	}
	if data.Subtotal.IsNegative() || data.Tax.IsNegative() || data.Total.IsNegative() {
		return fmt.Errorf("amounts must not be negative: %w", store.ErrInvalidTransaction)
	}
	for i, item := range items {
		if strings.TrimSpace(item.ProductID) == "" {
			return fmt.Errorf("item %d: product id is required: %w", i, store.ErrInvalidTransaction)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("item %d: quantity must be positive: %w", i, store.ErrInvalidTransaction)
		}
		if item.Quantity > store.MaxQuantity {
			return fmt.Errorf("item %d: quantity exceeds %d: %w", i, store.MaxQuantity, store.ErrInvalidTransaction)
		}
		if item.UnitPrice.IsNegative() {
			return fmt.Errorf("item %d: unit price must not be negative: %w", i, store.ErrInvalidTransaction)
		}
		if item.Discount != nil {
			switch item.Discount.Type {
			case domain.DiscountPercentage, domain.DiscountFixed:
			default:
				return fmt.Errorf("item %d: unknown discount type %q: %w", i, item.Discount.Type, store.ErrInvalidTransaction)
			}
			if item.Discount.Value.IsNegative() || item.Discount.OriginalPrice.IsNegative() {
				return fmt.Errorf("item %d: discount must not be negative: %w", i, store.ErrInvalidTransaction)
			}
		}
	}
	return nil
}

func buildSaleItems(saleID string, inputs []domain.SaleItemInput) []domain.SaleItem {
	items := make([]domain.SaleItem, 0, len(inputs))
	for i, in := range inputs {
		unitPrice := in.UnitPrice
		var discount *domain.ItemDiscount
		if in.Discount != nil {
			d := *in.Discount
			discount = &d
			if d.OriginalPrice.IsPositive() {
				unitPrice = d.OriginalPrice
			}
		}
		items = append(items, domain.SaleItem{
			ID:            xid.New("item"),
			TransactionID: saleID,
			ProductID:     strings.TrimSpace(in.ProductID),
			VariantID:     strings.TrimSpace(in.VariantID),
			Quantity:      in.Quantity,
			UnitPrice:     unitPrice,
			FinalPrice:    in.UnitPrice,
			LineTotal:     in.UnitPrice.Mul(decimal.NewFromInt(int64(in.Quantity))),
			Discount:      discount,
			Position:      i,
		})
	}
	return items
}

func defaultString(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
