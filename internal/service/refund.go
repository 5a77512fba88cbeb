package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/events"
	"kasirledger/backend/internal/ledger"
	"kasirledger/backend/internal/store"
)

// RefundTransaction refunds every unit not yet refunded and marks the
// transaction refunded. Stock is restored for items sold from a variant.
func (s *Service) RefundTransaction(ctx context.Context, transactionID string, userID string) (out domain.SaleTransaction, err error) {
	ctx, span := s.startSpan(ctx, "service.refund_transaction", attribute.String("sale.id", transactionID))
	defer func() { endSpan(span, err) }()

	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return domain.SaleTransaction{}, fmt.Errorf("transaction id is required: %w", store.ErrInvalidTransaction)
	}

	err = s.store.WithTransaction(ctx, s.txOpts, func(ctx context.Context, repo store.Repository) error {
		sale, err := repo.FindSaleTransaction(ctx, transactionID)
		if err != nil {
			return fmt.Errorf("find transaction %s: %w", transactionID, err)
		}
		if sale.Status == domain.SaleStatusRefunded {
			return fmt.Errorf("transaction %s: %w", transactionID, store.ErrAlreadyRefunded)
		}

		now := s.now()
		for i, item := range sale.Items {
			remaining := item.RemainingQuantity()
			if remaining == 0 {
				continue
			}
			at := now
			if err := repo.UpdateSaleItemRefund(ctx, item.ID, item.Quantity, &at); err != nil {
				return fmt.Errorf("mark item %s refunded: %w", item.ID, err)
			}
			if item.VariantID != "" {
				if err := s.restock(ctx, repo, sale, item.VariantID, remaining, userID); err != nil {
					return err
				}
			}
			sale.Items[i].RefundedQuantity = item.Quantity
			sale.Items[i].RefundedAt = &at
		}

		if err := repo.UpdateSaleTransactionStatus(ctx, sale.ID, domain.SaleStatusRefunded, now); err != nil {
			return fmt.Errorf("update status of %s: %w", sale.ID, err)
		}
		sale.Status = domain.SaleStatusRefunded
		sale.UpdatedAt = now
		out = *sale
		return nil
	})
	if err != nil {
		return domain.SaleTransaction{}, fmt.Errorf("refund transaction: %w", err)
	}

	s.notifyCustomer(ctx, out.CustomerID, out.ID, events.CauseRefund)
	return out, nil
}

// RefundItems refunds part of a transaction. Either every line is accepted or
// nothing changes. Lines naming the same item are added up before the
// remaining quantity check.
func (s *Service) RefundItems(ctx context.Context, transactionID string, lines []domain.RefundItemLine, userID string) (out domain.SaleTransaction, err error) {
	ctx, span := s.startSpan(ctx, "service.refund_items",
		attribute.String("sale.id", transactionID),
		attribute.Int("refund.line_count", len(lines)),
	)
	defer func() { endSpan(span, err) }()

	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return domain.SaleTransaction{}, fmt.Errorf("transaction id is required: %w", store.ErrInvalidTransaction)
	}
	order, requested, err := collectRefundLines(lines)
	if err != nil {
		return domain.SaleTransaction{}, err
	}

	err = s.store.WithTransaction(ctx, s.txOpts, func(ctx context.Context, repo store.Repository) error {
		sale, err := repo.FindSaleTransaction(ctx, transactionID)
		if err != nil {
			return fmt.Errorf("find transaction %s: %w", transactionID, err)
		}
		if sale.Status == domain.SaleStatusRefunded {
			return fmt.Errorf("transaction %s: %w", transactionID, store.ErrAlreadyRefunded)
		}

		index := make(map[string]int, len(sale.Items))
		for i, item := range sale.Items {
			index[item.ID] = i
		}
		for _, itemID := range order {
			i, ok := index[itemID]
			if !ok {
				return fmt.Errorf("sale item %s in transaction %s: %w", itemID, transactionID, store.ErrNotFound)
			}
			if remaining := sale.Items[i].RemainingQuantity(); requested[itemID] > remaining {
				return fmt.Errorf("sale item %s: requested %d, remaining %d: %w", itemID, requested[itemID], remaining, store.ErrRefundExceedsRemaining)
			}
		}

		now := s.now()
		for _, itemID := range order {
			i := index[itemID]
			item := sale.Items[i]
			qty := requested[itemID]
			refunded := item.RefundedQuantity + qty

			var refundedAt *time.Time
			if refunded == item.Quantity && item.RefundedAt == nil {
				at := now
				refundedAt = &at
			}
			if err := repo.UpdateSaleItemRefund(ctx, item.ID, refunded, refundedAt); err != nil {
				return fmt.Errorf("update refund of item %s: %w", item.ID, err)
			}
			if item.VariantID != "" {
				if err := s.restock(ctx, repo, sale, item.VariantID, qty, userID); err != nil {
					return err
				}
			}
			sale.Items[i].RefundedQuantity = refunded
			if refundedAt != nil {
				sale.Items[i].RefundedAt = refundedAt
			}
		}

		status := DeriveStatus(sale.Items, sale.Status)
		if status != sale.Status {
			if err := repo.UpdateSaleTransactionStatus(ctx, sale.ID, status, now); err != nil {
				return fmt.Errorf("update status of %s: %w", sale.ID, err)
			}
			sale.Status = status
			sale.UpdatedAt = now
		}
		out = *sale
		return nil
	})
	if err != nil {
		return domain.SaleTransaction{}, fmt.Errorf("refund items: %w", err)
	}

	s.notifyCustomer(ctx, out.CustomerID, out.ID, events.CauseItemRefund)
	return out, nil
}

func (s *Service) restock(ctx context.Context, repo store.Repository, sale *domain.SaleTransaction, variantID string, qty int, userID string) error {
	_, _, err := s.ledger.Post(ctx, repo, ledger.Entry{
		VariantID:   variantID,
		Type:        domain.MovementReturn,
		Delta:       qty,
		ReferenceID: sale.ID,
		Reason:      ledger.ReasonRefund,
		UserID:      userID,
	})
	return err
}

func collectRefundLines(lines []domain.RefundItemLine) ([]string, map[string]int, error) {
	if len(lines) == 0 {
		return nil, nil, fmt.Errorf("at least one refund line is required: %w", store.ErrInvalidTransaction)
	}
	order := make([]string, 0, len(lines))
	requested := make(map[string]int, len(lines))
	for i, line := range lines {
		itemID := strings.TrimSpace(line.SaleItemID)
		if itemID == "" {
			return nil, nil, fmt.Errorf("line %d: sale item id is required: %w", i, store.ErrInvalidTransaction)
		}
		if line.Quantity <= 0 {
			return nil, nil, fmt.Errorf("line %d: quantity must be positive: %w", i, store.ErrInvalidTransaction)
		}
		if line.Quantity > store.MaxQuantity-requested[itemID] {
			return nil, nil, fmt.Errorf("line %d: quantity exceeds %d: %w", i, store.MaxQuantity, store.ErrInvalidTransaction)
		}
		if _, seen := requested[itemID]; !seen {
			order = append(order, itemID)
		}
		requested[itemID] += line.Quantity
	}
	return order, requested, nil
}

// DeriveStatus computes a transaction's status from its items. current is
// returned when nothing has been refunded.
func DeriveStatus(items []domain.SaleItem, current string) string {
	if len(items) == 0 {
		return current
	}
	allRefunded := true
	anyRefunded := false
	for _, item := range items {
		if item.RefundedQuantity > 0 {
			anyRefunded = true
		}
		if item.RefundedQuantity < item.Quantity {
			allRefunded = false
		}
	}
	switch {
	case allRefunded:
		return domain.SaleStatusRefunded
	case anyRefunded:
		return domain.SaleStatusPartiallyRefunded
	default:
		return current
	}
}
