// Package ledger writes the append-only stock movement trail. Every stock
// change goes through Apply, which updates the variant and records exactly one
// movement with newStock = previousStock + delta. A change that would leave
// stock negative is rejected before anything is written.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/store"
	"kasirledger/backend/internal/xid"
)

const (
	ReasonSale           = "sale"
	ReasonRefund         = "refund"
	ReasonCustomerReturn = "customer_return"
	ReasonRestock        = "restock"
	ReasonCount          = "stock_count"
	ReasonDamaged        = "damaged"
	ReasonLost           = "lost"
	ReasonTheft          = "theft"
	ReasonExpired        = "expired"
)

var shrinkageKeywords = []string{"damage", "theft", "stolen", "lost", "loss", "expired", "spoil", "broken"}

// InsufficientStockError reports a movement that would drive stock below zero.
type InsufficientStockError struct {
	VariantID string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for variant %s: available %d, requested %d", e.VariantID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error {
	return store.ErrInsufficientStock
}

// Entry describes one stock change before it is applied.
type Entry struct {
	VariantID   string
	Type        string
	Delta       int
	ReferenceID string
	Reason      string
	Notes       string
	UserID      string
}

type Ledger struct {
	now func() time.Time
}

func New() *Ledger {
	return &Ledger{now: func() time.Time { return time.Now().UTC() }}
}

// Post loads the variant through repo and applies entry to it.
func (l *Ledger) Post(ctx context.Context, repo store.Repository, entry Entry) (domain.Variant, domain.StockMovement, error) {
	variant, err := repo.FindVariant(ctx, entry.VariantID)
	if err != nil {
		return domain.Variant{}, domain.StockMovement{}, fmt.Errorf("find variant %s: %w", entry.VariantID, err)
	}
	return l.Apply(ctx, repo, *variant, entry)
}

// Apply writes the stock update and its movement row for a variant that was
// already read inside the current unit of work.
func (l *Ledger) Apply(ctx context.Context, repo store.Repository, variant domain.Variant, entry Entry) (domain.Variant, domain.StockMovement, error) {
	if !isMovementType(entry.Type) {
		return domain.Variant{}, domain.StockMovement{}, fmt.Errorf("unknown movement type %q: %w", entry.Type, store.ErrInvalidTransaction)
	}

	previous := variant.Stock
	next := previous + entry.Delta
	if next < 0 {
		return domain.Variant{}, domain.StockMovement{}, &InsufficientStockError{
			VariantID: variant.ID,
			Available: previous,
			Requested: -entry.Delta,
		}
	}
	if next > store.MaxQuantity {
		return domain.Variant{}, domain.StockMovement{}, fmt.Errorf("stock of variant %s would exceed %d: %w", variant.ID, store.MaxQuantity, store.ErrInvalidTransaction)
	}

	now := l.now()
	if err := repo.UpdateVariantStock(ctx, variant.ID, next, now); err != nil {
		return domain.Variant{}, domain.StockMovement{}, fmt.Errorf("update stock of variant %s: %w", variant.ID, err)
	}

	movement := domain.StockMovement{
		ID:            xid.New("mov"),
		VariantID:     variant.ID,
		Type:          entry.Type,
		Quantity:      entry.Delta,
		PreviousStock: previous,
		NewStock:      next,
		ReferenceID:   entry.ReferenceID,
		Reason:        entry.Reason,
		Notes:         entry.Notes,
		UserID:        entry.UserID,
		CreatedAt:     now,
	}
	if err := repo.InsertStockMovement(ctx, movement); err != nil {
		return domain.Variant{}, domain.StockMovement{}, fmt.Errorf("insert movement for variant %s: %w", variant.ID, err)
	}

	variant.Stock = next
	variant.UpdatedAt = now
	return variant, movement, nil
}

// Adjustment is a manual stock change requested by an operator.
type Adjustment struct {
	VariantID string
	Mode      string
	Value     int
	Reason    string
	Notes     string
	UserID    string
}

// Record applies a manual add, set or remove to a variant.
func (l *Ledger) Record(ctx context.Context, repo store.Repository, adj Adjustment) (domain.Variant, domain.StockMovement, error) {
	if err := ValidateAdjustment(adj); err != nil {
		return domain.Variant{}, domain.StockMovement{}, err
	}

	variant, err := repo.FindVariant(ctx, adj.VariantID)
	if err != nil {
		return domain.Variant{}, domain.StockMovement{}, fmt.Errorf("find variant %s: %w", adj.VariantID, err)
	}

	movementType, delta := Plan(adj.Mode, adj.Value, adj.Reason, variant.Stock)
	return l.Apply(ctx, repo, *variant, Entry{
		VariantID: variant.ID,
		Type:      movementType,
		Delta:     delta,
		Reason:    strings.TrimSpace(adj.Reason),
		Notes:     strings.TrimSpace(adj.Notes),
		UserID:    adj.UserID,
	})
}

// ValidateAdjustment checks an adjustment without touching storage.
func ValidateAdjustment(adj Adjustment) error {
	if strings.TrimSpace(adj.VariantID) == "" {
		return fmt.Errorf("variant id is required: %w", store.ErrInvalidTransaction)
	}
	if adj.Value > store.MaxQuantity {
		return fmt.Errorf("value exceeds %d: %w", store.MaxQuantity, store.ErrInvalidTransaction)
	}
	switch adj.Mode {
	case domain.StockModeAdd, domain.StockModeRemove:
		if adj.Value <= 0 {
			return fmt.Errorf("%s value must be positive: %w", adj.Mode, store.ErrInvalidTransaction)
		}
	case domain.StockModeSet:
		if adj.Value < 0 {
			return fmt.Errorf("set value must not be negative: %w", store.ErrInvalidTransaction)
		}
	default:
		return fmt.Errorf("unknown stock mode %q: %w", adj.Mode, store.ErrInvalidTransaction)
	}
	return nil
}

// Plan maps a manual adjustment onto a movement type and signed delta.
func Plan(mode string, value int, reason string, previous int) (string, int) {
	switch mode {
	case domain.StockModeAdd:
		if IsReturnReason(reason) {
			return domain.MovementReturn, value
		}
		return domain.MovementRestock, value
	case domain.StockModeSet:
		return domain.MovementAdjustment, value - previous
	default:
		if IsShrinkageReason(reason) {
			return domain.MovementShrinkage, -value
		}
		return domain.MovementAdjustment, -value
	}
}

func IsReturnReason(reason string) bool {
	return strings.Contains(strings.ToLower(reason), "return")
}

func IsShrinkageReason(reason string) bool {
	lowered := strings.ToLower(reason)
	for _, keyword := range shrinkageKeywords {
		if strings.Contains(lowered, keyword) {
			return true
		}
	}
	return false
}

func isMovementType(movementType string) bool {
	switch movementType {
	case domain.MovementSale, domain.MovementReturn, domain.MovementRestock, domain.MovementAdjustment, domain.MovementShrinkage:
		return true
	}
	return false
}
