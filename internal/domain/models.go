package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	SaleStatusCompleted         = "completed"
	SaleStatusPartiallyRefunded = "partially_refunded"
	SaleStatusRefunded          = "refunded"
)

const (
	MovementSale       = "SALE"
	MovementReturn     = "RETURN"
	MovementRestock    = "RESTOCK"
	MovementAdjustment = "ADJUSTMENT"
	MovementShrinkage  = "SHRINKAGE"
)

const (
	StockModeAdd    = "add"
	StockModeSet    = "set"
	StockModeRemove = "remove"
)

const (
	DiscountPercentage = "percentage"
	DiscountFixed      = "fixed"
)

type Product struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Variant is a stock-keeping unit. Stock only changes through ledger writes.
type Variant struct {
	ID        string          `json:"id"`
	ProductID string          `json:"product_id"`
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Stock     int             `json:"stock"`
	Position  int             `json:"position"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type StockMovement struct {
	ID            string    `json:"id"`
	VariantID     string    `json:"variant_id"`
	Type          string    `json:"type"`
	Quantity      int       `json:"quantity"`
	PreviousStock int       `json:"previous_stock"`
	NewStock      int       `json:"new_stock"`
	ReferenceID   string    `json:"reference_id,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	UserID        string    `json:"user_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type ItemDiscount struct {
	Type          string          `json:"type"`
	Value         decimal.Decimal `json:"value"`
	OriginalPrice decimal.Decimal `json:"original_price"`
}

type SaleItem struct {
	ID               string          `json:"id"`
	TransactionID    string          `json:"transaction_id"`
	ProductID        string          `json:"product_id"`
	VariantID        string          `json:"variant_id,omitempty"`
	Quantity         int             `json:"quantity"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	FinalPrice       decimal.Decimal `json:"final_price"`
	LineTotal        decimal.Decimal `json:"line_total"`
	RefundedQuantity int             `json:"refunded_quantity"`
	RefundedAt       *time.Time      `json:"refunded_at,omitempty"`
	Discount         *ItemDiscount   `json:"discount,omitempty"`
	Position         int             `json:"position"`
}

// RemainingQuantity is the number of units that can still be refunded.
func (i SaleItem) RemainingQuantity() int {
	return i.Quantity - i.RefundedQuantity
}

type SaleTransaction struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	CustomerID    string          `json:"customer_id,omitempty"`
	PaymentMethod string          `json:"payment_method"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Tax           decimal.Decimal `json:"tax"`
	Total         decimal.Decimal `json:"total"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Items         []SaleItem      `json:"items,omitempty"`
}

type Customer struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	TotalSpent decimal.Decimal `json:"total_spent"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type SaleItemInput struct {
	ProductID string          `json:"product_id"`
	VariantID string          `json:"variant_id,omitempty"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Discount  *ItemDiscount   `json:"discount,omitempty"`
}

type SaleTransactionInput struct {
	UserID        string          `json:"user_id"`
	CustomerID    string          `json:"customer_id,omitempty"`
	PaymentMethod string          `json:"payment_method"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Tax           decimal.Decimal `json:"tax"`
	Total         decimal.Decimal `json:"total"`
}

type CreateSaleRequest struct {
	Items       []SaleItemInput      `json:"items"`
	Transaction SaleTransactionInput `json:"transaction"`
}

type CreateSaleResponse struct {
	Transaction SaleTransaction `json:"transaction"`
	Items       []SaleItem      `json:"items"`
}

type RefundRequest struct {
	TransactionID string `json:"transaction_id"`
	ManagerPIN    string `json:"manager_pin,omitempty"`
}

type RefundItemLine struct {
	SaleItemID string `json:"sale_item_id"`
	Quantity   int    `json:"quantity"`
}

type RefundItemsRequest struct {
	TransactionID string           `json:"transaction_id"`
	Items         []RefundItemLine `json:"items"`
	ManagerPIN    string           `json:"manager_pin,omitempty"`
}

type RefundResponse struct {
	Transaction SaleTransaction `json:"transaction"`
}

type StockMovementRequest struct {
	VariantID string `json:"variant_id"`
	Mode      string `json:"mode"`
	Value     int    `json:"value"`
	Reason    string `json:"reason"`
	Notes     string `json:"notes,omitempty"`
}

type StockMovementResponse struct {
	Variant  Variant       `json:"variant"`
	Movement StockMovement `json:"movement"`
}

type BulkStockMovementRequest struct {
	Movements []StockMovementRequest `json:"movements"`
}

type BulkStockMovementResponse struct {
	Variants  []Variant       `json:"variants"`
	Movements []StockMovement `json:"movements"`
}

type RecomputeCustomerRequest struct {
	CustomerID string `json:"customer_id"`
}

type CustomerResponse struct {
	Customer Customer `json:"customer"`
}

type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}
