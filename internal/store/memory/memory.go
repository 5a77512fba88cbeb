package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/store"
)

// Store keeps the ledger in process memory. Transactions run one at a time on
// a private copy of the state which replaces the live state on commit, so a
// failed unit of work leaves nothing behind.
type Store struct {
	mu    sync.RWMutex
	state *state
	// txSlot admits one writer at a time. Every mutation takes it, including
	// catalog and account writes.
	txSlot chan struct{}
}

func New() *Store {
	return &Store{state: newState(), txSlot: make(chan struct{}, 1)}
}

func (s *Store) WithTransaction(ctx context.Context, opts store.TxOptions, fn func(ctx context.Context, repo store.Repository) error) error {
	return s.commit(ctx, opts, func(ctx context.Context, st *state) error {
		return fn(ctx, st)
	})
}

// commit runs fn against a copy of the state while holding the write slot and
// swaps the copy in when fn succeeds within the deadline.
func (s *Store) commit(ctx context.Context, opts store.TxOptions, fn func(ctx context.Context, st *state) error) error {
	opts = opts.WithDefaults()
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	wait := time.NewTimer(opts.MaxWait)
	defer wait.Stop()
	select {
	case s.txSlot <- struct{}{}:
	case <-wait.C:
		return fmt.Errorf("waiting for transaction slot: %w", store.ErrTimeout)
	case <-ctx.Done():
		return fmt.Errorf("waiting for transaction slot: %w", store.ErrTimeout)
	}
	defer func() { <-s.txSlot }()

	s.mu.RLock()
	working := s.state.clone()
	s.mu.RUnlock()

	if err := fn(ctx, working); err != nil {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("commit: %w", store.ErrTimeout)
	}

	s.mu.Lock()
	s.state = working
	s.mu.Unlock()
	return nil
}

func (s *Store) write(ctx context.Context, fn func(ctx context.Context, st *state) error) error {
	return s.commit(ctx, store.TxOptions{}, fn)
}

func (s *Store) read(fn func(st *state) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.state)
}

func (s *Store) FindVariant(ctx context.Context, id string) (*domain.Variant, error) {
	var out *domain.Variant
	err := s.read(func(st *state) (err error) {
		out, err = st.FindVariant(ctx, id)
		return err
	})
	return out, err
}

func (s *Store) ListVariantsByProduct(ctx context.Context, productID string) ([]domain.Variant, error) {
	var out []domain.Variant
	err := s.read(func(st *state) (err error) {
		out, err = st.ListVariantsByProduct(ctx, productID)
		return err
	})
	return out, err
}

func (s *Store) UpdateVariantStock(ctx context.Context, id string, stock int, at time.Time) error {
	return s.write(ctx, func(ctx context.Context, st *state) error {
		return st.UpdateVariantStock(ctx, id, stock, at)
	})
}

func (s *Store) InsertStockMovement(ctx context.Context, movement domain.StockMovement) error {
	return s.write(ctx, func(ctx context.Context, st *state) error {
		return st.InsertStockMovement(ctx, movement)
	})
}

func (s *Store) ListStockMovements(ctx context.Context, variantID string, limit int) ([]domain.StockMovement, error) {
	var out []domain.StockMovement
	err := s.read(func(st *state) (err error) {
		out, err = st.ListStockMovements(ctx, variantID, limit)
		return err
	})
	return out, err
}

func (s *Store) ListStockMovementsByReference(ctx context.Context, referenceID string) ([]domain.StockMovement, error) {
	var out []domain.StockMovement
	err := s.read(func(st *state) (err error) {
		out, err = st.ListStockMovementsByReference(ctx, referenceID)
		return err
	})
	return out, err
}

func (s *Store) InsertSaleTransaction(ctx context.Context, tx domain.SaleTransaction) error {
	return s.write(ctx, func(ctx context.Context, st *state) error {
		return st.InsertSaleTransaction(ctx, tx)
	})
}

func (s *Store) InsertSaleItem(ctx context.Context, item domain.SaleItem) error {
	return s.write(ctx, func(ctx context.Context, st *state) error {
		return st.InsertSaleItem(ctx, item)
	})
}

func (s *Store) FindSaleTransaction(ctx context.Context, id string) (*domain.SaleTransaction, error) {
	var out *domain.SaleTransaction
	err := s.read(func(st *state) (err error) {
		out, err = st.FindSaleTransaction(ctx, id)
		return err
	})
	return out, err
}

func (s *Store) UpdateSaleTransactionStatus(ctx context.Context, id string, status string, at time.Time) error {
	return s.write(ctx, func(ctx context.Context, st *state) error {
		return st.UpdateSaleTransactionStatus(ctx, id, status, at)
	})
}

func (s *Store) UpdateSaleItemRefund(ctx context.Context, itemID string, refundedQuantity int, refundedAt *time.Time) error {
	return s.write(ctx, func(ctx context.Context, st *state) error {
		return st.UpdateSaleItemRefund(ctx, itemID, refundedQuantity, refundedAt)
	})
}

func (s *Store) ListCustomerTransactions(ctx context.Context, customerID string) ([]domain.SaleTransaction, error) {
	var out []domain.SaleTransaction
	err := s.read(func(st *state) (err error) {
		out, err = st.ListCustomerTransactions(ctx, customerID)
		return err
	})
	return out, err
}

func (s *Store) FindCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	var out *domain.Customer
	err := s.read(func(st *state) (err error) {
		out, err = st.FindCustomer(ctx, id)
		return err
	})
	return out, err
}

func (s *Store) UpdateCustomerTotalSpent(ctx context.Context, id string, total decimal.Decimal, at time.Time) error {
	return s.write(ctx, func(ctx context.Context, st *state) error {
		return st.UpdateCustomerTotalSpent(ctx, id, total, at)
	})
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) error {
	if strings.TrimSpace(product.ID) == "" || strings.TrimSpace(product.Name) == "" {
		return store.ErrInvalidTransaction
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	return s.write(ctx, func(_ context.Context, st *state) error {
		if _, exists := st.products[product.ID]; exists {
			return fmt.Errorf("product %s: %w", product.ID, store.ErrDuplicate)
		}
		st.products[product.ID] = product
		return nil
	})
}

func (s *Store) CreateVariant(ctx context.Context, variant domain.Variant) error {
	if strings.TrimSpace(variant.ID) == "" || strings.TrimSpace(variant.SKU) == "" || variant.Stock < 0 || variant.Stock > store.MaxQuantity {
		return store.ErrInvalidTransaction
	}
	now := time.Now().UTC()
	if variant.CreatedAt.IsZero() {
		variant.CreatedAt = now
	}
	if variant.UpdatedAt.IsZero() {
		variant.UpdatedAt = variant.CreatedAt
	}
	return s.write(ctx, func(_ context.Context, st *state) error {
		if _, ok := st.products[variant.ProductID]; !ok {
			return fmt.Errorf("product %s: %w", variant.ProductID, store.ErrNotFound)
		}
		if _, exists := st.variants[variant.ID]; exists {
			return fmt.Errorf("variant %s: %w", variant.ID, store.ErrDuplicate)
		}
		for _, existing := range st.variants {
			if existing.SKU == variant.SKU {
				return fmt.Errorf("sku %s: %w", variant.SKU, store.ErrDuplicate)
			}
		}
		st.variants[variant.ID] = variant
		return nil
	})
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) error {
	if strings.TrimSpace(customer.ID) == "" {
		return store.ErrInvalidTransaction
	}
	now := time.Now().UTC()
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = now
	}
	if customer.UpdatedAt.IsZero() {
		customer.UpdatedAt = customer.CreatedAt
	}
	return s.write(ctx, func(_ context.Context, st *state) error {
		if _, exists := st.customers[customer.ID]; exists {
			return fmt.Errorf("customer %s: %w", customer.ID, store.ErrDuplicate)
		}
		st.customers[customer.ID] = customer
		return nil
	})
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	return s.write(ctx, func(_ context.Context, st *state) error {
		if _, exists := st.users[user.Username]; exists {
			return fmt.Errorf("user %s: %w", user.Username, store.ErrDuplicate)
		}
		st.users[user.Username] = user
		return nil
	})
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]domain.UserAccount, 0, len(s.state.users))
	for _, user := range s.state.users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	return s.write(ctx, func(_ context.Context, st *state) error {
		user, ok := st.users[username]
		if !ok {
			return store.ErrNotFound
		}
		user.Password = password
		st.users[username] = user
		return nil
	})
}

type state struct {
	products    map[string]domain.Product
	variants    map[string]domain.Variant
	customers   map[string]domain.Customer
	sales       map[string]domain.SaleTransaction
	items       map[string]domain.SaleItem
	itemsBySale map[string][]string
	movements   []domain.StockMovement
	users       map[string]domain.UserAccount
}

func newState() *state {
	return &state{
		products:    make(map[string]domain.Product),
		variants:    make(map[string]domain.Variant),
		customers:   make(map[string]domain.Customer),
		sales:       make(map[string]domain.SaleTransaction),
		items:       make(map[string]domain.SaleItem),
		itemsBySale: make(map[string][]string),
		users:       make(map[string]domain.UserAccount),
	}
}

// clone copies the maps; values are replaced on write, never mutated in place.
func (st *state) clone() *state {
	out := &state{
		products:    make(map[string]domain.Product, len(st.products)),
		variants:    make(map[string]domain.Variant, len(st.variants)),
		customers:   make(map[string]domain.Customer, len(st.customers)),
		sales:       make(map[string]domain.SaleTransaction, len(st.sales)),
		items:       make(map[string]domain.SaleItem, len(st.items)),
		itemsBySale: make(map[string][]string, len(st.itemsBySale)),
		movements:   slices.Clone(st.movements),
		users:       make(map[string]domain.UserAccount, len(st.users)),
	}
	for k, v := range st.products {
		out.products[k] = v
	}
	for k, v := range st.variants {
		out.variants[k] = v
	}
	for k, v := range st.customers {
		out.customers[k] = v
	}
	for k, v := range st.sales {
		out.sales[k] = v
	}
	for k, v := range st.items {
		out.items[k] = v
	}
	for k, v := range st.itemsBySale {
		out.itemsBySale[k] = slices.Clone(v)
	}
	for k, v := range st.users {
		out.users[k] = v
	}
	return out
}

func (st *state) FindVariant(_ context.Context, id string) (*domain.Variant, error) {
	variant, ok := st.variants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &variant, nil
}

func (st *state) ListVariantsByProduct(_ context.Context, productID string) ([]domain.Variant, error) {
	variants := make([]domain.Variant, 0, 4)
	for _, variant := range st.variants {
		if variant.ProductID == productID {
			variants = append(variants, variant)
		}
	}
	sort.Slice(variants, func(i, j int) bool {
		a, b := variants[i], variants[j]
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return variants, nil
}

func (st *state) UpdateVariantStock(_ context.Context, id string, stock int, at time.Time) error {
	variant, ok := st.variants[id]
	if !ok {
		return store.ErrNotFound
	}
	if stock < 0 {
		return store.ErrInsufficientStock
	}
	variant.Stock = stock
	variant.UpdatedAt = at
	st.variants[id] = variant
	return nil
}

func (st *state) InsertStockMovement(_ context.Context, movement domain.StockMovement) error {
	if _, ok := st.variants[movement.VariantID]; !ok {
		return store.ErrNotFound
	}
	if movement.NewStock != movement.PreviousStock+movement.Quantity {
		return fmt.Errorf("movement %s does not balance: %w", movement.ID, store.ErrInvalidTransaction)
	}
	st.movements = append(st.movements, movement)
	return nil
}

func (st *state) ListStockMovements(_ context.Context, variantID string, limit int) ([]domain.StockMovement, error) {
	out := make([]domain.StockMovement, 0, 16)
	for i := len(st.movements) - 1; i >= 0; i-- {
		if st.movements[i].VariantID != variantID {
			continue
		}
		out = append(out, st.movements[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (st *state) ListStockMovementsByReference(_ context.Context, referenceID string) ([]domain.StockMovement, error) {
	out := make([]domain.StockMovement, 0, 4)
	for _, movement := range st.movements {
		if movement.ReferenceID == referenceID {
			out = append(out, movement)
		}
	}
	return out, nil
}

func (st *state) InsertSaleTransaction(_ context.Context, tx domain.SaleTransaction) error {
	if _, exists := st.sales[tx.ID]; exists {
		return fmt.Errorf("sale %s: %w", tx.ID, store.ErrDuplicate)
	}
	if tx.CustomerID != "" {
		if _, ok := st.customers[tx.CustomerID]; !ok {
			return fmt.Errorf("customer %s: %w", tx.CustomerID, store.ErrNotFound)
		}
	}
	tx.Items = nil
	st.sales[tx.ID] = tx
	return nil
}

func (st *state) InsertSaleItem(_ context.Context, item domain.SaleItem) error {
	if _, ok := st.sales[item.TransactionID]; !ok {
		return fmt.Errorf("sale %s: %w", item.TransactionID, store.ErrNotFound)
	}
	if _, ok := st.products[item.ProductID]; !ok {
		return fmt.Errorf("product %s: %w", item.ProductID, store.ErrNotFound)
	}
	if item.VariantID != "" {
		if _, ok := st.variants[item.VariantID]; !ok {
			return fmt.Errorf("variant %s: %w", item.VariantID, store.ErrNotFound)
		}
	}
	if _, exists := st.items[item.ID]; exists {
		return fmt.Errorf("sale item %s: %w", item.ID, store.ErrDuplicate)
	}
	st.items[item.ID] = item
	st.itemsBySale[item.TransactionID] = append(st.itemsBySale[item.TransactionID], item.ID)
	return nil
}

func (st *state) FindSaleTransaction(_ context.Context, id string) (*domain.SaleTransaction, error) {
	tx, ok := st.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	tx.Items = st.saleItems(id)
	return &tx, nil
}

func (st *state) saleItems(saleID string) []domain.SaleItem {
	ids := st.itemsBySale[saleID]
	items := make([]domain.SaleItem, 0, len(ids))
	for _, id := range ids {
		items = append(items, st.items[id])
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Position < items[j].Position })
	return items
}

func (st *state) UpdateSaleTransactionStatus(_ context.Context, id string, status string, at time.Time) error {
	tx, ok := st.sales[id]
	if !ok {
		return store.ErrNotFound
	}
	tx.Status = status
	tx.UpdatedAt = at
	st.sales[id] = tx
	return nil
}

func (st *state) UpdateSaleItemRefund(_ context.Context, itemID string, refundedQuantity int, refundedAt *time.Time) error {
	item, ok := st.items[itemID]
	if !ok {
		return store.ErrNotFound
	}
	if refundedQuantity < 0 || refundedQuantity > item.Quantity {
		return store.ErrRefundExceedsRemaining
	}
	item.RefundedQuantity = refundedQuantity
	if refundedAt != nil {
		at := *refundedAt
		item.RefundedAt = &at
	}
	st.items[itemID] = item
	return nil
}

func (st *state) ListCustomerTransactions(_ context.Context, customerID string) ([]domain.SaleTransaction, error) {
	out := make([]domain.SaleTransaction, 0, 8)
	for id, tx := range st.sales {
		if tx.CustomerID != customerID {
			continue
		}
		tx.Items = st.saleItems(id)
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (st *state) FindCustomer(_ context.Context, id string) (*domain.Customer, error) {
	customer, ok := st.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &customer, nil
}

func (st *state) UpdateCustomerTotalSpent(_ context.Context, id string, total decimal.Decimal, at time.Time) error {
	customer, ok := st.customers[id]
	if !ok {
		return store.ErrNotFound
	}
	customer.TotalSpent = total
	customer.UpdatedAt = at
	st.customers[id] = customer
	return nil
}
