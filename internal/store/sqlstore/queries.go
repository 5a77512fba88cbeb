package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/store"
)

const variantColumns = `id, product_id, sku, name, price, stock, position, created_at, updated_at`

const movementColumns = `id, variant_id, type, quantity, previous_stock, new_stock,
	reference_id, reason, notes, user_id, created_at`

const saleColumns = `id, user_id, customer_id, payment_method, subtotal, tax, total, status, created_at, updated_at`

const itemColumns = `id, transaction_id, product_id, variant_id, quantity, unit_price, final_price, line_total,
	refunded_quantity, refunded_at, discount_type, discount_value, discount_original_price, position`

type scanner interface {
	Scan(dest ...any) error
}

func scanVariant(row scanner) (domain.Variant, error) {
	var v domain.Variant
	err := row.Scan(&v.ID, &v.ProductID, &v.SKU, &v.Name, &v.Price, &v.Stock, &v.Position, &v.CreatedAt, &v.UpdatedAt)
	v.CreatedAt = v.CreatedAt.UTC()
	v.UpdatedAt = v.UpdatedAt.UTC()
	return v, err
}

func (r *repo) FindVariant(ctx context.Context, id string) (*domain.Variant, error) {
	row := r.queryRow(ctx, `SELECT `+variantColumns+` FROM product_variants WHERE id = ?`+r.lock(), id)
	v, err := scanVariant(row)
	if err != nil {
		return nil, r.scanErr(err)
	}
	return &v, nil
}

func (r *repo) ListVariantsByProduct(ctx context.Context, productID string) ([]domain.Variant, error) {
	rows, err := r.query(ctx, `
		SELECT `+variantColumns+`
		FROM product_variants
		WHERE product_id = ?
		ORDER BY position, created_at, id`+r.lock(), productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	variants := make([]domain.Variant, 0, 4)
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, r.dialect.Classify(err)
		}
		variants = append(variants, v)
	}
	if err := rows.Err(); err != nil {
		return nil, r.dialect.Classify(err)
	}
	return variants, nil
}

func (r *repo) UpdateVariantStock(ctx context.Context, id string, stock int, at time.Time) error {
	res, err := r.exec(ctx, `UPDATE product_variants SET stock = ?, updated_at = ? WHERE id = ?`, stock, at.UTC(), id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (r *repo) InsertStockMovement(ctx context.Context, m domain.StockMovement) error {
	_, err := r.exec(ctx, `
		INSERT INTO stock_movements (`+movementColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
	`, m.ID, m.VariantID, m.Type, m.Quantity, m.PreviousStock, m.NewStock,
		nullIfEmpty(m.ReferenceID), nullIfEmpty(m.Reason), nullIfEmpty(m.Notes), nullIfEmpty(m.UserID), m.CreatedAt.UTC())
	return err
}

func (r *repo) ListStockMovements(ctx context.Context, variantID string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = 100
	}
	return r.listMovements(ctx, `
		SELECT `+movementColumns+`
		FROM stock_movements
		WHERE variant_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, variantID, limit)
}

func (r *repo) ListStockMovementsByReference(ctx context.Context, referenceID string) ([]domain.StockMovement, error) {
	return r.listMovements(ctx, `
		SELECT `+movementColumns+`
		FROM stock_movements
		WHERE reference_id = ?
		ORDER BY created_at, id`, referenceID)
}

func (r *repo) listMovements(ctx context.Context, query string, args ...any) ([]domain.StockMovement, error) {
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, 16)
	for rows.Next() {
		var (
			m                               domain.StockMovement
			referenceID, reason, notes, uid sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.VariantID, &m.Type, &m.Quantity, &m.PreviousStock, &m.NewStock,
			&referenceID, &reason, &notes, &uid, &m.CreatedAt); err != nil {
			return nil, r.dialect.Classify(err)
		}
		m.ReferenceID = referenceID.String
		m.Reason = reason.String
		m.Notes = notes.String
		m.UserID = uid.String
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, r.dialect.Classify(err)
	}
	return movements, nil
}

func (r *repo) InsertSaleTransaction(ctx context.Context, tx domain.SaleTransaction) error {
	_, err := r.exec(ctx, `
		INSERT INTO sale_transactions (`+saleColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?)
	`, tx.ID, tx.UserID, nullIfEmpty(tx.CustomerID), tx.PaymentMethod, tx.Subtotal, tx.Tax, tx.Total,
		tx.Status, tx.CreatedAt.UTC(), tx.UpdatedAt.UTC())
	return err
}

func (r *repo) InsertSaleItem(ctx context.Context, item domain.SaleItem) error {
	var discountType, discountValue, originalPrice any
	if item.Discount != nil {
		discountType = item.Discount.Type
		discountValue = item.Discount.Value
		originalPrice = item.Discount.OriginalPrice
	}
	_, err := r.exec(ctx, `
		INSERT INTO sale_items (`+itemColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, item.ID, item.TransactionID, item.ProductID, nullIfEmpty(item.VariantID), item.Quantity,
		item.UnitPrice, item.FinalPrice, item.LineTotal, item.RefundedQuantity, nullTime(item.RefundedAt),
		discountType, discountValue, originalPrice, item.Position)
	return err
}

func scanSale(row scanner) (domain.SaleTransaction, error) {
	var (
		tx         domain.SaleTransaction
		customerID sql.NullString
	)
	err := row.Scan(&tx.ID, &tx.UserID, &customerID, &tx.PaymentMethod, &tx.Subtotal, &tx.Tax, &tx.Total,
		&tx.Status, &tx.CreatedAt, &tx.UpdatedAt)
	tx.CustomerID = customerID.String
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()
	return tx, err
}

func scanItem(row scanner) (domain.SaleItem, error) {
	var (
		item                   domain.SaleItem
		variantID, discType    sql.NullString
		refundedAt             sql.NullTime
		discValue, discOrigPrc decimal.NullDecimal
	)
	err := row.Scan(&item.ID, &item.TransactionID, &item.ProductID, &variantID, &item.Quantity,
		&item.UnitPrice, &item.FinalPrice, &item.LineTotal, &item.RefundedQuantity, &refundedAt,
		&discType, &discValue, &discOrigPrc, &item.Position)
	if err != nil {
		return domain.SaleItem{}, err
	}
	item.VariantID = variantID.String
	if refundedAt.Valid {
		at := refundedAt.Time.UTC()
		item.RefundedAt = &at
	}
	if discType.Valid {
		item.Discount = &domain.ItemDiscount{
			Type:          discType.String,
			Value:         discValue.Decimal,
			OriginalPrice: discOrigPrc.Decimal,
		}
	}
	return item, nil
}

func (r *repo) FindSaleTransaction(ctx context.Context, id string) (*domain.SaleTransaction, error) {
	row := r.queryRow(ctx, `SELECT `+saleColumns+` FROM sale_transactions WHERE id = ?`+r.lock(), id)
	tx, err := scanSale(row)
	if err != nil {
		return nil, r.scanErr(err)
	}

	rows, err := r.query(ctx, `
		SELECT `+itemColumns+`
		FROM sale_items
		WHERE transaction_id = ?
		ORDER BY position, id`+r.lock(), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tx.Items = make([]domain.SaleItem, 0, 8)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, r.dialect.Classify(err)
		}
		tx.Items = append(tx.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, r.dialect.Classify(err)
	}
	return &tx, nil
}

func (r *repo) UpdateSaleTransactionStatus(ctx context.Context, id string, status string, at time.Time) error {
	res, err := r.exec(ctx, `UPDATE sale_transactions SET status = ?, updated_at = ? WHERE id = ?`, status, at.UTC(), id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (r *repo) UpdateSaleItemRefund(ctx context.Context, itemID string, refundedQuantity int, refundedAt *time.Time) error {
	res, err := r.exec(ctx, `
		UPDATE sale_items
		SET refunded_quantity = ?, refunded_at = COALESCE(?, refunded_at)
		WHERE id = ? AND ? <= quantity
	`, refundedQuantity, nullTime(refundedAt), itemID, refundedQuantity)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Either the item is gone or the bound check rejected the update.
		var quantity int
		if err := r.queryRow(ctx, `SELECT quantity FROM sale_items WHERE id = ?`, itemID).Scan(&quantity); err != nil {
			return r.scanErr(err)
		}
		return fmt.Errorf("item %s: %w", itemID, store.ErrRefundExceedsRemaining)
	}
	return nil
}

func (r *repo) ListCustomerTransactions(ctx context.Context, customerID string) ([]domain.SaleTransaction, error) {
	rows, err := r.query(ctx, `
		SELECT `+saleColumns+`
		FROM sale_transactions
		WHERE customer_id = ?
		ORDER BY created_at, id`, customerID)
	if err != nil {
		return nil, err
	}
	transactions := make([]domain.SaleTransaction, 0, 16)
	index := make(map[string]int)
	for rows.Next() {
		tx, err := scanSale(rows)
		if err != nil {
			_ = rows.Close()
			return nil, r.dialect.Classify(err)
		}
		index[tx.ID] = len(transactions)
		transactions = append(transactions, tx)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, r.dialect.Classify(err)
	}
	_ = rows.Close()

	if len(transactions) == 0 {
		return transactions, nil
	}

	itemRows, err := r.query(ctx, `
		SELECT `+prefixColumns("i", itemColumns)+`
		FROM sale_items i
		JOIN sale_transactions t ON t.id = i.transaction_id
		WHERE t.customer_id = ?
		ORDER BY i.transaction_id, i.position, i.id`, customerID)
	if err != nil {
		return nil, err
	}
	defer itemRows.Close()
	for itemRows.Next() {
		item, err := scanItem(itemRows)
		if err != nil {
			return nil, r.dialect.Classify(err)
		}
		if i, ok := index[item.TransactionID]; ok {
			transactions[i].Items = append(transactions[i].Items, item)
		}
	}
	if err := itemRows.Err(); err != nil {
		return nil, r.dialect.Classify(err)
	}
	return transactions, nil
}

func (r *repo) FindCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	var c domain.Customer
	err := r.queryRow(ctx, `
		SELECT id, name, total_spent, created_at, updated_at
		FROM customers
		WHERE id = ?`+r.lock(), id).Scan(&c.ID, &c.Name, &c.TotalSpent, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, r.scanErr(err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func (r *repo) UpdateCustomerTotalSpent(ctx context.Context, id string, total decimal.Decimal, at time.Time) error {
	res, err := r.exec(ctx, `UPDATE customers SET total_spent = ?, updated_at = ? WHERE id = ?`, total, at.UTC(), id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (r *repo) CreateProduct(ctx context.Context, product domain.Product) error {
	if strings.TrimSpace(product.ID) == "" || strings.TrimSpace(product.Name) == "" {
		return store.ErrInvalidTransaction
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	_, err := r.exec(ctx, `INSERT INTO products (id, name, created_at) VALUES (?,?,?)`,
		product.ID, product.Name, product.CreatedAt.UTC())
	return err
}

func (r *repo) CreateVariant(ctx context.Context, v domain.Variant) error {
	if strings.TrimSpace(v.ID) == "" || strings.TrimSpace(v.SKU) == "" || v.Stock < 0 || v.Stock > store.MaxQuantity {
		return store.ErrInvalidTransaction
	}
	now := time.Now().UTC()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = v.CreatedAt
	}
	_, err := r.exec(ctx, `
		INSERT INTO product_variants (`+variantColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?)
	`, v.ID, v.ProductID, v.SKU, v.Name, v.Price, v.Stock, v.Position, v.CreatedAt.UTC(), v.UpdatedAt.UTC())
	return err
}

func (r *repo) CreateCustomer(ctx context.Context, c domain.Customer) error {
	if strings.TrimSpace(c.ID) == "" {
		return store.ErrInvalidTransaction
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	_, err := r.exec(ctx, `
		INSERT INTO customers (id, name, total_spent, created_at, updated_at)
		VALUES (?,?,?,?,?)
	`, c.ID, c.Name, c.TotalSpent, c.CreatedAt.UTC(), c.UpdatedAt.UTC())
	return err
}

func (r *repo) CreateUser(ctx context.Context, user domain.UserAccount) error {
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
	_, err := r.exec(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES (?,?,?,?,?,?)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt.UTC(), user.CreatedAt.UTC())
	return err
}

func (r *repo) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := r.query(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, r.dialect.Classify(err)
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, r.dialect.Classify(err)
	}
	return users, nil
}

func (r *repo) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	res, err := r.exec(ctx, `UPDATE app_users SET password = ?, updated_at = ? WHERE username = ?`,
		password, time.Now().UTC(), username)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func prefixColumns(alias string, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}
