// Package seed loads demo reference data and login accounts for development
// runs. It is never required for the ledger to operate.
package seed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/store"
)

type demoProduct struct {
	id       string
	name     string
	variants []domain.Variant
}

var demoProducts = []demoProduct{
	{id: "prod-kaos", name: "Kaos Polos", variants: []domain.Variant{
		{ID: "var-kaos-s", SKU: "KAOS-S", Name: "Kaos Polos S", Price: decimal.RequireFromString("75000"), Stock: 20, Position: 0},
		{ID: "var-kaos-m", SKU: "KAOS-M", Name: "Kaos Polos M", Price: decimal.RequireFromString("75000"), Stock: 15, Position: 1},
		{ID: "var-kaos-l", SKU: "KAOS-L", Name: "Kaos Polos L", Price: decimal.RequireFromString("79000"), Stock: 10, Position: 2},
	}},
	{id: "prod-kopi", name: "Kopi Susu Botol", variants: []domain.Variant{
		{ID: "var-kopi-250", SKU: "KOPI-250", Name: "Kopi Susu 250ml", Price: decimal.RequireFromString("18000"), Stock: 48, Position: 0},
	}},
	{id: "prod-totebag", name: "Tote Bag Kanvas", variants: []domain.Variant{
		{ID: "var-tote-natural", SKU: "TOTE-NAT", Name: "Tote Bag Natural", Price: decimal.RequireFromString("45000"), Stock: 12, Position: 0},
		{ID: "var-tote-hitam", SKU: "TOTE-BLK", Name: "Tote Bag Hitam", Price: decimal.RequireFromString("45000"), Stock: 8, Position: 1},
	}},
}

var demoCustomers = []domain.Customer{
	{ID: "cust-andi", Name: "Andi Pratama"},
	{ID: "cust-sari", Name: "Sari Wulandari"},
}

// Catalog inserts the demo products, variants and customers. Rows that
// already exist are skipped.
func Catalog(ctx context.Context, catalog store.Catalog) error {
	now := time.Now().UTC()
	for _, p := range demoProducts {
		if err := skipExisting(catalog.CreateProduct(ctx, domain.Product{ID: p.id, Name: p.name, CreatedAt: now})); err != nil {
			return fmt.Errorf("seed product %s: %w", p.id, err)
		}
		for _, v := range p.variants {
			v.ProductID = p.id
			v.CreatedAt = now
			v.UpdatedAt = now
			if err := skipExisting(catalog.CreateVariant(ctx, v)); err != nil {
				return fmt.Errorf("seed variant %s: %w", v.ID, err)
			}
		}
	}
	for _, c := range demoCustomers {
		c.TotalSpent = decimal.Zero
		if err := skipExisting(catalog.CreateCustomer(ctx, c)); err != nil {
			return fmt.Errorf("seed customer %s: %w", c.ID, err)
		}
	}
	return nil
}

// Users creates the admin and cashier accounts. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD with dev fallbacks.
func Users(ctx context.Context, users store.UserStore, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		logger.Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash seed password for %s: %w", u.username, err)
		}
		err = users.CreateUser(ctx, domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		})
		if err := skipExisting(err); err != nil {
			return fmt.Errorf("seed user %s: %w", u.username, err)
		}
	}
	return nil
}

// skipExisting treats duplicate inserts as success so seeding can be rerun.
func skipExisting(err error) error {
	if err == nil || errors.Is(err, store.ErrDuplicate) {
		return nil
	}
	return err
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
