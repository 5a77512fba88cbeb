package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/store"
	"kasirledger/backend/internal/store/memory"
)

func newLedgerStore(t *testing.T, stock int) *memory.Store {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	now := time.Now().UTC()
	require.NoError(t, st.CreateProduct(ctx, domain.Product{ID: "prod-1", Name: "Widget", CreatedAt: now}))
	require.NoError(t, st.CreateVariant(ctx, domain.Variant{
		ID:        "var-1",
		ProductID: "prod-1",
		SKU:       "W-1",
		Name:      "Widget",
		Price:     decimal.NewFromInt(1000),
		Stock:     stock,
		CreatedAt: now,
		UpdatedAt: now,
	}))
	return st
}

func TestPostWritesMovementWithRunningBalance(t *testing.T) {
	ctx := context.Background()
	st := newLedgerStore(t, 10)
	l := New()

	var movement domain.StockMovement
	err := st.WithTransaction(ctx, store.TxOptions{}, func(ctx context.Context, repo store.Repository) error {
		variant, mov, err := l.Post(ctx, repo, Entry{VariantID: "var-1", Type: domain.MovementSale, Delta: -3, ReferenceID: "sale-1", Reason: ReasonSale})
		require.Equal(t, 7, variant.Stock)
		movement = mov
		return err
	})
	require.NoError(t, err)

	require.Equal(t, 10, movement.PreviousStock)
	require.Equal(t, 7, movement.NewStock)
	require.Equal(t, -3, movement.Quantity)
	require.Equal(t, "sale-1", movement.ReferenceID)

	variant, err := st.FindVariant(ctx, "var-1")
	require.NoError(t, err)
	require.Equal(t, 7, variant.Stock)
}

func TestApplyRejectsNegativeStock(t *testing.T) {
	ctx := context.Background()
	st := newLedgerStore(t, 2)
	l := New()

	err := st.WithTransaction(ctx, store.TxOptions{}, func(ctx context.Context, repo store.Repository) error {
		_, _, err := l.Post(ctx, repo, Entry{VariantID: "var-1", Type: domain.MovementSale, Delta: -5})
		return err
	})
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	var insufficient *InsufficientStockError
	require.True(t, errors.As(err, &insufficient))
	require.Equal(t, 2, insufficient.Available)
	require.Equal(t, 5, insufficient.Requested)

	movements, err := st.ListStockMovements(ctx, "var-1", 10)
	require.NoError(t, err)
	require.Empty(t, movements)
}

func TestApplyRejectsUnknownType(t *testing.T) {
	ctx := context.Background()
	st := newLedgerStore(t, 2)

	err := st.WithTransaction(ctx, store.TxOptions{}, func(ctx context.Context, repo store.Repository) error {
		_, _, err := New().Post(ctx, repo, Entry{VariantID: "var-1", Type: "GIFT", Delta: 1})
		return err
	})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)
}

func TestPlan(t *testing.T) {
	cases := []struct {
		name     string
		mode     string
		value    int
		reason   string
		previous int
		wantType string
		delta    int
	}{
		{"add restock", domain.StockModeAdd, 5, "new delivery", 10, domain.MovementRestock, 5},
		{"add return", domain.StockModeAdd, 2, "Customer Return", 10, domain.MovementReturn, 2},
		{"set down", domain.StockModeSet, 4, "count", 10, domain.MovementAdjustment, -6},
		{"set up", domain.StockModeSet, 12, "count", 10, domain.MovementAdjustment, 2},
		{"set same", domain.StockModeSet, 10, "count", 10, domain.MovementAdjustment, 0},
		{"remove damaged", domain.StockModeRemove, 3, "Damaged in transit", 10, domain.MovementShrinkage, -3},
		{"remove stolen", domain.StockModeRemove, 1, "stolen", 10, domain.MovementShrinkage, -1},
		{"remove other", domain.StockModeRemove, 1, "sample for display", 10, domain.MovementAdjustment, -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			movementType, delta := Plan(tc.mode, tc.value, tc.reason, tc.previous)
			require.Equal(t, tc.wantType, movementType)
			require.Equal(t, tc.delta, delta)
		})
	}
}

func TestValidateAdjustment(t *testing.T) {
	require.NoError(t, ValidateAdjustment(Adjustment{VariantID: "var-1", Mode: domain.StockModeSet, Value: 0}))
	require.NoError(t, ValidateAdjustment(Adjustment{VariantID: "var-1", Mode: domain.StockModeAdd, Value: 1}))

	invalid := []Adjustment{
		{Mode: domain.StockModeAdd, Value: 1},
		{VariantID: "var-1", Mode: domain.StockModeAdd, Value: 0},
		{VariantID: "var-1", Mode: domain.StockModeRemove, Value: -2},
		{VariantID: "var-1", Mode: domain.StockModeSet, Value: -1},
		{VariantID: "var-1", Mode: "multiply", Value: 2},
		{VariantID: "var-1", Mode: domain.StockModeAdd, Value: store.MaxQuantity + 1},
		{VariantID: "var-1", Mode: domain.StockModeSet, Value: store.MaxQuantity + 1},
	}
	for _, adj := range invalid {
		require.ErrorIs(t, ValidateAdjustment(adj), store.ErrInvalidTransaction, "%+v", adj)
	}
}

func TestRecordSetToZeroDelta(t *testing.T) {
	ctx := context.Background()
	st := newLedgerStore(t, 6)

	err := st.WithTransaction(ctx, store.TxOptions{}, func(ctx context.Context, repo store.Repository) error {
		_, mov, err := New().Record(ctx, repo, Adjustment{VariantID: "var-1", Mode: domain.StockModeSet, Value: 6, Reason: ReasonCount})
		require.Equal(t, 0, mov.Quantity)
		return err
	})
	require.NoError(t, err)

	movements, err := st.ListStockMovements(ctx, "var-1", 10)
	require.NoError(t, err)
	require.Len(t, movements, 1)
	require.Equal(t, domain.MovementAdjustment, movements[0].Type)
}

func TestApplyRejectsStockAboveColumnRange(t *testing.T) {
	ctx := context.Background()
	st := newLedgerStore(t, store.MaxQuantity-2)

	err := st.WithTransaction(ctx, store.TxOptions{}, func(ctx context.Context, repo store.Repository) error {
		_, _, err := New().Record(ctx, repo, Adjustment{VariantID: "var-1", Mode: domain.StockModeAdd, Value: 5, Reason: ReasonRestock})
		return err
	})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)

	variant, err := st.FindVariant(ctx, "var-1")
	require.NoError(t, err)
	require.Equal(t, store.MaxQuantity-2, variant.Stock)

	movements, err := st.ListStockMovements(ctx, "var-1", 10)
	require.NoError(t, err)
	require.Empty(t, movements)
}
